package store

import (
	"context"
	"fmt"
	"time"

	"github.com/Priya8975/fleet-gateway/internal/domain"
)

// AppendEvent writes one raw protocol event to the append-only log.
func (s *PostgresStore) AppendEvent(ctx context.Context, ev domain.InboundEvent) (*domain.InboundEvent, error) {
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO inbound_events (tenant_id, device_id, kind, payload, received_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, ev.TenantID, ev.DeviceID, ev.Kind, ev.Payload, ev.ReceivedAt).Scan(&ev.ID)
	if err != nil {
		return nil, fmt.Errorf("inserting event: %w", err)
	}
	return &ev, nil
}

// ListEventsSince returns events of one kind ordered by (received_at, id),
// starting after the (since, afterID) key. An empty afterID includes every
// event received at since; the text form of a uuid sorts like the uuid.
func (s *PostgresStore) ListEventsSince(ctx context.Context, kind domain.EventKind, since time.Time, afterID string, limit int) ([]domain.InboundEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, device_id, kind, payload, received_at
		FROM inbound_events
		WHERE kind = $1
		  AND (received_at > $2 OR (received_at = $2 AND id::text > $3))
		ORDER BY received_at, id
		LIMIT $4
	`, kind, since, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	events := []domain.InboundEvent{}
	for rows.Next() {
		var e domain.InboundEvent
		if err := rows.Scan(&e.ID, &e.TenantID, &e.DeviceID, &e.Kind, &e.Payload, &e.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// InsertInboxMessage reports false when the (device, external id) row
// already exists.
func (s *PostgresStore) InsertInboxMessage(ctx context.Context, m domain.InboxMessage) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO inbox_messages (tenant_id, device_id, chat_address, external_message_id, content_kind, payload, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (device_id, external_message_id) DO NOTHING
	`, m.TenantID, m.DeviceID, m.ChatAddress, m.ExternalMessageID, m.ContentKind, m.Payload, m.ReceivedAt)
	if err != nil {
		return false, fmt.Errorf("inserting inbox message: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) InboxMessageExists(ctx context.Context, deviceID, externalID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM inbox_messages WHERE device_id = $1 AND external_message_id = $2)
	`, deviceID, externalID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking inbox message: %w", err)
	}
	return exists, nil
}

// ListInboxMessages returns the newest inbox rows of a device.
func (s *PostgresStore) ListInboxMessages(ctx context.Context, deviceID string, limit int) ([]domain.InboxMessage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, device_id, chat_address, external_message_id, content_kind, payload, received_at
		FROM inbox_messages
		WHERE device_id = $1
		ORDER BY received_at DESC
		LIMIT $2
	`, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying inbox messages: %w", err)
	}
	defer rows.Close()

	messages := []domain.InboxMessage{}
	for rows.Next() {
		var m domain.InboxMessage
		err := rows.Scan(&m.ID, &m.TenantID, &m.DeviceID, &m.ChatAddress,
			&m.ExternalMessageID, &m.ContentKind, &m.Payload, &m.ReceivedAt)
		if err != nil {
			return nil, fmt.Errorf("scanning inbox message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}
