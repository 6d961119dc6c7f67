package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Priya8975/fleet-gateway/internal/domain"
	"github.com/jackc/pgx/v5"
)

const outboxColumns = `id, tenant_id, device_id, destination, kind, payload, status, retries,
	idempotency_key, external_id, error, created_at, updated_at, sent_at`

func scanOutbox(row pgx.Row) (*domain.OutboxMessage, error) {
	var m domain.OutboxMessage
	err := row.Scan(
		&m.ID, &m.TenantID, &m.DeviceID, &m.Destination, &m.Kind, &m.Payload,
		&m.Status, &m.Retries, &m.IdempotencyKey, &m.ExternalID, &m.Error,
		&m.CreatedAt, &m.UpdatedAt, &m.SentAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// InsertOutboxMessage stores a queued entry. When the (device, idempotency
// key) pair already exists the existing entry is returned with created=false.
func (s *PostgresStore) InsertOutboxMessage(ctx context.Context, m domain.OutboxMessage) (*domain.OutboxMessage, bool, error) {
	inserted, err := scanOutbox(s.pool.QueryRow(ctx, `
		INSERT INTO outbox_messages (tenant_id, device_id, destination, kind, payload, status, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (device_id, idempotency_key) DO NOTHING
		RETURNING `+outboxColumns,
		m.TenantID, m.DeviceID, m.Destination, m.Kind, m.Payload, domain.OutboxQueued, m.IdempotencyKey,
	))
	if err == nil {
		return inserted, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("inserting outbox message: %w", err)
	}

	existing, err := scanOutbox(s.pool.QueryRow(ctx, `
		SELECT `+outboxColumns+` FROM outbox_messages
		WHERE device_id = $1 AND idempotency_key = $2
	`, m.DeviceID, m.IdempotencyKey))
	if err != nil {
		return nil, false, fmt.Errorf("loading idempotent outbox message: %w", err)
	}
	return existing, false, nil
}

func (s *PostgresStore) GetOutboxMessage(ctx context.Context, id string) (*domain.OutboxMessage, error) {
	m, err := scanOutbox(s.pool.QueryRow(ctx, `
		SELECT `+outboxColumns+` FROM outbox_messages WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying outbox message: %w", err)
	}
	return m, nil
}

// ListDueOutboxMessages returns retryable entries oldest first. Entries stuck
// in sending since before staleBefore are included so a crashed sender does
// not strand them.
func (s *PostgresStore) ListDueOutboxMessages(ctx context.Context, maxRetries int, staleBefore time.Time, limit int) ([]domain.OutboxMessage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+outboxColumns+` FROM outbox_messages
		WHERE retries < $1
		  AND (status IN ($2, $3) OR (status = $4 AND updated_at < $5))
		ORDER BY created_at
		LIMIT $6
	`, maxRetries, domain.OutboxQueued, domain.OutboxPending, domain.OutboxSending, staleBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("querying due outbox messages: %w", err)
	}
	defer rows.Close()

	messages := []domain.OutboxMessage{}
	for rows.Next() {
		m, err := scanOutbox(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning outbox message: %w", err)
		}
		messages = append(messages, *m)
	}
	return messages, rows.Err()
}

// ClaimOutboxMessage moves an eligible entry that still has retries left to
// sending and returns the claimed row. It returns nil, nil when another caller
// won the claim or the entry is no longer eligible.
func (s *PostgresStore) ClaimOutboxMessage(ctx context.Context, id string, maxRetries int, staleBefore time.Time) (*domain.OutboxMessage, error) {
	m, err := scanOutbox(s.pool.QueryRow(ctx, `
		UPDATE outbox_messages SET status = $2, updated_at = NOW()
		WHERE id = $1
		  AND retries < $6
		  AND (status IN ($3, $4) OR (status = $2 AND updated_at < $5))
		RETURNING `+outboxColumns,
		id, domain.OutboxSending, domain.OutboxQueued, domain.OutboxPending, staleBefore, maxRetries,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claiming outbox message: %w", err)
	}
	return m, nil
}

func (s *PostgresStore) MarkOutboxSent(ctx context.Context, id, externalID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_messages
		SET status = $2, external_id = $3, error = NULL, sent_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, domain.OutboxSent, externalID, domain.OutboxSending)
	if err != nil {
		return fmt.Errorf("marking outbox message sent: %w", err)
	}
	return nil
}

// MarkOutboxFailure counts a failed attempt on a sending entry. The entry
// becomes failed once the stored count reaches maxRetries and pending
// otherwise. It returns nil, nil when the entry is not sending.
func (s *PostgresStore) MarkOutboxFailure(ctx context.Context, id string, maxRetries int, errMsg string) (*domain.OutboxMessage, error) {
	m, err := scanOutbox(s.pool.QueryRow(ctx, `
		UPDATE outbox_messages
		SET retries = retries + 1,
		    status = CASE WHEN retries + 1 >= $2 THEN $3 ELSE $4 END,
		    error = $5,
		    updated_at = NOW()
		WHERE id = $1 AND status = $6
		RETURNING `+outboxColumns,
		id, maxRetries, domain.OutboxFailed, domain.OutboxPending, errMsg, domain.OutboxSending,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("recording outbox failure: %w", err)
	}
	return m, nil
}
