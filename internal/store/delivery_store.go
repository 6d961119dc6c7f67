package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Priya8975/fleet-gateway/internal/domain"
	"github.com/jackc/pgx/v5"
)

var ErrDeadLetterNotFound = errors.New("dead letter not found or already resolved")

// DeliveryAttemptRecord holds data for inserting a delivery attempt.
type DeliveryAttemptRecord struct {
	NotificationID string
	SubscriptionID string
	AttemptNumber  int
	Status         string
	HTTPStatusCode *int
	ResponseBody   string
	ResponseTimeMs int
	ErrorMessage   string
	NextRetryAt    *time.Time
}

func (s *PostgresStore) RecordDeliveryAttempt(ctx context.Context, rec DeliveryAttemptRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO delivery_attempts (notification_id, subscription_id, attempt_number, status, http_status_code, response_body, response_time_ms, error_message, next_retry_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, rec.NotificationID, rec.SubscriptionID, rec.AttemptNumber, rec.Status, rec.HTTPStatusCode,
		nullString(rec.ResponseBody), rec.ResponseTimeMs, nullString(rec.ErrorMessage), rec.NextRetryAt)
	if err != nil {
		return fmt.Errorf("inserting delivery attempt: %w", err)
	}
	return nil
}

// DeadLetterRecord holds everything needed to replay a delivery by hand.
type DeadLetterRecord struct {
	NotificationID string
	SubscriptionID string
	TenantID       string
	EventKind      domain.EventKind
	Payload        json.RawMessage
	TotalAttempts  int
	LastHTTPStatus *int
	Reason         string
}

func (s *PostgresStore) InsertDeadLetter(ctx context.Context, rec DeadLetterRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO dead_letter_queue (notification_id, subscription_id, tenant_id, event_kind, payload, total_attempts, last_http_status, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, rec.NotificationID, rec.SubscriptionID, rec.TenantID, rec.EventKind, rec.Payload,
		rec.TotalAttempts, rec.LastHTTPStatus, rec.Reason)
	if err != nil {
		return fmt.Errorf("inserting dead letter: %w", err)
	}
	return nil
}

// DeadLetterFilter narrows ListDeadLetters. Empty fields match everything.
type DeadLetterFilter struct {
	TenantID       string
	SubscriptionID string
	Resolved       bool
	Limit          int
}

const deadLetterColumns = `id, notification_id, subscription_id, tenant_id, event_kind, payload,
	total_attempts, last_http_status, reason, created_at, resolved_at, resolved_by`

func scanDeadLetter(row pgx.Row) (*domain.DeadLetter, error) {
	var dl domain.DeadLetter
	err := row.Scan(
		&dl.ID, &dl.NotificationID, &dl.SubscriptionID, &dl.TenantID, &dl.EventKind, &dl.Payload,
		&dl.TotalAttempts, &dl.LastHTTPStatus, &dl.Reason, &dl.CreatedAt,
		&dl.ResolvedAt, &dl.ResolvedBy,
	)
	if err != nil {
		return nil, err
	}
	return &dl, nil
}

func (s *PostgresStore) ListDeadLetters(ctx context.Context, f DeadLetterFilter) ([]domain.DeadLetter, error) {
	query := `SELECT ` + deadLetterColumns + ` FROM dead_letter_queue`
	args := []interface{}{}
	argIdx := 1
	conditions := []string{}

	if f.TenantID != "" {
		conditions = append(conditions, fmt.Sprintf("tenant_id = $%d", argIdx))
		args = append(args, f.TenantID)
		argIdx++
	}
	if f.SubscriptionID != "" {
		conditions = append(conditions, fmt.Sprintf("subscription_id = $%d", argIdx))
		args = append(args, f.SubscriptionID)
		argIdx++
	}
	if f.Resolved {
		conditions = append(conditions, "resolved_at IS NOT NULL")
	} else {
		conditions = append(conditions, "resolved_at IS NULL")
	}

	query += " WHERE " + strings.Join(conditions, " AND ")
	query += " ORDER BY created_at DESC"

	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, f.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying dead letters: %w", err)
	}
	defer rows.Close()

	letters := []domain.DeadLetter{}
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning dead letter: %w", err)
		}
		letters = append(letters, *dl)
	}
	return letters, rows.Err()
}

func (s *PostgresStore) GetDeadLetter(ctx context.Context, id string) (*domain.DeadLetter, error) {
	dl, err := scanDeadLetter(s.pool.QueryRow(ctx, `
		SELECT `+deadLetterColumns+` FROM dead_letter_queue WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying dead letter: %w", err)
	}
	return dl, nil
}

// ResolveDeadLetter marks a dead letter as handled by an operator.
func (s *PostgresStore) ResolveDeadLetter(ctx context.Context, id string, resolvedBy string) error {
	result, err := s.pool.Exec(ctx, `
		UPDATE dead_letter_queue SET resolved_at = NOW(), resolved_by = $2
		WHERE id = $1 AND resolved_at IS NULL
	`, id, resolvedBy)
	if err != nil {
		return fmt.Errorf("resolving dead letter: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrDeadLetterNotFound
	}
	return nil
}

// DeliveryAttemptFilter narrows ListDeliveryAttempts. Empty fields match everything.
type DeliveryAttemptFilter struct {
	TenantID       string
	NotificationID string
	SubscriptionID string
	Status         string
	Limit          int
}

func (s *PostgresStore) ListDeliveryAttempts(ctx context.Context, f DeliveryAttemptFilter) ([]domain.DeliveryAttempt, error) {
	query := `SELECT id, notification_id, subscription_id, attempt_number, status, http_status_code, response_body, response_time_ms, error_message, next_retry_at, created_at FROM delivery_attempts`
	args := []interface{}{}
	argIdx := 1
	conditions := []string{}

	if f.TenantID != "" {
		conditions = append(conditions, fmt.Sprintf("subscription_id IN (SELECT id FROM webhook_subscriptions WHERE tenant_id = $%d)", argIdx))
		args = append(args, f.TenantID)
		argIdx++
	}
	if f.NotificationID != "" {
		conditions = append(conditions, fmt.Sprintf("notification_id = $%d", argIdx))
		args = append(args, f.NotificationID)
		argIdx++
	}
	if f.SubscriptionID != "" {
		conditions = append(conditions, fmt.Sprintf("subscription_id = $%d", argIdx))
		args = append(args, f.SubscriptionID)
		argIdx++
	}
	if f.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, f.Status)
		argIdx++
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC"

	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, f.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying delivery attempts: %w", err)
	}
	defer rows.Close()

	attempts := []domain.DeliveryAttempt{}
	for rows.Next() {
		var a domain.DeliveryAttempt
		err := rows.Scan(
			&a.ID, &a.NotificationID, &a.SubscriptionID, &a.AttemptNumber,
			&a.Status, &a.HTTPStatusCode, &a.ResponseBody,
			&a.ResponseTimeMs, &a.ErrorMessage, &a.NextRetryAt, &a.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning delivery attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}
