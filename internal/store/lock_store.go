package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Priya8975/fleet-gateway/internal/domain"
	"github.com/jackc/pgx/v5"
)

// InsertLock relies on the device_locks primary key for mutual exclusion.
func (s *PostgresStore) InsertLock(ctx context.Context, l domain.ResourceLock) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO device_locks (device_id, holder_id, acquired_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (device_id) DO NOTHING
	`, l.DeviceID, l.HolderID, l.AcquiredAt, l.ExpiresAt)
	if err != nil {
		return false, fmt.Errorf("inserting lock: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) GetLock(ctx context.Context, deviceID string) (*domain.ResourceLock, error) {
	var l domain.ResourceLock
	err := s.pool.QueryRow(ctx, `
		SELECT device_id, holder_id, acquired_at, expires_at
		FROM device_locks WHERE device_id = $1
	`, deviceID).Scan(&l.DeviceID, &l.HolderID, &l.AcquiredAt, &l.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying lock: %w", err)
	}
	return &l, nil
}

func (s *PostgresStore) ExtendLock(ctx context.Context, deviceID, holderID string, expiresAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE device_locks SET expires_at = $3
		WHERE device_id = $1 AND holder_id = $2
	`, deviceID, holderID, expiresAt)
	if err != nil {
		return false, fmt.Errorf("extending lock: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) DeleteLock(ctx context.Context, deviceID, holderID string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM device_locks WHERE device_id = $1 AND holder_id = $2
	`, deviceID, holderID)
	if err != nil {
		return fmt.Errorf("deleting lock: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteExpiredLock(ctx context.Context, deviceID string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM device_locks WHERE device_id = $1 AND expires_at <= $2
	`, deviceID, now)
	if err != nil {
		return fmt.Errorf("deleting expired lock: %w", err)
	}
	return nil
}
