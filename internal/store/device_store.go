package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/Priya8975/fleet-gateway/internal/domain"
	"github.com/jackc/pgx/v5"
)

const deviceColumns = `d.id, d.tenant_id, d.status, d.remote_user_id, d.phone_number,
	d.last_connected_at, d.last_disconnected_at, d.last_error,
	d.reconnect_attempts, d.max_reconnect_attempts, d.credentials IS NOT NULL,
	t.is_active, d.created_at, d.updated_at`

func scanDevice(row pgx.Row) (*domain.Device, error) {
	var d domain.Device
	err := row.Scan(
		&d.ID, &d.TenantID, &d.Status, &d.RemoteUserID, &d.PhoneNumber,
		&d.LastConnectedAt, &d.LastDisconnectedAt, &d.LastError,
		&d.ReconnectAttempts, &d.MaxReconnectAttempts, &d.HasCredentials,
		&d.TenantActive, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *PostgresStore) GetDevice(ctx context.Context, id string) (*domain.Device, error) {
	d, err := scanDevice(s.pool.QueryRow(ctx, `
		SELECT `+deviceColumns+`
		FROM devices d JOIN tenants t ON t.id = d.tenant_id
		WHERE d.id = $1
	`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying device: %w", err)
	}
	return d, nil
}

// ListDevices returns every device of a tenant, or of all tenants when
// tenantID is empty.
func (s *PostgresStore) ListDevices(ctx context.Context, tenantID string) ([]domain.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices d JOIN tenants t ON t.id = d.tenant_id`
	args := []interface{}{}
	if tenantID != "" {
		query += " WHERE d.tenant_id = $1"
		args = append(args, tenantID)
	}
	query += " ORDER BY d.created_at"
	return s.queryDevices(ctx, query, args...)
}

// ListReconnectCandidates returns devices of active tenants that have been
// paired before and are not parked in a terminal status.
func (s *PostgresStore) ListReconnectCandidates(ctx context.Context) ([]domain.Device, error) {
	return s.queryDevices(ctx, `
		SELECT `+deviceColumns+`
		FROM devices d JOIN tenants t ON t.id = d.tenant_id
		WHERE t.is_active = true
		  AND d.credentials IS NOT NULL
		  AND d.status NOT IN ($1, $2)
		ORDER BY d.id
	`, domain.DeviceFailed, domain.DeviceNeedsPairing)
}

func (s *PostgresStore) queryDevices(ctx context.Context, query string, args ...interface{}) ([]domain.Device, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	devices := []domain.Device{}
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		devices = append(devices, *d)
	}
	return devices, rows.Err()
}

func (s *PostgresStore) UpdateDeviceStatus(ctx context.Context, id string, upd domain.DeviceStatusUpdate) error {
	setClauses := []string{"status = $1", "updated_at = NOW()"}
	args := []interface{}{upd.Status}
	argIdx := 2

	add := func(column string, value interface{}) {
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", column, argIdx))
		args = append(args, value)
		argIdx++
	}

	if upd.RemoteUserID != nil {
		add("remote_user_id", *upd.RemoteUserID)
	}
	if upd.PhoneNumber != nil {
		add("phone_number", *upd.PhoneNumber)
	}
	if upd.LastError != nil {
		add("last_error", *upd.LastError)
	} else if upd.ClearError {
		setClauses = append(setClauses, "last_error = NULL")
	}
	if upd.ReconnectAttempts != nil {
		add("reconnect_attempts", *upd.ReconnectAttempts)
	}
	if upd.ConnectedAt != nil {
		add("last_connected_at", *upd.ConnectedAt)
	}
	if upd.DisconnectedAt != nil {
		add("last_disconnected_at", *upd.DisconnectedAt)
	}

	query := fmt.Sprintf("UPDATE devices SET %s WHERE id = $%d", joinStrings(setClauses, ", "), argIdx)
	args = append(args, id)

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating device status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("device %s not found", id)
	}
	return nil
}

func (s *PostgresStore) LoadCredentials(ctx context.Context, id string) ([]byte, error) {
	var creds []byte
	err := s.pool.QueryRow(ctx, `SELECT credentials FROM devices WHERE id = $1`, id).Scan(&creds)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("loading credentials: %w", err)
	}
	return creds, nil
}

func (s *PostgresStore) SaveCredentials(ctx context.Context, id string, creds []byte) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE devices SET credentials = $2, updated_at = NOW() WHERE id = $1
	`, id, creds)
	if err != nil {
		return fmt.Errorf("saving credentials: %w", err)
	}
	return nil
}

func (s *PostgresStore) ClearCredentials(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE devices SET credentials = NULL, remote_user_id = NULL, updated_at = NOW() WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("clearing credentials: %w", err)
	}
	return nil
}

func joinStrings(strs []string, sep string) string {
	result := ""
	for i, s := range strs {
		if i > 0 {
			result += sep
		}
		result += s
	}
	return result
}
