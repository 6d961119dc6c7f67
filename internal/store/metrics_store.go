package store

import (
	"context"
	"fmt"

	"github.com/Priya8975/fleet-gateway/internal/domain"
)

// FleetMetrics holds aggregated fleet and delivery statistics.
type FleetMetrics struct {
	DevicesByStatus  map[domain.DeviceStatus]int `json:"devices_by_status"`
	OutboxByStatus   map[domain.OutboxStatus]int `json:"outbox_by_status"`
	TotalDeliveries  int                         `json:"total_deliveries"`
	SuccessCount     int                         `json:"success_count"`
	FailedCount      int                         `json:"failed_count"`
	SuccessRate      float64                     `json:"success_rate"`
	AvgResponseMs    float64                     `json:"avg_response_ms"`
	DeadLetterCount  int                         `json:"dead_letter_count"`
	InboundEventsDay int                         `json:"inbound_events_24h"`
}

func (s *PostgresStore) GetFleetMetrics(ctx context.Context) (*FleetMetrics, error) {
	m := FleetMetrics{
		DevicesByStatus: map[domain.DeviceStatus]int{},
		OutboxByStatus:  map[domain.OutboxStatus]int{},
	}

	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM devices GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("querying device counts: %w", err)
	}
	for rows.Next() {
		var status domain.DeviceStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning device count: %w", err)
		}
		m.DevicesByStatus[status] = n
	}
	rows.Close()

	rows, err = s.pool.Query(ctx, `SELECT status, COUNT(*) FROM outbox_messages GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("querying outbox counts: %w", err)
	}
	for rows.Next() {
		var status domain.OutboxStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning outbox count: %w", err)
		}
		m.OutboxByStatus[status] = n
	}
	rows.Close()

	err = s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE status = 'success') AS success,
			COUNT(*) FILTER (WHERE status IN ('failed', 'rejected')) AS failed,
			COALESCE(AVG(response_time_ms) FILTER (WHERE response_time_ms > 0), 0) AS avg_response_ms
		FROM delivery_attempts
	`).Scan(&m.TotalDeliveries, &m.SuccessCount, &m.FailedCount, &m.AvgResponseMs)
	if err != nil {
		return nil, fmt.Errorf("querying delivery metrics: %w", err)
	}
	if m.TotalDeliveries > 0 {
		m.SuccessRate = float64(m.SuccessCount) / float64(m.TotalDeliveries) * 100
	}

	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM dead_letter_queue WHERE resolved_at IS NULL
	`).Scan(&m.DeadLetterCount)
	if err != nil {
		return nil, fmt.Errorf("querying dead letter count: %w", err)
	}

	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM inbound_events WHERE received_at > NOW() - INTERVAL '24 hours'
	`).Scan(&m.InboundEventsDay)
	if err != nil {
		return nil, fmt.Errorf("querying inbound event count: %w", err)
	}

	return &m, nil
}
