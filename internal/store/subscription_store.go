package store

import (
	"context"
	"fmt"

	"github.com/Priya8975/fleet-gateway/internal/domain"
)

// ListEnabledSubscriptions returns the enabled webhook subscriptions of a
// tenant. Event kind matching happens in the engine so legacy aliases stay in
// one place.
func (s *PostgresStore) ListEnabledSubscriptions(ctx context.Context, tenantID string) ([]domain.WebhookSubscription, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT ws.id, ws.tenant_id, ws.url, ws.secret, ws.events, ws.is_enabled,
			   ws.max_retries, ws.timeout_ms, ws.rate_limit_per_second, ws.created_at, ws.updated_at
		FROM webhook_subscriptions ws
		JOIN tenants t ON t.id = ws.tenant_id
		WHERE ws.tenant_id = $1
		  AND ws.is_enabled = true
		  AND t.is_active = true
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("querying subscriptions: %w", err)
	}
	defer rows.Close()

	subs := []domain.WebhookSubscription{}
	for rows.Next() {
		var sub domain.WebhookSubscription
		var events []string
		err := rows.Scan(
			&sub.ID, &sub.TenantID, &sub.URL, &sub.Secret, &events, &sub.Enabled,
			&sub.MaxRetries, &sub.TimeoutMs, &sub.RateLimitPerSecond, &sub.CreatedAt, &sub.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning subscription: %w", err)
		}
		for _, e := range events {
			sub.Events = append(sub.Events, domain.EventKind(e))
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}
