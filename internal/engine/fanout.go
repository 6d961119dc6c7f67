package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/Priya8975/fleet-gateway/internal/domain"
)

type SubscriptionLister interface {
	ListEnabledSubscriptions(ctx context.Context, tenantID string) ([]domain.WebhookSubscription, error)
}

// FanOutEngine turns notifications into delivery jobs, one per matching
// subscription of the notification's tenant.
type FanOutEngine struct {
	subscriptions SubscriptionLister
	queue         *Queue
	logger        *slog.Logger
}

func NewFanOutEngine(subscriptions SubscriptionLister, queue *Queue, logger *slog.Logger) *FanOutEngine {
	return &FanOutEngine{
		subscriptions: subscriptions,
		queue:         queue,
		logger:        logger,
	}
}

// QueueDelivery queues n for every enabled subscription that wants its kind
// and returns how many jobs were queued.
func (f *FanOutEngine) QueueDelivery(ctx context.Context, n domain.Notification) (int, error) {
	subs, err := f.subscriptions.ListEnabledSubscriptions(ctx, n.TenantID)
	if err != nil {
		return 0, fmt.Errorf("listing subscriptions: %w", err)
	}

	body, err := json.Marshal(n)
	if err != nil {
		return 0, fmt.Errorf("encoding notification: %w", err)
	}

	var jobs []DeliveryJob
	for _, sub := range subs {
		if !sub.Matches(n.Kind) {
			continue
		}
		jobs = append(jobs, DeliveryJob{
			NotificationID:     n.ID,
			SubscriptionID:     sub.ID,
			TenantID:           n.TenantID,
			URL:                sub.URL,
			Secret:             sub.Secret,
			EventKind:          n.Kind,
			Payload:            body,
			Attempt:            1,
			MaxAttempts:        sub.Attempts(),
			TimeoutMs:          int(sub.Timeout().Milliseconds()),
			RateLimitPerSecond: sub.RateLimitPerSecond,
		})
	}

	if len(jobs) == 0 {
		f.logger.Debug("no matching subscriptions", "notification_id", n.ID, "event", n.Kind, "tenant_id", n.TenantID)
		return 0, nil
	}

	if err := f.queue.Push(ctx, jobs...); err != nil {
		return 0, err
	}

	f.logger.Info("fan-out complete",
		"notification_id", n.ID,
		"event", n.Kind,
		"tenant_id", n.TenantID,
		"deliveries_queued", len(jobs),
	)
	return len(jobs), nil
}

func (f *FanOutEngine) QueueDepth(ctx context.Context) (int64, error) {
	return f.queue.Depth(ctx)
}
