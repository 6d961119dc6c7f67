package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/Priya8975/fleet-gateway/internal/domain"
	"github.com/Priya8975/fleet-gateway/internal/store/memory"
)

func setupFanOut(t *testing.T) (*FanOutEngine, *Queue, *memory.Store, *testClock) {
	t.Helper()
	client, _ := newTestRedis(t)
	clock := newTestClock()
	q := NewQueue(client)
	q.SetClock(clock.Now)
	st := memory.New()
	return NewFanOutEngine(st, q, testLogger()), q, st, clock
}

func notification(tenant string, kind domain.EventKind) domain.Notification {
	return domain.Notification{
		ID:         "notif-1",
		TenantID:   tenant,
		DeviceID:   "d1",
		Kind:       kind,
		Data:       json.RawMessage(`{"id":"m1"}`),
		OccurredAt: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC),
	}
}

func TestQueueDelivery_MatchesKindsWildcardAndLegacyAliases(t *testing.T) {
	f, q, st, _ := setupFanOut(t)
	ctx := context.Background()

	exact := st.PutSubscription(domain.WebhookSubscription{TenantID: "t1", URL: "http://a", Enabled: true,
		Events: []domain.EventKind{domain.EventMessageReceived}})
	wildcard := st.PutSubscription(domain.WebhookSubscription{TenantID: "t1", URL: "http://b", Enabled: true,
		Events: []domain.EventKind{domain.WildcardKind}})
	legacy := st.PutSubscription(domain.WebhookSubscription{TenantID: "t1", URL: "http://c", Enabled: true,
		Events: []domain.EventKind{domain.LegacyMessagesUpsert}})
	st.PutSubscription(domain.WebhookSubscription{TenantID: "t1", URL: "http://d", Enabled: true,
		Events: []domain.EventKind{domain.EventMessageStatus}})
	st.PutSubscription(domain.WebhookSubscription{TenantID: "t1", URL: "http://e", Enabled: false,
		Events: []domain.EventKind{domain.WildcardKind}})
	st.PutSubscription(domain.WebhookSubscription{TenantID: "t2", URL: "http://f", Enabled: true,
		Events: []domain.EventKind{domain.WildcardKind}})

	n, err := f.QueueDelivery(ctx, notification("t1", domain.EventMessageReceived))
	if err != nil {
		t.Fatalf("QueueDelivery: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 deliveries queued, got %d", n)
	}

	jobs, err := q.ClaimDue(ctx, 10)
	if err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}
	got := map[string]DeliveryJob{}
	for _, j := range jobs {
		got[j.SubscriptionID] = j
	}
	for _, want := range []string{exact.ID, wildcard.ID, legacy.ID} {
		if _, ok := got[want]; !ok {
			t.Errorf("no job for subscription %s", want)
		}
	}

	job := got[exact.ID]
	if job.Attempt != 1 || job.MaxAttempts != domain.DefaultWebhookMaxRetries {
		t.Errorf("unexpected attempt bookkeeping: %+v", job)
	}
	if job.Timeout() != domain.DefaultWebhookTimeout {
		t.Errorf("expected default timeout, got %s", job.Timeout())
	}

	var body domain.Notification
	if err := json.Unmarshal(job.Payload, &body); err != nil {
		t.Fatalf("payload is not a notification: %v", err)
	}
	if body.Kind != domain.EventMessageReceived || body.ID != "notif-1" {
		t.Errorf("unexpected payload %+v", body)
	}
}

func TestQueueDelivery_NoSubscriptions(t *testing.T) {
	f, q, _, _ := setupFanOut(t)
	ctx := context.Background()

	n, err := f.QueueDelivery(ctx, notification("t1", domain.EventConnectionUpdate))
	if err != nil {
		t.Fatalf("QueueDelivery: %v", err)
	}
	if n != 0 {
		t.Errorf("expected nothing queued, got %d", n)
	}
	if depth, _ := q.Depth(ctx); depth != 0 {
		t.Errorf("expected empty queue, got depth %d", depth)
	}
}

func TestQueue_ScheduledJobsWaitUntilDue(t *testing.T) {
	client, _ := newTestRedis(t)
	clock := newTestClock()
	q := NewQueue(client)
	q.SetClock(clock.Now)
	ctx := context.Background()

	job := DeliveryJob{NotificationID: "n1", SubscriptionID: "s1", Attempt: 2}
	if err := q.Schedule(ctx, job, clock.Now().Add(5*time.Second)); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	jobs, err := q.ClaimDue(ctx, 10)
	if err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("job claimed before it was due")
	}

	clock.Advance(5 * time.Second)
	jobs, err = q.ClaimDue(ctx, 10)
	if err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Attempt != 2 {
		t.Fatalf("expected the scheduled job, got %+v", jobs)
	}

	// Claimed jobs are gone.
	if depth, _ := q.Depth(ctx); depth != 0 {
		t.Errorf("expected empty queue after claim, got %d", depth)
	}
}

func TestQueue_ClaimIsExclusiveAcrossPollers(t *testing.T) {
	client, _ := newTestRedis(t)
	a := NewQueue(client)
	b := NewQueue(client)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		if err := a.Push(ctx, DeliveryJob{NotificationID: "n", SubscriptionID: string(rune('a' + i))}); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}

	seen := map[string]int{}
	for {
		ja, _ := a.ClaimDue(ctx, 3)
		jb, _ := b.ClaimDue(ctx, 3)
		if len(ja)+len(jb) == 0 {
			break
		}
		for _, j := range append(ja, jb...) {
			seen[j.SubscriptionID]++
		}
	}
	if len(seen) != 20 {
		t.Errorf("expected 20 distinct jobs, got %d", len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("job %s claimed %d times", id, n)
		}
	}
}
