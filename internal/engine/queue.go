package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/Priya8975/fleet-gateway/internal/domain"
	"github.com/redis/go-redis/v9"
)

const DeliveryQueueKey = "webhook_delivery_queue"

// DeliveryJob is one notification on its way to one subscription. Jobs are
// stored as sorted set members scored by the time they become due.
type DeliveryJob struct {
	NotificationID     string           `json:"notification_id"`
	SubscriptionID     string           `json:"subscription_id"`
	TenantID           string           `json:"tenant_id"`
	URL                string           `json:"url"`
	Secret             string           `json:"secret"`
	EventKind          domain.EventKind `json:"event_kind"`
	Payload            json.RawMessage  `json:"payload"`
	Attempt            int              `json:"attempt"`
	MaxAttempts        int              `json:"max_attempts"`
	TimeoutMs          int              `json:"timeout_ms"`
	RateLimitPerSecond int              `json:"rate_limit_per_second"`
}

func (j DeliveryJob) Timeout() time.Duration {
	if j.TimeoutMs <= 0 {
		return domain.DefaultWebhookTimeout
	}
	return time.Duration(j.TimeoutMs) * time.Millisecond
}

// Queue is the Redis due-time queue shared by every instance.
type Queue struct {
	client *redis.Client
	key    string
	now    func() time.Time
}

func NewQueue(client *redis.Client) *Queue {
	return &Queue{client: client, key: DeliveryQueueKey, now: time.Now}
}

// SetClock overrides time.Now, for tests.
func (q *Queue) SetClock(now func() time.Time) {
	q.now = now
}

func (q *Queue) Now() time.Time {
	return q.now()
}

func score(t time.Time) float64 {
	return float64(t.UnixMicro())
}

// Push queues jobs as due immediately.
func (q *Queue) Push(ctx context.Context, jobs ...DeliveryJob) error {
	if len(jobs) == 0 {
		return nil
	}
	due := score(q.now())

	pipe := q.client.Pipeline()
	for _, job := range jobs {
		member, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("encoding delivery job: %w", err)
		}
		pipe.ZAdd(ctx, q.key, redis.Z{Score: due, Member: string(member)})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queueing deliveries to redis: %w", err)
	}
	return nil
}

// Schedule queues job to become due at at.
func (q *Queue) Schedule(ctx context.Context, job DeliveryJob, at time.Time) error {
	member, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding delivery job: %w", err)
	}
	if err := q.client.ZAdd(ctx, q.key, redis.Z{Score: score(at), Member: string(member)}).Err(); err != nil {
		return fmt.Errorf("scheduling delivery: %w", err)
	}
	return nil
}

// ClaimDue removes and returns up to limit due jobs. A job removed by
// another instance first is skipped, so every job is claimed once.
func (q *Queue) ClaimDue(ctx context.Context, limit int64) ([]DeliveryJob, error) {
	results, err := q.client.ZRangeByScore(ctx, q.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatFloat(score(q.now()), 'f', -1, 64),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("polling delivery queue: %w", err)
	}

	jobs := make([]DeliveryJob, 0, len(results))
	for _, member := range results {
		removed, err := q.client.ZRem(ctx, q.key, member).Result()
		if err != nil {
			return jobs, fmt.Errorf("claiming delivery job: %w", err)
		}
		if removed == 0 {
			continue
		}

		var job DeliveryJob
		if err := json.Unmarshal([]byte(member), &job); err != nil {
			// Undecodable members are dropped.
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Depth returns the number of jobs waiting, due or not.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.key).Result()
}
