package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half-open"
)

const (
	DefaultFailureThreshold = 5
	DefaultCooldown         = 30 * time.Second
)

// CircuitBreaker tracks consecutive delivery failures per subscription in a
// Redis hash so every instance sees the same circuit.
//
// Closed counts failures and opens at the threshold. Open rejects until the
// cooldown has passed since the last failure, then lets one trial request
// through as half-open. A successful trial closes the circuit; a failed one
// reopens it.
type CircuitBreaker struct {
	client    *redis.Client
	logger    *slog.Logger
	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

type CircuitBreakerState struct {
	State        string `json:"state"`
	Failures     int    `json:"failures"`
	LastFailedAt string `json:"last_failed_at,omitempty"`
}

func NewCircuitBreaker(client *redis.Client, logger *slog.Logger) *CircuitBreaker {
	return &CircuitBreaker{
		client:    client,
		logger:    logger,
		threshold: DefaultFailureThreshold,
		cooldown:  DefaultCooldown,
		now:       time.Now,
	}
}

// SetClock overrides time.Now, for tests.
func (cb *CircuitBreaker) SetClock(now func() time.Time) {
	cb.now = now
}

func (cb *CircuitBreaker) Cooldown() time.Duration {
	return cb.cooldown
}

func cbKey(subscriptionID string) string {
	return fmt.Sprintf("cb:%s", subscriptionID)
}

func (cb *CircuitBreaker) cooledDown(lastFailedAt int64) bool {
	return cb.now().Unix()-lastFailedAt >= int64(cb.cooldown.Seconds())
}

// Allow reports the circuit state and whether a delivery may proceed. Redis
// errors fail open.
func (cb *CircuitBreaker) Allow(ctx context.Context, subscriptionID string) (string, bool) {
	key := cbKey(subscriptionID)

	data, err := cb.client.HGetAll(ctx, key).Result()
	if err != nil {
		cb.logger.Error("reading circuit state", "subscription_id", subscriptionID, "error", err)
		return StateClosed, true
	}
	if len(data) == 0 {
		return StateClosed, true
	}

	switch data["state"] {
	case StateOpen:
		lastFailedAt, _ := strconv.ParseInt(data["last_failed_at"], 10, 64)
		if !cb.cooledDown(lastFailedAt) {
			return StateOpen, false
		}
		if err := cb.client.HSet(ctx, key, "state", StateHalfOpen).Err(); err != nil {
			cb.logger.Error("moving circuit to half-open", "subscription_id", subscriptionID, "error", err)
		}
		cb.logger.Info("circuit breaker half-open", "subscription_id", subscriptionID)
		return StateHalfOpen, true
	case StateHalfOpen:
		return StateHalfOpen, true
	default:
		return StateClosed, true
	}
}

func (cb *CircuitBreaker) RecordSuccess(ctx context.Context, subscriptionID string) {
	key := cbKey(subscriptionID)

	prev, _ := cb.client.HGet(ctx, key, "state").Result()
	if err := cb.client.HSet(ctx, key, "state", StateClosed, "failures", 0).Err(); err != nil {
		cb.logger.Error("closing circuit", "subscription_id", subscriptionID, "error", err)
		return
	}
	if prev == StateHalfOpen {
		cb.logger.Info("circuit breaker closed", "subscription_id", subscriptionID)
	}
}

func (cb *CircuitBreaker) RecordFailure(ctx context.Context, subscriptionID string) {
	key := cbKey(subscriptionID)

	var incr *redis.IntCmd
	var prev *redis.StringCmd
	_, err := cb.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		prev = pipe.HGet(ctx, key, "state")
		incr = pipe.HIncrBy(ctx, key, "failures", 1)
		pipe.HSet(ctx, key, "last_failed_at", cb.now().Unix())
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		cb.logger.Error("recording circuit failure", "subscription_id", subscriptionID, "error", err)
		return
	}
	failures := incr.Val()
	state := prev.Val()

	next := state
	switch {
	case state == StateHalfOpen:
		next = StateOpen
		cb.logger.Warn("circuit breaker reopened", "subscription_id", subscriptionID)
	case failures >= int64(cb.threshold) && state != StateOpen:
		next = StateOpen
		cb.logger.Warn("circuit breaker opened",
			"subscription_id", subscriptionID,
			"failures", failures,
			"threshold", cb.threshold,
		)
	case state == "":
		next = StateClosed
	}
	if next != state {
		if err := cb.client.HSet(ctx, key, "state", next).Err(); err != nil {
			cb.logger.Error("updating circuit state", "subscription_id", subscriptionID, "error", err)
		}
	}
}

// State returns the circuit as Allow would see it, without changing it.
func (cb *CircuitBreaker) State(ctx context.Context, subscriptionID string) CircuitBreakerState {
	data, err := cb.client.HGetAll(ctx, cbKey(subscriptionID)).Result()
	if err != nil || len(data) == 0 {
		return CircuitBreakerState{State: StateClosed}
	}

	failures, _ := strconv.Atoi(data["failures"])
	lastFailedAt, _ := strconv.ParseInt(data["last_failed_at"], 10, 64)

	state := data["state"]
	if state == "" {
		state = StateClosed
	}
	if state == StateOpen && cb.cooledDown(lastFailedAt) {
		state = StateHalfOpen
	}

	result := CircuitBreakerState{State: state, Failures: failures}
	if lastFailedAt > 0 {
		result.LastFailedAt = time.Unix(lastFailedAt, 0).UTC().Format(time.RFC3339)
	}
	return result
}
