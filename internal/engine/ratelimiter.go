package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RateLimiter is a per-subscription sliding one-second window kept in a
// Redis sorted set.
type RateLimiter struct {
	client *redis.Client
	logger *slog.Logger
	script *redis.Script
	now    func() time.Time
}

// Trims the window, counts what is left and admits the request if the count
// is under the limit.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)

if redis.call('ZCARD', key) < limit then
    redis.call('ZADD', key, now, member)
    redis.call('PEXPIRE', key, window + 1000)
    return 1
end
return 0
`)

func NewRateLimiter(client *redis.Client, logger *slog.Logger) *RateLimiter {
	return &RateLimiter{
		client: client,
		logger: logger,
		script: slidingWindowScript,
		now:    time.Now,
	}
}

// SetClock overrides time.Now, for tests.
func (rl *RateLimiter) SetClock(now func() time.Time) {
	rl.now = now
}

func rlKey(subscriptionID string) string {
	return fmt.Sprintf("rl:%s", subscriptionID)
}

// Allow reports whether one more delivery fits in the current window. A
// limit of zero or less means unlimited. Redis errors fail open.
func (rl *RateLimiter) Allow(ctx context.Context, subscriptionID string, limit int) bool {
	if limit <= 0 {
		return true
	}

	now := rl.now().UnixMilli()
	allowed, err := rl.script.Run(ctx, rl.client, []string{rlKey(subscriptionID)},
		now, int64(1000), limit, uuid.NewString(),
	).Int64()
	if err != nil {
		rl.logger.Error("rate limiter script failed", "subscription_id", subscriptionID, "error", err)
		return true
	}
	if allowed == 0 {
		rl.logger.Debug("rate limited", "subscription_id", subscriptionID, "limit", limit)
		return false
	}
	return true
}
