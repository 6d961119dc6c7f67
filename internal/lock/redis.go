package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Priya8975/fleet-gateway/internal/domain"
	"github.com/redis/go-redis/v9"
)

// extendScript moves the expiry only when the caller still holds the key.
var extendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// deleteScript removes the key only when the caller still holds it.
var deleteScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisBackend keeps one key per device whose value is the holder id and
// whose Redis TTL is the lock expiry, so expired rows disappear on their own.
type RedisBackend struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client, prefix: "device_lock", now: time.Now}
}

func (b *RedisBackend) key(deviceID string) string {
	return fmt.Sprintf("%s:%s", b.prefix, deviceID)
}

func (b *RedisBackend) InsertLock(ctx context.Context, l domain.ResourceLock) (bool, error) {
	ttl := l.ExpiresAt.Sub(l.AcquiredAt)
	if ttl <= 0 {
		return false, fmt.Errorf("lock for %s has non-positive ttl", l.DeviceID)
	}
	ok, err := b.client.SetNX(ctx, b.key(l.DeviceID), l.HolderID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setting lock key: %w", err)
	}
	return ok, nil
}

func (b *RedisBackend) GetLock(ctx context.Context, deviceID string) (*domain.ResourceLock, error) {
	pipe := b.client.Pipeline()
	getCmd := pipe.Get(ctx, b.key(deviceID))
	ttlCmd := pipe.PTTL(ctx, b.key(deviceID))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("reading lock key: %w", err)
	}

	holder, err := getCmd.Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading lock holder: %w", err)
	}

	ttl := ttlCmd.Val()
	if ttl < 0 {
		ttl = 0
	}
	return &domain.ResourceLock{
		DeviceID:  deviceID,
		HolderID:  holder,
		ExpiresAt: b.now().Add(ttl),
	}, nil
}

func (b *RedisBackend) ExtendLock(ctx context.Context, deviceID, holderID string, expiresAt time.Time) (bool, error) {
	ttl := expiresAt.Sub(b.now())
	if ttl <= 0 {
		return false, nil
	}
	n, err := extendScript.Run(ctx, b.client, []string{b.key(deviceID)}, holderID, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("extending lock key: %w", err)
	}
	return n == 1, nil
}

func (b *RedisBackend) DeleteLock(ctx context.Context, deviceID, holderID string) error {
	if err := deleteScript.Run(ctx, b.client, []string{b.key(deviceID)}, holderID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("deleting lock key: %w", err)
	}
	return nil
}

// DeleteExpiredLock is a no-op: Redis already evicted anything expired.
func (b *RedisBackend) DeleteExpiredLock(ctx context.Context, deviceID string, now time.Time) error {
	return nil
}
