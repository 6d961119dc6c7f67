// Package lock implements the TTL-based per-device ownership lock shared by
// every service instance through a common store.
//
// Ownership is advisory: a crashed holder keeps its row until it expires, and
// a paused holder whose row expired may briefly overlap with the instance that
// took over. There are no fencing tokens.
package lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Priya8975/fleet-gateway/internal/domain"
)

const (
	DefaultTTL             = 5 * time.Minute
	DefaultRefreshInterval = time.Minute
	defaultPollInterval    = 100 * time.Millisecond
)

// Backend persists lock rows. Implementations must make InsertLock atomic
// with respect to the unique device id.
type Backend interface {
	// InsertLock creates the row and reports false if one already exists.
	InsertLock(ctx context.Context, l domain.ResourceLock) (bool, error)
	// GetLock returns nil, nil when no row exists.
	GetLock(ctx context.Context, deviceID string) (*domain.ResourceLock, error)
	// ExtendLock moves the expiry of a row held by holderID and reports
	// false when the row is gone or held by someone else.
	ExtendLock(ctx context.Context, deviceID, holderID string, expiresAt time.Time) (bool, error)
	DeleteLock(ctx context.Context, deviceID, holderID string) error
	// DeleteExpiredLock removes the row only if it expired at or before now.
	DeleteExpiredLock(ctx context.Context, deviceID string, now time.Time) error
}

type Lock struct {
	backend      Backend
	instanceID   string
	ttl          time.Duration
	pollInterval time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

type Option func(*Lock)

func WithTTL(ttl time.Duration) Option {
	return func(l *Lock) { l.ttl = ttl }
}

func WithPollInterval(d time.Duration) Option {
	return func(l *Lock) { l.pollInterval = d }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Lock) { l.now = now }
}

// New creates a lock for instanceID on top of backend.
func New(backend Backend, instanceID string, logger *slog.Logger, opts ...Option) *Lock {
	l := &Lock{
		backend:      backend,
		instanceID:   instanceID,
		ttl:          DefaultTTL,
		pollInterval: defaultPollInterval,
		logger:       logger,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// InstanceID returns the holder id this lock writes.
func (l *Lock) InstanceID() string {
	return l.instanceID
}

func (l *Lock) TTL() time.Duration {
	return l.ttl
}

// Acquire tries to take the device lock until timeout elapses. A live row
// already held by this instance is refreshed and counts as success.
func (l *Lock) Acquire(ctx context.Context, deviceID string, timeout time.Duration) (bool, error) {
	deadline := l.now().Add(timeout)

	for {
		now := l.now()
		inserted, err := l.backend.InsertLock(ctx, domain.ResourceLock{
			DeviceID:   deviceID,
			HolderID:   l.instanceID,
			AcquiredAt: now,
			ExpiresAt:  now.Add(l.ttl),
		})
		if err != nil {
			return false, fmt.Errorf("inserting lock: %w", err)
		}
		if inserted {
			l.logger.Debug("lock acquired", "device_id", deviceID, "holder", l.instanceID)
			return true, nil
		}

		existing, err := l.backend.GetLock(ctx, deviceID)
		if err != nil {
			return false, fmt.Errorf("reading lock: %w", err)
		}

		switch {
		case existing == nil:
			// Released between insert and read; try again straight away.
			if l.now().Before(deadline) {
				continue
			}
		case existing.HolderID == l.instanceID:
			ok, err := l.backend.ExtendLock(ctx, deviceID, l.instanceID, now.Add(l.ttl))
			if err != nil {
				return false, fmt.Errorf("extending own lock: %w", err)
			}
			if ok {
				l.logger.Debug("lock reacquired", "device_id", deviceID, "holder", l.instanceID)
				return true, nil
			}
		case existing.Expired(now):
			if err := l.backend.DeleteExpiredLock(ctx, deviceID, now); err != nil {
				return false, fmt.Errorf("deleting expired lock: %w", err)
			}
			l.logger.Info("expired lock taken over",
				"device_id", deviceID,
				"previous_holder", existing.HolderID,
			)
			continue
		}

		if !l.now().Before(deadline) {
			return false, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(l.pollInterval):
		}
	}
}

// Refresh extends this instance's lock and reports whether the instance
// still owns the device. A missing row is re-created. It returns false only
// when another instance holds the row; store errors are logged and count as
// still owned, since the row outlives a short store outage.
func (l *Lock) Refresh(ctx context.Context, deviceID string) bool {
	ok, err := l.backend.ExtendLock(ctx, deviceID, l.instanceID, l.now().Add(l.ttl))
	if err != nil {
		l.logger.Error("failed to refresh lock", "device_id", deviceID, "error", err)
		return true
	}
	if ok {
		return true
	}

	now := l.now()
	inserted, err := l.backend.InsertLock(ctx, domain.ResourceLock{
		DeviceID:   deviceID,
		HolderID:   l.instanceID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(l.ttl),
	})
	if err != nil {
		l.logger.Error("failed to re-create lock", "device_id", deviceID, "error", err)
		return true
	}
	if inserted {
		l.logger.Warn("lock row was missing and has been re-created", "device_id", deviceID)
		return true
	}
	l.logger.Warn("lock held by another instance", "device_id", deviceID)
	return false
}

// Release drops this instance's lock. Safe to call when not held.
func (l *Lock) Release(ctx context.Context, deviceID string) {
	if err := l.backend.DeleteLock(ctx, deviceID, l.instanceID); err != nil {
		l.logger.Error("failed to release lock", "device_id", deviceID, "error", err)
		return
	}
	l.logger.Debug("lock released", "device_id", deviceID)
}

// Owner reports the holder of a live lock. held is false when there is no
// row or the row has expired.
func (l *Lock) Owner(ctx context.Context, deviceID string) (holder string, held bool, err error) {
	existing, err := l.backend.GetLock(ctx, deviceID)
	if err != nil {
		return "", false, fmt.Errorf("reading lock: %w", err)
	}
	if existing == nil || existing.Expired(l.now()) {
		return "", false, nil
	}
	return existing.HolderID, true, nil
}
