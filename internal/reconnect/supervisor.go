// Package reconnect restarts devices that should be online but are not live
// on any instance.
package reconnect

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Priya8975/fleet-gateway/internal/domain"
	"github.com/Priya8975/fleet-gateway/internal/fleet"
	"github.com/google/uuid"
)

const (
	DefaultInterval      = 3 * time.Second
	DefaultBaseBackoff   = 5 * time.Second
	DefaultMaxBackoff    = 5 * time.Minute
	DefaultNotifyBackoff = 30 * time.Second
)

type DeviceLister interface {
	ListReconnectCandidates(ctx context.Context) ([]domain.Device, error)
}

// Fleet is the part of the coordinator the supervisor drives.
type Fleet interface {
	IsActive(deviceID string) bool
	HeldElsewhere(ctx context.Context, deviceID string) bool
	Start(ctx context.Context, deviceID, tenantID string) (*fleet.ConnectionInfo, error)
}

type Notifier interface {
	QueueDelivery(ctx context.Context, n domain.Notification) (int, error)
}

type backoff struct {
	delay  time.Duration
	nextAt time.Time
}

// Supervisor decides what happens after a device connection drops.
type Supervisor struct {
	devices  DeviceLister
	fleet    Fleet
	notifier Notifier
	logger   *slog.Logger

	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	NotifyBackoff time.Duration
	now           func() time.Time

	mu           sync.Mutex
	backoffs     map[string]*backoff
	lastNotified map[string]time.Time
}

// NewSupervisor returns a Supervisor with the default backoff schedule.
func NewSupervisor(devices DeviceLister, f Fleet, notifier Notifier, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		devices:       devices,
		fleet:         f,
		notifier:      notifier,
		logger:        logger,
		BaseBackoff:   DefaultBaseBackoff,
		MaxBackoff:    DefaultMaxBackoff,
		NotifyBackoff: DefaultNotifyBackoff,
		now:           time.Now,
		backoffs:      make(map[string]*backoff),
		lastNotified:  make(map[string]time.Time),
	}
}

// SetClock overrides time.Now, for tests.
func (s *Supervisor) SetClock(now func() time.Time) {
	s.now = now
}

// Pass examines every reconnect candidate once. It is meant to be driven by
// a sweep.Runner.
func (s *Supervisor) Pass(ctx context.Context) {
	devices, err := s.devices.ListReconnectCandidates(ctx)
	if err != nil {
		s.logger.Error("listing reconnect candidates", "error", err)
		return
	}

	for _, d := range devices {
		if ctx.Err() != nil {
			return
		}
		s.check(ctx, d)
	}
}

func (s *Supervisor) check(ctx context.Context, d domain.Device) {
	if s.fleet.IsActive(d.ID) {
		s.clear(d.ID)
		return
	}
	if s.fleet.HeldElsewhere(ctx, d.ID) {
		return
	}

	if d.Status == domain.DeviceConnected {
		s.notifyStale(ctx, d)
	}

	now := s.now()
	if !s.due(d.ID, now) {
		return
	}

	_, err := s.fleet.Start(ctx, d.ID, d.TenantID)
	switch {
	case err == nil:
		s.clear(d.ID)
		s.logger.Info("device restarted", "device_id", d.ID, "tenant_id", d.TenantID)
	case errors.Is(err, fleet.ErrBusyElsewhere), errors.Is(err, fleet.ErrAlreadyStarting):
		s.logger.Debug("device claimed concurrently", "device_id", d.ID, "error", err)
	default:
		delay := s.grow(d.ID, now)
		s.logger.Warn("device restart failed",
			"device_id", d.ID,
			"tenant_id", d.TenantID,
			"retry_in", delay,
			"error", err,
		)
	}
}

func (s *Supervisor) due(deviceID string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.backoffs[deviceID]
	return !ok || !now.Before(b.nextAt)
}

func (s *Supervisor) clear(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.backoffs, deviceID)
}

// grow doubles the device's backoff, starting at BaseBackoff and capped at
// MaxBackoff.
func (s *Supervisor) grow(deviceID string, now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.backoffs[deviceID]
	if !ok {
		b = &backoff{}
		s.backoffs[deviceID] = b
	}
	if b.delay == 0 {
		b.delay = s.BaseBackoff
	} else {
		b.delay *= 2
	}
	if b.delay > s.MaxBackoff {
		b.delay = s.MaxBackoff
	}
	b.nextAt = now.Add(b.delay)
	return b.delay
}

// Backoff returns the device's current restart delay, zero when none.
func (s *Supervisor) Backoff(deviceID string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.backoffs[deviceID]; ok {
		return b.delay
	}
	return 0
}

// notifyStale tells subscribers that a device persisted as connected is not
// actually live anywhere.
func (s *Supervisor) notifyStale(ctx context.Context, d domain.Device) {
	if s.notifier == nil {
		return
	}
	now := s.now()

	s.mu.Lock()
	last, ok := s.lastNotified[d.ID]
	if ok && now.Sub(last) < s.NotifyBackoff {
		s.mu.Unlock()
		return
	}
	s.lastNotified[d.ID] = now
	s.mu.Unlock()

	data, err := json.Marshal(domain.DeviceStatusChange{
		DeviceID:  d.ID,
		TenantID:  d.TenantID,
		Status:    domain.DeviceDisconnected,
		Reason:    "not live on any instance",
		Timestamp: now.UTC(),
	})
	if err != nil {
		s.logger.Error("encoding stale status", "device_id", d.ID, "error", err)
		return
	}

	_, err = s.notifier.QueueDelivery(ctx, domain.Notification{
		ID:         uuid.NewString(),
		TenantID:   d.TenantID,
		DeviceID:   d.ID,
		Kind:       domain.EventConnectionUpdate,
		Data:       data,
		OccurredAt: now.UTC(),
	})
	if err != nil {
		s.logger.Warn("queueing stale status notification", "device_id", d.ID, "error", err)
	}
}
