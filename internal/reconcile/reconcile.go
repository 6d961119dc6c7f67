// Package reconcile repairs inbox rows that the live capture path missed,
// working from the append-only inbound event log.
package reconcile

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/Priya8975/fleet-gateway/internal/domain"
	"github.com/Priya8975/fleet-gateway/internal/inbox"
	"github.com/Priya8975/fleet-gateway/internal/socket"
)

const (
	DefaultInterval  = time.Second
	DefaultLookback  = 10 * time.Minute
	DefaultBatchSize = 500

	// cursorOverlap re-reads the tail of the previous batch so events that
	// share its last timestamp are not skipped.
	cursorOverlap = time.Millisecond
)

// Store is the event log and inbox the sweep reads and repairs.
type Store interface {
	// ListEventsSince returns events ordered by (received at, id), starting
	// after the (since, afterID) key. An empty afterID includes events
	// received exactly at since.
	ListEventsSince(ctx context.Context, kind domain.EventKind, since time.Time, afterID string, limit int) ([]domain.InboundEvent, error)
	InboxMessageExists(ctx context.Context, deviceID, externalID string) (bool, error)
	InsertInboxMessage(ctx context.Context, m domain.InboxMessage) (bool, error)
}

// Notifier queues the message.received notification for a repaired row.
type Notifier interface {
	QueueDelivery(ctx context.Context, n domain.Notification) (int, error)
}

// Sweeper walks message.received events forward from a cursor and inserts
// the inbox rows that are missing.
type Sweeper struct {
	store     Store
	notifier  Notifier
	logger    *slog.Logger
	batchSize int

	mu      sync.Mutex
	cursor  time.Time
	afterID string
}

// NewSweeper creates a sweeper whose cursor starts lookback before now.
func NewSweeper(store Store, notifier Notifier, lookback time.Duration, logger *slog.Logger) *Sweeper {
	if lookback <= 0 {
		lookback = DefaultLookback
	}
	return &Sweeper{
		store:     store,
		notifier:  notifier,
		logger:    logger,
		batchSize: DefaultBatchSize,
		cursor:    time.Now().Add(-lookback),
	}
}

// Cursor returns the receive time the next pass reads from.
func (s *Sweeper) Cursor() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// SetCursor moves the cursor, for tests and operator backfills.
func (s *Sweeper) SetCursor(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = t
	s.afterID = ""
}

func (s *Sweeper) position() (time.Time, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor, s.afterID
}

// Run is a sweep.Func.
func (s *Sweeper) Run(ctx context.Context) {
	s.Pass(ctx)
}

// Pass processes one batch and returns how many inbox rows it repaired.
func (s *Sweeper) Pass(ctx context.Context) int {
	since, afterID := s.position()
	events, err := s.store.ListEventsSince(ctx, domain.EventMessageReceived, since, afterID, s.batchSize)
	if err != nil {
		s.logger.Error("listing inbound events", "since", since, "error", err)
		return 0
	}
	if len(events) == 0 {
		return 0
	}

	repaired := 0
	latest := since
	for _, ev := range events {
		if ev.ReceivedAt.After(latest) {
			latest = ev.ReceivedAt
		}
		if s.repair(ctx, ev) {
			repaired++
		}
	}

	next, nextID := latest.Add(-cursorOverlap), ""
	if len(events) == s.batchSize && !events[0].ReceivedAt.Before(next) {
		// The whole batch sits inside the overlap window, so re-reading
		// from next would return it again. Continue after its last row.
		last := events[len(events)-1]
		next, nextID = last.ReceivedAt, last.ID
	}
	s.advance(next, nextID)
	if repaired > 0 {
		s.logger.Info("reconciled inbox", "repaired", repaired, "scanned", len(events))
	}
	return repaired
}

// advance moves the cursor to (to, id) unless that is behind it.
func (s *Sweeper) advance(to time.Time, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if to.After(s.cursor) || (to.Equal(s.cursor) && id > s.afterID) {
		s.cursor = to
		s.afterID = id
	}
}

func (s *Sweeper) repair(ctx context.Context, ev domain.InboundEvent) bool {
	var msg socket.InboundMessage
	if err := json.Unmarshal(ev.Payload, &msg); err != nil {
		s.logger.Warn("decoding inbound message event", "event_id", ev.ID, "device_id", ev.DeviceID, "error", err)
		return false
	}
	if msg.FromMe || msg.ID == "" {
		return false
	}

	exists, err := s.store.InboxMessageExists(ctx, ev.DeviceID, msg.ID)
	if err != nil {
		s.logger.Error("checking inbox row", "device_id", ev.DeviceID, "message_id", msg.ID, "error", err)
		return false
	}
	if exists {
		return false
	}

	m, ok, err := inbox.Project(ev.TenantID, ev.DeviceID, msg, ev.ReceivedAt)
	if err != nil {
		s.logger.Warn("projecting inbound message", "device_id", ev.DeviceID, "message_id", msg.ID, "error", err)
		return false
	}
	if !ok {
		return false
	}

	inserted, err := s.store.InsertInboxMessage(ctx, m)
	if err != nil {
		s.logger.Error("inserting inbox row", "device_id", ev.DeviceID, "message_id", msg.ID, "error", err)
		return false
	}
	if !inserted {
		// The live path got there first.
		return false
	}

	if s.notifier != nil {
		n, err := inbox.Notification(m)
		if err != nil {
			s.logger.Error("building message notification", "device_id", ev.DeviceID, "message_id", msg.ID, "error", err)
			return true
		}
		if _, err := s.notifier.QueueDelivery(ctx, n); err != nil {
			s.logger.Error("queueing message notification", "device_id", ev.DeviceID, "message_id", msg.ID, "error", err)
		}
	}
	return true
}
