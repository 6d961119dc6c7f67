// Package outbox is the durable outbound send queue. Entries are persisted
// before anything is sent, claimed with a compare-and-set before each send
// attempt and retried by a periodic drain until they succeed or run out of
// retries.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Priya8975/fleet-gateway/internal/domain"
	"github.com/Priya8975/fleet-gateway/internal/fleet"
	"github.com/Priya8975/fleet-gateway/internal/socket"
)

var (
	ErrInvalidRequest = errors.New("invalid send request")
	ErrNotFound       = errors.New("outbox message not found")
)

// Store persists outbox entries. ClaimOutboxMessage and MarkOutboxFailure
// must be atomic with respect to concurrent drains.
type Store interface {
	InsertOutboxMessage(ctx context.Context, m domain.OutboxMessage) (*domain.OutboxMessage, bool, error)
	GetOutboxMessage(ctx context.Context, id string) (*domain.OutboxMessage, error)
	ListDueOutboxMessages(ctx context.Context, maxRetries int, staleBefore time.Time, limit int) ([]domain.OutboxMessage, error)
	// ClaimOutboxMessage returns the entry as claimed, or nil when it is not
	// eligible or has no retries left.
	ClaimOutboxMessage(ctx context.Context, id string, maxRetries int, staleBefore time.Time) (*domain.OutboxMessage, error)
	MarkOutboxSent(ctx context.Context, id, externalID string) error
	// MarkOutboxFailure increments the stored retry count and moves the
	// entry to failed once it reaches maxRetries.
	MarkOutboxFailure(ctx context.Context, id string, maxRetries int, errMsg string) (*domain.OutboxMessage, error)
}

// DeviceGetter resolves the tenant and status of the sending device.
type DeviceGetter interface {
	GetDevice(ctx context.Context, id string) (*domain.Device, error)
}

// Sender hands a message to a device's live connection.
type Sender interface {
	Send(ctx context.Context, deviceID, address string, content socket.Content) (string, error)
	HeldElsewhere(ctx context.Context, deviceID string) bool
}

// Options tunes retry and dispatch behavior. InlineDispatch attempts a send
// right after the entry is persisted instead of waiting for the next drain.
type Options struct {
	MaxRetries     int
	BatchSize      int
	StaleAfter     time.Duration
	SendTimeout    time.Duration
	InlineDispatch bool
}

// DefaultOptions returns the production settings.
func DefaultOptions() Options {
	return Options{
		MaxRetries:     5,
		BatchSize:      50,
		StaleAfter:     2 * time.Minute,
		SendTimeout:    30 * time.Second,
		InlineDispatch: true,
	}
}

// Queue accepts send requests and delivers them through Sender. It is safe
// for concurrent use, including several Queues sharing one Store.
type Queue struct {
	store   Store
	devices DeviceGetter
	sender  Sender
	opts    Options
	logger  *slog.Logger
	now     func() time.Time

	wg sync.WaitGroup
}

// New returns a Queue. Call Wait on shutdown to let inline sends finish.
func New(store Store, devices DeviceGetter, sender Sender, opts Options, logger *slog.Logger) *Queue {
	return &Queue{
		store:   store,
		devices: devices,
		sender:  sender,
		opts:    opts,
		logger:  logger,
		now:     time.Now,
	}
}

func validate(req domain.SendRequest) error {
	switch {
	case req.DeviceID == "":
		return fmt.Errorf("%w: device_id is required", ErrInvalidRequest)
	case strings.TrimSpace(req.Destination) == "":
		return fmt.Errorf("%w: destination is required", ErrInvalidRequest)
	case len(req.Payload) == 0:
		return fmt.Errorf("%w: payload is required", ErrInvalidRequest)
	case !json.Valid(req.Payload):
		return fmt.Errorf("%w: payload must be valid JSON", ErrInvalidRequest)
	}
	return nil
}

// Enqueue persists a send request and returns its receipt. A request whose
// idempotency key was already used for the device returns the original
// entry without queueing anything new.
func (q *Queue) Enqueue(ctx context.Context, req domain.SendRequest) (*domain.SendReceipt, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	device, err := q.devices.GetDevice(ctx, req.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("loading device: %w", err)
	}
	if device == nil {
		return nil, fleet.ErrDeviceNotFound
	}
	if req.TenantID != "" && device.TenantID != req.TenantID {
		return nil, fleet.ErrNotOwned
	}

	kind := req.Kind
	if kind == "" {
		kind = domain.KindText
	}
	m := domain.OutboxMessage{
		TenantID:    device.TenantID,
		DeviceID:    req.DeviceID,
		Destination: strings.TrimSpace(req.Destination),
		Kind:        kind,
		Payload:     req.Payload,
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		m.IdempotencyKey = &key
	}

	stored, created, err := q.store.InsertOutboxMessage(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("enqueueing message: %w", err)
	}
	if !created {
		q.logger.Info("duplicate send request",
			"message_id", stored.ID,
			"device_id", stored.DeviceID,
			"status", stored.Status,
		)
		return &domain.SendReceipt{ID: stored.ID, Status: stored.Status, Duplicate: true}, nil
	}

	if q.opts.InlineDispatch {
		q.wg.Add(1)
		go func(m domain.OutboxMessage) {
			defer q.wg.Done()
			q.dispatch(context.Background(), m)
		}(*stored)
	}

	return &domain.SendReceipt{ID: stored.ID, Status: stored.Status}, nil
}

// Status returns the entry if it belongs to tenantID. An empty tenantID
// skips the ownership check.
func (q *Queue) Status(ctx context.Context, id, tenantID string) (*domain.OutboxMessage, error) {
	m, err := q.store.GetOutboxMessage(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading outbox message: %w", err)
	}
	if m == nil || (tenantID != "" && m.TenantID != tenantID) {
		return nil, ErrNotFound
	}
	return m, nil
}

// Drain attempts one batch of due entries. It is meant to be driven by a
// sweep.Runner.
func (q *Queue) Drain(ctx context.Context) {
	due, err := q.store.ListDueOutboxMessages(ctx, q.opts.MaxRetries, q.staleBefore(), q.opts.BatchSize)
	if err != nil {
		q.logger.Error("listing due outbox messages", "error", err)
		return
	}

	elsewhere := map[string]bool{}
	for _, m := range due {
		if ctx.Err() != nil {
			return
		}
		held, seen := elsewhere[m.DeviceID]
		if !seen {
			held = q.sender.HeldElsewhere(ctx, m.DeviceID)
			elsewhere[m.DeviceID] = held
		}
		if held {
			continue
		}
		q.dispatch(ctx, m)
	}
}

// Wait blocks until in-flight inline dispatches finish.
func (q *Queue) Wait() {
	q.wg.Wait()
}

func (q *Queue) staleBefore() time.Time {
	return q.now().Add(-q.opts.StaleAfter)
}

// dispatch claims the entry and attempts a single send. listed may be stale;
// everything after the claim works from the claimed row.
func (q *Queue) dispatch(ctx context.Context, listed domain.OutboxMessage) {
	m, err := q.store.ClaimOutboxMessage(ctx, listed.ID, q.opts.MaxRetries, q.staleBefore())
	if err != nil {
		q.logger.Error("claiming outbox message", "message_id", listed.ID, "error", err)
		return
	}
	if m == nil {
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, q.opts.SendTimeout)
	defer cancel()

	content := socket.Content{Kind: string(m.Kind), Payload: m.Payload}
	externalID, sendErr := q.sender.Send(sendCtx, m.DeviceID, m.Destination, content)

	// Record the outcome even if the caller's context ended mid-send.
	recordCtx := context.WithoutCancel(ctx)

	if sendErr == nil {
		if err := q.store.MarkOutboxSent(recordCtx, m.ID, externalID); err != nil {
			q.logger.Error("marking outbox message sent", "message_id", m.ID, "error", err)
			return
		}
		q.logger.Info("message sent",
			"message_id", m.ID,
			"device_id", m.DeviceID,
			"external_id", externalID,
		)
		return
	}

	updated, err := q.store.MarkOutboxFailure(recordCtx, m.ID, q.opts.MaxRetries, sendErr.Error())
	if err != nil {
		q.logger.Error("recording outbox failure", "message_id", m.ID, "error", err)
		return
	}
	if updated == nil {
		// Reclaimed by another sender after going stale.
		return
	}
	q.logger.Warn("send failed",
		"message_id", m.ID,
		"device_id", m.DeviceID,
		"retries", updated.Retries,
		"status", updated.Status,
		"error", sendErr,
	)
}
