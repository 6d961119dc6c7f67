// Package fleet owns the lifecycle of every device connection running on this
// instance: start, stop, logout, pairing, reconnects and the translation of
// socket events into persisted state and notifications.
package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Priya8975/fleet-gateway/internal/domain"
	"github.com/Priya8975/fleet-gateway/internal/socket"
	"github.com/google/uuid"
)

// DeviceStore persists device rows and their protocol credentials.
type DeviceStore interface {
	GetDevice(ctx context.Context, id string) (*domain.Device, error)
	UpdateDeviceStatus(ctx context.Context, id string, upd domain.DeviceStatusUpdate) error
	LoadCredentials(ctx context.Context, id string) ([]byte, error)
	SaveCredentials(ctx context.Context, id string, creds []byte) error
	ClearCredentials(ctx context.Context, id string) error
}

// EventStore appends captured socket events and projected inbox rows.
type EventStore interface {
	AppendEvent(ctx context.Context, ev domain.InboundEvent) (*domain.InboundEvent, error)
	InsertInboxMessage(ctx context.Context, m domain.InboxMessage) (bool, error)
}

// Locker is the per-device ownership lock shared across instances. Refresh
// reports false once another instance holds the device.
type Locker interface {
	InstanceID() string
	Acquire(ctx context.Context, deviceID string, timeout time.Duration) (bool, error)
	Refresh(ctx context.Context, deviceID string) bool
	Release(ctx context.Context, deviceID string)
	Owner(ctx context.Context, deviceID string) (holder string, held bool, err error)
}

// Notifier queues a notification for webhook delivery.
type Notifier interface {
	QueueDelivery(ctx context.Context, n domain.Notification) (int, error)
}

// StatusListener is told about every status transition, e.g. to push it to
// dashboard clients.
type StatusListener interface {
	DeviceStatusChanged(change domain.DeviceStatusChange)
}

// Options tune the coordinator's timers and limits.
type Options struct {
	MaxReconnectAttempts int
	LockAcquireTimeout   time.Duration
	LockRefreshInterval  time.Duration
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	PairingTimeout       time.Duration
	CloseTimeout         time.Duration
	PersistTimeout       time.Duration
	DialTimeout          time.Duration
}

// DefaultOptions returns the production settings.
func DefaultOptions() Options {
	return Options{
		MaxReconnectAttempts: domain.DefaultMaxReconnectAttempts,
		LockAcquireTimeout:   5 * time.Second,
		LockRefreshInterval:  time.Minute,
		ReconnectBaseDelay:   2 * time.Second,
		ReconnectMaxDelay:    30 * time.Second,
		PairingTimeout:       30 * time.Second,
		CloseTimeout:         5 * time.Second,
		PersistTimeout:       10 * time.Second,
		DialTimeout:          30 * time.Second,
	}
}

// Deps are the collaborators a Coordinator is built from. Notifier and
// Listener may be nil.
type Deps struct {
	Devices  DeviceStore
	Events   EventStore
	Locks    Locker
	Factory  socket.Factory
	Notifier Notifier
	Listener StatusListener
}

// Coordinator runs the devices this instance holds the lock for.
type Coordinator struct {
	devices  DeviceStore
	events   EventStore
	locks    Locker
	factory  socket.Factory
	notifier Notifier
	listener StatusListener
	opts     Options
	logger   *slog.Logger

	mu       sync.Mutex
	live     map[string]*session
	starting map[string]struct{}
}

// NewCoordinator creates a coordinator with no live devices.
func NewCoordinator(deps Deps, opts Options, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		devices:  deps.Devices,
		events:   deps.Events,
		locks:    deps.Locks,
		factory:  deps.Factory,
		notifier: deps.Notifier,
		listener: deps.Listener,
		opts:     opts,
		logger:   logger,
		live:     make(map[string]*session),
		starting: make(map[string]struct{}),
	}
}

// InstanceID returns the lock holder id of this instance.
func (c *Coordinator) InstanceID() string {
	return c.locks.InstanceID()
}

func (c *Coordinator) session(deviceID string) *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live[deviceID]
}

// IsActive reports whether the device is live or being started on this
// instance.
func (c *Coordinator) IsActive(deviceID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.starting[deviceID]; ok {
		return true
	}
	_, ok := c.live[deviceID]
	return ok
}

// LiveDevices returns the ids of devices with a session on this instance.
func (c *Coordinator) LiveDevices() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.live))
	for id := range c.live {
		ids = append(ids, id)
	}
	return ids
}

// HeldElsewhere reports whether another instance currently owns the device.
func (c *Coordinator) HeldElsewhere(ctx context.Context, deviceID string) bool {
	holder, held, err := c.locks.Owner(ctx, deviceID)
	if err != nil {
		c.logger.Warn("checking lock owner failed", "device_id", deviceID, "error", err)
		return false
	}
	return held && holder != c.locks.InstanceID()
}

func (c *Coordinator) loadOwned(ctx context.Context, deviceID, tenantID string) (*domain.Device, error) {
	device, err := c.devices.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("loading device: %w", err)
	}
	if device == nil {
		return nil, ErrDeviceNotFound
	}
	if tenantID != "" && device.TenantID != tenantID {
		return nil, ErrNotOwned
	}
	return device, nil
}

// Start brings the device online on this instance. Starting a device that is
// already live here returns its current state.
func (c *Coordinator) Start(ctx context.Context, deviceID, tenantID string) (*ConnectionInfo, error) {
	device, err := c.loadOwned(ctx, deviceID, tenantID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if _, busy := c.starting[deviceID]; busy {
		c.mu.Unlock()
		return nil, ErrAlreadyStarting
	}
	c.starting[deviceID] = struct{}{}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.starting, deviceID)
		c.mu.Unlock()
	}()

	ok, err := c.locks.Acquire(ctx, deviceID, c.opts.LockAcquireTimeout)
	if err != nil {
		return nil, fmt.Errorf("acquiring device lock: %w", err)
	}
	if !ok {
		return nil, ErrBusyElsewhere
	}

	if s := c.session(deviceID); s != nil {
		return s.info(c.locks.InstanceID()), nil
	}

	creds, err := c.devices.LoadCredentials(ctx, deviceID)
	if err != nil {
		c.locks.Release(context.WithoutCancel(ctx), deviceID)
		return nil, fmt.Errorf("loading credentials: %w", err)
	}

	// The socket lives as long as the session, not the calling request.
	s := newSession(device, c.opts.MaxReconnectAttempts)
	sock, err := c.factory.Connect(s.ctx, c.socketOptions(deviceID, creds))
	if err != nil {
		s.cancel()
		msg := err.Error()
		now := time.Now()
		c.persistUpdate(device.ID, domain.DeviceStatusUpdate{
			Status:         domain.DeviceDisconnected,
			LastError:      &msg,
			DisconnectedAt: &now,
		})
		c.locks.Release(context.WithoutCancel(ctx), deviceID)
		return nil, fmt.Errorf("connecting socket: %w", err)
	}
	s.sock = sock

	c.mu.Lock()
	c.live[deviceID] = s
	c.mu.Unlock()

	zero := 0
	c.transition(s, domain.DeviceConnecting, "starting", domain.DeviceStatusUpdate{
		Status:            domain.DeviceConnecting,
		ClearError:        true,
		ReconnectAttempts: &zero,
	})

	go c.refreshLoop(s)
	go c.eventLoop(s, sock)

	c.logger.Info("device started", "device_id", deviceID, "tenant_id", device.TenantID)
	return s.info(c.locks.InstanceID()), nil
}

// Stop closes the device's socket, persists it as disconnected and releases
// its lock. The lock is released even if closing the socket stalls.
func (c *Coordinator) Stop(ctx context.Context, deviceID, tenantID string) error {
	if _, err := c.loadOwned(ctx, deviceID, tenantID); err != nil {
		return err
	}

	c.mu.Lock()
	s := c.live[deviceID]
	delete(c.live, deviceID)
	c.mu.Unlock()

	if s == nil {
		if c.HeldElsewhere(ctx, deviceID) {
			return ErrBusyElsewhere
		}
		now := time.Now()
		c.persistUpdate(deviceID, domain.DeviceStatusUpdate{
			Status:         domain.DeviceDisconnected,
			DisconnectedAt: &now,
		})
		c.locks.Release(context.WithoutCancel(ctx), deviceID)
		return nil
	}

	c.halt(s)
	defer c.locks.Release(context.WithoutCancel(ctx), deviceID)

	s.mu.Lock()
	sock := s.sock
	s.status = domain.DeviceDisconnected
	s.qr = ""
	s.notifyLocked()
	s.mu.Unlock()

	c.closeSocket(deviceID, sock)

	now := time.Now()
	c.transition(s, domain.DeviceDisconnected, "stopped", domain.DeviceStatusUpdate{
		Status:         domain.DeviceDisconnected,
		DisconnectedAt: &now,
	})
	c.logger.Info("device stopped", "device_id", deviceID)
	return nil
}

// Logout signs the device out of the protocol, stops it and erases its
// stored credentials so it needs pairing again.
func (c *Coordinator) Logout(ctx context.Context, deviceID, tenantID string) error {
	if _, err := c.loadOwned(ctx, deviceID, tenantID); err != nil {
		return err
	}

	if s := c.session(deviceID); s != nil {
		if sock := s.current(); sock != nil {
			if err := sock.Logout(ctx); err != nil {
				c.logger.Warn("protocol logout failed", "device_id", deviceID, "error", err)
			}
		}
	}

	if err := c.Stop(ctx, deviceID, tenantID); err != nil {
		return err
	}

	if err := c.devices.ClearCredentials(ctx, deviceID); err != nil {
		return fmt.Errorf("clearing credentials: %w", err)
	}
	c.logger.Info("device logged out", "device_id", deviceID)
	return nil
}

// RequestQR waits until the live socket surfaces a QR pairing code.
func (c *Coordinator) RequestQR(ctx context.Context, deviceID, tenantID string) (string, error) {
	if _, err := c.loadOwned(ctx, deviceID, tenantID); err != nil {
		return "", err
	}
	s := c.session(deviceID)
	if s == nil {
		return "", ErrNotRunning
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.PairingTimeout)
	defer cancel()

	for {
		s.mu.Lock()
		status, qr, changed := s.status, s.qr, s.changed
		s.mu.Unlock()

		if !status.Pairable() {
			return "", ErrInvalidState
		}
		if qr != "" {
			return qr, nil
		}

		select {
		case <-changed:
		case <-s.ctx.Done():
			return "", ErrNotRunning
		case <-ctx.Done():
			return "", ErrPairingTimeout
		}
	}
}

// RequestPairingCode asks the protocol for a numeric pairing code bound to
// phone.
func (c *Coordinator) RequestPairingCode(ctx context.Context, deviceID, tenantID, phone string) (string, error) {
	if _, err := c.loadOwned(ctx, deviceID, tenantID); err != nil {
		return "", err
	}
	s := c.session(deviceID)
	if s == nil {
		return "", ErrNotRunning
	}

	s.mu.Lock()
	status, sock := s.status, s.sock
	s.mu.Unlock()
	if !status.Pairable() {
		return "", ErrInvalidState
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.PairingTimeout)
	defer cancel()

	code, err := sock.RequestPairingCode(ctx, phone)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", ErrPairingTimeout
		}
		return "", fmt.Errorf("requesting pairing code: %w", err)
	}

	s.mu.Lock()
	s.status = domain.DevicePairing
	s.phone = phone
	s.notifyLocked()
	s.mu.Unlock()
	c.transition(s, domain.DevicePairing, "pairing code issued", domain.DeviceStatusUpdate{
		Status:      domain.DevicePairing,
		PhoneNumber: &phone,
	})
	return code, nil
}

// ConnectionInfo reports the live state when the device runs here and the
// persisted state otherwise.
func (c *Coordinator) ConnectionInfo(ctx context.Context, deviceID, tenantID string) (*ConnectionInfo, error) {
	device, err := c.loadOwned(ctx, deviceID, tenantID)
	if err != nil {
		return nil, err
	}
	if s := c.session(deviceID); s != nil {
		info := s.info(c.locks.InstanceID())
		info.LastConnectedAt = device.LastConnectedAt
		return info, nil
	}

	holder, held, err := c.locks.Owner(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("reading lock owner: %w", err)
	}
	info := &ConnectionInfo{
		DeviceID:          device.ID,
		TenantID:          device.TenantID,
		Status:            device.Status,
		ReconnectAttempts: device.ReconnectAttempts,
		LastConnectedAt:   device.LastConnectedAt,
	}
	if held {
		info.Holder = holder
	}
	if device.RemoteUserID != nil {
		info.RemoteUserID = *device.RemoteUserID
	}
	if device.PhoneNumber != nil {
		info.PhoneNumber = *device.PhoneNumber
	}
	if device.LastError != nil {
		info.LastError = *device.LastError
	}
	return info, nil
}

// Send hands content to the device's live socket and returns the protocol's
// message id.
func (c *Coordinator) Send(ctx context.Context, deviceID, address string, content socket.Content) (string, error) {
	s := c.session(deviceID)
	if s == nil {
		return "", ErrNotRunning
	}
	s.mu.Lock()
	status, sock := s.status, s.sock
	s.mu.Unlock()
	if status != domain.DeviceConnected {
		return "", ErrNotConnected
	}
	return sock.Send(ctx, address, content)
}

// ChatsSnapshot returns the chats the protocol reported for a live device,
// most recently active first.
func (c *Coordinator) ChatsSnapshot(ctx context.Context, deviceID, tenantID string) ([]socket.Chat, error) {
	if _, err := c.loadOwned(ctx, deviceID, tenantID); err != nil {
		return nil, err
	}
	s := c.session(deviceID)
	if s == nil {
		return nil, ErrNotRunning
	}
	return s.chatList(), nil
}

// Shutdown stops every live device.
func (c *Coordinator) Shutdown(ctx context.Context) {
	for _, id := range c.LiveDevices() {
		if err := c.Stop(ctx, id, ""); err != nil {
			c.logger.Error("stopping device on shutdown", "device_id", id, "error", err)
		}
	}
}

// halt cancels the session's background work and waits for the lock refresh
// loop to exit.
func (c *Coordinator) halt(s *session) {
	s.cancel()
	<-s.refreshDone
}

func (c *Coordinator) closeSocket(deviceID string, sock socket.Socket) {
	if sock == nil {
		return
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := sock.Close(); err != nil {
			c.logger.Warn("closing socket", "device_id", deviceID, "error", err)
		}
	}()
	select {
	case <-done:
	case <-time.After(c.opts.CloseTimeout):
		c.logger.Warn("socket close timed out", "device_id", deviceID)
	}
}

func (c *Coordinator) refreshLoop(s *session) {
	defer close(s.refreshDone)

	ticker := time.NewTicker(c.opts.LockRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(s.ctx, c.opts.PersistTimeout)
			held := c.locks.Refresh(ctx, s.deviceID)
			cancel()
			if !held && !s.stopped() {
				// abandon waits for this loop to exit.
				go c.abandon(s)
				return
			}
		}
	}
}

// abandon closes a session whose lock another instance has taken over. The
// new holder owns the device row and the lock, so neither is touched here.
func (c *Coordinator) abandon(s *session) {
	c.mu.Lock()
	if c.live[s.deviceID] != s {
		c.mu.Unlock()
		return
	}
	delete(c.live, s.deviceID)
	c.mu.Unlock()

	c.halt(s)

	s.mu.Lock()
	sock := s.sock
	s.status = domain.DeviceDisconnected
	s.qr = ""
	s.notifyLocked()
	s.mu.Unlock()

	c.closeSocket(s.deviceID, sock)
	c.logger.Warn("device lock taken over by another instance, connection closed", "device_id", s.deviceID)
}

// terminate ends a session that the protocol closed for good.
func (c *Coordinator) terminate(s *session, status domain.DeviceStatus, reason string) {
	c.mu.Lock()
	if c.live[s.deviceID] != s {
		// Stop got there first.
		c.mu.Unlock()
		return
	}
	delete(c.live, s.deviceID)
	c.mu.Unlock()

	c.halt(s)

	s.mu.Lock()
	s.status = status
	s.qr = ""
	s.lastError = reason
	s.notifyLocked()
	attempts := s.attempts
	s.mu.Unlock()

	now := time.Now()
	c.transition(s, status, reason, domain.DeviceStatusUpdate{
		Status:            status,
		LastError:         &reason,
		ReconnectAttempts: &attempts,
		DisconnectedAt:    &now,
	})

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.PersistTimeout)
	defer cancel()
	c.locks.Release(ctx, s.deviceID)

	c.logger.Warn("device session ended", "device_id", s.deviceID, "status", status, "reason", reason)
}

func (c *Coordinator) socketOptions(deviceID string, creds []byte) socket.Options {
	return socket.Options{
		DeviceID:    deviceID,
		Credentials: creds,
		DialTimeout: c.opts.DialTimeout,
	}
}

func (c *Coordinator) reconnectDelay(attempt int) time.Duration {
	d := time.Duration(attempt) * c.opts.ReconnectBaseDelay
	if d > c.opts.ReconnectMaxDelay {
		d = c.opts.ReconnectMaxDelay
	}
	return d
}

// scheduleRestart reconnects after a transient close, or gives up once the
// attempt ceiling is exceeded.
func (c *Coordinator) scheduleRestart(s *session, reason string) {
	s.mu.Lock()
	s.attempts++
	attempts := s.attempts
	s.status = domain.DeviceDisconnected
	s.qr = ""
	s.lastError = reason
	s.notifyLocked()
	s.mu.Unlock()

	if attempts > s.maxAttempts {
		c.terminate(s, domain.DeviceFailed, fmt.Sprintf("reconnect attempts exhausted: %s", reason))
		return
	}

	now := time.Now()
	c.transition(s, domain.DeviceDisconnected, reason, domain.DeviceStatusUpdate{
		Status:            domain.DeviceDisconnected,
		LastError:         &reason,
		ReconnectAttempts: &attempts,
		DisconnectedAt:    &now,
	})

	delay := c.reconnectDelay(attempts)
	c.logger.Info("scheduling reconnect",
		"device_id", s.deviceID,
		"attempt", attempts,
		"max_attempts", s.maxAttempts,
		"delay", delay,
	)

	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-s.ctx.Done():
		case <-timer.C:
			c.restart(s)
		}
	}()
}

func (c *Coordinator) restart(s *session) {
	ctx, cancel := context.WithTimeout(s.ctx, c.opts.PersistTimeout)
	defer cancel()

	creds, err := c.devices.LoadCredentials(ctx, s.deviceID)
	if err != nil {
		if s.stopped() {
			return
		}
		c.scheduleRestart(s, fmt.Sprintf("loading credentials: %v", err))
		return
	}

	sock, err := c.factory.Connect(s.ctx, c.socketOptions(s.deviceID, creds))
	if err != nil {
		if s.stopped() {
			return
		}
		c.scheduleRestart(s, fmt.Sprintf("reconnect failed: %v", err))
		return
	}

	s.mu.Lock()
	if s.stopped() {
		s.mu.Unlock()
		c.closeSocket(s.deviceID, sock)
		return
	}
	s.sock = sock
	s.status = domain.DeviceConnecting
	s.notifyLocked()
	s.mu.Unlock()

	c.transition(s, domain.DeviceConnecting, "reconnecting", domain.DeviceStatusUpdate{
		Status: domain.DeviceConnecting,
	})
	go c.eventLoop(s, sock)
}

// transition persists a status change and announces it.
func (c *Coordinator) transition(s *session, status domain.DeviceStatus, reason string, upd domain.DeviceStatusUpdate) {
	c.persistUpdate(s.deviceID, upd)

	change := domain.DeviceStatusChange{
		DeviceID:  s.deviceID,
		TenantID:  s.tenantID,
		Status:    status,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}
	if c.listener != nil {
		c.listener.DeviceStatusChanged(change)
	}
	c.notify(s, domain.EventConnectionUpdate, change)
}

func (c *Coordinator) persistUpdate(deviceID string, upd domain.DeviceStatusUpdate) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.PersistTimeout)
	defer cancel()
	if err := c.devices.UpdateDeviceStatus(ctx, deviceID, upd); err != nil {
		c.logger.Error("persisting device status",
			"device_id", deviceID,
			"status", upd.Status,
			"error", err,
		)
	}
}

func (c *Coordinator) notify(s *session, kind domain.EventKind, data any) {
	if c.notifier == nil {
		return
	}
	raw, err := json.Marshal(data)
	if err != nil {
		c.logger.Error("encoding notification", "device_id", s.deviceID, "event", kind, "error", err)
		return
	}
	c.queue(domain.Notification{
		ID:         uuid.New().String(),
		TenantID:   s.tenantID,
		DeviceID:   s.deviceID,
		Kind:       kind,
		Data:       raw,
		OccurredAt: time.Now().UTC(),
	})
}

func (c *Coordinator) queue(n domain.Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.PersistTimeout)
	defer cancel()
	if _, err := c.notifier.QueueDelivery(ctx, n); err != nil {
		c.logger.Error("queueing notification",
			"device_id", n.DeviceID,
			"event", n.Kind,
			"error", err,
		)
	}
}
