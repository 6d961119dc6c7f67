// Package memory is a single-process implementation of the persistence
// methods the coordinator, sweeps and webhook engine use. It backs tests and
// the memory store driver for local runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Priya8975/fleet-gateway/internal/domain"
	"github.com/Priya8975/fleet-gateway/internal/store"
	"github.com/google/uuid"
)

type deviceRow struct {
	domain.Device
	credentials []byte
}

type Store struct {
	mu sync.Mutex

	now func() time.Time

	tenants       map[string]bool
	devices       map[string]*deviceRow
	locks         map[string]domain.ResourceLock
	outbox        map[string]*domain.OutboxMessage
	events        []domain.InboundEvent
	inbox         map[string]domain.InboxMessage
	subscriptions []domain.WebhookSubscription
	attempts      []domain.DeliveryAttempt
	deadLetters   []domain.DeadLetter
}

func New() *Store {
	return &Store{
		now:     time.Now,
		tenants: map[string]bool{},
		devices: map[string]*deviceRow{},
		locks:   map[string]domain.ResourceLock{},
		outbox:  map[string]*domain.OutboxMessage{},
		inbox:   map[string]domain.InboxMessage{},
	}
}

// SetClock overrides time.Now for timestamps the store assigns itself.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) PutTenant(id string, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants[id] = active
}

// PutDevice inserts or replaces a device row. Credentials may be nil.
func (s *Store) PutDevice(d domain.Device, credentials []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.Status == "" {
		d.Status = domain.DeviceDisconnected
	}
	if d.MaxReconnectAttempts == 0 {
		d.MaxReconnectAttempts = domain.DefaultMaxReconnectAttempts
	}
	if _, ok := s.tenants[d.TenantID]; !ok {
		s.tenants[d.TenantID] = true
	}
	d.CreatedAt = s.now()
	d.UpdatedAt = d.CreatedAt
	s.devices[d.ID] = &deviceRow{Device: d, credentials: credentials}
}

func (s *Store) PutSubscription(sub domain.WebhookSubscription) domain.WebhookSubscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	sub.CreatedAt = s.now()
	sub.UpdatedAt = sub.CreatedAt
	s.subscriptions = append(s.subscriptions, sub)
	return sub
}

func (s *Store) device(id string) domain.Device {
	row := s.devices[id]
	d := row.Device
	d.HasCredentials = row.credentials != nil
	d.TenantActive = s.tenants[d.TenantID]
	return d
}

// Devices

func (s *Store) GetDevice(ctx context.Context, id string) (*domain.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[id]; !ok {
		return nil, nil
	}
	d := s.device(id)
	return &d, nil
}

func (s *Store) ListDevices(ctx context.Context, tenantID string) ([]domain.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	devices := []domain.Device{}
	for id, row := range s.devices {
		if tenantID == "" || row.TenantID == tenantID {
			devices = append(devices, s.device(id))
		}
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	return devices, nil
}

func (s *Store) ListReconnectCandidates(ctx context.Context) ([]domain.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	devices := []domain.Device{}
	for id, row := range s.devices {
		d := s.device(id)
		if d.TenantActive && row.credentials != nil && !d.Status.Terminal() {
			devices = append(devices, d)
		}
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	return devices, nil
}

func (s *Store) UpdateDeviceStatus(ctx context.Context, id string, upd domain.DeviceStatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.devices[id]
	if !ok {
		return fmt.Errorf("device %s not found", id)
	}
	row.Status = upd.Status
	if upd.RemoteUserID != nil {
		row.RemoteUserID = upd.RemoteUserID
	}
	if upd.PhoneNumber != nil {
		row.PhoneNumber = upd.PhoneNumber
	}
	if upd.LastError != nil {
		row.LastError = upd.LastError
	} else if upd.ClearError {
		row.LastError = nil
	}
	if upd.ReconnectAttempts != nil {
		row.ReconnectAttempts = *upd.ReconnectAttempts
	}
	if upd.ConnectedAt != nil {
		row.LastConnectedAt = upd.ConnectedAt
	}
	if upd.DisconnectedAt != nil {
		row.LastDisconnectedAt = upd.DisconnectedAt
	}
	row.UpdatedAt = s.now()
	return nil
}

func (s *Store) LoadCredentials(ctx context.Context, id string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.devices[id]
	if !ok {
		return nil, nil
	}
	return row.credentials, nil
}

func (s *Store) SaveCredentials(ctx context.Context, id string, creds []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.devices[id]
	if !ok {
		return fmt.Errorf("device %s not found", id)
	}
	row.credentials = append([]byte(nil), creds...)
	return nil
}

func (s *Store) ClearCredentials(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.devices[id]; ok {
		row.credentials = nil
		row.RemoteUserID = nil
	}
	return nil
}

// Locks

func (s *Store) InsertLock(ctx context.Context, l domain.ResourceLock) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.locks[l.DeviceID]; ok {
		return false, nil
	}
	s.locks[l.DeviceID] = l
	return true, nil
}

func (s *Store) GetLock(ctx context.Context, deviceID string) (*domain.ResourceLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[deviceID]
	if !ok {
		return nil, nil
	}
	return &l, nil
}

func (s *Store) ExtendLock(ctx context.Context, deviceID, holderID string, expiresAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[deviceID]
	if !ok || l.HolderID != holderID {
		return false, nil
	}
	l.ExpiresAt = expiresAt
	s.locks[deviceID] = l
	return true, nil
}

func (s *Store) DeleteLock(ctx context.Context, deviceID, holderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.locks[deviceID]; ok && l.HolderID == holderID {
		delete(s.locks, deviceID)
	}
	return nil
}

func (s *Store) DeleteExpiredLock(ctx context.Context, deviceID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.locks[deviceID]; ok && l.Expired(now) {
		delete(s.locks, deviceID)
	}
	return nil
}

// Outbox

func (s *Store) InsertOutboxMessage(ctx context.Context, m domain.OutboxMessage) (*domain.OutboxMessage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.IdempotencyKey != nil {
		for _, existing := range s.outbox {
			if existing.DeviceID == m.DeviceID && existing.IdempotencyKey != nil && *existing.IdempotencyKey == *m.IdempotencyKey {
				cp := *existing
				return &cp, false, nil
			}
		}
	}
	m.ID = uuid.NewString()
	m.Status = domain.OutboxQueued
	m.CreatedAt = s.now()
	m.UpdatedAt = m.CreatedAt
	s.outbox[m.ID] = &m
	cp := m
	return &cp, true, nil
}

func (s *Store) GetOutboxMessage(ctx context.Context, id string) (*domain.OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.outbox[id]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func outboxEligible(m *domain.OutboxMessage, staleBefore time.Time) bool {
	switch m.Status {
	case domain.OutboxQueued, domain.OutboxPending:
		return true
	case domain.OutboxSending:
		return m.UpdatedAt.Before(staleBefore)
	}
	return false
}

func (s *Store) ListDueOutboxMessages(ctx context.Context, maxRetries int, staleBefore time.Time, limit int) ([]domain.OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	due := []domain.OutboxMessage{}
	for _, m := range s.outbox {
		if m.Retries < maxRetries && outboxEligible(m, staleBefore) {
			due = append(due, *m)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *Store) ClaimOutboxMessage(ctx context.Context, id string, maxRetries int, staleBefore time.Time) (*domain.OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.outbox[id]
	if !ok || m.Retries >= maxRetries || !outboxEligible(m, staleBefore) {
		return nil, nil
	}
	m.Status = domain.OutboxSending
	m.UpdatedAt = s.now()
	claimed := *m
	return &claimed, nil
}

func (s *Store) MarkOutboxSent(ctx context.Context, id, externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.outbox[id]
	if !ok || m.Status != domain.OutboxSending {
		return nil
	}
	now := s.now()
	m.Status = domain.OutboxSent
	m.ExternalID = &externalID
	m.Error = nil
	m.SentAt = &now
	m.UpdatedAt = now
	return nil
}

func (s *Store) MarkOutboxFailure(ctx context.Context, id string, maxRetries int, errMsg string) (*domain.OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.outbox[id]
	if !ok || m.Status != domain.OutboxSending {
		return nil, nil
	}
	m.Retries++
	m.Status = domain.OutboxPending
	if m.Retries >= maxRetries {
		m.Status = domain.OutboxFailed
	}
	m.Error = &errMsg
	m.UpdatedAt = s.now()
	updated := *m
	return &updated, nil
}

// Events and inbox

func (s *Store) AppendEvent(ctx context.Context, ev domain.InboundEvent) (*domain.InboundEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev.ID = uuid.NewString()
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = s.now()
	}
	s.events = append(s.events, ev)
	return &ev, nil
}

func (s *Store) ListEventsSince(ctx context.Context, kind domain.EventKind, since time.Time, afterID string, limit int) ([]domain.InboundEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := []domain.InboundEvent{}
	for _, ev := range s.events {
		if ev.Kind != kind {
			continue
		}
		if ev.ReceivedAt.After(since) || (ev.ReceivedAt.Equal(since) && ev.ID > afterID) {
			events = append(events, ev)
		}
	}
	sort.Slice(events, func(i, j int) bool {
		if !events[i].ReceivedAt.Equal(events[j].ReceivedAt) {
			return events[i].ReceivedAt.Before(events[j].ReceivedAt)
		}
		return events[i].ID < events[j].ID
	})
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

func inboxKey(deviceID, externalID string) string {
	return deviceID + "\x00" + externalID
}

func (s *Store) InsertInboxMessage(ctx context.Context, m domain.InboxMessage) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := inboxKey(m.DeviceID, m.ExternalMessageID)
	if _, ok := s.inbox[key]; ok {
		return false, nil
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	s.inbox[key] = m
	return true, nil
}

func (s *Store) InboxMessageExists(ctx context.Context, deviceID, externalID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inbox[inboxKey(deviceID, externalID)]
	return ok, nil
}

func (s *Store) ListInboxMessages(ctx context.Context, deviceID string, limit int) ([]domain.InboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	messages := []domain.InboxMessage{}
	for _, m := range s.inbox {
		if m.DeviceID == deviceID {
			messages = append(messages, m)
		}
	}
	sort.Slice(messages, func(i, j int) bool { return messages[i].ReceivedAt.After(messages[j].ReceivedAt) })
	if limit > 0 && len(messages) > limit {
		messages = messages[:limit]
	}
	return messages, nil
}

// Webhooks

func (s *Store) ListEnabledSubscriptions(ctx context.Context, tenantID string) ([]domain.WebhookSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := []domain.WebhookSubscription{}
	if active, ok := s.tenants[tenantID]; ok && !active {
		return subs, nil
	}
	for _, sub := range s.subscriptions {
		if sub.TenantID == tenantID && sub.Enabled {
			subs = append(subs, sub)
		}
	}
	return subs, nil
}

func (s *Store) RecordDeliveryAttempt(ctx context.Context, rec store.DeliveryAttemptRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := domain.DeliveryAttempt{
		ID:             uuid.NewString(),
		NotificationID: rec.NotificationID,
		SubscriptionID: rec.SubscriptionID,
		AttemptNumber:  rec.AttemptNumber,
		Status:         rec.Status,
		HTTPStatusCode: rec.HTTPStatusCode,
		NextRetryAt:    rec.NextRetryAt,
		CreatedAt:      s.now(),
	}
	ms := rec.ResponseTimeMs
	a.ResponseTimeMs = &ms
	if rec.ResponseBody != "" {
		body := rec.ResponseBody
		a.ResponseBody = &body
	}
	if rec.ErrorMessage != "" {
		msg := rec.ErrorMessage
		a.ErrorMessage = &msg
	}
	s.attempts = append(s.attempts, a)
	return nil
}

func (s *Store) InsertDeadLetter(ctx context.Context, rec store.DeadLetterRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadLetters = append(s.deadLetters, domain.DeadLetter{
		ID:             uuid.NewString(),
		NotificationID: rec.NotificationID,
		SubscriptionID: rec.SubscriptionID,
		TenantID:       rec.TenantID,
		EventKind:      rec.EventKind,
		Payload:        append([]byte(nil), rec.Payload...),
		TotalAttempts:  rec.TotalAttempts,
		LastHTTPStatus: rec.LastHTTPStatus,
		Reason:         rec.Reason,
		CreatedAt:      s.now(),
	})
	return nil
}

func (s *Store) ListDeadLetters(ctx context.Context, f store.DeadLetterFilter) ([]domain.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	letters := []domain.DeadLetter{}
	for i := len(s.deadLetters) - 1; i >= 0; i-- {
		dl := s.deadLetters[i]
		if f.TenantID != "" && dl.TenantID != f.TenantID {
			continue
		}
		if f.SubscriptionID != "" && dl.SubscriptionID != f.SubscriptionID {
			continue
		}
		if (dl.ResolvedAt != nil) != f.Resolved {
			continue
		}
		letters = append(letters, dl)
		if f.Limit > 0 && len(letters) == f.Limit {
			break
		}
	}
	return letters, nil
}

func (s *Store) GetDeadLetter(ctx context.Context, id string) (*domain.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, dl := range s.deadLetters {
		if dl.ID == id {
			cp := dl
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *Store) ResolveDeadLetter(ctx context.Context, id string, resolvedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.deadLetters {
		dl := &s.deadLetters[i]
		if dl.ID == id && dl.ResolvedAt == nil {
			now := s.now()
			dl.ResolvedAt = &now
			dl.ResolvedBy = &resolvedBy
			return nil
		}
	}
	return store.ErrDeadLetterNotFound
}

func (s *Store) ListDeliveryAttempts(ctx context.Context, f store.DeliveryAttemptFilter) ([]domain.DeliveryAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	attempts := []domain.DeliveryAttempt{}
	for i := len(s.attempts) - 1; i >= 0; i-- {
		a := s.attempts[i]
		if f.TenantID != "" && s.subscriptionTenant(a.SubscriptionID) != f.TenantID {
			continue
		}
		if f.NotificationID != "" && a.NotificationID != f.NotificationID {
			continue
		}
		if f.SubscriptionID != "" && a.SubscriptionID != f.SubscriptionID {
			continue
		}
		if f.Status != "" && !strings.EqualFold(a.Status, f.Status) {
			continue
		}
		attempts = append(attempts, a)
		if f.Limit > 0 && len(attempts) == f.Limit {
			break
		}
	}
	return attempts, nil
}

// Metrics

func (s *Store) GetFleetMetrics(ctx context.Context) (*store.FleetMetrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := store.FleetMetrics{
		DevicesByStatus: map[domain.DeviceStatus]int{},
		OutboxByStatus:  map[domain.OutboxStatus]int{},
	}
	for _, row := range s.devices {
		m.DevicesByStatus[row.Status]++
	}
	for _, o := range s.outbox {
		m.OutboxByStatus[o.Status]++
	}

	var totalMs, timed int
	for _, a := range s.attempts {
		m.TotalDeliveries++
		switch a.Status {
		case domain.AttemptSuccess:
			m.SuccessCount++
		case domain.AttemptFailed, domain.AttemptRejected:
			m.FailedCount++
		}
		if a.ResponseTimeMs != nil && *a.ResponseTimeMs > 0 {
			totalMs += *a.ResponseTimeMs
			timed++
		}
	}
	if m.TotalDeliveries > 0 {
		m.SuccessRate = float64(m.SuccessCount) / float64(m.TotalDeliveries) * 100
	}
	if timed > 0 {
		m.AvgResponseMs = float64(totalMs) / float64(timed)
	}
	for _, dl := range s.deadLetters {
		if dl.ResolvedAt == nil {
			m.DeadLetterCount++
		}
	}
	dayAgo := s.now().Add(-24 * time.Hour)
	for _, ev := range s.events {
		if ev.ReceivedAt.After(dayAgo) {
			m.InboundEventsDay++
		}
	}
	return &m, nil
}

func (s *Store) subscriptionTenant(id string) string {
	for _, sub := range s.subscriptions {
		if sub.ID == id {
			return sub.TenantID
		}
	}
	return ""
}

// Snapshot accessors for tests.

func (s *Store) Events() []domain.InboundEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.InboundEvent(nil), s.events...)
}

func (s *Store) InboxCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inbox)
}

func (s *Store) DeadLetterCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deadLetters)
}

func (s *Store) AttemptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.attempts)
}
