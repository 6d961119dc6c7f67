package fleet

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Priya8975/fleet-gateway/internal/domain"
	"github.com/Priya8975/fleet-gateway/internal/socket"
)

// session is the in-memory state of one device owned by this instance. It
// outlives individual sockets: reconnects swap the socket and keep the
// attempt counter.
type session struct {
	deviceID    string
	tenantID    string
	maxAttempts int

	ctx         context.Context
	cancel      context.CancelFunc
	refreshDone chan struct{}

	mu        sync.Mutex
	sock      socket.Socket
	status    domain.DeviceStatus
	qr        string
	userID    string
	phone     string
	attempts  int
	lastError string
	chats     map[string]socket.Chat
	changed   chan struct{}
}

func newSession(d *domain.Device, maxAttempts int) *session {
	if d.MaxReconnectAttempts > 0 {
		maxAttempts = d.MaxReconnectAttempts
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		deviceID:    d.ID,
		tenantID:    d.TenantID,
		maxAttempts: maxAttempts,
		ctx:         ctx,
		cancel:      cancel,
		refreshDone: make(chan struct{}),
		status:      domain.DeviceConnecting,
		chats:       map[string]socket.Chat{},
		changed:     make(chan struct{}),
	}
	if d.RemoteUserID != nil {
		s.userID = *d.RemoteUserID
	}
	if d.PhoneNumber != nil {
		s.phone = *d.PhoneNumber
	}
	return s
}

// notifyLocked wakes everyone waiting on the current changed channel.
// Callers hold s.mu.
func (s *session) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *session) current() socket.Socket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sock
}

func (s *session) stopped() bool {
	return s.ctx.Err() != nil
}

// ConnectionInfo is the externally visible view of a device connection.
type ConnectionInfo struct {
	DeviceID          string              `json:"device_id"`
	TenantID          string              `json:"tenant_id"`
	Status            domain.DeviceStatus `json:"status"`
	Live              bool                `json:"live"`
	Holder            string              `json:"holder,omitempty"`
	RemoteUserID      string              `json:"remote_user_id,omitempty"`
	PhoneNumber       string              `json:"phone_number,omitempty"`
	HasQR             bool                `json:"has_qr"`
	ReconnectAttempts int                 `json:"reconnect_attempts"`
	LastError         string              `json:"last_error,omitempty"`
	LastConnectedAt   *time.Time          `json:"last_connected_at,omitempty"`
}

func (s *session) info(holder string) *ConnectionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &ConnectionInfo{
		DeviceID:          s.deviceID,
		TenantID:          s.tenantID,
		Status:            s.status,
		Live:              true,
		Holder:            holder,
		RemoteUserID:      s.userID,
		PhoneNumber:       s.phone,
		HasQR:             s.qr != "",
		ReconnectAttempts: s.attempts,
		LastError:         s.lastError,
	}
}

func (s *session) chatList() []socket.Chat {
	s.mu.Lock()
	defer s.mu.Unlock()
	chats := make([]socket.Chat, 0, len(s.chats))
	for _, c := range s.chats {
		chats = append(chats, c)
	}
	sort.Slice(chats, func(i, j int) bool {
		if chats[i].LastActivity.Equal(chats[j].LastActivity) {
			return chats[i].Address < chats[j].Address
		}
		return chats[i].LastActivity.After(chats[j].LastActivity)
	})
	return chats
}
