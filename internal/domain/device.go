package domain

import "time"

// DeviceStatus is the persisted lifecycle state of a device connection.
type DeviceStatus string

const (
	DeviceDisconnected DeviceStatus = "disconnected"
	DeviceConnecting   DeviceStatus = "connecting"
	DevicePairing      DeviceStatus = "pairing"
	DeviceConnected    DeviceStatus = "connected"
	DeviceFailed       DeviceStatus = "failed"
	DeviceNeedsPairing DeviceStatus = "needs_pairing"
)

// Terminal reports whether the status requires operator action before the
// device is started again.
func (s DeviceStatus) Terminal() bool {
	return s == DeviceFailed || s == DeviceNeedsPairing
}

// Pairable reports whether a pairing artifact may be requested in this status.
func (s DeviceStatus) Pairable() bool {
	return s == DeviceConnecting || s == DevicePairing
}

const DefaultMaxReconnectAttempts = 5

type Device struct {
	ID                   string       `json:"id"`
	TenantID             string       `json:"tenant_id"`
	Status               DeviceStatus `json:"status"`
	RemoteUserID         *string      `json:"remote_user_id,omitempty"`
	PhoneNumber          *string      `json:"phone_number,omitempty"`
	LastConnectedAt      *time.Time   `json:"last_connected_at,omitempty"`
	LastDisconnectedAt   *time.Time   `json:"last_disconnected_at,omitempty"`
	LastError            *string      `json:"last_error,omitempty"`
	ReconnectAttempts    int          `json:"reconnect_attempts"`
	MaxReconnectAttempts int          `json:"max_reconnect_attempts"`
	HasCredentials       bool         `json:"has_credentials"`
	TenantActive         bool         `json:"tenant_active"`
	CreatedAt            time.Time    `json:"created_at"`
	UpdatedAt            time.Time    `json:"updated_at"`
}

// DeviceStatusUpdate carries a status transition. Nil pointer fields are left
// unchanged by the store.
type DeviceStatusUpdate struct {
	Status            DeviceStatus
	RemoteUserID      *string
	PhoneNumber       *string
	LastError         *string
	ClearError        bool
	ReconnectAttempts *int
	ConnectedAt       *time.Time
	DisconnectedAt    *time.Time
}

// DeviceStatusChange is published whenever the coordinator moves a device
// between states.
type DeviceStatusChange struct {
	DeviceID  string       `json:"device_id"`
	TenantID  string       `json:"tenant_id"`
	Status    DeviceStatus `json:"status"`
	Reason    string       `json:"reason,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}
