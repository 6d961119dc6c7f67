package domain

import (
	"encoding/json"
	"time"
)

type OutboxStatus string

const (
	OutboxQueued  OutboxStatus = "queued"
	OutboxSending OutboxStatus = "sending"
	OutboxPending OutboxStatus = "pending"
	OutboxSent    OutboxStatus = "sent"
	OutboxFailed  OutboxStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s OutboxStatus) Terminal() bool {
	return s == OutboxSent || s == OutboxFailed
}

// MessageKind is the content kind of an outbound send request.
type MessageKind string

const (
	KindText     MessageKind = "text"
	KindImage    MessageKind = "image"
	KindVideo    MessageKind = "video"
	KindAudio    MessageKind = "audio"
	KindDocument MessageKind = "document"
	KindSticker  MessageKind = "sticker"
	KindLocation MessageKind = "location"
	KindContact  MessageKind = "contact"
	KindReaction MessageKind = "reaction"
	KindUnknown  MessageKind = "unknown"
)

type OutboxMessage struct {
	ID             string          `json:"id"`
	TenantID       string          `json:"tenant_id"`
	DeviceID       string          `json:"device_id"`
	Destination    string          `json:"destination"`
	Kind           MessageKind     `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
	Status         OutboxStatus    `json:"status"`
	Retries        int             `json:"retries"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty"`
	ExternalID     *string         `json:"external_id,omitempty"`
	Error          *string         `json:"error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	SentAt         *time.Time      `json:"sent_at,omitempty"`
}

type SendRequest struct {
	TenantID       string          `json:"tenant_id"`
	DeviceID       string          `json:"device_id"`
	Destination    string          `json:"destination"`
	Kind           MessageKind     `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"-"`
}

type SendReceipt struct {
	ID        string       `json:"id"`
	Status    OutboxStatus `json:"status"`
	Duplicate bool         `json:"duplicate"`
}
