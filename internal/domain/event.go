package domain

import (
	"encoding/json"
	"time"
)

// EventKind names both inbound event log kinds and webhook notification kinds.
type EventKind string

const (
	EventMessageReceived  EventKind = "message.received"
	EventMessageHistory   EventKind = "message.history"
	EventMessageStatus    EventKind = "message.status"
	EventConnectionUpdate EventKind = "connection.update"
	EventChatsUpserted    EventKind = "chats.upsert"
	EventContactsUpdated  EventKind = "contacts.update"
	EventGroupsUpdated    EventKind = "groups.update"
)

// Legacy subscription kinds kept for subscribers registered before the
// dotted event names.
const (
	LegacyMessagesUpsert EventKind = "messages.upsert"
	LegacyMessagesUpdate EventKind = "messages.update"
	WildcardKind         EventKind = "*"
)

// LegacyAliases maps an event kind to the older subscription kinds that
// should also receive it.
var LegacyAliases = map[EventKind][]EventKind{
	EventMessageReceived: {LegacyMessagesUpsert},
	EventMessageStatus:   {LegacyMessagesUpdate},
}

// InboundEvent is an append-only record of something the protocol delivered.
type InboundEvent struct {
	ID         string          `json:"id"`
	TenantID   string          `json:"tenant_id"`
	DeviceID   string          `json:"device_id"`
	Kind       EventKind       `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"received_at"`
}

// InboxMessage is the queryable projection of a genuinely new inbound chat message.
type InboxMessage struct {
	ID                string          `json:"id"`
	TenantID          string          `json:"tenant_id"`
	DeviceID          string          `json:"device_id"`
	ChatAddress       string          `json:"chat_address"`
	ExternalMessageID string          `json:"external_message_id"`
	ContentKind       MessageKind     `json:"content_kind"`
	Payload           json.RawMessage `json:"payload"`
	ReceivedAt        time.Time       `json:"received_at"`
}

// Notification is the body delivered to webhook subscribers.
type Notification struct {
	ID         string          `json:"id"`
	TenantID   string          `json:"tenant_id"`
	DeviceID   string          `json:"device_id"`
	Kind       EventKind       `json:"event"`
	Data       json.RawMessage `json:"data"`
	OccurredAt time.Time       `json:"occurred_at"`
}
