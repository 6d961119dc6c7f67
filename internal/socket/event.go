package socket

import (
	"encoding/json"
	"time"
)

// Event is the closed set of things a socket reports.
type Event interface {
	event()
}

// DisconnectCode classifies why a connection ended.
type DisconnectCode int

const (
	// DisconnectTransient covers network drops, restarts requested by the
	// remote side, timeouts and anything else worth reconnecting for.
	DisconnectTransient DisconnectCode = iota
	// DisconnectLoggedOut means the account was unlinked.
	DisconnectLoggedOut
	// DisconnectSessionInvalid means the stored credentials are corrupt or
	// rejected; the device needs to be paired again.
	DisconnectSessionInvalid
)

func (c DisconnectCode) String() string {
	switch c {
	case DisconnectLoggedOut:
		return "logged_out"
	case DisconnectSessionInvalid:
		return "session_invalid"
	default:
		return "transient"
	}
}

type Opened struct {
	UserID string
	Phone  string
}

type Closed struct {
	Code   DisconnectCode
	Reason string
}

type QRCode struct {
	Data string
}

type CredentialsUpdated struct {
	Credentials []byte
}

// InboundMessage is one chat message as the protocol reported it.
type InboundMessage struct {
	ID string `json:"id"`
	// ChatAddress is the routing address the protocol used, which may be an
	// opaque identifier rather than a phone-style address.
	ChatAddress string `json:"chat_address"`
	// ResolvedAddress is the phone-style address when the protocol could
	// resolve one.
	ResolvedAddress string                     `json:"resolved_address,omitempty"`
	Sender          string                     `json:"sender,omitempty"`
	PushName        string                     `json:"push_name,omitempty"`
	FromMe          bool                       `json:"from_me"`
	Timestamp       time.Time                  `json:"timestamp"`
	Content         map[string]json.RawMessage `json:"content"`
}

type MessagesReceived struct {
	Messages []InboundMessage
	// Live is false for history sync batches.
	Live bool
}

type MessageStatus struct {
	ID          string    `json:"id"`
	ChatAddress string    `json:"chat_address"`
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
}

type MessageStatusUpdated struct {
	Updates []MessageStatus
}

type Chat struct {
	Address      string    `json:"address"`
	Name         string    `json:"name,omitempty"`
	UnreadCount  int       `json:"unread_count"`
	LastActivity time.Time `json:"last_activity"`
}

type ChatSnapshot struct {
	Chats []Chat
}

type ChatsUpserted struct {
	Chats []Chat
}

type Contact struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
	Notify  string `json:"notify,omitempty"`
}

type ContactsUpdated struct {
	Contacts []Contact
}

type Group struct {
	Address      string   `json:"address"`
	Subject      string   `json:"subject,omitempty"`
	Participants []string `json:"participants,omitempty"`
}

type GroupsUpdated struct {
	Groups []Group
}

func (Opened) event()               {}
func (Closed) event()               {}
func (QRCode) event()               {}
func (CredentialsUpdated) event()   {}
func (MessagesReceived) event()     {}
func (MessageStatusUpdated) event() {}
func (ChatSnapshot) event()         {}
func (ChatsUpserted) event()        {}
func (ContactsUpdated) event()      {}
func (GroupsUpdated) event()        {}
