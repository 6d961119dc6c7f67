// Package inbox turns captured inbound chat messages into inbox rows and
// webhook notifications. Both the coordinator's live path and the
// reconciliation sweep go through it, so the two paths agree on addresses and
// content kinds.
package inbox

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Priya8975/fleet-gateway/internal/domain"
	"github.com/Priya8975/fleet-gateway/internal/socket"
	"github.com/google/uuid"
)

const (
	phoneServer  = "@s.whatsapp.net"
	opaqueServer = "@lid"
)

// content keys checked in order; the first present decides the kind.
var contentKinds = []struct {
	key  string
	kind domain.MessageKind
}{
	{"conversation", domain.KindText},
	{"extendedTextMessage", domain.KindText},
	{"text", domain.KindText},
	{"imageMessage", domain.KindImage},
	{"image", domain.KindImage},
	{"videoMessage", domain.KindVideo},
	{"video", domain.KindVideo},
	{"audioMessage", domain.KindAudio},
	{"audio", domain.KindAudio},
	{"documentMessage", domain.KindDocument},
	{"documentWithCaptionMessage", domain.KindDocument},
	{"document", domain.KindDocument},
	{"stickerMessage", domain.KindSticker},
	{"sticker", domain.KindSticker},
	{"locationMessage", domain.KindLocation},
	{"liveLocationMessage", domain.KindLocation},
	{"location", domain.KindLocation},
	{"contactMessage", domain.KindContact},
	{"contactsArrayMessage", domain.KindContact},
	{"contact", domain.KindContact},
	{"reactionMessage", domain.KindReaction},
	{"reaction", domain.KindReaction},
}

// InferContentKind guesses the content kind from the keys of a message body.
func InferContentKind(content map[string]json.RawMessage) domain.MessageKind {
	for _, ck := range contentKinds {
		if _, ok := content[ck.key]; ok {
			return ck.kind
		}
	}
	return domain.KindUnknown
}

// ChatAddress picks the address a chat is listed under. A resolved
// phone-style address wins over an opaque routing address.
func ChatAddress(msg socket.InboundMessage) string {
	if msg.ResolvedAddress != "" {
		return normalize(msg.ResolvedAddress)
	}
	return normalize(msg.ChatAddress)
}

// normalize strips a device suffix ("123:4@server" -> "123@server") and
// adds the phone server to bare numbers.
func normalize(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	user, server, found := strings.Cut(addr, "@")
	if !found {
		return strings.TrimPrefix(user, "+") + phoneServer
	}
	if i := strings.IndexByte(user, ':'); i >= 0 {
		user = user[:i]
	}
	return user + "@" + server
}

// IsOpaque reports whether the address is a routing identifier rather than
// a phone-style address.
func IsOpaque(addr string) bool {
	return strings.HasSuffix(addr, opaqueServer)
}

// Project returns the inbox row for a received message, or false when the
// message should not appear in the inbox.
func Project(tenantID, deviceID string, msg socket.InboundMessage, receivedAt time.Time) (domain.InboxMessage, bool, error) {
	if msg.FromMe || msg.ID == "" {
		return domain.InboxMessage{}, false, nil
	}
	address := ChatAddress(msg)
	if address == "" {
		return domain.InboxMessage{}, false, fmt.Errorf("message %s has no chat address", msg.ID)
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return domain.InboxMessage{}, false, fmt.Errorf("encoding message %s: %w", msg.ID, err)
	}

	if !msg.Timestamp.IsZero() {
		receivedAt = msg.Timestamp
	}

	return domain.InboxMessage{
		ID:                uuid.NewString(),
		TenantID:          tenantID,
		DeviceID:          deviceID,
		ChatAddress:       address,
		ExternalMessageID: msg.ID,
		ContentKind:       InferContentKind(msg.Content),
		Payload:           payload,
		ReceivedAt:        receivedAt,
	}, true, nil
}

// Notification wraps an inbox row as a message.received webhook body.
func Notification(m domain.InboxMessage) (domain.Notification, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return domain.Notification{}, fmt.Errorf("encoding inbox message: %w", err)
	}
	return domain.Notification{
		ID:         uuid.NewString(),
		TenantID:   m.TenantID,
		DeviceID:   m.DeviceID,
		Kind:       domain.EventMessageReceived,
		Data:       data,
		OccurredAt: m.ReceivedAt,
	}, nil
}
