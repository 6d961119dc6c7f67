package inbox

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/Priya8975/fleet-gateway/internal/domain"
	"github.com/Priya8975/fleet-gateway/internal/socket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInferContentKind(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    domain.MessageKind
	}{
		{"plain text", `{"conversation":"hi"}`, domain.KindText},
		{"extended text", `{"extendedTextMessage":{"text":"hi"}}`, domain.KindText},
		{"image", `{"imageMessage":{"caption":"x"}}`, domain.KindImage},
		{"document with caption", `{"documentWithCaptionMessage":{}}`, domain.KindDocument},
		{"location", `{"locationMessage":{"degreesLatitude":1}}`, domain.KindLocation},
		{"reaction", `{"reactionMessage":{"text":"👍"}}`, domain.KindReaction},
		{"text beats context info", `{"messageContextInfo":{},"conversation":"hi"}`, domain.KindText},
		{"unknown", `{"protocolMessage":{}}`, domain.KindUnknown},
		{"empty", `{}`, domain.KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var content map[string]json.RawMessage
			require.NoError(t, json.Unmarshal([]byte(tt.content), &content))
			assert.Equal(t, tt.want, InferContentKind(content))
		})
	}
}

func TestChatAddress_PrefersResolvedPhone(t *testing.T) {
	msg := socket.InboundMessage{
		ChatAddress:     "1987654321@lid",
		ResolvedAddress: "15551234567@s.whatsapp.net",
	}
	assert.Equal(t, "15551234567@s.whatsapp.net", ChatAddress(msg))

	msg.ResolvedAddress = ""
	assert.Equal(t, "1987654321@lid", ChatAddress(msg))
	assert.True(t, IsOpaque(ChatAddress(msg)))
}

func TestChatAddress_Normalizes(t *testing.T) {
	assert.Equal(t, "15551234567@s.whatsapp.net", ChatAddress(socket.InboundMessage{ChatAddress: "15551234567:12@s.whatsapp.net"}))
	assert.Equal(t, "15551234567@s.whatsapp.net", ChatAddress(socket.InboundMessage{ChatAddress: "+15551234567"}))
	assert.Equal(t, "120363@g.us", ChatAddress(socket.InboundMessage{ChatAddress: "120363@g.us"}))
}

func TestProject(t *testing.T) {
	received := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	msg := socket.InboundMessage{
		ID:          "ABC",
		ChatAddress: "15551234567@s.whatsapp.net",
		Content:     map[string]json.RawMessage{"imageMessage": json.RawMessage(`{}`)},
	}

	row, ok, err := Project("t1", "d1", msg, received)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "ABC", row.ExternalMessageID)
	assert.Equal(t, domain.KindImage, row.ContentKind)
	assert.Equal(t, received, row.ReceivedAt)
	assert.Equal(t, "d1", row.DeviceID)

	msg.FromMe = true
	_, ok, err = Project("t1", "d1", msg, received)
	require.NoError(t, err)
	assert.False(t, ok, "self-sent messages are not inbox rows")

	_, _, err = Project("t1", "d1", socket.InboundMessage{ID: "X"}, received)
	assert.Error(t, err)
}

func TestNotification(t *testing.T) {
	row := domain.InboxMessage{TenantID: "t1", DeviceID: "d1", ExternalMessageID: "ABC"}
	n, err := Notification(row)
	require.NoError(t, err)
	assert.Equal(t, domain.EventMessageReceived, n.Kind)
	assert.Equal(t, "t1", n.TenantID)
	assert.NotEmpty(t, n.ID)
	assert.Contains(t, string(n.Data), `"external_message_id":"ABC"`)
}
