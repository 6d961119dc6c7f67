package fleet

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Priya8975/fleet-gateway/internal/domain"
	"github.com/Priya8975/fleet-gateway/internal/inbox"
	"github.com/Priya8975/fleet-gateway/internal/socket"
	"github.com/google/uuid"
)

// eventLoop consumes one socket's events in order. Events from a socket that
// has since been replaced, or from a stopped session, are drained and dropped.
func (c *Coordinator) eventLoop(s *session, sock socket.Socket) {
	closed := false
	for ev := range sock.Events() {
		if s.stopped() || s.current() != sock {
			continue
		}
		if cl, ok := ev.(socket.Closed); ok {
			closed = true
			c.handleClosed(s, cl)
			continue
		}
		c.handleEvent(s, ev)
	}
	if !closed && !s.stopped() && s.current() == sock {
		c.handleClosed(s, socket.Closed{Code: socket.DisconnectTransient, Reason: "event stream ended"})
	}
}

func (c *Coordinator) handleEvent(s *session, ev socket.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.PersistTimeout)
	defer cancel()

	switch ev := ev.(type) {
	case socket.Opened:
		c.handleOpened(s, ev)

	case socket.QRCode:
		s.mu.Lock()
		prev := s.status
		s.status = domain.DevicePairing
		s.qr = ev.Data
		s.notifyLocked()
		s.mu.Unlock()
		if prev != domain.DevicePairing {
			c.transition(s, domain.DevicePairing, "waiting for pairing", domain.DeviceStatusUpdate{
				Status: domain.DevicePairing,
			})
		}

	case socket.CredentialsUpdated:
		if err := c.devices.SaveCredentials(ctx, s.deviceID, ev.Credentials); err != nil {
			c.logger.Error("saving credentials", "device_id", s.deviceID, "error", err)
		}

	case socket.MessagesReceived:
		c.handleMessages(ctx, s, ev)

	case socket.MessageStatusUpdated:
		c.record(ctx, s, domain.EventMessageStatus, ev.Updates)
		c.notify(s, domain.EventMessageStatus, ev.Updates)

	case socket.ChatSnapshot:
		s.mu.Lock()
		s.chats = make(map[string]socket.Chat, len(ev.Chats))
		for _, chat := range ev.Chats {
			s.chats[chat.Address] = chat
		}
		s.mu.Unlock()

	case socket.ChatsUpserted:
		s.mu.Lock()
		for _, chat := range ev.Chats {
			s.chats[chat.Address] = chat
		}
		s.mu.Unlock()
		c.record(ctx, s, domain.EventChatsUpserted, ev.Chats)
		c.notify(s, domain.EventChatsUpserted, ev.Chats)

	case socket.ContactsUpdated:
		c.record(ctx, s, domain.EventContactsUpdated, ev.Contacts)
		c.notify(s, domain.EventContactsUpdated, ev.Contacts)

	case socket.GroupsUpdated:
		c.record(ctx, s, domain.EventGroupsUpdated, ev.Groups)
		c.notify(s, domain.EventGroupsUpdated, ev.Groups)

	default:
		c.logger.Debug("ignoring socket event", "device_id", s.deviceID, "type", ev)
	}
}

func (c *Coordinator) handleOpened(s *session, ev socket.Opened) {
	s.mu.Lock()
	s.status = domain.DeviceConnected
	s.qr = ""
	s.attempts = 0
	s.lastError = ""
	if ev.UserID != "" {
		s.userID = ev.UserID
	}
	if ev.Phone != "" {
		s.phone = ev.Phone
	}
	userID, phone := s.userID, s.phone
	s.notifyLocked()
	s.mu.Unlock()

	now := time.Now()
	zero := 0
	upd := domain.DeviceStatusUpdate{
		Status:            domain.DeviceConnected,
		ClearError:        true,
		ReconnectAttempts: &zero,
		ConnectedAt:       &now,
	}
	if userID != "" {
		upd.RemoteUserID = &userID
	}
	if phone != "" {
		upd.PhoneNumber = &phone
	}
	c.transition(s, domain.DeviceConnected, "connection open", upd)
	c.logger.Info("device connected", "device_id", s.deviceID, "remote_user_id", userID)
}

func (c *Coordinator) handleClosed(s *session, ev socket.Closed) {
	switch ev.Code {
	case socket.DisconnectLoggedOut:
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.PersistTimeout)
		if err := c.devices.ClearCredentials(ctx, s.deviceID); err != nil {
			c.logger.Error("clearing credentials after logout", "device_id", s.deviceID, "error", err)
		}
		cancel()
		c.terminate(s, domain.DeviceDisconnected, "logged out: "+ev.Reason)
	case socket.DisconnectSessionInvalid:
		c.terminate(s, domain.DeviceNeedsPairing, "session invalid: "+ev.Reason)
	default:
		c.scheduleRestart(s, ev.Reason)
	}
}

// handleMessages records every inbound message in the event log. Live
// messages are also projected into the inbox and announced; history sync
// batches are only logged. A failed projection is repaired by the
// reconciliation sweep.
func (c *Coordinator) handleMessages(ctx context.Context, s *session, ev socket.MessagesReceived) {
	kind := domain.EventMessageReceived
	if !ev.Live {
		kind = domain.EventMessageHistory
	}

	for _, msg := range ev.Messages {
		receivedAt := time.Now().UTC()
		c.record(ctx, s, kind, msg)
		if !ev.Live {
			continue
		}

		m, ok, err := inbox.Project(s.tenantID, s.deviceID, msg, receivedAt)
		if err != nil {
			c.logger.Warn("projecting inbound message", "device_id", s.deviceID, "message_id", msg.ID, "error", err)
			continue
		}
		if !ok {
			continue
		}

		inserted, err := c.events.InsertInboxMessage(ctx, m)
		if err != nil {
			c.logger.Error("inserting inbox message", "device_id", s.deviceID, "message_id", msg.ID, "error", err)
			continue
		}
		if !inserted || c.notifier == nil {
			continue
		}

		n, err := inbox.Notification(m)
		if err != nil {
			c.logger.Error("building message notification", "device_id", s.deviceID, "error", err)
			continue
		}
		c.queue(n)
	}
}

func (c *Coordinator) record(ctx context.Context, s *session, kind domain.EventKind, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		c.logger.Error("encoding inbound event", "device_id", s.deviceID, "kind", kind, "error", err)
		return
	}
	_, err = c.events.AppendEvent(ctx, domain.InboundEvent{
		ID:         uuid.New().String(),
		TenantID:   s.tenantID,
		DeviceID:   s.deviceID,
		Kind:       kind,
		Payload:    raw,
		ReceivedAt: time.Now().UTC(),
	})
	if err != nil {
		c.logger.Error("appending inbound event", "device_id", s.deviceID, "kind", kind, "error", err)
	}
}
