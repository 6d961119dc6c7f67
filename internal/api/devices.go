package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Priya8975/fleet-gateway/internal/domain"
	"github.com/Priya8975/fleet-gateway/internal/fleet"
	"github.com/go-chi/chi/v5"
)

// DeviceHandler serves the per-device lifecycle, pairing and inbox routes.
// Every route checks that the device belongs to the calling tenant.
type DeviceHandler struct {
	fleet  Fleet
	store  Store
	logger *slog.Logger
}

// NewDeviceHandler returns a DeviceHandler backed by the fleet coordinator.
func NewDeviceHandler(f Fleet, s Store, logger *slog.Logger) *DeviceHandler {
	return &DeviceHandler{fleet: f, store: s, logger: logger}
}

func (h *DeviceHandler) fail(w http.ResponseWriter, r *http.Request, err error, msg string) {
	if statusFor(err) == http.StatusInternalServerError {
		h.logger.Error(msg, "device_id", chi.URLParam(r, "id"), "error", err)
	}
	respondErr(w, err, msg)
}

func (h *DeviceHandler) List(w http.ResponseWriter, r *http.Request) {
	devices, err := h.store.ListDevices(r.Context(), tenantFrom(r.Context()))
	if err != nil {
		h.fail(w, r, err, "failed to list devices")
		return
	}
	respondJSON(w, http.StatusOK, devices)
}

func (h *DeviceHandler) Info(w http.ResponseWriter, r *http.Request) {
	info, err := h.fleet.ConnectionInfo(r.Context(), chi.URLParam(r, "id"), tenantFrom(r.Context()))
	if err != nil {
		h.fail(w, r, err, "failed to get device")
		return
	}
	respondJSON(w, http.StatusOK, info)
}

func (h *DeviceHandler) Start(w http.ResponseWriter, r *http.Request) {
	info, err := h.fleet.Start(r.Context(), chi.URLParam(r, "id"), tenantFrom(r.Context()))
	if err != nil {
		h.fail(w, r, err, "failed to start device")
		return
	}
	respondJSON(w, http.StatusAccepted, info)
}

func (h *DeviceHandler) Stop(w http.ResponseWriter, r *http.Request) {
	if err := h.fleet.Stop(r.Context(), chi.URLParam(r, "id"), tenantFrom(r.Context())); err != nil {
		h.fail(w, r, err, "failed to stop device")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": string(domain.DeviceDisconnected)})
}

func (h *DeviceHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.fleet.Logout(r.Context(), chi.URLParam(r, "id"), tenantFrom(r.Context())); err != nil {
		h.fail(w, r, err, "failed to log out device")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

func (h *DeviceHandler) QR(w http.ResponseWriter, r *http.Request) {
	qr, err := h.fleet.RequestQR(r.Context(), chi.URLParam(r, "id"), tenantFrom(r.Context()))
	if err != nil {
		h.fail(w, r, err, "failed to get QR code")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"qr": qr})
}

type pairingCodeRequest struct {
	PhoneNumber string `json:"phone_number"`
}

func (h *DeviceHandler) PairingCode(w http.ResponseWriter, r *http.Request) {
	var req pairingCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	phone := strings.TrimPrefix(strings.TrimSpace(req.PhoneNumber), "+")
	if phone == "" {
		respondError(w, http.StatusBadRequest, "phone_number is required")
		return
	}

	code, err := h.fleet.RequestPairingCode(r.Context(), chi.URLParam(r, "id"), tenantFrom(r.Context()), phone)
	if err != nil {
		h.fail(w, r, err, "failed to get pairing code")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"code": code})
}

func (h *DeviceHandler) Chats(w http.ResponseWriter, r *http.Request) {
	chats, err := h.fleet.ChatsSnapshot(r.Context(), chi.URLParam(r, "id"), tenantFrom(r.Context()))
	if err != nil {
		h.fail(w, r, err, "failed to list chats")
		return
	}
	respondJSON(w, http.StatusOK, chats)
}

func (h *DeviceHandler) Inbox(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	device, err := h.store.GetDevice(r.Context(), id)
	if err != nil {
		h.fail(w, r, err, "failed to get device")
		return
	}
	if device == nil {
		respondErr(w, fleet.ErrDeviceNotFound, "")
		return
	}
	if device.TenantID != tenantFrom(r.Context()) {
		respondErr(w, fleet.ErrNotOwned, "")
		return
	}

	messages, err := h.store.ListInboxMessages(r.Context(), id, queryLimit(r, 50, 500))
	if err != nil {
		h.fail(w, r, err, "failed to list inbox")
		return
	}
	respondJSON(w, http.StatusOK, messages)
}
