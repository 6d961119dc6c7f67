package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/Priya8975/fleet-gateway/internal/domain"
	"github.com/go-chi/chi/v5"
)

// IdempotencyHeader deduplicates send requests per device.
const IdempotencyHeader = "Idempotency-Key"

// MessageHandler accepts outbound sends and reports their status.
type MessageHandler struct {
	outbox Outbox
	logger *slog.Logger
}

func NewMessageHandler(o Outbox, logger *slog.Logger) *MessageHandler {
	return &MessageHandler{outbox: o, logger: logger}
}

type enqueueRequest struct {
	DeviceID    string             `json:"device_id"`
	Destination string             `json:"destination"`
	Kind        domain.MessageKind `json:"kind"`
	Payload     json.RawMessage    `json:"payload"`
}

func (h *MessageHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	receipt, err := h.outbox.Enqueue(r.Context(), domain.SendRequest{
		TenantID:       tenantFrom(r.Context()),
		DeviceID:       req.DeviceID,
		Destination:    req.Destination,
		Kind:           req.Kind,
		Payload:        req.Payload,
		IdempotencyKey: r.Header.Get(IdempotencyHeader),
	})
	if err != nil {
		if statusFor(err) == http.StatusInternalServerError {
			h.logger.Error("enqueueing message", "device_id", req.DeviceID, "error", err)
		}
		respondErr(w, err, "failed to enqueue message")
		return
	}

	status := http.StatusAccepted
	if receipt.Duplicate {
		status = http.StatusOK
	}
	respondJSON(w, status, receipt)
}

func (h *MessageHandler) Status(w http.ResponseWriter, r *http.Request) {
	m, err := h.outbox.Status(r.Context(), chi.URLParam(r, "id"), tenantFrom(r.Context()))
	if err != nil {
		if statusFor(err) == http.StatusInternalServerError {
			h.logger.Error("loading message status", "message_id", chi.URLParam(r, "id"), "error", err)
		}
		respondErr(w, err, "failed to get message")
		return
	}
	respondJSON(w, http.StatusOK, m)
}
