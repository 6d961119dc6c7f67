package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/Priya8975/fleet-gateway/internal/domain"
	"github.com/Priya8975/fleet-gateway/internal/store"
	"github.com/go-chi/chi/v5"
)

// DeadLetterHandler lists and resolves notifications that exhausted
// their delivery attempts.
type DeadLetterHandler struct {
	store Store
}

func NewDeadLetterHandler(s Store) *DeadLetterHandler {
	return &DeadLetterHandler{store: s}
}

func (h *DeadLetterHandler) List(w http.ResponseWriter, r *http.Request) {
	letters, err := h.store.ListDeadLetters(r.Context(), store.DeadLetterFilter{
		TenantID:       tenantFrom(r.Context()),
		SubscriptionID: r.URL.Query().Get("subscription_id"),
		Resolved:       r.URL.Query().Get("resolved") == "true",
		Limit:          queryLimit(r, 50, 500),
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list dead letters")
		return
	}

	respondJSON(w, http.StatusOK, letters)
}

// owned loads a dead letter and hides those of other tenants.
func (h *DeadLetterHandler) owned(w http.ResponseWriter, r *http.Request) *domain.DeadLetter {
	letter, err := h.store.GetDeadLetter(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get dead letter")
		return nil
	}
	if letter == nil || letter.TenantID != tenantFrom(r.Context()) {
		respondError(w, http.StatusNotFound, "dead letter not found")
		return nil
	}
	return letter
}

func (h *DeadLetterHandler) Get(w http.ResponseWriter, r *http.Request) {
	if letter := h.owned(w, r); letter != nil {
		respondJSON(w, http.StatusOK, letter)
	}
}

type resolveRequest struct {
	ResolvedBy string `json:"resolved_by"`
}

func (h *DeadLetterHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ResolvedBy == "" {
		req.ResolvedBy = "manual"
	}

	letter := h.owned(w, r)
	if letter == nil {
		return
	}

	if err := h.store.ResolveDeadLetter(r.Context(), letter.ID, req.ResolvedBy); err != nil {
		if errors.Is(err, store.ErrDeadLetterNotFound) {
			respondError(w, http.StatusConflict, "dead letter already resolved")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to resolve dead letter")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}
