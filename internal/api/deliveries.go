package api

import (
	"net/http"

	"github.com/Priya8975/fleet-gateway/internal/store"
)

// DeliveryHandler exposes the delivery attempt log.
type DeliveryHandler struct {
	store Store
}

func NewDeliveryHandler(s Store) *DeliveryHandler {
	return &DeliveryHandler{store: s}
}

// List returns delivery attempts for the tenant's subscriptions, newest
// first.
func (h *DeliveryHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	attempts, err := h.store.ListDeliveryAttempts(r.Context(), store.DeliveryAttemptFilter{
		TenantID:       tenantFrom(r.Context()),
		NotificationID: q.Get("notification_id"),
		SubscriptionID: q.Get("subscription_id"),
		Status:         q.Get("status"),
		Limit:          queryLimit(r, 50, 500),
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list delivery attempts")
		return
	}

	respondJSON(w, http.StatusOK, attempts)
}
