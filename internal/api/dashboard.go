package api

import (
	"net/http"

	"github.com/Priya8975/fleet-gateway/internal/engine"
	"github.com/Priya8975/fleet-gateway/internal/store"
)

// DashboardHandler serves aggregated fleet and delivery metrics.
type DashboardHandler struct {
	store Store
	queue QueueDepther
	cb    *engine.CircuitBreaker
	hub   Hub
	fleet Fleet
}

func NewDashboardHandler(s Store, q QueueDepther, cb *engine.CircuitBreaker, hub Hub, f Fleet) *DashboardHandler {
	return &DashboardHandler{store: s, queue: q, cb: cb, hub: hub, fleet: f}
}

// Metrics returns fleet and delivery statistics for the dashboard.
func (h *DashboardHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := h.store.GetFleetMetrics(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get metrics")
		return
	}

	var queueDepth int64
	if h.queue != nil {
		if n, err := h.queue.QueueDepth(r.Context()); err == nil {
			queueDepth = n
		}
	}
	clients := 0
	if h.hub != nil {
		clients = h.hub.ClientCount()
	}

	type metricsResponse struct {
		store.FleetMetrics
		InstanceID       string `json:"instance_id"`
		LiveDevices      int    `json:"live_devices"`
		QueueDepth       int64  `json:"queue_depth"`
		WebSocketClients int    `json:"websocket_clients"`
	}

	respondJSON(w, http.StatusOK, metricsResponse{
		FleetMetrics:     *metrics,
		InstanceID:       h.fleet.InstanceID(),
		LiveDevices:      len(h.fleet.LiveDevices()),
		QueueDepth:       queueDepth,
		WebSocketClients: clients,
	})
}

// SubscriptionHealth returns the circuit state of each enabled subscription
// of the tenant.
func (h *DashboardHandler) SubscriptionHealth(w http.ResponseWriter, r *http.Request) {
	subs, err := h.store.ListEnabledSubscriptions(r.Context(), tenantFrom(r.Context()))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list subscriptions")
		return
	}

	type subscriptionHealth struct {
		ID             string                     `json:"id"`
		URL            string                     `json:"url"`
		Events         []string                   `json:"events"`
		CircuitBreaker engine.CircuitBreakerState `json:"circuit_breaker"`
	}

	result := make([]subscriptionHealth, 0, len(subs))
	for _, sub := range subs {
		events := make([]string, 0, len(sub.Events))
		for _, e := range sub.Events {
			events = append(events, string(e))
		}
		state := engine.CircuitBreakerState{State: engine.StateClosed}
		if h.cb != nil {
			state = h.cb.State(r.Context(), sub.ID)
		}
		result = append(result, subscriptionHealth{
			ID:             sub.ID,
			URL:            sub.URL,
			Events:         events,
			CircuitBreaker: state,
		})
	}

	respondJSON(w, http.StatusOK, result)
}
