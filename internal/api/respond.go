package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/Priya8975/fleet-gateway/internal/fleet"
	"github.com/Priya8975/fleet-gateway/internal/outbox"
)

type errorResponse struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, errorResponse{Error: msg})
}

// statusFor maps coordination and outbox errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, fleet.ErrDeviceNotFound), errors.Is(err, outbox.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, fleet.ErrNotOwned):
		return http.StatusForbidden
	case errors.Is(err, fleet.ErrAlreadyStarting),
		errors.Is(err, fleet.ErrBusyElsewhere),
		errors.Is(err, fleet.ErrNotRunning),
		errors.Is(err, fleet.ErrNotConnected),
		errors.Is(err, fleet.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, fleet.ErrPairingTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, outbox.ErrInvalidRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// respondErr writes err with its mapped status. Internal errors are logged
// by the caller and reported with a generic message.
func respondErr(w http.ResponseWriter, err error, fallback string) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		respondError(w, status, fallback)
		return
	}
	respondError(w, status, err.Error())
}

func queryLimit(r *http.Request, def, max int) int {
	limit := def
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > max {
		limit = max
	}
	return limit
}
