package api

import (
	"net/http"
)

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	InstanceID  string `json:"instance_id"`
	LiveDevices int    `json:"live_devices"`
}

// HealthHandler returns the health check handler.
func HealthHandler(f Fleet) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, HealthResponse{
			Status:      "healthy",
			Version:     "1.0.0",
			InstanceID:  f.InstanceID(),
			LiveDevices: len(f.LiveDevices()),
		})
	}
}
