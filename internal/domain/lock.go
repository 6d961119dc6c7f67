package domain

import "time"

type ResourceLock struct {
	DeviceID   string    `json:"device_id"`
	HolderID   string    `json:"holder_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the lock may be taken over at now.
func (l ResourceLock) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}
