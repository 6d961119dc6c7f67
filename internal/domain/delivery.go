package domain

import (
	"encoding/json"
	"time"
)

// Delivery attempt statuses.
const (
	AttemptSuccess  = "success"
	AttemptRetrying = "retrying"
	AttemptFailed   = "failed"
	AttemptRejected = "rejected"
)

type DeliveryAttempt struct {
	ID             string     `json:"id"`
	NotificationID string     `json:"notification_id"`
	SubscriptionID string     `json:"subscription_id"`
	AttemptNumber  int        `json:"attempt_number"`
	Status         string     `json:"status"`
	HTTPStatusCode *int       `json:"http_status_code,omitempty"`
	ResponseBody   *string    `json:"response_body,omitempty"`
	ResponseTimeMs *int       `json:"response_time_ms,omitempty"`
	ErrorMessage   *string    `json:"error_message,omitempty"`
	NextRetryAt    *time.Time `json:"next_retry_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

type DeadLetter struct {
	ID             string          `json:"id"`
	NotificationID string          `json:"notification_id"`
	SubscriptionID string          `json:"subscription_id"`
	TenantID       string          `json:"tenant_id"`
	EventKind      EventKind       `json:"event_kind"`
	Payload        json.RawMessage `json:"payload"`
	TotalAttempts  int             `json:"total_attempts"`
	LastHTTPStatus *int            `json:"last_http_status,omitempty"`
	Reason         string          `json:"reason"`
	CreatedAt      time.Time       `json:"created_at"`
	ResolvedAt     *time.Time      `json:"resolved_at,omitempty"`
	ResolvedBy     *string         `json:"resolved_by,omitempty"`
}
