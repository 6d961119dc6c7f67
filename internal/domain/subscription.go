package domain

import "time"

const (
	DefaultWebhookMaxRetries = 3
	DefaultWebhookTimeout    = 10 * time.Second
)

type WebhookSubscription struct {
	ID                 string      `json:"id"`
	TenantID           string      `json:"tenant_id"`
	URL                string      `json:"url"`
	Secret             string      `json:"secret,omitempty"`
	Events             []EventKind `json:"events"`
	Enabled            bool        `json:"enabled"`
	MaxRetries         int         `json:"max_retries"`
	TimeoutMs          int         `json:"timeout_ms"`
	RateLimitPerSecond int         `json:"rate_limit_per_second"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
}

// Matches reports whether the subscription wants events of kind k, either
// directly, through the wildcard, or through a legacy alias.
func (s WebhookSubscription) Matches(k EventKind) bool {
	for _, want := range s.Events {
		if want == k || want == WildcardKind {
			return true
		}
		for _, alias := range LegacyAliases[k] {
			if want == alias {
				return true
			}
		}
	}
	return false
}

// Timeout returns the per-attempt timeout, falling back to the default.
func (s WebhookSubscription) Timeout() time.Duration {
	if s.TimeoutMs <= 0 {
		return DefaultWebhookTimeout
	}
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

// Attempts returns the configured retry ceiling, falling back to the default.
func (s WebhookSubscription) Attempts() int {
	if s.MaxRetries <= 0 {
		return DefaultWebhookMaxRetries
	}
	return s.MaxRetries
}
