package worker

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Priya8975/fleet-gateway/internal/domain"
	"github.com/Priya8975/fleet-gateway/internal/engine"
	"github.com/Priya8975/fleet-gateway/internal/store"
	ws "github.com/Priya8975/fleet-gateway/internal/websocket"
)

const (
	SignatureHeader = "X-Webhook-Signature"
	EventHeader     = "X-Webhook-Event"
	IDHeader        = "X-Webhook-ID"
	AttemptHeader   = "X-Webhook-Attempt"

	maxResponseBody   = 1024
	rateLimitDeferral = time.Second
	circuitDeferral   = 5 * time.Second
)

// RetrySchedule is the delay before attempt n+1, indexed by n-1. Attempts
// past the end reuse the last entry.
var RetrySchedule = []time.Duration{time.Second, 5 * time.Second, 15 * time.Second}

func retryDelay(attempt int) time.Duration {
	i := attempt - 1
	if i < 0 {
		i = 0
	}
	if i >= len(RetrySchedule) {
		i = len(RetrySchedule) - 1
	}
	return RetrySchedule[i]
}

// Recorder persists delivery outcomes.
type Recorder interface {
	RecordDeliveryAttempt(ctx context.Context, rec store.DeliveryAttemptRecord) error
	InsertDeadLetter(ctx context.Context, rec store.DeadLetterRecord) error
}

// Scheduler puts a job back on the due-time queue.
type Scheduler interface {
	Schedule(ctx context.Context, job engine.DeliveryJob, at time.Time) error
	Now() time.Time
}

type Broadcaster interface {
	BroadcastDelivery(event ws.DeliveryEvent)
}

// Deliverer POSTs signed notification bodies to subscriber endpoints and
// decides what happens to a job after each attempt.
type Deliverer struct {
	httpClient     *http.Client
	recorder       Recorder
	scheduler      Scheduler
	circuitBreaker *engine.CircuitBreaker
	rateLimiter    *engine.RateLimiter
	hub            Broadcaster
	logger         *slog.Logger
}

func NewDeliverer(recorder Recorder, scheduler Scheduler, cb *engine.CircuitBreaker, rl *engine.RateLimiter, hub Broadcaster, logger *slog.Logger) *Deliverer {
	return &Deliverer{
		// Per-attempt timeouts come from the job.
		httpClient:     &http.Client{},
		recorder:       recorder,
		scheduler:      scheduler,
		circuitBreaker: cb,
		rateLimiter:    rl,
		hub:            hub,
		logger:         logger,
	}
}

type outcome struct {
	statusCode *int
	body       string
	err        error
	elapsed    time.Duration
}

func (o outcome) success() bool {
	return o.err == nil && *o.statusCode >= 200 && *o.statusCode < 300
}

func (o outcome) retryable() bool {
	if o.err != nil {
		return true
	}
	return *o.statusCode >= 500 || *o.statusCode == http.StatusTooManyRequests
}

func (o outcome) describe() string {
	if o.err != nil {
		return "last error: " + o.err.Error()
	}
	return fmt.Sprintf("last status %d", *o.statusCode)
}

// Deliver makes one attempt for job. Retryable failures are rescheduled until
// the job's attempts run out, then dead-lettered.
func (d *Deliverer) Deliver(ctx context.Context, job engine.DeliveryJob) {
	if d.circuitBreaker != nil {
		if _, allowed := d.circuitBreaker.Allow(ctx, job.SubscriptionID); !allowed {
			d.logger.Debug("circuit open, deferring delivery",
				"notification_id", job.NotificationID,
				"subscription_id", job.SubscriptionID,
			)
			d.deferJob(ctx, job, circuitDeferral)
			return
		}
	}
	if d.rateLimiter != nil && !d.rateLimiter.Allow(ctx, job.SubscriptionID, job.RateLimitPerSecond) {
		d.deferJob(ctx, job, rateLimitDeferral)
		return
	}

	res := d.post(ctx, job)

	switch {
	case res.success():
		d.onSuccess(ctx, job, res)
	case res.retryable():
		d.onRetryable(ctx, job, res)
	default:
		d.onRejected(ctx, job, res)
	}
}

func (d *Deliverer) post(ctx context.Context, job engine.DeliveryJob) outcome {
	ctx, cancel := context.WithTimeout(ctx, job.Timeout())
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.URL, bytes.NewReader(job.Payload))
	if err != nil {
		return outcome{err: fmt.Errorf("creating request: %w", err), elapsed: time.Since(start)}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, computeHMAC(job.Payload, job.Secret))
	req.Header.Set(EventHeader, string(job.EventKind))
	req.Header.Set(IDHeader, job.NotificationID)
	req.Header.Set(AttemptHeader, strconv.Itoa(job.Attempt))

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return outcome{err: fmt.Errorf("request failed: %w", err), elapsed: time.Since(start)}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	code := resp.StatusCode
	return outcome{statusCode: &code, body: string(body), elapsed: time.Since(start)}
}

func (d *Deliverer) onSuccess(ctx context.Context, job engine.DeliveryJob, res outcome) {
	if d.circuitBreaker != nil {
		d.circuitBreaker.RecordSuccess(ctx, job.SubscriptionID)
	}
	d.record(ctx, job, domain.AttemptSuccess, res, nil)
	d.broadcast(job, "delivery_success", res)
	d.logger.Info("delivery successful",
		"notification_id", job.NotificationID,
		"subscription_id", job.SubscriptionID,
		"attempt", job.Attempt,
		"status_code", *res.statusCode,
		"response_time_ms", res.elapsed.Milliseconds(),
	)
}

func (d *Deliverer) onRetryable(ctx context.Context, job engine.DeliveryJob, res outcome) {
	if d.circuitBreaker != nil {
		d.circuitBreaker.RecordFailure(ctx, job.SubscriptionID)
	}

	if job.Attempt < job.MaxAttempts {
		next := d.scheduler.Now().Add(retryDelay(job.Attempt))
		d.record(ctx, job, domain.AttemptRetrying, res, &next)

		retry := job
		retry.Attempt++
		if err := d.scheduler.Schedule(ctx, retry, next); err != nil {
			d.logger.Error("rescheduling delivery",
				"notification_id", job.NotificationID,
				"subscription_id", job.SubscriptionID,
				"error", err,
			)
		}
		d.broadcast(job, "delivery_retrying", res)
		d.logger.Warn("delivery failed, will retry",
			"notification_id", job.NotificationID,
			"subscription_id", job.SubscriptionID,
			"attempt", job.Attempt,
			"next_retry_at", next,
			"reason", res.describe(),
		)
		return
	}

	d.record(ctx, job, domain.AttemptFailed, res, nil)
	reason := "retries exhausted: " + res.describe()
	err := d.recorder.InsertDeadLetter(ctx, store.DeadLetterRecord{
		NotificationID: job.NotificationID,
		SubscriptionID: job.SubscriptionID,
		TenantID:       job.TenantID,
		EventKind:      job.EventKind,
		Payload:        job.Payload,
		TotalAttempts:  job.Attempt,
		LastHTTPStatus: res.statusCode,
		Reason:         reason,
	})
	if err != nil {
		d.logger.Error("inserting dead letter",
			"notification_id", job.NotificationID,
			"subscription_id", job.SubscriptionID,
			"error", err,
		)
	}
	d.broadcast(job, "delivery_dlq", res)
	d.logger.Error("delivery dead-lettered",
		"notification_id", job.NotificationID,
		"subscription_id", job.SubscriptionID,
		"attempts", job.Attempt,
		"reason", reason,
	)
}

// onRejected handles non-retryable responses. They leave the circuit alone
// and are not dead-lettered.
func (d *Deliverer) onRejected(ctx context.Context, job engine.DeliveryJob, res outcome) {
	d.record(ctx, job, domain.AttemptRejected, res, nil)
	d.broadcast(job, "delivery_rejected", res)
	d.logger.Warn("delivery rejected by receiver",
		"notification_id", job.NotificationID,
		"subscription_id", job.SubscriptionID,
		"attempt", job.Attempt,
		"status_code", *res.statusCode,
	)
}

// deferJob puts the job back without spending an attempt.
func (d *Deliverer) deferJob(ctx context.Context, job engine.DeliveryJob, delay time.Duration) {
	if err := d.scheduler.Schedule(ctx, job, d.scheduler.Now().Add(delay)); err != nil {
		d.logger.Error("deferring delivery",
			"notification_id", job.NotificationID,
			"subscription_id", job.SubscriptionID,
			"error", err,
		)
	}
}

func (d *Deliverer) record(ctx context.Context, job engine.DeliveryJob, status string, res outcome, next *time.Time) {
	rec := store.DeliveryAttemptRecord{
		NotificationID: job.NotificationID,
		SubscriptionID: job.SubscriptionID,
		AttemptNumber:  job.Attempt,
		Status:         status,
		HTTPStatusCode: res.statusCode,
		ResponseBody:   res.body,
		ResponseTimeMs: int(res.elapsed.Milliseconds()),
		NextRetryAt:    next,
	}
	if res.err != nil {
		rec.ErrorMessage = res.err.Error()
	}
	if err := d.recorder.RecordDeliveryAttempt(ctx, rec); err != nil {
		d.logger.Error("failed to record delivery attempt",
			"notification_id", job.NotificationID,
			"subscription_id", job.SubscriptionID,
			"error", err,
		)
	}
}

func (d *Deliverer) broadcast(job engine.DeliveryJob, kind string, res outcome) {
	if d.hub == nil {
		return
	}
	ev := ws.DeliveryEvent{
		Type:           kind,
		NotificationID: job.NotificationID,
		SubscriptionID: job.SubscriptionID,
		URL:            job.URL,
		EventKind:      string(job.EventKind),
		Attempt:        job.Attempt,
		StatusCode:     res.statusCode,
		ResponseMs:     res.elapsed.Milliseconds(),
		Timestamp:      time.Now().UTC(),
	}
	if res.err != nil {
		ev.Error = res.err.Error()
	}
	d.hub.BroadcastDelivery(ev)
}

// computeHMAC signs payload with HMAC-SHA256 and returns it hex encoded.
func computeHMAC(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature is the hex HMAC-SHA256 of body
// under secret. Receivers use it to authenticate deliveries.
func VerifySignature(body []byte, secret, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}
