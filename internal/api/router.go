// Package api is the HTTP surface: device lifecycle, outbound sends, webhook
// delivery history and the dashboard feed.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/Priya8975/fleet-gateway/internal/domain"
	"github.com/Priya8975/fleet-gateway/internal/engine"
	"github.com/Priya8975/fleet-gateway/internal/fleet"
	"github.com/Priya8975/fleet-gateway/internal/socket"
	"github.com/Priya8975/fleet-gateway/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Fleet is the slice of the coordinator the handlers drive.
type Fleet interface {
	InstanceID() string
	LiveDevices() []string
	Start(ctx context.Context, deviceID, tenantID string) (*fleet.ConnectionInfo, error)
	Stop(ctx context.Context, deviceID, tenantID string) error
	Logout(ctx context.Context, deviceID, tenantID string) error
	RequestQR(ctx context.Context, deviceID, tenantID string) (string, error)
	RequestPairingCode(ctx context.Context, deviceID, tenantID, phone string) (string, error)
	ConnectionInfo(ctx context.Context, deviceID, tenantID string) (*fleet.ConnectionInfo, error)
	ChatsSnapshot(ctx context.Context, deviceID, tenantID string) ([]socket.Chat, error)
}

// Outbox is the send queue as seen by the HTTP layer.
type Outbox interface {
	Enqueue(ctx context.Context, req domain.SendRequest) (*domain.SendReceipt, error)
	Status(ctx context.Context, id, tenantID string) (*domain.OutboxMessage, error)
}

// Store is the read side the handlers query directly.
type Store interface {
	GetDevice(ctx context.Context, id string) (*domain.Device, error)
	ListDevices(ctx context.Context, tenantID string) ([]domain.Device, error)
	ListInboxMessages(ctx context.Context, deviceID string, limit int) ([]domain.InboxMessage, error)
	ListEnabledSubscriptions(ctx context.Context, tenantID string) ([]domain.WebhookSubscription, error)
	ListDeadLetters(ctx context.Context, f store.DeadLetterFilter) ([]domain.DeadLetter, error)
	GetDeadLetter(ctx context.Context, id string) (*domain.DeadLetter, error)
	ResolveDeadLetter(ctx context.Context, id string, resolvedBy string) error
	ListDeliveryAttempts(ctx context.Context, f store.DeliveryAttemptFilter) ([]domain.DeliveryAttempt, error)
	GetFleetMetrics(ctx context.Context) (*store.FleetMetrics, error)
}

type QueueDepther interface {
	QueueDepth(ctx context.Context) (int64, error)
}

type Hub interface {
	HandleWebSocket(w http.ResponseWriter, r *http.Request)
	ClientCount() int
}

// Deps collects what NewRouter wires into the handlers.
type Deps struct {
	Fleet   Fleet
	Outbox  Outbox
	Store   Store
	Queue   QueueDepther
	Breaker *engine.CircuitBreaker
	Hub     Hub
	Logger  *slog.Logger
}

// NewRouter creates and configures the HTTP router.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(d.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))
	r.Use(corsMiddleware)

	devices := NewDeviceHandler(d.Fleet, d.Store, d.Logger)
	messages := NewMessageHandler(d.Outbox, d.Logger)
	deliveries := NewDeliveryHandler(d.Store)
	dlq := NewDeadLetterHandler(d.Store)
	dash := NewDashboardHandler(d.Store, d.Queue, d.Breaker, d.Hub, d.Fleet)

	if d.Hub != nil {
		r.Get("/ws", d.Hub.HandleWebSocket)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", HealthHandler(d.Fleet))

		r.Group(func(r chi.Router) {
			r.Use(requireTenant)

			r.Route("/devices", func(r chi.Router) {
				r.Get("/", devices.List)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", devices.Info)
					r.Post("/start", devices.Start)
					r.Post("/stop", devices.Stop)
					r.Post("/logout", devices.Logout)
					r.Get("/qr", devices.QR)
					r.Post("/pairing-code", devices.PairingCode)
					r.Get("/chats", devices.Chats)
					r.Get("/inbox", devices.Inbox)
				})
			})

			r.Route("/messages", func(r chi.Router) {
				r.Post("/", messages.Enqueue)
				r.Get("/{id}", messages.Status)
			})

			r.Get("/deliveries", deliveries.List)

			r.Route("/dead-letters", func(r chi.Router) {
				r.Get("/", dlq.List)
				r.Get("/{id}", dlq.Get)
				r.Post("/{id}/resolve", dlq.Resolve)
			})

			r.Get("/subscriptions/health", dash.SubscriptionHealth)
		})

		r.Get("/metrics", dash.Metrics)
	})

	return r
}

// corsMiddleware adds CORS headers for the dashboard.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+TenantHeader+", "+IdempotencyHeader)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requestLogger logs one line per request through slog.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
