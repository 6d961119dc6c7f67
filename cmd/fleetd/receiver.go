package main

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/Priya8975/fleet-gateway/internal/worker"
	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
)

// receiver is a test webhook endpoint. It checks signatures when a secret
// is configured and offers success, slow and failing routes.
type receiver struct {
	secret    string
	slowDelay time.Duration
	logger    *slog.Logger

	requests atomic.Int64
	rejected atomic.Int64
}

func newReceiverCommand() *cobra.Command {
	var port, secret string

	cmd := &cobra.Command{
		Use:   "receiver",
		Short: "Run a webhook receiver for local testing",
		Long: `Run a webhook receiver for local testing.

  POST /webhook/success  -> 200 OK
  POST /webhook/slow     -> 200 OK (3s delay)
  POST /webhook/fail     -> 503 Service Unavailable
  POST /webhook/reject   -> 400 Bad Request
  GET  /stats            -> request counts`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
			rcv := &receiver{secret: secret, slowDelay: 3 * time.Second, logger: logger}

			server := &http.Server{Addr: ":" + port, Handler: rcv.routes()}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				server.Close()
			}()

			logger.Info("webhook receiver starting", "port", port, "verify_signatures", secret != "")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&port, "port", "9090", "listen port")
	cmd.Flags().StringVar(&secret, "secret", "", "subscription secret; signatures are checked when set")
	return cmd
}

func (rc *receiver) routes() http.Handler {
	r := chi.NewRouter()
	r.Post("/webhook/success", rc.handle(http.StatusOK, 0))
	r.Post("/webhook/slow", rc.handle(http.StatusOK, rc.slowDelay))
	r.Post("/webhook/fail", rc.handle(http.StatusServiceUnavailable, 0))
	r.Post("/webhook/reject", rc.handle(http.StatusBadRequest, 0))
	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int64{
			"total_requests": rc.requests.Load(),
			"bad_signatures": rc.rejected.Load(),
		})
	})
	return r
}

func (rc *receiver) handle(status int, delay time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		count := rc.requests.Add(1)

		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(w, "reading body", http.StatusBadRequest)
			return
		}
		if rc.secret != "" && !worker.VerifySignature(body, rc.secret, r.Header.Get(worker.SignatureHeader)) {
			rc.rejected.Add(1)
			rc.logger.Warn("bad webhook signature", "request", count, "id", r.Header.Get(worker.IDHeader))
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}

		rc.logger.Info("webhook received",
			"request", count,
			"path", r.URL.Path,
			"status", status,
			"event", r.Header.Get(worker.EventHeader),
			"id", r.Header.Get(worker.IDHeader),
			"attempt", r.Header.Get(worker.AttemptHeader),
		)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]string{"status": http.StatusText(status)})
	}
}
