package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/Priya8975/fleet-gateway/internal/api"
	"github.com/Priya8975/fleet-gateway/internal/config"
	"github.com/Priya8975/fleet-gateway/internal/engine"
	"github.com/Priya8975/fleet-gateway/internal/fleet"
	"github.com/Priya8975/fleet-gateway/internal/lock"
	"github.com/Priya8975/fleet-gateway/internal/logging"
	"github.com/Priya8975/fleet-gateway/internal/outbox"
	"github.com/Priya8975/fleet-gateway/internal/reconcile"
	"github.com/Priya8975/fleet-gateway/internal/reconnect"
	"github.com/Priya8975/fleet-gateway/internal/socket"
	"github.com/Priya8975/fleet-gateway/internal/store"
	"github.com/Priya8975/fleet-gateway/internal/store/memory"
	"github.com/Priya8975/fleet-gateway/internal/sweep"
	ws "github.com/Priya8975/fleet-gateway/internal/websocket"
	"github.com/Priya8975/fleet-gateway/internal/worker"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

// backingStore is everything the service persists, served by either the
// Postgres store or the in-memory one.
type backingStore interface {
	fleet.DeviceStore
	fleet.EventStore
	lock.Backend
	outbox.Store
	reconnect.DeviceLister
	reconcile.Store
	engine.SubscriptionLister
	worker.Recorder
	api.Store
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the device coordinator and the background sweeps",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			logger, closer := logging.New(cfg.LogLevel, cfg.LogFile)
			defer closer.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := serve(ctx, cfg, logger); err != nil {
				logger.Error("server exited", "error", err)
				return err
			}
			return nil
		},
	}
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (backingStore, func(), error) {
	if cfg.StoreDriver == config.StoreMemory {
		logger.Warn("using in-memory store; state is lost on exit and not shared between instances")
		return memory.New(), func() {}, nil
	}

	pg, err := store.NewPostgres(ctx, cfg.DatabaseURL, 0)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("connected to PostgreSQL")

	if err := pg.RunMigrations(ctx); err != nil {
		pg.Close()
		return nil, nil, err
	}
	logger.Info("database migrations applied")
	return pg, pg.Close, nil
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger = logger.With("instance_id", cfg.InstanceID)

	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	rs, err := store.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		return err
	}
	defer rs.Close()
	logger.Info("connected to Redis")

	var lockBackend lock.Backend = st
	if cfg.LockBackend == config.LockRedis {
		lockBackend = lock.NewRedisBackend(rs.Client())
	}
	locks := lock.New(lockBackend, cfg.InstanceID, logger, lock.WithTTL(cfg.LockTTL))

	hub := ws.NewHub(logger)

	queue := engine.NewQueue(rs.Client())
	fanout := engine.NewFanOutEngine(st, queue, logger)
	cb := engine.NewCircuitBreaker(rs.Client(), logger)
	rl := engine.NewRateLimiter(rs.Client(), logger)
	deliverer := worker.NewDeliverer(st, queue, cb, rl, hub, logger)
	pool := worker.NewPool(cfg.NumWorkers, deliverer, logger)
	dispatcher := worker.NewDispatcher(queue, pool, logger)

	fopts := fleet.DefaultOptions()
	fopts.MaxReconnectAttempts = cfg.MaxReconnectAttempts
	fopts.LockRefreshInterval = cfg.LockRefreshInterval
	fopts.ReconnectBaseDelay = cfg.ReconnectBaseDelay
	fopts.ReconnectMaxDelay = cfg.ReconnectMaxDelay
	fopts.PairingTimeout = cfg.PairingTimeout

	// No protocol adapter ships with this module; plug one in here. Until
	// then every start fails with socket.ErrNoAdapter.
	coord := fleet.NewCoordinator(fleet.Deps{
		Devices:  st,
		Events:   st,
		Locks:    locks,
		Factory:  socket.NoAdapter{},
		Notifier: fanout,
		Listener: hub,
	}, fopts, logger)

	oopts := outbox.DefaultOptions()
	oopts.MaxRetries = cfg.OutboxMaxRetries
	oopts.InlineDispatch = cfg.InlineDispatch
	sends := outbox.New(st, st, coord, oopts, logger)

	supervisor := reconnect.NewSupervisor(st, coord, fanout, logger)
	reconciler := reconcile.NewSweeper(st, fanout, cfg.ReconcileLookback, logger)

	sweeps := []*sweep.Runner{
		sweep.New("reconnect", cfg.SupervisorInterval, supervisor.Pass, logger),
		sweep.New("outbox", cfg.OutboxInterval, sends.Drain, logger),
		sweep.New("reconcile", cfg.ReconcileInterval, reconciler.Run, logger),
	}

	router := api.NewRouter(api.Deps{
		Fleet:   coord,
		Outbox:  sends,
		Store:   st,
		Queue:   fanout,
		Breaker: cb,
		Hub:     hub,
		Logger:  logger,
	})

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
		// Pairing requests may wait for a QR code.
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.PairingTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	pool.Start(gctx)

	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return dispatcher.Start(gctx) })
	for _, r := range sweeps {
		r := r
		g.Go(func() error { return r.Run(gctx) })
	}

	g.Go(func() error {
		logger.Info("server starting", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server forced to shutdown", "error", err)
		}
		coord.Shutdown(shutdownCtx)
		return nil
	})

	err = g.Wait()

	pool.Stop()
	sends.Wait()
	logger.Info("server stopped")
	return err
}
