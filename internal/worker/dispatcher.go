package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/Priya8975/fleet-gateway/internal/engine"
)

// Dispatcher polls the due-time queue and feeds claimed jobs to the pool.
// Any number of instances may run one.
type Dispatcher struct {
	queue        *engine.Queue
	pool         *Pool
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int64
}

func NewDispatcher(queue *engine.Queue, pool *Pool, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		queue:        queue,
		pool:         pool,
		logger:       logger,
		pollInterval: 100 * time.Millisecond,
		batchSize:    10,
	}
}

// Start polls until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.logger.Info("dispatcher started")

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping")
			return nil
		case <-ticker.C:
			d.poll(ctx)
		}
	}
}

func (d *Dispatcher) poll(ctx context.Context) {
	jobs, err := d.queue.ClaimDue(ctx, d.batchSize)
	if err != nil {
		d.logger.Error("failed to poll delivery queue", "error", err)
	}

	for i, job := range jobs {
		if d.pool.Submit(ctx, job) {
			continue
		}
		// Shutting down: put back what the workers never saw.
		for _, left := range jobs[i:] {
			if err := d.queue.Schedule(context.WithoutCancel(ctx), left, d.queue.Now()); err != nil {
				d.logger.Error("returning job to queue", "notification_id", left.NotificationID, "error", err)
			}
		}
		return
	}
}
