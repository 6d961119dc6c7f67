// Package sweep runs periodic background passes that never overlap.
package sweep

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

type Func func(ctx context.Context)

// Runner fires fn every interval. A tick that arrives while the previous pass
// is still running is skipped.
type Runner struct {
	name     string
	interval time.Duration
	fn       Func
	logger   *slog.Logger

	running atomic.Bool
	skipped atomic.Int64
	wg      sync.WaitGroup
}

func New(name string, interval time.Duration, fn Func, logger *slog.Logger) *Runner {
	return &Runner{
		name:     name,
		interval: interval,
		fn:       fn,
		logger:   logger.With("sweep", name),
	}
}

// Run blocks until ctx is cancelled, then waits for an in-flight pass.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("sweep started", "interval", r.interval.String())

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.wg.Wait()
			r.logger.Info("sweep stopped")
			return nil
		case <-ticker.C:
			if !r.running.CompareAndSwap(false, true) {
				r.skipped.Add(1)
				r.logger.Debug("previous pass still running, skipping tick")
				continue
			}
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				defer r.running.Store(false)
				r.pass(ctx)
			}()
		}
	}
}

// Tick runs one pass synchronously unless one is already running, and
// reports whether it ran.
func (r *Runner) Tick(ctx context.Context) bool {
	if !r.running.CompareAndSwap(false, true) {
		r.skipped.Add(1)
		return false
	}
	defer r.running.Store(false)
	r.pass(ctx)
	return true
}

// Skipped counts ticks dropped because a pass was still running.
func (r *Runner) Skipped() int64 {
	return r.skipped.Load()
}

func (r *Runner) pass(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("sweep pass panicked", "panic", rec)
		}
	}()
	r.fn(ctx)
}
