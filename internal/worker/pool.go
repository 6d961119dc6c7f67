package worker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/Priya8975/fleet-gateway/internal/engine"
)

type Handler interface {
	Deliver(ctx context.Context, job engine.DeliveryJob)
}

// Pool runs a fixed number of goroutines that hand jobs to a Handler.
type Pool struct {
	numWorkers int
	jobs       chan engine.DeliveryJob
	handler    Handler
	logger     *slog.Logger
	wg         sync.WaitGroup
}

func NewPool(numWorkers int, handler Handler, logger *slog.Logger) *Pool {
	if numWorkers < 1 {
		numWorkers = 1
	}
	return &Pool{
		numWorkers: numWorkers,
		jobs:       make(chan engine.DeliveryJob, numWorkers*2),
		handler:    handler,
		logger:     logger,
	}
}

func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.logger.Info("worker pool started", "num_workers", p.numWorkers)
}

// Submit blocks until a worker has room for job or ctx is done, and reports
// whether the job was accepted.
func (p *Pool) Submit(ctx context.Context, job engine.DeliveryJob) bool {
	select {
	case p.jobs <- job:
		return true
	case <-ctx.Done():
		return false
	}
}

// Stop closes the jobs channel and waits for in-flight deliveries. Jobs
// still buffered are delivered before the workers exit.
func (p *Pool) Stop() {
	close(p.jobs)
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for job := range p.jobs {
		p.handler.Deliver(context.WithoutCancel(ctx), job)
	}
}
