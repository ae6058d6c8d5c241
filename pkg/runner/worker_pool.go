package runner

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	"github.com/wehubfusion/Daedalus/pkg/pipeline"
)

// WorkerPool is the thread backend: a fixed set of goroutines pulling
// contexts from a job channel and pushing terminal contexts to a result channel.
// Results are reported from the Execute goroutine, in completion order.
type WorkerPool struct {
	workers int
	limiter *concurrency.Limiter
	run     RunFunc
	logger  *zap.Logger

	processed atomic.Int64
	failed    atomic.Int64
}

// NewWorkerPool creates a pool of workers goroutines. A non-nil limiter bounds
// how many contexts run at once across every pool sharing it.
func NewWorkerPool(workers int, limiter *concurrency.Limiter, run RunFunc, logger *zap.Logger) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkerPool{
		workers: workers,
		limiter: limiter,
		run:     run,
		logger:  logger,
	}
}

// Name implements Backend
func (wp *WorkerPool) Name() concurrency.ExecutionMode {
	return concurrency.ModeThread
}

// Execute implements Backend
func (wp *WorkerPool) Execute(ctx context.Context, contexts []*pipeline.ExecContext, done OutcomeFunc) error {
	if len(contexts) == 0 {
		return nil
	}

	workers := min(wp.workers, len(contexts))
	jobs := make(chan *pipeline.ExecContext, len(contexts))
	results := make(chan *pipeline.ExecContext, workers)

	wp.logger.Debug("Starting worker pool",
		zap.Int("workers", workers),
		zap.Int("contexts", len(contexts)))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go wp.worker(ctx, i, jobs, results, &wg)
	}

	for _, ec := range contexts {
		jobs <- ec
	}
	close(jobs)

	go func() {
		wg.Wait()
		close(results)
	}()

	for ec := range results {
		if ec.Failed {
			wp.failed.Add(1)
		} else {
			wp.processed.Add(1)
		}
		done(ec)
	}

	processed, failed := wp.Stats()
	wp.logger.Info("Worker pool drained",
		zap.Int("workers", workers),
		zap.Int64("processed", processed),
		zap.Int64("failed", failed))
	return ctx.Err()
}

// worker drains the job channel. It keeps draining after cancellation so that
// every context still gets a terminal state.
func (wp *WorkerPool) worker(ctx context.Context, id int, jobs <-chan *pipeline.ExecContext, results chan<- *pipeline.ExecContext, wg *sync.WaitGroup) {
	defer wg.Done()
	wp.logger.Debug("Worker started", zap.Int("worker_id", id))
	defer wp.logger.Debug("Worker stopped", zap.Int("worker_id", id))

	for ec := range jobs {
		results <- wp.process(ctx, ec)
	}
}

func (wp *WorkerPool) process(ctx context.Context, ec *pipeline.ExecContext) *pipeline.ExecContext {
	if wp.limiter != nil {
		if err := wp.limiter.Acquire(ctx); err != nil {
			ec.Failf("acquire worker slot: %v", err)
			return ec
		}
		defer wp.limiter.Release()
	}
	return wp.run(ctx, ec)
}

// Stats returns how many contexts finished cleanly and how many failed
func (wp *WorkerPool) Stats() (processed, failed int64) {
	return wp.processed.Load(), wp.failed.Load()
}
