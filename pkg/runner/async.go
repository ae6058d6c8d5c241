package runner

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	"github.com/wehubfusion/Daedalus/pkg/pipeline"
)

// Async runs a fixed number of consumers over a shared queue inside an errgroup.
// Outcomes are reported from the consumer goroutines.
type Async struct {
	workers int
	run     RunFunc
	logger  *zap.Logger
}

// NewAsync creates the async backend
func NewAsync(workers int, run RunFunc, logger *zap.Logger) *Async {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Async{workers: workers, run: run, logger: logger}
}

// Name implements Backend
func (a *Async) Name() concurrency.ExecutionMode {
	return concurrency.ModeAsync
}

// Execute implements Backend
func (a *Async) Execute(ctx context.Context, contexts []*pipeline.ExecContext, done OutcomeFunc) error {
	queue := make(chan *pipeline.ExecContext, len(contexts))
	for _, ec := range contexts {
		queue <- ec
	}
	close(queue)

	consumers := min(a.workers, len(contexts))
	g := new(errgroup.Group)
	g.SetLimit(consumers)

	for i := 0; i < consumers; i++ {
		g.Go(func() error {
			for ec := range queue {
				done(a.run(ctx, ec))
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	a.logger.Debug("Async queue drained", zap.Int("contexts", len(contexts)))
	return ctx.Err()
}
