package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	"github.com/wehubfusion/Daedalus/pkg/pipeline"
)

// OutcomeFunc receives every finished execution context exactly once
type OutcomeFunc func(ec *pipeline.ExecContext)

// RunFunc executes the pipeline over one context and returns its terminal state
type RunFunc func(ctx context.Context, ec *pipeline.ExecContext) *pipeline.ExecContext

// Backend fans execution contexts out and reports each one through done.
// An error means the backend could not finish its share of the work; the
// coordinator then runs whatever was not reported on the sequential backend.
type Backend interface {
	Name() concurrency.ExecutionMode
	Execute(ctx context.Context, contexts []*pipeline.ExecContext, done OutcomeFunc) error
}

// contextRunner wraps the pipeline with tracing, timing and panic recovery.
// It is shared by the in-process backends and the worker subprocess.
type contextRunner struct {
	pipeline *pipeline.Pipeline
	tracer   trace.Tracer
	mode     concurrency.ExecutionMode
	logger   *zap.Logger
}

func (r *contextRunner) run(ctx context.Context, ec *pipeline.ExecContext) (out *pipeline.ExecContext) {
	ctx, span := r.tracer.Start(ctx, "runner.context", trace.WithAttributes(
		attribute.String("task.key", ec.Key()),
		attribute.String("mode", string(r.mode)),
	))
	defer span.End()

	start := time.Now()
	out = ec
	defer func() {
		if rec := recover(); rec != nil {
			hub := sentry.CurrentHub().Clone()
			hub.Scope().SetTag("task", ec.Key())
			hub.Scope().SetTag("mode", string(r.mode))
			hub.Recover(rec)

			r.logger.Error("Recovered panic while running context",
				zap.String("task", ec.Key()),
				zap.Any("panic", rec))
			ec.Failf("panic: %v", rec)
			out = ec
		}
		out.Elapsed = time.Since(start)
		if out.Failed {
			span.SetStatus(codes.Error, out.Err)
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.SetAttributes(attribute.Int64("processing.duration_ms", out.Elapsed.Milliseconds()))
	}()

	out = r.pipeline.Run(ctx, ec)
	if out == nil {
		ec.Fail(fmt.Errorf("pipeline returned no context"))
		out = ec
	}
	return out
}

// Sequential runs contexts one by one on the calling goroutine
type Sequential struct {
	run RunFunc
}

// NewSequential creates the sequential backend
func NewSequential(run RunFunc) *Sequential {
	return &Sequential{run: run}
}

// Name implements Backend
func (s *Sequential) Name() concurrency.ExecutionMode {
	return concurrency.ModeSequential
}

// Execute implements Backend. Cancellation does not stop the loop: the
// pipeline marks each remaining context failed, so every context is still reported.
func (s *Sequential) Execute(ctx context.Context, contexts []*pipeline.ExecContext, done OutcomeFunc) error {
	for _, ec := range contexts {
		done(s.run(ctx, ec))
	}
	return ctx.Err()
}
