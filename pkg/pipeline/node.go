package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	apperrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/metrics"
	"github.com/wehubfusion/Daedalus/pkg/task"
)

// HistorySink persists the full history of a task after every stage
type HistorySink interface {
	Save(ctx context.Context, t *task.Task, history History) error
}

// Node is a wrapped stage. It always returns a context and never returns an error.
type Node func(ctx context.Context, ec *ExecContext) *ExecContext

type nodeOptions struct {
	recorder *metrics.Recorder
	tracer   trace.Tracer
}

// NodeOption configures Wrap
type NodeOption func(*nodeOptions)

// WithRecorder reports stage durations and outcomes to r
func WithRecorder(r *metrics.Recorder) NodeOption {
	return func(o *nodeOptions) { o.recorder = r }
}

// WithTracer overrides the global tracer
func WithTracer(t trace.Tracer) NodeOption {
	return func(o *nodeOptions) { o.tracer = t }
}

// Wrap turns a stage into a Node that:
//   - does nothing when the history already holds a result for the stage
//   - records a success or error result, never propagating the stage error
//   - saves the whole history through sink before returning
func Wrap(stage Stage, sink HistorySink, logger *zap.Logger, opts ...NodeOption) Node {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := nodeOptions{tracer: otel.Tracer("daedalus/pipeline")}
	for _, opt := range opts {
		opt(&o)
	}

	name := stage.Name()
	banner := "---" + cases.Upper(language.Und).String(string(name)) + "---"

	return func(ctx context.Context, ec *ExecContext) *ExecContext {
		if ec.History.Has(name) {
			logger.Debug("Stage already in history, skipping",
				zap.String("stage", string(name)),
				zap.String("task", ec.Key()))
			o.recorder.ObserveStage(string(name), "skipped", 0)
			return ec
		}

		logger.Info(banner, zap.String("task", ec.Key()))

		ctx, span := o.tracer.Start(ctx, "pipeline.stage", trace.WithAttributes(
			attribute.String("stage", string(name)),
			attribute.String("task.key", ec.Key()),
		))
		defer span.End()

		start := time.Now()
		effects, err := runStage(ctx, stage, ec)
		duration := time.Since(start)

		result := StageResult{NodeType: name}
		if err != nil {
			result.Status = StatusError
			result.Effects = map[string]any{KeyError: apperrors.Describe(err)}

			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			logger.Warn("Stage failed",
				zap.String("stage", string(name)),
				zap.String("task", ec.Key()),
				zap.String("error_code", apperrors.CategorizeError(err)),
				zap.Duration("duration", duration),
				zap.Error(err))
		} else {
			result.Status = StatusSuccess
			result.Effects = make(map[string]any, len(effects))
			for k, v := range effects {
				if k == KeyNodeType || k == KeyStatus {
					continue
				}
				result.Effects[k] = v
			}
			span.SetStatus(codes.Ok, "")
			logger.Info("Stage completed",
				zap.String("stage", string(name)),
				zap.String("task", ec.Key()),
				zap.Duration("duration", duration))
		}

		ec.History = append(ec.History, result)

		if sink != nil {
			if err := sink.Save(ctx, ec.Task, ec.History); err != nil {
				logger.Error("Failed to persist history",
					zap.String("stage", string(name)),
					zap.String("task", ec.Key()),
					zap.Error(err))
			}
		}

		o.recorder.ObserveStage(string(name), string(result.Status), duration)
		return ec
	}
}

// runStage invokes the stage and converts a panic into an error
func runStage(ctx context.Context, stage Stage, ec *ExecContext) (effects map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.NewError(apperrors.ErrorCodePanic, fmt.Sprintf("stage %s panicked: %v", stage.Name(), r), nil)
		}
	}()
	return stage.Run(ctx, ec.Task, ec.History)
}
