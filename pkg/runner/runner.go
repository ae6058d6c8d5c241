// Package runner coordinates a run: it turns dataset rows into execution
// contexts, fans them out over one concurrency backend, and folds every
// terminal context into statistics, ordered results and progress reports.
package runner

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	"github.com/wehubfusion/Daedalus/pkg/config"
	apperrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/metrics"
	"github.com/wehubfusion/Daedalus/pkg/pipeline"
	"github.com/wehubfusion/Daedalus/pkg/progress"
	"github.com/wehubfusion/Daedalus/pkg/results"
	"github.com/wehubfusion/Daedalus/pkg/stats"
	"github.com/wehubfusion/Daedalus/pkg/storage"
	"github.com/wehubfusion/Daedalus/pkg/task"
)

// tempSaveEvery is how many processed contexts pass between in-progress result saves
const tempSaveEvery = 10

// Deps are the collaborators of a Coordinator. Registry is required; a nil
// Stats tracker is replaced by one writing statistics.json in the result dir.
type Deps struct {
	Registry    *pipeline.Registry
	Checkpoints *storage.CheckpointStore
	Histories   *storage.HistoryStore
	Stats       *stats.Tracker
	Metrics     *metrics.Recorder
}

// Summary describes a finished run
type Summary struct {
	RunID      string                    `json:"run_id"`
	Mode       concurrency.ExecutionMode `json:"mode"`
	FellBack   bool                      `json:"fell_back"`
	Total      int                       `json:"total"`
	Processed  int                       `json:"processed"`
	Completed  int                       `json:"completed"`
	Failed     int                       `json:"failed"`
	Elapsed    time.Duration             `json:"elapsed"`
	Statistics stats.Aggregate           `json:"statistics"`
	Files      []string                  `json:"files"`
}

// Coordinator owns one run
type Coordinator struct {
	cfg      *config.Config
	deps     Deps
	logger   *zap.Logger
	pipeline *pipeline.Pipeline
	runner   *contextRunner
	breaker  *concurrency.CircuitBreaker
	limiter  *concurrency.Limiter
	backend  Backend
	worker   WorkerCommand
	tracer   trace.Tracer
	runID    string

	checkpointStages []pipeline.StageName

	tracing         *TracingConfig
	tracingShutdown func(context.Context) error

	mu         sync.Mutex
	contexts   []*pipeline.ExecContext
	reported   []bool
	processed  int
	histories  map[int]pipeline.History
	aggregator *results.Aggregator
	progress   *progress.Tracker
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithBackend replaces the backend selected from the configured mode
func WithBackend(b Backend) Option {
	return func(c *Coordinator) { c.backend = b }
}

// WithWorkerCommand sets how the process backend starts workers
func WithWorkerCommand(cmd WorkerCommand) Option {
	return func(c *Coordinator) { c.worker = cmd }
}

// WithCircuitBreaker replaces the breaker guarding the concurrent backend
func WithCircuitBreaker(cb *concurrency.CircuitBreaker) Option {
	return func(c *Coordinator) { c.breaker = cb }
}

// WithTracer overrides the global tracer
func WithTracer(t trace.Tracer) Option {
	return func(c *Coordinator) { c.tracer = t }
}

// WithTracing installs an OTLP exporter for the lifetime of the coordinator. Close shuts it down.
func WithTracing(cfg TracingConfig) Option {
	return func(c *Coordinator) { c.tracing = &cfg }
}

// WithRunID fixes the run id instead of generating one
func WithRunID(id string) Option {
	return func(c *Coordinator) { c.runID = id }
}

// New validates the stage list and builds the pipeline. An unknown stage
// fails here, before any work starts.
func New(cfg *config.Config, deps Deps, logger *zap.Logger, opts ...Option) (*Coordinator, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if deps.Registry == nil {
		return nil, errors.New("stage registry cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Coordinator{
		cfg:     cfg,
		deps:    deps,
		logger:  logger,
		breaker: concurrency.NewCircuitBreaker(1, 30*time.Second),
		tracer:  otel.Tracer("daedalus/runner"),
		runID:   uuid.NewString(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.tracing != nil {
		shutdown, err := setupTracing(context.Background(), *c.tracing, logger)
		if err != nil {
			logger.Warn("Failed to setup tracing, continuing without tracing", zap.Error(err))
		} else {
			c.tracingShutdown = shutdown
			c.tracer = otel.Tracer("daedalus/runner")
		}
	}

	var sink pipeline.HistorySink
	if deps.Histories != nil {
		sink = deps.Histories
	}
	p, err := buildPipeline(cfg, deps.Registry, sink, logger,
		pipeline.WithRecorder(deps.Metrics), pipeline.WithTracer(c.tracer))
	if err != nil {
		return nil, err
	}
	c.pipeline = p

	if raw := cfg.CheckpointStages(); len(raw) > 0 {
		names, err := pipeline.ParseStageNames(raw)
		if err != nil {
			return nil, fmt.Errorf("checkpoint stages: %w", err)
		}
		c.checkpointStages = names
	}

	if c.deps.Stats == nil {
		path := ""
		if cfg.ResultDir != "" {
			path = filepath.Join(cfg.ResultDir, stats.FileName)
		}
		c.deps.Stats = stats.NewTracker(path, logger, stats.WithRecorder(deps.Metrics))
	}

	mode := cfg.Concurrency.Mode
	if mode == "" {
		mode = concurrency.ModeSequential
	}
	c.runner = &contextRunner{pipeline: p, tracer: c.tracer, mode: mode, logger: logger}
	c.limiter = concurrency.NewLimiter(max(cfg.Concurrency.Workers, 1))

	c.breaker.OnStateChange(func(from, to concurrency.CircuitBreakerState) {
		logger.Info("Backend circuit breaker changed state",
			zap.String("from", from.String()),
			zap.String("to", to.String()))
	})

	return c, nil
}

func buildPipeline(cfg *config.Config, reg *pipeline.Registry, sink pipeline.HistorySink, logger *zap.Logger, opts ...pipeline.NodeOption) (*pipeline.Pipeline, error) {
	names, err := pipeline.ParseStageList(cfg.Stages)
	if err != nil {
		return nil, err
	}
	return pipeline.Build(names, reg, sink, logger, opts...)
}

// RunID returns the id of this run
func (c *Coordinator) RunID() string {
	return c.runID
}

// Stages returns the pipeline stages in execution order
func (c *Coordinator) Stages() []pipeline.StageName {
	return c.pipeline.Stages()
}

// Initialize turns records[start:end] into execution contexts seeded from
// checkpoints. end <= 0 means the end of the dataset. Rows that cannot become
// a task are logged and skipped.
func (c *Coordinator) Initialize(ctx context.Context, records []task.Record, start, end int) error {
	if start < 0 {
		return fmt.Errorf("%w: start %d is negative", apperrors.ErrInvalidConfig, start)
	}
	if end <= 0 || end > len(records) {
		end = len(records)
	}
	if start > end {
		start = end
	}

	contexts := make([]*pipeline.ExecContext, 0, end-start)
	resumed := 0
	for i := start; i < end; i++ {
		t, err := task.New(records[i], i)
		if err != nil {
			c.logger.Warn("Skipping dataset row", zap.Int("row", i), zap.Error(err))
			continue
		}
		t.OriginalIndex = len(contexts)

		history := c.deps.Checkpoints.Load(ctx, t.DBID, t.QuestionID, c.checkpointStages)
		if len(history) > 0 {
			resumed++
		}
		contexts = append(contexts, pipeline.NewExecContext(t, history, c.cfg))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.contexts = contexts
	c.reported = make([]bool, len(contexts))
	c.processed = 0
	c.histories = make(map[int]pipeline.History, len(contexts))
	c.aggregator = results.New(len(contexts))
	c.progress = progress.NewTracker(len(contexts), c.logger)

	c.logger.Info("Run initialized",
		zap.String("run_id", c.runID),
		zap.Int("contexts", len(contexts)),
		zap.Int("resumed_from_checkpoint", resumed),
		zap.Int("start", start),
		zap.Int("end", end))
	return nil
}

// Run dispatches every context and writes the final exports. It returns an
// error only when the run was cancelled or the exports could not be written;
// per-context failures end up in the results instead.
func (c *Coordinator) Run(ctx context.Context) (*Summary, error) {
	c.mu.Lock()
	contexts := c.contexts
	c.mu.Unlock()
	if contexts == nil {
		return nil, errors.New("coordinator is not initialized")
	}

	start := time.Now()
	backend := c.selectBackend()
	summary := &Summary{RunID: c.runID, Mode: backend.Name(), Total: len(contexts)}

	c.logger.Info("Run started",
		zap.String("run_id", c.runID),
		zap.String("mode", string(backend.Name())),
		zap.Int("contexts", len(contexts)))

	err := backend.Execute(ctx, contexts, c.handleOutcome)
	if backend.Name() != concurrency.ModeSequential {
		switch {
		case err != nil && ctx.Err() == nil:
			c.breaker.RecordFailure()
			pending := c.pending()
			c.logger.Warn("Backend failed, running remaining contexts sequentially",
				zap.String("mode", string(backend.Name())),
				zap.Int("remaining", len(pending)),
				zap.Error(err))
			c.deps.Metrics.ObserveFallback(string(backend.Name()))
			summary.FellBack = true
			summary.Mode = concurrency.ModeSequential
			err = NewSequential(c.runner.run).Execute(ctx, pending, c.handleOutcome)
		case err == nil:
			c.breaker.RecordSuccess()
		}
	}

	for _, ec := range c.pending() {
		reason := "no outcome reported"
		if ctx.Err() != nil {
			reason = ctx.Err().Error()
		}
		ec.Failf("%s", reason)
		c.handleOutcome(ec)
	}

	summary.Elapsed = time.Since(start)
	files, exportErr := c.export()
	summary.Files = files

	completion := c.aggregator.Completion()
	summary.Completed = completion.Completed
	summary.Failed = completion.Failed
	summary.Statistics = c.deps.Stats.Snapshot()
	c.mu.Lock()
	summary.Processed = c.processed
	c.mu.Unlock()

	c.logger.Info("Run finished",
		zap.String("run_id", c.runID),
		zap.String("mode", string(summary.Mode)),
		zap.Bool("fell_back", summary.FellBack),
		zap.Int("processed", summary.Processed),
		zap.Int("failed", summary.Failed),
		zap.Float64("overall_accuracy", summary.Statistics.Summary.OverallAccuracy),
		zap.Duration("elapsed", summary.Elapsed))

	if ctx.Err() != nil {
		return summary, errors.Join(ctx.Err(), exportErr)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Warn("Sequential backend reported an error", zap.Error(err))
	}
	return summary, exportErr
}

// selectBackend picks the backend for the configured mode. An open circuit
// sends the run straight to the sequential backend.
func (c *Coordinator) selectBackend() Backend {
	if c.backend != nil {
		if c.backend.Name() != concurrency.ModeSequential && c.breaker.IsOpen() {
			return NewSequential(c.runner.run)
		}
		return c.backend
	}

	workers := c.cfg.Concurrency.Workers
	mode := c.runner.mode
	if mode != concurrency.ModeSequential && c.breaker.IsOpen() {
		c.logger.Warn("Backend circuit is open, using sequential execution", zap.String("mode", string(mode)))
		return NewSequential(c.runner.run)
	}

	switch mode {
	case concurrency.ModeThread:
		return NewWorkerPool(workers, c.limiter, c.runner.run, c.logger)
	case concurrency.ModeProcess:
		return NewProcessPool(workers, c.worker, c.logger)
	case concurrency.ModeAsync:
		return NewAsync(workers, c.runner.run, c.logger)
	default:
		return NewSequential(c.runner.run)
	}
}

// pending returns the contexts with no outcome yet, in index order
func (c *Coordinator) pending() []*pipeline.ExecContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*pipeline.ExecContext
	for i, ec := range c.contexts {
		if !c.reported[i] {
			out = append(out, ec)
		}
	}
	return out
}

// handleOutcome folds one terminal context into the run state. Calls are
// serialized; a second outcome for the same context is ignored.
func (c *Coordinator) handleOutcome(ec *pipeline.ExecContext) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ec == nil || ec.Task == nil {
		c.logger.Error("Outcome without task")
		return
	}
	idx := ec.Task.OriginalIndex
	if idx < 0 || idx >= len(c.contexts) {
		c.logger.Error("Outcome for unknown context", zap.String("task", ec.Key()), zap.Int("index", idx))
		return
	}
	if c.reported[idx] {
		c.logger.Warn("Duplicate outcome ignored", zap.String("task", ec.Key()))
		return
	}
	c.reported[idx] = true

	rec := c.buildRecord(ec)
	if err := c.aggregator.Add(idx, rec); err != nil {
		c.logger.Error("Failed to store result", zap.String("task", ec.Key()), zap.Error(err))
	}
	c.histories[ec.Task.QuestionID] = ec.History
	c.deps.Metrics.ObserveContext(rec.Status)

	c.processed++
	c.progress.Update(ec.Key(), !rec.Failed(), rec.GeneratedSQL)

	if c.processed%tempSaveEvery == 0 || c.processed == len(c.contexts) {
		c.saveTemp()
	}
}

// buildRecord derives the normalized result of a terminal context and feeds
// its evaluation into the statistics tracker
func (c *Coordinator) buildRecord(ec *pipeline.ExecContext) results.Record {
	t := ec.Task
	rec := results.Record{
		OriginalIndex:  t.OriginalIndex,
		DBID:           t.DBID,
		QuestionID:     t.QuestionID,
		Question:       t.Question,
		Evidence:       t.Evidence,
		GroundTruthSQL: t.SQL,
		GeneratedSQL:   GeneratedAnswer(ec.History),
		Status:         results.StatusUnknown,
		ProcessingTime: ec.Elapsed.Seconds(),
	}

	if ec.Failed {
		c.logger.Warn("Context failed", zap.String("task", ec.Key()), zap.Error(ec.Failure()))
		rec.Status = results.StatusFailed
		rec.ErrorMessage = "Pipeline execution failed: " + ec.Err
		return rec
	}

	if eval, ok := ec.History.Last(pipeline.StageEvaluation); ok {
		rec.Evaluation = make(map[string]any, len(eval.Effects))
		for k, v := range eval.Effects {
			rec.Evaluation[k] = v
		}
		top, _ := stats.ParseEvaluation(eval.Effects)
		switch {
		case !eval.Succeeded():
			rec.Status = results.StatusFailed
			rec.ErrorMessage = eval.Error()
		case top.ExecRes == 1:
			rec.Status = results.StatusSuccess
		default:
			rec.Status = results.StatusFailed
			rec.ErrorMessage = top.ExecErr
		}
	}

	if n := len(ec.History); n > 0 && ec.History[n-1].NodeType == pipeline.StageEvaluation {
		updated := false
		for category, v := range ec.History[n-1].Effects {
			ev, ok := stats.ParseEvaluation(v)
			if !ok {
				continue
			}
			c.deps.Stats.Update(category, t.DBID, t.QuestionID, ev)
			updated = true
		}
		if updated {
			if err := c.deps.Stats.Flush(); err != nil {
				c.logger.Warn("Failed to persist statistics", zap.Error(err))
			}
		}
	}
	return rec
}

// GeneratedAnswer returns the final SQL of a history: the latest SQL effect of
// vote, align_correct or candidate_generate, in that order of preference.
// A list effect yields its first element.
func GeneratedAnswer(h pipeline.History) string {
	for i := len(h) - 1; i >= 0; i-- {
		r := h[i]
		if !isTerminal(r.NodeType) {
			continue
		}
		if _, ok := r.Effects[pipeline.KeySQL]; !ok {
			continue
		}
		if sqls := r.Strings(pipeline.KeySQL); len(sqls) > 0 {
			return sqls[0]
		}
		return ""
	}
	return ""
}

func isTerminal(name pipeline.StageName) bool {
	for _, s := range pipeline.TerminalStages {
		if s == name {
			return true
		}
	}
	return false
}

func (c *Coordinator) saveTemp() {
	if c.cfg.ResultDir == "" {
		return
	}
	if err := c.aggregator.SaveTemp(c.cfg.ResultDir, c.runID); err != nil {
		c.logger.Warn("Could not save intermediate results", zap.Error(err))
	}
}

// export writes the final result files and returns their paths
func (c *Coordinator) export() ([]string, error) {
	dir := c.cfg.ResultDir
	if dir == "" {
		return nil, nil
	}

	var (
		files []string
		errs  []error
	)
	detailed := filepath.Join(dir, results.DetailedFileName)
	if err := c.aggregator.ExportDetailed(detailed, c.runID); err != nil {
		errs = append(errs, err)
	} else {
		files = append(files, detailed)
	}

	simple := filepath.Join(dir, results.SimpleFileName)
	if err := c.aggregator.ExportSimple(simple); err != nil {
		errs = append(errs, err)
	} else {
		files = append(files, simple)
	}

	if err := c.deps.Stats.Flush(); err != nil {
		errs = append(errs, err)
	} else if path := c.deps.Stats.Path(); path != "" {
		files = append(files, path)
	}

	c.mu.Lock()
	histories := make(map[int]pipeline.History, len(c.histories))
	for k, v := range c.histories {
		histories[k] = v
	}
	c.mu.Unlock()

	stageFiles, err := results.ExportStageAnswers(dir, histories)
	files = append(files, stageFiles...)
	if err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return files, fmt.Errorf("failed to export results: %w", errors.Join(errs...))
	}
	return files, nil
}

// Close shuts tracing down if the coordinator installed it
func (c *Coordinator) Close() error {
	if c.tracingShutdown == nil {
		return nil
	}
	return shutdownTracing(c.tracingShutdown, c.logger)
}
