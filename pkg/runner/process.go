package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	"github.com/wehubfusion/Daedalus/pkg/config"
	apperrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/pipeline"
)

// WorkerCommand is how the process backend starts a worker. The worker reads
// one JSON execution context per line on stdin and answers with the terminal
// context, one per line, on stdout.
type WorkerCommand struct {
	Path string
	Args []string
	Env  []string
}

// ProcessPool is the process backend. Each worker subprocess builds its own
// pipeline, pools and caches from the shared run configuration.
type ProcessPool struct {
	workers int
	command WorkerCommand
	logger  *zap.Logger
}

// NewProcessPool creates the process backend
func NewProcessPool(workers int, command WorkerCommand, logger *zap.Logger) *ProcessPool {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProcessPool{workers: workers, command: command, logger: logger}
}

// Name implements Backend
func (p *ProcessPool) Name() concurrency.ExecutionMode {
	return concurrency.ModeProcess
}

// Execute implements Backend. A worker that dies fails the context it was
// running and stops taking work. When every worker is gone with contexts
// left, Execute returns ErrBackendFailed.
func (p *ProcessPool) Execute(ctx context.Context, contexts []*pipeline.ExecContext, done OutcomeFunc) error {
	if len(contexts) == 0 {
		return nil
	}
	if p.command.Path == "" {
		return fmt.Errorf("%w: no worker command configured", apperrors.ErrBackendFailed)
	}

	jobs := make(chan *pipeline.ExecContext, len(contexts))
	for _, ec := range contexts {
		jobs <- ec
	}
	close(jobs)

	var (
		procs    []*workerProcess
		spawnErr error
	)
	for i := 0; i < min(p.workers, len(contexts)); i++ {
		proc, err := p.spawn(ctx, i)
		if err != nil {
			p.logger.Warn("Failed to start worker process", zap.Int("worker_id", i), zap.Error(err))
			spawnErr = errors.Join(spawnErr, err)
			continue
		}
		procs = append(procs, proc)
	}
	if len(procs) == 0 {
		return fmt.Errorf("%w: no worker process could be started: %v", apperrors.ErrBackendFailed, spawnErr)
	}

	results := make(chan *pipeline.ExecContext, len(procs))
	var wg sync.WaitGroup
	for _, proc := range procs {
		wg.Add(1)
		go func(proc *workerProcess) {
			defer wg.Done()
			defer proc.stop(p.logger)
			for ec := range jobs {
				if err := proc.roundTrip(ec); err != nil {
					if ctx.Err() != nil {
						ec.Failf("cancelled: %v", ctx.Err())
					} else {
						ec.Failf("worker process %d crashed: %v", proc.id, err)
					}
					p.logger.Error("Worker process failed",
						zap.Int("worker_id", proc.id),
						zap.String("task", ec.Key()),
						zap.Error(err))
					results <- ec
					return
				}
				results <- ec
			}
		}(proc)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	for ec := range results {
		done(ec)
	}

	if left := len(jobs); left > 0 {
		return fmt.Errorf("%w: every worker process exited with %d contexts left", apperrors.ErrBackendFailed, left)
	}
	return ctx.Err()
}

type workerProcess struct {
	id    int
	cmd   *exec.Cmd
	stdin io.WriteCloser
	enc   *json.Encoder
	dec   *json.Decoder
}

func (p *ProcessPool) spawn(ctx context.Context, id int) (*workerProcess, error) {
	cmd := exec.CommandContext(ctx, p.command.Path, p.command.Args...)
	cmd.Env = append(os.Environ(), p.command.Env...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker %d stdin: %w", id, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker %d stdout: %w", id, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker %d: %w", id, err)
	}

	p.logger.Debug("Worker process started",
		zap.Int("worker_id", id),
		zap.Int("pid", cmd.Process.Pid))

	return &workerProcess{
		id:    id,
		cmd:   cmd,
		stdin: stdin,
		enc:   json.NewEncoder(stdin),
		dec:   json.NewDecoder(bufio.NewReader(stdout)),
	}, nil
}

// roundTrip sends ec to the worker and copies the terminal state back into ec
func (w *workerProcess) roundTrip(ec *pipeline.ExecContext) error {
	if err := w.enc.Encode(ec); err != nil {
		return fmt.Errorf("send context: %w", err)
	}
	var out pipeline.ExecContext
	if err := w.dec.Decode(&out); err != nil {
		return fmt.Errorf("read context: %w", err)
	}
	ec.History = out.History
	ec.Failed = out.Failed
	ec.Err = out.Err
	ec.Elapsed = out.Elapsed
	return nil
}

func (w *workerProcess) stop(logger *zap.Logger) {
	_ = w.stdin.Close()
	if err := w.cmd.Wait(); err != nil {
		logger.Debug("Worker process exited", zap.Int("worker_id", w.id), zap.Error(err))
	}
}

// ServeWorker is the worker side of the process backend. It runs every context
// read from in through a pipeline built from cfg and writes the terminal
// context to out. It returns nil when in reaches EOF.
func ServeWorker(ctx context.Context, cfg *config.Config, reg *pipeline.Registry, sink pipeline.HistorySink, in io.Reader, out io.Writer, logger *zap.Logger, opts ...pipeline.NodeOption) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	p, err := buildPipeline(cfg, reg, sink, logger, opts...)
	if err != nil {
		return err
	}
	runner := &contextRunner{
		pipeline: p,
		tracer:   otel.Tracer("daedalus/runner"),
		mode:     concurrency.ModeProcess,
		logger:   logger,
	}

	dec := json.NewDecoder(bufio.NewReader(in))
	enc := json.NewEncoder(out)
	for {
		var ec pipeline.ExecContext
		if err := dec.Decode(&ec); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("decode context: %w", err)
		}

		result := &ec
		if ec.Task == nil {
			ec.Failf("context without task")
		} else {
			ec.Config = cfg
			result = runner.run(ctx, &ec)
		}

		if err := enc.Encode(result); err != nil {
			return fmt.Errorf("encode context %s: %w", ec.Key(), err)
		}
	}
}
