package pipeline

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/config"
	apperrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/task"
)

// Pipeline runs wrapped stages in order over one execution context
type Pipeline struct {
	names  []StageName
	nodes  []Node
	logger *zap.Logger
}

// ParseStageList parses a "a+b+c" stage list against the known stage set
func ParseStageList(list string) ([]StageName, error) {
	return ParseStageNames(config.SplitStages(list))
}

// Build validates names and chains the wrapped stages. Validation is all or
// nothing: an unknown, duplicated or unimplemented stage rejects the whole pipeline.
func Build(names []StageName, reg *Registry, sink HistorySink, logger *zap.Logger, opts ...NodeOption) (*Pipeline, error) {
	if reg == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: stage list is empty", apperrors.ErrInvalidStage)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var invalid, duplicate, missing []string
	seen := make(map[StageName]bool, len(names))
	for _, name := range names {
		switch {
		case !name.IsKnown():
			invalid = append(invalid, string(name))
		case seen[name]:
			duplicate = append(duplicate, string(name))
		default:
			if _, ok := reg.Get(name); !ok {
				missing = append(missing, string(name))
			}
		}
		seen[name] = true
	}

	if len(invalid) > 0 {
		return nil, fmt.Errorf("%w: %s; available stages: %s",
			apperrors.ErrInvalidStage, strings.Join(invalid, ", "), joinNames(knownStages))
	}
	if len(duplicate) > 0 {
		return nil, fmt.Errorf("%w: duplicate stages: %s", apperrors.ErrInvalidStage, strings.Join(duplicate, ", "))
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: no implementation registered for: %s", apperrors.ErrInvalidStage, strings.Join(missing, ", "))
	}

	p := &Pipeline{
		names:  append([]StageName(nil), names...),
		nodes:  make([]Node, len(names)),
		logger: logger,
	}
	for i, name := range names {
		stage, _ := reg.Get(name)
		p.nodes[i] = Wrap(stage, sink, logger, opts...)
	}
	return p, nil
}

// Stages returns the stage names in execution order
func (p *Pipeline) Stages() []StageName {
	return append([]StageName(nil), p.names...)
}

// Run executes every stage in order and returns the terminal context.
// Cancellation is checked between stages; a cancelled run marks the context failed.
func (p *Pipeline) Run(ctx context.Context, ec *ExecContext) *ExecContext {
	for i, node := range p.nodes {
		if err := ctx.Err(); err != nil {
			ec.Failf("cancelled before stage %s: %v", p.names[i], err)
			return ec
		}
		ec = node(ctx, ec)
	}
	return ec
}

// RunTask is a convenience for running a task with a seed history
func (p *Pipeline) RunTask(ctx context.Context, t *task.Task, history History, cfg *config.Config) *ExecContext {
	return p.Run(ctx, NewExecContext(t, history, cfg))
}
