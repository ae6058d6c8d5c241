package pipeline

import (
	"context"
	"fmt"
	"strings"

	apperrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/task"
)

// StageName identifies a pipeline stage
type StageName string

// Known stages, in canonical pipeline order
const (
	StageGenerateDBSchema  StageName = "generate_db_schema"
	StageExtractColValue   StageName = "extract_col_value"
	StageExtractQueryNoun  StageName = "extract_query_noun"
	StageColumnRetrieve    StageName = "column_retrieve_and_other_info"
	StageCandidateGenerate StageName = "candidate_generate"
	StageAlignCorrect      StageName = "align_correct"
	StageVote              StageName = "vote"
	StageEvaluation        StageName = "evaluation"
)

var knownStages = []StageName{
	StageGenerateDBSchema,
	StageExtractColValue,
	StageExtractQueryNoun,
	StageColumnRetrieve,
	StageCandidateGenerate,
	StageAlignCorrect,
	StageVote,
	StageEvaluation,
}

// TerminalStages are the stages whose SQL effect is the generated answer, in preference order
var TerminalStages = []StageName{StageVote, StageAlignCorrect, StageCandidateGenerate}

// KnownStages returns the fixed stage set in canonical order
func KnownStages() []StageName {
	out := make([]StageName, len(knownStages))
	copy(out, knownStages)
	return out
}

// IsKnown reports whether name belongs to the fixed stage set
func (n StageName) IsKnown() bool {
	for _, k := range knownStages {
		if k == n {
			return true
		}
	}
	return false
}

// ParseStageNames validates names against the known set. Every invalid entry
// is reported in one error together with the valid set.
func ParseStageNames(names []string) ([]StageName, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: stage list is empty", apperrors.ErrInvalidStage)
	}

	out := make([]StageName, 0, len(names))
	var invalid []string
	for _, raw := range names {
		name := StageName(strings.TrimSpace(raw))
		if !name.IsKnown() {
			invalid = append(invalid, raw)
			continue
		}
		out = append(out, name)
	}

	if len(invalid) > 0 {
		return nil, fmt.Errorf("%w: %s; available stages: %s",
			apperrors.ErrInvalidStage, strings.Join(invalid, ", "), joinNames(knownStages))
	}
	return out, nil
}

func joinNames(names []StageName) string {
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = string(n)
	}
	return strings.Join(parts, ", ")
}

// Stage is one transform step. Run receives the task and the history so far
// and returns the effects to record. Returning an error records a failed stage.
type Stage interface {
	Name() StageName
	Run(ctx context.Context, t *task.Task, history History) (map[string]any, error)
}

// StageFunc adapts a function to the Stage interface
type StageFunc struct {
	StageName StageName
	Fn        func(ctx context.Context, t *task.Task, history History) (map[string]any, error)
}

// Name implements Stage
func (s StageFunc) Name() StageName { return s.StageName }

// Run implements Stage
func (s StageFunc) Run(ctx context.Context, t *task.Task, history History) (map[string]any, error) {
	return s.Fn(ctx, t, history)
}

// Registry binds known stage names to implementations
type Registry struct {
	stages map[StageName]Stage
}

// NewRegistry creates a registry holding the given stages
func NewRegistry(stages ...Stage) (*Registry, error) {
	r := &Registry{stages: make(map[StageName]Stage, len(stages))}
	for _, s := range stages {
		if err := r.Register(s); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds or replaces the implementation of a known stage
func (r *Registry) Register(s Stage) error {
	if s == nil {
		return fmt.Errorf("stage cannot be nil")
	}
	if !s.Name().IsKnown() {
		return fmt.Errorf("%w: %s; available stages: %s", apperrors.ErrInvalidStage, s.Name(), joinNames(knownStages))
	}
	r.stages[s.Name()] = s
	return nil
}

// Get returns the implementation registered for name
func (r *Registry) Get(name StageName) (Stage, bool) {
	s, ok := r.stages[name]
	return s, ok
}

// Names returns registered stage names in canonical order
func (r *Registry) Names() []StageName {
	var out []StageName
	for _, k := range knownStages {
		if _, ok := r.stages[k]; ok {
			out = append(out, k)
		}
	}
	return out
}
