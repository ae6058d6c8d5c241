package stages

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	apperrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/llm"
	"github.com/wehubfusion/Daedalus/pkg/pipeline"
	"github.com/wehubfusion/Daedalus/pkg/task"
)

// AlignCorrect executes every candidate and gives each failing one a single
// repair attempt
type AlignCorrect struct {
	deps Deps
}

func (s *AlignCorrect) Name() pipeline.StageName {
	return pipeline.StageAlignCorrect
}

func (s *AlignCorrect) Run(ctx context.Context, t *task.Task, h pipeline.History) (map[string]any, error) {
	gen, err := requireResult(h, pipeline.StageCandidateGenerate)
	if err != nil {
		return nil, err
	}
	candidates := gen.Strings(pipeline.KeySQL)
	if len(candidates) == 0 {
		return nil, apperrors.NewError(apperrors.ErrorCodeValidation, "no SQL candidates to correct", nil)
	}
	schema := ""
	if r, ok := h.Last(pipeline.StageGenerateDBSchema); ok {
		schema = r.String("db_schema")
	}

	aligned := make([]string, 0, len(candidates))
	var corrections []map[string]any
	chosen := ""

	for _, sql := range candidates {
		_, execErr := s.deps.DB.Execute(ctx, t.DBID, sql)
		if execErr == nil {
			aligned = append(aligned, sql)
			if chosen == "" {
				chosen = sql
			}
			continue
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		fixed, ok := s.repair(ctx, t, schema, sql, execErr)
		corrections = append(corrections, map[string]any{
			"original":  sql,
			"corrected": fixed,
			"error":     apperrors.Describe(execErr),
			"fixed":     ok,
		})
		aligned = append(aligned, fixed)
		if ok && chosen == "" {
			chosen = fixed
		}
	}

	if chosen == "" {
		chosen = aligned[0]
	}

	return map[string]any{
		pipeline.KeySQL: chosen,
		"candidates":    dedupe(aligned),
		"corrections":   corrections,
	}, nil
}

// repair asks the model once for a fixed query. It returns the original
// query and false when no chat model is set or the fix still fails.
func (s *AlignCorrect) repair(ctx context.Context, t *task.Task, schema, sql string, execErr error) (string, bool) {
	if s.deps.Chat == nil {
		return sql, false
	}

	prompt := fmt.Sprintf(`Database schema:
%s

Question: %s
This query fails:
%s
Error: %v

Answer with the corrected SQLite query in a `+"```sql"+` block.`, schema, t.Question, sql, execErr)

	out, err := chatOnce(ctx, s.deps.Chat, prompt, llm.ChatOptions{})
	if err != nil {
		s.deps.Logger.Debug("Repair request failed", zap.String("task", t.Key()), zap.Error(err))
		return sql, false
	}
	fixed := llm.ExtractSQL(out)
	if fixed == "" {
		return sql, false
	}
	if _, err := s.deps.DB.Execute(ctx, t.DBID, fixed); err != nil {
		return fixed, false
	}
	return fixed, true
}
