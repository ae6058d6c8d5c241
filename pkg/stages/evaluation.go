package stages

import (
	"context"

	apperrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/pipeline"
	"github.com/wehubfusion/Daedalus/pkg/sqlexec"
	"github.com/wehubfusion/Daedalus/pkg/stats"
	"github.com/wehubfusion/Daedalus/pkg/task"
)

// Evaluation compares the answer of every terminal stage with the reference
// query. Without a reference it only checks that the answer executes.
type Evaluation struct {
	deps Deps
}

func (s *Evaluation) Name() pipeline.StageName {
	return pipeline.StageEvaluation
}

func (s *Evaluation) Run(ctx context.Context, t *task.Task, h pipeline.History) (map[string]any, error) {
	effects := make(map[string]any)
	var final *stats.Evaluation
	finalSQL := ""

	// TerminalStages is in preference order, so the first hit is the final answer
	for _, stage := range pipeline.TerminalStages {
		r, ok := h.Last(stage)
		if !ok || !r.Succeeded() {
			continue
		}
		sqls := r.Strings(pipeline.KeySQL)
		if len(sqls) == 0 {
			continue
		}

		var ev stats.Evaluation
		if t.SQL != "" {
			ev = s.deps.DB.Compare(ctx, t.DBID, sqls[0], t.SQL)
		} else {
			ev = sqlexec.Check(ctx, s.deps.DB, t.DBID, sqls[0])
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		effects[string(stage)] = map[string]any{
			pipeline.KeyExecRes: ev.ExecRes,
			pipeline.KeyExecErr: ev.ExecErr,
		}
		if final == nil {
			final = &ev
			finalSQL = sqls[0]
		}
	}

	if final == nil {
		return nil, apperrors.NewError(apperrors.ErrorCodeValidation, "no generated SQL to evaluate", nil)
	}

	effects[pipeline.KeyExecRes] = final.ExecRes
	effects[pipeline.KeyExecErr] = final.ExecErr
	effects["evaluated_sql"] = finalSQL
	effects["has_reference"] = t.SQL != ""
	return effects, nil
}
