package stages

import (
	"context"

	apperrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/pipeline"
	"github.com/wehubfusion/Daedalus/pkg/task"
)

// Vote executes the candidates and picks the one whose result set the most
// candidates agree on. Ties go to the earliest candidate.
type Vote struct {
	deps Deps
}

func (s *Vote) Name() pipeline.StageName {
	return pipeline.StageVote
}

func (s *Vote) Run(ctx context.Context, t *task.Task, h pipeline.History) (map[string]any, error) {
	candidates := optionalStrings(h, pipeline.StageAlignCorrect, "candidates")
	if len(candidates) == 0 {
		candidates = optionalStrings(h, pipeline.StageCandidateGenerate, pipeline.KeySQL)
	}
	if len(candidates) == 0 {
		return nil, apperrors.NewError(apperrors.ErrorCodeValidation, "no SQL candidates available for voting", nil)
	}

	type group struct {
		first int
		count int
	}
	groups := make(map[string]*group)
	votes := make([]map[string]any, 0, len(candidates))

	for i, sql := range candidates {
		rs, err := s.deps.DB.Execute(ctx, t.DBID, sql)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			votes = append(votes, map[string]any{"sql": sql, "error": apperrors.Describe(err)})
			continue
		}
		fp := rs.Fingerprint()
		g, ok := groups[fp]
		if !ok {
			g = &group{first: i}
			groups[fp] = g
		}
		g.count++
		votes = append(votes, map[string]any{"sql": sql, "group": g.first})
	}

	winner := 0
	best := &group{first: len(candidates), count: 0}
	for _, g := range groups {
		if g.count > best.count || (g.count == best.count && g.first < best.first) {
			best = g
		}
	}
	if best.count > 0 {
		winner = best.first
	}

	return map[string]any{
		pipeline.KeySQL:   candidates[winner],
		"votes":           votes,
		"candidate_count": len(candidates),
		"agreement":       best.count,
	}, nil
}
