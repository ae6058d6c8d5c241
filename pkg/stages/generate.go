package stages

import (
	"context"
	"fmt"
	"strings"

	apperrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/llm"
	"github.com/wehubfusion/Daedalus/pkg/pipeline"
	"github.com/wehubfusion/Daedalus/pkg/task"
)

type generateOptions struct {
	N           int     `json:"n"`
	Temperature float32 `json:"temperature"`
}

// CandidateGenerate asks the model for several SQL candidates
type CandidateGenerate struct {
	deps Deps
}

func (s *CandidateGenerate) Name() pipeline.StageName {
	return pipeline.StageCandidateGenerate
}

func (s *CandidateGenerate) Run(ctx context.Context, t *task.Task, h pipeline.History) (map[string]any, error) {
	opts := generateOptions{N: 3, Temperature: 0.7}
	if err := decodeOptions(s.deps.Config, s.Name(), &opts); err != nil {
		return nil, err
	}
	if s.deps.Chat == nil {
		return nil, apperrors.NewError(apperrors.ErrorCodeConfiguration, "candidate generation needs a chat model", apperrors.ErrInvalidConfig)
	}

	schema, err := requireResult(h, pipeline.StageGenerateDBSchema)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Database schema:\n%s\n\n", schema.String("db_schema"))
	if cols := optionalStrings(h, pipeline.StageColumnRetrieve, "columns"); len(cols) > 0 {
		fmt.Fprintf(&b, "Relevant columns: %s\n", strings.Join(cols, ", "))
	}
	if vals := optionalStrings(h, pipeline.StageExtractColValue, "values"); len(vals) > 0 {
		fmt.Fprintf(&b, "Values mentioned: %s\n", strings.Join(vals, ", "))
	}
	fmt.Fprintf(&b, "Hint: %s\nQuestion: %s\n\nAnswer with one SQLite query in a ```sql block.", t.Evidence, t.RawQuestion)

	responses, err := s.deps.Chat.Chat(ctx, b.String(), llm.ChatOptions{N: opts.N, Temperature: opts.Temperature})
	if err != nil {
		return nil, err
	}

	candidates := make([]string, 0, len(responses))
	for _, r := range responses {
		candidates = append(candidates, llm.ExtractSQL(r))
	}
	candidates = dedupe(candidates)
	if len(candidates) == 0 {
		return nil, apperrors.NewError(apperrors.ErrorCodeExecution, "model returned no SQL", nil)
	}

	return map[string]any{pipeline.KeySQL: candidates}, nil
}
