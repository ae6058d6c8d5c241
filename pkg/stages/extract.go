package stages

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/llm"
	"github.com/wehubfusion/Daedalus/pkg/pipeline"
	"github.com/wehubfusion/Daedalus/pkg/task"
)

type extractOptions struct {
	Temperature float32 `json:"temperature"`
}

// ExtractColValue extracts literal values and keywords from the question
type ExtractColValue struct {
	deps Deps
}

func (s *ExtractColValue) Name() pipeline.StageName {
	return pipeline.StageExtractColValue
}

func (s *ExtractColValue) Run(ctx context.Context, t *task.Task, h pipeline.History) (map[string]any, error) {
	opts := extractOptions{}
	if err := decodeOptions(s.deps.Config, s.Name(), &opts); err != nil {
		return nil, err
	}

	values := quotedValues(t.Question)
	kws := keywords(t.Question)

	if s.deps.Chat != nil {
		schema := optionalStrings(h, pipeline.StageGenerateDBSchema, "columns")
		prompt := fmt.Sprintf(`Columns: %v
Question: %s
Hint: %s

Return a JSON object {"values": [...], "keywords": [...]} where values are literal
cell values mentioned in the question and keywords are phrases that name columns.`,
			schema, t.RawQuestion, t.Evidence)

		out, err := chatOnce(ctx, s.deps.Chat, prompt, llm.ChatOptions{Temperature: opts.Temperature})
		if err != nil {
			return nil, err
		}

		var parsed struct {
			Values   []string `json:"values"`
			Keywords []string `json:"keywords"`
		}
		if err := llm.DecodeJSON(out, &parsed); err != nil {
			s.deps.Logger.Debug("Falling back to local extraction", zap.String("task", t.Key()), zap.Error(err))
		} else {
			values = append(parsed.Values, values...)
			kws = append(parsed.Keywords, kws...)
		}
	}

	return map[string]any{
		"values":   dedupe(values),
		"keywords": dedupe(kws),
	}, nil
}

// ExtractQueryNoun extracts the noun phrases of the question
type ExtractQueryNoun struct {
	deps Deps
}

func (s *ExtractQueryNoun) Name() pipeline.StageName {
	return pipeline.StageExtractQueryNoun
}

func (s *ExtractQueryNoun) Run(ctx context.Context, t *task.Task, _ pipeline.History) (map[string]any, error) {
	opts := extractOptions{}
	if err := decodeOptions(s.deps.Config, s.Name(), &opts); err != nil {
		return nil, err
	}

	if s.deps.Chat != nil {
		prompt := fmt.Sprintf(`Question: %s

Return a JSON object {"nouns": [...]} listing the noun phrases of the question.`, t.Question)

		out, err := chatOnce(ctx, s.deps.Chat, prompt, llm.ChatOptions{Temperature: opts.Temperature})
		if err != nil {
			return nil, err
		}
		var parsed struct {
			Nouns []string `json:"nouns"`
		}
		if err := llm.DecodeJSON(out, &parsed); err == nil && len(parsed.Nouns) > 0 {
			return map[string]any{"nouns": dedupe(parsed.Nouns)}, nil
		}
	}

	return map[string]any{"nouns": keywords(t.Question)}, nil
}
