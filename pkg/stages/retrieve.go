package stages

import (
	"context"
	"sort"
	"strings"

	apperrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/llm"
	"github.com/wehubfusion/Daedalus/pkg/pipeline"
	"github.com/wehubfusion/Daedalus/pkg/task"
)

type retrieveOptions struct {
	TopK int `json:"top_k"`
}

// ColumnRetrieve ranks schema columns by similarity to the question's keywords and nouns
type ColumnRetrieve struct {
	deps Deps
}

func (s *ColumnRetrieve) Name() pipeline.StageName {
	return pipeline.StageColumnRetrieve
}

func (s *ColumnRetrieve) Run(ctx context.Context, t *task.Task, h pipeline.History) (map[string]any, error) {
	opts := retrieveOptions{TopK: 10}
	if err := decodeOptions(s.deps.Config, s.Name(), &opts); err != nil {
		return nil, err
	}

	schema, err := requireResult(h, pipeline.StageGenerateDBSchema)
	if err != nil {
		return nil, err
	}
	columns := schema.Strings("columns")
	if len(columns) == 0 {
		return nil, apperrors.NewError(apperrors.ErrorCodeValidation, "schema has no columns", nil)
	}

	queries := dedupe(append(
		optionalStrings(h, pipeline.StageExtractColValue, "keywords"),
		optionalStrings(h, pipeline.StageExtractQueryNoun, "nouns")...,
	))
	if len(queries) == 0 {
		queries = keywords(t.Question)
	}
	if len(queries) == 0 {
		queries = []string{t.Question}
	}

	var scores map[string]float64
	if s.deps.Embedder != nil {
		scores, err = s.embeddingScores(ctx, queries, columns)
		if err != nil {
			return nil, err
		}
	} else {
		scores = lexicalScores(queries, columns)
	}

	ranked := append([]string{}, columns...)
	sort.SliceStable(ranked, func(i, j int) bool { return scores[ranked[i]] > scores[ranked[j]] })
	if opts.TopK > 0 && len(ranked) > opts.TopK {
		ranked = ranked[:opts.TopK]
	}

	return map[string]any{
		"columns":       ranked,
		"column_scores": scores,
	}, nil
}

func (s *ColumnRetrieve) embeddingScores(ctx context.Context, queries, columns []string) (map[string]float64, error) {
	texts := make([]string, 0, len(queries)+len(columns))
	texts = append(texts, queries...)
	for _, c := range columns {
		texts = append(texts, columnText(c))
	}

	vectors, err := s.deps.Embedder.Embed(ctx, texts)
	if err != nil {
		return nil, err
	}

	qv, cv := vectors[:len(queries)], vectors[len(queries):]
	scores := make(map[string]float64, len(columns))
	for i, c := range columns {
		best := 0.0
		for _, q := range qv {
			if sim := llm.Cosine(q, cv[i]); sim > best {
				best = sim
			}
		}
		scores[c] = best
	}
	return scores, nil
}

// lexicalScores is the fraction of a column's words found among the query words
func lexicalScores(queries, columns []string) map[string]float64 {
	words := make(map[string]struct{})
	for _, q := range queries {
		for _, w := range wordPattern.FindAllString(strings.ToLower(q), -1) {
			words[w] = struct{}{}
		}
	}

	scores := make(map[string]float64, len(columns))
	for _, c := range columns {
		parts := strings.Fields(strings.ToLower(columnText(c)))
		if len(parts) == 0 {
			continue
		}
		hit := 0
		for _, p := range parts {
			if _, ok := words[p]; ok {
				hit++
			}
		}
		scores[c] = float64(hit) / float64(len(parts))
	}
	return scores
}

// columnText turns "table.some_column" into "table some column"
func columnText(qualified string) string {
	r := strings.NewReplacer(".", " ", "_", " ")
	return r.Replace(qualified)
}
