// Package stages provides the default implementation of every known pipeline
// stage, bound to its collaborators at construction time.
package stages

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/cache"
	"github.com/wehubfusion/Daedalus/pkg/config"
	apperrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/llm"
	"github.com/wehubfusion/Daedalus/pkg/pipeline"
	"github.com/wehubfusion/Daedalus/pkg/sqlexec"
)

// Deps are the collaborators shared by the stages. Chat and Embedder are
// optional: without them the extraction stages fall back to local heuristics
// and column retrieval to lexical overlap, while generation fails.
type Deps struct {
	DB          sqlexec.Executor
	Chat        llm.ChatModel
	Embedder    llm.Embedder
	SchemaCache *cache.Cache[sqlexec.Schema]
	Config      *config.Config
	Logger      *zap.Logger
}

// NewRegistry registers all eight stages
func NewRegistry(deps Deps) (*pipeline.Registry, error) {
	if deps.DB == nil {
		return nil, apperrors.NewError(apperrors.ErrorCodeConfiguration, "stages need a database executor", apperrors.ErrInvalidConfig)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	return pipeline.NewRegistry(
		&GenerateDBSchema{deps: deps},
		&ExtractColValue{deps: deps},
		&ExtractQueryNoun{deps: deps},
		&ColumnRetrieve{deps: deps},
		&CandidateGenerate{deps: deps},
		&AlignCorrect{deps: deps},
		&Vote{deps: deps},
		&Evaluation{deps: deps},
	)
}

// decodeOptions overlays the stage's configured options on out, which holds the defaults
func decodeOptions(cfg *config.Config, stage pipeline.StageName, out any) error {
	if cfg == nil {
		return nil
	}
	return cfg.DecodeStageConfig(string(stage), out)
}

// requireResult returns the latest successful result of a prerequisite stage
func requireResult(h pipeline.History, stage pipeline.StageName) (pipeline.StageResult, error) {
	r, ok := h.Last(stage)
	if !ok {
		return r, apperrors.NewError(apperrors.ErrorCodeValidation, fmt.Sprintf("missing prerequisite stage %s", stage), nil)
	}
	if !r.Succeeded() {
		return r, apperrors.NewError(apperrors.ErrorCodeValidation, fmt.Sprintf("prerequisite stage %s failed: %s", stage, r.Error()), nil)
	}
	return r, nil
}

// optionalStrings returns a string list effect of a stage, or nil when the stage did not succeed
func optionalStrings(h pipeline.History, stage pipeline.StageName, key string) []string {
	r, ok := h.Last(stage)
	if !ok || !r.Succeeded() {
		return nil
	}
	return r.Strings(key)
}

var (
	wordPattern   = regexp.MustCompile(`[A-Za-z0-9_]+`)
	quotedPattern = regexp.MustCompile(`'([^']+)'|"([^"]+)"`)
	stopwords     = map[string]struct{}{
		"the": {}, "and": {}, "for": {}, "with": {}, "what": {}, "which": {}, "who": {}, "whom": {},
		"how": {}, "many": {}, "much": {}, "are": {}, "was": {}, "were": {}, "is": {}, "of": {},
		"in": {}, "on": {}, "to": {}, "by": {}, "a": {}, "an": {}, "list": {}, "give": {}, "show": {},
		"that": {}, "this": {}, "their": {}, "there": {}, "from": {}, "all": {}, "name": {}, "none": {},
		"please": {}, "among": {}, "have": {}, "has": {}, "does": {}, "did": {}, "refers": {}, "mean": {},
	}
)

// keywords returns the distinct lower-cased content words of text in order
func keywords(text string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, w := range wordPattern.FindAllString(strings.ToLower(text), -1) {
		if len(w) < 3 {
			continue
		}
		if _, stop := stopwords[w]; stop {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	return out
}

// quotedValues returns literal values quoted in text
func quotedValues(text string) []string {
	var out []string
	for _, m := range quotedPattern.FindAllStringSubmatch(text, -1) {
		v := m[1]
		if v == "" {
			v = m[2]
		}
		out = append(out, v)
	}
	return out
}

// dedupe drops empty and repeated entries, keeping first occurrences
func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// chatOnce returns the first completion of a single chat request
func chatOnce(ctx context.Context, chat llm.ChatModel, prompt string, opts llm.ChatOptions) (string, error) {
	out, err := chat.Chat(ctx, prompt, opts)
	if err != nil {
		return "", err
	}
	if len(out) == 0 {
		return "", apperrors.NewError(apperrors.ErrorCodeExecution, "model returned no completion", nil)
	}
	return out[0], nil
}
