// Package stats tracks evaluation outcomes per category and persists them as
// a single statistics file.
package stats

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/metrics"
	"github.com/wehubfusion/Daedalus/pkg/storage"
)

// FileName is the statistics file written into the result directory
const FileName = "statistics.json"

// IncorrectAnswer is the exec_err value of an executable but wrong prediction
const IncorrectAnswer = "incorrect answer"

// Outcome buckets
const (
	OutcomeCorrect   = "correct"
	OutcomeIncorrect = "incorrect"
	OutcomeError     = "error"
)

// Evaluation is the result of comparing one predicted query with the reference
type Evaluation struct {
	ExecRes int    `json:"exec_res"`
	ExecErr string `json:"exec_err"`
}

// Outcome classifies the evaluation into one of the three buckets
func (e Evaluation) Outcome() string {
	switch {
	case e.ExecRes == 1:
		return OutcomeCorrect
	case e.ExecErr == IncorrectAnswer:
		return OutcomeIncorrect
	default:
		return OutcomeError
	}
}

// ParseEvaluation reads an evaluation out of a decoded stage effect.
// It reports false when v is not an object carrying exec_res.
func ParseEvaluation(v any) (Evaluation, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return Evaluation{}, false
	}
	raw, ok := m["exec_res"]
	if !ok {
		return Evaluation{}, false
	}

	var ev Evaluation
	switch n := raw.(type) {
	case int:
		ev.ExecRes = n
	case int64:
		ev.ExecRes = int(n)
	case float64:
		ev.ExecRes = int(n)
	case bool:
		if n {
			ev.ExecRes = 1
		}
	default:
		return Evaluation{}, false
	}

	if s, ok := m["exec_err"].(string); ok {
		ev.ExecErr = s
	} else if ev.ExecRes != 1 {
		ev.ExecErr = "unknown error"
	}
	return ev, true
}

// Counts are the per-category bucket sizes
type Counts struct {
	Correct   int `json:"correct"`
	Incorrect int `json:"incorrect"`
	Error     int `json:"error"`
	Total     int `json:"total"`
}

// IDs lists the questions in each bucket. Error entries are [id, message] pairs.
type IDs struct {
	Correct   []string    `json:"correct"`
	Incorrect []string    `json:"incorrect"`
	Error     [][2]string `json:"error"`
}

// Summary aggregates over all categories
type Summary struct {
	TotalEvaluations int                `json:"total_evaluations"`
	TotalCorrect     int                `json:"total_correct"`
	TotalIncorrect   int                `json:"total_incorrect"`
	TotalError       int                `json:"total_error"`
	OverallAccuracy  float64            `json:"overall_accuracy"`
	Accuracies       map[string]float64 `json:"accuracies"`
	// StrictAccuracies ignore errored questions: correct / (correct + incorrect)
	StrictAccuracies map[string]float64 `json:"strict_accuracies"`
}

// Aggregate is the full content of the statistics file
type Aggregate struct {
	Counts  map[string]Counts `json:"counts"`
	IDs     map[string]IDs    `json:"ids"`
	Summary Summary           `json:"summary"`
}

type bucket struct {
	correct   []string
	incorrect []string
	errors    [][2]string
	total     int
}

// Tracker accumulates evaluation outcomes. It is safe for concurrent use.
type Tracker struct {
	mu         sync.Mutex
	path       string
	categories map[string]*bucket
	metrics    *metrics.Recorder
	logger     *zap.Logger
}

// Option configures a Tracker
type Option func(*Tracker)

// WithRecorder reports every update as a metric
func WithRecorder(r *metrics.Recorder) Option {
	return func(t *Tracker) {
		t.metrics = r
	}
}

// NewTracker creates a tracker persisting to path. An empty path keeps
// statistics in memory only.
func NewTracker(path string, logger *zap.Logger, opts ...Option) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracker{
		path:       path,
		categories: make(map[string]*bucket),
		logger:     logger,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Path returns the statistics file path
func (t *Tracker) Path() string {
	return t.path
}

// Update records one evaluation without persisting
func (t *Tracker) Update(category, dbID string, questionID int, ev Evaluation) {
	id := fmt.Sprintf("%s %d", dbID, questionID)
	outcome := ev.Outcome()

	t.mu.Lock()
	b, ok := t.categories[category]
	if !ok {
		b = &bucket{}
		t.categories[category] = b
	}
	b.total++
	switch outcome {
	case OutcomeCorrect:
		b.correct = append(b.correct, id)
	case OutcomeIncorrect:
		b.incorrect = append(b.incorrect, id)
	default:
		b.errors = append(b.errors, [2]string{id, ev.ExecErr})
	}
	t.mu.Unlock()

	t.metrics.ObserveEvaluation(category, outcome)
}

// UpdateAndFlush records one evaluation and rewrites the statistics file.
// A write failure is logged only.
func (t *Tracker) UpdateAndFlush(category, dbID string, questionID int, ev Evaluation) {
	t.Update(category, dbID, questionID, ev)
	if err := t.Flush(); err != nil {
		t.logger.Warn("Failed to persist statistics", zap.String("path", t.path), zap.Error(err))
	}
}

// Flush writes the whole aggregate to the statistics file
func (t *Tracker) Flush() error {
	if t.path == "" {
		return nil
	}
	agg := t.Snapshot()
	if err := storage.WriteJSON(t.path, agg); err != nil {
		return fmt.Errorf("failed to write statistics: %w", err)
	}
	return nil
}

// Reset drops every recorded outcome
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.categories = make(map[string]*bucket)
}

// Snapshot returns a sorted copy of the current statistics
func (t *Tracker) Snapshot() Aggregate {
	t.mu.Lock()
	defer t.mu.Unlock()

	agg := Aggregate{
		Counts: make(map[string]Counts, len(t.categories)),
		IDs:    make(map[string]IDs, len(t.categories)),
		Summary: Summary{
			Accuracies:       make(map[string]float64, len(t.categories)),
			StrictAccuracies: make(map[string]float64, len(t.categories)),
		},
	}

	for name, b := range t.categories {
		agg.Counts[name] = Counts{
			Correct:   len(b.correct),
			Incorrect: len(b.incorrect),
			Error:     len(b.errors),
			Total:     b.total,
		}

		ids := IDs{
			Correct:   sortedCopy(b.correct),
			Incorrect: sortedCopy(b.incorrect),
			Error:     append([][2]string{}, b.errors...),
		}
		sort.Slice(ids.Error, func(i, j int) bool {
			if ids.Error[i][0] != ids.Error[j][0] {
				return ids.Error[i][0] < ids.Error[j][0]
			}
			return ids.Error[i][1] < ids.Error[j][1]
		})
		agg.IDs[name] = ids

		agg.Summary.TotalEvaluations += b.total
		agg.Summary.TotalCorrect += len(b.correct)
		agg.Summary.TotalIncorrect += len(b.incorrect)
		agg.Summary.TotalError += len(b.errors)
		agg.Summary.Accuracies[name] = ratio(len(b.correct), b.total)
		agg.Summary.StrictAccuracies[name] = ratio(len(b.correct), len(b.correct)+len(b.incorrect))
	}
	agg.Summary.OverallAccuracy = ratio(agg.Summary.TotalCorrect, agg.Summary.TotalEvaluations)

	return agg
}

func sortedCopy(in []string) []string {
	out := append([]string{}, in...)
	sort.Strings(out)
	return out
}

func ratio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}
