// Package results collects per-question outcomes in dataset order and
// exports them once a run finishes.
package results

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	apperrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/pipeline"
	"github.com/wehubfusion/Daedalus/pkg/storage"
)

// Output files written into the result directory
const (
	DetailedFileName = "results_detailed.json"
	SimpleFileName   = "results.json"
	TempFileName     = "results_temp.json"
)

// Execution statuses
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusUnknown = "unknown"
)

// Record is the normalized outcome of one question
type Record struct {
	OriginalIndex  int            `json:"original_index"`
	DBID           string         `json:"db_id"`
	QuestionID     int            `json:"question_id"`
	Question       string         `json:"question"`
	Evidence       string         `json:"evidence"`
	GeneratedSQL   string         `json:"generated_sql"`
	GroundTruthSQL string         `json:"ground_truth_sql"`
	Status         string         `json:"execution_status"`
	ProcessingTime float64        `json:"processing_time"`
	Timestamp      time.Time      `json:"timestamp"`
	ErrorMessage   string         `json:"error_message"`
	Evaluation     map[string]any `json:"evaluation,omitempty"`
}

// Failed reports whether the record carries an error
func (r Record) Failed() bool {
	return r.ErrorMessage != "" || r.Status == StatusFailed
}

// Completion summarizes how many slots have been filled
type Completion struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
}

// Metadata heads the detailed export
type Metadata struct {
	RunID       string    `json:"run_id,omitempty"`
	Total       int       `json:"total"`
	Completed   int       `json:"completed"`
	Failed      int       `json:"failed"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Detailed is the layout of the detailed export
type Detailed struct {
	Metadata Metadata `json:"metadata"`
	Results  []Record `json:"results"`
}

// SimpleRecord is one entry of the simplified export
type SimpleRecord struct {
	Index          int    `json:"index"`
	DBID           string `json:"db_id"`
	Question       string `json:"question"`
	Evidence       string `json:"evidence"`
	GeneratedSQL   string `json:"generated_sql"`
	GroundTruthSQL string `json:"ground_truth_sql,omitempty"`
	Executable     bool   `json:"executable"`
}

// Aggregator stores records at their original index so exports follow
// dataset order whatever order workers finish in
type Aggregator struct {
	mu    sync.Mutex
	slots []*Record
	now   func() time.Time
}

// New creates an aggregator with size slots
func New(size int) *Aggregator {
	if size < 0 {
		size = 0
	}
	return &Aggregator{slots: make([]*Record, size), now: time.Now}
}

// Size returns the number of slots
func (a *Aggregator) Size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.slots)
}

// Add stores rec at index, replacing any earlier record for that slot
func (a *Aggregator) Add(index int, rec Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if index < 0 || index >= len(a.slots) {
		return fmt.Errorf("%w: %d not in [0, %d)", apperrors.ErrIndexOutOfRange, index, len(a.slots))
	}
	rec.OriginalIndex = index
	if rec.Timestamp.IsZero() {
		rec.Timestamp = a.now()
	}
	a.slots[index] = &rec
	return nil
}

// Records returns the filled slots in index order
func (a *Aggregator) Records() []Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.recordsLocked()
}

func (a *Aggregator) recordsLocked() []Record {
	out := make([]Record, 0, len(a.slots))
	for _, r := range a.slots {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out
}

// Completion returns fill counters
func (a *Aggregator) Completion() Completion {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.completionLocked()
}

func (a *Aggregator) completionLocked() Completion {
	c := Completion{Total: len(a.slots)}
	for _, r := range a.slots {
		if r == nil {
			continue
		}
		c.Completed++
		if r.Failed() {
			c.Failed++
		}
	}
	c.Pending = c.Total - c.Completed
	return c
}

// ExportDetailed writes every filled record with a metadata header
func (a *Aggregator) ExportDetailed(path, runID string) error {
	a.mu.Lock()
	completion := a.completionLocked()
	out := Detailed{
		Metadata: Metadata{
			RunID:       runID,
			Total:       completion.Total,
			Completed:   completion.Completed,
			Failed:      completion.Failed,
			GeneratedAt: a.now(),
		},
		Results: a.recordsLocked(),
	}
	a.mu.Unlock()

	return storage.WriteJSON(path, out)
}

// SaveTemp writes the detailed export to the in-progress file inside dir
func (a *Aggregator) SaveTemp(dir, runID string) error {
	return a.ExportDetailed(filepath.Join(dir, TempFileName), runID)
}

// ExportSimple writes the question/SQL pairs only
func (a *Aggregator) ExportSimple(path string) error {
	records := a.Records()
	out := make([]SimpleRecord, 0, len(records))
	for _, r := range records {
		out = append(out, SimpleRecord{
			Index:          r.OriginalIndex,
			DBID:           r.DBID,
			Question:       r.Question,
			Evidence:       r.Evidence,
			GeneratedSQL:   r.GeneratedSQL,
			GroundTruthSQL: r.GroundTruthSQL,
			Executable:     r.Status == StatusSuccess,
		})
	}
	return storage.WriteJSON(path, out)
}

// StageAnswersFileName returns the per-stage answer file name
func StageAnswersFileName(stage pipeline.StageName) string {
	return "sql_" + string(stage) + ".json"
}

// ExportStageAnswers writes one file per stage that produced a SQL effect,
// mapping question id to that stage's SQL. histories is keyed by question id.
// It returns the written paths in stage order.
func ExportStageAnswers(dir string, histories map[int]pipeline.History) ([]string, error) {
	answers := make(map[pipeline.StageName]map[string]any)
	for qid, h := range histories {
		for _, r := range h {
			v, ok := r.Effects[pipeline.KeySQL]
			if !ok {
				continue
			}
			if answers[r.NodeType] == nil {
				answers[r.NodeType] = make(map[string]any)
			}
			answers[r.NodeType][strconv.Itoa(qid)] = v
		}
	}

	stages := make([]pipeline.StageName, 0, len(answers))
	for s := range answers {
		stages = append(stages, s)
	}
	sort.Slice(stages, func(i, j int) bool { return stages[i] < stages[j] })

	paths := make([]string, 0, len(stages))
	for _, s := range stages {
		path := filepath.Join(dir, StageAnswersFileName(s))
		if err := storage.WriteJSON(path, answers[s]); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}
