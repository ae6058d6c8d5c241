// Package task defines the immutable input record handed to every pipeline run.
package task

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// NoEvidence replaces an empty evidence string once the question has been derived.
const NoEvidence = "None"

// Record is one dataset row as it appears in the input file.
// QuestionID is a pointer so a missing id can be told apart from id 0.
type Record struct {
	QuestionID   *int     `json:"question_id,omitempty"`
	DBID         string   `json:"db_id"`
	Question     string   `json:"question"`
	Evidence     string   `json:"evidence,omitempty"`
	SQL          string   `json:"SQL,omitempty"`
	Difficulty   string   `json:"difficulty,omitempty"`
	QuestionToks []string `json:"question_toks,omitempty"`
	Query        string   `json:"query,omitempty"`
}

// Task is the input of one pipeline run
type Task struct {
	QuestionID    int      `json:"question_id"`
	DBID          string   `json:"db_id"`
	RawQuestion   string   `json:"raw_question"`
	Evidence      string   `json:"evidence"`
	Question      string   `json:"question"`
	SQL           string   `json:"SQL,omitempty"`
	Difficulty    string   `json:"difficulty,omitempty"`
	QuestionToks  []string `json:"question_toks,omitempty"`
	Query         string   `json:"query,omitempty"`
	OriginalIndex int      `json:"original_index"`
}

// New builds a Task from a dataset row. index is the row position in the
// dataset and becomes the question id when the row carries none.
func New(rec Record, index int) (*Task, error) {
	dbID := strings.TrimSpace(rec.DBID)
	if dbID == "" {
		return nil, fmt.Errorf("row %d: db_id is required", index)
	}

	questionID := index
	if rec.QuestionID != nil {
		questionID = *rec.QuestionID
	}

	question := strings.TrimSpace(rec.Question + " " + rec.Evidence)
	evidence := rec.Evidence
	if evidence == "" {
		evidence = NoEvidence
	}

	return &Task{
		QuestionID:    questionID,
		DBID:          dbID,
		RawQuestion:   rec.Question,
		Evidence:      evidence,
		Question:      question,
		SQL:           rec.SQL,
		Difficulty:    rec.Difficulty,
		QuestionToks:  rec.QuestionToks,
		Query:         rec.Query,
		OriginalIndex: index,
	}, nil
}

// Key returns the "{question_id}_{db_id}" stem used for checkpoint and history files
func (t *Task) Key() string {
	return Key(t.DBID, t.QuestionID)
}

// Key builds the file stem for a source id and sequence id
func Key(dbID string, questionID int) string {
	return strconv.Itoa(questionID) + "_" + dbID
}

// HasEvidence reports whether the row carried supporting evidence
func (t *Task) HasEvidence() bool {
	return t.Evidence != "" && t.Evidence != NoEvidence
}

// LoadDataset reads a JSON array of dataset rows
func LoadDataset(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset %s: %w", path, err)
	}

	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to parse dataset %s: %w", path, err)
	}
	return records, nil
}
