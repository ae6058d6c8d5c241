package results

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/pipeline"
)

func TestAddOutOfOrderKeepsDatasetOrder(t *testing.T) {
	a := New(4)

	// workers finish in the order 2, 0, 3, 1
	for _, i := range []int{2, 0, 3, 1} {
		require.NoError(t, a.Add(i, Record{DBID: "db", QuestionID: i * 10, Status: StatusSuccess}))
	}

	records := a.Records()
	require.Len(t, records, 4)
	for i, r := range records {
		assert.Equal(t, i, r.OriginalIndex)
		assert.Equal(t, i*10, r.QuestionID)
	}
}

func TestAddConcurrently(t *testing.T) {
	const n = 200
	a := New(n)

	var wg sync.WaitGroup
	for i := n - 1; i >= 0; i-- {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, a.Add(i, Record{QuestionID: i}))
		}(i)
	}
	wg.Wait()

	records := a.Records()
	require.Len(t, records, n)
	for i, r := range records {
		assert.Equal(t, i, r.QuestionID)
	}
}

func TestAddOutOfRange(t *testing.T) {
	a := New(2)
	tests := []int{-1, 2, 100}
	for _, idx := range tests {
		err := a.Add(idx, Record{})
		assert.ErrorIs(t, err, apperrors.ErrIndexOutOfRange)
	}
	assert.Empty(t, a.Records())
}

func TestCompletion(t *testing.T) {
	a := New(5)
	require.NoError(t, a.Add(0, Record{Status: StatusSuccess}))
	require.NoError(t, a.Add(3, Record{Status: StatusFailed, ErrorMessage: "Pipeline execution failed: worker exited"}))
	require.NoError(t, a.Add(4, Record{Status: StatusFailed, ErrorMessage: "incorrect answer"}))

	assert.Equal(t, Completion{Total: 5, Completed: 3, Failed: 2, Pending: 2}, a.Completion())
}

func TestExportDetailed(t *testing.T) {
	dir := t.TempDir()
	a := New(3)
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return fixed }

	require.NoError(t, a.Add(1, Record{DBID: "school", QuestionID: 7, GeneratedSQL: "SELECT 1", Status: StatusSuccess,
		Evaluation: map[string]any{"exec_res": 1}}))
	require.NoError(t, a.Add(0, Record{DBID: "school", QuestionID: 3, Status: StatusFailed, ErrorMessage: "boom"}))

	path := filepath.Join(dir, DetailedFileName)
	require.NoError(t, a.ExportDetailed(path, "run-1"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var out Detailed
	require.NoError(t, json.Unmarshal(data, &out))

	assert.Equal(t, Metadata{RunID: "run-1", Total: 3, Completed: 2, Failed: 1, GeneratedAt: fixed}, out.Metadata)
	require.Len(t, out.Results, 2)
	assert.Equal(t, 3, out.Results[0].QuestionID)
	assert.Equal(t, 7, out.Results[1].QuestionID)
	assert.Equal(t, fixed, out.Results[1].Timestamp)

	require.NoError(t, a.SaveTemp(dir, "run-1"))
	assert.FileExists(t, filepath.Join(dir, TempFileName))
}

func TestExportSimple(t *testing.T) {
	path := filepath.Join(t.TempDir(), SimpleFileName)
	a := New(2)
	require.NoError(t, a.Add(0, Record{DBID: "school", Question: "How many?", Evidence: "None", GeneratedSQL: "SELECT count(*) FROM s", GroundTruthSQL: "SELECT count(*) FROM s", Status: StatusSuccess}))
	require.NoError(t, a.Add(1, Record{DBID: "school", Question: "Who?", Status: StatusFailed}))

	require.NoError(t, a.ExportSimple(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `[
		{"index": 0, "db_id": "school", "question": "How many?", "evidence": "None",
		 "generated_sql": "SELECT count(*) FROM s", "ground_truth_sql": "SELECT count(*) FROM s", "executable": true},
		{"index": 1, "db_id": "school", "question": "Who?", "evidence": "", "generated_sql": "", "executable": false}
	]`, string(data))
}

func TestExportStageAnswers(t *testing.T) {
	dir := t.TempDir()
	histories := map[int]pipeline.History{
		7: {
			{NodeType: pipeline.StageGenerateDBSchema, Status: pipeline.StatusSuccess, Effects: map[string]any{"db_list": []any{"a"}}},
			{NodeType: pipeline.StageCandidateGenerate, Status: pipeline.StatusSuccess, Effects: map[string]any{"SQL": []any{"SELECT 1", "SELECT 2"}}},
			{NodeType: pipeline.StageVote, Status: pipeline.StatusSuccess, Effects: map[string]any{"SQL": "SELECT 1"}},
		},
		9: {
			{NodeType: pipeline.StageVote, Status: pipeline.StatusSuccess, Effects: map[string]any{"SQL": "SELECT 9"}},
		},
	}

	paths, err := ExportStageAnswers(dir, histories)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "sql_candidate_generate.json"),
		filepath.Join(dir, "sql_vote.json"),
	}, paths)

	data, err := os.ReadFile(filepath.Join(dir, "sql_vote.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"7": "SELECT 1", "9": "SELECT 9"}`, string(data))
}
