package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/task"
)

// memorySink records every saved history snapshot
type memorySink struct {
	mu    sync.Mutex
	saves []History
	err   error
}

func (s *memorySink) Save(_ context.Context, _ *task.Task, h History) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves = append(s.saves, h.Clone())
	return s.err
}

// countingStage counts invocations and returns fixed effects or an error
type countingStage struct {
	name    StageName
	effects map[string]any
	err     error
	panics  bool
	calls   int
	seen    []StageName
}

func (s *countingStage) Name() StageName { return s.name }

func (s *countingStage) Run(_ context.Context, _ *task.Task, h History) (map[string]any, error) {
	s.calls++
	s.seen = h.Names()
	if s.panics {
		panic("kaboom")
	}
	return s.effects, s.err
}

func newTask(t *testing.T) *task.Task {
	t.Helper()
	id := 1
	tk, err := task.New(task.Record{QuestionID: &id, DBID: "school", Question: "How many?"}, 0)
	require.NoError(t, err)
	return tk
}

func TestWrapAppendsSuccessAndPersists(t *testing.T) {
	sink := &memorySink{}
	stage := &countingStage{name: StageGenerateDBSchema, effects: map[string]any{"db_list": []any{"users"}, "status": "ignored"}}
	node := Wrap(stage, sink, nil)

	ec := node(context.Background(), NewExecContext(newTask(t), nil, nil))

	require.Len(t, ec.History, 1)
	got := ec.History[0]
	assert.Equal(t, StageGenerateDBSchema, got.NodeType)
	assert.Equal(t, StatusSuccess, got.Status)
	assert.Equal(t, []any{"users"}, got.Effects["db_list"])
	assert.NotContains(t, got.Effects, "status")

	require.Len(t, sink.saves, 1)
	assert.Equal(t, ec.History, sink.saves[0])
}

func TestWrapIsIdempotent(t *testing.T) {
	sink := &memorySink{}
	stage := &countingStage{name: StageVote, effects: map[string]any{"SQL": "SELECT 2"}}
	node := Wrap(stage, sink, nil)

	prior := History{{NodeType: StageVote, Status: StatusSuccess, Effects: map[string]any{"SQL": "SELECT 1"}}}
	ec := node(context.Background(), NewExecContext(newTask(t), prior, nil))
	ec = node(context.Background(), ec)

	assert.Equal(t, 0, stage.calls)
	require.Len(t, ec.History, 1)
	assert.Equal(t, "SELECT 1", ec.History[0].String("SQL"))
	assert.Empty(t, sink.saves)
}

func TestWrapCapturesErrors(t *testing.T) {
	tests := []struct {
		name      string
		stage     *countingStage
		wantError string
	}{
		{
			name:      "returned error",
			stage:     &countingStage{name: StageAlignCorrect, err: errors.New("no such table: foo")},
			wantError: "NOT_FOUND_ERROR: no such table: foo",
		},
		{
			name:      "pool timeout",
			stage:     &countingStage{name: StageColumnRetrieve, err: apperrors.ErrPoolTimeout},
			wantError: "RESOURCE_EXHAUSTED_ERROR: pool acquire: operation timed out",
		},
		{
			name:      "panic",
			stage:     &countingStage{name: StageVote, panics: true},
			wantError: "PANIC_ERROR: [PANIC_ERROR] stage vote panicked: kaboom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &memorySink{}
			ec := Wrap(tt.stage, sink, nil)(context.Background(), NewExecContext(newTask(t), nil, nil))

			require.Len(t, ec.History, 1)
			assert.Equal(t, StatusError, ec.History[0].Status)
			assert.Equal(t, tt.wantError, ec.History[0].Error())
			assert.False(t, ec.Failed)
			assert.Len(t, sink.saves, 1)
		})
	}
}

func TestWrapSurvivesPersistenceFailure(t *testing.T) {
	sink := &memorySink{err: errors.New("disk full")}
	stage := &countingStage{name: StageVote, effects: map[string]any{"SQL": "SELECT 1"}}

	ec := Wrap(stage, sink, nil)(context.Background(), NewExecContext(newTask(t), nil, nil))
	require.Len(t, ec.History, 1)
	assert.Equal(t, StatusSuccess, ec.History[0].Status)
}

func TestBuildValidation(t *testing.T) {
	reg, err := NewRegistry(
		&countingStage{name: StageGenerateDBSchema},
		&countingStage{name: StageVote},
	)
	require.NoError(t, err)

	tests := []struct {
		name        string
		names       []StageName
		errContains []string
	}{
		{"empty", nil, []string{"stage list is empty"}},
		{"unknown", []StageName{"generate_db_schema", "bogus", "nope"}, []string{"bogus, nope", "available stages: generate_db_schema"}},
		{"duplicate", []StageName{StageVote, StageVote}, []string{"duplicate stages: vote"}},
		{"unimplemented", []StageName{StageEvaluation}, []string{"no implementation registered for: evaluation"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Build(tt.names, reg, nil, nil)
			assert.Nil(t, p)
			require.ErrorIs(t, err, apperrors.ErrInvalidStage)
			for _, s := range tt.errContains {
				assert.Contains(t, err.Error(), s)
			}
		})
	}
}

func TestRegistryRejectsUnknownStage(t *testing.T) {
	_, err := NewRegistry(&countingStage{name: "shadow"})
	assert.ErrorIs(t, err, apperrors.ErrInvalidStage)
}

func TestParseStageList(t *testing.T) {
	names, err := ParseStageList("generate_db_schema + candidate_generate+vote")
	require.NoError(t, err)
	assert.Equal(t, []StageName{StageGenerateDBSchema, StageCandidateGenerate, StageVote}, names)

	_, err = ParseStageList("generate_db_schema+magic")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "magic")
	assert.Contains(t, err.Error(), "evaluation")
}

func TestPipelineRunsStagesInOrder(t *testing.T) {
	schema := &countingStage{name: StageGenerateDBSchema, effects: map[string]any{"db_schema": "CREATE TABLE t(a)"}}
	gen := &countingStage{name: StageCandidateGenerate, err: errors.New("model unavailable")}
	vote := &countingStage{name: StageVote, effects: map[string]any{"SQL": "SELECT a FROM t"}}

	reg, err := NewRegistry(schema, gen, vote)
	require.NoError(t, err)

	sink := &memorySink{}
	p, err := Build([]StageName{StageGenerateDBSchema, StageCandidateGenerate, StageVote}, reg, sink, nil)
	require.NoError(t, err)
	assert.Equal(t, []StageName{StageGenerateDBSchema, StageCandidateGenerate, StageVote}, p.Stages())

	ec := p.RunTask(context.Background(), newTask(t), nil, nil)

	assert.False(t, ec.Failed)
	assert.Equal(t, []StageName{StageGenerateDBSchema, StageCandidateGenerate, StageVote}, ec.History.Names())
	assert.Equal(t, StatusError, ec.History[1].Status)
	// later stages see earlier results, including failures
	assert.Equal(t, []StageName{StageGenerateDBSchema, StageCandidateGenerate}, vote.seen)
	assert.Len(t, sink.saves, 3)
}

func TestPipelineResumesFromCheckpoint(t *testing.T) {
	schema := &countingStage{name: StageGenerateDBSchema, effects: map[string]any{"db_schema": "new"}}
	vote := &countingStage{name: StageVote, effects: map[string]any{"SQL": "SELECT 1"}}
	reg, err := NewRegistry(schema, vote)
	require.NoError(t, err)

	p, err := Build([]StageName{StageGenerateDBSchema, StageVote}, reg, nil, nil)
	require.NoError(t, err)

	seed := History{{NodeType: StageGenerateDBSchema, Status: StatusSuccess, Effects: map[string]any{"db_schema": "old"}}}
	ec := p.RunTask(context.Background(), newTask(t), seed, nil)

	assert.Equal(t, 0, schema.calls)
	assert.Equal(t, 1, vote.calls)
	assert.Equal(t, "old", ec.History[0].String("db_schema"))
}

func TestPipelineStopsOnCancellation(t *testing.T) {
	vote := &countingStage{name: StageVote}
	reg, err := NewRegistry(vote)
	require.NoError(t, err)
	p, err := Build([]StageName{StageVote}, reg, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ec := p.RunTask(ctx, newTask(t), nil, nil)
	assert.True(t, ec.Failed)
	assert.Contains(t, ec.Err, "cancelled before stage vote")
	assert.Equal(t, 0, vote.calls)
}

func TestStageResultJSON(t *testing.T) {
	raw := `{"node_type": "candidate_generate", "status": "success", "SQL": ["SELECT 1", "SELECT 2"], "extra": {"k": 1}}`

	var r StageResult
	require.NoError(t, json.Unmarshal([]byte(raw), &r))
	assert.Equal(t, StageCandidateGenerate, r.NodeType)
	assert.True(t, r.Succeeded())
	assert.Equal(t, []string{"SELECT 1", "SELECT 2"}, r.Strings("SQL"))
	assert.Contains(t, r.Effects, "extra")

	data, err := json.Marshal(r)
	require.NoError(t, err)

	var flat map[string]any
	require.NoError(t, json.Unmarshal(data, &flat))
	assert.Equal(t, "candidate_generate", flat["node_type"])
	assert.Equal(t, "success", flat["status"])
	assert.Len(t, flat, 4)

	var bad StageResult
	assert.Error(t, json.Unmarshal([]byte(`{"status": "success"}`), &bad))
}

func TestHistoryHelpers(t *testing.T) {
	h := History{
		{NodeType: StageGenerateDBSchema, Status: StatusSuccess},
		{NodeType: StageCandidateGenerate, Status: StatusSuccess, Effects: map[string]any{"SQL": "a"}},
		{NodeType: StageVote, Status: StatusError},
	}

	assert.True(t, h.Has(StageVote))
	assert.False(t, h.Has(StageEvaluation))

	last, ok := h.Last(StageCandidateGenerate)
	require.True(t, ok)
	assert.Equal(t, "a", last.String("SQL"))

	filtered := h.Filter([]StageName{StageVote, StageGenerateDBSchema})
	assert.Equal(t, []StageName{StageGenerateDBSchema, StageVote}, filtered.Names())
	assert.Equal(t, h.Names(), h.Filter(nil).Names())
}

func TestExecContextFailure(t *testing.T) {
	tests := []struct {
		name    string
		fail    func(*ExecContext)
		wantErr string
	}{
		{name: "not failed"},
		{name: "with reason", fail: func(ec *ExecContext) { ec.Failf("worker %d crashed", 2) }, wantErr: "pipeline execution failed: worker 2 crashed"},
		{name: "without reason", fail: func(ec *ExecContext) { ec.Fail(nil) }, wantErr: "pipeline execution failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ec := NewExecContext(&task.Task{DBID: "school"}, nil, nil)
			if tt.fail != nil {
				tt.fail(ec)
			}
			err := ec.Failure()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, apperrors.ErrContextFailed)
			assert.EqualError(t, err, tt.wantErr)
		})
	}
}
