package stages

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/cache"
	"github.com/wehubfusion/Daedalus/pkg/config"
	apperrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/llm"
	"github.com/wehubfusion/Daedalus/pkg/pipeline"
	"github.com/wehubfusion/Daedalus/pkg/sqlexec"
	"github.com/wehubfusion/Daedalus/pkg/stats"
	"github.com/wehubfusion/Daedalus/pkg/task"
)

// fakeChat answers by prompt content. Each entry maps a prompt substring to
// the completions returned for it.
type fakeChat struct {
	mu      sync.Mutex
	replies map[string][]string
	err     error
	prompts []string
	opts    []llm.ChatOptions
}

func (f *fakeChat) Chat(_ context.Context, prompt string, opts llm.ChatOptions) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	f.opts = append(f.opts, opts)
	if f.err != nil {
		return nil, f.err
	}
	for marker, out := range f.replies {
		if strings.Contains(prompt, marker) {
			return out, nil
		}
	}
	return []string{""}, nil
}

// fakeEmbedder returns fixed vectors per text and a shared orthogonal vector for everything else
type fakeEmbedder struct {
	vectors map[string][]float32
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v, ok := f.vectors[text]
		if !ok {
			v = []float32{0, 0, 1}
		}
		out[i] = v
	}
	return out, nil
}

func newSchoolDB(t *testing.T) *sqlexec.SQLite {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "school")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	db, err := sql.Open("sqlite3", filepath.Join(dir, "school.sqlite"))
	require.NoError(t, err)
	_, err = db.Exec(`
		CREATE TABLE students (id INTEGER PRIMARY KEY, name TEXT NOT NULL, grade INTEGER);
		CREATE TABLE classes (id INTEGER PRIMARY KEY, title TEXT);
		INSERT INTO students (id, name, grade) VALUES (1, 'alice', 9), (2, 'bob', 10), (3, 'carol', 9);
		INSERT INTO classes (id, title) VALUES (1, 'math');
	`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s := sqlexec.NewSQLite(root, 5*time.Second, 0, zap.NewNop())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func schoolTask(reference string) *task.Task {
	tk, _ := task.New(task.Record{
		DBID:     "school",
		Question: "How many students are in grade 9?",
		Evidence: "grade refers to students.grade",
		SQL:      reference,
	}, 0)
	return tk
}

func success(name pipeline.StageName, effects map[string]any) pipeline.StageResult {
	return pipeline.StageResult{NodeType: name, Status: pipeline.StatusSuccess, Effects: effects}
}

func failed(name pipeline.StageName) pipeline.StageResult {
	return pipeline.StageResult{NodeType: name, Status: pipeline.StatusError, Effects: map[string]any{pipeline.KeyError: "boom"}}
}

func TestNewRegistry(t *testing.T) {
	_, err := NewRegistry(Deps{})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrInvalidConfig)

	reg, err := NewRegistry(Deps{DB: newSchoolDB(t)})
	require.NoError(t, err)
	assert.Equal(t, pipeline.KnownStages(), reg.Names())
}

func TestGenerateDBSchema(t *testing.T) {
	db := newSchoolDB(t)
	schemaCache := cache.New[sqlexec.Schema](cache.Config{Name: "schema", Enabled: true, Size: 4}, nil, nil)
	stage := &GenerateDBSchema{deps: Deps{DB: db, SchemaCache: schemaCache}}

	effects, err := stage.Run(context.Background(), schoolTask(""), nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"students", "classes"}, effects["db_list"])
	assert.Contains(t, effects["db_schema"], "CREATE TABLE students")
	assert.Contains(t, effects["columns"], "students.grade")

	_, err = stage.Run(context.Background(), schoolTask(""), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), schemaCache.Stats().L1.Hits)

	missing := schoolTask("")
	missing.DBID = "nowhere"
	_, err = stage.Run(context.Background(), missing, nil)
	assert.Error(t, err)
}

func TestExtractColValue(t *testing.T) {
	tk := schoolTask("")
	tk.Question = `Which students are named 'alice' in grade 9?`

	t.Run("heuristic", func(t *testing.T) {
		stage := &ExtractColValue{deps: Deps{Logger: zap.NewNop()}}
		effects, err := stage.Run(context.Background(), tk, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"alice"}, effects["values"])
		assert.Contains(t, effects["keywords"], "students")
		assert.Contains(t, effects["keywords"], "grade")
		assert.NotContains(t, effects["keywords"], "which")
	})

	t.Run("model merged with heuristic", func(t *testing.T) {
		chat := &fakeChat{replies: map[string][]string{
			"Columns:": {"```json\n{\"values\": [\"9\", \"alice\"], \"keywords\": [\"student grade\"]}\n```"},
		}}
		stage := &ExtractColValue{deps: Deps{Chat: chat, Logger: zap.NewNop()}}
		effects, err := stage.Run(context.Background(), tk, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"9", "alice"}, effects["values"])
		assert.Equal(t, "student grade", effects["keywords"].([]string)[0])
	})

	t.Run("undecodable reply falls back", func(t *testing.T) {
		chat := &fakeChat{replies: map[string][]string{"Columns:": {"no json here"}}}
		stage := &ExtractColValue{deps: Deps{Chat: chat, Logger: zap.NewNop()}}
		effects, err := stage.Run(context.Background(), tk, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"alice"}, effects["values"])
	})

	t.Run("model error fails the stage", func(t *testing.T) {
		chat := &fakeChat{err: apperrors.NewError(apperrors.ErrorCodeRateLimit, "slow down", nil)}
		stage := &ExtractColValue{deps: Deps{Chat: chat, Logger: zap.NewNop()}}
		_, err := stage.Run(context.Background(), tk, nil)
		assert.Error(t, err)
	})
}

func TestExtractQueryNoun(t *testing.T) {
	tk := schoolTask("")

	stage := &ExtractQueryNoun{deps: Deps{Logger: zap.NewNop()}}
	effects, err := stage.Run(context.Background(), tk, nil)
	require.NoError(t, err)
	assert.Contains(t, effects["nouns"], "students")

	chat := &fakeChat{replies: map[string][]string{"noun phrases": {`{"nouns": ["students", "grade 9"]}`}}}
	stage = &ExtractQueryNoun{deps: Deps{Chat: chat, Logger: zap.NewNop()}}
	effects, err = stage.Run(context.Background(), tk, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"students", "grade 9"}, effects["nouns"])
}

func TestColumnRetrieve(t *testing.T) {
	columns := []string{"classes.id", "classes.title", "students.grade", "students.id", "students.name"}
	history := pipeline.History{
		success(pipeline.StageGenerateDBSchema, map[string]any{"columns": columns}),
		success(pipeline.StageExtractColValue, map[string]any{"keywords": []string{"grade"}}),
		success(pipeline.StageExtractQueryNoun, map[string]any{"nouns": []string{"students"}}),
	}

	t.Run("lexical", func(t *testing.T) {
		stage := &ColumnRetrieve{deps: Deps{Config: &config.Config{
			StageConfig: map[string]map[string]any{string(pipeline.StageColumnRetrieve): {"top_k": 2}},
		}}}
		effects, err := stage.Run(context.Background(), schoolTask(""), history)
		require.NoError(t, err)
		assert.Equal(t, []string{"students.grade", "students.id"}, effects["columns"])
		scores := effects["column_scores"].(map[string]float64)
		assert.Equal(t, 1.0, scores["students.grade"])
		assert.Equal(t, 0.0, scores["classes.title"])
	})

	t.Run("embedding", func(t *testing.T) {
		emb := &fakeEmbedder{vectors: map[string][]float32{
			"grade":          {1, 0, 0},
			"students":       {0, 1, 0},
			"students grade": {1, 0.2, 0},
			"students name":  {0, 1, 0.1},
		}}
		stage := &ColumnRetrieve{deps: Deps{Embedder: emb}}
		effects, err := stage.Run(context.Background(), schoolTask(""), history)
		require.NoError(t, err)
		ranked := effects["columns"].([]string)
		assert.ElementsMatch(t, []string{"students.grade", "students.name"}, ranked[:2])
	})

	t.Run("no columns", func(t *testing.T) {
		stage := &ColumnRetrieve{}
		_, err := stage.Run(context.Background(), schoolTask(""), pipeline.History{
			success(pipeline.StageGenerateDBSchema, map[string]any{"columns": []string{}}),
		})
		assert.Error(t, err)
	})

	t.Run("missing schema", func(t *testing.T) {
		stage := &ColumnRetrieve{}
		_, err := stage.Run(context.Background(), schoolTask(""), pipeline.History{failed(pipeline.StageGenerateDBSchema)})
		require.Error(t, err)
		assert.Equal(t, apperrors.ErrorCodeValidation, apperrors.CategorizeError(err))
	})
}

func TestCandidateGenerate(t *testing.T) {
	history := pipeline.History{
		success(pipeline.StageGenerateDBSchema, map[string]any{"db_schema": "CREATE TABLE students (id, name, grade)"}),
		success(pipeline.StageColumnRetrieve, map[string]any{"columns": []string{"students.grade"}}),
	}

	chat := &fakeChat{replies: map[string][]string{"Question:": {
		"```sql\nSELECT COUNT(*) FROM students WHERE grade = 9;\n```",
		"SELECT COUNT(*) FROM students WHERE grade = 9",
		"```sql\nSELECT COUNT(id) FROM students WHERE grade = 9\n```",
	}}}
	stage := &CandidateGenerate{deps: Deps{Chat: chat, Config: &config.Config{
		StageConfig: map[string]map[string]any{string(pipeline.StageCandidateGenerate): {"n": 3, "temperature": 0.5}},
	}}}

	effects, err := stage.Run(context.Background(), schoolTask(""), history)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"SELECT COUNT(*) FROM students WHERE grade = 9",
		"SELECT COUNT(id) FROM students WHERE grade = 9",
	}, effects[pipeline.KeySQL])

	require.Len(t, chat.opts, 1)
	assert.Equal(t, 3, chat.opts[0].N)
	assert.InDelta(t, 0.5, chat.opts[0].Temperature, 1e-6)
	assert.Contains(t, chat.prompts[0], "students.grade")

	_, err = (&CandidateGenerate{}).Run(context.Background(), schoolTask(""), history)
	assert.ErrorIs(t, err, apperrors.ErrInvalidConfig)

	empty := &CandidateGenerate{deps: Deps{Chat: &fakeChat{}}}
	_, err = empty.Run(context.Background(), schoolTask(""), history)
	assert.Error(t, err)
}

func TestAlignCorrect(t *testing.T) {
	db := newSchoolDB(t)
	history := pipeline.History{
		success(pipeline.StageGenerateDBSchema, map[string]any{"db_schema": "CREATE TABLE students (id, name, grade)"}),
		success(pipeline.StageCandidateGenerate, map[string]any{pipeline.KeySQL: []string{
			"SELECT COUNT(*) FROM pupils WHERE grade = 9",
			"SELECT COUNT(*) FROM students WHERE grade = 9",
		}}),
	}

	t.Run("repairs failing candidates", func(t *testing.T) {
		chat := &fakeChat{replies: map[string][]string{"pupils": {"```sql\nSELECT COUNT(*) FROM students WHERE grade = 9\n```"}}}
		stage := &AlignCorrect{deps: Deps{DB: db, Chat: chat, Logger: zap.NewNop()}}
		effects, err := stage.Run(context.Background(), schoolTask(""), history)
		require.NoError(t, err)
		assert.Equal(t, "SELECT COUNT(*) FROM students WHERE grade = 9", effects[pipeline.KeySQL])
		assert.Equal(t, []string{"SELECT COUNT(*) FROM students WHERE grade = 9"}, effects["candidates"])

		corrections := effects["corrections"].([]map[string]any)
		require.Len(t, corrections, 1)
		assert.Equal(t, true, corrections[0]["fixed"])
		assert.Contains(t, corrections[0]["error"], "no such table")
	})

	t.Run("without a model failing candidates are kept", func(t *testing.T) {
		stage := &AlignCorrect{deps: Deps{DB: db, Logger: zap.NewNop()}}
		effects, err := stage.Run(context.Background(), schoolTask(""), history)
		require.NoError(t, err)
		assert.Equal(t, "SELECT COUNT(*) FROM students WHERE grade = 9", effects[pipeline.KeySQL])
		assert.Len(t, effects["candidates"], 2)
	})

	t.Run("nothing executes", func(t *testing.T) {
		bad := pipeline.History{success(pipeline.StageCandidateGenerate, map[string]any{pipeline.KeySQL: []string{"SELECT nope FROM students"}})}
		stage := &AlignCorrect{deps: Deps{DB: db, Logger: zap.NewNop()}}
		effects, err := stage.Run(context.Background(), schoolTask(""), bad)
		require.NoError(t, err)
		assert.Equal(t, "SELECT nope FROM students", effects[pipeline.KeySQL])
	})

	t.Run("requires candidates", func(t *testing.T) {
		stage := &AlignCorrect{deps: Deps{DB: db, Logger: zap.NewNop()}}
		_, err := stage.Run(context.Background(), schoolTask(""), nil)
		assert.Error(t, err)
	})
}

func TestVote(t *testing.T) {
	db := newSchoolDB(t)

	tests := []struct {
		name       string
		candidates []string
		want       string
		agreement  int
	}{
		{
			name: "majority wins",
			candidates: []string{
				"SELECT name FROM students WHERE grade = 10",
				"SELECT COUNT(*) FROM students WHERE grade = 9",
				"SELECT COUNT(id) FROM students WHERE grade = 9",
			},
			want:      "SELECT COUNT(*) FROM students WHERE grade = 9",
			agreement: 2,
		},
		{
			name: "tie goes to earliest",
			candidates: []string{
				"SELECT name FROM students WHERE grade = 10",
				"SELECT COUNT(*) FROM students",
			},
			want:      "SELECT name FROM students WHERE grade = 10",
			agreement: 1,
		},
		{
			name: "failing candidates do not vote",
			candidates: []string{
				"SELECT nope FROM students",
				"SELECT COUNT(*) FROM students",
			},
			want:      "SELECT COUNT(*) FROM students",
			agreement: 1,
		},
		{
			name:       "nothing executes",
			candidates: []string{"SELECT nope FROM students", "SELECT nada FROM students"},
			want:       "SELECT nope FROM students",
			agreement:  0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stage := &Vote{deps: Deps{DB: db}}
			history := pipeline.History{success(pipeline.StageAlignCorrect, map[string]any{"candidates": tt.candidates})}
			effects, err := stage.Run(context.Background(), schoolTask(""), history)
			require.NoError(t, err)
			assert.Equal(t, tt.want, effects[pipeline.KeySQL])
			assert.Equal(t, tt.agreement, effects["agreement"])
			assert.Equal(t, len(tt.candidates), effects["candidate_count"])
		})
	}

	t.Run("falls back to generated candidates", func(t *testing.T) {
		stage := &Vote{deps: Deps{DB: db}}
		history := pipeline.History{
			failed(pipeline.StageAlignCorrect),
			success(pipeline.StageCandidateGenerate, map[string]any{pipeline.KeySQL: []string{"SELECT 1"}}),
		}
		effects, err := stage.Run(context.Background(), schoolTask(""), history)
		require.NoError(t, err)
		assert.Equal(t, "SELECT 1", effects[pipeline.KeySQL])
	})

	t.Run("no candidates", func(t *testing.T) {
		_, err := (&Vote{deps: Deps{DB: db}}).Run(context.Background(), schoolTask(""), nil)
		assert.Error(t, err)
	})
}

func TestEvaluation(t *testing.T) {
	db := newSchoolDB(t)
	history := pipeline.History{
		success(pipeline.StageCandidateGenerate, map[string]any{pipeline.KeySQL: []string{"SELECT COUNT(*) FROM students"}}),
		success(pipeline.StageVote, map[string]any{pipeline.KeySQL: "SELECT COUNT(*) FROM students WHERE grade = 9"}),
	}

	stage := &Evaluation{deps: Deps{DB: db}}
	effects, err := stage.Run(context.Background(), schoolTask("SELECT COUNT(id) FROM students WHERE grade = 9"), history)
	require.NoError(t, err)

	assert.Equal(t, 1, effects[pipeline.KeyExecRes])
	assert.Equal(t, sqlexec.ExecOK, effects[pipeline.KeyExecErr])
	assert.Equal(t, "SELECT COUNT(*) FROM students WHERE grade = 9", effects["evaluated_sql"])
	assert.Equal(t, map[string]any{pipeline.KeyExecRes: 0, pipeline.KeyExecErr: stats.IncorrectAnswer}, effects[string(pipeline.StageCandidateGenerate)])
	assert.NotContains(t, effects, pipeline.KeySQL)

	ev, ok := stats.ParseEvaluation(effects[string(pipeline.StageVote)])
	require.True(t, ok)
	assert.Equal(t, stats.OutcomeCorrect, ev.Outcome())

	t.Run("without reference", func(t *testing.T) {
		effects, err := stage.Run(context.Background(), schoolTask(""), history)
		require.NoError(t, err)
		assert.Equal(t, 1, effects[pipeline.KeyExecRes])
		assert.Equal(t, false, effects["has_reference"])
	})

	t.Run("no answer", func(t *testing.T) {
		_, err := stage.Run(context.Background(), schoolTask(""), pipeline.History{failed(pipeline.StageVote)})
		require.Error(t, err)
		assert.Equal(t, apperrors.ErrorCodeValidation, apperrors.CategorizeError(err))
	})
}

func TestKeywords(t *testing.T) {
	assert.Equal(t, []string{"students", "grade"}, keywords("How many students are in the grade? Students!"))
	assert.Equal(t, []string{"alice", "bob"}, quotedValues(`named 'alice' or "bob"`))
	assert.Equal(t, []string{"a", "b"}, dedupe([]string{" a", "b", "a", ""}))
}
