package task

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(i int) *int { return &i }

func TestNew(t *testing.T) {
	tests := []struct {
		name         string
		rec          Record
		index        int
		wantID       int
		wantQuestion string
		wantEvidence string
		wantErr      bool
	}{
		{
			name:         "question and evidence joined",
			rec:          Record{QuestionID: intPtr(7), DBID: "school", Question: "How many pupils?", Evidence: "pupils refers to students"},
			index:        3,
			wantID:       7,
			wantQuestion: "How many pupils? pupils refers to students",
			wantEvidence: "pupils refers to students",
		},
		{
			name:         "missing evidence uses sentinel",
			rec:          Record{QuestionID: intPtr(0), DBID: "school", Question: "List teachers "},
			index:        5,
			wantID:       0,
			wantQuestion: "List teachers",
			wantEvidence: NoEvidence,
		},
		{
			name:         "missing id is synthesized from index",
			rec:          Record{DBID: "movies", Question: "Top film"},
			index:        12,
			wantID:       12,
			wantQuestion: "Top film",
			wantEvidence: NoEvidence,
		},
		{
			name:    "db id required",
			rec:     Record{Question: "anything"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := New(tt.rec, tt.index)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, got.QuestionID)
			assert.Equal(t, tt.wantQuestion, got.Question)
			assert.Equal(t, tt.wantEvidence, got.Evidence)
			assert.Equal(t, tt.index, got.OriginalIndex)
		})
	}
}

func TestKey(t *testing.T) {
	tk, err := New(Record{QuestionID: intPtr(42), DBID: "financial", Question: "q"}, 0)
	require.NoError(t, err)
	assert.Equal(t, "42_financial", tk.Key())
	assert.False(t, tk.HasEvidence())
}

func TestLoadDataset(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dev.json")
	content := `[
		{"question_id": 0, "db_id": "a", "question": "q0", "evidence": "e0", "SQL": "SELECT 1", "extra": true},
		{"db_id": "b", "question": "q1"}
	]`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	records, err := LoadDataset(path)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, 0, *records[0].QuestionID)
	assert.Equal(t, "SELECT 1", records[0].SQL)
	assert.Nil(t, records[1].QuestionID)

	_, err = LoadDataset(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}
