package sqlexec

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/stats"
)

// newSchoolDB writes {root}/school/school.sqlite with two small tables
func newSchoolDB(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "school")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	db, err := sql.Open("sqlite3", filepath.Join(dir, "school.sqlite"))
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`
		CREATE TABLE students (id INTEGER PRIMARY KEY, name TEXT NOT NULL, grade INTEGER);
		CREATE TABLE classes (id INTEGER PRIMARY KEY, title TEXT);
		INSERT INTO students (id, name, grade) VALUES (1, 'alice', 9), (2, 'bob', 10), (3, 'carol', 9);
		INSERT INTO classes (id, title) VALUES (1, 'math');
	`)
	require.NoError(t, err)
	return root
}

func TestExecute(t *testing.T) {
	s := NewSQLite(newSchoolDB(t), 5*time.Second, 0, nil)
	defer s.Close()

	rs, err := s.Execute(context.Background(), "school", "SELECT name, grade FROM students ORDER BY id")
	require.NoError(t, err)
	assert.Equal(t, []string{"name", "grade"}, rs.Columns)
	require.Len(t, rs.Rows, 3)
	assert.Equal(t, "alice", rs.Rows[0][0])
	assert.Equal(t, int64(9), rs.Rows[0][1])
	assert.False(t, rs.Truncated)
}

func TestExecuteMaxRows(t *testing.T) {
	s := NewSQLite(newSchoolDB(t), 0, 2, nil)
	defer s.Close()

	rs, err := s.Execute(context.Background(), "school", "SELECT id FROM students")
	require.NoError(t, err)
	assert.Len(t, rs.Rows, 2)
	assert.True(t, rs.Truncated)
}

func TestExecuteErrors(t *testing.T) {
	s := NewSQLite(newSchoolDB(t), 5*time.Second, 0, nil)
	defer s.Close()

	_, err := s.Execute(context.Background(), "missing", "SELECT 1")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrorCodeNotFound, apperrors.CategorizeError(err))

	_, err = s.Execute(context.Background(), "school", "SELECT nope FROM students")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrorCodeExecution, apperrors.CategorizeError(err))
	assert.Contains(t, err.Error(), "no such column")

	_, err = s.Execute(context.Background(), "school", "DELETE FROM students")
	assert.Error(t, err, "databases are opened read-only")
}

func TestSchema(t *testing.T) {
	s := NewSQLite(newSchoolDB(t), 0, 0, nil)
	defer s.Close()

	schema, err := s.Schema(context.Background(), "school")
	require.NoError(t, err)
	assert.Equal(t, []string{"classes", "students"}, schema.TableNames())
	assert.Equal(t, []string{"classes.id", "classes.title", "students.id", "students.name", "students.grade"}, schema.QualifiedColumns())
	assert.Contains(t, schema.DDL(), "CREATE TABLE students")
}

func TestCompare(t *testing.T) {
	s := NewSQLite(newSchoolDB(t), 5*time.Second, 0, nil)
	defer s.Close()

	tests := []struct {
		name      string
		predicted string
		want      stats.Evaluation
	}{
		{
			name:      "same rows different order",
			predicted: "SELECT name FROM students WHERE grade = 9 ORDER BY name DESC",
			want:      stats.Evaluation{ExecRes: 1, ExecErr: ExecOK},
		},
		{
			name:      "duplicates collapse as a set",
			predicted: "SELECT s.name FROM students s, classes c WHERE s.grade = 9",
			want:      stats.Evaluation{ExecRes: 1, ExecErr: ExecOK},
		},
		{
			name:      "different rows",
			predicted: "SELECT name FROM students",
			want:      stats.Evaluation{ExecRes: 0, ExecErr: stats.IncorrectAnswer},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.Compare(context.Background(), "school", tt.predicted, "SELECT name FROM students WHERE grade = 9")
			assert.Equal(t, tt.want, got)
		})
	}

	got := s.Compare(context.Background(), "school", "SELEC name", "SELECT 1")
	assert.Equal(t, 0, got.ExecRes)
	assert.Contains(t, got.ExecErr, "syntax error")
	assert.Equal(t, stats.OutcomeError, got.Outcome())
}

func TestCompareTimeout(t *testing.T) {
	s := NewSQLite(newSchoolDB(t), 50*time.Millisecond, 0, nil)
	defer s.Close()

	slow := `WITH RECURSIVE n(x) AS (SELECT 1 UNION ALL SELECT x + 1 FROM n) SELECT count(*) FROM n`
	got := s.Compare(context.Background(), "school", slow, "SELECT 1")
	assert.Equal(t, stats.Evaluation{ExecRes: 0, ExecErr: ExecTimeout}, got)
}

func TestCheck(t *testing.T) {
	s := NewSQLite(newSchoolDB(t), 5*time.Second, 0, nil)
	defer s.Close()

	assert.Equal(t, 1, Check(context.Background(), s, "school", "SELECT 1").ExecRes)
	assert.Equal(t, 0, Check(context.Background(), s, "school", "SELECT * FROM nowhere").ExecRes)
}

func TestFingerprint(t *testing.T) {
	a := &ResultSet{Rows: [][]any{{"x", int64(1)}, {"y", int64(2)}}}
	b := &ResultSet{Rows: [][]any{{"y", int64(2)}, {"x", int64(1)}}}
	c := &ResultSet{Rows: [][]any{{"x", int64(1)}}}

	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
}
