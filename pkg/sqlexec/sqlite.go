// Package sqlexec runs queries against the per-question SQLite databases and
// compares predicted results with reference results.
package sqlexec

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	apperrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/stats"
)

// Comparison results other than an error text
const (
	ExecOK      = "--"
	ExecTimeout = "timeout"
)

// Executor is what the stages need from a database
type Executor interface {
	Execute(ctx context.Context, dbID, query string) (*ResultSet, error)
	Schema(ctx context.Context, dbID string) (*Schema, error)
	Compare(ctx context.Context, dbID, predicted, reference string) stats.Evaluation
}

// ResultSet holds the rows of one query
type ResultSet struct {
	Columns   []string
	Rows      [][]any
	Truncated bool
}

// Fingerprint identifies the result as an unordered set of rows, so that two
// queries returning the same rows in any order share it
func (r *ResultSet) Fingerprint() string {
	keys := rowSet(r.Rows)
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)
	return strings.Join(sorted, "\x1e")
}

// Table is one table of a schema
type Table struct {
	Name    string   `json:"name"`
	SQL     string   `json:"sql"`
	Columns []string `json:"columns"`
}

// Schema describes a database
type Schema struct {
	DBID   string  `json:"db_id"`
	Tables []Table `json:"tables"`
}

// TableNames lists the tables in schema order
func (s *Schema) TableNames() []string {
	out := make([]string, 0, len(s.Tables))
	for _, t := range s.Tables {
		out = append(out, t.Name)
	}
	return out
}

// DDL joins the CREATE statements of every table
func (s *Schema) DDL() string {
	parts := make([]string, 0, len(s.Tables))
	for _, t := range s.Tables {
		parts = append(parts, strings.TrimSpace(t.SQL)+";")
	}
	return strings.Join(parts, "\n\n")
}

// QualifiedColumns lists every column as table.column
func (s *Schema) QualifiedColumns() []string {
	var out []string
	for _, t := range s.Tables {
		for _, c := range t.Columns {
			out = append(out, t.Name+"."+c)
		}
	}
	return out
}

// SQLite opens {root}/{db_id}/{db_id}.sqlite read-only, one handle per database
type SQLite struct {
	root    string
	timeout time.Duration
	maxRows int
	logger  *zap.Logger

	mu  sync.Mutex
	dbs map[string]*sql.DB
}

// NewSQLite creates an executor over the database root. timeout bounds every
// query; maxRows <= 0 reads all rows.
func NewSQLite(root string, timeout time.Duration, maxRows int, logger *zap.Logger) *SQLite {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLite{
		root:    root,
		timeout: timeout,
		maxRows: maxRows,
		logger:  logger,
		dbs:     make(map[string]*sql.DB),
	}
}

// Path returns the database file for dbID
func (s *SQLite) Path(dbID string) string {
	return filepath.Join(s.root, dbID, dbID+".sqlite")
}

func (s *SQLite) open(dbID string) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if db, ok := s.dbs[dbID]; ok {
		return db, nil
	}

	path := s.Path(dbID)
	if _, err := os.Stat(path); err != nil {
		return nil, apperrors.NewError(apperrors.ErrorCodeNotFound, fmt.Sprintf("database %s not found at %s", dbID, path), err)
	}

	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbID, err)
	}
	s.dbs[dbID] = db
	s.logger.Debug("Opened database", zap.String("db_id", dbID), zap.String("path", path))
	return db, nil
}

// Execute runs query with the configured timeout
func (s *SQLite) Execute(ctx context.Context, dbID, query string) (*ResultSet, error) {
	db, err := s.open(dbID)
	if err != nil {
		return nil, err
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, s.wrap(ctx, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}

	rs := &ResultSet{Columns: cols}
	for rows.Next() {
		if s.maxRows > 0 && len(rs.Rows) >= s.maxRows {
			rs.Truncated = true
			break
		}
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		rs.Rows = append(rs.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap(ctx, err)
	}
	return rs, nil
}

func (s *SQLite) wrap(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: query exceeded %s", apperrors.ErrTimeout, s.timeout)
	}
	return apperrors.NewError(apperrors.ErrorCodeExecution, err.Error(), err)
}

// Schema reads table definitions and column names
func (s *SQLite) Schema(ctx context.Context, dbID string) (*Schema, error) {
	db, err := s.open(dbID)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx,
		`SELECT name, sql FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list tables of %s: %w", dbID, err)
	}

	schema := &Schema{DBID: dbID}
	for rows.Next() {
		var t Table
		var ddl sql.NullString
		if err := rows.Scan(&t.Name, &ddl); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan table: %w", err)
		}
		t.SQL = ddl.String
		schema.Tables = append(schema.Tables, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tables of %s: %w", dbID, err)
	}

	for i := range schema.Tables {
		cols, err := tableColumns(ctx, db, schema.Tables[i].Name)
		if err != nil {
			return nil, err
		}
		schema.Tables[i].Columns = cols
	}
	return schema, nil
}

func tableColumns(ctx context.Context, db *sql.DB, table string) ([]string, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%q)", table))
	if err != nil {
		return nil, fmt.Errorf("describe %s: %w", table, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("scan column of %s: %w", table, err)
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}

// Compare executes both queries and reports exec_res 1 when their rows match as sets.
// exec_err is "--" on a match, "incorrect answer" on a mismatch, "timeout" when
// the predicted query runs too long, or the error text otherwise.
func (s *SQLite) Compare(ctx context.Context, dbID, predicted, reference string) stats.Evaluation {
	pred, err := s.Execute(ctx, dbID, predicted)
	if err != nil {
		return failure(err)
	}
	gold, err := s.Execute(ctx, dbID, reference)
	if err != nil {
		return stats.Evaluation{ExecRes: 0, ExecErr: "reference query failed: " + err.Error()}
	}

	if sameRows(pred.Rows, gold.Rows) {
		return stats.Evaluation{ExecRes: 1, ExecErr: ExecOK}
	}
	return stats.Evaluation{ExecRes: 0, ExecErr: stats.IncorrectAnswer}
}

// Check runs predicted alone. It is the evaluation used when no reference exists.
func Check(ctx context.Context, exec Executor, dbID, predicted string) stats.Evaluation {
	if _, err := exec.Execute(ctx, dbID, predicted); err != nil {
		return failure(err)
	}
	return stats.Evaluation{ExecRes: 1, ExecErr: ExecOK}
}

func failure(err error) stats.Evaluation {
	if apperrors.IsTimeout(err) {
		return stats.Evaluation{ExecRes: 0, ExecErr: ExecTimeout}
	}
	var coded *apperrors.Error
	if errors.As(err, &coded) {
		return stats.Evaluation{ExecRes: 0, ExecErr: coded.Message}
	}
	return stats.Evaluation{ExecRes: 0, ExecErr: err.Error()}
}

func sameRows(a, b [][]any) bool {
	sa, sb := rowSet(a), rowSet(b)
	if len(sa) != len(sb) {
		return false
	}
	for k := range sa {
		if _, ok := sb[k]; !ok {
			return false
		}
	}
	return true
}

func rowSet(rows [][]any) map[string]struct{} {
	set := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		parts := make([]string, len(row))
		for i, v := range row {
			parts[i] = fmt.Sprintf("%v", v)
		}
		set[strings.Join(parts, "\x1f")] = struct{}{}
	}
	return set
}

// Close closes every open database handle
func (s *SQLite) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for id, db := range s.dbs {
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", id, err))
		}
		delete(s.dbs, id)
	}
	return errors.Join(errs...)
}
