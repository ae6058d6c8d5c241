package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/pipeline"
	"github.com/wehubfusion/Daedalus/pkg/task"
)

// HistoryFileName returns the "{question_id}_{db_id}.json" name shared by history and checkpoint files
func HistoryFileName(dbID string, questionID int) string {
	return task.Key(dbID, questionID) + ".json"
}

// EncodeHistory renders a history in the on-disk format: a JSON array indented by four spaces
func EncodeHistory(h pipeline.History) ([]byte, error) {
	if h == nil {
		h = pipeline.History{}
	}
	return json.MarshalIndent(h, "", "    ")
}

// DecodeHistory parses the on-disk format
func DecodeHistory(data []byte) (pipeline.History, error) {
	var h pipeline.History
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, err
	}
	if h == nil {
		h = pipeline.History{}
	}
	return h, nil
}

// HistoryStore writes the live history of each task after every stage.
// It implements pipeline.HistorySink.
type HistoryStore struct {
	dir          string
	mirror       BlobStorageClient
	mirrorPrefix string
	logger       *zap.Logger
}

// HistoryOption configures a HistoryStore
type HistoryOption func(*HistoryStore)

// WithMirror uploads every written history to blob storage under prefix
func WithMirror(client BlobStorageClient, prefix string) HistoryOption {
	return func(s *HistoryStore) {
		s.mirror = client
		s.mirrorPrefix = prefix
	}
}

// NewHistoryStore creates the directory if needed
func NewHistoryStore(dir string, logger *zap.Logger, opts ...HistoryOption) (*HistoryStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("history directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history directory %s: %w", dir, err)
	}

	s := &HistoryStore{dir: dir, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Dir returns the directory holding the history files
func (s *HistoryStore) Dir() string {
	return s.dir
}

// Path returns the history file of a task
func (s *HistoryStore) Path(t *task.Task) string {
	return filepath.Join(s.dir, HistoryFileName(t.DBID, t.QuestionID))
}

// Save replaces the task's history file with the full history.
// The write goes through a temporary file and a rename, so readers never see a torn file.
func (s *HistoryStore) Save(ctx context.Context, t *task.Task, h pipeline.History) error {
	data, err := EncodeHistory(h)
	if err != nil {
		return fmt.Errorf("failed to encode history for %s: %w", t.Key(), err)
	}

	if err := writeFileAtomic(s.Path(t), data); err != nil {
		return err
	}

	if s.mirror != nil {
		blobPath := s.mirrorPrefix + HistoryFileName(t.DBID, t.QuestionID)
		metadata := map[string]string{
			"db_id":       t.DBID,
			"question_id": strconv.Itoa(t.QuestionID),
			"stages":      strconv.Itoa(len(h)),
		}
		if _, err := s.mirror.UploadResult(ctx, blobPath, data, metadata); err != nil {
			s.logger.Warn("Failed to mirror history",
				zap.String("task", t.Key()),
				zap.String("blob_path", blobPath),
				zap.Error(err))
		}
	}
	return nil
}

// Load reads a task's history file. A missing file returns an empty history.
func (s *HistoryStore) Load(t *task.Task) (pipeline.History, error) {
	data, err := os.ReadFile(s.Path(t))
	if os.IsNotExist(err) {
		return pipeline.History{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read history %s: %w", s.Path(t), err)
	}
	return DecodeHistory(data)
}

// writeFileAtomic writes data to a sibling temp file and renames it over path
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close %s: %w", tmpName, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to chmod %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

// WriteJSON writes v as indented JSON, replacing path in one rename
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	return writeFileAtomic(path, data)
}
