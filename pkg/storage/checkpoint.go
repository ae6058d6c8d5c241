package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	apperrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/pipeline"
)

// CheckpointStore reads histories from a previous run so stages can be replayed.
// Load never fails: anything that prevents reading a checkpoint yields an empty history.
type CheckpointStore struct {
	enabled      bool
	dir          string
	remote       BlobStorageClient
	remotePrefix string
	logger       *zap.Logger
}

// CheckpointOption configures a CheckpointStore
type CheckpointOption func(*CheckpointStore)

// WithRemoteCheckpoints falls back to blob storage under prefix when the local file is missing
func WithRemoteCheckpoints(client BlobStorageClient, prefix string) CheckpointOption {
	return func(c *CheckpointStore) {
		c.remote = client
		c.remotePrefix = prefix
	}
}

// NewCheckpointStore creates a store reading from dir. A disabled store always returns empty histories.
func NewCheckpointStore(enabled bool, dir string, logger *zap.Logger, opts ...CheckpointOption) *CheckpointStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &CheckpointStore{
		enabled: enabled && dir != "",
		dir:     dir,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Enabled reports whether checkpoints are consulted
func (c *CheckpointStore) Enabled() bool {
	return c != nil && c.enabled
}

// Load returns the checkpointed history of (sourceID, seqID) restricted to the
// allowed stages. An empty allowed list keeps every stage.
func (c *CheckpointStore) Load(ctx context.Context, sourceID string, seqID int, allowed []pipeline.StageName) pipeline.History {
	if !c.Enabled() {
		return pipeline.History{}
	}

	name := HistoryFileName(sourceID, seqID)
	data, err := c.read(ctx, name)
	if err != nil {
		if !errors.Is(err, apperrors.ErrCheckpointNotFound) {
			c.logger.Warn("Failed to read checkpoint",
				zap.String("checkpoint", name),
				zap.Error(err))
		}
		return pipeline.History{}
	}

	h, err := DecodeHistory(data)
	if err != nil {
		c.logger.Warn("Ignoring unreadable checkpoint",
			zap.String("checkpoint", name),
			zap.Error(err))
		return pipeline.History{}
	}

	filtered := h.Filter(allowed)
	c.logger.Debug("Loaded checkpoint",
		zap.String("checkpoint", name),
		zap.Int("stages", len(h)),
		zap.Int("replayed", len(filtered)))
	return filtered
}

// read returns ErrCheckpointNotFound when neither the local dir nor the remote holds name
func (c *CheckpointStore) read(ctx context.Context, name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(c.dir, name))
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		return data, err
	}
	if c.remote != nil {
		data, err = c.remote.DownloadResult(ctx, c.remotePrefix+name)
		if err == nil || !errors.Is(err, ErrBlobNotFound) {
			return data, err
		}
	}
	return nil, fmt.Errorf("%w: %s", apperrors.ErrCheckpointNotFound, name)
}
