package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
)

// Remote is the second cache level. Values are opaque bytes.
type Remote interface {
	// Get reports found=false for a missing or expired key
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) (bool, error)
	Clear(ctx context.Context) error
	Close() error
}

// hashKey maps an arbitrary cache key onto a token made of [0-9a-f]
func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
