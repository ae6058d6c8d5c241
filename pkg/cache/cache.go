package cache

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/metrics"
)

// Config defines one Cache
type Config struct {
	// Name prefixes remote keys and labels metrics
	Name    string
	Enabled bool
	Size    int
	TTL     time.Duration
	Metrics *metrics.Recorder
}

// Stats aggregates both levels
type Stats struct {
	Enabled  bool     `json:"enabled"`
	L1       LRUStats `json:"l1"`
	Remote   bool     `json:"l2_enabled"`
	L2Hits   int64    `json:"l2_hits"`
	L2Misses int64    `json:"l2_misses"`
	L2Errors int64    `json:"l2_errors"`
}

// Cache looks values up in L1 then L2, promoting L2 hits into L1.
// Writes go through to both levels.
type Cache[V any] struct {
	name    string
	enabled bool
	l1      *LRU[V]
	remote  Remote
	metrics *metrics.Recorder
	logger  *zap.Logger

	l2Hits   atomic.Int64
	l2Misses atomic.Int64
	l2Errors atomic.Int64
}

// New creates a cache. remote may be nil.
func New[V any](cfg Config, remote Remote, logger *zap.Logger) *Cache[V] {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	return &Cache[V]{
		name:    cfg.Name,
		enabled: cfg.Enabled,
		l1:      NewLRU[V](cfg.Size, cfg.TTL),
		remote:  remote,
		metrics: cfg.Metrics,
		logger:  logger.With(zap.String("cache", cfg.Name)),
	}
}

// Get returns the cached value for key
func (c *Cache[V]) Get(ctx context.Context, key string) (V, bool) {
	var zero V
	if !c.enabled {
		return zero, false
	}

	if v, ok := c.l1.Get(key); ok {
		c.metrics.ObserveCache(c.name, "l1", "hit")
		return v, true
	}
	c.metrics.ObserveCache(c.name, "l1", "miss")

	if c.remote == nil {
		return zero, false
	}

	data, found, err := c.remote.Get(ctx, c.remoteKey(key))
	if err != nil {
		c.l2Errors.Add(1)
		c.metrics.ObserveCache(c.name, "l2", "error")
		c.logger.Warn("L2 cache read failed", zap.String("key", key), zap.Error(err))
		return zero, false
	}
	if !found {
		c.l2Misses.Add(1)
		c.metrics.ObserveCache(c.name, "l2", "miss")
		return zero, false
	}

	var v V
	if err := json.Unmarshal(data, &v); err != nil {
		c.l2Errors.Add(1)
		c.metrics.ObserveCache(c.name, "l2", "error")
		c.logger.Warn("Discarding undecodable L2 entry", zap.String("key", key), zap.Error(err))
		return zero, false
	}

	c.l2Hits.Add(1)
	c.metrics.ObserveCache(c.name, "l2", "hit")
	c.l1.Set(key, v)
	return v, true
}

// Set stores value at both levels. An L2 failure is logged only.
func (c *Cache[V]) Set(ctx context.Context, key string, value V) {
	if !c.enabled {
		return
	}
	c.l1.Set(key, value)

	if c.remote == nil {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		c.l2Errors.Add(1)
		c.logger.Warn("Failed to encode value for L2", zap.String("key", key), zap.Error(err))
		return
	}
	if err := c.remote.Set(ctx, c.remoteKey(key), data); err != nil {
		c.l2Errors.Add(1)
		c.logger.Warn("L2 cache write failed", zap.String("key", key), zap.Error(err))
	}
}

// GetOrLoad returns the cached value or computes, stores and returns it
func (c *Cache[V]) GetOrLoad(ctx context.Context, key string, load func(context.Context) (V, error)) (V, error) {
	if v, ok := c.Get(ctx, key); ok {
		return v, nil
	}
	v, err := load(ctx)
	if err != nil {
		return v, err
	}
	c.Set(ctx, key, v)
	return v, nil
}

// Delete removes key from both levels and reports whether either held it
func (c *Cache[V]) Delete(ctx context.Context, key string) bool {
	deleted := c.l1.Delete(key)
	if c.remote == nil {
		return deleted
	}

	found, err := c.remote.Delete(ctx, c.remoteKey(key))
	if err != nil {
		c.l2Errors.Add(1)
		c.logger.Warn("L2 cache delete failed", zap.String("key", key), zap.Error(err))
	}
	return deleted || found
}

// Clear empties both levels
func (c *Cache[V]) Clear(ctx context.Context) error {
	c.l1.Clear()
	if c.remote == nil {
		return nil
	}
	return c.remote.Clear(ctx)
}

// Stats returns the counters of both levels
func (c *Cache[V]) Stats() Stats {
	return Stats{
		Enabled:  c.enabled,
		L1:       c.l1.Stats(),
		Remote:   c.remote != nil,
		L2Hits:   c.l2Hits.Load(),
		L2Misses: c.l2Misses.Load(),
		L2Errors: c.l2Errors.Load(),
	}
}

// remoteKey namespaces keys so several caches can share one bucket
func (c *Cache[V]) remoteKey(key string) string {
	return c.name + ":" + key
}
