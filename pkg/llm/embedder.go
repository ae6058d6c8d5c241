package llm

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/wehubfusion/Daedalus/pkg/cache"
	"github.com/wehubfusion/Daedalus/pkg/pool"
)

// PooledEmbedder spreads embedding calls over a fixed pool of clients and
// caches vectors by model and text
type PooledEmbedder struct {
	pool    *pool.Pool[Embedder]
	cache   *cache.Cache[[]float32]
	model   string
	timeout time.Duration
}

// NewPooledEmbedder wraps p. c may be nil to disable caching.
func NewPooledEmbedder(p *pool.Pool[Embedder], c *cache.Cache[[]float32], model string, acquireTimeout time.Duration) *PooledEmbedder {
	return &PooledEmbedder{pool: p, cache: c, model: model, timeout: acquireTimeout}
}

// CacheKey is the cache key of one embedded text
func CacheKey(model, text string) string {
	return model + "|" + text
}

// Embed returns vectors for texts, calling a pooled client only for cache misses
func (e *PooledEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))

	var missing []string
	var missingIdx []int
	for i, text := range texts {
		if e.cache != nil {
			if v, ok := e.cache.Get(ctx, CacheKey(e.model, text)); ok {
				out[i] = v
				continue
			}
		}
		missing = append(missing, text)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	h, err := e.pool.Acquire(ctx, e.timeout)
	if err != nil {
		return nil, fmt.Errorf("acquire embedding client: %w", err)
	}
	vectors, err := h.Value().Embed(ctx, missing)
	h.Release()
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(missing) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), len(missing))
	}

	for j, v := range vectors {
		out[missingIdx[j]] = v
		if e.cache != nil {
			e.cache.Set(ctx, CacheKey(e.model, missing[j]), v)
		}
	}
	return out, nil
}

// Cosine returns the cosine similarity of a and b, or 0 when either is empty,
// zero or their lengths differ
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
