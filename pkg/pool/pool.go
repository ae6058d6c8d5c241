// Package pool provides fixed-size pools of expensive, reusable resources
// such as embedding model clients.
package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/metrics"
)

// DefaultAcquireTimeout is used when neither the call nor the config sets one
const DefaultAcquireTimeout = 30 * time.Second

// Config defines the pool shape
type Config struct {
	Name           string
	Size           int
	AcquireTimeout time.Duration
	Metrics        *metrics.Recorder
}

// Factory builds one resource. It is called Size times, up front.
type Factory[T any] func(ctx context.Context) (T, error)

// Closer releases a resource at shutdown. May be nil.
type Closer[T any] func(T) error

// Pool hands out a fixed set of pre-built resources
type Pool[T any] struct {
	name           string
	size           int
	acquireTimeout time.Duration
	metrics        *metrics.Recorder
	closer         Closer[T]

	available chan T
	done      chan struct{}
	inflight  sync.WaitGroup

	mu     sync.Mutex
	closed bool

	inUse         atomic.Int64
	totalCreated  atomic.Int64
	totalAcquired atomic.Int64
	totalReleased atomic.Int64
	timeouts      atomic.Int64
}

// Handle is a checked-out resource. Release it exactly once; extra releases are ignored.
type Handle[T any] struct {
	pool     *Pool[T]
	value    T
	released atomic.Bool
}

// Value returns the pooled resource
func (h *Handle[T]) Value() T {
	return h.value
}

// Release returns the resource to its pool
func (h *Handle[T]) Release() {
	h.pool.Release(h)
}

// New builds all Size resources before returning. If any construction fails,
// the resources built so far are closed.
func New[T any](ctx context.Context, cfg Config, factory Factory[T], closer Closer[T]) (*Pool[T], error) {
	if factory == nil {
		return nil, fmt.Errorf("factory cannot be nil")
	}
	if cfg.Size <= 0 {
		return nil, fmt.Errorf("pool size must be greater than 0, got %d", cfg.Size)
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = DefaultAcquireTimeout
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}

	p := &Pool[T]{
		name:           cfg.Name,
		size:           cfg.Size,
		acquireTimeout: cfg.AcquireTimeout,
		metrics:        cfg.Metrics,
		closer:         closer,
		available:      make(chan T, cfg.Size),
		done:           make(chan struct{}),
	}

	for i := 0; i < cfg.Size; i++ {
		res, err := factory(ctx)
		if err != nil {
			p.drain()
			return nil, fmt.Errorf("failed to create resource %d/%d for pool %s: %w", i+1, cfg.Size, cfg.Name, err)
		}
		p.totalCreated.Add(1)
		p.available <- res
	}

	return p, nil
}

// Name returns the pool name
func (p *Pool[T]) Name() string {
	return p.name
}

// Acquire blocks until a resource is free, the timeout elapses, or ctx is done.
// timeout <= 0 uses the configured acquire timeout.
func (p *Pool[T]) Acquire(ctx context.Context, timeout time.Duration) (*Handle[T], error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, apperrors.ErrPoolClosed
	}
	p.inflight.Add(1)
	p.mu.Unlock()

	if timeout <= 0 {
		timeout = p.acquireTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-p.available:
		p.totalAcquired.Add(1)
		p.metrics.SetPoolInUse(p.name, int(p.inUse.Add(1)))
		return &Handle[T]{pool: p, value: res}, nil

	case <-timer.C:
		p.inflight.Done()
		p.timeouts.Add(1)
		p.metrics.ObservePoolTimeout(p.name)
		return nil, fmt.Errorf("%w: pool %s exhausted after %s", apperrors.ErrPoolTimeout, p.name, timeout)

	case <-ctx.Done():
		p.inflight.Done()
		return nil, ctx.Err()

	case <-p.done:
		p.inflight.Done()
		return nil, apperrors.ErrPoolClosed
	}
}

// Release returns a resource to the pool. It is safe to call more than once.
func (p *Pool[T]) Release(h *Handle[T]) {
	if h == nil || h.pool != p || !h.released.CompareAndSwap(false, true) {
		return
	}

	p.totalReleased.Add(1)
	p.metrics.SetPoolInUse(p.name, int(p.inUse.Add(-1)))

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		// Shutdown may have already drained, so the resource is closed here.
		if p.closer != nil {
			_ = p.closer(h.value)
		}
		p.inflight.Done()
		return
	}
	// The channel has room for every resource, so this never blocks.
	p.available <- h.value
	p.mu.Unlock()
	p.inflight.Done()
}

// With runs fn with a pooled resource and releases it on every exit path, panics included
func (p *Pool[T]) With(ctx context.Context, fn func(T) error) error {
	h, err := p.Acquire(ctx, 0)
	if err != nil {
		return err
	}
	defer p.Release(h)
	return fn(h.value)
}

// Stats returns pool statistics
func (p *Pool[T]) Stats() Stats {
	return Stats{
		Name:          p.name,
		Size:          p.size,
		Available:     len(p.available),
		InUse:         int(p.inUse.Load()),
		TotalCreated:  p.totalCreated.Load(),
		TotalAcquired: p.totalAcquired.Load(),
		TotalReleased: p.totalReleased.Load(),
		Timeouts:      p.timeouts.Load(),
	}
}

// Close stops new acquisitions, waits for checked-out resources to come back, then closes them all
func (p *Pool[T]) Close() error {
	return p.Shutdown(context.Background())
}

// Shutdown is Close bounded by ctx. Resources still checked out when ctx ends
// are closed by their Release.
func (p *Pool[T]) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	returned := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(returned)
	}()

	select {
	case <-returned:
	case <-ctx.Done():
		closeErr := p.drain()
		if closeErr != nil {
			return closeErr
		}
		return fmt.Errorf("pool %s shutdown with %d resources in use: %w", p.name, p.inUse.Load(), ctx.Err())
	}

	return p.drain()
}

// drain closes every resource currently sitting in the pool
func (p *Pool[T]) drain() error {
	var firstErr error
	for {
		select {
		case res := <-p.available:
			if p.closer != nil {
				if err := p.closer(res); err != nil && firstErr == nil {
					firstErr = fmt.Errorf("failed to close resource in pool %s: %w", p.name, err)
				}
			}
		default:
			return firstErr
		}
	}
}

// Stats contains pool statistics
type Stats struct {
	Name          string `json:"name"`
	Size          int    `json:"pool_size"`
	Available     int    `json:"available"`
	InUse         int    `json:"in_use"`
	TotalCreated  int64  `json:"total_created"`
	TotalAcquired int64  `json:"total_acquired"`
	TotalReleased int64  `json:"total_released"`
	Timeouts      int64  `json:"timeouts"`
}

// String returns a string representation of the stats
func (s Stats) String() string {
	return fmt.Sprintf(
		"Pool %s: Size=%d, Available=%d, InUse=%d, Created=%d, Acquired=%d, Released=%d, Timeouts=%d",
		s.Name, s.Size, s.Available, s.InUse, s.TotalCreated, s.TotalAcquired, s.TotalReleased, s.Timeouts,
	)
}
