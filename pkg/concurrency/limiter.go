package concurrency

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// LimiterStats is a snapshot of limiter activity
type LimiterStats struct {
	Capacity        int
	Active          int64
	TotalAcquired   int64
	TotalReleased   int64
	PeakConcurrent  int64
	TotalWaitTimeNs int64
}

// AverageWait returns the mean time spent waiting for a slot
func (s LimiterStats) AverageWait() time.Duration {
	if s.TotalAcquired == 0 {
		return 0
	}
	return time.Duration(s.TotalWaitTimeNs / s.TotalAcquired)
}

// Limiter provides semaphore-based concurrency control with observability.
// Workers in the thread and async backends take a slot per execution context.
type Limiter struct {
	sem             chan struct{}
	active          atomic.Int64
	totalAcquired   atomic.Int64
	totalReleased   atomic.Int64
	peakConcurrent  atomic.Int64
	totalWaitTimeNs atomic.Int64
	circuitBreaker  *CircuitBreaker
}

// NewLimiter creates a new concurrency limiter with the specified maximum concurrent operations
func NewLimiter(maxConcurrent int) *Limiter {
	return NewLimiterWithCircuitBreaker(maxConcurrent, nil)
}

// NewLimiterWithCircuitBreaker creates a limiter that refuses slots while cb is open.
// A nil cb disables the check.
func NewLimiterWithCircuitBreaker(maxConcurrent int, cb *CircuitBreaker) *Limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	return &Limiter{
		sem:            make(chan struct{}, maxConcurrent),
		circuitBreaker: cb,
	}
}

// Acquire attempts to acquire a slot in the limiter with context support.
// Returns an error if context is cancelled or the circuit breaker is open.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l.circuitBreaker != nil && l.circuitBreaker.IsOpen() {
		return fmt.Errorf("circuit breaker is open")
	}

	start := time.Now()

	select {
	case l.sem <- struct{}{}:
		l.totalWaitTimeNs.Add(time.Since(start).Nanoseconds())
		l.totalAcquired.Add(1)
		l.updatePeak(l.active.Add(1))
		return nil

	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release releases a slot back to the limiter
func (l *Limiter) Release() {
	select {
	case <-l.sem:
		l.active.Add(-1)
		l.totalReleased.Add(1)
	default:
	}
}

// Do runs fn while holding a slot and records the outcome on the circuit breaker
func (l *Limiter) Do(ctx context.Context, fn func() error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer l.Release()

	err := fn()
	if l.circuitBreaker != nil {
		if err != nil {
			l.circuitBreaker.RecordFailure()
		} else {
			l.circuitBreaker.RecordSuccess()
		}
	}
	return err
}

// CurrentActive returns the current number of held slots
func (l *Limiter) CurrentActive() int64 {
	return l.active.Load()
}

// Stats returns a snapshot of the limiter metrics
func (l *Limiter) Stats() LimiterStats {
	return LimiterStats{
		Capacity:        cap(l.sem),
		Active:          l.active.Load(),
		TotalAcquired:   l.totalAcquired.Load(),
		TotalReleased:   l.totalReleased.Load(),
		PeakConcurrent:  l.peakConcurrent.Load(),
		TotalWaitTimeNs: l.totalWaitTimeNs.Load(),
	}
}

// updatePeak updates the peak concurrent count if current is higher
func (l *Limiter) updatePeak(current int64) {
	for {
		peak := l.peakConcurrent.Load()
		if current <= peak {
			return
		}
		if l.peakConcurrent.CompareAndSwap(peak, current) {
			return
		}
	}
}
