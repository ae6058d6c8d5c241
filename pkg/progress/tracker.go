// Package progress reports run progress with a rolling ETA.
package progress

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// window is the number of recent task durations the ETA averages over
const window = 20

// Snapshot is a point-in-time progress report
type Snapshot struct {
	Total          int           `json:"total"`
	Processed      int           `json:"processed"`
	Succeeded      int           `json:"succeeded"`
	Failed         int           `json:"failed"`
	Percent        float64       `json:"percent"`
	Elapsed        time.Duration `json:"elapsed"`
	Remaining      time.Duration `json:"remaining"`
	ETA            string        `json:"eta"`
	TasksPerMinute float64       `json:"tasks_per_minute"`
}

// Tracker counts finished tasks and estimates the time left from the
// average of the most recent task durations
type Tracker struct {
	mu        sync.Mutex
	total     int
	processed int
	succeeded int
	failed    int
	durations []time.Duration
	next      int
	start     time.Time
	last      time.Time
	now       func() time.Time
	logger    *zap.Logger
}

// NewTracker starts tracking total tasks
func NewTracker(total int, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracker{
		total:     total,
		durations: make([]time.Duration, 0, window),
		now:       time.Now,
		logger:    logger,
	}
	t.start = t.now()
	t.last = t.start
	return t
}

// Update records one finished task and logs a progress line
func (t *Tracker) Update(key string, succeeded bool, sql string) Snapshot {
	t.mu.Lock()
	now := t.now()
	t.record(now.Sub(t.last))
	t.last = now
	t.processed++
	if succeeded {
		t.succeeded++
	} else {
		t.failed++
	}
	snap := t.snapshotLocked(now)
	t.mu.Unlock()

	t.logger.Info("Progress",
		zap.String("task", key),
		zap.Int("processed", snap.Processed),
		zap.Int("total", snap.Total),
		zap.String("percent", fmt.Sprintf("%.1f%%", snap.Percent)),
		zap.String("eta", snap.ETA),
		zap.String("rate", fmt.Sprintf("%.1f/min", snap.TasksPerMinute)),
		zap.Bool("succeeded", succeeded),
		zap.String("sql", sql),
	)
	return snap
}

// Snapshot returns the current progress without recording anything
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked(t.now())
}

func (t *Tracker) record(d time.Duration) {
	if len(t.durations) < window {
		t.durations = append(t.durations, d)
		return
	}
	t.durations[t.next] = d
	t.next = (t.next + 1) % window
}

func (t *Tracker) snapshotLocked(now time.Time) Snapshot {
	s := Snapshot{
		Total:     t.total,
		Processed: t.processed,
		Succeeded: t.succeeded,
		Failed:    t.failed,
		Elapsed:   now.Sub(t.start),
		ETA:       "calculating",
	}
	if t.total > 0 {
		s.Percent = float64(t.processed) / float64(t.total) * 100
	}
	if s.Elapsed > 0 {
		s.TasksPerMinute = float64(t.processed) / s.Elapsed.Minutes()
	}

	if len(t.durations) > 0 {
		var sum time.Duration
		for _, d := range t.durations {
			sum += d
		}
		avg := sum / time.Duration(len(t.durations))
		remaining := t.total - t.processed
		if remaining < 0 {
			remaining = 0
		}
		s.Remaining = avg * time.Duration(remaining)
		s.ETA = FormatETA(s.Remaining)
	}
	return s
}

// FormatETA renders d as "Ns" under a minute, "Nm Ns" under an hour, else "Nh Nm"
func FormatETA(d time.Duration) string {
	secs := int(d.Seconds())
	switch {
	case secs < 60:
		return fmt.Sprintf("%ds", secs)
	case secs < 3600:
		return fmt.Sprintf("%dm %ds", secs/60, secs%60)
	default:
		return fmt.Sprintf("%dh %dm", secs/3600, (secs%3600)/60)
	}
}
