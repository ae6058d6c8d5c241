package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestFormatETA(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "0s"},
		{59 * time.Second, "59s"},
		{60 * time.Second, "1m 0s"},
		{125 * time.Second, "2m 5s"},
		{3599 * time.Second, "59m 59s"},
		{3600 * time.Second, "1h 0m"},
		{2*time.Hour + 30*time.Minute + 40*time.Second, "2h 30m"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatETA(tt.in))
		})
	}
}

func TestTrackerETAUsesRecentAverage(t *testing.T) {
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tr := NewTracker(100, nil)
	tr.now = func() time.Time { return clock }
	tr.start, tr.last = clock, clock

	snap := tr.Snapshot()
	assert.Equal(t, "calculating", snap.ETA)

	// 30 slow tasks, then 20 fast ones push the slow ones out of the window
	for i := 0; i < 30; i++ {
		clock = clock.Add(10 * time.Second)
		tr.Update("q", true, "")
	}
	for i := 0; i < 20; i++ {
		clock = clock.Add(time.Second)
		tr.Update("q", i%2 == 0, "")
	}

	snap = tr.Snapshot()
	assert.Equal(t, 50, snap.Processed)
	assert.Equal(t, 40, snap.Succeeded)
	assert.Equal(t, 10, snap.Failed)
	assert.InDelta(t, 50.0, snap.Percent, 1e-9)
	assert.Equal(t, 50*time.Second, snap.Remaining)
	assert.Equal(t, "50s", snap.ETA)
}

func TestTrackerLogsProgress(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	tr := NewTracker(2, zap.New(core))

	tr.Update("3_school", true, "SELECT 1")

	entries := logs.FilterMessage("Progress").All()
	if assert.Len(t, entries, 1) {
		fields := entries[0].ContextMap()
		assert.Equal(t, "3_school", fields["task"])
		assert.Equal(t, int64(1), fields["processed"])
		assert.Equal(t, "50.0%", fields["percent"])
	}
}
