package ironpool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMetricsRecorder_CountersAccumulate(t *testing.T) {
	m := &metricsRecorder{}
	m.recordOpened()
	m.recordOpened()
	m.recordClosed()
	m.recordSubmitted()
	m.recordExecuted(time.Millisecond)
	m.recordErrored()

	snap := m.snapshot(3)
	assert.EqualValues(t, 2, snap.ConnectionsOpened)
	assert.EqualValues(t, 1, snap.ConnectionsClosed)
	assert.EqualValues(t, 1, snap.TasksSubmitted)
	assert.EqualValues(t, 1, snap.TasksExecuted)
	assert.EqualValues(t, 1, snap.TasksErrored)
	assert.Equal(t, 3, snap.QueueDepth)
}

func TestMetricsRecorder_LatencySnapshotPercentiles(t *testing.T) {
	m := &metricsRecorder{}
	for i := 1; i <= 100; i++ {
		m.recordExecuted(time.Duration(i) * time.Millisecond)
	}

	snap := m.latencySnapshot()
	assert.Equal(t, 100, snap.Count)
	assert.Equal(t, 100*time.Millisecond, snap.Max)
	assert.InDelta(t, 50, snap.P50/time.Millisecond, 2)
	assert.InDelta(t, 90, snap.P90/time.Millisecond, 2)
	assert.InDelta(t, 99, snap.P99/time.Millisecond, 2)
}

func TestMetricsRecorder_LatencySampleRollsOverPastCapacity(t *testing.T) {
	m := &metricsRecorder{}
	for i := 0; i < latencySampleSize+10; i++ {
		m.recordExecuted(time.Duration(i+1) * time.Millisecond)
	}

	snap := m.latencySnapshot()
	assert.Equal(t, latencySampleSize, snap.Count)
	// The samples were 1ms..latencySampleSize+10ms; the ring overwrote the
	// first 10, so the newest ones survive and Max is at least
	// latencySampleSize ms.
	assert.GreaterOrEqual(t, snap.Max, time.Duration(latencySampleSize)*time.Millisecond)
}

func TestMetricsRecorder_EmptyLatencySnapshot(t *testing.T) {
	m := &metricsRecorder{}
	snap := m.latencySnapshot()
	assert.Equal(t, LatencySnapshot{}, snap)
}

func TestPercentileIndex(t *testing.T) {
	assert.Equal(t, 0, percentileIndex(1, 50))
	assert.Equal(t, 49, percentileIndex(100, 50))
	assert.Equal(t, 99, percentileIndex(100, 100))
}
