package ironpool

import (
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveOptions_Defaults(t *testing.T) {
	cfg := resolveOptions(nil)
	assert.Equal(t, 61, cfg.refillPeriod)
	assert.Equal(t, 100, cfg.parkThreshold)
	assert.False(t, cfg.metrics)
	assert.NotNil(t, cfg.logger)
	assert.NotNil(t, cfg.errorSink)
}

func TestResolveOptions_Overrides(t *testing.T) {
	logger := &recordingLogger{}
	var sunk *TaskError
	cfg := resolveOptions([]Option{
		WithLogger(logger),
		WithMetrics(true),
		WithRefillPeriod(7),
		WithParkThreshold(3),
		WithErrorSink(func(te *TaskError) { sunk = te }),
	})

	assert.Same(t, logger, cfg.logger)
	assert.True(t, cfg.metrics)
	assert.Equal(t, 7, cfg.refillPeriod)
	assert.Equal(t, 3, cfg.parkThreshold)

	cfg.errorSink(&TaskError{WorkerID: 2})
	assert.NotNil(t, sunk)
	assert.Equal(t, 2, sunk.WorkerID)
}

func TestResolveOptions_IgnoresNonPositiveOverrides(t *testing.T) {
	cfg := resolveOptions([]Option{
		WithRefillPeriod(0),
		WithParkThreshold(-5),
		WithLogger(nil),
		WithErrorSink(nil),
	})
	assert.Equal(t, 61, cfg.refillPeriod)
	assert.Equal(t, 100, cfg.parkThreshold)
	assert.NotNil(t, cfg.logger)
	assert.NotNil(t, cfg.errorSink)
}

func TestResolveOptions_DefaultErrorSinkLogsThroughConfiguredLogger(t *testing.T) {
	logger := &recordingLogger{}
	cfg := resolveOptions([]Option{WithLogger(logger)})

	cfg.errorSink(&TaskError{WorkerID: 1, ConnectionID: 9, Cause: assert.AnError})

	assert.Len(t, logger.entries, 1)
	assert.Equal(t, LevelError, logger.entries[0].Level)
	assert.Equal(t, uint64(9), logger.entries[0].ConnectionID)
}

func TestResolveOptions_DefaultErrorSinkIsVisibleWithNoOptions(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	realStderr := os.Stderr
	os.Stderr = w
	// NewDefaultLogger captures os.Stderr at construction time, so the
	// default config (and its default error sink) must be built while the
	// pipe is installed.
	cfg := resolveOptions(nil)
	assert.False(t, cfg.logger.IsEnabled(LevelError), "the general-purpose logger should stay the silent default")

	cfg.errorSink(&TaskError{WorkerID: 1, ConnectionID: 7, Cause: assert.AnError})
	os.Stderr = realStderr
	w.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	assert.NotEmpty(t, out, "a task error with no options configured must still reach diagnostic output")
}

type recordingLogger struct {
	entries []LogEntry
}

func (r *recordingLogger) Log(e LogEntry)            { r.entries = append(r.entries, e) }
func (r *recordingLogger) IsEnabled(LogLevel) bool { return true }
