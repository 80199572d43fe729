package ironpool

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoOpLogger_DiscardsEverything(t *testing.T) {
	l := NewNoOpLogger()
	assert.False(t, l.IsEnabled(LevelError))
	l.Log(LogEntry{Level: LevelError, Message: "should be discarded"})
}

func TestDefaultLogger_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	l := &DefaultLogger{level: LevelWarn, Out: &buf}

	assert.False(t, l.IsEnabled(LevelInfo))
	l.Log(LogEntry{Level: LevelInfo, Message: "ignored"})
	assert.Empty(t, buf.String())

	assert.True(t, l.IsEnabled(LevelWarn))
	l.Log(LogEntry{Level: LevelWarn, Message: "logged"})
	assert.Contains(t, buf.String(), "logged")
}

func TestDefaultLogger_NonTerminalWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	l := NewDefaultLogger(LevelDebug)
	l.Out = &buf

	l.Log(LogEntry{Level: LevelInfo, Category: "pool", WorkerID: 2, Message: "hello \"world\""})

	line := strings.TrimSpace(buf.String())
	require.NotEmpty(t, line)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &decoded))
	assert.Equal(t, "pool", decoded["category"])
	assert.Equal(t, float64(2), decoded["worker"])
}

func TestDefaultLogger_SetLevel(t *testing.T) {
	l := NewDefaultLogger(LevelError)
	assert.False(t, l.IsEnabled(LevelWarn))
	l.SetLevel(LevelWarn)
	assert.True(t, l.IsEnabled(LevelWarn))
}

func TestEscapeJSON(t *testing.T) {
	assert.Equal(t, `line1\nline2`, escapeJSON("line1\nline2"))
	assert.Equal(t, `a\"b`, escapeJSON(`a"b`))
}
