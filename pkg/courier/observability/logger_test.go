package observability

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newJSONLogger returns a debug-level JSON logger writing into buf.
func newJSONLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func lastRecord(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.NotEmpty(t, lines)
	var m map[string]any
	require.NoError(t, json.Unmarshal(lines[len(lines)-1], &m))
	return m
}

func TestComponent(t *testing.T) {
	var buf bytes.Buffer
	Component(newJSONLogger(&buf), "bus").Info("hello")

	record := lastRecord(t, &buf)
	assert.Equal(t, "bus", record["component"])
	assert.NotNil(t, Component(nil, "x"))
}

func TestLogHandlerFailure(t *testing.T) {
	var buf bytes.Buffer
	LogHandlerFailure(newJSONLogger(&buf), "invoice.created", "sub_1", errors.New("boom"))

	record := lastRecord(t, &buf)
	assert.Equal(t, "ERROR", record["level"])
	assert.Equal(t, "invoice.created", record["event"])
	assert.Equal(t, "sub_1", record["subscription_id"])
	assert.Equal(t, "boom", record["error"])
}

func TestLogSendDenied(t *testing.T) {
	var buf bytes.Buffer
	LogSendDenied(newJSONLogger(&buf), "alice", "minute limit reached (20/20)", 42)

	record := lastRecord(t, &buf)
	assert.Equal(t, "WARN", record["level"])
	assert.Equal(t, "alice", record["identity"])
	assert.Equal(t, float64(42), record["retry_after_s"])
}

func TestLogRetryOutcome(t *testing.T) {
	tests := []struct {
		name     string
		success  bool
		terminal bool
		level    string
		msg      string
	}{
		{"success", true, false, "INFO", "event retry succeeded"},
		{"terminal", false, true, "ERROR", "event retry exhausted"},
		{"retryable", false, false, "WARN", "event retry failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			LogRetryOutcome(newJSONLogger(&buf), "ev-1", "invoice.created", 2, tt.success, tt.terminal)

			record := lastRecord(t, &buf)
			assert.Equal(t, tt.level, record["level"])
			assert.Equal(t, tt.msg, record["msg"])
			assert.Equal(t, "ev-1", record["event_id"])
		})
	}
}

func TestNilLoggerHelpers(t *testing.T) {
	assert.NotPanics(t, func() {
		LogHandlerFailure(nil, "", "", errors.New("x"))
		LogPublish(nil, "", 0, 0, 0)
		LogSendDenied(nil, "", "", 0)
		LogSendFailed(nil, "", errors.New("x"))
		LogRetryOutcome(nil, "", "", 0, false, false)
		LogConnectionState(nil, "", "", "")
	})
}

func TestTimedOperation(t *testing.T) {
	done := TimedOperation()
	assert.GreaterOrEqual(t, done(), float64(0))
}
