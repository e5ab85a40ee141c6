package observability

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// capturedLogger returns a logger writing JSON lines into buf at debug level.
func capturedLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// lastRecord decodes the final JSON log line from buf.
func lastRecord(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.NotEmpty(t, lines)

	var data map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &data))
	return data
}

func TestEnrichLogger(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := EnrichLogger(capturedLogger(buf), "evt-1", "order.placed", "risk-check")
	require.NotNil(t, logger)

	logger.Info("test")

	data := lastRecord(t, buf)
	assert.Equal(t, "evt-1", data["event_id"])
	assert.Equal(t, "order.placed", data["event_type"])
	assert.Equal(t, "risk-check", data["handler"])
}

func TestEnrichLoggerNil(t *testing.T) {
	assert.Nil(t, EnrichLogger(nil, "evt-1", "order.placed", "h"))
}

func TestLogBusLifecycle(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := capturedLogger(buf)

	LogBusStart(logger, 4, 1000)
	data := lastRecord(t, buf)
	assert.Equal(t, "event bus started", data["msg"])
	assert.Equal(t, float64(4), data["workers"])
	assert.Equal(t, float64(1000), data["queue_capacity"])

	LogBusStop(logger, true)
	data = lastRecord(t, buf)
	assert.Equal(t, "event bus stopped", data["msg"])
	assert.Equal(t, "INFO", data["level"])

	LogBusStop(logger, false)
	data = lastRecord(t, buf)
	assert.Equal(t, "WARN", data["level"])
}

func TestLogPublish(t *testing.T) {
	buf := &bytes.Buffer{}
	LogPublish(capturedLogger(buf), "evt-1", "market.tick", 7)

	data := lastRecord(t, buf)
	assert.Equal(t, "event published", data["msg"])
	assert.Equal(t, "evt-1", data["event_id"])
	assert.Equal(t, float64(7), data["queue_depth"])
}

func TestLogHandlerError(t *testing.T) {
	buf := &bytes.Buffer{}
	LogHandlerError(capturedLogger(buf), "evt-1", "risk-check", 2, errors.New("limit breached"))

	data := lastRecord(t, buf)
	assert.Equal(t, "handler failed", data["msg"])
	assert.Equal(t, "WARN", data["level"])
	assert.Equal(t, float64(2), data["attempt"])
	assert.Equal(t, "limit breached", data["error"])
}

func TestLogDeadLetter(t *testing.T) {
	buf := &bytes.Buffer{}
	LogDeadLetter(capturedLogger(buf), "evt-1", "order.placed", "risk-check", 3, errors.New("permanent"))

	data := lastRecord(t, buf)
	assert.Equal(t, "event dead-lettered", data["msg"])
	assert.Equal(t, "ERROR", data["level"])
	assert.Equal(t, float64(3), data["attempts"])
}

func TestLogStoreError(t *testing.T) {
	buf := &bytes.Buffer{}
	LogStoreError(capturedLogger(buf), "append", "evt-1", errors.New("disk full"))

	data := lastRecord(t, buf)
	assert.Equal(t, "event store operation failed", data["msg"])
	assert.Equal(t, "append", data["operation"])
	assert.Equal(t, "disk full", data["error"])
}

func TestLogHelpersNilLogger(t *testing.T) {
	// Every helper must tolerate a nil logger.
	assert.NotPanics(t, func() {
		LogBusStart(nil, 1, 1)
		LogBusStop(nil, true)
		LogPublish(nil, "e", "t", 0)
		LogHandlerError(nil, "e", "h", 0, errors.New("x"))
		LogRetryScheduled(nil, "e", "h", 1, time.Now())
		LogRetryRecovered(nil, "e", "h", 1)
		LogDeadLetter(nil, "e", "t", "h", 1, errors.New("x"))
		LogStoreError(nil, "op", "e", errors.New("x"))
	})
}

func TestTimedOperation(t *testing.T) {
	done := TimedOperation()
	time.Sleep(10 * time.Millisecond)
	elapsed := done()

	assert.GreaterOrEqual(t, elapsed, 10*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}

func TestLogRetryScheduled(t *testing.T) {
	buf := &bytes.Buffer{}
	at := time.Now().Add(2 * time.Second)
	LogRetryScheduled(capturedLogger(buf), "evt-1", "risk-check", 1, at)

	data := lastRecord(t, buf)
	assert.Equal(t, "retry scheduled", data["msg"])
	assert.Equal(t, float64(1), data["attempt"])
}
