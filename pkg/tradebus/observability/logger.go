// Package observability provides logging, metrics, and tracing hooks for the
// event bus.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds dispatch context to a logger.
// Returns a new logger with event_id, event_type, and handler fields.
func EnrichLogger(logger *slog.Logger, eventID, eventType, handler string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("event_id", eventID),
		slog.String("event_type", eventType),
		slog.String("handler", handler),
	)
}

// LogBusStart logs bus startup.
func LogBusStart(logger *slog.Logger, workers, queueCapacity int) {
	if logger == nil {
		return
	}
	logger.Info("event bus started",
		slog.Int("workers", workers),
		slog.Int("queue_capacity", queueCapacity),
	)
}

// LogBusStop logs bus shutdown.
func LogBusStop(logger *slog.Logger, graceful bool) {
	if logger == nil {
		return
	}
	if graceful {
		logger.Info("event bus stopped")
		return
	}
	logger.Warn("event bus stopped before all workers finished")
}

// LogPublish logs a successful enqueue.
func LogPublish(logger *slog.Logger, eventID, eventType string, queueDepth int) {
	if logger == nil {
		return
	}
	logger.Debug("event published",
		slog.String("event_id", eventID),
		slog.String("event_type", eventType),
		slog.Int("queue_depth", queueDepth),
	)
}

// LogHandlerError logs a failed handler invocation.
func LogHandlerError(logger *slog.Logger, eventID, handler string, attempt int, err error) {
	if logger == nil {
		return
	}
	logger.Warn("handler failed",
		slog.String("event_id", eventID),
		slog.String("handler", handler),
		slog.Int("attempt", attempt),
		slog.String("error", err.Error()),
	)
}

// LogRetryScheduled logs a scheduled retry attempt.
func LogRetryScheduled(logger *slog.Logger, eventID, handler string, attempt int, at time.Time) {
	if logger == nil {
		return
	}
	logger.Debug("retry scheduled",
		slog.String("event_id", eventID),
		slog.String("handler", handler),
		slog.Int("attempt", attempt),
		slog.Time("scheduled_at", at),
	)
}

// LogRetryRecovered logs a handler succeeding on retry.
func LogRetryRecovered(logger *slog.Logger, eventID, handler string, attempt int) {
	if logger == nil {
		return
	}
	logger.Info("handler recovered on retry",
		slog.String("event_id", eventID),
		slog.String("handler", handler),
		slog.Int("attempt", attempt),
	)
}

// LogDeadLetter logs a terminal delivery failure.
func LogDeadLetter(logger *slog.Logger, eventID, eventType, handler string, attempts int, err error) {
	if logger == nil {
		return
	}
	logger.Error("event dead-lettered",
		slog.String("event_id", eventID),
		slog.String("event_type", eventType),
		slog.String("handler", handler),
		slog.Int("attempts", attempts),
		slog.String("error", err.Error()),
	)
}

// LogStoreError logs a persistence failure (non-fatal for delivery).
func LogStoreError(logger *slog.Logger, op, eventID string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("event store operation failed",
		slog.String("operation", op),
		slog.String("event_id", eventID),
		slog.String("error", err.Error()),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time.
func TimedOperation() func() time.Duration {
	start := time.Now()
	return func() time.Duration {
		return time.Since(start)
	}
}
