package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records event bus metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordPublish records an accepted publish.
	RecordPublish(ctx context.Context, eventType string)

	// RecordDispatch records one handler invocation with its duration and
	// error status.
	RecordDispatch(ctx context.Context, eventType, handler string, duration time.Duration, err error)

	// RecordRetry records a scheduled retry attempt.
	RecordRetry(ctx context.Context, eventType string)

	// RecordDeadLetter records a terminal delivery failure.
	RecordDeadLetter(ctx context.Context, eventType string)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	published       metric.Int64Counter
	dispatches      metric.Int64Counter
	dispatchErrors  metric.Int64Counter
	dispatchLatency metric.Float64Histogram
	retries         metric.Int64Counter
	deadLettered    metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics returns the default OTel metrics instance.
// Lazily initializes the metrics on first call.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

// newOtelMetrics creates a new OTel metrics instance.
func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("tradebus")

	published, err := meter.Int64Counter("tradebus.events.published",
		metric.WithDescription("Number of events accepted onto the inbound queue"),
	)
	if err != nil {
		return nil, err
	}

	dispatches, err := meter.Int64Counter("tradebus.events.processed",
		metric.WithDescription("Number of handler invocations"),
	)
	if err != nil {
		return nil, err
	}

	dispatchErrors, err := meter.Int64Counter("tradebus.events.failed",
		metric.WithDescription("Number of failed handler invocations"),
	)
	if err != nil {
		return nil, err
	}

	dispatchLatency, err := meter.Float64Histogram("tradebus.dispatch.latency_ms",
		metric.WithDescription("Handler invocation latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	retries, err := meter.Int64Counter("tradebus.events.retries",
		metric.WithDescription("Number of scheduled retry attempts"),
	)
	if err != nil {
		return nil, err
	}

	deadLettered, err := meter.Int64Counter("tradebus.events.dead_lettered",
		metric.WithDescription("Number of terminal delivery failures"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		published:       published,
		dispatches:      dispatches,
		dispatchErrors:  dispatchErrors,
		dispatchLatency: dispatchLatency,
		retries:         retries,
		deadLettered:    deadLettered,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// RecordPublish records an accepted publish.
func (m *otelMetrics) RecordPublish(ctx context.Context, eventType string) {
	m.published.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}

// RecordDispatch records one handler invocation.
func (m *otelMetrics) RecordDispatch(ctx context.Context, eventType, handler string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("event_type", eventType),
		attribute.String("handler", handler),
	}

	m.dispatches.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.dispatchLatency.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))

	if err != nil {
		m.dispatchErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordRetry records a scheduled retry attempt.
func (m *otelMetrics) RecordRetry(ctx context.Context, eventType string) {
	m.retries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}

// RecordDeadLetter records a terminal delivery failure.
func (m *otelMetrics) RecordDeadLetter(ctx context.Context, eventType string) {
	m.deadLettered.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}
