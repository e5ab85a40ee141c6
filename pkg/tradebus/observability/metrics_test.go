package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupMetricsTest creates a test meter provider and returns a function to collect metrics.
func setupMetricsTest(t *testing.T) (*sdkmetric.ManualReader, func()) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	originalProvider := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)

	cleanup := func() {
		otel.SetMeterProvider(originalProvider)
		if err := provider.Shutdown(context.Background()); err != nil {
			t.Logf("Error shutting down meter provider: %v", err)
		}
	}

	return reader, cleanup
}

// collectMetrics collects all metrics from the reader.
func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) *metricdata.ResourceMetrics {
	var rm metricdata.ResourceMetrics
	err := reader.Collect(context.Background(), &rm)
	require.NoError(t, err)
	return &rm
}

// findMetric finds a metric by name in the collected data.
func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumForEventType extracts the counter value recorded for one event type.
func sumForEventType(m *metricdata.Metrics, eventType string) (int64, bool) {
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		return 0, false
	}
	for _, dp := range sum.DataPoints {
		for _, attr := range dp.Attributes.ToSlice() {
			if attr.Key == "event_type" && attr.Value.AsString() == eventType {
				return dp.Value, true
			}
		}
	}
	return 0, false
}

func TestNewMetricsRecorder(t *testing.T) {
	_, cleanup := setupMetricsTest(t)
	defer cleanup()

	recorder := NewMetricsRecorder()
	require.NotNil(t, recorder)
}

func TestRecordPublish(t *testing.T) {
	reader, cleanup := setupMetricsTest(t)
	defer cleanup()

	m, err := newOtelMetrics()
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordPublish(ctx, "order.placed")
	m.RecordPublish(ctx, "order.placed")
	m.RecordPublish(ctx, "market.tick")

	rm := collectMetrics(t, reader)
	metric := findMetric(rm, "tradebus.events.published")
	require.NotNil(t, metric)

	v, found := sumForEventType(metric, "order.placed")
	require.True(t, found, "Expected datapoint for order.placed")
	assert.Equal(t, int64(2), v)

	v, found = sumForEventType(metric, "market.tick")
	require.True(t, found)
	assert.Equal(t, int64(1), v)
}

func TestRecordDispatch(t *testing.T) {
	reader, cleanup := setupMetricsTest(t)
	defer cleanup()

	m, err := newOtelMetrics()
	require.NoError(t, err)

	ctx := context.Background()

	t.Run("records invocation count and latency", func(t *testing.T) {
		m.RecordDispatch(ctx, "order.placed", "risk-check", 50*time.Millisecond, nil)

		rm := collectMetrics(t, reader)

		metric := findMetric(rm, "tradebus.events.processed")
		require.NotNil(t, metric)
		v, found := sumForEventType(metric, "order.placed")
		require.True(t, found)
		assert.GreaterOrEqual(t, v, int64(1))

		latency := findMetric(rm, "tradebus.dispatch.latency_ms")
		require.NotNil(t, latency)
		hist, ok := latency.Data.(metricdata.Histogram[float64])
		require.True(t, ok, "Expected Histogram type")
		require.NotEmpty(t, hist.DataPoints)
	})

	t.Run("records errors when present", func(t *testing.T) {
		m.RecordDispatch(ctx, "order.failed", "risk-check", 10*time.Millisecond, errors.New("handler failed"))

		rm := collectMetrics(t, reader)
		metric := findMetric(rm, "tradebus.events.failed")
		require.NotNil(t, metric)
		v, found := sumForEventType(metric, "order.failed")
		require.True(t, found, "Expected error datapoint")
		assert.GreaterOrEqual(t, v, int64(1))
	})

	t.Run("does not record error when nil", func(t *testing.T) {
		m.RecordDispatch(ctx, "order.clean", "risk-check", 10*time.Millisecond, nil)

		rm := collectMetrics(t, reader)
		metric := findMetric(rm, "tradebus.events.failed")
		if metric != nil {
			_, found := sumForEventType(metric, "order.clean")
			assert.False(t, found, "Expected no error datapoint for clean dispatch")
		}
	})
}

func TestRecordRetryAndDeadLetter(t *testing.T) {
	reader, cleanup := setupMetricsTest(t)
	defer cleanup()

	m, err := newOtelMetrics()
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordRetry(ctx, "order.placed")
	m.RecordRetry(ctx, "order.placed")
	m.RecordDeadLetter(ctx, "order.placed")

	rm := collectMetrics(t, reader)

	retries := findMetric(rm, "tradebus.events.retries")
	require.NotNil(t, retries)
	v, found := sumForEventType(retries, "order.placed")
	require.True(t, found)
	assert.Equal(t, int64(2), v)

	dead := findMetric(rm, "tradebus.events.dead_lettered")
	require.NotNil(t, dead)
	v, found = sumForEventType(dead, "order.placed")
	require.True(t, found)
	assert.Equal(t, int64(1), v)
}

func TestNewOtelMetrics_Creation(t *testing.T) {
	_, cleanup := setupMetricsTest(t)
	defer cleanup()

	m, err := newOtelMetrics()
	require.NoError(t, err)
	require.NotNil(t, m)

	assert.NotNil(t, m.published)
	assert.NotNil(t, m.dispatches)
	assert.NotNil(t, m.dispatchErrors)
	assert.NotNil(t, m.dispatchLatency)
	assert.NotNil(t, m.retries)
	assert.NotNil(t, m.deadLettered)
}
