package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/marketdeck/tradebus/pkg/tradebus/event"
	"github.com/marketdeck/tradebus/pkg/tradebus/store"
)

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", d)
}

// fastBackoff compresses the retry schedule for the duration of a test.
func fastBackoff(t *testing.T) {
	t.Helper()
	backoffBase = 10 * time.Millisecond
	t.Cleanup(func() { backoffBase = time.Second })
}

func tickEvent(aggregate string) event.Event {
	return event.New("market.tick", "test", aggregate, "instrument", map[string]any{"px": 1.0})
}

func TestPublishWhileStopped(t *testing.T) {
	b := New(Options{})

	var invoked bool
	_, err := b.Subscribe("market.tick", event.NewHandlerFunc("h", func(context.Context, event.Event) error {
		invoked = true
		return nil
	}))
	if err != nil {
		t.Fatalf("unexpected subscribe error: %v", err)
	}

	err = b.Publish(context.Background(), tickEvent("BTC-USD"))
	if !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
	if invoked {
		t.Error("handler must never run for a rejected publish")
	}
}

func TestPublishAfterStop(t *testing.T) {
	b := New(Options{BatchTimeout: 20 * time.Millisecond})
	b.Start()
	b.Stop()

	err := b.Publish(context.Background(), tickEvent("BTC-USD"))
	if !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning after stop, got %v", err)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	b := New(Options{BatchTimeout: 20 * time.Millisecond})

	b.Start()
	b.Start() // no-op
	if !b.Running() {
		t.Fatal("expected running after start")
	}

	b.Stop()
	b.Stop() // no-op, must not panic or block
	if b.Running() {
		t.Fatal("expected stopped after stop")
	}
}

func TestStopClearsRegistry(t *testing.T) {
	b := New(Options{BatchTimeout: 20 * time.Millisecond})
	if _, err := b.Subscribe("market.tick", noopHandler("h")); err != nil {
		t.Fatal(err)
	}

	b.Start()
	b.Stop()

	if got := b.Statistics().SubscriptionCount; got != 0 {
		t.Errorf("expected registry cleared on shutdown, got %d subscriptions", got)
	}
}

func TestSubscribeValidation(t *testing.T) {
	b := New(Options{})

	if _, err := b.Subscribe("", noopHandler("h")); !errors.Is(err, ErrEmptyEventType) {
		t.Errorf("expected ErrEmptyEventType, got %v", err)
	}
	if _, err := b.Subscribe("market.tick", nil); !errors.Is(err, ErrNilHandler) {
		t.Errorf("expected ErrNilHandler, got %v", err)
	}
}

func TestDeliveryAndUnsubscribe(t *testing.T) {
	b := New(Options{BatchTimeout: 20 * time.Millisecond})
	b.Start()
	defer b.Stop()

	var mu sync.Mutex
	count := 0
	id, err := b.Subscribe("market.tick", event.NewHandlerFunc("h", func(context.Context, event.Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	}))
	if err != nil {
		t.Fatal(err)
	}

	if err := b.Publish(context.Background(), tickEvent("BTC-USD")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	})

	if !b.Unsubscribe(id) {
		t.Fatal("expected unsubscribe to succeed")
	}
	if b.Unsubscribe(id) {
		t.Fatal("expected second unsubscribe to report nothing removed")
	}

	if err := b.Publish(context.Background(), tickEvent("BTC-USD")); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("expected no delivery after unsubscribe, got %d", count)
	}
}

func TestPriorityOrderingAcrossEvents(t *testing.T) {
	// Scenario: two workers, queue of five, three events of one type with
	// two subscribers at priorities 1 and 2. Expect six invocations, each
	// event seeing priority 1 strictly before priority 2.
	b := New(Options{
		WorkerCount:  2,
		MaxQueueSize: 5,
		BatchTimeout: 20 * time.Millisecond,
	})

	var mu sync.Mutex
	order := make(map[string][]int)
	total := 0
	record := func(priority int) event.Handler {
		return event.NewHandlerFunc("h", func(_ context.Context, evt event.Event) error {
			mu.Lock()
			order[evt.ID()] = append(order[evt.ID()], priority)
			total++
			mu.Unlock()
			return nil
		})
	}

	if _, err := b.Subscribe("order.filled", record(2), WithPriority(2)); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Subscribe("order.filled", record(1), WithPriority(1)); err != nil {
		t.Fatal(err)
	}

	b.Start()
	defer b.Stop()

	for i := 0; i < 3; i++ {
		evt := event.New("order.filled", "test", "ord", "order", i)
		if err := b.Publish(context.Background(), evt); err != nil {
			t.Fatal(err)
		}
	}

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return total == 6
	})

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 {
		t.Fatalf("expected 3 dispatched events, got %d", len(order))
	}
	for id, seen := range order {
		if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
			t.Errorf("event %s: expected priority order [1 2], got %v", id, seen)
		}
	}
}

func TestPublishQueueFull(t *testing.T) {
	b := New(Options{
		MaxQueueSize: 2,
		WorkerCount:  1,
		BatchSize:    1,
		BatchTimeout: 20 * time.Millisecond,
	})

	entered := make(chan struct{})
	release := make(chan struct{})
	if _, err := b.Subscribe("market.tick", event.NewHandlerFunc("slow", func(context.Context, event.Event) error {
		close(entered)
		<-release
		return nil
	})); err != nil {
		t.Fatal(err)
	}

	b.Start()
	defer func() {
		close(release)
		b.Stop()
	}()

	// First event is pulled by the single worker, which then blocks.
	if err := b.Publish(context.Background(), tickEvent("a")); err != nil {
		t.Fatal(err)
	}
	<-entered

	// Queue now has full capacity available; fill it.
	if err := b.Publish(context.Background(), tickEvent("b")); err != nil {
		t.Fatal(err)
	}
	if err := b.Publish(context.Background(), tickEvent("c")); err != nil {
		t.Fatal(err)
	}

	err := b.Publish(context.Background(), tickEvent("d"))
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}

	// Rejected events were never counted as published.
	if got := b.Statistics().PublishedCount; got != 3 {
		t.Errorf("expected published count 3, got %d", got)
	}
}

func TestPublishBatchPrefix(t *testing.T) {
	b := New(Options{
		MaxQueueSize: 2,
		WorkerCount:  1,
		BatchSize:    1,
		BatchTimeout: 20 * time.Millisecond,
	})

	entered := make(chan struct{})
	release := make(chan struct{})
	if _, err := b.Subscribe("market.tick", event.NewHandlerFunc("slow", func(context.Context, event.Event) error {
		close(entered)
		<-release
		return nil
	})); err != nil {
		t.Fatal(err)
	}

	b.Start()
	defer func() {
		close(release)
		b.Stop()
	}()

	if err := b.Publish(context.Background(), tickEvent("a")); err != nil {
		t.Fatal(err)
	}
	<-entered

	events := []event.Event{tickEvent("b"), tickEvent("c"), tickEvent("d"), tickEvent("e")}
	n, err := b.PublishBatch(context.Background(), events)
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 events published before failure, got %d", n)
	}
}

func TestRetryThenRecover(t *testing.T) {
	fastBackoff(t)

	st := store.NewMemoryStore()
	b := New(Options{
		BatchTimeout: 20 * time.Millisecond,
		Store:        st,
	})

	var mu sync.Mutex
	failures := 2
	attempts := 0
	if _, err := b.Subscribe("order.filled", event.NewHandlerFunc("flaky", func(context.Context, event.Event) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts <= failures {
			return errors.New("transient")
		}
		return nil
	}), WithRetryCount(3)); err != nil {
		t.Fatal(err)
	}

	b.Start()
	defer b.Stop()

	evt := event.New("order.filled", "test", "ord-1", "order", map[string]any{"qty": 1.0})
	if err := b.Publish(context.Background(), evt); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return attempts == 3
	})

	waitFor(t, time.Second, func() bool {
		stats := b.Statistics()
		return stats.ProcessedCount == 1 && stats.FailedCount == 2
	})
	if got := b.Statistics().DeadLetterCount; got != 0 {
		t.Errorf("expected no dead letters after recovery, got %d", got)
	}

	// The store holds one row per attempt; the last one succeeded with the
	// retry attempt equal to the number of prior failures.
	log, err := st.ProcessingLog(context.Background(), evt.ID())
	if err != nil {
		t.Fatal(err)
	}
	if len(log) != 3 {
		t.Fatalf("expected 3 processing log rows, got %d", len(log))
	}
	last := log[len(log)-1]
	if !last.Success || last.RetryAttempt != 2 {
		t.Errorf("expected final success at retry attempt 2, got %+v", last)
	}
}

func TestRetryExhaustionDeadLetters(t *testing.T) {
	fastBackoff(t)

	b := New(Options{BatchTimeout: 20 * time.Millisecond})

	var mu sync.Mutex
	attempts := 0
	if _, err := b.Subscribe("order.filled", event.NewHandlerFunc("broken", func(context.Context, event.Event) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		return errors.New("permanent")
	}), WithRetryCount(2)); err != nil {
		t.Fatal(err)
	}

	b.Start()
	defer b.Stop()

	evt := event.NewAny("order.filled", "test", "ord-2", "order", nil)
	if err := b.Publish(context.Background(), evt); err != nil {
		t.Fatal(err)
	}

	// Initial attempt plus two retries.
	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return attempts == 3
	})
	waitFor(t, time.Second, func() bool {
		return b.Statistics().DeadLetterCount == 1
	})

	stats := b.Statistics()
	if stats.FailedCount != 3 {
		t.Errorf("expected failed count 3, got %d", stats.FailedCount)
	}

	dead := b.DeadLetters()
	if len(dead) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(dead))
	}
	if dead[0].Event.ID() != evt.ID() || dead[0].Handler != "broken" {
		t.Errorf("unexpected dead letter: %+v", dead[0])
	}
	if dead[0].Result.RetryAttempt != 2 {
		t.Errorf("expected terminal attempt 2, got %d", dead[0].Result.RetryAttempt)
	}

	// No further automatic retry after dead-lettering.
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if attempts != 3 {
		t.Errorf("expected no invocations after exhaustion, got %d", attempts)
	}
}

// taggedSpan marks whether a span came from the dispatch or handler path.
type taggedSpan struct {
	noop.Span
	kind string
}

// recordingSpans captures span completions for assertion.
type recordingSpans struct {
	mu    sync.Mutex
	ended map[string][]error // kind -> errors passed at end
}

func newRecordingSpans() *recordingSpans {
	return &recordingSpans{ended: make(map[string][]error)}
}

func (r *recordingSpans) StartDispatchSpan(ctx context.Context, _, _ string) (context.Context, trace.Span) {
	return ctx, &taggedSpan{kind: "dispatch"}
}

func (r *recordingSpans) StartHandlerSpan(ctx context.Context, _ string, _ int) (context.Context, trace.Span) {
	return ctx, &taggedSpan{kind: "handler"}
}

func (r *recordingSpans) EndSpanWithError(span trace.Span, err error) {
	ts, ok := span.(*taggedSpan)
	if !ok {
		return
	}
	r.mu.Lock()
	r.ended[ts.kind] = append(r.ended[ts.kind], err)
	r.mu.Unlock()
}

func (r *recordingSpans) AddSpanEvent(context.Context, string, ...attribute.KeyValue) {}

func (r *recordingSpans) dispatchEnds() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]error, len(r.ended["dispatch"]))
	copy(out, r.ended["dispatch"])
	return out
}

func TestDispatchSpanReflectsOutcome(t *testing.T) {
	spans := newRecordingSpans()
	b := New(Options{BatchTimeout: 20 * time.Millisecond, Spans: spans})

	if _, err := b.Subscribe("order.placed", event.NewHandlerFunc("ok", func(context.Context, event.Event) error {
		return nil
	})); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Subscribe("order.rejected", event.NewHandlerFunc("broken", func(context.Context, event.Event) error {
		return errors.New("permanent")
	})); err != nil {
		t.Fatal(err)
	}

	b.Start()
	defer b.Stop()

	if err := b.Publish(context.Background(), event.New("order.placed", "test", "ord-1", "order", 1)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool { return len(spans.dispatchEnds()) == 1 })
	if err := spans.dispatchEnds()[0]; err != nil {
		t.Errorf("expected clean dispatch span, got %v", err)
	}

	if err := b.Publish(context.Background(), event.New("order.rejected", "test", "ord-2", "order", 2)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool { return len(spans.dispatchEnds()) == 2 })
	err := spans.dispatchEnds()[1]
	if err == nil {
		t.Fatal("expected dispatch span to carry the handler failure")
	}
	if got := err.Error(); got != "1 of 1 subscriptions failed" {
		t.Errorf("unexpected dispatch error: %q", got)
	}
}

func TestHandlerPanicIsContained(t *testing.T) {
	b := New(Options{BatchTimeout: 20 * time.Millisecond})

	if _, err := b.Subscribe("market.tick", event.NewHandlerFunc("panics", func(context.Context, event.Event) error {
		panic("handler bug")
	})); err != nil {
		t.Fatal(err)
	}

	b.Start()
	defer b.Stop()

	if err := b.Publish(context.Background(), tickEvent("BTC-USD")); err != nil {
		t.Fatal(err)
	}

	waitFor(t, time.Second, func() bool {
		return b.Statistics().FailedCount == 1
	})
	waitFor(t, time.Second, func() bool {
		return b.Statistics().DeadLetterCount == 1
	})
}

func TestStoreFailureDoesNotBlockDelivery(t *testing.T) {
	b := New(Options{
		BatchTimeout: 20 * time.Millisecond,
		Store:        failingStore{},
	})

	var mu sync.Mutex
	delivered := 0
	if _, err := b.Subscribe("market.tick", event.NewHandlerFunc("h", func(context.Context, event.Event) error {
		mu.Lock()
		delivered++
		mu.Unlock()
		return nil
	})); err != nil {
		t.Fatal(err)
	}

	b.Start()
	defer b.Stop()

	if err := b.Publish(context.Background(), tickEvent("BTC-USD")); err != nil {
		t.Fatalf("store outage must not fail publish, got %v", err)
	}
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return delivered == 1
	})
}

func TestAsyncHandlerDoesNotStallWorker(t *testing.T) {
	b := New(Options{
		WorkerCount:  1,
		BatchSize:    1,
		BatchTimeout: 20 * time.Millisecond,
	})

	release := make(chan struct{})
	var mu sync.Mutex
	fastCount := 0

	if _, err := b.Subscribe("market.tick", event.NewHandlerFunc("slow", func(context.Context, event.Event) error {
		<-release
		return nil
	}), WithAsync()); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Subscribe("market.tick", event.NewHandlerFunc("fast", func(context.Context, event.Event) error {
		mu.Lock()
		fastCount++
		mu.Unlock()
		return nil
	}), WithPriority(1)); err != nil {
		t.Fatal(err)
	}

	b.Start()
	defer func() {
		close(release)
		b.Stop()
	}()

	// With the async handler parked, the single worker must still deliver
	// every event to the synchronous subscriber.
	for i := 0; i < 3; i++ {
		if err := b.Publish(context.Background(), tickEvent("BTC-USD")); err != nil {
			t.Fatal(err)
		}
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fastCount == 3
	})
}

func TestStatisticsSnapshot(t *testing.T) {
	b := New(Options{
		WorkerCount:  2,
		MaxQueueSize: 16,
		BatchTimeout: 20 * time.Millisecond,
	})

	if _, err := b.Subscribe("market.tick", noopHandler("h")); err != nil {
		t.Fatal(err)
	}

	stats := b.Statistics()
	if stats.Running {
		t.Error("expected not running before start")
	}
	if stats.QueueCapacity != 16 || stats.WorkerCount != 2 || stats.SubscriptionCount != 1 {
		t.Errorf("unexpected static fields: %+v", stats)
	}

	b.Start()
	defer b.Stop()

	if err := b.Publish(context.Background(), tickEvent("BTC-USD")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool {
		s := b.Statistics()
		return s.PublishedCount == 1 && s.ProcessedCount == 1
	})

	stats = b.Statistics()
	if !stats.Running || stats.Uptime <= 0 {
		t.Errorf("expected running snapshot with uptime, got %+v", stats)
	}
	if stats.FailedCount != 0 || stats.DeadLetterCount != 0 {
		t.Errorf("expected clean counters, got %+v", stats)
	}
}

// failingStore errors on every operation, standing in for a store outage.
type failingStore struct{}

func (failingStore) AppendEvent(context.Context, event.Event) (string, error) {
	return "", errors.New("disk gone")
}

func (failingStore) GetEvent(context.Context, string) (*store.StoredEvent, error) {
	return nil, errors.New("disk gone")
}

func (failingStore) EventsByAggregate(context.Context, string, string) ([]*store.StoredEvent, error) {
	return nil, errors.New("disk gone")
}

func (failingStore) UnprocessedEvents(context.Context, int) ([]*store.StoredEvent, error) {
	return nil, errors.New("disk gone")
}

func (failingStore) MarkProcessed(context.Context, string, event.ProcessingResult) error {
	return errors.New("disk gone")
}

func (failingStore) Statistics(context.Context) (*store.Statistics, error) {
	return nil, errors.New("disk gone")
}

func (failingStore) Close() error { return nil }
