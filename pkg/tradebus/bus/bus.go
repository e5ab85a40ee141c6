// Package bus implements the publish/subscribe dispatch engine: a bounded
// inbound queue drained in batches by a pool of workers, a retry worker with
// exponential backoff, and a bounded dead-letter buffer for terminal
// failures.
//
// Delivery contract: at-least-once, per-event priority ordering across the
// subscriptions of one event type, no ordering across distinct events.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marketdeck/tradebus/pkg/tradebus/event"
	"github.com/marketdeck/tradebus/pkg/tradebus/observability"
	"github.com/marketdeck/tradebus/pkg/tradebus/store"
)

// Options configures bus behavior.
type Options struct {
	// MaxQueueSize is the bounded inbound queue capacity.
	// Default: 1000
	MaxQueueSize int

	// WorkerCount is the number of concurrent dispatch workers.
	// Default: 4
	WorkerCount int

	// BatchSize is the maximum number of events a worker collects per cycle.
	// Default: 10
	BatchSize int

	// BatchTimeout is the maximum wait while collecting a batch.
	// Default: 1s
	BatchTimeout time.Duration

	// RetryQueueSize bounds the retry queue.
	// Default: MaxQueueSize
	RetryQueueSize int

	// DeadLetterSize bounds the in-memory dead-letter buffer; oldest entries
	// are evicted once full.
	// Default: 1000
	DeadLetterSize int

	// ShutdownTimeout bounds the wait for workers to drain on Stop.
	// Default: 5s
	ShutdownTimeout time.Duration

	// Store, when set, records every event and processing outcome.
	// Store failures are logged and never interrupt delivery.
	Store store.Store

	// Logger for bus lifecycle and failure events. Nil disables logging.
	Logger *slog.Logger

	// Metrics recorder. Nil defaults to a no-op.
	Metrics observability.MetricsRecorder

	// Spans manager for dispatch/handler tracing. Nil defaults to a no-op.
	Spans observability.SpanManager
}

// DefaultOptions provides reasonable defaults for a desktop session.
var DefaultOptions = Options{
	MaxQueueSize:    1000,
	WorkerCount:     4,
	BatchSize:       10,
	BatchTimeout:    1 * time.Second,
	DeadLetterSize:  1000,
	ShutdownTimeout: 5 * time.Second,
}

func (o *Options) normalize() {
	if o.MaxQueueSize <= 0 {
		o.MaxQueueSize = DefaultOptions.MaxQueueSize
	}
	if o.WorkerCount <= 0 {
		o.WorkerCount = DefaultOptions.WorkerCount
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultOptions.BatchSize
	}
	if o.BatchTimeout <= 0 {
		o.BatchTimeout = DefaultOptions.BatchTimeout
	}
	if o.RetryQueueSize <= 0 {
		o.RetryQueueSize = o.MaxQueueSize
	}
	if o.DeadLetterSize <= 0 {
		o.DeadLetterSize = DefaultOptions.DeadLetterSize
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = DefaultOptions.ShutdownTimeout
	}
	if o.Metrics == nil {
		o.Metrics = observability.NoopMetrics{}
	}
	if o.Spans == nil {
		o.Spans = observability.NoopSpanManager{}
	}
}

// Bus is the dispatch engine. Construct with New, then Start before
// publishing. All methods are safe for concurrent use.
type Bus struct {
	opts     Options
	registry *registry
	inbound  chan event.Event
	retryq   chan *retryItem
	dead     *deadLetterRing
	counters *counters

	mu      sync.Mutex // guards lifecycle transitions
	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a stopped bus with the given options.
func New(opts Options) *Bus {
	opts.normalize()
	return &Bus{
		opts:     opts,
		registry: newRegistry(),
		inbound:  make(chan event.Event, opts.MaxQueueSize),
		retryq:   make(chan *retryItem, opts.RetryQueueSize),
		dead:     newDeadLetterRing(opts.DeadLetterSize),
		counters: &counters{},
	}
}

// Start transitions the bus to running: it resets statistics and spawns the
// worker pool plus the retry worker. Calling Start on a running bus is a
// no-op.
func (b *Bus) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running.Load() {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.counters.reset(time.Now())

	for i := 0; i < b.opts.WorkerCount; i++ {
		b.wg.Add(1)
		go b.worker(ctx)
	}
	b.wg.Add(1)
	go b.retryWorker(ctx)

	b.running.Store(true)
	observability.LogBusStart(b.opts.Logger, b.opts.WorkerCount, b.opts.MaxQueueSize)
}

// Stop transitions the bus to stopped: it cancels all workers, waits up to
// ShutdownTimeout for them to drain, and clears the subscription registry.
// In-flight handler invocations are not interrupted. Idempotent.
func (b *Bus) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running.Load() {
		return
	}

	b.running.Store(false)
	b.cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	graceful := true
	select {
	case <-done:
	case <-time.After(b.opts.ShutdownTimeout):
		graceful = false
	}

	b.registry.clear()
	observability.LogBusStop(b.opts.Logger, graceful)
}

// Running reports whether the bus accepts publishes.
func (b *Bus) Running() bool {
	return b.running.Load()
}

// Publish persists the event (when a store is wired) and enqueues it for
// dispatch. Fails fast with ErrNotRunning while stopped and ErrQueueFull
// when the bounded queue rejects the event; a rejected event never entered
// the queue.
func (b *Bus) Publish(ctx context.Context, evt event.Event) error {
	if !b.running.Load() {
		return &PublishError{EventID: evt.ID(), EventType: evt.Type(), Err: ErrNotRunning}
	}

	if b.opts.Store != nil {
		if _, err := b.opts.Store.AppendEvent(ctx, evt); err != nil {
			// Durability degrades, delivery does not.
			observability.LogStoreError(b.opts.Logger, "append", evt.ID(), err)
		}
	}

	select {
	case b.inbound <- evt:
	default:
		return &PublishError{EventID: evt.ID(), EventType: evt.Type(), Err: ErrQueueFull}
	}

	b.counters.recordPublished()
	b.opts.Metrics.RecordPublish(ctx, evt.Type())
	observability.LogPublish(b.opts.Logger, evt.ID(), evt.Type(), len(b.inbound))
	return nil
}

// PublishBatch publishes events in order, stopping at the first failure.
// It returns the number of events published; callers must not assume
// all-or-nothing semantics.
func (b *Bus) PublishBatch(ctx context.Context, events []event.Event) (int, error) {
	for i, evt := range events {
		if err := b.Publish(ctx, evt); err != nil {
			return i, err
		}
	}
	return len(events), nil
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscribeConfig)

type subscribeConfig struct {
	async      bool
	priority   int
	retryCount int
}

// WithAsync invokes the handler on its own goroutine so a slow handler
// cannot stall the dispatching worker. Completion order relative to other
// subscriptions of the same event is then unspecified.
func WithAsync() SubscribeOption {
	return func(cfg *subscribeConfig) {
		cfg.async = true
	}
}

// WithPriority sets the delivery priority. Lower values are delivered first
// among subscribers of the same event type; ties keep registration order.
// Default: 0.
func WithPriority(priority int) SubscribeOption {
	return func(cfg *subscribeConfig) {
		cfg.priority = priority
	}
}

// WithRetryCount sets the maximum retry attempts after the initial failure.
// Default: 0 (no retries).
func WithRetryCount(n int) SubscribeOption {
	return func(cfg *subscribeConfig) {
		if n >= 0 {
			cfg.retryCount = n
		}
	}
}

// Subscribe registers a handler for an event type and returns the
// subscription ID used for unsubscription. Registry state is not persisted;
// components re-subscribe on every process start.
func (b *Bus) Subscribe(eventType string, handler event.Handler, opts ...SubscribeOption) (string, error) {
	if eventType == "" {
		return "", ErrEmptyEventType
	}
	if handler == nil {
		return "", ErrNilHandler
	}

	cfg := &subscribeConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	sub := b.registry.add(eventType, handler, cfg.async, cfg.priority, cfg.retryCount)
	return sub.id, nil
}

// Unsubscribe removes a subscription by ID. Returns whether anything was
// removed. Events already pulled into a worker batch may still reach the
// handler.
func (b *Bus) Unsubscribe(subscriptionID string) bool {
	return b.registry.remove(subscriptionID)
}

// DeadLetters returns a copy of the retained terminal failures, oldest
// first, for operator inspection.
func (b *Bus) DeadLetters() []DeadLetter {
	return b.dead.snapshot()
}
