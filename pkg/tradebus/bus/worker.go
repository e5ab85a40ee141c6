package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/marketdeck/tradebus/pkg/tradebus/event"
	"github.com/marketdeck/tradebus/pkg/tradebus/observability"
)

// worker drains the inbound queue in batches until cancelled.
func (b *Bus) worker(ctx context.Context) {
	defer b.wg.Done()

	for {
		batch := b.collectBatch(ctx)
		for _, evt := range batch {
			b.dispatch(ctx, evt)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// collectBatch accumulates up to BatchSize events, waiting at most
// BatchTimeout. An empty result is normal when the queue is idle.
func (b *Bus) collectBatch(ctx context.Context) []event.Event {
	batch := make([]event.Event, 0, b.opts.BatchSize)

	timer := time.NewTimer(b.opts.BatchTimeout)
	defer timer.Stop()

	for len(batch) < b.opts.BatchSize {
		select {
		case evt := <-b.inbound:
			batch = append(batch, evt)
		case <-timer.C:
			return batch
		case <-ctx.Done():
			return batch
		}
	}
	return batch
}

// dispatch invokes every subscription registered for the event's type, in
// priority order. Synchronous handlers run on this worker sequentially so a
// later-priority subscriber is never notified before an earlier one; async
// handlers are started in the same order but complete independently.
//
// The dispatch span carries the synchronous outcome; async outcomes land on
// their own handler spans after the dispatch span has ended.
func (b *Bus) dispatch(ctx context.Context, evt event.Event) {
	subs := b.registry.snapshot(evt.Type())
	if len(subs) == 0 {
		return
	}

	dctx, span := b.opts.Spans.StartDispatchSpan(ctx, evt.Type(), evt.ID())

	failed := 0
	for _, sub := range subs {
		if sub.async {
			go b.invoke(dctx, evt, sub, 0)
		} else if b.invoke(dctx, evt, sub, 0) != nil {
			failed++
		}
	}

	var err error
	if failed > 0 {
		err = fmt.Errorf("%d of %d subscriptions failed", failed, len(subs))
	}
	b.opts.Spans.EndSpanWithError(span, err)
}

// invoke runs one handler attempt, records the outcome everywhere it needs
// to go (store, statistics, metrics, trace), and routes failures into the
// retry/dead-letter path. attempt is 0 for the first try.
// Returns the handler error, nil on success.
func (b *Bus) invoke(ctx context.Context, evt event.Event, sub *subscription, attempt int) error {
	hctx, span := b.opts.Spans.StartHandlerSpan(ctx, sub.handler.Name(), attempt)
	done := observability.TimedOperation()

	err := safeHandle(hctx, sub.handler, evt)
	elapsed := done()

	b.opts.Spans.EndSpanWithError(span, err)
	b.opts.Metrics.RecordDispatch(ctx, evt.Type(), sub.handler.Name(), elapsed, err)

	var result event.ProcessingResult
	if err == nil {
		result = event.ResultSuccess(evt, sub.handler.Name(), elapsed, attempt)
	} else {
		result = event.ResultFailure(evt, sub.handler.Name(), elapsed, attempt, err)
	}

	b.counters.recordResult(result)
	b.recordResult(ctx, result)

	if err != nil {
		observability.LogHandlerError(b.opts.Logger, evt.ID(), sub.handler.Name(), attempt, err)
		b.handleFailure(ctx, evt, sub, attempt, result, err)
	}
	return err
}

// safeHandle converts handler panics into errors so a misbehaving
// subscriber cannot take down a worker.
func safeHandle(ctx context.Context, handler event.Handler, evt event.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler.Handle(ctx, evt)
}

// recordResult persists one ProcessingResult. Store failures are logged and
// swallowed: a store outage degrades auditability, never delivery.
func (b *Bus) recordResult(ctx context.Context, result event.ProcessingResult) {
	if b.opts.Store == nil {
		return
	}
	if err := b.opts.Store.MarkProcessed(ctx, result.EventID, result); err != nil {
		observability.LogStoreError(b.opts.Logger, "mark_processed", result.EventID, err)
	}
}

// handleFailure routes a failed attempt: schedule a retry while the budget
// lasts, otherwise dead-letter the pair.
func (b *Bus) handleFailure(ctx context.Context, evt event.Event, sub *subscription, attempt int, result event.ProcessingResult, cause error) {
	if attempt < sub.retryCount {
		item := &retryItem{
			evt:     evt,
			sub:     sub,
			attempt: attempt + 1,
			at:      time.Now().Add(backoffDelay(attempt)),
		}
		select {
		case b.retryq <- item:
			b.opts.Metrics.RecordRetry(ctx, evt.Type())
			observability.LogRetryScheduled(b.opts.Logger, evt.ID(), sub.handler.Name(), item.attempt, item.at)
			return
		default:
			// Retry queue full: fall through to the dead-letter path rather
			// than blocking a dispatch worker.
		}
	}

	b.dead.add(DeadLetter{
		Event:          evt,
		SubscriptionID: sub.id,
		Handler:        sub.handler.Name(),
		Result:         result,
		DeadAt:         time.Now(),
	})
	b.opts.Metrics.RecordDeadLetter(ctx, evt.Type())
	observability.LogDeadLetter(b.opts.Logger, evt.ID(), evt.Type(), sub.handler.Name(), attempt+1, cause)
}
