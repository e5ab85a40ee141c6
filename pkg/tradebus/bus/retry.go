package bus

import (
	"context"
	"time"

	"github.com/marketdeck/tradebus/pkg/tradebus/event"
	"github.com/marketdeck/tradebus/pkg/tradebus/observability"
)

// maxBackoff caps the exponential schedule so a high retry budget cannot
// push attempts hours into the future.
const maxBackoff = 5 * time.Minute

// backoffBase is the unit of the exponential schedule. Package-level so
// tests can compress the schedule.
var backoffBase = time.Second

// backoffDelay returns the delay before re-attempting after the given
// failed attempt number: 2^attempt * backoffBase, capped.
func backoffDelay(attempt int) time.Duration {
	if attempt > 30 {
		return maxBackoff
	}
	d := time.Duration(1<<uint(attempt)) * backoffBase
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// retryItem schedules one re-invocation of a subscription's handler.
type retryItem struct {
	evt     event.Event
	sub     *subscription
	attempt int // the attempt number this re-invocation will carry
	at      time.Time
}

// retryWorker drains the retry queue one descriptor at a time, sleeping
// until each item's scheduled time. A renewed failure re-enters the same
// failure-handling path inside invoke, so an item may be rescheduled again
// up to the subscription's budget or finally dead-lettered.
func (b *Bus) retryWorker(ctx context.Context) {
	defer b.wg.Done()

	for {
		var item *retryItem
		select {
		case item = <-b.retryq:
		case <-ctx.Done():
			return
		}

		if wait := time.Until(item.at); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return
			}
		}

		if err := b.invoke(ctx, item.evt, item.sub, item.attempt); err == nil {
			observability.LogRetryRecovered(b.opts.Logger, item.evt.ID(), item.sub.handler.Name(), item.attempt)
		}
	}
}
