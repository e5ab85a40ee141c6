package tradebus

import (
	"context"
	"log/slog"

	"github.com/marketdeck/tradebus/pkg/tradebus/bus"
	"github.com/marketdeck/tradebus/pkg/tradebus/event"
)

// Publisher is the fire-and-continue facade used by producers running in
// UI-bound code: it checks the bus state synchronously, then hands the
// actual publish to its own goroutine so the caller never blocks on store
// writes.
//
// Errors discovered after the hand-off (queue capacity) are reported
// through OnError and logged; they cannot reach the caller.
type Publisher struct {
	bus    *bus.Bus
	logger *slog.Logger

	// OnError, when set, receives asynchronous publish failures.
	OnError func(evt event.Event, err error)
}

// NewPublisher creates a publisher facade over the given bus.
func NewPublisher(b *bus.Bus, logger *slog.Logger) *Publisher {
	return &Publisher{bus: b, logger: logger}
}

// Publish schedules an asynchronous publish of one event.
// Fails synchronously with the bus's not-running error so a producer wired
// before Start (or after Stop) hears about it loudly instead of silently
// dropping the event.
func (p *Publisher) Publish(ctx context.Context, evt event.Event) error {
	if !p.bus.Running() {
		return &bus.PublishError{EventID: evt.ID(), EventType: evt.Type(), Err: bus.ErrNotRunning}
	}

	go func() {
		if err := p.bus.Publish(ctx, evt); err != nil {
			p.reportError(evt, err)
		}
	}()
	return nil
}

// PublishAll schedules an asynchronous publish of several events in order.
// Within the hand-off the events are published sequentially and publishing
// stops at the first failure, mirroring PublishBatch prefix semantics.
func (p *Publisher) PublishAll(ctx context.Context, events []event.Event) error {
	if !p.bus.Running() {
		return bus.ErrNotRunning
	}

	go func() {
		if _, err := p.bus.PublishBatch(ctx, events); err != nil {
			var failed event.Event
			if pe, ok := err.(*bus.PublishError); ok {
				for _, evt := range events {
					if evt.ID() == pe.EventID {
						failed = evt
						break
					}
				}
			}
			p.reportError(failed, err)
		}
	}()
	return nil
}

func (p *Publisher) reportError(evt event.Event, err error) {
	if p.OnError != nil {
		p.OnError(evt, err)
	}
	if p.logger != nil {
		attrs := []any{slog.String("error", err.Error())}
		if evt != nil {
			attrs = append(attrs,
				slog.String("event_id", evt.ID()),
				slog.String("event_type", evt.Type()))
		}
		p.logger.Error("async publish failed", attrs...)
	}
}
