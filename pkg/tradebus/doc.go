// Package tradebus wires the event bus, its durable store, and the
// publisher facade into one managed unit.
//
// tradebus is the decoupling layer of a desktop trading application:
// components that produce state changes (order execution, market-data
// ingestion, UI lifecycle) publish typed events instead of calling
// consumers directly. Consumers subscribe to event-type discriminators and
// are notified asynchronously with at-least-once delivery, per-subscription
// retry with exponential backoff, and a durable audit trail in SQLite.
//
// Typical wiring:
//
//	st, err := store.NewSQLiteStore("events.db")
//	if err != nil { ... }
//	sys, err := tradebus.Initialize(st, cfg)
//	if err != nil { ... }
//	defer sys.Shutdown(5 * time.Second)
//
//	sys.Bus.Subscribe("order.filled", handler, bus.WithPriority(1), bus.WithRetryCount(3))
//	sys.Publisher.Publish(ctx, event.New("order.filled", "execution", orderID, "order", fill))
//
// The subpackages stand alone: event (the immutable event model), bus (the
// dispatch engine), store (the durable log), config (typed configuration),
// observability (logging/metrics/tracing hooks).
package tradebus
