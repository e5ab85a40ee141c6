// Package store provides the durable, queryable event log behind the bus.
//
// The store records every event and every processing attempt independently
// of whether the in-memory bus is running. Store failures must never crash
// delivery: the bus logs and swallows them.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/marketdeck/tradebus/pkg/tradebus/event"
)

// Store persists events and their processing outcomes.
// Implementations must be safe for concurrent use.
type Store interface {
	// AppendEvent inserts a new event row and returns its ID.
	// Calling twice with the same event ID is an application error; the
	// store does not deduplicate.
	AppendEvent(ctx context.Context, evt event.Event) (string, error)

	// GetEvent looks up a single event by ID.
	// Returns ErrNotFound if the event doesn't exist or its payload can no
	// longer be decoded.
	GetEvent(ctx context.Context, eventID string) (*StoredEvent, error)

	// EventsByAggregate returns all events for one domain entity in
	// reconstruction order: occurred_at ascending, then version ascending.
	// Rows with undecodable payloads are skipped, not errors.
	EventsByAggregate(ctx context.Context, aggregateID, aggregateType string) ([]*StoredEvent, error)

	// UnprocessedEvents returns up to limit events whose processed flag is
	// still false, oldest first. Used for crash-recovery replays; the store
	// never replays anything itself.
	UnprocessedEvents(ctx context.Context, limit int) ([]*StoredEvent, error)

	// MarkProcessed stamps the processed flag/timestamp on the event row and
	// appends one row to the processing log.
	MarkProcessed(ctx context.Context, eventID string, result event.ProcessingResult) error

	// Statistics computes aggregate counts over the whole log.
	// Always computed by query, never cached.
	Statistics(ctx context.Context) (*Statistics, error)

	// Close releases any resources (connections, files).
	Close() error
}

// StoredEvent is one row of the event log.
type StoredEvent struct {
	Envelope  event.Envelope
	Data      []byte // Raw payload bytes as written
	CreatedAt time.Time

	Processed        bool
	ProcessedAt      time.Time
	ProcessingResult string // Summary of the last recorded result
}

// Event rehydrates the row as a generic event. Returns nil if the payload
// bytes can no longer be decoded.
func (s *StoredEvent) Event() *event.BaseEvent[any] {
	var payload any
	if len(s.Data) > 0 {
		if err := json.Unmarshal(s.Data, &payload); err != nil {
			return nil
		}
	}
	return &event.BaseEvent[any]{Meta: s.Envelope, Payload: payload}
}

// Statistics is an aggregate snapshot of the event log.
type Statistics struct {
	TotalEvents      int64
	ProcessedEvents  int64
	PendingEvents    int64
	EventTypes       int64
	Aggregates       int64
	CountsByType     map[string]int64
	EarliestOccurred time.Time
	LatestOccurred   time.Time
}

// Sentinel errors for store operations.
var (
	// ErrNotFound indicates the event doesn't exist.
	ErrNotFound = errors.New("event not found")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("event store closed")
)
