package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marketdeck/tradebus/pkg/tradebus/event"
)

// MemoryStore is an in-memory event log for testing and ephemeral sessions.
// Data is lost when the process exits.
type MemoryStore struct {
	mu     sync.RWMutex
	events map[string]*StoredEvent
	order  []string // insertion order of event IDs
	log    map[string][]event.ProcessingResult
	closed bool
}

// NewMemoryStore creates a new in-memory event log.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events: make(map[string]*StoredEvent),
		log:    make(map[string][]event.ProcessingResult),
	}
}

// AppendEvent implements Store.
func (m *MemoryStore) AppendEvent(_ context.Context, evt event.Event) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return "", ErrStoreClosed
	}

	eventID := evt.ID()
	if eventID == "" {
		eventID = uuid.New().String()
	}

	data, err := json.Marshal(evt.Data())
	if err != nil {
		data = []byte("{}")
	}

	env := event.EnvelopeOf(evt)
	env.EventID = eventID

	m.events[eventID] = &StoredEvent{
		Envelope:  env,
		Data:      data,
		CreatedAt: time.Now(),
	}
	m.order = append(m.order, eventID)
	return eventID, nil
}

// GetEvent implements Store.
func (m *MemoryStore) GetEvent(_ context.Context, eventID string) (*StoredEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	stored, ok := m.events[eventID]
	if !ok || stored.Event() == nil {
		return nil, ErrNotFound
	}
	cp := *stored
	return &cp, nil
}

// EventsByAggregate implements Store.
func (m *MemoryStore) EventsByAggregate(_ context.Context, aggregateID, aggregateType string) ([]*StoredEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	var events []*StoredEvent
	for _, stored := range m.events {
		if stored.Envelope.AggregateID != aggregateID || stored.Envelope.AggregateType != aggregateType {
			continue
		}
		if stored.Event() == nil {
			continue
		}
		cp := *stored
		events = append(events, &cp)
	}

	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].Envelope.OccurredAt.Equal(events[j].Envelope.OccurredAt) {
			return events[i].Envelope.OccurredAt.Before(events[j].Envelope.OccurredAt)
		}
		return events[i].Envelope.SchemaVersion < events[j].Envelope.SchemaVersion
	})

	return events, nil
}

// UnprocessedEvents implements Store.
func (m *MemoryStore) UnprocessedEvents(_ context.Context, limit int) ([]*StoredEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	// Select the oldest unprocessed rows, so sort the full candidate set
	// before applying the limit.
	var events []*StoredEvent
	for _, id := range m.order {
		stored := m.events[id]
		if stored.Processed || stored.Event() == nil {
			continue
		}
		cp := *stored
		events = append(events, &cp)
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Envelope.OccurredAt.Before(events[j].Envelope.OccurredAt)
	})

	if limit >= 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

// MarkProcessed implements Store.
func (m *MemoryStore) MarkProcessed(_ context.Context, eventID string, result event.ProcessingResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	stored, ok := m.events[eventID]
	if !ok {
		return ErrNotFound
	}

	summary, err := json.Marshal(result)
	if err != nil {
		summary = []byte("{}")
	}

	stored.Processed = true
	stored.ProcessedAt = result.ProcessedAt
	stored.ProcessingResult = string(summary)
	m.log[eventID] = append(m.log[eventID], result)
	return nil
}

// ProcessingLog returns the recorded attempts for an event, oldest first.
func (m *MemoryStore) ProcessingLog(_ context.Context, eventID string) ([]event.ProcessingResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	results := make([]event.ProcessingResult, len(m.log[eventID]))
	copy(results, m.log[eventID])
	return results, nil
}

// Statistics implements Store.
func (m *MemoryStore) Statistics(_ context.Context) (*Statistics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	stats := &Statistics{CountsByType: make(map[string]int64)}
	aggregates := make(map[string]struct{})

	for _, stored := range m.events {
		stats.TotalEvents++
		if stored.Processed {
			stats.ProcessedEvents++
		}
		stats.CountsByType[stored.Envelope.EventType]++
		aggregates[stored.Envelope.AggregateID] = struct{}{}

		at := stored.Envelope.OccurredAt
		if stats.EarliestOccurred.IsZero() || at.Before(stats.EarliestOccurred) {
			stats.EarliestOccurred = at
		}
		if at.After(stats.LatestOccurred) {
			stats.LatestOccurred = at
		}
	}

	stats.PendingEvents = stats.TotalEvents - stats.ProcessedEvents
	stats.EventTypes = int64(len(stats.CountsByType))
	stats.Aggregates = int64(len(aggregates))
	return stats, nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.events = nil
	m.order = nil
	m.log = nil
	return nil
}

// Len returns the total number of stored events. Useful for testing.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}
