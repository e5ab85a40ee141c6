// Package event defines the immutable event value type shared by every
// tradebus component.
//
// An event is a record of something that already happened: an order fill, a
// tick batch, a window closing. Events are created once by a producer and
// never mutated afterwards. The string returned by Type() is the dispatch
// key; subscription matching never inspects the runtime type of the
// payload.
package event

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event is the contract every published value must satisfy.
// Events are immutable once created; any modification creates a new event.
type Event interface {
	// Identity
	ID() string   // Unique event identifier
	Type() string // Dispatch key (e.g., "order.filled", "market.tick")

	// Domain entity the event concerns
	AggregateID() string
	AggregateType() string

	// Correlation for traceability (never used for dispatch)
	Source() string        // Producing component (e.g., "execution", "ui")
	CorrelationID() string // Groups events belonging to one request
	CausationID() string   // ID of the event that directly caused this one

	// Envelope
	OccurredAt() time.Time    // When the event occurred
	Version() int             // Payload schema version
	Metadata() map[string]any // Open annotations, opaque to the bus

	// Payload
	Data() any         // Typed payload
	DataBytes() []byte // Serialized payload for storage
}

// Envelope holds the common metadata fields of an event.
type Envelope struct {
	EventID       string         `json:"id"`
	EventType     string         `json:"type"`
	EventSource   string         `json:"source"`
	AggregateID   string         `json:"aggregate_id"`
	AggregateType string         `json:"aggregate_type"`
	CorrelationID string         `json:"correlation_id"`
	CausationID   string         `json:"causation_id,omitempty"`
	OccurredAt    time.Time      `json:"occurred_at"`
	SchemaVersion int            `json:"schema_version"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// BaseEvent provides a generic event implementation.
// T is the payload type for type-safe access.
type BaseEvent[T any] struct {
	Meta    Envelope `json:"metadata"`
	Payload T        `json:"payload"`

	// Cached serialization (computed lazily)
	cachedBytes []byte
}

// ID returns the unique event identifier.
func (e *BaseEvent[T]) ID() string {
	return e.Meta.EventID
}

// Type returns the dispatch key.
func (e *BaseEvent[T]) Type() string {
	return e.Meta.EventType
}

// Source returns the producing component.
func (e *BaseEvent[T]) Source() string {
	return e.Meta.EventSource
}

// AggregateID returns the identifier of the domain entity the event concerns.
func (e *BaseEvent[T]) AggregateID() string {
	return e.Meta.AggregateID
}

// AggregateType returns the kind of domain entity the event concerns.
func (e *BaseEvent[T]) AggregateType() string {
	return e.Meta.AggregateType
}

// CorrelationID returns the identifier grouping related events.
func (e *BaseEvent[T]) CorrelationID() string {
	return e.Meta.CorrelationID
}

// CausationID returns the ID of the event that caused this one.
func (e *BaseEvent[T]) CausationID() string {
	return e.Meta.CausationID
}

// OccurredAt returns when the event occurred.
func (e *BaseEvent[T]) OccurredAt() time.Time {
	return e.Meta.OccurredAt
}

// Version returns the payload schema version.
func (e *BaseEvent[T]) Version() int {
	return e.Meta.SchemaVersion
}

// Metadata returns the open annotation map. The bus never reads it.
func (e *BaseEvent[T]) Metadata() map[string]any {
	return e.Meta.Metadata
}

// Data returns the event payload.
func (e *BaseEvent[T]) Data() any {
	return e.Payload
}

// TypedData returns the strongly-typed payload.
func (e *BaseEvent[T]) TypedData() T {
	return e.Payload
}

// DataBytes returns the serialized payload.
// The result is cached for efficiency.
func (e *BaseEvent[T]) DataBytes() []byte {
	if e.cachedBytes == nil {
		// Best effort - errors are ignored for interface compliance
		e.cachedBytes, _ = json.Marshal(e.Payload)
	}
	return e.cachedBytes
}

// MarshalJSON implements json.Marshaler.
func (e *BaseEvent[T]) MarshalJSON() ([]byte, error) {
	type alias BaseEvent[T]
	return json.Marshal((*alias)(e))
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *BaseEvent[T]) UnmarshalJSON(data []byte) error {
	type alias BaseEvent[T]
	if err := json.Unmarshal(data, (*alias)(e)); err != nil {
		return err
	}
	e.cachedBytes = nil // Clear cache on unmarshal
	return nil
}

// Option configures event creation.
type Option func(*eventConfig)

type eventConfig struct {
	id            string
	correlationID string
	causationID   string
	occurredAt    time.Time
	version       int
	metadata      map[string]any
}

// WithEventID sets a specific event ID (default: auto-generated UUID).
func WithEventID(id string) Option {
	return func(cfg *eventConfig) {
		cfg.id = id
	}
}

// WithCorrelationID sets the correlation ID for tracing.
func WithCorrelationID(id string) Option {
	return func(cfg *eventConfig) {
		cfg.correlationID = id
	}
}

// WithCausationID sets the ID of the causing event.
func WithCausationID(id string) Option {
	return func(cfg *eventConfig) {
		cfg.causationID = id
	}
}

// WithOccurredAt sets a specific occurrence time (default: time.Now()).
func WithOccurredAt(t time.Time) Option {
	return func(cfg *eventConfig) {
		cfg.occurredAt = t
	}
}

// WithSchemaVersion sets the payload schema version (default: 1).
func WithSchemaVersion(v int) Option {
	return func(cfg *eventConfig) {
		cfg.version = v
	}
}

// WithMetadata attaches an annotation to the event's metadata map.
func WithMetadata(key string, value any) Option {
	return func(cfg *eventConfig) {
		if cfg.metadata == nil {
			cfg.metadata = make(map[string]any)
		}
		cfg.metadata[key] = value
	}
}

// New creates a new event for the given aggregate with the given payload.
func New[T any](
	eventType string,
	source string,
	aggregateID string,
	aggregateType string,
	payload T,
	opts ...Option,
) *BaseEvent[T] {
	cfg := &eventConfig{
		id:         uuid.New().String(),
		occurredAt: time.Now(),
		version:    1,
	}

	for _, opt := range opts {
		opt(cfg)
	}

	// If no correlation ID, use event ID as the root
	if cfg.correlationID == "" {
		cfg.correlationID = cfg.id
	}

	return &BaseEvent[T]{
		Meta: Envelope{
			EventID:       cfg.id,
			EventType:     eventType,
			EventSource:   source,
			AggregateID:   aggregateID,
			AggregateType: aggregateType,
			CorrelationID: cfg.correlationID,
			CausationID:   cfg.causationID,
			OccurredAt:    cfg.occurredAt,
			SchemaVersion: cfg.version,
			Metadata:      cfg.metadata,
		},
		Payload: payload,
	}
}

// NewFromParent creates a new event caused by a parent event.
// It inherits the correlation ID and sets the causation ID automatically.
func NewFromParent[T any](
	parent Event,
	eventType string,
	source string,
	payload T,
	opts ...Option,
) *BaseEvent[T] {
	// Prepend parent correlation options (can be overridden by opts)
	parentOpts := []Option{
		WithCorrelationID(parent.CorrelationID()),
		WithCausationID(parent.ID()),
	}
	allOpts := append(parentOpts, opts...)

	return New(eventType, source, parent.AggregateID(), parent.AggregateType(), payload, allOpts...)
}

// NewAny creates a new event with an untyped (any) payload.
// Convenient when type-safe payload access is not needed.
func NewAny(
	eventType string,
	source string,
	aggregateID string,
	aggregateType string,
	payload any,
	opts ...Option,
) *BaseEvent[any] {
	return New(eventType, source, aggregateID, aggregateType, payload, opts...)
}

// EnvelopeOf extracts the metadata envelope from any Event.
func EnvelopeOf(evt Event) Envelope {
	return Envelope{
		EventID:       evt.ID(),
		EventType:     evt.Type(),
		EventSource:   evt.Source(),
		AggregateID:   evt.AggregateID(),
		AggregateType: evt.AggregateType(),
		CorrelationID: evt.CorrelationID(),
		CausationID:   evt.CausationID(),
		OccurredAt:    evt.OccurredAt(),
		SchemaVersion: evt.Version(),
		Metadata:      evt.Metadata(),
	}
}

// Handler processes a single event.
type Handler interface {
	// Handle processes an event. A non-nil error routes the (event,
	// subscription) pair into the bus's retry path.
	Handle(ctx context.Context, evt Event) error

	// Name identifies the handler in processing logs and statistics.
	Name() string
}

// HandlerFunc adapts a named function to the Handler interface.
type HandlerFunc struct {
	HandlerName string
	Fn          func(ctx context.Context, evt Event) error
}

// NewHandlerFunc wraps fn as a Handler with the given name.
func NewHandlerFunc(name string, fn func(ctx context.Context, evt Event) error) HandlerFunc {
	return HandlerFunc{HandlerName: name, Fn: fn}
}

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, evt Event) error {
	return f.Fn(ctx, evt)
}

// Name implements Handler.
func (f HandlerFunc) Name() string {
	if f.HandlerName == "" {
		return "func"
	}
	return f.HandlerName
}

// TypedHandler wraps a function handling a specific payload type.
// Payloads arriving as map[string]any (e.g., rehydrated from the store) are
// decoded through JSON into T.
func TypedHandler[T any](
	name string,
	fn func(ctx context.Context, payload T, env Envelope) error,
) Handler {
	return &typedHandler[T]{name: name, fn: fn}
}

type typedHandler[T any] struct {
	name string
	fn   func(ctx context.Context, payload T, env Envelope) error
}

func (h *typedHandler[T]) Handle(ctx context.Context, evt Event) error {
	var payload T

	switch d := evt.Data().(type) {
	case T:
		payload = d
	case map[string]any:
		// JSON unmarshal path
		bytes, err := json.Marshal(d)
		if err != nil {
			return &EventError{
				Event:   evt,
				Handler: h.name,
				Message: "failed to marshal event data",
				Err:     err,
			}
		}
		if err := json.Unmarshal(bytes, &payload); err != nil {
			return &EventError{
				Event:   evt,
				Handler: h.name,
				Message: "failed to unmarshal event data to expected type",
				Err:     err,
			}
		}
	default:
		return &EventError{
			Event:   evt,
			Handler: h.name,
			Message: "unexpected payload type",
		}
	}

	return h.fn(ctx, payload, EnvelopeOf(evt))
}

func (h *typedHandler[T]) Name() string {
	return h.name
}
