package bus

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced synchronously to producers.
var (
	// ErrNotRunning indicates publish was called while the bus is stopped.
	ErrNotRunning = errors.New("event bus is not running")

	// ErrQueueFull indicates the bounded inbound queue rejected the event.
	// This is the backpressure signal; the event never entered the queue.
	ErrQueueFull = errors.New("inbound queue is full")

	// ErrNilHandler indicates subscribe was called without a handler.
	ErrNilHandler = errors.New("subscription handler must not be nil")

	// ErrEmptyEventType indicates subscribe was called with an empty
	// dispatch key.
	ErrEmptyEventType = errors.New("subscription event type must not be empty")
)

// PublishError wraps a synchronous publish failure with event identity.
type PublishError struct {
	EventID   string
	EventType string
	Err       error
}

// Error implements the error interface.
func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %s (%s): %v", e.EventID, e.EventType, e.Err)
}

// Unwrap returns the underlying error.
func (e *PublishError) Unwrap() error {
	return e.Err
}
