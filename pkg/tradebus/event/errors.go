package event

import (
	"fmt"
	"time"
)

// EventError represents an error during event processing.
type EventError struct {
	Event     Event     // The event that failed
	Handler   string    // Handler that failed (if known)
	Message   string    // Error message
	Err       error     // Underlying error
	Attempt   int       // Which attempt this was
	Timestamp time.Time // When the error occurred
}

// Error implements the error interface.
func (e *EventError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("event %s: %s: %v", e.Event.ID(), e.Message, e.Err)
	}
	return fmt.Sprintf("event %s: %s", e.Event.ID(), e.Message)
}

// Unwrap returns the underlying error.
func (e *EventError) Unwrap() error {
	return e.Err
}
