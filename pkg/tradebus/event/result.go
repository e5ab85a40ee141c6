package event

import "time"

// ProcessingResult is the outcome of one dispatch attempt for one
// (event, subscription) pair. Created after every handler invocation and
// never mutated afterwards.
type ProcessingResult struct {
	EventID        string        `json:"event_id"`
	Handler        string        `json:"handler"`
	Success        bool          `json:"success"`
	ErrorMessage   string        `json:"error_message,omitempty"`
	ProcessingTime time.Duration `json:"processing_time"`
	RetryAttempt   int           `json:"retry_attempt"` // 0 for the first try
	ProcessedAt    time.Time     `json:"processed_at"`
}

// ResultSuccess builds a successful ProcessingResult for an invocation.
func ResultSuccess(evt Event, handler string, elapsed time.Duration, attempt int) ProcessingResult {
	return ProcessingResult{
		EventID:        evt.ID(),
		Handler:        handler,
		Success:        true,
		ProcessingTime: elapsed,
		RetryAttempt:   attempt,
		ProcessedAt:    time.Now(),
	}
}

// ResultFailure builds a failed ProcessingResult for an invocation.
func ResultFailure(evt Event, handler string, elapsed time.Duration, attempt int, err error) ProcessingResult {
	return ProcessingResult{
		EventID:        evt.ID(),
		Handler:        handler,
		Success:        false,
		ErrorMessage:   err.Error(),
		ProcessingTime: elapsed,
		RetryAttempt:   attempt,
		ProcessedAt:    time.Now(),
	}
}
