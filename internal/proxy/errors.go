package proxy

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidRequest marks caller mistakes (400).
	ErrInvalidRequest = errors.New("invalid request")
	// ErrMethodNotAllowed marks an unsupported HTTP method on a known path (405).
	ErrMethodNotAllowed = errors.New("method not allowed")
	// ErrNotConfigured marks missing server credentials (500). Messages name
	// the setting, never its value.
	ErrNotConfigured = errors.New("server not configured")
	// ErrProvider marks provider transport or semantic failures (502).
	ErrProvider = errors.New("provider error")
	// ErrTimeout marks a poll deadline hit while the job was still pending (504).
	ErrTimeout = errors.New("polling deadline exceeded")
)

// ProviderError carries the provider's own status and body verbatim.
type ProviderError struct {
	Op     string
	Status int
	Body   string
	TaskID string
}

func (e *ProviderError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s (%d): %s", e.Op, e.Status, e.Body)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Body)
}

func (e *ProviderError) Unwrap() error { return ErrProvider }

// TimeoutError reports a job that may still be running; TaskID lets the
// caller resume with a status check.
type TimeoutError struct {
	TaskID   string
	Attempts int
	Elapsed  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("job %s still pending after %d status checks in %s", e.TaskID, e.Attempts, e.Elapsed.Round(time.Millisecond))
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }
