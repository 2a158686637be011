package worker

import (
	"strings"
	"time"
)

// JobStatus is the normalized state of a provider-side job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
)

var (
	succeededTokens = map[string]struct{}{
		"succeeded": {},
		"succeed":   {},
		"success":   {},
		"completed": {},
		"done":      {},
	}
	failedTokens = map[string]struct{}{
		"failed": {},
		"error":  {},
	}
)

// Classify maps a provider status token onto the tri-state, ignoring case.
// Unknown and empty tokens are pending.
func Classify(token string) JobStatus {
	t := strings.ToLower(strings.TrimSpace(token))
	if _, ok := succeededTokens[t]; ok {
		return JobStatusSucceeded
	}
	if _, ok := failedTokens[t]; ok {
		return JobStatusFailed
	}
	return JobStatusPending
}

// Status is one normalized status snapshot.
type Status struct {
	State JobStatus
	// Token is the provider's own spelling, empty when absent.
	Token     string
	ResultURL string
	// Detail explains a failed state; it carries the provider's raw text.
	Detail string
	// HTTPStatus is set when the status call itself was rejected.
	HTTPStatus int
	Raw        map[string]any
}

type OutcomeKind string

const (
	OutcomeSucceeded OutcomeKind = "succeeded"
	OutcomeFailed    OutcomeKind = "failed"
	OutcomeTimedOut  OutcomeKind = "timed_out"
)

// Outcome is the result of polling a job to completion.
type Outcome struct {
	Kind       OutcomeKind
	TaskID     string
	ResultURL  string
	Reason     string
	HTTPStatus int
	Attempts   int
	Elapsed    time.Duration
	Raw        map[string]any
}
