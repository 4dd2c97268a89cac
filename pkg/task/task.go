// Package task defines the unit of work handled by the harvester and the
// tagged outcomes produced while executing it.
package task

import (
	"context"
	"encoding/json"
	"time"
)

// Status tags an attempt outcome or a final task result.
type Status string

const (
	// StatusSuccess marks an attempt whose transform returned a payload.
	StatusSuccess Status = "success"

	// StatusFailure marks an attempt whose transform returned an error or panicked.
	StatusFailure Status = "failure"

	// StatusTimedOut marks an attempt abandoned after the per-attempt deadline.
	StatusTimedOut Status = "timed_out"

	// StatusCompleted marks a work item that produced a payload.
	StatusCompleted Status = "completed"

	// StatusExhausted marks a work item whose attempts were all spent.
	StatusExhausted Status = "exhausted"
)

// WorkItem is one identifier to fetch. It is immutable once enqueued.
type WorkItem struct {
	// ID is the opaque identifier, always in its string form.
	ID string

	// Meta carries optional enrichment data for the transform (raw JSON).
	Meta json.RawMessage

	// Phase and Page are set for listing pages in discovery jobs.
	Phase string
	Page  int
}

// Transform fetches and shapes the payload for one work item using a leased resource.
// It must not touch orchestrator state. Any returned error is treated as a failed attempt.
type Transform[R, P any] func(ctx context.Context, resource R, item WorkItem) (P, error)

// Outcome is the result of a single attempt. It is never persisted.
type Outcome[P any] struct {
	Status  Status
	Payload P
	Err     error
}

// Success builds a successful attempt outcome.
func Success[P any](payload P) Outcome[P] {
	return Outcome[P]{Status: StatusSuccess, Payload: payload}
}

// Failure builds a failed attempt outcome.
func Failure[P any](err error) Outcome[P] {
	return Outcome[P]{Status: StatusFailure, Err: err}
}

// TimedOut builds a timed-out attempt outcome.
func TimedOut[P any](err error) Outcome[P] {
	return Outcome[P]{Status: StatusTimedOut, Err: err}
}

// OK reports whether the attempt produced a payload.
func (o Outcome[P]) OK() bool {
	return o.Status == StatusSuccess
}

// Result is the terminal state of a work item for one run.
type Result[P any] struct {
	Item     WorkItem
	Status   Status
	Payload  P
	Err      error
	Attempts int
	Duration time.Duration
}

// Completed builds a completed result.
func Completed[P any](item WorkItem, payload P, attempts int) Result[P] {
	return Result[P]{Item: item, Status: StatusCompleted, Payload: payload, Attempts: attempts}
}

// Exhausted builds an exhausted result carrying the last attempt's error.
func Exhausted[P any](item WorkItem, lastErr error, attempts int) Result[P] {
	return Result[P]{Item: item, Status: StatusExhausted, Err: lastErr, Attempts: attempts}
}

// IsCompleted reports whether the item produced a payload.
func (r Result[P]) IsCompleted() bool {
	return r.Status == StatusCompleted
}

// Reason returns the last error message for exhausted results.
func (r Result[P]) Reason() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}
