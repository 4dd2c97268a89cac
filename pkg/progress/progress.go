// Package progress records which work items are done and, for paginated jobs,
// the next page of every phase. Every mutation is persisted before it returns.
package progress

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
)

// FirstPage is the cursor of a phase that has never run.
const FirstPage = 1

// ErrCursorRegression is returned when a phase cursor would move backwards.
var ErrCursorRegression = errors.New("phase cursor cannot move backwards")

// Record is the durable progress state.
type Record struct {
	// Cursors maps a phase label to the next page to fetch.
	Cursors map[string]int

	// Completed holds ids that must not be fetched again.
	Completed map[string]struct{}
}

// NewRecord returns an empty record.
func NewRecord() Record {
	return Record{
		Cursors:   make(map[string]int),
		Completed: make(map[string]struct{}),
	}
}

// Cursor returns the next page for phase, FirstPage when the phase is unknown.
func (r Record) Cursor(phase string) int {
	if next, ok := r.Cursors[phase]; ok && next >= FirstPage {
		return next
	}
	return FirstPage
}

// IsCompleted reports whether id is in the completed set.
func (r Record) IsCompleted(id string) bool {
	_, ok := r.Completed[id]
	return ok
}

// CompletedIDs returns the completed set sorted for stable output.
func (r Record) CompletedIDs() []string {
	return slices.Sorted(maps.Keys(r.Completed))
}

// Clone returns a deep copy, so callers cannot mutate a store's state.
func (r Record) Clone() Record {
	out := NewRecord()
	maps.Copy(out.Cursors, r.Cursors)
	maps.Copy(out.Completed, r.Completed)
	return out
}

// checkCursor enforces forward-only movement.
func (r Record) checkCursor(phase string, next int) error {
	if next < FirstPage {
		return fmt.Errorf("%w: phase %q next page %d", ErrCursorRegression, phase, next)
	}
	if current, ok := r.Cursors[phase]; ok && next < current {
		return fmt.Errorf("%w: phase %q from %d to %d", ErrCursorRegression, phase, current, next)
	}
	return nil
}

// Store persists progress. Implementations are safe for concurrent use, though
// the scheduler only writes at window and page boundaries.
type Store interface {
	// Load reads the persisted state. A store with no state returns an empty record.
	Load(ctx context.Context) (Record, error)

	// MarkCompleted adds ids to the completed set and persists it.
	MarkCompleted(ctx context.Context, ids ...string) error

	// SaveCursor sets the next page for phase and persists it.
	SaveCursor(ctx context.Context, phase string, next int) error
}
