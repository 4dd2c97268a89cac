// Package sink accumulates per-item payloads and writes them to durable outputs.
package sink

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Sternrassler/fut-harvester/pkg/logging"
	"github.com/Sternrassler/fut-harvester/pkg/task"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	flushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_sink_flushes_total",
		Help: "Total number of result flushes by writer and outcome",
	}, []string{"writer", "outcome"})

	collectedItems = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "harvest_sink_collected_items",
		Help: "Number of payloads currently held by the result collector",
	})
)

// Entry is one collected payload with the id that produced it.
type Entry[P any] struct {
	ID      string
	Payload P
}

// Writer persists the full set of collected entries. Writes replace earlier output.
type Writer[P any] interface {
	Name() string
	Write(ctx context.Context, entries []Entry[P]) error
}

// Collector holds payloads in completion order and flushes them to its writers.
type Collector[P any] struct {
	writers    []Writer[P]
	flushEvery int
	logger     zerolog.Logger

	mu      sync.Mutex
	entries []Entry[P]
	index   map[string]int
}

// NewCollector creates a collector. With flushEvery > 0 the writers run every
// flushEvery windows as well as on the final Flush.
func NewCollector[P any](flushEvery int, logger zerolog.Logger, writers ...Writer[P]) *Collector[P] {
	if flushEvery < 0 {
		flushEvery = 0
	}
	return &Collector[P]{
		writers:    writers,
		flushEvery: flushEvery,
		logger:     logging.NewLogger(logger, "sink"),
		index:      make(map[string]int),
	}
}

// Seed loads entries from an earlier run so the final output stays complete.
func (c *Collector[P]) Seed(entries []Entry[P]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range entries {
		c.addLocked(e)
	}
	collectedItems.Set(float64(len(c.entries)))
}

// Add appends one payload. A repeated id replaces the earlier payload in place.
func (c *Collector[P]) Add(id string, payload P) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addLocked(Entry[P]{ID: id, Payload: payload})
	collectedItems.Set(float64(len(c.entries)))
}

func (c *Collector[P]) addLocked(e Entry[P]) {
	if i, ok := c.index[e.ID]; ok {
		c.entries[i] = e
		return
	}
	c.index[e.ID] = len(c.entries)
	c.entries = append(c.entries, e)
}

// Collect appends a window's completed results and flushes on the configured cadence.
func (c *Collector[P]) Collect(ctx context.Context, window int, completed []task.Result[P]) error {
	for _, res := range completed {
		c.Add(res.Item.ID, res.Payload)
	}
	if c.flushEvery > 0 && window%c.flushEvery == 0 {
		return c.Flush(ctx)
	}
	return nil
}

// Entries returns a copy of the collected entries in completion order.
func (c *Collector[P]) Entries() []Entry[P] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Entry[P](nil), c.entries...)
}

// Payloads returns the collected payloads in completion order.
func (c *Collector[P]) Payloads() []P {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]P, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.Payload
	}
	return out
}

// Len returns the number of collected entries.
func (c *Collector[P]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Flush writes all entries to every writer. Every writer is attempted even if
// an earlier one fails; failures are logged and joined into the returned error.
func (c *Collector[P]) Flush(ctx context.Context) error {
	entries := c.Entries()

	var errs []error
	for _, w := range c.writers {
		if err := w.Write(ctx, entries); err != nil {
			flushesTotal.WithLabelValues(w.Name(), "error").Inc()
			c.logger.Error().
				Err(err).
				Str("writer", w.Name()).
				Int("entries", len(entries)).
				Msg("Result write FAILED - collected results are only in memory")
			errs = append(errs, fmt.Errorf("%s: %w", w.Name(), err))
			continue
		}
		flushesTotal.WithLabelValues(w.Name(), "ok").Inc()
		c.logger.Info().Str("writer", w.Name()).Int("entries", len(entries)).Msg("Results written")
	}
	return errors.Join(errs...)
}
