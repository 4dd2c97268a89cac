// Package batch drives work items through fixed-size concurrency windows.
//
// Each window runs its items in parallel and acts as a barrier: results are
// collected, progress is checkpointed and resources may be recycled before the
// next window starts. Windows never overlap.
package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/fut-harvester/pkg/logging"
	"github.com/Sternrassler/fut-harvester/pkg/task"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Prometheus metrics for window scheduling.
var (
	windowsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvest_windows_total",
		Help: "Total number of completed concurrency windows",
	})

	itemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_items_total",
		Help: "Total number of work items reaching a terminal state by status",
	}, []string{"status"})

	windowDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "harvest_window_duration_seconds",
		Help:    "Wall time of a concurrency window including its barrier",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 60, 120},
	})

	checkpointErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_checkpoint_errors_total",
		Help: "Total number of failed durable writes at a window barrier",
	}, []string{"target"})
)

// ErrHalted is returned when a scheduler built WithHaltOnExhausted stops at a
// window that left an item exhausted.
var ErrHalted = errors.New("run halted on exhausted item")

// Config holds scheduler configuration.
type Config struct {
	// Concurrency is the window size and the maximum number of parallel items.
	Concurrency int

	// Cooldown is the pause between consecutive windows.
	Cooldown time.Duration

	// RecycleEveryWindows rebuilds all pooled resources after this many windows. 0 disables.
	RecycleEveryWindows int
}

// DefaultConfig returns the window settings used by the item jobs.
func DefaultConfig() Config {
	return Config{
		Concurrency:         5,
		Cooldown:            1 * time.Second,
		RecycleEveryWindows: 50,
	}
}

// Executor runs one item to a terminal result. A non-nil error stops the run.
type Executor[P any] interface {
	Execute(ctx context.Context, item task.WorkItem) (task.Result[P], error)
}

// Recycler rebuilds all pooled resources.
type Recycler interface {
	RecycleAll(ctx context.Context) error
}

// Checkpoint durably records completed item ids.
type Checkpoint interface {
	MarkCompleted(ctx context.Context, ids ...string) error
}

// Collector receives each window's completed results before progress is recorded.
type Collector[P any] interface {
	Collect(ctx context.Context, window int, completed []task.Result[P]) error
}

// Report is the aggregate of a run. Completed is in completion order.
type Report[P any] struct {
	Completed []task.Result[P]
	Exhausted []task.Result[P]
	Windows   int
}

// Attempted returns the number of items that reached a terminal state.
func (r *Report[P]) Attempted() int {
	return len(r.Completed) + len(r.Exhausted)
}

// Option configures a Scheduler.
type Option[P any] func(*Scheduler[P])

// WithRecycler enables window-count recycling.
func WithRecycler[P any](r Recycler) Option[P] {
	return func(s *Scheduler[P]) { s.recycler = r }
}

// WithCheckpoint records completed ids after every window.
func WithCheckpoint[P any](c Checkpoint) Option[P] {
	return func(s *Scheduler[P]) { s.checkpoint = c }
}

// WithCollector hands completed results to c at every window barrier.
func WithCollector[P any](c Collector[P]) Option[P] {
	return func(s *Scheduler[P]) { s.collector = c }
}

// WithHaltOnExhausted stops the run after the first window that leaves an item
// exhausted. Later windows are not started.
func WithHaltOnExhausted[P any]() Option[P] {
	return func(s *Scheduler[P]) { s.haltOnExhausted = true }
}

// Scheduler runs work items window by window.
type Scheduler[P any] struct {
	executor        Executor[P]
	config          Config
	logger          zerolog.Logger
	recycler        Recycler
	checkpoint      Checkpoint
	collector       Collector[P]
	haltOnExhausted bool
}

// New creates a scheduler.
func New[P any](executor Executor[P], config Config, logger zerolog.Logger, opts ...Option[P]) *Scheduler[P] {
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if config.Cooldown < 0 {
		config.Cooldown = 0
	}
	if config.RecycleEveryWindows < 0 {
		config.RecycleEveryWindows = 0
	}

	s := &Scheduler[P]{
		executor: executor,
		config:   config,
		logger:   logging.NewLogger(logger, "scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run processes items and returns the aggregate. Item failures never stop the
// run; only a fatal executor error (resource construction, cancellation) or a
// failed recycle does, in which case the partial report is returned with it.
func (s *Scheduler[P]) Run(ctx context.Context, items []task.WorkItem) (*Report[P], error) {
	report := &Report[P]{}
	if len(items) == 0 {
		s.logger.Info().Msg("No work items to schedule")
		return report, nil
	}

	windows := Windows(items, s.config.Concurrency)
	s.logger.Info().
		Int("items", len(items)).
		Int("windows", len(windows)).
		Int("concurrency", s.config.Concurrency).
		Msg("Starting scheduled run")

	for i, window := range windows {
		n := i + 1
		start := time.Now()

		completed, exhausted, runErr := s.runWindow(ctx, window)
		report.Completed = append(report.Completed, completed...)
		report.Exhausted = append(report.Exhausted, exhausted...)
		report.Windows = n

		s.barrier(ctx, n, completed)

		windowsTotal.Inc()
		windowDuration.Observe(time.Since(start).Seconds())
		s.logger.Info().
			Int("window", n).
			Int("total_windows", len(windows)).
			Int("completed", len(completed)).
			Int("exhausted", len(exhausted)).
			Int("done", report.Attempted()).
			Int("total", len(items)).
			Dur("duration", time.Since(start)).
			Msg("Window complete")

		if runErr != nil {
			s.logger.Error().Err(runErr).Int("window", n).Msg("Run aborted")
			return report, runErr
		}

		if s.haltOnExhausted && len(exhausted) > 0 {
			s.logger.Error().
				Str("item_id", exhausted[0].Item.ID).
				Int("window", n).
				Msg("Run halted on exhausted item")
			return report, fmt.Errorf("%w: %s", ErrHalted, exhausted[0].Item.ID)
		}

		if n == len(windows) {
			break
		}

		if s.recycler != nil && s.config.RecycleEveryWindows > 0 && n%s.config.RecycleEveryWindows == 0 {
			s.logger.Info().Int("window", n).Msg("Recycling resources")
			if err := s.recycler.RecycleAll(ctx); err != nil {
				s.logger.Error().Err(err).Int("window", n).Msg("Resource recycle failed")
				return report, err
			}
		}

		if err := sleep(ctx, s.config.Cooldown); err != nil {
			return report, err
		}
	}

	s.logger.Info().
		Int("completed", len(report.Completed)).
		Int("exhausted", len(report.Exhausted)).
		Int("windows", report.Windows).
		Msg("Scheduled run complete")

	return report, nil
}

// runWindow executes one window. Tasks hand their result back over a channel;
// only this goroutine appends, so completion order is preserved without locks.
func (s *Scheduler[P]) runWindow(ctx context.Context, window []task.WorkItem) (completed, exhausted []task.Result[P], err error) {
	results := make(chan task.Result[P], len(window))

	g, gctx := errgroup.WithContext(ctx)
	for _, item := range window {
		g.Go(func() error {
			res, err := s.executor.Execute(gctx, item)
			if err != nil {
				return err
			}
			results <- res
			return nil
		})
	}
	err = g.Wait()
	close(results)

	for res := range results {
		itemsTotal.WithLabelValues(string(res.Status)).Inc()
		if res.IsCompleted() {
			completed = append(completed, res)
			continue
		}
		exhausted = append(exhausted, res)
	}
	return completed, exhausted, err
}

// barrier hands results to the collector, then records progress. Write
// failures are logged; the in-memory results are kept either way.
func (s *Scheduler[P]) barrier(ctx context.Context, window int, completed []task.Result[P]) {
	if len(completed) == 0 {
		return
	}

	// Results are persisted before ids are marked, so a crash between the two
	// re-fetches the window instead of losing it.
	if s.collector != nil {
		if err := s.collector.Collect(ctx, window, completed); err != nil {
			checkpointErrorsTotal.WithLabelValues("results").Inc()
			s.logger.Error().Err(err).Int("window", window).Msg("Failed to persist window results")
			return
		}
	}

	if s.checkpoint != nil {
		ids := make([]string, 0, len(completed))
		for _, res := range completed {
			ids = append(ids, res.Item.ID)
		}
		if err := s.checkpoint.MarkCompleted(ctx, ids...); err != nil {
			checkpointErrorsTotal.WithLabelValues("progress").Inc()
			s.logger.Error().Err(err).Int("window", window).Msg("Failed to record progress")
		}
	}
}

// Windows partitions items into consecutive slices of at most size items.
func Windows(items []task.WorkItem, size int) [][]task.WorkItem {
	if size <= 0 {
		size = 1
	}
	windows := make([][]task.WorkItem, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		windows = append(windows, items[start:end])
	}
	return windows
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
