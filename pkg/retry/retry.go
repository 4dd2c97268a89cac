// Package retry runs a single work item with a hard per-attempt deadline and a
// bounded number of retries, leasing a fresh resource for every attempt.
package retry

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/Sternrassler/fut-harvester/pkg/logging"
	"github.com/Sternrassler/fut-harvester/pkg/pool"
	"github.com/Sternrassler/fut-harvester/pkg/task"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for attempt execution.
var (
	attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_attempts_total",
		Help: "Total number of fetch attempts by outcome",
	}, []string{"outcome"})

	retriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvest_retries_total",
		Help: "Total number of retries scheduled after a failed attempt",
	})

	exhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvest_retry_exhausted_total",
		Help: "Total number of work items that exhausted all attempts",
	})

	attemptDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "harvest_attempt_duration_seconds",
		Help:    "Duration of individual fetch attempts",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 20, 60},
	})
)

var (
	// ErrTimedOut is the reason recorded for attempts abandoned at the deadline.
	ErrTimedOut = errors.New("attempt timed out")

	// ErrPanic is the reason recorded for transforms that panicked.
	ErrPanic = errors.New("transform panicked")
)

// Config holds the retry policy.
type Config struct {
	// MaxRetries is the number of attempts beyond the first.
	MaxRetries int

	// AttemptTimeout is the hard deadline for a single attempt.
	AttemptTimeout time.Duration

	// Delay is the wait between a failed attempt and the next one.
	Delay time.Duration
}

// DefaultConfig mirrors the per-item policy of the item jobs: 3 attempts,
// 20 second hard timeout, 1 second between attempts.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     2,
		AttemptTimeout: 20 * time.Second,
		Delay:          1 * time.Second,
	}
}

// Leaser is the part of the resource pool the executor needs.
type Leaser[R any] interface {
	Lease(ctx context.Context) (*pool.Handle[R], error)
	Release(ctx context.Context, h *pool.Handle[R], healthy bool) error
}

// Executor runs a transform against pooled resources.
type Executor[R, P any] struct {
	leaser    Leaser[R]
	transform task.Transform[R, P]
	config    Config
	logger    zerolog.Logger
}

// New creates an executor.
func New[R, P any](leaser Leaser[R], transform task.Transform[R, P], config Config, logger zerolog.Logger) *Executor[R, P] {
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.AttemptTimeout <= 0 {
		config.AttemptTimeout = 20 * time.Second
	}
	if config.Delay < 0 {
		config.Delay = 0
	}

	return &Executor[R, P]{
		leaser:    leaser,
		transform: transform,
		config:    config,
		logger:    logging.NewLogger(logger, "retry"),
	}
}

// Execute drives one work item to a terminal result.
//
// A permanent item failure is reported as an Exhausted result with a nil error.
// The returned error is non-nil only for conditions that must stop the run:
// a resource that cannot be constructed, or cancellation of ctx.
func (e *Executor[R, P]) Execute(ctx context.Context, item task.WorkItem) (task.Result[P], error) {
	start := time.Now()
	maxAttempts := e.config.MaxRetries + 1

	var lastErr error
	attempt := 0
	for attempt < maxAttempts {
		attempt++

		h, err := e.leaser.Lease(ctx)
		if err != nil {
			res := task.Exhausted[P](item, err, attempt-1)
			res.Duration = time.Since(start)
			return res, err
		}

		e.logger.Info().
			Str("item_id", item.ID).
			Int("attempt", attempt).
			Int("max_attempts", maxAttempts).
			Msg("Attempt started")

		outcome := e.attempt(ctx, h.Resource(), item)
		attemptsTotal.WithLabelValues(string(outcome.Status)).Inc()

		// A timed out or failed attempt may leave the resource busy or broken.
		if err := e.leaser.Release(ctx, h, outcome.OK()); err != nil {
			e.logger.Warn().Err(err).Str("item_id", item.ID).Msg("Failed to release resource")
		}

		if outcome.OK() {
			if attempt > 1 {
				e.logger.Info().
					Str("item_id", item.ID).
					Int("attempt", attempt).
					Msg("Item succeeded after retry")
			}
			res := task.Completed(item, outcome.Payload, attempt)
			res.Duration = time.Since(start)
			return res, nil
		}

		lastErr = outcome.Err
		if ctx.Err() != nil {
			res := task.Exhausted[P](item, lastErr, attempt)
			res.Duration = time.Since(start)
			return res, ctx.Err()
		}

		if attempt >= maxAttempts {
			break
		}

		retriesTotal.Inc()
		e.logger.Warn().
			Err(lastErr).
			Str("item_id", item.ID).
			Int("attempt", attempt).
			Str("outcome", string(outcome.Status)).
			Dur("delay", e.config.Delay).
			Msg("Retrying item")

		if err := sleep(ctx, e.config.Delay); err != nil {
			res := task.Exhausted[P](item, lastErr, attempt)
			res.Duration = time.Since(start)
			return res, err
		}
	}

	exhaustedTotal.Inc()
	e.logger.Error().
		Err(lastErr).
		Str("item_id", item.ID).
		Int("attempts", attempt).
		Msg("Item failed, attempts exhausted")

	res := task.Exhausted[P](item, lastErr, attempt)
	res.Duration = time.Since(start)
	return res, nil
}

// attempt races the transform against the attempt deadline. When the deadline
// wins the transform goroutine is abandoned; its result is dropped.
func (e *Executor[R, P]) attempt(ctx context.Context, resource R, item task.WorkItem) task.Outcome[P] {
	start := time.Now()
	defer func() {
		attemptDuration.Observe(time.Since(start).Seconds())
	}()

	attemptCtx, cancel := context.WithTimeout(ctx, e.config.AttemptTimeout)
	defer cancel()

	done := make(chan task.Outcome[P], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error().
					Str("item_id", item.ID).
					Str("stack", string(debug.Stack())).
					Msgf("Transform panic: %v", r)
				done <- task.Failure[P](fmt.Errorf("%w: %v", ErrPanic, r))
			}
		}()

		payload, err := e.transform(attemptCtx, resource, item)
		if err != nil {
			done <- task.Failure[P](err)
			return
		}
		done <- task.Success(payload)
	}()

	select {
	case outcome := <-done:
		if !outcome.OK() && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return task.TimedOut[P](fmt.Errorf("%w after %v: %v", ErrTimedOut, e.config.AttemptTimeout, outcome.Err))
		}
		return outcome
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return task.Failure[P](ctx.Err())
		}
		return task.TimedOut[P](fmt.Errorf("%w after %v", ErrTimedOut, e.config.AttemptTimeout))
	}
}

// sleep waits for d or until ctx is cancelled.
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
