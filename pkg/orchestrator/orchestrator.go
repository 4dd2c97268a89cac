// Package orchestrator wires the executor, scheduler, pool and durable stores
// into the two job shapes the harvester runs: a flat list of known ids, and
// paginated discovery of ids phase by phase.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/fut-harvester/pkg/batch"
	"github.com/Sternrassler/fut-harvester/pkg/pool"
	"github.com/Sternrassler/fut-harvester/pkg/progress"
	"github.com/Sternrassler/fut-harvester/pkg/retry"
	"github.com/Sternrassler/fut-harvester/pkg/sink"
	"github.com/Sternrassler/fut-harvester/pkg/task"
)

var runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "harvest_runs_total",
	Help: "Total number of job runs by job and outcome",
}, []string{"job", "outcome"})

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.NewString()
}

// runLogger returns the logger for one run. A caller that supplies the run id
// tags its own logger (see logging.ForRun); otherwise the generated id and the
// job name are added here.
func runLogger(logger zerolog.Logger, job string, runID *string) zerolog.Logger {
	if *runID != "" {
		return logger
	}
	*runID = NewRunID()
	return logger.With().Str("job", job).Str("run_id", *runID).Logger()
}

// Summary is the final account of one run.
type Summary struct {
	RunID     string
	Job       string
	Attempted int
	Completed int
	Exhausted int
	Skipped   int

	// Pages and NewIDs are set by discovery runs.
	Pages  int
	NewIDs int

	ExhaustedIDs []string
	Duration     time.Duration
}

// Log writes the summary as one structured line. The run id and job name come
// from logger.
func (s Summary) Log(logger zerolog.Logger, err error) {
	ev := logger.Info()
	if err != nil {
		ev = logger.Error().Err(err)
	}
	ev.Int("attempted", s.Attempted).
		Int("completed", s.Completed).
		Int("exhausted", s.Exhausted).
		Int("skipped", s.Skipped).
		Int("pages", s.Pages).
		Int("new_ids", s.NewIDs).
		Strs("exhausted_ids", s.ExhaustedIDs).
		Dur("duration", s.Duration).
		Msg("Run summary")
}

// FlatJob describes a run over a known list of ids.
type FlatJob[R, P any] struct {
	Name string

	// RunID, when set, must already be on Logger. Empty generates one.
	RunID string

	Items     []task.WorkItem
	Transform task.Transform[R, P]

	Pool     *pool.Pool[R]
	Progress progress.Store

	// Collector receives completed payloads; nil keeps results in the report only.
	Collector *sink.Collector[P]

	Retry  retry.Config
	Batch  batch.Config
	Logger zerolog.Logger
}

// RunFlat schedules every item not yet in the completed set and flushes the
// collected results once the scheduler stops. The summary is returned even
// when the run ends early; the error is non-nil only for fatal conditions.
func RunFlat[R, P any](ctx context.Context, job FlatJob[R, P]) (Summary, error) {
	start := time.Now()
	logger := runLogger(job.Logger, job.Name, &job.RunID)
	summary := Summary{RunID: job.RunID, Job: job.Name}

	record, err := job.Progress.Load(ctx)
	if err != nil {
		runsTotal.WithLabelValues(job.Name, "failed").Inc()
		return summary, fmt.Errorf("load progress: %w", err)
	}

	pending, skipped := task.Pending(job.Items, record.IsCompleted)
	summary.Skipped = skipped
	logger.Info().
		Int("input", len(job.Items)).
		Int("pending", len(pending)).
		Int("skipped", skipped).
		Msg("Work list built")

	executor := retry.New[R, P](job.Pool, job.Transform, job.Retry, logger)
	opts := []batch.Option[P]{
		batch.WithRecycler[P](job.Pool),
		batch.WithCheckpoint[P](job.Progress),
	}
	if job.Collector != nil {
		opts = append(opts, batch.WithCollector[P](job.Collector))
	}
	scheduler := batch.New[P](executor, job.Batch, logger, opts...)

	report, runErr := scheduler.Run(ctx, pending)

	if job.Collector != nil {
		if err := job.Collector.Flush(context.WithoutCancel(ctx)); err != nil {
			logger.Error().Err(err).Int("results", job.Collector.Len()).Msg("Final result write failed")
		}
	}

	summary.Attempted = report.Attempted()
	summary.Completed = len(report.Completed)
	summary.Exhausted = len(report.Exhausted)
	for _, res := range report.Exhausted {
		summary.ExhaustedIDs = append(summary.ExhaustedIDs, res.Item.ID)
	}
	summary.Duration = time.Since(start)

	outcome := "ok"
	if runErr != nil {
		outcome = "failed"
	}
	runsTotal.WithLabelValues(job.Name, outcome).Inc()
	summary.Log(logger, runErr)

	return summary, runErr
}
