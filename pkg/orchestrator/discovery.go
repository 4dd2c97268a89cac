package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

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

var (
	pagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_pages_total",
		Help: "Total number of listing pages fetched by phase",
	}, []string{"phase"})

	pageGapsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_page_gaps_total",
		Help: "Total number of listing pages that exhausted their retries",
	}, []string{"phase"})

	discoveredIDs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "harvest_discovered_ids",
		Help: "Number of unique ids in the discovery accumulator",
	})
)

// ErrPageGap is wrapped by PageGapError.
var ErrPageGap = errors.New("listing page exhausted its retries")

// PageGapError reports the page a discovery phase stopped at. The phase cursor
// still points at Page, so a rerun resumes there.
type PageGapError struct {
	Phase string
	Page  int
	Err   error
}

// Error implements the error interface.
func (e *PageGapError) Error() string {
	return fmt.Sprintf("phase %s page %d: %v: %v", e.Phase, e.Page, ErrPageGap, e.Err)
}

// Unwrap returns both the sentinel and the last attempt error.
func (e *PageGapError) Unwrap() []error {
	return []error{ErrPageGap, e.Err}
}

// PagePlaceholder is replaced by the page number in Phase.URL.
const PagePlaceholder = "{page}"

// Phase is one sequential stage of a discovery job.
type Phase struct {
	// Label keys the phase cursor.
	Label string

	// Pages is the last page number; pages run from the stored cursor to Pages.
	Pages int

	// URL is the listing page template containing {page}.
	URL string
}

// PageURL returns the listing URL for page.
func (p Phase) PageURL(page int) string {
	return strings.ReplaceAll(p.URL, PagePlaceholder, strconv.Itoa(page))
}

// DiscoveryJob describes a paginated id discovery run.
type DiscoveryJob[R any] struct {
	Name string

	// RunID, when set, must already be on Logger. Empty generates one.
	RunID string

	Phases    []Phase
	Transform task.Transform[R, []string]

	Pool     *pool.Pool[R]
	Progress progress.Store

	// IDs accumulates discovered ids and is rewritten after every page.
	IDs *sink.IDSet

	Retry     retry.Config
	PageDelay time.Duration

	// RecycleEveryPages rebuilds the pooled resources after this many pages. 0 disables.
	RecycleEveryPages int

	Logger zerolog.Logger
}

// RunDiscovery walks every phase from its stored cursor, one page per scheduler
// window. At each page barrier the id file is rewritten, then the cursor
// advances. A page that exhausts its retries stops the run with a
// *PageGapError and leaves the cursor on that page.
func RunDiscovery[R any](ctx context.Context, job DiscoveryJob[R]) (Summary, error) {
	start := time.Now()
	logger := runLogger(job.Logger, job.Name, &job.RunID)
	summary := Summary{RunID: job.RunID, Job: job.Name}

	err := runDiscovery(ctx, job, logger, &summary)

	summary.Duration = time.Since(start)
	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	runsTotal.WithLabelValues(job.Name, outcome).Inc()
	summary.Log(logger, err)

	return summary, err
}

func runDiscovery[R any](ctx context.Context, job DiscoveryJob[R], logger zerolog.Logger, summary *Summary) error {
	record, err := job.Progress.Load(ctx)
	if err != nil {
		return fmt.Errorf("load progress: %w", err)
	}
	if err := job.IDs.Load(); err != nil {
		return fmt.Errorf("load ids: %w", err)
	}
	discoveredIDs.Set(float64(job.IDs.Len()))

	logger.Info().
		Int("known_ids", job.IDs.Len()).
		Int("phases", len(job.Phases)).
		Msg("Starting discovery")

	pages := pendingPages(job.Phases, record, logger)

	collector := &pageCollector{
		ids:      job.IDs,
		progress: job.Progress,
		pages:    make(map[string]int, len(job.Phases)),
		logger:   logger,
	}
	for _, phase := range job.Phases {
		collector.pages[phase.Label] = phase.Pages
	}

	executor := retry.New[R, []string](job.Pool, job.Transform, job.Retry, logger)
	scheduler := batch.New[[]string](executor, batch.Config{
		Concurrency:         1,
		Cooldown:            job.PageDelay,
		RecycleEveryWindows: job.RecycleEveryPages,
	}, logger,
		batch.WithRecycler[[]string](job.Pool),
		batch.WithCollector[[]string](collector),
		batch.WithHaltOnExhausted[[]string](),
	)

	report, runErr := scheduler.Run(ctx, pages)

	summary.Attempted = report.Attempted()
	summary.Completed = len(report.Completed)
	summary.Exhausted = len(report.Exhausted)
	summary.Pages = len(report.Completed)
	summary.NewIDs = collector.added
	for _, res := range report.Exhausted {
		summary.ExhaustedIDs = append(summary.ExhaustedIDs, res.Item.ID)
	}

	if errors.Is(runErr, batch.ErrHalted) && len(report.Exhausted) > 0 {
		res := report.Exhausted[0]
		pageGapsTotal.WithLabelValues(res.Item.Phase).Inc()
		logger.Error().
			Err(res.Err).
			Str("phase", res.Item.Phase).
			Int("page", res.Item.Page).
			Msg("Page gap: rerun to resume from this page")
		runErr = &PageGapError{Phase: res.Item.Phase, Page: res.Item.Page, Err: res.Err}
	}

	// A failed barrier save leaves its cursor behind; the ids must still reach disk.
	if collector.saveErr != nil {
		if err := job.IDs.Save(context.WithoutCancel(ctx)); err != nil {
			return errors.Join(runErr, fmt.Errorf("persist ids: %w", err))
		}
	}
	if runErr != nil {
		return runErr
	}

	logger.Info().Int("total_ids", job.IDs.Len()).Str("path", job.IDs.Path()).Msg("Discovery finished")
	return nil
}

// pendingPages lists the pages still to fetch, phase by phase, starting at each
// phase's stored cursor.
func pendingPages(phases []Phase, record progress.Record, logger zerolog.Logger) []task.WorkItem {
	var pages []task.WorkItem
	for _, phase := range phases {
		first := record.Cursor(phase.Label)
		if first > phase.Pages {
			logger.Info().
				Str("phase", phase.Label).
				Int("cursor", first).
				Int("pages", phase.Pages).
				Msg("Phase already complete")
			continue
		}

		logger.Info().
			Str("phase", phase.Label).
			Int("from_page", first).
			Int("pages", phase.Pages).
			Msg("Phase scheduled")

		for page := first; page <= phase.Pages; page++ {
			pages = append(pages, task.WorkItem{ID: phase.PageURL(page), Phase: phase.Label, Page: page})
		}
	}
	return pages
}

// pageCollector is the discovery barrier: it unions a page's ids into the
// accumulator, rewrites the id file, then advances the page's phase cursor.
type pageCollector struct {
	ids      *sink.IDSet
	progress progress.Store
	pages    map[string]int
	logger   zerolog.Logger

	added   int
	saveErr error
}

// Collect implements batch.Collector. A failed id save returns an error so the
// cursor stays on the page; a failed cursor save is only logged.
func (c *pageCollector) Collect(ctx context.Context, window int, completed []task.Result[[]string]) error {
	for _, res := range completed {
		added := c.ids.Add(res.Payload...)
		c.added += added
		pagesTotal.WithLabelValues(res.Item.Phase).Inc()
		discoveredIDs.Set(float64(c.ids.Len()))

		c.logger.Info().
			Str("phase", res.Item.Phase).
			Int("page", res.Item.Page).
			Int("pages", c.pages[res.Item.Phase]).
			Int("found", len(res.Payload)).
			Int("new", added).
			Int("total_ids", c.ids.Len()).
			Msg("Page complete")
	}

	if err := c.ids.Save(ctx); err != nil {
		c.saveErr = err
		return fmt.Errorf("persist ids: %w", err)
	}
	c.saveErr = nil

	for _, res := range completed {
		if err := c.progress.SaveCursor(ctx, res.Item.Phase, res.Item.Page+1); err != nil {
			c.logger.Error().
				Err(err).
				Str("phase", res.Item.Phase).
				Int("page", res.Item.Page).
				Msg("Failed to save phase cursor")
		}
	}
	return nil
}
