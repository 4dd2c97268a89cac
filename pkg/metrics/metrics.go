// Package metrics exposes the harvester's Prometheus metrics.
// All metrics are defined in their respective packages (pool, retry, batch,
// orchestrator, sink, fetch) and registered there via promauto.
//
// This package provides the /metrics endpoint and a reference for all metrics.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Registry is the default Prometheus registry used by the harvester.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Handler returns the /metrics handler for the default gatherer.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ListenAndServe listens on addr and serves /metrics until ctx is done.
func ListenAndServe(ctx context.Context, addr string, logger zerolog.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return Serve(ctx, ln, logger)
}

// Serve serves /metrics on ln until ctx is done, then shuts down gracefully.
func Serve(ctx context.Context, ln net.Listener, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	logger.Info().Str("addr", ln.Addr().String()).Msg("Metrics endpoint listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// Metrics Documentation
//
// Pool Metrics (pkg/pool):
//   - harvest_pool_resources_created_total (Counter): Resources constructed
//   - harvest_pool_resources_retired_total{reason} (Counter): Resources retired by reason
//   - harvest_pool_close_errors_total (Counter): Failed or timed out closes
//
// Attempt Metrics (pkg/retry):
//   - harvest_attempts_total{outcome} (Counter): Attempts by outcome (success, failure, timed_out)
//   - harvest_retries_total (Counter): Retries scheduled after a failed attempt
//   - harvest_retry_exhausted_total (Counter): Items that exhausted all attempts
//   - harvest_attempt_duration_seconds (Histogram): Single attempt duration
//
// Window Metrics (pkg/batch):
//   - harvest_windows_total (Counter): Completed concurrency windows
//   - harvest_items_total{status} (Counter): Items reaching a terminal state
//   - harvest_window_duration_seconds (Histogram): Window wall time including its barrier
//   - harvest_checkpoint_errors_total{target} (Counter): Failed barrier writes (results, progress)
//
// Run Metrics (pkg/orchestrator):
//   - harvest_runs_total{job, outcome} (Counter): Job runs
//   - harvest_pages_total{phase} (Counter): Listing pages fetched
//   - harvest_page_gaps_total{phase} (Counter): Listing pages that exhausted their retries
//   - harvest_discovered_ids (Gauge): Unique ids in the discovery accumulator
//
// File Metrics (pkg/jsonfile):
//   - harvest_file_write_errors_total (Counter): Failed atomic JSON writes
//
// Sink Metrics (pkg/sink):
//   - harvest_sink_flushes_total{writer, outcome} (Counter): Result flushes
//   - harvest_sink_collected_items (Gauge): Payloads held by the collector
//
// Request Metrics (pkg/fetch):
//   - harvest_requests_total{host, status} (Counter): HTTP fetches by host and status
//   - harvest_request_duration_seconds{host} (Histogram): HTTP fetch duration
//   - harvest_request_errors_total{class} (Counter): Fetch errors by class
//
// Example Prometheus Queries:
//
//   # Item failure ratio
//   sum(rate(harvest_items_total{status="exhausted"}[5m])) / sum(rate(harvest_items_total[5m]))
//
//   # Retry pressure
//   rate(harvest_retries_total[5m])
//
//   # P95 attempt latency
//   histogram_quantile(0.95, rate(harvest_attempt_duration_seconds_bucket[5m]))
//
//   # Throttling by the source
//   rate(harvest_request_errors_total{class="rate_limit"}[5m])
