// Package jsonfile reads and durably rewrites the pretty-printed JSON files
// used for progress and results.
package jsonfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

var writeErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "harvest_file_write_errors_total",
	Help: "Total number of failed JSON file write attempts",
})

// ErrWriteTimeout is returned when a write does not finish within its deadline.
var ErrWriteTimeout = errors.New("file write timed out")

// Options controls how Write behaves.
type Options struct {
	// Timeout bounds each write attempt.
	Timeout time.Duration

	// Retries is the number of additional attempts after a failed write.
	Retries int

	// RetryDelay is the pause before a retry.
	RetryDelay time.Duration
}

// DefaultOptions returns a 30 second deadline with one retry.
func DefaultOptions() Options {
	return Options{
		Timeout:    30 * time.Second,
		Retries:    1,
		RetryDelay: 500 * time.Millisecond,
	}
}

// Read decodes path into v. It reports false without error when the file does not exist.
func Read(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", path, err)
	}
	return true, nil
}

// Write replaces path with the indented JSON encoding of v. The file is written
// to a temporary sibling and renamed, so readers never see a partial document.
func Write(ctx context.Context, path string, v any, opts Options) error {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}

	operation := func() error {
		return writeWithTimeout(ctx, path, data, opts.Timeout)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(opts.RetryDelay), uint64(opts.Retries)),
		ctx,
	)

	return backoff.RetryNotify(operation, policy, func(err error, wait time.Duration) {
		writeErrorsTotal.Inc()
		log.Warn().Err(err).Str("path", path).Dur("retry_in", wait).Msg("File write failed, retrying")
	})
}

func writeWithTimeout(ctx context.Context, path string, data []byte, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	done := make(chan error, 1)
	go func() {
		done <- writeAtomic(path, data)
	}()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("%w: %s after %v", ErrWriteTimeout, path, timeout)
	case <-ctx.Done():
		return backoff.Permanent(ctx.Err())
	}
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename to %s: %w", path, err)
	}
	return nil
}
