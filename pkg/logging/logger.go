// Package logging configures the process-wide zerolog logger for the harvester executables.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs lease/release and flush details.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs attempts, windows, pages and summaries.
	LevelInfo LogLevel = "info"

	// LevelWarn logs retries and close failures.
	LevelWarn LogLevel = "warn"

	// LevelError logs exhausted items, page gaps and failed writes only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output instead of JSON lines.
	Pretty bool

	// Output is the writer logs go to (default: os.Stderr).
	Output io.Writer
}

// DefaultConfig returns JSON logging at info level on stderr.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger and returns it.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))
	zerolog.DurationFieldUnit = time.Millisecond

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.TimeOnly}
	}

	logger := zerolog.New(out).With().Timestamp().Logger()
	log.Logger = logger

	return logger
}

// parseLevel converts LogLevel to zerolog.Level. Unknown levels fall back to info.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(string(level))) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger derives the logger for a named component from parent, keeping the
// parent's run fields.
func NewLogger(parent zerolog.Logger, component string) zerolog.Logger {
	return parent.With().Str("component", component).Logger()
}

// ForRun tags every line of one job run with the job name and run id.
func ForRun(job, runID string) zerolog.Logger {
	return log.With().Str("job", job).Str("run_id", runID).Logger()
}

// Log Level Guidelines:
//
// Debug:
//   - Resource lease, release and retirement
//   - Progress and result file flushes
//
// Info:
//   - Attempt start (item_id, attempt)
//   - Window complete (window, completed, exhausted, duration)
//   - Page complete (phase, page, new, total_ids)
//   - Run summary
//
// Warn:
//   - Retry scheduled after a failed or timed out attempt
//   - Resource close failed or timed out
//   - Empty rating list for an archetype
//
// Error:
//   - Item exhausted all attempts
//   - Page gap (phase, page)
//   - Resource construction failed
//   - Durable write failed
//
// Context Fields:
//   - job, run_id: set once per run
//   - component: pool, retry, scheduler, progress, sink, fetch, meta
//   - item_id, attempt, window, phase, page, duration
