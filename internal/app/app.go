// Package app holds the bootstrap shared by the harvester executables: config,
// logging, optional backends, the HTTP resource pool and process exit codes.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/fut-harvester/pkg/config"
	"github.com/Sternrassler/fut-harvester/pkg/fetch"
	"github.com/Sternrassler/fut-harvester/pkg/logging"
	"github.com/Sternrassler/fut-harvester/pkg/metrics"
	"github.com/Sternrassler/fut-harvester/pkg/orchestrator"
	"github.com/Sternrassler/fut-harvester/pkg/pool"
	"github.com/Sternrassler/fut-harvester/pkg/progress"
	"github.com/Sternrassler/fut-harvester/pkg/sink"
)

// App is one job run's wiring.
type App struct {
	Job    string
	RunID  string
	Config config.Config
	Logger zerolog.Logger

	// Redis and Postgres are nil unless configured.
	Redis    *redis.Client
	Postgres *pgxpool.Pool

	closers []func()
}

// New sets up logging and connects the configured backends.
func New(ctx context.Context, job string, cfg config.Config) (*App, error) {
	logConfig := logging.DefaultConfig()
	logConfig.Level = logging.LogLevel(cfg.LogLevel)
	logConfig.Pretty = cfg.LogPretty
	logging.Setup(logConfig)

	a := &App{
		Job:    job,
		RunID:  orchestrator.NewRunID(),
		Config: cfg,
	}
	a.Logger = logging.ForRun(job, a.RunID)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	if cfg.MetricsAddr != "" {
		metricsCtx, cancel := context.WithCancel(ctx)
		a.closers = append(a.closers, cancel)
		go func() {
			if err := metrics.ListenAndServe(metricsCtx, cfg.MetricsAddr, a.Logger); err != nil {
				a.Logger.Error().Err(err).Msg("Metrics endpoint failed")
			}
		}()
	}

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			a.Close()
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		a.Redis = client
		a.closers = append(a.closers, func() { client.Close() })
		a.Logger.Info().Str("addr", cfg.RedisAddr).Msg("Connected to Redis")
	}

	if cfg.PostgresDSN != "" {
		db, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.Ping(ctx); err != nil {
			db.Close()
			a.Close()
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		if err := sink.EnsureSchema(ctx, db); err != nil {
			db.Close()
			a.Close()
			return nil, err
		}
		a.Postgres = db
		a.closers = append(a.closers, db.Close)
		a.Logger.Info().Msg("Connected to Postgres")
	}

	return a, nil
}

// Close releases backends in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// ProgressStore returns the Redis store when Redis is configured, otherwise a
// file store over the given data-dir files. Either file name may be empty.
func (a *App) ProgressStore(cursorFile, completedFile string) progress.Store {
	if a.Redis != nil {
		return progress.NewRedisStore(a.Redis, a.Config.RedisPrefix+":"+a.Job, a.Logger)
	}

	var cursorPath, completedPath string
	if cursorFile != "" {
		cursorPath = a.Config.Path(cursorFile)
	}
	if completedFile != "" {
		completedPath = a.Config.Path(completedFile)
	}
	return progress.NewFileStore(cursorPath, completedPath, a.Config.Write(), a.Logger)
}

// HTTPPool returns a pool of size HTTP clients. The pool is closed by Close.
func (a *App) HTTPPool(size int) *pool.Pool[*fetch.Client] {
	p := pool.New[*fetch.Client](fetch.NewFactory(a.Config.Fetch(), a.Logger), a.Config.Pool(size), a.Logger)
	a.closers = append(a.closers, func() { p.Close(context.Background()) })
	return p
}

// Writers returns the JSON file writer for outputFile plus a Postgres writer
// when Postgres is configured.
func Writers[P any](a *App, outputFile string) []sink.Writer[P] {
	writers := []sink.Writer[P]{sink.NewJSONFileWriter[P](a.Config.Path(outputFile), a.Config.Write())}
	if a.Postgres != nil {
		writers = append(writers, sink.NewPostgresWriter[P](a.Postgres, a.Job, a.RunID))
	}
	return writers
}

// Main runs fn with a signal-aware context and returns the process exit code:
// 0 when fn returns nil, 1 otherwise. Per-item failures are not errors.
func Main(job string, fn func(ctx context.Context, a *App) error) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", job, err)
		return 2
	}

	a, err := New(ctx, job, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", job, err)
		return 1
	}
	defer a.Close()

	if err := fn(ctx, a); err != nil {
		a.Logger.Error().Err(err).Msg("Run failed")
		return 1
	}
	return 0
}
