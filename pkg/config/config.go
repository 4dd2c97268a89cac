// Package config holds the compiled-in harvester settings. Every setting can be
// overridden through a HARVEST_* environment variable; the executables take no flags.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/Sternrassler/fut-harvester/pkg/batch"
	"github.com/Sternrassler/fut-harvester/pkg/fetch"
	"github.com/Sternrassler/fut-harvester/pkg/jsonfile"
	"github.com/Sternrassler/fut-harvester/pkg/pool"
	"github.com/Sternrassler/fut-harvester/pkg/retry"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config holds all harvester settings.
type Config struct {
	// Paths
	DataDir string `env:"HARVEST_DATA_DIR" envDefault:"data"`

	// Logging
	LogLevel  string `env:"HARVEST_LOG_LEVEL" envDefault:"info"`
	LogPretty bool   `env:"HARVEST_LOG_PRETTY" envDefault:"false"`

	// Scheduling and retries
	Concurrency         int           `env:"HARVEST_CONCURRENCY" envDefault:"5"`
	MaxRetries          int           `env:"HARVEST_MAX_RETRIES" envDefault:"2"`
	AttemptTimeout      time.Duration `env:"HARVEST_ATTEMPT_TIMEOUT" envDefault:"20s"`
	RetryDelay          time.Duration `env:"HARVEST_RETRY_DELAY" envDefault:"1s"`
	BatchDelay          time.Duration `env:"HARVEST_BATCH_DELAY" envDefault:"1s"`
	RecycleEveryWindows int           `env:"HARVEST_RECYCLE_EVERY_WINDOWS" envDefault:"50"`
	RecycleEveryLeases  int           `env:"HARVEST_RECYCLE_EVERY_LEASES" envDefault:"0"`
	CloseTimeout        time.Duration `env:"HARVEST_CLOSE_TIMEOUT" envDefault:"20s"`

	// Durable writes
	WriteTimeout      time.Duration `env:"HARVEST_WRITE_TIMEOUT" envDefault:"30s"`
	WriteRetries      int           `env:"HARVEST_WRITE_RETRIES" envDefault:"1"`
	FlushEveryWindows int           `env:"HARVEST_FLUSH_EVERY_WINDOWS" envDefault:"1"`

	// Discovery
	TopURL         string        `env:"HARVEST_TOP_URL" envDefault:"https://www.fut.gg/players/?role_plus_plus_count__gte=1&page={page}"`
	TopPages       int           `env:"HARVEST_TOP_PAGES" envDefault:"73"`
	NewURL         string        `env:"HARVEST_NEW_URL" envDefault:"https://www.fut.gg/players/new/?page={page}"`
	NewPages       int           `env:"HARVEST_NEW_PAGES" envDefault:"20"`
	CardSelector   string        `env:"HARVEST_CARD_SELECTOR" envDefault:"a.fc-card-container"`
	IDPattern      string        `env:"HARVEST_ID_PATTERN"`
	PageDelay      time.Duration `env:"HARVEST_PAGE_DELAY" envDefault:"5s"`
	PageRetries    int           `env:"HARVEST_PAGE_RETRIES" envDefault:"1"`
	PageRetryDelay time.Duration `env:"HARVEST_PAGE_RETRY_DELAY" envDefault:"2m"`
	PageTimeout    time.Duration `env:"HARVEST_PAGE_TIMEOUT" envDefault:"60s"`

	// Item definitions
	ItemURL     string `env:"HARVEST_ITEM_URL" envDefault:"https://www.fut.gg/api/fut/player-item-definitions/25/{id}/"`
	ItemIDField string `env:"HARVEST_ITEM_ID_FIELD" envDefault:"id"`

	// Meta ratings
	MetaURL        string        `env:"HARVEST_META_URL" envDefault:"https://api.easysbc.io/squad-builder/meta-ratings?archetypeId={archetype}&resourceId={id}"`
	MetaInput      string        `env:"HARVEST_META_INPUT" envDefault:"enhanced_players.json"`
	MetaIDField    string        `env:"HARVEST_META_ID_FIELD" envDefault:"eaId"`
	MapsFile       string        `env:"HARVEST_MAPS_FILE" envDefault:"maps.json"`
	ArchetypeDelay time.Duration `env:"HARVEST_ARCHETYPE_DELAY" envDefault:"250ms"`

	// HTTP
	UserAgent   string            `env:"HARVEST_USER_AGENT"`
	Headers     map[string]string `env:"HARVEST_HEADERS" envSeparator:";" envKeyValSeparator:":"`
	HTTPTimeout time.Duration     `env:"HARVEST_HTTP_TIMEOUT" envDefault:"60s"`

	// Optional backends
	RedisAddr     string `env:"HARVEST_REDIS_ADDR"`
	RedisPassword string `env:"HARVEST_REDIS_PASSWORD"`
	RedisDB       int    `env:"HARVEST_REDIS_DB" envDefault:"0"`
	RedisPrefix   string `env:"HARVEST_REDIS_PREFIX" envDefault:"harvest"`
	PostgresDSN   string `env:"HARVEST_POSTGRES_DSN"`
	MetricsAddr   string `env:"HARVEST_METRICS_ADDR"`
}

// Default returns the compiled-in settings, ignoring the environment.
func Default() Config {
	var c Config
	if err := env.ParseWithOptions(&c, env.Options{Environment: map[string]string{}}); err != nil {
		panic(fmt.Sprintf("config defaults: %v", err))
	}
	return c
}

// Load returns the compiled-in settings overridden by the process environment.
func Load() (Config, error) {
	return parse(env.Options{})
}

// LoadFrom is like Load but reads overrides from environment instead of the process.
func LoadFrom(environment map[string]string) (Config, error) {
	return parse(env.Options{Environment: environment})
}

func parse(opts env.Options) (Config, error) {
	var c Config
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate rejects settings the harvester cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("concurrency must be >= 1, got %d", c.Concurrency))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max retries must be >= 0, got %d", c.MaxRetries))
	}
	if c.PageRetries < 0 {
		errs = append(errs, fmt.Errorf("page retries must be >= 0, got %d", c.PageRetries))
	}
	if c.AttemptTimeout <= 0 {
		errs = append(errs, fmt.Errorf("attempt timeout must be positive, got %s", c.AttemptTimeout))
	}
	if c.PageTimeout <= 0 {
		errs = append(errs, fmt.Errorf("page timeout must be positive, got %s", c.PageTimeout))
	}
	if c.WriteTimeout <= 0 {
		errs = append(errs, fmt.Errorf("write timeout must be positive, got %s", c.WriteTimeout))
	}
	if c.RecycleEveryWindows < 0 || c.RecycleEveryLeases < 0 {
		errs = append(errs, errors.New("recycle counts must be >= 0"))
	}
	if c.FlushEveryWindows < 0 {
		errs = append(errs, fmt.Errorf("flush interval must be >= 0, got %d", c.FlushEveryWindows))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data dir must be set"))
	}
	if c.IDPattern != "" {
		re, err := regexp.Compile(c.IDPattern)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("id pattern: %w", err))
		case re.NumSubexp() < 1:
			errs = append(errs, errors.New("id pattern needs a capture group"))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// Path returns name inside the data directory.
func (c Config) Path(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.DataDir, name)
}

// IDRegexp returns the configured id pattern, or nil for the default.
func (c Config) IDRegexp() *regexp.Regexp {
	if c.IDPattern == "" {
		return nil
	}
	return regexp.MustCompile(c.IDPattern)
}

// Retry returns the executor settings for item fetches.
func (c Config) Retry() retry.Config {
	return retry.Config{
		MaxRetries:     c.MaxRetries,
		AttemptTimeout: c.AttemptTimeout,
		Delay:          c.RetryDelay,
	}
}

// PageRetry returns the executor settings for listing pages.
func (c Config) PageRetry() retry.Config {
	return retry.Config{
		MaxRetries:     c.PageRetries,
		AttemptTimeout: c.PageTimeout,
		Delay:          c.PageRetryDelay,
	}
}

// Batch returns the scheduler settings.
func (c Config) Batch() batch.Config {
	return batch.Config{
		Concurrency:         c.Concurrency,
		Cooldown:            c.BatchDelay,
		RecycleEveryWindows: c.RecycleEveryWindows,
	}
}

// Pool returns the resource pool settings for a pool of size slots.
func (c Config) Pool(size int) pool.Config {
	return pool.Config{
		Size:             size,
		RecycleThreshold: c.RecycleEveryLeases,
		CloseTimeout:     c.CloseTimeout,
	}
}

// Write returns the durable write settings.
func (c Config) Write() jsonfile.Options {
	return jsonfile.Options{
		Timeout:    c.WriteTimeout,
		Retries:    c.WriteRetries,
		RetryDelay: 500 * time.Millisecond,
	}
}

// Fetch returns the HTTP resource settings.
func (c Config) Fetch() fetch.Config {
	return fetch.Config{
		UserAgent: c.UserAgent,
		Headers:   c.Headers,
		Timeout:   c.HTTPTimeout,
	}
}
