// Package pool owns the expensive, reusable fetch resources (HTTP clients,
// browser sessions) and recycles them after a configured amount of use.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/Sternrassler/fut-harvester/pkg/logging"
)

// Prometheus metrics for resource lifecycle.
var (
	resourcesCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvest_pool_resources_created_total",
		Help: "Total number of fetch resources constructed",
	})

	resourcesRetiredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_pool_resources_retired_total",
		Help: "Total number of fetch resources retired by reason",
	}, []string{"reason"})

	resourceCloseErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvest_pool_close_errors_total",
		Help: "Total number of failed or timed out resource closes",
	})
)

// Retirement reasons used in logs and metrics.
const (
	reasonThreshold = "threshold"
	reasonUnhealthy = "unhealthy"
	reasonRecycle   = "recycle"
	reasonShutdown  = "shutdown"
)

var (
	// ErrResourceInit is matched by every resource construction failure.
	ErrResourceInit = errors.New("resource initialization failed")

	// ErrClosed is returned when leasing from a pool that has been shut down.
	ErrClosed = errors.New("pool closed")

	// ErrForeignHandle is returned when releasing a handle the pool does not own.
	ErrForeignHandle = errors.New("handle not leased from this pool")
)

// InitError wraps the factory error that prevented a resource from being built.
type InitError struct {
	Err error
}

// Error implements the error interface.
func (e *InitError) Error() string {
	return fmt.Sprintf("%s: %v", ErrResourceInit, e.Err)
}

// Unwrap exposes the factory error.
func (e *InitError) Unwrap() error {
	return e.Err
}

// Is matches ErrResourceInit.
func (e *InitError) Is(target error) bool {
	return target == ErrResourceInit
}

// Factory builds and tears down resources.
type Factory[R any] interface {
	Create(ctx context.Context) (R, error)
	Close(ctx context.Context, resource R) error
}

// Config holds pool configuration.
type Config struct {
	// Size is the maximum number of live resources (and concurrent leases).
	Size int

	// RecycleThreshold retires a resource after this many leases. 0 disables.
	RecycleThreshold int

	// CloseTimeout bounds each close call. Closes that overrun are abandoned.
	CloseTimeout time.Duration
}

// DefaultConfig returns a single-resource pool without lease-count recycling.
func DefaultConfig() Config {
	return Config{
		Size:             1,
		RecycleThreshold: 0,
		CloseTimeout:     20 * time.Second,
	}
}

// Handle is a leased resource. It is owned by exactly one task between Lease and Release.
type Handle[R any] struct {
	id         uint64
	generation uint64
	resource   R
	uses       int
	leased     bool
	retired    bool
}

// Resource returns the underlying resource.
func (h *Handle[R]) Resource() R {
	return h.resource
}

// ID identifies the constructed resource; a replacement always gets a new ID.
func (h *Handle[R]) ID() uint64 {
	return h.id
}

// Uses returns the number of leases served by this resource so far.
func (h *Handle[R]) Uses() int {
	return h.uses
}

// Pool hands out resources and recycles them.
// Membership and usage counters are only mutated under mu.
type Pool[R any] struct {
	factory Factory[R]
	config  Config
	logger  zerolog.Logger
	slots   *semaphore.Weighted

	mu         sync.Mutex
	idle       []*Handle[R]
	live       int
	nextID     uint64
	generation uint64
	closed     bool
}

// New creates a pool. Resources are constructed lazily on first lease.
func New[R any](factory Factory[R], config Config, logger zerolog.Logger) *Pool[R] {
	if factory == nil {
		panic("pool factory cannot be nil")
	}
	if config.Size <= 0 {
		config.Size = 1
	}
	if config.RecycleThreshold < 0 {
		config.RecycleThreshold = 0
	}
	if config.CloseTimeout <= 0 {
		config.CloseTimeout = 20 * time.Second
	}

	return &Pool[R]{
		factory: factory,
		config:  config,
		logger:  logging.NewLogger(logger, "pool"),
		slots:   semaphore.NewWeighted(int64(config.Size)),
	}
}

// Lease blocks until a resource is available. A failure to build a resource
// returns an *InitError, which callers treat as fatal.
func (p *Pool[R]) Lease(ctx context.Context) (*Handle[R], error) {
	if err := p.slots.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.slots.Release(1)
		return nil, ErrClosed
	}

	if n := len(p.idle); n > 0 {
		h := p.idle[n-1]
		p.idle = p.idle[:n-1]
		h.uses++
		h.leased = true
		p.mu.Unlock()

		p.logger.Debug().Uint64("resource_id", h.id).Int("uses", h.uses).Msg("Resource leased")
		return h, nil
	}

	// Reserve the membership slot before constructing outside the lock.
	p.live++
	p.mu.Unlock()

	h, err := p.create(ctx)
	if err != nil {
		p.mu.Lock()
		p.live--
		p.mu.Unlock()
		p.slots.Release(1)
		return nil, err
	}

	p.mu.Lock()
	h.uses = 1
	h.leased = true
	p.mu.Unlock()

	p.logger.Debug().Uint64("resource_id", h.id).Int("uses", h.uses).Msg("Resource leased")
	return h, nil
}

// Release returns a handle to the pool. Unhealthy handles (for example after a
// failed or timed out attempt) are retired instead of being reused.
func (p *Pool[R]) Release(ctx context.Context, h *Handle[R], healthy bool) error {
	if h == nil {
		return ErrForeignHandle
	}

	p.mu.Lock()
	if !h.leased {
		p.mu.Unlock()
		return ErrForeignHandle
	}
	h.leased = false

	reason := ""
	switch {
	case !healthy:
		reason = reasonUnhealthy
	case p.closed:
		reason = reasonShutdown
	case h.generation != p.generation:
		reason = reasonRecycle
	case p.exhausted(h):
		reason = reasonThreshold
	}

	if reason == "" {
		p.idle = append(p.idle, h)
		p.mu.Unlock()
		p.slots.Release(1)
		p.logger.Debug().Uint64("resource_id", h.id).Msg("Resource released")
		return nil
	}

	p.retireLocked(h)
	p.mu.Unlock()
	p.slots.Release(1)

	p.closeResource(ctx, h, reason)
	return nil
}

// RetireIfExhausted closes an idle or just-released handle once it has served
// RecycleThreshold leases. It reports whether the handle was retired.
func (p *Pool[R]) RetireIfExhausted(ctx context.Context, h *Handle[R]) bool {
	p.mu.Lock()
	if h == nil || h.leased || h.retired || !p.exhausted(h) {
		p.mu.Unlock()
		return false
	}
	for i, idle := range p.idle {
		if idle == h {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			break
		}
	}
	p.retireLocked(h)
	p.mu.Unlock()

	p.closeResource(ctx, h, reasonThreshold)
	return true
}

// RecycleAll retires every resource and rebuilds the idle ones immediately.
// Leased resources are retired when they come back. A rebuild failure is fatal.
func (p *Pool[R]) RecycleAll(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.generation++
	old := p.idle
	p.idle = nil
	for _, h := range old {
		p.retireLocked(h)
	}
	p.mu.Unlock()

	p.logger.Info().Int("resources", len(old)).Msg("Recycling all resources")

	for _, h := range old {
		p.closeResource(ctx, h, reasonRecycle)
	}

	for range old {
		p.mu.Lock()
		p.live++
		p.mu.Unlock()

		h, err := p.create(ctx)
		if err != nil {
			p.mu.Lock()
			p.live--
			p.mu.Unlock()
			return err
		}

		p.mu.Lock()
		p.idle = append(p.idle, h)
		p.mu.Unlock()
	}
	return nil
}

// Close retires all idle resources and rejects further leases.
// Handles still leased are closed on release.
func (p *Pool[R]) Close(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	old := p.idle
	p.idle = nil
	for _, h := range old {
		p.retireLocked(h)
	}
	p.mu.Unlock()

	for _, h := range old {
		p.closeResource(ctx, h, reasonShutdown)
	}
	p.logger.Info().Int("closed", len(old)).Msg("Pool shut down")
}

// Live returns the number of constructed, unretired resources.
func (p *Pool[R]) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}

// Size returns the configured maximum number of resources.
func (p *Pool[R]) Size() int {
	return p.config.Size
}

func (p *Pool[R]) exhausted(h *Handle[R]) bool {
	return p.config.RecycleThreshold > 0 && h.uses >= p.config.RecycleThreshold
}

// retireLocked must be called with mu held.
func (p *Pool[R]) retireLocked(h *Handle[R]) {
	h.retired = true
	p.live--
}

func (p *Pool[R]) create(ctx context.Context) (*Handle[R], error) {
	start := time.Now()
	resource, err := p.factory.Create(ctx)
	if err != nil {
		p.logger.Error().Err(err).Msg("Failed to construct resource")
		return nil, &InitError{Err: err}
	}

	p.mu.Lock()
	p.nextID++
	h := &Handle[R]{
		id:         p.nextID,
		generation: p.generation,
		resource:   resource,
	}
	p.mu.Unlock()

	resourcesCreatedTotal.Inc()
	p.logger.Info().
		Uint64("resource_id", h.id).
		Dur("duration", time.Since(start)).
		Msg("Resource constructed")
	return h, nil
}

// closeResource is best-effort: errors and timeouts are logged, never returned.
func (p *Pool[R]) closeResource(ctx context.Context, h *Handle[R], reason string) {
	resourcesRetiredTotal.WithLabelValues(reason).Inc()

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.config.CloseTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- p.factory.Close(closeCtx, h.resource)
	}()

	select {
	case err := <-done:
		if err != nil {
			resourceCloseErrorsTotal.Inc()
			p.logger.Warn().Err(err).Uint64("resource_id", h.id).Str("reason", reason).Msg("Failed to close resource")
			return
		}
		p.logger.Debug().Uint64("resource_id", h.id).Int("uses", h.uses).Str("reason", reason).Msg("Resource retired")
	case <-closeCtx.Done():
		resourceCloseErrorsTotal.Inc()
		p.logger.Warn().Uint64("resource_id", h.id).Str("reason", reason).Dur("timeout", p.config.CloseTimeout).Msg("Resource close timed out")
	}
}
