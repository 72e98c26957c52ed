// Package shutdown provides graceful shutdown coordination for mptpass.
//
// The coordinator runs a phased sequence:
//
//  1. HTTP - Stop accepting admin API requests and let in-flight ones finish
//  2. Adapters - Block every adapter, then stop its firmware and release its
//     log data ring
//  3. Storage - Close the shared log data database
//
// Each phase has its own timeout; a component that does not finish in time is
// recorded as an error and the sequence moves on.
package shutdown

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Phase represents a shutdown phase.
type Phase string

// Shutdown phases in order of execution.
const (
	PhaseNone     Phase = "none"
	PhaseHTTP     Phase = "http"
	PhaseAdapters Phase = "adapters"
	PhaseStorage  Phase = "storage"
	PhaseComplete Phase = "complete"
)

// Config holds shutdown configuration.
type Config struct {
	// TotalTimeout bounds the whole sequence.
	TotalTimeout time.Duration

	// HTTPTimeout bounds draining the admin listener.
	HTTPTimeout time.Duration

	// AdapterTimeout bounds stopping all adapters.
	AdapterTimeout time.Duration

	// StorageTimeout bounds closing the log data database.
	StorageTimeout time.Duration
}

// DefaultConfig returns the default shutdown configuration.
func DefaultConfig() Config {
	return Config{
		TotalTimeout:   30 * time.Second,
		HTTPTimeout:    10 * time.Second,
		AdapterTimeout: 10 * time.Second,
		StorageTimeout: 5 * time.Second,
	}
}

// HTTPServer is a listener that can drain.
type HTTPServer interface {
	Shutdown(ctx context.Context) error
}

// Adapters is the set of adapters to stop.
type Adapters interface {
	// BlockAll fails new commands on every adapter.
	BlockAll()
	io.Closer
}

// Components holds everything that needs to be shut down. Nil members are
// skipped.
type Components struct {
	HTTPServer HTTPServer
	Adapters   Adapters
	Storage    io.Closer
}

// Hook is a function called at the start of a phase.
type Hook func(ctx context.Context) error

// Coordinator manages graceful shutdown of all server components.
type Coordinator struct {
	started  time.Time
	hooks    map[Phase][]Hook
	doneCh   chan struct{}
	phase    Phase
	errors   []error
	config   Config
	mu       sync.RWMutex
	shutdown atomic.Bool
}

// NewCoordinator creates a new shutdown coordinator with the given configuration.
func NewCoordinator(cfg Config) *Coordinator {
	return &Coordinator{
		config: cfg,
		phase:  PhaseNone,
		hooks:  make(map[Phase][]Hook),
		doneCh: make(chan struct{}),
	}
}

// RegisterHook registers a hook for a specific phase.
func (c *Coordinator) RegisterHook(phase Phase, hook Hook) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.hooks[phase] = append(c.hooks[phase], hook)
}

// Phase returns the current shutdown phase.
func (c *Coordinator) Phase() Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.phase
}

// IsShuttingDown returns true if shutdown has been initiated.
func (c *Coordinator) IsShuttingDown() bool {
	return c.shutdown.Load()
}

// Done returns a channel that is closed when shutdown is complete.
func (c *Coordinator) Done() <-chan struct{} {
	return c.doneCh
}

// Shutdown runs the sequence once and returns the joined errors of all
// phases. Later calls return nil immediately.
func (c *Coordinator) Shutdown(ctx context.Context, components Components) error {
	if !c.shutdown.CompareAndSwap(false, true) {
		log.Warn().Msg("Shutdown already in progress")
		return nil
	}

	c.started = time.Now()
	log.Info().Msg("Initiating graceful shutdown")

	ctx, cancel := context.WithTimeout(ctx, c.config.TotalTimeout)
	defer cancel()

	c.enter(ctx, PhaseHTTP)

	if components.HTTPServer != nil {
		c.run(ctx, "admin_http", c.config.HTTPTimeout, func(ctx context.Context) error {
			return components.HTTPServer.Shutdown(ctx)
		})
	}

	c.enter(ctx, PhaseAdapters)

	if components.Adapters != nil {
		components.Adapters.BlockAll()
		c.run(ctx, "adapters", c.config.AdapterTimeout, func(context.Context) error {
			return components.Adapters.Close()
		})
	}

	c.enter(ctx, PhaseStorage)

	if components.Storage != nil {
		c.run(ctx, "logdata_store", c.config.StorageTimeout, func(context.Context) error {
			return components.Storage.Close()
		})
	}

	c.setPhase(PhaseComplete)
	close(c.doneCh)

	duration := time.Since(c.started)
	SetShutdownDuration(duration)

	c.mu.RLock()
	err := errors.Join(c.errors...)
	count := len(c.errors)
	c.mu.RUnlock()

	if count > 0 {
		log.Warn().Int("error_count", count).Dur("duration", duration).Msg("Shutdown completed with errors")
	} else {
		log.Info().Dur("duration", duration).Msg("Shutdown completed successfully")
	}

	return err
}

func (c *Coordinator) enter(ctx context.Context, phase Phase) {
	c.setPhase(phase)

	c.mu.RLock()
	hooks := c.hooks[phase]
	c.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(ctx); err != nil {
			log.Error().Err(err).Str("phase", string(phase)).Msg("Shutdown hook failed")
			c.addError(err)
		}
	}
}

func (c *Coordinator) setPhase(phase Phase) {
	c.mu.Lock()
	oldPhase := c.phase
	c.phase = phase
	c.mu.Unlock()

	log.Info().
		Str("from_phase", string(oldPhase)).
		Str("to_phase", string(phase)).
		Dur("elapsed", time.Since(c.started)).
		Msg("Shutdown phase transition")

	SetShutdownPhase(phase)
}

func (c *Coordinator) addError(err error) {
	c.mu.Lock()
	c.errors = append(c.errors, err)
	c.mu.Unlock()

	IncrementShutdownErrors()
}

// run calls fn and waits at most timeout for it.
func (c *Coordinator) run(ctx context.Context, name string, timeout time.Duration, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)

	go func() {
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			log.Error().Err(err).Str("component", name).Msg("Error stopping component")
			c.addError(err)
		} else {
			log.Info().Str("component", name).Msg("Component stopped")
		}
	case <-ctx.Done():
		log.Warn().Str("component", name).Msg("Timeout stopping component")
		c.addError(ctx.Err())
	}
}
