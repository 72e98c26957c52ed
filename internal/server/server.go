// Package server wires the mptpass daemon together: adapters, log data
// storage, the admin API and graceful shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/piwi3910/mptpass/internal/adapter"
	"github.com/piwi3910/mptpass/internal/api"
	"github.com/piwi3910/mptpass/internal/config"
	"github.com/piwi3910/mptpass/internal/dispatch"
	"github.com/piwi3910/mptpass/internal/health"
	"github.com/piwi3910/mptpass/internal/logdata"
	"github.com/piwi3910/mptpass/internal/metrics"
	"github.com/piwi3910/mptpass/internal/shutdown"
)

// Version is the current version of mptpass
const Version = "0.1.0"

const collectInterval = 15 * time.Second

// Server is the mptpass daemon
type Server struct {
	cfg *config.Config

	registry      *adapter.Registry
	dispatcher    *dispatch.Dispatcher
	healthChecker *health.Checker

	// db backs persistent log data rings; nil with the memory backend
	db *badger.DB

	adminServer *http.Server

	addrMu   sync.Mutex
	addr     net.Addr
	listenCh chan struct{}
}

// New creates the daemon and brings up every configured adapter.
func New(cfg *config.Config) (*Server, error) {
	srv := &Server{
		cfg:      cfg,
		registry: adapter.NewRegistry(),
		listenCh: make(chan struct{}),
	}

	if cfg.LogData.Backend == config.LogDataBadger {
		db, err := logdata.OpenBadger(cfg.LogData.Dir)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize log data store: %w", err)
		}

		srv.db = db
		log.Info().Str("dir", cfg.LogData.Dir).Msg("Log data stored in badger")
	}

	for _, ac := range cfg.Adapters {
		a, err := adapter.New(ac, adapter.Options{
			LogData:         srv.storeFactory(ac.ID),
			DMA:             cfg.DMA,
			MinTimeout:      cfg.Passthrough.MinTimeout,
			PELAbortTimeout: cfg.Passthrough.PELAbortTimeout,
		})
		if err != nil {
			srv.cleanup()
			return nil, fmt.Errorf("failed to initialize adapter %d: %w", ac.ID, err)
		}

		if err := srv.registry.Add(a); err != nil {
			_ = a.Close()
			srv.cleanup()

			return nil, err
		}

		log.Info().
			Int("adapter_id", a.ID()).
			Str("name", a.Name()).
			Int("reply_size", a.ReplySize()).
			Int("targets", len(a.Targets())).
			Msg("Adapter initialized")
	}

	srv.dispatcher = dispatch.New(srv.registry)
	srv.healthChecker = health.NewChecker(api.HealthSource(srv.registry))

	srv.adminServer = &http.Server{
		Addr: cfg.Admin.Address,
		Handler: api.NewRouter(api.Options{
			Adapters:       srv.registry,
			Dispatcher:     srv.dispatcher,
			Health:         srv.healthChecker,
			AllowedOrigins: cfg.Admin.AllowedOrigins,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return srv, nil
}

// storeFactory returns the log data ring constructor for one adapter.
func (s *Server) storeFactory(id int) adapter.StoreFactory {
	if s.db == nil {
		return func(maxEntries, entrySize int) (logdata.Store, error) {
			return logdata.NewMemoryStore(maxEntries, entrySize)
		}
	}

	prefix := fmt.Sprintf("adapter/%d", id)

	return func(maxEntries, entrySize int) (logdata.Store, error) {
		return logdata.NewBadgerStore(s.db, prefix, maxEntries, entrySize)
	}
}

func (s *Server) cleanup() {
	if err := s.registry.Close(); err != nil {
		log.Error().Err(err).Msg("Error closing adapters")
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing log data store")
		}
	}
}

// Registry returns the adapter registry.
func (s *Server) Registry() *adapter.Registry {
	return s.registry
}

// Addr blocks until the admin listener is bound and returns its address.
func (s *Server) Addr(ctx context.Context) (net.Addr, error) {
	select {
	case <-s.listenCh:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s.addrMu.Lock()
	defer s.addrMu.Unlock()

	return s.addr, nil
}

// Start serves the admin API until ctx is cancelled, then shuts everything
// down.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.adminServer.Addr)
	if err != nil {
		s.cleanup()
		return fmt.Errorf("failed to listen on %s: %w", s.adminServer.Addr, err)
	}

	s.addrMu.Lock()
	s.addr = ln.Addr()
	s.addrMu.Unlock()
	close(s.listenCh)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.runMetricsCollector(ctx)
		return nil
	})

	g.Go(func() error {
		log.Info().Str("address", ln.Addr().String()).Str("version", Version).Msg("Starting admin API server")
		log.Info().Msg("Prometheus metrics available at /metrics")

		if err := s.adminServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("Shutting down server...")

		cfg := shutdown.DefaultConfig()
		if s.cfg.Admin.ShutdownTimeout > 0 {
			cfg.HTTPTimeout = s.cfg.Admin.ShutdownTimeout
		}

		components := shutdown.Components{
			HTTPServer: s.adminServer,
			Adapters:   s.registry,
		}
		if s.db != nil {
			components.Storage = s.db
		}

		if err := shutdown.NewCoordinator(cfg).Shutdown(context.Background(), components); err != nil {
			log.Error().Err(err).Msg("Shutdown finished with errors")
		}

		return nil
	})

	return g.Wait()
}

// runMetricsCollector periodically publishes adapter state
func (s *Server) runMetricsCollector(ctx context.Context) {
	ticker := time.NewTicker(collectInterval)
	defer ticker.Stop()

	s.collectMetrics()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.collectMetrics()
		}
	}
}

func (s *Server) collectMetrics() {
	for _, a := range s.registry.List() {
		enabled, _, _ := a.PELState()
		metrics.SetAdapterState(a.Name(), a.Available() == nil, enabled)
	}
}
