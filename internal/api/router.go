// Package api assembles the admin HTTP surface of mptpass: the adapter API
// under /api/v1, health checks and the Prometheus scrape endpoint.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/piwi3910/mptpass/internal/adapter"
	"github.com/piwi3910/mptpass/internal/api/admin"
	"github.com/piwi3910/mptpass/internal/api/middleware"
	"github.com/piwi3910/mptpass/internal/dispatch"
	"github.com/piwi3910/mptpass/internal/health"
)

// APIPrefix roots the adapter API.
const APIPrefix = "/api/v1"

// Options configures the router.
type Options struct {
	Adapters   *adapter.Registry
	Dispatcher *dispatch.Dispatcher
	Health     *health.Checker
	// AllowedOrigins enables CORS for browser clients when non-empty.
	AllowedOrigins []string
}

// NewRouter builds the admin HTTP handler.
func NewRouter(opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.Metrics)
	r.Use(middleware.RequestLogger)

	if len(opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", middleware.RequestIDHeader},
			ExposedHeaders: []string{middleware.RequestIDHeader},
			MaxAge:         300,
		}))
	}

	healthHandler := health.NewHandler(opts.Health)
	r.Get("/health", healthHandler.DetailedHandler)
	r.Get("/health/live", healthHandler.LivenessHandler)
	r.Get("/health/ready", healthHandler.ReadinessHandler)

	r.Handle("/metrics", promhttp.Handler())

	adminHandler := admin.NewHandler(opts.Adapters, opts.Dispatcher)
	r.Route(APIPrefix, adminHandler.RegisterRoutes)

	return r
}

// HealthSource adapts a registry to the health checker.
func HealthSource(reg *adapter.Registry) health.Source {
	return func() []health.Adapter {
		list := reg.List()

		out := make([]health.Adapter, 0, len(list))
		for _, a := range list {
			out = append(out, a)
		}

		return out
	}
}
