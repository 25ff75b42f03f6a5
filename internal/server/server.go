// Package server implements the HTTP transport layer for the portal proxy.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"go.opentelemetry.io/otel/trace"

	"github.com/eugener/portal/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Pipeline is the subset of proxy.Pipeline the server depends on. Declared
// as an interface here so server tests can substitute a stub without
// pulling in the full proxy package.
type Pipeline interface {
	ServeHTTP(w http.ResponseWriter, r *http.Request)
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Pipeline       Pipeline
	Metrics        *telemetry.Metrics // nil = no Prometheus metrics
	MetricsHandler http.Handler       // nil = no /metrics endpoint
	Tracer         trace.Tracer       // nil = no distributed tracing
	ReadyCheck     ReadyChecker       // nil = always ready (for tests)
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	r.Use(s.securityHeaders)
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}
	if deps.Tracer != nil {
		r.Use(tracingMiddleware(deps.Tracer))
	}

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// Everything else -- /v1/messages and any other path -- is the proxy
	// pipeline's concern. It decides internally whether a request is a
	// routable /v1/messages call or falls through to the default upstream.
	r.Handle("/*", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.deps.Pipeline.ServeHTTP(w, r)
	}))

	return r
}

type server struct {
	deps Deps
}
