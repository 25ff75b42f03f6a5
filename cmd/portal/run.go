package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"
	"go.opentelemetry.io/otel/trace"

	"github.com/eugener/portal/internal/accountsem"
	"github.com/eugener/portal/internal/circuitbreaker"
	"github.com/eugener/portal/internal/config"
	"github.com/eugener/portal/internal/forwarder"
	"github.com/eugener/portal/internal/keypool"
	"github.com/eugener/portal/internal/proxy"
	"github.com/eugener/portal/internal/router"
	"github.com/eugener/portal/internal/server"
	"github.com/eugener/portal/internal/telemetry"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting portal", "version", version, "addr", cfg.Server.Addr)

	routes := cfg.Routes()
	for _, r := range routes {
		slog.Info("route configured",
			"match_pattern", r.MatchPattern,
			"upstream", r.UpstreamURL,
			"transformer", r.TransformerName,
			"pooled_keys", len(r.AuthPool)+1,
			"concurrency", r.Concurrency,
			"fallback_enabled", r.Fallback.IsEnabled(),
		)
	}
	slog.Info("default upstream configured", "upstream", cfg.Default.UpstreamURL)
	slog.Info("server timeouts",
		"read", cfg.Server.ReadTimeout,
		"write", cfg.Server.WriteTimeout,
		"shutdown", cfg.Server.ShutdownTimeout,
	)

	// Shared DNS cache for the forwarder's HTTP client.
	dnsResolver := &dnscache.Resolver{}
	refreshCtx, refreshCancel := context.WithCancel(context.Background())
	go func() {
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for {
			select {
			case <-refreshCtx.Done():
				return
			case <-t.C:
				dnsResolver.Refresh(true)
			}
		}
	}()
	defer refreshCancel()

	client := &http.Client{Transport: forwarder.NewTransport(dnsResolver)}
	fwd := forwarder.New(client)

	rt := router.New(routes, cfg.Default.UpstreamURL)
	keys := keypool.New(cfg.KeyCounts(), cfg.Limits())
	sems := accountsem.New(cfg.Limits())
	breakers := circuitbreaker.NewRegistry(cfg.CircuitBreaker.Breaker())

	// Prometheus metrics.
	var metrics *telemetry.Metrics
	var metricsHandler http.Handler
	if cfg.Telemetry.Metrics.Enabled {
		promRegistry := prometheus.NewRegistry()
		promRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		promRegistry.MustRegister(collectors.NewGoCollector())
		metrics = telemetry.NewMetrics(promRegistry)
		metricsHandler = promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})
		slog.Info("prometheus metrics enabled")
	}

	// OpenTelemetry tracing.
	var tracer trace.Tracer
	var tracingShutdown func(context.Context) error
	if cfg.Telemetry.Tracing.Enabled {
		endpoint := cfg.Telemetry.Tracing.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		sampleRate := cfg.Telemetry.Tracing.SampleRate
		if sampleRate == 0 {
			sampleRate = 0.1
		}
		shutdown, err := telemetry.SetupTracing(context.Background(), endpoint, sampleRate)
		if err != nil {
			slog.Warn("tracing setup failed, continuing without tracing", "error", err)
		} else {
			tracingShutdown = shutdown
			tracer = telemetry.Tracer("portal/server")
			slog.Info("opentelemetry tracing enabled", "endpoint", endpoint, "sample_rate", sampleRate)
		}
	}

	pipeline := proxy.New(rt, keys, sems, breakers, fwd, metrics)

	handler := server.New(server.Deps{
		Pipeline:       pipeline,
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		Tracer:         tracer,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("portal ready", "addr", cfg.Server.Addr, "routes", len(routes))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	if tracingShutdown != nil {
		if err := tracingShutdown(shutdownCtx); err != nil {
			slog.Error("tracing shutdown error", "error", err)
		}
	}

	slog.Info("portal stopped")
	return nil
}
