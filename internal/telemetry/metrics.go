// Package telemetry provides observability primitives for the proxy.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the proxy.
type Metrics struct {
	RequestsTotal       *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec
	ActiveRequests      prometheus.Gauge
	UpstreamLatency     *prometheus.HistogramVec
	FallbacksTotal      *prometheus.CounterVec
	KeyPoolActive       *prometheus.GaugeVec // labels: route, key_index
	KeyPoolCooldowns    *prometheus.CounterVec
	CircuitBreakerState   *prometheus.GaugeVec   // labels: route
	CircuitBreakerRejects *prometheus.CounterVec // labels: route
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portal",
			Name:      "requests_total",
			Help:      "Total number of inbound HTTP requests.",
		}, []string{"route", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "portal",
			Name:                            "request_duration_seconds",
			Help:                            "Inbound request duration in seconds, headers-to-body-close.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"route"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "portal",
			Name:      "active_requests",
			Help:      "Number of requests currently being forwarded.",
		}),

		UpstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "portal",
			Name:                            "upstream_latency_seconds",
			Help:                            "Latency of the upstream round trip, dial to response headers.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"route"}),

		FallbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portal",
			Name:      "fallbacks_total",
			Help:      "Total requests that fell back to the default upstream.",
		}, []string{"route", "reason"}),

		KeyPoolActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "portal",
			Name:      "keypool_active_connections",
			Help:      "In-flight requests per pooled key.",
		}, []string{"route", "key_index"}),

		KeyPoolCooldowns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portal",
			Name:      "keypool_cooldowns_total",
			Help:      "Total times a pooled key was placed on cooldown after a 429.",
		}, []string{"route", "key_index"}),

		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "portal",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per route (0=closed, 1=open, 2=half_open).",
		}, []string{"route"}),

		CircuitBreakerRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portal",
			Name:      "circuit_breaker_rejects_total",
			Help:      "Total requests skipped because a route's breaker was open.",
		}, []string{"route"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.UpstreamLatency,
		m.FallbacksTotal,
		m.KeyPoolActive,
		m.KeyPoolCooldowns,
		m.CircuitBreakerState,
		m.CircuitBreakerRejects,
	)

	return m
}
