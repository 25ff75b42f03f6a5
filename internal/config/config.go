// Package config handles YAML configuration loading with environment
// variable expansion.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/eugener/portal/internal/circuitbreaker"
	"github.com/eugener/portal/internal/portal"
)

// Config is the top-level process configuration.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Telemetry      TelemetryConfig      `yaml:"telemetry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Default        DefaultConfig        `yaml:"default"`
	RouteEntries   []RouteEntry         `yaml:"routes"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// CircuitBreakerConfig holds the per-route breaker's sliding-window settings.
type CircuitBreakerConfig struct {
	ErrorThreshold float64       `yaml:"error_threshold"`
	MinSamples     int           `yaml:"min_samples"`
	WindowSeconds  int           `yaml:"window_seconds"`
	OpenTimeout    time.Duration `yaml:"open_timeout"`
}

// Breaker converts CircuitBreakerConfig to the circuitbreaker package's Config.
func (c CircuitBreakerConfig) Breaker() circuitbreaker.Config {
	return circuitbreaker.Config{
		ErrorThreshold: c.ErrorThreshold,
		MinSamples:     c.MinSamples,
		WindowSeconds:  c.WindowSeconds,
		OpenTimeout:    c.OpenTimeout,
	}
}

// DefaultConfig is the default Anthropic upstream used for passthrough
// traffic and for every route's fallback.
type DefaultConfig struct {
	UpstreamURL string `yaml:"upstream_url"`
}

// RouteEntry is one route as written in the config file.
type RouteEntry struct {
	MatchPattern     string          `yaml:"match_pattern"`
	UpstreamURL      string          `yaml:"upstream_url"`
	AuthHeaderName   string          `yaml:"auth_header_name"`
	AuthPrimaryValue string          `yaml:"auth_primary_value"`
	AuthPool         []string        `yaml:"auth_pool"`
	Transformer      string          `yaml:"transformer_name"`
	ModelMap         string          `yaml:"model_map"`
	Fallback         portal.Fallback `yaml:"fallback"`
	Concurrency      int             `yaml:"concurrency"`
}

// UnmarshalYAML applies the documented default of Fallback(Passthrough)
// before decoding, so a route that omits the fallback key gets passthrough
// rather than portal.Fallback's disabled zero value.
func (e *RouteEntry) UnmarshalYAML(unmarshal func(any) error) error {
	type plain RouteEntry
	aux := plain{Fallback: portal.FallbackPassthrough()}
	if err := unmarshal(&aux); err != nil {
		return err
	}
	*e = RouteEntry(aux)
	return nil
}

func (e RouteEntry) toRoute() portal.Route {
	return portal.Route{
		MatchPattern:     e.MatchPattern,
		UpstreamURL:      e.UpstreamURL,
		AuthHeaderName:   e.AuthHeaderName,
		AuthPrimaryValue: e.AuthPrimaryValue,
		AuthPool:         e.AuthPool,
		TransformerName:  e.Transformer,
		ModelMap:         e.ModelMap,
		Fallback:         e.Fallback,
		Concurrency:      e.Concurrency,
		HasConcurrency:   e.Concurrency > 0,
	}
}

// Routes converts the configured route entries to domain routes, in the
// order they appear in the file -- that order is the route table's match
// priority.
func (c *Config) Routes() []portal.Route {
	rs := make([]portal.Route, len(c.RouteEntries))
	for i, e := range c.RouteEntries {
		rs[i] = e.toRoute()
	}
	return rs
}

// KeyCounts returns, per route, the number of pooled keys (primary plus
// auth_pool), or 0 for a route with no pool.
func (c *Config) KeyCounts() []int {
	counts := make([]int, len(c.RouteEntries))
	for i, e := range c.RouteEntries {
		if len(e.AuthPool) > 0 {
			counts[i] = 1 + len(e.AuthPool)
		}
	}
	return counts
}

// Limits returns, per route, the configured concurrency value -- the same
// number that bounds both the key pool's per-key limit and the account
// semaphore's capacity for that route.
func (c *Config) Limits() []int {
	limits := make([]int, len(c.RouteEntries))
	for i, e := range c.RouteEntries {
		limits[i] = e.Concurrency
	}
	return limits
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values,
// leaving any ${VAR} with no matching environment variable untouched.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Metrics: MetricsConfig{Enabled: true},
		},
		CircuitBreaker: CircuitBreakerConfig{
			ErrorThreshold: 0.30,
			MinSamples:     10,
			WindowSeconds:  60,
			OpenTimeout:    30 * time.Second,
		},
		Default: DefaultConfig{
			UpstreamURL: "https://api.anthropic.com",
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
