package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTestConfig(t *testing.T, yaml string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Parallel()

	yaml := `
server:
  addr: ":9090"
  read_timeout: 10s
default:
  upstream_url: https://api.anthropic.com
routes:
  - match_pattern: gpt
    upstream_url: https://api.openai.com
    auth_header_name: Authorization
    auth_primary_value: sk-test
    transformer_name: openai
    concurrency: 4
`
	cfg, err := Load(writeTestConfig(t, yaml))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Addr != ":9090" {
		t.Errorf("addr = %q, want %q", cfg.Server.Addr, ":9090")
	}
	if len(cfg.RouteEntries) != 1 {
		t.Fatalf("routes count = %d, want 1", len(cfg.RouteEntries))
	}
	route := cfg.Routes()[0]
	if route.MatchPattern != "gpt" || route.TransformerName != "openai" {
		t.Errorf("route = %+v, want match_pattern gpt transformer openai", route)
	}
	if !route.HasConcurrency || route.Concurrency != 4 {
		t.Errorf("route concurrency = %d/%v, want 4/true", route.Concurrency, route.HasConcurrency)
	}
	// No fallback key in the route: the documented default is Passthrough.
	if !route.Fallback.IsEnabled() {
		t.Error("route fallback should default to enabled (Passthrough)")
	}
	if _, ok := route.Fallback.Model(); ok {
		t.Error("default fallback should be Passthrough, not Model(...)")
	}
}

func TestFallbackExplicitValuesOverrideDefault(t *testing.T) {
	t.Parallel()

	yaml := `
routes:
  - match_pattern: claude
    upstream_url: https://api.anthropic.com
    fallback: false
  - match_pattern: gemini
    upstream_url: https://generativelanguage.googleapis.com
    fallback: gemini-1.5-flash
`
	cfg, err := Load(writeTestConfig(t, yaml))
	if err != nil {
		t.Fatal(err)
	}
	routes := cfg.Routes()

	if routes[0].Fallback.IsEnabled() {
		t.Error("explicit fallback: false should disable fallback")
	}
	if name, ok := routes[1].Fallback.Model(); !ok || name != "gemini-1.5-flash" {
		t.Errorf("fallback model = %q/%v, want gemini-1.5-flash/true", name, ok)
	}
}

func TestExpandEnvLeavesUnsetVarsUntouched(t *testing.T) {
	t.Setenv("TEST_API_KEY", "sk-secret-123")

	result := expandEnv([]byte("key: ${TEST_API_KEY}\nother: ${NOT_SET_ANYWHERE}"))
	want := "key: sk-secret-123\nother: ${NOT_SET_ANYWHERE}"
	if string(result) != want {
		t.Errorf("expandEnv = %q, want %q", result, want)
	}
}

func TestExpandEnvAppliedBeforeParsing(t *testing.T) {
	t.Setenv("TEST_UPSTREAM", "https://api.openai.com")

	yaml := `
routes:
  - match_pattern: gpt
    upstream_url: ${TEST_UPSTREAM}
`
	cfg, err := Load(writeTestConfig(t, yaml))
	if err != nil {
		t.Fatal(err)
	}
	if got := cfg.Routes()[0].UpstreamURL; got != "https://api.openai.com" {
		t.Errorf("upstream_url = %q, want expanded value", got)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeTestConfig(t, `{}`))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Errorf("default addr = %q, want %q", cfg.Server.Addr, ":8080")
	}
	if cfg.Default.UpstreamURL != "https://api.anthropic.com" {
		t.Errorf("default upstream = %q, want the Anthropic default", cfg.Default.UpstreamURL)
	}
	if cfg.CircuitBreaker.MinSamples != 10 {
		t.Errorf("default min_samples = %d, want 10", cfg.CircuitBreaker.MinSamples)
	}
}

func TestKeyCountsAndLimits(t *testing.T) {
	t.Parallel()

	yaml := `
routes:
  - match_pattern: claude
    upstream_url: https://api.anthropic.com
    auth_primary_value: key-a
    auth_pool: [key-b, key-c]
    concurrency: 2
  - match_pattern: gpt
    upstream_url: https://api.openai.com
    auth_primary_value: sk-solo
`
	cfg, err := Load(writeTestConfig(t, yaml))
	if err != nil {
		t.Fatal(err)
	}

	counts := cfg.KeyCounts()
	if len(counts) != 2 || counts[0] != 3 || counts[1] != 0 {
		t.Errorf("KeyCounts = %v, want [3 0]", counts)
	}
	limits := cfg.Limits()
	if len(limits) != 2 || limits[0] != 2 || limits[1] != 0 {
		t.Errorf("Limits = %v, want [2 0]", limits)
	}
}
