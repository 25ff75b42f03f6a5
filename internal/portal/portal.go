// Package portal defines the domain types shared across the routing and
// dispatch engine. This package has no project imports -- it is the
// dependency root.
package portal

import "context"

// Fallback is the policy applied when a route's upstream fails: leave the
// request disabled, retry against the default upstream unchanged, or retry
// against the default upstream with the model replaced.
type Fallback struct {
	kind  fallbackKind
	model string
}

type fallbackKind int

const (
	fallbackDisabled fallbackKind = iota
	fallbackPassthrough
	fallbackModel
)

// FallbackDisabled returns a Fallback that disables fallback entirely.
func FallbackDisabled() Fallback { return Fallback{kind: fallbackDisabled} }

// FallbackPassthrough returns a Fallback that retries with the model unchanged.
func FallbackPassthrough() Fallback { return Fallback{kind: fallbackPassthrough} }

// FallbackModel returns a Fallback that retries with the model replaced by name.
func FallbackModel(name string) Fallback { return Fallback{kind: fallbackModel, model: name} }

// IsEnabled reports whether fallback should be attempted at all.
func (f Fallback) IsEnabled() bool { return f.kind != fallbackDisabled }

// Model returns the replacement model name and true when the fallback
// variant is Model(name); otherwise ("", false) -- callers should leave the
// original model untouched in that case.
func (f Fallback) Model() (string, bool) {
	if f.kind == fallbackModel {
		return f.model, true
	}
	return "", false
}

// MarshalYAML serializes Fallback as false, true, or the replacement model
// name, matching the wire format described in the routing spec.
func (f Fallback) MarshalYAML() (any, error) {
	switch f.kind {
	case fallbackDisabled:
		return false, nil
	case fallbackPassthrough:
		return true, nil
	default:
		return f.model, nil
	}
}

// UnmarshalYAML accepts a bool or a string: false->Disabled, true->Passthrough,
// ""->Disabled, any other string->Model(s). Absent is left at the zero value,
// which is fallbackDisabled; callers that want the documented default of
// Passthrough must apply it explicitly before unmarshalling (see
// config.RouteEntry.UnmarshalYAML).
func (f *Fallback) UnmarshalYAML(unmarshal func(any) error) error {
	var asBool bool
	if err := unmarshal(&asBool); err == nil {
		if asBool {
			*f = FallbackPassthrough()
		} else {
			*f = FallbackDisabled()
		}
		return nil
	}
	var asString string
	if err := unmarshal(&asString); err != nil {
		return err
	}
	if asString == "" {
		*f = FallbackDisabled()
	} else {
		*f = FallbackModel(asString)
	}
	return nil
}

// Route is a declarative mapping from a model-name substring to an upstream
// provider, plus optional protocol transformation and fallback policy.
type Route struct {
	MatchPattern     string
	UpstreamURL      string
	AuthHeaderName   string
	AuthPrimaryValue string
	AuthPool         []string
	TransformerName  string // "" means passthrough, no transformation
	ModelMap         string // "" means no rewrite
	Fallback         Fallback
	Concurrency      int // 0 means unlimited; only meaningful when > 0
	HasConcurrency   bool
}

// AllAuthValues returns the full key set for the route: the primary value
// followed by the pool, in order. The primary value is always included at
// index 0 even when empty, matching the reference implementation.
func (r Route) AllAuthValues() []string {
	values := make([]string, 0, 1+len(r.AuthPool))
	values = append(values, r.AuthPrimaryValue)
	values = append(values, r.AuthPool...)
	return values
}

// HasPool reports whether the route has more than one key.
func (r Route) HasPool() bool { return len(r.AuthPool) > 0 }

// TransformedRequest is produced by a Transformer and consumed by the
// Forwarder: the upstream path, the rewritten JSON body, and any extra
// headers the transformer wants injected.
type TransformedRequest struct {
	Path         string
	Body         []byte
	ExtraHeaders map[string]string
}

// StreamContext tracks state across a single in-flight SSE forwarding
// session. It is created when upstream response headers announce a
// streaming content type and lives only for the duration of that stream.
type StreamContext struct {
	Model        string
	MessageID    string
	InputTokens  int
	OutputTokens int
	BlockIndex   int
	Started      bool
}

// --- context propagation, single-allocation per request ---

type ctxKey struct{}

var ctxKeyMeta = ctxKey{}

// requestMeta bundles per-request values into a single context allocation.
type requestMeta struct {
	RequestID string
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// RequestIDFromContext extracts the request ID from context, or "" if absent.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}
