package portal

import "errors"

// Sentinel errors for the proxy domain. Wrapped with %w by callers so
// errors.Is continues to match through the chain.
var (
	// ErrMalformedRequest marks inbound JSON that is absent, unparseable, or
	// missing the required model field on /v1/messages. Surfaced as 400.
	ErrMalformedRequest = errors.New("malformed request")
	// ErrUpstreamRateLimited marks a 429 from a provider. Handled locally via
	// cooldown + pool retry + optional fallback; only surfaced to the client
	// when every retry and fallback option is exhausted.
	ErrUpstreamRateLimited = errors.New("upstream rate limited")
	// ErrUpstreamTransport marks a TCP/TLS/connect/read failure reaching the
	// upstream. Triggers fallback when enabled, else surfaced as 502.
	ErrUpstreamTransport = errors.New("upstream transport failure")
	// ErrUpstreamBadResponse marks a non-2xx, non-429 upstream response.
	// Triggers fallback when enabled, else surfaced as-is with the provider's
	// status code and body preserved verbatim.
	ErrUpstreamBadResponse = errors.New("upstream bad response")
	// ErrTransform marks a transformer failure to parse or produce JSON.
	ErrTransform = errors.New("transform failure")
	// ErrCapacityTimeout marks an account-semaphore wait that exceeded its
	// ceiling. Triggers fallback when enabled, else surfaced as 503.
	ErrCapacityTimeout = errors.New("capacity timeout")
	// ErrInternal marks a URI-build or JSON-encode failure. Surfaced as 500.
	ErrInternal = errors.New("internal error")
)

// UpstreamStatusError carries the HTTP status code and raw body returned by
// an upstream, so the pipeline can preserve it verbatim when forwarding a
// non-2xx response it has decided not to fall back from.
type UpstreamStatusError struct {
	Status int
	Body   []byte
	Err    error
}

func (e *UpstreamStatusError) Error() string { return e.Err.Error() }
func (e *UpstreamStatusError) Unwrap() error  { return e.Err }

// HTTPStatus implements the httpStatusError interface used by the circuit
// breaker's error classifier.
func (e *UpstreamStatusError) HTTPStatus() int { return e.Status }
