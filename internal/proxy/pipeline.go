// Package proxy implements the request pipeline: the decision tree that
// takes one inbound /v1/messages call through route matching, the circuit
// breaker, the account semaphore, the per-route key pool, protocol
// transformation, and fallback, and finally streams or writes the response.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/eugener/portal/internal/accountsem"
	"github.com/eugener/portal/internal/circuitbreaker"
	"github.com/eugener/portal/internal/forwarder"
	"github.com/eugener/portal/internal/keypool"
	"github.com/eugener/portal/internal/portal"
	"github.com/eugener/portal/internal/router"
	"github.com/eugener/portal/internal/sse"
	"github.com/eugener/portal/internal/telemetry"
	"github.com/eugener/portal/internal/transform"
)

const messagesPath = "/v1/messages"

// maxRequestBody caps the inbound body this process will buffer.
const maxRequestBody = 4 << 20

// maxResponseBody caps a non-streaming upstream body read into memory, and
// a non-streaming passthrough body copied verbatim, against a runaway
// upstream. Event-stream and ndjson bodies copied by copyResponse are not
// capped.
const maxResponseBody = 32 << 20

// bodyPool reuses buffers across request body reads.
var bodyPool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// passthroughHopByHop headers are never copied from an upstream response
// back to the client.
var passthroughHopByHop = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func errorResponse(msg string) apiError {
	var e apiError
	e.Error.Message = msg
	e.Error.Type = "invalid_request_error"
	return e
}

var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to encode response", "error", err)
		return
	}
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	w.Write(data)
}

func errorStatus(err error) int {
	var statusErr *portal.UpstreamStatusError
	if errors.As(err, &statusErr) {
		return statusErr.Status
	}
	switch {
	case errors.Is(err, portal.ErrMalformedRequest):
		return http.StatusBadRequest
	case errors.Is(err, portal.ErrUpstreamRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, portal.ErrUpstreamTransport):
		return http.StatusBadGateway
	case errors.Is(err, portal.ErrCapacityTimeout):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeUpstreamError preserves an upstream's own status and body verbatim
// when err carries one, otherwise maps the sentinel to a generic status text.
func writeUpstreamError(w http.ResponseWriter, ctx context.Context, err error) {
	var statusErr *portal.UpstreamStatusError
	if errors.As(err, &statusErr) {
		w.Header()["Content-Type"] = jsonCT
		w.WriteHeader(statusErr.Status)
		w.Write(statusErr.Body)
		return
	}
	status := errorStatus(err)
	slog.LogAttrs(ctx, slog.LevelError, "pipeline error",
		slog.Int("status", status),
		slog.String("error", err.Error()),
	)
	writeJSON(w, status, errorResponse(http.StatusText(status)))
}

// Pipeline wires together every per-route concern. Metrics may be nil.
type Pipeline struct {
	Router   *router.Table
	Keys     *keypool.Pool
	Sems     *accountsem.Registry
	Breakers *circuitbreaker.Registry
	Forward  *forwarder.Forwarder
	Metrics  *telemetry.Metrics
}

// New builds a Pipeline from its collaborators.
func New(rt *router.Table, keys *keypool.Pool, sems *accountsem.Registry, breakers *circuitbreaker.Registry, fwd *forwarder.Forwarder, metrics *telemetry.Metrics) *Pipeline {
	return &Pipeline{Router: rt, Keys: keys, Sems: sems, Breakers: breakers, Forward: fwd, Metrics: metrics}
}

// ServeHTTP routes one inbound call. Only POST /v1/messages is inspected for
// a model; everything else, and any /v1/messages call whose model matches no
// configured route, passes straight through to the default upstream.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || r.URL.Path != messagesPath {
		p.passthrough(w, r, nil)
		return
	}

	body, ok := p.readBody(w, r)
	if !ok {
		return
	}

	var parsed struct {
		Model  string `json:"model"`
		Stream bool   `json:"stream"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil || parsed.Model == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return
	}

	routeIdx, route, ok := p.Router.FindRoute(parsed.Model)
	if !ok {
		p.passthrough(w, r, body)
		return
	}

	p.serveRoute(w, r, routeIdx, route, body, parsed.Model, parsed.Stream)
}

func (p *Pipeline) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	buf := bodyPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bodyPool.Put(buf)
	if _, err := buf.ReadFrom(r.Body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return nil, false
	}
	return append([]byte(nil), buf.Bytes()...), true
}

// passthrough forwards the inbound request unchanged to the default
// upstream: same method, path, query, headers, and body; no auth rewrite.
// body is nil when the caller has not already drained r.Body.
func (p *Pipeline) passthrough(w http.ResponseWriter, r *http.Request, body []byte) {
	bodyRC := r.Body
	if body != nil {
		bodyRC = io.NopCloser(bytes.NewReader(body))
	}
	resp, err := p.Forward.Forward(r.Context(), forwarder.Request{
		Method:   r.Method,
		BaseURL:  p.Router.DefaultURL,
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
		Header:   r.Header,
		Body:     bodyRC,
	})
	if err != nil {
		writeUpstreamError(w, r.Context(), err)
		return
	}
	copyResponse(w, resp)
}

// copyResponse streams resp back to w verbatim: headers minus hop-by-hop,
// flush-on-read for event-stream/ndjson content, capped bulk copy otherwise.
func copyResponse(w http.ResponseWriter, resp *http.Response) {
	defer resp.Body.Close()
	for key, vals := range resp.Header {
		if _, hop := passthroughHopByHop[key]; hop {
			continue
		}
		for _, v := range vals {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	ct := resp.Header.Get("Content-Type")
	flusher, canFlush := w.(http.Flusher)
	if canFlush && (strings.Contains(ct, "text/event-stream") || strings.Contains(ct, "application/x-ndjson")) {
		buf := make([]byte, 32*1024)
		for {
			n, readErr := resp.Body.Read(buf)
			if n > 0 {
				if _, writeErr := w.Write(buf[:n]); writeErr != nil {
					return
				}
				flusher.Flush()
			}
			if readErr != nil {
				return
			}
		}
	}

	io.Copy(w, io.LimitReader(resp.Body, maxResponseBody))
}

// serveRoute drives one matched route through the circuit breaker, the
// account semaphore, and the key pool retry loop.
func (p *Pipeline) serveRoute(w http.ResponseWriter, r *http.Request, routeIdx int, route portal.Route, body []byte, model string, isStream bool) {
	ctx := r.Context()
	breaker := p.Breakers.GetOrCreate(route.MatchPattern)

	if !breaker.Allow() {
		if p.Metrics != nil {
			p.Metrics.CircuitBreakerRejects.WithLabelValues(route.MatchPattern).Inc()
		}
		p.fallbackOrError(w, r, route, body, model, isStream, portal.ErrUpstreamTransport)
		return
	}

	acctGuard, err := p.Sems.Acquire(ctx, routeIdx)
	if err != nil {
		p.fallbackOrError(w, r, route, body, model, isStream, fmt.Errorf("%w: %v", portal.ErrCapacityTimeout, err))
		return
	}
	defer acctGuard.Release()

	sessionHash := router.SessionHash(body)
	excluded := map[int]bool{}
	attempts := 1
	if route.HasPool() {
		attempts = len(route.AllAuthValues())
	}

	for attempt := 0; attempt < attempts; attempt++ {
		keyIdx := 0
		authValue := route.AuthPrimaryValue

		if route.HasPool() {
			var acquired bool
			if attempt == 0 {
				keyIdx, acquired = p.Keys.AcquireSticky(routeIdx, sessionHash)
			} else {
				keyIdx, acquired = p.Keys.AcquireExcluding(routeIdx, excluded)
			}
			if !acquired {
				break
			}
			authValue = route.AllAuthValues()[keyIdx]
		}

		resp, err := p.forwardOnce(ctx, route, body, model, isStream, authValue)
		if err != nil {
			if route.HasPool() {
				p.Keys.Release(routeIdx, keyIdx)
			}
			p.recordBreaker(breaker, route.MatchPattern, err)
			p.fallbackOrError(w, r, route, body, model, isStream, err)
			return
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
			resp.Body.Close()
			rateErr := fmt.Errorf("%w: status 429", portal.ErrUpstreamRateLimited)
			p.recordBreaker(breaker, route.MatchPattern, &portal.UpstreamStatusError{Status: http.StatusTooManyRequests, Err: rateErr})

			if !route.HasPool() {
				p.fallbackOrError(w, r, route, body, model, isStream, rateErr)
				return
			}
			p.Keys.SetCooldown(routeIdx, keyIdx, retryAfter)
			p.Keys.Release(routeIdx, keyIdx)
			excluded[keyIdx] = true
			if p.Metrics != nil {
				p.Metrics.KeyPoolCooldowns.WithLabelValues(route.MatchPattern, strconv.Itoa(keyIdx)).Inc()
			}
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
			resp.Body.Close()
			if route.HasPool() {
				p.Keys.Release(routeIdx, keyIdx)
			}
			statusErr := &portal.UpstreamStatusError{Status: resp.StatusCode, Body: respBody, Err: portal.ErrUpstreamBadResponse}
			p.recordBreaker(breaker, route.MatchPattern, statusErr)
			p.fallbackOrError(w, r, route, body, model, isStream, statusErr)
			return
		}

		p.recordBreaker(breaker, route.MatchPattern, nil)
		var guard *keypool.Guard
		if route.HasPool() {
			guard = keypool.NewGuard(p.Keys, routeIdx, keyIdx)
		}
		p.deliver(ctx, w, resp, route, model, isStream, guard)
		return
	}

	p.fallbackOrError(w, r, route, body, model, isStream,
		fmt.Errorf("%w: key pool exhausted", portal.ErrUpstreamRateLimited))
}

func (p *Pipeline) recordBreaker(b *circuitbreaker.Breaker, id string, err error) {
	if err == nil {
		b.RecordSuccess()
	} else {
		b.RecordError(circuitbreaker.ClassifyError(err))
	}
	if p.Metrics != nil {
		p.Metrics.CircuitBreakerState.WithLabelValues(id).Set(float64(b.State()))
	}
}

// forwardOnce applies the route's transformer (or a bare model rewrite) and
// sends the request with authValue in the route's auth header.
func (p *Pipeline) forwardOnce(ctx context.Context, route portal.Route, body []byte, model string, isStream bool, authValue string) (*http.Response, error) {
	path := messagesPath
	outBody := body
	var extraHeaders map[string]string

	switch {
	case route.TransformerName != "":
		tf, ok := transform.Get(route.TransformerName)
		if !ok {
			return nil, fmt.Errorf("%w: unknown transformer %q", portal.ErrInternal, route.TransformerName)
		}
		treq, err := tf.TransformRequest(body, route.ModelMap, isStream)
		if err != nil {
			return nil, err
		}
		path, outBody, extraHeaders = treq.Path, treq.Body, treq.ExtraHeaders
	case route.ModelMap != "":
		rewritten, err := rewriteModel(body, route.ModelMap)
		if err != nil {
			return nil, err
		}
		outBody = rewritten
	}

	return p.Forward.Forward(ctx, forwarder.Request{
		Method:         http.MethodPost,
		BaseURL:        route.UpstreamURL,
		Path:           path,
		Header:         http.Header{"Content-Type": jsonCT},
		Body:           io.NopCloser(bytes.NewReader(outBody)),
		AuthHeaderName: route.AuthHeaderName,
		AuthValue:      authValue,
		ExtraHeaders:   extraHeaders,
	})
}

func rewriteModel(body []byte, model string) ([]byte, error) {
	var req map[string]any
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", portal.ErrInternal, err)
	}
	req["model"] = model
	out, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", portal.ErrInternal, err)
	}
	return out, nil
}

// fallbackOrError retries against the default upstream, unrouted and with no
// auth rewrite, when route.Fallback allows it; otherwise it surfaces cause.
func (p *Pipeline) fallbackOrError(w http.ResponseWriter, r *http.Request, route portal.Route, body []byte, model string, isStream bool, cause error) {
	if !route.Fallback.IsEnabled() {
		writeUpstreamError(w, r.Context(), cause)
		return
	}
	if p.Metrics != nil {
		p.Metrics.FallbacksTotal.WithLabelValues(route.MatchPattern, fallbackReason(cause)).Inc()
	}

	fallbackModel := model
	outBody := body
	if repl, ok := route.Fallback.Model(); ok {
		fallbackModel = repl
		rewritten, err := rewriteModel(body, fallbackModel)
		if err != nil {
			writeUpstreamError(w, r.Context(), cause)
			return
		}
		outBody = rewritten
	}

	resp, err := p.Forward.Forward(r.Context(), forwarder.Request{
		Method:  http.MethodPost,
		BaseURL: p.Router.DefaultURL,
		Path:    messagesPath,
		Header:  r.Header,
		Body:    io.NopCloser(bytes.NewReader(outBody)),
	})
	if err != nil {
		writeUpstreamError(w, r.Context(), cause)
		return
	}
	p.deliver(r.Context(), w, resp, portal.Route{}, fallbackModel, isStream, nil)
}

func fallbackReason(err error) string {
	var statusErr *portal.UpstreamStatusError
	switch {
	case errors.As(err, &statusErr):
		return "bad_response"
	case errors.Is(err, portal.ErrUpstreamRateLimited):
		return "rate_limited"
	case errors.Is(err, portal.ErrUpstreamTransport):
		return "transport"
	case errors.Is(err, portal.ErrCapacityTimeout):
		return "capacity_timeout"
	default:
		return "other"
	}
}

// deliver writes a successful upstream response to the client: verbatim for
// an untransformed route, otherwise through the route's Transformer, as a
// single JSON rewrite or as a rewritten SSE stream. guard, when non-nil, is
// released exactly when the response body has been fully forwarded.
func (p *Pipeline) deliver(ctx context.Context, w http.ResponseWriter, resp *http.Response, route portal.Route, model string, isStream bool, guard *keypool.Guard) {
	if guard != nil {
		defer guard.Release()
	}

	if route.TransformerName == "" {
		copyResponse(w, resp)
		return
	}

	tf, ok := transform.Get(route.TransformerName)
	if !ok {
		resp.Body.Close()
		writeUpstreamError(w, ctx, portal.ErrInternal)
		return
	}
	defer resp.Body.Close()

	ct := resp.Header.Get("Content-Type")
	if isStream && strings.Contains(ct, "text/event-stream") {
		p.deliverStream(w, resp, tf, model)
		return
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		writeJSON(w, http.StatusBadGateway, errorResponse(http.StatusText(http.StatusBadGateway)))
		return
	}
	out, err := tf.TransformResponse(respBody, model)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse(http.StatusText(http.StatusInternalServerError)))
		return
	}
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(http.StatusOK)
	w.Write(out)
}

func (p *Pipeline) deliverStream(w http.ResponseWriter, resp *http.Response, tf transform.Transformer, model string) {
	sse.WriteHeaders(w)

	streamCtx := &portal.StreamContext{Model: model, MessageID: transform.NewMessageID()}
	for _, ev := range tf.StreamStartEvents(streamCtx) {
		sse.WriteEvent(w, ev)
	}

	err := sse.Reassemble(resp.Body, func(payload string) error {
		events, err := tf.TransformStreamChunk(payload, streamCtx)
		if err != nil {
			// A single malformed or unparseable chunk must not abort the
			// rest of the stream -- skip it and keep reading.
			slog.Error("stream chunk transform failed, skipping chunk", "error", err)
			return nil
		}
		for _, ev := range events {
			sse.WriteEvent(w, ev)
		}
		return nil
	})
	if err != nil {
		slog.Error("stream transform error", "error", err)
	}

	for _, ev := range tf.StreamEndEvents(streamCtx) {
		sse.WriteEvent(w, ev)
	}
}

func parseRetryAfter(v string) int {
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
