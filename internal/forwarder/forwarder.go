// Package forwarder builds and sends the upstream HTTP request on behalf of
// the proxy pipeline: copies method, path, and headers (eliding hop-by-hop
// and inbound auth headers), injects the route's configured auth header with
// the chosen key value, and returns the raw upstream response so the
// pipeline can inspect its status before committing to a client response.
package forwarder

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/dnscache"

	"github.com/eugener/portal/internal/portal"
)

// NewTransport returns a tuned *http.Transport with connection pooling and
// optional DNS caching, shared across every upstream Client.
func NewTransport(resolver *dnscache.Resolver) *http.Transport {
	t := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}
	return t
}

// hopByHopHeaders must never be forwarded between client and upstream.
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Host":                {},
	"Content-Length":      {},
}

// inboundAuthHeaders are stripped whenever the route injects its own auth.
var inboundAuthHeaders = map[string]struct{}{
	"Authorization":  {},
	"X-Api-Key":      {},
	"X-Goog-Api-Key": {},
}

// Request describes one upstream call. Path/RawQuery/Body already reflect
// any Transformer rewrite; Header is the raw inbound header set, filtered by
// Forward itself.
type Request struct {
	Method         string
	BaseURL        string
	Path           string
	RawQuery       string
	Header         http.Header
	Body           io.ReadCloser
	AuthHeaderName string // "" means no auth header is injected
	AuthValue      string
	ExtraHeaders   map[string]string
}

// Forwarder sends upstream requests with a shared *http.Client.
type Forwarder struct {
	Client *http.Client
}

// New builds a Forwarder around client.
func New(client *http.Client) *Forwarder {
	return &Forwarder{Client: client}
}

// Forward builds the upstream *http.Request from req, sends it, and returns
// the raw response for the caller to inspect and stream. A malformed target
// URL is wrapped in portal.ErrInternal (500); a transport failure is wrapped
// in portal.ErrUpstreamTransport (502).
func (f *Forwarder) Forward(ctx context.Context, req Request) (*http.Response, error) {
	targetURL := req.BaseURL + req.Path
	if req.RawQuery != "" {
		targetURL += "?" + req.RawQuery
	}

	outReq, err := http.NewRequestWithContext(ctx, req.Method, targetURL, req.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: build upstream request: %v", portal.ErrInternal, err)
	}

	for key, vals := range req.Header {
		if _, hop := hopByHopHeaders[key]; hop {
			continue
		}
		if req.AuthHeaderName != "" {
			if _, isAuth := inboundAuthHeaders[key]; isAuth {
				continue
			}
		}
		outReq.Header[key] = vals
	}
	for k, v := range req.ExtraHeaders {
		outReq.Header.Set(k, v)
	}
	if req.AuthHeaderName != "" {
		outReq.Header.Set(req.AuthHeaderName, req.AuthValue)
	}

	resp, err := f.Client.Do(outReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", portal.ErrUpstreamTransport, err)
	}
	return resp, nil
}
