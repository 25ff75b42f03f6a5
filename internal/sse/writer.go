package sse

import (
	"io"
	"net/http"
)

// Pre-allocated header value slices for SSE responses. Direct map
// assignment avoids the []string{v} alloc that Header.Set creates.
var (
	contentTypeVal  = []string{"text/event-stream"}
	cacheControlVal = []string{"no-cache"}
	connectionVal   = []string{"keep-alive"}
	accelBufferVal  = []string{"no"}
)

// keepAlive is the SSE comment line used to hold the connection open between
// transformed events.
var keepAlive = []byte(": keep-alive\n\n")

// WriteHeaders sets the response headers for an SSE stream and commits the
// 200 status.
func WriteHeaders(w http.ResponseWriter) {
	h := w.Header()
	h["Content-Type"] = contentTypeVal
	h["Cache-Control"] = cacheControlVal
	h["Connection"] = connectionVal
	h["X-Accel-Buffering"] = accelBufferVal
	w.WriteHeader(http.StatusOK)
}

// WriteEvent writes a pre-formatted "event: <name>\ndata: <json>\n\n" string
// as produced by a Transformer, then flushes if the writer supports it.
func WriteEvent(w http.ResponseWriter, event string) {
	io.WriteString(w, event)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// WriteKeepAlive writes an SSE comment to hold the connection open.
func WriteKeepAlive(w http.ResponseWriter) {
	w.Write(keepAlive)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}
