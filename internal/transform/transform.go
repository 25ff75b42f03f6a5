// Package transform implements bidirectional protocol conversion between the
// Anthropic Messages wire format and provider-native formats (OpenAI chat
// completions, Google Gemini generateContent), including stateful SSE
// rewriting.
package transform

import (
	"fmt"

	"github.com/eugener/portal/internal/portal"
)

// Error marks a transformer's failure to parse or produce JSON. Wrapped with
// %w by callers so errors.Is continues to match through the chain.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("transform %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

// Transformer is the capability set every protocol adapter implements: one
// request-direction rewrite and four response/stream-direction rewrites.
// Two concrete realizations exist, for OpenAI and Gemini.
type Transformer interface {
	// TransformRequest rewrites an Anthropic-shaped request body into the
	// provider's native shape. modelMap, when non-empty, replaces the model
	// field. isStream selects between the provider's streaming and
	// non-streaming request variants.
	TransformRequest(body []byte, modelMap string, isStream bool) (portal.TransformedRequest, error)

	// TransformResponse rewrites a non-streaming provider response body into
	// an Anthropic-shaped message.
	TransformResponse(body []byte, model string) ([]byte, error)

	// StreamStartEvents returns the SSE events to emit before any upstream
	// chunk has been seen.
	StreamStartEvents(ctx *portal.StreamContext) []string

	// TransformStreamChunk rewrites one upstream SSE data payload into zero
	// or more Anthropic-shaped SSE events, mutating ctx as it goes.
	TransformStreamChunk(payload string, ctx *portal.StreamContext) ([]string, error)

	// StreamEndEvents returns the SSE events to emit once the upstream
	// stream has ended.
	StreamEndEvents(ctx *portal.StreamContext) []string
}

// registry is the literal name -> constructor map backing Get.
var registry = map[string]func() Transformer{
	"openai": func() Transformer { return &openAI{} },
	"gemini": func() Transformer { return &gemini{} },
}

// Get returns a new Transformer instance for name, or (nil, false) if name
// is not a known transformer. An empty name means passthrough: the caller
// should skip transformation entirely rather than call Get.
func Get(name string) (Transformer, bool) {
	ctor, ok := registry[name]
	if !ok {
		return nil, false
	}
	return ctor(), true
}

// sseEvent formats name/data into the three-line SSE record required by the
// wire protocol: "event: <name>\ndata: <json>\n\n".
func sseEvent(name string, data []byte) string {
	return "event: " + name + "\ndata: " + string(data) + "\n\n"
}
