package transform

import (
	"encoding/json"
	"testing"

	"github.com/eugener/portal/internal/portal"
)

func TestGeminiRequestRewriteExcludesSystemRole(t *testing.T) {
	in := `{"model":"gemini-2.0-flash","system":"be nice","messages":[
		{"role":"system","content":"ignored"},
		{"role":"user","content":"hi"},
		{"role":"assistant","content":"hello"}
	],"max_tokens":50,"top_p":0.9}`

	tr, ok := Get("gemini")
	if !ok {
		t.Fatal("expected gemini transformer to be registered")
	}

	out, err := tr.TransformRequest([]byte(in), "", false)
	if err != nil {
		t.Fatalf("TransformRequest: %v", err)
	}
	if out.Path != "/v1beta/models/gemini-2.0-flash:generateContent" {
		t.Errorf("path = %q", out.Path)
	}

	var got map[string]any
	if err := json.Unmarshal(out.Body, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	contents, _ := got["contents"].([]any)
	if len(contents) != 2 {
		t.Fatalf("contents = %d entries, want 2 (system excluded)", len(contents))
	}
	second, _ := contents[1].(map[string]any)
	if second["role"] != "model" {
		t.Errorf("assistant role mapped to %v, want model", second["role"])
	}

	sysInstr, ok := got["systemInstruction"].(map[string]any)
	if !ok {
		t.Fatal("expected systemInstruction to be set")
	}
	parts, _ := sysInstr["parts"].([]any)
	if len(parts) != 1 {
		t.Fatalf("systemInstruction.parts = %v", parts)
	}

	genConfig, ok := got["generationConfig"].(map[string]any)
	if !ok {
		t.Fatal("expected generationConfig to be set")
	}
	if genConfig["maxOutputTokens"] != float64(50) {
		t.Errorf("maxOutputTokens = %v, want 50", genConfig["maxOutputTokens"])
	}
	if genConfig["topP"] != 0.9 {
		t.Errorf("topP = %v, want 0.9", genConfig["topP"])
	}
}

func TestGeminiStreamPathForStreaming(t *testing.T) {
	tr, _ := Get("gemini")
	out, err := tr.TransformRequest([]byte(`{"messages":[]}`), "", true)
	if err != nil {
		t.Fatalf("TransformRequest: %v", err)
	}
	want := "/v1beta/models/gemini-2.0-flash:streamGenerateContent?alt=sse"
	if out.Path != want {
		t.Errorf("path = %q, want %q", out.Path, want)
	}
}

func TestGeminiFirstChunkEmitsStartAndDelta(t *testing.T) {
	tr, _ := Get("gemini")
	ctx := &portal.StreamContext{}

	events, err := tr.TransformStreamChunk(
		`{"candidates":[{"content":{"parts":[{"text":"hi"}]}}],"usageMetadata":{"promptTokenCount":5}}`,
		ctx,
	)
	if err != nil {
		t.Fatalf("TransformStreamChunk: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want exactly 2 (content_block_start, content_block_delta)", len(events))
	}
	if !ctx.Started {
		t.Error("expected ctx.Started = true")
	}
	if ctx.InputTokens != 5 {
		t.Errorf("InputTokens = %d, want 5", ctx.InputTokens)
	}
}

func TestGeminiTokenCountsOverwriteNotAccumulate(t *testing.T) {
	tr, _ := Get("gemini")
	ctx := &portal.StreamContext{}

	_, err := tr.TransformStreamChunk(`{"usageMetadata":{"promptTokenCount":5,"candidatesTokenCount":2}}`, ctx)
	if err != nil {
		t.Fatalf("chunk 1: %v", err)
	}
	_, err = tr.TransformStreamChunk(`{"usageMetadata":{"promptTokenCount":5,"candidatesTokenCount":9}}`, ctx)
	if err != nil {
		t.Fatalf("chunk 2: %v", err)
	}
	if ctx.OutputTokens != 9 {
		t.Errorf("OutputTokens = %d, want 9 (overwritten, not accumulated to 11)", ctx.OutputTokens)
	}
}

func TestGeminiResponseRewrite(t *testing.T) {
	in := `{"candidates":[{"content":{"parts":[{"text":"hi"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":2,"candidatesTokenCount":3}}`
	tr, _ := Get("gemini")
	out, err := tr.TransformResponse([]byte(in), "gemini-2.0-flash")
	if err != nil {
		t.Fatalf("TransformResponse: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(out, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg["stop_reason"] != "end_turn" {
		t.Errorf("stop_reason = %v, want end_turn", msg["stop_reason"])
	}
	if msg["role"] != "assistant" {
		t.Errorf("role = %v, want assistant", msg["role"])
	}
}
