package transform

import (
	"encoding/json"
	"strings"

	"github.com/eugener/portal/internal/portal"
)

// gemini converts between the Anthropic Messages format and Google Gemini's
// generateContent / streamGenerateContent, both non-streaming and SSE.
type gemini struct{}

const geminiDefaultModel = "gemini-2.0-flash"

func geminiRole(role string) string {
	if role == "assistant" {
		return "model"
	}
	return role
}

// toParts converts Anthropic message content (a string, or an array of
// content blocks) into Gemini's parts array. Anything else yields a single
// empty-text part.
func toParts(content any) []any {
	switch v := content.(type) {
	case string:
		return []any{map[string]any{"text": v}}
	case []any:
		var parts []any
		for _, block := range v {
			m, ok := block.(map[string]any)
			if !ok {
				continue
			}
			text, ok := m["text"].(string)
			if !ok {
				continue
			}
			parts = append(parts, map[string]any{"text": text})
		}
		return parts
	default:
		return []any{map[string]any{"text": ""}}
	}
}

func systemText(system any) string {
	switch v := system.(type) {
	case string:
		return v
	case []any:
		var parts []string
		for _, block := range v {
			if m, ok := block.(map[string]any); ok {
				if text, ok := m["text"].(string); ok {
					parts = append(parts, text)
				}
			}
		}
		return strings.Join(parts, "\n")
	default:
		return ""
	}
}

func (t *gemini) TransformRequest(body []byte, modelMap string, isStream bool) (portal.TransformedRequest, error) {
	var req map[string]any
	if err := json.Unmarshal(body, &req); err != nil {
		return portal.TransformedRequest{}, wrapErr("gemini.request", err)
	}

	model := modelMap
	if model == "" {
		if m, ok := req["model"].(string); ok && m != "" {
			model = m
		} else {
			model = geminiDefaultModel
		}
	}

	var contents []any
	if messages, ok := req["messages"].([]any); ok {
		for _, msg := range messages {
			m, ok := msg.(map[string]any)
			if !ok {
				continue
			}
			if role, _ := m["role"].(string); role == "system" {
				continue
			}
			role, _ := m["role"].(string)
			contents = append(contents, map[string]any{
				"role":  geminiRole(role),
				"parts": toParts(m["content"]),
			})
		}
	}

	out := map[string]any{"contents": contents}

	if system, ok := req["system"]; ok {
		if text := systemText(system); text != "" {
			out["systemInstruction"] = map[string]any{
				"parts": []any{map[string]any{"text": text}},
			}
		}
	}

	genConfig := map[string]any{}
	if v, ok := req["max_tokens"]; ok {
		genConfig["maxOutputTokens"] = v
	}
	if v, ok := req["temperature"]; ok {
		genConfig["temperature"] = v
	}
	if v, ok := req["top_p"]; ok {
		genConfig["topP"] = v
	}
	if v, ok := req["stop_sequences"]; ok {
		genConfig["stopSequences"] = v
	}
	if len(genConfig) > 0 {
		out["generationConfig"] = genConfig
	}

	bodyOut, err := json.Marshal(out)
	if err != nil {
		return portal.TransformedRequest{}, wrapErr("gemini.request", err)
	}

	var path string
	if isStream {
		path = "/v1beta/models/" + model + ":streamGenerateContent?alt=sse"
	} else {
		path = "/v1beta/models/" + model + ":generateContent"
	}

	return portal.TransformedRequest{Path: path, Body: bodyOut}, nil
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

func geminiStopReason(finish string) string {
	switch finish {
	case "STOP":
		return "end_turn"
	case "MAX_TOKENS":
		return "max_tokens"
	default:
		return finish
	}
}

func (t *gemini) TransformResponse(body []byte, model string) ([]byte, error) {
	var resp geminiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, wrapErr("gemini.response", err)
	}

	var text, finish string
	if len(resp.Candidates) > 0 {
		if len(resp.Candidates[0].Content.Parts) > 0 {
			text = resp.Candidates[0].Content.Parts[0].Text
		}
		finish = resp.Candidates[0].FinishReason
	}
	if finish == "" {
		finish = "STOP"
	}

	out, err := json.Marshal(anthropicMessage(
		NewMessageID(), model, text, geminiStopReason(finish),
		resp.UsageMetadata.PromptTokenCount, resp.UsageMetadata.CandidatesTokenCount,
	))
	if err != nil {
		return nil, wrapErr("gemini.response", err)
	}
	return out, nil
}

func (t *gemini) StreamStartEvents(ctx *portal.StreamContext) []string {
	data, _ := json.Marshal(map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            ctx.MessageID,
			"type":          "message",
			"role":          "assistant",
			"content":       []any{},
			"model":         ctx.Model,
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage": map[string]any{
				"input_tokens":  0,
				"output_tokens": 0,
			},
		},
	})
	return []string{sseEvent("message_start", data)}
}

type geminiStreamChunk struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

func (t *gemini) TransformStreamChunk(payload string, ctx *portal.StreamContext) ([]string, error) {
	var chunk geminiStreamChunk
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		return nil, wrapErr("gemini.stream_chunk", err)
	}

	// Overwritten, not accumulated: the source resets these from whichever
	// chunk last carries usageMetadata.
	if chunk.UsageMetadata != nil {
		ctx.InputTokens = chunk.UsageMetadata.PromptTokenCount
		ctx.OutputTokens = chunk.UsageMetadata.CandidatesTokenCount
	}

	var events []string

	if !ctx.Started {
		ctx.Started = true
		data, _ := json.Marshal(map[string]any{
			"type":  "content_block_start",
			"index": ctx.BlockIndex,
			"content_block": map[string]any{
				"type": "text",
				"text": "",
			},
		})
		events = append(events, sseEvent("content_block_start", data))
	}

	var text, finishReason string
	if len(chunk.Candidates) > 0 {
		finishReason = chunk.Candidates[0].FinishReason
		if len(chunk.Candidates[0].Content.Parts) > 0 {
			text = chunk.Candidates[0].Content.Parts[0].Text
		}
	}

	if text != "" {
		data, _ := json.Marshal(map[string]any{
			"type":  "content_block_delta",
			"index": ctx.BlockIndex,
			"delta": map[string]any{
				"type": "text_delta",
				"text": text,
			},
		})
		events = append(events, sseEvent("content_block_delta", data))
	}

	if finishReason != "" {
		stopData, _ := json.Marshal(map[string]any{
			"type":  "content_block_stop",
			"index": ctx.BlockIndex,
		})
		events = append(events, sseEvent("content_block_stop", stopData))

		deltaData, _ := json.Marshal(map[string]any{
			"type": "message_delta",
			"delta": map[string]any{
				"stop_reason":   geminiStopReason(finishReason),
				"stop_sequence": nil,
			},
			"usage": map[string]any{
				"output_tokens": ctx.OutputTokens,
			},
		})
		events = append(events, sseEvent("message_delta", deltaData))
	}

	return events, nil
}

func (t *gemini) StreamEndEvents(ctx *portal.StreamContext) []string {
	data, _ := json.Marshal(map[string]any{"type": "message_stop"})
	return []string{sseEvent("message_stop", data)}
}
