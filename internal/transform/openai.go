package transform

import (
	"encoding/hex"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/eugener/portal/internal/portal"
)

// openAI converts between the Anthropic Messages format and OpenAI chat
// completions, both non-streaming and SSE.
type openAI struct{}

const openAIChatPath = "/v1/chat/completions"

func (t *openAI) TransformRequest(body []byte, modelMap string, isStream bool) (portal.TransformedRequest, error) {
	var req map[string]any
	if err := json.Unmarshal(body, &req); err != nil {
		return portal.TransformedRequest{}, wrapErr("openai.request", err)
	}

	if modelMap != "" {
		req["model"] = modelMap
	}

	if system, ok := req["system"]; ok {
		delete(req, "system")
		systemMsg := map[string]any{"role": "system", "content": system}
		messages, _ := req["messages"].([]any)
		req["messages"] = append([]any{systemMsg}, messages...)
	}

	if v, ok := req["max_tokens"]; ok {
		delete(req, "max_tokens")
		req["max_completion_tokens"] = v
	}
	if v, ok := req["stop_sequences"]; ok {
		delete(req, "stop_sequences")
		req["stop"] = v
	}
	delete(req, "top_k")
	delete(req, "metadata")
	delete(req, "anthropic_version")

	out, err := json.Marshal(req)
	if err != nil {
		return portal.TransformedRequest{}, wrapErr("openai.request", err)
	}
	return portal.TransformedRequest{Path: openAIChatPath, Body: out}, nil
}

type openAIChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func openAIStopReason(finish string) string {
	switch finish {
	case "stop":
		return "end_turn"
	case "length":
		return "max_tokens"
	default:
		return finish
	}
}

func NewMessageID() string {
	id := uuid.New()
	return "msg_" + hex.EncodeToString(id[:])
}

func anthropicMessage(id, model, text, stopReason string, inputTokens, outputTokens int) map[string]any {
	return map[string]any{
		"id":   id,
		"type": "message",
		"role": "assistant",
		"content": []any{
			map[string]any{"type": "text", "text": text},
		},
		"model":         model,
		"stop_reason":   stopReason,
		"stop_sequence": nil,
		"usage": map[string]any{
			"input_tokens":  inputTokens,
			"output_tokens": outputTokens,
		},
	}
}

func (t *openAI) TransformResponse(body []byte, model string) ([]byte, error) {
	var resp openAIChatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, wrapErr("openai.response", err)
	}

	var text, finish string
	if len(resp.Choices) > 0 {
		text = resp.Choices[0].Message.Content
		finish = resp.Choices[0].FinishReason
	}
	if finish == "" {
		finish = "stop"
	}

	out, err := json.Marshal(anthropicMessage(
		NewMessageID(), model, text, openAIStopReason(finish),
		resp.Usage.PromptTokens, resp.Usage.CompletionTokens,
	))
	if err != nil {
		return nil, wrapErr("openai.response", err)
	}
	return out, nil
}

func (t *openAI) StreamStartEvents(ctx *portal.StreamContext) []string {
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

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (t *openAI) TransformStreamChunk(payload string, ctx *portal.StreamContext) ([]string, error) {
	if payload == "[DONE]" {
		return nil, nil
	}

	var chunk openAIStreamChunk
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		return nil, wrapErr("openai.stream_chunk", err)
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

	var finishReason string
	if len(chunk.Choices) > 0 {
		finishReason = chunk.Choices[0].FinishReason
		if delta := chunk.Choices[0].Delta.Content; delta != "" {
			data, _ := json.Marshal(map[string]any{
				"type":  "content_block_delta",
				"index": ctx.BlockIndex,
				"delta": map[string]any{
					"type": "text_delta",
					"text": delta,
				},
			})
			events = append(events, sseEvent("content_block_delta", data))
			ctx.OutputTokens++
		}
	}

	if finishReason != "" {
		if chunk.Usage != nil {
			ctx.InputTokens = chunk.Usage.PromptTokens
			ctx.OutputTokens = chunk.Usage.CompletionTokens
		}

		stopData, _ := json.Marshal(map[string]any{
			"type":  "content_block_stop",
			"index": ctx.BlockIndex,
		})
		events = append(events, sseEvent("content_block_stop", stopData))

		deltaData, _ := json.Marshal(map[string]any{
			"type": "message_delta",
			"delta": map[string]any{
				"stop_reason":   openAIStopReason(finishReason),
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

func (t *openAI) StreamEndEvents(ctx *portal.StreamContext) []string {
	data, _ := json.Marshal(map[string]any{"type": "message_stop"})
	return []string{sseEvent("message_stop", data)}
}
