package cohere

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	gateway "github.com/eugener/gandalf/internal"
)

// cohereRequest is the Cohere v1 /chat request body.
type cohereRequest struct {
	Model       string        `json:"model"`
	Message     string        `json:"message"`
	ChatHistory []cohereTurn  `json:"chat_history,omitempty"`
	Preamble    string        `json:"preamble,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	P           *float64      `json:"p,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	StopSeqs    []string      `json:"stop_sequences,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type cohereTurn struct {
	Role    string `json:"role"` // "USER", "CHATBOT", "SYSTEM"
	Message string `json:"message"`
}

// translateRequest converts an OpenAI-format ChatRequest to a Cohere v1 /chat
// request. The final user message becomes Message; everything before it
// becomes ChatHistory; any system messages are folded into Preamble.
func translateRequest(req *gateway.ChatRequest, stream bool) *cohereRequest {
	out := &cohereRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		P:           req.TopP,
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
	}
	out.StopSeqs = stopSequences(req.Stop)

	var preamble string
	var lastUserIdx = -1
	for i, m := range req.Messages {
		if m.Role == "user" {
			lastUserIdx = i
		}
	}

	for i, m := range req.Messages {
		text := contentText(m.Content)
		switch m.Role {
		case "system":
			if preamble != "" {
				preamble += "\n"
			}
			preamble += text
		case "user":
			if i == lastUserIdx {
				out.Message = text
			} else {
				out.ChatHistory = append(out.ChatHistory, cohereTurn{Role: "USER", Message: text})
			}
		case "assistant":
			out.ChatHistory = append(out.ChatHistory, cohereTurn{Role: "CHATBOT", Message: text})
		}
	}
	out.Preamble = preamble
	return out
}

// contentText extracts plain text from a chat message's JSON content, which
// may be either a bare string or an array of OpenAI-style content parts.
func contentText(content json.RawMessage) string {
	var s string
	if json.Unmarshal(content, &s) == nil {
		return s
	}
	var text string
	gjson.ParseBytes(content).ForEach(func(_, part gjson.Result) bool {
		if part.Get("type").String() == "text" {
			text += part.Get("text").String()
		}
		return true
	})
	return text
}

// stopSequences decodes the OpenAI "stop" field, which may be a single
// string or an array of strings, into a string slice.
func stopSequences(stop json.RawMessage) []string {
	if len(stop) == 0 {
		return nil
	}
	var single string
	if json.Unmarshal(stop, &single) == nil {
		if single == "" {
			return nil
		}
		return []string{single}
	}
	var many []string
	if json.Unmarshal(stop, &many) == nil {
		return many
	}
	return nil
}

// translateResponse converts a Cohere v1 /chat JSON response to an
// OpenAI-format ChatResponse.
func translateResponse(data []byte, model string) (*gateway.ChatResponse, error) {
	r := gjson.ParseBytes(data)

	text := r.Get("text").String()
	finishReason := mapFinishReason(r.Get("finish_reason").String())

	content, err := json.Marshal(text)
	if err != nil {
		return nil, fmt.Errorf("cohere: marshal content: %w", err)
	}

	msg := gateway.Message{Role: "assistant", Content: content}

	var usage *gateway.Usage
	if u := r.Get("meta.billed_units"); u.Exists() {
		prompt := int(u.Get("input_tokens").Int())
		completion := int(u.Get("output_tokens").Int())
		usage = &gateway.Usage{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      prompt + completion,
		}
	}

	return &gateway.ChatResponse{
		ID:      r.Get("generation_id").String(),
		Object:  "chat.completion",
		Model:   model,
		Choices: []gateway.Choice{{Index: 0, Message: msg, FinishReason: finishReason}},
		Usage:   usage,
	}, nil
}

// mapFinishReason converts a Cohere finish_reason to an OpenAI finish_reason.
func mapFinishReason(reason string) string {
	switch reason {
	case "COMPLETE":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "ERROR", "ERROR_TOXIC":
		return "content_filter"
	default:
		return "stop"
	}
}
