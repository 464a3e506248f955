package cohere

import (
	"context"
	"fmt"
	"io"

	"github.com/tidwall/gjson"

	gateway "github.com/eugener/gandalf/internal"
	"github.com/eugener/gandalf/internal/provider/sseutil"
)

// readStream reads Cohere's newline-delimited JSON event stream (no "data: "
// framing, unlike the other adapters) and emits OpenAI-format StreamChunks.
func readStream(ctx context.Context, body io.ReadCloser, ch chan<- gateway.StreamChunk, model string) {
	defer close(ch)
	defer body.Close()

	var id string
	scanner := sseutil.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		r := gjson.ParseBytes(line)

		switch r.Get("event_type").String() {
		case "stream-start":
			id = r.Get("generation_id").String()
			chunk := sseutil.BuildDeltaChunk(id, model, map[string]any{"role": "assistant"}, "")
			if !send(ctx, ch, gateway.StreamChunk{Data: chunk}) {
				return
			}

		case "text-generation":
			text := r.Get("text").String()
			chunk := sseutil.BuildDeltaChunk(id, model, map[string]any{"content": text}, "")
			if !send(ctx, ch, gateway.StreamChunk{Data: chunk}) {
				return
			}

		case "stream-end":
			finishReason := mapFinishReason(r.Get("finish_reason").String())
			finishChunk := sseutil.BuildFinishChunk(id, model, finishReason)
			if !send(ctx, ch, gateway.StreamChunk{Data: finishChunk}) {
				return
			}

			if u := r.Get("response.meta.billed_units"); u.Exists() {
				prompt := int(u.Get("input_tokens").Int())
				completion := int(u.Get("output_tokens").Int())
				usage := &gateway.Usage{
					PromptTokens:     prompt,
					CompletionTokens: completion,
					TotalTokens:      prompt + completion,
				}
				usageChunk := sseutil.BuildUsageChunk(id, model, usage)
				if !send(ctx, ch, gateway.StreamChunk{Data: usageChunk, Usage: usage}) {
					return
				}
			}
			ch <- gateway.StreamChunk{Done: true}
			return
		}
	}
	if err := scanner.Err(); err != nil {
		ch <- gateway.StreamChunk{Err: fmt.Errorf("cohere: read stream: %w", err)}
	}
}

func send(ctx context.Context, ch chan<- gateway.StreamChunk, chunk gateway.StreamChunk) bool {
	select {
	case ch <- chunk:
		return true
	case <-ctx.Done():
		ch <- gateway.StreamChunk{Err: ctx.Err()}
		return false
	}
}
