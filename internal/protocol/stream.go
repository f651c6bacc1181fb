package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/modelrelay/modelrelay/internal/pipeline"
	"github.com/modelrelay/modelrelay/internal/schema"
)

// streamedCall assembles one tool call across chat-completions deltas.
type streamedCall struct {
	id   string
	name string
	args bytes.Buffer
}

// convertOpenAIStream reads chat-completions frames and emits client-surface
// SSE frames. Text deltas pass through byte-for-byte; the incremental detector
// watches them and, on the final frame, any detected text-embedded calls are
// appended as structured tool_use blocks and the stop reason is corrected.
func (s *Stage) convertOpenAIStream(ctx context.Context, ex *pipeline.Exchange, resp *pipeline.UpstreamResponse, out chan<- pipeline.Frame) {
	defer close(out)
	defer resp.Stream.Close()

	emit := func(event string, payload any) bool {
		data, err := json.Marshal(payload)
		if err != nil {
			return false
		}
		select {
		case out <- pipeline.Frame{Event: event, Data: data}:
			return true
		case <-ctx.Done():
			return false
		}
	}

	msgID := schema.NewMessageID()
	emit("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":    msgID,
			"type":  "message",
			"role":  schema.RoleAssistant,
			"model": ex.Client.Model,
			"content": []any{},
			"usage": map[string]int{"input_tokens": 0, "output_tokens": 0},
		},
	})

	detector := s.pre.Stream()
	reader := newSSEReader(resp.Stream)

	textOpen := false
	nextIndex := 0
	textIndex := -1
	var calls []*streamedCall
	callIndex := make(map[int]*streamedCall)
	finish := ""
	var usage *schema.OpenAIUsage

	for {
		ev, err := reader.Next()
		if err != nil {
			break
		}
		if bytes.Equal(bytes.TrimSpace(ev.Data), []byte("[DONE]")) {
			break
		}
		var chunk schema.OpenAIChunk
		if err := json.Unmarshal(ev.Data, &chunk); err != nil {
			continue
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != nil {
			finish = *choice.FinishReason
		}

		if choice.Delta.Content != "" {
			if !textOpen {
				textIndex = nextIndex
				nextIndex++
				textOpen = true
				emit("content_block_start", map[string]any{
					"type":          "content_block_start",
					"index":         textIndex,
					"content_block": map[string]any{"type": "text", "text": ""},
				})
			}
			detector.Feed(choice.Delta.Content)
			if !emit("content_block_delta", map[string]any{
				"type":  "content_block_delta",
				"index": textIndex,
				"delta": map[string]any{"type": "text_delta", "text": choice.Delta.Content},
			}) {
				return
			}
		}

		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			call, ok := callIndex[idx]
			if !ok {
				call = &streamedCall{}
				callIndex[idx] = call
				calls = append(calls, call)
			}
			if tc.ID != "" {
				call.id = tc.ID
			}
			if tc.Function.Name != "" {
				call.name = tc.Function.Name
			}
			call.args.WriteString(tc.Function.Arguments)
		}
	}

	if textOpen {
		emit("content_block_stop", map[string]any{"type": "content_block_stop", "index": textIndex})
	}

	// Structured calls assembled from deltas.
	for _, call := range calls {
		id := call.id
		if id == "" {
			id = schema.NewToolUseID(time.Now())
		}
		emitToolUseBlock(emit, &nextIndex, id, call.name, call.args.String())
	}

	// Detected text-embedded calls: the literal already streamed as text, so
	// the repair is additive — structured blocks plus the corrected stop.
	if len(calls) == 0 {
		for _, sp := range detector.Calls() {
			emitToolUseBlock(emit, &nextIndex, schema.NewToolUseID(time.Now()), sp.Name, string(sp.Args))
		}
	}

	stop := schema.StopEndTurn
	switch {
	case len(calls) > 0 || detector.Detected():
		stop = schema.StopToolUse
	case finish == schema.OpenAIFinishLength:
		stop = schema.StopMaxTokens
	case finish == schema.OpenAIFinishToolCalls:
		stop = schema.StopToolUse
	}

	deltaPayload := map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": stop, "stop_sequence": nil},
	}
	if usage != nil {
		deltaPayload["usage"] = map[string]int{"output_tokens": usage.CompletionTokens}
	}
	emit("message_delta", deltaPayload)
	emit("message_stop", map[string]any{"type": "message_stop"})
}

func emitToolUseBlock(emit func(string, any) bool, nextIndex *int, id, name, args string) {
	idx := *nextIndex
	*nextIndex++
	emit("content_block_start", map[string]any{
		"type":  "content_block_start",
		"index": idx,
		"content_block": map[string]any{
			"type":  "tool_use",
			"id":    id,
			"name":  name,
			"input": map[string]any{},
		},
	})
	if args == "" {
		args = "{}"
	}
	emit("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": idx,
		"delta": map[string]any{"type": "input_json_delta", "partial_json": args},
	})
	emit("content_block_stop", map[string]any{"type": "content_block_stop", "index": idx})
}
