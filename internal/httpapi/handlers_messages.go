package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/modelrelay/modelrelay/internal/apperr"
	"github.com/modelrelay/modelrelay/internal/pipeline"
	"github.com/modelrelay/modelrelay/internal/schema"
)

// maxBodyBytes bounds the request body (32 MB: large tool results are
// legitimate, arbitrary uploads are not).
const maxBodyBytes = 32 << 20

// MessagesHandler serves POST /v1/messages: decode the client request, hand
// it to the proxy service, and deliver the reply either whole or as an SSE
// stream. The binding is released via finish once delivery completes.
func MessagesHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

		var req schema.ClientRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeAppError(w, apperr.Wrap(apperr.KindBadRequest, "malformed request body", err))
			return
		}
		req.RequestID = middleware.GetReqID(r.Context())

		ex, finish, err := d.Service.Handle(r.Context(), &req)
		if err != nil {
			writeAppError(w, err)
			return
		}

		if !req.Stream {
			finish(nil)
			if d.Metrics != nil && ex.Reply != nil {
				d.Metrics.TokensTotal.WithLabelValues(ex.BindingID, ex.Model, "input").
					Add(float64(ex.Reply.Usage.InputTokens))
				d.Metrics.TokensTotal.WithLabelValues(ex.BindingID, ex.Model, "output").
					Add(float64(ex.Reply.Usage.OutputTokens))
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(ex.Reply)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			finish(deliveryError(errors.New("streaming unsupported by writer")))
			writeAppError(w, apperr.New(apperr.KindBadRequest, "streaming unsupported"))
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		if ex.Frames != nil {
			finish(deliveryError(streamFrames(w, flusher, ex.Frames)))
			return
		}
		// Buffered upstreams (Gemini, CodeWhisperer) produce a complete reply;
		// the client still asked for a stream, so synthesize one.
		finish(deliveryError(synthesizeStream(w, flusher, ex.Reply)))
	}
}

// deliveryError classifies a failure to write the reply back to the client.
// The upstream already did its work, so a client that went away mid-stream
// must release the binding neutrally, never feed its breaker or counters.
func deliveryError(err error) error {
	if err == nil {
		return nil
	}
	return apperr.Wrap(apperr.KindCancelled, "client disconnected during delivery", err)
}

// streamFrames forwards pipeline frames to the client until the channel
// closes. A write failure stops delivery; the remaining frames are drained so
// the producer goroutine can exit.
func streamFrames(w http.ResponseWriter, flusher http.Flusher, frames <-chan pipeline.Frame) error {
	var werr error
	for f := range frames {
		if werr != nil {
			continue
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", f.Event, f.Data); err != nil {
			werr = err
			continue
		}
		flusher.Flush()
	}
	return werr
}

// synthesizeStream renders a complete reply as the standard Messages event
// sequence: message_start, per-block start/delta/stop, message_delta,
// message_stop.
func synthesizeStream(w http.ResponseWriter, flusher http.Flusher, reply *schema.ClientResponse) error {
	emit := func(event string, payload any) error {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := emit("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":      reply.ID,
			"type":    "message",
			"role":    reply.Role,
			"model":   reply.Model,
			"content": []any{},
			"usage":   map[string]int{"input_tokens": reply.Usage.InputTokens, "output_tokens": 0},
		},
	}); err != nil {
		return err
	}

	for i, block := range reply.Content {
		switch block.Type {
		case schema.BlockText, schema.BlockThinking:
			if err := emit("content_block_start", map[string]any{
				"type":          "content_block_start",
				"index":         i,
				"content_block": map[string]any{"type": block.Type, "text": ""},
			}); err != nil {
				return err
			}
			if block.Text != "" {
				if err := emit("content_block_delta", map[string]any{
					"type":  "content_block_delta",
					"index": i,
					"delta": map[string]any{"type": "text_delta", "text": block.Text},
				}); err != nil {
					return err
				}
			}
		case schema.BlockToolUse:
			if err := emit("content_block_start", map[string]any{
				"type":  "content_block_start",
				"index": i,
				"content_block": map[string]any{
					"type": "tool_use", "id": block.ID, "name": block.Name,
					"input": map[string]any{},
				},
			}); err != nil {
				return err
			}
			input := block.Input
			if len(input) == 0 {
				input = json.RawMessage("{}")
			}
			if err := emit("content_block_delta", map[string]any{
				"type":  "content_block_delta",
				"index": i,
				"delta": map[string]any{"type": "input_json_delta", "partial_json": string(input)},
			}); err != nil {
				return err
			}
		}
		if err := emit("content_block_stop", map[string]any{
			"type": "content_block_stop", "index": i,
		}); err != nil {
			return err
		}
	}

	if err := emit("message_delta", map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": reply.StopReason, "stop_sequence": nil},
		"usage": map[string]int{"output_tokens": reply.Usage.OutputTokens},
	}); err != nil {
		return err
	}
	return emit("message_stop", map[string]any{"type": "message_stop"})
}

// anthropicErrorType maps the internal kind to the client-visible error type.
func anthropicErrorType(kind apperr.Kind) string {
	switch kind {
	case apperr.KindBadRequest:
		return "invalid_request_error"
	case apperr.KindRateLimit:
		return "rate_limit_error"
	case apperr.KindNoEligibleBinding, apperr.KindNetworkError:
		return "overloaded_error"
	default:
		return "api_error"
	}
}

// writeAppError renders the Messages-API error envelope with the status the
// error kind dictates.
func writeAppError(w http.ResponseWriter, err error) {
	var e *apperr.Error
	if !errors.As(err, &e) {
		e = apperr.Wrap(apperr.KindUpstreamError, "internal error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	if e.Kind == apperr.KindRateLimit && e.RetryAfterSecs > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(e.RetryAfterSecs))
	}
	w.WriteHeader(e.HTTPStatus())
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type": "error",
		"error": map[string]string{
			"type":    anthropicErrorType(e.Kind),
			"message": e.Message,
		},
	})
}
