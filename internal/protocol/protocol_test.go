package protocol

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/modelrelay/modelrelay/internal/apperr"
	"github.com/modelrelay/modelrelay/internal/pipeline"
	"github.com/modelrelay/modelrelay/internal/schema"
)

func newStage(t *testing.T, providerType, endpoint string) *Stage {
	t.Helper()
	s, err := New(providerType, endpoint, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func exchangeWithPayload(model string, stream bool, payload any) *pipeline.Exchange {
	return &pipeline.Exchange{
		BindingID: "b1",
		Model:     model,
		Stream:    stream,
		Client:    &schema.ClientRequest{Model: "claude-sonnet", Stream: stream},
		Upstream:  &pipeline.UpstreamRequest{Method: http.MethodPost, Header: make(http.Header), Payload: payload},
	}
}

func TestRequestURL(t *testing.T) {
	tests := []struct {
		name         string
		providerType string
		endpoint     string
		stream       bool
		want         string
	}{
		{
			name:         "openai appends chat completions",
			providerType: "openai",
			endpoint:     "https://api.openai.com/v1",
			want:         "https://api.openai.com/v1/chat/completions",
		},
		{
			name:         "openai-compatible full path passes through",
			providerType: "openai-compatible",
			endpoint:     "http://localhost:8000/v1/chat/completions",
			want:         "http://localhost:8000/v1/chat/completions",
		},
		{
			name:         "gemini non-streaming",
			providerType: "gemini",
			endpoint:     "https://generativelanguage.googleapis.com",
			want:         "https://generativelanguage.googleapis.com/v1beta/models/gemini-2.0-flash:generateContent",
		},
		{
			name:         "gemini streaming uses sse verb",
			providerType: "gemini",
			endpoint:     "https://generativelanguage.googleapis.com",
			stream:       true,
			want:         "https://generativelanguage.googleapis.com/v1beta/models/gemini-2.0-flash:streamGenerateContent?alt=sse",
		},
		{
			name:         "codewhisperer appends verb",
			providerType: "codewhisperer",
			endpoint:     "https://codewhisperer.us-east-1.amazonaws.com",
			want:         "https://codewhisperer.us-east-1.amazonaws.com/generateAssistantResponse",
		},
		{
			name:         "trailing slash trimmed",
			providerType: "openai",
			endpoint:     "https://api.openai.com/v1/",
			want:         "https://api.openai.com/v1/chat/completions",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStage(t, tt.providerType, tt.endpoint)
			ex := exchangeWithPayload("gemini-2.0-flash", tt.stream, &schema.OpenAIRequest{Model: "m"})
			if err := s.ProcessRequest(context.Background(), ex); err != nil {
				t.Fatalf("ProcessRequest: %v", err)
			}
			if ex.Upstream.URL != tt.want {
				t.Errorf("url = %q, want %q", ex.Upstream.URL, tt.want)
			}
		})
	}
}

func TestProcessRequestRendersBody(t *testing.T) {
	s := newStage(t, "openai", "https://api.openai.com/v1")
	payload := &schema.OpenAIRequest{Model: "gpt-4o", Messages: []schema.OpenAIMessage{{Role: "user", Content: "hi"}}}
	ex := exchangeWithPayload("gpt-4o", false, payload)

	if err := s.ProcessRequest(context.Background(), ex); err != nil {
		t.Fatalf("ProcessRequest: %v", err)
	}
	if ex.Upstream.Header.Get("Content-Type") != "application/json" {
		t.Errorf("content type = %q", ex.Upstream.Header.Get("Content-Type"))
	}
	var decoded schema.OpenAIRequest
	if err := json.Unmarshal(ex.Upstream.Body, &decoded); err != nil {
		t.Fatalf("body not valid JSON: %v", err)
	}
	if decoded.Model != "gpt-4o" {
		t.Errorf("body model = %q", decoded.Model)
	}
	if ex.StreamUpstream {
		t.Error("non-streaming request must not mark StreamUpstream")
	}
}

func TestProcessRequestStreamingFlags(t *testing.T) {
	openai := newStage(t, "openai", "https://api.openai.com/v1")
	ex := exchangeWithPayload("gpt-4o", true, &schema.OpenAIRequest{Model: "gpt-4o"})
	if err := openai.ProcessRequest(context.Background(), ex); err != nil {
		t.Fatal(err)
	}
	if !ex.StreamUpstream {
		t.Error("openai dialect streams incrementally")
	}
	if ex.Upstream.Header.Get("Accept") != "text/event-stream" {
		t.Errorf("accept = %q", ex.Upstream.Header.Get("Accept"))
	}

	// Gemini is buffered whole even for client streaming.
	gemini := newStage(t, "gemini", "https://generativelanguage.googleapis.com")
	ex2 := exchangeWithPayload("gemini-2.0-flash", true, &schema.GeminiRequest{})
	if err := gemini.ProcessRequest(context.Background(), ex2); err != nil {
		t.Fatal(err)
	}
	if ex2.StreamUpstream {
		t.Error("gemini replies are buffered and re-streamed at the boundary")
	}
}

func TestProcessResponseStatusMapping(t *testing.T) {
	tests := []struct {
		status int
		kind   apperr.Kind
	}{
		{401, apperr.KindAuthError},
		{429, apperr.KindRateLimit},
		{500, apperr.KindUpstreamError},
	}
	for _, tt := range tests {
		s := newStage(t, "openai", "https://api.openai.com/v1")
		ex := exchangeWithPayload("gpt-4o", false, nil)
		ex.Response = &pipeline.UpstreamResponse{
			Status: tt.status,
			Header: http.Header{},
			Body:   []byte(`{"error":{"message":"nope"}}`),
		}
		err := s.ProcessResponse(context.Background(), ex)
		if apperr.KindOf(err) != tt.kind {
			t.Errorf("status %d: kind = %s, want %s", tt.status, apperr.KindOf(err), tt.kind)
		}
	}
}

func TestProcessResponseRetryAfter(t *testing.T) {
	s := newStage(t, "openai", "https://api.openai.com/v1")
	ex := exchangeWithPayload("gpt-4o", false, nil)
	h := http.Header{}
	h.Set("Retry-After", "17")
	ex.Response = &pipeline.UpstreamResponse{Status: 429, Header: h, Body: []byte("slow down")}

	err := s.ProcessResponse(context.Background(), ex)
	var ae *apperr.Error
	if !asAppErr(err, &ae) {
		t.Fatalf("err = %v", err)
	}
	if ae.RetryAfterSecs != 17 {
		t.Errorf("retry after = %d, want 17", ae.RetryAfterSecs)
	}
}

func asAppErr(err error, target **apperr.Error) bool {
	if e, ok := err.(*apperr.Error); ok {
		*target = e
		return true
	}
	return false
}

func TestProcessResponseDecodesOpenAI(t *testing.T) {
	s := newStage(t, "openai", "https://api.openai.com/v1")
	ex := exchangeWithPayload("gpt-4o", false, nil)
	ex.Response = &pipeline.UpstreamResponse{
		Status: 200,
		Header: http.Header{},
		Body:   []byte(`{"id":"chatcmpl-1","choices":[{"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}]}`),
	}
	if err := s.ProcessResponse(context.Background(), ex); err != nil {
		t.Fatalf("ProcessResponse: %v", err)
	}
	parsed, ok := ex.Response.Parsed.(*schema.OpenAIResponse)
	if !ok {
		t.Fatalf("parsed type %T", ex.Response.Parsed)
	}
	if parsed.Choices[0].Message.Content != "hi" {
		t.Errorf("parsed = %+v", parsed)
	}
}

func TestProcessResponseRunsPreprocessor(t *testing.T) {
	s := newStage(t, "openai", "https://api.openai.com/v1")
	ex := exchangeWithPayload("gpt-4o", false, nil)
	body := `{"id":"chatcmpl-1","choices":[{"message":{"role":"assistant","content":"Tool call: get_weather({\"city\":\"SF\"})"},"finish_reason":"stop"}]}`
	ex.Response = &pipeline.UpstreamResponse{Status: 200, Header: http.Header{}, Body: []byte(body)}

	if err := s.ProcessResponse(context.Background(), ex); err != nil {
		t.Fatalf("ProcessResponse: %v", err)
	}
	parsed := ex.Response.Parsed.(*schema.OpenAIResponse)
	if len(parsed.Choices[0].Message.ToolCalls) != 1 {
		t.Fatalf("preprocessor did not reshape: %+v", parsed.Choices[0])
	}
	if *parsed.Choices[0].FinishReason != schema.OpenAIFinishToolCalls {
		t.Errorf("finish = %q", *parsed.Choices[0].FinishReason)
	}
}

func TestProcessResponseDecodesCWEnvelope(t *testing.T) {
	s := newStage(t, "codewhisperer", "https://cw.example.com")
	ex := exchangeWithPayload("cw-model", false, nil)
	ex.Response = &pipeline.UpstreamResponse{
		Status: 200,
		Header: http.Header{},
		Body:   []byte(`{"assistantResponseMessage":{"content":"Hello.","toolUses":[{"toolUseId":"tu1","name":"f","input":{}}]}}`),
	}
	if err := s.ProcessResponse(context.Background(), ex); err != nil {
		t.Fatalf("ProcessResponse: %v", err)
	}
	parsed := ex.Response.Parsed.(*schema.CWResponse)
	if parsed.Content != "Hello." || len(parsed.ToolUses) != 1 {
		t.Errorf("parsed = %+v", parsed)
	}
	if parsed.StopReason != "TOOL_USE" {
		t.Errorf("stopReason = %q", parsed.StopReason)
	}
}

func TestSSEReader(t *testing.T) {
	input := strings.Join([]string{
		": comment",
		"event: message",
		"data: {\"a\":1}",
		"",
		"data: part1",
		"data: part2",
		"",
		"data: [DONE]",
		"",
	}, "\n")
	r := newSSEReader(strings.NewReader(input))

	ev, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if ev.Event != "message" || string(ev.Data) != `{"a":1}` {
		t.Errorf("ev = %+v", ev)
	}

	ev, err = r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if string(ev.Data) != "part1\npart2" {
		t.Errorf("multi-line data = %q", ev.Data)
	}

	ev, err = r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if string(ev.Data) != "[DONE]" {
		t.Errorf("ev = %+v", ev)
	}

	if _, err = r.Next(); err != io.EOF {
		t.Errorf("err = %v, want EOF", err)
	}
}

// chunkBody builds a chat-completions SSE body from data payloads.
func chunkBody(payloads ...string) io.ReadCloser {
	var b strings.Builder
	for _, p := range payloads {
		b.WriteString("data: ")
		b.WriteString(p)
		b.WriteString("\n\n")
	}
	b.WriteString("data: [DONE]\n\n")
	return io.NopCloser(strings.NewReader(b.String()))
}

func collectFrames(t *testing.T, s *Stage, body io.ReadCloser) []pipeline.Frame {
	t.Helper()
	ex := exchangeWithPayload("gpt-4o", true, nil)
	ex.Response = &pipeline.UpstreamResponse{Status: 200, Header: http.Header{}, Stream: body}
	if err := s.ProcessResponse(context.Background(), ex); err != nil {
		t.Fatalf("ProcessResponse: %v", err)
	}
	var frames []pipeline.Frame
	for f := range ex.Frames {
		frames = append(frames, f)
	}
	return frames
}

func frameTypes(frames []pipeline.Frame) []string {
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = f.Event
	}
	return out
}

func TestConvertStreamTextOnly(t *testing.T) {
	s := newStage(t, "openai", "https://api.openai.com/v1")
	frames := collectFrames(t, s, chunkBody(
		`{"id":"c1","choices":[{"delta":{"role":"assistant","content":"Hel"}}]}`,
		`{"id":"c1","choices":[{"delta":{"content":"lo."}}]}`,
		`{"id":"c1","choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":2}}`,
	))

	want := []string{"message_start", "content_block_start", "content_block_delta", "content_block_delta",
		"content_block_stop", "message_delta", "message_stop"}
	got := frameTypes(frames)
	if len(got) != len(want) {
		t.Fatalf("frames = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("frames = %v, want %v", got, want)
		}
	}

	var delta struct {
		Delta struct {
			StopReason string `json:"stop_reason"`
		} `json:"delta"`
		Usage map[string]int `json:"usage"`
	}
	if err := json.Unmarshal(frames[len(frames)-2].Data, &delta); err != nil {
		t.Fatalf("decode message_delta: %v", err)
	}
	if delta.Delta.StopReason != schema.StopEndTurn {
		t.Errorf("stop = %q", delta.Delta.StopReason)
	}
	if delta.Usage["output_tokens"] != 2 {
		t.Errorf("usage = %v", delta.Usage)
	}
}

func TestConvertStreamStructuredToolCalls(t *testing.T) {
	s := newStage(t, "openai", "https://api.openai.com/v1")
	frames := collectFrames(t, s, chunkBody(
		`{"id":"c1","choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"get_weather","arguments":""}}]}}]}`,
		`{"id":"c1","choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"city\":"}}]}}]}`,
		`{"id":"c1","choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"SF\"}"}}]},"finish_reason":"tool_calls"}]}`,
	))

	var sawToolUse bool
	var partial strings.Builder
	for _, f := range frames {
		switch f.Event {
		case "content_block_start":
			var blk struct {
				ContentBlock struct {
					Type string `json:"type"`
					ID   string `json:"id"`
					Name string `json:"name"`
				} `json:"content_block"`
			}
			if err := json.Unmarshal(f.Data, &blk); err != nil {
				t.Fatal(err)
			}
			if blk.ContentBlock.Type == "tool_use" {
				sawToolUse = true
				if blk.ContentBlock.ID != "call_1" || blk.ContentBlock.Name != "get_weather" {
					t.Errorf("block = %+v", blk.ContentBlock)
				}
			}
		case "content_block_delta":
			var d struct {
				Delta struct {
					Type        string `json:"type"`
					PartialJSON string `json:"partial_json"`
				} `json:"delta"`
			}
			if err := json.Unmarshal(f.Data, &d); err != nil {
				t.Fatal(err)
			}
			if d.Delta.Type == "input_json_delta" {
				partial.WriteString(d.Delta.PartialJSON)
			}
		}
	}
	if !sawToolUse {
		t.Fatal("no tool_use block emitted")
	}
	if partial.String() != `{"city":"SF"}` {
		t.Errorf("assembled args = %q", partial.String())
	}

	var delta struct {
		Delta struct {
			StopReason string `json:"stop_reason"`
		} `json:"delta"`
	}
	if err := json.Unmarshal(frames[len(frames)-2].Data, &delta); err != nil {
		t.Fatal(err)
	}
	if delta.Delta.StopReason != schema.StopToolUse {
		t.Errorf("stop = %q", delta.Delta.StopReason)
	}
}

func TestConvertStreamDetectsTextEmbeddedCall(t *testing.T) {
	s := newStage(t, "openai", "https://api.openai.com/v1")
	frames := collectFrames(t, s, chunkBody(
		`{"id":"c1","choices":[{"delta":{"content":"Tool call: get_wea"}}]}`,
		`{"id":"c1","choices":[{"delta":{"content":"ther({\"city\":\"SF\"})"}}]}`,
		`{"id":"c1","choices":[{"delta":{},"finish_reason":"stop"}]}`,
	))

	var toolBlocks int
	for _, f := range frames {
		if f.Event != "content_block_start" {
			continue
		}
		var blk struct {
			ContentBlock struct {
				Type string `json:"type"`
			} `json:"content_block"`
		}
		if err := json.Unmarshal(f.Data, &blk); err != nil {
			t.Fatal(err)
		}
		if blk.ContentBlock.Type == "tool_use" {
			toolBlocks++
		}
	}
	if toolBlocks != 1 {
		t.Fatalf("tool_use blocks = %d, want 1", toolBlocks)
	}

	var delta struct {
		Delta struct {
			StopReason string `json:"stop_reason"`
		} `json:"delta"`
	}
	if err := json.Unmarshal(frames[len(frames)-2].Data, &delta); err != nil {
		t.Fatal(err)
	}
	if delta.Delta.StopReason != schema.StopToolUse {
		t.Errorf("stop = %q, want tool_use after detection", delta.Delta.StopReason)
	}
}
