package preprocess

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/modelrelay/modelrelay/internal/apperr"
	"github.com/modelrelay/modelrelay/internal/schema"
)

func fixedNow() time.Time { return time.UnixMilli(1700000000000) }

func newTestPreprocessor(opts ...Option) *Preprocessor {
	opts = append([]Option{WithNowFunc(fixedNow)}, opts...)
	return New(opts...)
}

func openAIReply(content string, finish *string) *schema.OpenAIResponse {
	return &schema.OpenAIResponse{
		ID: "chatcmpl-1",
		Choices: []schema.OpenAIChoice{{
			Message:      schema.OpenAIMessage{Role: "assistant", Content: content},
			FinishReason: finish,
		}},
	}
}

func finish(s string) *string { return &s }

func TestDetectToolCallFraming(t *testing.T) {
	d := NewDetector(nil)
	spans := d.Detect(`Let me check. Tool call: get_weather({"city":"SF"}) Done.`)
	if len(spans) != 1 {
		t.Fatalf("spans = %+v", spans)
	}
	if spans[0].Name != "get_weather" || string(spans[0].Args) != `{"city":"SF"}` {
		t.Errorf("span = %+v", spans[0])
	}
}

func TestDetectMultipleCalls(t *testing.T) {
	d := NewDetector(nil)
	text := `Tool call: first({"a":1}) and then Tool call: second({"b":2})`
	spans := d.Detect(text)
	if len(spans) != 2 {
		t.Fatalf("spans = %+v", spans)
	}
	if spans[0].Name != "first" || spans[1].Name != "second" {
		t.Errorf("spans = %+v", spans)
	}
	if spans[0].Start >= spans[1].Start {
		t.Error("spans must be ordered")
	}
}

func TestDetectSerializedJSONShapes(t *testing.T) {
	d := NewDetector(nil)
	tests := []struct {
		name string
		text string
		want string
		args string
	}{
		{
			name: "client tool_use shape",
			text: `Answer: {"type":"tool_use","name":"get_weather","input":{"city":"SF"}}`,
			want: "get_weather",
			args: `{"city":"SF"}`,
		},
		{
			name: "gemini functionCall shape",
			text: `{"functionCall":{"name":"lookup","args":{"q":"go"}}}`,
			want: "lookup",
			args: `{"q":"go"}`,
		},
		{
			name: "double-encoded arguments",
			text: `{"type":"tool_use","name":"calc","arguments":"{\"x\":2}"}`,
			want: "calc",
			args: `{"x":2}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spans := d.Detect(tt.text)
			if len(spans) != 1 {
				t.Fatalf("spans = %+v", spans)
			}
			if spans[0].Name != tt.want {
				t.Errorf("name = %q, want %q", spans[0].Name, tt.want)
			}
			if string(spans[0].Args) != tt.args {
				t.Errorf("args = %s, want %s", spans[0].Args, tt.args)
			}
		})
	}
}

func TestDetectSuppression(t *testing.T) {
	d := NewDetector(nil)
	tests := []struct {
		name string
		text string
	}{
		{"builtin callable", `Tool call: console({"log":"hi"})`},
		{"quoted literal", `The string "Tool call: get_weather({"city":"SF"})" is an example.`},
		{"malformed json", `Tool call: get_weather({"city":)`},
		{"no arguments object", `Tool call: get_weather(city)`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if spans := d.Detect(tt.text); len(spans) != 0 {
				t.Errorf("spans = %+v, want none", spans)
			}
		})
	}
}

func TestDetectProviderMarkers(t *testing.T) {
	d := NewDetector([]string{"<tool_call>"})
	spans := d.Detect(`Sure. <tool_call>{"name":"get_weather","arguments":{"city":"SF"}}`)
	if len(spans) != 1 || spans[0].Name != "get_weather" {
		t.Fatalf("spans = %+v", spans)
	}
}

func TestDetectCallLargerThanWindow(t *testing.T) {
	d := NewDetector(nil)
	// An args object longer than the 300-byte window; the window only locates
	// the start.
	big := `{"data":"` + strings.Repeat("x", 600) + `"}`
	spans := d.Detect(`Tool call: upload(` + big + `)`)
	if len(spans) != 1 {
		t.Fatalf("spans = %+v", spans)
	}
	if string(spans[0].Args) != big {
		t.Errorf("args truncated: %d bytes, want %d", len(spans[0].Args), len(big))
	}
}

func TestProcessOpenAIReshapesTextCalls(t *testing.T) {
	p := newTestPreprocessor()
	resp := openAIReply(`Let me look. Tool call: get_weather({"city":"SF"})`, finish(schema.OpenAIFinishStop))

	if err := p.ProcessOpenAI(resp); err != nil {
		t.Fatalf("ProcessOpenAI: %v", err)
	}
	choice := resp.Choices[0]
	if len(choice.Message.ToolCalls) != 1 {
		t.Fatalf("tool calls = %+v", choice.Message.ToolCalls)
	}
	tc := choice.Message.ToolCalls[0]
	if tc.Function.Name != "get_weather" || tc.Function.Arguments != `{"city":"SF"}` {
		t.Errorf("call = %+v", tc)
	}
	if !strings.HasPrefix(tc.ID, "toolu_") {
		t.Errorf("minted id = %q", tc.ID)
	}
	if choice.Message.Content != "Let me look." {
		t.Errorf("residual content = %q", choice.Message.Content)
	}
	if choice.FinishReason == nil || *choice.FinishReason != schema.OpenAIFinishToolCalls {
		t.Errorf("finish = %v, want tool_calls", choice.FinishReason)
	}
}

func TestProcessOpenAIStructuralCallsNotDuplicated(t *testing.T) {
	p := newTestPreprocessor()
	resp := openAIReply(`Tool call: get_weather({"city":"SF"})`, finish(schema.OpenAIFinishStop))
	resp.Choices[0].Message.ToolCalls = []schema.OpenAIToolCall{{
		ID: "call_1", Function: schema.OpenAIFunctionCall{Name: "get_weather", Arguments: "{}"},
	}}

	if err := p.ProcessOpenAI(resp); err != nil {
		t.Fatalf("ProcessOpenAI: %v", err)
	}
	if got := len(resp.Choices[0].Message.ToolCalls); got != 1 {
		t.Errorf("structural calls present; text detection must not add more, got %d", got)
	}
	if *resp.Choices[0].FinishReason != schema.OpenAIFinishToolCalls {
		t.Errorf("finish = %q", *resp.Choices[0].FinishReason)
	}
}

func TestProcessOpenAIIdempotent(t *testing.T) {
	p := newTestPreprocessor()
	resp := openAIReply(`Tool call: get_weather({"city":"SF"})`, finish(schema.OpenAIFinishStop))
	if err := p.ProcessOpenAI(resp); err != nil {
		t.Fatal(err)
	}
	first := *resp.Choices[0].FinishReason
	calls := len(resp.Choices[0].Message.ToolCalls)

	if err := p.ProcessOpenAI(resp); err != nil {
		t.Fatal(err)
	}
	if *resp.Choices[0].FinishReason != first || len(resp.Choices[0].Message.ToolCalls) != calls {
		t.Errorf("second pass changed the reply: %+v", resp.Choices[0])
	}
}

func TestProcessOpenAIPlainProseUntouched(t *testing.T) {
	p := newTestPreprocessor()
	resp := openAIReply("The weather in SF is sunny.", finish(schema.OpenAIFinishStop))
	if err := p.ProcessOpenAI(resp); err != nil {
		t.Fatal(err)
	}
	choice := resp.Choices[0]
	if choice.Message.Content != "The weather in SF is sunny." || len(choice.Message.ToolCalls) != 0 {
		t.Errorf("prose reply was rewritten: %+v", choice)
	}
	if *choice.FinishReason != schema.OpenAIFinishStop {
		t.Errorf("finish = %q", *choice.FinishReason)
	}
}

func TestProcessOpenAIClassification(t *testing.T) {
	p := newTestPreprocessor()
	tests := []struct {
		name string
		resp *schema.OpenAIResponse
		kind apperr.Kind
	}{
		{"nil reply", nil, apperr.KindEmptyResponse},
		{"error envelope", &schema.OpenAIResponse{Error: &schema.OpenAIError{Message: "boom"}}, apperr.KindUpstreamError},
		{"no choices", &schema.OpenAIResponse{}, apperr.KindEmptyResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := apperr.KindOf(p.ProcessOpenAI(tt.resp)); got != tt.kind {
				t.Errorf("kind = %s, want %s", got, tt.kind)
			}
		})
	}
}

func TestStrictFinishReason(t *testing.T) {
	strict := newTestPreprocessor(WithStrictFinishReason(true))
	lax := newTestPreprocessor()

	resp := openAIReply("partial output", nil)
	if err := strict.ProcessOpenAI(resp); apperr.KindOf(err) != apperr.KindMissingFinishReason {
		t.Errorf("strict: err = %v, want missing_finish_reason", err)
	}

	resp2 := openAIReply("partial output", nil)
	if err := lax.ProcessOpenAI(resp2); err != nil {
		t.Errorf("lax providers accept a missing finish_reason: %v", err)
	}
}

func TestStrictFinishReasonProvider(t *testing.T) {
	tests := []struct {
		name, endpoint string
		want           bool
	}{
		{"qwen-local", "http://localhost:8000/v1", true},
		{"local", "https://dashscope.aliyuncs.com/api/v1", true},
		{"local", "https://api.modelscope.cn/v1", true},
		{"openai", "https://api.openai.com/v1", false},
	}
	for _, tt := range tests {
		if got := StrictFinishReasonProvider(tt.name, tt.endpoint); got != tt.want {
			t.Errorf("StrictFinishReasonProvider(%q, %q) = %v", tt.name, tt.endpoint, got)
		}
	}
}

func TestProcessGeminiReshapesTextCalls(t *testing.T) {
	p := newTestPreprocessor()
	resp := &schema.GeminiResponse{
		Candidates: []schema.GeminiCandidate{{
			Content: schema.GeminiContent{Role: "model", Parts: []schema.GeminiPart{
				{Text: `Checking. Tool call: get_weather({"city":"SF"})`},
			}},
			FinishReason: schema.GeminiFinishStop,
		}},
	}
	if err := p.ProcessGemini(resp); err != nil {
		t.Fatalf("ProcessGemini: %v", err)
	}
	cand := resp.Candidates[0]
	if len(cand.Content.Parts) != 2 {
		t.Fatalf("parts = %+v", cand.Content.Parts)
	}
	if cand.Content.Parts[0].Text != "Checking." {
		t.Errorf("residual text = %q", cand.Content.Parts[0].Text)
	}
	fc := cand.Content.Parts[1].FunctionCall
	if fc == nil || fc.Name != "get_weather" || string(fc.Args) != `{"city":"SF"}` {
		t.Errorf("functionCall = %+v", fc)
	}
	if cand.FinishReason != schema.GeminiFinishFunctionCall {
		t.Errorf("finish = %q", cand.FinishReason)
	}
}

func TestProcessGeminiErrorCodeCarriesStatus(t *testing.T) {
	p := newTestPreprocessor()
	err := p.ProcessGemini(&schema.GeminiResponse{Error: &schema.GeminiError{Code: 429, Message: "quota"}})
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		t.Fatalf("err = %v", err)
	}
	if ae.UpstreamStatus != 429 {
		t.Errorf("status = %d, want 429", ae.UpstreamStatus)
	}
}

func TestProcessCWReshapesTextCalls(t *testing.T) {
	p := newTestPreprocessor()
	resp := &schema.CWResponse{Content: `On it. Tool call: get_weather({"city":"SF"})`}
	if err := p.ProcessCW(resp); err != nil {
		t.Fatalf("ProcessCW: %v", err)
	}
	if len(resp.ToolUses) != 1 || resp.ToolUses[0].Name != "get_weather" {
		t.Fatalf("toolUses = %+v", resp.ToolUses)
	}
	if resp.Content != "On it." {
		t.Errorf("residual content = %q", resp.Content)
	}
	if resp.StopReason != "TOOL_USE" {
		t.Errorf("stopReason = %q", resp.StopReason)
	}
}

func TestProcessCWEmpty(t *testing.T) {
	p := newTestPreprocessor()
	if err := p.ProcessCW(&schema.CWResponse{}); apperr.KindOf(err) != apperr.KindEmptyResponse {
		t.Fatalf("err = %v, want empty_response", err)
	}
}

func TestWithoutDetection(t *testing.T) {
	p := newTestPreprocessor(WithoutDetection())
	resp := openAIReply(`Tool call: get_weather({"city":"SF"})`, finish(schema.OpenAIFinishStop))
	if err := p.ProcessOpenAI(resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Choices[0].Message.ToolCalls) != 0 {
		t.Error("detection disabled; reply must pass through unchanged")
	}
	// Classification still applies.
	if err := p.ProcessOpenAI(&schema.OpenAIResponse{}); apperr.KindOf(err) != apperr.KindEmptyResponse {
		t.Error("classification must survive WithoutDetection")
	}
}

func TestStreamDetectorSplitAcrossChunks(t *testing.T) {
	p := newTestPreprocessor()
	sd := p.Stream()

	var fired []Span
	fired = append(fired, sd.Feed("Let me check. Tool ca")...)
	fired = append(fired, sd.Feed(`ll: get_weather({"ci`)...)
	fired = append(fired, sd.Feed(`ty":"SF"}) done`)...)

	if len(fired) != 1 {
		t.Fatalf("fired = %+v", fired)
	}
	if fired[0].Name != "get_weather" || string(fired[0].Args) != `{"city":"SF"}` {
		t.Errorf("call = %+v", fired[0])
	}
	if !sd.Detected() {
		t.Error("Detected() must report the call")
	}
}

func TestStreamDetectorDeduplicates(t *testing.T) {
	p := newTestPreprocessor()
	sd := p.Stream()

	first := sd.Feed(`Tool call: get_weather({"city":"SF"})`)
	if len(first) != 1 {
		t.Fatalf("first feed = %+v", first)
	}
	// Later feeds re-scan the rolling buffer; the same call must not re-fire.
	again := sd.Feed(" and that is all")
	if len(again) != 0 {
		t.Errorf("duplicate fire: %+v", again)
	}
	if got := len(sd.Calls()); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestStreamDetectorLongStream(t *testing.T) {
	p := newTestPreprocessor()
	sd := p.Stream()

	// Push enough prose to roll the buffer several times, then a call.
	for i := 0; i < 50; i++ {
		if fired := sd.Feed(strings.Repeat("prose ", 20)); len(fired) != 0 {
			t.Fatalf("spurious call at chunk %d", i)
		}
	}
	fired := sd.Feed(`Tool call: get_weather({"city":"SF"})`)
	if len(fired) != 1 {
		t.Fatalf("fired = %+v", fired)
	}
	if fired[0].Start <= 0 {
		t.Error("span start must be absolute, not buffer-relative")
	}
}

func TestRemoveSpans(t *testing.T) {
	text := `before CALL middle CALL2 after`
	spans := []Span{
		{Start: 7, End: 11},
		{Start: 19, End: 24},
	}
	if got := removeSpans(text, spans); got != "before  middle  after" {
		t.Errorf("removeSpans = %q", got)
	}
}

func TestDetectReturnsValidJSONArgs(t *testing.T) {
	d := NewDetector(nil)
	spans := d.Detect(`Tool call: f({"nested":{"deep":[1,2,{"s":"a \"quoted\" brace }"}]}})`)
	if len(spans) != 1 {
		t.Fatalf("spans = %+v", spans)
	}
	if !json.Valid(spans[0].Args) {
		t.Errorf("args = %s", spans[0].Args)
	}
}
