// Package preprocess repairs provider replies before they are translated back
// to the client surface: it classifies abnormal responses, detects tool-call
// intent (structural, text-embedded, explicit), reshapes text-embedded calls
// into structured ones, and normalizes the family's termination signal when
// intent is present. Normalization is idempotent, and replies without tool
// intent are never rewritten.
package preprocess

import (
	"log/slog"
	"strings"
	"time"

	"github.com/modelrelay/modelrelay/internal/apperr"
	"github.com/modelrelay/modelrelay/internal/schema"
)

// Preprocessor is built once per binding: the detector carries the provider's
// extra literal framings and strictFinish marks the Qwen/ModelScope family.
type Preprocessor struct {
	det          *Detector
	strictFinish bool
	nowFunc      func() time.Time
	logger       *slog.Logger
}

// Option configures a Preprocessor.
type Option func(*Preprocessor)

// WithMarkers adds provider-specific literal tool-call framings.
func WithMarkers(markers []string) Option {
	return func(p *Preprocessor) { p.det = NewDetector(markers) }
}

// WithoutDetection turns off tool-call detection and reshaping while keeping
// abnormal-response classification.
func WithoutDetection() Option {
	return func(p *Preprocessor) { p.det = nil }
}

// WithStrictFinishReason enables the missing-finish_reason check for
// providers known to drop the field on failure paths.
func WithStrictFinishReason(strict bool) Option {
	return func(p *Preprocessor) { p.strictFinish = strict }
}

// WithNowFunc overrides the clock used for minted tool ids, for tests.
func WithNowFunc(fn func() time.Time) Option {
	return func(p *Preprocessor) {
		if fn != nil {
			p.nowFunc = fn
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Preprocessor) {
		if l != nil {
			p.logger = l
		}
	}
}

// New creates a Preprocessor.
func New(opts ...Option) *Preprocessor {
	p := &Preprocessor{
		det:     NewDetector(nil),
		nowFunc: time.Now,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// StrictFinishReasonProvider reports whether a provider belongs to the family
// known to omit finish_reason entirely on degenerate replies.
func StrictFinishReasonProvider(name, endpoint string) bool {
	for _, s := range []string{name, endpoint} {
		l := strings.ToLower(s)
		if strings.Contains(l, "qwen") || strings.Contains(l, "modelscope") || strings.Contains(l, "dashscope") {
			return true
		}
	}
	return false
}

// ProcessOpenAI classifies and repairs an OpenAI-family reply in place.
func (p *Preprocessor) ProcessOpenAI(resp *schema.OpenAIResponse) error {
	if resp == nil {
		return apperr.New(apperr.KindEmptyResponse, "empty reply object")
	}
	if resp.Error != nil {
		return apperr.New(apperr.KindUpstreamError, resp.Error.Message).
			With("upstream_type", resp.Error.Type)
	}
	if len(resp.Choices) == 0 {
		return apperr.New(apperr.KindEmptyResponse, "reply carries no choices")
	}

	choice := &resp.Choices[0]
	if p.strictFinish && choice.FinishReason == nil {
		return apperr.New(apperr.KindMissingFinishReason, "reply omits finish_reason")
	}

	structural := len(choice.Message.ToolCalls) > 0
	spans := p.detect(choice.Message.Content)
	if len(spans) > 0 && !structural {
		for _, sp := range spans {
			choice.Message.ToolCalls = append(choice.Message.ToolCalls, schema.OpenAIToolCall{
				ID:   schema.NewToolUseID(p.nowFunc()),
				Type: "function",
				Function: schema.OpenAIFunctionCall{
					Name:      sp.Name,
					Arguments: string(sp.Args),
				},
			})
		}
		choice.Message.Content = removeSpans(choice.Message.Content, spans)
		p.logger.Debug("reshaped text-embedded tool calls", "count", len(spans))
	}

	if structural || len(spans) > 0 {
		fr := schema.OpenAIFinishToolCalls
		choice.FinishReason = &fr
	}
	return nil
}

// ProcessGemini classifies and repairs a Gemini-family reply in place.
func (p *Preprocessor) ProcessGemini(resp *schema.GeminiResponse) error {
	if resp == nil {
		return apperr.New(apperr.KindEmptyResponse, "empty reply object")
	}
	if resp.Error != nil {
		e := apperr.New(apperr.KindUpstreamError, resp.Error.Message)
		if resp.Error.Code >= 400 {
			e.WithStatus(resp.Error.Code)
		}
		return e
	}
	if len(resp.Candidates) == 0 {
		return apperr.New(apperr.KindEmptyResponse, "reply carries no candidates")
	}

	cand := &resp.Candidates[0]
	structural := false
	for _, part := range cand.Content.Parts {
		if part.FunctionCall != nil {
			structural = true
			break
		}
	}

	detected := false
	if !structural {
		var rebuilt []schema.GeminiPart
		for _, part := range cand.Content.Parts {
			if part.Text == "" {
				rebuilt = append(rebuilt, part)
				continue
			}
			spans := p.detect(part.Text)
			if len(spans) == 0 {
				rebuilt = append(rebuilt, part)
				continue
			}
			detected = true
			if rest := removeSpans(part.Text, spans); rest != "" {
				rebuilt = append(rebuilt, schema.GeminiPart{Text: rest})
			}
			for _, sp := range spans {
				rebuilt = append(rebuilt, schema.GeminiPart{
					FunctionCall: &schema.GeminiFunctionCall{Name: sp.Name, Args: sp.Args},
				})
			}
		}
		cand.Content.Parts = rebuilt
	}

	if structural || detected {
		cand.FinishReason = schema.GeminiFinishFunctionCall
	}
	return nil
}

// ProcessCW classifies and repairs a normalized CodeWhisperer reply in place.
func (p *Preprocessor) ProcessCW(resp *schema.CWResponse) error {
	if resp == nil || (resp.Content == "" && len(resp.ToolUses) == 0) {
		return apperr.New(apperr.KindEmptyResponse, "empty assistant turn")
	}

	structural := len(resp.ToolUses) > 0
	detected := false
	if !structural {
		spans := p.detect(resp.Content)
		if len(spans) > 0 {
			detected = true
			for _, sp := range spans {
				resp.ToolUses = append(resp.ToolUses, schema.CWToolUse{
					ToolUseID: schema.NewToolUseID(p.nowFunc()),
					Name:      sp.Name,
					Input:     sp.Args,
				})
			}
			resp.Content = removeSpans(resp.Content, spans)
		}
	}

	if structural || detected {
		resp.StopReason = "TOOL_USE"
	}
	return nil
}

// Stream returns an incremental detector sharing this preprocessor's pattern
// configuration.
func (p *Preprocessor) Stream() *StreamDetector {
	return newStreamDetector(p.det)
}

func (p *Preprocessor) detect(text string) []Span {
	if p.det == nil {
		return nil
	}
	return p.det.Detect(text)
}

// removeSpans deletes the detected literal spans from text, keeping
// surrounding prose intact. Spans must be ordered and non-overlapping.
func removeSpans(text string, spans []Span) string {
	var b strings.Builder
	prev := 0
	for _, sp := range spans {
		if sp.Start < prev {
			continue
		}
		b.WriteString(text[prev:sp.Start])
		prev = sp.End
	}
	if prev < len(text) {
		b.WriteString(text[prev:])
	}
	return strings.TrimSpace(b.String())
}
