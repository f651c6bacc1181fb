// Package protocol implements the protocol stage: it renders the
// provider-family payload into concrete HTTP request parts on the forward
// pass, and on the reverse pass decodes the provider body, runs the response
// preprocessor over it, and (for streamed OpenAI-dialect replies) converts the
// provider event stream into client-surface SSE frames.
package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/modelrelay/modelrelay/internal/apperr"
	"github.com/modelrelay/modelrelay/internal/pipeline"
	"github.com/modelrelay/modelrelay/internal/preprocess"
	"github.com/modelrelay/modelrelay/internal/schema"
	"github.com/modelrelay/modelrelay/internal/transform"
)

// Stage is the protocol pipeline stage for one binding.
type Stage struct {
	family   transform.Family
	endpoint string
	pre      *preprocess.Preprocessor
}

// New creates the protocol stage. The preprocessor is built per binding so it
// carries the provider's extra detection markers.
func New(providerType, endpoint string, pre *preprocess.Preprocessor) (*Stage, error) {
	family, ok := transform.FamilyOf(providerType)
	if !ok {
		return nil, apperr.New(apperr.KindTransformError, "no protocol for provider type").
			With("provider_type", providerType)
	}
	if pre == nil {
		pre = preprocess.New()
	}
	return &Stage{family: family, endpoint: strings.TrimRight(endpoint, "/"), pre: pre}, nil
}

func (s *Stage) Name() string { return "protocol" }

// ProcessRequest renders the payload to JSON and fixes the request line.
func (s *Stage) ProcessRequest(ctx context.Context, ex *pipeline.Exchange) error {
	body, err := json.Marshal(ex.Upstream.Payload)
	if err != nil {
		return apperr.Wrap(apperr.KindTransformError, "encode upstream payload", err)
	}
	ex.Upstream.Body = body
	ex.Upstream.URL = s.requestURL(ex)
	ex.Upstream.Header.Set("Content-Type", "application/json")

	// Only the OpenAI dialect is consumed incrementally; other families are
	// buffered whole and re-streamed at the API boundary.
	if ex.Stream && s.family == transform.FamilyOpenAI {
		ex.Upstream.Header.Set("Accept", "text/event-stream")
		ex.StreamUpstream = true
	}
	return nil
}

// ProcessResponse decodes the provider reply and runs the preprocessor.
func (s *Stage) ProcessResponse(ctx context.Context, ex *pipeline.Exchange) error {
	resp := ex.Response
	if resp == nil {
		return apperr.New(apperr.KindUpstreamError, "no upstream response").With("binding", ex.BindingID)
	}

	if resp.Stream != nil {
		frames := make(chan pipeline.Frame, 16)
		go s.convertOpenAIStream(ctx, ex, resp, frames)
		ex.Frames = frames
		return nil
	}

	if resp.Status >= 400 {
		e := apperr.FromStatus(resp.Status, string(resp.Body))
		e.With("binding", ex.BindingID)
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			e.ParseRetryAfter(ra)
		}
		return e
	}

	switch s.family {
	case transform.FamilyOpenAI:
		var parsed schema.OpenAIResponse
		if err := json.Unmarshal(resp.Body, &parsed); err != nil {
			return apperr.Wrap(apperr.KindUpstreamError, "decode upstream body", err)
		}
		if err := s.pre.ProcessOpenAI(&parsed); err != nil {
			return err
		}
		resp.Parsed = &parsed
	case transform.FamilyGemini:
		var parsed schema.GeminiResponse
		if err := json.Unmarshal(resp.Body, &parsed); err != nil {
			return apperr.Wrap(apperr.KindUpstreamError, "decode upstream body", err)
		}
		if err := s.pre.ProcessGemini(&parsed); err != nil {
			return err
		}
		resp.Parsed = &parsed
	case transform.FamilyCodeWhisperer:
		parsed, err := parseCWBody(resp.Body)
		if err != nil {
			return err
		}
		if err := s.pre.ProcessCW(parsed); err != nil {
			return err
		}
		resp.Parsed = parsed
	}
	return nil
}

// requestURL joins the configured endpoint with the family path, unless the
// endpoint already carries the full path (common for openai-compatible local
// servers configured with an exact URL).
func (s *Stage) requestURL(ex *pipeline.Exchange) string {
	switch s.family {
	case transform.FamilyOpenAI:
		if strings.Contains(s.endpoint, "/chat/completions") {
			return s.endpoint
		}
		return s.endpoint + "/chat/completions"
	case transform.FamilyGemini:
		verb := "generateContent"
		if ex.Stream {
			verb = "streamGenerateContent?alt=sse"
		}
		if strings.Contains(s.endpoint, ":generateContent") || strings.Contains(s.endpoint, ":streamGenerateContent") {
			return s.endpoint
		}
		return fmt.Sprintf("%s/v1beta/models/%s:%s", s.endpoint, ex.Model, verb)
	case transform.FamilyCodeWhisperer:
		if strings.Contains(s.endpoint, "generateAssistantResponse") {
			return s.endpoint
		}
		return s.endpoint + "/generateAssistantResponse"
	}
	return s.endpoint
}

// parseCWBody accepts either the normalized reply shape or the raw
// assistant-event envelope.
func parseCWBody(body []byte) (*schema.CWResponse, error) {
	var direct schema.CWResponse
	if err := json.Unmarshal(body, &direct); err == nil && (direct.Content != "" || len(direct.ToolUses) > 0) {
		return &direct, nil
	}
	var envelope struct {
		AssistantResponseMessage *schema.CWAssistantResponseMessage `json:"assistantResponseMessage"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, apperr.Wrap(apperr.KindUpstreamError, "decode upstream body", err)
	}
	if envelope.AssistantResponseMessage == nil {
		return &schema.CWResponse{}, nil
	}
	return &schema.CWResponse{
		Content:  envelope.AssistantResponseMessage.Content,
		ToolUses: envelope.AssistantResponseMessage.ToolUses,
	}, nil
}
