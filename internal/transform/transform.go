// Package transform implements the transformer stage: client-surface requests
// become provider-family payloads on the forward pass, and parsed provider
// replies become client-surface responses on the reverse pass. Each provider
// family has its own converter; the stage dispatches on the family chosen at
// pipeline build time.
package transform

import (
	"context"
	"time"

	"github.com/modelrelay/modelrelay/internal/apperr"
	"github.com/modelrelay/modelrelay/internal/pipeline"
	"github.com/modelrelay/modelrelay/internal/schema"
)

// Family is the provider wire dialect.
type Family string

const (
	FamilyOpenAI        Family = "openai"
	FamilyGemini        Family = "gemini"
	FamilyCodeWhisperer Family = "codewhisperer"
)

// FamilyOf maps a configured provider type to its wire dialect.
// openai-compatible servers share the OpenAI dialect.
func FamilyOf(providerType string) (Family, bool) {
	switch providerType {
	case "openai", "openai-compatible":
		return FamilyOpenAI, true
	case "gemini":
		return FamilyGemini, true
	case "codewhisperer":
		return FamilyCodeWhisperer, true
	}
	return "", false
}

// converter is one family's bidirectional mapping.
type converter interface {
	buildRequest(ex *pipeline.Exchange) (any, error)
	parseResponse(ex *pipeline.Exchange) (*schema.ClientResponse, error)
}

// Stage is the transformer pipeline stage.
type Stage struct {
	family Family
	conv   converter
	// maxTokens caps the request's max_tokens for the bound model; 0 = no cap.
	maxTokens int
	nowFunc   func() time.Time
}

// Option configures a Stage.
type Option func(*Stage)

// WithMaxTokens caps max_tokens for the bound model.
func WithMaxTokens(n int) Option {
	return func(s *Stage) { s.maxTokens = n }
}

// WithNowFunc overrides the clock used for minted tool_use ids, for tests.
func WithNowFunc(fn func() time.Time) Option {
	return func(s *Stage) {
		if fn != nil {
			s.nowFunc = fn
		}
	}
}

// New creates the transformer stage for a provider type.
func New(providerType string, opts ...Option) (*Stage, error) {
	family, ok := FamilyOf(providerType)
	if !ok {
		return nil, apperr.New(apperr.KindTransformError, "no transformer for provider type").
			With("provider_type", providerType)
	}
	s := &Stage{family: family, nowFunc: time.Now}
	for _, o := range opts {
		o(s)
	}
	switch family {
	case FamilyOpenAI:
		s.conv = &openAIConverter{stage: s}
	case FamilyGemini:
		s.conv = &geminiConverter{stage: s}
	case FamilyCodeWhisperer:
		s.conv = &codeWhispererConverter{stage: s}
	}
	return s, nil
}

func (s *Stage) Name() string { return "transformer" }

// ValidateInput rejects malformed client requests before any stage runs.
func (s *Stage) ValidateInput(ex *pipeline.Exchange) error {
	if err := ex.Client.Validate(); err != nil {
		return apperr.Wrap(apperr.KindBadRequest, "invalid request", err)
	}
	return nil
}

// ProcessRequest converts the client request into the provider payload.
func (s *Stage) ProcessRequest(ctx context.Context, ex *pipeline.Exchange) error {
	payload, err := s.conv.buildRequest(ex)
	if err != nil {
		return err
	}
	ex.Upstream.Payload = payload
	return nil
}

// ProcessResponse converts the parsed provider reply into the client shape.
// Streaming exchanges pass through: the protocol stage already produced
// client-shaped frames.
func (s *Stage) ProcessResponse(ctx context.Context, ex *pipeline.Exchange) error {
	if ex.Stream && ex.Frames != nil {
		return nil
	}
	if ex.Response == nil || ex.Response.Parsed == nil {
		return apperr.New(apperr.KindTransformError, "no parsed response to convert").
			With("binding", ex.BindingID)
	}
	reply, err := s.conv.parseResponse(ex)
	if err != nil {
		return err
	}
	if reply.ID == "" {
		reply.ID = schema.NewMessageID()
	}
	reply.Type = "message"
	reply.Role = schema.RoleAssistant
	if reply.Model == "" {
		reply.Model = ex.Client.Model
	}
	ex.Reply = reply
	return nil
}

// effectiveMaxTokens applies the per-model cap to the client's max_tokens.
func (s *Stage) effectiveMaxTokens(requested int) int {
	if s.maxTokens > 0 && (requested == 0 || requested > s.maxTokens) {
		return s.maxTokens
	}
	return requested
}
