// Package compat implements the server-compatibility stage: per-server
// adjustments orthogonal to the wire dialect. Today that is credential
// injection in the family's expected header, a stable User-Agent, and any
// per-endpoint header overrides. Detection quirks for nonstandard tool-call
// framings are configured on the preprocessor, not here.
package compat

import (
	"context"

	"github.com/modelrelay/modelrelay/internal/apperr"
	"github.com/modelrelay/modelrelay/internal/pipeline"
	"github.com/modelrelay/modelrelay/internal/transform"
)

const userAgent = "modelrelay/1.0"

// Stage is the server-compatibility pipeline stage for one binding.
type Stage struct {
	family   transform.Family
	authType string // "api_key" | "bearer" | "none"
	headers  map[string]string
}

// Option configures a Stage.
type Option func(*Stage)

// WithHeaders sets static per-endpoint header overrides.
func WithHeaders(h map[string]string) Option {
	return func(s *Stage) { s.headers = h }
}

// New creates the compatibility stage for a provider type and auth scheme.
func New(providerType, authType string, opts ...Option) (*Stage, error) {
	family, ok := transform.FamilyOf(providerType)
	if !ok {
		return nil, apperr.New(apperr.KindTransformError, "no compatibility profile for provider type").
			With("provider_type", providerType)
	}
	s := &Stage{family: family, authType: authType}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func (s *Stage) Name() string { return "server-compat" }

// ProcessRequest injects credentials and static headers.
func (s *Stage) ProcessRequest(ctx context.Context, ex *pipeline.Exchange) error {
	h := ex.Upstream.Header
	h.Set("User-Agent", userAgent)

	if s.authType != "none" && ex.APIKey != "" {
		switch s.family {
		case transform.FamilyGemini:
			h.Set("x-goog-api-key", ex.APIKey)
		default:
			h.Set("Authorization", "Bearer "+ex.APIKey)
		}
	}
	for k, v := range s.headers {
		h.Set(k, v)
	}
	return nil
}

// ProcessResponse verifies mode agreement between what the protocol stage
// asked for and what the server stage delivered.
func (s *Stage) ProcessResponse(ctx context.Context, ex *pipeline.Exchange) error {
	if ex.Response == nil {
		return apperr.New(apperr.KindUpstreamError, "no upstream response").With("binding", ex.BindingID)
	}
	if ex.StreamUpstream && ex.Response.Stream == nil && ex.Response.Status < 400 {
		return apperr.New(apperr.KindUpstreamError, "expected streamed reply, got buffered").
			With("binding", ex.BindingID)
	}
	return nil
}
