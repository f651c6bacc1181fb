// Package proxy orchestrates one request end to end: classify into a
// category, select a binding, execute its pipeline, and release the binding
// with the terminal outcome. Failover across bindings happens here; retries
// against the same binding happen inside the pipeline.
package proxy

import (
	"context"
	"log/slog"
	"time"

	"github.com/modelrelay/modelrelay/internal/apperr"
	"github.com/modelrelay/modelrelay/internal/balancer"
	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/fault"
	"github.com/modelrelay/modelrelay/internal/pipeline"
	"github.com/modelrelay/modelrelay/internal/registry"
	"github.com/modelrelay/modelrelay/internal/router"
	"github.com/modelrelay/modelrelay/internal/schema"
)

// Finish releases the selected binding. The handler calls it exactly once:
// immediately for whole responses, after the last frame for streams.
type Finish func(err error)

// Service wires the router, registry, and balancer together.
type Service struct {
	cfg     *config.Config
	reg     *registry.Registry
	bal     *balancer.Balancer
	router  *router.Router
	logger  *slog.Logger
	nowFunc func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger attaches a logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithNowFunc overrides the clock, for tests.
func WithNowFunc(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.nowFunc = fn
		}
	}
}

// New creates the Service.
func New(cfg *config.Config, reg *registry.Registry, bal *balancer.Balancer, rtr *router.Router, opts ...Option) *Service {
	s := &Service{
		cfg:     cfg,
		reg:     reg,
		bal:     bal,
		router:  rtr,
		logger:  slog.Default(),
		nowFunc: time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handle runs one request. On success the returned Finish must be called once
// when the reply has been fully delivered; on error Finish is nil and the
// binding has already been released.
func (s *Service) Handle(ctx context.Context, req *schema.ClientRequest) (*pipeline.Exchange, Finish, error) {
	category, err := s.router.Classify(req)
	if err != nil {
		return nil, nil, err
	}

	failover := s.cfg.Routing.Categories[category].LoadBalancing.EnableFailover
	excluded := make(map[string]bool)
	var lastErr error

	all := s.reg.CandidatesFor(category)
	for tries := 0; tries < len(all)+1; tries++ {
		candidates := filterCandidates(all, excluded)
		chosen, err := s.bal.Select(category, candidates)
		if err != nil {
			// Prefer the upstream failure that exhausted the set over the
			// bare no-eligible-binding error.
			if lastErr != nil {
				return nil, nil, lastErr
			}
			return nil, nil, err
		}

		pl, ok := s.reg.Pipeline(chosen.ID, chosen.Model)
		if !ok {
			s.bal.Release(chosen.ID, chosen.Model, fault.OutcomeCancelled, 0)
			return nil, nil, apperr.New(apperr.KindNoEligibleBinding, "no pipeline for binding").
				With("binding", chosen.ID).With("model", chosen.Model)
		}

		start := s.nowFunc()
		ex, err := pl.Execute(ctx, req)
		if err != nil {
			latency := s.nowFunc().Sub(start)
			s.bal.Release(chosen.ID, chosen.Model, OutcomeFor(err), latency)
			s.logger.Warn("exchange failed",
				"category", category, "binding", chosen.ID, "model", chosen.Model,
				"kind", string(apperr.KindOf(err)), "error", err)

			if failover && failoverEligible(err) && ctx.Err() == nil {
				excluded[chosen.ID] = true
				lastErr = err
				continue
			}
			return nil, nil, err
		}

		ex.Category = category
		released := false
		finish := func(ferr error) {
			if released {
				return
			}
			released = true
			s.bal.Release(chosen.ID, chosen.Model, OutcomeFor(ferr), s.nowFunc().Sub(start))
		}
		return ex, finish, nil
	}
	if lastErr != nil {
		return nil, nil, lastErr
	}
	return nil, nil, apperr.New(apperr.KindNoEligibleBinding, "no eligible binding for category").
		With("category", category)
}

// OutcomeFor maps a terminal error to the release outcome. Client-side faults
// are neutral: they must not feed the binding's breaker or blacklist.
func OutcomeFor(err error) fault.Outcome {
	if err == nil {
		return fault.OutcomeSuccess
	}
	switch apperr.KindOf(err) {
	case apperr.KindRateLimit:
		return fault.OutcomeRateLimit
	case apperr.KindAuthError:
		return fault.OutcomeAuthFailure
	case apperr.KindUpstreamError, apperr.KindEmptyResponse, apperr.KindMissingFinishReason:
		return fault.OutcomeServerError
	case apperr.KindNetworkError:
		return fault.OutcomeNetworkError
	case apperr.KindTimeout:
		return fault.OutcomeTimeout
	case apperr.KindCancelled, apperr.KindBadRequest, apperr.KindTransformError, apperr.KindNoEligibleBinding:
		return fault.OutcomeCancelled
	}
	return fault.OutcomeTransientFailure
}

// failoverEligible reports whether another binding may be tried after this
// failure. Rate limits fail over before surfacing a 429; client-side faults
// never do.
func failoverEligible(err error) bool {
	switch apperr.KindOf(err) {
	case apperr.KindRateLimit, apperr.KindAuthError, apperr.KindUpstreamError,
		apperr.KindNetworkError, apperr.KindTimeout, apperr.KindEmptyResponse,
		apperr.KindMissingFinishReason:
		return true
	}
	return false
}

func filterCandidates(all []balancer.Candidate, excluded map[string]bool) []balancer.Candidate {
	if len(excluded) == 0 {
		return all
	}
	out := make([]balancer.Candidate, 0, len(all))
	for _, c := range all {
		if !excluded[c.ID] {
			out = append(out, c)
		}
	}
	return out
}
