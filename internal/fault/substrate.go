// Package fault is the availability substrate shared by the registry and the
// load balancer: one circuit breaker per binding, a blacklist keyed by
// provider (or provider:model for rate limits), and the consecutive-429
// bookkeeping that feeds it. All methods are safe for concurrent use.
package fault

import (
	"sync"
	"time"

	"github.com/modelrelay/modelrelay/internal/circuitbreaker"
	"github.com/modelrelay/modelrelay/internal/events"
)

// Outcome is the terminal disposition of one request against one binding,
// reported through Balancer.Release.
type Outcome string

const (
	OutcomeSuccess          Outcome = "success"
	OutcomeTransientFailure Outcome = "transient_failure"
	OutcomeRateLimit        Outcome = "rate_limit"
	OutcomeAuthFailure      Outcome = "auth_failure"
	OutcomeServerError      Outcome = "server_error"
	OutcomeNetworkError     Outcome = "network_error"
	OutcomeTimeout          Outcome = "timeout"
	OutcomeCancelled        Outcome = "cancelled"
)

// Config tunes the substrate thresholds.
type Config struct {
	// RateLimitStrikes: consecutive 429s before a rate-limit blacklist entry.
	RateLimitStrikes int
	// RateLimitCooldown: how long a rate-limit entry lasts.
	RateLimitCooldown time.Duration
	// BreakerOptions are applied to every per-binding breaker.
	BreakerOptions []circuitbreaker.Option
}

// DefaultConfig returns the documented defaults: 3 strikes, 60s cooldown.
func DefaultConfig() Config {
	return Config{
		RateLimitStrikes:  3,
		RateLimitCooldown: 60 * time.Second,
	}
}

// Substrate owns the per-binding availability state.
type Substrate struct {
	cfg Config
	bus *events.Bus

	mu        sync.Mutex
	breakers  map[string]*circuitbreaker.Breaker
	blacklist map[string]*Entry // keyed per Entry.Key semantics
	consec429 map[string]int    // keyed bindingID:model

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
}

// Option configures a Substrate.
type Option func(*Substrate)

// WithEventBus attaches a bus so breaker and blacklist transitions are
// published.
func WithEventBus(bus *events.Bus) Option {
	return func(s *Substrate) { s.bus = bus }
}

// WithNowFunc overrides the clock, for tests.
func WithNowFunc(fn func() time.Time) Option {
	return func(s *Substrate) {
		if fn != nil {
			s.nowFunc = fn
		}
	}
}

// New creates a Substrate.
func New(cfg Config, opts ...Option) *Substrate {
	if cfg.RateLimitStrikes <= 0 {
		cfg.RateLimitStrikes = 3
	}
	if cfg.RateLimitCooldown <= 0 {
		cfg.RateLimitCooldown = 60 * time.Second
	}
	s := &Substrate{
		cfg:       cfg,
		breakers:  make(map[string]*circuitbreaker.Breaker),
		blacklist: make(map[string]*Entry),
		consec429: make(map[string]int),
		nowFunc:   time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Breaker returns the breaker for a binding, creating it on first use.
func (s *Substrate) Breaker(bindingID string) *circuitbreaker.Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.breakerLocked(bindingID)
}

func (s *Substrate) breakerLocked(bindingID string) *circuitbreaker.Breaker {
	b, ok := s.breakers[bindingID]
	if !ok {
		opts := append([]circuitbreaker.Option{
			circuitbreaker.WithNowFunc(s.nowFunc),
			circuitbreaker.WithOnStateChange(func(from, to circuitbreaker.State) {
				s.publish(events.Event{
					Type:      events.EventBreakerChange,
					BindingID: bindingID,
					OldState:  from.String(),
					NewState:  to.String(),
				})
			}),
		}, s.cfg.BreakerOptions...)
		b = circuitbreaker.New(opts...)
		s.breakers[bindingID] = b
	}
	return b
}

// Eligible reports whether a binding may serve the given model: its breaker
// admits traffic and no live blacklist entry covers it. Expired entries are
// removed lazily here.
func (s *Substrate) Eligible(bindingID, model string) bool {
	s.mu.Lock()
	blacklisted := s.blacklistedLocked(bindingID, model)
	br := s.breakerLocked(bindingID)
	s.mu.Unlock()

	if blacklisted {
		return false
	}
	return br.Allow()
}

// ReportOutcome applies the failure-bookkeeping rules for one finished
// request. Cancellation is neutral: it touches nothing.
func (s *Substrate) ReportOutcome(bindingID, model string, outcome Outcome) {
	switch outcome {
	case OutcomeCancelled:
		return

	case OutcomeSuccess:
		s.Breaker(bindingID).RecordSuccess()
		s.mu.Lock()
		delete(s.consec429, strikeKey(bindingID, model))
		s.clearNonAuthLocked(bindingID, model)
		s.mu.Unlock()

	case OutcomeRateLimit:
		s.mu.Lock()
		key := strikeKey(bindingID, model)
		s.consec429[key]++
		if s.consec429[key] >= s.cfg.RateLimitStrikes {
			delete(s.consec429, key)
			s.addEntryLocked(bindingID, model, ReasonRateLimit, s.nowFunc().Add(s.cfg.RateLimitCooldown))
		}
		s.mu.Unlock()

	case OutcomeAuthFailure:
		s.mu.Lock()
		// No expiry: persists until a credential refresh or operator reset.
		s.addEntryLocked(bindingID, model, ReasonAuthFailure, time.Time{})
		s.mu.Unlock()

	case OutcomeServerError:
		s.Breaker(bindingID).RecordFailure(circuitbreaker.FailureUpstream)
		s.resetStrikes(bindingID, model)

	case OutcomeNetworkError, OutcomeTimeout, OutcomeTransientFailure:
		s.Breaker(bindingID).RecordFailure(circuitbreaker.FailureNetwork)
		s.resetStrikes(bindingID, model)
	}
}

// ConsecutiveRateLimits returns the current 429 strike count for a binding
// and model.
func (s *Substrate) ConsecutiveRateLimits(bindingID, model string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consec429[strikeKey(bindingID, model)]
}

// ResetAuth clears an auth-failure blacklist entry after the operator rotated
// credentials.
func (s *Substrate) ResetAuth(bindingID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, e := range s.blacklist {
		if e.BindingID == bindingID && e.Reason == ReasonAuthFailure {
			delete(s.blacklist, key)
			s.publish(events.Event{
				Type:      events.EventBlacklistClear,
				BindingID: bindingID,
				Reason:    string(ReasonAuthFailure),
			})
		}
	}
}

// resetStrikes clears the consecutive-429 counter; any non-429 outcome breaks
// the streak.
func (s *Substrate) resetStrikes(bindingID, model string) {
	s.mu.Lock()
	delete(s.consec429, strikeKey(bindingID, model))
	s.mu.Unlock()
}

func (s *Substrate) publish(e events.Event) {
	if s.bus != nil {
		s.bus.Publish(e)
	}
}

func strikeKey(bindingID, model string) string {
	return bindingID + ":" + model
}
