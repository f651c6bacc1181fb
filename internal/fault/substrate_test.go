package fault

import (
	"testing"
	"time"

	"github.com/modelrelay/modelrelay/internal/circuitbreaker"
	"github.com/modelrelay/modelrelay/internal/events"
)

func newTestSubstrate(now *time.Time, opts ...Option) *Substrate {
	opts = append([]Option{WithNowFunc(func() time.Time { return *now })}, opts...)
	return New(DefaultConfig(), opts...)
}

func TestRateLimitStrikes(t *testing.T) {
	now := time.Now()
	s := newTestSubstrate(&now)

	s.ReportOutcome("b1", "gpt-4o", OutcomeRateLimit)
	s.ReportOutcome("b1", "gpt-4o", OutcomeRateLimit)
	if !s.Eligible("b1", "gpt-4o") {
		t.Fatal("two strikes must not blacklist")
	}
	if got := s.ConsecutiveRateLimits("b1", "gpt-4o"); got != 2 {
		t.Fatalf("strikes = %d, want 2", got)
	}

	s.ReportOutcome("b1", "gpt-4o", OutcomeRateLimit)
	if s.Eligible("b1", "gpt-4o") {
		t.Fatal("third strike must blacklist")
	}
	// Scoped to binding:model, not the whole binding.
	if !s.Eligible("b1", "gpt-4o-mini") {
		t.Error("other models on the binding stay eligible")
	}
	if got := s.ConsecutiveRateLimits("b1", "gpt-4o"); got != 0 {
		t.Errorf("strike counter should reset once the entry lands, got %d", got)
	}
}

func TestRateLimitEntryExpires(t *testing.T) {
	now := time.Now()
	s := newTestSubstrate(&now)

	for i := 0; i < 3; i++ {
		s.ReportOutcome("b1", "m", OutcomeRateLimit)
	}
	if s.Eligible("b1", "m") {
		t.Fatal("expected blacklist")
	}

	now = now.Add(59 * time.Second)
	if s.Eligible("b1", "m") {
		t.Fatal("entry must hold for the full cooldown")
	}
	now = now.Add(2 * time.Second)
	if !s.Eligible("b1", "m") {
		t.Fatal("entry must lapse after the cooldown")
	}
}

func TestNonRateLimitOutcomeBreaksStreak(t *testing.T) {
	now := time.Now()
	s := newTestSubstrate(&now)

	s.ReportOutcome("b1", "m", OutcomeRateLimit)
	s.ReportOutcome("b1", "m", OutcomeRateLimit)
	s.ReportOutcome("b1", "m", OutcomeServerError)
	s.ReportOutcome("b1", "m", OutcomeRateLimit)
	s.ReportOutcome("b1", "m", OutcomeRateLimit)

	if s.Blacklisted("b1", "m") {
		t.Error("streak was broken; two fresh strikes must not blacklist")
	}
	if got := s.ConsecutiveRateLimits("b1", "m"); got != 2 {
		t.Errorf("strikes = %d, want 2", got)
	}
}

func TestAuthFailurePersistsUntilReset(t *testing.T) {
	now := time.Now()
	s := newTestSubstrate(&now)

	s.ReportOutcome("b1", "m", OutcomeAuthFailure)
	if s.Eligible("b1", "m") {
		t.Fatal("auth failure must blacklist immediately")
	}
	// Whole binding, every model.
	if s.Eligible("b1", "other-model") {
		t.Fatal("auth entries are binding-scoped")
	}

	now = now.Add(24 * time.Hour)
	if s.Eligible("b1", "m") {
		t.Fatal("auth entries never expire on their own")
	}

	// A success clears transient entries but not auth.
	s.ReportOutcome("b1", "m", OutcomeSuccess)
	if s.Eligible("b1", "m") {
		t.Fatal("success must not clear an auth entry")
	}

	s.ResetAuth("b1")
	if !s.Eligible("b1", "m") {
		t.Fatal("ResetAuth must restore eligibility")
	}
}

func TestSuccessClearsRateLimitEntry(t *testing.T) {
	now := time.Now()
	s := newTestSubstrate(&now)

	for i := 0; i < 3; i++ {
		s.ReportOutcome("b1", "m", OutcomeRateLimit)
	}
	if !s.Blacklisted("b1", "m") {
		t.Fatal("expected blacklist")
	}

	s.ReportOutcome("b1", "m", OutcomeSuccess)
	if s.Blacklisted("b1", "m") {
		t.Fatal("success must clear the rate-limit entry")
	}
}

func TestCancelledIsNeutral(t *testing.T) {
	now := time.Now()
	s := newTestSubstrate(&now)

	s.ReportOutcome("b1", "m", OutcomeRateLimit)
	s.ReportOutcome("b1", "m", OutcomeRateLimit)
	for i := 0; i < 50; i++ {
		s.ReportOutcome("b1", "m", OutcomeCancelled)
	}

	if got := s.ConsecutiveRateLimits("b1", "m"); got != 2 {
		t.Errorf("cancellation must not touch strikes, got %d", got)
	}
	if got := s.BreakerState("b1"); got != "closed" {
		t.Errorf("cancellation must not touch the breaker, got %s", got)
	}
}

func TestServerErrorsTripBreaker(t *testing.T) {
	now := time.Now()
	s := newTestSubstrate(&now)

	for i := 0; i < 5; i++ {
		s.ReportOutcome("b1", "m", OutcomeServerError)
	}
	if got := s.BreakerState("b1"); got != "open" {
		t.Fatalf("breaker = %s, want open after 5 upstream failures", got)
	}
	if s.Eligible("b1", "m") {
		t.Error("open breaker must make the binding ineligible")
	}
	// Other bindings are unaffected.
	if !s.Eligible("b2", "m") {
		t.Error("breakers are per binding")
	}
}

func TestNetworkErrorsTripBreakerSooner(t *testing.T) {
	now := time.Now()
	s := newTestSubstrate(&now)

	for i := 0; i < 3; i++ {
		s.ReportOutcome("b1", "m", OutcomeNetworkError)
	}
	if got := s.BreakerState("b1"); got != "open" {
		t.Fatalf("breaker = %s, want open after 3 network failures", got)
	}
}

func TestEntriesSnapshot(t *testing.T) {
	now := time.Now()
	s := newTestSubstrate(&now)

	for i := 0; i < 3; i++ {
		s.ReportOutcome("b1", "m", OutcomeRateLimit)
	}
	s.ReportOutcome("b2", "m", OutcomeAuthFailure)

	entries := s.Entries()
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	byBinding := make(map[string]Entry)
	for _, e := range entries {
		byBinding[e.BindingID] = e
	}
	if e := byBinding["b1"]; e.Reason != ReasonRateLimit || e.Model != "m" {
		t.Errorf("b1 entry = %+v", e)
	}
	if e := byBinding["b2"]; e.Reason != ReasonAuthFailure || !e.BlacklistedUntil.IsZero() {
		t.Errorf("b2 entry = %+v", e)
	}

	now = now.Add(2 * time.Minute)
	entries = s.Entries()
	if len(entries) != 1 || entries[0].BindingID != "b2" {
		t.Errorf("after cooldown only the auth entry should survive, got %+v", entries)
	}
}

func TestBlacklistEventsPublished(t *testing.T) {
	now := time.Now()
	bus := events.NewBus()
	sub := bus.Subscribe(64)
	defer bus.Unsubscribe(sub)

	s := newTestSubstrate(&now, WithEventBus(bus))
	for i := 0; i < 3; i++ {
		s.ReportOutcome("b1", "m", OutcomeRateLimit)
	}
	s.ReportOutcome("b1", "m", OutcomeSuccess)

	var added, cleared bool
	timeout := time.After(time.Second)
	for !(added && cleared) {
		select {
		case e := <-sub.C:
			switch e.Type {
			case events.EventBlacklistAdd:
				added = true
			case events.EventBlacklistClear:
				cleared = true
			}
		case <-timeout:
			t.Fatalf("missing events: added=%v cleared=%v", added, cleared)
		}
	}
}

func TestBreakerOptionsApplied(t *testing.T) {
	now := time.Now()
	s := New(Config{
		RateLimitStrikes:  3,
		RateLimitCooldown: time.Minute,
		BreakerOptions:    []circuitbreaker.Option{circuitbreaker.WithThreshold(1)},
	}, WithNowFunc(func() time.Time { return now }))

	s.ReportOutcome("b1", "m", OutcomeServerError)
	if got := s.BreakerState("b1"); got != "open" {
		t.Fatalf("breaker = %s, want open with threshold 1", got)
	}
}
