// Package balancer selects one binding per request from the eligible set the
// registry hands it. It owns the runtime counters (in-flight, latency EWMA,
// round-robin cursors), performs weight redistribution around blacklisted
// bindings, rotates keys inside multi-key groups, and feeds terminal outcomes
// to the fault substrate on release.
package balancer

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelrelay/modelrelay/internal/apperr"
	"github.com/modelrelay/modelrelay/internal/events"
	"github.com/modelrelay/modelrelay/internal/fault"
)

// Strategy names, matching the configuration's loadBalancing.strategy values.
type Strategy string

const (
	StrategyWeightedRandom     Strategy = "weighted_random"
	StrategyRoundRobin         Strategy = "round_robin"
	StrategyLeastConnections   Strategy = "least_connections"
	StrategyResponseTime       Strategy = "response_time"
	StrategySingleWithFallback Strategy = "single_with_fallback"
)

// ewmaAlpha is the smoothing factor for the rolling latency average.
const ewmaAlpha = 0.3

// Candidate is one binding offered to the balancer for a category.
type Candidate struct {
	ID          string
	GroupID     string // multi-key parent; empty for single-credential bindings
	Model       string
	Weight      float64
	MaxInFlight int // 0 = unlimited
}

// bindingState holds the per-binding runtime counters. inFlight is atomic;
// the EWMA has a single writer (the Release caller) so a plain mutex-guarded
// float is sufficient and readers may observe a slightly stale value.
type bindingState struct {
	inFlight atomic.Int64

	mu       sync.Mutex
	ewmaMs   float64
	released int64
	failures int64
}

// Balancer implements per-category pipeline selection.
type Balancer struct {
	substrate *fault.Substrate
	bus       *events.Bus

	mu       sync.Mutex
	rng      *rand.Rand
	bindings map[string]*bindingState
	rrCursor map[string]*atomic.Uint64 // per category
	keyRR    map[string]*atomic.Uint64 // per multi-key group
	strategy map[string]Strategy       // per category
}

// Option configures a Balancer.
type Option func(*Balancer)

// WithEventBus attaches a bus so selection and release events are published.
func WithEventBus(bus *events.Bus) Option {
	return func(b *Balancer) { b.bus = bus }
}

// WithRandSource seeds the selection RNG, for deterministic tests.
func WithRandSource(src rand.Source) Option {
	return func(b *Balancer) { b.rng = rand.New(src) }
}

// New creates a Balancer over the given fault substrate.
func New(substrate *fault.Substrate, opts ...Option) *Balancer {
	b := &Balancer{
		substrate: substrate,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		bindings:  make(map[string]*bindingState),
		rrCursor:  make(map[string]*atomic.Uint64),
		keyRR:     make(map[string]*atomic.Uint64),
		strategy:  make(map[string]Strategy),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// SetStrategy assigns the selection strategy for a category. Unset categories
// use weighted random.
func (b *Balancer) SetStrategy(category string, s Strategy) {
	b.mu.Lock()
	b.strategy[category] = s
	b.mu.Unlock()
}

// Select picks one binding for the category and increments its in-flight
// counter. Callers must pair every successful Select with exactly one Release.
//
// Candidates sharing a GroupID form a multi-key group: the group competes as
// one logical binding with the aggregate weight, and the winning group picks
// its key by strict round robin over non-blacklisted members.
func (b *Balancer) Select(category string, candidates []Candidate) (Candidate, error) {
	logical := b.groupCandidates(candidates)

	eligible := logical[:0]
	for _, lc := range logical {
		if len(b.eligibleMembers(lc)) > 0 {
			eligible = append(eligible, lc)
		}
	}
	if len(eligible) == 0 {
		return Candidate{}, apperr.New(apperr.KindNoEligibleBinding, "no eligible binding for category").
			With("category", category)
	}

	var chosen logicalCandidate
	switch b.categoryStrategy(category) {
	case StrategyRoundRobin:
		chosen = b.pickRoundRobin(category, eligible)
	case StrategyLeastConnections:
		chosen = b.pickLeastConnections(eligible)
	case StrategyResponseTime:
		chosen = b.pickResponseTime(eligible)
	case StrategySingleWithFallback:
		chosen = eligible[0]
	default:
		chosen = b.pickWeightedRandom(eligible)
	}

	member := b.pickGroupMember(chosen)
	b.state(member.ID).inFlight.Add(1)

	if b.bus != nil {
		b.bus.Publish(events.Event{
			Type:      events.EventSelection,
			BindingID: member.ID,
			Category:  category,
			Model:     member.Model,
			OK:        true,
		})
	}
	return member, nil
}

// Release records the terminal outcome for a previously selected binding:
// decrements the in-flight counter, updates the latency EWMA on success, and
// forwards the outcome to the fault substrate.
func (b *Balancer) Release(bindingID, model string, outcome fault.Outcome, latency time.Duration) {
	st := b.state(bindingID)
	st.inFlight.Add(-1)

	st.mu.Lock()
	st.released++
	if outcome == fault.OutcomeSuccess {
		ms := float64(latency.Milliseconds())
		if st.ewmaMs == 0 {
			st.ewmaMs = ms
		} else {
			st.ewmaMs = ewmaAlpha*ms + (1-ewmaAlpha)*st.ewmaMs
		}
	} else if outcome != fault.OutcomeCancelled {
		st.failures++
	}
	st.mu.Unlock()

	b.substrate.ReportOutcome(bindingID, model, outcome)

	if b.bus != nil {
		b.bus.Publish(events.Event{
			Type:       events.EventRelease,
			BindingID:  bindingID,
			Model:      model,
			Outcome:    string(outcome),
			DurationMs: float64(latency.Milliseconds()),
			OK:         outcome == fault.OutcomeSuccess,
		})
	}
}

// InFlight returns the current in-flight count for a binding.
func (b *Balancer) InFlight(bindingID string) int64 {
	return b.state(bindingID).inFlight.Load()
}

// AvgLatencyMs returns the rolling latency average for a binding.
func (b *Balancer) AvgLatencyMs(bindingID string) float64 {
	st := b.state(bindingID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.ewmaMs
}

// SuccessRate returns the fraction of released requests that succeeded.
func (b *Balancer) SuccessRate(bindingID string) float64 {
	st := b.state(bindingID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.released == 0 {
		return 1
	}
	return float64(st.released-st.failures) / float64(st.released)
}

func (b *Balancer) categoryStrategy(category string) Strategy {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.strategy[category]
}

func (b *Balancer) state(bindingID string) *bindingState {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.bindings[bindingID]
	if !ok {
		st = &bindingState{}
		b.bindings[bindingID] = st
	}
	return st
}

func (b *Balancer) cursor(m map[string]*atomic.Uint64, key string) *atomic.Uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := m[key]
	if !ok {
		c = &atomic.Uint64{}
		m[key] = c
	}
	return c
}
