// Package circuitbreaker implements the per-binding circuit breaker. A binding
// whose upstream keeps failing trips the breaker after a configurable number
// of failures inside the monitoring window, is removed from selection for a
// reset timeout, then admits a half-open probe before closing again.
//
// Upstream (5xx) and network/timeout failures are counted separately: network
// faults typically clear faster, so they carry their own threshold and a
// shorter reset timeout.
package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the current state of the circuit breaker.
type State int

const (
	// Closed is the normal operating state: the binding is selectable.
	Closed State = iota
	// Open means the circuit has tripped: the binding is skipped entirely.
	Open
	// HalfOpen admits probe traffic to test whether the upstream recovered.
	HalfOpen
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// FailureClass distinguishes upstream 5xx failures from network faults.
type FailureClass int

const (
	// FailureUpstream covers HTTP 5xx and malformed upstream replies.
	FailureUpstream FailureClass = iota
	// FailureNetwork covers connect errors, DNS failures, and timeouts.
	FailureNetwork
)

const (
	defaultThreshold        = 5
	defaultNetworkThreshold = 3
	defaultResetTimeout     = 60 * time.Second
	defaultNetworkReset     = 15 * time.Second
	defaultMonitoringPeriod = 2 * time.Minute
)

// Breaker is a goroutine-safe circuit breaker tracking failures for a single
// binding.
type Breaker struct {
	mu sync.Mutex

	state State

	upstreamFailures int
	networkFailures  int
	windowStart      time.Time

	threshold        int
	networkThreshold int
	resetTimeout     time.Duration
	networkReset     time.Duration
	monitoringPeriod time.Duration

	lastTripped time.Time
	trippedBy   FailureClass

	onStateChange func(from, to State)

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithThreshold sets how many upstream failures within the monitoring window
// trip the breaker. The default is 5.
func WithThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.threshold = n
		}
	}
}

// WithNetworkThreshold sets how many network failures within the monitoring
// window trip the breaker. The default is 3.
func WithNetworkThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.networkThreshold = n
		}
	}
}

// WithResetTimeout sets how long the breaker stays Open after an upstream
// trip. The default is 60 seconds.
func WithResetTimeout(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.resetTimeout = d
		}
	}
}

// WithNetworkResetTimeout sets how long the breaker stays Open after a
// network trip. The default is 15 seconds.
func WithNetworkResetTimeout(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.networkReset = d
		}
	}
}

// WithMonitoringPeriod sets the window within which failures accumulate.
// Failures older than the window do not count toward the threshold.
func WithMonitoringPeriod(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.monitoringPeriod = d
		}
	}
}

// WithOnStateChange registers a callback that fires on every state transition.
// The callback is invoked while the breaker's mutex is held, so it must not
// call back into the breaker.
func WithOnStateChange(fn func(from, to State)) Option {
	return func(b *Breaker) {
		b.onStateChange = fn
	}
}

// WithNowFunc overrides the clock, for tests.
func WithNowFunc(fn func() time.Time) Option {
	return func(b *Breaker) {
		if fn != nil {
			b.nowFunc = fn
		}
	}
}

// New creates a Breaker in the Closed state with the given options.
func New(opts ...Option) *Breaker {
	b := &Breaker{
		state:            Closed,
		threshold:        defaultThreshold,
		networkThreshold: defaultNetworkThreshold,
		resetTimeout:     defaultResetTimeout,
		networkReset:     defaultNetworkReset,
		monitoringPeriod: defaultMonitoringPeriod,
		nowFunc:          time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Allow reports whether the binding may be selected right now.
//
// In Closed state it always returns true. In Open state it returns false
// unless the reset timeout has elapsed, in which case it transitions to
// HalfOpen and returns true for probe traffic. In HalfOpen state it returns
// true: half-open bindings stay eligible, and the first success or failure
// settles the state.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if b.nowFunc().After(b.lastTripped.Add(b.activeReset())) {
			b.setState(HalfOpen)
			return true
		}
		return false
	case HalfOpen:
		return true
	default:
		return false
	}
}

// RecordSuccess records a successful call. A half-open probe success closes
// the breaker; in Closed state both failure counters reset.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.upstreamFailures = 0
	b.networkFailures = 0
	b.windowStart = time.Time{}
	if b.state == HalfOpen {
		b.setState(Closed)
	}
}

// RecordFailure records a failed call of the given class. In Closed state the
// matching counter increments (within the monitoring window) and the breaker
// trips at its threshold. In HalfOpen state any failure reopens immediately.
func (b *Breaker) RecordFailure(class FailureClass) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.nowFunc()

	// Restart the accumulation window if the previous one expired.
	if b.windowStart.IsZero() || now.Sub(b.windowStart) > b.monitoringPeriod {
		b.windowStart = now
		b.upstreamFailures = 0
		b.networkFailures = 0
	}

	switch class {
	case FailureNetwork:
		b.networkFailures++
	default:
		b.upstreamFailures++
	}

	switch b.state {
	case Closed:
		if b.upstreamFailures >= b.threshold {
			b.trip(FailureUpstream, now)
		} else if b.networkFailures >= b.networkThreshold {
			b.trip(FailureNetwork, now)
		}
	case HalfOpen:
		b.trip(class, now)
	}
}

// CurrentState returns the current breaker state. In Open state this does NOT
// check the reset timer; use Allow() for that.
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) trip(class FailureClass, now time.Time) {
	b.trippedBy = class
	b.lastTripped = now
	b.setState(Open)
}

// activeReset returns the reset timeout for the class that tripped the
// breaker. Caller must hold b.mu.
func (b *Breaker) activeReset() time.Duration {
	if b.trippedBy == FailureNetwork {
		return b.networkReset
	}
	return b.resetTimeout
}

// setState transitions the breaker and fires the callback if registered.
// Caller must hold b.mu.
func (b *Breaker) setState(to State) {
	from := b.state
	b.state = to
	if b.onStateChange != nil && from != to {
		b.onStateChange(from, to)
	}
}
