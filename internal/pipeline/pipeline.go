// Package pipeline implements the four-stage request/response pipeline that
// carries a client request to one upstream binding and back. Stages run in
// order on the request path and in reverse order on the response path; each
// stage sees the Exchange, mutates its slice of it, and returns a structured
// error on failure. The executor owns the same-binding retry loop and the
// per-stage timing events.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/modelrelay/modelrelay/internal/apperr"
	"github.com/modelrelay/modelrelay/internal/events"
	"github.com/modelrelay/modelrelay/internal/schema"
)

// Lifecycle states. A pipeline only serves traffic while running.
type State string

const (
	StateCreated      State = "created"
	StateInitialized  State = "initialized"
	StateConnected    State = "connected"
	StateRunning      State = "running"
	StateDisconnected State = "disconnected"
	StateDestroyed    State = "destroyed"
)

// UpstreamRequest is the provider-shaped request the forward pass builds up:
// the transformer sets Payload, the protocol stage renders Body/URL/Method,
// and the compatibility stage finishes Header.
type UpstreamRequest struct {
	Method  string
	URL     string
	Header  http.Header
	Payload any    // provider-family request struct
	Body    []byte // rendered JSON
}

// UpstreamResponse is what the server stage hands back. The protocol stage
// fills Parsed with the decoded provider-family struct on the response path.
type UpstreamResponse struct {
	Status int
	Header http.Header
	Body   []byte        // whole-response mode
	Stream io.ReadCloser // streaming mode; raw provider byte stream
	Parsed any
}

// Frame is one client-facing SSE frame, already in the client protocol.
type Frame struct {
	Event string
	Data  []byte
}

// Exchange carries one request through the pipeline. Stages communicate only
// through it.
type Exchange struct {
	RequestID string
	BindingID string
	Provider  string // provider declaration name
	Model     string // upstream model name
	Category  string
	Stream    bool
	Attempt   int

	// StreamUpstream is set by the protocol stage when the upstream reply
	// should be consumed incrementally rather than buffered whole.
	StreamUpstream bool

	// APIKey is the credential bound to this pipeline instance.
	APIKey string

	Client   *schema.ClientRequest
	Upstream *UpstreamRequest
	Response *UpstreamResponse

	// Reply is the final client-shaped response (whole-response mode).
	Reply *schema.ClientResponse
	// Frames is the client-shaped event stream (streaming mode). The protocol
	// stage populates it on the response path.
	Frames <-chan Frame
}

// Stage is one pipeline stage. ProcessRequest runs on the forward pass,
// ProcessResponse on the reverse pass. Both may mutate the exchange.
type Stage interface {
	Name() string
	ProcessRequest(ctx context.Context, ex *Exchange) error
	ProcessResponse(ctx context.Context, ex *Exchange) error
}

// Validator is an optional stage capability: reject an exchange before any
// work happens. Validation errors are never retried.
type Validator interface {
	ValidateInput(ex *Exchange) error
}

// Connector is an optional stage capability for stages holding live upstream
// resources.
type Connector interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
}

// RetryPolicy controls the same-binding retry loop.
type RetryPolicy struct {
	MaxRetries int           // attempts beyond the first
	BaseDelay  time.Duration // doubled per attempt
	MaxDelay   time.Duration // cap
}

// DefaultRetryPolicy returns the documented defaults: 3 retries, 2s base,
// 10s cap.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, BaseDelay: 2 * time.Second, MaxDelay: 10 * time.Second}
}

// Delay returns the backoff before the given retry attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Pipeline is one binding's stage chain plus its lifecycle state.
type Pipeline struct {
	id       string
	provider string
	model    string
	apiKey   string
	stages   []Stage
	retry    RetryPolicy

	logger *slog.Logger
	bus    *events.Bus
	sleep  func(context.Context, time.Duration) error

	mu    sync.Mutex
	state State
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithRetryPolicy overrides the retry defaults.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(pl *Pipeline) { pl.retry = p }
}

// WithLogger attaches a logger; stage failures and retries are logged.
func WithLogger(l *slog.Logger) Option {
	return func(pl *Pipeline) {
		if l != nil {
			pl.logger = l
		}
	}
}

// WithEventBus attaches a bus so per-stage timing events are published.
func WithEventBus(bus *events.Bus) Option {
	return func(pl *Pipeline) { pl.bus = bus }
}

// WithSleepFunc overrides the backoff sleep, for tests.
func WithSleepFunc(fn func(context.Context, time.Duration) error) Option {
	return func(pl *Pipeline) {
		if fn != nil {
			pl.sleep = fn
		}
	}
}

// New creates a pipeline for one binding. Stage order is the forward order.
func New(id, provider, model, apiKey string, stages []Stage, opts ...Option) *Pipeline {
	pl := &Pipeline{
		id:       id,
		provider: provider,
		model:    model,
		apiKey:   apiKey,
		stages:   stages,
		retry:    DefaultRetryPolicy(),
		logger:   slog.Default(),
		sleep:    sleepCtx,
		state:    StateCreated,
	}
	for _, o := range opts {
		o(pl)
	}
	return pl
}

// ID returns the binding identifier this pipeline serves.
func (pl *Pipeline) ID() string { return pl.id }

// Provider returns the provider declaration name.
func (pl *Pipeline) Provider() string { return pl.provider }

// Model returns the upstream model name.
func (pl *Pipeline) Model() string { return pl.model }

// CurrentState returns the lifecycle state.
func (pl *Pipeline) CurrentState() State {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return pl.state
}

// Init moves created -> initialized.
func (pl *Pipeline) Init(ctx context.Context) error {
	return pl.transition(StateCreated, StateInitialized)
}

// Connect runs every stage's Connect and moves initialized -> connected ->
// running. A stage connect failure leaves the pipeline initialized.
func (pl *Pipeline) Connect(ctx context.Context) error {
	if err := pl.transition(StateInitialized, StateConnected); err != nil {
		return err
	}
	for _, st := range pl.stages {
		c, ok := st.(Connector)
		if !ok {
			continue
		}
		if err := c.Connect(ctx); err != nil {
			pl.setState(StateInitialized)
			return fmt.Errorf("pipeline %s: connect stage %s: %w", pl.id, st.Name(), err)
		}
	}
	pl.setState(StateRunning)
	return nil
}

// Disconnect runs stage Disconnects in reverse order and moves the pipeline
// to disconnected. Safe to call from running or connected.
func (pl *Pipeline) Disconnect(ctx context.Context) error {
	pl.mu.Lock()
	if pl.state != StateRunning && pl.state != StateConnected {
		pl.mu.Unlock()
		return fmt.Errorf("pipeline %s: cannot disconnect from %s", pl.id, pl.state)
	}
	pl.state = StateDisconnected
	pl.mu.Unlock()

	var firstErr error
	for i := len(pl.stages) - 1; i >= 0; i-- {
		c, ok := pl.stages[i].(Connector)
		if !ok {
			continue
		}
		if err := c.Disconnect(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("pipeline %s: disconnect stage %s: %w", pl.id, pl.stages[i].Name(), err)
		}
	}
	return firstErr
}

// Destroy is terminal.
func (pl *Pipeline) Destroy(ctx context.Context) error {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	if pl.state == StateRunning || pl.state == StateConnected {
		return fmt.Errorf("pipeline %s: disconnect before destroy", pl.id)
	}
	pl.state = StateDestroyed
	return nil
}

func (pl *Pipeline) transition(from, to State) error {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	if pl.state != from {
		return fmt.Errorf("pipeline %s: cannot move %s -> %s", pl.id, pl.state, to)
	}
	pl.state = to
	return nil
}

func (pl *Pipeline) setState(s State) {
	pl.mu.Lock()
	pl.state = s
	pl.mu.Unlock()
}

// Execute runs one exchange through the pipeline: validate, forward pass,
// reverse pass, with the same-binding retry loop around retryable failures.
// The returned exchange carries either Reply or Frames depending on mode.
func (pl *Pipeline) Execute(ctx context.Context, client *schema.ClientRequest) (*Exchange, error) {
	if pl.CurrentState() != StateRunning {
		return nil, apperr.New(apperr.KindUpstreamError, "pipeline not running").
			With("binding", pl.id).With("state", string(pl.CurrentState()))
	}

	var lastErr error
	for attempt := 0; attempt <= pl.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := pl.retry.Delay(attempt)
			pl.logger.Warn("retrying exchange",
				"binding", pl.id, "attempt", attempt, "delay", delay, "error", lastErr)
			if pl.bus != nil {
				pl.bus.Publish(events.Event{
					Type:      events.EventRetry,
					BindingID: pl.id,
					RequestID: client.RequestID,
					Attempt:   attempt,
					ErrorKind: string(apperr.KindOf(lastErr)),
				})
			}
			if err := pl.sleep(ctx, delay); err != nil {
				return nil, apperr.Wrap(apperr.KindCancelled, "cancelled during backoff", err)
			}
		}

		ex := &Exchange{
			RequestID: client.RequestID,
			BindingID: pl.id,
			Provider:  pl.provider,
			Model:     pl.model,
			Stream:    client.Stream,
			Attempt:   attempt,
			APIKey:    pl.apiKey,
			Client:    client,
			Upstream:  &UpstreamRequest{Method: http.MethodPost, Header: make(http.Header)},
		}

		err := pl.runOnce(ctx, ex)
		if err == nil {
			return ex, nil
		}
		lastErr = err
		if !apperr.Retryable(err) || ctx.Err() != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// runOnce executes one forward+reverse pass.
func (pl *Pipeline) runOnce(ctx context.Context, ex *Exchange) error {
	for _, st := range pl.stages {
		if v, ok := st.(Validator); ok {
			if err := v.ValidateInput(ex); err != nil {
				return err
			}
		}
	}

	for _, st := range pl.stages {
		if err := pl.runStage(ctx, st, ex, "request", st.ProcessRequest); err != nil {
			return err
		}
	}
	for i := len(pl.stages) - 1; i >= 0; i-- {
		st := pl.stages[i]
		if err := pl.runStage(ctx, st, ex, "response", st.ProcessResponse); err != nil {
			return err
		}
	}
	return nil
}

func (pl *Pipeline) runStage(ctx context.Context, st Stage, ex *Exchange, direction string, fn func(context.Context, *Exchange) error) error {
	start := time.Now()
	err := fn(ctx, ex)
	elapsed := time.Since(start)

	if pl.bus != nil {
		ev := events.Event{
			Type:       events.EventStage,
			Stage:      st.Name(),
			Direction:  direction,
			RequestID:  ex.RequestID,
			BindingID:  ex.BindingID,
			DurationMs: float64(elapsed.Microseconds()) / 1000,
			OK:         err == nil,
		}
		if err != nil {
			ev.ErrorKind = string(apperr.KindOf(err))
			ev.ErrorMsg = err.Error()
		}
		pl.bus.Publish(ev)
	}
	if err != nil {
		pl.logger.Debug("stage failed",
			"binding", ex.BindingID, "stage", st.Name(), "direction", direction,
			"duration_ms", elapsed.Milliseconds(), "error", err)
		return err
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
