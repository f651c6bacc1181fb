package health

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Probeable is implemented by bindings that support health probing. Probe is
// expected to bound itself (the server stage uses the configured probe
// timeout, default 5s).
type Probeable interface {
	ID() string
	Probe(ctx context.Context) error
}

// ProberConfig configures the health check prober.
type ProberConfig struct {
	Interval     time.Duration
	ProbeTimeout time.Duration
}

// DefaultProberConfig returns sensible defaults.
func DefaultProberConfig() ProberConfig {
	return ProberConfig{
		Interval:     30 * time.Second,
		ProbeTimeout: 5 * time.Second,
	}
}

// Prober periodically probes bindings and feeds results into the Tracker.
type Prober struct {
	cfg     ProberConfig
	tracker *Tracker
	logger  *slog.Logger
	stop    chan struct{}
	done    chan struct{}
	started bool

	mu      sync.RWMutex
	targets map[string]Probeable // keyed by binding ID
}

// NewProber creates a health check prober.
func NewProber(cfg ProberConfig, tracker *Tracker, targets []Probeable, logger *slog.Logger) *Prober {
	m := make(map[string]Probeable, len(targets))
	for _, t := range targets {
		m[t.ID()] = t
	}
	return &Prober{
		cfg:     cfg,
		tracker: tracker,
		targets: m,
		logger:  logger,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// AddTarget registers a new probe target at runtime. If a target with the
// same ID already exists it is replaced. Safe to call while running.
func (p *Prober) AddTarget(t Probeable) {
	p.mu.Lock()
	p.targets[t.ID()] = t
	p.mu.Unlock()
	p.logger.Info("health prober: added target", slog.String("binding", t.ID()))
}

// RemoveTarget removes a probe target by ID. Safe to call while running.
func (p *Prober) RemoveTarget(id string) {
	p.mu.Lock()
	delete(p.targets, id)
	p.mu.Unlock()
	p.logger.Info("health prober: removed target", slog.String("binding", id))
}

// Start begins the periodic probe loop in a goroutine.
func (p *Prober) Start() {
	p.mu.Lock()
	p.started = true
	p.mu.Unlock()
	go p.run()
}

// Stop signals the prober to stop and waits for it to finish. A no-op if the
// prober was never started.
func (p *Prober) Stop() {
	p.mu.Lock()
	started := p.started
	p.started = false
	p.mu.Unlock()
	if !started {
		return
	}
	close(p.stop)
	<-p.done
}

func (p *Prober) run() {
	defer close(p.done)

	// Probe immediately on start.
	p.probeAll()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.probeAll()
		case <-p.stop:
			return
		}
	}
}

func (p *Prober) probeAll() {
	p.mu.RLock()
	snapshot := make([]Probeable, 0, len(p.targets))
	for _, t := range p.targets {
		snapshot = append(snapshot, t)
	}
	p.mu.RUnlock()

	var wg sync.WaitGroup
	for _, t := range snapshot {
		wg.Add(1)
		go func(target Probeable) {
			defer wg.Done()
			p.probe(target)
		}(t)
	}
	wg.Wait()
}

func (p *Prober) probe(target Probeable) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ProbeTimeout)
	defer cancel()

	start := time.Now()
	err := target.Probe(ctx)
	latencyMs := float64(time.Since(start).Milliseconds())

	if err != nil {
		p.tracker.RecordError(target.ID(), "probe: "+err.Error())
		p.logger.Warn("health probe failed",
			slog.String("binding", target.ID()),
			slog.String("error", err.Error()),
		)
		return
	}
	p.tracker.RecordSuccess(target.ID(), latencyMs)
	p.logger.Debug("health probe ok",
		slog.String("binding", target.ID()),
		slog.Float64("latency_ms", latencyMs),
	)
}
