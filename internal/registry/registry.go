// Package registry owns every provider binding and its pipeline. A binding is
// one provider credential; a pipeline exists per binding×model. Providers with
// multiple credentials are expanded into {name}-key{i} bindings that share a
// group and split the provider's weight equally. The registry exposes the
// candidate sets the balancer selects from and drives pipeline lifecycle.
package registry

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/modelrelay/modelrelay/internal/balancer"
	"github.com/modelrelay/modelrelay/internal/compat"
	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/events"
	"github.com/modelrelay/modelrelay/internal/pipeline"
	"github.com/modelrelay/modelrelay/internal/preprocess"
	"github.com/modelrelay/modelrelay/internal/protocol"
	"github.com/modelrelay/modelrelay/internal/transform"
	"github.com/modelrelay/modelrelay/internal/upstream"
	"github.com/modelrelay/modelrelay/internal/vault"
)

// Binding is one provider credential, the unit of selection and fault
// tracking. The raw key is sealed into the vault at construction; bindings
// carry only the handle.
type Binding struct {
	ID          string
	Provider    string
	Type        config.ProviderType
	GroupID     string // shared by sibling keys of one provider; empty for singles
	KeyHandle   string // vault handle; empty for auth type "none"
	Weight      float64
	MaxInFlight int
	Endpoint    string
}

// Registry owns bindings and pipelines.
type Registry struct {
	cfg    *config.Config
	logger *slog.Logger
	bus    *events.Bus
	creds  *vault.Vault

	mu        sync.RWMutex
	bindings  map[string]Binding
	pipelines map[string]*pipeline.Pipeline // keyed bindingID|model
	// candidates per category, in configured order (primary first).
	candidates map[string][]balancer.Candidate
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger attaches a logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithEventBus attaches a bus, forwarded to every pipeline.
func WithEventBus(bus *events.Bus) Option {
	return func(r *Registry) { r.bus = bus }
}

// WithVault supplies the credential vault. The vault must be unlocked; every
// configured key is sealed into it and bindings keep only handles. Without
// this option the registry seals keys into an ephemeral in-memory vault.
func WithVault(v *vault.Vault) Option {
	return func(r *Registry) { r.creds = v }
}

// New builds the registry from configuration: expands credentials into
// bindings, assembles a pipeline per binding×model referenced by routing.
func New(cfg *config.Config, opts ...Option) (*Registry, error) {
	r := &Registry{
		cfg:        cfg,
		logger:     slog.Default(),
		bindings:   make(map[string]Binding),
		pipelines:  make(map[string]*pipeline.Pipeline),
		candidates: make(map[string][]balancer.Candidate),
	}
	for _, o := range opts {
		o(r)
	}
	if r.creds == nil {
		v, err := ephemeralVault()
		if err != nil {
			return nil, fmt.Errorf("credential vault: %w", err)
		}
		r.creds = v
	}

	expanded := make(map[string][]Binding) // provider name -> bindings
	for name, p := range cfg.Providers {
		bindings, err := r.expandBindings(name, p, cfg.Routing.GlobalSettings.EnableMultiKeyExpansion)
		if err != nil {
			return nil, err
		}
		expanded[name] = bindings
	}

	for catName, cat := range cfg.Routing.Categories {
		targets := append([]config.Target{cat.Primary}, cat.Backups...)
		for _, t := range targets {
			prov := cfg.Providers[t.Provider]
			if modelBlacklisted(prov, t.Model) {
				r.logger.Warn("routing target model is blacklisted on provider",
					"category", catName, "provider", t.Provider, "model", t.Model)
				continue
			}
			for _, b := range expanded[t.Provider] {
				weight := b.Weight
				if t.Weight > 0 {
					weight = float64(t.Weight) / float64(len(expanded[t.Provider]))
				}
				r.bindings[b.ID] = b
				r.candidates[catName] = append(r.candidates[catName], balancer.Candidate{
					ID:          b.ID,
					GroupID:     b.GroupID,
					Model:       t.Model,
					Weight:      weight,
					MaxInFlight: b.MaxInFlight,
				})
				if err := r.buildPipeline(b, prov, t.Model); err != nil {
					return nil, err
				}
			}
		}
	}
	return r, nil
}

// expandBindings turns one provider declaration into its bindings, sealing
// each raw key into the vault.
func (r *Registry) expandBindings(name string, p config.Provider, multiKey bool) ([]Binding, error) {
	keys := p.Authentication.Credentials.All()
	weight := float64(p.Weight)
	if weight <= 0 {
		weight = 1
	}

	base := Binding{
		Provider:    name,
		Type:        p.Type,
		Weight:      weight,
		MaxInFlight: p.MaxConcurrentRequests,
		Endpoint:    p.Endpoint,
	}

	if len(keys) <= 1 || !multiKey {
		b := base
		b.ID = name
		if len(keys) > 0 {
			if err := r.sealKey(&b, keys[0]); err != nil {
				return nil, err
			}
		}
		return []Binding{b}, nil
	}

	out := make([]Binding, 0, len(keys))
	for i, key := range keys {
		b := base
		b.ID = fmt.Sprintf("%s-key%d", name, i+1)
		b.GroupID = name
		b.Weight = weight / float64(len(keys))
		if err := r.sealKey(&b, key); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// sealKey stores a raw credential in the vault under the binding id.
func (r *Registry) sealKey(b *Binding, key string) error {
	if err := r.creds.Set(b.ID, key); err != nil {
		return fmt.Errorf("seal credential for %s: %w", b.ID, err)
	}
	b.KeyHandle = b.ID
	return nil
}

// ephemeralVault backs registries constructed without WithVault: a one-shot
// random master, never persisted, so raw keys still leave the config structs.
func ephemeralVault() (*vault.Vault, error) {
	v, err := vault.New(true)
	if err != nil {
		return nil, err
	}
	master := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, master); err != nil {
		return nil, err
	}
	if err := v.Unlock(master); err != nil {
		return nil, err
	}
	return v, nil
}

// buildPipeline assembles the four-stage pipeline for one binding×model.
func (r *Registry) buildPipeline(b Binding, prov config.Provider, model string) error {
	key := pipelineKey(b.ID, model)
	if _, exists := r.pipelines[key]; exists {
		return nil
	}

	preOpts := []preprocess.Option{
		preprocess.WithMarkers(prov.ToolCallPatterns),
		preprocess.WithStrictFinishReason(preprocess.StrictFinishReasonProvider(b.Provider, prov.Endpoint)),
		preprocess.WithLogger(r.logger),
	}
	if !r.cfg.Preprocessing.Enabled {
		preOpts = append(preOpts, preprocess.WithoutDetection())
	}
	pre := preprocess.New(preOpts...)

	transformer, err := transform.New(string(prov.Type),
		transform.WithMaxTokens(prov.MaxTokens[model]))
	if err != nil {
		return fmt.Errorf("binding %s: %w", b.ID, err)
	}
	proto, err := protocol.New(string(prov.Type), prov.Endpoint, pre)
	if err != nil {
		return fmt.Errorf("binding %s: %w", b.ID, err)
	}
	serverCompat, err := compat.New(string(prov.Type), prov.Authentication.Type)
	if err != nil {
		return fmt.Errorf("binding %s: %w", b.ID, err)
	}
	server := upstream.New(
		upstream.WithTimeout(prov.Timeout.Or(0)),
		upstream.WithProbeTimeout(prov.HealthCheck.Timeout.Or(0)),
	)

	retry := pipeline.DefaultRetryPolicy()
	if prov.Retry.MaxRetries > 0 {
		retry.MaxRetries = prov.Retry.MaxRetries
	}
	if prov.Retry.DelayMs > 0 {
		retry.BaseDelay = time.Duration(prov.Retry.DelayMs) * time.Millisecond
	}
	if prov.Retry.MaxDelayMs > 0 {
		retry.MaxDelay = time.Duration(prov.Retry.MaxDelayMs) * time.Millisecond
	}

	apiKey := ""
	if b.KeyHandle != "" {
		apiKey, err = r.creds.Get(b.KeyHandle)
		if err != nil {
			return fmt.Errorf("binding %s: resolve credential: %w", b.ID, err)
		}
	}

	stages := []pipeline.Stage{transformer, proto, serverCompat, server}
	r.pipelines[key] = pipeline.New(b.ID, b.Provider, model, apiKey, stages,
		pipeline.WithRetryPolicy(retry),
		pipeline.WithLogger(r.logger.With("binding", b.ID, "model", model)),
		pipeline.WithEventBus(r.bus),
	)
	return nil
}

// InitializeAll drives every pipeline created -> running. Fails fast on the
// first error so startup is all-or-nothing.
func (r *Registry) InitializeAll(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for key, pl := range r.pipelines {
		if err := pl.Init(ctx); err != nil {
			return fmt.Errorf("initialize %s: %w", key, err)
		}
		if err := pl.Connect(ctx); err != nil {
			return fmt.Errorf("connect %s: %w", key, err)
		}
	}
	r.logger.Info("pipelines running", "count", len(r.pipelines))
	return nil
}

// ShutdownAll disconnects and destroys every pipeline in a stable order.
// Errors are logged, not returned: shutdown always completes.
func (r *Registry) ShutdownAll(ctx context.Context) {
	r.mu.RLock()
	keys := make([]string, 0, len(r.pipelines))
	for key := range r.pipelines {
		keys = append(keys, key)
	}
	r.mu.RUnlock()
	sort.Strings(keys)

	for _, key := range keys {
		r.mu.RLock()
		pl := r.pipelines[key]
		r.mu.RUnlock()
		if err := pl.Disconnect(ctx); err != nil {
			r.logger.Warn("disconnect failed", "pipeline", key, "error", err)
		}
		if err := pl.Destroy(ctx); err != nil {
			r.logger.Warn("destroy failed", "pipeline", key, "error", err)
		}
	}
	r.logger.Info("pipelines shut down", "count", len(keys))
}

// Pipeline returns the pipeline serving a binding×model.
func (r *Registry) Pipeline(bindingID, model string) (*pipeline.Pipeline, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pl, ok := r.pipelines[pipelineKey(bindingID, model)]
	return pl, ok
}

// CandidatesFor returns the category's candidate bindings in configured
// order, primary target first.
func (r *Registry) CandidatesFor(category string) []balancer.Candidate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src := r.candidates[category]
	out := make([]balancer.Candidate, len(src))
	copy(out, src)
	return out
}

// Categories lists the configured category names.
func (r *Registry) Categories() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.candidates))
	for c := range r.candidates {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// HasBindings reports whether a category has any candidate bindings. Together
// with Required this satisfies the router's table interface.
func (r *Registry) HasBindings(category string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.candidates[category]) > 0
}

// Required reports whether a category is declared required, which turns a
// missing-binding fallthrough into a routing failure.
func (r *Registry) Required(category string) bool {
	return r.cfg.Routing.Categories[category].Required
}

// Binding returns a binding by id.
func (r *Registry) Binding(id string) (Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bindings[id]
	return b, ok
}

// RevealKey resolves a binding's credential from the vault. Callers must not
// retain the key beyond the request or probe using it.
func (r *Registry) RevealKey(bindingID string) (string, error) {
	b, ok := r.Binding(bindingID)
	if !ok {
		return "", fmt.Errorf("unknown binding: %s", bindingID)
	}
	if b.KeyHandle == "" {
		return "", nil
	}
	return r.creds.Get(b.KeyHandle)
}

// Bindings returns all bindings, sorted by id.
func (r *Registry) Bindings() []Binding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Binding, 0, len(r.bindings))
	for _, b := range r.bindings {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Pipelines returns every pipeline, for the health prober and the status
// snapshot.
func (r *Registry) Pipelines() []*pipeline.Pipeline {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.pipelines))
	for key := range r.pipelines {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]*pipeline.Pipeline, 0, len(keys))
	for _, key := range keys {
		out = append(out, r.pipelines[key])
	}
	return out
}

func modelBlacklisted(p config.Provider, model string) bool {
	for _, m := range p.Blacklist {
		if m == model {
			return true
		}
	}
	return false
}

func pipelineKey(bindingID, model string) string {
	return bindingID + "|" + model
}
