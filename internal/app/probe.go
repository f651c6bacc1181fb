package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/health"
	"github.com/modelrelay/modelrelay/internal/registry"
	"github.com/modelrelay/modelrelay/internal/upstream"
)

// probeTarget adapts one binding to the prober: a precomputed minimal request
// sent through the upstream stage's probe path.
type probeTarget struct {
	id     string
	stage  *upstream.Stage
	url    string
	header http.Header
	body   []byte
}

func (t *probeTarget) ID() string                      { return t.id }
func (t *probeTarget) Probe(ctx context.Context) error { return t.stage.Probe(ctx, t.url, t.header, t.body) }

// newProber builds a prober over every binding whose provider has health
// checks enabled. The probe interval is the smallest one configured.
func newProber(cfg *config.Config, reg *registry.Registry, tracker *health.Tracker, logger *slog.Logger) *health.Prober {
	pcfg := health.DefaultProberConfig()
	var targets []health.Probeable

	for name, prov := range cfg.Providers {
		if !prov.HealthCheck.Enabled {
			continue
		}
		if iv := prov.HealthCheck.Interval.Or(0); iv > 0 && iv < pcfg.Interval {
			pcfg.Interval = iv
		}
		if to := prov.HealthCheck.Timeout.Or(0); to > 0 && to > pcfg.ProbeTimeout {
			pcfg.ProbeTimeout = to
		}

		stage := upstream.New(upstream.WithProbeTimeout(prov.HealthCheck.Timeout.Or(5 * time.Second)))
		model := prov.HealthCheck.Model
		if model == "" && len(prov.Models) > 0 {
			model = prov.Models[0]
		}
		for _, b := range reg.Bindings() {
			if b.Provider != name {
				continue
			}
			apiKey, err := reg.RevealKey(b.ID)
			if err != nil {
				logger.Warn("probe credential unavailable", "binding", b.ID, "error", err)
				continue
			}
			targets = append(targets, &probeTarget{
				id:     b.ID,
				stage:  stage,
				url:    probeURL(prov, model),
				header: probeHeader(prov, apiKey),
				body:   probeBody(prov.Type, model),
			})
		}
	}
	return health.NewProber(pcfg, tracker, targets, logger)
}

func probeURL(prov config.Provider, model string) string {
	switch prov.Type {
	case config.TypeGemini:
		return fmt.Sprintf("%s/v1beta/models/%s:generateContent", prov.Endpoint, model)
	case config.TypeCodeWhisperer:
		return prov.Endpoint + "/generateAssistantResponse"
	default:
		return prov.Endpoint + "/chat/completions"
	}
}

func probeHeader(prov config.Provider, apiKey string) http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	if prov.Authentication.Type != "none" && apiKey != "" {
		if prov.Type == config.TypeGemini {
			h.Set("x-goog-api-key", apiKey)
		} else {
			h.Set("Authorization", "Bearer "+apiKey)
		}
	}
	return h
}

func probeBody(typ config.ProviderType, model string) []byte {
	switch typ {
	case config.TypeGemini:
		return []byte(`{"contents":[{"role":"user","parts":[{"text":"ping"}]}],"generationConfig":{"maxOutputTokens":1}}`)
	case config.TypeCodeWhisperer:
		return []byte(`{}`)
	default:
		return []byte(fmt.Sprintf(
			`{"model":%q,"messages":[{"role":"user","content":"ping"}],"max_tokens":1}`, model))
	}
}
