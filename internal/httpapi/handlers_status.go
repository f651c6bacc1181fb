package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/modelrelay/modelrelay/internal/balancer"
)

// pipelineHealth is one pipeline's entry in the health report.
type pipelineHealth struct {
	State        string  `json:"state"`
	CBState      string  `json:"cbState"`
	Blacklisted  bool    `json:"blacklisted"`
	InFlight     int64   `json:"inFlight"`
	AvgLatencyMs float64 `json:"avgLatencyMs"`
}

// HealthHandler reports liveness plus whether the proxy can actually route:
// no bindings means unhealthy, not just idle. Each pipeline's lifecycle,
// breaker, and blacklist state is included so probes can alert on degraded
// bindings before they stop serving.
func HealthHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		pipelines := d.Registry.Pipelines()
		if len(pipelines) == 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"status": "unhealthy", "pipelines": map[string]pipelineHealth{},
			})
			return
		}

		report := make(map[string]pipelineHealth, len(pipelines))
		for _, pl := range pipelines {
			key := pl.ID() + "|" + pl.Model()
			report[key] = pipelineHealth{
				State:        string(pl.CurrentState()),
				CBState:      d.Substrate.BreakerState(pl.ID()),
				Blacklisted:  d.Substrate.Blacklisted(pl.ID(), pl.Model()),
				InFlight:     d.Balancer.InFlight(pl.ID()),
				AvgLatencyMs: d.Balancer.AvgLatencyMs(pl.ID()),
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "ok", "pipelines": report,
		})
	}
}

// bindingStatus is one row of the operational snapshot.
type bindingStatus struct {
	ID           string  `json:"id"`
	Provider     string  `json:"provider"`
	Group        string  `json:"group,omitempty"`
	BreakerState string  `json:"breaker_state"`
	Health       string  `json:"health"`
	InFlight     int64   `json:"in_flight"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	SuccessRate  float64 `json:"success_rate"`
}

// categoryStatus lists a category's candidates with their configured and
// effective weights (effective accounts for blacklisted bindings).
type categoryStatus struct {
	Candidates []candidateStatus `json:"candidates"`
}

type candidateStatus struct {
	Binding         string  `json:"binding"`
	Model           string  `json:"model"`
	Weight          float64 `json:"weight"`
	EffectiveWeight float64 `json:"effective_weight"`
}

// StatusHandler returns the full operational snapshot: bindings, categories,
// and live blacklist entries.
func StatusHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		bindings := d.Registry.Bindings()
		rows := make([]bindingStatus, 0, len(bindings))
		for _, b := range bindings {
			row := bindingStatus{
				ID:           b.ID,
				Provider:     b.Provider,
				Group:        b.GroupID,
				BreakerState: d.Substrate.BreakerState(b.ID),
				InFlight:     d.Balancer.InFlight(b.ID),
				AvgLatencyMs: d.Balancer.AvgLatencyMs(b.ID),
				SuccessRate:  d.Balancer.SuccessRate(b.ID),
			}
			if d.Health != nil {
				row.Health = string(d.Health.GetStats(b.ID).State)
			}
			rows = append(rows, row)
		}

		categories := make(map[string]categoryStatus)
		for _, cat := range d.Registry.Categories() {
			categories[cat] = categorySnapshot(d, cat)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"bindings":   rows,
			"categories": categories,
			"blacklist":  d.Substrate.Entries(),
		})
	}
}

func categorySnapshot(d Dependencies, category string) categoryStatus {
	candidates := d.Registry.CandidatesFor(category)
	weights := make(map[string]float64, len(candidates))
	removed := make(map[string]bool)
	for _, c := range candidates {
		weights[c.ID] = c.Weight
		if d.Substrate.Blacklisted(c.ID, c.Model) {
			removed[c.ID] = true
		}
	}
	effective := balancer.RedistributeWeights(weights, removed)

	out := categoryStatus{Candidates: make([]candidateStatus, 0, len(candidates))}
	for _, c := range candidates {
		out.Candidates = append(out.Candidates, candidateStatus{
			Binding:         c.ID,
			Model:           c.Model,
			Weight:          c.Weight,
			EffectiveWeight: effective[c.ID],
		})
	}
	return out
}
