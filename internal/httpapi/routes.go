// Package httpapi is the HTTP boundary: the Messages endpoint the proxy
// exists for, plus the operational surface (health, status, metrics, live
// event stream). Handlers translate between HTTP and the proxy service; no
// routing or provider logic lives here.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/modelrelay/modelrelay/internal/balancer"
	"github.com/modelrelay/modelrelay/internal/capture"
	"github.com/modelrelay/modelrelay/internal/events"
	"github.com/modelrelay/modelrelay/internal/fault"
	"github.com/modelrelay/modelrelay/internal/health"
	"github.com/modelrelay/modelrelay/internal/metrics"
	"github.com/modelrelay/modelrelay/internal/proxy"
	"github.com/modelrelay/modelrelay/internal/registry"
)

// Dependencies carries everything the handlers need.
type Dependencies struct {
	Service   *proxy.Service
	Registry  *registry.Registry
	Balancer  *balancer.Balancer
	Substrate *fault.Substrate
	Health    *health.Tracker
	Metrics   *metrics.Registry
	EventBus  *events.Bus
	Capture   *capture.Sink // nil when capture is disabled
	Logger    *slog.Logger
	Version   string
}

func MountRoutes(r chi.Router, d Dependencies) {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}

	r.Post("/v1/messages", MessagesHandler(d))

	r.Get("/health", HealthHandler(d))
	r.Get("/status", StatusHandler(d))
	r.Get("/version", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"version": d.Version})
	})

	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler())
	}

	r.Route("/admin/v1", func(r chi.Router) {
		if d.EventBus != nil {
			r.Get("/events", SSEHandler(d.EventBus))
		}
		if d.Capture != nil {
			r.Get("/requests", RequestLogHandler(d))
		}
		r.Post("/bindings/{id}/reset-auth", ResetAuthHandler(d))
	})
}

// ResetAuthHandler clears an auth-failure blacklist entry after the operator
// rotated the binding's credentials.
func ResetAuthHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, ok := d.Registry.Binding(id); !ok {
			jsonError(w, "unknown binding", http.StatusNotFound)
			return
		}
		d.Substrate.ResetAuth(id)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok", "binding": id})
	}
}

// RequestLogHandler returns recent rows from the capture database.
func RequestLogHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rows, err := d.Capture.RecentRequests(r.Context(), 100)
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"requests": rows})
	}
}

func jsonError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
