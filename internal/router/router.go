// Package router classifies client requests into routing categories. The
// rules are deterministic and evaluated top to bottom: long context first,
// then the explicit thinking opt-in, then configured lightweight background
// models, then search-capable tool lists, then default.
package router

import (
	"log/slog"

	"github.com/modelrelay/modelrelay/internal/apperr"
	"github.com/modelrelay/modelrelay/internal/schema"
)

// Routing categories.
const (
	CategoryDefault     = "default"
	CategoryBackground  = "background"
	CategoryThinking    = "thinking"
	CategoryLongContext = "longcontext"
	CategorySearch      = "search"
)

// Table answers whether a category has bindings and whether it is declared
// required. The registry implements it.
type Table interface {
	HasBindings(category string) bool
	Required(category string) bool
}

// Router classifies requests.
type Router struct {
	estimator        *Estimator
	longContext      int
	backgroundModels map[string]bool
	table            Table
	logger           *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithEstimator substitutes the token estimator.
func WithEstimator(e *Estimator) Option {
	return func(r *Router) {
		if e != nil {
			r.estimator = e
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

// New creates a Router. longContext is the token threshold; backgroundModels
// lists client model names that always route to background.
func New(table Table, longContext int, backgroundModels []string, opts ...Option) *Router {
	r := &Router{
		estimator:        NewEstimator(),
		longContext:      longContext,
		backgroundModels: make(map[string]bool, len(backgroundModels)),
		table:            table,
		logger:           slog.Default(),
	}
	for _, m := range backgroundModels {
		r.backgroundModels[m] = true
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Classify returns the routing category for a request, after resolving
// fallthrough: a category with no bindings falls back to default unless it is
// declared required, in which case classification fails.
func (r *Router) Classify(req *schema.ClientRequest) (string, error) {
	category := r.classify(req)
	if r.table == nil || r.table.HasBindings(category) {
		return category, nil
	}
	if r.table.Required(category) {
		return "", apperr.New(apperr.KindNoEligibleBinding, "required category has no bindings").
			With("category", category)
	}
	r.logger.Debug("category has no bindings, falling back", "category", category)
	return CategoryDefault, nil
}

func (r *Router) classify(req *schema.ClientRequest) string {
	if r.estimator.Estimate(req) >= r.longContext {
		return CategoryLongContext
	}
	if req.Thinking != nil && req.Thinking.Type == "enabled" {
		return CategoryThinking
	}
	if r.backgroundModels[req.Model] {
		return CategoryBackground
	}
	if req.HasSearchTool() {
		return CategorySearch
	}
	return CategoryDefault
}
