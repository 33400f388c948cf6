package flow

import (
	"github.com/timvw/orchflow/internal/env"
)

// Router maps an environment descriptor to a flow.
type Router struct {
	flows map[string]Flow
}

// NewRouter creates a router over flows. A missing fallback flow is added.
func NewRouter(flows map[string]Flow) *Router {
	r := &Router{flows: make(map[string]Flow, len(flows)+1)}
	for name, f := range flows {
		r.flows[name] = f
	}
	r.flows[NameFallback] = Fallback
	return r
}

// Route returns the first compatible flow in priority order. It never
// fails: fallback accepts everything.
func (r *Router) Route(d env.Descriptor) Flow {
	return r.RouteExcluding(d)
}

// RouteExcluding routes as if the named backends were not installed.
// Excluding the fallback backend has no effect.
func (r *Router) RouteExcluding(d env.Descriptor, excluded ...string) Flow {
	for _, b := range excluded {
		d = d.Without(b)
	}
	skip := make(map[string]bool, len(excluded))
	for _, b := range excluded {
		skip[b] = true
	}
	for _, name := range Priority {
		f, ok := r.flows[name]
		if !ok || (name != NameFallback && skip[f.Backend]) {
			continue
		}
		if Compatible(name, d) {
			return f
		}
	}
	return Fallback
}

// ForBackend returns the flow bound to a backend name, or the flow with that
// name ("native" resolves to the wezterm flow).
func (r *Router) ForBackend(backend string) (Flow, bool) {
	if f, ok := r.flows[backend]; ok {
		return f, true
	}
	for _, name := range Priority {
		if f, ok := r.flows[name]; ok && f.Backend == backend {
			return f, true
		}
	}
	return Flow{}, false
}
