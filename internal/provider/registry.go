package provider

import (
	"fmt"
	"sort"
	"sync"
)

// Registry is the explicit provider registry, seeded at program init.
// Dynamic plugin loading, where needed, appends to the same registry.
type Registry struct {
	mu         sync.RWMutex
	historical map[string]Historical
	streaming  map[string]Streaming
	disabled   map[string]error // Fatally failed providers, by ID
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		historical: make(map[string]Historical),
		streaming:  make(map[string]Streaming),
		disabled:   make(map[string]error),
	}
}

// RegisterHistorical adds a historical provider. Duplicate IDs error.
func (r *Registry) RegisterHistorical(p Historical) error {
	id := p.Descriptor().ID
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.historical[id]; ok {
		return fmt.Errorf("historical provider %q already registered", id)
	}
	r.historical[id] = p
	delete(r.disabled, id)
	return nil
}

// RegisterStreaming adds a streaming provider. Duplicate IDs error.
func (r *Registry) RegisterStreaming(p Streaming) error {
	id := p.Descriptor().ID
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.streaming[id]; ok {
		return fmt.Errorf("streaming provider %q already registered", id)
	}
	r.streaming[id] = p
	delete(r.disabled, id)
	return nil
}

// Disable marks a provider fatally failed (unauthorized) for this process
// lifetime. A disabled provider is excluded from listings until it is
// re-registered.
func (r *Registry) Disable(id string, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disabled[id] = cause
}

// IsDisabled reports whether the provider is disabled, with its cause.
func (r *Registry) IsDisabled(id string) (error, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cause, ok := r.disabled[id]
	return cause, ok
}

// Historical returns the provider by ID.
func (r *Registry) Historical(id string) (Historical, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.historical[id]
	return p, ok
}

// Streaming returns the provider by ID.
func (r *Registry) Streaming(id string) (Streaming, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.streaming[id]
	return p, ok
}

// HistoricalProviders returns enabled historical providers ordered by
// descriptor priority (lower first), ties broken by ID.
func (r *Registry) HistoricalProviders() []Historical {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Historical, 0, len(r.historical))
	for id, p := range r.historical {
		if _, dead := r.disabled[id]; dead {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		di, dj := out[i].Descriptor(), out[j].Descriptor()
		if di.Priority != dj.Priority {
			return di.Priority < dj.Priority
		}
		return di.ID < dj.ID
	})
	return out
}

// StreamingProviders returns enabled streaming providers ordered by
// descriptor priority (lower first), ties broken by ID.
func (r *Registry) StreamingProviders() []Streaming {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Streaming, 0, len(r.streaming))
	for id, p := range r.streaming {
		if _, dead := r.disabled[id]; dead {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		di, dj := out[i].Descriptor(), out[j].Descriptor()
		if di.Priority != dj.Priority {
			return di.Priority < dj.Priority
		}
		return di.ID < dj.ID
	})
	return out
}
