package provider

import (
	"fmt"

	"github.com/notifyhub/dispatch/internal/domain"
)

// Registry maps a notification type to its adapter. Adapters are registered
// once at startup; lookups afterwards are read-only, so no lock is needed.
type Registry struct {
	adapters map[domain.Type]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[domain.Type]Adapter)}
}

// Register binds an adapter to a notification type, replacing any previous
// binding for that type.
func (r *Registry) Register(t domain.Type, a Adapter) {
	r.adapters[t] = a
}

// Get returns the adapter for a type, or ErrNoProviderForType.
func (r *Registry) Get(t domain.Type) (Adapter, error) {
	a, ok := r.adapters[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrNoProviderForType, t)
	}
	return a, nil
}

// All returns every registered adapter, for health reporting.
func (r *Registry) All() []Adapter {
	result := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		result = append(result, a)
	}
	return result
}
