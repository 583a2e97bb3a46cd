package backend

import (
	"context"
	"sort"
	"sync"
)

// Registry holds the configured backends by name.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

func NewRegistry(backends ...Backend) *Registry {
	r := &Registry{backends: make(map[string]Backend)}
	for _, b := range backends {
		r.Register(b)
	}
	return r
}

// Register adds or replaces a backend.
func (r *Registry) Register(b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[b.Name()] = b
}

func (r *Registry) Get(name string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[name]
	if !ok {
		return nil, Unknown(name)
	}
	return b, nil
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.backends[name]
	return ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.backends))
	for n := range r.backends {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Abort asks the named backend to cancel an execution when it supports it.
// It returns false when the backend cannot abort.
func (r *Registry) Abort(ctx context.Context, name, backendJobID string) (bool, error) {
	b, err := r.Get(name)
	if err != nil {
		return false, err
	}
	a, ok := b.(Aborter)
	if !ok {
		return false, nil
	}
	return a.Abort(ctx, backendJobID)
}
