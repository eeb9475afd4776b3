// Package providers holds the streaming-service integrations and the registry
// that selects one by a job's service key.
package providers

import (
	"fmt"
	"sort"
	"sync"

	"flaccy/core/apperrors"
	"flaccy/core/models"
)

// Registry maps service keys to providers
type Registry struct {
	mu        sync.RWMutex
	providers map[string]models.Provider
}

// NewRegistry creates a new, empty registry
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]models.Provider)}
}

// Register adds p under the service key name, replacing any previous entry
func (r *Registry) Register(name string, p models.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = p
}

// Get returns the provider registered under name
func (r *Registry) Get(name string) (models.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrUnknownService, name)
	}
	return p, nil
}

// Has reports whether a provider is registered under name
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.providers[name]
	return ok
}

// Names returns the registered service keys in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
