package adapters

import (
	"strings"

	"github.com/smallbiznis/paysync/internal/payment/domain"
)

// DefaultProvider is used by the orchestrator when callers do not name one.
const DefaultProvider = "stripe"

type Registry struct {
	providers map[string]domain.Provider
}

func NewRegistry(providers ...domain.Provider) *Registry {
	registry := &Registry{providers: map[string]domain.Provider{}}
	for _, provider := range providers {
		if provider == nil {
			continue
		}
		name := normalize(provider.Name())
		if name == "" {
			continue
		}
		registry.providers[name] = provider
	}
	return registry
}

func (r *Registry) ProviderExists(name string) bool {
	if r == nil {
		return false
	}
	_, ok := r.providers[normalize(name)]
	return ok
}

func (r *Registry) Get(name string) (domain.Provider, error) {
	if r == nil {
		return nil, domain.ErrProviderNotFound
	}
	name = normalize(name)
	if name == "" {
		return nil, domain.ErrInvalidProvider
	}
	provider, ok := r.providers[name]
	if !ok {
		return nil, domain.ErrProviderNotFound
	}
	return provider, nil
}

func (r *Registry) Default() (domain.Provider, error) {
	return r.Get(DefaultProvider)
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
