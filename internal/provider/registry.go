package provider

import (
	"fmt"
	"sort"

	"github.com/tjfontaine/polyglot-chat/internal/domain"
)

// Config describes one configured backend. Capabilities live here as
// data; adding a backend is a config entry, not a new type.
type Config struct {
	Name                string `koanf:"name"`
	BaseURL             string `koanf:"base_url"`
	APIKey              string `koanf:"api_key"`
	Path                string `koanf:"path"`
	DefaultModel        string `koanf:"default_model"`
	StructuredReasoning bool   `koanf:"structured_reasoning"`
	SupportsTools       bool   `koanf:"supports_tools"`
}

// Registry holds the configured providers by name.
type Registry struct {
	providers map[string]domain.Provider
	defaults  map[string]string
}

// NewRegistry builds clients for every configured provider.
func NewRegistry(configs []Config) (*Registry, error) {
	r := &Registry{
		providers: make(map[string]domain.Provider),
		defaults:  make(map[string]string),
	}

	for _, cfg := range configs {
		if cfg.Name == "" {
			return nil, fmt.Errorf("provider config missing name")
		}
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("provider %q missing base_url", cfg.Name)
		}
		if _, exists := r.providers[cfg.Name]; exists {
			return nil, fmt.Errorf("duplicate provider name %q", cfg.Name)
		}

		opts := []ClientOption{WithBaseURL(cfg.BaseURL)}
		if cfg.Path != "" {
			opts = append(opts, WithPath(cfg.Path))
		}

		caps := domain.Capabilities{
			StructuredReasoning: cfg.StructuredReasoning,
			SupportsTools:       cfg.SupportsTools,
		}
		r.providers[cfg.Name] = NewClient(cfg.Name, caps, cfg.APIKey, opts...)
		r.defaults[cfg.Name] = cfg.DefaultModel
	}

	return r, nil
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (domain.Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", name)
	}
	return p, nil
}

// DefaultModel returns the configured default model for a provider, or
// empty when none is set.
func (r *Registry) DefaultModel(name string) string {
	return r.defaults[name]
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
