package model

import "sync"

// EndpointConfig describes one reachable model endpoint.
type EndpointConfig struct {
	// Provider is the wire dialect ("openai" for any OpenAI-compatible API).
	Provider string `json:"provider" yaml:"provider"`

	// URL is the API base URL.
	URL string `json:"url,omitempty" yaml:"url,omitempty"`

	// Model is the identifier sent to the provider.
	Model string `json:"model" yaml:"model"`

	// MaxTokens caps the completion length for this endpoint.
	MaxTokens int `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
}

// Registry resolves capabilities to endpoints. A capability without an
// explicit mapping falls back to the default endpoint.
type Registry struct {
	mu           sync.RWMutex
	capabilities map[Capability]string
	endpoints    map[string]*EndpointConfig
	defaultName  string
}

// NewRegistry creates a registry from explicit mappings.
func NewRegistry(caps map[Capability]string, endpoints map[string]*EndpointConfig, defaultName string) *Registry {
	if caps == nil {
		caps = make(map[Capability]string)
	}
	if endpoints == nil {
		endpoints = make(map[string]*EndpointConfig)
	}
	return &Registry{
		capabilities: caps,
		endpoints:    endpoints,
		defaultName:  defaultName,
	}
}

// NewDefaultRegistry returns a registry with one OpenAI-compatible endpoint
// serving every capability. Used when no configuration is provided.
func NewDefaultRegistry() *Registry {
	return NewRegistry(nil, map[string]*EndpointConfig{
		"default": {
			Provider:  "openai",
			URL:       "https://api.openai.com/v1",
			Model:     "gpt-4o-mini",
			MaxTokens: 4096,
		},
	}, "default")
}

// Resolve returns the endpoint serving a capability, or nil when neither a
// mapping nor a default exists.
func (r *Registry) Resolve(cap Capability) *EndpointConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name, ok := r.capabilities[cap]
	if !ok {
		name = r.defaultName
	}
	ep, ok := r.endpoints[name]
	if !ok {
		return nil
	}
	cp := *ep
	return &cp
}

// SetEndpoint registers or replaces an endpoint.
func (r *Registry) SetEndpoint(name string, ep *EndpointConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *ep
	r.endpoints[name] = &cp
}

// Bind maps a capability to a named endpoint.
func (r *Registry) Bind(cap Capability, endpointName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capabilities[cap] = endpointName
}

// Endpoints returns the registered endpoint names.
func (r *Registry) Endpoints() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.endpoints))
	for name := range r.endpoints {
		names = append(names, name)
	}
	return names
}
