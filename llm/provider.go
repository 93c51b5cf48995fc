package llm

import (
	"net/http"
	"sync"
)

// Provider implements one wire dialect for a model vendor.
type Provider interface {
	// Name returns the provider identifier (e.g. "openai").
	Name() string

	// BuildURL constructs the completion endpoint from the configured base.
	BuildURL(baseURL string) string

	// SetHeaders adds provider-specific headers, including authentication.
	SetHeaders(req *http.Request)

	// BuildRequestBody creates the JSON request body. temperature is nil to
	// use the endpoint default.
	BuildRequestBody(model string, messages []Message, temperature *float64, maxTokens int) ([]byte, error)

	// ParseResponse extracts content and usage from the provider response.
	ParseResponse(body []byte, model string) (*Response, error)
}

var (
	providerRegistry = make(map[string]Provider)
	providerMu       sync.RWMutex
)

// RegisterProvider adds a provider to the registry. Providers register
// themselves from init().
func RegisterProvider(p Provider) {
	providerMu.Lock()
	defer providerMu.Unlock()
	providerRegistry[p.Name()] = p
}

// GetProvider retrieves a registered provider, or nil.
func GetProvider(name string) Provider {
	providerMu.RLock()
	defer providerMu.RUnlock()
	return providerRegistry[name]
}
