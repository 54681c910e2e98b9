package llmprovider

import (
	"fmt"
	"strings"

	"github.com/petal-labs/iris/providers"
	"github.com/petal-labs/iris/providers/ollama"

	// Registered for endpoints that name a hosted provider instead of Ollama.
	_ "github.com/petal-labs/iris/providers/anthropic"
	_ "github.com/petal-labs/iris/providers/openai"

	"github.com/petal-labs/petalbridge/core"
)

// Default endpoint values.
const (
	DefaultProvider      = "ollama"
	DefaultOllamaBaseURL = "http://localhost:11434"
)

// Option configures a client built by NewClient.
type Option func(*irisAdapter)

// WithTextToolCalls toggles parsing of tool calls written as JSON in the
// reply text. It is on by default; local models often answer that way.
func WithTextToolCalls(enabled bool) Option {
	return func(a *irisAdapter) { a.textToolCalls = enabled }
}

// NewClient creates a core.LLMClient for the endpoint. Ollama is built
// directly so its base URL can be set; other provider names go through the
// iris provider registry.
func NewClient(endpoint core.ModelEndpoint, opts ...Option) (core.LLMClient, error) {
	name := strings.ToLower(strings.TrimSpace(endpoint.Provider))
	if name == "" {
		name = DefaultProvider
	}

	var provider providers.Provider
	if name == DefaultProvider {
		baseURL := endpoint.BaseURL
		if baseURL == "" {
			baseURL = DefaultOllamaBaseURL
		}
		provider = ollama.New(ollama.WithBaseURL(baseURL))
	} else {
		p, err := providers.Create(name, endpoint.APIKey)
		if err != nil {
			return nil, fmt.Errorf("creating provider %q: %w", name, err)
		}
		provider = p
	}

	return newAdapter(provider, opts...), nil
}
