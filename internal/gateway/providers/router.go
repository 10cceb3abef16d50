// Package providers implements provider-specific adapters behind the
// transport.ProviderAdapter interface, plus the Router factory that keeps
// callers independent of concrete provider types.
package providers

import (
	"fmt"

	"github.com/symbi-labs/arena/internal/gateway/llmerrors"
	"github.com/symbi-labs/arena/internal/gateway/transport"
)

// Supported provider identifiers. These constants must match the provider
// names used in experiment variant configuration.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGoogle    = "google"
	ProviderMock      = "mock"
)

// Config holds per-provider connection settings.
type Config struct {
	// Endpoint overrides the provider's production API base URL.
	Endpoint string

	// APIKey authenticates requests; supplied by the credential collaborator.
	APIKey string

	// Headers are extra headers applied to every request.
	Headers map[string]string

	// RequestsPerMinute and TokensPerMinute are the provider's declared
	// rate-limit defaults, consumed by the rate limiter.
	RequestsPerMinute int
	TokensPerMinute   int
}

// RateLimitDefaults returns conservative fallbacks when a provider config
// does not declare its own limits.
func (c Config) RateLimitDefaults() (requests, tokens int) {
	requests, tokens = c.RequestsPerMinute, c.TokensPerMinute
	if requests <= 0 {
		requests = 60
	}
	if tokens <= 0 {
		tokens = 100_000
	}
	return requests, tokens
}

// NewRouter creates a router with configured provider adapters.
// Unknown provider names are rejected at construction, not at call time.
func NewRouter(configs map[string]Config) (transport.Router, error) {
	adapters := make(map[string]transport.ProviderAdapter, len(configs))

	for name, cfg := range configs {
		var adapter transport.ProviderAdapter
		switch name {
		case ProviderOpenAI:
			adapter = NewOpenAIAdapter(cfg)
		case ProviderAnthropic:
			adapter = NewAnthropicAdapter(cfg)
		case ProviderGoogle:
			adapter = NewGoogleAdapter(cfg)
		default:
			return nil, fmt.Errorf("%w: %s", llmerrors.ErrUnknownProvider, name)
		}
		adapters[name] = adapter
	}

	return &router{adapters: adapters}, nil
}

// router implements transport.Router with a provider adapter registry.
type router struct {
	adapters map[string]transport.ProviderAdapter
}

// Pick selects the adapter for the given provider name.
func (r *router) Pick(provider, _ string) (transport.ProviderAdapter, error) {
	adapter, ok := r.adapters[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", llmerrors.ErrUnknownProvider, provider)
	}
	return adapter, nil
}

// StaticRouter returns a router that always picks the given adapter,
// regardless of provider name. Useful for tests and the mock gateway.
func StaticRouter(adapter transport.ProviderAdapter) transport.Router {
	return staticRouter{adapter: adapter}
}

type staticRouter struct{ adapter transport.ProviderAdapter }

func (r staticRouter) Pick(_, _ string) (transport.ProviderAdapter, error) {
	return r.adapter, nil
}
