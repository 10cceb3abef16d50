// Package pricing provides cost accounting for provider calls. Each
// provider/model pair declares per-1k-token rates; the middleware attaches
// the computed cost to every successful response so the orchestrator can
// enforce run budgets. Unknown models fail closed with a fatal error rather
// than letting costs go unaccounted.
package pricing

import (
	"context"
	"fmt"
	"sync"

	"github.com/symbi-labs/arena/internal/domain"
	"github.com/symbi-labs/arena/internal/gateway/llmerrors"
	"github.com/symbi-labs/arena/internal/gateway/transport"
)

const tokensPerRate = 1000

// Entry contains cost data for a specific provider/model combination.
// Rates are stored in milli-cents per 1000 tokens to keep sub-cent
// per-call costs exact until they accumulate.
type Entry struct {
	Provider          string `json:"provider"`
	Model             string `json:"model"`
	PromptCostPer1000 int64  `json:"prompt_cost_per_1000"`
	OutputCostPer1000 int64  `json:"output_cost_per_1000"`
}

// Key generates the registry lookup key.
func (e *Entry) Key() string { return e.Provider + "/" + e.Model }

// MilliCents computes the call cost in milli-cents:
// (promptTokens × promptRate + completionTokens × completionRate) / 1000.
func (e *Entry) MilliCents(usage transport.Usage) int64 {
	promptCost := (usage.PromptTokens * e.PromptCostPer1000) / tokensPerRate
	outputCost := (usage.CompletionTokens * e.OutputCostPer1000) / tokensPerRate
	return promptCost + outputCost
}

// Registry resolves cost entries for provider/model pairs.
type Registry interface {
	// Lookup returns the entry for the pair, or a fatal
	// ErrPricingUnavailable when no rate is known.
	Lookup(provider, model string) (*Entry, error)

	// Known reports whether the pair has a registered rate. The manager
	// uses this to reject configs referencing unknown provider/model pairs.
	Known(provider, model string) bool
}

// InMemoryRegistry is a thread-safe Registry seeded with a rate table.
type InMemoryRegistry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewRegistry creates a registry from the given entries.
func NewRegistry(entries []Entry) *InMemoryRegistry {
	r := &InMemoryRegistry{entries: make(map[string]*Entry, len(entries))}
	for i := range entries {
		e := entries[i]
		r.entries[e.Key()] = &e
	}
	return r
}

// NewDefaultRegistry seeds common model rates for immediate use.
// Deployments replace these with current provider pricing.
func NewDefaultRegistry() *InMemoryRegistry {
	return NewRegistry([]Entry{
		{Provider: "openai", Model: "gpt-4o", PromptCostPer1000: 2500, OutputCostPer1000: 10000},
		{Provider: "openai", Model: "gpt-4o-mini", PromptCostPer1000: 150, OutputCostPer1000: 600},
		{Provider: "anthropic", Model: "claude-3-opus", PromptCostPer1000: 15000, OutputCostPer1000: 75000},
		{Provider: "anthropic", Model: "claude-3-haiku", PromptCostPer1000: 250, OutputCostPer1000: 1250},
		{Provider: "google", Model: "gemini-1.5-pro", PromptCostPer1000: 1250, OutputCostPer1000: 5000},
		{Provider: "google", Model: "gemini-1.5-flash", PromptCostPer1000: 75, OutputCostPer1000: 300},
	})
}

// Set registers or replaces an entry.
func (r *InMemoryRegistry) Set(entry Entry) {
	r.mu.Lock()
	r.entries[entry.Key()] = &entry
	r.mu.Unlock()
}

// Lookup implements Registry.
func (r *InMemoryRegistry) Lookup(provider, model string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[provider+"/"+model]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", llmerrors.ErrPricingUnavailable, provider, model)
	}
	return entry, nil
}

// Known implements Registry.
func (r *InMemoryRegistry) Known(provider, model string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[provider+"/"+model]
	return ok
}

// NewMiddleware attaches computed cost to every successful response.
// The rate lookup runs before the call so unknown models fail without
// spending provider quota.
func NewMiddleware(registry Registry) transport.Middleware {
	return func(next transport.Handler) transport.Handler {
		return transport.HandlerFunc(func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
			entry, err := registry.Lookup(req.Provider, req.Model)
			if err != nil {
				return nil, err
			}

			resp, err := next.Handle(ctx, req)
			if err != nil {
				return nil, err
			}

			resp.CostCents = domain.CentsFromMilliCents(entry.MilliCents(resp.Usage))
			return resp, nil
		})
	}
}

// Estimate computes the expected cost of a call with the given token counts
// without performing it, for callers that want to preview spend before
// issuing a request.
func Estimate(registry Registry, provider, model string, promptTokens, completionTokens int64) (domain.Cents, error) {
	entry, err := registry.Lookup(provider, model)
	if err != nil {
		return 0, err
	}
	usage := transport.Usage{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
	}
	return domain.CentsFromMilliCents(entry.MilliCents(usage)), nil
}
