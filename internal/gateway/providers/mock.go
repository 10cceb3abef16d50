package providers

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/symbi-labs/arena/internal/gateway/llmerrors"
	"github.com/symbi-labs/arena/internal/gateway/transport"
)

// transientMockError is the default scripted failure: a retryable 503.
func transientMockError(provider string) error {
	return &llmerrors.ProviderError{
		Provider:   provider,
		StatusCode: 503,
		Message:    "scripted transient failure",
		Type:       llmerrors.ErrorTypeProvider,
	}
}

// Mock is an explicit test double implementing transport.Handler directly,
// bypassing HTTP. It stands in for the core handler of a gateway client so
// tests and dry runs exercise the full middleware pipeline without network
// access. It is never embedded in production adapters.
type Mock struct {
	mu     sync.Mutex
	script MockScript
	calls  int
}

// MockScript configures the double's behavior.
type MockScript struct {
	// Latency is simulated per call; zero means immediate.
	Latency time.Duration

	// FailuresBeforeSuccess makes the first N calls fail with the scripted
	// error before succeeding. Zero means always succeed.
	FailuresBeforeSuccess int

	// Err is returned while failures remain; nil defaults to a transient
	// provider error.
	Err error

	// TokensPerCall sizes the synthetic usage accounting.
	TokensPerCall int64
}

// NewMock creates a mock gateway core with the given script.
func NewMock(script MockScript) *Mock {
	if script.TokensPerCall <= 0 {
		script.TokensPerCall = 100
	}
	return &Mock{script: script}
}

// Calls reports how many times Handle has been invoked.
func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Handle implements transport.Handler with deterministic synthetic content.
// Content is derived from the prompt hash so distinct prompts produce
// distinct outputs, which keeps blinded comparisons meaningful in dry runs.
func (m *Mock) Handle(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	m.mu.Lock()
	m.calls++
	call := m.calls
	script := m.script
	m.mu.Unlock()

	if script.Latency > 0 {
		select {
		case <-time.After(script.Latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if call <= script.FailuresBeforeSuccess {
		if script.Err != nil {
			return nil, script.Err
		}
		return nil, transientMockError(req.Provider)
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(req.Model + ":" + req.Prompt))
	prompt := script.TokensPerCall / 2

	return &transport.Response{
		Content:  fmt.Sprintf("synthetic response %08x from %s", h.Sum32(), req.Model),
		Provider: req.Provider,
		Model:    req.Model,
		Usage: transport.Usage{
			PromptTokens:     prompt,
			CompletionTokens: script.TokensPerCall - prompt,
			TotalTokens:      script.TokensPerCall,
		},
		LatencyMs: script.Latency.Milliseconds(),
	}, nil
}
