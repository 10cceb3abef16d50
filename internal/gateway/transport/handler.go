package transport

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// DefaultCallTimeout bounds a provider call when the request does not
// specify one. A hung provider call must never stall a trial indefinitely.
const DefaultCallTimeout = 60 * time.Second

// ProviderAdapter abstracts provider-specific HTTP communication patterns.
// Each provider implements this interface to handle its unique API format,
// authentication scheme, and response structure.
type ProviderAdapter interface {
	// Build constructs a provider-specific HTTP request from the normalized request.
	Build(ctx context.Context, req *Request) (*http.Request, error)

	// Parse extracts normalized data from the provider's HTTP response.
	Parse(httpResp *http.Response) (*Response, error)

	// Name returns the canonical provider identifier for routing and logging.
	Name() string
}

// Router selects the appropriate provider adapter for request routing,
// so callers never depend on concrete provider types.
type Router interface {
	// Pick selects the adapter for the provider and model combination.
	// Returns a fatal error for unknown providers or models.
	Pick(provider, model string) (ProviderAdapter, error)
}

// Handler processes generation requests through a composable middleware
// pipeline. It is the core abstraction enabling cross-cutting concerns like
// rate limiting, retry, pricing, and logging.
type Handler interface {
	Handle(ctx context.Context, req *Request) (*Response, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(context.Context, *Request) (*Response, error)

// Handle implements the Handler interface.
func (f HandlerFunc) Handle(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Middleware transforms a Handler into an enhanced Handler.
type Middleware func(Handler) Handler

// Chain builds a middleware pipeline around a core handler.
// Middleware executes in the order provided with the first middleware
// outermost.
func Chain(h Handler, middlewares ...Middleware) Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// NewHTTPHandler creates the core handler that performs actual HTTP requests
// against the adapter selected by the router.
func NewHTTPHandler(client *http.Client, router Router) Handler {
	return &httpHandler{client: client, router: router}
}

type httpHandler struct {
	client *http.Client
	router Router
}

// Handle implements Handler by routing to an adapter and executing the call
// under a bounded per-call timeout.
func (h *httpHandler) Handle(ctx context.Context, req *Request) (*Response, error) {
	adapter, err := h.router.Pick(req.Provider, req.Model)
	if err != nil {
		return nil, fmt.Errorf("failed to select provider: %w", err)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := adapter.Build(reqCtx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	start := time.Now()
	httpResp, err := h.client.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	resp, err := adapter.Parse(httpResp)
	if err != nil {
		return nil, err
	}

	resp.LatencyMs = latency.Milliseconds()
	if resp.Provider == "" {
		resp.Provider = adapter.Name()
	}
	if resp.Model == "" {
		resp.Model = req.Model
	}
	return resp, nil
}
