// Package gateway assembles the provider call pipeline. A Client wraps a
// middleware chain (logging, retry, pricing) around a core handler that
// performs real HTTP calls, or around a scripted mock for hermetic tests.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/symbi-labs/arena/internal/gateway/llmerrors"
	"github.com/symbi-labs/arena/internal/gateway/pricing"
	"github.com/symbi-labs/arena/internal/gateway/providers"
	"github.com/symbi-labs/arena/internal/gateway/retry"
	"github.com/symbi-labs/arena/internal/gateway/transport"
)

// Client is the single entry point the orchestrator uses to call providers.
type Client interface {
	// Generate performs a model call and returns the normalized response
	// with usage and cost attached.
	Generate(ctx context.Context, req *transport.Request) (*transport.Response, error)
}

// Config assembles a production client.
type Config struct {
	// Providers maps provider names to their connection settings.
	Providers map[string]providers.Config

	// Pricing resolves per-model rates. Required.
	Pricing pricing.Registry

	// Retry controls the backoff policy. Zero value selects defaults.
	Retry retry.Config

	// HTTPClient overrides the transport used for provider calls.
	HTTPClient *http.Client

	// Logger receives per-call structured logs. Defaults to slog.Default.
	Logger *slog.Logger

	// Core overrides the innermost handler. Tests inject a providers.Mock
	// here to exercise the full chain without network access.
	Core transport.Handler
}

type client struct {
	handler transport.Handler
}

// New builds a Client from the config. The chain is logging outermost, then
// retry, then pricing, so each attempt is priced individually and the log
// line reflects total wall time including backoff.
func New(cfg Config) (Client, error) {
	if cfg.Pricing == nil {
		return nil, errors.New("gateway: pricing registry is required")
	}

	core := cfg.Core
	if core == nil {
		httpClient := cfg.HTTPClient
		if httpClient == nil {
			httpClient = &http.Client{Timeout: transport.DefaultCallTimeout}
		}
		router, err := providers.NewRouter(cfg.Providers)
		if err != nil {
			return nil, fmt.Errorf("gateway: %w", err)
		}
		core = transport.NewHTTPHandler(httpClient, router)
	}

	retryCfg := cfg.Retry
	if retryCfg.MaxRetries == 0 && retryCfg.InitialInterval == 0 {
		retryCfg = retry.DefaultConfig()
	}
	retryMW, err := retry.NewMiddleware(retryCfg)
	if err != nil {
		return nil, fmt.Errorf("gateway: %w", err)
	}

	handler := transport.Chain(core,
		newLoggingMiddleware(cfg.Logger),
		retryMW,
		pricing.NewMiddleware(cfg.Pricing),
	)
	return &client{handler: handler}, nil
}

// Generate implements Client.
func (c *client) Generate(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	if req == nil {
		return nil, errors.New("gateway: nil request")
	}
	return c.handler.Handle(ctx, req)
}

// newLoggingMiddleware logs call start and outcome. Prompts are never
// logged; only metadata crosses the log boundary.
func newLoggingMiddleware(logger *slog.Logger) transport.Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "gateway")

	return func(next transport.Handler) transport.Handler {
		return transport.HandlerFunc(func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
			traceID := req.TraceID
			if traceID == "" {
				traceID = uuid.New().String()
				req.TraceID = traceID
			}

			log.DebugContext(ctx, "provider call started",
				"trace_id", traceID,
				"provider", req.Provider,
				"model", req.Model,
				"max_tokens", req.MaxTokens,
			)

			start := time.Now()
			resp, err := next.Handle(ctx, req)
			duration := time.Since(start)

			if err != nil {
				log.ErrorContext(ctx, "provider call failed",
					"trace_id", traceID,
					"provider", req.Provider,
					"model", req.Model,
					"duration_ms", duration.Milliseconds(),
					"error_type", string(llmerrors.TypeOf(err)),
					"error", err,
				)
				return nil, err
			}

			log.InfoContext(ctx, "provider call completed",
				"trace_id", traceID,
				"provider", resp.Provider,
				"model", resp.Model,
				"duration_ms", duration.Milliseconds(),
				"prompt_tokens", resp.Usage.PromptTokens,
				"completion_tokens", resp.Usage.CompletionTokens,
				"cost_cents", int64(resp.CostCents),
			)
			return resp, nil
		})
	}
}
