// Package retry provides the transient-failure retry middleware for the
// provider gateway. It implements exponential backoff with optional full
// jitter, honors provider retry-after guidance, and never retries fatal
// errors such as authentication failures or unknown models.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/symbi-labs/arena/internal/gateway/llmerrors"
	"github.com/symbi-labs/arena/internal/gateway/transport"
)

// Configuration validation errors.
var (
	errMaxRetriesInvalid      = errors.New("maxRetries must be >= 0")
	errInitialIntervalInvalid = errors.New("initialInterval must be greater than 0")
	errMaxIntervalInvalid     = errors.New("maxInterval must be >= initialInterval")
)

// Config tunes the retry policy.
type Config struct {
	// MaxRetries is the number of re-attempts after the first call.
	// The default policy allows 3 retries (4 attempts total).
	MaxRetries int

	// InitialInterval is the base backoff delay. Default 1s.
	InitialInterval time.Duration

	// MaxInterval caps the backoff delay. Default 30s.
	MaxInterval time.Duration

	// UseJitter applies full jitter: a random delay in [0, backoff].
	UseJitter bool

	// Sleep overrides the wait function; tests inject a fake clock here.
	// Nil uses a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultConfig returns the engine's standard retry policy:
// base 1000ms, delay = min(30s, base × 2^attempt), 3 retries.
func DefaultConfig() Config {
	return Config{
		MaxRetries:      3,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		UseJitter:       true,
	}
}

// NewMiddleware creates retry middleware with the given configuration.
func NewMiddleware(cfg Config) (transport.Middleware, error) {
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("%w, got %d", errMaxRetriesInvalid, cfg.MaxRetries)
	}
	if cfg.InitialInterval <= 0 {
		return nil, fmt.Errorf("%w, got %s", errInitialIntervalInvalid, cfg.InitialInterval)
	}
	if cfg.MaxInterval < cfg.InitialInterval {
		return nil, fmt.Errorf("%w, got %s < %s", errMaxIntervalInvalid, cfg.MaxInterval, cfg.InitialInterval)
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}

	m := &middleware{
		config: cfg,
		logger: slog.Default().With("component", "retry"),
	}
	return m.wrap, nil
}

type middleware struct {
	config Config
	logger *slog.Logger
}

func (m *middleware) wrap(next transport.Handler) transport.Handler {
	return transport.HandlerFunc(func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
		var lastErr error

		for attempt := 0; attempt <= m.config.MaxRetries; attempt++ {
			if attempt > 0 {
				delay := m.backoff(attempt, lastErr)
				m.logger.Debug("retrying provider call",
					"provider", req.Provider,
					"attempt", attempt,
					"delay", delay,
					"error", lastErr)
				if err := m.config.Sleep(ctx, delay); err != nil {
					return nil, fmt.Errorf("context cancelled during retry: %w", err)
				}
			}

			resp, err := next.Handle(ctx, req)
			if err == nil {
				return resp, nil
			}
			lastErr = err

			if !llmerrors.IsRetryable(err) {
				return nil, err
			}
			if ctx.Err() != nil {
				return nil, fmt.Errorf("context cancelled before retry: %w", ctx.Err())
			}
		}

		return nil, fmt.Errorf("%w after %d attempts: %w",
			llmerrors.ErrMaxRetriesExceeded, m.config.MaxRetries+1, lastErr)
	})
}

// backoff computes the delay before the given attempt (1-based).
// Provider retry-after guidance takes precedence over the exponential
// schedule, capped at MaxInterval either way.
func (m *middleware) backoff(attempt int, err error) time.Duration {
	if after := retryAfterFrom(err); after > 0 {
		if after > m.config.MaxInterval {
			return m.config.MaxInterval
		}
		return after
	}
	return Backoff(attempt, m.config)
}

// Backoff calculates the exponential backoff delay for a 1-based attempt:
// min(MaxInterval, InitialInterval × 2^(attempt-1)), with optional full
// jitter. Thread-safe via math/rand/v2. Returns zero for attempt <= 0.
func Backoff(attempt int, cfg Config) time.Duration {
	if attempt <= 0 {
		return 0
	}

	backoff := cfg.InitialInterval
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff > cfg.MaxInterval {
			backoff = cfg.MaxInterval
			break
		}
	}

	if cfg.UseJitter {
		// Full jitter: random between 0 and the calculated backoff.
		jitterMs := rand.Int64N(backoff.Milliseconds() + 1) // #nosec G404 -- non-cryptographic jitter
		return time.Duration(jitterMs) * time.Millisecond
	}
	return backoff
}

// retryAfterFrom extracts provider-specified retry delays from an error.
func retryAfterFrom(err error) time.Duration {
	var provider llmerrors.RetryAfterProvider
	if errors.As(err, &provider) {
		return provider.GetRetryAfter()
	}
	return 0
}

// sleepContext waits for d or until the context is cancelled.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
