package retry_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/symbi-labs/arena/internal/gateway/llmerrors"
	"github.com/symbi-labs/arena/internal/gateway/retry"
	"github.com/symbi-labs/arena/internal/gateway/transport"
)

// fakeSleep records requested delays without actually waiting.
type fakeSleep struct {
	delays []time.Duration
}

func (f *fakeSleep) sleep(_ context.Context, d time.Duration) error {
	f.delays = append(f.delays, d)
	return nil
}

func transientErr() error {
	return &llmerrors.ProviderError{
		Provider:   "openai",
		StatusCode: 503,
		Message:    "upstream unavailable",
		Type:       llmerrors.ErrorTypeProvider,
	}
}

func fatalErr() error {
	return &llmerrors.ProviderError{
		Provider:   "openai",
		StatusCode: 401,
		Message:    "bad key",
		Type:       llmerrors.ErrorTypeAuth,
	}
}

func scripted(failures int, err error) (transport.Handler, *int) {
	calls := new(int)
	return transport.HandlerFunc(func(_ context.Context, _ *transport.Request) (*transport.Response, error) {
		*calls++
		if *calls <= failures {
			return nil, err
		}
		return &transport.Response{Content: "ok"}, nil
	}), calls
}

func newMiddleware(t *testing.T, cfg retry.Config) transport.Middleware {
	t.Helper()
	mw, err := retry.NewMiddleware(cfg)
	require.NoError(t, err)
	return mw
}

func TestNewMiddleware_RejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  retry.Config
	}{
		{"negative retries", retry.Config{MaxRetries: -1, InitialInterval: time.Second, MaxInterval: time.Minute}},
		{"zero initial interval", retry.Config{MaxRetries: 3, MaxInterval: time.Minute}},
		{"max below initial", retry.Config{MaxRetries: 3, InitialInterval: time.Minute, MaxInterval: time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := retry.NewMiddleware(tt.cfg)
			require.Error(t, err)
		})
	}
}

func TestRetry_TransientFailuresThenSuccess(t *testing.T) {
	sleeper := &fakeSleep{}
	mw := newMiddleware(t, retry.Config{
		MaxRetries:      3,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		Sleep:           sleeper.sleep,
	})

	handler, calls := scripted(3, transientErr())
	resp, err := mw(handler).Handle(context.Background(), &transport.Request{Provider: "openai"})

	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, 4, *calls)
	// Exponential schedule without jitter: 1s, 2s, 4s.
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, sleeper.delays)
}

func TestRetry_ExhaustionReturnsMaxRetriesExceeded(t *testing.T) {
	sleeper := &fakeSleep{}
	mw := newMiddleware(t, retry.Config{
		MaxRetries:      2,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		Sleep:           sleeper.sleep,
	})

	handler, calls := scripted(100, transientErr())
	_, err := mw(handler).Handle(context.Background(), &transport.Request{Provider: "openai"})

	require.ErrorIs(t, err, llmerrors.ErrMaxRetriesExceeded)
	assert.Equal(t, 3, *calls, "initial attempt plus two retries")
}

func TestRetry_FatalErrorNotRetried(t *testing.T) {
	sleeper := &fakeSleep{}
	mw := newMiddleware(t, retry.Config{
		MaxRetries:      3,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		Sleep:           sleeper.sleep,
	})

	handler, calls := scripted(100, fatalErr())
	_, err := mw(handler).Handle(context.Background(), &transport.Request{Provider: "openai"})

	require.Error(t, err)
	assert.NotErrorIs(t, err, llmerrors.ErrMaxRetriesExceeded)
	assert.Equal(t, 1, *calls, "fatal errors must fail immediately")
	assert.Empty(t, sleeper.delays)
}

func TestRetry_HonorsRetryAfter(t *testing.T) {
	sleeper := &fakeSleep{}
	mw := newMiddleware(t, retry.Config{
		MaxRetries:      1,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		Sleep:           sleeper.sleep,
	})

	rateErr := &llmerrors.RateLimitError{Provider: "openai", RetryAfter: 7}
	handler, _ := scripted(1, rateErr)
	_, err := mw(handler).Handle(context.Background(), &transport.Request{Provider: "openai"})

	require.NoError(t, err)
	require.Len(t, sleeper.delays, 1)
	assert.Equal(t, 7*time.Second, sleeper.delays[0], "provider guidance beats the exponential schedule")
}

func TestRetry_ContextCancellationStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	mw := newMiddleware(t, retry.Config{
		MaxRetries:      5,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		Sleep: func(ctx context.Context, _ time.Duration) error {
			return ctx.Err()
		},
	})

	handler := transport.HandlerFunc(func(_ context.Context, _ *transport.Request) (*transport.Response, error) {
		cancel()
		return nil, transientErr()
	})

	_, err := mw(handler).Handle(ctx, &transport.Request{Provider: "openai"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBackoff_Schedule(t *testing.T) {
	cfg := retry.Config{InitialInterval: time.Second, MaxInterval: 30 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 0},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second}, // capped, not 32s
		{10, 30 * time.Second},
	}
	for _, tt := range tests {
		assert.Equalf(t, tt.want, retry.Backoff(tt.attempt, cfg), "attempt %d", tt.attempt)
	}
}

func TestBackoff_JitterStaysWithinBound(t *testing.T) {
	cfg := retry.Config{InitialInterval: time.Second, MaxInterval: 30 * time.Second, UseJitter: true}
	for i := 0; i < 100; i++ {
		d := retry.Backoff(3, cfg)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 4*time.Second)
	}
}
