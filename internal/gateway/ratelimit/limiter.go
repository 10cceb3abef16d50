// Package ratelimit provides per-provider throughput gating with two
// independent token buckets: requests per minute and tokens per minute.
// Buckets refill continuously based on elapsed time, capped at capacity.
//
// Callers choose between failing fast with a RateLimitError carrying a
// retry-after value (the orchestrator's policy, so it can drive its own
// backoff) and blocking until capacity refills (Wait).
package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/symbi-labs/arena/internal/gateway/llmerrors"
)

const secondsPerMinute = 60

// Limits declares a provider's per-minute throughput capacity.
type Limits struct {
	// RequestsPerMinute caps calls; also the request bucket's burst size.
	RequestsPerMinute int

	// TokensPerMinute caps token throughput; also the token bucket's burst size.
	TokensPerMinute int
}

// Status is a point-in-time view of a provider's remaining capacity.
type Status struct {
	Provider          string    `json:"provider"`
	RequestsRemaining int       `json:"requests_remaining"`
	TokensRemaining   int       `json:"tokens_remaining"`
	ResetAt           time.Time `json:"reset_at"`
}

// providerBuckets holds the two buckets for one provider key.
type providerBuckets struct {
	requests *rate.Limiter
	tokens   *rate.Limiter
	limits   Limits
}

// Limiter gates provider calls on dual token buckets keyed by provider name.
// It is the one piece of mutable shared state touched by every concurrent
// trial dispatch; all operations are safe for concurrent use.
type Limiter struct {
	mu       sync.RWMutex
	buckets  map[string]*providerBuckets
	defaults Limits
	logger   *slog.Logger
}

// New creates a limiter. Providers not registered explicitly fall back to
// the given defaults on first use.
func New(defaults Limits) *Limiter {
	if defaults.RequestsPerMinute <= 0 {
		defaults.RequestsPerMinute = 60
	}
	if defaults.TokensPerMinute <= 0 {
		defaults.TokensPerMinute = 100_000
	}
	return &Limiter{
		buckets:  make(map[string]*providerBuckets),
		defaults: defaults,
		logger:   slog.Default().With("component", "ratelimit"),
	}
}

// Register declares a provider's capacity, replacing any existing buckets.
func (l *Limiter) Register(provider string, limits Limits) {
	if limits.RequestsPerMinute <= 0 {
		limits.RequestsPerMinute = l.defaults.RequestsPerMinute
	}
	if limits.TokensPerMinute <= 0 {
		limits.TokensPerMinute = l.defaults.TokensPerMinute
	}
	l.mu.Lock()
	l.buckets[provider] = newBuckets(limits)
	l.mu.Unlock()
}

func newBuckets(limits Limits) *providerBuckets {
	return &providerBuckets{
		requests: rate.NewLimiter(rate.Limit(float64(limits.RequestsPerMinute)/secondsPerMinute), limits.RequestsPerMinute),
		tokens:   rate.NewLimiter(rate.Limit(float64(limits.TokensPerMinute)/secondsPerMinute), limits.TokensPerMinute),
		limits:   limits,
	}
}

// getOrCreate retrieves a provider's buckets, creating them with defaults on
// first use. Double-checked locking keeps the hot path on the read lock.
func (l *Limiter) getOrCreate(provider string) *providerBuckets {
	l.mu.RLock()
	b, ok := l.buckets[provider]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = l.buckets[provider]; ok {
		return b
	}
	b = newBuckets(l.defaults)
	l.buckets[provider] = b
	return b
}

// Acquire attempts to take one request-unit and the given token-units
// without blocking. On insufficient capacity in either bucket it returns a
// *llmerrors.RateLimitError whose RetryAfter reflects the longer refill
// delay; no capacity is consumed on failure.
func (l *Limiter) Acquire(provider string, tokens int) error {
	b := l.getOrCreate(provider)

	// Reserve both without committing, so a failure on the second bucket
	// does not leak capacity from the first.
	reqRes := b.requests.Reserve()
	tokRes := b.tokens.ReserveN(time.Now(), clampBurst(tokens, b.limits.TokensPerMinute))

	reqDelay := reqRes.Delay()
	tokDelay := tokRes.Delay()
	if reqDelay == 0 && tokDelay == 0 {
		return nil
	}

	// At least one bucket lacks capacity: cancel both reservations to avoid
	// capacity leaks, then report the binding delay.
	reqRes.Cancel()
	tokRes.Cancel()

	delay := reqDelay
	if tokDelay > delay {
		delay = tokDelay
	}
	retryAfter := int(math.Ceil(delay.Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}

	return &llmerrors.RateLimitError{
		Provider:          provider,
		RetryAfter:        retryAfter,
		ResetAt:           time.Now().Add(delay),
		RequestsRemaining: remaining(b.requests),
		TokensRemaining:   remaining(b.tokens),
	}
}

// Wait blocks until one request-unit and the given token-units are available
// in both buckets, or the context is cancelled. Waiting is bounded by the
// caller's context; there is no unbounded busy-wait.
func (l *Limiter) Wait(ctx context.Context, provider string, tokens int) error {
	b := l.getOrCreate(provider)
	if err := b.requests.Wait(ctx); err != nil {
		return err
	}
	return b.tokens.WaitN(ctx, clampBurst(tokens, b.limits.TokensPerMinute))
}

// Status reports remaining capacity and the earliest time at which a
// currently-blocked request-unit would become available.
func (l *Limiter) Status(provider string) Status {
	b := l.getOrCreate(provider)

	st := Status{
		Provider:          provider,
		RequestsRemaining: remaining(b.requests),
		TokensRemaining:   remaining(b.tokens),
	}

	res := b.requests.Reserve()
	st.ResetAt = time.Now().Add(res.Delay())
	res.Cancel()
	return st
}

// remaining snapshots a bucket's whole available tokens, floored at zero.
func remaining(lim *rate.Limiter) int {
	n := int(lim.Tokens())
	if n < 0 {
		n = 0
	}
	return n
}

// clampBurst bounds a token request at the bucket's burst so an oversized
// request fails with a clean rate-limit error instead of never succeeding.
func clampBurst(tokens, burst int) int {
	if tokens < 1 {
		return 1
	}
	if tokens > burst {
		return burst
	}
	return tokens
}
