// Package llmerrors defines the error taxonomy for provider gateway
// operations. Types classify failures as retryable (transient) or fatal so
// retry policy can be applied uniformly across heterogeneous providers.
package llmerrors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// ErrorType categorizes provider operation failures for retry classification.
// Types determine whether operations should be retried and with what backoff
// strategy, enabling resilient handling of transient vs. permanent failures.
type ErrorType string

const (
	// ErrorTypeTimeout indicates request timeout or deadline exceeded (retryable).
	ErrorTypeTimeout ErrorType = "timeout"

	// ErrorTypeRateLimit indicates rate limit exceeded, retry with backoff (retryable).
	ErrorTypeRateLimit ErrorType = "rate_limit"

	// ErrorTypeNetwork indicates network connectivity issues (retryable).
	ErrorTypeNetwork ErrorType = "network"

	// ErrorTypeProvider indicates provider service unavailable (retryable).
	ErrorTypeProvider ErrorType = "provider_unavailable"

	// ErrorTypeAuth indicates authentication failed (non-retryable).
	ErrorTypeAuth ErrorType = "authentication"

	// ErrorTypePermission indicates insufficient permissions (non-retryable).
	ErrorTypePermission ErrorType = "permission_denied"

	// ErrorTypeQuota indicates account quota exceeded (non-retryable).
	ErrorTypeQuota ErrorType = "quota_exceeded"

	// ErrorTypeValidation indicates the provider rejected the request shape (non-retryable).
	ErrorTypeValidation ErrorType = "validation_failed"

	// ErrorTypeUnknown indicates an unclassified error (non-retryable).
	ErrorTypeUnknown ErrorType = "unknown"
)

// Common gateway operation errors for consistent error handling.
var (
	// ErrUnknownProvider indicates an unknown or unsupported provider.
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrUnknownModel indicates an unknown or unsupported model.
	ErrUnknownModel = errors.New("unknown model")

	// ErrInvalidResponse indicates the provider returned an invalid response.
	ErrInvalidResponse = errors.New("invalid provider response")

	// ErrMaxRetriesExceeded indicates maximum retry attempts exceeded.
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")

	// ErrPricingUnavailable indicates pricing data is unavailable for a model.
	ErrPricingUnavailable = errors.New("pricing data unavailable")
)

// RetryAfterProvider is implemented by error types that can recommend a
// specific wait before the next attempt, letting providers communicate
// backpressure that the client respects.
type RetryAfterProvider interface {
	// GetRetryAfter returns the recommended wait before the next attempt,
	// or zero when no specific duration is available.
	GetRetryAfter() time.Duration
}

// ProviderError captures structured error responses from model providers.
// Includes HTTP status codes, provider-specific error codes, and retry timing
// to enable appropriate retry behavior and error diagnosis.
type ProviderError struct {
	Provider   string    `json:"provider"`
	StatusCode int       `json:"status_code"`
	Message    string    `json:"message"`
	Code       string    `json:"code"`
	Type       ErrorType `json:"type"`
	RetryAfter int       `json:"retry_after"` // Retry-After value in seconds
}

// Error returns formatted provider error with status code context.
func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s error (status %d): %s", e.Provider, e.StatusCode, e.Message)
}

// IsRetryable determines if the provider error warrants a retry attempt.
func (e *ProviderError) IsRetryable() bool {
	switch e.Type {
	case ErrorTypeTimeout, ErrorTypeRateLimit, ErrorTypeNetwork, ErrorTypeProvider:
		return true
	default:
		return false
	}
}

// GetRetryAfter implements RetryAfterProvider.
func (e *ProviderError) GetRetryAfter() time.Duration {
	if e.RetryAfter > 0 {
		return time.Duration(e.RetryAfter) * time.Second
	}
	return 0
}

// RateLimitError provides detailed rate limit context for backoff calculation.
// Includes retry timing and remaining capacity to enable optimal backoff
// strategies and quota management.
type RateLimitError struct {
	Provider          string    `json:"provider"`
	RetryAfter        int       `json:"retry_after"` // Seconds to wait before retry
	ResetAt           time.Time `json:"reset_at"`    // When capacity refills
	RequestsRemaining int       `json:"requests_remaining"`
	TokensRemaining   int       `json:"tokens_remaining"`
}

// Error returns formatted rate limit error with retry guidance.
func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limit exceeded for %s, retry after %d seconds", e.Provider, e.RetryAfter)
	}
	return fmt.Sprintf("rate limit exceeded for %s", e.Provider)
}

// GetRetryAfter implements RetryAfterProvider.
func (e *RateLimitError) GetRetryAfter() time.Duration {
	if e.RetryAfter > 0 {
		return time.Duration(e.RetryAfter) * time.Second
	}
	return 0
}

// ClassifyHTTPStatus maps an HTTP status code to an error type.
// 5xx and 429 are transient; auth and shape errors are fatal.
func ClassifyHTTPStatus(status int) ErrorType {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrorTypeRateLimit
	case status == http.StatusUnauthorized:
		return ErrorTypeAuth
	case status == http.StatusForbidden:
		return ErrorTypePermission
	case status == http.StatusPaymentRequired:
		return ErrorTypeQuota
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		return ErrorTypeTimeout
	case status >= 500:
		return ErrorTypeProvider
	case status >= 400:
		return ErrorTypeValidation
	default:
		return ErrorTypeUnknown
	}
}

// IsRetryable reports whether an arbitrary error is transient.
// Structured gateway errors carry their own classification; raw network
// and deadline errors from the HTTP client are treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.IsRetryable()
	}

	var rateErr *RateLimitError
	if errors.As(err, &rateErr) {
		return true
	}

	if errors.Is(err, ErrUnknownProvider) || errors.Is(err, ErrUnknownModel) ||
		errors.Is(err, ErrPricingUnavailable) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// context.DeadlineExceeded from a per-call timeout is a transient
	// condition; context.Canceled means the caller gave up and is not.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	return false
}

// TypeOf extracts the error classification for logging and metrics.
func TypeOf(err error) ErrorType {
	if err == nil {
		return ""
	}

	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.Type
	}

	var rateErr *RateLimitError
	if errors.As(err, &rateErr) {
		return ErrorTypeRateLimit
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTypeTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrorTypeNetwork
	}

	if errors.Is(err, ErrUnknownProvider) || errors.Is(err, ErrUnknownModel) {
		return ErrorTypeValidation
	}

	return ErrorTypeUnknown
}
