// Package errors defines the typed failure taxonomy for inference calls.
// Error types determine whether an operation should be retried, rotated to
// another provider, or surfaced immediately, replacing retry-via-exception
// control flow with classifications visible at every call site.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorType categorizes inference call failures for retry classification.
type ErrorType string

const (
	// ErrorTypeTimeout indicates request timeout or deadline exceeded (retryable).
	ErrorTypeTimeout ErrorType = "timeout"

	// ErrorTypeRateLimit indicates a provider rate-limit signal; the provider
	// is placed on cooldown and the call rotates to another credential.
	ErrorTypeRateLimit ErrorType = "rate_limit"

	// ErrorTypeNetwork indicates network connectivity issues (retryable).
	ErrorTypeNetwork ErrorType = "network"

	// ErrorTypeProvider indicates provider service unavailable, 5xx (retryable).
	ErrorTypeProvider ErrorType = "provider_unavailable"

	// ErrorTypeMalformed indicates an unparseable model payload. Retryable at
	// the request level since the model may produce better output on retry.
	ErrorTypeMalformed ErrorType = "malformed_response"

	// ErrorTypeAuth indicates authentication failed (non-retryable).
	ErrorTypeAuth ErrorType = "authentication"

	// ErrorTypeBadRequest indicates a 4xx configuration error (non-retryable).
	ErrorTypeBadRequest ErrorType = "bad_request"

	// ErrorTypeBudget indicates the run-level cost budget was exceeded.
	// Fatal to the whole run, not just one item.
	ErrorTypeBudget ErrorType = "budget_exceeded"

	// ErrorTypeUnknown indicates an unclassified error.
	ErrorTypeUnknown ErrorType = "unknown"
)

// Common sentinel errors for consistent handling across packages.
var (
	// ErrNoProviderAvailable indicates every configured provider is cooling
	// down or out of request capacity.
	ErrNoProviderAvailable = errors.New("no provider available")

	// ErrProviderUnavailable indicates the provider service is down or unreachable.
	ErrProviderUnavailable = errors.New("provider service unavailable")

	// ErrRateLimitExceeded indicates a rate limit has been exceeded.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrMaxAttemptsExceeded indicates request-level attempts were exhausted.
	ErrMaxAttemptsExceeded = errors.New("maximum attempts exceeded")

	// ErrBudgetExceeded indicates the run cost budget was exhausted.
	ErrBudgetExceeded = errors.New("run budget exceeded")

	// ErrInvalidResponse indicates the provider returned an invalid response.
	ErrInvalidResponse = errors.New("invalid provider response")
)

// ProviderError captures a structured error response from an inference
// provider, including the HTTP status and any retry timing guidance.
type ProviderError struct {
	Provider   string    `json:"provider"`    // Provider credential id
	StatusCode int       `json:"status_code"` // HTTP status code
	Message    string    `json:"message"`     // Error message
	Type       ErrorType `json:"type"`        // Classified error type
	RetryAfter int       `json:"retry_after"` // Retry-After header value in seconds
}

// Error returns the formatted provider error with status code context.
func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s error (status %d): %s", e.Provider, e.StatusCode, e.Message)
}

// IsRetryable reports whether the error warrants another attempt.
func (e *ProviderError) IsRetryable() bool {
	switch e.Type {
	case ErrorTypeTimeout, ErrorTypeRateLimit, ErrorTypeNetwork, ErrorTypeProvider, ErrorTypeMalformed:
		return true
	default:
		return false
	}
}

// GetRetryAfter implements the RetryAfterProvider interface.
func (e *ProviderError) GetRetryAfter() time.Duration {
	if e.RetryAfter > 0 {
		return time.Duration(e.RetryAfter) * time.Second
	}
	return 0
}

// RateLimitError carries rate-limit context for cooldown and backoff
// decisions, including whether the limit was enforced locally or signalled
// by the remote provider.
type RateLimitError struct {
	Provider   string `json:"provider"`
	RetryAfter int    `json:"retry_after"` // Seconds to wait before retry
	Limit      int    `json:"limit"`       // Configured capacity for the window
	LocalLimit bool   `json:"local_limit"` // Enforced by our limiter, not the provider
}

// Error returns the formatted rate limit error with retry guidance.
func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limit exceeded for %s, retry after %d seconds", e.Provider, e.RetryAfter)
	}
	return fmt.Sprintf("rate limit exceeded for %s", e.Provider)
}

// GetRetryAfter implements the RetryAfterProvider interface.
func (e *RateLimitError) GetRetryAfter() time.Duration {
	if e.RetryAfter > 0 {
		return time.Duration(e.RetryAfter) * time.Second
	}
	return 0
}

// ParseError indicates a model reply from which no structured payload could
// be extracted. It preserves the offending substring for diagnostics.
type ParseError struct {
	Message  string `json:"message"`
	Snippet  string `json:"snippet"`  // Offending region of the raw text
	Attempts int    `json:"attempts"` // Extraction strategies tried
}

// Error returns the formatted parse error with the offending snippet.
func (e *ParseError) Error() string {
	if e.Snippet != "" {
		return fmt.Sprintf("no structured payload extracted: %s (near %q)", e.Message, e.Snippet)
	}
	return fmt.Sprintf("no structured payload extracted: %s", e.Message)
}

// IsRetryableError determines whether an error warrants a retry attempt.
// Examines typed errors, sentinel errors, and HTTP status codes to provide
// consistent retry decisions across all call sites.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.IsRetryable()
	}

	var rateLimitErr *RateLimitError
	if errors.As(err, &rateLimitErr) {
		return true
	}

	var parseErr *ParseError
	if errors.As(err, &parseErr) {
		return true
	}

	if errors.Is(err, ErrRateLimitExceeded) || errors.Is(err, ErrProviderUnavailable) {
		return true
	}

	type statusCoder interface {
		StatusCode() int
	}
	if sc, ok := err.(statusCoder); ok {
		code := sc.StatusCode()
		return code == http.StatusTooManyRequests ||
			code == http.StatusRequestTimeout ||
			code == http.StatusGatewayTimeout ||
			code >= 500
	}

	// Conservative default: avoid retry loops for unknown errors.
	return false
}

// IsRateLimitError identifies rate limiting errors needing cooldown handling.
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}

	var rateLimitErr *RateLimitError
	if errors.As(err, &rateLimitErr) {
		return true
	}

	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.Type == ErrorTypeRateLimit
	}

	return errors.Is(err, ErrRateLimitExceeded)
}

// GetRetryAfter extracts a retry-after hint from an error, or 0 when no
// specific guidance is available.
func GetRetryAfter(err error) time.Duration {
	if err == nil {
		return 0
	}

	var rateLimitErr *RateLimitError
	if errors.As(err, &rateLimitErr) && rateLimitErr.RetryAfter > 0 {
		return time.Duration(rateLimitErr.RetryAfter) * time.Second
	}

	var provErr *ProviderError
	if errors.As(err, &provErr) && provErr.RetryAfter > 0 {
		return time.Duration(provErr.RetryAfter) * time.Second
	}

	return 0
}

// Classify maps an arbitrary error to its ErrorType for metrics labels and
// dead-letter records.
func Classify(err error) ErrorType {
	if err == nil {
		return ErrorTypeUnknown
	}

	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.Type
	}

	var rateLimitErr *RateLimitError
	if errors.As(err, &rateLimitErr) {
		return ErrorTypeRateLimit
	}

	var parseErr *ParseError
	if errors.As(err, &parseErr) {
		return ErrorTypeMalformed
	}

	if errors.Is(err, ErrBudgetExceeded) {
		return ErrorTypeBudget
	}

	return ErrorTypeUnknown
}
