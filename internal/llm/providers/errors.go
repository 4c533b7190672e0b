package providers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	llmerrors "github.com/codermillat/setforge/internal/llm/errors"
)

// Adapter errors.
var (
	ErrUnknownProvider = errors.New("unknown provider credential")
	ErrUnknownFormat   = errors.New("unknown wire format")
)

// serverErrorThreshold is the HTTP status code threshold for server errors.
const serverErrorThreshold = 500

// classifyErrorType determines ErrorType from HTTP status and provider error
// codes, separating retryable from non-retryable categories.
func classifyErrorType(statusCode int, errorCode string) llmerrors.ErrorType {
	lowerCode := strings.ToLower(errorCode)
	if strings.Contains(lowerCode, "rate") || strings.Contains(lowerCode, "limit") {
		return llmerrors.ErrorTypeRateLimit
	}
	if strings.Contains(lowerCode, "timeout") {
		return llmerrors.ErrorTypeTimeout
	}
	if strings.Contains(lowerCode, "auth") || strings.Contains(lowerCode, "unauthorized") {
		return llmerrors.ErrorTypeAuth
	}

	switch statusCode {
	case http.StatusTooManyRequests:
		return llmerrors.ErrorTypeRateLimit
	case http.StatusUnauthorized, http.StatusForbidden:
		return llmerrors.ErrorTypeAuth
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return llmerrors.ErrorTypeTimeout
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable:
		return llmerrors.ErrorTypeProvider
	default:
		if statusCode >= serverErrorThreshold {
			return llmerrors.ErrorTypeProvider
		}
		if statusCode >= http.StatusBadRequest {
			return llmerrors.ErrorTypeBadRequest
		}
		return llmerrors.ErrorTypeUnknown
	}
}

// parseRetryAfterHeader extracts a retry-after value in seconds from the
// response headers, or 0 when absent or unparseable.
func parseRetryAfterHeader(h http.Header) int {
	raw := h.Get("Retry-After")
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return secs
	}
	return 0
}
