package engine

import (
	"errors"
	"strings"
)

// Sentinel errors for request-level failures. Storage-level sentinels
// (not found, conflict, invalid transition) live in persistence.
var (
	// ErrValidation means the request was malformed.
	ErrValidation = errors.New("validation failed")

	// ErrRateLimited means an upstream provider throttled us.
	ErrRateLimited = errors.New("rate limited")

	// ErrAdapterUnavailable means an upstream dependency (GitHub, the
	// queue dispatcher) could not be reached.
	ErrAdapterUnavailable = errors.New("adapter unavailable")
)

// ErrorClass categorizes upstream failures for logging and metrics.
type ErrorClass string

const (
	ErrorClassAuth        ErrorClass = "AUTH"
	ErrorClassRateLimit   ErrorClass = "RATE_LIMIT"
	ErrorClassTimeout     ErrorClass = "TIMEOUT"
	ErrorClassUnavailable ErrorClass = "UNAVAILABLE"
	ErrorClassUnknown     ErrorClass = "UNKNOWN"
)

// ClassifyError buckets an upstream adapter error by inspecting its
// message for known patterns.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	if errors.Is(err, ErrRateLimited) {
		return ErrorClassRateLimit
	}
	if errors.Is(err, ErrAdapterUnavailable) {
		return ErrorClassUnavailable
	}
	msg := strings.ToLower(err.Error())

	if strings.Contains(msg, "401") ||
		strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "bad credentials") ||
		strings.Contains(msg, "forbidden") {
		return ErrorClassAuth
	}
	if strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "too many requests") {
		return ErrorClassRateLimit
	}
	if strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "timed out") {
		return ErrorClassTimeout
	}
	if strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "unavailable") ||
		strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") {
		return ErrorClassUnavailable
	}
	return ErrorClassUnknown
}
