package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for the admission and settlement pipeline.
var (
	ErrUnauthorized        = errors.New("unauthorized")
	ErrBlocked             = errors.New("blocked")
	ErrInvalidSignature    = errors.New("invalid signature")
	ErrRateLimited         = errors.New("rate limited")
	ErrServiceBusy         = errors.New("service busy")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrValidation          = errors.New("validation failed")
	ErrProvider            = errors.New("provider error")
	ErrProviderTimeout     = errors.New("provider timeout")
	ErrStorage             = errors.New("storage error")
	ErrCacheWrite          = errors.New("cache write failed")
	ErrNotFound            = errors.New("resource not found")
	ErrInternal            = errors.New("internal error")
)

// AppError represents an application error with HTTP status and error code.
type AppError struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	StatusCode int            `json:"-"`
	Details    map[string]any `json:"details,omitempty"`
	Err        error          `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetail attaches a key/value detail for the client payload.
func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// Unauthorized creates an unauthorized error.
func Unauthorized(message string) *AppError {
	if message == "" {
		message = "authentication required"
	}
	return &AppError{
		Code:       "UNAUTHORIZED",
		Message:    message,
		StatusCode: http.StatusUnauthorized,
		Err:        ErrUnauthorized,
	}
}

// Blocked creates a blocked-identity error.
func Blocked(reason string) *AppError {
	return &AppError{
		Code:       "BLOCKED",
		Message:    "access denied",
		StatusCode: http.StatusForbidden,
		Details:    map[string]any{"reason": reason},
		Err:        ErrBlocked,
	}
}

// InvalidSignature creates an invalid request signature error.
func InvalidSignature() *AppError {
	return &AppError{
		Code:       "INVALID_SIGNATURE",
		Message:    "request signature verification failed",
		StatusCode: http.StatusForbidden,
		Err:        ErrInvalidSignature,
	}
}

// RateLimited creates a per-identity rate limit error.
func RateLimited(remaining int, resetSeconds int) *AppError {
	return &AppError{
		Code:       "RATE_LIMITED",
		Message:    "too many requests, please try again later",
		StatusCode: http.StatusTooManyRequests,
		Details: map[string]any{
			"scope":       "identity",
			"remaining":   remaining,
			"retry_after": resetSeconds,
		},
		Err: ErrRateLimited,
	}
}

// ServiceBusy creates a global-window rejection.
func ServiceBusy(retryAfterSeconds int) *AppError {
	return &AppError{
		Code:       "SERVICE_BUSY",
		Message:    "service is at capacity, please retry shortly",
		StatusCode: http.StatusServiceUnavailable,
		Details: map[string]any{
			"scope":       "global",
			"retry_after": retryAfterSeconds,
		},
		Err: ErrServiceBusy,
	}
}

// InsufficientCredits creates a credit exhaustion error carrying the
// balance and cost for client messaging.
func InsufficientCredits(balance, cost int64) *AppError {
	return &AppError{
		Code:       "INSUFFICIENT_CREDITS",
		Message:    "not enough credits for this generation",
		StatusCode: http.StatusTooManyRequests,
		Details: map[string]any{
			"credits_remaining": balance,
			"credits_required":  cost,
		},
		Err: ErrInsufficientCredits,
	}
}

// Validation creates a field-level validation error.
func Validation(field, message string) *AppError {
	return &AppError{
		Code:       "VALIDATION_ERROR",
		Message:    message,
		StatusCode: http.StatusBadRequest,
		Details:    map[string]any{"field": field},
		Err:        ErrValidation,
	}
}

// Provider creates a generation provider failure.
func Provider(err error) *AppError {
	return &AppError{
		Code:       "PROVIDER_ERROR",
		Message:    "generation provider failed",
		StatusCode: http.StatusInternalServerError,
		Err:        errors.Join(ErrProvider, err),
	}
}

// ProviderTimeout creates a poll budget exhaustion failure.
func ProviderTimeout() *AppError {
	return &AppError{
		Code:       "PROVIDER_TIMEOUT",
		Message:    "generation did not complete in time",
		StatusCode: http.StatusInternalServerError,
		Err:        ErrProviderTimeout,
	}
}

// Storage creates an object storage failure.
func Storage(err error) *AppError {
	return &AppError{
		Code:       "STORAGE_ERROR",
		Message:    "storage operation failed",
		StatusCode: http.StatusInternalServerError,
		Err:        errors.Join(ErrStorage, err),
	}
}

// Internal creates an internal error.
func Internal(message string, err error) *AppError {
	if message == "" {
		message = "internal error"
	}
	return &AppError{
		Code:       "INTERNAL_ERROR",
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Err:        err,
	}
}

// GetStatusCode returns the appropriate HTTP status code for an error.
func GetStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}

	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrBlocked), errors.Is(err, ErrInvalidSignature):
		return http.StatusForbidden
	case errors.Is(err, ErrRateLimited), errors.Is(err, ErrInsufficientCredits):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrServiceBusy):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
