package model

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Standard error codes.
const (
	ErrBadRequest         = "BAD_REQUEST"
	ErrUnauthorized       = "UNAUTHORIZED"
	ErrForbidden          = "FORBIDDEN"
	ErrNotFound           = "NOT_FOUND"
	ErrMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	ErrConflict           = "CONFLICT"
	ErrValidationError    = "VALIDATION_ERROR"
	ErrInvalidTransition  = "INVALID_TRANSITION"
	ErrRateLimited        = "RATE_LIMITED"
	ErrInternalError      = "INTERNAL_ERROR"
	ErrBackendUnavailable = "BACKEND_UNAVAILABLE"
)

// Sync-specific error codes.
const (
	ErrTimeout            = "TIMEOUT"
	ErrConnectivity       = "CONNECTIVITY"
	ErrServerError        = "SERVER_ERROR"
	ErrUnresolvedConflict = "UNRESOLVED_CONFLICT"
	ErrQueuedOffline      = "QUEUED_OFFLINE"
	ErrAborted            = "ABORTED"
)

// ErrorEnvelope is the typed outcome every remote or engine failure is
// converted to. It implements the error interface.
type ErrorEnvelope struct {
	Code       string        `json:"code"`
	Message    string        `json:"message"`
	Status     int           `json:"status,omitempty"`
	RetryAfter time.Duration `json:"-"`
	Details    []FieldError  `json:"details,omitempty"`
	RequestID  string        `json:"request_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CodeOf returns the envelope code carried by err, or "" if err is not an
// ErrorEnvelope.
func CodeOf(err error) string {
	var env *ErrorEnvelope
	if errors.As(err, &env) {
		return env.Code
	}
	return ""
}

// IsCode reports whether err carries the given envelope code.
func IsCode(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}

// IsAborted reports whether err is the distinguished cancellation outcome.
// Callers treat it as a no-op.
func IsAborted(err error) bool {
	return IsCode(err, ErrAborted)
}

// IsRetryable reports whether an outcome is eligible for another attempt.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case ErrTimeout, ErrConnectivity, ErrServerError, ErrRateLimited:
		return true
	}
	var env *ErrorEnvelope
	if errors.As(err, &env) && env.Status == http.StatusRequestTimeout {
		return true
	}
	return false
}

// FromStatus converts a non-2xx HTTP status into a typed envelope.
func FromStatus(status int, msg string) *ErrorEnvelope {
	if msg == "" {
		msg = http.StatusText(status)
	}
	code := ErrInternalError
	switch {
	case status == http.StatusBadRequest:
		code = ErrBadRequest
	case status == http.StatusUnauthorized:
		code = ErrUnauthorized
	case status == http.StatusForbidden:
		code = ErrForbidden
	case status == http.StatusNotFound:
		code = ErrNotFound
	case status == http.StatusMethodNotAllowed:
		code = ErrMethodNotAllowed
	case status == http.StatusRequestTimeout:
		code = ErrTimeout
	case status == http.StatusConflict:
		code = ErrConflict
	case status == http.StatusUnprocessableEntity:
		code = ErrValidationError
	case status == http.StatusTooManyRequests:
		code = ErrRateLimited
	case status >= 500:
		code = ErrServerError
	case status >= 400:
		code = ErrBadRequest
	}
	return &ErrorEnvelope{Code: code, Message: msg, Status: status}
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg, Status: http.StatusConflict}
}

// NewUnresolvedConflictError returns the error surfaced when a merged retry
// conflicts again.
func NewUnresolvedConflictError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrUnresolvedConflict,
		Message: "The responses were changed elsewhere and could not be merged. Please retry.",
		Status:  http.StatusConflict,
	}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more answers are invalid",
		Details: details,
	}
}

// NewInvalidTransitionError returns an INVALID_TRANSITION error.
func NewInvalidTransitionError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidTransition, Message: msg}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewBackendUnavailableError returns a BACKEND_UNAVAILABLE error.
func NewBackendUnavailableError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrBackendUnavailable,
		Message: "The survey service is temporarily unavailable",
	}
}

// NewTimeoutError returns a TIMEOUT error.
func NewTimeoutError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrTimeout,
		Message: "The survey service did not respond in time. Please try again.",
	}
}

// NewConnectivityError returns a CONNECTIVITY error.
func NewConnectivityError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrConnectivity,
		Message: "No network connection",
	}
}

// NewQueuedOfflineError returns the outcome of a write that was handed to
// the offline queue.
func NewQueuedOfflineError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrQueuedOffline,
		Message: "Offline: changes will sync when online",
	}
}

// NewAbortedError returns the cancellation outcome.
func NewAbortedError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrAborted,
		Message: "The request was cancelled",
	}
}
