package model

import (
	"fmt"
	"net/http"
	"testing"
)

func TestErrorEnvelope_Error(t *testing.T) {
	e := &ErrorEnvelope{Code: ErrNotFound, Message: "Survey not found"}
	want := "NOT_FOUND: Survey not found"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrorEnvelope_implements_error(t *testing.T) {
	var _ error = (*ErrorEnvelope)(nil)
}

func TestCodeOf_wrapped(t *testing.T) {
	err := fmt.Errorf("remote: save: %w", NewConflictError("version mismatch"))
	if got := CodeOf(err); got != ErrConflict {
		t.Errorf("CodeOf() = %q, want %q", got, ErrConflict)
	}
	if CodeOf(fmt.Errorf("plain")) != "" {
		t.Error("CodeOf(plain error) should be empty")
	}
}

func TestIsAborted(t *testing.T) {
	if !IsAborted(NewAbortedError()) {
		t.Error("IsAborted(NewAbortedError()) = false")
	}
	if IsAborted(NewTimeoutError()) {
		t.Error("IsAborted(timeout) = true")
	}
	if IsAborted(nil) {
		t.Error("IsAborted(nil) = true")
	}
}

func TestFromStatus(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{http.StatusBadRequest, ErrBadRequest},
		{http.StatusUnauthorized, ErrUnauthorized},
		{http.StatusForbidden, ErrForbidden},
		{http.StatusNotFound, ErrNotFound},
		{http.StatusMethodNotAllowed, ErrMethodNotAllowed},
		{http.StatusRequestTimeout, ErrTimeout},
		{http.StatusConflict, ErrConflict},
		{http.StatusUnprocessableEntity, ErrValidationError},
		{http.StatusTooManyRequests, ErrRateLimited},
		{http.StatusGone, ErrBadRequest},
		{http.StatusInternalServerError, ErrServerError},
		{http.StatusServiceUnavailable, ErrServerError},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			e := FromStatus(tt.status, "")
			if e.Code != tt.want {
				t.Errorf("FromStatus(%d).Code = %q, want %q", tt.status, e.Code, tt.want)
			}
			if e.Status != tt.status {
				t.Errorf("Status = %d, want %d", e.Status, tt.status)
			}
			if e.Message == "" {
				t.Error("Message should default to the status text")
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	retryable := []error{
		NewTimeoutError(),
		NewConnectivityError(),
		FromStatus(http.StatusServiceUnavailable, ""),
		FromStatus(http.StatusTooManyRequests, ""),
		FromStatus(http.StatusRequestTimeout, ""),
	}
	for _, err := range retryable {
		if !IsRetryable(err) {
			t.Errorf("IsRetryable(%v) = false, want true", err)
		}
	}

	final := []error{
		FromStatus(http.StatusForbidden, ""),
		FromStatus(http.StatusNotFound, ""),
		FromStatus(http.StatusConflict, ""),
		NewAbortedError(),
		NewBackendUnavailableError(),
	}
	for _, err := range final {
		if IsRetryable(err) {
			t.Errorf("IsRetryable(%v) = true, want false", err)
		}
	}
}

func TestNewValidationError(t *testing.T) {
	details := []FieldError{
		{Field: "q_email", Code: "REQUIRED", Message: "This question is required"},
	}
	e := NewValidationError(details)
	if e.Code != ErrValidationError {
		t.Errorf("Code = %q, want %q", e.Code, ErrValidationError)
	}
	if len(e.Details) != 1 {
		t.Fatalf("Details length = %d, want 1", len(e.Details))
	}
	if e.Details[0].Field != "q_email" {
		t.Errorf("Details[0].Field = %q, want %q", e.Details[0].Field, "q_email")
	}
}

func TestNewUnresolvedConflictError(t *testing.T) {
	e := NewUnresolvedConflictError()
	if e.Code != ErrUnresolvedConflict {
		t.Errorf("Code = %q, want %q", e.Code, ErrUnresolvedConflict)
	}
	if e.Status != http.StatusConflict {
		t.Errorf("Status = %d, want 409", e.Status)
	}
}
