package model

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorEnvelope_Error(t *testing.T) {
	e := &ErrorEnvelope{Code: ErrNotFound, Message: "content not found"}
	want := "NOT_FOUND: content not found"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrorEnvelope_ErrorWithCause(t *testing.T) {
	cause := errors.New("connection refused")
	e := NewPersistenceFailureError("save failed").WithCause(cause)
	want := "PERSISTENCE_FAILURE: save failed: connection refused"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(e, cause) {
		t.Error("errors.Is(e, cause) = false, want true")
	}
}

func TestErrorEnvelope_implements_error(t *testing.T) {
	var _ error = (*ErrorEnvelope)(nil)
}

func TestHasCode_wrapped(t *testing.T) {
	err := fmt.Errorf("move to create: %w", NewInvalidModeError("bogus"))
	if !HasCode(err, ErrInvalidMode) {
		t.Error("HasCode(INVALID_MODE) = false, want true")
	}
	if HasCode(err, ErrNotFound) {
		t.Error("HasCode(NOT_FOUND) = true, want false")
	}
	if HasCode(errors.New("plain"), ErrInvalidMode) {
		t.Error("HasCode on plain error = true, want false")
	}
}

func TestNewValidationError(t *testing.T) {
	details := []FieldError{
		{Field: "topic", Code: "REQUIRED", Message: "topic is required"},
	}
	e := NewValidationError(details)
	if e.Code != ErrValidationError {
		t.Errorf("Code = %q, want %q", e.Code, ErrValidationError)
	}
	if len(e.Details) != 1 {
		t.Fatalf("Details length = %d, want 1", len(e.Details))
	}
	if e.Details[0].Field != "topic" {
		t.Errorf("Details[0].Field = %q, want %q", e.Details[0].Field, "topic")
	}
}

func TestRetryableCodes(t *testing.T) {
	tests := []struct {
		name string
		err  *ErrorEnvelope
		want bool
	}{
		{"ideation timeout", NewIdeationTimeoutError(3), true},
		{"network timeout", NewNetworkTimeoutError("ideation"), true},
		{"backend unavailable", NewBackendUnavailableError(), true},
		{"invalid mode", NewInvalidModeError("x"), false},
		{"auth failure", NewAuthFailureError("expired"), false},
		{"external", NewExternalServiceError("ideation", "bad gateway"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Retryable != tt.want {
				t.Errorf("Retryable = %v, want %v", tt.err.Retryable, tt.want)
			}
		})
	}
}

func TestNewIdeationTimeoutError_distinctFromAnswer(t *testing.T) {
	e := NewIdeationTimeoutError(30)
	if e.Code != ErrIdeationTimeout {
		t.Errorf("Code = %q, want %q", e.Code, ErrIdeationTimeout)
	}
	if e.Code == ErrNetworkTimeout {
		t.Error("ideation timeout must not reuse NETWORK_TIMEOUT")
	}
}
