package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest         = "BAD_REQUEST"
	ErrUnauthorized       = "UNAUTHORIZED"
	ErrForbidden          = "FORBIDDEN"
	ErrNotFound           = "NOT_FOUND"
	ErrConflict           = "CONFLICT"
	ErrValidationError    = "VALIDATION_ERROR"
	ErrRateLimited        = "RATE_LIMITED"
	ErrInternalError      = "INTERNAL_ERROR"
	ErrBackendUnavailable = "BACKEND_UNAVAILABLE"
)

// Domain error codes.
const (
	ErrInvalidMode          = "INVALID_MODE"
	ErrNetworkTimeout       = "NETWORK_TIMEOUT"
	ErrAuthFailure          = "AUTH_FAILURE"
	ErrPersistenceFailure   = "PERSISTENCE_FAILURE"
	ErrExternalServiceError = "EXTERNAL_SERVICE_ERROR"
	ErrIdeationTimeout      = "IDEATION_TIMEOUT"
)

// ErrorEnvelope is the standard error response envelope returned by the API.
// It implements the error interface.
type ErrorEnvelope struct {
	Code      string       `json:"code"`
	Message   string       `json:"message"`
	Details   []FieldError `json:"details,omitempty"`
	Retryable bool         `json:"retryable,omitempty"`
	TraceID   string       `json:"trace_id"`

	cause error
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *ErrorEnvelope) Unwrap() error {
	return e.cause
}

// WithCause attaches an underlying error that is kept out of the JSON body.
func (e *ErrorEnvelope) WithCause(err error) *ErrorEnvelope {
	e.cause = err
	return e
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AsEnvelope returns the first ErrorEnvelope in err's chain.
func AsEnvelope(err error) (*ErrorEnvelope, bool) {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}

// HasCode reports whether err wraps an ErrorEnvelope with the given code.
func HasCode(err error, code string) bool {
	ee, ok := AsEnvelope(err)
	return ok && ee.Code == code
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewRequiredFieldError is shorthand for a single missing-field validation error.
func NewRequiredFieldError(field string) *ErrorEnvelope {
	return NewValidationError([]FieldError{{
		Field:   field,
		Code:    "REQUIRED",
		Message: field + " is required",
	}})
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
		Code:      ErrBackendUnavailable,
		Message:   "The backend service is temporarily unavailable",
		Retryable: true,
	}
}

// NewRateLimitedError returns a RATE_LIMITED error.
func NewRateLimitedError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:      ErrRateLimited,
		Message:   "Rate limit exceeded. Please try again later.",
		Retryable: true,
	}
}

// NewInvalidModeError returns an INVALID_MODE error for an unknown creation mode.
func NewInvalidModeError(mode string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInvalidMode,
		Message: fmt.Sprintf("invalid creation mode %q (want express, standard or power)", mode),
	}
}

// NewNetworkTimeoutError returns a NETWORK_TIMEOUT error.
func NewNetworkTimeoutError(service string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:      ErrNetworkTimeout,
		Message:   fmt.Sprintf("%s did not respond in time", service),
		Retryable: true,
	}
}

// NewAuthFailureError returns an AUTH_FAILURE error, used for missing or
// expired third-party OAuth credentials.
func NewAuthFailureError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrAuthFailure, Message: msg}
}

// NewPersistenceFailureError returns a PERSISTENCE_FAILURE error.
func NewPersistenceFailureError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:      ErrPersistenceFailure,
		Message:   msg,
		Retryable: true,
	}
}

// NewExternalServiceError returns an EXTERNAL_SERVICE_ERROR.
func NewExternalServiceError(service, msg string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrExternalServiceError,
		Message: fmt.Sprintf("%s: %s", service, msg),
	}
}

// NewIdeationTimeoutError is returned when the ideation backend never
// produced a final answer within the polling budget.
func NewIdeationTimeoutError(attempts int) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:      ErrIdeationTimeout,
		Message:   fmt.Sprintf("no answer after %d attempts, please try again", attempts),
		Retryable: true,
	}
}
