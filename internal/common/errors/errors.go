// Package errors provides the typed error taxonomy used across legiond.
// Every failing operation surfaces an AppError with a stable code from the
// closed set below and a human-readable message.
package errors

import (
	"errors"
	"fmt"
)

// Error codes as constants. This set is closed; transports map codes to
// their own status vocabularies.
const (
	CodeNotFound     = "not_found"
	CodeInvalidState = "invalid_state"
	CodeConflict     = "conflict"
	CodeBadRequest   = "bad_request"
	CodeUnauthorized = "unauthorized" // reserved
	CodeTimeout      = "timeout"
	CodeUnavailable  = "unavailable"
	CodeInternal     = "internal"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s with id '%s' not found", resource, id),
	}
}

// InvalidState creates a new state-rule violation error.
func InvalidState(message string) *AppError {
	return &AppError{
		Code:    CodeInvalidState,
		Message: message,
	}
}

// Conflict creates a new conflict error (stale version, duplicate name).
func Conflict(message string) *AppError {
	return &AppError{
		Code:    CodeConflict,
		Message: message,
	}
}

// BadRequest creates a new validation error.
func BadRequest(message string) *AppError {
	return &AppError{
		Code:    CodeBadRequest,
		Message: message,
	}
}

// Timeout creates a new timeliness error.
func Timeout(message string) *AppError {
	return &AppError{
		Code:    CodeTimeout,
		Message: message,
	}
}

// Unavailable creates a new dependency error (driver crashed, store IO failed).
func Unavailable(message string, err error) *AppError {
	return &AppError{
		Code:    CodeUnavailable,
		Message: message,
		Err:     err,
	}
}

// Internal creates a new internal error with a wrapped underlying error.
func Internal(message string, err error) *AppError {
	return &AppError{
		Code:    CodeInternal,
		Message: message,
		Err:     err,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
// An AppError in the chain keeps its code; anything else becomes internal.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:    appErr.Code,
			Message: fmt.Sprintf("%s: %s", message, appErr.Message),
			Err:     err,
		}
	}

	return &AppError{
		Code:    CodeInternal,
		Message: message,
		Err:     err,
	}
}

// CodeOf returns the error code for an error, or internal if it is not an AppError.
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	return CodeOf(err) == CodeNotFound
}

// IsInvalidState checks if the error is a state-rule violation.
func IsInvalidState(err error) bool {
	return CodeOf(err) == CodeInvalidState
}

// IsConflict checks if the error is a conflict error.
func IsConflict(err error) bool {
	return CodeOf(err) == CodeConflict
}

// IsBadRequest checks if the error is a validation error.
func IsBadRequest(err error) bool {
	return CodeOf(err) == CodeBadRequest
}

// IsTimeout checks if the error is a timeliness error.
func IsTimeout(err error) bool {
	return CodeOf(err) == CodeTimeout
}

// IsUnavailable checks if the error is a dependency error.
func IsUnavailable(err error) bool {
	return CodeOf(err) == CodeUnavailable
}
