// Package apperr categorises service-level failures so callers can branch on
// a code instead of matching message text.
package apperr

import (
	"errors"
	"fmt"
)

// Code represents a category of application error.
type Code string

const (
	// CodeNotFound indicates the referenced job or proposal does not exist.
	CodeNotFound Code = "not_found"
	// CodeConflict indicates the operation collides with existing state.
	CodeConflict Code = "conflict"
	// CodeValidation indicates invalid caller input.
	CodeValidation Code = "validation"
	// CodePrecondition indicates the world changed underneath a pending action.
	CodePrecondition Code = "precondition"
	// CodeInvalidTransition indicates a state machine refused an event.
	CodeInvalidTransition Code = "invalid_transition"
	// CodeInternal indicates an unexpected failure.
	CodeInternal Code = "internal"
)

// AppError is a coded error with an optional cause.
type AppError struct {
	Code    Code
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *AppError) Unwrap() error {
	return e.Cause
}

// New creates an AppError without a cause.
func New(code Code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Newf creates an AppError with a formatted message.
func Newf(code Code, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// NotFound creates a NotFound error.
func NotFound(message string) *AppError { return New(CodeNotFound, message) }

// Conflict creates a Conflict error.
func Conflict(message string) *AppError { return New(CodeConflict, message) }

// Validation creates a Validation error.
func Validation(message string) *AppError { return New(CodeValidation, message) }

// Validationf creates a Validation error with a formatted message.
func Validationf(format string, args ...any) *AppError {
	return Newf(CodeValidation, format, args...)
}

// Wrap wraps err with a code and message. A nil err returns nil.
func Wrap(err error, code Code, message string) *AppError {
	if err == nil {
		return nil
	}
	return &AppError{Code: code, Message: message, Cause: err}
}

// Wrapf wraps err with a code and formatted message.
func Wrapf(err error, code Code, format string, args ...any) *AppError {
	return Wrap(err, code, fmt.Sprintf(format, args...))
}

// CodeOf returns the code of the first AppError in err's chain, or "".
func CodeOf(err error) Code {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// Is reports whether err carries code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// IsNotFound reports whether err is a NotFound error.
func IsNotFound(err error) bool { return Is(err, CodeNotFound) }

// IsConflict reports whether err is a Conflict error.
func IsConflict(err error) bool { return Is(err, CodeConflict) }

// IsValidation reports whether err is a Validation error.
func IsValidation(err error) bool { return Is(err, CodeValidation) }
