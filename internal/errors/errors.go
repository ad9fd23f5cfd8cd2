// Package errors provides error code definitions shared by the store, the
// outbox and the sync engine. Codes are stable strings so they can cross the
// FFI and HTTP boundaries unchanged.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a unique error code that can be bridged to clients.
type ErrorCode string

const (
	// General errors
	ErrInternal    ErrorCode = "INTERNAL_ERROR"
	ErrNotFound    ErrorCode = "NOT_FOUND"
	ErrValidation  ErrorCode = "VALIDATION_ERROR"
	ErrRateLimited ErrorCode = "RATE_LIMITED"

	// Database errors
	ErrDatabase  ErrorCode = "DATABASE_ERROR"
	ErrMigration ErrorCode = "MIGRATION_FAILED"
	ErrIntegrity ErrorCode = "INTEGRITY_ERROR"

	// Sync errors
	ErrSyncItem          ErrorCode = "SYNC_ITEM_ERROR"
	ErrConnectivity      ErrorCode = "CONNECTIVITY_ERROR"
	ErrSyncInProgress    ErrorCode = "SYNC_IN_PROGRESS"
	ErrRemoteUnavailable ErrorCode = "REMOTE_UNAVAILABLE"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new AppError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is reports whether any error in err's chain is an AppError with the code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// CodeOf returns the code of the first AppError in err's chain, or
// ErrInternal when there is none.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// Validation is shorthand for a VALIDATION_ERROR wrapping err.
func Validation(message string, err error) *AppError {
	return Wrap(ErrValidation, message, err)
}

// Integrity is shorthand for an INTEGRITY_ERROR.
func Integrity(message string) *AppError {
	return New(ErrIntegrity, message)
}
