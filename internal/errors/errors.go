// Package errors provides the typed error kinds surfaced by the sync engine.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode identifies a class of failure the caller can react to.
type ErrorCode string

const (
	// General errors
	ErrInternal ErrorCode = "INTERNAL_ERROR"
	ErrInvalid  ErrorCode = "INVALID_INPUT"
	ErrNotFound ErrorCode = "NOT_FOUND"

	// Sync errors
	ErrNetworkUnavailable ErrorCode = "NETWORK_UNAVAILABLE"
	ErrRemoteRejected     ErrorCode = "REMOTE_REJECTED"
	ErrStorageCorrupt     ErrorCode = "STORAGE_CORRUPT"
	ErrPartialSyncFailure ErrorCode = "PARTIAL_SYNC_FAILURE"
	ErrReplayInProgress   ErrorCode = "REPLAY_IN_PROGRESS"

	// Export errors
	ErrExportFailed ErrorCode = "EXPORT_FAILED"
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

// Is reports whether err, or any error it wraps, carries the given code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	for err != nil {
		if !stderrors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Err
	}
	return false
}

// CodeOf returns the code of the outermost AppError in err's chain,
// or ErrInternal when err carries none.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// PartialSyncError aggregates the per-action failures of one replay pass.
// It unwraps to the individual failures so callers can inspect them.
type PartialSyncError struct {
	Attempted int
	Failures  map[string]error // keyed by pending action ID
}

// Error implements the error interface.
func (e *PartialSyncError) Error() string {
	return fmt.Sprintf("[%s] %d of %d pending actions failed to replay",
		ErrPartialSyncFailure, len(e.Failures), e.Attempted)
}

// Unwrap returns the individual failures.
func (e *PartialSyncError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, err := range e.Failures {
		errs = append(errs, err)
	}
	return errs
}

// AsPartialSync extracts a PartialSyncError from err's chain.
func AsPartialSync(err error) (*PartialSyncError, bool) {
	var p *PartialSyncError
	if stderrors.As(err, &p) {
		return p, true
	}
	return nil, false
}
