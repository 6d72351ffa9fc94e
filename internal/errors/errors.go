// Package errors provides error codes and failure classification for the
// companion core. Every error that crosses a component boundary is either an
// AppError or is classified by KindOf.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
)

// ErrorCode represents a unique error code surfaced to callers.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrPermission ErrorCode = "PERMISSION_DENIED"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Local store errors
	ErrDatabase  ErrorCode = "DATABASE_ERROR"
	ErrMigration ErrorCode = "MIGRATION_FAILED"

	// Connectivity and sync errors
	ErrOffline        ErrorCode = "OFFLINE"
	ErrConnectivity   ErrorCode = "CONNECTIVITY_FAILED"
	ErrSyncFailed     ErrorCode = "SYNC_FAILED"
	ErrSyncInProgress ErrorCode = "SYNC_IN_PROGRESS"
	ErrRemoteRejected ErrorCode = "REMOTE_REJECTED"

	// Social graph errors
	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"

	// Generation errors
	ErrQuotaExceeded      ErrorCode = "QUOTA_EXCEEDED"
	ErrNotEntitled        ErrorCode = "NOT_ENTITLED"
	ErrProviderFailed     ErrorCode = "PROVIDER_FAILED"
	ErrProvidersExhausted ErrorCode = "PROVIDERS_EXHAUSTED"
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

// Is checks if an error, or any error it wraps, carries a specific code.
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

// CodeOf returns the code of the outermost AppError in the chain, or
// ErrInternal when err carries none.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// Kind is the coarse failure class that decides how a failure is handled.
type Kind int

const (
	// KindNone is returned for a nil error.
	KindNone Kind = iota
	// KindConnectivity failures leave changes queued for the next drain.
	KindConnectivity
	// KindValidation failures are terminal and surfaced to the user.
	KindValidation
	// KindProvider failures advance the content pipeline to the next provider.
	KindProvider
	// KindQuota failures route generation to the template fallback.
	KindQuota
	// KindInternal covers everything else.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindConnectivity:
		return "connectivity"
	case KindValidation:
		return "validation"
	case KindProvider:
		return "provider"
	case KindQuota:
		return "quota"
	default:
		return "internal"
	}
}

// KindOf classifies err. AppError codes win over transport-level errors found
// deeper in the chain.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}

	var appErr *AppError
	if stderrors.As(err, &appErr) {
		switch appErr.Code {
		case ErrOffline, ErrConnectivity:
			return KindConnectivity
		case ErrValidation, ErrInvalid, ErrPermission, ErrRemoteRejected,
			ErrInvalidTransition, ErrNotFound:
			return KindValidation
		case ErrProviderFailed, ErrProvidersExhausted:
			return KindProvider
		case ErrQuotaExceeded, ErrNotEntitled:
			return KindQuota
		}
		if appErr.Err != nil {
			if k := KindOf(appErr.Err); k != KindInternal {
				return k
			}
		}
		return KindInternal
	}

	if stderrors.Is(err, context.DeadlineExceeded) {
		return KindConnectivity
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return KindConnectivity
	}
	var opErr *net.OpError
	if stderrors.As(err, &opErr) {
		return KindConnectivity
	}
	return KindInternal
}

// IsRetryable reports whether err should leave work queued for a later retry.
func IsRetryable(err error) bool {
	return KindOf(err) == KindConnectivity
}
