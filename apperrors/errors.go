// Package apperrors provides the structured error taxonomy for the runtime client.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	// Resolution errors, raised before any network call.
	ErrInstanceNotAuthorized = errors.New("instance not authorized")
	ErrAmbiguousInstance     = errors.New("ambiguous instance")
	ErrNoInstanceForBackend  = errors.New("no instance for backend")
	ErrNoEligibleBackend     = errors.New("no eligible backend")

	// Session lifecycle errors.
	ErrSessionClosed  = errors.New("session closed")
	ErrSessionExpired = errors.New("session expired")

	// Request validation errors, raised before any network call.
	ErrInvalidRequestShape = errors.New("invalid request shape")
	ErrBatchTooLarge       = errors.New("batch too large")

	// Transport errors. Transient errors may be retried by the scheduler;
	// non-transient errors surface immediately.
	ErrTransientTransport    = errors.New("transient transport error")
	ErrNonTransientTransport = errors.New("transport error")

	// Terminal job conditions reported by the service.
	ErrJobFailed = errors.New("job failed")
	ErrCancelled = errors.New("job cancelled")
)

// Error provides a structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message
	Field    string // For validation errors (e.g., "pubs", "parameters")
	Instance string // For resolution errors
	Backend  string // For resolution and session errors
	JobID    string // For job and transport errors
	Op       string // Operation that failed (e.g., "transport.submitJob")
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the sentinel error for errors.Is() classification.
func (e *Error) Unwrap() error {
	return e.Sentinel
}

// InvalidShape creates a request-shape validation error for a specific field.
func InvalidShape(field, message string) error {
	return &Error{
		Sentinel: ErrInvalidRequestShape,
		Message:  message,
		Field:    field,
	}
}

// BatchTooLarge creates an error for a batch exceeding the backend maximum.
func BatchTooLarge(backend string, size, limit int) error {
	return &Error{
		Sentinel: ErrBatchTooLarge,
		Message:  fmt.Sprintf("batch of %d pubs exceeds maximum of %d for backend %s", size, limit, backend),
		Backend:  backend,
	}
}

// Resolution creates an instance/backend resolution error wrapping the given sentinel.
func Resolution(sentinel error, instance, backend, message string) error {
	return &Error{
		Sentinel: sentinel,
		Message:  message,
		Instance: instance,
		Backend:  backend,
	}
}

// Session creates a session lifecycle error wrapping the given sentinel.
func Session(sentinel error, backend, reason string) error {
	return &Error{
		Sentinel: sentinel,
		Message:  reason,
		Backend:  backend,
	}
}

// Transient creates a retryable transport error.
func Transient(op string, cause error) error {
	return &Error{
		Sentinel: ErrTransientTransport,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// NonTransient creates a transport error that must not be retried.
func NonTransient(op string, cause error) error {
	return &Error{
		Sentinel: ErrNonTransientTransport,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// JobFailed creates an error carrying the service-reported failure detail.
func JobFailed(jobID, detail string) error {
	return &Error{
		Sentinel: ErrJobFailed,
		Message:  fmt.Sprintf("job %s failed: %s", jobID, detail),
		JobID:    jobID,
	}
}

// IsTransient reports whether err may be retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientTransport)
}
