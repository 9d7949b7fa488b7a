// Package apperrors provides structured application errors with HTTP status mapping.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrInternal   = errors.New("internal error")

	// ErrStoreCorrupt means the local metadata store failed its integrity
	// check; the only recovery is delete-and-resync from the remote copy.
	ErrStoreCorrupt = errors.New("store corrupt")

	// ErrTimeout marks a per-file download that never completed within the
	// job's wait budget.
	ErrTimeout = errors.New("timeout")

	// ErrQuarantined marks a file rejected by the upstream scanner; it will
	// never arrive at the trusted inbox.
	ErrQuarantined = errors.New("quarantined")
)

// ErrStaleVersion is a push-time conflict: the remote store version advanced
// past the local one since the last pull. It is a kind of ErrConflict, so
// errors.Is(err, ErrConflict) also matches. Callers re-pull and retry.
var ErrStaleVersion = fmt.Errorf("stale version: %w", ErrConflict)

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message
	Field    string // For validation errors (e.g., "job_id", "command")
	Resource string // For not found/conflict (e.g., "job", "file")
	Op       string // Operation that failed (e.g., "metastore.push")
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

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
	}
}

// Conflict creates a conflict error for a resource.
func Conflict(resource, id, reason string) error {
	return &Error{
		Sentinel: ErrConflict,
		Message:  reason,
		Resource: resource,
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// StaleVersion creates a push conflict carrying both version counters.
func StaleVersion(op string, local, remote int64) error {
	return &Error{
		Sentinel: ErrStaleVersion,
		Message:  fmt.Sprintf("%s: remote version %d is ahead of local %d", op, remote, local),
		Op:       op,
	}
}

// StoreCorrupt creates a store corruption error for the given database path.
func StoreCorrupt(path string, cause error) error {
	return &Error{
		Sentinel: ErrStoreCorrupt,
		Message:  fmt.Sprintf("integrity check failed for %s: %v", path, cause),
		Resource: path,
		Cause:    cause,
	}
}

// Timeout creates a download timeout error for a file.
func Timeout(filename string, cause error) error {
	return &Error{
		Sentinel: ErrTimeout,
		Message:  fmt.Sprintf("timed out waiting for %s", filename),
		Resource: filename,
		Cause:    cause,
	}
}

// Quarantined creates a quarantine rejection error for a file.
func Quarantined(filename string) error {
	return &Error{
		Sentinel: ErrQuarantined,
		Message:  fmt.Sprintf("%s was quarantined by the upstream scanner", filename),
		Resource: filename,
	}
}
