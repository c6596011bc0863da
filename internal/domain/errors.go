package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrConflict means a non-terminated session already exists for the pair.
	ErrConflict = errors.New("active session already exists")
	// ErrNotFound means the session or evidence reference is unknown.
	ErrNotFound = errors.New("not found")
	// ErrSessionClosed means the session is terminated. Not retryable.
	ErrSessionClosed = errors.New("session closed")
	// ErrEvidenceUnavailable means evidence could not be persisted or read.
	ErrEvidenceUnavailable = errors.New("evidence unavailable")
	// ErrIntegrity means stored evidence failed authentication.
	ErrIntegrity = errors.New("evidence integrity check failed")
	// ErrLockUnavailable means the per-session lock could not be acquired.
	// The client should retry with the same sequence number.
	ErrLockUnavailable = errors.New("session lock unavailable")
)

// ConflictError carries the id of the session that blocked a start.
type ConflictError struct {
	ExistingID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: %s", ErrConflict, e.ExistingID)
}

func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

// ValidationError reports a malformed sample or request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
