package models

import (
	"errors"
	"fmt"
)

// Sentinel errors forming the engine's error taxonomy. NotFound,
// AlreadyExists, Timeout and ValidationFailed are terminal and
// non-retryable; transient remote errors are wrapped with Transient.
var (
	// ErrInstanceNotFound indicates the source or target instance does not exist.
	ErrInstanceNotFound = errors.New("instance not found")
	// ErrSnapshotNotFound indicates the referenced snapshot does not exist.
	ErrSnapshotNotFound = errors.New("snapshot not found")
	// ErrMetadataNotFound indicates no metadata record exists for a snapshot.
	ErrMetadataNotFound = errors.New("snapshot metadata not found")
	// ErrSecretNotFound indicates no credentials secret exists for an instance.
	ErrSecretNotFound = errors.New("secret not found")
	// ErrAlreadyExists indicates a resource with the given identifier exists.
	ErrAlreadyExists = errors.New("already exists")
	// ErrTimeout indicates a resource never reached the desired state in time.
	ErrTimeout = errors.New("timed out waiting for desired state")
	// ErrValidationFailed indicates integrity checks disagreed with the source.
	ErrValidationFailed = errors.New("validation failed")
)

// TransientError marks an error as a retryable remote failure.
type TransientError struct {
	Err error
}

// Transient wraps err as a retryable remote failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient remote error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether an error may be retried. Errors in the
// non-retryable taxonomy (not-found, already-exists, timeout, validation
// failure) are terminal; everything else is treated as a transient remote
// failure.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrInstanceNotFound),
		errors.Is(err, ErrSnapshotNotFound),
		errors.Is(err, ErrMetadataNotFound),
		errors.Is(err, ErrAlreadyExists),
		errors.Is(err, ErrTimeout),
		errors.Is(err, ErrValidationFailed):
		return false
	}
	return true
}

// NewOperationError converts an error into the durable failure record
// attached to a failed operation.
func NewOperationError(err error, context map[string]string) OperationError {
	return OperationError{
		Message:   err.Error(),
		Retryable: IsRetryable(err),
		Context:   context,
	}
}
