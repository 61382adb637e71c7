package storage

import (
	"errors"
	"fmt"
)

// Common sentinel errors
var (
	ErrClosed  = errors.New("storage is closed")
	ErrCorrupt = errors.New("persisted state is corrupt and no recovery source was found")
)

// BackendError provides structured error information for backend operations.
type BackendError struct {
	Op      string // Operation that failed (e.g., "Set", "ApplyBatch")
	Backend string // Backend name (e.g., "file", "sqlite")
	Key     string // Affected key (if applicable)
	Cause   error  // Underlying error
}

// Error implements the error interface.
func (e *BackendError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s backend: %s key %q: %v", e.Backend, e.Op, e.Key, e.Cause)
	}
	return fmt.Sprintf("%s backend: %s: %v", e.Backend, e.Op, e.Cause)
}

// Unwrap returns the underlying cause for error chain support.
func (e *BackendError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target error matches this error or its cause.
func (e *BackendError) Is(target error) bool {
	if target == nil {
		return false
	}
	return errors.Is(e.Cause, target)
}

func backendErr(backend, op, key string, cause error) error {
	return &BackendError{Op: op, Backend: backend, Key: key, Cause: cause}
}
