package types

import (
	"errors"
	"fmt"
)

// Error kinds. Concrete errors wrap or match one of these so callers can
// branch with errors.Is.
var (
	// ErrValidation marks malformed input; never retried
	ErrValidation = errors.New("validation error")
	// ErrConnectivity marks an unreachable database or provider after retries
	ErrConnectivity = errors.New("connectivity error")
	// ErrProvider marks an embedding provider rejection
	ErrProvider = errors.New("embedding provider error")
	// ErrFileProcessing marks a per-file read or decode failure
	ErrFileProcessing = errors.New("file processing error")
	// ErrWorkerFailure marks a worker pipeline that panicked or failed unexpectedly
	ErrWorkerFailure = errors.New("worker failure")
	// ErrAcquireTimeout is returned when no pooled connection became available in time
	ErrAcquireTimeout = errors.New("connection acquire timeout")
	// ErrPoolClosed is returned by a pool after Close
	ErrPoolClosed = errors.New("connection pool closed")

	ErrCollectionNotFound = errors.New("collection not found")
	ErrCollectionMismatch = errors.New("collection configuration mismatch")
	ErrIndexingInProgress = errors.New("indexing session already active")
	ErrNoActiveSession    = errors.New("no active indexing session")
)

// ValidationError reports an invalid field
type ValidationError struct {
	Field  string
	Reason string
}

// NewValidationError creates a ValidationError
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// ConnectivityError is raised when an operation exhausted its retries
type ConnectivityError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *ConnectivityError) Is(target error) bool {
	return target == ErrConnectivity
}

func (e *ConnectivityError) Unwrap() error {
	return e.Err
}

// FileError records a recoverable per-file failure
type FileError struct {
	Path string
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *FileError) Is(target error) bool {
	return target == ErrFileProcessing
}

func (e *FileError) Unwrap() error {
	return e.Err
}
