package entity

import (
	"errors"
	"fmt"
)

// Sentinel errors for domain layer operations.
var (
	// ErrNotFound indicates that a requested entity was not found
	ErrNotFound = errors.New("entity not found")

	// ErrInvalidInput indicates that the provided input is invalid
	ErrInvalidInput = errors.New("invalid input")

	// ErrValidationFailed indicates that validation checks have failed
	ErrValidationFailed = errors.New("validation failed")
)

// ValidationError represents a validation error with detailed field information.
// It implements the error interface and provides context about which field failed validation.
type ValidationError struct {
	Field   string
	Message string
}

// Error returns a formatted error message for the validation error.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// Store error taxonomy.
//
// Every internal/repository method returns one of these four shapes (or a
// plain nil). Callers branch on them with errors.As, never on driver-specific
// error values, so the postgres adapters are the only place pgx errors are
// inspected.
var (
	// ErrConflict is the sentinel embedded in ConflictError for errors.Is checks.
	ErrConflict = errors.New("conflict")

	// ErrTransient is the sentinel embedded in TransientStoreError.
	ErrTransient = errors.New("transient store error")

	// ErrFatal is the sentinel embedded in FatalStoreError.
	ErrFatal = errors.New("fatal store error")
)

// ConflictError indicates a write lost a race: a unique constraint, a CAS
// compare-and-swap on a version/state column, or an optimistic-lock mismatch.
// Callers should treat this as "someone else already did it" rather than retry
// blindly.
type ConflictError struct {
	Resource string
	Key      string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s %q", e.Resource, e.Key)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// NotFoundError indicates the requested row does not exist.
type NotFoundError struct {
	Resource string
	Key      string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.Key)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// TransientStoreError wraps a store failure the caller should retry:
// connection drops, deadlocks, statement timeouts. The fetch pipeline's
// store-write retry (internal/usecase/fetch) keys off this type.
type TransientStoreError struct {
	Op  string
	Err error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("transient store error during %s: %v", e.Op, e.Err)
}

func (e *TransientStoreError) Unwrap() error { return ErrTransient }

// FatalStoreError wraps a store failure that will not succeed on retry:
// malformed query, schema mismatch, constraint violations other than the
// ones modeled by ConflictError.
type FatalStoreError struct {
	Op  string
	Err error
}

func (e *FatalStoreError) Error() string {
	return fmt.Sprintf("fatal store error during %s: %v", e.Op, e.Err)
}

func (e *FatalStoreError) Unwrap() error { return ErrFatal }
