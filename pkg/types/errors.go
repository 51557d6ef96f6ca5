package types

import (
	"errors"
	"fmt"
)

// Lookup and lifecycle errors.
var (
	ErrNotFound         = errors.New("entity not found")
	ErrUnknownKind      = errors.New("unknown entity kind")
	ErrInvalidKind      = errors.New("invalid entity kind")
	ErrInvalidID        = errors.New("invalid entity ID")
	ErrInvalidPredicate = errors.New("invalid predicate")
	ErrReadOnly         = errors.New("unit of work is read-only")
	ErrClosed           = errors.New("unit of work is closed")
)

// Save errors.
var (
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrRefreshRequired     = errors.New("refresh required")
	ErrPersistence         = errors.New("persistence failure")
	ErrDuplicateKey        = errors.New("duplicate key")
)

// ConflictError reports a stale save rejected by a concurrency validator.
// Message is meant for the user.
type ConflictError struct {
	Kind    string
	ID      int64
	Message string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("concurrency conflict on %s %d: %s", e.Kind, e.ID, e.Message)
}

// Is matches ErrConcurrencyConflict.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConcurrencyConflict
}

// RefreshError reports a stale save whose entity must be reloaded before
// the caller retries.
type RefreshError struct {
	Kind string
	ID   int64
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("%s %d changed in the store; reload before saving", e.Kind, e.ID)
}

// Is matches ErrRefreshRequired.
func (e *RefreshError) Is(target error) bool {
	return target == ErrRefreshRequired
}

// PersistenceError wraps a backend failure during a write.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure: %s: %v", e.Op, e.Err)
}

// Is matches ErrPersistence.
func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

func (e *PersistenceError) Unwrap() error { return e.Err }
