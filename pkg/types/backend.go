package types

import "context"

// Backend creates units of work against one persistent store. It is
// chosen once at startup from the connection descriptor; callers never
// depend on which implementation they hold.
type Backend interface {
	// Name identifies the implementation ("sqlite", "postgres", "jsonl").
	Name() string

	// Create opens a writable unit of work. The caller owns it and must
	// Close it exactly once.
	Create(ctx context.Context) (UnitOfWork, error)

	// CreateReadOnly opens a unit of work restricted to reads. It does not
	// hold a dedicated connection and keeps no change-tracking snapshots.
	CreateReadOnly(ctx context.Context) (UnitOfWork, error)

	// Close releases the store. Units of work still open afterwards fail
	// with ErrClosed. Idempotent.
	Close() error
}
