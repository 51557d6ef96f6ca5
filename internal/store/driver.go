// Package store implements units of work on top of a flat record store.
//
// A Driver stores records: one row per entity, keyed by kind and identifier,
// carrying the owning entity's identifier, a modification stamp, and the
// entity's JSON payload. Everything entity-shaped lives in this package:
// identity mapping, include loading, predicate filtering, change detection,
// and the commit walk. Drivers only read and write rows, so every backend
// gets the same unit-of-work semantics.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNoRecord is returned by Session.Get when no row has the identifier.
var ErrNoRecord = errors.New("store: no record")

// Record is one stored entity row.
type Record struct {
	ID       int64
	OwnerID  int64
	Modified time.Time
	Payload  []byte
}

// Driver opens sessions against one physical store.
type Driver interface {
	// Name identifies the driver ("sqlite", "postgres", "jsonl").
	Name() string

	// Session opens a session. Read-only sessions never call Begin.
	Session(ctx context.Context, readOnly bool) (Session, error)

	// Close releases the store.
	Close() error
}

// Session reads rows and starts write transactions.
type Session interface {
	// Get returns the row of kind with the identifier, or ErrNoRecord.
	Get(ctx context.Context, kind string, id int64) (Record, error)

	// List returns every row of kind in identifier order.
	List(ctx context.Context, kind string) ([]Record, error)

	// ListOwned returns the rows of kind owned by ownerID in identifier order.
	ListOwned(ctx context.Context, kind string, ownerID int64) ([]Record, error)

	// Begin starts a write transaction.
	Begin(ctx context.Context) (Writer, error)

	// Close releases the session.
	Close() error
}

// Writer applies changes inside one transaction. Nothing is visible to
// other sessions before Commit; Rollback discards everything.
type Writer interface {
	// Insert stores a new row and returns its assigned identifier.
	// rec.ID is ignored.
	Insert(ctx context.Context, kind string, rec Record) (int64, error)

	// Update replaces the row with rec.ID. Updating a missing row fails.
	Update(ctx context.Context, kind string, rec Record) error

	// Delete removes the row. Deleting a missing row fails.
	Delete(ctx context.Context, kind string, id int64) error

	Commit() error
	Rollback() error
}
