package types

import "context"

// UnitOfWork is an open session against exactly one backend. Entities it
// returns are tracked: loading the same (kind, id) twice yields the same
// instance, and CommitChanges writes only what changed since load.
type UnitOfWork interface {
	// ID identifies the session in logs.
	ID() string

	// ReadOnly reports whether the unit of work rejects writes.
	ReadOnly() bool

	// Single returns the first entity of kind matching p, loading the
	// include paths (e.g. "Orders.TagValues"). Returns ErrNotFound when
	// nothing matches.
	Single(ctx context.Context, kind string, p Predicate, includes ...string) (Entity, error)

	// Query returns every entity of kind matching p in identifier order.
	Query(ctx context.Context, kind string, p Predicate, includes ...string) ([]Entity, error)

	// Add schedules e and every reachable new entity for insertion.
	Add(e Entity) error

	// Delete schedules e and its owned children for deletion.
	Delete(e Entity) error

	// MarkUnchanged attaches an entity with a nonzero identifier as
	// already persisted, so commit neither inserts nor updates it unless
	// it changes afterwards. Returns ErrDuplicateKey when a different
	// instance is already tracked under the same key.
	MarkUnchanged(e Entity) error

	// Refresh reloads e's fields from the store, discarding unsaved edits.
	Refresh(ctx context.Context, e Entity) error

	// Distinct returns the distinct values of field across matching records.
	Distinct(ctx context.Context, kind, field string, p Predicate) ([]any, error)

	// Count returns the number of matching records.
	Count(ctx context.Context, kind string, p Predicate) (int, error)

	// Sum adds up a numeric field across matching records.
	Sum(ctx context.Context, kind, field string, p Predicate) (float64, error)

	// CommitChanges writes the change set atomically. On failure nothing
	// is written and tracking state is left as it was before the call.
	CommitChanges(ctx context.Context) error

	// Close releases the session. Idempotent.
	Close() error
}
