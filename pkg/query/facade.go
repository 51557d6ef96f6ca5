// Package query answers one-shot reads. Every call opens a transient
// read-only unit of work, runs one query, and closes it before returning,
// so results are detached: nothing tracks them and editing them changes
// nothing in the store.
//
// The Facade methods take a kind; the package-level generic functions take
// the entity type instead and are what most callers use:
//
//	t, found, err := query.Single[*entities.Ticket](ctx, f, types.ByID(7), "Orders")
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/mesh-intelligence/larder/pkg/types"
)

// Facade runs detached reads against one backend and keeps the predicate
// memo used by SingleWithCache.
type Facade struct {
	backend types.Backend
	logger  *slog.Logger

	mu     sync.RWMutex
	memo   map[uint64]memoEntry
	gen    atomic.Uint64
	flight singleflight.Group
}

// Option configures a Facade.
type Option func(*Facade)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Facade) { f.logger = l }
}

// New creates a facade over b.
func New(b types.Backend, opts ...Option) *Facade {
	f := &Facade{
		backend: b,
		logger:  slog.Default(),
		memo:    make(map[uint64]memoEntry),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Facade) read(ctx context.Context, fn func(u types.UnitOfWork) error) error {
	u, err := f.backend.CreateReadOnly(ctx)
	if err != nil {
		return err
	}
	defer u.Close()
	return fn(u)
}

// Single returns the first entity of kind matching p. A miss is reported
// through found, not as an error.
func (f *Facade) Single(ctx context.Context, kind string, p types.Predicate, includes ...string) (e types.Entity, found bool, err error) {
	err = f.read(ctx, func(u types.UnitOfWork) error {
		e, err = u.Single(ctx, kind, p, includes...)
		return err
	})
	if errors.Is(err, types.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return e, true, nil
}

// Query returns every entity of kind matching p in identifier order.
func (f *Facade) Query(ctx context.Context, kind string, p types.Predicate, includes ...string) (out []types.Entity, err error) {
	err = f.read(ctx, func(u types.UnitOfWork) error {
		out, err = u.Query(ctx, kind, p, includes...)
		return err
	})
	return out, err
}

// Exists reports whether any entity of kind matches p.
func (f *Facade) Exists(ctx context.Context, kind string, p types.Predicate) (bool, error) {
	n, err := f.Count(ctx, kind, p)
	return n > 0, err
}

// Count returns the number of entities of kind matching p.
func (f *Facade) Count(ctx context.Context, kind string, p types.Predicate) (n int, err error) {
	err = f.read(ctx, func(u types.UnitOfWork) error {
		n, err = u.Count(ctx, kind, p)
		return err
	})
	return n, err
}

// Sum adds up field across the entities of kind matching p.
func (f *Facade) Sum(ctx context.Context, kind, field string, p types.Predicate) (total float64, err error) {
	err = f.read(ctx, func(u types.UnitOfWork) error {
		total, err = u.Sum(ctx, kind, field, p)
		return err
	})
	return total, err
}

// Distinct returns the distinct values of field across matches.
func (f *Facade) Distinct(ctx context.Context, kind, field string, p types.Predicate) (values []any, err error) {
	err = f.read(ctx, func(u types.UnitOfWork) error {
		values, err = u.Distinct(ctx, kind, field, p)
		return err
	})
	return values, err
}

// Single is Facade.Single for a concrete entity type.
func Single[T types.Entity](ctx context.Context, f *Facade, p types.Predicate, includes ...string) (T, bool, error) {
	var zero T
	e, found, err := f.Single(ctx, types.KindOf[T](), p, includes...)
	if err != nil || !found {
		return zero, found, err
	}
	return as[T](e)
}

// Query is Facade.Query for a concrete entity type.
func Query[T types.Entity](ctx context.Context, f *Facade, p types.Predicate, includes ...string) ([]T, error) {
	found, err := f.Query(ctx, types.KindOf[T](), p, includes...)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(found))
	for _, e := range found {
		t, _, err := as[T](e)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// Exists is Facade.Exists for a concrete entity type.
func Exists[T types.Entity](ctx context.Context, f *Facade, p types.Predicate) (bool, error) {
	return f.Exists(ctx, types.KindOf[T](), p)
}

// Count is Facade.Count for a concrete entity type.
func Count[T types.Entity](ctx context.Context, f *Facade, p types.Predicate) (int, error) {
	return f.Count(ctx, types.KindOf[T](), p)
}

// Sum is Facade.Sum for a concrete entity type.
func Sum[T types.Entity](ctx context.Context, f *Facade, field string, p types.Predicate) (float64, error) {
	return f.Sum(ctx, types.KindOf[T](), field, p)
}

// Distinct is Facade.Distinct for a concrete entity type.
func Distinct[T types.Entity](ctx context.Context, f *Facade, field string, p types.Predicate) ([]any, error) {
	return f.Distinct(ctx, types.KindOf[T](), field, p)
}

// SingleWithCache is Facade.SingleWithCache for a concrete entity type.
func SingleWithCache[T types.Entity](ctx context.Context, f *Facade, p types.Predicate, includes ...string) (T, bool, error) {
	var zero T
	e, found, err := f.SingleWithCache(ctx, types.KindOf[T](), p, includes...)
	if err != nil || !found {
		return zero, found, err
	}
	return as[T](e)
}

func as[T types.Entity](e types.Entity) (T, bool, error) {
	t, ok := e.(T)
	if !ok {
		var zero T
		return zero, false, fmt.Errorf("query: %s loaded as %T, not %T", e.Kind(), e, zero)
	}
	return t, true, nil
}
