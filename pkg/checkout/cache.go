// Package checkout keeps entities that are being edited attached to their
// own unit of work, so a long-running edit (a ticket open on a terminal)
// can be saved later without reloading it.
//
// Load checks an entity out: it gets a dedicated writable unit of work that
// stays open until the entity is saved or evicted. Save writes an entity
// back whichever way it arrives: the checked-out instance itself, a
// detached copy of a checked-out entity, a brand-new entity, or a detached
// copy of a persisted entity that was never checked out. Detached copies
// are reconciled into the live graph with package graph before committing.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mesh-intelligence/larder/pkg/concurrency"
	"github.com/mesh-intelligence/larder/pkg/graph"
	"github.com/mesh-intelligence/larder/pkg/types"
)

var (
	openCheckouts = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "larder",
		Subsystem: "checkout",
		Name:      "open",
		Help:      "Entities currently checked out.",
	})
	saves = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "larder",
		Subsystem: "checkout",
		Name:      "saves_total",
		Help:      "Saves by outcome (committed, conflict, refresh, error).",
	}, []string{"outcome"})
)

// Key identifies a checked-out entity.
type Key struct {
	Kind string
	ID   int64
}

func (k Key) String() string { return fmt.Sprintf("%s/%d", k.Kind, k.ID) }

type entry struct {
	entity   types.Entity
	uow      types.UnitOfWork
	includes []string

	// superseded holds instances handed out by earlier Loads of the key.
	superseded map[types.Entity]bool
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// Cache holds checked-out entities. It is safe for concurrent use;
// operations on the same key are serialized.
type Cache struct {
	backend    types.Backend
	registry   *types.Registry
	validators *concurrency.Registry
	logger     *slog.Logger
	now        func() time.Time

	mu      sync.Mutex
	entries map[Key]*entry
	locks   map[Key]*keyLock

	stampMu sync.Mutex
	last    time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// WithClock replaces time.Now for modification stamps.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithValidators sets the stale-save rules. Without it every kind saves
// last-writer-wins.
func WithValidators(r *concurrency.Registry) Option {
	return func(c *Cache) { c.validators = r }
}

// New creates a cache writing through b. registry supplies the include
// paths used to load full graphs for merges and staleness checks.
func New(b types.Backend, registry *types.Registry, opts ...Option) *Cache {
	c := &Cache{
		backend:    b,
		registry:   registry,
		validators: concurrency.NewRegistry(),
		logger:     slog.Default(),
		now:        time.Now,
		entries:    make(map[Key]*entry),
		locks:      make(map[Key]*keyLock),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// lock serializes work on k and returns the release function.
func (c *Cache) lock(k Key) func() {
	c.mu.Lock()
	l, ok := c.locks[k]
	if !ok {
		l = &keyLock{}
		c.locks[k] = l
	}
	l.refs++
	c.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		c.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.locks, k)
		}
		c.mu.Unlock()
	}
}

// Load checks out the entity of kind with the identifier, replacing any
// earlier checkout of the same key. includes are navigation paths to load
// with it. Returns types.ErrNotFound when there is no such entity.
func (c *Cache) Load(ctx context.Context, kind string, id int64, includes ...string) (types.Entity, error) {
	if id <= 0 {
		return nil, fmt.Errorf("%w: %d", types.ErrInvalidID, id)
	}
	k := Key{kind, id}
	unlock := c.lock(k)
	defer unlock()

	superseded := make(map[types.Entity]bool)
	c.mu.Lock()
	if prev := c.entries[k]; prev != nil {
		for e := range prev.superseded {
			superseded[e] = true
		}
		superseded[prev.entity] = true
	}
	c.mu.Unlock()
	c.evictKey(k)

	u, err := c.backend.Create(ctx)
	if err != nil {
		return nil, err
	}
	e, err := u.Single(ctx, kind, types.ByID(id), includes...)
	if err != nil {
		u.Close()
		return nil, err
	}

	c.mu.Lock()
	c.entries[k] = &entry{entity: e, uow: u, includes: slices.Clone(includes), superseded: superseded}
	c.mu.Unlock()
	openCheckouts.Inc()
	c.logger.Debug("checked out", "key", k, "uow", u.ID())
	return e, nil
}

// Load checks out the entity of type T with the identifier.
func Load[T types.Entity](ctx context.Context, c *Cache, id int64, includes ...string) (T, error) {
	var zero T
	e, err := c.Load(ctx, types.KindOf[T](), id, includes...)
	if err != nil {
		return zero, err
	}
	t, ok := e.(T)
	if !ok {
		c.Evict(e.Kind(), id)
		return zero, fmt.Errorf("checkout: %s loaded as %T, not %T", e.Kind(), e, zero)
	}
	return t, nil
}

// Evict drops the checkout of kind and id, discarding unsaved edits.
func (c *Cache) Evict(kind string, id int64) {
	k := Key{kind, id}
	unlock := c.lock(k)
	defer unlock()
	c.evictKey(k)
}

// EvictEntity drops the checkout holding e's key.
func (c *Cache) EvictEntity(e types.Entity) {
	if e.EntityID() == 0 {
		return
	}
	c.Evict(e.Kind(), e.EntityID())
}

// evictKey removes and closes the entry. The caller holds k's lock.
func (c *Cache) evictKey(k Key) bool {
	c.mu.Lock()
	en, ok := c.entries[k]
	delete(c.entries, k)
	c.mu.Unlock()
	if !ok {
		return false
	}
	if err := en.uow.Close(); err != nil {
		c.logger.Warn("closing unit of work", "key", k, "error", err)
	}
	openCheckouts.Dec()
	c.logger.Debug("evicted", "key", k)
	return true
}

// Contains reports whether kind and id are checked out.
func (c *Cache) Contains(kind string, id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[Key{kind, id}]
	return ok
}

// Len returns the number of checked-out entities.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close evicts every checkout.
func (c *Cache) Close() {
	c.mu.Lock()
	keys := make([]Key, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	c.mu.Unlock()
	for _, k := range keys {
		c.Evict(k.Kind, k.ID)
	}
}

// nextStamp returns a modification time strictly after every earlier one.
func (c *Cache) nextStamp() time.Time {
	c.stampMu.Lock()
	defer c.stampMu.Unlock()
	t := c.now().UTC().Truncate(time.Microsecond)
	if !t.After(c.last) {
		t = c.last.Add(time.Microsecond)
	}
	c.last = t
	return t
}

// stamp sets a fresh modification time on root and on every new entity in
// its graph, returning a function that puts the old times back.
func (c *Cache) stamp(root types.Entity) (restore func()) {
	ts := c.nextStamp()
	type prev struct {
		e types.Entity
		t time.Time
	}
	var saved []prev
	graph.Walk(root, func(e types.Entity) {
		if e == root || types.IsNew(e) {
			saved = append(saved, prev{e, e.Modified()})
			e.SetModified(ts)
		}
	})
	return func() {
		for _, p := range saved {
			p.e.SetModified(p.t)
		}
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "committed"
	case errors.Is(err, types.ErrConcurrencyConflict):
		return "conflict"
	case errors.Is(err, types.ErrRefreshRequired):
		return "refresh"
	default:
		return "error"
	}
}
