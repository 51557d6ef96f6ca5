package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mesh-intelligence/larder/pkg/concurrency"
	"github.com/mesh-intelligence/larder/pkg/graph"
	"github.com/mesh-intelligence/larder/pkg/types"
)

// SaveOption configures Save.
type SaveOption func(*saveOptions)

type saveOptions struct {
	detached bool
}

// Detached saves a new entity without keeping it checked out afterwards.
func Detached() SaveOption {
	return func(o *saveOptions) { o.detached = true }
}

// Save writes e and everything reachable from it.
//
//   - e is checked out (same instance or a detached copy with the same
//     key): the copy is merged into the live graph, children it dropped are
//     deleted, the change set is committed, and the checkout ends.
//   - e is new: it is inserted and stays checked out under its new key
//     unless Detached is given.
//   - e is persisted but not checked out: the stored graph is loaded into a
//     transient unit of work, e is merged into it, and it is committed.
//
// An instance from an earlier Load of a key that has since been loaded
// again is saved like an entity that is not checked out, so its stamp is
// checked against the store rather than merged into the newer checkout.
//
// Kinds guarded by the validator registry are checked for staleness first.
// A conflict returns *types.ConflictError and keeps the checkout; a refresh
// verdict evicts it and returns *types.RefreshError. A commit failure
// returns *types.PersistenceError, restores the modification stamps, and
// keeps the checkout.
func (c *Cache) Save(ctx context.Context, e types.Entity, opts ...SaveOption) (err error) {
	var o saveOptions
	for _, opt := range opts {
		opt(&o)
	}
	defer func() { saves.WithLabelValues(outcome(err)).Inc() }()

	if types.IsNew(e) {
		return c.saveNew(ctx, e, o)
	}

	k := Key{e.Kind(), e.EntityID()}
	unlock := c.lock(k)
	defer unlock()

	c.mu.Lock()
	en := c.entries[k]
	c.mu.Unlock()
	if en != nil && !en.superseded[e] {
		return c.saveCheckedOut(ctx, k, en, e)
	}
	return c.saveUncached(ctx, k, e)
}

func (c *Cache) saveCheckedOut(ctx context.Context, k Key, en *entry, e types.Entity) error {
	if err := c.checkStale(ctx, k, e); err != nil {
		if errors.Is(err, types.ErrRefreshRequired) {
			c.evictKey(k)
		}
		return err
	}

	u := en.uow
	if en.entity != e {
		if missing := missingIncludes(en.includes, c.registry.Includes(k.Kind)); len(missing) > 0 {
			if _, err := u.Single(ctx, k.Kind, types.ByID(k.ID), missing...); err != nil {
				return fmt.Errorf("loading %s for merge: %w", k, err)
			}
			en.includes = append(en.includes, missing...)
		}
		if err := mergeInto(u, en.entity, e); err != nil {
			return err
		}
	}
	if err := graph.Register(en.entity, u); err != nil {
		return err
	}
	restore := c.stamp(en.entity)
	if err := u.CommitChanges(ctx); err != nil {
		restore()
		c.logger.Warn("save failed", "key", k, "error", err)
		return err
	}
	if en.entity != e {
		e.SetModified(en.entity.Modified())
	}
	c.logger.Debug("saved checkout", "key", k, "uow", u.ID())
	c.evictKey(k)
	return nil
}

func (c *Cache) saveNew(ctx context.Context, e types.Entity, o saveOptions) error {
	u, err := c.backend.Create(ctx)
	if err != nil {
		return err
	}
	retained := false
	defer func() {
		if !retained {
			u.Close()
		}
	}()

	if err := graph.Register(e, u); err != nil {
		return err
	}
	if err := u.Add(e); err != nil {
		return err
	}
	restore := c.stamp(e)
	if err := u.CommitChanges(ctx); err != nil {
		restore()
		c.logger.Warn("insert failed", "kind", e.Kind(), "error", err)
		return err
	}

	k := Key{e.Kind(), e.EntityID()}
	c.logger.Debug("inserted", "key", k, "detached", o.detached)
	if o.detached {
		return nil
	}

	unlock := c.lock(k)
	defer unlock()
	if c.evictKey(k) {
		c.logger.Warn("evicted stale checkout for new key", "key", k)
	}
	c.mu.Lock()
	c.entries[k] = &entry{entity: e, uow: u, includes: c.registry.Includes(k.Kind)}
	c.mu.Unlock()
	openCheckouts.Inc()
	retained = true
	return nil
}

func (c *Cache) saveUncached(ctx context.Context, k Key, e types.Entity) error {
	if err := c.checkStale(ctx, k, e); err != nil {
		return err
	}

	u, err := c.backend.Create(ctx)
	if err != nil {
		return err
	}
	defer u.Close()

	target, err := u.Single(ctx, k.Kind, types.ByID(k.ID), c.registry.Includes(k.Kind)...)
	if err != nil {
		return fmt.Errorf("loading %s for save: %w", k, err)
	}
	if err := mergeInto(u, target, e); err != nil {
		return err
	}
	if err := graph.Register(target, u); err != nil {
		return err
	}
	restore := c.stamp(target)
	if err := u.CommitChanges(ctx); err != nil {
		restore()
		c.logger.Warn("save failed", "key", k, "error", err)
		return err
	}
	e.SetModified(target.Modified())
	c.logger.Debug("saved detached", "key", k, "uow", u.ID())
	return nil
}

// missingIncludes returns the paths of want that no path in have loads.
// A path loads itself and every prefix of itself.
func missingIncludes(have, want []string) []string {
	var missing []string
	for _, w := range want {
		loaded := false
		for _, h := range have {
			if h == w || strings.HasPrefix(h, w+".") {
				loaded = true
				break
			}
		}
		if !loaded {
			missing = append(missing, w)
		}
	}
	return missing
}

// mergeInto merges src into the tracked target and schedules the children
// src dropped for deletion.
func mergeInto(u types.UnitOfWork, target, src types.Entity) error {
	t, ok := target.(graph.Reconcilable)
	if !ok {
		return fmt.Errorf("checkout: %T cannot be reconciled", target)
	}
	s, ok := src.(graph.Reconcilable)
	if !ok {
		return fmt.Errorf("checkout: %T cannot be reconciled", src)
	}
	for _, removed := range graph.Merge(t, s) {
		if err := u.Delete(removed); err != nil {
			return err
		}
	}
	return nil
}

// checkStale reads the persisted graph of a guarded kind and asks the
// validator registry what to do when its stamp differs from e's.
func (c *Cache) checkStale(ctx context.Context, k Key, e types.Entity) error {
	if !c.validators.Guarded(k.Kind) {
		return nil
	}
	ro, err := c.backend.CreateReadOnly(ctx)
	if err != nil {
		return err
	}
	defer ro.Close()

	persisted, err := ro.Single(ctx, k.Kind, types.ByID(k.ID), c.registry.Includes(k.Kind)...)
	if errors.Is(err, types.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	d := c.validators.Check(k.Kind, e, persisted)
	switch d.Outcome {
	case concurrency.OutcomeBreak:
		c.logger.Info("save rejected", "key", k, "reason", d.Message)
		return &types.ConflictError{Kind: k.Kind, ID: k.ID, Message: d.Message}
	case concurrency.OutcomeRefresh:
		c.logger.Info("save needs refresh", "key", k)
		return &types.RefreshError{Kind: k.Kind, ID: k.ID}
	}
	return nil
}
