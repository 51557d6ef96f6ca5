package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/mesh-intelligence/larder/pkg/graph"
	"github.com/mesh-intelligence/larder/pkg/types"
)

// commit holds the state of one CommitChanges call.
type commit struct {
	u   *UnitOfWork
	ctx context.Context
	w   Writer

	seen     map[types.Entity]bool
	assigned []types.Entity // identifiers handed out by this commit
	attached []key          // entries added by this commit

	inserted, updated, deleted int
}

type deletion struct {
	kind string
	id   int64
}

// CommitChanges writes scheduled deletions, new entities, and every tracked
// entity whose JSON image changed, in one transaction. Referenced entities
// are written before their referrers and parents before their children.
// On failure the transaction is rolled back and identifiers assigned during
// the attempt are reset to zero.
func (u *UnitOfWork) CommitChanges(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.checkWritable(); err != nil {
		return err
	}

	plan, err := u.deletionPlan(ctx)
	if err != nil {
		return &types.PersistenceError{Op: "commit", Err: err}
	}

	w, err := u.session.Begin(ctx)
	if err != nil {
		return &types.PersistenceError{Op: "begin", Err: err}
	}
	c := &commit{u: u, ctx: ctx, w: w, seen: make(map[types.Entity]bool)}
	for _, d := range u.deleted {
		graph.Walk(d, func(e types.Entity) { c.seen[e] = true })
	}

	if err := c.run(plan); err != nil {
		_ = w.Rollback()
		c.undo()
		return &types.PersistenceError{Op: "commit", Err: err}
	}
	if err := w.Commit(); err != nil {
		c.undo()
		return &types.PersistenceError{Op: "commit", Err: err}
	}

	gone := make(map[key]bool, len(plan))
	for _, d := range plan {
		gone[key(d)] = true
		delete(u.entries, key(d))
	}
	for e := range c.seen {
		if e.EntityID() == 0 {
			continue
		}
		k := key{e.Kind(), e.EntityID()}
		if gone[k] {
			continue
		}
		if err := u.track(k, e); err != nil {
			return err
		}
	}
	u.added = nil
	u.deleted = nil

	u.backend.logger.Debug("changes committed",
		"uow", u.id,
		"inserted", c.inserted,
		"updated", c.updated,
		"deleted", c.deleted)
	return nil
}

func (c *commit) run(plan []deletion) error {
	for _, k := range c.u.trackedKeys() {
		if err := c.persist(c.u.entries[k].entity, 0, false); err != nil {
			return err
		}
	}
	for _, e := range c.u.added {
		if err := c.persist(e, 0, false); err != nil {
			return err
		}
	}
	for _, d := range plan {
		if err := c.w.Delete(c.ctx, d.kind, d.id); err != nil {
			return fmt.Errorf("delete %s %d: %w", d.kind, d.id, err)
		}
		c.deleted++
	}
	return nil
}

// persist writes e after the entities it references and before its
// children. owned reports whether e was reached as a child of an entity
// with identifier ownerID.
func (c *commit) persist(e types.Entity, ownerID int64, owned bool) error {
	if c.seen[e] {
		return nil
	}
	c.seen[e] = true

	refs, children := graph.Edges(e)
	for _, ref := range refs {
		if err := c.persist(ref, 0, false); err != nil {
			return err
		}
	}
	if l, ok := e.(graph.Linker); ok {
		l.Link()
	}
	o, isOwned := e.(types.Owned)
	if owned && isOwned {
		o.SetOwnerID(ownerID)
	}
	if _, err := c.u.backend.registry.Lookup(e.Kind()); err != nil {
		return err
	}

	if err := c.write(e, o); err != nil {
		return err
	}

	for _, child := range children {
		if err := c.persist(child, e.EntityID(), true); err != nil {
			return err
		}
	}
	return nil
}

func (c *commit) write(e types.Entity, o types.Owned) error {
	rec := Record{ID: e.EntityID(), Modified: stamp(e)}
	if o != nil {
		rec.OwnerID = o.OwnerID()
	}

	if rec.ID == 0 {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encoding %s: %w", e.Kind(), err)
		}
		rec.Payload = payload
		id, err := c.w.Insert(c.ctx, e.Kind(), rec)
		if err != nil {
			return fmt.Errorf("insert %s: %w", e.Kind(), err)
		}
		e.SetEntityID(id)
		c.assigned = append(c.assigned, e)
		c.inserted++
		return nil
	}

	k := key{e.Kind(), rec.ID}
	t, ok := c.u.entries[k]
	if !ok {
		// Reached but never loaded: treat it as persisted and unchanged.
		if err := c.u.track(k, e); err != nil {
			return err
		}
		c.attached = append(c.attached, k)
		return nil
	}
	if t.entity != e {
		return fmt.Errorf("%w: another %s %d is already tracked", types.ErrDuplicateKey, k.kind, k.id)
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding %s %d: %w", k.kind, k.id, err)
	}
	if bytes.Equal(payload, t.snapshot) {
		return nil
	}
	rec.Payload = payload
	if err := c.w.Update(c.ctx, k.kind, rec); err != nil {
		return fmt.Errorf("update %s %d: %w", k.kind, k.id, err)
	}
	c.updated++
	return nil
}

// undo restores tracking state after a failed commit.
func (c *commit) undo() {
	for _, e := range c.assigned {
		e.SetEntityID(0)
	}
	for _, k := range c.attached {
		delete(c.u.entries, k)
	}
}

// deletionPlan expands scheduled deletions to the owned rows beneath them,
// children first. It reads before the write transaction starts.
func (u *UnitOfWork) deletionPlan(ctx context.Context) ([]deletion, error) {
	var plan []deletion
	seen := make(map[deletion]bool)
	var expand func(kind string, id int64) error
	expand = func(kind string, id int64) error {
		d := deletion{kind, id}
		if seen[d] {
			return nil
		}
		seen[d] = true
		schema, err := u.backend.registry.Lookup(kind)
		if err != nil {
			return err
		}
		for _, rel := range schema.Relations {
			if !rel.Owned {
				continue
			}
			recs, err := u.session.ListOwned(ctx, rel.Kind, id)
			if err != nil {
				return fmt.Errorf("list %s: %w", rel.Kind, err)
			}
			for _, rec := range recs {
				if err := expand(rel.Kind, rec.ID); err != nil {
					return err
				}
			}
		}
		plan = append(plan, d)
		return nil
	}
	for _, e := range u.deleted {
		if err := expand(e.Kind(), e.EntityID()); err != nil {
			return nil, err
		}
	}
	return plan, nil
}
