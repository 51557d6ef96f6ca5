package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mesh-intelligence/larder/internal/predicate"
	"github.com/mesh-intelligence/larder/pkg/types"
)

type key struct {
	kind string
	id   int64
}

// tracked is an entity attached to a unit of work together with the JSON
// image it had when last loaded or committed.
type tracked struct {
	entity   types.Entity
	snapshot []byte
}

// UnitOfWork implements types.UnitOfWork over a driver session.
type UnitOfWork struct {
	id       string
	backend  *Backend
	session  Session
	readOnly bool

	mu      sync.Mutex
	closed  bool
	entries map[key]*tracked
	added   []types.Entity
	deleted []types.Entity
}

var _ types.UnitOfWork = (*UnitOfWork)(nil)

func (u *UnitOfWork) ID() string { return u.id }

func (u *UnitOfWork) ReadOnly() bool { return u.readOnly }

func (u *UnitOfWork) checkOpen() error {
	if u.closed || u.backend.closed.Load() {
		return types.ErrClosed
	}
	return nil
}

func (u *UnitOfWork) checkWritable() error {
	if err := u.checkOpen(); err != nil {
		return err
	}
	if u.readOnly {
		return types.ErrReadOnly
	}
	return nil
}

// Single returns the first match in identifier order.
func (u *UnitOfWork) Single(ctx context.Context, kind string, p types.Predicate, includes ...string) (types.Entity, error) {
	found, err := u.Query(ctx, kind, p, includes...)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("%w: %s where %s", types.ErrNotFound, kind, p)
	}
	return found[0], nil
}

// Query loads every match and the requested include paths.
func (u *UnitOfWork) Query(ctx context.Context, kind string, p types.Predicate, includes ...string) ([]types.Entity, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.checkOpen(); err != nil {
		return nil, err
	}

	schema, err := u.backend.registry.Lookup(kind)
	if err != nil {
		return nil, err
	}
	recs, _, err := u.match(ctx, kind, p)
	if err != nil {
		return nil, err
	}
	out := make([]types.Entity, 0, len(recs))
	for _, rec := range recs {
		e, err := u.hydrate(schema, rec)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}

	done := make(map[string]bool)
	for _, path := range includes {
		if err := u.include(ctx, schema, out, path, done); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// match returns the rows of kind satisfying p, with their decoded rows.
func (u *UnitOfWork) match(ctx context.Context, kind string, p types.Predicate) ([]Record, []map[string]any, error) {
	m, err := predicate.Compile(p)
	if err != nil {
		return nil, nil, err
	}

	var candidates []Record
	if id, ok := p.LookupID(); ok {
		rec, err := u.session.Get(ctx, kind, id)
		switch {
		case errors.Is(err, ErrNoRecord):
		case err != nil:
			return nil, nil, &types.PersistenceError{Op: "get " + kind, Err: err}
		default:
			candidates = append(candidates, rec)
		}
	} else {
		candidates, err = u.session.List(ctx, kind)
		if err != nil {
			return nil, nil, &types.PersistenceError{Op: "list " + kind, Err: err}
		}
	}

	var recs []Record
	var rows []map[string]any
	for _, rec := range candidates {
		row, err := predicate.DecodeRow(rec.Payload)
		if err != nil {
			return nil, nil, fmt.Errorf("%s %d: %w", kind, rec.ID, err)
		}
		row["id"] = rec.ID
		row["owner_id"] = rec.OwnerID
		ok, err := m.Match(row)
		if err != nil {
			return nil, nil, err
		}
		if ok {
			recs = append(recs, rec)
			rows = append(rows, row)
		}
	}
	return recs, rows, nil
}

// hydrate returns the tracked instance for rec, building it on first sight.
func (u *UnitOfWork) hydrate(schema *types.Schema, rec Record) (types.Entity, error) {
	k := key{schema.Kind, rec.ID}
	if t, ok := u.entries[k]; ok {
		return t.entity, nil
	}
	e := schema.New()
	if err := json.Unmarshal(rec.Payload, e); err != nil {
		return nil, fmt.Errorf("decoding %s %d: %w", schema.Kind, rec.ID, err)
	}
	applyColumns(e, rec)
	if err := u.track(k, e); err != nil {
		return nil, err
	}
	return e, nil
}

func applyColumns(e types.Entity, rec Record) {
	e.SetEntityID(rec.ID)
	e.SetModified(rec.Modified)
	if o, ok := e.(types.Owned); ok {
		o.SetOwnerID(rec.OwnerID)
	}
}

func (u *UnitOfWork) track(k key, e types.Entity) error {
	t := &tracked{entity: e}
	if !u.readOnly {
		snap, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("snapshot %s %d: %w", k.kind, k.id, err)
		}
		t.snapshot = snap
	}
	u.entries[k] = t
	return nil
}

// include loads one navigation path for parents.
func (u *UnitOfWork) include(ctx context.Context, schema *types.Schema, parents []types.Entity, path string, done map[string]bool) error {
	head, rest := types.SplitPath(path)
	rel, ok := schema.Relation(head)
	if !ok {
		return fmt.Errorf("%s has no relation %q", schema.Kind, head)
	}
	target, err := u.backend.registry.Lookup(rel.Kind)
	if err != nil {
		return err
	}

	var related []types.Entity
	for _, parent := range parents {
		pid := parent.EntityID()
		if pid == 0 {
			continue
		}
		loaded, err := u.loadRelation(ctx, rel, target, parent, done)
		if err != nil {
			return err
		}
		related = append(related, loaded...)
	}
	if rest == "" || len(related) == 0 {
		return nil
	}
	return u.include(ctx, target, related, rest, done)
}

func (u *UnitOfWork) loadRelation(ctx context.Context, rel types.Relation, target *types.Schema, parent types.Entity, done map[string]bool) ([]types.Entity, error) {
	doneKey := fmt.Sprintf("%s/%d/%s", parent.Kind(), parent.EntityID(), rel.Name)
	if done[doneKey] {
		return rel.Get(parent), nil
	}
	done[doneKey] = true

	if rel.Owned {
		recs, err := u.session.ListOwned(ctx, rel.Kind, parent.EntityID())
		if err != nil {
			return nil, &types.PersistenceError{Op: "list " + rel.Kind, Err: err}
		}
		children := make([]types.Entity, 0, len(recs))
		for _, rec := range recs {
			e, err := u.hydrate(target, rec)
			if err != nil {
				return nil, err
			}
			children = append(children, e)
		}
		for _, e := range rel.Get(parent) {
			if e.EntityID() == 0 {
				children = append(children, e)
			}
		}
		rel.Set(parent, children)
		return children, nil
	}

	id := rel.RefID(parent)
	if id == 0 {
		if cur := rel.Get(parent); len(cur) == 1 && cur[0].EntityID() == 0 {
			return cur, nil
		}
		rel.Set(parent, nil)
		return nil, nil
	}
	rec, err := u.session.Get(ctx, rel.Kind, id)
	if errors.Is(err, ErrNoRecord) {
		rel.Set(parent, nil)
		return nil, nil
	}
	if err != nil {
		return nil, &types.PersistenceError{Op: "get " + rel.Kind, Err: err}
	}
	e, err := u.hydrate(target, rec)
	if err != nil {
		return nil, err
	}
	rel.Set(parent, []types.Entity{e})
	return []types.Entity{e}, nil
}

// Add schedules e for insertion on commit.
func (u *UnitOfWork) Add(e types.Entity) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.checkWritable(); err != nil {
		return err
	}
	if _, err := u.backend.registry.Lookup(e.Kind()); err != nil {
		return err
	}
	for _, a := range u.added {
		if a == e {
			return nil
		}
	}
	u.added = append(u.added, e)
	return nil
}

// Delete schedules e for deletion on commit. Deleting an entity that was
// never persisted just forgets it.
func (u *UnitOfWork) Delete(e types.Entity) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.checkWritable(); err != nil {
		return err
	}
	if e.EntityID() == 0 {
		for i, a := range u.added {
			if a == e {
				u.added = append(u.added[:i], u.added[i+1:]...)
				break
			}
		}
		return nil
	}
	for _, d := range u.deleted {
		if d == e {
			return nil
		}
	}
	u.deleted = append(u.deleted, e)
	return nil
}

// MarkUnchanged attaches a persisted entity with its current state as the
// baseline.
func (u *UnitOfWork) MarkUnchanged(e types.Entity) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.checkOpen(); err != nil {
		return err
	}
	if e.EntityID() == 0 {
		return fmt.Errorf("%w: cannot attach new %s", types.ErrInvalidID, e.Kind())
	}
	k := key{e.Kind(), e.EntityID()}
	if t, ok := u.entries[k]; ok {
		if t.entity != e {
			return fmt.Errorf("%w: %s %d is already tracked", types.ErrDuplicateKey, k.kind, k.id)
		}
		return nil
	}
	return u.track(k, e)
}

// Refresh overwrites e with the stored row. Navigation fields are kept.
func (u *UnitOfWork) Refresh(ctx context.Context, e types.Entity) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.checkOpen(); err != nil {
		return err
	}
	if e.EntityID() == 0 {
		return fmt.Errorf("%w: cannot refresh new %s", types.ErrInvalidID, e.Kind())
	}
	k := key{e.Kind(), e.EntityID()}
	if t, ok := u.entries[k]; ok && t.entity != e {
		return fmt.Errorf("%w: %s %d is already tracked", types.ErrDuplicateKey, k.kind, k.id)
	}
	rec, err := u.session.Get(ctx, k.kind, k.id)
	if errors.Is(err, ErrNoRecord) {
		return fmt.Errorf("%w: %s %d", types.ErrNotFound, k.kind, k.id)
	}
	if err != nil {
		return &types.PersistenceError{Op: "get " + k.kind, Err: err}
	}
	if err := json.Unmarshal(rec.Payload, e); err != nil {
		return fmt.Errorf("decoding %s %d: %w", k.kind, k.id, err)
	}
	applyColumns(e, rec)
	return u.track(k, e)
}

// Distinct returns the distinct values of field in first-seen order.
func (u *UnitOfWork) Distinct(ctx context.Context, kind, field string, p types.Predicate) ([]any, error) {
	rows, err := u.rows(ctx, kind, p)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []any
	for _, row := range rows {
		v, ok := row[field]
		if !ok {
			continue
		}
		k := fmt.Sprintf("%T:%v", v, v)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, v)
	}
	return out, nil
}

// Count returns the number of matching rows.
func (u *UnitOfWork) Count(ctx context.Context, kind string, p types.Predicate) (int, error) {
	rows, err := u.rows(ctx, kind, p)
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

// Sum adds up field across matching rows. Missing and null values count as
// zero; anything non-numeric is an error.
func (u *UnitOfWork) Sum(ctx context.Context, kind, field string, p types.Predicate) (float64, error) {
	rows, err := u.rows(ctx, kind, p)
	if err != nil {
		return 0, err
	}
	var total float64
	for _, row := range rows {
		switch v := row[field].(type) {
		case nil:
		case int64:
			total += float64(v)
		case float64:
			total += v
		default:
			return 0, fmt.Errorf("sum %s.%s: %T is not numeric", kind, field, v)
		}
	}
	return total, nil
}

func (u *UnitOfWork) rows(ctx context.Context, kind string, p types.Predicate) ([]map[string]any, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.checkOpen(); err != nil {
		return nil, err
	}
	if _, err := u.backend.registry.Lookup(kind); err != nil {
		return nil, err
	}
	_, rows, err := u.match(ctx, kind, p)
	return rows, err
}

// Close releases the session and forgets tracked entities. Idempotent.
func (u *UnitOfWork) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return nil
	}
	u.closed = true
	u.entries = nil
	u.added = nil
	u.deleted = nil
	u.backend.logger.Debug("unit of work closed", "uow", u.id)
	return u.session.Close()
}

// trackedKeys returns the tracked keys in a stable order.
func (u *UnitOfWork) trackedKeys() []key {
	keys := make([]key, 0, len(u.entries))
	for k := range u.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].kind != keys[j].kind {
			return keys[i].kind < keys[j].kind
		}
		return keys[i].id < keys[j].id
	})
	return keys
}

func stamp(e types.Entity) time.Time {
	return e.Modified().UTC()
}
