// Package graph merges detached copies of entity graphs into live ones and
// walks graphs before they are committed.
//
// Each entity type describes its own shape by implementing Reconcilable:
// MergeFrom copies scalar fields and delegates nested references and
// owned collections to the Merger helpers, and VisitOwned enumerates the
// forward edges of the graph. Back-reference fields (a child pointing at
// its parent) are never visited and never merged.
package graph

import (
	"fmt"

	"github.com/mesh-intelligence/larder/pkg/types"
)

// Reconcilable is an entity that can absorb a detached copy of itself and
// enumerate the entities it owns or references.
type Reconcilable interface {
	types.Entity

	// MergeFrom copies src's state into the receiver. src always has the
	// receiver's concrete type. Implementations copy scalar fields and
	// call Ref, Collection, Optional and Values for everything else.
	MergeFrom(src types.Entity, m *Merger)

	// VisitOwned reports forward edges: owned children and single-valued
	// references.
	VisitOwned(v Visitor)
}

// Visitor receives the forward edges of an entity. Implementations of
// VisitOwned skip nil references.
type Visitor interface {
	// Child is called for each owned child.
	Child(e Reconcilable)
	// Ref is called for each referenced entity.
	Ref(e Reconcilable)
}

// Linker is implemented by entities that hold identifiers of referenced
// entities. Link copies the current identifiers into those fields and is
// called right before the entity is written.
type Linker interface {
	Link()
}

// Edges collects the forward edges of e.
func Edges(e types.Entity) (refs, children []Reconcilable) {
	r, ok := e.(Reconcilable)
	if !ok {
		return nil, nil
	}
	c := &collector{}
	r.VisitOwned(c)
	return c.refs, c.children
}

type collector struct {
	refs     []Reconcilable
	children []Reconcilable
}

func (c *collector) Child(e Reconcilable) {
	if e != nil {
		c.children = append(c.children, e)
	}
}

func (c *collector) Ref(e Reconcilable) {
	if e != nil {
		c.refs = append(c.refs, e)
	}
}

// Registrar attaches already-persisted entities to a unit of work.
// types.UnitOfWork satisfies it.
type Registrar interface {
	MarkUnchanged(e types.Entity) error
}

// Register walks the graph rooted at root depth-first and marks every
// reachable entity with a nonzero identifier as already persisted, so that
// commit does not insert it again. Each entity is visited once.
func Register(root types.Entity, r Registrar) error {
	seen := make(map[types.Entity]bool)
	var walk func(e types.Entity) error
	walk = func(e types.Entity) error {
		if seen[e] {
			return nil
		}
		seen[e] = true
		if e.EntityID() != 0 {
			if err := r.MarkUnchanged(e); err != nil {
				return fmt.Errorf("register %s %d: %w", e.Kind(), e.EntityID(), err)
			}
		}
		refs, children := Edges(e)
		for _, ref := range refs {
			if err := walk(ref); err != nil {
				return err
			}
		}
		for _, child := range children {
			if err := walk(child); err != nil {
				return err
			}
		}
		return nil
	}
	return walk(root)
}

// Walk calls fn for every entity reachable from root, root first, each
// entity once.
func Walk(root types.Entity, fn func(e types.Entity)) {
	seen := make(map[types.Entity]bool)
	var walk func(e types.Entity)
	walk = func(e types.Entity) {
		if seen[e] {
			return
		}
		seen[e] = true
		fn(e)
		refs, children := Edges(e)
		for _, ref := range refs {
			walk(ref)
		}
		for _, child := range children {
			walk(child)
		}
	}
	walk(root)
}

func isNil[T any](v T) bool {
	var zero T
	return any(v) == any(zero)
}
