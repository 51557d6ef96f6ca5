package graph

import (
	"fmt"

	"github.com/mesh-intelligence/larder/pkg/types"
)

// Merger carries the state of one reconciliation pass: the children removed
// from target collections and the targets already merged.
type Merger struct {
	removed []types.Entity
	seen    map[types.Entity]bool
}

// NewMerger starts a reconciliation pass.
func NewMerger() *Merger {
	return &Merger{seen: make(map[types.Entity]bool)}
}

// Merge copies source into target in place and returns the persisted
// children that disappeared from target collections. The caller schedules
// those for deletion when the merge is meant to be saved.
func Merge(target, source Reconcilable) []types.Entity {
	m := NewMerger()
	m.Into(target, source)
	return m.Removed()
}

// Into merges source into target. The identifier is written only while
// target is still new; once target has an identity it never changes.
// Target and source must be of the same kind; anything else is a
// programming error and panics.
func (m *Merger) Into(target, source Reconcilable) {
	if target.Kind() != source.Kind() {
		panic(fmt.Sprintf("graph: cannot merge %s into %s", source.Kind(), target.Kind()))
	}
	if target == source || m.seen[target] {
		return
	}
	m.seen[target] = true

	if target.EntityID() == 0 {
		target.SetEntityID(source.EntityID())
	}
	if ts := source.Modified(); !ts.IsZero() {
		target.SetModified(ts)
	}
	target.MergeFrom(source, m)
}

// Removed returns the children removed so far, in removal order.
func (m *Merger) Removed() []types.Entity {
	return m.removed
}

// Ref merges a single-valued reference. A nil source leaves dst alone.
// A nil dst gets a fresh instance from newT; an existing one is merged in
// place so other holders of the pointer observe the change. When both sides
// are persisted under different identifiers the reference was re-pointed,
// and dst is rebuilt rather than overwriting the old entity's state.
func Ref[T Reconcilable](m *Merger, dst *T, src T, newT func() T) {
	if isNil(src) {
		return
	}
	if isNil(*dst) {
		*dst = newT()
	} else if cur, id := (*dst).EntityID(), src.EntityID(); cur != 0 && id != 0 && cur != id {
		*dst = newT()
	}
	m.Into(*dst, src)
}

// Collection reconciles an owned collection. The result follows src's
// order:
//
//   - target elements with a nonzero identifier absent from src are
//     dropped and recorded as removed;
//   - src elements matching a target element by nonzero identifier are
//     merged into it;
//   - unsaved src elements that are themselves in target are kept as is;
//   - the remaining unsaved src elements are merged, in order, into the
//     remaining unsaved target elements, so a copy of a graph holding new
//     children does not add them twice;
//   - every other src element is built into a fresh element from newT.
//
// Unsaved target elements left unmatched are dropped without being
// recorded, since there is nothing stored to delete. A nil src means the
// collection was not loaded and leaves dst alone; pass an empty slice to
// clear it.
func Collection[T Reconcilable](m *Merger, dst *[]T, src []T, newT func() T) {
	if src == nil {
		return
	}

	wanted := make(map[int64]bool, len(src))
	for _, s := range src {
		if id := s.EntityID(); id != 0 {
			wanted[id] = true
		}
	}

	byID := make(map[int64]T, len(*dst))
	var unsaved []T
	for _, t := range *dst {
		switch id := t.EntityID(); {
		case id == 0:
			unsaved = append(unsaved, t)
		case !wanted[id]:
			m.removed = append(m.removed, t)
		default:
			byID[id] = t
		}
	}

	shared := make(map[any]bool)
	var free []T
	for _, t := range unsaved {
		if containsRef(src, t) {
			shared[any(t)] = true
		} else {
			free = append(free, t)
		}
	}

	kept := make([]T, 0, len(src))
	for _, s := range src {
		id := s.EntityID()
		if t, ok := byID[id]; ok && id != 0 {
			m.Into(t, s)
			kept = append(kept, t)
			continue
		}
		if shared[any(s)] {
			kept = append(kept, s)
			continue
		}
		if id == 0 && len(free) > 0 {
			t := free[0]
			free = free[1:]
			m.Into(t, s)
			kept = append(kept, t)
			continue
		}
		n := newT()
		m.Into(n, s)
		kept = append(kept, n)
	}
	*dst = kept
}

// Optional copies a nullable scalar. A nil src leaves dst unchanged.
func Optional[T any](dst **T, src *T) {
	if src == nil {
		return
	}
	v := *src
	*dst = &v
}

// Values replaces a collection of plain values wholesale. A nil src leaves
// dst unchanged.
func Values[T any](dst *[]T, src []T) {
	if src == nil {
		return
	}
	*dst = append(make([]T, 0, len(src)), src...)
}

// containsRef reports whether the very same instance is in list.
func containsRef[T Reconcilable](list []T, e T) bool {
	for _, x := range list {
		if any(x) == any(e) {
			return true
		}
	}
	return false
}
