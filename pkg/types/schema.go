package types

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// kindPattern restricts kinds to identifiers that are safe as table names.
var kindPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// Relation describes a navigation from a parent entity to related entities.
type Relation struct {
	// Name is the navigation path segment used in include shapes, e.g. "Orders".
	Name string

	// Kind is the kind of the related entities.
	Kind string

	// Owned marks a child collection: child records carry the parent's
	// identifier as their owner. Otherwise the relation is a single-valued
	// reference and the parent carries the referenced identifier.
	Owned bool

	// RefID returns the referenced identifier held by the parent.
	// Required for references, ignored for owned relations.
	RefID func(parent Entity) int64

	// Get returns the currently attached related entities.
	Get func(parent Entity) []Entity

	// Set replaces the related entities on the parent with loaded ones.
	Set func(parent Entity, related []Entity)
}

// Schema describes one entity kind.
type Schema struct {
	Kind      string
	New       func() Entity
	Relations []Relation
}

// Relation returns the named relation.
func (s *Schema) Relation(name string) (Relation, bool) {
	for _, r := range s.Relations {
		if r.Name == name {
			return r, true
		}
	}
	return Relation{}, false
}

// Registry maps kinds to schemas. It is populated at startup and read by
// the backends when hydrating records.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*Schema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]*Schema)}
}

// Register adds a schema. Kinds must be lower-case identifiers and unique.
func (r *Registry) Register(s Schema) error {
	if !kindPattern.MatchString(s.Kind) {
		return fmt.Errorf("%w: %q", ErrInvalidKind, s.Kind)
	}
	if s.New == nil {
		return fmt.Errorf("schema %s: missing constructor", s.Kind)
	}
	for _, rel := range s.Relations {
		if rel.Name == "" || rel.Set == nil || rel.Get == nil {
			return fmt.Errorf("schema %s: incomplete relation %q", s.Kind, rel.Name)
		}
		if !rel.Owned && rel.RefID == nil {
			return fmt.Errorf("schema %s: reference %q has no RefID", s.Kind, rel.Name)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.schemas[s.Kind]; ok {
		return fmt.Errorf("%w: schema %s already registered", ErrDuplicateKey, s.Kind)
	}
	r.schemas[s.Kind] = &s
	return nil
}

// MustRegister is Register that panics on error.
func (r *Registry) MustRegister(schemas ...Schema) {
	for _, s := range schemas {
		if err := r.Register(s); err != nil {
			panic(err)
		}
	}
}

// Lookup returns the schema for kind or ErrUnknownKind.
func (r *Registry) Lookup(kind string) (*Schema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return s, nil
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.schemas))
	for k := range r.schemas {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Includes returns every navigation path reachable from kind through owned
// relations, plus the references hanging directly off each visited kind.
// References are not followed further, so back-references never loop.
func (r *Registry) Includes(kind string) []string {
	var paths []string
	seen := map[string]bool{}
	var walk func(kind, prefix string)
	walk = func(kind, prefix string) {
		if seen[kind] {
			return
		}
		seen[kind] = true
		defer delete(seen, kind)

		s, err := r.Lookup(kind)
		if err != nil {
			return
		}
		for _, rel := range s.Relations {
			path := rel.Name
			if prefix != "" {
				path = prefix + "." + rel.Name
			}
			paths = append(paths, path)
			if rel.Owned {
				walk(rel.Kind, path)
			}
		}
	}
	walk(kind, "")
	return paths
}

// SplitPath splits an include path into its first segment and the remainder.
func SplitPath(path string) (head, rest string) {
	head, rest, _ = strings.Cut(path, ".")
	return head, rest
}
