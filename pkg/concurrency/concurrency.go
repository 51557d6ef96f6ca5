// Package concurrency decides what happens when a save is attempted against
// an entity that another session modified since it was loaded.
//
// Detection is per kind. A kind with a registered validator, or with the
// RejectStale policy, is guarded: before saving, the caller reads the
// persisted graph, and when its modification stamp differs from the one the
// attempted entity carries, Check decides whether to continue, break with a
// user-facing message, or force a reload. Unguarded kinds save last-writer-
// wins without any extra read.
package concurrency

import (
	"fmt"
	"sync"

	"github.com/mesh-intelligence/larder/pkg/types"
)

// Outcome is the verdict of a validator.
type Outcome int

const (
	// OutcomeContinue lets the save proceed.
	OutcomeContinue Outcome = iota
	// OutcomeBreak aborts the save with a message for the user.
	OutcomeBreak
	// OutcomeRefresh aborts the save and asks the caller to reload.
	OutcomeRefresh
)

func (o Outcome) String() string {
	switch o {
	case OutcomeContinue:
		return "continue"
	case OutcomeBreak:
		return "break"
	case OutcomeRefresh:
		return "refresh"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Decision is a validator's verdict. Message is set for breaks.
type Decision struct {
	Outcome Outcome
	Message string
}

// Continue lets the save proceed.
func Continue() Decision { return Decision{Outcome: OutcomeContinue} }

// Break aborts the save with msg.
func Break(msg string) Decision { return Decision{Outcome: OutcomeBreak, Message: msg} }

// Refresh asks the caller to reload the entity before retrying.
func Refresh() Decision { return Decision{Outcome: OutcomeRefresh} }

// Validator inspects a stale save. attempted is the caller's entity,
// persisted the current stored graph of the same kind and identifier.
type Validator func(attempted, persisted types.Entity) Decision

// Policy applies to stale saves of kinds without a validator.
type Policy int

const (
	// AcceptStale saves without checking. This is the default.
	AcceptStale Policy = iota
	// RejectStale breaks every stale save.
	RejectStale
)

// DefaultMessage is the break message used by RejectStale.
const DefaultMessage = "the record was changed by another user; reload and try again"

// Registry maps kinds to validators and policies. It is filled at startup
// and read concurrently afterwards.
type Registry struct {
	mu         sync.RWMutex
	validators map[string]Validator
	policies   map[string]Policy
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		validators: make(map[string]Validator),
		policies:   make(map[string]Policy),
	}
}

// Register installs v for kind, replacing any earlier validator.
func (r *Registry) Register(kind string, v Validator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.validators[kind] = v
}

// RegisterFunc installs a validator written against the concrete type.
func RegisterFunc[T types.Entity](r *Registry, fn func(attempted, persisted T) Decision) {
	r.Register(types.KindOf[T](), func(attempted, persisted types.Entity) Decision {
		a, okA := attempted.(T)
		p, okP := persisted.(T)
		if !okA || !okP {
			panic(fmt.Sprintf("concurrency: validator for %s got %T and %T", types.KindOf[T](), attempted, persisted))
		}
		return fn(a, p)
	})
}

// SetPolicy sets the stale-save policy for kind.
func (r *Registry) SetPolicy(kind string, p Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[kind] = p
}

// Guarded reports whether saves of kind need a staleness check.
func (r *Registry) Guarded(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.validators[kind]
	return ok || r.policies[kind] == RejectStale
}

// Check decides a save of attempted given the persisted state. Equal
// stamps always continue.
func (r *Registry) Check(kind string, attempted, persisted types.Entity) Decision {
	if persisted == nil || attempted.Modified().Equal(persisted.Modified()) {
		return Continue()
	}
	r.mu.RLock()
	v, ok := r.validators[kind]
	policy := r.policies[kind]
	r.mu.RUnlock()

	if ok {
		return v(attempted, persisted)
	}
	if policy == RejectStale {
		return Break(DefaultMessage)
	}
	return Continue()
}
