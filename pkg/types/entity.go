package types

import "time"

// Entity is a persistable node in an object graph.
// An identifier of 0 marks an entity that has not been committed yet.
type Entity interface {
	// Kind names the entity type. It must be callable on a nil receiver.
	Kind() string

	EntityID() int64
	SetEntityID(id int64)

	// Modified returns the last-modification stamp used for optimistic
	// concurrency checks.
	Modified() time.Time
	SetModified(t time.Time)
}

// Owned is implemented by entities whose lifetime is bound to a parent.
// The owner identifier is stored alongside the record so children can be
// loaded by parent.
type Owned interface {
	Entity
	OwnerID() int64
	SetOwnerID(id int64)
}

// Base carries the identity and modification stamp shared by all entities.
// Embed it to implement the identity half of Entity.
type Base struct {
	ID           int64     `json:"id"`
	LastModified time.Time `json:"last_modified"`
}

// EntityID returns the identifier.
func (b *Base) EntityID() int64 { return b.ID }

// SetEntityID sets the identifier.
func (b *Base) SetEntityID(id int64) { b.ID = id }

// Modified returns the last-modification stamp.
func (b *Base) Modified() time.Time { return b.LastModified }

// SetModified sets the last-modification stamp.
func (b *Base) SetModified(t time.Time) { b.LastModified = t }

// IsNew reports whether the entity has never been committed.
func IsNew(e Entity) bool {
	return e.EntityID() == 0
}

// KindOf returns the kind of the entity type T without an instance.
func KindOf[T Entity]() string {
	var zero T
	return zero.Kind()
}
