package rcstorage

import "fmt"

// ID is a handle to a payload in a Storage. The zero ID is null.
//
// Copying an ID with plain assignment does not add a reference; use Clone to share a payload and
// Move to hand one over. Every handle obtained from Create or Clone must eventually be released.
type ID[T Releaser[C], C any] struct {
	storage    *Storage[T, C]
	index      uint32
	generation uint32
}

// Clone returns a new handle to the same payload and adds a reference. Cloning a null or stale handle
// returns a null handle.
func (id ID[T, C]) Clone() ID[T, C] {
	if id.storage == nil || !id.storage.incRef(id) {
		return ID[T, C]{}
	}
	return id
}

// Move returns a handle that takes over this handle's reference, leaving this handle null
func (id *ID[T, C]) Move() ID[T, C] {
	moved := *id
	*id = ID[T, C]{}
	return moved
}

// Assign makes this handle refer to other's payload, adding a reference to it and releasing the
// payload this handle referred to before
func (id *ID[T, C]) Assign(other ID[T, C]) {
	if id.Equal(other) {
		return
	}

	cloned := other.Clone()
	id.Release()
	*id = cloned
}

// Release drops this handle's reference and makes the handle null. When the last reference is
// dropped, the payload is queued for the next Collect. Releasing a null handle does nothing.
func (id *ID[T, C]) Release() {
	if id.storage != nil {
		id.storage.decRef(*id)
	}
	*id = ID[T, C]{}
}

func (id ID[T, C]) IsNull() bool {
	return id.storage == nil
}

// Index returns the slot index, for debugging
func (id ID[T, C]) Index() uint32 {
	return id.index
}

// Equal reports whether both handles refer to the same slot of the same storage in the same
// generation. Null handles are equal to each other.
func (id ID[T, C]) Equal(other ID[T, C]) bool {
	if id.storage == nil || other.storage == nil {
		return id.storage == other.storage
	}
	return id.storage == other.storage && id.index == other.index && id.generation == other.generation
}

// Get returns the payload this handle refers to. The pointer is only valid until the next Create or
// Collect on the storage.
func (id ID[T, C]) Get() (*T, error) {
	if id.storage == nil {
		return nil, ErrNullHandle
	}

	cell, err := id.storage.validate(id)
	if err != nil {
		return nil, err
	}
	return &cell.payload, nil
}

// MustGet is Get for callers that hold a handle they know to be valid. It panics otherwise.
func (id ID[T, C]) MustGet() *T {
	payload, err := id.Get()
	if err != nil {
		panic(err)
	}
	return payload
}

func (id ID[T, C]) String() string {
	if id.storage == nil {
		return "ID(null)"
	}
	return fmt.Sprintf("ID(%d@%d)", id.index, id.generation)
}
