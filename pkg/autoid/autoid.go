package autoid

import (
	"github.com/google/uuid"
)

// UUIDAllocator allocates random unique ids. Job master session ids are
// allocated with it, so that a restarted job master never reuses the
// fencing token of its predecessor.
type UUIDAllocator struct{}

// NewUUIDAllocator creates a UUIDAllocator.
func NewUUIDAllocator() *UUIDAllocator {
	return new(UUIDAllocator)
}

// AllocID returns a new id.
func (a *UUIDAllocator) AllocID() string {
	return uuid.New().String()
}
