package objmodel

import (
	"github.com/tinygo-org/gcbind/internal/memory"
	"github.com/tinygo-org/gcbind/internal/sidemeta"
)

// HashState tracks whether an object's address was handed out as its identity
// hash. The state only moves forward:
//
//	Unhashed -> Hashed -> HashedAndMoved
//
// The first move of a Hashed object prepends a word holding the old address,
// which stays the hash of the object from then on.
type HashState uint8

const (
	Unhashed HashState = iota
	Hashed
	HashedAndMoved
)

func (s HashState) String() string {
	switch s {
	case Unhashed:
		return "unhashed"
	case Hashed:
		return "hashed"
	default:
		return "hashed-and-moved"
	}
}

// HashState returns the hash state of ref.
func (m *Model) HashState(ref memory.Address) HashState {
	return HashState(m.meta.Field(ref, sidemeta.HashMask, sidemeta.HashShift))
}

func (m *Model) setHashState(ref memory.Address, s HashState) {
	m.meta.Update(ref, sidemeta.HashMask, uint8(s)<<sidemeta.HashShift)
}

func (m *Model) hashSize(ref memory.Address) uint64 {
	if m.addressHashing && m.HashState(ref) == HashedAndMoved {
		return StoredHashBytes
	}
	return 0
}

// StoredHash returns the hash saved in front of a hashed-and-moved object.
func (m *Model) StoredHash(ref memory.Address) uint64 {
	return m.mem.LoadWord(ref.Sub(HeaderSize + StoredHashBytes))
}

// ObjectHash returns the identity hash of ref. In the movable space this marks
// the object as hashed so that its next move preserves the current address.
func (m *Model) ObjectHash(ref memory.Address) uint64 {
	if !m.moving {
		return uint64(ref)
	}
	if !m.addressHashing {
		if m.pin != nil {
			m.pin(ref)
		}
		return uint64(ref)
	}
	if !m.space.IsMovable(ref) {
		return uint64(ref)
	}
	return m.hashAt(ref, ref)
}

// PtrHash returns the identity hash of an interior pointer ptr into the
// object base.
func (m *Model) PtrHash(ptr, base memory.Address) uint64 {
	if !m.moving {
		return uint64(ptr)
	}
	if !m.addressHashing {
		if m.pin != nil {
			m.pin(base)
		}
		return uint64(ptr)
	}
	if !m.space.IsMovable(ptr) {
		return uint64(ptr)
	}
	return m.hashAt(base, ptr)
}

func (m *Model) hashAt(base, ptr memory.Address) uint64 {
	for {
		switch m.HashState(base) {
		case HashedAndMoved:
			return m.StoredHash(base) + ptr.Diff(base)
		case Hashed:
			return uint64(ptr)
		}
		if m.meta.CompareAndSwapField(base, sidemeta.HashMask, sidemeta.HashShift, uint8(Unhashed), uint8(Hashed)) {
			return uint64(ptr)
		}
	}
}
