// Package slot describes memory locations that hold object references.
package slot

import (
	"fmt"

	"github.com/tinygo-org/gcbind/internal/memory"
)

// Slot is a word holding a reference. A simple slot stores the reference
// itself. An offset slot stores an interior pointer: the reference plus a
// fixed byte offset, as host arrays and modules do for data that lives inside
// (or at an offset into) another object.
type Slot struct {
	addr   memory.Address
	offset uint64
}

// Simple returns a slot holding a plain reference.
func Simple(addr memory.Address) Slot {
	return Slot{addr: addr}
}

// Offset returns a slot whose stored value is the reference plus offset.
func Offset(addr memory.Address, offset uint64) Slot {
	return Slot{addr: addr, offset: offset}
}

// Address returns the location of the slot.
func (s Slot) Address() memory.Address { return s.addr }

// OffsetBytes returns the offset applied on load and store.
func (s Slot) OffsetBytes() uint64 { return s.offset }

func (s Slot) IsOffset() bool { return s.offset != 0 }

// Load returns the reference in the slot, or 0.
func (s Slot) Load(m *memory.Memory) memory.Address {
	v := m.LoadAddress(s.addr)
	if v.IsZero() {
		return 0
	}
	return v.Sub(s.offset)
}

// Store writes ref into the slot.
func (s Slot) Store(m *memory.Memory, ref memory.Address) {
	if ref.IsZero() {
		m.StoreAddress(s.addr, 0)
		return
	}
	m.StoreAddress(s.addr, ref.Add(s.offset))
}

func (s Slot) String() string {
	if s.offset != 0 {
		return fmt.Sprintf("%v+%d", s.addr, s.offset)
	}
	return s.addr.String()
}
