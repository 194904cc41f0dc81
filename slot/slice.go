package slot

import (
	"github.com/tinygo-org/gcbind/internal/memory"
)

// MemorySlice is a run of simple slots [Start, Start+Count words) inside the
// object Owner.
type MemorySlice struct {
	Owner memory.Address
	Start memory.Address
	Count uint64
}

// Bytes returns the size of the slice in bytes.
func (s MemorySlice) Bytes() uint64 {
	return s.Count * memory.WordSize
}

// End returns the address just past the last slot.
func (s MemorySlice) End() memory.Address {
	return s.Start.Add(s.Bytes())
}

// Slot returns the i-th slot of the slice.
func (s MemorySlice) Slot(i uint64) Slot {
	return Simple(s.Start.Add(i * memory.WordSize))
}

// Each calls fn for every slot in order.
func (s MemorySlice) Each(fn func(Slot)) {
	for i := uint64(0); i < s.Count; i++ {
		fn(s.Slot(i))
	}
}

// Copy copies the words of src into dst, which must have the same length.
// Words are moved one at a time with atomic loads and stores. Overlapping
// slices are handled by copying backwards when dst starts inside src.
func Copy(m *memory.Memory, src, dst MemorySlice) {
	if src.Count != dst.Count {
		panic("slot: copy between slices of different length")
	}
	n := src.Count
	if dst.Start > src.Start && dst.Start < src.End() {
		for i := n; i > 0; i-- {
			m.StoreWord(dst.Start.Add((i-1)*memory.WordSize), m.LoadWord(src.Start.Add((i-1)*memory.WordSize)))
		}
		return
	}
	for i := uint64(0); i < n; i++ {
		m.StoreWord(dst.Start.Add(i*memory.WordSize), m.LoadWord(src.Start.Add(i*memory.WordSize)))
	}
}
