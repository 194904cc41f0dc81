// Package sidemeta keeps per-object metadata outside of object memory.
//
// Every 8 byte granule of a mapped chunk has one metadata byte. Four bytes are
// packed into a 32-bit word so updates can use compare-and-swap.
package sidemeta

import (
	"sync"
	"sync/atomic"

	"github.com/tinygo-org/gcbind/internal/memory"
)

const (
	logGranule     = 3
	granulesInWord = 4
	wordsPerChunk  = memory.ChunkBytes >> logGranule / granulesInWord
)

// Bits of a metadata byte.
const (
	ValidObject uint8 = 1 << 0 // an object reference starts here
	Mark        uint8 = 1 << 1
	Pin         uint8 = 1 << 2
	Unlogged    uint8 = 1 << 5 // the object is old and its writes must be logged

	ForwardingMask  uint8 = 3 << 3
	ForwardingShift       = 3
	HashMask        uint8 = 3 << 6
	HashShift             = 6
)

// Forwarding states, stored in ForwardingMask.
const (
	NotForwarded   uint8 = 0
	BeingForwarded uint8 = 1
	Forwarded      uint8 = 2
)

type table map[uint64][]uint32

// Table is the side metadata of the whole address space.
type Table struct {
	mu     sync.Mutex
	chunks atomic.Pointer[table]
}

func New() *Table {
	t := &Table{}
	m := table{}
	t.chunks.Store(&m)
	return t
}

// Ensure allocates metadata for every chunk overlapping [start, start+size).
func (t *Table) Ensure(start memory.Address, size uint64) {
	if size == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	old := *t.chunks.Load()
	first := uint64(start) >> memory.LogChunkBytes
	last := (uint64(start) + size - 1) >> memory.LogChunkBytes
	var next table
	for c := first; c <= last; c++ {
		if _, ok := old[c]; ok {
			continue
		}
		if next == nil {
			next = make(table, len(old)+1)
			for k, v := range old {
				next[k] = v
			}
		}
		next[c] = make([]uint32, wordsPerChunk)
	}
	if next != nil {
		t.chunks.Store(&next)
	}
}

// word returns the metadata word and bit shift of the granule at a, or nil if
// no metadata exists for the chunk.
func (t *Table) word(a memory.Address) (*uint32, uint) {
	c, ok := (*t.chunks.Load())[uint64(a)>>memory.LogChunkBytes]
	if !ok {
		return nil, 0
	}
	g := (uint64(a) & (memory.ChunkBytes - 1)) >> logGranule
	return &c[g/granulesInWord], uint(g%granulesInWord) * 8
}

// Load returns the metadata byte of a. Addresses without metadata read as 0.
func (t *Table) Load(a memory.Address) uint8 {
	w, shift := t.word(a)
	if w == nil {
		return 0
	}
	return uint8(atomic.LoadUint32(w) >> shift)
}

// Test reports whether all of bits are set for a.
func (t *Table) Test(a memory.Address, bits uint8) bool {
	return t.Load(a)&bits == bits
}

// Field returns the value of the multi-bit field selected by mask.
func (t *Table) Field(a memory.Address, mask uint8, shift uint) uint8 {
	return (t.Load(a) & mask) >> shift
}

// Update atomically replaces the bits selected by mask with value and returns
// the previous metadata byte.
func (t *Table) Update(a memory.Address, mask, value uint8) uint8 {
	w, shift := t.word(a)
	if w == nil {
		panic("sidemeta: no metadata for " + a.String())
	}
	for {
		old := atomic.LoadUint32(w)
		b := uint8(old >> shift)
		nb := b&^mask | value&mask
		if nb == b {
			return b
		}
		nw := old&^(0xff<<shift) | uint32(nb)<<shift
		if atomic.CompareAndSwapUint32(w, old, nw) {
			return b
		}
	}
}

// CompareAndSwapField sets the field selected by mask to new if it currently
// holds old. Values are unshifted.
func (t *Table) CompareAndSwapField(a memory.Address, mask uint8, shift uint, old, new uint8) bool {
	w, s := t.word(a)
	if w == nil {
		panic("sidemeta: no metadata for " + a.String())
	}
	for {
		cur := atomic.LoadUint32(w)
		b := uint8(cur >> s)
		if (b&mask)>>shift != old {
			return false
		}
		nb := b&^mask | (new<<shift)&mask
		nw := cur&^(0xff<<s) | uint32(nb)<<s
		if atomic.CompareAndSwapUint32(w, cur, nw) {
			return true
		}
	}
}

// Set sets bits for a and reports whether any of them was previously clear.
func (t *Table) Set(a memory.Address, bits uint8) bool {
	return t.Update(a, bits, bits)&bits != bits
}

// Clear clears bits for a and reports whether any of them was set.
func (t *Table) Clear(a memory.Address, bits uint8) bool {
	return t.Update(a, bits, 0)&bits != 0
}

// ClearRange clears bits for every granule in [start, start+size). It must not
// race with other updates of the same range.
func (t *Table) ClearRange(start memory.Address, size uint64, bits uint8) {
	var mask uint32
	for i := 0; i < granulesInWord; i++ {
		mask |= uint32(bits) << (8 * i)
	}
	end := start.Add(size)
	for a := start; a < end; {
		w, shift := t.word(a)
		if w == nil {
			a = a.AlignDown(memory.ChunkBytes).Add(memory.ChunkBytes)
			continue
		}
		if shift == 0 && end.Diff(a) >= granulesInWord<<logGranule {
			atomic.StoreUint32(w, atomic.LoadUint32(w)&^mask)
			a = a.Add(granulesInWord << logGranule)
			continue
		}
		t.Clear(a, bits)
		a = a.Add(1 << logGranule)
	}
}

// ForEach calls fn for each granule in [start, start+size) with all of bits
// set, in address order.
func (t *Table) ForEach(start memory.Address, size uint64, bits uint8, fn func(a memory.Address)) {
	end := start.Add(size)
	for a := start; a < end; {
		w, shift := t.word(a)
		if w == nil {
			a = a.AlignDown(memory.ChunkBytes).Add(memory.ChunkBytes)
			continue
		}
		if shift == 0 && atomic.LoadUint32(w) == 0 {
			a = a.Add(granulesInWord << logGranule)
			continue
		}
		if uint8(atomic.LoadUint32(w)>>shift)&bits == bits {
			fn(a)
		}
		a = a.Add(1 << logGranule)
	}
}

// FindPrev searches backwards from a (inclusive), down to but not below limit,
// for a granule with all of bits set.
func (t *Table) FindPrev(a, limit memory.Address, bits uint8) (memory.Address, bool) {
	a = a.AlignDown(1 << logGranule)
	for {
		if t.Test(a, bits) {
			return a, true
		}
		if a <= limit {
			return 0, false
		}
		a = a.Sub(1 << logGranule)
	}
}
