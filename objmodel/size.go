package objmodel

import (
	"github.com/tinygo-org/gcbind/internal/gclayout"
	"github.com/tinygo-org/gcbind/internal/memory"
	"github.com/tinygo-org/gcbind/space"
)

// CurrentSize returns the number of bytes occupied by ref, starting at
// ObjectStart(ref). Objects in the immortal and VM spaces report 0: they are
// never copied and their size is never needed.
func (m *Model) CurrentSize(ref memory.Address) (uint64, error) {
	switch m.space.Classify(ref) {
	case space.LargeObject:
		return m.LargeObjectSize(ref), nil
	case space.Movable:
		return m.SmallObjectSize(ref, m.hashSize(ref))
	case space.NonMoving:
		return m.SmallObjectSize(ref, 0)
	default:
		return 0, nil
	}
}

// LargeObjectSize returns the size recorded in a large object's header.
func (m *Model) LargeObjectSize(ref memory.Address) uint64 {
	return m.mem.LoadWord(ref.Sub(LargeHeaderSize).Add(LargeSizeOffset))
}

// SmallObjectSize computes the size of a non-large object from its type,
// adding hashSize bytes for a stored hash.
func (m *Model) SmallObjectSize(ref memory.Address, hashSize uint64) (uint64, error) {
	sh, err := m.ShapeOf(ref)
	if err != nil {
		return 0, err
	}
	withHeader := func(sz uint64) uint64 {
		return sz + HeaderSize + hashSize
	}
	switch sh.Kind {
	case KindBuffer:
		return m.host.BufferSize(ref), nil
	case KindSimpleVector:
		n := m.mem.LoadWord(ref.Add(SvecLength))
		return withHeader(SvecData + n*memory.WordSize), nil
	case KindModule:
		return withHeader(ModuleSize), nil
	case KindTask:
		return withHeader(TaskSize), nil
	case KindString, KindSymbol:
		n := m.mem.LoadWord(ref.Add(StringLength))
		return withHeader(StringData + n + 1), nil
	case KindArray:
		return withHeader(m.arrayBytes(ref, sh.Type)), nil
	}
	return withHeader(m.LayoutOf(sh.Type).Size()), nil
}

// arrayBytes returns the size of an array object without its header.
func (m *Model) arrayBytes(ref, vt memory.Address) uint64 {
	if m.ArrayHow(ref) != HowInline {
		return ArrayHeaderBytes
	}
	n := m.mem.LoadWord(ref.Add(ArrayLength))
	sz := n * uint64(m.mem.LoadU16(ref.Add(ArrayElSize)))
	if m.LayoutOf(vt).ArrayElemIsUnion() {
		sz += n
	}
	return ArrayHeaderBytes + sz
}

// ArrayFlags returns the flag word of an array object.
func (m *Model) ArrayFlags(ref memory.Address) uint64 {
	return uint64(m.mem.LoadU16(ref.Add(ArrayFlags)))
}

// ArrayHow returns the storage kind of an array object.
func (m *Model) ArrayHow(ref memory.Address) uint64 {
	return gclayout.ArrayHow.Get(m.ArrayFlags(ref))
}

// RefToHeader returns the address of the header word of ref.
func RefToHeader(ref memory.Address) memory.Address {
	return ref.Sub(HeaderSize)
}

// ObjectStart returns the address at which the allocation of ref begins.
func (m *Model) ObjectStart(ref memory.Address) memory.Address {
	if m.space.IsLargeObject(ref) {
		return ref.Sub(LargeHeaderSize)
	}
	start := ref.Sub(HeaderSize)
	if m.IsBuffer(ref) {
		start = ref.Sub(BufferHeaderSize)
	}
	if m.addressHashing && m.HashState(ref) == HashedAndMoved {
		start = start.Sub(StoredHashBytes)
	}
	return start
}
