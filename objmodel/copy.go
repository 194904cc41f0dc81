package objmodel

import (
	"github.com/pkg/errors"

	"github.com/tinygo-org/gcbind/internal/memory"
)

// CopyContext provides space for copies during a moving collection. AllocCopy
// never fails: running out of space aborts the collection.
type CopyContext interface {
	// AllocCopy returns size bytes at an address a with (a+offset)%align == 0.
	AllocCopy(from memory.Address, size, align, offset uint64) memory.Address
	// PostCopy initializes collector metadata for the new object.
	PostCopy(to memory.Address, size uint64)
}

// Copy relocates from and returns the new reference. A hashed object that
// moves for the first time grows by one word holding its old address.
func (m *Model) Copy(from memory.Address, ctx CopyContext) (memory.Address, error) {
	sh, err := m.ShapeOf(from)
	if err != nil {
		return 0, err
	}
	if sh.Kind == KindBuffer {
		return 0, errors.Errorf("objmodel: buffer %v cannot be copied", from)
	}
	curBytes, err := m.CurrentSize(from)
	if err != nil {
		return 0, err
	}
	state := Unhashed
	if m.addressHashing {
		state = m.HashState(from)
	}
	newBytes := curBytes
	if state == Hashed {
		newBytes += StoredHashBytes
	}
	fromStart := m.ObjectStart(from)
	headerOffset := from.Diff(fromStart)
	alignedBytes := memory.AlignUp(newBytes, memory.WordSize)

	var dst memory.Address
	if state == Unhashed {
		// The 8 byte header goes before a 16 byte aligned reference.
		dst = ctx.AllocCopy(from, alignedBytes, ObjectAlignment, HeaderSize)
	} else {
		// Stored hash and header make 16 bytes in front of the reference.
		dst = ctx.AllocCopy(from, alignedBytes, ObjectAlignment, 0)
	}
	if dst.IsZero() {
		return 0, errors.Errorf("objmodel: no space to copy %v (%d bytes)", from, newBytes)
	}

	var to memory.Address
	switch state {
	case Unhashed:
		m.mem.Copy(dst, fromStart, curBytes)
		to = dst.Add(headerOffset)
		ctx.PostCopy(to, newBytes)
		m.setHashState(to, Unhashed)
	case Hashed:
		m.mem.StoreWord(dst, uint64(from))
		dst = dst.Add(StoredHashBytes)
		m.mem.Copy(dst, fromStart, curBytes)
		to = dst.Add(headerOffset)
		ctx.PostCopy(to, newBytes)
		m.setHashState(to, HashedAndMoved)
	case HashedAndMoved:
		m.mem.Copy(dst, fromStart, curBytes)
		to = dst.Add(headerOffset)
		ctx.PostCopy(to, newBytes)
		m.setHashState(to, HashedAndMoved)
	}

	if sh.Kind == KindArray {
		m.host.UpdateInlinedArray(from, to)
	}
	if m.history != nil {
		m.history.Record(from, m.TypeName(to))
	}
	if memory.Asserts {
		m.mem.Zero(fromStart, curBytes)
	}
	return to, nil
}
