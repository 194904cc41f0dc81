package objmodel

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinygo-org/gcbind/internal/memory"
	"github.com/tinygo-org/gcbind/internal/sidemeta"
	"github.com/tinygo-org/gcbind/space"
)

type fakeHost struct {
	mem     *memory.Memory
	inlined [][2]memory.Address
}

func (h *fakeHost) BufferSize(ref memory.Address) uint64 {
	return h.mem.LoadWord(ref.Sub(BufferHeaderSize))
}

func (h *fakeHost) UpdateInlinedArray(from, to memory.Address) {
	h.inlined = append(h.inlined, [2]memory.Address{from, to})
}

// heap is a hand built address space with a few datatypes in a VM image.
type heap struct {
	t     *testing.T
	mem   *memory.Memory
	meta  *sidemeta.Table
	cls   *space.Classifier
	host  *fakeHost
	types *Types

	vm   memory.Address
	next memory.Address // bump pointer in the movable space
	pins []memory.Address

	pair  memory.Address // record with 2 word fields
	array memory.Address // array datatype
}

const vmStart memory.Address = 0x80_0000_0000

func newHeap(t *testing.T) *heap {
	h := &heap{t: t, mem: memory.New(), meta: sidemeta.New(), vm: vmStart}
	cls, err := space.NewClassifier(space.DefaultLayout)
	require.NoError(t, err)
	require.NoError(t, cls.SetVMSpace(vmStart, memory.ChunkBytes))
	h.cls = cls
	h.host = &fakeHost{mem: h.mem}
	l := space.DefaultLayout
	for _, b := range []space.Bounds{l.Movable, l.LargeObject, l.NonMoving} {
		require.NoError(t, h.mem.Map(b.Start, memory.ChunkBytes))
		h.meta.Ensure(b.Start, memory.ChunkBytes)
	}
	require.NoError(t, h.mem.Map(vmStart, memory.ChunkBytes))
	h.next = l.Movable.Start

	h.types = &Types{BufferTag: 0x7ff0}
	h.types.ArrayTypeName = h.vmAlloc(TypeNameSize)
	h.pair = h.datatype(0, 16)
	h.array = h.datatype(h.types.ArrayTypeName, 0)
	h.types.SmallTypeof[TagInt64] = h.datatype(0, 8)
	return h
}

func (h *heap) model(opts Options) *Model {
	if opts.Pin == nil {
		opts.Pin = func(ref memory.Address) bool {
			h.pins = append(h.pins, ref)
			return true
		}
	}
	return New(h.mem, h.cls, h.meta, h.host, h.types, opts)
}

func (h *heap) vmAlloc(n uint64) memory.Address {
	h.vm = h.vm.AlignUp(ObjectAlignment).Add(ObjectAlignment)
	a := h.vm
	h.vm = h.vm.Add(n)
	return a
}

func (h *heap) datatype(name memory.Address, size uint32) memory.Address {
	layout := h.vmAlloc(LayoutHeaderBytes)
	h.mem.StoreU32(layout.Add(LayoutSize), size)
	h.mem.StoreU32(layout.Add(LayoutFirstPtr), ^uint32(0))
	dt := h.vmAlloc(DatatypeSize)
	h.mem.StoreWord(dt.Sub(HeaderSize), TagDatatype.Header())
	h.mem.StoreAddress(dt.Add(DatatypeName), name)
	h.mem.StoreAddress(dt.Add(DatatypeLayout), layout)
	return dt
}

// object places an object with header and payload bytes in the movable
// space.
func (h *heap) object(header, payload uint64) memory.Address {
	ref := h.next.Add(HeaderSize).AlignUp(ObjectAlignment)
	h.next = ref.Add(memory.AlignUp(payload, memory.WordSize))
	h.mem.StoreWord(ref.Sub(HeaderSize), header)
	h.meta.Set(ref, sidemeta.ValidObject)
	return ref
}

func (h *heap) AllocCopy(from memory.Address, size, align, offset uint64) memory.Address {
	a := h.next.AlignUp(memory.WordSize)
	for !a.Add(offset).IsAligned(align) {
		a = a.Add(memory.WordSize)
	}
	h.next = a.Add(size)
	return a
}

func (h *heap) PostCopy(to memory.Address, size uint64) {
	h.meta.Set(to, sidemeta.ValidObject)
}

func TestSizes(t *testing.T) {
	h := newHeap(t)
	m := h.model(Options{Moving: true, AddressHashing: true})

	str := h.object(TagString.Header(), StringData+6)
	h.mem.StoreWord(str.Add(StringLength), 5)
	sv := h.object(TagSimpleVector.Header(), SvecData+3*memory.WordSize)
	h.mem.StoreWord(sv.Add(SvecLength), 3)
	rec := h.object(uint64(h.pair), 16)
	i64 := h.object(TagInt64.Header(), 8)
	task := h.object(TagTask.Header(), TaskSize)

	arr := h.object(uint64(h.array), ArrayHeaderBytes+4*memory.WordSize)
	h.mem.StoreWord(arr.Add(ArrayLength), 4)
	h.mem.StoreU16(arr.Add(ArrayElSize), memory.WordSize)
	malloced := h.object(uint64(h.array), ArrayHeaderBytes)
	h.mem.StoreWord(malloced.Add(ArrayLength), 100)
	h.mem.StoreU16(malloced.Add(ArrayElSize), memory.WordSize)
	h.mem.StoreU16(malloced.Add(ArrayFlags), HowMalloc)

	for _, tt := range []struct {
		name string
		ref  memory.Address
		want uint64
	}{
		{"string", str, 8 + 8 + 5 + 1},
		{"svec", sv, 8 + 8 + 24},
		{"record", rec, 8 + 16},
		{"boxed int", i64, 8 + 8},
		{"task", task, 8 + TaskSize},
		{"inline array", arr, 8 + 32 + 32},
		{"malloc array", malloced, 8 + 32},
	} {
		got, err := m.CurrentSize(tt.ref)
		require.NoError(t, err, tt.name)
		assert.Equal(t, tt.want, got, tt.name)
		assert.Equal(t, tt.ref.Sub(HeaderSize), m.ObjectStart(tt.ref), tt.name)
	}

	// Large objects record their size in front of the header.
	start := space.DefaultLayout.LargeObject.Start
	large := start.Add(LargeHeaderSize)
	h.mem.StoreWord(start.Add(LargeSizeOffset), 1<<20)
	h.mem.StoreWord(large.Sub(HeaderSize), uint64(h.pair))
	size, err := m.CurrentSize(large)
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<20), size)
	assert.Equal(t, start, m.ObjectStart(large))

	// Buffers are sized by the host.
	bstart := space.DefaultLayout.NonMoving.Start
	buf := bstart.Add(BufferHeaderSize)
	h.mem.StoreWord(bstart, 80)
	h.mem.StoreWord(buf.Sub(HeaderSize), h.types.BufferTag)
	size, err = m.CurrentSize(buf)
	require.NoError(t, err)
	assert.Equal(t, uint64(80), size)
	assert.Equal(t, bstart, m.ObjectStart(buf))
	assert.True(t, m.IsBuffer(buf))

	// Immortal and VM objects are never sized.
	size, err = m.CurrentSize(h.pair)
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestShapeOf(t *testing.T) {
	h := newHeap(t)
	m := h.model(Options{})

	arr := h.object(uint64(h.array), ArrayHeaderBytes)
	sh, err := m.ShapeOf(arr)
	require.NoError(t, err)
	assert.Equal(t, KindArray, sh.Kind)
	assert.Equal(t, h.array, sh.Type)

	sh, err = m.ShapeOf(h.object(TagModule.Header(), ModuleSize))
	require.NoError(t, err)
	assert.Equal(t, KindModule, sh.Kind)

	// Tag 1 has no datatype in the table.
	_, err = m.ShapeOf(h.object(TagTypeofBottom.Header(), 8))
	var ce *CorruptionError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "unknown small tag", ce.Reason)
}

func TestCorruptionNamesMovedObject(t *testing.T) {
	h := newHeap(t)
	hist, err := NewHistory(8)
	require.NoError(t, err)
	m := h.model(Options{Moving: true, AddressHashing: true, History: hist})

	rec := h.object(uint64(h.pair), 16)
	str := h.object(TagString.Header(), StringData+8)
	h.mem.StoreWord(str.Add(StringLength), 3)
	h.mem.WriteBytes(str.Add(StringData), []byte("abc"))

	to, err := m.Copy(str, h)
	require.NoError(t, err)
	assert.Equal(t, "abc", m.SymbolName(to))
	assert.Equal(t, 1, hist.Len())
	assert.Equal(t, "String", hist.Lookup(str))

	// A stale reference to the old copy is reported with the old type.
	h.mem.StoreWord(str.Sub(HeaderSize), 0x1230)
	_, err = m.ShapeOf(str)
	var ce *CorruptionError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "String", ce.Previous)
	assert.Contains(t, ce.Error(), "probable corruption")

	_, err = m.ShapeOf(rec)
	assert.NoError(t, err)
}

func TestHashAcrossMoves(t *testing.T) {
	h := newHeap(t)
	m := h.model(Options{Moving: true, AddressHashing: true})

	rec := h.object(uint64(h.pair), 16)
	h.mem.StoreWord(rec, 7)
	assert.Equal(t, Unhashed, m.HashState(rec))
	hash := m.ObjectHash(rec)
	assert.Equal(t, uint64(rec), hash)
	assert.Equal(t, Hashed, m.HashState(rec))

	first, err := m.Copy(rec, h)
	require.NoError(t, err)
	assert.True(t, first.IsAligned(ObjectAlignment))
	assert.Equal(t, HashedAndMoved, m.HashState(first))
	assert.Equal(t, uint64(rec), m.StoredHash(first))
	assert.Equal(t, first.Sub(HeaderSize+StoredHashBytes), m.ObjectStart(first))
	size, err := m.CurrentSize(first)
	require.NoError(t, err)
	assert.Equal(t, uint64(8+16+8), size)
	assert.Equal(t, uint64(7), h.mem.LoadWord(first))
	assert.Equal(t, hash, m.ObjectHash(first))
	assert.Equal(t, hash+8, m.PtrHash(first.Add(8), first))

	second, err := m.Copy(first, h)
	require.NoError(t, err)
	size, err = m.CurrentSize(second)
	require.NoError(t, err)
	assert.Equal(t, uint64(8+16+8), size)
	assert.Equal(t, hash, m.ObjectHash(second))
}

func TestUnhashedCopy(t *testing.T) {
	h := newHeap(t)
	m := h.model(Options{Moving: true, AddressHashing: true})

	arr := h.object(uint64(h.array), ArrayHeaderBytes+memory.WordSize)
	h.mem.StoreWord(arr.Add(ArrayLength), 1)
	h.mem.StoreU16(arr.Add(ArrayElSize), memory.WordSize)
	to, err := m.Copy(arr, h)
	require.NoError(t, err)
	assert.Equal(t, Unhashed, m.HashState(to))
	size, err := m.CurrentSize(to)
	require.NoError(t, err)
	assert.Equal(t, uint64(8+32+8), size)
	assert.Equal(t, [][2]memory.Address{{arr, to}}, h.host.inlined)
}

func TestHashWithoutAddressHashing(t *testing.T) {
	h := newHeap(t)
	m := h.model(Options{Moving: true})
	rec := h.object(uint64(h.pair), 16)
	assert.Equal(t, uint64(rec), m.ObjectHash(rec))
	assert.Equal(t, Unhashed, m.HashState(rec))
	assert.Equal(t, []memory.Address{rec}, h.pins)

	// Non-moving plans hand out addresses and never pin.
	h.pins = nil
	m = h.model(Options{AddressHashing: true})
	assert.Equal(t, uint64(rec), m.ObjectHash(rec))
	assert.Empty(t, h.pins)
}

func TestTypeName(t *testing.T) {
	h := newHeap(t)
	m := h.model(Options{})
	assert.Equal(t, "Int64", m.TypeName(h.object(TagInt64.Header(), 8)))
	assert.Equal(t, "unknown", m.TypeName(h.object(uint64(h.pair), 16)))
	assert.Equal(t, "smalltag", SmallTag(40).String())
}
