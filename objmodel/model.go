// Package objmodel implements the collector's view of host objects: their
// sizes, where their allocation starts, how they are copied during a moving
// collection and the address based identity hash.
package objmodel

import (
	"fmt"

	"github.com/tinygo-org/gcbind/internal/gclayout"
	"github.com/tinygo-org/gcbind/internal/memory"
	"github.com/tinygo-org/gcbind/internal/sidemeta"
	"github.com/tinygo-org/gcbind/space"
)

// Types is the part of the host's type table the collector needs.
type Types struct {
	// SmallTypeof maps small tags to their datatype.
	SmallTypeof [MaxTags]memory.Address

	ArrayTypeName memory.Address
	WeakRefType   memory.Address

	// BufferTag is the header value of buffer objects.
	BufferTag uint64

	// Nothing is stored in weak references whose referent died.
	Nothing memory.Address
}

// Host answers the object questions the collector cannot compute itself.
type Host interface {
	// BufferSize returns the full size of a buffer object, headers included.
	BufferSize(ref memory.Address) uint64

	// UpdateInlinedArray is called after an array was copied from from to to,
	// so that pointers into its own inline data can be fixed.
	UpdateInlinedArray(from, to memory.Address)
}

// Model is the object model of one heap.
type Model struct {
	mem   *memory.Memory
	space *space.Classifier
	meta  *sidemeta.Table
	host  Host
	types *Types

	// moving is false for plans that never move objects. Hashes are then
	// plain addresses.
	moving         bool
	addressHashing bool

	// pin pins an object, used for hashing when address based hashing is
	// disabled.
	pin func(ref memory.Address) bool

	history *History
}

// Options configures a Model.
type Options struct {
	Moving         bool
	AddressHashing bool
	Pin            func(ref memory.Address) bool
	History        *History
}

func New(mem *memory.Memory, cls *space.Classifier, meta *sidemeta.Table, host Host, types *Types, opts Options) *Model {
	return &Model{
		mem:            mem,
		space:          cls,
		meta:           meta,
		host:           host,
		types:          types,
		moving:         opts.Moving,
		addressHashing: opts.AddressHashing,
		pin:            opts.Pin,
		history:        opts.History,
	}
}

func (m *Model) Memory() *memory.Memory   { return m.mem }
func (m *Model) Space() *space.Classifier { return m.space }
func (m *Model) Types() *Types            { return m.types }
func (m *Model) History() *History        { return m.history }

// Header returns the raw header word of ref.
func (m *Model) Header(ref memory.Address) uint64 {
	return m.mem.LoadWord(ref.Sub(HeaderSize))
}

// TypeTag returns the header with the GC bits masked off: either a small tag
// shifted by 4 or a datatype address.
func (m *Model) TypeTag(ref memory.Address) uint64 {
	return m.Header(ref) & gclayout.TagMask
}

// TypeOf returns the datatype of ref, resolving small tags through the type
// table. Buffers have no type and return 0.
func (m *Model) TypeOf(ref memory.Address) memory.Address {
	tag := m.TypeTag(ref)
	if tag == m.types.BufferTag&gclayout.TagMask {
		return 0
	}
	if tag < MaxTags.Header() {
		return m.types.SmallTypeof[tag>>gclayout.SmallTagShift]
	}
	return memory.Address(tag)
}

// IsBuffer reports whether ref is a buffer object.
func (m *Model) IsBuffer(ref memory.Address) bool {
	return m.TypeTag(ref) == m.types.BufferTag&gclayout.TagMask
}

// Kind is the closed set of object shapes the collector distinguishes.
type Kind uint8

const (
	KindBuffer Kind = iota
	KindSymbol
	KindString
	KindSimpleVector
	KindModule
	KindTask
	KindArray
	KindWeakRef
	KindRecord
)

func (k Kind) String() string {
	switch k {
	case KindBuffer:
		return "buffer"
	case KindSymbol:
		return "symbol"
	case KindString:
		return "string"
	case KindSimpleVector:
		return "simplevector"
	case KindModule:
		return "module"
	case KindTask:
		return "task"
	case KindArray:
		return "array"
	case KindWeakRef:
		return "weakref"
	default:
		return "record"
	}
}

// Shape is the result of decoding an object header.
type Shape struct {
	Kind Kind
	// Type is the datatype of the object, 0 for buffers.
	Type memory.Address
}

// CorruptionError is returned when a header holds neither a known small tag nor
// a pointer to a valid datatype.
type CorruptionError struct {
	Ref      memory.Address
	Tag      uint64
	Reason   string
	Previous string // type of the object before it last moved, if recorded
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("GC error (probable corruption) - object %v has tag %#x: %s; it was %s", e.Ref, e.Tag, e.Reason, e.Previous)
}

func (m *Model) corruption(ref memory.Address, tag uint64, reason string) *CorruptionError {
	prev := "not recorded (record_moved is off)"
	if m.history != nil {
		prev = m.history.Lookup(ref)
	}
	return &CorruptionError{Ref: ref, Tag: tag, Reason: reason, Previous: prev}
}

// ShapeOf decodes the header of ref.
func (m *Model) ShapeOf(ref memory.Address) (Shape, error) {
	tag := m.TypeTag(ref)
	if tag == m.types.BufferTag&gclayout.TagMask {
		return Shape{Kind: KindBuffer}, nil
	}
	if tag < MaxTags.Header() {
		st := SmallTag(tag >> gclayout.SmallTagShift)
		vt := m.types.SmallTypeof[st]
		switch st {
		case TagSymbol:
			return Shape{KindSymbol, vt}, nil
		case TagString:
			return Shape{KindString, vt}, nil
		case TagSimpleVector:
			return Shape{KindSimpleVector, vt}, nil
		case TagModule:
			return Shape{KindModule, vt}, nil
		case TagTask:
			return Shape{KindTask, vt}, nil
		}
		if vt == 0 {
			return Shape{}, m.corruption(ref, tag, "unknown small tag")
		}
		return Shape{KindRecord, vt}, nil
	}

	vt := memory.Address(tag)
	if err := m.checkDatatype(ref, vt); err != nil {
		return Shape{}, err
	}
	switch {
	case m.mem.LoadAddress(vt.Add(DatatypeName)) == m.types.ArrayTypeName:
		return Shape{KindArray, vt}, nil
	case vt == m.types.WeakRefType:
		return Shape{KindWeakRef, vt}, nil
	}
	return Shape{KindRecord, vt}, nil
}

// checkDatatype verifies that vt looks like a datatype: it is mapped, its own
// header is the datatype tag and it is not the datatype of a small tag.
func (m *Model) checkDatatype(ref, vt memory.Address) error {
	if !vt.IsAligned(memory.WordSize) || !m.mem.IsMapped(vt.Sub(HeaderSize)) || !m.mem.IsMapped(vt.Add(DatatypeSize-1)) {
		return m.corruption(ref, uint64(vt), "type pointer is not mapped")
	}
	if m.mem.LoadWord(vt.Sub(HeaderSize))&gclayout.TagMask != TagDatatype.Header() {
		return m.corruption(ref, uint64(vt), "!is_datatype(vt)")
	}
	if m.mem.LoadU16(vt.Add(DatatypeSmallTag)) != 0 {
		return m.corruption(ref, uint64(vt), "vt->smalltag != 0")
	}
	return nil
}

// LayoutOf returns the layout descriptor of a datatype.
func (m *Model) LayoutOf(vt memory.Address) TypeLayout {
	return TypeLayout{mem: m.mem, addr: m.mem.LoadAddress(vt.Add(DatatypeLayout))}
}

// Tparam0 returns the first type parameter of a datatype.
func (m *Model) Tparam0(vt memory.Address) memory.Address {
	params := m.mem.LoadAddress(vt.Add(DatatypeParameters))
	return m.mem.LoadAddress(params.Add(SvecData))
}

// TypeLayout is a view of a layout descriptor.
type TypeLayout struct {
	mem  *memory.Memory
	addr memory.Address
}

func (l TypeLayout) Addr() memory.Address { return l.addr }
func (l TypeLayout) Size() uint64         { return uint64(l.mem.LoadU32(l.addr.Add(LayoutSize))) }
func (l TypeLayout) NFields() uint64      { return uint64(l.mem.LoadU32(l.addr.Add(LayoutNFields))) }
func (l TypeLayout) NPointers() uint64    { return uint64(l.mem.LoadU32(l.addr.Add(LayoutNPointers))) }
func (l TypeLayout) FirstPtr() int        { return int(int32(l.mem.LoadU32(l.addr.Add(LayoutFirstPtr)))) }
func (l TypeLayout) Flags() uint64        { return uint64(l.mem.LoadU16(l.addr.Add(LayoutFlags))) }

// FieldDescType selects the width of field descriptors and pointer offsets:
// 0 for 8-bit, 1 for 16-bit and 2 for 32-bit offsets.
func (l TypeLayout) FieldDescType() uint64 {
	return gclayout.LayoutFieldDescType.Get(l.Flags())
}

func (l TypeLayout) ArrayElemIsUnion() bool {
	return gclayout.LayoutArrayElemUnion.Get(l.Flags()) != 0
}

// Ptrs returns the address of the pointer offset list.
func (l TypeLayout) Ptrs() memory.Address {
	return l.addr.Add(LayoutHeaderBytes + l.NFields()*(2<<l.FieldDescType()))
}

// PtrOffset returns the i-th pointer offset, in words.
func (l TypeLayout) PtrOffset(i uint64) uint64 {
	ptrs := l.Ptrs()
	switch l.FieldDescType() {
	case 0:
		return uint64(l.mem.LoadU8(ptrs.Add(i)))
	case 1:
		return uint64(l.mem.LoadU16(ptrs.Add(2 * i)))
	default:
		return uint64(l.mem.LoadU32(ptrs.Add(4 * i)))
	}
}
