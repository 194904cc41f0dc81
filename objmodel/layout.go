package objmodel

import (
	"github.com/tinygo-org/gcbind/internal/gclayout"
	"github.com/tinygo-org/gcbind/internal/memory"
)

// Object header geometry.
const (
	HeaderSize       = memory.WordSize
	BufferHeaderSize = 2 * memory.WordSize
	LargeHeaderSize  = 48
	LargeSizeOffset  = 16 // size word, relative to the large object start
	StoredHashBytes  = memory.WordSize
	ObjectAlignment  = 16
)

// SmallTag is a compact type tag for built-in kinds, stored in the header as
// tag<<4 instead of a datatype pointer.
type SmallTag uint64

const (
	TagNull         SmallTag = 0
	TagTypeofBottom SmallTag = 1
	TagDatatype     SmallTag = 2
	TagUnionAll     SmallTag = 3
	TagUnion        SmallTag = 4
	TagVararg       SmallTag = 5
	TagTypeVar      SmallTag = 6
	TagSymbol       SmallTag = 7
	TagModule       SmallTag = 8
	TagSimpleVector SmallTag = 9
	TagString       SmallTag = 10
	TagTask         SmallTag = 11
	TagBool         SmallTag = 12
	TagChar         SmallTag = 13
	TagInt8         SmallTag = 14
	TagUInt8        SmallTag = 15
	TagInt16        SmallTag = 16
	TagUInt16       SmallTag = 17
	TagInt32        SmallTag = 18
	TagUInt32       SmallTag = 19
	TagInt64        SmallTag = 20
	TagUInt64       SmallTag = 21

	MaxTags SmallTag = 64
)

// Header returns the header word of an object with this tag.
func (t SmallTag) Header() uint64 {
	return uint64(t) << gclayout.SmallTagShift
}

var smallTagNames = [...]string{
	TagNull:         "Null",
	TagTypeofBottom: "TypeofBottom",
	TagDatatype:     "DataType",
	TagUnionAll:     "UnionAll",
	TagUnion:        "Union",
	TagVararg:       "Vararg",
	TagTypeVar:      "TypeVar",
	TagSymbol:       "Symbol",
	TagModule:       "Module",
	TagSimpleVector: "SimpleVector",
	TagString:       "String",
	TagTask:         "Task",
	TagBool:         "Bool",
	TagChar:         "Char",
	TagInt8:         "Int8",
	TagUInt8:        "UInt8",
	TagInt16:        "Int16",
	TagUInt16:       "UInt16",
	TagInt32:        "Int32",
	TagUInt32:       "UInt32",
	TagInt64:        "Int64",
	TagUInt64:       "UInt64",
}

func (t SmallTag) String() string {
	if int(t) < len(smallTagNames) && smallTagNames[t] != "" {
		return smallTagNames[t]
	}
	return "smalltag"
}

// Datatype objects.
const (
	DatatypeName       = 0
	DatatypeSuper      = 8
	DatatypeParameters = 16
	DatatypeTypes      = 24
	DatatypeInstance   = 32
	DatatypeLayout     = 40
	DatatypeHash       = 48 // uint32
	DatatypeSmallTag   = 52 // uint16
	DatatypeFlags      = 54 // uint16
	DatatypeSize       = 56
)

// Type names.
const (
	TypeNameName   = 0
	TypeNameModule = 8
	TypeNameSize   = 16
)

// Layout descriptors. They are followed by nfields field descriptors of
// 2<<fielddesc_type bytes, then npointers pointer offsets of 1<<fielddesc_type
// bytes. Pointer offsets count words from the object reference.
const (
	LayoutSize        = 0  // uint32
	LayoutNFields     = 4  // uint32
	LayoutNPointers   = 8  // uint32
	LayoutFirstPtr    = 12 // int32
	LayoutAlignment   = 16 // uint16
	LayoutFlags       = 18 // uint16
	LayoutHeaderBytes = 24
)

// Simple vectors and strings (and symbols, which share the string encoding).
const (
	SvecLength   = 0
	SvecData     = 8
	StringLength = 0
	StringData   = 8
)

// Modules.
const (
	ModuleName          = 0
	ModuleParent        = 8
	ModuleBindingsSize  = 16
	ModuleBindingsTable = 24
	ModuleUsingsLen     = 32
	ModuleUsingsMax     = 40
	ModuleUsingsItems   = 48
	ModuleUsingsSpace   = 56
	ArrayListInline     = 8
	ModuleSize          = ModuleUsingsSpace + ArrayListInline*memory.WordSize

	// OffsetOfInlinedSpace is the distance from a module reference to the
	// inline storage of its usings list.
	OffsetOfInlinedSpace = ModuleUsingsSpace

	// HTNotFound is the empty marker of binding tables.
	HTNotFound = 1
)

// Bindings are buffer objects referenced from module binding tables.
const (
	BindingValue     = 0
	BindingGlobalRef = 8
	BindingTy        = 16
	BindingSize      = 24
)

// Tasks.
const (
	TaskNext       = 0
	TaskQueue      = 8
	TaskTLS        = 16
	TaskDoneNotify = 24
	TaskResult     = 32
	TaskScope      = 40
	TaskStart      = 48
	TaskGCStack    = 56
	TaskExcStack   = 64
	TaskStkBuf     = 72
	TaskBufSize    = 80
	TaskCopyStack  = 88 // uint32
	TaskTid        = 96
	TaskPtls       = 104
	TaskSize       = 112
)

// Arrays.
const (
	ArrayData        = 0
	ArrayLength      = 8
	ArrayFlags       = 16 // uint16
	ArrayElSize      = 18 // uint16
	ArrayOffset      = 20 // uint32
	ArrayOwner       = 24
	ArrayHeaderBytes = 32
)

// Array storage kinds (the how field of the array flags).
const (
	HowInline = 0 // data follows the array header
	HowBuffer = 1 // data lives in a managed buffer object
	HowMalloc = 2 // data was malloc'd and is owned by the array
	HowOwner  = 3 // data is borrowed from the object in the owner field
)

// Weak references.
const (
	WeakRefValue = 0
)

// Exception stacks: {top, reserved, raw entries...}.
const (
	ExcStackTop      = 0
	ExcStackReserved = 8
	ExcStackRaw      = 16
)

// Shadow stack frames: {nroots, prev, roots...}.
const (
	FrameNRoots = 0
	FramePrev   = 8
	FrameRoots  = 16
)

// Thread-local state block of a mutator.
const (
	TLSCurrentTask       = 0
	TLSNextTask          = 8
	TLSPreviousTask      = 16
	TLSRootTask          = 24
	TLSPreviousException = 32
	TLSBtSize            = 40
	TLSBtData            = 48
	TLSHeapLen           = 56
	TLSHeapItems         = 64
	TLSSize              = 72
)
