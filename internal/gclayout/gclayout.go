// Package gclayout centralizes the bit-packed words shared with the host
// runtime: header tags, layout and array flags, shadow stack root counts and
// backtrace entries.
package gclayout

// BitRange selects Width bits starting at bit Shift of a word.
type BitRange struct {
	Shift uint8
	Width uint8
}

func (r BitRange) mask() uint64 {
	return (1<<r.Width - 1) << r.Shift
}

// Get extracts the range from w.
func (r BitRange) Get(w uint64) uint64 {
	return (w & r.mask()) >> r.Shift
}

// Set returns w with the range replaced by v. Bits of v that do not fit are
// dropped.
func (r BitRange) Set(w, v uint64) uint64 {
	return w&^r.mask() | (v<<r.Shift)&r.mask()
}

// Header (tag) word, stored one word before the object reference.
const (
	// TagMask selects the type pointer or small tag.
	TagMask = ^uint64(15)

	// SmallTagShift is how far a small type tag is shifted in the header.
	SmallTagShift = 4
)

// HeaderGCBits are the low bits of the header used by the host write barrier.
var HeaderGCBits = BitRange{0, 2}

// Type layout flags (16-bit field of a layout descriptor).
var (
	LayoutHasPadding      = BitRange{0, 1}
	LayoutFieldDescType   = BitRange{1, 2}
	LayoutArrayElemUnion  = BitRange{3, 1}
	LayoutHasPointersBits = BitRange{4, 1}
)

// Array flags (16-bit field of an array object).
var (
	ArrayHow      = BitRange{0, 2}
	ArrayPtrArray = BitRange{2, 1}
	ArrayHasPtr   = BitRange{3, 1}
	ArrayIsShared = BitRange{4, 1}
)

// Shadow stack frame root word.
var (
	FrameIndirect = BitRange{0, 1}
	FramePin      = BitRange{2, 1}
	FrameCount    = BitRange{3, 61}
)

// FrameRoots builds a frame root word for n roots.
func FrameRoots(n uint64, indirect, pin bool) uint64 {
	w := FrameCount.Set(0, n)
	if indirect {
		w = FrameIndirect.Set(w, 1)
	}
	if pin {
		w = FramePin.Set(w, 1)
	}
	return w
}

// Backtrace buffers.
const (
	// BacktraceNonPtrEntry marks the start of an extended (managed) entry.
	BacktraceNonPtrEntry = ^uint64(0)
)

var (
	BacktraceNumJLVals   = BitRange{0, 3}
	BacktraceNumUintVals = BitRange{3, 3}
)

// BacktraceEntrySize returns the number of words taken by the entry that
// starts with first, whose second word (if any) is header.
func BacktraceEntrySize(first, header uint64) uint64 {
	if first != BacktraceNonPtrEntry {
		return 1
	}
	return 2 + BacktraceNumJLVals.Get(header) + BacktraceNumUintVals.Get(header)
}
