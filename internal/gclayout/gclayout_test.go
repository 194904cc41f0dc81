package gclayout

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBitRange(t *testing.T) {
	r := BitRange{Shift: 3, Width: 2}
	w := r.Set(0xff, 1)
	assert.Equal(t, uint64(0xef), w)
	assert.Equal(t, uint64(1), r.Get(w))
	// Bits that do not fit are dropped.
	assert.Equal(t, uint64(0x18), r.Set(0, 7))
}

func TestFrameRoots(t *testing.T) {
	w := FrameRoots(5, false, true)
	assert.Equal(t, uint64(5<<3|4), w)
	assert.Equal(t, uint64(5), FrameCount.Get(w))
	assert.Equal(t, uint64(0), FrameIndirect.Get(w))
	assert.Equal(t, uint64(1), FrameIndirect.Get(FrameRoots(1, true, false)))
}

func TestBacktraceEntrySize(t *testing.T) {
	assert.Equal(t, uint64(1), BacktraceEntrySize(0x1234, 0))
	h := BacktraceNumUintVals.Set(BacktraceNumJLVals.Set(0, 2), 3)
	assert.Equal(t, uint64(7), BacktraceEntrySize(BacktraceNonPtrEntry, h))
}
