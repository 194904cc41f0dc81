package engine

// The non-moving space is a mark/sweep block heap.
//
// The heap is split in blocks of 4 words. An allocation takes a run of free
// blocks: the first one becomes the "head" and the following ones (if any) the
// "tail", so the start and end of every object can be found from the block
// states alone. Free runs are kept in two nested lists stored in the free
// memory itself, one entry per distinct run length.
//
// Marking happens in the side metadata, concurrently, while the collection
// traces. At release the marks are transferred to the block states and a
// single sweep frees the heads that were not marked together with their
// tails.

import (
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/tinygo-org/gcbind/internal/memory"
	"github.com/tinygo-org/gcbind/internal/sidemeta"
	"github.com/tinygo-org/gcbind/objmodel"
	"github.com/tinygo-org/gcbind/space"
)

const (
	wordsPerBlock      = 4 // number of words in an allocated block
	bytesPerBlock      = wordsPerBlock * memory.WordSize
	stateBits          = 2 // how many bits a block state takes (see blockState type)
	blocksPerStateByte = 8 / stateBits

	// minHeapGrowth is the smallest amount the heap grows by.
	minHeapGrowth = 1 << 20
)

// blockState stores the four states in which a block can be.
// It holds 1 bit in each nibble.
// When stored into a state byte, each bit in a nibble corresponds to a different block.
// For blocks A-D, a state byte would be laid out as 0bDCBA_DCBA.
type blockState uint8

const (
	blockStateLow  blockState = 1
	blockStateHigh blockState = 1 << blocksPerStateByte

	blockStateFree blockState = 0
	blockStateHead blockState = blockStateLow
	blockStateTail blockState = blockStateHigh
	blockStateMark blockState = blockStateLow | blockStateHigh
	blockStateMask blockState = blockStateLow | blockStateHigh
)

// blockStateEach is a mask that can be used to extract a nibble from the block state.
const blockStateEach = 1<<blocksPerStateByte - 1

// The byte value of a block where every block is a 'tail' block.
const blockStateByteAllTails = byte(blockStateTail) * blockStateEach

func (s blockState) String() string {
	switch s {
	case blockStateFree:
		return "free"
	case blockStateHead:
		return "head"
	case blockStateTail:
		return "tail"
	case blockStateMark:
		return "mark"
	default:
		return "!err"
	}
}

// gcBlock is the block number in the heap.
type gcBlock uint64

// Layout of free ranges in heap memory. A freeRange is
// {len, nextLen, nextWithLen}; a freeRangeMore is {next}.
const (
	freeRangeLen         = 0
	freeRangeNextLen     = 8
	freeRangeNextWithLen = 16
	freeRangeMoreNext    = 0
)

type blockHeap struct {
	e      *Engine
	bounds space.Bounds

	mu sync.Mutex
	// base is the address of block 0. Blocks sit one header word past 16
	// byte alignment, so the reference of an ordinary object is aligned.
	base       memory.Address
	heapEnd    memory.Address
	endBlock   gcBlock // the block just past the end of the available space
	states     []byte
	freeRanges memory.Address // first freeRange, 0 if none
	freeBlocks uint64

	reserved   atomic.Uint64
	totalAlloc uint64 // total number of bytes allocated
	mallocs    uint64 // total number of allocations
}

func newBlockHeap(e *Engine, b space.Bounds) *blockHeap {
	base := b.Start.Add(objmodel.HeaderSize)
	return &blockHeap{e: e, bounds: b, base: base, heapEnd: base}
}

// blockFromAddr returns a block given an address somewhere in the heap (which
// might not be block-aligned).
func (h *blockHeap) blockFromAddr(addr memory.Address) gcBlock {
	if memory.Asserts && (addr < h.base || addr >= h.heapEnd) {
		panic("engine: trying to get block from invalid address " + addr.String())
	}
	return gcBlock(addr.Diff(h.base) / bytesPerBlock)
}

// address returns the address of the start of the block.
func (h *blockHeap) address(b gcBlock) memory.Address {
	return h.base.Add(uint64(b) * bytesPerBlock)
}

// findHead returns the head (first block) of an object, assuming the block
// points to an allocated object. It returns the same block if this block
// already points to the head.
func (h *blockHeap) findHead(b gcBlock) gcBlock {
	for {
		// Skip back over state bytes made of tails only, for pointers into
		// large allocations.
		stateByte := h.stateByte(b)
		if stateByte == blockStateByteAllTails {
			b -= (b % blocksPerStateByte) + 1
			continue
		}
		if h.stateFromByte(b, stateByte) != blockStateTail {
			break
		}
		b--
	}
	if memory.Asserts {
		if s := h.state(b); s != blockStateHead && s != blockStateMark {
			panic("engine: found tail without head")
		}
	}
	return b
}

// findNext returns the first block just past the end of the tail. This may or
// may not be the head of an object.
func (h *blockHeap) findNext(b gcBlock) gcBlock {
	if s := h.state(b); s == blockStateHead || s == blockStateMark {
		b++
	}
	for b < h.endBlock && h.state(b) == blockStateTail {
		b++
	}
	return b
}

func (h *blockHeap) stateByte(b gcBlock) byte {
	return h.states[b/blocksPerStateByte]
}

// stateFromByte returns the block state given a state byte. The state byte
// must have been obtained using stateByte(b), otherwise the result is
// incorrect.
func (h *blockHeap) stateFromByte(b gcBlock, stateByte byte) blockState {
	return blockState(stateByte>>(b%blocksPerStateByte)) & blockStateMask
}

func (h *blockHeap) state(b gcBlock) blockState {
	return h.stateFromByte(b, h.stateByte(b))
}

// setState sets the block to the given state, which must contain more bits
// than the current state. Allowed transitions: from free to any state and from
// head to mark.
func (h *blockHeap) setState(b gcBlock, newState blockState) {
	h.states[b/blocksPerStateByte] |= uint8(newState << (b % blocksPerStateByte))
	if memory.Asserts && h.state(b) != newState {
		panic("engine: setState() was not successful")
	}
}

// insertFreeRange inserts a range of n blocks starting at ptr into the free
// list.
func (h *blockHeap) insertFreeRange(ptr memory.Address, n uint64) {
	if memory.Asserts && n == 0 {
		panic("engine: insert 0-length free range")
	}
	mem := h.e.mem

	// Find the insertion point by length: skip until the next range is at
	// least the target length. insDst is the word holding the link, 0 for the
	// list head.
	var insDst memory.Address
	next := h.freeRanges
	for next != 0 && mem.LoadWord(next.Add(freeRangeLen)) < n {
		insDst = next.Add(freeRangeNextLen)
		next = mem.LoadAddress(insDst)
	}

	if next != 0 && mem.LoadWord(next.Add(freeRangeLen)) == n {
		// Insert into the list with this length.
		mem.StoreAddress(ptr.Add(freeRangeMoreNext), mem.LoadAddress(next.Add(freeRangeNextWithLen)))
		mem.StoreAddress(next.Add(freeRangeNextWithLen), ptr)
		return
	}
	// Insert into the list of lengths.
	mem.StoreWord(ptr.Add(freeRangeLen), n)
	mem.StoreAddress(ptr.Add(freeRangeNextLen), next)
	mem.StoreAddress(ptr.Add(freeRangeNextWithLen), 0)
	if insDst == 0 {
		h.freeRanges = ptr
	} else {
		mem.StoreAddress(insDst, ptr)
	}
}

// popFreeRange removes a range of n blocks from the free lists. It returns 0
// if there are no sufficiently long ranges.
func (h *blockHeap) popFreeRange(n uint64) memory.Address {
	if memory.Asserts && n == 0 {
		panic("engine: pop 0-length free range")
	}
	mem := h.e.mem

	var remDst memory.Address
	rangeWithLength := h.freeRanges
	for rangeWithLength != 0 && mem.LoadWord(rangeWithLength.Add(freeRangeLen)) < n {
		remDst = rangeWithLength.Add(freeRangeNextLen)
		rangeWithLength = mem.LoadAddress(remDst)
	}
	if rangeWithLength == 0 {
		// No ranges are long enough.
		return 0
	}
	removedLen := mem.LoadWord(rangeWithLength.Add(freeRangeLen))

	var ptr memory.Address
	if nextWithLen := mem.LoadAddress(rangeWithLength.Add(freeRangeNextWithLen)); nextWithLen != 0 {
		// Remove from the list with this length.
		mem.StoreAddress(rangeWithLength.Add(freeRangeNextWithLen), mem.LoadAddress(nextWithLen.Add(freeRangeMoreNext)))
		ptr = nextWithLen
	} else {
		// Remove from the list of lengths.
		nextLen := mem.LoadAddress(rangeWithLength.Add(freeRangeNextLen))
		if remDst == 0 {
			h.freeRanges = nextLen
		} else {
			mem.StoreAddress(remDst, nextLen)
		}
		ptr = rangeWithLength
	}

	if removedLen > n {
		// Insert the leftover range.
		h.insertFreeRange(ptr.Add(n*bytesPerBlock), removedLen-n)
	}
	return ptr
}

// alloc finds a run of free blocks for size bytes, growing the heap when no run
// is long enough.
func (h *blockHeap) alloc(size, align, offset uint64) (memory.Address, error) {
	if align > bytesPerBlock {
		return 0, errors.Errorf("engine: non-moving alignment %d not supported", align)
	}
	// Every block has the alignment of the base, so the padding is fixed.
	pad := alignAllocation(h.base, align, offset).Diff(h.base)
	neededBlocks := (size + pad + bytesPerBlock - 1) / bytesPerBlock
	if neededBlocks == 0 {
		neededBlocks = 1
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.e.checkBudget(neededBlocks * bytesPerBlock); err != nil {
		return 0, err
	}
	var ptr memory.Address
	for {
		ptr = h.popFreeRange(neededBlocks)
		if ptr != 0 {
			break
		}
		if gcDebug {
			println("grow heap for request:", uint(neededBlocks))
			h.dumpFreeRangeCounts()
		}
		if err := h.growHeap(neededBlocks); err != nil {
			return 0, err
		}
	}

	h.totalAlloc += size
	h.mallocs++
	h.freeBlocks -= neededBlocks
	h.reserved.Add(neededBlocks * bytesPerBlock)

	// Set the backing blocks as being allocated.
	block := h.blockFromAddr(ptr)
	h.setState(block, blockStateHead)
	for i := block + 1; i != block+gcBlock(neededBlocks); i++ {
		h.setState(i, blockStateTail)
	}
	h.e.mem.Zero(ptr, neededBlocks*bytesPerBlock)
	return ptr.Add(pad), nil
}

// growHeap extends the heap by at least neededBlocks blocks. The heap can only
// grow, and grows substantially each time.
func (h *blockHeap) growHeap(neededBlocks uint64) error {
	size := h.heapEnd.Diff(h.base)
	grow := max(size, minHeapGrowth, neededBlocks*bytesPerBlock)
	newEnd := h.heapEnd.Add(grow)
	if newEnd > h.bounds.End {
		newEnd = h.bounds.End
	}
	if newEnd.Diff(h.heapEnd) < neededBlocks*bytesPerBlock {
		return ErrSpaceFull
	}
	if err := h.e.mapRange(h.heapEnd, newEnd.Diff(h.heapEnd)); err != nil {
		return err
	}
	h.heapEnd = newEnd
	h.endBlock = gcBlock(newEnd.Diff(h.base) / bytesPerBlock)
	if n := int(h.endBlock+blocksPerStateByte-1) / blocksPerStateByte; n > len(h.states) {
		h.states = append(h.states, make([]byte, n-len(h.states))...)
	}
	if gcDebug {
		println("heapEnd:          ", h.heapEnd.String())
		println("# of blocks:      ", uint(h.endBlock))
	}
	h.buildFreeRanges()
	return nil
}

// prepare clears the marks of the previous collection.
func (h *blockHeap) prepare() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.e.meta.ClearRange(h.base, h.heapEnd.Diff(h.base), sidemeta.Mark)
}

// release frees every object that was not marked. Marked objects keep their
// side metadata mark; log is set when the objects that survived are old.
func (h *blockHeap) release(log bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	meta := h.e.meta
	meta.ForEach(h.base, h.heapEnd.Diff(h.base), sidemeta.ValidObject, func(ref memory.Address) {
		if !meta.Test(ref, sidemeta.Mark) {
			meta.Update(ref, 0xff, 0)
			return
		}
		head := h.findHead(h.blockFromAddr(ref))
		if h.state(head) == blockStateHead {
			h.setState(head, blockStateMark)
		}
		if log {
			meta.Set(ref, sidemeta.Unlogged)
		}
	})
	h.sweep()
	h.buildFreeRanges()
	h.reserved.Store((uint64(h.endBlock) - h.freeBlocks) * bytesPerBlock)

	if gcDebug {
		h.dumpHeap()
	}
}

// sweep goes through all blocks and frees unmarked heads with their tails.
// Marked heads become plain heads again.
func (h *blockHeap) sweep() {
	var carry byte
	for i, stateByte := range h.states {
		// Separate blocks by type.
		// Each nibble is a mask of blocks.
		high := stateByte >> blocksPerStateByte
		low := stateByte & blockStateEach
		// Marked heads are in both nibbles.
		markedHeads := low & high
		// Unmarked heads are in the low nibble but not the high nibble.
		unmarkedHeads := low &^ high
		// Tails are in the high nibble but not the low nibble.
		tails := high &^ low

		// Clear all tail runs after unmarked (freed) heads.
		//
		// Adding 1 to the start of a bit run will clear the run and set the next bit:
		//   (2^k - 1) + 1 = 2^k
		//   e.g. 0b0011 + 1 = 0b0100
		// Bitwise-and with the original mask to clear the newly set bit.
		//   e.g. (0b0011 + 1) & 0b0011 = 0b0100 & 0b0011 = 0b0000
		// This will not clear bits after the run because the gap stops the carry:
		//   e.g. (0b1011 + 1) & 0b1011 = 0b1100 & 0b1011 = 0b1000
		// This can clear multiple runs in a single addition:
		//   e.g. (0b1101 + 0b0101) & 0b1101 = 0b10010 & 0b1101 = 0b0000
		//
		// The whole heap is treated as a single pair of integer masks, by
		// carrying the overflow to the next state byte. unmarkedHeads << 1 is
		// unmarkedHeads + unmarkedHeads, so it merges with the sum.
		tailClear := tails + (unmarkedHeads << 1) + carry
		carry = tailClear >> blocksPerStateByte
		tails &= tailClear

		h.states[i] = markedHeads | (tails << blocksPerStateByte)
	}
}

// buildFreeRanges rebuilds the free range lists. It must be called after a
// sweep or heap growth.
func (h *blockHeap) buildFreeRanges() {
	h.freeRanges = 0
	block := h.endBlock
	var totalBlocks uint64
	for {
		// Skip backwards over occupied blocks.
		for block > 0 && h.state(block-1) != blockStateFree {
			block--
		}
		if block == 0 {
			break
		}

		// Find the start of the free range.
		end := block
		for block > 0 && h.state(block-1) == blockStateFree {
			block--
		}

		n := uint64(end - block)
		totalBlocks += n
		h.insertFreeRange(h.address(block), n)
	}
	h.freeBlocks = totalBlocks

	if gcDebug {
		println("free ranges after rebuild:")
		h.dumpFreeRangeCounts()
	}
}

func (h *blockHeap) dumpFreeRangeCounts() {
	mem := h.e.mem
	for r := h.freeRanges; r != 0; r = mem.LoadAddress(r.Add(freeRangeNextLen)) {
		totalRanges := 1
		for m := mem.LoadAddress(r.Add(freeRangeNextWithLen)); m != 0; m = mem.LoadAddress(m.Add(freeRangeMoreNext)) {
			totalRanges++
		}
		println("-", uint(mem.LoadWord(r.Add(freeRangeLen))), "x", totalRanges)
	}
}

// dumpHeap dumps the state of each heap block to standard error.
func (h *blockHeap) dumpHeap() {
	println("heap:")
	for block := gcBlock(0); block < h.endBlock; block++ {
		switch h.state(block) {
		case blockStateHead:
			print("*")
		case blockStateTail:
			print("-")
		case blockStateMark:
			print("#")
		default:
			print("·")
		}
		if block%64 == 63 || block+1 == h.endBlock {
			println()
		}
	}
}

func (h *blockHeap) reservedBytes() uint64 {
	return h.reserved.Load()
}

// BlockHeapStats describes the non-moving space.
type BlockHeapStats struct {
	HeapSys    uint64 // bytes mapped for blocks
	HeapInuse  uint64 // bytes in head and tail blocks
	HeapIdle   uint64 // bytes in free blocks
	Objects    uint64 // live heads
	Mallocs    uint64 // total number of allocations
	Frees      uint64 // Mallocs - Objects
	TotalAlloc uint64 // total requested bytes
}

// NonMovingStats reads the statistics of the non-moving space. Outside of a
// collection nothing is marked, so heads and tails are counted per nibble.
func (e *Engine) NonMovingStats() BlockHeapStats {
	h := e.nonMoving
	h.mu.Lock()
	defer h.mu.Unlock()

	var liveHeads, liveTails uint64
	for _, stateByte := range h.states {
		liveHeads += uint64(bits.OnesCount8(stateByte & blockStateEach))
		liveTails += uint64(bits.OnesCount8(stateByte >> blocksPerStateByte))
	}
	liveBlocks := liveHeads + liveTails
	return BlockHeapStats{
		HeapSys:    h.heapEnd.Diff(h.base),
		HeapInuse:  liveBlocks * bytesPerBlock,
		HeapIdle:   (uint64(h.endBlock) - liveBlocks) * bytesPerBlock,
		Objects:    liveHeads,
		Mallocs:    h.mallocs,
		Frees:      h.mallocs - liveHeads,
		TotalAlloc: h.totalAlloc,
	}
}
