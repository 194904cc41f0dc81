package engine

import (
	"sync"
	"sync/atomic"

	"github.com/tinygo-org/gcbind/internal/memory"
	"github.com/tinygo-org/gcbind/internal/sidemeta"
	"github.com/tinygo-org/gcbind/objmodel"
	"github.com/tinygo-org/gcbind/space"
)

const (
	// BlockBytes is the unit the movable space hands to allocators.
	BlockBytes = 32 << 10
	// MaxMovableBytes is the largest object the movable and non-moving spaces
	// take. Larger objects belong in the large object space.
	MaxMovableBytes = BlockBytes / 2
)

// alignAllocation returns the first address at or after a such that
// (result+offset)%align == 0.
func alignAllocation(a memory.Address, align, offset uint64) memory.Address {
	return a.Add(offset).AlignUp(align).Sub(offset)
}

// bumpCursor allocates from the rest of one block.
type bumpCursor struct {
	cursor, limit memory.Address
}

func (c *bumpCursor) tryAlloc(size, align, offset uint64) (memory.Address, bool) {
	if c.cursor.IsZero() {
		return 0, false
	}
	start := alignAllocation(c.cursor, align, offset)
	end := start.Add(size)
	if end > c.limit {
		return 0, false
	}
	c.cursor = end
	return start, true
}

func (c *bumpCursor) reset(block memory.Address) {
	c.cursor = block
	c.limit = block.Add(BlockBytes)
}

type movableSpace struct {
	e      *Engine
	bounds space.Bounds

	mu     sync.Mutex
	next   memory.Address // first block never handed out
	free   []memory.Address
	inUse  map[memory.Address]struct{}
	blocks atomic.Int64
}

func newMovableSpace(e *Engine, b space.Bounds) *movableSpace {
	return &movableSpace{
		e:      e,
		bounds: b,
		next:   b.Start.AlignUp(BlockBytes),
		inUse:  map[memory.Address]struct{}{},
	}
}

// acquireBlock hands out a clean block. Blocks for copies (during a
// collection) are not limited by the heap budget.
func (s *movableSpace) acquireBlock(forCopy bool) (memory.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !forCopy {
		if err := s.e.checkBudget(BlockBytes); err != nil {
			return 0, err
		}
	}
	var b memory.Address
	if n := len(s.free); n > 0 {
		b = s.free[n-1]
		s.free = s.free[:n-1]
		s.e.mem.Zero(b, BlockBytes)
	} else {
		if s.next.Add(BlockBytes) > s.bounds.End {
			return 0, ErrSpaceFull
		}
		b = s.next
		if err := s.e.mapRange(b, BlockBytes); err != nil {
			return 0, err
		}
		s.next = s.next.Add(BlockBytes)
	}
	s.inUse[b] = struct{}{}
	s.blocks.Add(1)
	return b, nil
}

func (s *movableSpace) alloc(c *bumpCursor, size, align, offset uint64) (memory.Address, error) {
	if a, ok := c.tryAlloc(size, align, offset); ok {
		return a, nil
	}
	b, err := s.acquireBlock(false)
	if err != nil {
		return 0, err
	}
	c.reset(b)
	a, _ := c.tryAlloc(size, align, offset)
	return a, nil
}

// allocCopy is alloc for copies. Running out of space while copying cannot be
// recovered from.
func (s *movableSpace) allocCopy(c *bumpCursor, size, align, offset uint64) memory.Address {
	if a, ok := c.tryAlloc(size, align, offset); ok {
		return a
	}
	b, err := s.acquireBlock(true)
	if err != nil {
		panic(err)
	}
	c.reset(b)
	a, _ := c.tryAlloc(size, align, offset)
	return a
}

// prepare clears the marks of the previous collection.
func (s *movableSpace) prepare() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for b := range s.inUse {
		s.e.meta.ClearRange(b, BlockBytes, sidemeta.Mark)
	}
}

// release forgets dead and moved objects and frees blocks without live
// objects.
func (s *movableSpace) release(log bool) (freed int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta := s.e.meta
	for b := range s.inUse {
		live := false
		meta.ForEach(b, BlockBytes, sidemeta.ValidObject, func(ref memory.Address) {
			if meta.Test(ref, sidemeta.Mark) {
				live = true
				if log {
					meta.Set(ref, sidemeta.Unlogged)
				}
				return
			}
			meta.Update(ref, 0xff, 0)
		})
		if live {
			continue
		}
		meta.ClearRange(b, BlockBytes, 0xff)
		delete(s.inUse, b)
		s.free = append(s.free, b)
		s.blocks.Add(-1)
		freed++
	}
	return freed
}

func (s *movableSpace) reservedBytes() uint64 {
	return uint64(s.blocks.Load()) * BlockBytes
}

// findObject resolves an address that may point anywhere inside an object,
// header included.
func (s *movableSpace) findObject(addr memory.Address) (memory.Address, bool) {
	block := addr.AlignDown(BlockBytes)
	s.mu.Lock()
	_, ok := s.inUse[block]
	s.mu.Unlock()
	if !ok {
		return 0, false
	}
	meta := s.e.meta

	// addr may point at the headers in front of a reference.
	base := addr.AlignDown(memory.WordSize)
	for d := uint64(memory.WordSize); d <= objmodel.BufferHeaderSize+objmodel.StoredHashBytes; d += memory.WordSize {
		cand := base.Add(d)
		if cand >= block.Add(BlockBytes) {
			break
		}
		if meta.Test(cand, sidemeta.ValidObject) && s.e.vm.ObjectStart(cand) <= addr {
			return cand, true
		}
	}

	ref, ok := meta.FindPrev(addr, block, sidemeta.ValidObject)
	if !ok {
		return 0, false
	}
	size, err := s.e.vm.CurrentSize(ref)
	if err != nil {
		return 0, false
	}
	if addr >= s.e.vm.ObjectStart(ref).Add(size) {
		return 0, false
	}
	return ref, true
}

// BlockCount returns the number of movable blocks in use.
func (e *Engine) BlockCount() int {
	return int(e.movable.blocks.Load())
}
