package engine

import (
	"sync"
	"sync/atomic"

	"github.com/tinygo-org/gcbind/internal/memory"
	"github.com/tinygo-org/gcbind/internal/sidemeta"
	"github.com/tinygo-org/gcbind/space"
)

// immortalSpace is a bump allocator whose objects are never freed. They are
// still traced, as they may reference other spaces.
type immortalSpace struct {
	e      *Engine
	bounds space.Bounds

	mu      sync.Mutex
	cursor  memory.Address
	mapped  memory.Address
	reserve atomic.Uint64
}

func newImmortalSpace(e *Engine, b space.Bounds) *immortalSpace {
	return &immortalSpace{e: e, bounds: b, cursor: b.Start, mapped: b.Start}
}

func (s *immortalSpace) alloc(size, align, offset uint64) (memory.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := alignAllocation(s.cursor, align, offset)
	end := start.Add(size)
	if end > s.bounds.End {
		return 0, ErrSpaceFull
	}
	if err := s.e.checkBudget(end.Diff(s.cursor)); err != nil {
		return 0, err
	}
	if end > s.mapped {
		n := memory.AlignUp(end.Diff(s.mapped), memory.ChunkBytes)
		if err := s.e.mapRange(s.mapped, n); err != nil {
			return 0, err
		}
		s.mapped = s.mapped.Add(n)
	}
	s.reserve.Add(end.Diff(s.cursor))
	s.cursor = end
	return start, nil
}

func (s *immortalSpace) prepare() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.e.meta.ClearRange(s.bounds.Start, s.cursor.Diff(s.bounds.Start), sidemeta.Mark)
}

func (s *immortalSpace) reservedBytes() uint64 {
	return s.reserve.Load()
}

// SetVMSpace records the host's boot image region. Objects in it are never
// freed and are traced like immortal ones.
func (e *Engine) SetVMSpace(start memory.Address, size uint64) error {
	if err := e.space.SetVMSpace(start, size); err != nil {
		return err
	}
	e.meta.Ensure(start, size)
	return nil
}

// prepareVMSpace clears the marks of the boot image.
func (e *Engine) prepareVMSpace() {
	if b, ok := e.space.VMSpace(); ok {
		e.meta.ClearRange(b.Start, b.Size(), sidemeta.Mark)
	}
}
