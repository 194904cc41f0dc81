package engine

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/tinygo-org/gcbind/internal/memory"
	"github.com/tinygo-org/gcbind/internal/sidemeta"
	"github.com/tinygo-org/gcbind/space"
)

// PageBytes is the allocation granule of the large object space.
const PageBytes = 4096

type span struct {
	start memory.Address
	size  uint64
}

// largeObjectSpace gives every object its own run of pages. Freed runs are
// reused first fit.
type largeObjectSpace struct {
	e      *Engine
	bounds space.Bounds

	mu       sync.Mutex
	next     memory.Address
	free     []span // sorted by address
	live     map[memory.Address]uint64
	reserved atomic.Uint64
}

func newLargeObjectSpace(e *Engine, b space.Bounds) *largeObjectSpace {
	return &largeObjectSpace{
		e:      e,
		bounds: b,
		next:   b.Start.AlignUp(PageBytes),
		live:   map[memory.Address]uint64{},
	}
}

func (s *largeObjectSpace) alloc(size, align, offset uint64) (memory.Address, error) {
	if align > PageBytes {
		align = PageBytes
	}
	// Runs are page aligned, so the padding is the same for every run.
	pad := alignAllocation(0, align, offset).Diff(0)
	n := memory.AlignUp(size+pad, PageBytes)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.e.checkBudget(n); err != nil {
		return 0, err
	}

	start := memory.Address(0)
	for i, f := range s.free {
		if f.size < n {
			continue
		}
		start = f.start
		if f.size == n {
			s.free = append(s.free[:i], s.free[i+1:]...)
		} else {
			s.free[i] = span{f.start.Add(n), f.size - n}
		}
		s.e.mem.Zero(start, n)
		break
	}
	if start == 0 {
		if s.next.Add(n) > s.bounds.End {
			return 0, ErrSpaceFull
		}
		start = s.next
		if err := s.e.mapRange(start, n); err != nil {
			return 0, err
		}
		s.next = s.next.Add(n)
	}
	s.live[start] = n
	s.reserved.Add(n)
	return start.Add(pad), nil
}

func (s *largeObjectSpace) prepare() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for start, n := range s.live {
		s.e.meta.ClearRange(start, n, sidemeta.Mark)
	}
}

// release frees the runs whose object was not marked.
func (s *largeObjectSpace) release(log bool) (freed int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta := s.e.meta
	for start, n := range s.live {
		live := false
		meta.ForEach(start, n, sidemeta.ValidObject, func(ref memory.Address) {
			if meta.Test(ref, sidemeta.Mark) {
				live = true
				if log {
					meta.Set(ref, sidemeta.Unlogged)
				}
			}
		})
		if live {
			continue
		}
		meta.ClearRange(start, n, 0xff)
		delete(s.live, start)
		s.reserved.Add(-n)
		s.free = append(s.free, span{start, n})
		freed++
	}
	s.coalesce()
	return freed
}

// coalesce sorts the free runs and merges neighbours.
func (s *largeObjectSpace) coalesce() {
	sort.Slice(s.free, func(i, j int) bool { return s.free[i].start < s.free[j].start })
	merged := s.free[:0]
	for _, f := range s.free {
		if n := len(merged); n > 0 && merged[n-1].start.Add(merged[n-1].size) == f.start {
			merged[n-1].size += f.size
			continue
		}
		merged = append(merged, f)
	}
	s.free = merged
}

func (s *largeObjectSpace) reservedBytes() uint64 {
	return s.reserved.Load()
}

// LargeObjectCount returns the number of large objects not yet freed.
func (e *Engine) LargeObjectCount() int {
	e.los.mu.Lock()
	defer e.los.mu.Unlock()
	return len(e.los.live)
}
