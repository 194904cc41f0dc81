package memory

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
)

const (
	LogChunkBytes = 22
	ChunkBytes    = 1 << LogChunkBytes
	chunkMask     = ChunkBytes - 1
)

// ErrUnmapped is returned when an operation needs memory that was never
// mapped.
var ErrUnmapped = errors.New("memory: address not mapped")

// Fault is the panic value raised by a load or store to an unmapped address.
type Fault struct {
	Addr Address
}

func (f *Fault) Error() string {
	return fmt.Sprintf("memory: fault at %v", f.Addr)
}

type chunkTable map[uint64][]byte

// Memory is a sparse address space made of ChunkBytes sized chunks.
//
// Lookups are lock free: the chunk table is replaced (copy on write) when
// chunks are mapped or unmapped, which only happens on allocation slow paths.
// Word loads and stores are atomic so that collector threads and the host can
// share object memory.
type Memory struct {
	mu     sync.Mutex
	chunks atomic.Pointer[chunkTable]
	mapped atomic.Uint64
}

func New() *Memory {
	m := &Memory{}
	t := chunkTable{}
	m.chunks.Store(&t)
	return m
}

// Map makes [start, start+size) addressable. Chunks that are already mapped are
// left untouched. New memory is zeroed.
func (m *Memory) Map(start Address, size uint64) error {
	if size == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	old := *m.chunks.Load()
	first := uint64(start) >> LogChunkBytes
	last := (uint64(start) + size - 1) >> LogChunkBytes
	var next chunkTable
	for c := first; c <= last; c++ {
		if _, ok := old[c]; ok {
			continue
		}
		if next == nil {
			next = make(chunkTable, len(old)+int(last-first)+1)
			for k, v := range old {
				next[k] = v
			}
		}
		buf, err := mapChunk()
		if err != nil {
			return errors.Wrapf(err, "map chunk at %v", Address(c<<LogChunkBytes))
		}
		next[c] = buf
		m.mapped.Add(ChunkBytes)
	}
	if next != nil {
		m.chunks.Store(&next)
	}
	return nil
}

// Unmap releases every chunk that lies completely inside [start, start+size).
func (m *Memory) Unmap(start Address, size uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	first := AlignUp(uint64(start), ChunkBytes) >> LogChunkBytes
	end := (uint64(start) + size) >> LogChunkBytes
	if first >= end {
		return nil
	}
	old := *m.chunks.Load()
	next := make(chunkTable, len(old))
	for k, v := range old {
		next[k] = v
	}
	var firstErr error
	for c := first; c < end; c++ {
		buf, ok := next[c]
		if !ok {
			continue
		}
		delete(next, c)
		m.mapped.Add(^uint64(ChunkBytes - 1))
		if err := unmapChunk(buf); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "unmap chunk at %v", Address(c<<LogChunkBytes))
		}
	}
	m.chunks.Store(&next)
	return firstErr
}

// IsMapped reports whether a load from a would succeed.
func (m *Memory) IsMapped(a Address) bool {
	_, ok := (*m.chunks.Load())[uint64(a)>>LogChunkBytes]
	return ok
}

// MappedBytes returns the number of bytes currently backed by chunks.
func (m *Memory) MappedBytes() uint64 {
	return m.mapped.Load()
}

func (m *Memory) chunk(a Address) []byte {
	c, ok := (*m.chunks.Load())[uint64(a)>>LogChunkBytes]
	if !ok {
		panic(&Fault{Addr: a})
	}
	return c
}

func (m *Memory) ptr(a Address, align uint64) unsafe.Pointer {
	if Asserts && !a.IsAligned(align) {
		panic(fmt.Sprintf("memory: unaligned %d byte access at %v", align, a))
	}
	c := m.chunk(a)
	return unsafe.Pointer(&c[uint64(a)&chunkMask])
}

// LoadWord atomically loads the word at a, which must be word aligned.
func (m *Memory) LoadWord(a Address) uint64 {
	return atomic.LoadUint64((*uint64)(m.ptr(a, WordSize)))
}

// StoreWord atomically stores v at a, which must be word aligned.
func (m *Memory) StoreWord(a Address, v uint64) {
	atomic.StoreUint64((*uint64)(m.ptr(a, WordSize)), v)
}

func (m *Memory) CompareAndSwapWord(a Address, old, new uint64) bool {
	return atomic.CompareAndSwapUint64((*uint64)(m.ptr(a, WordSize)), old, new)
}

func (m *Memory) LoadAddress(a Address) Address {
	return Address(m.LoadWord(a))
}

func (m *Memory) StoreAddress(a Address, v Address) {
	m.StoreWord(a, uint64(v))
}

func (m *Memory) LoadU32(a Address) uint32 {
	return *(*uint32)(m.ptr(a, 4))
}

func (m *Memory) StoreU32(a Address, v uint32) {
	*(*uint32)(m.ptr(a, 4)) = v
}

func (m *Memory) LoadU16(a Address) uint16 {
	return *(*uint16)(m.ptr(a, 2))
}

func (m *Memory) StoreU16(a Address, v uint16) {
	*(*uint16)(m.ptr(a, 2)) = v
}

func (m *Memory) LoadU8(a Address) uint8 {
	return *(*uint8)(m.ptr(a, 1))
}

func (m *Memory) StoreU8(a Address, v uint8) {
	*(*uint8)(m.ptr(a, 1)) = v
}

// each calls fn for every chunk-contained piece of [a, a+n).
func (m *Memory) each(a Address, n uint64, fn func(b []byte)) {
	for n > 0 {
		c := m.chunk(a)
		off := uint64(a) & chunkMask
		l := min(n, ChunkBytes-off)
		fn(c[off : off+l])
		a = a.Add(l)
		n -= l
	}
}

// ReadBytes copies n bytes starting at a into a new slice.
func (m *Memory) ReadBytes(a Address, n uint64) []byte {
	buf := make([]byte, 0, n)
	m.each(a, n, func(b []byte) {
		buf = append(buf, b...)
	})
	return buf
}

// WriteBytes copies data to a.
func (m *Memory) WriteBytes(a Address, data []byte) {
	m.each(a, uint64(len(data)), func(b []byte) {
		copy(b, data)
		data = data[len(b):]
	})
}

// Copy moves n bytes from src to dst. The ranges may overlap.
func (m *Memory) Copy(dst, src Address, n uint64) {
	if n == 0 || dst == src {
		return
	}
	m.WriteBytes(dst, m.ReadBytes(src, n))
}

// Zero clears n bytes starting at a.
func (m *Memory) Zero(a Address, n uint64) {
	m.each(a, n, func(b []byte) {
		clear(b)
	})
}
