package slot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinygo-org/gcbind/internal/memory"
)

const base memory.Address = 0x10_0000

func newMemory(t *testing.T) *memory.Memory {
	mem := memory.New()
	require.NoError(t, mem.Map(base, 4096))
	return mem
}

func TestSlot(t *testing.T) {
	mem := newMemory(t)
	s := Simple(base)
	assert.False(t, s.IsOffset())
	s.Store(mem, 0x2000)
	assert.Equal(t, memory.Address(0x2000), s.Load(mem))

	o := Offset(base.Add(8), 24)
	assert.True(t, o.IsOffset())
	assert.Equal(t, uint64(24), o.OffsetBytes())
	o.Store(mem, 0x2000)
	assert.Equal(t, memory.Address(0x2018), mem.LoadAddress(base.Add(8)), "offset slots hold interior pointers")
	assert.Equal(t, memory.Address(0x2000), o.Load(mem))

	o.Store(mem, 0)
	assert.Zero(t, mem.LoadWord(base.Add(8)))
	assert.Zero(t, o.Load(mem))
	assert.Contains(t, o.String(), "+24")
}

func TestMemorySlice(t *testing.T) {
	s := MemorySlice{Owner: base, Start: base.Add(16), Count: 3}
	assert.Equal(t, uint64(24), s.Bytes())
	assert.Equal(t, base.Add(40), s.End())
	assert.Equal(t, Simple(base.Add(32)), s.Slot(2))

	var got []memory.Address
	s.Each(func(sl Slot) { got = append(got, sl.Address()) })
	assert.Equal(t, []memory.Address{base.Add(16), base.Add(24), base.Add(32)}, got)
}

func TestCopy(t *testing.T) {
	words := func(mem *memory.Memory, start memory.Address, n int) []uint64 {
		var w []uint64
		for i := 0; i < n; i++ {
			w = append(w, mem.LoadWord(start.Add(uint64(i)*memory.WordSize)))
		}
		return w
	}
	fill := func(mem *memory.Memory) {
		for i := 0; i < 8; i++ {
			mem.StoreWord(base.Add(uint64(i)*memory.WordSize), uint64(i+1))
		}
	}
	slice := func(first, n int) MemorySlice {
		return MemorySlice{Start: base.Add(uint64(first) * memory.WordSize), Count: uint64(n)}
	}

	mem := newMemory(t)
	fill(mem)
	Copy(mem, slice(0, 4), slice(2, 4))
	assert.Equal(t, []uint64{1, 2, 1, 2, 3, 4, 7, 8}, words(mem, base, 8))

	fill(mem)
	Copy(mem, slice(2, 4), slice(0, 4))
	assert.Equal(t, []uint64{3, 4, 5, 6, 5, 6, 7, 8}, words(mem, base, 8))

	assert.Panics(t, func() { Copy(mem, slice(0, 2), slice(4, 3)) })
}
