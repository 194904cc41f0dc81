package sidemeta

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinygo-org/gcbind/internal/memory"
)

const base memory.Address = 0x200_0000_0000

func TestSetClear(t *testing.T) {
	m := New()
	// No metadata reads as zero.
	assert.Equal(t, uint8(0), m.Load(base))
	m.Ensure(base, memory.ChunkBytes)

	assert.True(t, m.Set(base.Add(8), Mark))
	assert.False(t, m.Set(base.Add(8), Mark))
	assert.True(t, m.Test(base.Add(8), Mark))
	assert.False(t, m.Test(base, Mark))
	assert.False(t, m.Test(base.Add(16), Mark))

	m.Set(base.Add(8), ValidObject)
	assert.True(t, m.Clear(base.Add(8), Mark))
	assert.False(t, m.Clear(base.Add(8), Mark))
	assert.Equal(t, ValidObject, m.Load(base.Add(8)))
}

func TestFields(t *testing.T) {
	m := New()
	m.Ensure(base, 64)
	a := base.Add(24)
	require.True(t, m.CompareAndSwapField(a, ForwardingMask, ForwardingShift, NotForwarded, BeingForwarded))
	require.False(t, m.CompareAndSwapField(a, ForwardingMask, ForwardingShift, NotForwarded, BeingForwarded))
	assert.Equal(t, BeingForwarded, m.Field(a, ForwardingMask, ForwardingShift))

	m.Update(a, HashMask, 2<<HashShift)
	assert.Equal(t, uint8(2), m.Field(a, HashMask, HashShift))
	assert.Equal(t, BeingForwarded, m.Field(a, ForwardingMask, ForwardingShift))
}

func TestConcurrentMarks(t *testing.T) {
	m := New()
	m.Ensure(base, 4096)
	var wg sync.WaitGroup
	won := make([]int, 4)
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for a := base; a < base.Add(4096); a = a.Add(8) {
				if m.Set(a, Mark) {
					won[g]++
				}
			}
		}(g)
	}
	wg.Wait()
	assert.Equal(t, 512, won[0]+won[1]+won[2]+won[3])
}

func TestRangeOperations(t *testing.T) {
	m := New()
	m.Ensure(base, 2*memory.ChunkBytes)
	for _, off := range []uint64{0, 40, 48, memory.ChunkBytes + 8} {
		m.Set(base.Add(off), ValidObject|Mark)
	}

	var seen []memory.Address
	m.ForEach(base, 2*memory.ChunkBytes, ValidObject, func(a memory.Address) {
		seen = append(seen, a)
	})
	assert.Equal(t, []memory.Address{base, base.Add(40), base.Add(48), base.Add(memory.ChunkBytes + 8)}, seen)

	got, ok := m.FindPrev(base.Add(47), base, ValidObject)
	require.True(t, ok)
	assert.Equal(t, base.Add(40), got)
	_, ok = m.FindPrev(base.Add(32), base.Add(8), ValidObject)
	assert.False(t, ok)

	m.ClearRange(base, 2*memory.ChunkBytes, Mark)
	assert.Equal(t, ValidObject, m.Load(base.Add(48)))
	assert.Equal(t, ValidObject, m.Load(base.Add(memory.ChunkBytes+8)))
}
