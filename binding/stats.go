package binding

import (
	"github.com/tinygo-org/gcbind/internal/memory"
	"github.com/tinygo-org/gcbind/stats"
)

// UsedBytes returns the bytes reserved by the heap.
func (b *Binding) UsedBytes() uint64 { return b.engine.ReservedBytes() }

// FreeBytes returns the bytes that can still be reserved.
func (b *Binding) FreeBytes() uint64 { return b.engine.FreeBytes() }

// TotalBytes returns the heap budget.
func (b *Binding) TotalBytes() uint64 { return b.engine.TotalBytes() }

// ReadGCStats fills s with the pause history.
func (b *Binding) ReadGCStats(s *stats.GCStats) {
	b.stats.ReadGCStats(s)
}

// ReadMetrics fills the named samples.
func (b *Binding) ReadMetrics(samples []stats.Sample) {
	stats.Read(b, &b.stats, samples)
}

// Collections returns the number of collections, and how many covered the
// full heap.
func (b *Binding) Collections() (all, full uint64) {
	return b.engine.Collections()
}

// StartingHeapAddress returns the lowest address of the managed heap.
func (b *Binding) StartingHeapAddress() memory.Address {
	return b.space.HeapStart()
}

// LastHeapAddress returns the end of the managed heap.
func (b *Binding) LastHeapAddress() memory.Address {
	return b.space.HeapEnd()
}

// IsMappedAddress reports whether a is backed by memory.
func (b *Binding) IsMappedAddress(a memory.Address) bool {
	return b.engine.IsMapped(a)
}

// IsLiveObject reports whether ref is an object that has not been freed.
func (b *Binding) IsLiveObject(ref memory.Address) bool {
	return b.engine.IsLiveObject(ref)
}

// ObjectIsManaged reports whether a lies in a heap space.
func (b *Binding) ObjectIsManaged(a memory.Address) bool {
	return b.space.IsManaged(a)
}
