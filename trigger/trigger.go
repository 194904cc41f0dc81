// Package trigger decides when the heap needs a collection and how far it may
// grow before the next one.
//
// Two estimates are kept and updated once per collection, at its start and at
// its end:
//
//   - An allocation interval. When a collection frees less than 70% of what
//     was allocated since the previous one, the interval doubles. When the
//     doubled interval passes a memory proportional ceiling, or the live data
//     passes the memory budget, the next collection is a full heap one. The
//     interval never drops below the default and never lets the heap pass the
//     budget. It is scaled by the number of allocating threads, as allocation
//     is counted for all of them together.
//   - A heap target, derived from smoothed allocation and collection rates:
//     the target grows with the square root of the heap size times the ratio
//     of allocation rate to collection rate, between guard rails.
//
// A collection is required when either estimate is exceeded or an allocation
// could not be satisfied.
package trigger

import (
	"log/slog"
	"math"
	"math/bits"
	"sync/atomic"
	"time"
)

// Tuned constants of the host runtime's own heuristic.
const (
	allocSmoothFactor   = 0.95
	collectSmoothFactor = 0.5
	tuningFactor        = 2e4

	// freedPercent is how much of the allocated memory a collection must
	// free for the interval to stay as it is.
	freedPercent = 70

	// userMaxPercent of the memory budget is what the heap target aims for.
	userMaxPercent = 80
)

// Options configures a Policy.
type Options struct {
	// MaxTotalMemory is the memory budget of the heap.
	MaxTotalMemory uint64
	// DefaultInterval is the smallest interval between collections.
	DefaultInterval uint64
	// MinHeap is the smallest heap target.
	MinHeap uint64
	// MaxInterval is the interval past which collections are made full heap.
	// 0 uses half of MaxTotalMemory.
	MaxInterval uint64
	// Now returns a monotonic time in nanoseconds. Defaults to the wall clock.
	Now func() int64

	Logger *slog.Logger
}

// Policy is the adaptive trigger. OnGCStart and OnGCEnd are only called by the
// thread coordinating a collection, while the world is stopped; the atomics
// publish their results to allocating threads.
type Policy struct {
	now func() int64
	log *slog.Logger

	maxTotalMemory  uint64
	minHeap         uint64
	defaultInterval uint64
	maxInterval     uint64

	// Allocation interval estimate.
	interval           atomic.Uint64
	allThreadsInterval atomic.Uint64
	allocated          atomic.Uint64 // bytes allocated since the last collection
	allocatedAtStart   uint64
	nextFull           atomic.Bool

	// Heap target estimate.
	heapTarget    atomic.Uint64
	pending       atomic.Uint64 // bytes of failed allocations waiting for a collection
	oldPauseTime  uint64
	oldMutTime    uint64
	oldHeapSize   uint64
	oldAllocDiff  uint64
	oldFreedDiff  uint64
	gcStartTime   uint64
	gcEndTime     uint64
	mutatorTime   uint64
	thrashCounter uint64
	thrashing     bool
	beforeFree    uint64
	prevFull      bool
}

func New(opts Options) *Policy {
	if opts.Now == nil {
		start := time.Now()
		opts.Now = func() int64 { return int64(time.Since(start)) + 1 }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxInterval == 0 {
		opts.MaxInterval = opts.MaxTotalMemory / 2
	}
	p := &Policy{
		now:             opts.Now,
		log:             opts.Logger,
		maxTotalMemory:  opts.MaxTotalMemory,
		minHeap:         opts.MinHeap,
		defaultInterval: opts.DefaultInterval,
		maxInterval:     max(opts.MaxInterval, opts.DefaultInterval),
		oldPauseTime:    1e7,
		oldMutTime:      1e9,
		oldAllocDiff:    opts.DefaultInterval,
		oldFreedDiff:    opts.DefaultInterval,
		prevFull:        true,
	}
	p.interval.Store(opts.DefaultInterval)
	p.allThreadsInterval.Store(opts.DefaultInterval)
	p.heapTarget.Store(max(opts.DefaultInterval, opts.MinHeap))
	return p
}

// NoteAllocation counts bytes allocated by any mutator.
func (p *Policy) NoteAllocation(bytes uint64) {
	p.allocated.Add(bytes)
}

// OnPendingAllocation records an allocation that failed and waits for a
// collection. The bytes are counted as reserved until the collection ends.
func (p *Policy) OnPendingAllocation(bytes uint64) {
	p.pending.Add(bytes)
}

// IsGCRequired reports whether the next safepoint should collect. Any one of
// the conditions is enough.
func (p *Policy) IsGCRequired(reserved uint64, spaceFull bool) bool {
	return spaceFull ||
		p.allocated.Load() > p.allThreadsInterval.Load() ||
		p.IsHeapFull(reserved)
}

// IsHeapFull reports whether the reserved memory reached the heap target.
func (p *Policy) IsHeapFull(reserved uint64) bool {
	return reserved+p.pending.Load() >= p.heapTarget.Load()
}

// OnGCStart snapshots the heap before a collection. reserved is the number
// of bytes in use, lastFull tells whether the previous collection covered the
// full heap.
func (p *Policy) OnGCStart(reserved uint64, lastFull bool) {
	reserved += p.pending.Load()
	p.gcStartTime = uint64(p.now())
	if p.gcEndTime == 0 {
		p.mutatorTime = p.oldMutTime
	} else {
		p.mutatorTime = p.gcStartTime - p.gcEndTime
	}
	p.beforeFree = reserved
	p.allocatedAtStart = p.allocated.Load()
	p.prevFull = lastFull
	p.log.Debug("gc start",
		"reserved", reserved,
		"allocated", p.allocatedAtStart,
		"mutator_time", time.Duration(p.mutatorTime),
		"prev_sweep_full", lastFull)
}

// OnGCEnd updates both estimates. live is the number of bytes that survived,
// mutators the number of registered mutators, and user whether the
// collection was requested by the program rather than by this policy.
func (p *Policy) OnGCEnd(reserved, live uint64, mutators int, user bool) {
	p.gcEndTime = uint64(p.now())
	pause := p.gcEndTime - p.gcStartTime
	p.pending.Store(0)

	p.updateInterval(reserved, live, mutators, user)
	if !user {
		p.updateHeapTarget(reserved, pause)
	}
	p.oldHeapSize = reserved
	p.allocated.Store(0)
}

// updateInterval runs the interval backoff.
func (p *Policy) updateInterval(reserved, live uint64, mutators int, user bool) {
	interval := p.interval.Load()
	allocd := p.allocatedAtStart
	var freed uint64
	if p.beforeFree > reserved {
		freed = p.beforeFree - reserved
	}

	full := false
	if !user && freed < freedPercent*allocd/100 {
		// Not freed enough: back off.
		interval *= 2
		if interval > p.maxInterval {
			full = true
		}
	}
	if p.maxTotalMemory != 0 && live > p.maxTotalMemory {
		full = true
	}

	interval = max(interval, p.defaultInterval)
	if p.maxTotalMemory != 0 && interval+live > p.maxTotalMemory {
		if live < p.maxTotalMemory {
			interval = p.maxTotalMemory - live
		} else {
			// Cannot stay under the budget; go back to the default.
			interval = p.defaultInterval
		}
	}
	p.interval.Store(interval)
	p.allThreadsInterval.Store(interval * uint64(max(1, mutators/2)))
	if full {
		// Cleared only by TakeFullHeap.
		p.nextFull.Store(true)
	}
	p.log.Debug("gc interval",
		"freed", freed,
		"allocated", allocd,
		"interval", interval,
		"next_full", full)
}

// updateHeapTarget runs the smoothed rate estimate.
func (p *Policy) updateHeapTarget(heapSize, pause uint64) {
	userMax := p.maxTotalMemory * userMaxPercent / 100
	if p.maxTotalMemory == 0 {
		userMax = math.MaxUint64 / 2
	}
	var allocDiff, freedDiff uint64
	if p.beforeFree > p.oldHeapSize {
		allocDiff = p.beforeFree - p.oldHeapSize
	}
	if p.beforeFree > heapSize {
		freedDiff = p.beforeFree - heapSize
	}

	allocMem := smooth(p.oldAllocDiff, allocDiff, allocSmoothFactor)
	allocTime := smooth(p.oldMutTime, p.mutatorTime, allocSmoothFactor)
	gcMem := smooth(p.oldFreedDiff, freedDiff, collectSmoothFactor)
	gcTime := smooth(p.oldPauseTime, pause, collectSmoothFactor)
	p.oldAllocDiff = allocMem
	p.oldMutTime = allocTime
	p.oldFreedDiff = gcMem
	p.oldPauseTime = gcTime

	// Thrashing: more time spent collecting than running.
	if pause > p.mutatorTime && p.thrashCounter >= 4 {
		p.thrashCounter++
	} else if p.thrashCounter > 0 {
		p.thrashCounter--
	}

	var targetAllocs float64
	if allocMem != 0 && allocTime != 0 && gcMem != 0 && gcTime != 0 {
		allocRate := float64(allocMem) / float64(allocTime)
		gcRate := float64(gcMem) / float64(gcTime)
		targetAllocs = math.Sqrt(float64(heapSize)*allocRate/gcRate) * tuningFactor
	}

	if !p.thrashing && p.thrashCounter >= 3 {
		// 3 thrashing cycles in a row force the default rate, and it takes 4
		// normal ones to clear.
		p.thrashing = true
		p.thrashCounter = 6
	} else if p.thrashing && p.thrashCounter <= 2 {
		p.thrashing = false
	}

	minTargetAllocs := max(heapSize/20, p.defaultInterval/8)
	maxTargetAllocs := max(overallocation(p.beforeFree, heapSize, userMax), minTargetAllocs)

	if targetAllocs+float64(heapSize) > float64(userMax) {
		if heapSize < userMax {
			targetAllocs = float64(userMax - heapSize)
		} else {
			targetAllocs = 1
		}
	}
	if p.thrashing {
		targetAllocs = max(targetAllocs, math.Sqrt(float64(minTargetAllocs)*float64(maxTargetAllocs)))
	}
	targetAllocs = min(targetAllocs, float64(maxTargetAllocs))
	targetAllocs = max(targetAllocs, float64(minTargetAllocs))

	target := max(targetAllocs+float64(heapSize), float64(p.defaultInterval), float64(p.minHeap))
	p.heapTarget.Store(uint64(target))
	p.log.Debug("gc heap target", "heap", heapSize, "target", uint64(target), "thrashing", p.thrashing)
}

// smooth is an exponential moving average, clamped to [1, 2<<36].
func smooth(old, new uint64, factor float64) uint64 {
	est := factor*float64(old) + (1-factor)*float64(new)
	switch {
	case est <= 1:
		return 1
	case est > float64(uint64(2)<<36):
		return 2 << 36
	}
	return uint64(est)
}

// overallocation is the growth allowed for a heap of val bytes that was old
// bytes before the collection.
func overallocation(old, val, maxVal uint64) uint64 {
	exp2 := uint64(bits.Len64(old))
	inc := (uint64(1)<<(exp2*7/8))*4 + old/8
	if inc+val > maxVal && inc > maxVal/20 {
		return maxVal / 20
	}
	return inc
}

// TakeFullHeap reports whether the next collection must cover the full heap
// and clears the request.
func (p *Policy) TakeFullHeap() bool {
	return p.nextFull.Swap(false)
}

// Interval returns the per-thread allocation interval.
func (p *Policy) Interval() uint64 { return p.interval.Load() }

// AllThreadsInterval returns the interval for all threads together.
func (p *Policy) AllThreadsInterval() uint64 { return p.allThreadsInterval.Load() }

// Allocated returns the bytes allocated since the last collection.
func (p *Policy) Allocated() uint64 { return p.allocated.Load() }

// HeapTarget returns the reserved size at which the next collection starts.
func (p *Policy) HeapTarget() uint64 { return p.heapTarget.Load() }

// MaxHeapSize returns the memory budget.
func (p *Policy) MaxHeapSize() uint64 { return p.maxTotalMemory }
