// Package stats keeps collection statistics: pause times, counts and heap
// sizes, readable as GCStats or as named metric samples.
package stats

import (
	"slices"
	"sync"
	"time"
)

// maxPauses is the number of recent pauses kept.
const maxPauses = 256

// GCStats collect information about recent garbage collections.
type GCStats struct {
	LastGC         time.Time       // time of last collection
	NumGC          int64           // number of garbage collections
	NumFullGC      int64           // number of full heap collections
	PauseTotal     time.Duration   // total pause for all collections
	Pause          []time.Duration // pause history, most recent first
	PauseEnd       []time.Time     // pause end times history, most recent first
	PauseQuantiles []time.Duration
}

type pause struct {
	d   time.Duration
	end time.Time
}

// Recorder accumulates the pauses of a heap. It is safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	numGC  int64
	full   int64
	total  time.Duration
	pauses []pause // ring buffer, next at numGC % maxPauses
}

// Record notes a pause from start to end.
func (r *Recorder) Record(start, end time.Time, full bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := pause{d: end.Sub(start), end: end}
	if len(r.pauses) < maxPauses {
		r.pauses = append(r.pauses, p)
	} else {
		r.pauses[r.numGC%maxPauses] = p
	}
	r.numGC++
	if full {
		r.full++
	}
	r.total += p.d
}

// NumGC returns the number of recorded collections.
func (r *Recorder) NumGC() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.numGC
}

// PauseTotal returns the sum of all pauses.
func (r *Recorder) PauseTotal() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// ReadGCStats reads statistics about garbage collection into stats.
//
// If stats.PauseQuantiles is non-empty, ReadGCStats fills it with quantiles
// summarizing the distribution of pause time: the minimum, then the quantiles
// in between and finally the maximum.
func (r *Recorder) ReadGCStats(stats *GCStats) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats.NumGC = r.numGC
	stats.NumFullGC = r.full
	stats.PauseTotal = r.total
	stats.Pause = stats.Pause[:0]
	stats.PauseEnd = stats.PauseEnd[:0]
	n := len(r.pauses)
	for i := 0; i < n; i++ {
		// Walk back from the most recent pause.
		j := (int(r.numGC) - 1 - i) % maxPauses
		if j < 0 {
			j += maxPauses
		}
		if j >= n {
			continue
		}
		stats.Pause = append(stats.Pause, r.pauses[j].d)
		stats.PauseEnd = append(stats.PauseEnd, r.pauses[j].end)
	}
	if len(stats.PauseEnd) > 0 {
		stats.LastGC = stats.PauseEnd[0]
	} else {
		stats.LastGC = time.Time{}
	}

	if q := len(stats.PauseQuantiles); q > 0 {
		sorted := slices.Clone(stats.Pause)
		slices.Sort(sorted)
		for i := range stats.PauseQuantiles {
			if len(sorted) == 0 {
				stats.PauseQuantiles[i] = 0
				continue
			}
			idx := 0
			if q > 1 {
				idx = i * (len(sorted) - 1) / (q - 1)
			}
			stats.PauseQuantiles[i] = sorted[idx]
		}
	}
}
