package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReadGCStats(t *testing.T) {
	var r Recorder
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 1; i <= 5; i++ {
		start := base.Add(time.Duration(i) * time.Second)
		r.Record(start, start.Add(time.Duration(i)*time.Millisecond), i%2 == 0)
	}

	s := GCStats{PauseQuantiles: make([]time.Duration, 3)}
	r.ReadGCStats(&s)
	assert.Equal(t, int64(5), s.NumGC)
	assert.Equal(t, int64(2), s.NumFullGC)
	assert.Equal(t, 15*time.Millisecond, s.PauseTotal)
	assert.Equal(t, []time.Duration{5 * time.Millisecond, 4 * time.Millisecond, 3 * time.Millisecond, 2 * time.Millisecond, time.Millisecond}, s.Pause)
	assert.Equal(t, base.Add(5*time.Second+5*time.Millisecond), s.LastGC)
	assert.Equal(t, []time.Duration{time.Millisecond, 3 * time.Millisecond, 5 * time.Millisecond}, s.PauseQuantiles)
}

func TestPauseHistoryWraps(t *testing.T) {
	var r Recorder
	start := time.Now()
	for i := 0; i < maxPauses+10; i++ {
		r.Record(start, start.Add(time.Duration(i)), false)
	}
	var s GCStats
	r.ReadGCStats(&s)
	assert.Len(t, s.Pause, maxPauses)
	assert.Equal(t, time.Duration(maxPauses+9), s.Pause[0], "most recent first")
	assert.Equal(t, time.Duration(10), s.Pause[maxPauses-1])
	assert.Equal(t, int64(maxPauses+10), r.NumGC())
}

func TestReadGCStatsEmpty(t *testing.T) {
	var r Recorder
	s := GCStats{LastGC: time.Now(), PauseQuantiles: make([]time.Duration, 2)}
	r.ReadGCStats(&s)
	assert.Zero(t, s.NumGC)
	assert.True(t, s.LastGC.IsZero())
	assert.Equal(t, []time.Duration{0, 0}, s.PauseQuantiles)
}

type heap struct{ used, free uint64 }

func (h heap) UsedBytes() uint64  { return h.used }
func (h heap) FreeBytes() uint64  { return h.free }
func (h heap) TotalBytes() uint64 { return h.used + h.free }

func TestRead(t *testing.T) {
	var r Recorder
	start := time.Now()
	r.Record(start, start.Add(1500*time.Millisecond), true)

	samples := make([]Sample, len(All())+1)
	for i, d := range All() {
		samples[i].Name = d.Name
	}
	samples[len(samples)-1].Name = "/gc/unknown:bytes"
	Read(heap{used: 300, free: 700}, &r, samples)

	got := map[string]interface{}{}
	for _, s := range samples {
		switch s.Value.Kind() {
		case KindUint64:
			got[s.Name] = s.Value.Uint64()
		case KindFloat64:
			got[s.Name] = s.Value.Float64()
		default:
			got[s.Name] = nil
		}
	}
	assert.Equal(t, map[string]interface{}{
		CyclesTotal:         uint64(1),
		HeapFree:            uint64(700),
		HeapTotal:           uint64(1000),
		HeapUsed:            uint64(300),
		PausesTotal:         1.5,
		"/gc/unknown:bytes": nil,
	}, got)

	assert.Panics(t, func() { samples[0].Value.Float64() })
	assert.Panics(t, func() { Value{}.Uint64() })
}
