package metrics

import (
	"math"
	"sync"
	"time"
)

// ─────────────────────────────────────────────────────────────────────────────
// Counter rate state
// ─────────────────────────────────────────────────────────────────────────────

// CounterKey identifies one counter series: a device and a metric name.
type CounterKey struct {
	Device string
	Metric string
}

type counterSample struct {
	value  uint64
	seenAt time.Time
}

// CounterState remembers the previous sample of every counter so that the
// producer can turn cumulative totals into per-second rates. It is safe for
// concurrent use.
type CounterState struct {
	mu      sync.Mutex
	samples map[CounterKey]counterSample
}

// NewCounterState creates an empty CounterState.
func NewCounterState() *CounterState {
	return &CounterState{samples: make(map[CounterKey]counterSample)}
}

// DeltaResult is returned by Delta. Delta and Elapsed are meaningful only
// when Valid is true.
type DeltaResult struct {
	Delta   uint64
	Elapsed time.Duration
	Valid   bool
}

// Rate returns the per-second rate of an accepted delta.
func (d DeltaResult) Rate() float64 {
	if !d.Valid || d.Elapsed <= 0 {
		return 0
	}
	return float64(d.Delta) / d.Elapsed.Seconds()
}

// Delta stores current as the latest sample for key and returns the increase
// since the previous sample. The first sample of a key, and a sample not newer
// than the previous one, are not Valid.
//
// A decrease is treated as a single wrap. The boundary is the 32-bit maximum
// when the previous value fits in 32 bits and the 64-bit maximum otherwise.
func (s *CounterState) Delta(key CounterKey, current uint64, now time.Time) DeltaResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.samples[key]
	s.samples[key] = counterSample{value: current, seenAt: now}
	if !ok {
		return DeltaResult{}
	}
	elapsed := now.Sub(prev.seenAt)
	if elapsed <= 0 {
		return DeltaResult{}
	}

	delta := current - prev.value
	if current < prev.value {
		wrap := uint64(math.MaxUint64)
		if prev.value <= math.MaxUint32 {
			wrap = math.MaxUint32
		}
		delta = (wrap - prev.value) + current + 1
	}
	return DeltaResult{Delta: delta, Elapsed: elapsed, Valid: true}
}

// ForgetDevice drops every sample of device. It returns the number removed.
func (s *CounterState) ForgetDevice(device string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.samples {
		if k.Device == device {
			delete(s.samples, k)
			n++
		}
	}
	return n
}

// Purge removes samples last seen before now-maxAge.
func (s *CounterState) Purge(maxAge time.Duration, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-maxAge)
	n := 0
	for k, smp := range s.samples {
		if smp.seenAt.Before(cutoff) {
			delete(s.samples, k)
			n++
		}
	}
	return n
}

// Len returns the number of tracked series.
func (s *CounterState) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.samples)
}
