package monitor

import (
	"math"
	"slices"
)

// ring is a fixed-size FIFO of float64 values.
type ring struct {
	buf  []float64
	next int
	full bool
}

func newRing(size int) *ring {
	return &ring{buf: make([]float64, size)}
}

// push appends v and returns the value it evicted, if any.
func (r *ring) push(v float64) (float64, bool) {
	old, evicted := r.buf[r.next], r.full
	r.buf[r.next] = v
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
	return old, evicted
}

func (r *ring) len() int {
	if r.full {
		return len(r.buf)
	}
	return r.next
}

// values returns a copy, oldest first.
func (r *ring) values() []float64 {
	if !r.full {
		return slices.Clone(r.buf[:r.next])
	}
	out := make([]float64, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}

// series tracks one metric. New values enter the recent window; values
// evicted from it roll into the baseline window.
type series struct {
	baseline *ring
	recent   *ring
	count    int
	fresh    int
}

func newSeries(window int) *series {
	return &series{baseline: newRing(window), recent: newRing(window)}
}

func (s *series) add(v float64) {
	s.count++
	s.fresh++
	if old, ok := s.recent.push(v); ok {
		s.baseline.push(old)
	}
}

func (s *series) ready() bool {
	return s.baseline.full && s.recent.full
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// quantile uses the nearest-rank method on sorted xs.
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(q*float64(len(sorted)))) - 1
	return sorted[max(0, min(rank, len(sorted)-1))]
}
