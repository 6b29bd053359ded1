package buffer

import (
	"github.com/gammazero/deque"
)

type entry struct {
	seq int
	v   float64
}

// Extremes tracks the maximum and minimum of the last capacity values
// with monotonic deques, amortized O(1) per push.
type Extremes struct {
	capacity int
	seq      int
	max      deque.Deque[entry]
	min      deque.Deque[entry]
}

// NewExtremes creates a sliding max/min over capacity values.
func NewExtremes(capacity int) *Extremes {
	if capacity < 1 {
		capacity = 1
	}
	return &Extremes{capacity: capacity}
}

// Push adds a value, evicting the one that left the window.
func (e *Extremes) Push(v float64) {
	e.PushRange(v, v)
}

// PushRange adds one position whose maximum candidate is hi and minimum
// candidate is lo, e.g. a bar's high and low.
func (e *Extremes) PushRange(hi, lo float64) {
	e.seq++
	oldest := e.seq - e.capacity

	for e.max.Len() > 0 && e.max.Front().seq <= oldest {
		e.max.PopFront()
	}
	for e.min.Len() > 0 && e.min.Front().seq <= oldest {
		e.min.PopFront()
	}
	for e.max.Len() > 0 && e.max.Back().v <= hi {
		e.max.PopBack()
	}
	for e.min.Len() > 0 && e.min.Back().v >= lo {
		e.min.PopBack()
	}
	e.max.PushBack(entry{seq: e.seq, v: hi})
	e.min.PushBack(entry{seq: e.seq, v: lo})
}

// Full reports whether capacity positions have been pushed.
func (e *Extremes) Full() bool { return e.seq >= e.capacity }

// Max returns the window maximum.
func (e *Extremes) Max() float64 { return e.max.Front().v }

// Min returns the window minimum.
func (e *Extremes) Min() float64 { return e.min.Front().v }

// Reset empties the window.
func (e *Extremes) Reset() {
	e.seq = 0
	e.max.Clear()
	e.min.Clear()
}
