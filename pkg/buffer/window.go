package buffer

import (
	"github.com/gammazero/deque"
)

// Window holds the last capacity values pushed into it.
type Window struct {
	values   deque.Deque[float64]
	capacity int
	sum      float64
}

// NewWindow creates a window. Capacity must be positive.
func NewWindow(capacity int) *Window {
	if capacity < 1 {
		capacity = 1
	}
	return &Window{capacity: capacity}
}

// Push adds v and evicts the oldest value once the window is full.
// It returns the evicted value and whether one was evicted.
func (w *Window) Push(v float64) (float64, bool) {
	w.values.PushBack(v)
	w.sum += v
	if w.values.Len() <= w.capacity {
		return 0, false
	}
	old := w.values.PopFront()
	w.sum -= old
	return old, true
}

// Len returns the number of buffered values.
func (w *Window) Len() int { return w.values.Len() }

// Cap returns the window capacity.
func (w *Window) Cap() int { return w.capacity }

// Full reports whether the window holds capacity values.
func (w *Window) Full() bool { return w.values.Len() == w.capacity }

// At returns the i-th oldest value.
func (w *Window) At(i int) float64 { return w.values.At(i) }

// Last returns the newest value.
func (w *Window) Last() float64 { return w.values.Back() }

// RunningSum returns the sum maintained incrementally on push and evict.
// It can drift from Sum in the last bits over long runs.
func (w *Window) RunningSum() float64 { return w.sum }

// Sum adds the buffered values oldest first.
func (w *Window) Sum() float64 {
	var s float64
	for i := 0; i < w.values.Len(); i++ {
		s += w.values.At(i)
	}
	return s
}

// Reset empties the window.
func (w *Window) Reset() {
	w.values.Clear()
	w.sum = 0
}
