// Package buffer provides the bounded, append-only building blocks of the
// buffer indicator mode: a result list with a maximum retained size, a
// fixed-capacity rolling window and a sliding max/min.
package buffer

import (
	"fmt"

	"github.com/tathienbao/indicator-hub/pkg/series"
)

// Sizer is anything whose retained size can be bounded.
type Sizer interface {
	SetMaxSize(n int) error
}

type nestedSizer struct {
	s   Sizer
	min int
}

// List holds the most recent results of a buffer indicator.
type List[T any] struct {
	items   []T
	maxSize int
	nested  []nestedSizer
}

// NewList creates a list. A maxSize of zero keeps every result.
func NewList[T any](maxSize int) (*List[T], error) {
	l := &List[T]{}
	if err := l.SetMaxSize(maxSize); err != nil {
		return nil, err
	}
	return l, nil
}

// Append adds a result and prunes the oldest when over capacity.
func (l *List[T]) Append(item T) {
	l.items = append(l.items, item)
	l.prune()
}

// Len returns the number of retained results.
func (l *List[T]) Len() int { return len(l.items) }

// At returns the retained result at position i.
func (l *List[T]) At(i int) T { return l.items[i] }

// Last returns the newest result.
func (l *List[T]) Last() (T, bool) {
	if len(l.items) == 0 {
		var zero T
		return zero, false
	}
	return l.items[len(l.items)-1], true
}

// Results returns a copy of the retained results.
func (l *List[T]) Results() []T {
	out := make([]T, len(l.items))
	copy(out, l.items)
	return out
}

// MaxSize returns the retained size bound, zero when unbounded.
func (l *List[T]) MaxSize() int { return l.maxSize }

// SetMaxSize bounds the retained results and prunes immediately. Nested
// buffers receive the same bound or their registered minimum, whichever
// is larger.
func (l *List[T]) SetMaxSize(n int) error {
	if n < 0 {
		return fmt.Errorf("%w: max size must not be negative, got %d", series.ErrInvalidParameter, n)
	}
	l.maxSize = n
	l.prune()
	for _, ns := range l.nested {
		if err := ns.s.SetMaxSize(nestedSize(n, ns.min)); err != nil {
			return err
		}
	}
	return nil
}

// Nest registers a buffer owned by this one. min is the smallest size the
// owner needs the nested buffer to keep.
func (l *List[T]) Nest(s Sizer, min int) error {
	l.nested = append(l.nested, nestedSizer{s: s, min: min})
	return s.SetMaxSize(nestedSize(l.maxSize, min))
}

// Clear drops every result. Nested buffers are cleared by their owner.
func (l *List[T]) Clear() {
	l.items = nil
}

func (l *List[T]) prune() {
	if l.maxSize <= 0 || len(l.items) <= l.maxSize {
		return
	}
	drop := len(l.items) - l.maxSize
	var zero T
	for i := 0; i < drop; i++ {
		l.items[i] = zero
	}
	l.items = append(l.items[:0], l.items[drop:]...)
}

func nestedSize(n, min int) int {
	if n == 0 {
		return 0
	}
	if n < min {
		return min
	}
	return n
}
