// Package indicator provides technical indicators in three modes:
//
//   - batch functions over a slice (SMA, EMA, RSI, ...),
//   - stream hubs (NewSMAHub, ...) that stay equal to the batch result while
//     quotes arrive late, are resent or are deleted,
//   - buffer lists (NewSMAList, ...) for append-only feeds with bounded memory.
//
// All three modes share the per-position formulas in this package, so a
// stream hub and its batch function agree bit for bit.
package indicator

import (
	"fmt"
	"math"
	"time"

	"github.com/tathienbao/indicator-hub/pkg/buffer"
	"github.com/tathienbao/indicator-hub/pkg/cache"
	"github.com/tathienbao/indicator-hub/pkg/series"
)

// Adder is implemented by every buffer list.
type Adder interface {
	Add(item series.Reusable)
}

// QuoteAdder is implemented by buffer lists that need whole quotes.
type QuoteAdder interface {
	Add(q series.Quote)
}

// Fill adds items to a buffer list in order.
func Fill[T series.Reusable](l Adder, items []T) {
	for _, item := range items {
		l.Add(item)
	}
}

// FillQuotes adds quotes to a quote-based buffer list in order.
func FillQuotes(l QuoteAdder, quotes []series.Quote) {
	for _, q := range quotes {
		l.Add(q)
	}
}

func checkPeriod(name, param string, n, min int) error {
	if n < min {
		return fmt.Errorf("%w: %s %s must be at least %d, got %d",
			series.ErrInvalidParameter, name, param, min, n)
	}
	return nil
}

type getter func(i int) float64

func sliceGetter(v []float64) getter {
	return func(i int) float64 { return v[i] }
}

func viewGetter[T series.Reusable](v cache.View[T]) getter {
	return func(i int) float64 { return v.At(i).Value() }
}

func values[T series.Reusable](src []T) []float64 {
	out := make([]float64, len(src))
	for i, item := range src {
		out[i] = item.Value()
	}
	return out
}

// sumRange adds get(from..to) oldest first.
func sumRange(get getter, from, to int) float64 {
	var s float64
	for j := from; j <= to; j++ {
		s += get(j)
	}
	return s
}

// meanStd returns the mean and population standard deviation of
// get(from..to).
func meanStd(get getter, from, to int) (float64, float64) {
	n := float64(to - from + 1)
	mean := sumRange(get, from, to) / n
	var sq float64
	for j := from; j <= to; j++ {
		d := get(j) - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / n)
}

type numGetter func(i int) series.Num

// meanNums averages get(from..to); Pending if any value is pending or the
// range starts before the first position.
func meanNums(get numGetter, from, to int) series.Num {
	if from < 0 {
		return series.Pending
	}
	var s float64
	for j := from; j <= to; j++ {
		v, ok := get(j).Value()
		if !ok {
			return series.Pending
		}
		s += v
	}
	return series.Computed(s / float64(to-from+1))
}

// emaStep advances an exponential average of period n whose input is
// defined from position first on. The average is seeded with the mean of
// its first n inputs.
func emaStep(get getter, i, n, first int, prev series.Num) series.Num {
	if p, ok := prev.Value(); ok && !math.IsNaN(p) {
		k := 2.0 / float64(n+1)
		return series.Computed(p + k*(get(i)-p))
	}
	if i < first+n-1 {
		return series.Pending
	}
	return series.NaNToPending(sumRange(get, i-n+1, i) / float64(n))
}

// bar is a quote converted to float64 once.
type bar struct {
	t       time.Time
	h, l, c float64
}

func barOf(q series.Quote) bar {
	return bar{
		t: q.Timestamp,
		h: q.High.InexactFloat64(),
		l: q.Low.InexactFloat64(),
		c: q.Close.InexactFloat64(),
	}
}

func bars(quotes []series.Quote) []bar {
	out := make([]bar, len(quotes))
	for i, q := range quotes {
		out[i] = barOf(q)
	}
	return out
}

type barGetter func(i int) bar

func sliceBars(b []bar) barGetter {
	return func(i int) bar { return b[i] }
}

func viewBars(v cache.View[series.Quote]) barGetter {
	return func(i int) bar { return barOf(v.At(i)) }
}

// listBase exposes the read side of a buffer list.
type listBase[T any] struct {
	list *buffer.List[T]
}

func newListBase[T any]() listBase[T] {
	l, _ := buffer.NewList[T](0)
	return listBase[T]{list: l}
}

// Results returns the retained results, oldest first.
func (b listBase[T]) Results() []T { return b.list.Results() }

// Len returns the number of retained results.
func (b listBase[T]) Len() int { return b.list.Len() }

// Last returns the newest result.
func (b listBase[T]) Last() (T, bool) { return b.list.Last() }

// MaxSize returns the retained-result bound, zero when unbounded.
func (b listBase[T]) MaxSize() int { return b.list.MaxSize() }

// SetMaxSize bounds the retained results and prunes the oldest.
func (b listBase[T]) SetMaxSize(n int) error { return b.list.SetMaxSize(n) }
