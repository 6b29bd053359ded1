package indicator

import (
	"fmt"
	"time"

	"github.com/tathienbao/indicator-hub/pkg/buffer"
	"github.com/tathienbao/indicator-hub/pkg/hub"
	"github.com/tathienbao/indicator-hub/pkg/series"
)

// StdDevResult is a rolling population standard deviation.
type StdDevResult struct {
	Timestamp time.Time
	StdDev    series.Num
	Mean      series.Num
	ZScore    series.Num
}

func (r StdDevResult) Time() time.Time { return r.Timestamp }
func (r StdDevResult) Value() float64  { return r.StdDev.Float64() }
func (r StdDevResult) Columns() []series.Column {
	return []series.Column{
		{Name: "stddev", Num: r.StdDev},
		{Name: "mean", Num: r.Mean},
		{Name: "zscore", Num: r.ZScore},
	}
}

func stdDevAt(get getter, i, n int) StdDevResult {
	var r StdDevResult
	if i < n-1 {
		return r
	}
	mean, sd := meanStd(get, i-n+1, i)
	r.Mean = series.NaNToPending(mean)
	r.StdDev = series.NaNToPending(sd)
	if sd != 0 {
		r.ZScore = series.NaNToPending((get(i) - mean) / sd)
	}
	return r
}

// StdDev calculates the standard deviation of the last n values and the
// z-score of the newest one.
func StdDev[T series.Reusable](src []T, n int) ([]StdDevResult, error) {
	if err := checkPeriod("STDDEV", "period", n, 1); err != nil {
		return nil, err
	}
	get := sliceGetter(values(src))
	out := make([]StdDevResult, len(src))
	for i, item := range src {
		out[i] = stdDevAt(get, i, n)
		out[i].Timestamp = item.Time()
	}
	return out, nil
}

type stdDevStage[T series.Reusable] struct {
	n int
}

func (s stdDevStage[T]) Name() string      { return fmt.Sprintf("STDDEV(%d)", s.n) }
func (s stdDevStage[T]) MinCacheSize() int { return s.n }

func (s stdDevStage[T]) Step(w hub.Window[T, StdDevResult], i int) (StdDevResult, error) {
	r := stdDevAt(viewGetter(w.Source), i, s.n)
	r.Timestamp = w.Source.At(i).Time()
	return r, nil
}

func (s stdDevStage[T]) Rollback(hub.Window[T, StdDevResult], time.Time) {}

// NewStdDevHub subscribes a rolling standard deviation to p.
func NewStdDevHub[T series.Reusable](p hub.Provider[T], n int) (*hub.Hub[T, StdDevResult], error) {
	if err := checkPeriod("STDDEV", "period", n, 1); err != nil {
		return nil, err
	}
	return hub.NewHub[T, StdDevResult](p, stdDevStage[T]{n: n})
}

// StdDevList is the buffer form of StdDev.
type StdDevList struct {
	listBase[StdDevResult]
	n      int
	window *buffer.Window
}

// NewStdDevList creates an empty standard deviation buffer.
func NewStdDevList(n int) (*StdDevList, error) {
	if err := checkPeriod("STDDEV", "period", n, 1); err != nil {
		return nil, err
	}
	return &StdDevList{listBase: newListBase[StdDevResult](), n: n, window: buffer.NewWindow(n)}, nil
}

// Add appends one value.
func (l *StdDevList) Add(item series.Reusable) {
	l.window.Push(item.Value())
	r := stdDevAt(l.window.At, l.window.Len()-1, l.n)
	r.Timestamp = item.Time()
	l.list.Append(r)
}

// Clear drops results and buffered values.
func (l *StdDevList) Clear() {
	l.list.Clear()
	l.window.Reset()
}
