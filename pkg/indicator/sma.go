package indicator

import (
	"fmt"
	"time"

	"github.com/tathienbao/indicator-hub/pkg/buffer"
	"github.com/tathienbao/indicator-hub/pkg/hub"
	"github.com/tathienbao/indicator-hub/pkg/series"
)

// SMAResult is a simple moving average.
type SMAResult struct {
	Timestamp time.Time
	SMA       series.Num
}

func (r SMAResult) Time() time.Time { return r.Timestamp }
func (r SMAResult) Value() float64  { return r.SMA.Float64() }
func (r SMAResult) Columns() []series.Column {
	return []series.Column{{Name: "sma", Num: r.SMA}}
}

// SMA calculates the simple moving average of period n.
func SMA[T series.Reusable](src []T, n int) ([]SMAResult, error) {
	if err := checkPeriod("SMA", "period", n, 1); err != nil {
		return nil, err
	}
	get := sliceGetter(values(src))
	out := make([]SMAResult, len(src))
	for i, item := range src {
		out[i] = SMAResult{Timestamp: item.Time(), SMA: smaAt(get, i, n)}
	}
	return out, nil
}

func smaAt(get getter, i, n int) series.Num {
	if i < n-1 {
		return series.Pending
	}
	return series.NaNToPending(sumRange(get, i-n+1, i) / float64(n))
}

type smaStage[T series.Reusable] struct {
	n int
}

func (s smaStage[T]) Name() string      { return fmt.Sprintf("SMA(%d)", s.n) }
func (s smaStage[T]) MinCacheSize() int { return s.n }

func (s smaStage[T]) Step(w hub.Window[T, SMAResult], i int) (SMAResult, error) {
	return SMAResult{Timestamp: w.Source.At(i).Time(), SMA: smaAt(viewGetter(w.Source), i, s.n)}, nil
}

func (s smaStage[T]) Rollback(hub.Window[T, SMAResult], time.Time) {}

// NewSMAHub subscribes a simple moving average to p.
func NewSMAHub[T series.Reusable](p hub.Provider[T], n int) (*hub.Hub[T, SMAResult], error) {
	if err := checkPeriod("SMA", "period", n, 1); err != nil {
		return nil, err
	}
	return hub.NewHub[T, SMAResult](p, smaStage[T]{n: n})
}

// SMAList is the buffer form of SMA.
type SMAList struct {
	listBase[SMAResult]
	n      int
	window *buffer.Window
}

// NewSMAList creates an empty SMA buffer.
func NewSMAList(n int) (*SMAList, error) {
	if err := checkPeriod("SMA", "period", n, 1); err != nil {
		return nil, err
	}
	return &SMAList{listBase: newListBase[SMAResult](), n: n, window: buffer.NewWindow(n)}, nil
}

// Add appends one value.
func (l *SMAList) Add(item series.Reusable) {
	l.window.Push(item.Value())
	r := SMAResult{Timestamp: item.Time()}
	if l.window.Full() {
		r.SMA = series.NaNToPending(l.window.RunningSum() / float64(l.n))
	}
	l.list.Append(r)
}

// Clear drops results and buffered values.
func (l *SMAList) Clear() {
	l.list.Clear()
	l.window.Reset()
}
