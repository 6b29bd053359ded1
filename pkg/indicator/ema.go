package indicator

import (
	"fmt"
	"time"

	"github.com/tathienbao/indicator-hub/pkg/buffer"
	"github.com/tathienbao/indicator-hub/pkg/hub"
	"github.com/tathienbao/indicator-hub/pkg/series"
)

// EMAResult is an exponential moving average.
type EMAResult struct {
	Timestamp time.Time
	EMA       series.Num
}

func (r EMAResult) Time() time.Time { return r.Timestamp }
func (r EMAResult) Value() float64  { return r.EMA.Float64() }
func (r EMAResult) Columns() []series.Column {
	return []series.Column{{Name: "ema", Num: r.EMA}}
}

// EMA calculates the exponential moving average of period n, seeded with
// the simple average of the first n values.
func EMA[T series.Reusable](src []T, n int) ([]EMAResult, error) {
	if err := checkPeriod("EMA", "period", n, 1); err != nil {
		return nil, err
	}
	get := sliceGetter(values(src))
	out := make([]EMAResult, len(src))
	prev := series.Pending
	for i, item := range src {
		prev = emaStep(get, i, n, 0, prev)
		out[i] = EMAResult{Timestamp: item.Time(), EMA: prev}
	}
	return out, nil
}

// emaStage keeps no private state: the previous average is its own last
// result.
type emaStage[T series.Reusable] struct {
	n int
}

func (s emaStage[T]) Name() string      { return fmt.Sprintf("EMA(%d)", s.n) }
func (s emaStage[T]) MinCacheSize() int { return s.n }

func (s emaStage[T]) Step(w hub.Window[T, EMAResult], i int) (EMAResult, error) {
	prev := series.Pending
	if i > 0 {
		prev = w.Results.At(i - 1).EMA
	}
	return EMAResult{
		Timestamp: w.Source.At(i).Time(),
		EMA:       emaStep(viewGetter(w.Source), i, s.n, 0, prev),
	}, nil
}

func (s emaStage[T]) Rollback(hub.Window[T, EMAResult], time.Time) {}

// NewEMAHub subscribes an exponential moving average to p.
func NewEMAHub[T series.Reusable](p hub.Provider[T], n int) (*hub.Hub[T, EMAResult], error) {
	if err := checkPeriod("EMA", "period", n, 1); err != nil {
		return nil, err
	}
	return hub.NewHub[T, EMAResult](p, emaStage[T]{n: n})
}

// EMAList is the buffer form of EMA.
type EMAList struct {
	listBase[EMAResult]
	n      int
	window *buffer.Window
	prev   series.Num
}

// NewEMAList creates an empty EMA buffer.
func NewEMAList(n int) (*EMAList, error) {
	if err := checkPeriod("EMA", "period", n, 1); err != nil {
		return nil, err
	}
	return &EMAList{listBase: newListBase[EMAResult](), n: n, window: buffer.NewWindow(n)}, nil
}

// Add appends one value.
func (l *EMAList) Add(item series.Reusable) {
	l.window.Push(item.Value())
	l.prev = emaNext(l.window, l.n, l.prev)
	l.list.Append(EMAResult{Timestamp: item.Time(), EMA: l.prev})
}

// Clear drops results and state.
func (l *EMAList) Clear() {
	l.list.Clear()
	l.window.Reset()
	l.prev = series.Pending
}

// emaNext is emaStep over a full window whose newest value is last.
func emaNext(w *buffer.Window, n int, prev series.Num) series.Num {
	if !w.Full() {
		return series.Pending
	}
	return emaStep(w.At, n-1, n, 0, prev)
}
