package indicator

import (
	"fmt"
	"time"

	"github.com/tathienbao/indicator-hub/pkg/buffer"
	"github.com/tathienbao/indicator-hub/pkg/hub"
	"github.com/tathienbao/indicator-hub/pkg/series"
)

// BollingerResult holds Bollinger bands around a simple average.
type BollingerResult struct {
	Timestamp time.Time
	SMA       series.Num
	Upper     series.Num
	Lower     series.Num
	PercentB  series.Num
	Width     series.Num
}

func (r BollingerResult) Time() time.Time { return r.Timestamp }

// Value is %B, the position of the newest value within the bands.
func (r BollingerResult) Value() float64 { return r.PercentB.Float64() }

func (r BollingerResult) Columns() []series.Column {
	return []series.Column{
		{Name: "sma", Num: r.SMA},
		{Name: "upper", Num: r.Upper},
		{Name: "lower", Num: r.Lower},
		{Name: "percent_b", Num: r.PercentB},
		{Name: "width", Num: r.Width},
	}
}

func bollingerAt(get getter, i, n int, k float64) BollingerResult {
	var r BollingerResult
	if i < n-1 {
		return r
	}
	mean, sd := meanStd(get, i-n+1, i)
	upper, lower := mean+k*sd, mean-k*sd
	r.SMA = series.NaNToPending(mean)
	r.Upper = series.NaNToPending(upper)
	r.Lower = series.NaNToPending(lower)
	if upper != lower {
		r.PercentB = series.NaNToPending((get(i) - lower) / (upper - lower))
	}
	if mean != 0 {
		r.Width = series.NaNToPending((upper - lower) / mean)
	}
	return r
}

func checkBollinger(n int, k float64) error {
	if err := checkPeriod("BB", "period", n, 2); err != nil {
		return err
	}
	if k <= 0 {
		return fmt.Errorf("%w: BB deviation multiplier must be positive, got %g", series.ErrInvalidParameter, k)
	}
	return nil
}

// Bollinger calculates bands k standard deviations around the n-period
// simple average.
func Bollinger[T series.Reusable](src []T, n int, k float64) ([]BollingerResult, error) {
	if err := checkBollinger(n, k); err != nil {
		return nil, err
	}
	get := sliceGetter(values(src))
	out := make([]BollingerResult, len(src))
	for i, item := range src {
		out[i] = bollingerAt(get, i, n, k)
		out[i].Timestamp = item.Time()
	}
	return out, nil
}

type bollingerStage[T series.Reusable] struct {
	n int
	k float64
}

func (s bollingerStage[T]) Name() string      { return fmt.Sprintf("BB(%d,%g)", s.n, s.k) }
func (s bollingerStage[T]) MinCacheSize() int { return s.n }

func (s bollingerStage[T]) Step(w hub.Window[T, BollingerResult], i int) (BollingerResult, error) {
	r := bollingerAt(viewGetter(w.Source), i, s.n, s.k)
	r.Timestamp = w.Source.At(i).Time()
	return r, nil
}

func (s bollingerStage[T]) Rollback(hub.Window[T, BollingerResult], time.Time) {}

// NewBollingerHub subscribes Bollinger bands to p.
func NewBollingerHub[T series.Reusable](p hub.Provider[T], n int, k float64) (*hub.Hub[T, BollingerResult], error) {
	if err := checkBollinger(n, k); err != nil {
		return nil, err
	}
	return hub.NewHub[T, BollingerResult](p, bollingerStage[T]{n: n, k: k})
}

// BollingerList is the buffer form of Bollinger.
type BollingerList struct {
	listBase[BollingerResult]
	n      int
	k      float64
	window *buffer.Window
}

// NewBollingerList creates an empty Bollinger buffer.
func NewBollingerList(n int, k float64) (*BollingerList, error) {
	if err := checkBollinger(n, k); err != nil {
		return nil, err
	}
	return &BollingerList{listBase: newListBase[BollingerResult](), n: n, k: k, window: buffer.NewWindow(n)}, nil
}

// Add appends one value.
func (l *BollingerList) Add(item series.Reusable) {
	l.window.Push(item.Value())
	r := bollingerAt(l.window.At, l.window.Len()-1, l.n, l.k)
	r.Timestamp = item.Time()
	l.list.Append(r)
}

// Clear drops results and buffered values.
func (l *BollingerList) Clear() {
	l.list.Clear()
	l.window.Reset()
}
