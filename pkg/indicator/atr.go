package indicator

import (
	"fmt"
	"math"
	"time"

	"github.com/tathienbao/indicator-hub/pkg/buffer"
	"github.com/tathienbao/indicator-hub/pkg/hub"
	"github.com/tathienbao/indicator-hub/pkg/series"
)

// ATRResult is an average true range.
type ATRResult struct {
	Timestamp time.Time
	TR        series.Num
	ATR       series.Num
	ATRP      series.Num
}

func (r ATRResult) Time() time.Time { return r.Timestamp }
func (r ATRResult) Value() float64  { return r.ATR.Float64() }
func (r ATRResult) Columns() []series.Column {
	return []series.Column{
		{Name: "tr", Num: r.TR},
		{Name: "atr", Num: r.ATR},
		{Name: "atrp", Num: r.ATRP},
	}
}

func trueRange(cur, prev bar) float64 {
	return math.Max(cur.h-cur.l, math.Max(math.Abs(cur.h-prev.c), math.Abs(cur.l-prev.c)))
}

// atrStep uses Wilder smoothing, seeded with the mean true range of
// positions 1..n.
func atrStep(get barGetter, i, n int, prev series.Num) ATRResult {
	cur := get(i)
	r := ATRResult{Timestamp: cur.t}
	if i == 0 {
		return r
	}
	tr := trueRange(cur, get(i-1))
	r.TR = series.Computed(tr)

	if p, ok := prev.Value(); ok {
		r.ATR = series.Computed((p*float64(n-1) + tr) / float64(n))
	} else if i >= n {
		var sum float64
		for j := i - n + 1; j <= i; j++ {
			sum += trueRange(get(j), get(j-1))
		}
		r.ATR = series.Computed(sum / float64(n))
	}
	return withATRP(r, cur.c)
}

func withATRP(r ATRResult, c float64) ATRResult {
	if atr, ok := r.ATR.Value(); ok && c != 0 {
		r.ATRP = series.Computed(atr / c * 100)
	}
	return r
}

// ATR calculates the average true range of period n.
func ATR(quotes []series.Quote, n int) ([]ATRResult, error) {
	if err := checkPeriod("ATR", "period", n, 1); err != nil {
		return nil, err
	}
	get := sliceBars(bars(quotes))
	out := make([]ATRResult, len(quotes))
	prev := series.Pending
	for i := range quotes {
		out[i] = atrStep(get, i, n, prev)
		prev = out[i].ATR
	}
	return out, nil
}

type atrStage struct {
	n int
}

func (s atrStage) Name() string      { return fmt.Sprintf("ATR(%d)", s.n) }
func (s atrStage) MinCacheSize() int { return s.n + 1 }

func (s atrStage) Step(w hub.Window[series.Quote, ATRResult], i int) (ATRResult, error) {
	prev := series.Pending
	if i > 0 {
		prev = w.Results.At(i - 1).ATR
	}
	return atrStep(viewBars(w.Source), i, s.n, prev), nil
}

func (s atrStage) Rollback(hub.Window[series.Quote, ATRResult], time.Time) {}

// NewATRHub subscribes an average true range to a quote provider.
func NewATRHub(p hub.Provider[series.Quote], n int) (*hub.Hub[series.Quote, ATRResult], error) {
	if err := checkPeriod("ATR", "period", n, 1); err != nil {
		return nil, err
	}
	return hub.NewHub[series.Quote, ATRResult](p, atrStage{n: n})
}

// ATRList is the buffer form of ATR.
type ATRList struct {
	listBase[ATRResult]
	n      int
	ranges *buffer.Window
	prev   bar
	seen   bool
	atr    series.Num
}

// NewATRList creates an empty ATR buffer.
func NewATRList(n int) (*ATRList, error) {
	if err := checkPeriod("ATR", "period", n, 1); err != nil {
		return nil, err
	}
	return &ATRList{listBase: newListBase[ATRResult](), n: n, ranges: buffer.NewWindow(n)}, nil
}

// Add appends one quote.
func (l *ATRList) Add(q series.Quote) {
	cur := barOf(q)
	r := ATRResult{Timestamp: cur.t}
	if l.seen {
		tr := trueRange(cur, l.prev)
		l.ranges.Push(tr)
		r.TR = series.Computed(tr)
		if p, ok := l.atr.Value(); ok {
			r.ATR = series.Computed((p*float64(l.n-1) + tr) / float64(l.n))
		} else if l.ranges.Full() {
			r.ATR = series.Computed(l.ranges.Sum() / float64(l.n))
		}
		r = withATRP(r, cur.c)
	}
	l.prev, l.seen, l.atr = cur, true, r.ATR
	l.list.Append(r)
}

// Clear drops results and state.
func (l *ATRList) Clear() {
	l.list.Clear()
	l.ranges.Reset()
	l.prev, l.seen, l.atr = bar{}, false, series.Pending
}
