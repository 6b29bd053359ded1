package indicator

import (
	"fmt"
	"math"
	"time"

	"github.com/tathienbao/indicator-hub/pkg/buffer"
	"github.com/tathienbao/indicator-hub/pkg/hub"
	"github.com/tathienbao/indicator-hub/pkg/series"
)

// StochResult is a stochastic oscillator value.
type StochResult struct {
	Timestamp time.Time
	K         series.Num
	D         series.Num
	J         series.Num
}

func (r StochResult) Time() time.Time { return r.Timestamp }
func (r StochResult) Value() float64  { return r.K.Float64() }
func (r StochResult) Columns() []series.Column {
	return []series.Column{
		{Name: "k", Num: r.K},
		{Name: "d", Num: r.D},
		{Name: "j", Num: r.J},
	}
}

// StochParams configure the oscillator. Lookback is the high/low range,
// Smooth averages raw %K into %K, and Signal averages %K into %D.
type StochParams struct {
	Lookback int
	Signal   int
	Smooth   int
}

// DefaultStochParams returns the conventional 14/3/3.
func DefaultStochParams() StochParams {
	return StochParams{Lookback: 14, Signal: 3, Smooth: 3}
}

// Validate checks the periods.
func (p StochParams) Validate() error {
	if err := checkPeriod("STOCH", "lookback period", p.Lookback, 1); err != nil {
		return err
	}
	if err := checkPeriod("STOCH", "signal period", p.Signal, 1); err != nil {
		return err
	}
	return checkPeriod("STOCH", "smooth period", p.Smooth, 1)
}

func (p StochParams) lookbackSize() int { return p.Lookback + p.Smooth + p.Signal - 2 }

// rawStoch places c within [lo, hi] on a 0..100 scale. A flat range
// reads 0.
func rawStoch(c, hi, lo float64) float64 {
	if hi == lo {
		return 0
	}
	return 100 * (c - lo) / (hi - lo)
}

func rawStochAt(get barGetter, i, lookback int) series.Num {
	if i < lookback-1 {
		return series.Pending
	}
	hi, lo := math.Inf(-1), math.Inf(1)
	for j := i - lookback + 1; j <= i; j++ {
		b := get(j)
		hi = math.Max(hi, b.h)
		lo = math.Min(lo, b.l)
	}
	return series.NaNToPending(rawStoch(get(i).c, hi, lo))
}

// finishStoch fills %D and %J given %K at i and the %K history.
func finishStoch(r StochResult, kAt numGetter, i, signal int) StochResult {
	if r.K.IsPending() {
		return r
	}
	r.D = meanNums(kAt, i-signal+1, i)
	if k, ok := r.K.Value(); ok {
		if d, ok := r.D.Value(); ok {
			r.J = series.Computed(3*k - 2*d)
		}
	}
	return r
}

func stochAt(get barGetter, i int, p StochParams, kAt func(j int, cur series.Num) series.Num) StochResult {
	r := StochResult{Timestamp: get(i).t}
	r.K = meanNums(func(j int) series.Num { return rawStochAt(get, j, p.Lookback) }, i-p.Smooth+1, i)
	return finishStoch(r, func(j int) series.Num { return kAt(j, r.K) }, i, p.Signal)
}

// Stoch calculates the stochastic oscillator over quotes.
func Stoch(quotes []series.Quote, p StochParams) ([]StochResult, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	get := sliceBars(bars(quotes))
	out := make([]StochResult, len(quotes))
	for i := range quotes {
		out[i] = stochAt(get, i, p, func(j int, cur series.Num) series.Num {
			if j == i {
				return cur
			}
			return out[j].K
		})
	}
	return out, nil
}

type stochStage struct {
	p StochParams
}

func (s stochStage) Name() string {
	return fmt.Sprintf("STOCH(%d,%d,%d)", s.p.Lookback, s.p.Signal, s.p.Smooth)
}

func (s stochStage) MinCacheSize() int { return s.p.lookbackSize() }

func (s stochStage) Step(w hub.Window[series.Quote, StochResult], i int) (StochResult, error) {
	return stochAt(viewBars(w.Source), i, s.p, func(j int, cur series.Num) series.Num {
		if j == i {
			return cur
		}
		return w.Results.At(j).K
	}), nil
}

func (s stochStage) Rollback(hub.Window[series.Quote, StochResult], time.Time) {}

// NewStochHub subscribes a stochastic oscillator to a quote provider.
func NewStochHub(p hub.Provider[series.Quote], params StochParams) (*hub.Hub[series.Quote, StochResult], error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return hub.NewHub[series.Quote, StochResult](p, stochStage{p: params})
}

// StochList is the buffer form of Stoch.
type StochList struct {
	listBase[StochResult]
	p      StochParams
	ranges *buffer.Extremes
	raw    *buffer.Window
	ks     *buffer.Window
}

// NewStochList creates an empty stochastic buffer.
func NewStochList(p StochParams) (*StochList, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &StochList{
		listBase: newListBase[StochResult](),
		p:        p,
		ranges:   buffer.NewExtremes(p.Lookback),
		raw:      buffer.NewWindow(p.Smooth),
		ks:       buffer.NewWindow(p.Signal),
	}, nil
}

// Add appends one quote.
func (l *StochList) Add(q series.Quote) {
	b := barOf(q)
	l.ranges.PushRange(b.h, b.l)

	r := StochResult{Timestamp: b.t}
	if l.ranges.Full() {
		l.raw.Push(rawStoch(b.c, l.ranges.Max(), l.ranges.Min()))
	}
	if l.raw.Full() {
		r.K = series.NaNToPending(l.raw.Sum() / float64(l.p.Smooth))
	}
	if k, ok := r.K.Value(); ok {
		l.ks.Push(k)
		if l.ks.Full() {
			d := l.ks.Sum() / float64(l.p.Signal)
			r.D = series.Computed(d)
			r.J = series.Computed(3*k - 2*d)
		}
	}
	l.list.Append(r)
}

// Clear drops results and buffered values.
func (l *StochList) Clear() {
	l.list.Clear()
	l.ranges.Reset()
	l.raw.Reset()
	l.ks.Reset()
}
