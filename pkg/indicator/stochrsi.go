package indicator

import (
	"fmt"
	"math"
	"time"

	"github.com/tathienbao/indicator-hub/pkg/buffer"
	"github.com/tathienbao/indicator-hub/pkg/hub"
	"github.com/tathienbao/indicator-hub/pkg/series"
)

// StochRSIResult is the stochastic oscillator applied to RSI.
type StochRSIResult struct {
	Timestamp time.Time
	StochRSI  series.Num
	Signal    series.Num
}

func (r StochRSIResult) Time() time.Time { return r.Timestamp }
func (r StochRSIResult) Value() float64  { return r.StochRSI.Float64() }
func (r StochRSIResult) Columns() []series.Column {
	return []series.Column{
		{Name: "stoch_rsi", Num: r.StochRSI},
		{Name: "signal", Num: r.Signal},
	}
}

// StochRSIParams configure StochRSI.
type StochRSIParams struct {
	RSIPeriod   int
	StochPeriod int
	Signal      int
	Smooth      int
}

// DefaultStochRSIParams returns the conventional 14/14/3/1.
func DefaultStochRSIParams() StochRSIParams {
	return StochRSIParams{RSIPeriod: 14, StochPeriod: 14, Signal: 3, Smooth: 1}
}

// Validate checks the periods.
func (p StochRSIParams) Validate() error {
	for _, c := range []struct {
		name string
		n    int
	}{
		{"rsi period", p.RSIPeriod},
		{"stoch period", p.StochPeriod},
		{"signal period", p.Signal},
		{"smooth period", p.Smooth},
	} {
		if err := checkPeriod("STOCHRSI", c.name, c.n, 1); err != nil {
			return err
		}
	}
	return nil
}

func (p StochRSIParams) lookbackSize() int { return p.StochPeriod + p.Smooth + p.Signal - 2 }

// rawStochRSIAt is Pending unless every RSI in the window is computed.
func rawStochRSIAt(rsiAt numGetter, i, n int) series.Num {
	if i < n-1 {
		return series.Pending
	}
	hi, lo := math.Inf(-1), math.Inf(1)
	for j := i - n + 1; j <= i; j++ {
		v, ok := rsiAt(j).Value()
		if !ok || math.IsNaN(v) {
			return series.Pending
		}
		hi = math.Max(hi, v)
		lo = math.Min(lo, v)
	}
	cur, _ := rsiAt(i).Value()
	return series.Computed(rawStoch(cur, hi, lo))
}

func stochRSIAt(rsiAt numGetter, i int, p StochRSIParams, kAt numGetter) StochRSIResult {
	var r StochRSIResult
	r.StochRSI = meanNums(func(j int) series.Num { return rawStochRSIAt(rsiAt, j, p.StochPeriod) }, i-p.Smooth+1, i)
	if r.StochRSI.IsPending() {
		return r
	}
	r.Signal = meanNums(func(j int) series.Num {
		if j == i {
			return r.StochRSI
		}
		return kAt(j)
	}, i-p.Signal+1, i)
	return r
}

func stochRSIFrom(rsi []RSIResult, p StochRSIParams) []StochRSIResult {
	out := make([]StochRSIResult, len(rsi))
	rsiAt := func(j int) series.Num { return rsi[j].RSI }
	kAt := func(j int) series.Num { return out[j].StochRSI }
	for i := range rsi {
		out[i] = stochRSIAt(rsiAt, i, p, kAt)
		out[i].Timestamp = rsi[i].Timestamp
	}
	return out
}

// StochRSI calculates the stochastic oscillator of the RSI of src.
func StochRSI[T series.Reusable](src []T, p StochRSIParams) ([]StochRSIResult, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	rsi, err := RSI(src, p.RSIPeriod)
	if err != nil {
		return nil, err
	}
	return stochRSIFrom(rsi, p), nil
}

type stochRSIStage struct {
	p StochRSIParams
}

func (s stochRSIStage) Name() string {
	return fmt.Sprintf("STOCHRSI(%d,%d,%d,%d)", s.p.RSIPeriod, s.p.StochPeriod, s.p.Signal, s.p.Smooth)
}

func (s stochRSIStage) MinCacheSize() int { return s.p.lookbackSize() }

func (s stochRSIStage) Step(w hub.Window[RSIResult, StochRSIResult], i int) (StochRSIResult, error) {
	rsiAt := func(j int) series.Num { return w.Source.At(j).RSI }
	kAt := func(j int) series.Num { return w.Results.At(j).StochRSI }
	r := stochRSIAt(rsiAt, i, s.p, kAt)
	r.Timestamp = w.Source.At(i).Timestamp
	return r, nil
}

func (s stochRSIStage) Rollback(hub.Window[RSIResult, StochRSIResult], time.Time) {}

// StochRSIHub is a StochRSI stage chained on its own RSI hub.
type StochRSIHub[T series.Reusable] struct {
	*hub.Hub[RSIResult, StochRSIResult]
	rsi *hub.Hub[T, RSIResult]
}

// NewStochRSIHub subscribes an RSI hub to p and a StochRSI stage to that
// RSI hub.
func NewStochRSIHub[T series.Reusable](p hub.Provider[T], params StochRSIParams) (*StochRSIHub[T], error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	rsi, err := NewRSIHub[T](p, params.RSIPeriod)
	if err != nil {
		return nil, err
	}
	h, err := hub.NewHub[RSIResult, StochRSIResult](rsi, stochRSIStage{p: params})
	if err != nil {
		rsi.Unsubscribe()
		return nil, err
	}
	return &StochRSIHub[T]{Hub: h, rsi: rsi}, nil
}

// RSI returns the intermediate RSI hub.
func (h *StochRSIHub[T]) RSI() *hub.Hub[T, RSIResult] { return h.rsi }

// Unsubscribe detaches both the StochRSI stage and its RSI hub.
func (h *StochRSIHub[T]) Unsubscribe() {
	h.Hub.Unsubscribe()
	h.rsi.Unsubscribe()
}

// StochRSIList is the buffer form of StochRSI. It owns an RSIList whose
// retained size follows its own.
type StochRSIList struct {
	listBase[StochRSIResult]
	p      StochRSIParams
	rsi    *RSIList
	ranges *buffer.Extremes
	raw    *buffer.Window
	ks     *buffer.Window
}

// NewStochRSIList creates an empty StochRSI buffer.
func NewStochRSIList(p StochRSIParams) (*StochRSIList, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	rsi, err := NewRSIList(p.RSIPeriod)
	if err != nil {
		return nil, err
	}
	l := &StochRSIList{
		listBase: newListBase[StochRSIResult](),
		p:        p,
		rsi:      rsi,
		ranges:   buffer.NewExtremes(p.StochPeriod),
		raw:      buffer.NewWindow(p.Smooth),
		ks:       buffer.NewWindow(p.Signal),
	}
	if err := l.list.Nest(rsi, p.lookbackSize()); err != nil {
		return nil, err
	}
	return l, nil
}

// RSI returns the nested RSI buffer.
func (l *StochRSIList) RSI() *RSIList { return l.rsi }

// Add appends one value.
func (l *StochRSIList) Add(item series.Reusable) {
	l.rsi.Add(item)
	last, _ := l.rsi.Last()

	r := StochRSIResult{Timestamp: item.Time()}
	v, ok := last.RSI.Value()
	if !ok || math.IsNaN(v) {
		l.ranges.Reset()
		l.raw.Reset()
		l.ks.Reset()
		l.list.Append(r)
		return
	}

	l.ranges.Push(v)
	if l.ranges.Full() {
		l.raw.Push(rawStoch(v, l.ranges.Max(), l.ranges.Min()))
	}
	if l.raw.Full() {
		k := l.raw.Sum() / float64(l.p.Smooth)
		r.StochRSI = series.Computed(k)
		l.ks.Push(k)
		if l.ks.Full() {
			r.Signal = series.Computed(l.ks.Sum() / float64(l.p.Signal))
		}
	}
	l.list.Append(r)
}

// Clear drops results, buffered values and the nested RSI buffer.
func (l *StochRSIList) Clear() {
	l.list.Clear()
	l.rsi.Clear()
	l.ranges.Reset()
	l.raw.Reset()
	l.ks.Reset()
}
