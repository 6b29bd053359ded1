package indicator

import (
	"fmt"
	"time"

	"github.com/tathienbao/indicator-hub/pkg/buffer"
	"github.com/tathienbao/indicator-hub/pkg/hub"
	"github.com/tathienbao/indicator-hub/pkg/series"
)

// MACDResult is a moving average convergence/divergence value.
type MACDResult struct {
	Timestamp time.Time
	MACD      series.Num
	Signal    series.Num
	Histogram series.Num
	FastEMA   series.Num
	SlowEMA   series.Num
}

func (r MACDResult) Time() time.Time { return r.Timestamp }
func (r MACDResult) Value() float64  { return r.MACD.Float64() }
func (r MACDResult) Columns() []series.Column {
	return []series.Column{
		{Name: "macd", Num: r.MACD},
		{Name: "signal", Num: r.Signal},
		{Name: "histogram", Num: r.Histogram},
		{Name: "fast_ema", Num: r.FastEMA},
		{Name: "slow_ema", Num: r.SlowEMA},
	}
}

// MACDParams are the three MACD periods.
type MACDParams struct {
	Fast   int
	Slow   int
	Signal int
}

// DefaultMACDParams returns the conventional 12/26/9.
func DefaultMACDParams() MACDParams {
	return MACDParams{Fast: 12, Slow: 26, Signal: 9}
}

// Validate checks the periods.
func (p MACDParams) Validate() error {
	if err := checkPeriod("MACD", "fast period", p.Fast, 1); err != nil {
		return err
	}
	if err := checkPeriod("MACD", "signal period", p.Signal, 1); err != nil {
		return err
	}
	if p.Slow <= p.Fast {
		return fmt.Errorf("%w: MACD slow period %d must be greater than fast period %d",
			series.ErrInvalidParameter, p.Slow, p.Fast)
	}
	return nil
}

// macdStep computes position i. prev is the result at i-1 and macdAt
// returns the MACD line at earlier positions.
func macdStep(get getter, i int, p MACDParams, prev MACDResult, macdAt numGetter) MACDResult {
	r := MACDResult{
		FastEMA: emaStep(get, i, p.Fast, 0, prev.FastEMA),
		SlowEMA: emaStep(get, i, p.Slow, 0, prev.SlowEMA),
	}
	fast, fok := r.FastEMA.Value()
	slow, sok := r.SlowEMA.Value()
	if !fok || !sok {
		return r
	}
	r.MACD = series.Computed(fast - slow)

	line := func(j int) float64 {
		if j == i {
			return fast - slow
		}
		return macdAt(j).Float64()
	}
	r.Signal = emaStep(line, i, p.Signal, p.Slow-1, prev.Signal)
	if sig, ok := r.Signal.Value(); ok {
		r.Histogram = series.Computed(fast - slow - sig)
	}
	return r
}

// MACD calculates the MACD line, its signal line and histogram.
func MACD[T series.Reusable](src []T, p MACDParams) ([]MACDResult, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	get := sliceGetter(values(src))
	out := make([]MACDResult, len(src))
	macdAt := func(j int) series.Num { return out[j].MACD }
	var prev MACDResult
	for i, item := range src {
		r := macdStep(get, i, p, prev, macdAt)
		r.Timestamp = item.Time()
		out[i] = r
		prev = r
	}
	return out, nil
}

type macdStage[T series.Reusable] struct {
	p MACDParams
}

func (s macdStage[T]) Name() string {
	return fmt.Sprintf("MACD(%d,%d,%d)", s.p.Fast, s.p.Slow, s.p.Signal)
}

func (s macdStage[T]) MinCacheSize() int { return s.p.Slow + s.p.Signal }

func (s macdStage[T]) Step(w hub.Window[T, MACDResult], i int) (MACDResult, error) {
	var prev MACDResult
	if i > 0 {
		prev = w.Results.At(i - 1)
	}
	macdAt := func(j int) series.Num { return w.Results.At(j).MACD }
	r := macdStep(viewGetter(w.Source), i, s.p, prev, macdAt)
	r.Timestamp = w.Source.At(i).Time()
	return r, nil
}

func (s macdStage[T]) Rollback(hub.Window[T, MACDResult], time.Time) {}

// NewMACDHub subscribes a MACD to p.
func NewMACDHub[T series.Reusable](p hub.Provider[T], params MACDParams) (*hub.Hub[T, MACDResult], error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return hub.NewHub[T, MACDResult](p, macdStage[T]{p: params})
}

// MACDList is the buffer form of MACD.
type MACDList struct {
	listBase[MACDResult]
	p     MACDParams
	fast  *buffer.Window
	slow  *buffer.Window
	lines *buffer.Window
	prev  MACDResult
}

// NewMACDList creates an empty MACD buffer.
func NewMACDList(p MACDParams) (*MACDList, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &MACDList{
		listBase: newListBase[MACDResult](),
		p:        p,
		fast:     buffer.NewWindow(p.Fast),
		slow:     buffer.NewWindow(p.Slow),
		lines:    buffer.NewWindow(p.Signal),
	}, nil
}

// Add appends one value.
func (l *MACDList) Add(item series.Reusable) {
	v := item.Value()
	l.fast.Push(v)
	l.slow.Push(v)

	r := MACDResult{
		Timestamp: item.Time(),
		FastEMA:   emaNext(l.fast, l.p.Fast, l.prev.FastEMA),
		SlowEMA:   emaNext(l.slow, l.p.Slow, l.prev.SlowEMA),
	}
	fast, fok := r.FastEMA.Value()
	slow, sok := r.SlowEMA.Value()
	if fok && sok {
		r.MACD = series.Computed(fast - slow)
	}
	// The signal line reads every position from the slow seed on.
	if l.slow.Full() {
		l.lines.Push(r.MACD.Float64())
	}
	if fok && sok {
		r.Signal = emaNext(l.lines, l.p.Signal, l.prev.Signal)
		if sig, ok := r.Signal.Value(); ok {
			r.Histogram = series.Computed(fast - slow - sig)
		}
	}

	l.prev = r
	l.list.Append(r)
}

// Clear drops results and state.
func (l *MACDList) Clear() {
	l.list.Clear()
	l.fast.Reset()
	l.slow.Reset()
	l.lines.Reset()
	l.prev = MACDResult{}
}
