package indicator

import (
	"fmt"
	"math"
	"time"

	"github.com/tathienbao/indicator-hub/pkg/buffer"
	"github.com/tathienbao/indicator-hub/pkg/hub"
	"github.com/tathienbao/indicator-hub/pkg/series"
)

// RSIResult is a relative strength index value in [0, 100].
type RSIResult struct {
	Timestamp time.Time
	RSI       series.Num
}

func (r RSIResult) Time() time.Time { return r.Timestamp }
func (r RSIResult) Value() float64  { return r.RSI.Float64() }
func (r RSIResult) Columns() []series.Column {
	return []series.Column{{Name: "rsi", Num: r.RSI}}
}

// rsiState holds the Wilder-smoothed average gain and loss.
type rsiState struct {
	avgGain float64
	avgLoss float64
	ready   bool
}

// RSI calculates Wilder's relative strength index of period n. The first
// value is at position n.
func RSI[T series.Reusable](src []T, n int) ([]RSIResult, error) {
	if err := checkPeriod("RSI", "period", n, 1); err != nil {
		return nil, err
	}
	get := sliceGetter(values(src))
	out := make([]RSIResult, len(src))
	var st rsiState
	for i, item := range src {
		var v series.Num
		st, v = rsiStep(get, i, n, st)
		out[i] = RSIResult{Timestamp: item.Time(), RSI: v}
	}
	return out, nil
}

func gainLoss(delta float64) (float64, float64) {
	if delta > 0 {
		return delta, 0
	}
	return 0, -delta
}

func rsiStep(get getter, i, n int, prev rsiState) (rsiState, series.Num) {
	fn := float64(n)
	if prev.ready {
		g, l := gainLoss(get(i) - get(i-1))
		st := rsiState{
			avgGain: (prev.avgGain*(fn-1) + g) / fn,
			avgLoss: (prev.avgLoss*(fn-1) + l) / fn,
			ready:   true,
		}
		return st, rsiValue(st)
	}
	if i < n {
		return rsiState{}, series.Pending
	}

	var sumGain, sumLoss float64
	for j := i - n + 1; j <= i; j++ {
		d := get(j) - get(j-1)
		if math.IsNaN(d) {
			return rsiState{}, series.Pending
		}
		g, l := gainLoss(d)
		sumGain += g
		sumLoss += l
	}
	st := rsiState{avgGain: sumGain / fn, avgLoss: sumLoss / fn, ready: true}
	return st, rsiValue(st)
}

func rsiValue(st rsiState) series.Num {
	if st.avgLoss == 0 {
		return series.Computed(100)
	}
	rs := st.avgGain / st.avgLoss
	return series.Computed(100 - 100/(1+rs))
}

// rsiStage keeps the smoothed averages per position; they cannot be
// recovered from the RSI value alone.
type rsiStage[T series.Reusable] struct {
	n     int
	state *hub.StateLog[rsiState]
}

func (s *rsiStage[T]) Name() string      { return fmt.Sprintf("RSI(%d)", s.n) }
func (s *rsiStage[T]) MinCacheSize() int { return s.n + 1 }

func (s *rsiStage[T]) Step(w hub.Window[T, RSIResult], i int) (RSIResult, error) {
	st, v := rsiStep(viewGetter(w.Source), i, s.n, s.state.Last())
	s.state.Push(st)
	return RSIResult{Timestamp: w.Source.At(i).Time(), RSI: v}, nil
}

func (s *rsiStage[T]) Rollback(w hub.Window[T, RSIResult], at time.Time) {
	hub.RollbackTo(s.state, w, at)
}

func (s *rsiStage[T]) Prune(n int) {
	s.state.Prune(n)
}

// NewRSIHub subscribes a relative strength index to p.
func NewRSIHub[T series.Reusable](p hub.Provider[T], n int) (*hub.Hub[T, RSIResult], error) {
	if err := checkPeriod("RSI", "period", n, 1); err != nil {
		return nil, err
	}
	return hub.NewHub[T, RSIResult](p, &rsiStage[T]{n: n, state: hub.NewStateLog(rsiState{})})
}

// RSIList is the buffer form of RSI.
type RSIList struct {
	listBase[RSIResult]
	n      int
	window *buffer.Window
	state  rsiState
}

// NewRSIList creates an empty RSI buffer.
func NewRSIList(n int) (*RSIList, error) {
	if err := checkPeriod("RSI", "period", n, 1); err != nil {
		return nil, err
	}
	return &RSIList{listBase: newListBase[RSIResult](), n: n, window: buffer.NewWindow(n + 1)}, nil
}

// Add appends one value.
func (l *RSIList) Add(item series.Reusable) {
	l.window.Push(item.Value())
	r := RSIResult{Timestamp: item.Time()}
	if l.state.ready || l.window.Full() {
		l.state, r.RSI = rsiStep(l.window.At, l.window.Len()-1, l.n, l.state)
	}
	l.list.Append(r)
}

// Clear drops results and state.
func (l *RSIList) Clear() {
	l.list.Clear()
	l.window.Reset()
	l.state = rsiState{}
}
