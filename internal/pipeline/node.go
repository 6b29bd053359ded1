package pipeline

import (
	"fmt"

	"github.com/tathienbao/indicator-hub/internal/config"
	"github.com/tathienbao/indicator-hub/pkg/hub"
	"github.com/tathienbao/indicator-hub/pkg/indicator"
	"github.com/tathienbao/indicator-hub/pkg/series"
)

// chainable is a result that can feed a downstream indicator and be
// rendered by column.
type chainable interface {
	series.Reusable
	series.Row
}

// resultHub is what every stream node exposes, whatever its result type.
type resultHub[R series.Timed] interface {
	hub.Provider[R]
	Unsubscribe()
	Err() error
}

// port is the stream side of a node. quotes is set only for quote-shaped
// nodes (the root and bar aggregators).
type port struct {
	values hub.Provider[series.Reusable]
	quotes hub.Provider[series.Quote]
	rows   func() []series.Row
	stop   func()
	err    func() error
}

// batchPort is the batch side of a node.
type batchPort struct {
	quotes []series.Quote
	values []series.Reusable
	rows   []series.Row
}

func fromHub[R chainable](h resultHub[R]) *port {
	return &port{
		values: hub.Reuse[R](h),
		rows:   func() []series.Row { return toRows(h.Results().Items()) },
		stop:   h.Unsubscribe,
		err:    h.Err,
	}
}

func fromResults[R chainable](rs []R) *batchPort {
	values := make([]series.Reusable, len(rs))
	for i, r := range rs {
		values[i] = r
	}
	return &batchPort{values: values, rows: toRows(rs)}
}

func fromQuotes(quotes []series.Quote) *batchPort {
	b := fromResults(quotes)
	b.quotes = quotes
	return b
}

func toRows[R series.Row](items []R) []series.Row {
	rows := make([]series.Row, len(items))
	for i, r := range items {
		rows[i] = r
	}
	return rows
}

func stochParams(n config.NodeConfig) indicator.StochParams {
	d := indicator.DefaultStochParams()
	return indicator.StochParams{
		Lookback: n.Int("lookback", d.Lookback),
		Signal:   n.Int("signal", d.Signal),
		Smooth:   n.Int("smooth", d.Smooth),
	}
}

func stochRSIParams(n config.NodeConfig) indicator.StochRSIParams {
	d := indicator.DefaultStochRSIParams()
	return indicator.StochRSIParams{
		RSIPeriod:   n.Int("rsi_period", d.RSIPeriod),
		StochPeriod: n.Int("stoch_period", d.StochPeriod),
		Signal:      n.Int("signal", d.Signal),
		Smooth:      n.Int("smooth", d.Smooth),
	}
}

func macdParams(n config.NodeConfig) indicator.MACDParams {
	d := indicator.DefaultMACDParams()
	return indicator.MACDParams{
		Fast:   n.Int("fast", d.Fast),
		Slow:   n.Int("slow", d.Slow),
		Signal: n.Int("signal", d.Signal),
	}
}

// Default periods by node type.
var defaultPeriod = map[string]int{
	"sma":       20,
	"ema":       20,
	"rsi":       14,
	"atr":       14,
	"stddev":    20,
	"bollinger": 20,
}

func period(n config.NodeConfig) int {
	return n.Int("period", defaultPeriod[n.Type])
}

func needQuotes(n config.NodeConfig, quoteShaped bool) error {
	if !quoteShaped {
		return fmt.Errorf("%w: %s (%s) needs a quote source", series.ErrInvalidConfig, n.Name, n.Type)
	}
	return nil
}

// subscribe builds the stream hub for n on top of in.
func subscribe(n config.NodeConfig, in *port) (*port, error) {
	switch n.Type {
	case "sma":
		h, err := indicator.NewSMAHub[series.Reusable](in.values, period(n))
		if err != nil {
			return nil, err
		}
		return fromHub[indicator.SMAResult](h), nil
	case "ema":
		h, err := indicator.NewEMAHub[series.Reusable](in.values, period(n))
		if err != nil {
			return nil, err
		}
		return fromHub[indicator.EMAResult](h), nil
	case "rsi":
		h, err := indicator.NewRSIHub[series.Reusable](in.values, period(n))
		if err != nil {
			return nil, err
		}
		return fromHub[indicator.RSIResult](h), nil
	case "macd":
		h, err := indicator.NewMACDHub[series.Reusable](in.values, macdParams(n))
		if err != nil {
			return nil, err
		}
		return fromHub[indicator.MACDResult](h), nil
	case "stddev":
		h, err := indicator.NewStdDevHub[series.Reusable](in.values, period(n))
		if err != nil {
			return nil, err
		}
		return fromHub[indicator.StdDevResult](h), nil
	case "bollinger":
		h, err := indicator.NewBollingerHub[series.Reusable](in.values, period(n), n.Float("k", 2))
		if err != nil {
			return nil, err
		}
		return fromHub[indicator.BollingerResult](h), nil
	case "stochrsi":
		h, err := indicator.NewStochRSIHub[series.Reusable](in.values, stochRSIParams(n))
		if err != nil {
			return nil, err
		}
		return fromHub[indicator.StochRSIResult](h), nil
	case "atr":
		if err := needQuotes(n, in.quotes != nil); err != nil {
			return nil, err
		}
		h, err := indicator.NewATRHub(in.quotes, period(n))
		if err != nil {
			return nil, err
		}
		return fromHub[indicator.ATRResult](h), nil
	case "stoch":
		if err := needQuotes(n, in.quotes != nil); err != nil {
			return nil, err
		}
		h, err := indicator.NewStochHub(in.quotes, stochParams(n))
		if err != nil {
			return nil, err
		}
		return fromHub[indicator.StochResult](h), nil
	case "bars":
		if err := needQuotes(n, in.quotes != nil); err != nil {
			return nil, err
		}
		a, err := hub.NewAggregator(in.quotes, n.Interval)
		if err != nil {
			return nil, err
		}
		return &port{
			values: hub.Reuse[series.Quote](a),
			quotes: a,
			rows:   func() []series.Row { return toRows(a.Results().Items()) },
			stop:   a.Unsubscribe,
			err:    a.Err,
		}, nil
	}
	return nil, fmt.Errorf("%w: unknown node type %q", series.ErrInvalidConfig, n.Type)
}

// compute is the batch counterpart of subscribe.
func compute(n config.NodeConfig, in *batchPort) (*batchPort, error) {
	switch n.Type {
	case "sma":
		rs, err := indicator.SMA(in.values, period(n))
		if err != nil {
			return nil, err
		}
		return fromResults(rs), nil
	case "ema":
		rs, err := indicator.EMA(in.values, period(n))
		if err != nil {
			return nil, err
		}
		return fromResults(rs), nil
	case "rsi":
		rs, err := indicator.RSI(in.values, period(n))
		if err != nil {
			return nil, err
		}
		return fromResults(rs), nil
	case "macd":
		rs, err := indicator.MACD(in.values, macdParams(n))
		if err != nil {
			return nil, err
		}
		return fromResults(rs), nil
	case "stddev":
		rs, err := indicator.StdDev(in.values, period(n))
		if err != nil {
			return nil, err
		}
		return fromResults(rs), nil
	case "bollinger":
		rs, err := indicator.Bollinger(in.values, period(n), n.Float("k", 2))
		if err != nil {
			return nil, err
		}
		return fromResults(rs), nil
	case "stochrsi":
		rs, err := indicator.StochRSI(in.values, stochRSIParams(n))
		if err != nil {
			return nil, err
		}
		return fromResults(rs), nil
	case "atr":
		if err := needQuotes(n, in.quotes != nil); err != nil {
			return nil, err
		}
		rs, err := indicator.ATR(in.quotes, period(n))
		if err != nil {
			return nil, err
		}
		return fromResults(rs), nil
	case "stoch":
		if err := needQuotes(n, in.quotes != nil); err != nil {
			return nil, err
		}
		rs, err := indicator.Stoch(in.quotes, stochParams(n))
		if err != nil {
			return nil, err
		}
		return fromResults(rs), nil
	case "bars":
		if err := needQuotes(n, in.quotes != nil); err != nil {
			return nil, err
		}
		if n.Interval <= 0 {
			return nil, fmt.Errorf("%w: aggregation period must be positive, got %s",
				series.ErrInvalidParameter, n.Interval)
		}
		return fromQuotes(hub.Aggregate(in.quotes, n.Interval)), nil
	}
	return nil, fmt.Errorf("%w: unknown node type %q", series.ErrInvalidConfig, n.Type)
}
