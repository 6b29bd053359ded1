// Package series defines the timestamped records that flow through the
// indicator engine: input quotes, result rows and the warmup-aware Num.
package series

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Timed is anything keyed by a timestamp.
type Timed interface {
	Time() time.Time
}

// Reusable is a timed record that carries a single chainable value.
// Results still in warmup chain as NaN.
type Reusable interface {
	Timed
	Value() float64
}

// Comparable is implemented by source items so a resend can be told apart
// from a correction.
type Comparable[T any] interface {
	Timed
	Equal(other T) bool
}

// Column is one named field of a result row.
type Column struct {
	Name string
	Num  Num
}

// Row is a result that can be rendered or stored column by column.
type Row interface {
	Timed
	Columns() []Column
}

// Quote is one OHLCV bar.
type Quote struct {
	Timestamp time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
}

// Time returns the bar timestamp.
func (q Quote) Time() time.Time { return q.Timestamp }

// Value returns the close price.
func (q Quote) Value() float64 { return q.Close.InexactFloat64() }

// Equal reports whether both bars carry the same timestamp and prices.
func (q Quote) Equal(o Quote) bool {
	return q.Timestamp.Equal(o.Timestamp) &&
		q.Open.Equal(o.Open) &&
		q.High.Equal(o.High) &&
		q.Low.Equal(o.Low) &&
		q.Close.Equal(o.Close) &&
		q.Volume.Equal(o.Volume)
}

// Validate checks the bar for obviously broken data.
func (q Quote) Validate() error {
	if q.Timestamp.IsZero() {
		return fmt.Errorf("%w: quote has no timestamp", ErrInvalidItem)
	}
	if q.High.LessThan(q.Low) {
		return fmt.Errorf("%w: high %s below low %s at %s",
			ErrInvalidData, q.High, q.Low, q.Timestamp.Format(time.RFC3339))
	}
	if q.Close.IsNegative() || q.Low.IsNegative() {
		return fmt.Errorf("%w: negative price at %s", ErrInvalidData, q.Timestamp.Format(time.RFC3339))
	}
	return nil
}

// Columns implements Row.
func (q Quote) Columns() []Column {
	return []Column{
		{Name: "open", Num: Computed(q.Open.InexactFloat64())},
		{Name: "high", Num: Computed(q.High.InexactFloat64())},
		{Name: "low", Num: Computed(q.Low.InexactFloat64())},
		{Name: "close", Num: Computed(q.Close.InexactFloat64())},
		{Name: "volume", Num: Computed(q.Volume.InexactFloat64())},
	}
}

// Tick is a bare timestamped value, used for scalar sources.
type Tick struct {
	Timestamp time.Time
	Price     float64
}

// Time returns the tick timestamp.
func (t Tick) Time() time.Time { return t.Timestamp }

// Value returns the price.
func (t Tick) Value() float64 { return t.Price }

// Equal reports whether both ticks are identical.
func (t Tick) Equal(o Tick) bool {
	return t.Timestamp.Equal(o.Timestamp) && t.Price == o.Price
}

// Columns implements Row.
func (t Tick) Columns() []Column {
	return []Column{{Name: "value", Num: Computed(t.Price)}}
}

// RowsEqual compares two rows column by column.
func RowsEqual(a, b Row) bool {
	if !a.Time().Equal(b.Time()) {
		return false
	}
	ca, cb := a.Columns(), b.Columns()
	if len(ca) != len(cb) {
		return false
	}
	for i := range ca {
		if ca[i].Name != cb[i].Name || !ca[i].Num.Equal(cb[i].Num) {
			return false
		}
	}
	return true
}
