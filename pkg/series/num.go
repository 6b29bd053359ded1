package series

import (
	"fmt"
	"math"
	"strconv"
)

// Num is an indicator field that is either Pending (warmup, not enough
// history yet) or Computed. A Computed NaN is a different outcome from
// Pending and compares unequal to it.
type Num struct {
	v  float64
	ok bool
}

// Pending is the warmup value. It is also the zero value of Num.
var Pending = Num{}

// Computed wraps a calculated value.
func Computed(v float64) Num {
	return Num{v: v, ok: true}
}

// NaNToPending maps a not-a-number outcome to Pending.
// Use it where a formula declares the value undefined, e.g. a zero range.
func NaNToPending(v float64) Num {
	if math.IsNaN(v) {
		return Pending
	}
	return Computed(v)
}

// Value returns the value and whether it was computed.
func (n Num) Value() (float64, bool) {
	return n.v, n.ok
}

// IsPending reports whether the value is still in warmup.
func (n Num) IsPending() bool {
	return !n.ok
}

// Float64 returns the value, or NaN while pending.
func (n Num) Float64() float64 {
	if !n.ok {
		return math.NaN()
	}
	return n.v
}

// Equal compares two values at full precision.
func (n Num) Equal(o Num) bool {
	if n.ok != o.ok {
		return false
	}
	if !n.ok {
		return true
	}
	if math.IsNaN(n.v) {
		return math.IsNaN(o.v)
	}
	return n.v == o.v
}

// String formats the value with full precision.
func (n Num) String() string {
	if !n.ok {
		return "pending"
	}
	return strconv.FormatFloat(n.v, 'g', -1, 64)
}

// ParseNum is the inverse of String.
func ParseNum(s string) (Num, error) {
	if s == "pending" || s == "" {
		return Pending, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return Pending, fmt.Errorf("%w: parse number %q", ErrInvalidData, s)
	}
	return Computed(v), nil
}
