package hub

import (
	"time"

	"github.com/tathienbao/indicator-hub/pkg/cache"
	"github.com/tathienbao/indicator-hub/pkg/series"
)

// Window is everything a Stage may read: its provider's records and its
// own results. Results holds exactly the positions before the one being
// computed.
type Window[In, Out series.Timed] struct {
	Source  cache.View[In]
	Results cache.View[Out]
}

// Stage computes one result per provider record.
type Stage[In, Out series.Timed] interface {
	// Name identifies the stage in logs and metrics, e.g. "EMA(20)".
	Name() string

	// Step computes the result for the provider record at position i.
	// While history is insufficient the result carries Pending fields.
	Step(w Window[In, Out], i int) (Out, error)

	// Rollback restores private state to what it was immediately before
	// the first result at or after at. It must be idempotent; a time before
	// all data resets the stage and a time after the tail is a no-op.
	Rollback(w Window[In, Out], at time.Time)
}

// Pruner is implemented by stages whose private state must shrink in
// lockstep with their cache.
type Pruner interface {
	Prune(n int)
}

// Lookback is implemented by stages that need a minimum retained history.
type Lookback interface {
	MinCacheSize() int
}

// StateLog keeps one accumulator snapshot per cached position, for stages
// whose state cannot be recovered from their own prior results.
type StateLog[S any] struct {
	initial S
	states  []S
}

// NewStateLog creates a log whose state before any position is initial.
func NewStateLog[S any](initial S) *StateLog[S] {
	return &StateLog[S]{initial: initial}
}

// Len returns the number of recorded positions.
func (l *StateLog[S]) Len() int {
	return len(l.states)
}

// Push records the state left behind by the next position.
func (l *StateLog[S]) Push(s S) {
	l.states = append(l.states, s)
}

// Last returns the state after the newest position.
func (l *StateLog[S]) Last() S {
	if len(l.states) == 0 {
		return l.initial
	}
	return l.states[len(l.states)-1]
}

// At returns the state after position i.
func (l *StateLog[S]) At(i int) S {
	return l.states[i]
}

// Truncate keeps the states of the first n positions.
func (l *StateLog[S]) Truncate(n int) {
	if n < 0 {
		n = 0
	}
	if n < len(l.states) {
		l.states = l.states[:n]
	}
}

// RollbackTo truncates the log to match the results that precede at.
func RollbackTo[In, Out series.Timed, S any](l *StateLog[S], w Window[In, Out], at time.Time) {
	if i := w.Results.IndexAtOrAfter(at); i >= 0 {
		l.Truncate(i)
	}
}

// Prune drops the n oldest states. The state after the last dropped
// position becomes the new initial state.
func (l *StateLog[S]) Prune(n int) {
	if n <= 0 {
		return
	}
	if n > len(l.states) {
		n = len(l.states)
	}
	if n > 0 {
		l.initial = l.states[n-1]
	}
	l.states = append(l.states[:0], l.states[n:]...)
}

// Reset forgets every position and restores the given initial state.
func (l *StateLog[S]) Reset(initial S) {
	l.initial = initial
	l.states = nil
}
