// Package hub implements incremental recomputation of indicator chains.
//
// A QuoteHub is the root of a tree. Every other hub is built on exactly one
// existing Provider and computes its results through a Stage. Mutations of
// the root (append, late insert, resend, delete) propagate depth-first and
// synchronously: a call to Add, Insert or Remove returns only after every
// hub below the root has settled. At that point each hub's Results equal a
// batch recomputation over the root's current items.
//
// Providers and observers are sealed to this package. The only way to feed
// a hub is through its provider, and the only data a Stage can see is the
// Window over its own provider and its own results.
package hub

import (
	"errors"
	"log/slog"
	"time"

	"github.com/tathienbao/indicator-hub/pkg/cache"
	"github.com/tathienbao/indicator-hub/pkg/series"
)

// Phase is the orchestrator state of a hub.
type Phase int

const (
	// PhaseAppend is the steady state: new items extend the tail.
	PhaseAppend Phase = iota
	// PhaseDisrupt means a mutation touched a position at or before the tail.
	PhaseDisrupt
	// PhaseRebuilding means the hub is replaying its stage.
	PhaseRebuilding
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case PhaseAppend:
		return "append"
	case PhaseDisrupt:
		return "disrupt"
	case PhaseRebuilding:
		return "rebuilding"
	default:
		return "unknown"
	}
}

// Recorder receives engine instrumentation.
type Recorder interface {
	RecordAppend(hub string)
	RecordRebuild(hub string, replayed int, duration time.Duration)
	RecordPrune(hub string, removed int)
	RecordCacheSize(hub string, size int)
	RecordError(hub, kind string)
}

type nopRecorder struct{}

func (nopRecorder) RecordAppend(string)                      {}
func (nopRecorder) RecordRebuild(string, int, time.Duration) {}
func (nopRecorder) RecordPrune(string, int)                  {}
func (nopRecorder) RecordCacheSize(string, int)              {}
func (nopRecorder) RecordError(string, string)               {}

// Settings are set on the root and inherited by every subscriber.
type Settings struct {
	// MaxCacheSize bounds every cache in the tree. Zero means unbounded.
	MaxCacheSize int
	// Policy decides how a resend with a different payload is handled.
	Policy   cache.Policy
	Logger   *slog.Logger
	Recorder Recorder
}

func (s Settings) withDefaults() Settings {
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	if s.Recorder == nil {
		s.Recorder = nopRecorder{}
	}
	return s
}

// Observer receives notifications from its provider.
type Observer[T series.Timed] interface {
	// onAdd reports an append at position index.
	onAdd(item T, index int) error
	// onRebuild reports that the provider changed at or after from.
	onRebuild(from time.Time) error
	// onPrune reports that records at or before through were dropped.
	onPrune(through time.Time)
	onCompleted()
}

// Provider exposes an ordered cache to subscribers.
type Provider[T series.Timed] interface {
	Name() string
	Results() cache.View[T]
	Settings() Settings

	attach(o Observer[T]) error
	detach(o Observer[T])
	// reserve asks the root to keep n positions of history out of reach of
	// disruptions once pruning has started.
	reserve(n int)
}

// fanout is an ordered subscriber list. Notifications go out in
// subscription order; a failing branch does not stop its siblings.
type fanout[T series.Timed] struct {
	observers []Observer[T]
}

func (f *fanout[T]) attach(o Observer[T]) error {
	for _, existing := range f.observers {
		if existing == o {
			return errors.New("observer already subscribed")
		}
	}
	f.observers = append(f.observers, o)
	return nil
}

func (f *fanout[T]) detach(o Observer[T]) {
	for i, existing := range f.observers {
		if existing == o {
			f.observers = append(f.observers[:i:i], f.observers[i+1:]...)
			return
		}
	}
}

func (f *fanout[T]) len() int {
	return len(f.observers)
}

func (f *fanout[T]) snapshot() []Observer[T] {
	return append([]Observer[T](nil), f.observers...)
}

func (f *fanout[T]) add(item T, index int) error {
	var errs []error
	for _, o := range f.snapshot() {
		if err := o.onAdd(item, index); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *fanout[T]) rebuild(from time.Time) error {
	var errs []error
	for _, o := range f.snapshot() {
		if err := o.onRebuild(from); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *fanout[T]) prune(through time.Time) {
	for _, o := range f.snapshot() {
		o.onPrune(through)
	}
}

func (f *fanout[T]) completed() {
	observers := f.snapshot()
	f.observers = nil
	for _, o := range observers {
		o.onCompleted()
	}
}

// countThrough returns how many leading records are at or before ts.
func countThrough[T series.Timed](v cache.View[T], ts time.Time) int {
	i := v.IndexAtOrAfter(ts)
	switch {
	case i < 0:
		return v.Len()
	case v.At(i).Time().Equal(ts):
		return i + 1
	default:
		return i
	}
}
