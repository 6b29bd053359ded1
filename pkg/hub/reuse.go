package hub

import (
	"time"

	"github.com/tathienbao/indicator-hub/pkg/cache"
	"github.com/tathienbao/indicator-hub/pkg/series"
)

// Reuse exposes a provider of chainable records as a provider of
// series.Reusable, so stages can be wired without knowing the concrete
// result type upstream.
func Reuse[T series.Reusable](p Provider[T]) Provider[series.Reusable] {
	if r, ok := any(p).(Provider[series.Reusable]); ok {
		return r
	}
	return &reused[T]{p: p, bridges: make(map[Observer[series.Reusable]]*bridge[T])}
}

type reused[T series.Reusable] struct {
	p       Provider[T]
	bridges map[Observer[series.Reusable]]*bridge[T]
}

func (r *reused[T]) Name() string                         { return r.p.Name() }
func (r *reused[T]) Settings() Settings                   { return r.p.Settings() }
func (r *reused[T]) Results() cache.View[series.Reusable] { return reusedView[T]{v: r.p.Results()} }
func (r *reused[T]) reserve(n int)                        { r.p.reserve(n) }

func (r *reused[T]) attach(o Observer[series.Reusable]) error {
	b := &bridge[T]{o: o}
	if err := r.p.attach(b); err != nil {
		return err
	}
	r.bridges[o] = b
	return nil
}

func (r *reused[T]) detach(o Observer[series.Reusable]) {
	if b, ok := r.bridges[o]; ok {
		r.p.detach(b)
		delete(r.bridges, o)
	}
}

// bridge forwards typed notifications to an untyped observer.
type bridge[T series.Reusable] struct {
	o Observer[series.Reusable]
}

func (b *bridge[T]) onAdd(item T, index int) error  { return b.o.onAdd(item, index) }
func (b *bridge[T]) onRebuild(from time.Time) error { return b.o.onRebuild(from) }
func (b *bridge[T]) onPrune(through time.Time)      { b.o.onPrune(through) }
func (b *bridge[T]) onCompleted()                   { b.o.onCompleted() }

type reusedView[T series.Reusable] struct {
	v cache.View[T]
}

func (v reusedView[T]) Len() int                        { return v.v.Len() }
func (v reusedView[T]) At(i int) series.Reusable        { return v.v.At(i) }
func (v reusedView[T]) IndexAtOrAfter(ts time.Time) int { return v.v.IndexAtOrAfter(ts) }

func (v reusedView[T]) IndexOf(ts time.Time, strict bool) (int, error) {
	return v.v.IndexOf(ts, strict)
}

func (v reusedView[T]) Last() (series.Reusable, bool) {
	item, ok := v.v.Last()
	if !ok {
		return nil, false
	}
	return item, true
}

func (v reusedView[T]) Items() []series.Reusable {
	items := v.v.Items()
	out := make([]series.Reusable, len(items))
	for i, item := range items {
		out[i] = item
	}
	return out
}
