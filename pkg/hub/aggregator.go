package hub

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tathienbao/indicator-hub/pkg/cache"
	"github.com/tathienbao/indicator-hub/pkg/series"
)

// Aggregator groups quotes or ticks into bars of a fixed period. It emits
// one bar per period rather than one result per input, so its results are
// not position-aligned with its provider. A late or corrected input
// rebuilds bars from the bucket it falls into.
type Aggregator[In series.Timed] struct {
	name     string
	provider Provider[In]
	period   time.Duration
	open     func(bucket time.Time, item In) series.Quote
	merge    func(bar series.Quote, item In) series.Quote
	cache    *cache.Cache[series.Quote]
	settings Settings
	logger   *slog.Logger
	rec      Recorder

	subs       fanout[series.Quote]
	err        error
	subscribed bool
}

// NewAggregator subscribes to a quote provider and aggregates everything
// it holds.
func NewAggregator(p Provider[series.Quote], period time.Duration) (*Aggregator[series.Quote], error) {
	return newAggregator(p, period, "BARS", openQuote, mergeQuote)
}

// NewTickAggregator builds bars from a tick provider. Tick bars carry no
// volume.
func NewTickAggregator(p Provider[series.Tick], period time.Duration) (*Aggregator[series.Tick], error) {
	return newAggregator(p, period, "TICK-BARS", openTick, mergeTick)
}

func newAggregator[In series.Timed](p Provider[In], period time.Duration, kind string,
	open func(time.Time, In) series.Quote, merge func(series.Quote, In) series.Quote) (*Aggregator[In], error) {
	if p == nil {
		return nil, fmt.Errorf("%w: aggregator needs a provider", series.ErrInvalidParameter)
	}
	if period <= 0 {
		return nil, fmt.Errorf("%w: aggregation period must be positive, got %s",
			series.ErrInvalidParameter, period)
	}

	settings := p.Settings().withDefaults()
	name := fmt.Sprintf("%s(%s)", kind, period)
	a := &Aggregator[In]{
		name:     name,
		provider: p,
		period:   period,
		open:     open,
		merge:    merge,
		cache:    cache.New[series.Quote](cache.Reject),
		settings: settings,
		logger:   settings.Logger.With("hub", name),
		rec:      settings.Recorder,
	}

	if err := p.attach(a); err != nil {
		return nil, fmt.Errorf("subscribe %s to %s: %w", name, p.Name(), err)
	}
	a.subscribed = true
	if _, err := a.replay(0); err != nil {
		p.detach(a)
		a.subscribed = false
		return nil, fmt.Errorf("initialize %s: %w", name, err)
	}
	return a, nil
}

// Aggregate is the batch form of NewAggregator.
func Aggregate(quotes []series.Quote, period time.Duration) []series.Quote {
	return aggregate(quotes, period, openQuote, mergeQuote)
}

// AggregateTicks is the batch form of NewTickAggregator.
func AggregateTicks(ticks []series.Tick, period time.Duration) []series.Quote {
	return aggregate(ticks, period, openTick, mergeTick)
}

func aggregate[In series.Timed](items []In, period time.Duration,
	open func(time.Time, In) series.Quote, merge func(series.Quote, In) series.Quote) []series.Quote {
	var bars []series.Quote
	for _, item := range items {
		bucket := item.Time().Truncate(period)
		if n := len(bars); n > 0 && bars[n-1].Timestamp.Equal(bucket) {
			bars[n-1] = merge(bars[n-1], item)
			continue
		}
		bars = append(bars, open(bucket, item))
	}
	return bars
}

// Name returns the aggregator name.
func (a *Aggregator[In]) Name() string { return a.name }

// Results returns a read-only view of the bars.
func (a *Aggregator[In]) Results() cache.View[series.Quote] { return a.cache.View() }

// Settings returns the inherited settings.
func (a *Aggregator[In]) Settings() Settings { return a.settings }

// Err returns the failure that faulted the aggregator, if any.
func (a *Aggregator[In]) Err() error { return a.err }

// Unsubscribe detaches from the provider and drops every bar.
func (a *Aggregator[In]) Unsubscribe() {
	if !a.subscribed {
		return
	}
	a.provider.detach(a)
	a.subscribed = false
	a.cache.Clear()
	a.subs.completed()
}

func (a *Aggregator[In]) onAdd(item In, _ int) error {
	if a.err != nil {
		return fmt.Errorf("%w: %s: %v", series.ErrFaulted, a.name, a.err)
	}

	bucket := item.Time().Truncate(a.period)
	last, ok := a.cache.Last()

	switch {
	case !ok || bucket.After(last.Timestamp):
		bar := a.open(bucket, item)
		if err := a.cache.Append(bar); err != nil {
			return a.fault("append", err)
		}
		a.rec.RecordAppend(a.name)
		a.rec.RecordCacheSize(a.name, a.cache.Len())
		return a.subs.add(bar, a.cache.Len()-1)
	case bucket.Equal(last.Timestamp):
		// The open bar changed: subscribers recompute its position.
		a.cache.Truncate(a.cache.Len() - 1)
		if err := a.cache.Append(a.merge(last, item)); err != nil {
			return a.fault("append", err)
		}
		return a.subs.rebuild(bucket)
	default:
		return a.onRebuild(item.Time())
	}
}

func (a *Aggregator[In]) onRebuild(from time.Time) error {
	if a.err != nil {
		return fmt.Errorf("%w: %s: %v", series.ErrFaulted, a.name, a.err)
	}

	start := time.Now()
	bucket := from.Truncate(a.period)
	if i := a.cache.IndexAtOrAfter(bucket); i >= 0 {
		a.cache.Truncate(i)
	}

	replayed := 0
	if i := a.provider.Results().IndexAtOrAfter(bucket); i >= 0 {
		n, err := a.replay(i)
		if err != nil {
			return a.fault("rebuild", err)
		}
		replayed = n
	}
	a.rec.RecordRebuild(a.name, replayed, time.Since(start))
	a.rec.RecordCacheSize(a.name, a.cache.Len())
	return a.subs.rebuild(bucket)
}

// onPrune drops bars that lie entirely before the oldest retained quote.
// A bar that lost only some of its quotes is kept as aggregated.
func (a *Aggregator[In]) onPrune(through time.Time) {
	n := 0
	for n < a.cache.Len() && !a.cache.At(n).Timestamp.Add(a.period).After(through) {
		n++
	}
	if n == 0 {
		return
	}
	last := a.cache.At(n - 1).Timestamp
	a.cache.PruneHead(n)
	a.rec.RecordPrune(a.name, n)
	a.subs.prune(last)
}

func (a *Aggregator[In]) onCompleted() {
	a.subscribed = false
	a.subs.completed()
}

func (a *Aggregator[In]) attach(o Observer[series.Quote]) error { return a.subs.attach(o) }
func (a *Aggregator[In]) detach(o Observer[series.Quote])       { a.subs.detach(o) }
func (a *Aggregator[In]) reserve(n int)                         { a.provider.reserve(n) }

// replay folds provider quotes from position start into bars.
func (a *Aggregator[In]) replay(start int) (int, error) {
	src := a.provider.Results()
	n := 0
	for i := start; i < src.Len(); i++ {
		item := src.At(i)
		bucket := item.Time().Truncate(a.period)
		bar := a.open(bucket, item)
		if last, ok := a.cache.Last(); ok && last.Timestamp.Equal(bucket) {
			a.cache.Truncate(a.cache.Len() - 1)
			bar = a.merge(last, item)
		}
		if err := a.cache.Append(bar); err != nil {
			return n, fmt.Errorf("bar at %s: %w", bucket.Format(time.RFC3339), err)
		}
		n++
	}
	return n, nil
}

// fault records a failure. Nothing is published downstream.
func (a *Aggregator[In]) fault(kind string, err error) error {
	a.err = err
	a.rec.RecordError(a.name, kind)
	a.logger.Error("aggregator faulted", "kind", kind, "err", err)
	return fmt.Errorf("%s %s: %w", kind, a.name, err)
}

func openQuote(bucket time.Time, q series.Quote) series.Quote {
	return series.Quote{
		Timestamp: bucket,
		Open:      q.Open,
		High:      q.High,
		Low:       q.Low,
		Close:     q.Close,
		Volume:    q.Volume,
	}
}

func mergeQuote(bar, q series.Quote) series.Quote {
	if q.High.GreaterThan(bar.High) {
		bar.High = q.High
	}
	if q.Low.LessThan(bar.Low) {
		bar.Low = q.Low
	}
	bar.Close = q.Close
	bar.Volume = bar.Volume.Add(q.Volume)
	return bar
}

func openTick(bucket time.Time, t series.Tick) series.Quote {
	p := decimal.NewFromFloat(t.Price)
	return series.Quote{Timestamp: bucket, Open: p, High: p, Low: p, Close: p}
}

func mergeTick(bar series.Quote, t series.Tick) series.Quote {
	p := decimal.NewFromFloat(t.Price)
	if p.GreaterThan(bar.High) {
		bar.High = p
	}
	if p.LessThan(bar.Low) {
		bar.Low = p
	}
	bar.Close = p
	return bar
}
