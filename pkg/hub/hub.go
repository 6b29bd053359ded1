package hub

import (
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"time"

	"github.com/tathienbao/indicator-hub/pkg/cache"
	"github.com/tathienbao/indicator-hub/pkg/series"
)

// Hub subscribes a Stage to one provider and owns the stage's results.
// It is itself a Provider, so hubs chain.
type Hub[In, Out series.Timed] struct {
	name     string
	provider Provider[In]
	stage    Stage[In, Out]
	cache    *cache.Cache[Out]
	settings Settings
	logger   *slog.Logger
	rec      Recorder

	subs       fanout[Out]
	phase      Phase
	err        error
	subscribed bool
	// stale is set by Clear; the next provider change recomputes everything.
	stale bool
}

// NewHub subscribes stage to p and computes results for everything p
// already holds.
func NewHub[In, Out series.Timed](p Provider[In], stage Stage[In, Out]) (*Hub[In, Out], error) {
	if p == nil || stage == nil {
		return nil, fmt.Errorf("%w: hub needs a provider and a stage", series.ErrInvalidParameter)
	}

	settings := p.Settings().withDefaults()
	if lb, ok := stage.(Lookback); ok {
		need := lb.MinCacheSize()
		if settings.MaxCacheSize > 0 && settings.MaxCacheSize <= need {
			return nil, fmt.Errorf("%w: %s needs max cache size above %d, got %d",
				series.ErrInvalidConfig, stage.Name(), need, settings.MaxCacheSize)
		}
		p.reserve(need)
	}

	h := &Hub[In, Out]{
		name:     stage.Name(),
		provider: p,
		stage:    stage,
		cache:    cache.New[Out](cache.Reject),
		settings: settings,
		logger:   settings.Logger.With("hub", stage.Name()),
		rec:      settings.Recorder,
	}

	if err := p.attach(h); err != nil {
		return nil, fmt.Errorf("subscribe %s to %s: %w", h.name, p.Name(), err)
	}
	h.subscribed = true

	if _, err := h.replay(0); err != nil {
		p.detach(h)
		h.subscribed = false
		return nil, fmt.Errorf("initialize %s: %w", h.name, err)
	}

	h.logger.Debug("hub subscribed", "provider", p.Name(), "results", h.cache.Len())
	return h, nil
}

// Name returns the stage name.
func (h *Hub[In, Out]) Name() string {
	return h.name
}

// Results returns a read-only view of the computed results.
func (h *Hub[In, Out]) Results() cache.View[Out] {
	return h.cache.View()
}

// Settings returns the settings inherited from the provider.
func (h *Hub[In, Out]) Settings() Settings {
	return h.settings
}

// Phase returns the current orchestrator state.
func (h *Hub[In, Out]) Phase() Phase {
	return h.phase
}

// Err returns the failure that faulted the hub, if any.
func (h *Hub[In, Out]) Err() error {
	return h.err
}

// Subscribed reports whether the hub is still attached to its provider.
func (h *Hub[In, Out]) Subscribed() bool {
	return h.subscribed
}

// Subscribers returns the number of downstream hubs.
func (h *Hub[In, Out]) Subscribers() int {
	return h.subs.len()
}

// Unsubscribe detaches from the provider and releases results and state.
// Downstream hubs are completed.
func (h *Hub[In, Out]) Unsubscribe() {
	if !h.subscribed {
		return
	}
	h.provider.detach(h)
	h.subscribed = false
	h.reset()
	h.subs.completed()
	h.logger.Debug("hub unsubscribed")
}

// Clear discards results and state but keeps the subscription.
// Downstream hubs are rebuilt against the now empty results. Results stay
// empty until the provider next changes, which recomputes them in full.
func (h *Hub[In, Out]) Clear() error {
	h.reset()
	h.err = nil
	h.stale = h.subscribed
	return h.subs.rebuild(time.Time{})
}

// Reinitialize recomputes every result from the provider's records and
// clears a previous fault.
func (h *Hub[In, Out]) Reinitialize() error {
	if !h.subscribed {
		return fmt.Errorf("%w: %s", series.ErrNotSubscribed, h.name)
	}
	h.reset()
	h.err = nil
	h.stale = false
	if _, err := h.replay(0); err != nil {
		return h.fault("reinitialize", err)
	}
	return h.subs.rebuild(time.Time{})
}

func (h *Hub[In, Out]) window() Window[In, Out] {
	return Window[In, Out]{Source: h.provider.Results(), Results: h.cache.View()}
}

func (h *Hub[In, Out]) reset() {
	h.stage.Rollback(h.window(), time.Time{})
	h.cache.Clear()
	h.phase = PhaseAppend
}

func (h *Hub[In, Out]) onAdd(item In, index int) error {
	if h.err != nil {
		return fmt.Errorf("%w: %s: %v", series.ErrFaulted, h.name, h.err)
	}
	if h.stale {
		return h.refill()
	}

	if last, ok := h.cache.Last(); ok && !item.Time().After(last.Time()) {
		return h.onRebuild(item.Time())
	}

	i, err := h.resolve(item, index)
	if err != nil {
		return h.fault("resolve", err)
	}

	h.phase = PhaseAppend
	out, err := h.step(i)
	if err != nil {
		return h.fault("step", err)
	}

	h.rec.RecordAppend(h.name)
	h.rec.RecordCacheSize(h.name, h.cache.Len())
	return h.subs.add(out, i)
}

func (h *Hub[In, Out]) onRebuild(from time.Time) error {
	if h.err != nil {
		return fmt.Errorf("%w: %s: %v", series.ErrFaulted, h.name, h.err)
	}
	if h.stale {
		return h.refill()
	}

	start := time.Now()
	h.phase = PhaseDisrupt
	h.stage.Rollback(h.window(), from)
	if i := h.cache.IndexAtOrAfter(from); i >= 0 {
		h.cache.Truncate(i)
	}

	replayed := 0
	if i := h.provider.Results().IndexAtOrAfter(from); i >= 0 {
		h.phase = PhaseRebuilding
		n, err := h.replay(i)
		if err != nil {
			return h.fault("rebuild", err)
		}
		replayed = n
	}
	h.phase = PhaseAppend

	duration := time.Since(start)
	h.rec.RecordRebuild(h.name, replayed, duration)
	h.rec.RecordCacheSize(h.name, h.cache.Len())
	h.logger.Debug("rebuilt",
		"from", from,
		"replayed", replayed,
		"duration", duration,
	)

	return h.subs.rebuild(from)
}

// refill recomputes a cleared hub from every provider record and rebuilds
// downstream hubs from the start.
func (h *Hub[In, Out]) refill() error {
	start := time.Now()
	h.reset()
	h.stale = false
	h.phase = PhaseRebuilding
	replayed, err := h.replay(0)
	if err != nil {
		return h.fault("rebuild", err)
	}
	h.phase = PhaseAppend

	h.rec.RecordRebuild(h.name, replayed, time.Since(start))
	h.rec.RecordCacheSize(h.name, h.cache.Len())
	h.logger.Debug("refilled after clear", "replayed", replayed)
	return h.subs.rebuild(time.Time{})
}

func (h *Hub[In, Out]) onPrune(through time.Time) {
	n := countThrough[Out](h.cache, through)
	if n == 0 {
		return
	}
	h.cache.PruneHead(n)
	if p, ok := h.stage.(Pruner); ok {
		p.Prune(n)
	}
	h.rec.RecordPrune(h.name, n)
	h.rec.RecordCacheSize(h.name, h.cache.Len())
	h.subs.prune(through)
}

func (h *Hub[In, Out]) onCompleted() {
	h.subscribed = false
	h.subs.completed()
}

func (h *Hub[In, Out]) attach(o Observer[Out]) error {
	return h.subs.attach(o)
}

func (h *Hub[In, Out]) detach(o Observer[Out]) {
	h.subs.detach(o)
}

func (h *Hub[In, Out]) reserve(n int) {
	h.provider.reserve(n)
}

// resolve trusts the index hint only if it points at the item.
func (h *Hub[In, Out]) resolve(item In, hint int) (int, error) {
	src := h.provider.Results()
	if hint >= 0 && hint < src.Len() && src.At(hint).Time().Equal(item.Time()) {
		return hint, nil
	}
	i, err := src.IndexOf(item.Time(), true)
	if err != nil {
		return -1, fmt.Errorf("%w: %s has no record at %s", series.ErrOutOfRange,
			h.provider.Name(), item.Time().Format(time.RFC3339Nano))
	}
	return i, nil
}

// replay steps every provider position from start to the tail.
func (h *Hub[In, Out]) replay(start int) (int, error) {
	src := h.provider.Results()
	n := 0
	for i := start; i < src.Len(); i++ {
		if _, err := h.step(i); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// step computes position i, which must be the next position of the cache.
func (h *Hub[In, Out]) step(i int) (Out, error) {
	var zero Out
	src := h.provider.Results()
	if i >= src.Len() || i != h.cache.Len() {
		return zero, fmt.Errorf("%w: %s asked for position %d with %d results and %d provider records",
			series.ErrOutOfRange, h.name, i, h.cache.Len(), src.Len())
	}

	out, err := h.compute(i)
	if err != nil {
		return zero, err
	}
	if !out.Time().Equal(src.At(i).Time()) {
		return zero, fmt.Errorf("%w: %s produced %s for provider record %s", series.ErrOutOfRange,
			h.name, out.Time().Format(time.RFC3339Nano), src.At(i).Time().Format(time.RFC3339Nano))
	}
	if err := h.cache.Append(out); err != nil {
		return zero, err
	}
	return out, nil
}

// compute runs the stage. A stage that indexes past data that has not been
// produced yet, such as a sibling's results, faults with ErrOutOfRange.
func (h *Hub[In, Out]) compute(i int) (out Out, err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		re, ok := r.(runtime.Error)
		if !ok || !strings.Contains(re.Error(), "index out of range") {
			panic(r)
		}
		err = fmt.Errorf("%w: %s read unsettled data at position %d: %v",
			series.ErrOutOfRange, h.name, i, re)
	}()
	return h.stage.Step(h.window(), i)
}

// fault records a failure. Nothing is published downstream.
func (h *Hub[In, Out]) fault(kind string, err error) error {
	h.err = err
	h.phase = PhaseAppend
	h.rec.RecordError(h.name, kind)
	h.logger.Error("hub faulted", "kind", kind, "err", err)
	return fmt.Errorf("%s %s: %w", kind, h.name, err)
}
