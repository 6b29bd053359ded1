package hub

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/tathienbao/indicator-hub/pkg/cache"
	"github.com/tathienbao/indicator-hub/pkg/series"
)

// maxRepeats is how many identical resends of one item in a row are
// tolerated before the source is considered runaway.
const maxRepeats = 100

// QuoteHub is the root of a hub tree. It owns the source records and is
// the only place where the sequence can be mutated.
type QuoteHub[T series.Comparable[T]] struct {
	name     string
	cache    *cache.Cache[T]
	settings Settings
	logger   *slog.Logger
	rec      Recorder
	subs     fanout[T]

	err      error
	ended    bool
	pruned   bool
	reserved int

	lastResend time.Time
	repeats    int
}

// NewQuoteHub creates an empty root.
func NewQuoteHub[T series.Comparable[T]](name string, settings Settings) (*QuoteHub[T], error) {
	if settings.MaxCacheSize < 0 {
		return nil, fmt.Errorf("%w: max cache size must not be negative, got %d",
			series.ErrInvalidConfig, settings.MaxCacheSize)
	}
	if settings.MaxCacheSize == 1 {
		return nil, fmt.Errorf("%w: max cache size must be 0 (unbounded) or at least 2",
			series.ErrInvalidConfig)
	}
	if name == "" {
		name = "quotes"
	}

	settings = settings.withDefaults()
	return &QuoteHub[T]{
		name:     name,
		cache:    cache.New[T](settings.Policy),
		settings: settings,
		logger:   settings.Logger.With("hub", name),
		rec:      settings.Recorder,
	}, nil
}

// Name returns the root name.
func (h *QuoteHub[T]) Name() string {
	return h.name
}

// Results returns a read-only view of the source records.
func (h *QuoteHub[T]) Results() cache.View[T] {
	return h.cache.View()
}

// Settings returns the tree-wide settings.
func (h *QuoteHub[T]) Settings() Settings {
	return h.settings
}

// Err returns the failure that faulted the root, if any.
func (h *QuoteHub[T]) Err() error {
	return h.err
}

// Subscribers returns the number of hubs attached to the root.
func (h *QuoteHub[T]) Subscribers() int {
	return h.subs.len()
}

// Add ingests an item. A new tail is appended; an older timestamp is a
// late arrival or a resend and triggers a rebuild from its position.
// The call returns after every subscriber has settled.
func (h *QuoteHub[T]) Add(item T) error {
	if err := h.admit(item); err != nil {
		return err
	}

	last, ok := h.cache.Last()
	if !ok || item.Time().After(last.Time()) {
		h.repeats = 0
		return h.append(item)
	}
	return h.disrupt(item)
}

// Insert ingests an item that may be out of order. It is Add under a
// name that documents intent at the call site.
func (h *QuoteHub[T]) Insert(item T) error {
	return h.Add(item)
}

// AddBatch adds items in order and stops at the first failure.
func (h *QuoteHub[T]) AddBatch(items []T) error {
	for i, item := range items {
		if err := h.Add(item); err != nil {
			return fmt.Errorf("item %d: %w", i, err)
		}
	}
	return nil
}

// Remove deletes the record at ts and rebuilds subscribers. Removing a
// timestamp that is not stored is a no-op and reports false.
func (h *QuoteHub[T]) Remove(ts time.Time) (bool, error) {
	if h.err != nil {
		return false, fmt.Errorf("%w: %s: %v", series.ErrFaulted, h.name, h.err)
	}
	if h.ended {
		return false, fmt.Errorf("%w: %s ended transmission", series.ErrNotSubscribed, h.name)
	}

	i, _ := h.cache.IndexOf(ts, false)
	if i < 0 {
		return false, nil
	}
	if err := h.protect(i); err != nil {
		return false, err
	}

	h.cache.RemoveByTimestamp(ts)
	h.repeats = 0
	h.logger.Debug("removed", "time", ts, "position", i)
	return true, h.rebuild(ts)
}

// EndTransmission completes every subscriber. The root accepts no more
// items afterwards.
func (h *QuoteHub[T]) EndTransmission() {
	if h.ended {
		return
	}
	h.ended = true
	h.subs.completed()
	h.logger.Debug("transmission ended", "records", h.cache.Len())
}

func (h *QuoteHub[T]) admit(item T) error {
	if any(item) == nil {
		return fmt.Errorf("%w: nil item", series.ErrInvalidItem)
	}
	if item.Time().IsZero() {
		return fmt.Errorf("%w: item has no timestamp", series.ErrInvalidItem)
	}
	if v, ok := any(item).(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	if h.err != nil {
		return fmt.Errorf("%w: %s: %v", series.ErrFaulted, h.name, h.err)
	}
	if h.ended {
		return fmt.Errorf("%w: %s ended transmission", series.ErrNotSubscribed, h.name)
	}
	return nil
}

func (h *QuoteHub[T]) append(item T) error {
	if limit := h.settings.MaxCacheSize; limit > 0 && h.cache.Len() >= limit {
		h.prune(h.cache.Len() - limit + 1)
	}
	if err := h.cache.Append(item); err != nil {
		return err
	}
	h.rec.RecordAppend(h.name)
	h.rec.RecordCacheSize(h.name, h.cache.Len())
	return h.subs.add(item, h.cache.Len()-1)
}

func (h *QuoteHub[T]) disrupt(item T) error {
	ts := item.Time()

	if i, _ := h.cache.IndexOf(ts, false); i >= 0 {
		if err := h.protect(i); err != nil {
			return err
		}
		if h.cache.At(i).Equal(item) {
			return h.resend(ts)
		}
		if h.cache.Policy() == cache.Reject {
			return fmt.Errorf("%w: %s already holds a different record at %s",
				series.ErrDuplicateKey, h.name, ts.Format(time.RFC3339Nano))
		}
	} else if first, ok := h.firstRetained(); ok && ts.Before(first) && (h.pruned || h.full()) {
		// The bound would evict the item as soon as it was stored.
		return fmt.Errorf("%w: %s is before the retained history of %s",
			series.ErrOutOfRange, ts.Format(time.RFC3339Nano), h.name)
	}

	pos, err := h.cache.InsertSorted(item)
	if err != nil {
		return err
	}
	if err := h.protect(pos); err != nil {
		h.cache.RemoveByTimestamp(ts)
		return err
	}
	h.repeats = 0

	if limit := h.settings.MaxCacheSize; limit > 0 && h.cache.Len() > limit {
		h.prune(h.cache.Len() - limit)
	}

	h.logger.Debug("late arrival", "time", ts, "position", pos)
	return h.rebuild(ts)
}

// resend handles an identical copy of a stored record.
func (h *QuoteHub[T]) resend(ts time.Time) error {
	if ts.Equal(h.lastResend) {
		h.repeats++
	} else {
		h.lastResend = ts
		h.repeats = 1
	}
	if h.repeats > maxRepeats {
		h.err = fmt.Errorf("%w: %d identical resends at %s", series.ErrOverflow,
			h.repeats, ts.Format(time.RFC3339Nano))
		h.rec.RecordError(h.name, "overflow")
		h.logger.Error("source faulted", "err", h.err)
		return h.err
	}
	return h.rebuild(ts)
}

func (h *QuoteHub[T]) rebuild(from time.Time) error {
	start := time.Now()
	err := h.subs.rebuild(from)
	h.rec.RecordRebuild(h.name, 0, time.Since(start))
	h.rec.RecordCacheSize(h.name, h.cache.Len())
	return err
}

func (h *QuoteHub[T]) prune(n int) {
	through := h.cache.At(n - 1).Time()
	h.cache.PruneHead(n)
	h.pruned = true
	h.rec.RecordPrune(h.name, n)
	h.subs.prune(through)
}

// protect refuses disruptions inside the history that subscribers need
// once the oldest records are gone.
func (h *QuoteHub[T]) protect(pos int) error {
	if h.pruned && pos < h.reserved {
		return fmt.Errorf("%w: position %d of %s is inside the reserved history of %d records",
			series.ErrOutOfRange, pos, h.name, h.reserved)
	}
	return nil
}

func (h *QuoteHub[T]) full() bool {
	limit := h.settings.MaxCacheSize
	return limit > 0 && h.cache.Len() >= limit
}

func (h *QuoteHub[T]) firstRetained() (time.Time, bool) {
	if h.cache.Len() == 0 {
		return time.Time{}, false
	}
	return h.cache.At(0).Time(), true
}

func (h *QuoteHub[T]) attach(o Observer[T]) error {
	if h.ended {
		return fmt.Errorf("%w: %s ended transmission", series.ErrNotSubscribed, h.name)
	}
	return h.subs.attach(o)
}

func (h *QuoteHub[T]) detach(o Observer[T]) {
	h.subs.detach(o)
}

func (h *QuoteHub[T]) reserve(n int) {
	if n > h.reserved {
		h.reserved = n
	}
}
