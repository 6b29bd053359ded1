// Package cache holds the ordered, unique-key record sequence every hub
// owns. Timestamps are strictly increasing; positions are dense.
package cache

import (
	"fmt"
	"sort"
	"time"

	"github.com/tathienbao/indicator-hub/pkg/series"
)

// Policy decides what InsertSorted does with an existing timestamp.
type Policy int

const (
	// Reject fails with series.ErrDuplicateKey.
	Reject Policy = iota
	// Replace overwrites the stored record in place.
	Replace
)

// String returns the policy name used in configuration.
func (p Policy) String() string {
	switch p {
	case Reject:
		return "reject"
	case Replace:
		return "replace"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParsePolicy parses a policy name.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "reject", "":
		return Reject, nil
	case "replace":
		return Replace, nil
	}
	return Reject, fmt.Errorf("%w: unknown duplicate policy %q", series.ErrInvalidConfig, s)
}

// View is the read-only face of a cache handed to subscribers.
type View[T series.Timed] interface {
	Len() int
	At(i int) T
	Last() (T, bool)
	IndexOf(ts time.Time, strict bool) (int, error)
	IndexAtOrAfter(ts time.Time) int
	Items() []T
}

// Cache is a timestamp-ordered sequence of records.
type Cache[T series.Timed] struct {
	items  []T
	policy Policy
}

// New creates an empty cache.
func New[T series.Timed](policy Policy) *Cache[T] {
	return &Cache[T]{policy: policy}
}

// Policy returns the duplicate policy.
func (c *Cache[T]) Policy() Policy {
	return c.policy
}

// Len returns the number of records.
func (c *Cache[T]) Len() int {
	return len(c.items)
}

// At returns the record at position i. It panics when i is out of range,
// like a slice index.
func (c *Cache[T]) At(i int) T {
	return c.items[i]
}

// Last returns the newest record.
func (c *Cache[T]) Last() (T, bool) {
	if len(c.items) == 0 {
		var zero T
		return zero, false
	}
	return c.items[len(c.items)-1], true
}

// Items returns a copy of all records.
func (c *Cache[T]) Items() []T {
	out := make([]T, len(c.items))
	copy(out, c.items)
	return out
}

// Append adds a record after the current tail.
func (c *Cache[T]) Append(item T) error {
	if last, ok := c.Last(); ok && !item.Time().After(last.Time()) {
		return fmt.Errorf("%w: %s <= %s", series.ErrOutOfOrder,
			item.Time().Format(time.RFC3339Nano), last.Time().Format(time.RFC3339Nano))
	}
	c.items = append(c.items, item)
	return nil
}

// InsertSorted places a record at its timestamp position and returns that
// position. An existing timestamp is rejected or replaced per policy.
func (c *Cache[T]) InsertSorted(item T) (int, error) {
	ts := item.Time()
	i := c.search(ts)
	if i < len(c.items) && c.items[i].Time().Equal(ts) {
		if c.policy != Replace {
			return i, fmt.Errorf("%w: %s", series.ErrDuplicateKey, ts.Format(time.RFC3339Nano))
		}
		c.items[i] = item
		return i, nil
	}

	var zero T
	c.items = append(c.items, zero)
	copy(c.items[i+1:], c.items[i:])
	c.items[i] = item
	return i, nil
}

// RemoveByTimestamp deletes the record with the given timestamp. It returns
// the position the record held, or -1 and false when nothing was stored.
func (c *Cache[T]) RemoveByTimestamp(ts time.Time) (int, bool) {
	i, _ := c.IndexOf(ts, false)
	if i < 0 {
		return -1, false
	}
	c.items = append(c.items[:i], c.items[i+1:]...)
	return i, true
}

// IndexOf finds the position of an exact timestamp. When strict is set a
// miss returns series.ErrNotFound, otherwise -1 and no error.
func (c *Cache[T]) IndexOf(ts time.Time, strict bool) (int, error) {
	i := c.search(ts)
	if i < len(c.items) && c.items[i].Time().Equal(ts) {
		return i, nil
	}
	if strict {
		return -1, fmt.Errorf("%w: %s", series.ErrNotFound, ts.Format(time.RFC3339Nano))
	}
	return -1, nil
}

// IndexAtOrAfter returns the first position whose timestamp is at or after
// ts, or -1 when every record is older.
func (c *Cache[T]) IndexAtOrAfter(ts time.Time) int {
	i := c.search(ts)
	if i >= len(c.items) {
		return -1
	}
	return i
}

// Truncate drops every record from position from onwards.
func (c *Cache[T]) Truncate(from int) {
	if from < 0 {
		from = 0
	}
	if from >= len(c.items) {
		return
	}
	var zero T
	for i := from; i < len(c.items); i++ {
		c.items[i] = zero
	}
	c.items = c.items[:from]
}

// PruneHead drops the n oldest records.
func (c *Cache[T]) PruneHead(n int) {
	if n <= 0 {
		return
	}
	if n >= len(c.items) {
		c.Clear()
		return
	}
	c.items = append(c.items[:0], c.items[n:]...)
}

// Clear removes every record.
func (c *Cache[T]) Clear() {
	c.items = nil
}

// Check verifies the ordering invariant.
func (c *Cache[T]) Check() error {
	for i := 1; i < len(c.items); i++ {
		if !c.items[i].Time().After(c.items[i-1].Time()) {
			return fmt.Errorf("%w: position %d at %s", series.ErrOutOfOrder,
				i, c.items[i].Time().Format(time.RFC3339Nano))
		}
	}
	return nil
}

func (c *Cache[T]) search(ts time.Time) int {
	return sort.Search(len(c.items), func(i int) bool {
		return !c.items[i].Time().Before(ts)
	})
}

// View returns a read-only view of the cache. The view tracks later
// mutations; it is not a snapshot.
func (c *Cache[T]) View() View[T] {
	return readOnly[T]{c: c}
}

type readOnly[T series.Timed] struct {
	c *Cache[T]
}

func (v readOnly[T]) Len() int                        { return v.c.Len() }
func (v readOnly[T]) At(i int) T                      { return v.c.At(i) }
func (v readOnly[T]) Last() (T, bool)                 { return v.c.Last() }
func (v readOnly[T]) Items() []T                      { return v.c.Items() }
func (v readOnly[T]) IndexAtOrAfter(ts time.Time) int { return v.c.IndexAtOrAfter(ts) }
func (v readOnly[T]) IndexOf(ts time.Time, strict bool) (int, error) {
	return v.c.IndexOf(ts, strict)
}
