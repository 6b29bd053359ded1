// Package feed delivers source mutations (appends, late inserts and
// removals) to a replay.
package feed

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tathienbao/indicator-hub/pkg/series"
)

// Op is the kind of mutation an event applies to the source.
type Op int

const (
	// OpAdd appends a quote, or re-sends one when the timestamp is known.
	OpAdd Op = iota
	// OpInsert places a quote that may be older than the tail.
	OpInsert
	// OpRemove deletes the quote at the event timestamp.
	OpRemove
)

// String returns the op name used in CSV scripts.
func (o Op) String() string {
	switch o {
	case OpAdd:
		return "add"
	case OpInsert:
		return "insert"
	case OpRemove:
		return "remove"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

// ParseOp parses an op name, case-insensitively.
func ParseOp(s string) (Op, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "add":
		return OpAdd, nil
	case "insert":
		return OpInsert, nil
	case "remove", "delete":
		return OpRemove, nil
	}
	return OpAdd, fmt.Errorf("unknown op %q", s)
}

// Event is one source mutation. A remove only carries the timestamp.
type Event struct {
	Op    Op
	Quote series.Quote
}

// Time returns the timestamp the event targets.
func (e Event) Time() time.Time { return e.Quote.Timestamp }

// Feed is a source of mutation events.
type Feed interface {
	// Subscribe starts delivering events. The channel is closed when the
	// feed is exhausted or ctx is cancelled.
	Subscribe(ctx context.Context) (<-chan Event, error)

	// Close releases resources.
	Close() error

	// Name returns the feed identifier (e.g., "csv", "sqlite").
	Name() string
}

// Adds wraps quotes as append events.
func Adds(quotes []series.Quote) []Event {
	events := make([]Event, len(quotes))
	for i, q := range quotes {
		events[i] = Event{Op: OpAdd, Quote: q}
	}
	return events
}

// Collect drains a feed into a slice.
func Collect(ctx context.Context, f Feed) ([]Event, error) {
	ch, err := f.Subscribe(ctx)
	if err != nil {
		return nil, err
	}
	var events []Event
	for e := range ch {
		events = append(events, e)
	}
	return events, ctx.Err()
}

// stream sends events on a buffered channel until done or ctx ends.
func stream(ctx context.Context, events []Event) <-chan Event {
	ch := make(chan Event, 100)

	go func() {
		defer close(ch)
		for _, event := range events {
			select {
			case <-ctx.Done():
				return
			case ch <- event:
			}
		}
	}()

	return ch
}

// MemoryFeed provides events from an in-memory slice.
// Useful for testing.
type MemoryFeed struct {
	events []Event
}

// NewMemoryFeed creates a feed from pre-loaded events.
func NewMemoryFeed(events []Event) *MemoryFeed {
	return &MemoryFeed{events: events}
}

// Subscribe starts sending the events.
func (f *MemoryFeed) Subscribe(ctx context.Context) (<-chan Event, error) {
	return stream(ctx, f.events), nil
}

// Close releases resources.
func (f *MemoryFeed) Close() error {
	return nil
}

// Name returns the feed identifier.
func (f *MemoryFeed) Name() string {
	return "memory"
}
