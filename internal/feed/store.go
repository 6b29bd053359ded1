package feed

import (
	"context"
	"fmt"
	"time"

	"github.com/tathienbao/indicator-hub/pkg/series"
)

// QuoteSource is the read side of a quote store.
type QuoteSource interface {
	GetQuotes(ctx context.Context, symbol string, from, to time.Time) ([]series.Quote, error)
}

// StoreFeed replays stored quotes for one symbol as appends.
type StoreFeed struct {
	src      QuoteSource
	symbol   string
	from, to time.Time
}

// NewStoreFeed creates a feed over a quote store. Zero bounds are open.
func NewStoreFeed(src QuoteSource, symbol string, from, to time.Time) *StoreFeed {
	return &StoreFeed{src: src, symbol: symbol, from: from, to: to}
}

// Subscribe queries the store and starts sending its quotes in order.
func (f *StoreFeed) Subscribe(ctx context.Context) (<-chan Event, error) {
	quotes, err := f.src.GetQuotes(ctx, f.symbol, f.from, f.to)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", f.symbol, err)
	}
	return stream(ctx, Adds(quotes)), nil
}

// Close releases resources. The store is owned by the caller.
func (f *StoreFeed) Close() error {
	return nil
}

// Name returns the feed identifier.
func (f *StoreFeed) Name() string {
	return "sqlite"
}
