package feed

import (
	"context"

	"golang.org/x/time/rate"
)

// Paced limits how fast events leave an underlying feed.
type Paced struct {
	feed    Feed
	limiter *rate.Limiter
}

// NewPaced wraps f so it delivers at most perSecond events per second
// after an initial burst.
func NewPaced(f Feed, perSecond float64, burst int) *Paced {
	if burst < 1 {
		burst = 1
	}
	return &Paced{
		feed:    f,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

// Subscribe starts forwarding events from the wrapped feed.
func (p *Paced) Subscribe(ctx context.Context) (<-chan Event, error) {
	in, err := p.feed.Subscribe(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan Event)

	go func() {
		defer close(out)
		for event := range in {
			if err := p.limiter.Wait(ctx); err != nil {
				return
			}
			select {
			case <-ctx.Done():
				return
			case out <- event:
			}
		}
	}()

	return out, nil
}

// Close closes the wrapped feed.
func (p *Paced) Close() error {
	return p.feed.Close()
}

// Name returns the wrapped feed's identifier.
func (p *Paced) Name() string {
	return p.feed.Name()
}
