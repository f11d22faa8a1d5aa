package price

import (
	"context"
	"fmt"
	"time"

	"github.com/sourcegraph/conc/panics"
)

const defaultTierTimeout = 1500 * time.Millisecond

// Fetcher reads one price from an external source.
type Fetcher interface {
	Source() Source
	Fetch(ctx context.Context, symbol string) (float64, error)
}

// Tier is one step of the fallback chain.
type Tier struct {
	Fetcher Fetcher
	Timeout time.Duration
}

// race runs fn under its own deadline and returns as soon as either fn or the
// deadline finishes, so a fetcher that ignores ctx cannot hold the caller.
func race(ctx context.Context, timeout time.Duration, fn func(context.Context) (float64, error)) (float64, error) {
	if timeout <= 0 {
		timeout = defaultTierTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		price float64
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		var (
			res result
			pc  panics.Catcher
		)
		pc.Try(func() { res.price, res.err = fn(ctx) })
		if r := pc.Recovered(); r != nil {
			res.err = r.AsError()
		}
		ch <- res
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return 0, fmt.Errorf("%w: %w", ErrSourceUnavailable, res.err)
		}
		if !validPrice(res.price) {
			return 0, fmt.Errorf("%w: invalid price %v", ErrSourceUnavailable, res.price)
		}
		return res.price, nil
	case <-ctx.Done():
		return 0, fmt.Errorf("%w: %w", ErrSourceTimeout, ctx.Err())
	}
}
