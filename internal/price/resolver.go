package price

import (
	"context"
	"time"

	"pricesettle/internal/clock"
	"pricesettle/internal/metrics"
	"pricesettle/pkg/symbol"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	defaultFreshness = time.Second
	defaultBudget    = 3500 * time.Millisecond
)

// Options tunes a Resolver. Zero values take the defaults.
type Options struct {
	Freshness time.Duration
	Budget    time.Duration
	Clock     clock.Clock
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

// Resolver returns a price for any symbol, degrading through its tiers and
// finally to the synthetic walk. It never fails.
type Resolver struct {
	cache *Cache
	tiers []Tier
	synth *Synthetic

	freshness time.Duration
	budget    time.Duration
	clock     clock.Clock
	logger    *zap.Logger
	metrics   *metrics.Metrics

	group singleflight.Group
}

func NewResolver(cache *Cache, tiers []Tier, synth *Synthetic, opts Options) *Resolver {
	if opts.Freshness <= 0 {
		opts.Freshness = defaultFreshness
	}
	if opts.Budget <= 0 {
		opts.Budget = defaultBudget
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if synth == nil {
		synth = NewSynthetic(time.Now().UnixNano())
	}
	return &Resolver{
		cache:     cache,
		tiers:     tiers,
		synth:     synth,
		freshness: opts.Freshness,
		budget:    opts.Budget,
		clock:     opts.Clock,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
	}
}

// Cache exposes the backing cache.
func (r *Resolver) Cache() *Cache {
	return r.cache
}

// Latest returns the cached sample without triggering a resolve.
func (r *Resolver) Latest(sym string) (Sample, bool) {
	return r.cache.Latest(sym)
}

// Resolve returns a valid sample for sym. Concurrent calls for the same
// symbol share one walk down the chain.
func (r *Resolver) Resolve(ctx context.Context, raw string) Sample {
	sym := symbol.Normalize(raw)
	start := time.Now()

	if s, ok := r.cache.Latest(sym); ok && r.clock.Now().Sub(s.ObservedAt) < r.freshness {
		r.metrics.ObserveResolve("cache", time.Since(start))
		return s
	}

	v, _, _ := r.group.Do(sym, func() (interface{}, error) {
		return r.resolveChain(ctx, sym), nil
	})
	s := v.(Sample)
	r.metrics.ObserveResolve(string(s.Source), time.Since(start))
	return s
}

func (r *Resolver) resolveChain(parent context.Context, sym string) Sample {
	// the flight is shared, so one caller going away must not cancel it for the rest
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), r.budget)
	defer cancel()

	for _, t := range r.tiers {
		if ctx.Err() != nil {
			break
		}
		src := t.Fetcher.Source()
		p, err := race(ctx, t.Timeout, func(c context.Context) (float64, error) {
			return t.Fetcher.Fetch(c, sym)
		})
		if err != nil {
			r.metrics.TierFailed(string(src))
			r.logger.Debug("price tier failed", zap.String("symbol", sym), zap.String("source", string(src)), zap.Error(err))
			continue
		}

		s := Sample{Symbol: sym, Price: p, Source: src, ObservedAt: r.clock.Now()}
		r.cache.Put(s)
		return s
	}

	var anchor float64
	if held, ok := r.cache.Latest(sym); ok {
		anchor = held.Price
	}
	s := Sample{
		Symbol:     sym,
		Price:      r.synth.Next(sym, anchor),
		Source:     SourceSynthetic,
		ObservedAt: r.clock.Now(),
	}
	r.cache.Put(s)
	return s
}
