package stream

import (
	"context"
	"sync"
	"time"

	"pricesettle/internal/clock"
	"pricesettle/internal/price"
	"pricesettle/pkg/bybit"
	"pricesettle/pkg/symbol"

	"go.uber.org/zap"
)

// Feed subscribes to ticker topics for a fixed symbol list.
type Feed struct {
	client *bybit.WSClient
	logger *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewFeed builds a feed for symbols. Symbols the exchange does not list are
// skipped; ok is false when none remain.
func NewFeed(url string, symbols []string, timeout time.Duration, cache *price.Cache, clk clock.Clock, logger *zap.Logger) (*Feed, bool) {
	var topics []string
	for _, s := range symbols {
		venue, ok := symbol.Venue(symbol.Normalize(s))
		if !ok {
			logger.Warn("symbol not listed on exchange, skipping", zap.String("symbol", s))
			continue
		}
		topics = append(topics, bybit.TickerTopic(venue))
	}
	if len(topics) == 0 {
		return nil, false
	}

	client := bybit.NewWSClient(url, topics, timeout, logger)
	client.SetMessageHandler(MakeMessageHandler(logger, cache, clk))
	return &Feed{client: client, logger: logger}, true
}

// Start connects and listens in the background. A failed first connect is
// retried by the listener.
func (f *Feed) Start(ctx context.Context) {
	ctx, f.cancel = context.WithCancel(ctx)

	if err := f.client.Connect(ctx); err != nil {
		f.logger.Warn("ticker stream unavailable, will retry", zap.Error(err))
	}

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.client.Listen(ctx)
	}()
}

// Stop closes the socket and waits for the listener, or for ctx.
func (f *Feed) Stop(ctx context.Context) error {
	if f.cancel != nil {
		f.cancel()
	}
	_ = f.client.Close()

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		f.logger.Info("ticker stream stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
