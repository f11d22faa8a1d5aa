// Package stream keeps the price cache warm from the exchange's public ticker
// websocket.
package stream

import (
	"encoding/json"
	"errors"

	"pricesettle/internal/clock"
	"pricesettle/internal/price"
	"pricesettle/pkg/bybit"
	"pricesettle/pkg/symbol"

	"go.uber.org/zap"
)

// MakeMessageHandler returns a function that handles incoming WebSocket messages
// by parsing ticker pushes and writing them into the cache.
func MakeMessageHandler(logger *zap.Logger, cache *price.Cache, clk clock.Clock) func(msg []byte) {
	return func(msg []byte) {
		// Step 1: Extract topic string for early filtering
		var meta struct {
			Topic string `json:"topic"`
		}
		if err := json.Unmarshal(msg, &meta); err != nil {
			logger.Warn("failed to extract topic", zap.Error(err))
			return
		}
		venueSymbol, ok := bybit.SymbolFromTopic(meta.Topic)
		if !ok {
			return // subscription acks, pongs
		}

		// Step 2: Fully parse the ticker payload
		var parsed bybit.TickerMessage
		if err := json.Unmarshal(msg, &parsed); err != nil {
			logger.Warn("failed to parse ticker payload", zap.String("topic", meta.Topic), zap.Error(err))
			return
		}
		p, err := bybit.ParseLastPrice(parsed.Data)
		if err != nil {
			if !errors.Is(err, bybit.ErrNoPrice) {
				logger.Warn("failed to read ticker price", zap.String("topic", meta.Topic), zap.Error(err))
			}
			return
		}

		// Step 3: Store under the canonical key
		cache.Put(price.Sample{
			Symbol:     symbol.Normalize(venueSymbol),
			Price:      p,
			Source:     price.SourceDirect,
			ObservedAt: clk.Now(),
		})
	}
}
