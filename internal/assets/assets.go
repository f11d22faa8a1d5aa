// Package assets serves per-instrument payout configuration.
package assets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pricesettle/config"
	"pricesettle/pkg/storage"
	"pricesettle/pkg/symbol"

	"github.com/dgraph-io/ristretto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	keyPrefix       = "asset:"
	defaultPayout   = 85
	defaultCacheTTL = 30 * time.Second
	lookupTimeout   = time.Second
)

var ErrInvalidPayout = errors.New("payout rate must be positive")

// Asset is the stored override for one instrument.
type Asset struct {
	Symbol            string          `json:"symbol"`
	PayoutRatePercent decimal.Decimal `json:"payout_rate_percent"`
}

// Catalog resolves payout rates: store override, then configured map, then
// the default. Results are cached for the configured TTL.
type Catalog struct {
	store       storage.Store
	defaultRate decimal.Decimal
	rates       map[string]decimal.Decimal
	ttl         time.Duration
	cache       *ristretto.Cache
	logger      *zap.Logger
}

func NewCatalog(cfg config.AssetsConfig, store storage.Store, logger *zap.Logger) (*Catalog, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := decimal.NewFromFloat(cfg.DefaultPayout)
	if !def.IsPositive() {
		def = decimal.NewFromInt(defaultPayout)
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}

	rates := make(map[string]decimal.Decimal, len(cfg.Payouts))
	for sym, rate := range cfg.Payouts {
		if rate <= 0 {
			return nil, fmt.Errorf("assets: payout for %s: %w", sym, ErrInvalidPayout)
		}
		rates[symbol.Normalize(sym)] = decimal.NewFromFloat(rate)
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e4,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("assets: create cache: %w", err)
	}

	return &Catalog{
		store:       store,
		defaultRate: def,
		rates:       rates,
		ttl:         ttl,
		cache:       cache,
		logger:      logger,
	}, nil
}

// PayoutRate returns the payout percentage for sym. It never fails; store
// errors fall through to configuration.
func (c *Catalog) PayoutRate(ctx context.Context, sym string) decimal.Decimal {
	key := symbol.Normalize(sym)
	if v, ok := c.cache.Get(key); ok {
		return v.(decimal.Decimal)
	}

	rate := c.lookup(ctx, key)
	c.cache.SetWithTTL(key, rate, 1, c.ttl)
	return rate
}

func (c *Catalog) lookup(ctx context.Context, key string) decimal.Decimal {
	if c.store != nil {
		ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
		defer cancel()

		raw, err := c.store.Get(ctx, keyPrefix+key)
		switch {
		case err == nil:
			var a Asset
			if err := json.Unmarshal(raw, &a); err == nil && a.PayoutRatePercent.IsPositive() {
				return a.PayoutRatePercent
			}
			c.logger.Warn("ignoring invalid asset override", zap.String("symbol", key))
		case !errors.Is(err, storage.ErrNotFound):
			c.logger.Warn("asset lookup failed", zap.String("symbol", key), zap.Error(err))
		}
	}

	if rate, ok := c.rates[key]; ok {
		return rate
	}
	return c.defaultRate
}

// SetPayoutRate stores an override and drops the cached value.
func (c *Catalog) SetPayoutRate(ctx context.Context, sym string, rate decimal.Decimal) error {
	if !rate.IsPositive() {
		return ErrInvalidPayout
	}
	if c.store == nil {
		return errors.New("assets: no store configured")
	}
	key := symbol.Normalize(sym)
	data, err := json.Marshal(Asset{Symbol: key, PayoutRatePercent: rate})
	if err != nil {
		return fmt.Errorf("encode asset: %w", err)
	}
	if err := c.store.Set(ctx, keyPrefix+key, data); err != nil {
		return fmt.Errorf("store asset: %w", err)
	}
	// flush pending sets so a queued stale rate cannot land after the delete
	c.cache.Wait()
	c.cache.Del(key)
	return nil
}

func (c *Catalog) Close() {
	c.cache.Close()
}
