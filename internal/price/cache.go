package price

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"pricesettle/pkg/storage"
	"pricesettle/pkg/symbol"

	"go.uber.org/zap"
)

const (
	keyPrefix      = "price:"
	persistBuffer  = 1024
	persistTimeout = 2 * time.Second
)

// Cache holds the latest sample per canonical symbol. Reads and writes touch
// only memory; persistence to the KV store is queued and best-effort.
type Cache struct {
	mu     sync.RWMutex
	latest map[string]Sample

	store  storage.Store
	queue  chan Sample
	logger *zap.Logger
}

// NewCache creates a cache. A nil store disables persistence.
func NewCache(store storage.Store, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Cache{
		latest: make(map[string]Sample),
		store:  store,
		logger: logger,
	}
	if store != nil {
		c.queue = make(chan Sample, persistBuffer)
	}
	return c
}

// Latest returns the held sample for any spelling of the symbol.
func (c *Cache) Latest(sym string) (Sample, bool) {
	key := symbol.Normalize(sym)
	c.mu.RLock()
	s, ok := c.latest[key]
	c.mu.RUnlock()
	return s, ok
}

// Put stores the sample unless it is invalid or older than the one held.
// It never blocks on I/O.
func (c *Cache) Put(s Sample) bool {
	if !s.Valid() {
		return false
	}
	s.Symbol = symbol.Normalize(s.Symbol)

	c.mu.Lock()
	if cur, ok := c.latest[s.Symbol]; ok && s.ObservedAt.Before(cur.ObservedAt) {
		c.mu.Unlock()
		return false
	}
	c.latest[s.Symbol] = s
	c.mu.Unlock()

	if c.queue != nil {
		select {
		case c.queue <- s:
		default:
			c.logger.Debug("price persist queue full, dropping", zap.String("symbol", s.Symbol))
		}
	}
	return true
}

// Symbols returns every symbol with a held sample.
func (c *Cache) Symbols() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.latest))
	for sym := range c.latest {
		out = append(out, sym)
	}
	return out
}

// Run drains the persistence queue until ctx is cancelled.
func (c *Cache) Run(ctx context.Context) {
	if c.queue == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-c.queue:
			c.persist(ctx, s)
		}
	}
}

func (c *Cache) persist(ctx context.Context, s Sample) {
	data, err := json.Marshal(s)
	if err != nil {
		c.logger.Warn("failed to encode price sample", zap.String("symbol", s.Symbol), zap.Error(err))
		return
	}

	writeCtx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()
	if err := c.store.Set(writeCtx, keyPrefix+s.Symbol, data); err != nil {
		c.logger.Warn("failed to persist price sample", zap.String("symbol", s.Symbol), zap.Error(err))
	}
}

// Restore loads persisted samples so the synthetic walk resumes from the
// last known prices after a restart. Timestamps later than now are clamped to
// now, so a skewed writer cannot make Put reject fresh samples.
func (c *Cache) Restore(ctx context.Context, now time.Time) (int, error) {
	if c.store == nil {
		return 0, nil
	}
	entries, err := c.store.GetByPrefix(ctx, keyPrefix)
	if err != nil {
		return 0, fmt.Errorf("restore prices: %w", err)
	}

	restored := 0
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range entries {
		var s Sample
		if err := json.Unmarshal(e.Value, &s); err != nil || !s.Valid() {
			c.logger.Warn("skipping unreadable price sample", zap.String("key", e.Key))
			continue
		}
		s.Symbol = symbol.Normalize(strings.TrimPrefix(e.Key, keyPrefix))
		if s.ObservedAt.After(now) {
			s.ObservedAt = now
		}
		if cur, ok := c.latest[s.Symbol]; ok && !s.ObservedAt.After(cur.ObservedAt) {
			continue
		}
		c.latest[s.Symbol] = s
		restored++
	}
	return restored, nil
}
