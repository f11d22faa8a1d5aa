package price

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"pricesettle/pkg/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// go test -v --run TestCachePut
func TestCachePut(t *testing.T) {
	c := NewCache(nil, nil)
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	require.True(t, c.Put(Sample{Symbol: "BINANCE:BTCUSDT", Price: 100, Source: SourceProxy, ObservedAt: t0}))

	s, ok := c.Latest("BTC")
	require.True(t, ok)
	assert.Equal(t, "BTCUSD", s.Symbol)
	assert.Equal(t, 100.0, s.Price)

	// older sample must not roll the symbol back
	assert.False(t, c.Put(Sample{Symbol: "BTCUSD", Price: 90, Source: SourceDirect, ObservedAt: t0.Add(-time.Second)}))
	s, _ = c.Latest("BTCUSD")
	assert.Equal(t, 100.0, s.Price)

	assert.True(t, c.Put(Sample{Symbol: "BTCUSD", Price: 101, Source: SourceDirect, ObservedAt: t0.Add(time.Second)}))
	s, _ = c.Latest("BTCUSD")
	assert.Equal(t, 101.0, s.Price)

	assert.False(t, c.Put(Sample{Symbol: "ETHUSD", Price: 0, ObservedAt: t0}))
	assert.False(t, c.Put(Sample{Symbol: "ETHUSD", Price: -3, ObservedAt: t0}))
	_, ok = c.Latest("ETHUSD")
	assert.False(t, ok)

	assert.ElementsMatch(t, []string{"BTCUSD"}, c.Symbols())
}

// go test -v --run TestCachePersistAndRestore
func TestCachePersistAndRestore(t *testing.T) {
	store := storage.NewMemoryStore()
	c := NewCache(store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.Put(Sample{Symbol: "ETHUSD", Price: 3000, Source: SourceDirect, ObservedAt: t0})

	require.Eventually(t, func() bool {
		_, err := store.Get(context.Background(), "price:ETHUSD")
		return err == nil
	}, time.Second, 10*time.Millisecond)

	raw, err := store.Get(context.Background(), "price:ETHUSD")
	require.NoError(t, err)
	var persisted Sample
	require.NoError(t, json.Unmarshal(raw, &persisted))
	assert.Equal(t, 3000.0, persisted.Price)

	require.NoError(t, store.Set(context.Background(), "price:SOLUSD", []byte("not json")))

	restored := NewCache(store, nil)
	n, err := restored.Restore(context.Background(), t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	s, ok := restored.Latest("ETHUSD")
	require.True(t, ok)
	assert.Equal(t, 3000.0, s.Price)
	assert.Equal(t, SourceDirect, s.Source)
}

// go test -v --run TestCacheRestoreClampsFutureSamples
func TestCacheRestoreClampsFutureSamples(t *testing.T) {
	store := storage.NewMemoryStore()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	skewed, err := json.Marshal(Sample{Symbol: "BTCUSD", Price: 100, Source: SourceDirect, ObservedAt: now.Add(time.Hour)})
	require.NoError(t, err)
	require.NoError(t, store.Set(context.Background(), "price:BTCUSD", skewed))

	c := NewCache(store, nil)
	n, err := c.Restore(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	s, ok := c.Latest("BTCUSD")
	require.True(t, ok)
	assert.True(t, s.ObservedAt.Equal(now))

	// a fresh sample right after the restart replaces the restored one
	require.True(t, c.Put(Sample{Symbol: "BTCUSD", Price: 101, Source: SourceProxy, ObservedAt: now.Add(time.Second)}))
	s, _ = c.Latest("BTCUSD")
	assert.Equal(t, 101.0, s.Price)
}
