package assets

import (
	"context"
	"testing"
	"time"

	"pricesettle/config"
	"pricesettle/pkg/storage"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// go test -v --run TestPayoutRate
func TestPayoutRate(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	require.NoError(t, store.Set(ctx, "asset:ETHUSD", []byte(`{"symbol":"ETHUSD","payout_rate_percent":"90"}`)))

	c, err := NewCatalog(config.AssetsConfig{
		DefaultPayout: 85,
		Payouts:       map[string]float64{"btcusd": 80},
		CacheTTL:      time.Minute,
	}, store, nil)
	require.NoError(t, err)
	defer c.Close()

	testCases := []struct {
		desc     string
		symbol   string
		expected string
	}{
		{"store override", "ETH/USDT", "90"},
		{"config map", "BINANCE:BTCUSDT", "80"},
		{"default", "AAPL", "85"},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			got := c.PayoutRate(ctx, tc.symbol)
			assert.True(t, decimal.RequireFromString(tc.expected).Equal(got), got.String())
		})
	}
}

// go test -v --run TestSetPayoutRate
func TestSetPayoutRate(t *testing.T) {
	ctx := context.Background()
	c, err := NewCatalog(config.AssetsConfig{}, storage.NewMemoryStore(), nil)
	require.NoError(t, err)
	defer c.Close()

	assert.True(t, decimal.NewFromInt(85).Equal(c.PayoutRate(ctx, "SOLUSD")))

	require.NoError(t, c.SetPayoutRate(ctx, "SOL", decimal.NewFromInt(70)))
	assert.True(t, decimal.NewFromInt(70).Equal(c.PayoutRate(ctx, "SOLUSD")))

	assert.ErrorIs(t, c.SetPayoutRate(ctx, "SOL", decimal.Zero), ErrInvalidPayout)
}

// go test -v --run TestNewCatalogRejectsBadPayout
func TestNewCatalogRejectsBadPayout(t *testing.T) {
	_, err := NewCatalog(config.AssetsConfig{Payouts: map[string]float64{"BTCUSD": -1}}, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidPayout)
}
