package price

import (
	"math"
	"math/rand"
	"sync"

	"pricesettle/pkg/symbol"
)

const fallbackBase = 100.0

var basePrices = map[string]float64{
	"BTCUSD":  65000,
	"ETHUSD":  3200,
	"SOLUSD":  150,
	"BNBUSD":  580,
	"XRPUSD":  0.55,
	"ADAUSD":  0.45,
	"DOGEUSD": 0.15,
	"DOTUSD":  6.5,
	"LTCUSD":  80,
	"LINKUSD": 14,
	"EURUSD":  1.08,
	"GBPUSD":  1.27,
	"USDJPY":  150,
	"AUDUSD":  0.66,
	"USDCHF":  0.9,
	"AAPL":    190,
	"MSFT":    420,
	"TSLA":    180,
	"NVDA":    900,
	"AMZN":    180,
	"GOOGL":   170,
}

var volatility = map[symbol.Class]float64{
	symbol.ClassCrypto:   0.002,
	symbol.ClassEquities: 0.001,
	symbol.ClassForex:    0.0002,
}

// Synthetic produces a bounded random walk so a price is always available.
type Synthetic struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSynthetic seeds the walk. Equal seeds give equal walks.
func NewSynthetic(seed int64) *Synthetic {
	return &Synthetic{rng: rand.New(rand.NewSource(seed))}
}

// Base returns the table price for a canonical symbol, or 100.
func Base(sym string) float64 {
	if p, ok := basePrices[sym]; ok {
		return p
	}
	return fallbackBase
}

// Next moves one step from anchor. A non-positive anchor starts from Base.
func (s *Synthetic) Next(sym string, anchor float64) float64 {
	if !validPrice(anchor) {
		anchor = Base(sym)
	}
	vol := volatility[symbol.ClassOf(sym)]

	s.mu.Lock()
	step := (s.rng.Float64()*2 - 1) * vol
	s.mu.Unlock()

	next := round(anchor * (1 + step))
	if !validPrice(next) {
		return anchor
	}
	return next
}

func round(p float64) float64 {
	scale := 1e2
	if p < 10 {
		scale = 1e6
	}
	return math.Round(p*scale) / scale
}
