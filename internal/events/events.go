// Package events publishes settlement results to downstream consumers.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Settlement describes one closed position.
type Settlement struct {
	PositionID        string          `json:"position_id"`
	OwnerID           string          `json:"owner_id"`
	Symbol            string          `json:"symbol"`
	Direction         string          `json:"direction"`
	Stake             decimal.Decimal `json:"stake"`
	PayoutRatePercent decimal.Decimal `json:"payout_rate_percent"`
	EntryPrice        float64         `json:"entry_price"`
	ExitPrice         float64         `json:"exit_price"`
	Result            string          `json:"result"`
	Profit            decimal.Decimal `json:"profit"`
	Return            decimal.Decimal `json:"return"`
	OpenedAt          time.Time       `json:"opened_at"`
	ExpiresAt         time.Time       `json:"expires_at"`
	ClosedAt          time.Time       `json:"closed_at"`
}

// Publisher delivers settlements. Publish must not block on the network.
type Publisher interface {
	Publish(ctx context.Context, s Settlement) error
	Close() error
}

// Nop discards everything.
type Nop struct{}

func (Nop) Publish(context.Context, Settlement) error { return nil }
func (Nop) Close() error                              { return nil }

// Memory keeps published settlements in order. Useful for tests and local runs.
type Memory struct {
	mu  sync.Mutex
	out []Settlement
}

func (m *Memory) Publish(_ context.Context, s Settlement) error {
	m.mu.Lock()
	m.out = append(m.out, s)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error { return nil }

func (m *Memory) Published() []Settlement {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Settlement, len(m.out))
	copy(out, m.out)
	return out
}
