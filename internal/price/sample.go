// Package price resolves a current price for any symbol through a degrading
// chain of sources and keeps the latest sample per symbol.
package price

import (
	"errors"
	"math"
	"time"
)

// Source is the provenance of a sample.
type Source string

const (
	SourceProxy     Source = "proxy"
	SourceDirect    Source = "direct"
	SourceSynthetic Source = "synthetic"
)

var (
	// ErrSourceUnavailable wraps any single tier failure. It never leaves the resolver.
	ErrSourceUnavailable = errors.New("price source unavailable")
	// ErrSourceTimeout means a tier exceeded its own time box.
	ErrSourceTimeout = errors.New("price source timed out")
	// ErrUnsupportedSymbol means a source does not carry the instrument.
	ErrUnsupportedSymbol = errors.New("symbol not supported by source")
	// ErrNoPriceAvailable is returned to callers that need a price and got none.
	ErrNoPriceAvailable = errors.New("no price available")
)

// Sample is an immutable price observation.
type Sample struct {
	Symbol     string    `json:"symbol"`
	Price      float64   `json:"price"`
	Source     Source    `json:"source"`
	ObservedAt time.Time `json:"observed_at"`
}

// Valid reports whether the sample carries a usable price.
func (s Sample) Valid() bool {
	return validPrice(s.Price)
}

func validPrice(p float64) bool {
	return p > 0 && !math.IsInf(p, 0) && !math.IsNaN(p)
}
