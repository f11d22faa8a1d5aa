package bybit

import "fmt"

// Category is the v5 product line a request targets.
type Category string

const (
	CategorySpot    Category = "spot"
	CategoryLinear  Category = "linear"
	CategoryInverse Category = "inverse"
)

var validCategories = map[Category]struct{}{
	CategorySpot:    {},
	CategoryLinear:  {},
	CategoryInverse: {},
}

// IsValid checks if the Category is one the ticker endpoints accept
func (c Category) IsValid() bool {
	_, ok := validCategories[c]
	return ok
}

// ParseCategory parses a config string into a Category
func ParseCategory(s string) (Category, error) {
	c := Category(s)
	if !c.IsValid() {
		return "", fmt.Errorf("invalid category: %s", s)
	}
	return c, nil
}

// TickerTopic is the public websocket topic for a venue symbol, e.g. "tickers.BTCUSDT".
func TickerTopic(venueSymbol string) string {
	return "tickers." + venueSymbol
}
