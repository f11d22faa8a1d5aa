package bybit

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrNoPrice means the payload parsed but carried no usable price.
var ErrNoPrice = errors.New("bybit: no price in ticker")

// ParseLastPrice converts the ticker's last price into a positive float.
// Delta pushes may omit lastPrice; the bid/ask mid is used then.
func ParseLastPrice(t Ticker) (float64, error) {
	if t.LastPrice != "" {
		return parsePositive(t.LastPrice)
	}
	if t.Bid1Price == "" || t.Ask1Price == "" {
		return 0, ErrNoPrice
	}
	bid, err := parsePositive(t.Bid1Price)
	if err != nil {
		return 0, err
	}
	ask, err := parsePositive(t.Ask1Price)
	if err != nil {
		return 0, err
	}
	return (bid + ask) / 2, nil
}

// SymbolFromTopic parses the symbol from a topic like "tickers.BTCUSDT".
func SymbolFromTopic(topic string) (string, bool) {
	parts := strings.Split(topic, ".")
	if len(parts) != 2 || parts[0] != "tickers" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

func parsePositive(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", s, err)
	}
	if v <= 0 {
		return 0, ErrNoPrice
	}
	return v, nil
}
