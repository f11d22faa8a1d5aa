// Package symbol maps the many spellings of an instrument onto one canonical key.
//
// Venues and callers write the same instrument as "BINANCE:BTCUSDT", "BTC/USD",
// "btc-usdt" or just "BTC". Every cache and subscription lookup uses the
// canonical form returned by Normalize ("BTCUSD").
package symbol

import (
	"strings"
)

// Class groups instruments by how fast their price moves.
type Class string

const (
	ClassCrypto   Class = "crypto"
	ClassForex    Class = "forex"
	ClassEquities Class = "equities"
)

// Quote is the canonical quote currency stable coins are folded into.
const Quote = "USD"

// stableQuotes are collapsed into USD.
var stableQuotes = []string{"FDUSD", "USDT", "USDC", "BUSD"}

var cryptoBases = map[string]bool{
	"BTC": true, "ETH": true, "SOL": true, "BNB": true, "XRP": true,
	"ADA": true, "DOGE": true, "DOT": true, "AVAX": true, "MATIC": true,
	"LTC": true, "LINK": true, "TRX": true, "TON": true, "SHIB": true,
	"ATOM": true, "UNI": true, "XLM": true, "BCH": true, "NEAR": true,
}

var fiatCodes = map[string]bool{
	"USD": true, "EUR": true, "GBP": true, "JPY": true, "CHF": true,
	"AUD": true, "CAD": true, "NZD": true, "CNY": true, "HKD": true,
	"SGD": true, "SEK": true, "NOK": true, "MXN": true, "ZAR": true,
}

// Normalize returns the canonical key for s. It is deterministic and idempotent.
func Normalize(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))

	// venue prefix: "BINANCE:BTCUSDT"
	if i := strings.LastIndexByte(s, ':'); i >= 0 {
		s = s[i+1:]
	}

	s = strings.Map(func(r rune) rune {
		switch r {
		case '/', '-', '_', ' ', '.':
			return -1
		}
		return r
	}, s)

	// Fold to a fixpoint so the result never folds again; keys that already
	// read as a known base over USD ("BNBUSD", "DOTUSD") are left alone.
	for !knownUSDPair(s) {
		folded := foldStableQuote(s)
		if folded == s {
			break
		}
		s = folded
	}

	// bare crypto base: "BTC"
	if cryptoBases[s] {
		s += Quote
	}
	return s
}

func foldStableQuote(s string) string {
	for _, q := range stableQuotes {
		if len(s) > len(q) && strings.HasSuffix(s, q) {
			return strings.TrimSuffix(s, q) + Quote
		}
	}
	return s
}

func knownUSDPair(s string) bool {
	if len(s) <= len(Quote) || !strings.HasSuffix(s, Quote) {
		return false
	}
	base := strings.TrimSuffix(s, Quote)
	return cryptoBases[base] || fiatCodes[base]
}

// Split separates a canonical key into base and quote. Symbols without a
// recognizable quote (equities) return an empty quote.
func Split(canonical string) (base, quote string) {
	if len(canonical) > len(Quote) && strings.HasSuffix(canonical, Quote) {
		b := strings.TrimSuffix(canonical, Quote)
		if cryptoBases[b] || fiatCodes[b] {
			return b, Quote
		}
	}
	if len(canonical) == 6 && fiatCodes[canonical[:3]] && fiatCodes[canonical[3:]] {
		return canonical[:3], canonical[3:]
	}
	return canonical, ""
}

// ClassOf reports the asset class of a canonical key.
func ClassOf(canonical string) Class {
	base, quote := Split(canonical)
	switch {
	case cryptoBases[base]:
		return ClassCrypto
	case quote != "" && fiatCodes[base] && fiatCodes[quote]:
		return ClassForex
	default:
		return ClassEquities
	}
}

// IsCrypto reports whether the instrument trades on crypto venues.
func IsCrypto(canonical string) bool {
	return ClassOf(canonical) == ClassCrypto
}

// Venue spells a canonical crypto key the way USDT-quoted venues list it
// ("BTCUSD" -> "BTCUSDT"). ok is false for instruments such venues do not carry.
func Venue(canonical string) (venue string, ok bool) {
	base, quote := Split(canonical)
	if !cryptoBases[base] || quote != Quote {
		return "", false
	}
	return base + "USDT", true
}
