package bybit

import "encoding/json"

// BybitResponse represents a generic response from Bybit's V5 REST API.
// This structure covers the standard response envelope used across all endpoints.
type BybitResponse struct {
	RetCode    int                    `json:"retCode"`    // 0 means success; non-zero indicates an error code
	RetMsg     string                 `json:"retMsg"`     // Human-readable message describing the result or error
	Result     json.RawMessage        `json:"result"`     // Delay decoding, payload varies per endpoint
	RetExtInfo map[string]interface{} `json:"retExtInfo"` // Optional extra info (e.g. rate limits, error hints)
	Time       int64                  `json:"time"`       // Server timestamp (in milliseconds since epoch)
}

type TickersResponse struct {
	Category string   `json:"category"` // e.g., "linear", "spot"
	List     []Ticker `json:"list"`
}

// Ticker is the subset of a v5 ticker the engine reads. Prices arrive as strings.
type Ticker struct {
	Symbol    string `json:"symbol"`    // e.g., "BTCUSDT"
	LastPrice string `json:"lastPrice"` // last traded price
	Bid1Price string `json:"bid1Price"`
	Ask1Price string `json:"ask1Price"`
}

// TickerMessage is a public websocket push on a "tickers.<symbol>" topic.
type TickerMessage struct {
	Topic string `json:"topic"` // e.g., "tickers.BTCUSDT"
	Type  string `json:"type"`  // "snapshot" or "delta"
	Ts    int64  `json:"ts"`    // push timestamp in milliseconds
	Data  Ticker `json:"data"`
}
