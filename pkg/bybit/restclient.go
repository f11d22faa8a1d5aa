package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

type RESTClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewRESTClient(baseURL string, timeout time.Duration) *RESTClient {
	return &RESTClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *RESTClient) HTTPClient() *http.Client {
	return c.httpClient
}

// CloseIdleConnections releases pooled sockets on shutdown.
func (c *RESTClient) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}

// GetTicker fetches the v5 ticker for one venue symbol (e.g. "BTCUSDT").
func (c *RESTClient) GetTicker(ctx context.Context, category Category, venueSymbol string) (Ticker, error) {
	q := url.Values{}
	q.Set("category", string(category))
	q.Set("symbol", venueSymbol)
	endpoint := c.baseURL + "/v5/market/tickers?" + q.Encode()

	// Construct the GET request with context for timeout/cancel support
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Ticker{}, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Ticker{}, fmt.Errorf("making request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Ticker{}, fmt.Errorf("bybit error: status %d: %s", resp.StatusCode, body)
	}

	var rawResp BybitResponse
	if err := json.NewDecoder(resp.Body).Decode(&rawResp); err != nil {
		return Ticker{}, fmt.Errorf("decode response: %w", err)
	}
	if rawResp.RetCode != 0 {
		return Ticker{}, fmt.Errorf("bybit error: retCode=%d retMsg=%s", rawResp.RetCode, rawResp.RetMsg)
	}

	var result TickersResponse
	if err := json.Unmarshal(rawResp.Result, &result); err != nil {
		return Ticker{}, fmt.Errorf("decode result: %w", err)
	}

	for _, t := range result.List {
		if t.Symbol == venueSymbol {
			return t, nil
		}
	}
	return Ticker{}, fmt.Errorf("bybit: symbol %s not in ticker list", venueSymbol)
}

// GetLastPrice returns the last traded price for a venue symbol.
func (c *RESTClient) GetLastPrice(ctx context.Context, category Category, venueSymbol string) (float64, error) {
	t, err := c.GetTicker(ctx, category, venueSymbol)
	if err != nil {
		return 0, err
	}
	return ParseLastPrice(t)
}
