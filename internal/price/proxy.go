package price

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type proxyResponse struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
}

// ProxyFetcher reads prices from the internal price proxy service.
type ProxyFetcher struct {
	baseURL    string
	httpClient *http.Client
}

func NewProxyFetcher(baseURL string, timeout time.Duration) *ProxyFetcher {
	return &ProxyFetcher{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (p *ProxyFetcher) Source() Source { return SourceProxy }

// Fetch calls GET {base}/api/price?symbol=BTCUSD.
func (p *ProxyFetcher) Fetch(ctx context.Context, symbol string) (float64, error) {
	endpoint := p.baseURL + "/api/price?" + url.Values{"symbol": {symbol}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("making request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("proxy error: status %d: %s", resp.StatusCode, body)
	}

	var out proxyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode response: %w", err)
	}
	if !validPrice(out.Price) {
		return 0, fmt.Errorf("proxy returned price %v for %s", out.Price, symbol)
	}
	return out.Price, nil
}

// CloseIdleConnections releases pooled sockets on shutdown.
func (p *ProxyFetcher) CloseIdleConnections() {
	p.httpClient.CloseIdleConnections()
}
