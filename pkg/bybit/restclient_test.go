package bybit

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tickerServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v5/market/tickers", r.URL.Path)
		assert.Equal(t, "spot", r.URL.Query().Get("category"))
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// go test -v --run TestGetLastPrice
func TestGetLastPrice(t *testing.T) {
	srv := tickerServer(t, http.StatusOK, `{
		"retCode": 0, "retMsg": "OK",
		"result": {"category": "spot", "list": [{"symbol": "BTCUSDT", "lastPrice": "64123.5"}]},
		"time": 1700000000000
	}`)
	client := NewRESTClient(srv.URL, 2*time.Second)

	price, err := client.GetLastPrice(context.Background(), CategorySpot, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 64123.5, price)
}

// go test -v --run TestGetLastPriceErrors
func TestGetLastPriceErrors(t *testing.T) {
	testCases := []struct {
		desc   string
		status int
		body   string
	}{
		{"http error", http.StatusBadGateway, "upstream down"},
		{"ret code", http.StatusOK, `{"retCode": 10001, "retMsg": "params error", "result": {}}`},
		{"missing symbol", http.StatusOK, `{"retCode": 0, "result": {"list": [{"symbol": "ETHUSDT", "lastPrice": "3000"}]}}`},
		{"zero price", http.StatusOK, `{"retCode": 0, "result": {"list": [{"symbol": "BTCUSDT", "lastPrice": "0"}]}}`},
		{"garbage", http.StatusOK, `not json`},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			srv := tickerServer(t, tc.status, tc.body)
			client := NewRESTClient(srv.URL, 2*time.Second)

			_, err := client.GetLastPrice(context.Background(), CategorySpot, "BTCUSDT")
			require.Error(t, err)
		})
	}
}

// go test -v --run TestParseLastPrice
func TestParseLastPrice(t *testing.T) {
	p, err := ParseLastPrice(Ticker{Bid1Price: "99", Ask1Price: "101"})
	require.NoError(t, err)
	assert.Equal(t, 100.0, p)

	_, err = ParseLastPrice(Ticker{Symbol: "BTCUSDT"})
	require.ErrorIs(t, err, ErrNoPrice)
}

// go test -v --run TestSymbolFromTopic
func TestSymbolFromTopic(t *testing.T) {
	s, ok := SymbolFromTopic(TickerTopic("BTCUSDT"))
	assert.True(t, ok)
	assert.Equal(t, "BTCUSDT", s)

	_, ok = SymbolFromTopic("kline.1.BTCUSDT")
	assert.False(t, ok)
}

// go test -v --run TestParseCategory
func TestParseCategory(t *testing.T) {
	c, err := ParseCategory("linear")
	require.NoError(t, err)
	assert.Equal(t, CategoryLinear, c)

	_, err = ParseCategory("options")
	require.Error(t, err)
}
