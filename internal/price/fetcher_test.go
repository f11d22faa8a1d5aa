package price

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"pricesettle/pkg/bybit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// go test -v --run TestRace
func TestRace(t *testing.T) {
	p, err := race(context.Background(), time.Second, func(context.Context) (float64, error) {
		return 12.5, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 12.5, p)

	_, err = race(context.Background(), time.Second, func(context.Context) (float64, error) {
		return 0, errors.New("boom")
	})
	assert.ErrorIs(t, err, ErrSourceUnavailable)

	_, err = race(context.Background(), time.Second, func(context.Context) (float64, error) {
		return -1, nil
	})
	assert.ErrorIs(t, err, ErrSourceUnavailable)

	_, err = race(context.Background(), time.Second, func(context.Context) (float64, error) {
		panic("adapter bug")
	})
	assert.ErrorIs(t, err, ErrSourceUnavailable)
}

// go test -v --run TestRaceIgnoresStuckFetcher
func TestRaceIgnoresStuckFetcher(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	_, err := race(context.Background(), 50*time.Millisecond, func(context.Context) (float64, error) {
		<-release
		return 1, nil
	})
	assert.ErrorIs(t, err, ErrSourceTimeout)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

// go test -v --run TestProxyFetcher
func TestProxyFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/price", r.URL.Path)
		switch r.URL.Query().Get("symbol") {
		case "BTCUSD":
			fmt.Fprint(w, `{"symbol":"BTCUSD","price":64000.25}`)
		case "ZERO":
			fmt.Fprint(w, `{"symbol":"ZERO","price":0}`)
		default:
			http.Error(w, "unknown", http.StatusNotFound)
		}
	}))
	defer srv.Close()

	f := NewProxyFetcher(srv.URL+"/", time.Second)
	assert.Equal(t, SourceProxy, f.Source())

	p, err := f.Fetch(context.Background(), "BTCUSD")
	require.NoError(t, err)
	assert.Equal(t, 64000.25, p)

	_, err = f.Fetch(context.Background(), "ZERO")
	require.Error(t, err)

	_, err = f.Fetch(context.Background(), "NOPE")
	require.Error(t, err)
}

// go test -v --run TestDirectFetcher
func TestDirectFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "ETHUSDT", r.URL.Query().Get("symbol"))
		fmt.Fprint(w, `{"retCode":0,"result":{"list":[{"symbol":"ETHUSDT","lastPrice":"3100.5"}]}}`)
	}))
	defer srv.Close()

	f := NewDirectFetcher(bybit.NewRESTClient(srv.URL, time.Second), bybit.CategorySpot)
	p, err := f.Fetch(context.Background(), "ETHUSD")
	require.NoError(t, err)
	assert.Equal(t, 3100.5, p)

	_, err = f.Fetch(context.Background(), "EURUSD")
	assert.ErrorIs(t, err, ErrUnsupportedSymbol)
}
