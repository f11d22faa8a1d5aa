package price

import (
	"context"
	"fmt"

	"pricesettle/pkg/bybit"
	"pricesettle/pkg/symbol"
)

// DirectFetcher reads last traded prices straight from the exchange.
type DirectFetcher struct {
	client   *bybit.RESTClient
	category bybit.Category
}

func NewDirectFetcher(client *bybit.RESTClient, category bybit.Category) *DirectFetcher {
	return &DirectFetcher{client: client, category: category}
}

func (d *DirectFetcher) Source() Source { return SourceDirect }

// Fetch fails fast for instruments the exchange does not list.
func (d *DirectFetcher) Fetch(ctx context.Context, sym string) (float64, error) {
	venue, ok := symbol.Venue(sym)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedSymbol, sym)
	}
	return d.client.GetLastPrice(ctx, d.category, venue)
}
