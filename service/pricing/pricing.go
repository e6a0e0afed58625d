package pricing

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/textileio/auctionhouse/lib/ledger"
	"github.com/textileio/auctionhouse/lib/market"
	golog "github.com/textileio/go-log/v2"
)

var log = golog.Logger("auctionhouse/pricing")

// ErrFeedUnavailable indicates no provider could return a price for the feed.
var ErrFeedUnavailable = errors.New("price feed unavailable")

// Chain is a PriceFeedProvider which asks each provider in turn and returns
// the first price found.
type Chain []ledger.PriceFeedProvider

var _ ledger.PriceFeedProvider = Chain(nil)

// LatestPrice implements ledger.PriceFeedProvider.
func (c Chain) LatestPrice(ctx context.Context, feed market.Address) (decimal.Decimal, int32, error) {
	var errs []string
	for _, p := range c {
		price, decimals, err := p.LatestPrice(ctx, feed)
		if err == nil {
			return price, decimals, nil
		}
		errs = append(errs, err.Error())
	}
	return decimal.Zero, 0, fmt.Errorf("feed %s: %w: %v", feed, ErrFeedUnavailable, errs)
}
