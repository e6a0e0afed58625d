package oracle

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/textileio/auctionhouse/lib/ledger"
	"github.com/textileio/auctionhouse/lib/market"
	"github.com/textileio/auctionhouse/service/access"
	"github.com/textileio/auctionhouse/service/store"
	golog "github.com/textileio/go-log/v2"
)

// ComparisonDecimals is the fixed-point precision of normalized values.
const ComparisonDecimals int32 = 36

var log = golog.Logger("auctionhouse/oracle")

// Oracle maps payment assets to price feeds and converts raw amounts into
// the shared comparison unit.
type Oracle struct {
	store  *store.Store
	feeds  ledger.PriceFeedProvider
	tokens ledger.TokenLedger
}

// New returns a new Oracle.
func New(s *store.Store, feeds ledger.PriceFeedProvider, tokens ledger.TokenLedger) *Oracle {
	return &Oracle{store: s, feeds: feeds, tokens: tokens}
}

// ValidateFeed checks asset and feed before any mapping is recorded.
func ValidateFeed(asset market.Asset, feed market.Address) error {
	if feed.IsZero() {
		return market.ErrInvalidFeed
	}
	return asset.Validate()
}

// SetPriceFeed maps asset to feed inside txn, overwriting any prior mapping.
// Authorization is the caller's responsibility.
func (o *Oracle) SetPriceFeed(txn *store.Txn, asset market.Asset, feed market.Address) error {
	if err := ValidateFeed(asset, feed); err != nil {
		return err
	}
	if err := txn.SetFeed(asset, feed); err != nil {
		return fmt.Errorf("saving feed: %v", err)
	}
	log.Infof("price feed for %s set to %s", asset, feed)
	return nil
}

// Feed returns the feed registered for asset or fails with ErrUnknownAsset.
func (o *Oracle) Feed(ctx context.Context, asset market.Asset) (market.Address, error) {
	feed, err := o.store.GetFeed(ctx, asset)
	if err != nil {
		return feed, fmt.Errorf("getting feed: %v", err)
	}
	if feed.IsZero() {
		return feed, fmt.Errorf("%s: %w", asset, market.ErrUnknownAsset)
	}
	return feed, nil
}

// Normalize converts a raw amount of asset into the comparison unit:
// amount scaled by the asset decimals, times the feed price scaled by the
// feed decimals, truncated to ComparisonDecimals.
func (o *Oracle) Normalize(ctx context.Context, asset market.Asset, amount decimal.Decimal) (decimal.Decimal, error) {
	if err := asset.Validate(); err != nil {
		return decimal.Zero, err
	}
	feed, err := o.Feed(ctx, asset)
	if err != nil {
		return decimal.Zero, err
	}
	ext := access.WithExternalCall(ctx)
	price, priceDecimals, err := o.feeds.LatestPrice(ext, feed)
	if err != nil {
		return decimal.Zero, fmt.Errorf("getting latest price of %s: %v", feed, err)
	}
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("feed %s: %w", feed, market.ErrInvalidPrice)
	}
	assetDecimals, err := o.decimals(ext, asset)
	if err != nil {
		return decimal.Zero, err
	}
	v := amount.Shift(-assetDecimals).Mul(price.Shift(-priceDecimals)).Truncate(ComparisonDecimals)
	log.Debugf("normalized %s %s to %s (price %s, %d decimals)", amount, asset, v, price, priceDecimals)
	return v, nil
}

func (o *Oracle) decimals(ctx context.Context, asset market.Asset) (int32, error) {
	if asset.IsNative() {
		return market.NativeDecimals, nil
	}
	d, err := o.tokens.Decimals(ctx, asset.Token)
	if err != nil {
		return 0, fmt.Errorf("getting decimals of %s: %v", asset.Token, err)
	}
	return d, nil
}
