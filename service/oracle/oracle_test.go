package oracle

import (
	"context"
	"errors"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/textileio/auctionhouse/lib/dshelper"
	"github.com/textileio/auctionhouse/lib/ledger"
	"github.com/textileio/auctionhouse/lib/logging"
	"github.com/textileio/auctionhouse/lib/market"
	"github.com/textileio/auctionhouse/service/store"
)

var (
	usdc     = market.MustParseAddress("0x0000000000000000000000000000000000000006")
	dai      = market.MustParseAddress("0x0000000000000000000000000000000000000018")
	ethFeed  = market.MustParseAddress("0x00000000000000000000000000000000000000f1")
	usdcFeed = market.MustParseAddress("0x00000000000000000000000000000000000000f2")
	daiFeed  = market.MustParseAddress("0x00000000000000000000000000000000000000f3")
)

func init() {
	if err := logging.SetDebug("auctionhouse/oracle", "auctionhouse/store"); err != nil {
		panic(err)
	}
}

func TestNormalize_CrossDecimals(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	o, _ := newOracle(t)

	// 1 USDC (6 decimals) and 1 DAI (18 decimals) are worth the same.
	a, err := o.Normalize(ctx, market.TokenAsset(usdc), decimal.NewFromInt(1_000_000))
	require.NoError(t, err)
	b, err := o.Normalize(ctx, market.TokenAsset(dai), decimal.RequireFromString("1000000000000000000"))
	require.NoError(t, err)
	assert.True(t, a.Equal(b), "%s != %s", a, b)
	assert.True(t, a.Equal(decimal.NewFromInt(1)))

	// 0.5 native at 2000.00 (8 decimals) is worth 1000.
	v, err := o.Normalize(ctx, market.NativeAsset(), decimal.RequireFromString("500000000000000000"))
	require.NoError(t, err)
	assert.True(t, v.Equal(decimal.NewFromInt(1000)), v.String())
	assert.True(t, v.GreaterThan(a))
}

func TestNormalize_Errors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	o, m := newOracle(t)

	unknown := market.MustParseAddress("0x0000000000000000000000000000000000000099")
	_, err := o.Normalize(ctx, market.TokenAsset(unknown), decimal.NewFromInt(1))
	require.True(t, errors.Is(err, market.ErrUnknownAsset))

	_, err = o.Normalize(ctx, market.Asset{Kind: market.AssetKindToken}, decimal.NewFromInt(1))
	require.True(t, errors.Is(err, market.ErrInvalidInput))

	m.SetPrice(ethFeed, decimal.Zero, 8)
	_, err = o.Normalize(ctx, market.NativeAsset(), decimal.NewFromInt(1))
	require.True(t, errors.Is(err, market.ErrInvalidPrice))
}

func TestSetPriceFeed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	o, _ := newOracle(t)

	require.True(t, errors.Is(ValidateFeed(market.NativeAsset(), market.ZeroAddress), market.ErrInvalidFeed))
	require.True(t, errors.Is(ValidateFeed(market.Asset{Kind: 9}, ethFeed), market.ErrInvalidInput))

	txn, err := o.store.NewTxn(ctx)
	require.NoError(t, err)
	require.NoError(t, o.SetPriceFeed(txn, market.TokenAsset(dai), usdcFeed))
	require.NoError(t, txn.Commit())
	txn.Discard()

	feed, err := o.Feed(ctx, market.TokenAsset(dai))
	require.NoError(t, err)
	assert.Equal(t, usdcFeed, feed)
}

func newOracle(t *testing.T) (*Oracle, *ledger.Memory) {
	ds, err := dshelper.NewBadgerTxnDatastore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, ds.Close())
	})
	s := store.New(ds, clock.NewMock())

	m := ledger.NewMemory()
	m.RegisterToken(usdc, 6)
	m.RegisterToken(dai, 18)
	m.SetPrice(ethFeed, decimal.NewFromInt(200_000_000_000), 8)
	m.SetPrice(usdcFeed, decimal.NewFromInt(100_000_000), 8)
	m.SetPrice(daiFeed, decimal.RequireFromString("1000000000000000000"), 18)

	txn, err := s.NewTxn(context.Background())
	require.NoError(t, err)
	defer txn.Discard()
	o := New(s, m, m)
	require.NoError(t, o.SetPriceFeed(txn, market.NativeAsset(), ethFeed))
	require.NoError(t, o.SetPriceFeed(txn, market.TokenAsset(usdc), usdcFeed))
	require.NoError(t, o.SetPriceFeed(txn, market.TokenAsset(dai), daiFeed))
	require.NoError(t, txn.Commit())
	return o, m
}
