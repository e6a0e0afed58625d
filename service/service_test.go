package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	ds "github.com/ipfs/go-datastore"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/textileio/auctionhouse/lib/dshelper"
	"github.com/textileio/auctionhouse/lib/ledger"
	"github.com/textileio/auctionhouse/lib/market"
	"github.com/textileio/auctionhouse/service"
	"github.com/textileio/auctionhouse/service/limiter"
	"github.com/textileio/auctionhouse/service/logic"
	"github.com/textileio/auctionhouse/service/store"
	golog "github.com/textileio/go-log/v2"
)

var (
	engine  = market.MustParseAddress("0x00000000000000000000000000000000000000e0")
	owner   = market.MustParseAddress("0x00000000000000000000000000000000000000aa")
	seller  = market.MustParseAddress("0x0000000000000000000000000000000000000051")
	alice   = market.MustParseAddress("0x00000000000000000000000000000000000000a1")
	bob     = market.MustParseAddress("0x00000000000000000000000000000000000000b2")
	tokenT  = market.MustParseAddress("0x0000000000000000000000000000000000000070")
	nft     = market.MustParseAddress("0x000000000000000000000000000000000000001f")
	ethFeed = market.MustParseAddress("0x00000000000000000000000000000000000000f1")
	tFeed   = market.MustParseAddress("0x00000000000000000000000000000000000000f2")

	oneEth  = decimal.RequireFromString("1000000000000000000")
	centEth = decimal.RequireFromString("10000000000000000")
	tokens  = func(n int64) decimal.Decimal { return decimal.NewFromInt(n).Mul(oneEth) }
)

func init() {
	if err := golog.SetLogLevels(map[string]golog.LogLevel{
		"auctionhouse/service": golog.LevelDebug,
		"auctionhouse/store":   golog.LevelDebug,
		"auctionhouse/logic":   golog.LevelDebug,
	}); err != nil {
		panic(err)
	}
}

func TestNew(t *testing.T) {
	t.Parallel()
	datastore := newDatastore(t)
	m := ledger.NewMemory()
	ledgers := service.Ledgers{Native: m.Native(), Tokens: m, Items: m, Feeds: m}

	_, err := service.New(service.Config{}, datastore, ledgers)
	require.Error(t, err)
	_, err = service.New(service.Config{EngineAddress: engine, LogicVersion: "v0"}, datastore, ledgers)
	require.Error(t, err)
	_, err = service.New(service.Config{EngineAddress: engine}, datastore, service.Ledgers{Native: m.Native()})
	require.Error(t, err)

	s, err := service.New(service.Config{EngineAddress: engine}, datastore, ledgers)
	require.NoError(t, err)
	assert.Equal(t, logic.VersionV1, s.Version())
	assert.Equal(t, engine, s.Address())
	require.NoError(t, s.Close())
}

func TestInitialize(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _, _ := newService(t, nil)

	_, err := s.Owner(ctx)
	require.True(t, errors.Is(err, market.ErrNotInitialized))
	require.True(t, errors.Is(s.SetPriceFeed(ctx, owner, market.NativeAsset(), ethFeed), market.ErrNotInitialized))

	require.NoError(t, s.Initialize(ctx, owner))
	require.True(t, errors.Is(s.Initialize(ctx, owner), market.ErrAlreadyInitialized))
	require.True(t, errors.Is(s.Initialize(ctx, alice), market.ErrUnauthorized))

	got, err := s.Owner(ctx)
	require.NoError(t, err)
	assert.Equal(t, owner, got)

	events, err := s.ListEvents(ctx, store.Query{Order: store.OrderAscending})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, market.EventInitialized, events[0].Type)
	assert.Equal(t, owner, events[0].Caller)
}

func TestSetPriceFeed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _, _ := newService(t, nil)
	require.NoError(t, s.Initialize(ctx, owner))
	asset := market.TokenAsset(tokenT)

	// A null feed is rejected whoever calls.
	for _, caller := range []market.Address{owner, alice} {
		err := s.SetPriceFeed(ctx, caller, asset, market.ZeroAddress)
		require.True(t, errors.Is(err, market.ErrInvalidInput))
	}
	err := s.SetPriceFeed(ctx, alice, asset, tFeed)
	require.True(t, errors.Is(err, market.ErrUnauthorized))

	require.NoError(t, s.SetPriceFeed(ctx, owner, market.NativeAsset(), ethFeed))
	require.NoError(t, s.SetPriceFeed(ctx, owner, asset, tFeed))
	feeds, err := s.Feeds(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]market.Address{"native": ethFeed, tokenT.String(): tFeed}, feeds)

	v, err := s.Normalize(ctx, asset, tokens(101))
	require.NoError(t, err)
	assert.True(t, v.Equal(decimal.NewFromInt(101)))
}

func TestAuctionScenario(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, m, clk := newService(t, nil)
	setupMarket(t, s, m)

	id, err := s.CreateAuction(ctx, seller, logic.CreateAuctionRequest{
		Duration:     15,
		StartPrice:   centEth,
		ItemContract: nft,
		ItemID:       1,
	})
	require.NoError(t, err)

	require.NoError(t, s.PlaceBid(ctx, alice, logic.PlaceBidRequest{AuctionID: id, Asset: market.NativeAsset(), Value: centEth}))
	requireBalance(t, m, market.NativeAsset(), alice, oneEth.Sub(centEth))

	require.NoError(t, s.PlaceBid(ctx, alice, logic.PlaceBidRequest{AuctionID: id, Asset: market.TokenAsset(tokenT), Amount: tokens(101)}))
	requireBalance(t, m, market.NativeAsset(), alice, oneEth)
	requireBalance(t, m, market.TokenAsset(tokenT), alice, tokens(1000-101))

	require.NoError(t, s.PlaceBid(ctx, bob, logic.PlaceBidRequest{AuctionID: id, Asset: market.TokenAsset(tokenT), Amount: tokens(105)}))
	requireBalance(t, m, market.TokenAsset(tokenT), alice, tokens(1000))
	requireBalance(t, m, market.TokenAsset(tokenT), engine, tokens(105))

	err = s.EndAuction(ctx, seller, id)
	require.True(t, errors.Is(err, market.ErrAuctionNotEnded))
	clk.Add(15 * time.Second)
	err = s.EndAuction(ctx, bob, id)
	require.True(t, errors.Is(err, market.ErrUnauthorized))
	require.NoError(t, s.EndAuction(ctx, seller, id))
	err = s.EndAuction(ctx, seller, id)
	require.True(t, errors.Is(err, market.ErrAuctionAlreadyEnded))

	itemOwner, err := m.OwnerOf(ctx, nft, 1)
	require.NoError(t, err)
	assert.Equal(t, bob, itemOwner)
	requireBalance(t, m, market.TokenAsset(tokenT), seller, tokens(105))
	requireBalance(t, m, market.TokenAsset(tokenT), engine, decimal.Zero)
	requireBalance(t, m, market.NativeAsset(), engine, decimal.Zero)

	payouts, err := s.ListPayouts(ctx, store.Query{Limit: -1})
	require.NoError(t, err)
	require.Len(t, payouts, 3)
	for _, p := range payouts {
		assert.Equal(t, store.PayoutStatusPaid, p.Status)
	}

	ids, err := s.GetAuctionIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []market.AuctionID{id}, ids)
	a, err := s.GetAuction(ctx, id)
	require.NoError(t, err)
	assert.True(t, a.Ended)
	auctions, err := s.ListAuctions(ctx, store.Query{})
	require.NoError(t, err)
	require.Len(t, auctions, 1)
}

func TestFailedPayoutWithdraw(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, m, _ := newService(t, nil)
	setupMarket(t, s, m)
	id := createAuction(t, s, 1)

	m.SetReceiver(alice, func(context.Context, market.Asset, market.Address, decimal.Decimal) error {
		return errors.New("not accepting funds")
	})
	require.NoError(t, s.PlaceBid(ctx, alice, logic.PlaceBidRequest{AuctionID: id, Asset: market.NativeAsset(), Value: centEth}))
	// The refund fails but the outbidding bid stands.
	require.NoError(t, s.PlaceBid(ctx, bob, logic.PlaceBidRequest{AuctionID: id, Asset: market.NativeAsset(), Value: centEth.Mul(decimal.NewFromInt(2))}))
	a, err := s.GetAuction(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, bob, a.HighestBidder)
	requireBalance(t, m, market.NativeAsset(), alice, oneEth.Sub(centEth))

	events, err := s.ListEvents(ctx, store.Query{})
	require.NoError(t, err)
	assert.Equal(t, market.EventPayoutFailed, events[0].Type)
	assert.Equal(t, alice, events[0].Recipient)
	assert.Contains(t, events[0].Detail, "not accepting funds")

	// Still refusing: the payout stays withdrawable.
	paid, err := s.Withdraw(ctx, alice)
	require.Error(t, err)
	require.Empty(t, paid)

	m.SetReceiver(alice, nil)
	paid, err = s.Withdraw(ctx, alice)
	require.NoError(t, err)
	require.Len(t, paid, 1)
	assert.Equal(t, store.PayoutStatusPaid, paid[0].Status)
	assert.Equal(t, uint32(3), paid[0].Attempts)
	requireBalance(t, m, market.NativeAsset(), alice, oneEth)

	paid, err = s.Withdraw(ctx, alice)
	require.NoError(t, err)
	require.Empty(t, paid)
	_, err = s.Withdraw(ctx, market.ZeroAddress)
	require.True(t, errors.Is(err, market.ErrInvalidInput))
}

func TestReentrantCall(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, m, _ := newService(t, nil)
	setupMarket(t, s, m)
	id := createAuction(t, s, 1)

	var reentryErrs []error
	m.SetReceiver(alice, func(ctx context.Context, _ market.Asset, _ market.Address, _ decimal.Decimal) error {
		reentryErrs = append(reentryErrs,
			s.PlaceBid(ctx, alice, logic.PlaceBidRequest{AuctionID: id, Asset: market.NativeAsset(), Value: oneEth}),
			s.EndAuction(ctx, seller, id))
		_, err := s.GetAuction(ctx, id)
		reentryErrs = append(reentryErrs, err)
		return nil
	})
	require.NoError(t, s.PlaceBid(ctx, alice, logic.PlaceBidRequest{AuctionID: id, Asset: market.NativeAsset(), Value: centEth}))
	require.NoError(t, s.PlaceBid(ctx, bob, logic.PlaceBidRequest{AuctionID: id, Asset: market.NativeAsset(), Value: centEth.Mul(decimal.NewFromInt(2))}))

	require.Len(t, reentryErrs, 3)
	for _, err := range reentryErrs {
		require.True(t, errors.Is(err, market.ErrReentrantCall), "%v", err)
	}
	// The refund itself went through.
	requireBalance(t, m, market.NativeAsset(), alice, oneEth)
	a, err := s.GetAuction(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, bob, a.HighestBidder)
}

func TestUpgrade(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	datastore := newDatastore(t)
	clk := clock.NewMock()
	s, m := openService(t, datastore, clk, nil)
	setupMarket(t, s, m)
	id := createAuction(t, s, 1)
	require.NoError(t, s.PlaceBid(ctx, alice, logic.PlaceBidRequest{AuctionID: id, Asset: market.NativeAsset(), Value: centEth}))
	before, err := s.GetAuction(ctx, id)
	require.NoError(t, err)

	_, err = s.Hello(ctx)
	require.True(t, errors.Is(err, market.ErrNotSupported))
	require.True(t, errors.Is(s.UpgradeTo(ctx, alice, logic.VersionV2), market.ErrUnauthorized))
	require.True(t, errors.Is(s.UpgradeTo(ctx, owner, "v9"), market.ErrInvalidInput))
	assert.Equal(t, logic.VersionV1, s.Version())

	require.NoError(t, s.UpgradeTo(ctx, owner, logic.VersionV2))
	assert.Equal(t, logic.VersionV2, s.Version())
	hello, err := s.Hello(ctx)
	require.NoError(t, err)
	assert.Equal(t, logic.HelloMessage, hello)

	after, err := s.GetAuction(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, before.HighestBidder, after.HighestBidder)
	assert.True(t, before.HighestBidAmount.Equal(after.HighestBidAmount))
	assert.Equal(t, before.Seller, after.Seller)
	assert.True(t, before.StartTime.Equal(after.StartTime))

	// The upgraded logic keeps serving the existing auction.
	require.NoError(t, s.PlaceBid(ctx, bob, logic.PlaceBidRequest{AuctionID: id, Asset: market.TokenAsset(tokenT), Amount: tokens(101)}))
	events, err := s.ListEvents(ctx, store.Query{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, market.EventUpgraded, events[1].Type)
	assert.Equal(t, logic.VersionV2, events[1].Version)

	// The version survives a restart.
	require.NoError(t, s.Close())
	s2, _ := openService(t, datastore, clk, nil)
	assert.Equal(t, logic.VersionV2, s2.Version())
	a, err := s2.GetAuction(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, bob, a.HighestBidder)
}

func TestNotifier(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	var (
		lk    sync.Mutex
		types []market.EventType
	)
	s, m, clk := newService(t, func(c *service.Config) {
		c.Notifier = func(e market.Event) {
			lk.Lock()
			defer lk.Unlock()
			types = append(types, e.Type)
		}
	})
	setupMarket(t, s, m)
	id := createAuction(t, s, 1)
	err := s.PlaceBid(ctx, alice, logic.PlaceBidRequest{AuctionID: id, Asset: market.NativeAsset(), Value: oneEth.Add(oneEth)})
	require.True(t, errors.Is(err, market.ErrInsufficientBalance))
	require.NoError(t, s.PlaceBid(ctx, alice, logic.PlaceBidRequest{AuctionID: id, Asset: market.NativeAsset(), Value: centEth}))
	clk.Add(15 * time.Second)
	require.NoError(t, s.EndAuction(ctx, seller, id))

	lk.Lock()
	defer lk.Unlock()
	assert.Equal(t, []market.EventType{
		market.EventInitialized,
		market.EventPriceFeedSet,
		market.EventPriceFeedSet,
		market.EventAuctionCreated,
		market.EventBidPlaced,
		market.EventAuctionEnded,
	}, types)
}

func TestListingLimit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := clock.NewMock()
	s, m := openService(t, newDatastore(t), clk, func(c *service.Config) {
		c.ListingLimiter = limiter.NewSlidingWindow(time.Minute, 1, clk)
	})
	setupMarket(t, s, m)

	// A rejected listing gives its slot back.
	_, err := s.CreateAuction(ctx, seller, logic.CreateAuctionRequest{Duration: 5, StartPrice: centEth, ItemContract: nft, ItemID: 1})
	require.True(t, errors.Is(err, market.ErrInvalidDuration))
	createAuction(t, s, 1)
	_, err = s.CreateAuction(ctx, seller, logic.CreateAuctionRequest{Duration: 15, StartPrice: centEth, ItemContract: nft, ItemID: 2})
	require.True(t, errors.Is(err, market.ErrListingLimit))
	require.True(t, errors.Is(err, market.ErrInvalidInput))
	// Sellers are limited independently.
	_, err = s.CreateAuction(ctx, alice, logic.CreateAuctionRequest{Duration: 15, StartPrice: centEth, ItemContract: nft, ItemID: 3})
	require.NoError(t, err)

	clk.Add(2 * time.Minute)
	createAuction(t, s, 2)
}

func TestConcurrentBids(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, m, _ := newService(t, nil)
	setupMarket(t, s, m)
	id := createAuction(t, s, 1)

	const bidders = 20
	addrs := make([]market.Address, bidders)
	for i := range addrs {
		addrs[i] = market.MustParseAddress(fmt.Sprintf("0x%040x", 0x1000+i))
		m.Mint(addrs[i], oneEth)
	}
	var wg sync.WaitGroup
	for i := range addrs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			value := centEth.Add(decimal.NewFromInt(int64(i)))
			err := s.PlaceBid(ctx, addrs[i], logic.PlaceBidRequest{AuctionID: id, Asset: market.NativeAsset(), Value: value})
			if err != nil {
				assert.True(t, errors.Is(err, market.ErrBidTooLow), "%v", err)
			}
		}(i)
	}
	wg.Wait()

	a, err := s.GetAuction(ctx, id)
	require.NoError(t, err)
	top := centEth.Add(decimal.NewFromInt(bidders - 1))
	assert.Equal(t, addrs[bidders-1], a.HighestBidder)
	assert.True(t, a.HighestBidAmount.Equal(top))
	// Every outbid bidder was refunded.
	requireBalance(t, m, market.NativeAsset(), engine, top)
	for _, addr := range addrs[:bidders-1] {
		requireBalance(t, m, market.NativeAsset(), addr, oneEth)
	}
}

func TestResumePendingPayouts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	datastore := newDatastore(t)
	clk := clock.NewMock()

	// A payout committed by a run that stopped before delivering it.
	st := store.New(datastore, clk)
	txn, err := st.NewTxn(ctx)
	require.NoError(t, err)
	require.NoError(t, txn.AddPayout(&store.Payout{
		Recipient: alice,
		Asset:     market.NativeAsset(),
		Amount:    centEth,
		Reason:    store.PayoutReasonRefund,
	}))
	require.NoError(t, txn.Commit())
	txn.Discard()

	m := ledger.NewMemory()
	m.Mint(engine, centEth)
	s, err := service.New(service.Config{EngineAddress: engine, Clock: clk}, datastore,
		service.Ledgers{Native: m.Native(), Tokens: m, Items: m, Feeds: m})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })

	requireBalance(t, m, market.NativeAsset(), alice, centEth)
	pending, err := st.PendingPayouts(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestCloseLeavesPayoutsPending(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	datastore := newDatastore(t)
	clk := clock.NewMock()
	m := ledger.NewMemory()
	ledgers := service.Ledgers{Native: m.Native(), Tokens: m, Items: m, Feeds: m}
	s, err := service.New(service.Config{EngineAddress: engine, Clock: clk}, datastore, ledgers)
	require.NoError(t, err)
	setupMarket(t, s, m)
	id := createAuction(t, s, 1)
	require.NoError(t, s.PlaceBid(ctx, alice, logic.PlaceBidRequest{AuctionID: id, Asset: market.NativeAsset(), Value: centEth}))

	// A bid racing with shutdown commits but its refund is not delivered.
	require.NoError(t, s.Close())
	require.NoError(t, s.PlaceBid(ctx, bob, logic.PlaceBidRequest{AuctionID: id, Asset: market.NativeAsset(), Value: centEth.Mul(decimal.NewFromInt(2))}))
	requireBalance(t, m, market.NativeAsset(), alice, oneEth.Sub(centEth))
	pending, err := store.New(datastore, clk).PendingPayouts(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, alice, pending[0].Recipient)

	// The next run delivers it.
	s, err = service.New(service.Config{EngineAddress: engine, Clock: clk}, datastore, ledgers)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	requireBalance(t, m, market.NativeAsset(), alice, oneEth)
}

func newService(t *testing.T, opt func(*service.Config)) (*service.Service, *ledger.Memory, *clock.Mock) {
	clk := clock.NewMock()
	s, m := openService(t, newDatastore(t), clk, opt)
	return s, m, clk
}

func openService(
	t *testing.T,
	datastore ds.TxnDatastore,
	clk *clock.Mock,
	opt func(*service.Config),
) (*service.Service, *ledger.Memory) {
	m := ledger.NewMemory()
	conf := service.Config{EngineAddress: engine, Clock: clk}
	if opt != nil {
		opt(&conf)
	}
	s, err := service.New(conf, datastore, service.Ledgers{Native: m.Native(), Tokens: m, Items: m, Feeds: m})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})
	return s, m
}

func newDatastore(t *testing.T) ds.TxnDatastore {
	datastore, err := dshelper.NewBadgerTxnDatastore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, datastore.Close())
	})
	return datastore
}

// setupMarket funds the participants and registers feeds. Owner setup is
// skipped on a store that is already initialized.
func setupMarket(t *testing.T, s *service.Service, m *ledger.Memory) {
	ctx := context.Background()
	m.RegisterToken(tokenT, 18)
	m.SetPrice(ethFeed, decimal.NewFromInt(200_000_000_000), 8)
	m.SetPrice(tFeed, decimal.NewFromInt(100_000_000), 8)
	for _, addr := range []market.Address{alice, bob} {
		m.Mint(addr, oneEth)
		require.NoError(t, m.MintToken(tokenT, addr, tokens(1000)))
		require.NoError(t, m.Approve(tokenT, addr, engine, tokens(1000)))
	}
	m.MintItem(nft, 1, seller)
	m.MintItem(nft, 2, seller)
	m.SetApprovalForAll(seller, engine, true)

	if _, err := s.Owner(ctx); errors.Is(err, market.ErrNotInitialized) {
		require.NoError(t, s.Initialize(ctx, owner))
	}
	require.NoError(t, s.SetPriceFeed(ctx, owner, market.NativeAsset(), ethFeed))
	require.NoError(t, s.SetPriceFeed(ctx, owner, market.TokenAsset(tokenT), tFeed))
}

func createAuction(t *testing.T, s *service.Service, itemID uint64) market.AuctionID {
	id, err := s.CreateAuction(context.Background(), seller, logic.CreateAuctionRequest{
		Duration:     15,
		StartPrice:   centEth,
		ItemContract: nft,
		ItemID:       itemID,
	})
	require.NoError(t, err)
	return id
}

func requireBalance(t *testing.T, m *ledger.Memory, asset market.Asset, holder market.Address, want decimal.Decimal) {
	var (
		got decimal.Decimal
		err error
	)
	if asset.IsNative() {
		got, err = m.Native().BalanceOf(context.Background(), holder)
	} else {
		got, err = m.BalanceOf(context.Background(), asset.Token, holder)
	}
	require.NoError(t, err)
	require.True(t, got.Equal(want), "%s balance of %s: got %s, want %s", asset, holder, got, want)
}
