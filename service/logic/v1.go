package logic

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/textileio/auctionhouse/lib/market"
	"github.com/textileio/auctionhouse/service/access"
	"github.com/textileio/auctionhouse/service/custody"
	"github.com/textileio/auctionhouse/service/store"
	"golang.org/x/sync/errgroup"
)

// V1 is the initial auction logic.
type V1 struct{}

var _ Logic = V1{}

// Version implements Logic.
func (V1) Version() string {
	return VersionV1
}

// CreateAuction implements Logic.
func (V1) CreateAuction(
	ctx context.Context,
	env *Env,
	caller market.Address,
	req CreateAuctionRequest,
) (market.AuctionID, error) {
	if caller.IsZero() {
		return 0, fmt.Errorf("%w: caller is empty", market.ErrInvalidInput)
	}
	if req.Duration <= market.MinDuration || req.Duration > market.MaxDuration {
		return 0, market.ErrInvalidDuration
	}
	if !req.StartPrice.IsPositive() || !req.StartPrice.IsInteger() {
		return 0, market.ErrInvalidStartPrice
	}
	if req.ItemContract.IsZero() {
		return 0, fmt.Errorf("%w: item contract is empty", market.ErrInvalidInput)
	}

	txn, err := env.Store.NewTxn(ctx)
	if err != nil {
		return 0, err
	}
	defer txn.Discard()

	id, err := txn.NextAuctionID()
	if err != nil {
		return 0, fmt.Errorf("allocating auction id: %v", err)
	}
	a := &market.Auction{
		ID:           id,
		Seller:       caller,
		StartTime:    env.Clock.Now(),
		Duration:     req.Duration,
		StartPrice:   req.StartPrice,
		ItemContract: req.ItemContract,
		ItemID:       req.ItemID,
	}
	if err := txn.PutAuction(a); err != nil {
		return 0, fmt.Errorf("saving auction: %v", err)
	}
	if err := txn.AddEvent(&market.Event{
		Type:         market.EventAuctionCreated,
		AuctionID:    id,
		Seller:       caller,
		Amount:       req.StartPrice,
		ItemContract: req.ItemContract,
		ItemID:       req.ItemID,
	}); err != nil {
		return 0, fmt.Errorf("adding event: %v", err)
	}
	if err := txn.Commit(); err != nil {
		return 0, err
	}
	log.Infof("auction %s created by %s (item %s/%d, duration %ds, start price %s)",
		id, caller, req.ItemContract, req.ItemID, req.Duration, req.StartPrice)
	return id, nil
}

// PlaceBid implements Logic. The returned payouts refund the previous leader.
func (V1) PlaceBid(
	ctx context.Context,
	env *Env,
	caller market.Address,
	req PlaceBidRequest,
) ([]*store.Payout, error) {
	if caller.IsZero() {
		return nil, fmt.Errorf("%w: caller is empty", market.ErrInvalidInput)
	}

	txn, err := env.Store.NewTxn(ctx)
	if err != nil {
		return nil, err
	}
	defer txn.Discard()

	a, err := txn.GetAuction(req.AuctionID)
	if err != nil {
		return nil, err
	}
	if !a.Open(env.Clock.Now()) {
		return nil, fmt.Errorf("auction %s: %w", a.ID, market.ErrAuctionEnded)
	}
	if err := req.Asset.Validate(); err != nil {
		return nil, err
	}
	amount, err := bidAmount(req)
	if err != nil {
		return nil, err
	}

	value, floor, err := normalizeBid(ctx, env, a, req.Asset, amount)
	if err != nil {
		return nil, err
	}
	if a.HasBid() && !value.GreaterThan(floor) || !a.HasBid() && value.LessThan(floor) {
		return nil, fmt.Errorf("bid worth %s, need more than %s: %w", value, floor, market.ErrBidTooLow)
	}

	if err := env.Custody.Escrow(ctx, caller, req.Asset, amount, req.Value); err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if err := env.Custody.Release(ctx, caller, req.Asset, amount); err != nil {
			log.Errorf("returning escrow of %s %s to %s: %v", amount, req.Asset, caller, err)
		}
	}()

	var payouts []*store.Payout
	if a.HasBid() {
		refund := &store.Payout{
			AuctionID: a.ID,
			Recipient: a.HighestBidder,
			Asset:     a.HighestBidAsset,
			Amount:    a.HighestBidAmount,
			Reason:    store.PayoutReasonRefund,
		}
		if err := txn.AddPayout(refund); err != nil {
			return nil, fmt.Errorf("adding refund: %v", err)
		}
		payouts = append(payouts, refund)
	}

	a.HighestBidder = caller
	a.HighestBidAmount = amount
	a.HighestBidAsset = req.Asset
	if err := txn.PutAuction(a); err != nil {
		return nil, fmt.Errorf("saving auction: %v", err)
	}
	if err := txn.AddEvent(&market.Event{
		Type:      market.EventBidPlaced,
		AuctionID: a.ID,
		Bidder:    caller,
		Asset:     req.Asset,
		Amount:    amount,
	}); err != nil {
		return nil, fmt.Errorf("adding event: %v", err)
	}
	if err := txn.Commit(); err != nil {
		return nil, err
	}
	committed = true
	log.Infof("auction %s: %s bid %s %s (worth %s)", a.ID, caller, amount, req.Asset, value)
	return payouts, nil
}

// bidAmount resolves the raw amount of a bid.
func bidAmount(req PlaceBidRequest) (decimal.Decimal, error) {
	amount := req.Amount
	if req.Asset.IsNative() {
		if !req.Amount.IsZero() && !req.Amount.Equal(req.Value) {
			return amount, fmt.Errorf("%w: declared amount %s does not match value %s", market.ErrInvalidInput, req.Amount, req.Value)
		}
		amount = req.Value
	}
	if err := market.ValidateAmount(amount); err != nil {
		return amount, err
	}
	if err := custody.CheckAttached(req.Asset, amount, req.Value); err != nil {
		return amount, err
	}
	return amount, nil
}

// normalizeBid values the new bid and the floor it must beat: the current
// leader, or the start price in the native asset if there is none.
func normalizeBid(
	ctx context.Context,
	env *Env,
	a *market.Auction,
	asset market.Asset,
	amount decimal.Decimal,
) (value, floor decimal.Decimal, err error) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		v, err := env.Oracle.Normalize(gctx, asset, amount)
		if err != nil {
			return err
		}
		value = v
		return nil
	})
	g.Go(func() error {
		floorAsset, floorAmount := market.NativeAsset(), a.StartPrice
		if a.HasBid() {
			floorAsset, floorAmount = a.HighestBidAsset, a.HighestBidAmount
		}
		v, err := env.Oracle.Normalize(gctx, floorAsset, floorAmount)
		if err != nil {
			return err
		}
		floor = v
		return nil
	})
	err = g.Wait()
	return value, floor, err
}

// EndAuction implements Logic. The returned payouts settle the winning
// bid with the seller.
func (V1) EndAuction(ctx context.Context, env *Env, caller market.Address, id market.AuctionID) ([]*store.Payout, error) {
	txn, err := env.Store.NewTxn(ctx)
	if err != nil {
		return nil, err
	}
	defer txn.Discard()

	a, err := txn.GetAuction(id)
	if err != nil {
		return nil, err
	}
	if err := access.RequireSeller(a, caller); err != nil {
		return nil, err
	}
	if a.Ended {
		return nil, fmt.Errorf("auction %s: %w", id, market.ErrAuctionAlreadyEnded)
	}
	if env.Clock.Now().Before(a.EndTime()) {
		return nil, fmt.Errorf("auction %s ends at %s: %w", id, a.EndTime(), market.ErrAuctionNotEnded)
	}

	var payouts []*store.Payout
	committed := false
	if a.HasBid() {
		engine := env.Custody.Address()
		ext := access.WithExternalCall(ctx)
		approved, err := env.Items.IsApprovedForAll(ext, a.Seller, engine)
		if err != nil {
			return nil, fmt.Errorf("checking item approval: %v", err)
		}
		if !approved {
			return nil, fmt.Errorf("seller %s: %w", a.Seller, market.ErrNotApproved)
		}
		// The engine holds the item until the auction is committed as ended.
		if err := env.Items.TransferItem(ext, engine, a.ItemContract, a.ItemID, a.Seller, engine); err != nil {
			return nil, fmt.Errorf("transferring item: %w", err)
		}
		defer func() {
			to := a.Seller
			if committed {
				to = a.HighestBidder
			}
			if err := env.Items.TransferItem(ext, engine, a.ItemContract, a.ItemID, engine, to); err != nil {
				log.Errorf("transferring item %s/%d to %s: %v", a.ItemContract, a.ItemID, to, err)
			}
		}()

		settlement := &store.Payout{
			AuctionID: a.ID,
			Recipient: a.Seller,
			Asset:     a.HighestBidAsset,
			Amount:    a.HighestBidAmount,
			Reason:    store.PayoutReasonSettlement,
		}
		if err := txn.AddPayout(settlement); err != nil {
			return nil, fmt.Errorf("adding settlement: %v", err)
		}
		payouts = append(payouts, settlement)
	}

	a.Ended = true
	if err := txn.PutAuction(a); err != nil {
		return nil, fmt.Errorf("saving auction: %v", err)
	}
	if err := txn.AddEvent(&market.Event{
		Type:      market.EventAuctionEnded,
		AuctionID: a.ID,
		Seller:    a.Seller,
		Winner:    a.HighestBidder,
		Asset:     a.HighestBidAsset,
		Amount:    a.HighestBidAmount,
	}); err != nil {
		return nil, fmt.Errorf("adding event: %v", err)
	}
	if err := txn.Commit(); err != nil {
		return nil, err
	}
	committed = true
	log.Infof("auction %s ended, winner %s with %s %s", a.ID, a.HighestBidder, a.HighestBidAmount, a.HighestBidAsset)
	return payouts, nil
}

// SetPriceFeed implements Logic.
func (V1) SetPriceFeed(
	ctx context.Context,
	env *Env,
	caller market.Address,
	asset market.Asset,
	feed market.Address,
) error {
	if feed.IsZero() {
		return market.ErrInvalidFeed
	}
	if err := env.Guard.RequireOwner(ctx, caller); err != nil {
		return err
	}

	txn, err := env.Store.NewTxn(ctx)
	if err != nil {
		return err
	}
	defer txn.Discard()

	if err := env.Oracle.SetPriceFeed(txn, asset, feed); err != nil {
		return err
	}
	if err := txn.AddEvent(&market.Event{
		Type:   market.EventPriceFeedSet,
		Caller: caller,
		Asset:  asset,
		Feed:   feed,
	}); err != nil {
		return fmt.Errorf("adding event: %v", err)
	}
	return txn.Commit()
}

// GetAuction implements Logic.
func (V1) GetAuction(ctx context.Context, env *Env, id market.AuctionID) (*market.Auction, error) {
	return env.Store.GetAuction(ctx, id)
}

// GetAuctionIDs implements Logic.
func (V1) GetAuctionIDs(ctx context.Context, env *Env) ([]market.AuctionID, error) {
	return env.Store.AuctionIDs(ctx)
}
