package logic

import (
	"context"
	"fmt"
	"sort"

	"github.com/benbjohnson/clock"
	"github.com/shopspring/decimal"
	"github.com/textileio/auctionhouse/lib/ledger"
	"github.com/textileio/auctionhouse/lib/market"
	"github.com/textileio/auctionhouse/service/access"
	"github.com/textileio/auctionhouse/service/custody"
	"github.com/textileio/auctionhouse/service/oracle"
	"github.com/textileio/auctionhouse/service/store"
	golog "github.com/textileio/go-log/v2"
)

const (
	// VersionV1 is the initial logic.
	VersionV1 = "v1"
	// VersionV2 adds Hello on top of VersionV1.
	VersionV2 = "v2"
)

var log = golog.Logger("auctionhouse/logic")

// Env holds the persistent state and collaborators a Logic operates on.
// It outlives any single Logic, so swapping the Logic leaves state intact.
type Env struct {
	Store   *store.Store
	Oracle  *oracle.Oracle
	Custody *custody.Custody
	Guard   *access.Guard
	Items   ledger.ItemLedger
	Clock   clock.Clock
}

// CreateAuctionRequest lists an item for auction.
type CreateAuctionRequest struct {
	Duration     uint64 // seconds
	StartPrice   decimal.Decimal
	ItemContract market.Address
	ItemID       uint64
}

// PlaceBidRequest bids on an auction. Native bids pay with Value, the
// native amount attached to the call; token bids declare Amount and must
// not attach any Value.
type PlaceBidRequest struct {
	AuctionID market.AuctionID
	Asset     market.Asset
	Amount    decimal.Decimal
	Value     decimal.Decimal
}

// Logic is a versioned implementation of the auction rules. The caller
// serializes calls per auction and executes returned payouts once the
// state they belong to is committed.
type Logic interface {
	Version() string
	CreateAuction(ctx context.Context, env *Env, caller market.Address, req CreateAuctionRequest) (market.AuctionID, error)
	PlaceBid(ctx context.Context, env *Env, caller market.Address, req PlaceBidRequest) ([]*store.Payout, error)
	EndAuction(ctx context.Context, env *Env, caller market.Address, id market.AuctionID) ([]*store.Payout, error)
	SetPriceFeed(ctx context.Context, env *Env, caller market.Address, asset market.Asset, feed market.Address) error
	GetAuction(ctx context.Context, env *Env, id market.AuctionID) (*market.Auction, error)
	GetAuctionIDs(ctx context.Context, env *Env) ([]market.AuctionID, error)
}

// Greeter is implemented by logic versions serving Hello.
type Greeter interface {
	Hello() string
}

var registry = map[string]Logic{
	VersionV1: V1{},
	VersionV2: V2{},
}

// Lookup returns the logic registered for version.
func Lookup(version string) (Logic, error) {
	l, ok := registry[version]
	if !ok {
		return nil, fmt.Errorf("%w: unknown logic version %q", market.ErrInvalidInput, version)
	}
	return l, nil
}

// Versions returns every registered version, sorted.
func Versions() []string {
	vs := make([]string, 0, len(registry))
	for v := range registry {
		vs = append(vs, v)
	}
	sort.Strings(vs)
	return vs
}
