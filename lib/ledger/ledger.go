package ledger

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/textileio/auctionhouse/lib/market"
)

// ItemLedger tracks and transfers title to non-fungible items.
type ItemLedger interface {
	// TransferItem moves item itemID of itemContract from one owner to
	// another. operator is the party performing the transfer; it must be
	// the owner or approved for all of the owner's items.
	TransferItem(ctx context.Context, operator, itemContract market.Address, itemID uint64, from, to market.Address) error
	// IsApprovedForAll reports whether operator may transfer every item of owner.
	IsApprovedForAll(ctx context.Context, owner, operator market.Address) (bool, error)
}

// TokenLedger moves fungible tokens.
type TokenLedger interface {
	// TransferFrom moves amount of token from one account to another on
	// behalf of spender, consuming spender's allowance.
	TransferFrom(ctx context.Context, token, spender, from, to market.Address, amount decimal.Decimal) error
	// Transfer moves amount of token from one account to another.
	Transfer(ctx context.Context, token, from, to market.Address, amount decimal.Decimal) error
	Allowance(ctx context.Context, token, owner, spender market.Address) (decimal.Decimal, error)
	BalanceOf(ctx context.Context, token, owner market.Address) (decimal.Decimal, error)
	Decimals(ctx context.Context, token market.Address) (int32, error)
}

// NativeLedger moves the native currency.
type NativeLedger interface {
	Transfer(ctx context.Context, from, to market.Address, amount decimal.Decimal) error
	BalanceOf(ctx context.Context, owner market.Address) (decimal.Decimal, error)
}

// PriceFeedProvider returns the latest price published by a feed. The
// price is a fixed-point value with the returned number of decimals.
type PriceFeedProvider interface {
	LatestPrice(ctx context.Context, feed market.Address) (price decimal.Decimal, decimals int32, err error)
}
