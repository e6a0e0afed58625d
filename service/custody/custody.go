package custody

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/textileio/auctionhouse/lib/ledger"
	"github.com/textileio/auctionhouse/lib/market"
	"github.com/textileio/auctionhouse/service/access"
	golog "github.com/textileio/go-log/v2"
)

var log = golog.Logger("auctionhouse/custody")

// Custody holds bid deposits on behalf of bidders and pays them out.
// Funds in custody sit in the ledgers under the engine address.
type Custody struct {
	self   market.Address
	native ledger.NativeLedger
	tokens ledger.TokenLedger
}

// New returns a new Custody for the engine address self.
func New(self market.Address, native ledger.NativeLedger, tokens ledger.TokenLedger) *Custody {
	return &Custody{self: self, native: native, tokens: tokens}
}

// Address returns the engine address holding escrowed funds.
func (c *Custody) Address() market.Address {
	return c.self
}

// CheckAttached validates the native value attached to a deposit of
// amount of asset. A native deposit must carry exactly amount; a token
// deposit must carry nothing.
func CheckAttached(asset market.Asset, amount, attached decimal.Decimal) error {
	if asset.IsNative() {
		if !attached.Equal(amount) {
			return fmt.Errorf("%w: attached value %s does not match amount %s", market.ErrInvalidInput, attached, amount)
		}
		return nil
	}
	if !attached.IsZero() {
		return fmt.Errorf("%w: token bids cannot carry a native value", market.ErrInvalidInput)
	}
	return nil
}

// Escrow pulls amount of asset from the payer into custody. attached is the
// native value sent along with the call.
func (c *Custody) Escrow(ctx context.Context, from market.Address, asset market.Asset, amount, attached decimal.Decimal) error {
	if err := market.ValidateAmount(amount); err != nil {
		return err
	}
	if err := CheckAttached(asset, amount, attached); err != nil {
		return err
	}
	ext := access.WithExternalCall(ctx)
	if asset.IsNative() {
		bal, err := c.native.BalanceOf(ext, from)
		if err != nil {
			return fmt.Errorf("getting balance: %v", err)
		}
		if bal.LessThan(amount) {
			return fmt.Errorf("%s has %s native: %w", from, bal, market.ErrInsufficientBalance)
		}
		if err := c.native.Transfer(ext, from, c.self, amount); err != nil {
			return fmt.Errorf("pulling native funds: %w", err)
		}
	} else {
		allowed, err := c.tokens.Allowance(ext, asset.Token, from, c.self)
		if err != nil {
			return fmt.Errorf("getting allowance: %v", err)
		}
		if allowed.LessThan(amount) {
			return fmt.Errorf("%s allowed %s of %s: %w", from, allowed, asset, market.ErrInsufficientAllowance)
		}
		bal, err := c.tokens.BalanceOf(ext, asset.Token, from)
		if err != nil {
			return fmt.Errorf("getting balance: %v", err)
		}
		if bal.LessThan(amount) {
			return fmt.Errorf("%s has %s of %s: %w", from, bal, asset, market.ErrInsufficientBalance)
		}
		if err := c.tokens.TransferFrom(ext, asset.Token, c.self, from, c.self, amount); err != nil {
			return fmt.Errorf("pulling token funds: %w", err)
		}
	}
	log.Debugf("escrowed %s %s from %s", amount, asset, from)
	return nil
}

// Release pays amount of asset out of custody to the recipient.
func (c *Custody) Release(ctx context.Context, to market.Address, asset market.Asset, amount decimal.Decimal) error {
	if err := market.ValidateAmount(amount); err != nil {
		return err
	}
	ext := access.WithExternalCall(ctx)
	if asset.IsNative() {
		if err := c.native.Transfer(ext, c.self, to, amount); err != nil {
			return fmt.Errorf("releasing native funds: %w", err)
		}
	} else {
		if err := c.tokens.Transfer(ext, asset.Token, c.self, to, amount); err != nil {
			return fmt.Errorf("releasing token funds: %w", err)
		}
	}
	log.Debugf("released %s %s to %s", amount, asset, to)
	return nil
}

// Holdings returns the amount of asset held in custody.
func (c *Custody) Holdings(ctx context.Context, asset market.Asset) (decimal.Decimal, error) {
	ext := access.WithExternalCall(ctx)
	if asset.IsNative() {
		return c.native.BalanceOf(ext, c.self)
	}
	return c.tokens.BalanceOf(ext, asset.Token, c.self)
}
