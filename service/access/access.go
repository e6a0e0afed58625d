package access

import (
	"context"
	"fmt"

	"github.com/textileio/auctionhouse/lib/market"
	"github.com/textileio/auctionhouse/service/store"
)

// Guard answers caller-identity predicates.
type Guard struct {
	store *store.Store
}

// New returns a new Guard reading the owner from s.
func New(s *store.Store) *Guard {
	return &Guard{store: s}
}

// Owner returns the engine owner, or ErrNotInitialized.
func (g *Guard) Owner(ctx context.Context) (market.Address, error) {
	owner, ok, err := g.store.Owner(ctx)
	if err != nil {
		return owner, err
	}
	if !ok {
		return owner, market.ErrNotInitialized
	}
	return owner, nil
}

// IsOwner reports whether caller is the engine owner. It is false before
// the engine is initialized.
func (g *Guard) IsOwner(ctx context.Context, caller market.Address) (bool, error) {
	owner, ok, err := g.store.Owner(ctx)
	if err != nil {
		return false, err
	}
	return ok && owner == caller, nil
}

// RequireOwner fails with an Unauthorized error unless caller is the owner.
func (g *Guard) RequireOwner(ctx context.Context, caller market.Address) error {
	owner, err := g.Owner(ctx)
	if err != nil {
		return err
	}
	if owner != caller {
		return fmt.Errorf("%s: %w", caller, market.ErrNotOwner)
	}
	return nil
}

// IsSeller reports whether caller listed auction id.
func (g *Guard) IsSeller(ctx context.Context, caller market.Address, id market.AuctionID) (bool, error) {
	a, err := g.store.GetAuction(ctx, id)
	if err != nil {
		return false, err
	}
	return IsSeller(a, caller), nil
}

// IsSeller reports whether caller listed a.
func IsSeller(a *market.Auction, caller market.Address) bool {
	return !caller.IsZero() && a.Seller == caller
}

// RequireSeller fails with ErrNotAuctionOwner unless caller listed a.
func RequireSeller(a *market.Auction, caller market.Address) error {
	if !IsSeller(a, caller) {
		return fmt.Errorf("auction %s: %w", a.ID, market.ErrNotAuctionOwner)
	}
	return nil
}

// Initialize records owner inside txn. It succeeds at most once for the
// lifetime of the store, whoever the caller is.
func Initialize(txn *store.Txn, owner market.Address) error {
	if owner.IsZero() {
		return fmt.Errorf("%w: owner is empty", market.ErrInvalidInput)
	}
	_, ok, err := txn.Owner()
	if err != nil {
		return err
	}
	if ok {
		return market.ErrAlreadyInitialized
	}
	return txn.SetOwner(owner)
}
