package store

import (
	"context"
	"errors"
	"fmt"

	ds "github.com/ipfs/go-datastore"
	"github.com/textileio/auctionhouse/lib/market"
)

var (
	// dsFeedsPrefix is the prefix for price feeds.
	// Structure: /feeds/<asset> -> market.Address.
	dsFeedsPrefix = ds.NewKey("/feeds")

	// dsOwner holds the engine owner. Its presence means the engine is initialized.
	// Structure: /meta/owner -> market.Address.
	dsOwner = ds.NewKey("/meta/owner")

	// dsLogic holds the active logic version.
	// Structure: /meta/logic -> string.
	dsLogic = ds.NewKey("/meta/logic")
)

// GetFeed returns the feed registered for asset, or the zero address.
func (s *Store) GetFeed(ctx context.Context, asset market.Asset) (market.Address, error) {
	return getFeed(ctx, s.store, asset)
}

// GetFeed reads the feed registered for asset inside the transaction.
func (t *Txn) GetFeed(asset market.Asset) (market.Address, error) {
	return getFeed(t.ctx, t.txn, asset)
}

func getFeed(ctx context.Context, reader ds.Read, asset market.Asset) (market.Address, error) {
	var feed market.Address
	val, err := reader.Get(ctx, dsFeedsPrefix.ChildString(asset.String()))
	if errors.Is(err, ds.ErrNotFound) {
		return feed, nil
	} else if err != nil {
		return feed, fmt.Errorf("getting key: %v", err)
	}
	if len(val) != market.AddressLength {
		return feed, fmt.Errorf("corrupted feed of %d bytes", len(val))
	}
	copy(feed[:], val)
	return feed, nil
}

// SetFeed maps asset to feed, overwriting any prior mapping.
func (t *Txn) SetFeed(asset market.Asset, feed market.Address) error {
	if err := t.txn.Put(t.ctx, dsFeedsPrefix.ChildString(asset.String()), feed[:]); err != nil {
		return fmt.Errorf("putting feed: %v", err)
	}
	return nil
}

// Feeds returns every registered feed by asset.
func (s *Store) Feeds(ctx context.Context) (map[string]market.Address, error) {
	feeds := make(map[string]market.Address)
	ks, err := keys(ctx, s.store, dsFeedsPrefix)
	if err != nil {
		return nil, err
	}
	for _, k := range ks {
		asset, err := market.ParseAsset(k.BaseNamespace())
		if err != nil {
			return nil, fmt.Errorf("parsing key %s: %v", k, err)
		}
		feed, err := s.GetFeed(ctx, asset)
		if err != nil {
			return nil, err
		}
		feeds[asset.String()] = feed
	}
	return feeds, nil
}

// Owner returns the engine owner and whether the engine is initialized.
func (s *Store) Owner(ctx context.Context) (market.Address, bool, error) {
	return getOwner(ctx, s.store)
}

// Owner reads the engine owner inside the transaction.
func (t *Txn) Owner() (market.Address, bool, error) {
	return getOwner(t.ctx, t.txn)
}

func getOwner(ctx context.Context, reader ds.Read) (market.Address, bool, error) {
	var owner market.Address
	val, err := reader.Get(ctx, dsOwner)
	if errors.Is(err, ds.ErrNotFound) {
		return owner, false, nil
	} else if err != nil {
		return owner, false, fmt.Errorf("getting owner: %v", err)
	}
	if len(val) != market.AddressLength {
		return owner, false, fmt.Errorf("corrupted owner of %d bytes", len(val))
	}
	copy(owner[:], val)
	return owner, true, nil
}

// SetOwner records the engine owner.
func (t *Txn) SetOwner(owner market.Address) error {
	if err := t.txn.Put(t.ctx, dsOwner, owner[:]); err != nil {
		return fmt.Errorf("putting owner: %v", err)
	}
	return nil
}

// LogicVersion returns the persisted logic version, or "" if none was set.
func (s *Store) LogicVersion(ctx context.Context) (string, error) {
	val, err := s.store.Get(ctx, dsLogic)
	if errors.Is(err, ds.ErrNotFound) {
		return "", nil
	} else if err != nil {
		return "", fmt.Errorf("getting logic version: %v", err)
	}
	return string(val), nil
}

// SetLogicVersion records the active logic version.
func (t *Txn) SetLogicVersion(version string) error {
	if err := t.txn.Put(t.ctx, dsLogic, []byte(version)); err != nil {
		return fmt.Errorf("putting logic version: %v", err)
	}
	return nil
}
