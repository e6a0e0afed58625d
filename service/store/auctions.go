package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	ds "github.com/ipfs/go-datastore"
	"github.com/textileio/auctionhouse/lib/market"
)

var (
	// dsAuctionsPrefix is the prefix for auctions. Ids are zero padded so
	// that key order is creation order.
	// Structure: /auctions/<auction_id> -> market.Auction.
	dsAuctionsPrefix = ds.NewKey("/auctions")

	// dsNextAuctionID holds the next id to allocate.
	// Structure: /meta/next_auction_id -> uint64 (big endian).
	dsNextAuctionID = ds.NewKey("/meta/next_auction_id")
)

func auctionKey(id market.AuctionID) ds.Key {
	return dsAuctionsPrefix.ChildString(auctionKeyName(id))
}

func auctionKeyName(id market.AuctionID) string {
	return fmt.Sprintf("%020d", uint64(id))
}

// GetAuction returns an auction by id.
// If the auction does not exist, an error wrapping market.ErrNotFound is returned.
func (s *Store) GetAuction(ctx context.Context, id market.AuctionID) (*market.Auction, error) {
	return getAuction(ctx, s.store, id)
}

// GetAuction reads an auction inside the transaction.
func (t *Txn) GetAuction(id market.AuctionID) (*market.Auction, error) {
	return getAuction(t.ctx, t.txn, id)
}

func getAuction(ctx context.Context, reader ds.Read, id market.AuctionID) (*market.Auction, error) {
	val, err := reader.Get(ctx, auctionKey(id))
	if errors.Is(err, ds.ErrNotFound) {
		return nil, fmt.Errorf("auction %s: %w", id, market.ErrNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("getting key: %v", err)
	}
	var a market.Auction
	if err := decode(val, &a); err != nil {
		return nil, fmt.Errorf("decoding value: %v", err)
	}
	return &a, nil
}

// NextAuctionID allocates the next sequential auction id. Allocation only
// becomes durable when the transaction commits.
func (t *Txn) NextAuctionID() (market.AuctionID, error) {
	var next uint64
	val, err := t.txn.Get(t.ctx, dsNextAuctionID)
	if err == nil {
		if len(val) != 8 {
			return 0, fmt.Errorf("corrupted auction id counter of %d bytes", len(val))
		}
		next = binary.BigEndian.Uint64(val)
	} else if !errors.Is(err, ds.ErrNotFound) {
		return 0, fmt.Errorf("getting auction id counter: %v", err)
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, next+1)
	if err := t.txn.Put(t.ctx, dsNextAuctionID, buf); err != nil {
		return 0, fmt.Errorf("putting auction id counter: %v", err)
	}
	return market.AuctionID(next), nil
}

// PutAuction saves an auction.
func (t *Txn) PutAuction(a *market.Auction) error {
	a.UpdatedAt = t.s.clock.Now()
	val, err := encode(a)
	if err != nil {
		return fmt.Errorf("encoding value: %v", err)
	}
	if err := t.txn.Put(t.ctx, auctionKey(a.ID), val); err != nil {
		return fmt.Errorf("putting value: %v", err)
	}
	return nil
}

// AuctionIDs returns every auction id in creation order.
func (s *Store) AuctionIDs(ctx context.Context) ([]market.AuctionID, error) {
	ks, err := keys(ctx, s.store, dsAuctionsPrefix)
	if err != nil {
		return nil, err
	}
	ids := make([]market.AuctionID, 0, len(ks))
	for _, k := range ks {
		id, err := market.ParseAuctionID(k.BaseNamespace())
		if err != nil {
			return nil, fmt.Errorf("parsing key %s: %v", k, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ListAuctions lists auctions by applying a Query. Offset is an auction id.
func (s *Store) ListAuctions(ctx context.Context, query Query) ([]*market.Auction, error) {
	if query.Offset != "" {
		id, err := market.ParseAuctionID(query.Offset)
		if err != nil {
			return nil, err
		}
		query.Offset = auctionKeyName(id)
	}
	var auctions []*market.Auction
	err := list(ctx, s.store, dsAuctionsPrefix, query, func(val []byte) error {
		var a market.Auction
		if err := decode(val, &a); err != nil {
			return fmt.Errorf("decoding value: %v", err)
		}
		auctions = append(auctions, &a)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing auctions: %v", err)
	}
	return auctions, nil
}
