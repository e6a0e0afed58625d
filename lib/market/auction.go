package market

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// MinDuration is the exclusive lower bound for an auction duration in seconds.
const MinDuration uint64 = 10

// MaxDuration is the longest auction duration in seconds whose deadline
// fits a time.Duration.
const MaxDuration = uint64(math.MaxInt64 / int64(time.Second))

// AuctionID is the sequential identifier of an auction.
type AuctionID uint64

// String returns the decimal form of the id.
func (id AuctionID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParseAuctionID parses the decimal form of an id.
func ParseAuctionID(s string) (AuctionID, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: auction id %q: %v", ErrInvalidInput, s, err)
	}
	return AuctionID(n), nil
}

// Auction is a single listing of one item.
type Auction struct {
	ID               AuctionID
	Seller           Address
	StartTime        time.Time
	Duration         uint64 // seconds
	StartPrice       decimal.Decimal
	HighestBidder    Address
	HighestBidAmount decimal.Decimal
	HighestBidAsset  Asset
	ItemContract     Address
	ItemID           uint64
	Ended            bool
	UpdatedAt        time.Time
}

// EndTime returns the deadline after which no bid is accepted.
func (a *Auction) EndTime() time.Time {
	return a.StartTime.Add(time.Duration(a.Duration) * time.Second)
}

// HasBid returns true once a bid has been accepted.
func (a *Auction) HasBid() bool {
	return !a.HighestBidder.IsZero()
}

// Open returns true if the auction accepts bids at now.
func (a *Auction) Open(now time.Time) bool {
	return !a.Ended && now.Before(a.EndTime())
}

// ValidateAmount checks that v is a positive whole number of base units.
func ValidateAmount(v decimal.Decimal) error {
	if !v.IsPositive() || !v.IsInteger() {
		return fmt.Errorf("%w: got %s", ErrInvalidAmount, v)
	}
	return nil
}
