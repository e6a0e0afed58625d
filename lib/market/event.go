package market

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// EventType is the kind of a notification.
type EventType int

const (
	// EventUnspecified is the zero value.
	EventUnspecified EventType = iota
	// EventAuctionCreated is emitted by a successful create.
	EventAuctionCreated
	// EventBidPlaced is emitted when a bid becomes the new leader.
	EventBidPlaced
	// EventAuctionEnded is emitted by a successful settlement.
	EventAuctionEnded
	// EventPriceFeedSet is emitted when the owner maps an asset to a feed.
	EventPriceFeedSet
	// EventInitialized is emitted once, when the owner is established.
	EventInitialized
	// EventUpgraded is emitted when the active logic changes.
	EventUpgraded
	// EventPayoutFailed is emitted when a refund or settlement could not be delivered.
	EventPayoutFailed
)

var eventTypeStrings = map[EventType]string{
	EventUnspecified:    "unspecified",
	EventAuctionCreated: "auction_created",
	EventBidPlaced:      "bid_placed",
	EventAuctionEnded:   "auction_ended",
	EventPriceFeedSet:   "price_feed_set",
	EventInitialized:    "initialized",
	EventUpgraded:       "upgraded",
	EventPayoutFailed:   "payout_failed",
}

var eventTypeByString map[string]EventType

func init() {
	eventTypeByString = make(map[string]EventType)
	for t, s := range eventTypeStrings {
		eventTypeByString[s] = t
	}
}

// String returns a string-encoded event type.
func (t EventType) String() string {
	if s, exists := eventTypeStrings[t]; exists {
		return s
	}
	return "invalid"
}

// EventTypeByString finds an event type by its string representation, or
// errors if the type does not exist.
func EventTypeByString(s string) (EventType, error) {
	if t, exists := eventTypeByString[s]; exists {
		return t, nil
	}
	return -1, errors.New("invalid event type")
}

// MarshalText implements encoding.TextMarshaler.
func (t EventType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *EventType) UnmarshalText(text []byte) error {
	parsed, err := EventTypeByString(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Event is an append-only notification. Only the fields relevant to Type
// are set.
type Event struct {
	ID           string
	Type         EventType
	AuctionID    AuctionID
	Seller       Address
	Bidder       Address
	Winner       Address
	Recipient    Address
	Caller       Address
	Asset        Asset
	Amount       decimal.Decimal
	ItemContract Address
	ItemID       uint64 `json:",omitempty"`
	Feed         Address
	Version      string `json:",omitempty"`
	Detail       string `json:",omitempty"`
	CreatedAt    time.Time
}
