package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	ds "github.com/ipfs/go-datastore"
	"github.com/shopspring/decimal"
	"github.com/textileio/auctionhouse/lib/market"
)

var (
	// ErrPayoutNotFound indicates the requested payout was not found.
	ErrPayoutNotFound = errors.New("payout not found")

	// dsPayoutsPrefix is the prefix for payouts.
	// Structure: /payouts/<payout_id> -> Payout.
	dsPayoutsPrefix = ds.NewKey("/payouts")

	// dsPendingPrefix indexes payouts waiting for delivery.
	// Structure: /payouts_pending/<payout_id> -> nil.
	dsPendingPrefix = ds.NewKey("/payouts_pending")

	// dsFailedPrefix indexes payouts whose delivery failed.
	// Structure: /payouts_failed/<payout_id> -> nil.
	dsFailedPrefix = ds.NewKey("/payouts_failed")
)

// PayoutID is the id of a payout.
type PayoutID string

// PayoutReason says why funds leave custody.
type PayoutReason int

const (
	// PayoutReasonRefund returns an outbid leader's escrow.
	PayoutReasonRefund PayoutReason = iota
	// PayoutReasonSettlement pays the winning bid to the seller.
	PayoutReasonSettlement
)

var payoutReasonStrings = map[PayoutReason]string{
	PayoutReasonRefund:     "refund",
	PayoutReasonSettlement: "settlement",
}

// String returns a string-encoded reason.
func (r PayoutReason) String() string {
	if s, exists := payoutReasonStrings[r]; exists {
		return s
	}
	return "invalid"
}

// PayoutStatus is the status of a Payout.
type PayoutStatus int

const (
	// PayoutStatusUnspecified indicates the initial or invalid status of a payout.
	PayoutStatusUnspecified PayoutStatus = iota
	// PayoutStatusPending indicates the payout is recorded but not delivered yet.
	PayoutStatusPending
	// PayoutStatusPaid indicates the funds reached the recipient.
	PayoutStatusPaid
	// PayoutStatusFailed indicates delivery failed; the recipient may withdraw it.
	PayoutStatusFailed
)

var payoutStatusStrings = map[PayoutStatus]string{
	PayoutStatusUnspecified: "unspecified",
	PayoutStatusPending:     "pending",
	PayoutStatusPaid:        "paid",
	PayoutStatusFailed:      "failed",
}

var payoutStatusByString map[string]PayoutStatus

func init() {
	payoutStatusByString = make(map[string]PayoutStatus)
	for p, s := range payoutStatusStrings {
		payoutStatusByString[s] = p
	}
}

// String returns a string-encoded status.
func (ps PayoutStatus) String() string {
	if s, exists := payoutStatusStrings[ps]; exists {
		return s
	}
	return "invalid"
}

// PayoutStatusByString finds a status by its string representation, or errors if
// the status does not exist.
func PayoutStatusByString(s string) (PayoutStatus, error) {
	if ps, exists := payoutStatusByString[s]; exists {
		return ps, nil
	}
	return -1, errors.New("invalid payout status")
}

// Payout is an amount of an asset owed by custody to a recipient.
type Payout struct {
	ID         PayoutID
	AuctionID  market.AuctionID
	Recipient  market.Address
	Asset      market.Asset
	Amount     decimal.Decimal
	Reason     PayoutReason
	Status     PayoutStatus
	Attempts   uint32
	ErrorCause string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// AddPayout records a new pending payout.
func (t *Txn) AddPayout(p *Payout) error {
	if p.Recipient.IsZero() {
		return errors.New("payout recipient is empty")
	}
	if err := market.ValidateAmount(p.Amount); err != nil {
		return err
	}
	if p.Status != PayoutStatusUnspecified {
		return errors.New("invalid initial payout status")
	}
	id, err := t.s.newID()
	if err != nil {
		return err
	}
	p.ID = PayoutID(id)
	p.CreatedAt = t.s.clock.Now()
	return t.saveAndTransitionStatus(p, PayoutStatusPending)
}

// GetPayout returns a payout by id.
// If a payout is not found for id, ErrPayoutNotFound is returned.
func (s *Store) GetPayout(ctx context.Context, id PayoutID) (*Payout, error) {
	return getPayout(ctx, s.store, id)
}

func getPayout(ctx context.Context, reader ds.Read, id PayoutID) (*Payout, error) {
	val, err := reader.Get(ctx, dsPayoutsPrefix.ChildString(string(id)))
	if errors.Is(err, ds.ErrNotFound) {
		return nil, ErrPayoutNotFound
	} else if err != nil {
		return nil, fmt.Errorf("getting key: %v", err)
	}
	var p Payout
	if err := decode(val, &p); err != nil {
		return nil, fmt.Errorf("decoding value: %v", err)
	}
	return &p, nil
}

// PendingPayouts returns every payout waiting for delivery, oldest first.
func (s *Store) PendingPayouts(ctx context.Context) ([]*Payout, error) {
	return s.indexed(ctx, dsPendingPrefix)
}

// FailedPayouts returns the failed payouts owed to recipient, oldest first.
func (s *Store) FailedPayouts(ctx context.Context, recipient market.Address) ([]*Payout, error) {
	all, err := s.indexed(ctx, dsFailedPrefix)
	if err != nil {
		return nil, err
	}
	var owed []*Payout
	for _, p := range all {
		if p.Recipient == recipient {
			owed = append(owed, p)
		}
	}
	return owed, nil
}

func (s *Store) indexed(ctx context.Context, index ds.Key) ([]*Payout, error) {
	ks, err := keys(ctx, s.store, index)
	if err != nil {
		return nil, err
	}
	payouts := make([]*Payout, 0, len(ks))
	for _, k := range ks {
		p, err := getPayout(ctx, s.store, PayoutID(k.BaseNamespace()))
		if err != nil {
			return nil, fmt.Errorf("getting payout: %v", err)
		}
		payouts = append(payouts, p)
	}
	return payouts, nil
}

// ListPayouts lists payouts by applying a Query. Offset is a payout id.
func (s *Store) ListPayouts(ctx context.Context, query Query) ([]*Payout, error) {
	var payouts []*Payout
	err := list(ctx, s.store, dsPayoutsPrefix, query, func(val []byte) error {
		var p Payout
		if err := decode(val, &p); err != nil {
			return fmt.Errorf("decoding value: %v", err)
		}
		payouts = append(payouts, &p)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing payouts: %v", err)
	}
	return payouts, nil
}

// ClaimPayout moves a failed payout back to pending so that exactly one
// caller retries it. It returns the claimed payout.
func (s *Store) ClaimPayout(ctx context.Context, id PayoutID) (*Payout, error) {
	txn, err := s.NewTxn(ctx)
	if err != nil {
		return nil, err
	}
	defer txn.Discard()

	p, err := getPayout(ctx, txn.txn, id)
	if err != nil {
		return nil, err
	}
	if p.Status != PayoutStatusFailed {
		return nil, fmt.Errorf("expect payout to have status '%s', got '%s'", PayoutStatusFailed, p.Status)
	}
	if err := txn.saveAndTransitionStatus(p, PayoutStatusPending); err != nil {
		return nil, fmt.Errorf("updating payout: %v", err)
	}
	if err := txn.Commit(); err != nil {
		return nil, err
	}
	return p, nil
}

// FinishPayout records the outcome of a delivery attempt: paid if
// deliveryErr is nil, failed otherwise.
func (s *Store) FinishPayout(ctx context.Context, id PayoutID, deliveryErr error) (*Payout, error) {
	txn, err := s.NewTxn(ctx)
	if err != nil {
		return nil, err
	}
	defer txn.Discard()

	p, err := getPayout(ctx, txn.txn, id)
	if err != nil {
		return nil, err
	}
	if p.Status != PayoutStatusPending {
		return nil, fmt.Errorf("expect payout to have status '%s', got '%s'", PayoutStatusPending, p.Status)
	}
	p.Attempts++
	status := PayoutStatusPaid
	p.ErrorCause = ""
	if deliveryErr != nil {
		status = PayoutStatusFailed
		p.ErrorCause = deliveryErr.Error()
	}
	if err := txn.saveAndTransitionStatus(p, status); err != nil {
		return nil, fmt.Errorf("updating payout: %v", err)
	}
	if err := txn.Commit(); err != nil {
		return nil, err
	}
	log.Debugf("payout %s finished with status %s (attempts=%d)", p.ID, p.Status, p.Attempts)
	return p, nil
}

// saveAndTransitionStatus saves payout state and transitions to a new status.
// Do not directly edit the payout status because it is needed to keep the
// pending and failed indexes in sync. Pass the desired new status with newStatus.
func (t *Txn) saveAndTransitionStatus(p *Payout, newStatus PayoutStatus) error {
	if p.Status != newStatus {
		switch p.Status {
		case PayoutStatusPending:
			if err := t.txn.Delete(t.ctx, dsPendingPrefix.ChildString(string(p.ID))); err != nil {
				return fmt.Errorf("deleting from pending: %v", err)
			}
		case PayoutStatusFailed:
			if err := t.txn.Delete(t.ctx, dsFailedPrefix.ChildString(string(p.ID))); err != nil {
				return fmt.Errorf("deleting from failed: %v", err)
			}
		}
		switch newStatus {
		case PayoutStatusPending:
			if err := t.txn.Put(t.ctx, dsPendingPrefix.ChildString(string(p.ID)), nil); err != nil {
				return fmt.Errorf("putting to pending: %v", err)
			}
		case PayoutStatusFailed:
			if err := t.txn.Put(t.ctx, dsFailedPrefix.ChildString(string(p.ID)), nil); err != nil {
				return fmt.Errorf("putting to failed: %v", err)
			}
		}
		p.Status = newStatus
	}

	p.UpdatedAt = t.s.clock.Now()
	val, err := encode(p)
	if err != nil {
		return fmt.Errorf("encoding value: %v", err)
	}
	if err := t.txn.Put(t.ctx, dsPayoutsPrefix.ChildString(string(p.ID)), val); err != nil {
		return fmt.Errorf("putting value: %v", err)
	}
	return nil
}
