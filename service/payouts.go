package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/textileio/auctionhouse/lib/market"
	"github.com/textileio/auctionhouse/service/access"
	"github.com/textileio/auctionhouse/service/store"
)

// executePayouts delivers committed payouts. A failed delivery is kept for
// the recipient to withdraw and never fails the call that produced it.
func (s *Service) executePayouts(payouts []*store.Payout) {
	for _, p := range payouts {
		_, _ = s.deliver(p)
	}
}

// errClosing is returned for deliveries attempted while the service closes.
// The payout stays pending and is resumed by the next run.
var errClosing = errors.New("service is closing")

// startDelivery registers a delivery unless the service is closing.
func (s *Service) startDelivery() bool {
	s.payoutsLk.Lock()
	defer s.payoutsLk.Unlock()
	if s.closing {
		return false
	}
	s.payoutsWg.Add(1)
	return true
}

// drainPayouts stops new deliveries and waits for running ones.
func (s *Service) drainPayouts() {
	s.payoutsLk.Lock()
	s.closing = true
	s.payoutsLk.Unlock()
	s.payoutsWg.Wait()
}

// deliver releases a pending payout from custody and records the outcome.
func (s *Service) deliver(p *store.Payout) (*store.Payout, error) {
	if !s.startDelivery() {
		log.Infof("service closing, payout %s left pending", p.ID)
		return nil, errClosing
	}
	defer s.payoutsWg.Done()

	deliveryErr := s.env.Custody.Release(s.ctx, p.Recipient, p.Asset, p.Amount)
	updated, err := s.store.FinishPayout(s.ctx, p.ID, deliveryErr)
	if err != nil {
		log.Errorf("recording outcome of payout %s: %v", p.ID, err)
		return nil, err
	}
	s.metrics.payoutFinished(s.ctx, p.Reason, updated.Status)
	if deliveryErr != nil {
		log.Warnf("payout %s of %s %s to %s failed (attempt %d): %v",
			p.ID, p.Amount, p.Asset, p.Recipient, updated.Attempts, deliveryErr)
		s.recordPayoutFailure(updated)
		return updated, deliveryErr
	}
	log.Infof("paid %s %s to %s for auction %s (%s)", p.Amount, p.Asset, p.Recipient, p.AuctionID, p.Reason)
	return updated, nil
}

func (s *Service) recordPayoutFailure(p *store.Payout) {
	txn, err := s.store.NewTxn(s.ctx)
	if err != nil {
		log.Errorf("recording failure of payout %s: %v", p.ID, err)
		return
	}
	defer txn.Discard()
	if err := txn.AddEvent(&market.Event{
		Type:      market.EventPayoutFailed,
		AuctionID: p.AuctionID,
		Recipient: p.Recipient,
		Asset:     p.Asset,
		Amount:    p.Amount,
		Detail:    p.ErrorCause,
	}); err != nil {
		log.Errorf("adding event: %v", err)
		return
	}
	if err := txn.Commit(); err != nil {
		log.Errorf("recording failure of payout %s: %v", p.ID, err)
	}
}

// resumePayouts delivers payouts left pending by an interrupted run.
func (s *Service) resumePayouts(ctx context.Context) error {
	pending, err := s.store.PendingPayouts(ctx)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}
	log.Infof("resuming %d pending payouts", len(pending))
	s.executePayouts(pending)
	return nil
}

// Withdraw retries every failed payout owed to caller and returns the
// ones delivered. Payouts failing again stay withdrawable.
func (s *Service) Withdraw(ctx context.Context, caller market.Address) ([]*store.Payout, error) {
	if err := access.Enter(ctx); err != nil {
		return nil, err
	}
	if caller.IsZero() {
		return nil, fmt.Errorf("%w: caller is empty", market.ErrInvalidInput)
	}
	failed, err := s.store.FailedPayouts(ctx, caller)
	if err != nil {
		return nil, fmt.Errorf("getting failed payouts: %v", err)
	}
	var (
		paid []*store.Payout
		errs error
	)
	for _, p := range failed {
		claimed, err := s.store.ClaimPayout(ctx, p.ID)
		if err != nil {
			// Claimed by a concurrent withdrawal.
			log.Debugf("claiming payout %s: %v", p.ID, err)
			continue
		}
		updated, err := s.deliver(claimed)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("payout %s: %v", p.ID, err))
			continue
		}
		paid = append(paid, updated)
	}
	return paid, errs
}
