package service

import (
	"context"
	"errors"

	"github.com/textileio/auctionhouse/lib/market"
	"github.com/textileio/auctionhouse/service/store"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/global"
)

const metricsPrefix = "auctionhouse."

type metrics struct {
	auctionsCreated metric.Int64Counter
	bids            metric.Int64Counter
	auctionsEnded   metric.Int64Counter
	payouts         metric.Int64Counter
	upgrades        metric.Int64Counter
}

func newMetrics() *metrics {
	m := metric.Must(global.Meter("auctionhouse"))
	return &metrics{
		auctionsCreated: m.NewInt64Counter(metricsPrefix+"auctions.created",
			metric.WithDescription("Number of auctions created")),
		bids: m.NewInt64Counter(metricsPrefix+"bids",
			metric.WithDescription("Number of bids by asset kind and result")),
		auctionsEnded: m.NewInt64Counter(metricsPrefix+"auctions.ended",
			metric.WithDescription("Number of auctions ended")),
		payouts: m.NewInt64Counter(metricsPrefix+"payouts",
			metric.WithDescription("Number of payout deliveries by reason and status")),
		upgrades: m.NewInt64Counter(metricsPrefix+"upgrades",
			metric.WithDescription("Number of logic upgrades")),
	}
}

func (m *metrics) auctionCreated(ctx context.Context) {
	m.auctionsCreated.Add(ctx, 1)
}

func (m *metrics) bidPlaced(ctx context.Context, asset market.Asset, err error) {
	m.bids.Add(ctx, 1,
		attribute.String("asset_kind", asset.Kind.String()),
		attribute.String("result", bidResult(err)))
}

func bidResult(err error) string {
	switch {
	case err == nil:
		return "accepted"
	case errors.Is(err, market.ErrBidTooLow):
		return "too_low"
	case errors.Is(err, market.ErrAuctionEnded):
		return "ended"
	case errors.Is(err, market.ErrNotFound):
		return "not_found"
	case errors.Is(err, market.ErrInsufficientBalance), errors.Is(err, market.ErrInsufficientAllowance):
		return "insufficient_funds"
	default:
		return "rejected"
	}
}

func (m *metrics) auctionEnded(ctx context.Context, sold bool) {
	m.auctionsEnded.Add(ctx, 1, attribute.Bool("sold", sold))
}

func (m *metrics) payoutFinished(ctx context.Context, reason store.PayoutReason, status store.PayoutStatus) {
	m.payouts.Add(ctx, 1,
		attribute.String("reason", reason.String()),
		attribute.String("status", status.String()))
}

func (m *metrics) upgraded(ctx context.Context, version string) {
	m.upgrades.Add(ctx, 1, attribute.String("version", version))
}
