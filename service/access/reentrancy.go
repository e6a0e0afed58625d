package access

import (
	"context"

	"github.com/textileio/auctionhouse/lib/market"
)

type externalCallKey struct{}

// WithExternalCall marks ctx as the context of a call into external code
// (a ledger transfer). The engine rejects any call made with such a context.
func WithExternalCall(ctx context.Context) context.Context {
	return context.WithValue(ctx, externalCallKey{}, true)
}

// InExternalCall reports whether ctx was marked by WithExternalCall.
func InExternalCall(ctx context.Context) bool {
	marked, _ := ctx.Value(externalCallKey{}).(bool)
	return marked
}

// Enter fails with ErrReentrantCall if ctx originates from external code
// invoked by the engine.
func Enter(ctx context.Context) error {
	if InExternalCall(ctx) {
		return market.ErrReentrantCall
	}
	return nil
}
