package market

import (
	"errors"
	"fmt"
)

// Error classes. Every error returned by the engine for a rejected call
// matches exactly one of them with errors.Is.
var (
	// ErrInvalidInput indicates a malformed argument.
	ErrInvalidInput = errors.New("invalid input")
	// ErrUnauthorized indicates the caller fails an access predicate.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNotFound indicates an unknown auction id.
	ErrNotFound = errors.New("not found")
	// ErrAuctionEnded indicates a bid after the auction deadline.
	ErrAuctionEnded = errors.New("auction has ended")
	// ErrAuctionNotEnded indicates an attempt to settle before the deadline.
	ErrAuctionNotEnded = errors.New("auction has not ended")
	// ErrAuctionAlreadyEnded indicates an attempt to settle twice.
	ErrAuctionAlreadyEnded = errors.New("auction already ended")
	// ErrBidTooLow indicates the bid does not beat the current leader.
	ErrBidTooLow = errors.New("bid must be higher than the current highest bid")
	// ErrUnknownAsset indicates no price feed is registered for the asset.
	ErrUnknownAsset = errors.New("unknown asset")
	// ErrInsufficientBalance indicates the payer cannot cover the amount.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrInsufficientAllowance indicates the engine may not pull the amount.
	ErrInsufficientAllowance = errors.New("insufficient allowance")
)

// Specific errors.
var (
	ErrInvalidDuration    = fmt.Errorf("%w: duration must be greater than 10s and at most 292 years", ErrInvalidInput)
	ErrInvalidStartPrice  = fmt.Errorf("%w: start price must be greater than 0", ErrInvalidInput)
	ErrInvalidAmount      = fmt.Errorf("%w: amount must be a positive integer", ErrInvalidInput)
	ErrInvalidFeed        = fmt.Errorf("%w: invalid feed address", ErrInvalidInput)
	ErrInvalidPrice       = fmt.Errorf("%w: price feed returned a non-positive price", ErrInvalidInput)
	ErrListingLimit       = fmt.Errorf("%w: listing limit reached, retry later", ErrInvalidInput)
	ErrNotAuctionOwner    = fmt.Errorf("%w: only auction owner can call this function", ErrUnauthorized)
	ErrNotOwner           = fmt.Errorf("%w: caller is not the owner", ErrUnauthorized)
	ErrNotApproved        = fmt.Errorf("%w: engine is not approved to transfer the item", ErrUnauthorized)
	ErrAlreadyInitialized = fmt.Errorf("%w: already initialized", ErrUnauthorized)
	ErrNotInitialized     = fmt.Errorf("%w: not initialized", ErrUnauthorized)
	ErrReentrantCall      = fmt.Errorf("%w: reentrant call", ErrUnauthorized)
	ErrNotSupported       = fmt.Errorf("%w: operation not supported by the active logic", ErrNotFound)
)
