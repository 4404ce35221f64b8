package services

import (
	"errors"
	"fmt"
)

// Domain error taxonomy. Handlers map these to client-visible responses;
// services never format HTTP concerns themselves.
var (
	// ErrListingNotFound means the listing id is unknown.
	ErrListingNotFound = errors.New("listing not found")

	// ErrUserNotFound means the user id is unknown.
	ErrUserNotFound = errors.New("user not found")

	// ErrInvalidTransition means a lifecycle transition was attempted out
	// of its declared source state. The listing is left untouched.
	ErrInvalidTransition = errors.New("invalid lifecycle transition")

	// ErrAuctionNotOpen means a bid arrived while the listing was not
	// active or outside its [open, close) window.
	ErrAuctionNotOpen = errors.New("auction is not open for bidding")

	// ErrSellerCannotBid means the bidder is the listing's seller.
	ErrSellerCannotBid = errors.New("sellers cannot bid on their own listings")

	// ErrStoreContention means a commit could not be completed within the
	// retry budget. The request may be retried by the caller.
	ErrStoreContention = errors.New("store contention, request could not be committed")

	// ErrInvalidCredentials covers both unknown email and bad password.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrEmailTaken means an account with this email already exists.
	ErrEmailTaken = errors.New("user with this email already exists")
)

// BidTooLowError rejects a bid at or below the current price. It carries
// the price that was current at decision time so the client can retry
// with a valid amount without re-fetching the listing.
type BidTooLowError struct {
	CurrentPrice float64
}

func (e *BidTooLowError) Error() string {
	return fmt.Sprintf("bid must be higher than %.2f", e.CurrentPrice)
}

// AsBidTooLow extracts a BidTooLowError from an error chain, if present.
func AsBidTooLow(err error) (*BidTooLowError, bool) {
	var e *BidTooLowError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
