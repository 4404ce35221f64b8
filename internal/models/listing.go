package models

import (
	"time"

	"gavel/internal/utils"
)

// Category is the closed set of listing categories.
type Category string

const (
	CategoryBooks       Category = "books"
	CategoryElectronics Category = "electronics"
	CategoryJewelry     Category = "jewelry"
	CategoryVehicles    Category = "vehicles"
	CategoryOther       Category = "other"
)

// ValidCategory reports whether c is one of the known categories.
func ValidCategory(c Category) bool {
	switch c {
	case CategoryBooks, CategoryElectronics, CategoryJewelry, CategoryVehicles, CategoryOther:
		return true
	}
	return false
}

// Bid is one accepted bid in a listing's ledger. Entries are append-only:
// never updated, deleted or reordered once committed.
type Bid struct {
	BidderID utils.SixID `bson:"bidder_id" json:"bidder_id"`
	Amount   float64     `bson:"amount" json:"amount"`
	PlacedAt time.Time   `bson:"placed_at" json:"placed_at"`
}

// Listing represents one auctionable item with its price, window and bid history.
type Listing struct {
	ID            utils.SixID  `bson:"_id,omitempty" json:"id,omitempty"`
	SellerID      utils.SixID  `bson:"seller_id" json:"seller_id"`
	Title         string       `bson:"title" json:"title"`
	Description   string       `bson:"description" json:"description"`
	Category      Category     `bson:"category" json:"category"`
	StartingPrice float64      `bson:"starting_price" json:"starting_price"`
	CurrentPrice  float64      `bson:"current_price" json:"current_price"`
	OpenAt        time.Time    `bson:"open_at" json:"open_at"`
	CloseAt       time.Time    `bson:"close_at" json:"close_at"`
	Status        Status       `bson:"status" json:"status"`
	WinnerID      *utils.SixID `bson:"winner_id,omitempty" json:"winner_id,omitempty"`
	Bids          []Bid        `bson:"bids" json:"bids"`
	Images        []string     `bson:"images" json:"images"` // S3 keys
	// Version guards every mutation of price, status, winner and ledger.
	// All writes go through a compare-and-swap on this field.
	Version   int64     `bson:"version" json:"-"`
	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
}

// HighestBid returns the ledger entry with the maximum amount, ties broken
// by earliest placement. The ledger itself is never reordered. Returns nil
// for an empty ledger.
func (l *Listing) HighestBid() *Bid {
	var best *Bid
	for i := range l.Bids {
		b := &l.Bids[i]
		if best == nil || b.Amount > best.Amount ||
			(b.Amount == best.Amount && b.PlacedAt.Before(best.PlacedAt)) {
			best = b
		}
	}
	return best
}
