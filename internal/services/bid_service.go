package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"gavel/internal/cache"
	"gavel/internal/config"
	"gavel/internal/db"
	"gavel/internal/models"
	"gavel/internal/utils"
)

// IBidService defines the interface for bid admission.
type IBidService interface {
	PlaceBid(ctx context.Context, listingID, bidderID utils.SixID, amount float64, now time.Time) (*models.Bid, error)
	FindBidsByBidder(ctx context.Context, bidderID utils.SixID) ([]models.Listing, error)
}

// bidService implements IBidService. It is the only writer of the bid
// ledger: every accepted bid goes through the compare-and-swap commit in
// PlaceBid, so the ledger stays append-only and strictly increasing.
type bidService struct {
	db  *mongo.Database
	rdb *redis.Client
	cfg *config.Config
}

// NewBidService creates a new BidService. rdb may be nil in tests; bid
// events are then simply not published.
func NewBidService(db *mongo.Database, rdb *redis.Client, cfg *config.Config) IBidService {
	return &bidService{db: db, rdb: rdb, cfg: cfg}
}

// PlaceBid admits a single bid against a listing.
//
// Admission checks run in order, each short-circuiting with its own error:
// unknown listing, auction not open (state or window), seller self-bid,
// amount not strictly above the current price. The commit is a
// compare-and-swap on the listing's version: append the bid, advance the
// price, bump the version, all-or-nothing. Losing the version race means
// another bid landed first; the request is retried against the freshly
// committed price a bounded number of times, so two racing bidders can
// never both succeed with amounts that break the strictly-increasing
// ledger, and no logical request ever produces two ledger entries.
func (s *bidService) PlaceBid(ctx context.Context, listingID, bidderID utils.SixID, amount float64, now time.Time) (*models.Bid, error) {
	collection := s.db.Collection(listingsCollection)

	var accepted *models.Bid
	operation := func() error {
		var listing models.Listing
		err := collection.FindOne(ctx, bson.M{"_id": listingID}).Decode(&listing)
		if err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				return ErrListingNotFound
			}
			return fmt.Errorf("error loading listing %s: %w", listingID.String(), err)
		}

		if !listing.BiddingOpen(now) {
			return ErrAuctionNotOpen
		}
		if listing.SellerID == bidderID {
			return ErrSellerCannotBid
		}
		// NaN compares false against everything, so a plain <= check would
		// let it through and corrupt the ledger ordering.
		if math.IsNaN(amount) || math.IsInf(amount, 0) || amount <= listing.CurrentPrice {
			return &BidTooLowError{CurrentPrice: listing.CurrentPrice}
		}

		bid := models.Bid{
			BidderID: bidderID,
			Amount:   amount,
			PlacedAt: now.UTC(),
		}
		result, err := collection.UpdateOne(ctx,
			bson.M{"_id": listingID, "version": listing.Version},
			bson.M{
				"$push": bson.M{"bids": bid},
				"$set":  bson.M{"current_price": amount, "updated_at": now.UTC()},
				"$inc":  bson.M{"version": 1},
			},
		)
		if err != nil {
			return fmt.Errorf("db error committing bid on %s: %w", listingID.String(), err)
		}
		if result.MatchedCount == 0 {
			// Version moved under us. Retry re-runs every admission
			// check against the freshly committed state.
			return fmt.Errorf("bid commit on %s lost the version race: %w", listingID.String(), db.ErrConflict)
		}

		accepted = &bid
		return nil
	}

	err := db.TryCAS(operation, s.cfg.BidMaxRetries)
	if err != nil {
		if db.IsConflict(err) {
			// Budget exhausted under contention. The conflict itself never
			// escapes; callers see a transient failure they may retry.
			return nil, fmt.Errorf("bid on listing %s: %w", listingID.String(), ErrStoreContention)
		}
		return nil, err
	}

	s.publishBidEvent(listingID, accepted)
	return accepted, nil
}

// publishBidEvent announces an accepted bid on the listing's Redis
// channel. Best effort: the ledger entry is already durable, so a
// publish failure is logged and swallowed.
func (s *bidService) publishBidEvent(listingID utils.SixID, bid *models.Bid) {
	if s.rdb == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := cache.PublishBidEvent(ctx, s.rdb, cache.BidEvent{
		ListingID: listingID.String(),
		BidderID:  bid.BidderID.String(),
		Amount:    bid.Amount,
		PlacedAt:  bid.PlacedAt,
	})
	if err != nil {
		log.Printf("Failed to publish bid event for listing %s: %v", listingID.String(), err)
	}
}

// FindBidsByBidder returns the listings carrying at least one bid by the
// given bidder, for profile bid history. Snapshot read; may be stale.
func (s *bidService) FindBidsByBidder(ctx context.Context, bidderID utils.SixID) ([]models.Listing, error) {
	cursor, err := s.db.Collection(listingsCollection).Find(ctx, bson.M{"bids.bidder_id": bidderID})
	if err != nil {
		return nil, fmt.Errorf("failed to query bids for user %s: %w", bidderID.String(), err)
	}
	defer cursor.Close(ctx)

	var results []models.Listing
	if err = cursor.All(ctx, &results); err != nil {
		return nil, fmt.Errorf("failed to decode bid history: %w", err)
	}
	return results, nil
}
