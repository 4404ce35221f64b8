package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"gavel/internal/config"
	"gavel/internal/db"
	"gavel/internal/models"
	"gavel/internal/utils"
)

// SettlementResult reports what a settlement attempt did to one listing.
type SettlementResult struct {
	ListingID utils.SixID   `json:"listing_id"`
	Status    models.Status `json:"status"`
	WinnerID  *utils.SixID  `json:"winner_id,omitempty"`
	Amount    float64       `json:"amount,omitempty"`
	// Changed is false when the call was a no-op (already settled, or no
	// time-driven transition was due).
	Changed bool `json:"changed"`
}

// ISettlementService drives the time-based lifecycle transitions:
// approved listings become active once their window opens, and active
// listings settle to sold or unsold once it closes.
type ISettlementService interface {
	Settle(ctx context.Context, listingID utils.SixID, now time.Time) (*SettlementResult, error)
	Sweep(ctx context.Context, now time.Time) ([]SettlementResult, error)
}

// settlementService implements ISettlementService.
type settlementService struct {
	db  *mongo.Database
	cfg *config.Config
}

// NewSettlementService creates a new SettlementService.
func NewSettlementService(db *mongo.Database, cfg *config.Config) ISettlementService {
	return &settlementService{db: db, cfg: cfg}
}

// Settle applies every time-driven transition the listing is due for at
// the given instant and reports the outcome. It is idempotent and safe
// to call from any entry point concurrently: each step is a
// compare-and-swap on the listing version, a listing already in a
// terminal or non-eligible state is a no-op, and two racing invocations
// produce the same terminal state and winner.
func (s *settlementService) Settle(ctx context.Context, listingID utils.SixID, now time.Time) (*SettlementResult, error) {
	var result *SettlementResult

	operation := func() error {
		var listing models.Listing
		err := s.db.Collection(listingsCollection).FindOne(ctx, bson.M{"_id": listingID}).Decode(&listing)
		if err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				return ErrListingNotFound
			}
			return fmt.Errorf("error loading listing %s: %w", listingID.String(), err)
		}

		changed := false
		// A listing whose whole window elapsed between sweeps needs two
		// steps: approved -> active, then active -> sold/unsold.
		for {
			next := listing.NextTimedStatus(now)
			if next == "" {
				break
			}
			if err := s.applyTransition(ctx, &listing, next, now); err != nil {
				return err
			}
			changed = true
		}

		result = &SettlementResult{
			ListingID: listing.ID,
			Status:    listing.Status,
			WinnerID:  listing.WinnerID,
			Changed:   changed,
		}
		if listing.Status == models.StatusSold {
			if hb := listing.HighestBid(); hb != nil {
				result.Amount = hb.Amount
			}
		}
		return nil
	}

	if err := db.TryCAS(operation, db.DefaultMaxRetries); err != nil {
		if db.IsConflict(err) {
			return nil, fmt.Errorf("settling listing %s: %w", listingID.String(), ErrStoreContention)
		}
		return nil, err
	}
	return result, nil
}

// applyTransition commits one lifecycle step via CAS and updates the
// in-memory listing to match. The winner for a sold listing is the
// maximum-amount ledger entry, earliest timestamp on ties; the ledger is
// read-only here and never reordered.
func (s *settlementService) applyTransition(ctx context.Context, listing *models.Listing, next models.Status, now time.Time) error {
	if !listing.Status.CanTransitionTo(next) {
		return fmt.Errorf("listing %s: %s -> %s: %w", listing.ID.String(), listing.Status, next, ErrInvalidTransition)
	}

	set := bson.M{"status": next, "updated_at": now.UTC()}
	var winner *models.Bid
	if next == models.StatusSold {
		winner = listing.HighestBid()
		if winner == nil {
			// Guarded by NextTimedStatus; an empty ledger settles unsold.
			return fmt.Errorf("listing %s: sold with empty ledger: %w", listing.ID.String(), ErrInvalidTransition)
		}
		set["winner_id"] = winner.BidderID
	}

	result, err := s.db.Collection(listingsCollection).UpdateOne(ctx,
		bson.M{"_id": listing.ID, "version": listing.Version},
		bson.M{"$set": set, "$inc": bson.M{"version": 1}},
	)
	if err != nil {
		return fmt.Errorf("db error settling listing %s: %w", listing.ID.String(), err)
	}
	if result.MatchedCount == 0 {
		// A concurrent bid or settlement moved the version; the outer
		// retry reloads and re-decides against the committed ledger.
		return fmt.Errorf("settlement of %s lost the version race: %w", listing.ID.String(), db.ErrConflict)
	}

	listing.Status = next
	listing.Version++
	listing.UpdatedAt = now.UTC()
	if winner != nil {
		listing.WinnerID = &winner.BidderID
	}
	return nil
}

// Sweep settles every listing that is due at the given instant: approved
// listings past their open time and active listings past their close
// time. Each listing is its own unit of work; one failure is recorded
// and never blocks the rest of the sweep.
func (s *settlementService) Sweep(ctx context.Context, now time.Time) ([]SettlementResult, error) {
	filter := bson.M{"$or": bson.A{
		bson.M{"status": models.StatusApproved, "open_at": bson.M{"$lte": now.UTC()}},
		bson.M{"status": models.StatusActive, "close_at": bson.M{"$lte": now.UTC()}},
	}}

	cursor, err := s.db.Collection(listingsCollection).Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to scan listings for sweep: %w", err)
	}
	defer cursor.Close(ctx)

	var due []models.Listing
	if err = cursor.All(ctx, &due); err != nil {
		return nil, fmt.Errorf("failed to decode sweep candidates: %w", err)
	}

	results := make([]SettlementResult, 0, len(due))
	for _, listing := range due {
		res, err := s.Settle(ctx, listing.ID, now)
		if err != nil {
			log.Printf("Sweep: failed to settle listing %s: %v", listing.ID.String(), err)
			continue
		}
		results = append(results, *res)
	}
	return results, nil
}
