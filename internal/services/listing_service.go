package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"gavel/internal/config"
	"gavel/internal/db"
	"gavel/internal/models"
	"gavel/internal/utils"
)

// IListingService defines the interface for listing-related operations.
type IListingService interface {
	CreateListing(ctx context.Context, sellerID utils.SixID, title, description string, category models.Category, startingPrice float64, openAt, closeAt time.Time) (*models.Listing, error)
	FindListingByID(ctx context.Context, listingID utils.SixID) (*models.Listing, error)
	FindListingsByStatus(ctx context.Context, statuses ...models.Status) ([]models.Listing, error)
	FindListingsByCategory(ctx context.Context, category models.Category) ([]models.Listing, error)
	FindListingsBySeller(ctx context.Context, sellerID utils.SixID) ([]models.Listing, error)
	ApproveListing(ctx context.Context, listingID utils.SixID) (*models.Listing, error)
	RejectListing(ctx context.Context, listingID utils.SixID) (*models.Listing, error)
	AddImageToListing(ctx context.Context, listingID utils.SixID, imageKey string) error
}

const listingsCollection = "listings"

// listingService implements IListingService.
type listingService struct {
	db  *mongo.Database
	cfg *config.Config
}

// NewListingService creates a new ListingService.
func NewListingService(db *mongo.Database, cfg *config.Config) IListingService {
	return &listingService{db: db, cfg: cfg}
}

// CreateListing validates and inserts a new listing in the pending state.
// Approval, activation and settlement all happen later through the
// lifecycle machinery; creation never produces a biddable listing.
func (s *listingService) CreateListing(ctx context.Context, sellerID utils.SixID, title, description string, category models.Category, startingPrice float64, openAt, closeAt time.Time) (*models.Listing, error) {
	if title == "" || description == "" {
		return nil, fmt.Errorf("title and description are required")
	}
	if !models.ValidCategory(category) {
		return nil, fmt.Errorf("invalid listing category %q", category)
	}
	if startingPrice < s.cfg.MinAskingPrice {
		return nil, fmt.Errorf("starting price must be at least %.2f", s.cfg.MinAskingPrice)
	}
	now := time.Now().UTC()
	if !openAt.Before(closeAt) {
		return nil, fmt.Errorf("close time must be after open time")
	}
	if !openAt.After(now) {
		return nil, fmt.Errorf("open time must be in the future")
	}

	collection := s.db.Collection(listingsCollection)

	var newListing *models.Listing
	operation := func() error {
		newListing = &models.Listing{
			ID:            utils.NewSixID(),
			SellerID:      sellerID,
			Title:         title,
			Description:   description,
			Category:      category,
			StartingPrice: startingPrice,
			CurrentPrice:  startingPrice,
			OpenAt:        openAt.UTC(),
			CloseAt:       closeAt.UTC(),
			Status:        models.StatusPending,
			Bids:          []models.Bid{},
			Images:        []string{},
			Version:       1,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		_, insertErr := collection.InsertOne(ctx, newListing)
		return insertErr
	}

	if err := db.Try(operation); err != nil {
		return nil, fmt.Errorf("failed to insert listing for seller %s: %w", sellerID.String(), err)
	}

	return newListing, nil
}

// FindListingByID returns the listing or ErrListingNotFound. This is a
// plain snapshot read; staleness is acceptable for display but admission
// and settlement always re-check against the stored version.
func (s *listingService) FindListingByID(ctx context.Context, listingID utils.SixID) (*models.Listing, error) {
	var listing models.Listing
	err := s.db.Collection(listingsCollection).FindOne(ctx, bson.M{"_id": listingID}).Decode(&listing)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrListingNotFound
		}
		return nil, fmt.Errorf("error finding listing %s: %w", listingID.String(), err)
	}
	return &listing, nil
}

// FindListingsByStatus returns listings in any of the given states,
// newest first.
func (s *listingService) FindListingsByStatus(ctx context.Context, statuses ...models.Status) ([]models.Listing, error) {
	filter := bson.M{"status": bson.M{"$in": statuses}}
	return s.findListings(ctx, filter)
}

// FindListingsByCategory returns browsable listings in the category.
func (s *listingService) FindListingsByCategory(ctx context.Context, category models.Category) ([]models.Listing, error) {
	if !models.ValidCategory(category) {
		return nil, fmt.Errorf("invalid listing category %q", category)
	}
	filter := bson.M{
		"category": category,
		"status":   bson.M{"$in": []models.Status{models.StatusApproved, models.StatusActive}},
	}
	return s.findListings(ctx, filter)
}

// FindListingsBySeller returns all of a seller's listings regardless of state.
func (s *listingService) FindListingsBySeller(ctx context.Context, sellerID utils.SixID) ([]models.Listing, error) {
	return s.findListings(ctx, bson.M{"seller_id": sellerID})
}

func (s *listingService) findListings(ctx context.Context, filter bson.M) ([]models.Listing, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	cursor, err := s.db.Collection(listingsCollection).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query listings: %w", err)
	}
	defer cursor.Close(ctx)

	var results []models.Listing
	if err = cursor.All(ctx, &results); err != nil {
		return nil, fmt.Errorf("failed to decode listings: %w", err)
	}
	return results, nil
}

// ApproveListing moves a pending listing to approved.
func (s *listingService) ApproveListing(ctx context.Context, listingID utils.SixID) (*models.Listing, error) {
	return s.reviewListing(ctx, listingID, models.StatusApproved)
}

// RejectListing moves a pending listing to rejected, a terminal state.
func (s *listingService) RejectListing(ctx context.Context, listingID utils.SixID) (*models.Listing, error) {
	return s.reviewListing(ctx, listingID, models.StatusRejected)
}

// reviewListing applies the admin approval decision. The filter pins the
// source state so a decision races cleanly with anything else: either it
// lands on a pending listing or it matches nothing and the state is
// re-inspected to produce the right error.
func (s *listingService) reviewListing(ctx context.Context, listingID utils.SixID, decision models.Status) (*models.Listing, error) {
	if !models.StatusPending.CanTransitionTo(decision) {
		return nil, fmt.Errorf("cannot review listing into %q: %w", decision, ErrInvalidTransition)
	}

	collection := s.db.Collection(listingsCollection)
	filter := bson.M{"_id": listingID, "status": models.StatusPending}
	update := bson.M{
		"$set": bson.M{"status": decision, "updated_at": time.Now().UTC()},
		"$inc": bson.M{"version": 1},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var updated models.Listing
	err := collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&updated)
	if err == nil {
		return &updated, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("failed to review listing %s: %w", listingID.String(), err)
	}

	// No pending listing matched: distinguish unknown id from a listing
	// that already left the pending state.
	var existing models.Listing
	checkErr := collection.FindOne(ctx, bson.M{"_id": listingID}).Decode(&existing)
	if errors.Is(checkErr, mongo.ErrNoDocuments) {
		return nil, ErrListingNotFound
	}
	if checkErr != nil {
		return nil, fmt.Errorf("failed to inspect listing %s: %w", listingID.String(), checkErr)
	}
	return nil, fmt.Errorf("listing %s is %s, not pending: %w", listingID.String(), existing.Status, ErrInvalidTransition)
}

// AddImageToListing records a processed image key on a listing. Called by
// the image processing task once normalization is done.
func (s *listingService) AddImageToListing(ctx context.Context, listingID utils.SixID, imageKey string) error {
	collection := s.db.Collection(listingsCollection)
	update := bson.M{
		"$addToSet": bson.M{"images": imageKey},
		"$set":      bson.M{"updated_at": time.Now().UTC()},
	}
	result, err := collection.UpdateOne(ctx, bson.M{"_id": listingID}, update)
	if err != nil {
		return fmt.Errorf("db error adding image %s to listing %s: %w", imageKey, listingID.String(), err)
	}
	if result.MatchedCount == 0 {
		return ErrListingNotFound
	}
	return nil
}
