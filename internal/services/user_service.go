package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"gavel/internal/auth"
	"gavel/internal/config"
	"gavel/internal/db"
	"gavel/internal/models"
	"gavel/internal/utils"
)

// IUserService defines the interface for account operations.
type IUserService interface {
	Register(ctx context.Context, name, email, password, contact, address, adminKey string) (*models.User, error)
	Authenticate(ctx context.Context, email, password string) (*models.User, error)
	FindUserByID(ctx context.Context, userID utils.SixID) (*models.User, error)
	UpdateProfile(ctx context.Context, userID utils.SixID, updates map[string]interface{}) (*models.User, error)
}

const usersCollection = "users"

// userService implements IUserService.
type userService struct {
	db  *mongo.Database
	cfg *config.Config
}

// NewUserService creates a new UserService.
func NewUserService(db *mongo.Database, cfg *config.Config) IUserService {
	return &userService{db: db, cfg: cfg}
}

// Register creates a new account. Supplying the admin signup key grants
// the admin flag; an empty configured key disables admin bootstrap
// entirely.
func (s *userService) Register(ctx context.Context, name, email, password, contact, address, adminKey string) (*models.User, error) {
	if name == "" || email == "" {
		return nil, fmt.Errorf("name and email are required")
	}
	if len(password) < 8 {
		return nil, fmt.Errorf("password must be at least 8 characters")
	}

	collection := s.db.Collection(usersCollection)

	count, err := collection.CountDocuments(ctx, bson.M{"email": email})
	if err != nil {
		return nil, fmt.Errorf("error checking email %s: %w", email, err)
	}
	if count > 0 {
		return nil, ErrEmailTaken
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var newUser *models.User
	operation := func() error {
		newUser = &models.User{
			ID:           utils.NewSixID(),
			Name:         name,
			Email:        email,
			PasswordHash: hash,
			Contact:      contact,
			Address:      address,
			IsAdmin:      s.cfg.AdminSignupKey != "" && adminKey == s.cfg.AdminSignupKey,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		_, insertErr := collection.InsertOne(ctx, newUser)
		return insertErr
	}

	if err := db.Try(operation); err != nil {
		// The unique index on email closes the check-then-insert race.
		if db.IsMongoDuplicateKeyError(err) {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("failed to insert user %s: %w", email, err)
	}

	return newUser, nil
}

// Authenticate verifies an email/password pair. Unknown email and wrong
// password collapse into the same error so the response never reveals
// which accounts exist.
func (s *userService) Authenticate(ctx context.Context, email, password string) (*models.User, error) {
	var user models.User
	err := s.db.Collection(usersCollection).FindOne(ctx, bson.M{"email": email}).Decode(&user)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("error finding user by email: %w", err)
	}

	if !auth.CheckPasswordHash(password, user.PasswordHash) {
		return nil, ErrInvalidCredentials
	}
	return &user, nil
}

// FindUserByID returns the user or ErrUserNotFound.
func (s *userService) FindUserByID(ctx context.Context, userID utils.SixID) (*models.User, error) {
	var user models.User
	err := s.db.Collection(usersCollection).FindOne(ctx, bson.M{"_id": userID}).Decode(&user)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("error finding user %s: %w", userID.String(), err)
	}
	return &user, nil
}

// UpdateProfile applies a partial update to the user's own profile
// fields. Email, password and the admin flag are not reachable here.
func (s *userService) UpdateProfile(ctx context.Context, userID utils.SixID, updates map[string]interface{}) (*models.User, error) {
	allowedUpdates := bson.M{}
	for key, value := range updates {
		switch key {
		case "name", "contact", "address":
			allowedUpdates[key] = value
		default:
			return nil, fmt.Errorf("field %q cannot be updated", key)
		}
	}
	if len(allowedUpdates) == 0 {
		return nil, fmt.Errorf("no updatable fields provided")
	}
	allowedUpdates["updated_at"] = time.Now().UTC()

	result, err := s.db.Collection(usersCollection).UpdateOne(ctx,
		bson.M{"_id": userID},
		bson.M{"$set": allowedUpdates},
	)
	if err != nil {
		return nil, fmt.Errorf("db error updating user %s: %w", userID.String(), err)
	}
	if result.MatchedCount == 0 {
		return nil, ErrUserNotFound
	}
	return s.FindUserByID(ctx, userID)
}

// EnsureUserIndexes creates the unique email index. Called once at startup.
func EnsureUserIndexes(ctx context.Context, database *mongo.Database) error {
	_, err := database.Collection(usersCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "email", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("failed to create user indexes: %w", err)
	}
	return nil
}
