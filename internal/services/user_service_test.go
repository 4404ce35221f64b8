package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"

	"gavel/internal/config"
	"gavel/internal/utils"
)

func setupTestDBUser(t *testing.T, dbName string) *mongo.Database {
	db := utils.SetupTestDB(t, dbName, "users")
	require.NoError(t, EnsureUserIndexes(context.Background(), db))
	return db
}

func TestUserService_RegisterAndAuthenticate(t *testing.T) {
	db := setupTestDBUser(t, "testdb_user_service_register")
	svc := NewUserService(db, testConfig())
	ctx := context.Background()

	user, err := svc.Register(ctx, "Alice", "alice@example.com", "s3cret-password", "555-0100", "1 Main St", "")
	require.NoError(t, err)
	assert.Equal(t, "Alice", user.Name)
	assert.False(t, user.IsAdmin)
	assert.NotEqual(t, "s3cret-password", user.PasswordHash)

	// Duplicate email
	_, err = svc.Register(ctx, "Alice Again", "alice@example.com", "another-password", "", "", "")
	assert.ErrorIs(t, err, ErrEmailTaken)

	// Validation
	_, err = svc.Register(ctx, "", "bob@example.com", "s3cret-password", "", "", "")
	assert.Error(t, err)
	_, err = svc.Register(ctx, "Bob", "bob@example.com", "short", "", "", "")
	assert.Error(t, err)

	authed, err := svc.Authenticate(ctx, "alice@example.com", "s3cret-password")
	require.NoError(t, err)
	assert.Equal(t, user.ID, authed.ID)

	_, err = svc.Authenticate(ctx, "alice@example.com", "wrong-password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = svc.Authenticate(ctx, "nobody@example.com", "s3cret-password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestUserService_AdminBootstrap(t *testing.T) {
	db := setupTestDBUser(t, "testdb_user_service_admin")
	cfg := testConfig()
	cfg.AdminSignupKey = "letmein"
	svc := NewUserService(db, cfg)
	ctx := context.Background()

	admin, err := svc.Register(ctx, "Root", "root@example.com", "s3cret-password", "", "", "letmein")
	require.NoError(t, err)
	assert.True(t, admin.IsAdmin)

	plain, err := svc.Register(ctx, "Plain", "plain@example.com", "s3cret-password", "", "", "wrongkey")
	require.NoError(t, err)
	assert.False(t, plain.IsAdmin)

	// With no key configured, nothing grants admin.
	noKey := NewUserService(db, testConfig())
	user, err := noKey.Register(ctx, "Sneaky", "sneaky@example.com", "s3cret-password", "", "", "")
	require.NoError(t, err)
	assert.False(t, user.IsAdmin)
}

func TestUserService_FindAndUpdateProfile(t *testing.T) {
	db := setupTestDBUser(t, "testdb_user_service_profile")
	svc := NewUserService(db, &config.Config{})
	ctx := context.Background()

	user, err := svc.Register(ctx, "Carol", "carol@example.com", "s3cret-password", "555-0101", "2 Oak Ave", "")
	require.NoError(t, err)

	found, err := svc.FindUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "carol@example.com", found.Email)

	_, err = svc.FindUserByID(ctx, utils.NewSixID())
	assert.ErrorIs(t, err, ErrUserNotFound)

	updated, err := svc.UpdateProfile(ctx, user.ID, map[string]interface{}{"name": "Caroline", "address": "3 Elm St"})
	require.NoError(t, err)
	assert.Equal(t, "Caroline", updated.Name)
	assert.Equal(t, "3 Elm St", updated.Address)
	assert.Equal(t, "555-0101", updated.Contact)

	// Protected fields are not updatable.
	_, err = svc.UpdateProfile(ctx, user.ID, map[string]interface{}{"is_admin": true})
	assert.Error(t, err)
	_, err = svc.UpdateProfile(ctx, user.ID, map[string]interface{}{"email": "new@example.com"})
	assert.Error(t, err)
	_, err = svc.UpdateProfile(ctx, user.ID, map[string]interface{}{})
	assert.Error(t, err)

	_, err = svc.UpdateProfile(ctx, utils.NewSixID(), map[string]interface{}{"name": "Ghost"})
	assert.ErrorIs(t, err, ErrUserNotFound)
}
