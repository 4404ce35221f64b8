package api

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"gavel/internal/api/handlers"
	"gavel/internal/api/middleware"
	"gavel/internal/config"
	"gavel/internal/services"
	"gavel/internal/storage"
	"gavel/internal/tasks"
)

// SetupRouter configures and returns the main Gin engine.
func SetupRouter(cfg *config.Config, db *mongo.Database, rdb *redis.Client, taskClient tasks.Enqueuer) *gin.Engine {
	// Initialize services needed by API handlers
	userService := services.NewUserService(db, cfg)
	listingService := services.NewListingService(db, cfg)
	bidService := services.NewBidService(db, rdb, cfg)
	settlementService := services.NewSettlementService(db, cfg)
	s3StorageService, err := storage.NewS3Storage(cfg)
	if err != nil {
		log.Fatalf("CRITICAL: Failed to initialize S3 storage for API: %v", err)
	}

	r := gin.Default()

	rateLimiter := middleware.NewRateLimiterMiddleware(cfg)
	r.Use(middleware.CORSMiddleware())
	r.Use(rateLimiter.Limit())

	// Initialize handlers. The notifier is shared so settlement emails go
	// out no matter which entry point settles a listing first.
	notifier := tasks.NewNotifier(listingService, userService, taskClient)
	restListingHandler := handlers.NewRestListingHandler(listingService, bidService, settlementService, s3StorageService, taskClient, notifier)
	restUserHandler := handlers.NewRestUserHandler(userService, bidService, cfg)
	restAdminHandler := handlers.NewRestAdminHandler(listingService, settlementService, userService, taskClient, notifier)

	v1 := r.Group("/v1")
	{
		// Public routes
		v1.POST("/auth/register", restUserHandler.Register)
		v1.POST("/auth/login", restUserHandler.Login)

		v1.GET("/listing", restListingHandler.ListOpenListings)
		v1.GET("/listing/category/:category", restListingHandler.ListByCategory)
		v1.GET("/listing/:id", restListingHandler.GetListingByID)
		v1.GET("/seller/:id/listing", restListingHandler.GetSellerListings)

		v1.GET("/ping", func(c *gin.Context) {
			c.String(http.StatusOK, "pong")
		})

		// Authenticated routes
		authRequired := v1.Group("/")
		authRequired.Use(middleware.AuthMiddleware(cfg.JwtSecret))
		{
			authRequired.POST("/listing", restListingHandler.CreateListing)
			authRequired.POST("/listing/:id/bid", restListingHandler.PlaceBid)
			authRequired.POST("/listing/:id/image", restListingHandler.RequestImageUpload)
			authRequired.POST("/listing/:id/image/complete", restListingHandler.ConfirmImageUpload)

			authRequired.GET("/me", restUserHandler.GetProfile)
			authRequired.PUT("/me", restUserHandler.UpdateProfile)
			authRequired.GET("/me/bids", restUserHandler.GetMyBids)
		}

		// Admin routes
		adminRequired := v1.Group("/admin")
		adminRequired.Use(middleware.AuthMiddleware(cfg.JwtSecret), middleware.AdminMiddleware())
		{
			adminRequired.GET("/listing/pending", restAdminHandler.GetPendingListings)
			adminRequired.GET("/listing/sold", restAdminHandler.GetSoldListings)
			adminRequired.POST("/listing/:id/approve", restAdminHandler.ApproveListing)
			adminRequired.POST("/listing/:id/reject", restAdminHandler.RejectListing)
			adminRequired.POST("/sweep", restAdminHandler.TriggerSweep)
		}
	}

	return r
}
