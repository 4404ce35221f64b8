package handlers

import (
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"gavel/internal/api/middleware"
	"gavel/internal/models"
	"gavel/internal/services"
	"gavel/internal/storage"
	"gavel/internal/tasks"
	"gavel/internal/utils"
)

// RestListingHandler handles REST requests for listings and bids.
type RestListingHandler struct {
	listingService    services.IListingService
	bidService        services.IBidService
	settlementService services.ISettlementService
	storageService    storage.IS3Storage
	taskClient        tasks.Enqueuer
	notifier          *tasks.Notifier
}

// NewRestListingHandler creates a new RestListingHandler.
func NewRestListingHandler(
	listingService services.IListingService,
	bidService services.IBidService,
	settlementService services.ISettlementService,
	storageService storage.IS3Storage,
	taskClient tasks.Enqueuer,
	notifier *tasks.Notifier,
) *RestListingHandler {
	return &RestListingHandler{
		listingService:    listingService,
		bidService:        bidService,
		settlementService: settlementService,
		storageService:    storageService,
		taskClient:        taskClient,
		notifier:          notifier,
	}
}

// requestUserID extracts the authenticated user's ID set by AuthMiddleware.
func requestUserID(c *gin.Context) (utils.SixID, bool) {
	raw, exists := c.Get(middleware.ContextKeyUserID)
	if !exists {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return utils.SixID{}, false
	}
	userID, err := utils.ParseSixID(raw.(string))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid user identity"})
		return utils.SixID{}, false
	}
	return userID, true
}

// ListOpenListings handles GET /v1/listing
func (h *RestListingHandler) ListOpenListings(c *gin.Context) {
	listings, err := h.listingService.FindListingsByStatus(c.Request.Context(), models.StatusApproved, models.StatusActive)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve listings"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": listings})
}

// ListByCategory handles GET /v1/listing/category/:category
func (h *RestListingHandler) ListByCategory(c *gin.Context) {
	category := models.Category(c.Param("category"))
	if !models.ValidCategory(category) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown category"})
		return
	}

	listings, err := h.listingService.FindListingsByCategory(c.Request.Context(), category)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve listings"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": listings})
}

// GetListingByID handles GET /v1/listing/:id. A listing that is due for
// a time-driven transition is settled before it is returned, so readers
// never see an expired auction still marked active.
func (h *RestListingHandler) GetListingByID(c *gin.Context) {
	listingID, err := utils.ParseSixID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid listing ID format"})
		return
	}

	ctx := c.Request.Context()
	listing, err := h.listingService.FindListingByID(ctx, listingID)
	if err != nil {
		if errors.Is(err, services.ErrListingNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Listing not found"})
		} else {
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve listing"})
		}
		return
	}

	now := time.Now().UTC()
	if listing.NextTimedStatus(now) != "" {
		if res, err := h.settlementService.Settle(ctx, listingID, now); err != nil {
			// Stale but valid state; the sweeper will settle it shortly.
			log.Printf("Settle-on-read failed for listing %s: %v", listingID.String(), err)
		} else {
			// Reads race the sweep for settlement; whoever wins owes the
			// outcome emails.
			h.notifier.NotifyResult(ctx, *res)
			if refreshed, err := h.listingService.FindListingByID(ctx, listingID); err == nil {
				listing = refreshed
			}
		}
	}

	c.JSON(http.StatusOK, listing)
}

// GetSellerListings handles GET /v1/seller/:id/listing
func (h *RestListingHandler) GetSellerListings(c *gin.Context) {
	sellerID, err := utils.ParseSixID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid seller ID format"})
		return
	}

	listings, err := h.listingService.FindListingsBySeller(c.Request.Context(), sellerID)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve listings"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": listings})
}

// CreateListingRequest is the payload for POST /v1/listing.
type CreateListingRequest struct {
	Title         string    `json:"title" binding:"required"`
	Description   string    `json:"description" binding:"required"`
	Category      string    `json:"category" binding:"required"`
	StartingPrice float64   `json:"starting_price" binding:"required"`
	OpenAt        time.Time `json:"open_at" binding:"required"`
	CloseAt       time.Time `json:"close_at" binding:"required"`
}

// CreateListing handles POST /v1/listing. The new listing starts in the
// pending state and goes nowhere until an admin reviews it.
func (h *RestListingHandler) CreateListing(c *gin.Context) {
	sellerID, ok := requestUserID(c)
	if !ok {
		return
	}

	var req CreateListingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	listing, err := h.listingService.CreateListing(c.Request.Context(), sellerID,
		req.Title, req.Description, models.Category(req.Category), req.StartingPrice, req.OpenAt, req.CloseAt)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, listing)
}

// PlaceBidRequest is the payload for POST /v1/listing/:id/bid.
type PlaceBidRequest struct {
	Amount float64 `json:"amount" binding:"required"`
}

// PlaceBid handles POST /v1/listing/:id/bid.
func (h *RestListingHandler) PlaceBid(c *gin.Context) {
	bidderID, ok := requestUserID(c)
	if !ok {
		return
	}

	listingID, err := utils.ParseSixID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid listing ID format"})
		return
	}

	var req PlaceBidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	bid, err := h.bidService.PlaceBid(c.Request.Context(), listingID, bidderID, req.Amount, time.Now().UTC())
	if err != nil {
		h.respondBidError(c, err)
		return
	}

	c.JSON(http.StatusCreated, bid)
}

// respondBidError maps bid admission errors to HTTP responses. A too-low
// rejection echoes the price that beat it so the client can re-bid
// without another round trip.
func (h *RestListingHandler) respondBidError(c *gin.Context, err error) {
	if tooLow, ok := services.AsBidTooLow(err); ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":         tooLow.Error(),
			"current_price": tooLow.CurrentPrice,
		})
		return
	}
	switch {
	case errors.Is(err, services.ErrListingNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Listing not found"})
	case errors.Is(err, services.ErrAuctionNotOpen):
		c.JSON(http.StatusConflict, gin.H{"error": "Auction is not open for bidding"})
	case errors.Is(err, services.ErrSellerCannotBid):
		c.JSON(http.StatusForbidden, gin.H{"error": "Sellers cannot bid on their own listings"})
	case errors.Is(err, services.ErrStoreContention):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Bidding is busy, please retry"})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to place bid"})
	}
}

// ImageUploadRequest is the payload for POST /v1/listing/:id/image.
type ImageUploadRequest struct {
	Filename    string `json:"filename" binding:"required"`
	ContentType string `json:"content_type" binding:"required"`
}

// RequestImageUpload handles POST /v1/listing/:id/image. Only the seller
// may attach images; the response carries a presigned PUT URL and the
// object key to confirm with once the upload finishes.
func (h *RestListingHandler) RequestImageUpload(c *gin.Context) {
	sellerID, ok := requestUserID(c)
	if !ok {
		return
	}

	listingID, err := utils.ParseSixID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid listing ID format"})
		return
	}

	var req ImageUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	listing, err := h.listingService.FindListingByID(c.Request.Context(), listingID)
	if err != nil {
		if errors.Is(err, services.ErrListingNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Listing not found"})
		} else {
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve listing"})
		}
		return
	}
	if listing.SellerID != sellerID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Only the seller can add images"})
		return
	}

	url, key, err := h.storageService.GeneratePresignedPutURL(c.Request.Context(),
		sellerID.String(), listingID.String(), req.Filename, req.ContentType)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to prepare upload"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"upload_url": url, "key": key})
}

// ImageCompleteRequest is the payload for POST /v1/listing/:id/image/complete.
type ImageCompleteRequest struct {
	Key string `json:"key" binding:"required"`
}

// ConfirmImageUpload handles POST /v1/listing/:id/image/complete. It
// enqueues the normalization task; the image appears on the listing once
// the worker has processed it.
func (h *RestListingHandler) ConfirmImageUpload(c *gin.Context) {
	sellerID, ok := requestUserID(c)
	if !ok {
		return
	}

	listingID, err := utils.ParseSixID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid listing ID format"})
		return
	}

	var req ImageCompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	listing, err := h.listingService.FindListingByID(c.Request.Context(), listingID)
	if err != nil {
		if errors.Is(err, services.ErrListingNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Listing not found"})
		} else {
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve listing"})
		}
		return
	}
	if listing.SellerID != sellerID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Only the seller can add images"})
		return
	}

	task, err := tasks.NewImageProcessTask(listingID, req.Key)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to schedule image processing"})
		return
	}
	if _, err := h.taskClient.EnqueueContext(c.Request.Context(), task); err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to schedule image processing"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "processing"})
}
