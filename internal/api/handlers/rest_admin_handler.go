package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"gavel/internal/models"
	"gavel/internal/services"
	"gavel/internal/tasks"
	"gavel/internal/utils"
)

// RestAdminHandler handles the moderation endpoints. All routes are
// behind AdminMiddleware.
type RestAdminHandler struct {
	listingService    services.IListingService
	settlementService services.ISettlementService
	userService       services.IUserService
	taskClient        tasks.Enqueuer
	notifier          *tasks.Notifier
}

// NewRestAdminHandler creates a new RestAdminHandler.
func NewRestAdminHandler(
	listingService services.IListingService,
	settlementService services.ISettlementService,
	userService services.IUserService,
	taskClient tasks.Enqueuer,
	notifier *tasks.Notifier,
) *RestAdminHandler {
	return &RestAdminHandler{
		listingService:    listingService,
		settlementService: settlementService,
		userService:       userService,
		taskClient:        taskClient,
		notifier:          notifier,
	}
}

// GetPendingListings handles GET /v1/admin/listing/pending.
func (h *RestAdminHandler) GetPendingListings(c *gin.Context) {
	listings, err := h.listingService.FindListingsByStatus(c.Request.Context(), models.StatusPending)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve pending listings"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": listings})
}

// GetSoldListings handles GET /v1/admin/listing/sold.
func (h *RestAdminHandler) GetSoldListings(c *gin.Context) {
	listings, err := h.listingService.FindListingsByStatus(c.Request.Context(), models.StatusSold)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve sold listings"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": listings})
}

// ApproveListing handles POST /v1/admin/listing/:id/approve.
func (h *RestAdminHandler) ApproveListing(c *gin.Context) {
	h.reviewListing(c, true)
}

// RejectListing handles POST /v1/admin/listing/:id/reject.
func (h *RestAdminHandler) RejectListing(c *gin.Context) {
	h.reviewListing(c, false)
}

func (h *RestAdminHandler) reviewListing(c *gin.Context, approve bool) {
	listingID, err := utils.ParseSixID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid listing ID format"})
		return
	}

	ctx := c.Request.Context()
	var listing *models.Listing
	if approve {
		listing, err = h.listingService.ApproveListing(ctx, listingID)
	} else {
		listing, err = h.listingService.RejectListing(ctx, listingID)
	}
	if err != nil {
		switch {
		case errors.Is(err, services.ErrListingNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Listing not found"})
		case errors.Is(err, services.ErrInvalidTransition):
			c.JSON(http.StatusConflict, gin.H{"error": "Listing is not pending review"})
		default:
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to review listing"})
		}
		return
	}

	h.notifySeller(ctx, listing, approve)
	c.JSON(http.StatusOK, listing)
}

// notifySeller enqueues the review outcome email. Best effort.
func (h *RestAdminHandler) notifySeller(ctx context.Context, listing *models.Listing, approved bool) {
	seller, err := h.userService.FindUserByID(ctx, listing.SellerID)
	if err != nil {
		log.Printf("Cannot notify seller of listing %s: %v", listing.ID.String(), err)
		return
	}

	templateName := "listing-rejected"
	data := map[string]interface{}{
		"Name":  seller.Name,
		"Title": listing.Title,
	}
	if approved {
		templateName = "listing-approved"
		data["OpenAt"] = listing.OpenAt.Format(time.RFC1123)
		data["CloseAt"] = listing.CloseAt.Format(time.RFC1123)
	}

	task, err := tasks.NewEmailDeliveryTask(seller.Email, templateName, data)
	if err != nil {
		log.Printf("Failed to build review email for listing %s: %v", listing.ID.String(), err)
		return
	}
	if _, err := h.taskClient.EnqueueContext(ctx, task); err != nil {
		log.Printf("Failed to enqueue review email for listing %s: %v", listing.ID.String(), err)
	}
}

// TriggerSweep handles POST /v1/admin/sweep, running a settlement sweep
// immediately instead of waiting for the scheduled one.
func (h *RestAdminHandler) TriggerSweep(c *gin.Context) {
	results, err := h.settlementService.Sweep(c.Request.Context(), time.Now().UTC())
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Sweep failed"})
		return
	}
	h.notifier.NotifyResults(c.Request.Context(), results)
	c.JSON(http.StatusOK, gin.H{"settled": results})
}
