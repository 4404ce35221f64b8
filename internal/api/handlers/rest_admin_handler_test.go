package handlers_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"gavel/internal/api/handlers"
	"gavel/internal/models"
	"gavel/internal/services"
	"gavel/internal/tasks"
	"gavel/internal/utils"
)

type adminHandlerMocks struct {
	listingSvc    *MockListingService
	settlementSvc *MockSettlementService
	userSvc       *MockUserService
	enqueuer      *MockEnqueuer
}

func newAdminHandler() (*handlers.RestAdminHandler, *adminHandlerMocks) {
	m := &adminHandlerMocks{
		listingSvc:    new(MockListingService),
		settlementSvc: new(MockSettlementService),
		userSvc:       new(MockUserService),
		enqueuer:      new(MockEnqueuer),
	}
	notifier := tasks.NewNotifier(m.listingSvc, m.userSvc, m.enqueuer)
	h := handlers.NewRestAdminHandler(m.listingSvc, m.settlementSvc, m.userSvc, m.enqueuer, notifier)
	return h, m
}

func TestRestAdminHandler_GetPendingListings(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler, m := newAdminHandler()

	r := gin.New()
	r.GET("/v1/admin/listing/pending", handler.GetPendingListings)

	pending := []models.Listing{{ID: utils.NewSixID(), Status: models.StatusPending}}
	m.listingSvc.On("FindListingsByStatus", mock.Anything, models.StatusPending).Return(pending, nil)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/v1/admin/listing/pending", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	m.listingSvc.AssertExpectations(t)
}

func TestRestAdminHandler_ApproveListing(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler, m := newAdminHandler()

	r := gin.New()
	r.POST("/v1/admin/listing/:id/approve", handler.ApproveListing)

	listingID := utils.NewSixID()
	sellerID := utils.NewSixID()
	approved := &models.Listing{
		ID:       listingID,
		SellerID: sellerID,
		Title:    "Approved Item",
		Status:   models.StatusApproved,
		OpenAt:   time.Now().Add(time.Hour),
		CloseAt:  time.Now().Add(25 * time.Hour),
	}
	seller := &models.User{ID: sellerID, Name: "Seller", Email: "seller@example.com"}

	m.listingSvc.On("ApproveListing", mock.Anything, listingID).Return(approved, nil)
	m.userSvc.On("FindUserByID", mock.Anything, sellerID).Return(seller, nil)
	m.enqueuer.On("EnqueueContext", mock.Anything, mock.Anything, mock.Anything).Return(nil, nil)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/v1/admin/listing/"+listingID.String()+"/approve", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var respBody models.Listing
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &respBody))
	assert.Equal(t, models.StatusApproved, respBody.Status)
	m.listingSvc.AssertExpectations(t)
	m.enqueuer.AssertExpectations(t)
}

func TestRestAdminHandler_RejectListing_NotPending(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler, m := newAdminHandler()

	r := gin.New()
	r.POST("/v1/admin/listing/:id/reject", handler.RejectListing)

	listingID := utils.NewSixID()
	m.listingSvc.On("RejectListing", mock.Anything, listingID).Return(nil, services.ErrInvalidTransition)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/v1/admin/listing/"+listingID.String()+"/reject", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusConflict, w.Code)
	m.enqueuer.AssertNotCalled(t, "EnqueueContext")
}

func TestRestAdminHandler_ReviewListing_NotFound(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler, m := newAdminHandler()

	r := gin.New()
	r.POST("/v1/admin/listing/:id/approve", handler.ApproveListing)

	listingID := utils.NewSixID()
	m.listingSvc.On("ApproveListing", mock.Anything, listingID).Return(nil, services.ErrListingNotFound)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/v1/admin/listing/"+listingID.String()+"/approve", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRestAdminHandler_TriggerSweep(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler, m := newAdminHandler()

	r := gin.New()
	r.POST("/v1/admin/sweep", handler.TriggerSweep)

	listingID := utils.NewSixID()
	sellerID := utils.NewSixID()
	winnerID := utils.NewSixID()
	results := []services.SettlementResult{
		{ListingID: listingID, Status: models.StatusSold, WinnerID: &winnerID, Amount: 99.0, Changed: true},
	}
	m.settlementSvc.On("Sweep", mock.Anything, mock.Anything).Return(results, nil)
	m.listingSvc.On("FindListingByID", mock.Anything, listingID).Return(&models.Listing{
		ID: listingID, SellerID: sellerID, Title: "Swept Item",
	}, nil)
	m.userSvc.On("FindUserByID", mock.Anything, sellerID).Return(&models.User{ID: sellerID, Name: "Seller", Email: "seller@example.com"}, nil)
	m.userSvc.On("FindUserByID", mock.Anything, winnerID).Return(&models.User{ID: winnerID, Name: "Winner", Email: "winner@example.com"}, nil)
	// A manual sweep owes the same outcome emails as the scheduled one.
	m.enqueuer.On("EnqueueContext", mock.Anything, mock.Anything, mock.Anything).Return(nil, nil).Times(2)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/v1/admin/sweep", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var respBody map[string][]services.SettlementResult
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &respBody))
	assert.Len(t, respBody["settled"], 1)
	m.settlementSvc.AssertExpectations(t)
	m.enqueuer.AssertExpectations(t)
}
