package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"gavel/internal/auth"
	"gavel/internal/config"
	"gavel/internal/services"
)

// RestUserHandler handles account registration, login and profile access.
type RestUserHandler struct {
	userService services.IUserService
	bidService  services.IBidService
	cfg         *config.Config
}

// NewRestUserHandler creates a new RestUserHandler.
func NewRestUserHandler(userService services.IUserService, bidService services.IBidService, cfg *config.Config) *RestUserHandler {
	return &RestUserHandler{
		userService: userService,
		bidService:  bidService,
		cfg:         cfg,
	}
}

// RegisterRequest is the payload for POST /v1/auth/register.
type RegisterRequest struct {
	Name     string `json:"name" binding:"required"`
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
	Contact  string `json:"contact"`
	Address  string `json:"address"`
	AdminKey string `json:"admin_key"`
}

// Register handles POST /v1/auth/register.
func (h *RestUserHandler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	user, err := h.userService.Register(c.Request.Context(), req.Name, req.Email, req.Password, req.Contact, req.Address, req.AdminKey)
	if err != nil {
		if errors.Is(err, services.ErrEmailTaken) {
			c.JSON(http.StatusConflict, gin.H{"error": "An account with this email already exists"})
		} else {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		}
		return
	}

	token, err := auth.GenerateJWT(user.ID, user.IsAdmin, h.cfg.JwtSecret, h.cfg.JwtTTL)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to issue token"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"user": user, "token": token})
}

// LoginRequest is the payload for POST /v1/auth/login.
type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// Login handles POST /v1/auth/login.
func (h *RestUserHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	user, err := h.userService.Authenticate(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, services.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid email or password"})
		} else {
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Login failed"})
		}
		return
	}

	token, err := auth.GenerateJWT(user.ID, user.IsAdmin, h.cfg.JwtSecret, h.cfg.JwtTTL)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to issue token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"user": user, "token": token})
}

// GetProfile handles GET /v1/me.
func (h *RestUserHandler) GetProfile(c *gin.Context) {
	userID, ok := requestUserID(c)
	if !ok {
		return
	}

	user, err := h.userService.FindUserByID(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, services.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
		} else {
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve profile"})
		}
		return
	}

	c.JSON(http.StatusOK, user)
}

// UpdateProfileRequest is the payload for PUT /v1/me.
type UpdateProfileRequest struct {
	Name    *string `json:"name"`
	Contact *string `json:"contact"`
	Address *string `json:"address"`
}

// UpdateProfile handles PUT /v1/me.
func (h *RestUserHandler) UpdateProfile(c *gin.Context) {
	userID, ok := requestUserID(c)
	if !ok {
		return
	}

	var req UpdateProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	updates := map[string]interface{}{}
	if req.Name != nil {
		updates["name"] = *req.Name
	}
	if req.Contact != nil {
		updates["contact"] = *req.Contact
	}
	if req.Address != nil {
		updates["address"] = *req.Address
	}

	user, err := h.userService.UpdateProfile(c.Request.Context(), userID, updates)
	if err != nil {
		if errors.Is(err, services.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
		} else {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, user)
}

// GetMyBids handles GET /v1/me/bids, returning the listings the
// authenticated user has bid on.
func (h *RestUserHandler) GetMyBids(c *gin.Context) {
	userID, ok := requestUserID(c)
	if !ok {
		return
	}

	listings, err := h.bidService.FindBidsByBidder(c.Request.Context(), userID)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve bid history"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": listings})
}
