package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/triplog-app/triplog/internal/api/middleware"
	"github.com/triplog-app/triplog/internal/db"
	"github.com/triplog-app/triplog/internal/models"
)

// DeviceAccountStore defines the persistence surface for account and device
// registration.
type DeviceAccountStore interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	CreateDevice(ctx context.Context, device *models.Device) error
	ListDevicesByUser(ctx context.Context, userID uuid.UUID) ([]*models.Device, error)
	DeleteDevice(ctx context.Context, id uuid.UUID) error
}

// DevicesHandler handles account signup and device registration endpoints.
type DevicesHandler struct {
	store  DeviceAccountStore
	logger zerolog.Logger
}

// NewDevicesHandler creates a new DevicesHandler.
func NewDevicesHandler(store DeviceAccountStore, logger zerolog.Logger) *DevicesHandler {
	return &DevicesHandler{
		store:  store,
		logger: logger.With().Str("component", "devices_handler").Logger(),
	}
}

// RegisterPublicRoutes registers routes reachable without a device token.
func (h *DevicesHandler) RegisterPublicRoutes(r *gin.RouterGroup) {
	r.POST("/signup", h.Signup)
	r.POST("/devices/register", h.Register)
}

// RegisterRoutes registers device management routes on the authenticated group.
func (h *DevicesHandler) RegisterRoutes(r *gin.RouterGroup) {
	devices := r.Group("/devices")
	{
		devices.GET("", h.List)
		devices.DELETE("/:id", h.Revoke)
	}
}

// SignupRequest is the request body for account creation.
type SignupRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8,max=72"`
	Name     string `json:"name" binding:"max=255"`
}

// Signup creates a new user account on the trial tier.
// POST /api/v1/signup
func (h *DevicesHandler) Signup(c *gin.Context) {
	var req SignupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	if existing, err := h.store.GetUserByEmail(c.Request.Context(), req.Email); err == nil && existing != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "email already registered"})
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to hash password")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create account"})
		return
	}

	user := models.NewUser(req.Email, req.Name, string(hash))
	if err := h.store.CreateUser(c.Request.Context(), user); err != nil {
		h.logger.Error().Err(err).Str("email", req.Email).Msg("failed to create user")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create account"})
		return
	}

	h.logger.Info().Str("user_id", user.ID.String()).Msg("account created")
	c.JSON(http.StatusCreated, user)
}

// RegisterDeviceRequest is the request body for device registration.
type RegisterDeviceRequest struct {
	Email      string `json:"email" binding:"required,email"`
	Password   string `json:"password" binding:"required"`
	DeviceName string `json:"device_name" binding:"required,min=1,max=255"`
	Platform   string `json:"platform" binding:"max=64"`
}

// RegisterDeviceResponse is the response for device registration.
type RegisterDeviceResponse struct {
	DeviceID uuid.UUID `json:"device_id"`
	Token    string    `json:"token"` // Only returned once at registration
}

// Register authenticates the user and issues a device token.
// POST /api/v1/devices/register
func (h *DevicesHandler) Register(c *gin.Context) {
	var req RegisterDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	user, err := h.store.GetUserByEmail(c.Request.Context(), req.Email)
	if err != nil || user == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	device, token, err := models.NewDevice(user.ID, req.DeviceName, req.Platform)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to generate device token")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to register device"})
		return
	}

	if err := h.store.CreateDevice(c.Request.Context(), device); err != nil {
		h.logger.Error().Err(err).Str("user_id", user.ID.String()).Msg("failed to create device")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to register device"})
		return
	}

	h.logger.Info().
		Str("user_id", user.ID.String()).
		Str("device_id", device.ID.String()).
		Str("name", device.Name).
		Msg("device registered")

	c.JSON(http.StatusCreated, RegisterDeviceResponse{
		DeviceID: device.ID,
		Token:    token,
	})
}

// List returns all devices registered by the authenticated user.
// GET /api/v1/devices
func (h *DevicesHandler) List(c *gin.Context) {
	device := middleware.RequireDevice(c)
	if device == nil {
		return
	}

	devices, err := h.store.ListDevicesByUser(c.Request.Context(), device.UserID)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", device.UserID.String()).Msg("failed to list devices")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list devices"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"devices": devices})
}

// Revoke deletes one of the authenticated user's devices, invalidating its token.
// DELETE /api/v1/devices/:id
func (h *DevicesHandler) Revoke(c *gin.Context) {
	device := middleware.RequireDevice(c)
	if device == nil {
		return
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid device id"})
		return
	}

	// Only the owner's devices are visible for revocation.
	devices, err := h.store.ListDevicesByUser(c.Request.Context(), device.UserID)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", device.UserID.String()).Msg("failed to list devices")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to revoke device"})
		return
	}
	owned := false
	for _, d := range devices {
		if d.ID == id {
			owned = true
			break
		}
	}
	if !owned {
		c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
		return
	}

	if err := h.store.DeleteDevice(c.Request.Context(), id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
			return
		}
		h.logger.Error().Err(err).Str("device_id", id.String()).Msg("failed to delete device")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to revoke device"})
		return
	}

	h.logger.Info().
		Str("user_id", device.UserID.String()).
		Str("device_id", id.String()).
		Msg("device revoked")

	c.JSON(http.StatusOK, gin.H{"status": "revoked"})
}
