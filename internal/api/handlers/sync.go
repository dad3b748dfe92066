// Package handlers provides HTTP handlers for the Triplog API.
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/triplog-app/triplog/internal/api/middleware"
	"github.com/triplog-app/triplog/internal/models"
	syncsvc "github.com/triplog-app/triplog/internal/sync"
)

// Syncer applies a batch of client operations and returns the delta feed.
type Syncer interface {
	Sync(ctx context.Context, p syncsvc.Principal, req *models.SyncRequest) (*models.SyncResponse, error)
}

// SyncHandler handles the push/pull sync endpoint.
type SyncHandler struct {
	svc    Syncer
	logger zerolog.Logger
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(svc Syncer, logger zerolog.Logger) *SyncHandler {
	return &SyncHandler{
		svc:    svc,
		logger: logger.With().Str("component", "sync_handler").Logger(),
	}
}

// RegisterRoutes registers sync routes on the given router group.
func (h *SyncHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/sync", h.Sync)
}

// Sync pushes queued operations and pulls changes since the client cursor.
// POST /api/v1/sync
func (h *SyncHandler) Sync(c *gin.Context) {
	device := middleware.RequireDevice(c)
	if device == nil {
		return
	}

	var req models.SyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	p := syncsvc.Principal{
		UserID:      device.UserID,
		DeviceID:    device.ID,
		OwnedOrgIDs: middleware.GetOwnedOrgs(c),
	}

	resp, err := h.svc.Sync(c.Request.Context(), p, &req)
	if err != nil {
		if errors.Is(err, syncsvc.ErrBatchTooLarge) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error().Err(err).
			Str("user_id", device.UserID.String()).
			Str("device_id", device.ID.String()).
			Msg("sync failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sync failed"})
		return
	}

	c.JSON(http.StatusOK, resp)
}
