package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/triplog-app/triplog/internal/api/middleware"
	"github.com/triplog-app/triplog/internal/notify"
)

// ChangesHandler exposes the change-notification websocket.
type ChangesHandler struct {
	hub    *notify.Hub
	logger zerolog.Logger
}

// NewChangesHandler creates a new ChangesHandler.
func NewChangesHandler(hub *notify.Hub, logger zerolog.Logger) *ChangesHandler {
	return &ChangesHandler{
		hub:    hub,
		logger: logger.With().Str("component", "changes_handler").Logger(),
	}
}

// RegisterRoutes registers the websocket route on the authenticated group.
func (h *ChangesHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/changes/ws", h.Subscribe)
}

// Subscribe upgrades the connection and streams change pings for the
// authenticated user's other devices.
// GET /api/v1/changes/ws
func (h *ChangesHandler) Subscribe(c *gin.Context) {
	device := middleware.RequireDevice(c)
	if device == nil {
		return
	}

	h.logger.Debug().
		Str("user_id", device.UserID.String()).
		Str("device_id", device.ID.String()).
		Msg("websocket subscriber connected")

	h.hub.HandleWebSocket(c.Writer, c.Request, device.UserID, device.ID)
}
