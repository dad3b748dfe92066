// Package middleware provides HTTP middleware for the Triplog API.
package middleware

import (
	"context"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/triplog-app/triplog/internal/models"
)

const (
	// DeviceTokenPrefix is the prefix for all Triplog device tokens.
	DeviceTokenPrefix = "tlg_"
	// DeviceTokenLength is the expected length of the hex portion of the token.
	DeviceTokenLength = 64 // 32 bytes = 64 hex chars
)

// ContextKey is the type for context keys used by this package.
type ContextKey string

const (
	// DeviceContextKey is the context key for the authenticated device.
	DeviceContextKey ContextKey = "device"
	// OwnedOrgsContextKey is the context key for the org IDs owned by the device's user.
	OwnedOrgsContextKey ContextKey = "owned_orgs"
)

// DeviceStore is the interface for resolving devices from their token hash.
type DeviceStore interface {
	GetDeviceByTokenHash(ctx context.Context, hash string) (*models.Device, error)
	TouchDevice(ctx context.Context, id uuid.UUID, at time.Time) error
	ListProAccountIDsByOwner(ctx context.Context, ownerID uuid.UUID) ([]uuid.UUID, error)
}

// DeviceTokenMiddleware returns a Gin middleware that authenticates requests
// using device bearer tokens. Tokens are issued at device registration and
// only their hash is stored.
func DeviceTokenMiddleware(store DeviceStore, logger zerolog.Logger) gin.HandlerFunc {
	log := logger.With().Str("component", "device_auth_middleware").Logger()

	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			log.Debug().Str("path", c.Request.URL.Path).Msg("missing authorization header")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}

		token := ExtractBearerToken(authHeader)
		if !IsValidDeviceTokenFormat(token) {
			log.Debug().Str("path", c.Request.URL.Path).Msg("invalid authorization header format")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization format"})
			return
		}

		device, err := store.GetDeviceByTokenHash(c.Request.Context(), models.HashDeviceToken(token))
		if err != nil || device == nil {
			log.Debug().Str("path", c.Request.URL.Path).Msg("invalid device token")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid device token"})
			return
		}

		if err := store.TouchDevice(c.Request.Context(), device.ID, time.Now().UTC()); err != nil {
			log.Warn().Err(err).Str("device_id", device.ID.String()).Msg("failed to touch device")
		}

		ownedOrgs, err := store.ListProAccountIDsByOwner(c.Request.Context(), device.UserID)
		if err != nil {
			log.Error().Err(err).Str("user_id", device.UserID.String()).Msg("failed to load owned orgs")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}

		c.Set(string(DeviceContextKey), device)
		c.Set(string(OwnedOrgsContextKey), ownedOrgs)

		log.Debug().
			Str("device_id", device.ID.String()).
			Str("user_id", device.UserID.String()).
			Str("path", c.Request.URL.Path).
			Msg("authenticated device request")

		c.Next()
	}
}

// GetDevice retrieves the authenticated device from the Gin context.
// Returns nil if no device is authenticated.
func GetDevice(c *gin.Context) *models.Device {
	device, exists := c.Get(string(DeviceContextKey))
	if !exists {
		return nil
	}
	d, ok := device.(*models.Device)
	if !ok {
		return nil
	}
	return d
}

// RequireDevice is a helper that gets the authenticated device or aborts with 401.
// Use this in handlers that expect DeviceTokenMiddleware to have already run.
func RequireDevice(c *gin.Context) *models.Device {
	device := GetDevice(c)
	if device == nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "device authentication required"})
		return nil
	}
	return device
}

// GetOwnedOrgs retrieves the org IDs owned by the authenticated device's user.
func GetOwnedOrgs(c *gin.Context) []uuid.UUID {
	orgs, exists := c.Get(string(OwnedOrgsContextKey))
	if !exists {
		return nil
	}
	ids, ok := orgs.([]uuid.UUID)
	if !ok {
		return nil
	}
	return ids
}

// IsValidDeviceTokenFormat checks if the device token has the correct format.
func IsValidDeviceTokenFormat(token string) bool {
	if !strings.HasPrefix(token, DeviceTokenPrefix) {
		return false
	}
	hexPart := strings.TrimPrefix(token, DeviceTokenPrefix)
	if len(hexPart) != DeviceTokenLength {
		return false
	}
	_, err := hex.DecodeString(hexPart)
	return err == nil
}

// ExtractBearerToken extracts the token from an Authorization header value.
// Returns empty string if the header is not a valid Bearer token.
func ExtractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if len(authHeader) < len(prefix) {
		return ""
	}
	if !strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}
