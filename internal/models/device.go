package models

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// Device is a registered client installation. Devices authenticate with a
// bearer token issued once at registration; only its hash is stored.
type Device struct {
	ID         uuid.UUID  `json:"id"`
	UserID     uuid.UUID  `json:"user_id"`
	Name       string     `json:"name"`
	Platform   string     `json:"platform,omitempty"`
	TokenHash  string     `json:"-"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// NewDevice creates a device and returns it along with the plaintext token.
// The token is shown exactly once; only the hash is persisted.
func NewDevice(userID uuid.UUID, name, platform string) (*Device, string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", err
	}
	token := "tlg_" + hex.EncodeToString(raw)
	return &Device{
		ID:        uuid.New(),
		UserID:    userID,
		Name:      name,
		Platform:  platform,
		TokenHash: HashDeviceToken(token),
		CreatedAt: time.Now().UTC(),
	}, token, nil
}

// HashDeviceToken returns the hex-encoded SHA-256 of a device token.
func HashDeviceToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
