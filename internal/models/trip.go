package models

import (
	"time"

	"github.com/google/uuid"
)

// TripCategory classifies a trip for reporting and sharing purposes.
type TripCategory string

const (
	// TripCategoryBusiness is a professional journey.
	TripCategoryBusiness TripCategory = "business"
	// TripCategoryPrivate is a personal journey.
	TripCategoryPrivate TripCategory = "private"
	// TripCategoryCommute is a home-to-work journey.
	TripCategoryCommute TripCategory = "commute"
)

// IsValid checks if the category is known.
func (c TripCategory) IsValid() bool {
	switch c {
	case TripCategoryBusiness, TripCategoryPrivate, TripCategoryCommute:
		return true
	}
	return false
}

// Trip is a recorded journey. Trips carry a client-owned version counter and
// participate in optimistic conflict detection.
type Trip struct {
	ID            uuid.UUID    `json:"id"`
	UserID        uuid.UUID    `json:"user_id"`
	VehicleID     *uuid.UUID   `json:"vehicle_id,omitempty"`
	Category      TripCategory `json:"category"`
	StartedAt     time.Time    `json:"started_at"`
	EndedAt       *time.Time   `json:"ended_at,omitempty"`
	StartLocation string       `json:"start_location,omitempty"`
	EndLocation   string       `json:"end_location,omitempty"`
	DistanceKM    float64      `json:"distance_km"`
	Validated     bool         `json:"validated"`
	Notes         string       `json:"notes,omitempty"`
	Version       int64        `json:"version"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
	DeletedAt     *time.Time   `json:"deleted_at,omitempty"`
}

// NewTrip creates a trip owned by the given user with version 1.
func NewTrip(userID uuid.UUID, category TripCategory, startedAt time.Time) *Trip {
	now := time.Now().UTC()
	return &Trip{
		ID:        uuid.New(),
		UserID:    userID,
		Category:  category,
		StartedAt: startedAt,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Deleted reports whether the trip is tombstoned.
func (t *Trip) Deleted() bool {
	return t.DeletedAt != nil
}
