package models

import (
	"time"

	"github.com/google/uuid"
)

// Vehicle is a vehicle registered by a user. Vehicles carry a client-owned
// version counter.
type Vehicle struct {
	ID         uuid.UUID  `json:"id"`
	UserID     uuid.UUID  `json:"user_id"`
	Name       string     `json:"name"`
	Plate      string     `json:"plate,omitempty"`
	Make       string     `json:"make,omitempty"`
	Model      string     `json:"model,omitempty"`
	OdometerKM float64    `json:"odometer_km"`
	IsDefault  bool       `json:"is_default"`
	Version    int64      `json:"version"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty"`
}

// NewVehicle creates a vehicle owned by the given user with version 1.
func NewVehicle(userID uuid.UUID, name string) *Vehicle {
	now := time.Now().UTC()
	return &Vehicle{
		ID:        uuid.New(),
		UserID:    userID,
		Name:      name,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Deleted reports whether the vehicle is tombstoned.
func (v *Vehicle) Deleted() bool {
	return v.DeletedAt != nil
}
