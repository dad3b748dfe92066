package models

import (
	"time"

	"github.com/google/uuid"
)

// WorkSchedule is one weekly working-hours entry, used by automatic trip
// classification. Last-write-wins.
type WorkSchedule struct {
	ID          uuid.UUID  `json:"id"`
	UserID      uuid.UUID  `json:"user_id"`
	Weekday     int        `json:"weekday"` // 0 = Sunday .. 6 = Saturday
	StartMinute int        `json:"start_minute"`
	EndMinute   int        `json:"end_minute"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
}

// TrackingMode selects how trips are detected on the device.
type TrackingMode string

const (
	// TrackingModeManual records trips only on explicit user action.
	TrackingModeManual TrackingMode = "manual"
	// TrackingModeAuto detects trips from device activity recognition.
	TrackingModeAuto TrackingMode = "auto"
	// TrackingModeBluetooth starts trips on vehicle bluetooth connection.
	TrackingModeBluetooth TrackingMode = "bluetooth"
)

// TrackingSetting is a per-user automatic tracking preference. Last-write-wins.
type TrackingSetting struct {
	ID           uuid.UUID    `json:"id"`
	UserID       uuid.UUID    `json:"user_id"`
	Mode         TrackingMode `json:"mode"`
	AutoValidate bool         `json:"auto_validate"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
	DeletedAt    *time.Time   `json:"deleted_at,omitempty"`
}

// ConsentKind identifies what a consent record covers.
type ConsentKind string

const (
	// ConsentKindTerms covers the terms of service.
	ConsentKindTerms ConsentKind = "terms"
	// ConsentKindPrivacy covers the privacy policy.
	ConsentKindPrivacy ConsentKind = "privacy"
	// ConsentKindMarketing covers marketing communication.
	ConsentKindMarketing ConsentKind = "marketing"
)

// Consent is a recorded user consent. Append-mostly: no version counter.
type Consent struct {
	ID        uuid.UUID   `json:"id"`
	UserID    uuid.UUID   `json:"user_id"`
	Kind      ConsentKind `json:"kind"`
	Granted   bool        `json:"granted"`
	GrantedAt time.Time   `json:"granted_at"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
	DeletedAt *time.Time  `json:"deleted_at,omitempty"`
}
