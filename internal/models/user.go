package models

import (
	"time"

	"github.com/google/uuid"
)

// SubscriptionType is the derived subscription tier of a user. It is never
// independently authoritative: it is always recomputed from the existence of
// an active license or an active direct subscription.
type SubscriptionType string

const (
	// SubscriptionTrial is the initial evaluation tier.
	SubscriptionTrial SubscriptionType = "TRIAL"
	// SubscriptionPremium is a directly paid monthly/yearly plan.
	SubscriptionPremium SubscriptionType = "PREMIUM"
	// SubscriptionLifetime is a one-time purchase. Sticky: never downgraded
	// by license or subscription events.
	SubscriptionLifetime SubscriptionType = "LIFETIME"
	// SubscriptionLicensed means access is granted through a company license.
	SubscriptionLicensed SubscriptionType = "LICENSED"
	// SubscriptionExpired means no active plan or license remains.
	SubscriptionExpired SubscriptionType = "EXPIRED"
)

// IsValid checks if the subscription type is known.
func (s SubscriptionType) IsValid() bool {
	switch s {
	case SubscriptionTrial, SubscriptionPremium, SubscriptionLifetime, SubscriptionLicensed, SubscriptionExpired:
		return true
	}
	return false
}

// User is an account holder. The profile fields carry a client-owned version
// counter; subscription fields are server-derived and excluded from conflict
// detection.
type User struct {
	ID               uuid.UUID        `json:"id"`
	Email            string           `json:"email"`
	Name             string           `json:"name,omitempty"`
	PasswordHash     string           `json:"-"`
	SubscriptionType SubscriptionType `json:"subscription_type"`
	TrialEndsAt      *time.Time       `json:"trial_ends_at,omitempty"`
	Version          int64            `json:"version"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
	DeletedAt        *time.Time       `json:"deleted_at,omitempty"`
}

// NewUser creates a user on the trial tier.
func NewUser(email, name, passwordHash string) *User {
	now := time.Now().UTC()
	trialEnd := now.Add(30 * 24 * time.Hour)
	return &User{
		ID:               uuid.New(),
		Email:            email,
		Name:             name,
		PasswordHash:     passwordHash,
		SubscriptionType: SubscriptionTrial,
		TrialEndsAt:      &trialEnd,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// IsLifetime reports whether the user holds the sticky lifetime tier.
func (u *User) IsLifetime() bool {
	return u.SubscriptionType == SubscriptionLifetime
}

// IsLicensed reports whether the user's access is license-backed.
func (u *User) IsLicensed() bool {
	return u.SubscriptionType == SubscriptionLicensed
}
