package models

import (
	"time"

	"github.com/google/uuid"
)

// UnlinkNoticePeriod is the mandatory delay between an unlink request and its
// effect, during which the request can still be cancelled.
const UnlinkNoticePeriod = 30 * 24 * time.Hour

// LicenseStatus is the lifecycle state of a license seat.
type LicenseStatus string

const (
	// LicenseStatusAvailable means the seat is in the pool, unassigned.
	LicenseStatusAvailable LicenseStatus = "available"
	// LicenseStatusActive means the seat is assigned to a user.
	LicenseStatusActive LicenseStatus = "active"
	// LicenseStatusSuspended means billing failed; reversible on the next
	// successful billing event.
	LicenseStatusSuspended LicenseStatus = "suspended"
	// LicenseStatusCanceled means the backing subscription terminated. The
	// seat is reclaimed or deleted on the next renewal pass.
	LicenseStatusCanceled LicenseStatus = "canceled"
	// LicenseStatusUnlinked means an unlink was requested and the notice
	// period is running.
	LicenseStatusUnlinked LicenseStatus = "unlinked"
	// LicenseStatusPaused means the organization paused the seat.
	LicenseStatusPaused LicenseStatus = "paused"
)

// ValidLicenseStatuses returns all license statuses.
func ValidLicenseStatuses() []LicenseStatus {
	return []LicenseStatus{
		LicenseStatusAvailable,
		LicenseStatusActive,
		LicenseStatusSuspended,
		LicenseStatusCanceled,
		LicenseStatusUnlinked,
		LicenseStatusPaused,
	}
}

// IsValid checks if the status is known.
func (s LicenseStatus) IsValid() bool {
	for _, valid := range ValidLicenseStatuses() {
		if s == valid {
			return true
		}
	}
	return false
}

// License is one seat in an organization's license pool.
//
// Invariant: status "active" iff AssignedUserID is set; "available" iff it is
// nil. A user holds at most one currently-active license per issuing org but
// may hold licenses from several orgs at once.
type License struct {
	ID                uuid.UUID     `json:"id"`
	OrgID             uuid.UUID     `json:"org_id"`
	AssignedUserID    *uuid.UUID    `json:"assigned_user_id,omitempty"`
	Status            LicenseStatus `json:"status"`
	IsPerpetual       bool          `json:"is_perpetual"`
	SubscriptionRef   string        `json:"subscription_ref,omitempty"`
	LinkedAt          *time.Time    `json:"linked_at,omitempty"`
	UnlinkRequestedAt *time.Time    `json:"unlink_requested_at,omitempty"`
	UnlinkEffectiveAt *time.Time    `json:"unlink_effective_at,omitempty"`
	BillingPeriodEnd  *time.Time    `json:"billing_period_end,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
	DeletedAt         *time.Time    `json:"deleted_at,omitempty"`
}

// NewLicense creates an available seat in the given org's pool.
func NewLicense(orgID uuid.UUID, perpetual bool, subscriptionRef string) *License {
	now := time.Now().UTC()
	return &License{
		ID:              uuid.New(),
		OrgID:           orgID,
		Status:          LicenseStatusAvailable,
		IsPerpetual:     perpetual,
		SubscriptionRef: subscriptionRef,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Assignable reports whether the seat can be handed to a user.
func (l *License) Assignable() bool {
	return l.Status == LicenseStatusAvailable && l.AssignedUserID == nil && l.DeletedAt == nil
}

// Assigned reports whether the seat currently has a holder.
func (l *License) Assigned() bool {
	return l.AssignedUserID != nil
}

// UnlinkPending reports whether an unlink notice period is running.
func (l *License) UnlinkPending() bool {
	return l.Status == LicenseStatusUnlinked && l.UnlinkEffectiveAt != nil
}
