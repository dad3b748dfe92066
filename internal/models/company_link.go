package models

import (
	"time"

	"github.com/google/uuid"
)

// CompanyLink is the employment/sharing relationship between a user and a pro
// account. It mirrors the license lifecycle: active while the backing license
// is active, inactive once the license is unlinked, canceled or deleted.
//
// Invariant: an active link must have an active license for the same
// (user, org) pair. Violations are repaired by the reconciler.
type CompanyLink struct {
	ID                 uuid.UUID  `json:"id"`
	OrgID              uuid.UUID  `json:"org_id"`
	UserID             uuid.UUID  `json:"user_id"`
	LicenseID          *uuid.UUID `json:"license_id,omitempty"`
	Active             bool       `json:"active"`
	ShareBusinessTrips bool       `json:"share_business_trips"`
	ShareExpenses      bool       `json:"share_expenses"`
	ShareSchedules     bool       `json:"share_schedules"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	DeletedAt          *time.Time `json:"deleted_at,omitempty"`
}

// NewCompanyLink creates an active link backing the given license assignment.
// Business-trip sharing is on by default; that is the point of the link.
func NewCompanyLink(orgID, userID, licenseID uuid.UUID) *CompanyLink {
	now := time.Now().UTC()
	lid := licenseID
	return &CompanyLink{
		ID:                 uuid.New(),
		OrgID:              orgID,
		UserID:             userID,
		LicenseID:          &lid,
		Active:             true,
		ShareBusinessTrips: true,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}
