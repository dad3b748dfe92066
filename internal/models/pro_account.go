package models

import (
	"time"

	"github.com/google/uuid"
)

// ProAccount is an organization account that purchases license pools and
// links employees. Last-write-wins: no version counter.
type ProAccount struct {
	ID                 uuid.UUID  `json:"id"`
	OwnerUserID        uuid.UUID  `json:"owner_user_id"`
	CompanyName        string     `json:"company_name"`
	VATNumber          string     `json:"vat_number,omitempty"`
	BillingCustomerRef string     `json:"billing_customer_ref,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	DeletedAt          *time.Time `json:"deleted_at,omitempty"`
}

// NewProAccount creates an organization account owned by the given user.
func NewProAccount(ownerUserID uuid.UUID, companyName string) *ProAccount {
	now := time.Now().UTC()
	return &ProAccount{
		ID:          uuid.New(),
		OwnerUserID: ownerUserID,
		CompanyName: companyName,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
