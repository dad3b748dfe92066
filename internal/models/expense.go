package models

import (
	"time"

	"github.com/google/uuid"
)

// ExpenseCategory classifies an expense.
type ExpenseCategory string

const (
	// ExpenseCategoryFuel is a fuel or charging cost.
	ExpenseCategoryFuel ExpenseCategory = "fuel"
	// ExpenseCategoryMaintenance is a repair or service cost.
	ExpenseCategoryMaintenance ExpenseCategory = "maintenance"
	// ExpenseCategoryParking is a parking or toll cost.
	ExpenseCategoryParking ExpenseCategory = "parking"
	// ExpenseCategoryOther is any other cost.
	ExpenseCategoryOther ExpenseCategory = "other"
)

// Expense is a cost record, optionally attached to a trip. Expenses are
// last-write-wins: they carry no version counter.
type Expense struct {
	ID          uuid.UUID       `json:"id"`
	UserID      uuid.UUID       `json:"user_id"`
	TripID      *uuid.UUID      `json:"trip_id,omitempty"`
	Category    ExpenseCategory `json:"category"`
	AmountCents int64           `json:"amount_cents"`
	Currency    string          `json:"currency"`
	Note        string          `json:"note,omitempty"`
	ReceiptPath string          `json:"receipt_path,omitempty"`
	IncurredAt  time.Time       `json:"incurred_at"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	DeletedAt   *time.Time      `json:"deleted_at,omitempty"`
}

// NewExpense creates an expense owned by the given user.
func NewExpense(userID uuid.UUID, category ExpenseCategory, amountCents int64, currency string) *Expense {
	now := time.Now().UTC()
	return &Expense{
		ID:          uuid.New(),
		UserID:      userID,
		Category:    category,
		AmountCents: amountCents,
		Currency:    currency,
		IncurredAt:  now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
