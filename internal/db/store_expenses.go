package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/triplog-app/triplog/internal/models"
)

// Expense methods (last-write-wins, no version column)

const expenseColumns = `id, user_id, trip_id, category, amount_cents, currency, note, receipt_path, incurred_at, created_at, updated_at, deleted_at`

func scanExpense(row pgx.Row) (*models.Expense, error) {
	var e models.Expense
	var catStr string
	err := row.Scan(
		&e.ID, &e.UserID, &e.TripID, &catStr, &e.AmountCents, &e.Currency,
		&e.Note, &e.ReceiptPath, &e.IncurredAt, &e.CreatedAt, &e.UpdatedAt, &e.DeletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	e.Category = models.ExpenseCategory(catStr)
	return &e, nil
}

// GetExpenseByID returns an expense by ID, including tombstoned rows.
func (s *Store) GetExpenseByID(ctx context.Context, id uuid.UUID) (*models.Expense, error) {
	expense, err := scanExpense(s.q.QueryRow(ctx, `SELECT `+expenseColumns+` FROM expenses WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get expense by id: %w", err)
	}
	return expense, nil
}

// UpsertExpense writes the full expense state.
func (s *Store) UpsertExpense(ctx context.Context, e *models.Expense) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO expenses (id, user_id, trip_id, category, amount_cents, currency, note, receipt_path, incurred_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (id) DO UPDATE SET
			trip_id = EXCLUDED.trip_id,
			category = EXCLUDED.category,
			amount_cents = EXCLUDED.amount_cents,
			currency = EXCLUDED.currency,
			note = EXCLUDED.note,
			receipt_path = EXCLUDED.receipt_path,
			incurred_at = EXCLUDED.incurred_at,
			updated_at = NOW()
	`, e.ID, e.UserID, e.TripID, e.Category, e.AmountCents, e.Currency, e.Note, e.ReceiptPath, e.IncurredAt, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert expense: %w", err)
	}
	return nil
}

// SoftDeleteExpense tombstones an expense.
func (s *Store) SoftDeleteExpense(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE expenses SET deleted_at = $2, updated_at = NOW() WHERE id = $1
	`, id, at)
	if err != nil {
		return fmt.Errorf("soft delete expense: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
