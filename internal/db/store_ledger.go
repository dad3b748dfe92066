package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/triplog-app/triplog/internal/models"
)

// Change ledger methods

// GetLedgerEntry returns the recorded outcome for an idempotency key, or
// ErrNotFound if the mutation has never been accepted.
func (s *Store) GetLedgerEntry(ctx context.Context, idempotencyKey string) (*models.LedgerEntry, error) {
	var e models.LedgerEntry
	var typeStr, actionStr string
	err := s.q.QueryRow(ctx, `
		SELECT idempotency_key, entity_type, entity_id, action, success, error_code, error_message, conflict, server_version, processed_at
		FROM change_ledger WHERE idempotency_key = $1
	`, idempotencyKey).Scan(
		&e.IdempotencyKey, &typeStr, &e.EntityID, &actionStr, &e.Success,
		&e.ErrorCode, &e.ErrorMessage, &e.Conflict, &e.ServerVersion, &e.ProcessedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get ledger entry: %w", err)
	}
	e.EntityType = models.EntityType(typeStr)
	e.Action = models.SyncAction(actionStr)
	return &e, nil
}

// RecordLedgerEntry records the outcome of an accepted push operation.
// Insert-if-absent: when a concurrent duplicate submission already recorded
// the key, the existing entry wins and inserted is false. The caller must
// then return the previously recorded outcome instead of its own.
func (s *Store) RecordLedgerEntry(ctx context.Context, e *models.LedgerEntry) (inserted bool, err error) {
	tag, err := s.q.Exec(ctx, `
		INSERT INTO change_ledger (idempotency_key, entity_type, entity_id, action, success, error_code, error_message, conflict, server_version, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, e.IdempotencyKey, e.EntityType, e.EntityID, e.Action, e.Success,
		e.ErrorCode, e.ErrorMessage, e.Conflict, e.ServerVersion, e.ProcessedAt)
	if err != nil {
		return false, fmt.Errorf("record ledger entry: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// PruneLedger deletes ledger entries older than the retention window.
// Idempotency only needs to hold across realistic retry windows.
func (s *Store) PruneLedger(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.q.Exec(ctx, `DELETE FROM change_ledger WHERE processed_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("prune ledger: %w", err)
	}
	return tag.RowsAffected(), nil
}
