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

// License methods

// LockOutcome is the result of a non-blocking license row lock attempt.
// License assignment is advisory-exclusive: a losing concurrent attempt is
// told immediately rather than queued behind the winner.
type LockOutcome struct {
	// Acquired is true when this transaction holds the row lock.
	Acquired bool
	// License is the locked row, set only when Acquired.
	License *models.License
}

const licenseColumns = `id, org_id, assigned_user_id, status, is_perpetual, subscription_ref,
	linked_at, unlink_requested_at, unlink_effective_at, billing_period_end, created_at, updated_at, deleted_at`

func scanLicense(row pgx.Row) (*models.License, error) {
	var l models.License
	var statusStr string
	err := row.Scan(
		&l.ID, &l.OrgID, &l.AssignedUserID, &statusStr, &l.IsPerpetual, &l.SubscriptionRef,
		&l.LinkedAt, &l.UnlinkRequestedAt, &l.UnlinkEffectiveAt, &l.BillingPeriodEnd,
		&l.CreatedAt, &l.UpdatedAt, &l.DeletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	l.Status = models.LicenseStatus(statusStr)
	return &l, nil
}

// CreateLicense inserts a new license seat.
func (s *Store) CreateLicense(ctx context.Context, l *models.License) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO licenses (id, org_id, assigned_user_id, status, is_perpetual, subscription_ref,
			linked_at, unlink_requested_at, unlink_effective_at, billing_period_end, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, l.ID, l.OrgID, l.AssignedUserID, l.Status, l.IsPerpetual, l.SubscriptionRef,
		l.LinkedAt, l.UnlinkRequestedAt, l.UnlinkEffectiveAt, l.BillingPeriodEnd, l.CreatedAt, l.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create license: %w", err)
	}
	return nil
}

// GetLicenseByID returns a license by ID, including tombstoned rows.
func (s *Store) GetLicenseByID(ctx context.Context, id uuid.UUID) (*models.License, error) {
	l, err := scanLicense(s.q.QueryRow(ctx, `SELECT `+licenseColumns+` FROM licenses WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get license by id: %w", err)
	}
	return l, nil
}

// TryLockLicense attempts a non-blocking exclusive lock on a license row.
// FOR UPDATE SKIP LOCKED: when another transaction already holds the row the
// outcome is Acquired=false and the caller must report the race immediately.
func (s *Store) TryLockLicense(ctx context.Context, id uuid.UUID) (LockOutcome, error) {
	l, err := scanLicense(s.q.QueryRow(ctx, `
		SELECT `+licenseColumns+` FROM licenses WHERE id = $1 AND deleted_at IS NULL FOR UPDATE SKIP LOCKED
	`, id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Row missing or currently locked; the caller distinguishes via
			// a plain read.
			return LockOutcome{}, nil
		}
		return LockOutcome{}, fmt.Errorf("try lock license: %w", err)
	}
	return LockOutcome{Acquired: true, License: l}, nil
}

// GetLicenseForUpdate loads a license with a blocking FOR UPDATE lock. Batch
// passes (renewal, reconcile) use this per-row so they never starve
// interactive assignment with a table-wide lock.
func (s *Store) GetLicenseForUpdate(ctx context.Context, id uuid.UUID) (*models.License, error) {
	l, err := scanLicense(s.q.QueryRow(ctx, `SELECT `+licenseColumns+` FROM licenses WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get license for update: %w", err)
	}
	return l, nil
}

// UpdateLicense writes the mutable fields of a license row.
func (s *Store) UpdateLicense(ctx context.Context, l *models.License) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE licenses SET
			assigned_user_id = $2,
			status = $3,
			is_perpetual = $4,
			subscription_ref = $5,
			linked_at = $6,
			unlink_requested_at = $7,
			unlink_effective_at = $8,
			billing_period_end = $9,
			deleted_at = $10,
			updated_at = NOW()
		WHERE id = $1
	`, l.ID, l.AssignedUserID, l.Status, l.IsPerpetual, l.SubscriptionRef,
		l.LinkedAt, l.UnlinkRequestedAt, l.UnlinkEffectiveAt, l.BillingPeriodEnd, l.DeletedAt)
	if err != nil {
		return fmt.Errorf("update license: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// HardDeleteLicense removes a license row permanently. Used by the renewal
// pass for canceled recurring seats.
func (s *Store) HardDeleteLicense(ctx context.Context, id uuid.UUID) error {
	tag, err := s.q.Exec(ctx, `DELETE FROM licenses WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("hard delete license: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CountActiveLicensesByUser counts a user's active licenses across all orgs.
// Subscription downgrade must check every org before revoking access.
func (s *Store) CountActiveLicensesByUser(ctx context.Context, userID uuid.UUID) (int, error) {
	var count int
	err := s.q.QueryRow(ctx, `
		SELECT COUNT(*) FROM licenses
		WHERE assigned_user_id = $1 AND status = 'active' AND deleted_at IS NULL
	`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count active licenses: %w", err)
	}
	return count, nil
}

// GetActiveLicenseByUserAndOrg returns the user's active license from the
// given org, or ErrNotFound.
func (s *Store) GetActiveLicenseByUserAndOrg(ctx context.Context, userID, orgID uuid.UUID) (*models.License, error) {
	l, err := scanLicense(s.q.QueryRow(ctx, `
		SELECT `+licenseColumns+` FROM licenses
		WHERE assigned_user_id = $1 AND org_id = $2 AND status = 'active' AND deleted_at IS NULL
	`, userID, orgID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get active license by user and org: %w", err)
	}
	return l, nil
}

// GetLicenseBySubscriptionRef resolves the license backed by a billing
// subscription. Billing webhooks identify licenses this way.
func (s *Store) GetLicenseBySubscriptionRef(ctx context.Context, ref string, orgID uuid.UUID) (*models.License, error) {
	l, err := scanLicense(s.q.QueryRow(ctx, `
		SELECT `+licenseColumns+` FROM licenses
		WHERE subscription_ref = $1 AND org_id = $2 AND deleted_at IS NULL
	`, ref, orgID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get license by subscription ref: %w", err)
	}
	return l, nil
}

// ListCanceledLicenseIDs returns the canceled seats of an org awaiting the
// renewal pass's two-step reclaim.
func (s *Store) ListCanceledLicenseIDs(ctx context.Context, orgID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id FROM licenses WHERE org_id = $1 AND status = 'canceled' AND deleted_at IS NULL
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list canceled licenses: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan license id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListPausedLicenseIDsByUser returns seats whose assignment to the user was
// proposed but paused pending cancellation of a conflicting paid plan.
func (s *Store) ListPausedLicenseIDsByUser(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id FROM licenses
		WHERE assigned_user_id = $1 AND status = 'paused' AND deleted_at IS NULL
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list paused licenses by user: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan license id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListOrphanedActiveLicenseIDs returns active licenses with no assigned user,
// a data corruption signature repaired by the reconciler.
func (s *Store) ListOrphanedActiveLicenseIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id FROM licenses
		WHERE status = 'active' AND assigned_user_id IS NULL AND deleted_at IS NULL
	`)
	if err != nil {
		return nil, fmt.Errorf("list orphaned active licenses: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan license id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListLinklessActiveLicenseIDs returns active assigned licenses whose holder
// has no active company link into the license's org.
func (s *Store) ListLinklessActiveLicenseIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.q.Query(ctx, `
		SELECT l.id FROM licenses l
		WHERE l.status = 'active' AND l.assigned_user_id IS NOT NULL AND l.deleted_at IS NULL
			AND NOT EXISTS (
				SELECT 1 FROM company_links cl
				WHERE cl.user_id = l.assigned_user_id
					AND cl.org_id = l.org_id
					AND cl.active AND cl.deleted_at IS NULL
			)
	`)
	if err != nil {
		return nil, fmt.Errorf("list linkless active licenses: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan license id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListUnlinkDueLicenseIDs returns unlinked seats whose notice period has
// elapsed as of the given time.
func (s *Store) ListUnlinkDueLicenseIDs(ctx context.Context, orgID uuid.UUID, now time.Time) ([]uuid.UUID, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id FROM licenses
		WHERE org_id = $1 AND status = 'unlinked' AND unlink_effective_at <= $2 AND deleted_at IS NULL
	`, orgID, now)
	if err != nil {
		return nil, fmt.Errorf("list unlink-due licenses: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan license id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListLicensesByOrg returns all live seats in an org's pool, newest first.
func (s *Store) ListLicensesByOrg(ctx context.Context, orgID uuid.UUID) ([]*models.License, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+licenseColumns+` FROM licenses
		WHERE org_id = $1 AND deleted_at IS NULL
		ORDER BY created_at DESC
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list licenses by org: %w", err)
	}
	defer rows.Close()

	var licenses []*models.License
	for rows.Next() {
		l, err := scanLicense(rows)
		if err != nil {
			return nil, fmt.Errorf("scan license: %w", err)
		}
		licenses = append(licenses, l)
	}
	return licenses, rows.Err()
}

// CountLicensesByStatus returns seat counts grouped by status, for metrics.
func (s *Store) CountLicensesByStatus(ctx context.Context) (map[models.LicenseStatus]int64, error) {
	rows, err := s.q.Query(ctx, `
		SELECT status, COUNT(*) FROM licenses WHERE deleted_at IS NULL GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("count licenses by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.LicenseStatus]int64)
	for rows.Next() {
		var statusStr string
		var n int64
		if err := rows.Scan(&statusStr, &n); err != nil {
			return nil, fmt.Errorf("scan license count: %w", err)
		}
		counts[models.LicenseStatus(statusStr)] = n
	}
	return counts, rows.Err()
}
