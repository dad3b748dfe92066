package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/triplog-app/triplog/internal/models"
)

// Company link methods

const linkColumns = `id, org_id, user_id, license_id, active, share_business_trips, share_expenses,
	share_schedules, created_at, updated_at, deleted_at`

func scanLink(row pgx.Row) (*models.CompanyLink, error) {
	var l models.CompanyLink
	err := row.Scan(
		&l.ID, &l.OrgID, &l.UserID, &l.LicenseID, &l.Active,
		&l.ShareBusinessTrips, &l.ShareExpenses, &l.ShareSchedules,
		&l.CreatedAt, &l.UpdatedAt, &l.DeletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &l, nil
}

// CreateCompanyLink inserts a new link.
func (s *Store) CreateCompanyLink(ctx context.Context, l *models.CompanyLink) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO company_links (id, org_id, user_id, license_id, active, share_business_trips,
			share_expenses, share_schedules, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, l.ID, l.OrgID, l.UserID, l.LicenseID, l.Active, l.ShareBusinessTrips,
		l.ShareExpenses, l.ShareSchedules, l.CreatedAt, l.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create company link: %w", err)
	}
	return nil
}

// GetCompanyLinkByID returns a link by ID.
func (s *Store) GetCompanyLinkByID(ctx context.Context, id uuid.UUID) (*models.CompanyLink, error) {
	l, err := scanLink(s.q.QueryRow(ctx, `SELECT `+linkColumns+` FROM company_links WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get company link: %w", err)
	}
	return l, nil
}

// GetActiveLinkByUserAndOrg returns the active link for a (user, org) pair.
func (s *Store) GetActiveLinkByUserAndOrg(ctx context.Context, userID, orgID uuid.UUID) (*models.CompanyLink, error) {
	l, err := scanLink(s.q.QueryRow(ctx, `
		SELECT `+linkColumns+` FROM company_links
		WHERE user_id = $1 AND org_id = $2 AND active AND deleted_at IS NULL
	`, userID, orgID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get active link by user and org: %w", err)
	}
	return l, nil
}

// UpdateCompanyLink writes the mutable fields of a link.
func (s *Store) UpdateCompanyLink(ctx context.Context, l *models.CompanyLink) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE company_links SET
			license_id = $2,
			active = $3,
			share_business_trips = $4,
			share_expenses = $5,
			share_schedules = $6,
			deleted_at = $7,
			updated_at = NOW()
		WHERE id = $1
	`, l.ID, l.LicenseID, l.Active, l.ShareBusinessTrips, l.ShareExpenses, l.ShareSchedules, l.DeletedAt)
	if err != nil {
		return fmt.Errorf("update company link: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeactivateLinksByLicense marks inactive every active link backed by the
// given license. Returns the number of links deactivated.
func (s *Store) DeactivateLinksByLicense(ctx context.Context, licenseID uuid.UUID) (int64, error) {
	tag, err := s.q.Exec(ctx, `
		UPDATE company_links SET active = FALSE, updated_at = NOW()
		WHERE license_id = $1 AND active
	`, licenseID)
	if err != nil {
		return 0, fmt.Errorf("deactivate links by license: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListOrphanedActiveLinkIDs returns active links whose license is missing,
// deleted, or no longer active for the same (user, org) pair.
func (s *Store) ListOrphanedActiveLinkIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.q.Query(ctx, `
		SELECT cl.id FROM company_links cl
		LEFT JOIN licenses l ON l.id = cl.license_id
			AND l.status = 'active'
			AND l.deleted_at IS NULL
			AND l.assigned_user_id = cl.user_id
			AND l.org_id = cl.org_id
		WHERE cl.active AND cl.deleted_at IS NULL AND l.id IS NULL
	`)
	if err != nil {
		return nil, fmt.Errorf("list orphaned active links: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan link id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListActiveLinkUserIDsByOrg returns users linked to an org, with the
// per-category sharing flags. The delta feed uses this for owner visibility.
func (s *Store) ListActiveLinksByOrg(ctx context.Context, orgID uuid.UUID) ([]*models.CompanyLink, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+linkColumns+` FROM company_links
		WHERE org_id = $1 AND active AND deleted_at IS NULL
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list active links by org: %w", err)
	}
	defer rows.Close()

	var links []*models.CompanyLink
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, fmt.Errorf("scan company link: %w", err)
		}
		links = append(links, l)
	}
	return links, rows.Err()
}
