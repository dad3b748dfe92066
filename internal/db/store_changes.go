package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/triplog-app/triplog/internal/models"
)

// Delta feed queries. Every query is ordered ascending by updated_at so a
// crashed client can resume from its last fully-consumed timestamp, and
// filtered strictly after the watermark. Pages extend through updated_at
// ties (FETCH FIRST ... WITH TIES): rows written in one transaction share a
// timestamp, and a page boundary inside such a group would strand the rest
// behind the advanced watermark forever. Tombstoned rows are included; the
// feed turns them into DELETE records.

// ListChangedTrips returns trips owned by any of the given users that changed
// after the watermark.
func (s *Store) ListChangedTrips(ctx context.Context, userIDs []uuid.UUID, since time.Time, limit int) ([]*models.Trip, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+tripColumns+` FROM trips
		WHERE user_id = ANY($1) AND updated_at > $2
		ORDER BY updated_at ASC
		FETCH FIRST $3 ROWS WITH TIES
	`, userIDs, since, limit)
	if err != nil {
		return nil, fmt.Errorf("list changed trips: %w", err)
	}
	defer rows.Close()

	var trips []*models.Trip
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trip: %w", err)
		}
		trips = append(trips, t)
	}
	return trips, rows.Err()
}

// ListSharedChangedTrips returns validated business trips of employees linked
// to any of the given orgs, where the link's trip-sharing flag is enabled.
func (s *Store) ListSharedChangedTrips(ctx context.Context, orgIDs []uuid.UUID, since time.Time, limit int) ([]*models.Trip, error) {
	rows, err := s.q.Query(ctx, `
		SELECT * FROM (
			SELECT DISTINCT `+prefixedTripColumns+` FROM trips t
			JOIN company_links cl ON cl.user_id = t.user_id
			WHERE cl.org_id = ANY($1)
				AND cl.active AND cl.deleted_at IS NULL
				AND cl.share_business_trips
				AND t.category = 'business'
				AND t.validated
				AND t.updated_at > $2
		) shared
		ORDER BY updated_at ASC
		FETCH FIRST $3 ROWS WITH TIES
	`, orgIDs, since, limit)
	if err != nil {
		return nil, fmt.Errorf("list shared changed trips: %w", err)
	}
	defer rows.Close()

	var trips []*models.Trip
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trip: %w", err)
		}
		trips = append(trips, t)
	}
	return trips, rows.Err()
}

const prefixedTripColumns = `t.id, t.user_id, t.vehicle_id, t.category, t.started_at, t.ended_at, t.start_location, t.end_location,
	t.distance_km, t.validated, t.notes, t.version, t.created_at, t.updated_at, t.deleted_at`

// ListChangedVehicles returns vehicles owned by the given users that changed
// after the watermark.
func (s *Store) ListChangedVehicles(ctx context.Context, userIDs []uuid.UUID, since time.Time, limit int) ([]*models.Vehicle, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+vehicleColumns+` FROM vehicles
		WHERE user_id = ANY($1) AND updated_at > $2
		ORDER BY updated_at ASC
		FETCH FIRST $3 ROWS WITH TIES
	`, userIDs, since, limit)
	if err != nil {
		return nil, fmt.Errorf("list changed vehicles: %w", err)
	}
	defer rows.Close()

	var vehicles []*models.Vehicle
	for rows.Next() {
		v, err := scanVehicle(rows)
		if err != nil {
			return nil, fmt.Errorf("scan vehicle: %w", err)
		}
		vehicles = append(vehicles, v)
	}
	return vehicles, rows.Err()
}

// ListChangedExpenses returns expenses owned by the given users that changed
// after the watermark.
func (s *Store) ListChangedExpenses(ctx context.Context, userIDs []uuid.UUID, since time.Time, limit int) ([]*models.Expense, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+expenseColumns+` FROM expenses
		WHERE user_id = ANY($1) AND updated_at > $2
		ORDER BY updated_at ASC
		FETCH FIRST $3 ROWS WITH TIES
	`, userIDs, since, limit)
	if err != nil {
		return nil, fmt.Errorf("list changed expenses: %w", err)
	}
	defer rows.Close()

	var expenses []*models.Expense
	for rows.Next() {
		e, err := scanExpense(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expense: %w", err)
		}
		expenses = append(expenses, e)
	}
	return expenses, rows.Err()
}

// ListSharedChangedExpenses returns expenses of employees whose link shares
// the expense category with any of the given orgs.
func (s *Store) ListSharedChangedExpenses(ctx context.Context, orgIDs []uuid.UUID, since time.Time, limit int) ([]*models.Expense, error) {
	rows, err := s.q.Query(ctx, `
		SELECT * FROM (
			SELECT DISTINCT e.id, e.user_id, e.trip_id, e.category, e.amount_cents, e.currency,
				e.note, e.receipt_path, e.incurred_at, e.created_at, e.updated_at, e.deleted_at
			FROM expenses e
			JOIN company_links cl ON cl.user_id = e.user_id
			WHERE cl.org_id = ANY($1)
				AND cl.active AND cl.deleted_at IS NULL
				AND cl.share_expenses
				AND e.updated_at > $2
		) shared
		ORDER BY updated_at ASC
		FETCH FIRST $3 ROWS WITH TIES
	`, orgIDs, since, limit)
	if err != nil {
		return nil, fmt.Errorf("list shared changed expenses: %w", err)
	}
	defer rows.Close()

	var expenses []*models.Expense
	for rows.Next() {
		e, err := scanExpense(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expense: %w", err)
		}
		expenses = append(expenses, e)
	}
	return expenses, rows.Err()
}

// ListChangedWorkSchedules returns work schedules of the given users changed
// after the watermark. When shared is true the user set may include linked
// employees whose schedule-sharing flag is on; the caller assembles that set.
func (s *Store) ListChangedWorkSchedules(ctx context.Context, userIDs []uuid.UUID, since time.Time, limit int) ([]*models.WorkSchedule, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id, user_id, weekday, start_minute, end_minute, created_at, updated_at, deleted_at
		FROM work_schedules
		WHERE user_id = ANY($1) AND updated_at > $2
		ORDER BY updated_at ASC
		FETCH FIRST $3 ROWS WITH TIES
	`, userIDs, since, limit)
	if err != nil {
		return nil, fmt.Errorf("list changed work schedules: %w", err)
	}
	defer rows.Close()

	var schedules []*models.WorkSchedule
	for rows.Next() {
		var w models.WorkSchedule
		if err := rows.Scan(&w.ID, &w.UserID, &w.Weekday, &w.StartMinute, &w.EndMinute, &w.CreatedAt, &w.UpdatedAt, &w.DeletedAt); err != nil {
			return nil, fmt.Errorf("scan work schedule: %w", err)
		}
		schedules = append(schedules, &w)
	}
	return schedules, rows.Err()
}

// ListScheduleSharingUserIDs returns employees of the given orgs whose link
// shares work schedules.
func (s *Store) ListScheduleSharingUserIDs(ctx context.Context, orgIDs []uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.q.Query(ctx, `
		SELECT DISTINCT user_id FROM company_links
		WHERE org_id = ANY($1) AND active AND deleted_at IS NULL AND share_schedules
	`, orgIDs)
	if err != nil {
		return nil, fmt.Errorf("list schedule sharing users: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListChangedTrackingSettings returns tracking settings of the given users
// changed after the watermark.
func (s *Store) ListChangedTrackingSettings(ctx context.Context, userIDs []uuid.UUID, since time.Time, limit int) ([]*models.TrackingSetting, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id, user_id, mode, auto_validate, created_at, updated_at, deleted_at
		FROM tracking_settings
		WHERE user_id = ANY($1) AND updated_at > $2
		ORDER BY updated_at ASC
		FETCH FIRST $3 ROWS WITH TIES
	`, userIDs, since, limit)
	if err != nil {
		return nil, fmt.Errorf("list changed tracking settings: %w", err)
	}
	defer rows.Close()

	var settings []*models.TrackingSetting
	for rows.Next() {
		var t models.TrackingSetting
		var modeStr string
		if err := rows.Scan(&t.ID, &t.UserID, &modeStr, &t.AutoValidate, &t.CreatedAt, &t.UpdatedAt, &t.DeletedAt); err != nil {
			return nil, fmt.Errorf("scan tracking setting: %w", err)
		}
		t.Mode = models.TrackingMode(modeStr)
		settings = append(settings, &t)
	}
	return settings, rows.Err()
}

// ListChangedConsents returns consents of the given users changed after the
// watermark.
func (s *Store) ListChangedConsents(ctx context.Context, userIDs []uuid.UUID, since time.Time, limit int) ([]*models.Consent, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id, user_id, kind, granted, granted_at, created_at, updated_at, deleted_at
		FROM consents
		WHERE user_id = ANY($1) AND updated_at > $2
		ORDER BY updated_at ASC
		FETCH FIRST $3 ROWS WITH TIES
	`, userIDs, since, limit)
	if err != nil {
		return nil, fmt.Errorf("list changed consents: %w", err)
	}
	defer rows.Close()

	var consents []*models.Consent
	for rows.Next() {
		var c models.Consent
		var kindStr string
		if err := rows.Scan(&c.ID, &c.UserID, &kindStr, &c.Granted, &c.GrantedAt, &c.CreatedAt, &c.UpdatedAt, &c.DeletedAt); err != nil {
			return nil, fmt.Errorf("scan consent: %w", err)
		}
		c.Kind = models.ConsentKind(kindStr)
		consents = append(consents, &c)
	}
	return consents, rows.Err()
}

// ListChangedUsers returns user profile rows for the given IDs changed after
// the watermark.
func (s *Store) ListChangedUsers(ctx context.Context, userIDs []uuid.UUID, since time.Time, limit int) ([]*models.User, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE id = ANY($1) AND updated_at > $2
		ORDER BY updated_at ASC
		FETCH FIRST $3 ROWS WITH TIES
	`, userIDs, since, limit)
	if err != nil {
		return nil, fmt.Errorf("list changed users: %w", err)
	}
	defer rows.Close()

	var users []*models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// ListChangedLicenses returns licenses visible to the principal: assigned to
// one of the given users or belonging to one of the given orgs.
func (s *Store) ListChangedLicenses(ctx context.Context, userIDs, orgIDs []uuid.UUID, since time.Time, limit int) ([]*models.License, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+licenseColumns+` FROM licenses
		WHERE (assigned_user_id = ANY($1) OR org_id = ANY($2)) AND updated_at > $3
		ORDER BY updated_at ASC
		FETCH FIRST $4 ROWS WITH TIES
	`, userIDs, orgIDs, since, limit)
	if err != nil {
		return nil, fmt.Errorf("list changed licenses: %w", err)
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

// ListChangedCompanyLinks returns links visible to the principal: their own
// or those of orgs they own.
func (s *Store) ListChangedCompanyLinks(ctx context.Context, userIDs, orgIDs []uuid.UUID, since time.Time, limit int) ([]*models.CompanyLink, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+linkColumns+` FROM company_links
		WHERE (user_id = ANY($1) OR org_id = ANY($2)) AND updated_at > $3
		ORDER BY updated_at ASC
		FETCH FIRST $4 ROWS WITH TIES
	`, userIDs, orgIDs, since, limit)
	if err != nil {
		return nil, fmt.Errorf("list changed company links: %w", err)
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

// ListChangedProAccounts returns org accounts visible to the principal:
// owned orgs plus orgs they are actively linked to.
func (s *Store) ListChangedProAccounts(ctx context.Context, orgIDs []uuid.UUID, since time.Time, limit int) ([]*models.ProAccount, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id, owner_user_id, company_name, vat_number, billing_customer_ref, created_at, updated_at, deleted_at
		FROM pro_accounts
		WHERE id = ANY($1) AND updated_at > $2
		ORDER BY updated_at ASC
		FETCH FIRST $3 ROWS WITH TIES
	`, orgIDs, since, limit)
	if err != nil {
		return nil, fmt.Errorf("list changed pro accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*models.ProAccount
	for rows.Next() {
		var a models.ProAccount
		if err := rows.Scan(&a.ID, &a.OwnerUserID, &a.CompanyName, &a.VATNumber, &a.BillingCustomerRef, &a.CreatedAt, &a.UpdatedAt, &a.DeletedAt); err != nil {
			return nil, fmt.Errorf("scan pro account: %w", err)
		}
		accounts = append(accounts, &a)
	}
	return accounts, rows.Err()
}

// ListLinkedOrgIDsByUser returns the orgs a user is actively linked to. The
// delta feed uses this to make the employer's org profile visible.
func (s *Store) ListLinkedOrgIDsByUser(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.q.Query(ctx, `
		SELECT DISTINCT org_id FROM company_links
		WHERE user_id = $1 AND active AND deleted_at IS NULL
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list linked orgs by user: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan org id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListLinkedUserIDsByOrgs returns the employees actively linked to any of the
// given orgs. Owner visibility of employee profiles goes through this.
func (s *Store) ListLinkedUserIDsByOrgs(ctx context.Context, orgIDs []uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.q.Query(ctx, `
		SELECT DISTINCT user_id FROM company_links
		WHERE org_id = ANY($1) AND active AND deleted_at IS NULL
	`, orgIDs)
	if err != nil {
		return nil, fmt.Errorf("list linked users by orgs: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
