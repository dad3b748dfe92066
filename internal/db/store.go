package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/triplog-app/triplog/internal/models"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store executes queries against a pool or a transaction. Obtain one via
// DB.Store or DB.StoreTx.
type Store struct {
	q      Querier
	logger zerolog.Logger
}

// User methods

// CreateUser inserts a new user.
func (s *Store) CreateUser(ctx context.Context, user *models.User) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO users (id, email, name, password_hash, subscription_type, trial_ends_at, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, user.ID, user.Email, user.Name, user.PasswordHash, user.SubscriptionType,
		user.TrialEndsAt, user.Version, user.CreatedAt, user.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

const userColumns = `id, email, name, password_hash, subscription_type, trial_ends_at, version, created_at, updated_at, deleted_at`

func scanUser(row pgx.Row) (*models.User, error) {
	var user models.User
	var subStr string
	err := row.Scan(
		&user.ID, &user.Email, &user.Name, &user.PasswordHash, &subStr,
		&user.TrialEndsAt, &user.Version, &user.CreatedAt, &user.UpdatedAt, &user.DeletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	user.SubscriptionType = models.SubscriptionType(subStr)
	return &user, nil
}

// GetUserByID returns a user by ID.
func (s *Store) GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	user, err := scanUser(s.q.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get user by id: %w", err)
	}
	return user, nil
}

// GetUserByEmail returns a user by email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	user, err := scanUser(s.q.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	return user, nil
}

// GetUserForUpdate loads a user row with a blocking FOR UPDATE lock. License
// transitions use this on the losing side of an already-decided transition:
// the update must eventually apply, so waiting is correct here.
func (s *Store) GetUserForUpdate(ctx context.Context, id uuid.UUID) (*models.User, error) {
	user, err := scanUser(s.q.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get user for update: %w", err)
	}
	return user, nil
}

// UpdateUserSubscription sets the derived subscription type of a user.
func (s *Store) UpdateUserSubscription(ctx context.Context, id uuid.UUID, sub models.SubscriptionType) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE users SET subscription_type = $2, updated_at = NOW() WHERE id = $1
	`, id, sub)
	if err != nil {
		return fmt.Errorf("update user subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateUserProfile applies a client push to the profile fields, storing the
// client-asserted version verbatim. Subscription fields are server-derived
// and never written through this path.
func (s *Store) UpdateUserProfile(ctx context.Context, user *models.User) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE users SET name = $2, version = $3, updated_at = NOW() WHERE id = $1
	`, user.ID, user.Name, user.Version)
	if err != nil {
		return fmt.Errorf("update user profile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListLicensedUsers returns the IDs of users currently marked LICENSED.
func (s *Store) ListLicensedUsers(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id FROM users WHERE subscription_type = $1 AND deleted_at IS NULL
	`, models.SubscriptionLicensed)
	if err != nil {
		return nil, fmt.Errorf("list licensed users: %w", err)
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

// Device methods

// CreateDevice registers a new device.
func (s *Store) CreateDevice(ctx context.Context, device *models.Device) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO devices (id, user_id, name, platform, token_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, device.ID, device.UserID, device.Name, device.Platform, device.TokenHash, device.CreatedAt)
	if err != nil {
		return fmt.Errorf("create device: %w", err)
	}
	return nil
}

// GetDeviceByTokenHash resolves a device from its token hash.
func (s *Store) GetDeviceByTokenHash(ctx context.Context, hash string) (*models.Device, error) {
	var d models.Device
	err := s.q.QueryRow(ctx, `
		SELECT id, user_id, name, platform, token_hash, last_seen_at, created_at
		FROM devices WHERE token_hash = $1
	`, hash).Scan(&d.ID, &d.UserID, &d.Name, &d.Platform, &d.TokenHash, &d.LastSeenAt, &d.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get device by token hash: %w", err)
	}
	return &d, nil
}

// TouchDevice records the last time a device was seen.
func (s *Store) TouchDevice(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.q.Exec(ctx, `UPDATE devices SET last_seen_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("touch device: %w", err)
	}
	return nil
}

// ListDevicesByUser returns all devices registered by a user.
func (s *Store) ListDevicesByUser(ctx context.Context, userID uuid.UUID) ([]*models.Device, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id, user_id, name, platform, token_hash, last_seen_at, created_at
		FROM devices WHERE user_id = $1 ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var devices []*models.Device
	for rows.Next() {
		var d models.Device
		if err := rows.Scan(&d.ID, &d.UserID, &d.Name, &d.Platform, &d.TokenHash, &d.LastSeenAt, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, &d)
	}
	return devices, rows.Err()
}

// DeleteDevice removes a device registration, revoking its token.
func (s *Store) DeleteDevice(ctx context.Context, id uuid.UUID) error {
	tag, err := s.q.Exec(ctx, `DELETE FROM devices WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete device: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ProAccount methods

// CreateProAccount inserts a new organization account.
func (s *Store) CreateProAccount(ctx context.Context, acct *models.ProAccount) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO pro_accounts (id, owner_user_id, company_name, vat_number, billing_customer_ref, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, acct.ID, acct.OwnerUserID, acct.CompanyName, acct.VATNumber, acct.BillingCustomerRef, acct.CreatedAt, acct.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create pro account: %w", err)
	}
	return nil
}

// GetProAccountByID returns an organization account by ID.
func (s *Store) GetProAccountByID(ctx context.Context, id uuid.UUID) (*models.ProAccount, error) {
	var a models.ProAccount
	err := s.q.QueryRow(ctx, `
		SELECT id, owner_user_id, company_name, vat_number, billing_customer_ref, created_at, updated_at, deleted_at
		FROM pro_accounts WHERE id = $1
	`, id).Scan(&a.ID, &a.OwnerUserID, &a.CompanyName, &a.VATNumber, &a.BillingCustomerRef, &a.CreatedAt, &a.UpdatedAt, &a.DeletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get pro account: %w", err)
	}
	return &a, nil
}

// ListProAccountIDsByOwner returns the org IDs owned by a user.
func (s *Store) ListProAccountIDsByOwner(ctx context.Context, ownerID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id FROM pro_accounts WHERE owner_user_id = $1 AND deleted_at IS NULL
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list pro accounts by owner: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan pro account id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListAllProAccountIDs returns all live organization IDs. The renewal pass
// iterates these.
func (s *Store) ListAllProAccountIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.q.Query(ctx, `SELECT id FROM pro_accounts WHERE deleted_at IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("list pro accounts: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan pro account id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
