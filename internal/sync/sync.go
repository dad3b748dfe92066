// Package sync implements the server side of the synchronization protocol:
// idempotent push application with optimistic conflict detection, the
// authorization-aware delta feed, and the orchestrator that ties both into a
// single transactional sync call.
package sync

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/triplog-app/triplog/internal/db"
	"github.com/triplog-app/triplog/internal/models"
)

// Principal identifies the caller of a sync request: the authenticated user
// plus the organizations they own. Visibility rules key off both.
type Principal struct {
	UserID   uuid.UUID
	DeviceID uuid.UUID
	// OwnedOrgIDs are the pro accounts owned by the user.
	OwnedOrgIDs []uuid.UUID
}

// Store is the persistence surface the sync path needs. *db.Store satisfies
// it.
type Store interface {
	// Ledger
	GetLedgerEntry(ctx context.Context, idempotencyKey string) (*models.LedgerEntry, error)
	RecordLedgerEntry(ctx context.Context, e *models.LedgerEntry) (bool, error)
	PruneLedger(ctx context.Context, olderThan time.Time) (int64, error)

	// Versioned entities
	GetTripByID(ctx context.Context, id uuid.UUID) (*models.Trip, error)
	UpsertTrip(ctx context.Context, t *models.Trip) error
	SoftDeleteTrip(ctx context.Context, id uuid.UUID, version int64, at time.Time) error
	GetVehicleByID(ctx context.Context, id uuid.UUID) (*models.Vehicle, error)
	UpsertVehicle(ctx context.Context, v *models.Vehicle) error
	SoftDeleteVehicle(ctx context.Context, id uuid.UUID, version int64, at time.Time) error
	GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	UpdateUserProfile(ctx context.Context, user *models.User) error

	// Last-write-wins entities
	GetExpenseByID(ctx context.Context, id uuid.UUID) (*models.Expense, error)
	UpsertExpense(ctx context.Context, e *models.Expense) error
	SoftDeleteExpense(ctx context.Context, id uuid.UUID, at time.Time) error
	GetWorkScheduleByID(ctx context.Context, id uuid.UUID) (*models.WorkSchedule, error)
	UpsertWorkSchedule(ctx context.Context, w *models.WorkSchedule) error
	SoftDeleteWorkSchedule(ctx context.Context, id uuid.UUID, at time.Time) error
	GetTrackingSettingByID(ctx context.Context, id uuid.UUID) (*models.TrackingSetting, error)
	UpsertTrackingSetting(ctx context.Context, t *models.TrackingSetting) error
	SoftDeleteTrackingSetting(ctx context.Context, id uuid.UUID, at time.Time) error
	GetConsentByID(ctx context.Context, id uuid.UUID) (*models.Consent, error)
	UpsertConsent(ctx context.Context, c *models.Consent) error
	GetProAccountByID(ctx context.Context, id uuid.UUID) (*models.ProAccount, error)
	CreateProAccount(ctx context.Context, acct *models.ProAccount) error
	GetCompanyLinkByID(ctx context.Context, id uuid.UUID) (*models.CompanyLink, error)
	UpdateCompanyLink(ctx context.Context, l *models.CompanyLink) error
	GetLicenseByID(ctx context.Context, id uuid.UUID) (*models.License, error)
	CreateLicense(ctx context.Context, l *models.License) error
	UpdateLicense(ctx context.Context, l *models.License) error

	// Delta feed
	ListChangedTrips(ctx context.Context, userIDs []uuid.UUID, since time.Time, limit int) ([]*models.Trip, error)
	ListSharedChangedTrips(ctx context.Context, orgIDs []uuid.UUID, since time.Time, limit int) ([]*models.Trip, error)
	ListChangedVehicles(ctx context.Context, userIDs []uuid.UUID, since time.Time, limit int) ([]*models.Vehicle, error)
	ListChangedExpenses(ctx context.Context, userIDs []uuid.UUID, since time.Time, limit int) ([]*models.Expense, error)
	ListSharedChangedExpenses(ctx context.Context, orgIDs []uuid.UUID, since time.Time, limit int) ([]*models.Expense, error)
	ListChangedWorkSchedules(ctx context.Context, userIDs []uuid.UUID, since time.Time, limit int) ([]*models.WorkSchedule, error)
	ListScheduleSharingUserIDs(ctx context.Context, orgIDs []uuid.UUID) ([]uuid.UUID, error)
	ListChangedTrackingSettings(ctx context.Context, userIDs []uuid.UUID, since time.Time, limit int) ([]*models.TrackingSetting, error)
	ListChangedConsents(ctx context.Context, userIDs []uuid.UUID, since time.Time, limit int) ([]*models.Consent, error)
	ListChangedUsers(ctx context.Context, userIDs []uuid.UUID, since time.Time, limit int) ([]*models.User, error)
	ListChangedLicenses(ctx context.Context, userIDs, orgIDs []uuid.UUID, since time.Time, limit int) ([]*models.License, error)
	ListChangedCompanyLinks(ctx context.Context, userIDs, orgIDs []uuid.UUID, since time.Time, limit int) ([]*models.CompanyLink, error)
	ListChangedProAccounts(ctx context.Context, orgIDs []uuid.UUID, since time.Time, limit int) ([]*models.ProAccount, error)
	ListLinkedOrgIDsByUser(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
	ListLinkedUserIDsByOrgs(ctx context.Context, orgIDs []uuid.UUID) ([]uuid.UUID, error)
}

// TxRunner opens the transaction boundary a sync call runs inside.
type TxRunner interface {
	InTx(ctx context.Context, fn func(Store) error) error
}

// PgRunner adapts *db.DB to TxRunner.
type PgRunner struct {
	DB *db.DB
}

// InTx runs fn with a transaction-bound store.
func (r PgRunner) InTx(ctx context.Context, fn func(Store) error) error {
	return r.DB.InStoreTx(ctx, func(s *db.Store) error {
		return fn(s)
	})
}

// Push result error codes. Conflicts are reported through the Conflict flag,
// not a code: they are a normal protocol outcome, not a failure.
const (
	// ErrCodeUnauthorized marks an entity not owned by or linked to the
	// caller. Permanent; the client must not retry.
	ErrCodeUnauthorized = "UNAUTHORIZED"
	// ErrCodeNotFound marks a missing target entity. Permanent for this
	// attempt.
	ErrCodeNotFound = "NOT_FOUND"
	// ErrCodeInvalid marks a malformed operation or payload. Permanent.
	ErrCodeInvalid = "INVALID"
	// ErrCodeInternal marks an infrastructure failure. Transient; the client
	// queue retries with backoff.
	ErrCodeInternal = "INTERNAL"
)
