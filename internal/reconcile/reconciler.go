// Package reconcile repairs drift between licenses, company links and
// derived user subscriptions. Transitions normally keep the three consistent
// in one transaction; the reconciler is the backstop for partial failures
// and manual data surgery.
package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/triplog-app/triplog/internal/db"
	"github.com/triplog-app/triplog/internal/metrics"
	"github.com/triplog-app/triplog/internal/models"
)

// Store is the persistence surface the reconciler needs. *db.Store satisfies
// it.
type Store interface {
	ListOrphanedActiveLinkIDs(ctx context.Context) ([]uuid.UUID, error)
	GetCompanyLinkByID(ctx context.Context, id uuid.UUID) (*models.CompanyLink, error)
	UpdateCompanyLink(ctx context.Context, l *models.CompanyLink) error
	CreateCompanyLink(ctx context.Context, l *models.CompanyLink) error
	GetActiveLinkByUserAndOrg(ctx context.Context, userID, orgID uuid.UUID) (*models.CompanyLink, error)

	ListLicensedUsers(ctx context.Context) ([]uuid.UUID, error)
	GetUserForUpdate(ctx context.Context, id uuid.UUID) (*models.User, error)
	UpdateUserSubscription(ctx context.Context, id uuid.UUID, sub models.SubscriptionType) error
	CountActiveLicensesByUser(ctx context.Context, userID uuid.UUID) (int, error)
	GetActiveLicenseByUserAndOrg(ctx context.Context, userID, orgID uuid.UUID) (*models.License, error)

	ListOrphanedActiveLicenseIDs(ctx context.Context) ([]uuid.UUID, error)
	ListLinklessActiveLicenseIDs(ctx context.Context) ([]uuid.UUID, error)
	GetLicenseForUpdate(ctx context.Context, id uuid.UUID) (*models.License, error)
	UpdateLicense(ctx context.Context, l *models.License) error
}

// TxRunner opens the transaction boundary each single-row repair runs inside.
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

// Summary reports what one reconciliation pass repaired.
type Summary struct {
	FixedLinks    int `json:"fixed_links"`
	FixedUsers    int `json:"fixed_users"`
	FixedLicenses int `json:"fixed_licenses"`
	Errors        int `json:"errors"`
}

// Total returns the number of repairs across all sweeps.
func (s Summary) Total() int {
	return s.FixedLinks + s.FixedUsers + s.FixedLicenses
}

// Reconciler runs the three consistency sweeps.
type Reconciler struct {
	runner  TxRunner
	metrics *metrics.Registry
	logger  zerolog.Logger
	now     func() time.Time
}

// New creates a reconciler. metrics may be nil.
func New(runner TxRunner, reg *metrics.Registry, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		runner:  runner,
		metrics: reg,
		logger:  logger.With().Str("component", "reconciler").Logger(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run executes all three sweeps. Each candidate row is repaired in its own
// transaction with the condition re-checked under lock; a failing row is
// logged and skipped, never aborting the pass.
func (r *Reconciler) Run(ctx context.Context) (Summary, error) {
	var sum Summary

	linkIDs, err := r.listLinkCandidates(ctx)
	if err != nil {
		return sum, err
	}
	for _, id := range linkIDs {
		fixed, err := r.repairLink(ctx, id)
		if err != nil {
			sum.Errors++
			r.logger.Error().Err(err).Str("link_id", id.String()).Msg("link repair failed")
			continue
		}
		if fixed {
			sum.FixedLinks++
		}
	}

	userIDs, err := r.listUserCandidates(ctx)
	if err != nil {
		return sum, err
	}
	for _, id := range userIDs {
		fixed, err := r.repairUser(ctx, id)
		if err != nil {
			sum.Errors++
			r.logger.Error().Err(err).Str("user_id", id.String()).Msg("user repair failed")
			continue
		}
		if fixed {
			sum.FixedUsers++
		}
	}

	licenseIDs, err := r.listLicenseCandidates(ctx)
	if err != nil {
		return sum, err
	}
	for _, id := range licenseIDs {
		fixed, err := r.repairLicense(ctx, id)
		if err != nil {
			sum.Errors++
			r.logger.Error().Err(err).Str("license_id", id.String()).Msg("license repair failed")
			continue
		}
		if fixed {
			sum.FixedLicenses++
		}
	}

	linklessIDs, err := r.listLinklessCandidates(ctx)
	if err != nil {
		return sum, err
	}
	for _, id := range linklessIDs {
		fixed, err := r.repairMissingLink(ctx, id)
		if err != nil {
			sum.Errors++
			r.logger.Error().Err(err).Str("license_id", id.String()).Msg("link restore failed")
			continue
		}
		if fixed {
			sum.FixedLinks++
		}
	}

	if r.metrics != nil {
		r.metrics.AddReconcilerRepairs(sum.Total())
	}
	if sum.Total() > 0 || sum.Errors > 0 {
		r.logger.Info().
			Int("fixed_links", sum.FixedLinks).
			Int("fixed_users", sum.FixedUsers).
			Int("fixed_licenses", sum.FixedLicenses).
			Int("errors", sum.Errors).
			Msg("reconciliation pass completed")
	}
	return sum, nil
}

func (r *Reconciler) listLinkCandidates(ctx context.Context) (ids []uuid.UUID, err error) {
	err = r.runner.InTx(ctx, func(s Store) error {
		ids, err = s.ListOrphanedActiveLinkIDs(ctx)
		return err
	})
	return ids, err
}

func (r *Reconciler) listUserCandidates(ctx context.Context) (ids []uuid.UUID, err error) {
	err = r.runner.InTx(ctx, func(s Store) error {
		ids, err = s.ListLicensedUsers(ctx)
		return err
	})
	return ids, err
}

func (r *Reconciler) listLicenseCandidates(ctx context.Context) (ids []uuid.UUID, err error) {
	err = r.runner.InTx(ctx, func(s Store) error {
		ids, err = s.ListOrphanedActiveLicenseIDs(ctx)
		return err
	})
	return ids, err
}

func (r *Reconciler) listLinklessCandidates(ctx context.Context) (ids []uuid.UUID, err error) {
	err = r.runner.InTx(ctx, func(s Store) error {
		ids, err = s.ListLinklessActiveLicenseIDs(ctx)
		return err
	})
	return ids, err
}

// repairLink deactivates an active company link that has no backing active
// license for the same (user, org) pair.
func (r *Reconciler) repairLink(ctx context.Context, linkID uuid.UUID) (fixed bool, err error) {
	err = r.runner.InTx(ctx, func(s Store) error {
		link, err := s.GetCompanyLinkByID(ctx, linkID)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				return nil
			}
			return err
		}
		if !link.Active {
			return nil
		}
		// Re-check under the current transaction: a concurrent assignment
		// may have legitimized the link since the candidate scan.
		if _, err := s.GetActiveLicenseByUserAndOrg(ctx, link.UserID, link.OrgID); err == nil {
			return nil
		} else if !errors.Is(err, db.ErrNotFound) {
			return err
		}

		link.Active = false
		if err := s.UpdateCompanyLink(ctx, link); err != nil {
			return err
		}
		fixed = true
		r.logger.Warn().
			Str("link_id", linkID.String()).
			Str("user_id", link.UserID.String()).
			Str("org_id", link.OrgID.String()).
			Msg("deactivated orphaned company link")
		return nil
	})
	return fixed, err
}

// repairUser downgrades a LICENSED user who no longer holds any active
// license in any org. LIFETIME is never touched; direct plans never reach
// this sweep.
func (r *Reconciler) repairUser(ctx context.Context, userID uuid.UUID) (fixed bool, err error) {
	err = r.runner.InTx(ctx, func(s Store) error {
		user, err := s.GetUserForUpdate(ctx, userID)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				return nil
			}
			return err
		}
		if !user.IsLicensed() || user.IsLifetime() {
			return nil
		}
		active, err := s.CountActiveLicensesByUser(ctx, userID)
		if err != nil {
			return err
		}
		if active > 0 {
			return nil
		}

		if err := s.UpdateUserSubscription(ctx, userID, models.SubscriptionExpired); err != nil {
			return err
		}
		fixed = true
		r.logger.Warn().
			Str("user_id", userID.String()).
			Msg("downgraded licensed user with no active license")
		return nil
	})
	return fixed, err
}

// repairLicense resets an active license with no assigned user back to the
// available pool. Assignment always sets the holder in the same transaction
// that activates the seat, so an active seat without one is corrupt.
func (r *Reconciler) repairLicense(ctx context.Context, licenseID uuid.UUID) (fixed bool, err error) {
	err = r.runner.InTx(ctx, func(s Store) error {
		lic, err := s.GetLicenseForUpdate(ctx, licenseID)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				return nil
			}
			return err
		}
		if lic.Status != models.LicenseStatusActive || lic.AssignedUserID != nil {
			return nil
		}

		lic.Status = models.LicenseStatusAvailable
		lic.LinkedAt = nil
		lic.UnlinkRequestedAt = nil
		lic.UnlinkEffectiveAt = nil
		if err := s.UpdateLicense(ctx, lic); err != nil {
			return err
		}
		fixed = true
		r.logger.Warn().
			Str("license_id", licenseID.String()).
			Msg("reset unassigned active license to available")
		return nil
	})
	return fixed, err
}

// repairMissingLink restores the company link for an active license whose
// assigned user has no active link. The license row is authoritative, so the
// link is recreated rather than the seat released.
func (r *Reconciler) repairMissingLink(ctx context.Context, licenseID uuid.UUID) (fixed bool, err error) {
	err = r.runner.InTx(ctx, func(s Store) error {
		lic, err := s.GetLicenseForUpdate(ctx, licenseID)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				return nil
			}
			return err
		}
		if lic.Status != models.LicenseStatusActive || lic.AssignedUserID == nil {
			return nil
		}
		if _, err := s.GetActiveLinkByUserAndOrg(ctx, *lic.AssignedUserID, lic.OrgID); err == nil {
			return nil
		} else if !errors.Is(err, db.ErrNotFound) {
			return err
		}

		if err := s.CreateCompanyLink(ctx, models.NewCompanyLink(lic.OrgID, *lic.AssignedUserID, lic.ID)); err != nil {
			return err
		}
		fixed = true
		r.logger.Warn().
			Str("license_id", licenseID.String()).
			Str("user_id", lic.AssignedUserID.String()).
			Msg("recreated missing link for active license")
		return nil
	})
	return fixed, err
}
