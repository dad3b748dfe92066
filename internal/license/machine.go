// Package license implements the license lifecycle state machine.
//
// Every transition is an explicit function call owning the full side-effect
// sequence for its trigger: license row, dependent company link and derived
// user subscription are updated in one place, inside one transaction. Nothing
// here relies on storage-side cascades.
package license

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/triplog-app/triplog/internal/db"
	"github.com/triplog-app/triplog/internal/metrics"
	"github.com/triplog-app/triplog/internal/models"
)

// Code identifies the outcome of a transition attempt. Callers branch on
// codes, never on error strings.
type Code string

const (
	// CodeOK means the transition applied.
	CodeOK Code = "OK"
	// CodeLicenseNotAvailable means the seat is not in a state the requested
	// transition accepts.
	CodeLicenseNotAvailable Code = "LICENSE_NOT_AVAILABLE"
	// CodeAlreadyLicensed means the target user already holds an active seat
	// from this org, or a status that blocks double-assignment.
	CodeAlreadyLicensed Code = "ALREADY_LICENSED"
	// CodeRaceLost means another transaction holds the license row lock.
	// Transient; safe to retry immediately.
	CodeRaceLost Code = "RACE_CONDITION"
	// CodeNotFound means the license does not exist.
	CodeNotFound Code = "NOT_FOUND"
	// CodeWrongState means the license exists but the transition is illegal
	// from its current state.
	CodeWrongState Code = "WRONG_STATE"
	// CodeDeferred means assignment was proposed but is paused until the
	// user's conflicting paid plan confirms cancellation.
	CodeDeferred Code = "ASSIGNMENT_DEFERRED"
)

// Result is the structured outcome of a transition. Never a bare boolean.
type Result struct {
	OK      bool            `json:"ok"`
	Code    Code            `json:"code"`
	Message string          `json:"message,omitempty"`
	License *models.License `json:"license,omitempty"`
}

// RenewalSummary reports what a renewal pass did for one org.
type RenewalSummary struct {
	ReclaimedSeats int `json:"reclaimed_seats"`
	DeletedSeats   int `json:"deleted_seats"`
	UnlinkedSeats  int `json:"unlinked_seats"`
}

// Store is the persistence surface the state machine needs. *db.Store
// satisfies it.
type Store interface {
	TryLockLicense(ctx context.Context, id uuid.UUID) (db.LockOutcome, error)
	GetLicenseByID(ctx context.Context, id uuid.UUID) (*models.License, error)
	GetLicenseForUpdate(ctx context.Context, id uuid.UUID) (*models.License, error)
	UpdateLicense(ctx context.Context, l *models.License) error
	HardDeleteLicense(ctx context.Context, id uuid.UUID) error
	GetActiveLicenseByUserAndOrg(ctx context.Context, userID, orgID uuid.UUID) (*models.License, error)
	GetLicenseBySubscriptionRef(ctx context.Context, ref string, orgID uuid.UUID) (*models.License, error)
	CountActiveLicensesByUser(ctx context.Context, userID uuid.UUID) (int, error)
	ListCanceledLicenseIDs(ctx context.Context, orgID uuid.UUID) ([]uuid.UUID, error)
	ListUnlinkDueLicenseIDs(ctx context.Context, orgID uuid.UUID, now time.Time) ([]uuid.UUID, error)
	ListPausedLicenseIDsByUser(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)

	GetUserForUpdate(ctx context.Context, id uuid.UUID) (*models.User, error)
	UpdateUserSubscription(ctx context.Context, id uuid.UUID, sub models.SubscriptionType) error

	GetActiveLinkByUserAndOrg(ctx context.Context, userID, orgID uuid.UUID) (*models.CompanyLink, error)
	CreateCompanyLink(ctx context.Context, l *models.CompanyLink) error
	UpdateCompanyLink(ctx context.Context, l *models.CompanyLink) error
	DeactivateLinksByLicense(ctx context.Context, licenseID uuid.UUID) (int64, error)
}

// TxRunner opens the transaction boundary every transition runs inside.
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

// Machine owns all license lifecycle transitions.
type Machine struct {
	runner  TxRunner
	metrics *metrics.Registry
	logger  zerolog.Logger
	// now is swappable in tests.
	now func() time.Time
}

// NewMachine creates a license state machine.
func NewMachine(runner TxRunner, reg *metrics.Registry, logger zerolog.Logger) *Machine {
	return &Machine{
		runner:  runner,
		metrics: reg,
		logger:  logger.With().Str("component", "license_machine").Logger(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (m *Machine) record(trigger string, code Code) {
	if m.metrics != nil {
		m.metrics.IncLicenseTransition(trigger, string(code))
	}
}

// Assign hands an available seat to a user (available -> active).
//
// The license row is locked non-blocking: of two concurrent assignment
// attempts for the same seat exactly one acquires the lock, the other gets
// CodeRaceLost immediately. If the target user holds a conflicting paid plan
// the assignment is proposed (paused) instead of activated, and finalized by
// FinalizePending once the plan confirms cancellation.
func (m *Machine) Assign(ctx context.Context, licenseID, userID, orgID uuid.UUID) Result {
	var res Result
	err := m.runner.InTx(ctx, func(s Store) error {
		outcome, err := s.TryLockLicense(ctx, licenseID)
		if err != nil {
			return err
		}
		if !outcome.Acquired {
			// Distinguish a missing row from a lost race.
			if _, err := s.GetLicenseByID(ctx, licenseID); errors.Is(err, db.ErrNotFound) {
				res = Result{Code: CodeNotFound, Message: "license does not exist"}
				return nil
			} else if err != nil {
				return err
			}
			res = Result{Code: CodeRaceLost, Message: "license row is locked by a concurrent transition"}
			return nil
		}

		lic := outcome.License
		if lic.OrgID != orgID {
			res = Result{Code: CodeNotFound, Message: "license does not belong to this organization"}
			return nil
		}
		if !lic.Assignable() {
			res = Result{
				Code:    CodeLicenseNotAvailable,
				Message: fmt.Sprintf("license is %s, not available", lic.Status),
				License: lic,
			}
			return nil
		}

		// The user row update is on the losing side of an already-decided
		// transition; a short blocking wait is correct here.
		user, err := s.GetUserForUpdate(ctx, userID)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				res = Result{Code: CodeNotFound, Message: "user does not exist"}
				return nil
			}
			return err
		}

		if _, err := s.GetActiveLicenseByUserAndOrg(ctx, userID, orgID); err == nil {
			res = Result{Code: CodeAlreadyLicensed, Message: "user already holds an active license from this organization"}
			return nil
		} else if !errors.Is(err, db.ErrNotFound) {
			return err
		}

		if user.IsLifetime() {
			res = Result{Code: CodeAlreadyLicensed, Message: "user holds a lifetime plan; a license would grant nothing"}
			return nil
		}

		now := m.now()
		if user.SubscriptionType == models.SubscriptionPremium {
			// Two-phase: propose now, finalize once the paid plan cancels.
			uid := userID
			lic.AssignedUserID = &uid
			lic.Status = models.LicenseStatusPaused
			if err := s.UpdateLicense(ctx, lic); err != nil {
				return err
			}
			res = Result{OK: true, Code: CodeDeferred, License: lic,
				Message: "assignment deferred until the user's paid plan is canceled"}
			return nil
		}

		uid := userID
		lic.AssignedUserID = &uid
		lic.Status = models.LicenseStatusActive
		lic.LinkedAt = &now
		if err := s.UpdateLicense(ctx, lic); err != nil {
			return err
		}

		if err := m.activateLink(ctx, s, lic); err != nil {
			return err
		}
		if err := m.recomputeSubscription(ctx, s, userID); err != nil {
			return err
		}

		res = Result{OK: true, Code: CodeOK, License: lic}
		return nil
	})
	if err != nil {
		m.logger.Error().Err(err).Str("license_id", licenseID.String()).Msg("assign failed")
		return Result{Code: CodeWrongState, Message: err.Error()}
	}
	m.record("assign", res.Code)
	return res
}

// FinalizePending activates any paused assignments proposed for the user.
// Called when the user's conflicting paid plan confirms cancellation.
func (m *Machine) FinalizePending(ctx context.Context, userID uuid.UUID) Result {
	var res = Result{OK: true, Code: CodeOK}
	err := m.runner.InTx(ctx, func(s Store) error {
		ids, err := s.ListPausedLicenseIDsByUser(ctx, userID)
		if err != nil {
			return err
		}
		for _, id := range ids {
			lic, err := s.GetLicenseForUpdate(ctx, id)
			if err != nil {
				return err
			}
			if lic.Status != models.LicenseStatusPaused || lic.AssignedUserID == nil || *lic.AssignedUserID != userID {
				continue
			}
			now := m.now()
			lic.Status = models.LicenseStatusActive
			lic.LinkedAt = &now
			if err := s.UpdateLicense(ctx, lic); err != nil {
				return err
			}
			if err := m.activateLink(ctx, s, lic); err != nil {
				return err
			}
			if err := m.recomputeSubscription(ctx, s, userID); err != nil {
				return err
			}
			res.License = lic
		}
		return nil
	})
	if err != nil {
		m.logger.Error().Err(err).Str("user_id", userID.String()).Msg("finalize pending assignments failed")
		return Result{Code: CodeWrongState, Message: err.Error()}
	}
	m.record("finalize_pending", res.Code)
	return res
}

// RequestUnlink starts the notice period (active -> unlinked). The holder
// keeps access until the effective date; the request is cancellable until
// then.
func (m *Machine) RequestUnlink(ctx context.Context, licenseID, orgID uuid.UUID) Result {
	var res Result
	err := m.runner.InTx(ctx, func(s Store) error {
		lic, found, raced, err := m.lockOwned(ctx, s, licenseID, orgID)
		if err != nil {
			return err
		}
		if !found {
			res = Result{Code: CodeNotFound, Message: "license does not exist"}
			return nil
		}
		if raced {
			res = Result{Code: CodeRaceLost, Message: "license row is locked by a concurrent transition"}
			return nil
		}
		if lic.Status != models.LicenseStatusActive {
			res = Result{Code: CodeWrongState, Message: fmt.Sprintf("cannot request unlink from %s", lic.Status), License: lic}
			return nil
		}

		now := m.now()
		effective := now.Add(models.UnlinkNoticePeriod)
		lic.Status = models.LicenseStatusUnlinked
		lic.UnlinkRequestedAt = &now
		lic.UnlinkEffectiveAt = &effective
		if err := s.UpdateLicense(ctx, lic); err != nil {
			return err
		}
		res = Result{OK: true, Code: CodeOK, License: lic}
		return nil
	})
	if err != nil {
		m.logger.Error().Err(err).Str("license_id", licenseID.String()).Msg("request unlink failed")
		return Result{Code: CodeWrongState, Message: err.Error()}
	}
	m.record("request_unlink", res.Code)
	return res
}

// CancelUnlink aborts a pending unlink before its effective date
// (unlinked -> active). Both unlink timestamps are cleared atomically; the
// holder is unaffected.
func (m *Machine) CancelUnlink(ctx context.Context, licenseID, orgID uuid.UUID) Result {
	var res Result
	err := m.runner.InTx(ctx, func(s Store) error {
		lic, found, raced, err := m.lockOwned(ctx, s, licenseID, orgID)
		if err != nil {
			return err
		}
		if !found {
			res = Result{Code: CodeNotFound, Message: "license does not exist"}
			return nil
		}
		if raced {
			res = Result{Code: CodeRaceLost, Message: "license row is locked by a concurrent transition"}
			return nil
		}
		if !lic.UnlinkPending() {
			res = Result{Code: CodeWrongState, Message: "no unlink request is pending", License: lic}
			return nil
		}
		if m.now().After(*lic.UnlinkEffectiveAt) {
			res = Result{Code: CodeWrongState, Message: "unlink already effective", License: lic}
			return nil
		}

		lic.Status = models.LicenseStatusActive
		lic.UnlinkRequestedAt = nil
		lic.UnlinkEffectiveAt = nil
		if err := s.UpdateLicense(ctx, lic); err != nil {
			return err
		}
		res = Result{OK: true, Code: CodeOK, License: lic}
		return nil
	})
	if err != nil {
		m.logger.Error().Err(err).Str("license_id", licenseID.String()).Msg("cancel unlink failed")
		return Result{Code: CodeWrongState, Message: err.Error()}
	}
	m.record("cancel_unlink", res.Code)
	return res
}

// BillingFailed suspends a seat after a failed billing event
// (active -> suspended). The holder's subscription status is untouched: a
// grace period is implied and the next successful billing event resumes.
func (m *Machine) BillingFailed(ctx context.Context, subscriptionRef string, orgID uuid.UUID) Result {
	return m.billingTransition(ctx, "billing_failed", subscriptionRef, orgID, func(lic *models.License) (Code, string) {
		if lic.Status != models.LicenseStatusActive {
			return CodeWrongState, fmt.Sprintf("cannot suspend a %s license", lic.Status)
		}
		lic.Status = models.LicenseStatusSuspended
		return CodeOK, ""
	})
}

// BillingRecovered resumes a suspended seat (suspended -> active). It also
// reverses a cancellation that has not been reclaimed yet: a
// canceled-then-reinstated billing event lands here during the window before
// the next renewal pass.
func (m *Machine) BillingRecovered(ctx context.Context, subscriptionRef string, orgID uuid.UUID, periodEnd time.Time) Result {
	return m.billingTransition(ctx, "billing_recovered", subscriptionRef, orgID, func(lic *models.License) (Code, string) {
		switch lic.Status {
		case models.LicenseStatusSuspended, models.LicenseStatusCanceled:
			if lic.Assigned() {
				lic.Status = models.LicenseStatusActive
			} else {
				lic.Status = models.LicenseStatusAvailable
			}
			lic.BillingPeriodEnd = &periodEnd
			return CodeOK, ""
		case models.LicenseStatusActive, models.LicenseStatusAvailable:
			// Routine renewal of a healthy seat.
			lic.BillingPeriodEnd = &periodEnd
			return CodeOK, ""
		}
		return CodeWrongState, fmt.Sprintf("cannot resume a %s license", lic.Status)
	})
}

// SubscriptionTerminated cancels a seat (active/suspended -> canceled). The
// seat is reclaimed or deleted on the next renewal pass, not instantly, so a
// reinstated billing event can still reverse it.
func (m *Machine) SubscriptionTerminated(ctx context.Context, subscriptionRef string, orgID uuid.UUID) Result {
	return m.billingTransition(ctx, "subscription_terminated", subscriptionRef, orgID, func(lic *models.License) (Code, string) {
		switch lic.Status {
		case models.LicenseStatusActive, models.LicenseStatusSuspended, models.LicenseStatusUnlinked, models.LicenseStatusAvailable, models.LicenseStatusPaused:
			lic.Status = models.LicenseStatusCanceled
			return CodeOK, ""
		}
		return CodeWrongState, fmt.Sprintf("license already %s", lic.Status)
	})
}

// billingTransition resolves a seat by subscription reference, locks it and
// applies mutate inside one transaction.
func (m *Machine) billingTransition(ctx context.Context, trigger, subscriptionRef string, orgID uuid.UUID, mutate func(*models.License) (Code, string)) Result {
	var res Result
	err := m.runner.InTx(ctx, func(s Store) error {
		lic, err := s.GetLicenseBySubscriptionRef(ctx, subscriptionRef, orgID)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				res = Result{Code: CodeNotFound, Message: "no license for subscription reference"}
				return nil
			}
			return err
		}
		outcome, err := s.TryLockLicense(ctx, lic.ID)
		if err != nil {
			return err
		}
		if !outcome.Acquired {
			res = Result{Code: CodeRaceLost, Message: "license row is locked by a concurrent transition"}
			return nil
		}
		lic = outcome.License

		code, msg := mutate(lic)
		if code != CodeOK {
			res = Result{Code: code, Message: msg, License: lic}
			return nil
		}
		if err := s.UpdateLicense(ctx, lic); err != nil {
			return err
		}
		res = Result{OK: true, Code: CodeOK, License: lic}
		return nil
	})
	if err != nil {
		m.logger.Error().Err(err).Str("subscription_ref", subscriptionRef).Msg("billing transition failed")
		return Result{Code: CodeWrongState, Message: err.Error()}
	}
	m.record(trigger, res.Code)
	return res
}

// Delete hard-deletes a seat: immediate reclaim. The dependent company link
// and the holder's derived subscription are updated exactly as a normal
// unlink would, before the row goes away.
func (m *Machine) Delete(ctx context.Context, licenseID, orgID uuid.UUID) Result {
	var res Result
	err := m.runner.InTx(ctx, func(s Store) error {
		lic, found, raced, err := m.lockOwned(ctx, s, licenseID, orgID)
		if err != nil {
			return err
		}
		if !found {
			res = Result{Code: CodeNotFound, Message: "license does not exist"}
			return nil
		}
		if raced {
			res = Result{Code: CodeRaceLost, Message: "license row is locked by a concurrent transition"}
			return nil
		}

		if err := m.releaseAssignment(ctx, s, lic); err != nil {
			return err
		}
		if err := s.HardDeleteLicense(ctx, lic.ID); err != nil {
			return err
		}
		res = Result{OK: true, Code: CodeOK}
		return nil
	})
	if err != nil {
		m.logger.Error().Err(err).Str("license_id", licenseID.String()).Msg("delete license failed")
		return Result{Code: CodeWrongState, Message: err.Error()}
	}
	m.record("delete", res.Code)
	return res
}

// ProcessRenewal runs the periodic renewal pass for one org: canceled seats
// are reclaimed (perpetual) or deleted (recurring), and due unlinks take
// effect. Locks are acquired per row so interactive assignment is never
// starved.
func (m *Machine) ProcessRenewal(ctx context.Context, orgID uuid.UUID) (RenewalSummary, error) {
	var summary RenewalSummary
	err := m.runner.InTx(ctx, func(s Store) error {
		canceled, err := s.ListCanceledLicenseIDs(ctx, orgID)
		if err != nil {
			return err
		}
		for _, id := range canceled {
			lic, err := s.GetLicenseForUpdate(ctx, id)
			if err != nil {
				if errors.Is(err, db.ErrNotFound) {
					continue
				}
				return err
			}
			if lic.Status != models.LicenseStatusCanceled {
				// A reinstated billing event won the window.
				continue
			}
			if err := m.releaseAssignment(ctx, s, lic); err != nil {
				return err
			}
			if lic.IsPerpetual {
				lic.Status = models.LicenseStatusAvailable
				lic.AssignedUserID = nil
				lic.LinkedAt = nil
				lic.UnlinkRequestedAt = nil
				lic.UnlinkEffectiveAt = nil
				if err := s.UpdateLicense(ctx, lic); err != nil {
					return err
				}
				summary.ReclaimedSeats++
			} else {
				if err := s.HardDeleteLicense(ctx, lic.ID); err != nil {
					return err
				}
				summary.DeletedSeats++
			}
		}

		due, err := s.ListUnlinkDueLicenseIDs(ctx, orgID, m.now())
		if err != nil {
			return err
		}
		for _, id := range due {
			lic, err := s.GetLicenseForUpdate(ctx, id)
			if err != nil {
				if errors.Is(err, db.ErrNotFound) {
					continue
				}
				return err
			}
			if !lic.UnlinkPending() || m.now().Before(*lic.UnlinkEffectiveAt) {
				continue
			}
			if err := m.releaseAssignment(ctx, s, lic); err != nil {
				return err
			}
			lic.Status = models.LicenseStatusAvailable
			lic.AssignedUserID = nil
			lic.LinkedAt = nil
			lic.UnlinkRequestedAt = nil
			lic.UnlinkEffectiveAt = nil
			if err := s.UpdateLicense(ctx, lic); err != nil {
				return err
			}
			summary.UnlinkedSeats++
		}
		return nil
	})
	if err != nil {
		return summary, fmt.Errorf("renewal pass for org %s: %w", orgID, err)
	}
	if summary.ReclaimedSeats+summary.DeletedSeats+summary.UnlinkedSeats > 0 {
		m.logger.Info().
			Str("org_id", orgID.String()).
			Int("reclaimed", summary.ReclaimedSeats).
			Int("deleted", summary.DeletedSeats).
			Int("unlinked", summary.UnlinkedSeats).
			Msg("renewal pass applied")
	}
	m.record("renewal", CodeOK)
	return summary, nil
}

// lockOwned locks a license non-blocking and verifies org ownership.
func (m *Machine) lockOwned(ctx context.Context, s Store, licenseID, orgID uuid.UUID) (lic *models.License, found, raced bool, err error) {
	outcome, err := s.TryLockLicense(ctx, licenseID)
	if err != nil {
		return nil, false, false, err
	}
	if !outcome.Acquired {
		if _, err := s.GetLicenseByID(ctx, licenseID); errors.Is(err, db.ErrNotFound) {
			return nil, false, false, nil
		} else if err != nil {
			return nil, false, false, err
		}
		return nil, true, true, nil
	}
	if outcome.License.OrgID != orgID {
		return nil, false, false, nil
	}
	return outcome.License, true, false, nil
}

// activateLink reactivates or creates the company link backing an
// assignment.
func (m *Machine) activateLink(ctx context.Context, s Store, lic *models.License) error {
	if lic.AssignedUserID == nil {
		return nil
	}
	link, err := s.GetActiveLinkByUserAndOrg(ctx, *lic.AssignedUserID, lic.OrgID)
	if err == nil {
		lid := lic.ID
		link.LicenseID = &lid
		link.Active = true
		return s.UpdateCompanyLink(ctx, link)
	}
	if !errors.Is(err, db.ErrNotFound) {
		return err
	}
	return s.CreateCompanyLink(ctx, models.NewCompanyLink(lic.OrgID, *lic.AssignedUserID, lic.ID))
}

// releaseAssignment runs the shared side effects of every transition that
// clears assigned_user_id: deactivate dependent links, then recompute the
// holder's derived subscription. Runs before the license row itself changes
// so a hard delete gets identical treatment.
func (m *Machine) releaseAssignment(ctx context.Context, s Store, lic *models.License) error {
	if lic.AssignedUserID == nil {
		return nil
	}
	userID := *lic.AssignedUserID
	if _, err := s.DeactivateLinksByLicense(ctx, lic.ID); err != nil {
		return err
	}
	lic.AssignedUserID = nil
	return m.recomputeSubscription(ctx, s, userID)
}

// recomputeSubscription derives the user's subscription tier from their
// remaining active licenses, across all orgs. LIFETIME is sticky and never
// downgraded. A user with any other active license stays LICENSED; only at
// zero does a LICENSED user fall to EXPIRED. Direct plans (TRIAL, PREMIUM)
// are left alone: they are not license-derived.
func (m *Machine) recomputeSubscription(ctx context.Context, s Store, userID uuid.UUID) error {
	user, err := s.GetUserForUpdate(ctx, userID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil
		}
		return err
	}
	if user.IsLifetime() {
		return nil
	}

	active, err := s.CountActiveLicensesByUser(ctx, userID)
	if err != nil {
		return err
	}

	var next models.SubscriptionType
	switch {
	case active > 0:
		next = models.SubscriptionLicensed
	case user.IsLicensed():
		next = models.SubscriptionExpired
	default:
		return nil
	}
	if next == user.SubscriptionType {
		return nil
	}

	m.logger.Info().
		Str("user_id", userID.String()).
		Str("from", string(user.SubscriptionType)).
		Str("to", string(next)).
		Int("active_licenses", active).
		Msg("recomputed user subscription")
	return s.UpdateUserSubscription(ctx, userID, next)
}
