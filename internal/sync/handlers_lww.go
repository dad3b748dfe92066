package sync

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/triplog-app/triplog/internal/db"
	"github.com/triplog-app/triplog/internal/models"
)

// Last-write-wins handlers for the entity types without a version column.
// They carry authorization checks but no conflict detection: single-writer
// per field in practice.

// expenseHandler resolves pushes for expenses.
type expenseHandler struct{}

func (expenseHandler) Apply(ctx context.Context, s Store, p Principal, op *models.PendingOperation) models.OperationResult {
	existing, err := s.GetExpenseByID(ctx, op.EntityID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return failure(op, ErrCodeInternal, err.Error())
	}
	if existing != nil && existing.UserID != p.UserID {
		return failure(op, ErrCodeUnauthorized, "expense belongs to another user")
	}

	switch op.Action {
	case models.SyncActionCreate, models.SyncActionUpdate:
		var expense models.Expense
		if err := json.Unmarshal(op.Payload, &expense); err != nil {
			return failure(op, ErrCodeInvalid, "malformed expense payload")
		}
		expense.ID = op.EntityID
		expense.UserID = p.UserID
		if existing == nil {
			if op.Action == models.SyncActionUpdate {
				return failure(op, ErrCodeNotFound, "expense does not exist")
			}
			if expense.CreatedAt.IsZero() {
				expense.CreatedAt = time.Now().UTC()
			}
		} else {
			expense.CreatedAt = existing.CreatedAt
		}
		if err := s.UpsertExpense(ctx, &expense); err != nil {
			return failure(op, ErrCodeInternal, err.Error())
		}
		return success(op, nil)

	case models.SyncActionDelete:
		if existing == nil {
			return failure(op, ErrCodeNotFound, "expense does not exist")
		}
		if err := s.SoftDeleteExpense(ctx, op.EntityID, time.Now().UTC()); err != nil {
			return failure(op, ErrCodeInternal, err.Error())
		}
		return success(op, nil)
	}
	return failure(op, ErrCodeInvalid, "unknown action")
}

// workScheduleHandler resolves pushes for work schedule entries.
type workScheduleHandler struct{}

func (workScheduleHandler) Apply(ctx context.Context, s Store, p Principal, op *models.PendingOperation) models.OperationResult {
	existing, err := s.GetWorkScheduleByID(ctx, op.EntityID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return failure(op, ErrCodeInternal, err.Error())
	}
	if existing != nil && existing.UserID != p.UserID {
		return failure(op, ErrCodeUnauthorized, "work schedule belongs to another user")
	}

	switch op.Action {
	case models.SyncActionCreate, models.SyncActionUpdate:
		var schedule models.WorkSchedule
		if err := json.Unmarshal(op.Payload, &schedule); err != nil {
			return failure(op, ErrCodeInvalid, "malformed work schedule payload")
		}
		if schedule.Weekday < 0 || schedule.Weekday > 6 {
			return failure(op, ErrCodeInvalid, "weekday out of range")
		}
		schedule.ID = op.EntityID
		schedule.UserID = p.UserID
		if existing == nil {
			if op.Action == models.SyncActionUpdate {
				return failure(op, ErrCodeNotFound, "work schedule does not exist")
			}
			if schedule.CreatedAt.IsZero() {
				schedule.CreatedAt = time.Now().UTC()
			}
		} else {
			schedule.CreatedAt = existing.CreatedAt
		}
		if err := s.UpsertWorkSchedule(ctx, &schedule); err != nil {
			return failure(op, ErrCodeInternal, err.Error())
		}
		return success(op, nil)

	case models.SyncActionDelete:
		if existing == nil {
			return failure(op, ErrCodeNotFound, "work schedule does not exist")
		}
		if err := s.SoftDeleteWorkSchedule(ctx, op.EntityID, time.Now().UTC()); err != nil {
			return failure(op, ErrCodeInternal, err.Error())
		}
		return success(op, nil)
	}
	return failure(op, ErrCodeInvalid, "unknown action")
}

// trackingSettingHandler resolves pushes for tracking settings.
type trackingSettingHandler struct{}

func (trackingSettingHandler) Apply(ctx context.Context, s Store, p Principal, op *models.PendingOperation) models.OperationResult {
	existing, err := s.GetTrackingSettingByID(ctx, op.EntityID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return failure(op, ErrCodeInternal, err.Error())
	}
	if existing != nil && existing.UserID != p.UserID {
		return failure(op, ErrCodeUnauthorized, "tracking setting belongs to another user")
	}

	switch op.Action {
	case models.SyncActionCreate, models.SyncActionUpdate:
		var setting models.TrackingSetting
		if err := json.Unmarshal(op.Payload, &setting); err != nil {
			return failure(op, ErrCodeInvalid, "malformed tracking setting payload")
		}
		setting.ID = op.EntityID
		setting.UserID = p.UserID
		if existing == nil {
			if op.Action == models.SyncActionUpdate {
				return failure(op, ErrCodeNotFound, "tracking setting does not exist")
			}
			if setting.CreatedAt.IsZero() {
				setting.CreatedAt = time.Now().UTC()
			}
		} else {
			setting.CreatedAt = existing.CreatedAt
		}
		if err := s.UpsertTrackingSetting(ctx, &setting); err != nil {
			return failure(op, ErrCodeInternal, err.Error())
		}
		return success(op, nil)

	case models.SyncActionDelete:
		if existing == nil {
			return failure(op, ErrCodeNotFound, "tracking setting does not exist")
		}
		if err := s.SoftDeleteTrackingSetting(ctx, op.EntityID, time.Now().UTC()); err != nil {
			return failure(op, ErrCodeInternal, err.Error())
		}
		return success(op, nil)
	}
	return failure(op, ErrCodeInvalid, "unknown action")
}

// consentHandler resolves pushes for consents. Append-mostly: DELETE is not
// accepted, consent withdrawal is an UPDATE with granted=false.
type consentHandler struct{}

func (consentHandler) Apply(ctx context.Context, s Store, p Principal, op *models.PendingOperation) models.OperationResult {
	if op.Action == models.SyncActionDelete {
		return failure(op, ErrCodeInvalid, "consents cannot be deleted; withdraw instead")
	}

	existing, err := s.GetConsentByID(ctx, op.EntityID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return failure(op, ErrCodeInternal, err.Error())
	}
	if existing != nil && existing.UserID != p.UserID {
		return failure(op, ErrCodeUnauthorized, "consent belongs to another user")
	}

	var consent models.Consent
	if err := json.Unmarshal(op.Payload, &consent); err != nil {
		return failure(op, ErrCodeInvalid, "malformed consent payload")
	}
	consent.ID = op.EntityID
	consent.UserID = p.UserID
	if consent.GrantedAt.IsZero() {
		consent.GrantedAt = time.Now().UTC()
	}
	if existing == nil {
		if op.Action == models.SyncActionUpdate {
			return failure(op, ErrCodeNotFound, "consent does not exist")
		}
		if consent.CreatedAt.IsZero() {
			consent.CreatedAt = time.Now().UTC()
		}
	} else {
		consent.CreatedAt = existing.CreatedAt
	}
	if err := s.UpsertConsent(ctx, &consent); err != nil {
		return failure(op, ErrCodeInternal, err.Error())
	}
	return success(op, nil)
}

// proAccountHandler resolves pushes for organization profiles. Only the
// owner may write them.
type proAccountHandler struct{}

func (proAccountHandler) Apply(ctx context.Context, s Store, p Principal, op *models.PendingOperation) models.OperationResult {
	existing, err := s.GetProAccountByID(ctx, op.EntityID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return failure(op, ErrCodeInternal, err.Error())
	}
	if existing != nil && existing.OwnerUserID != p.UserID {
		return failure(op, ErrCodeUnauthorized, "pro account belongs to another user")
	}

	switch op.Action {
	case models.SyncActionCreate:
		if existing != nil {
			// Idempotent replay of a create.
			return success(op, nil)
		}
		var acct models.ProAccount
		if err := json.Unmarshal(op.Payload, &acct); err != nil {
			return failure(op, ErrCodeInvalid, "malformed pro account payload")
		}
		acct.ID = op.EntityID
		acct.OwnerUserID = p.UserID
		if acct.CreatedAt.IsZero() {
			now := time.Now().UTC()
			acct.CreatedAt = now
			acct.UpdatedAt = now
		}
		if err := s.CreateProAccount(ctx, &acct); err != nil {
			return failure(op, ErrCodeInternal, err.Error())
		}
		return success(op, nil)

	case models.SyncActionUpdate, models.SyncActionDelete:
		// Profile edits and org deletion go through the management API; the
		// sync path only creates.
		return failure(op, ErrCodeInvalid, "pro accounts only accept CREATE through sync")
	}
	return failure(op, ErrCodeInvalid, "unknown action")
}

// companyLinkHandler lets the linked employee toggle the per-category
// sharing flags on their own link. Lifecycle (activation, deactivation) is
// owned by the license state machine and rejected here.
type companyLinkHandler struct{}

func (companyLinkHandler) Apply(ctx context.Context, s Store, p Principal, op *models.PendingOperation) models.OperationResult {
	if op.Action != models.SyncActionUpdate {
		return failure(op, ErrCodeInvalid, "company links only accept UPDATE through sync")
	}

	existing, err := s.GetCompanyLinkByID(ctx, op.EntityID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return failure(op, ErrCodeNotFound, "company link does not exist")
		}
		return failure(op, ErrCodeInternal, err.Error())
	}
	if existing.UserID != p.UserID {
		return failure(op, ErrCodeUnauthorized, "company link belongs to another user")
	}

	var patch models.CompanyLink
	if err := json.Unmarshal(op.Payload, &patch); err != nil {
		return failure(op, ErrCodeInvalid, "malformed company link payload")
	}
	// Only the sharing flags are client-writable.
	existing.ShareBusinessTrips = patch.ShareBusinessTrips
	existing.ShareExpenses = patch.ShareExpenses
	existing.ShareSchedules = patch.ShareSchedules
	if err := s.UpdateCompanyLink(ctx, existing); err != nil {
		return failure(op, ErrCodeInternal, err.Error())
	}
	return success(op, nil)
}

// licenseHandler lets an org owner manage unassigned pool seats offline:
// CREATE adds a seat, DELETE removes a still-available one. Anything
// touching an assigned seat must go through the license state machine
// endpoints, where the side-effect sequence lives.
type licenseHandler struct{}

func (licenseHandler) Apply(ctx context.Context, s Store, p Principal, op *models.PendingOperation) models.OperationResult {
	ownsOrg := func(orgID uuid.UUID) bool {
		for _, id := range p.OwnedOrgIDs {
			if id == orgID {
				return true
			}
		}
		return false
	}

	existing, err := s.GetLicenseByID(ctx, op.EntityID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return failure(op, ErrCodeInternal, err.Error())
	}
	if existing != nil && !ownsOrg(existing.OrgID) {
		return failure(op, ErrCodeUnauthorized, "license belongs to another organization")
	}

	switch op.Action {
	case models.SyncActionCreate:
		if existing != nil {
			return success(op, nil)
		}
		var lic models.License
		if err := json.Unmarshal(op.Payload, &lic); err != nil {
			return failure(op, ErrCodeInvalid, "malformed license payload")
		}
		if !ownsOrg(lic.OrgID) {
			return failure(op, ErrCodeUnauthorized, "not an owner of this organization")
		}
		lic.ID = op.EntityID
		lic.Status = models.LicenseStatusAvailable
		lic.AssignedUserID = nil
		if lic.CreatedAt.IsZero() {
			now := time.Now().UTC()
			lic.CreatedAt = now
			lic.UpdatedAt = now
		}
		if err := s.CreateLicense(ctx, &lic); err != nil {
			return failure(op, ErrCodeInternal, err.Error())
		}
		return success(op, nil)

	case models.SyncActionDelete:
		if existing == nil {
			return failure(op, ErrCodeNotFound, "license does not exist")
		}
		if existing.Status != models.LicenseStatusAvailable {
			return failure(op, ErrCodeInvalid, "only available seats can be deleted through sync")
		}
		now := time.Now().UTC()
		existing.DeletedAt = &now
		if err := s.UpdateLicense(ctx, existing); err != nil {
			return failure(op, ErrCodeInternal, err.Error())
		}
		return success(op, nil)

	case models.SyncActionUpdate:
		return failure(op, ErrCodeInvalid, "license transitions go through the license endpoints")
	}
	return failure(op, ErrCodeInvalid, "unknown action")
}
