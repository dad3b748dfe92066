package sync

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/triplog-app/triplog/internal/db"
	"github.com/triplog-app/triplog/internal/models"
)

// Handler applies one push operation for a specific entity type. Handlers
// run inside the orchestrator's transaction and report outcomes as operation
// results, never as errors: an error return aborts the whole sync call and
// is reserved for infrastructure failures.
type Handler interface {
	Apply(ctx context.Context, s Store, p Principal, op *models.PendingOperation) models.OperationResult
}

// NewHandlerRegistry returns the full handler set, keyed by entity type.
func NewHandlerRegistry() map[models.EntityType]Handler {
	return map[models.EntityType]Handler{
		models.EntityTypeTrip:            tripHandler{},
		models.EntityTypeVehicle:         vehicleHandler{},
		models.EntityTypeUser:            userHandler{},
		models.EntityTypeExpense:         expenseHandler{},
		models.EntityTypeWorkSchedule:    workScheduleHandler{},
		models.EntityTypeTrackingSetting: trackingSettingHandler{},
		models.EntityTypeConsent:         consentHandler{},
		models.EntityTypeProAccount:      proAccountHandler{},
		models.EntityTypeCompanyLink:     companyLinkHandler{},
		models.EntityTypeLicense:         licenseHandler{},
	}
}

func resultFor(op *models.PendingOperation) models.OperationResult {
	return models.OperationResult{
		IdempotencyKey: op.IdempotencyKey,
		EntityType:     op.EntityType,
		EntityID:       op.EntityID,
	}
}

func failure(op *models.PendingOperation, code, msg string) models.OperationResult {
	res := resultFor(op)
	res.ErrorCode = code
	res.ErrorMessage = msg
	return res
}

func conflict(op *models.PendingOperation, serverVersion int64) models.OperationResult {
	res := resultFor(op)
	res.Conflict = true
	res.ServerVersion = &serverVersion
	return res
}

func success(op *models.PendingOperation, serverVersion *int64) models.OperationResult {
	res := resultFor(op)
	res.Success = true
	res.ServerVersion = serverVersion
	return res
}

// checkVersion applies the optimistic concurrency rule: a stored version
// strictly greater than the client's is a conflict; otherwise the write is
// accepted and the stored version becomes exactly the client's. The client
// owns version assignment.
func checkVersion(stored int64, clientVersion *int64) (int64, bool) {
	if clientVersion == nil {
		return stored, false
	}
	if stored > *clientVersion {
		return stored, false
	}
	return *clientVersion, true
}

// tripHandler resolves pushes for trips (versioned).
type tripHandler struct{}

func (tripHandler) Apply(ctx context.Context, s Store, p Principal, op *models.PendingOperation) models.OperationResult {
	existing, err := s.GetTripByID(ctx, op.EntityID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return failure(op, ErrCodeInternal, err.Error())
	}
	if existing != nil && existing.UserID != p.UserID {
		return failure(op, ErrCodeUnauthorized, "trip belongs to another user")
	}

	switch op.Action {
	case models.SyncActionCreate, models.SyncActionUpdate:
		var trip models.Trip
		if err := json.Unmarshal(op.Payload, &trip); err != nil {
			return failure(op, ErrCodeInvalid, "malformed trip payload")
		}
		trip.ID = op.EntityID
		trip.UserID = p.UserID
		if op.ClientVersion != nil {
			trip.Version = *op.ClientVersion
		}
		if existing == nil {
			if op.Action == models.SyncActionUpdate {
				return failure(op, ErrCodeNotFound, "trip does not exist")
			}
			if trip.CreatedAt.IsZero() {
				trip.CreatedAt = time.Now().UTC()
			}
		} else {
			newVersion, ok := checkVersion(existing.Version, &trip.Version)
			if !ok {
				return conflict(op, newVersion)
			}
			trip.CreatedAt = existing.CreatedAt
		}
		if !trip.Category.IsValid() {
			return failure(op, ErrCodeInvalid, "unknown trip category")
		}
		if err := s.UpsertTrip(ctx, &trip); err != nil {
			return failure(op, ErrCodeInternal, err.Error())
		}
		return success(op, &trip.Version)

	case models.SyncActionDelete:
		if existing == nil {
			return failure(op, ErrCodeNotFound, "trip does not exist")
		}
		version := existing.Version
		if op.ClientVersion != nil {
			newVersion, ok := checkVersion(existing.Version, op.ClientVersion)
			if !ok {
				return conflict(op, newVersion)
			}
			version = *op.ClientVersion
		}
		if err := s.SoftDeleteTrip(ctx, op.EntityID, version, time.Now().UTC()); err != nil {
			return failure(op, ErrCodeInternal, err.Error())
		}
		return success(op, &version)
	}
	return failure(op, ErrCodeInvalid, "unknown action")
}

// vehicleHandler resolves pushes for vehicles (versioned).
type vehicleHandler struct{}

func (vehicleHandler) Apply(ctx context.Context, s Store, p Principal, op *models.PendingOperation) models.OperationResult {
	existing, err := s.GetVehicleByID(ctx, op.EntityID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return failure(op, ErrCodeInternal, err.Error())
	}
	if existing != nil && existing.UserID != p.UserID {
		return failure(op, ErrCodeUnauthorized, "vehicle belongs to another user")
	}

	switch op.Action {
	case models.SyncActionCreate, models.SyncActionUpdate:
		var vehicle models.Vehicle
		if err := json.Unmarshal(op.Payload, &vehicle); err != nil {
			return failure(op, ErrCodeInvalid, "malformed vehicle payload")
		}
		vehicle.ID = op.EntityID
		vehicle.UserID = p.UserID
		if op.ClientVersion != nil {
			vehicle.Version = *op.ClientVersion
		}
		if existing == nil {
			if op.Action == models.SyncActionUpdate {
				return failure(op, ErrCodeNotFound, "vehicle does not exist")
			}
			if vehicle.CreatedAt.IsZero() {
				vehicle.CreatedAt = time.Now().UTC()
			}
		} else {
			newVersion, ok := checkVersion(existing.Version, &vehicle.Version)
			if !ok {
				return conflict(op, newVersion)
			}
			vehicle.CreatedAt = existing.CreatedAt
		}
		if err := s.UpsertVehicle(ctx, &vehicle); err != nil {
			return failure(op, ErrCodeInternal, err.Error())
		}
		return success(op, &vehicle.Version)

	case models.SyncActionDelete:
		if existing == nil {
			return failure(op, ErrCodeNotFound, "vehicle does not exist")
		}
		version := existing.Version
		if op.ClientVersion != nil {
			newVersion, ok := checkVersion(existing.Version, op.ClientVersion)
			if !ok {
				return conflict(op, newVersion)
			}
			version = *op.ClientVersion
		}
		if err := s.SoftDeleteVehicle(ctx, op.EntityID, version, time.Now().UTC()); err != nil {
			return failure(op, ErrCodeInternal, err.Error())
		}
		return success(op, &version)
	}
	return failure(op, ErrCodeInvalid, "unknown action")
}

// userHandler resolves pushes for the caller's own profile (versioned).
// Only the name is client-writable; subscription fields are server-derived.
type userHandler struct{}

func (userHandler) Apply(ctx context.Context, s Store, p Principal, op *models.PendingOperation) models.OperationResult {
	if op.EntityID != p.UserID {
		return failure(op, ErrCodeUnauthorized, "cannot modify another user's profile")
	}
	if op.Action != models.SyncActionUpdate {
		return failure(op, ErrCodeInvalid, "user profiles only accept UPDATE")
	}

	existing, err := s.GetUserByID(ctx, op.EntityID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return failure(op, ErrCodeNotFound, "user does not exist")
		}
		return failure(op, ErrCodeInternal, err.Error())
	}

	var patch models.User
	if err := json.Unmarshal(op.Payload, &patch); err != nil {
		return failure(op, ErrCodeInvalid, "malformed user payload")
	}
	if op.ClientVersion != nil {
		patch.Version = *op.ClientVersion
	}
	newVersion, ok := checkVersion(existing.Version, &patch.Version)
	if !ok {
		return conflict(op, newVersion)
	}

	existing.Name = patch.Name
	existing.Version = patch.Version
	if err := s.UpdateUserProfile(ctx, existing); err != nil {
		return failure(op, ErrCodeInternal, err.Error())
	}
	return success(op, &existing.Version)
}
