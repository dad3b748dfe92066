// Package models defines the domain models shared between the Triplog server
// and the companion sync agent.
package models

// EntityType identifies a synchronized record type.
type EntityType string

const (
	// EntityTypeTrip is a recorded journey.
	EntityTypeTrip EntityType = "trip"
	// EntityTypeVehicle is a vehicle owned by a user.
	EntityTypeVehicle EntityType = "vehicle"
	// EntityTypeExpense is a cost attached to a user or trip.
	EntityTypeExpense EntityType = "expense"
	// EntityTypeUser is a user profile record.
	EntityTypeUser EntityType = "user"
	// EntityTypeWorkSchedule is a weekly working-hours entry.
	EntityTypeWorkSchedule EntityType = "work_schedule"
	// EntityTypeTrackingSetting is a per-user automatic tracking preference.
	EntityTypeTrackingSetting EntityType = "tracking_setting"
	// EntityTypeProAccount is an organization (pro) account.
	EntityTypeProAccount EntityType = "pro_account"
	// EntityTypeCompanyLink is the employment/sharing relationship between a
	// user and a pro account.
	EntityTypeCompanyLink EntityType = "company_link"
	// EntityTypeLicense is a seat in an organization's license pool.
	EntityTypeLicense EntityType = "license"
	// EntityTypeConsent is a recorded user consent.
	EntityTypeConsent EntityType = "consent"
)

// ValidEntityTypes returns all entity types known to the sync protocol.
func ValidEntityTypes() []EntityType {
	return []EntityType{
		EntityTypeTrip,
		EntityTypeVehicle,
		EntityTypeExpense,
		EntityTypeUser,
		EntityTypeWorkSchedule,
		EntityTypeTrackingSetting,
		EntityTypeProAccount,
		EntityTypeCompanyLink,
		EntityTypeLicense,
		EntityTypeConsent,
	}
}

// IsValid checks if the entity type is known.
func (t EntityType) IsValid() bool {
	for _, valid := range ValidEntityTypes() {
		if t == valid {
			return true
		}
	}
	return false
}

// Versioned reports whether records of this type carry a client-owned version
// counter and participate in optimistic conflict detection. All other types
// are last-write-wins.
func (t EntityType) Versioned() bool {
	switch t {
	case EntityTypeTrip, EntityTypeVehicle, EntityTypeUser:
		return true
	}
	return false
}

// SyncAction is the client-requested mutation kind for a push operation.
type SyncAction string

const (
	// SyncActionCreate inserts a new record (idempotent upsert on replay).
	SyncActionCreate SyncAction = "CREATE"
	// SyncActionUpdate modifies an existing record.
	SyncActionUpdate SyncAction = "UPDATE"
	// SyncActionDelete tombstones a record.
	SyncActionDelete SyncAction = "DELETE"
)

// IsValid checks if the action is known.
func (a SyncAction) IsValid() bool {
	switch a {
	case SyncActionCreate, SyncActionUpdate, SyncActionDelete:
		return true
	}
	return false
}

// ChangeAction is the kind of change delivered by the delta feed.
type ChangeAction string

const (
	// ChangeActionUpsert delivers the current state of a live record.
	ChangeActionUpsert ChangeAction = "UPSERT"
	// ChangeActionDelete delivers a tombstone.
	ChangeActionDelete ChangeAction = "DELETE"
)
