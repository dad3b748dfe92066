package sync

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triplog-app/triplog/internal/models"
)

func seedTrip(t *testing.T, store *fakeSyncStore, userID uuid.UUID, updatedAt time.Time) *models.Trip {
	t.Helper()
	trip := models.NewTrip(userID, models.TripCategoryBusiness, updatedAt)
	trip.UpdatedAt = updatedAt
	store.trips[trip.ID] = trip
	return trip
}

func TestFeed_OwnRecordsOnly(t *testing.T) {
	ctx := context.Background()
	store := newFakeSyncStore()
	p := Principal{UserID: uuid.New()}
	now := time.Now().UTC()

	mine := seedTrip(t, store, p.UserID, now)
	seedTrip(t, store, uuid.New(), now) // another user's trip

	records, cursor, err := Feed(ctx, store, p, time.Time{}, 0)

	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, mine.ID, records[0].EntityID)
	assert.Equal(t, models.ChangeActionUpsert, records[0].Action)
	assert.True(t, cursor.Equal(mine.UpdatedAt))

	var decoded models.Trip
	require.NoError(t, json.Unmarshal(records[0].Data, &decoded))
	assert.Equal(t, mine.ID, decoded.ID)
}

func TestFeed_SharedBusinessTripsForOrgOwner(t *testing.T) {
	ctx := context.Background()
	store := newFakeSyncStore()
	orgID := uuid.New()
	owner := Principal{UserID: uuid.New(), OwnedOrgIDs: []uuid.UUID{orgID}}
	now := time.Now().UTC()

	employee := uuid.New()
	shared := models.NewTrip(employee, models.TripCategoryBusiness, now)
	shared.Validated = true
	shared.UpdatedAt = now
	store.sharedTrips = append(store.sharedTrips, shared)

	records, _, err := Feed(ctx, store, owner, time.Time{}, 0)

	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, shared.ID, records[0].EntityID)

	// A caller without owned orgs never hits the shared path.
	stranger := Principal{UserID: uuid.New()}
	records, _, err = Feed(ctx, store, stranger, time.Time{}, 0)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestFeed_DedupsOverlappingVisibility(t *testing.T) {
	ctx := context.Background()
	store := newFakeSyncStore()
	orgID := uuid.New()
	p := Principal{UserID: uuid.New(), OwnedOrgIDs: []uuid.UUID{orgID}}
	now := time.Now().UTC()

	// The owner's own business trip is shared into their own org: it surfaces
	// through both the user-scoped and the org-scoped path.
	trip := seedTrip(t, store, p.UserID, now)
	newer := *trip
	newer.UpdatedAt = now.Add(time.Second)
	store.sharedTrips = append(store.sharedTrips, &newer)

	records, cursor, err := Feed(ctx, store, p, time.Time{}, 0)

	require.NoError(t, err)
	require.Len(t, records, 1, "one record per (type, id)")
	assert.True(t, records[0].UpdatedAt.Equal(newer.UpdatedAt), "the newest duplicate wins")
	assert.True(t, cursor.Equal(newer.UpdatedAt))
}

func TestFeed_OrderedOldestFirst(t *testing.T) {
	ctx := context.Background()
	store := newFakeSyncStore()
	p := Principal{UserID: uuid.New()}
	base := time.Now().UTC()

	seedTrip(t, store, p.UserID, base.Add(2*time.Second))
	seedTrip(t, store, p.UserID, base)
	seedTrip(t, store, p.UserID, base.Add(time.Second))

	records, cursor, err := Feed(ctx, store, p, time.Time{}, 0)

	require.NoError(t, err)
	require.Len(t, records, 3)
	for i := 1; i < len(records); i++ {
		assert.False(t, records[i].UpdatedAt.Before(records[i-1].UpdatedAt),
			"records must be ordered oldest first")
	}
	assert.True(t, cursor.Equal(base.Add(2*time.Second)))
}

func TestFeed_WatermarkUnchangedWhenQuiet(t *testing.T) {
	ctx := context.Background()
	store := newFakeSyncStore()
	p := Principal{UserID: uuid.New()}
	since := time.Now().UTC()

	seedTrip(t, store, p.UserID, since.Add(-time.Hour)) // already seen

	records, cursor, err := Feed(ctx, store, p, since, 0)

	require.NoError(t, err)
	assert.Empty(t, records)
	assert.True(t, cursor.Equal(since), "cursor must not move past unseen records")
}

func TestFeed_TombstonesCarryNoData(t *testing.T) {
	ctx := context.Background()
	store := newFakeSyncStore()
	p := Principal{UserID: uuid.New()}
	now := time.Now().UTC()

	trip := seedTrip(t, store, p.UserID, now)
	deletedAt := now
	trip.DeletedAt = &deletedAt

	records, _, err := Feed(ctx, store, p, time.Time{}, 0)

	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, models.ChangeActionDelete, records[0].Action)
	assert.Nil(t, records[0].Data)
}

func TestFeed_TruncationHoldsCursorBack(t *testing.T) {
	ctx := context.Background()
	store := newFakeSyncStore()
	p := Principal{UserID: uuid.New()}
	now := time.Now().UTC()

	trip1 := seedTrip(t, store, p.UserID, now)
	trip2 := seedTrip(t, store, p.UserID, now.Add(time.Second))

	vehicle := models.NewVehicle(p.UserID, "Kangoo")
	vehicle.UpdatedAt = now.Add(2 * time.Second)
	store.vehicles[vehicle.ID] = vehicle

	// Page size 1: the trip query fills its page at trip1, so the newer
	// vehicle must not drag the cursor past the undelivered trip2.
	records, cursor, err := Feed(ctx, store, p, time.Time{}, 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, trip1.ID, records[0].EntityID)
	assert.True(t, cursor.Equal(trip1.UpdatedAt))

	records, cursor, err = Feed(ctx, store, p, cursor, 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, trip2.ID, records[0].EntityID)
	assert.True(t, cursor.Equal(trip2.UpdatedAt))

	records, cursor, err = Feed(ctx, store, p, cursor, 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, vehicle.ID, records[0].EntityID)
	assert.True(t, cursor.Equal(vehicle.UpdatedAt))

	// Fully drained: nothing was skipped along the way.
	records, cursor, err = Feed(ctx, store, p, cursor, 1)
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.True(t, cursor.Equal(vehicle.UpdatedAt))
}

func TestFeed_TiedTimestampsDeliveredTogether(t *testing.T) {
	ctx := context.Background()
	store := newFakeSyncStore()
	p := Principal{UserID: uuid.New()}
	now := time.Now().UTC()

	// One transaction stamps every row it touches with the same updated_at.
	// A page boundary inside that group would orphan the rest, so the page
	// extends through the tie.
	trip1 := seedTrip(t, store, p.UserID, now)
	trip2 := seedTrip(t, store, p.UserID, now)

	records, cursor, err := Feed(ctx, store, p, time.Time{}, 1)

	require.NoError(t, err)
	require.Len(t, records, 2)
	got := []uuid.UUID{records[0].EntityID, records[1].EntityID}
	assert.Contains(t, got, trip1.ID)
	assert.Contains(t, got, trip2.ID)
	assert.True(t, cursor.Equal(now))

	records, _, err = Feed(ctx, store, p, cursor, 1)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestFeed_MixedEntityTypes(t *testing.T) {
	ctx := context.Background()
	store := newFakeSyncStore()
	p := Principal{UserID: uuid.New()}
	now := time.Now().UTC()

	seedTrip(t, store, p.UserID, now)

	vehicle := models.NewVehicle(p.UserID, "Kangoo")
	vehicle.UpdatedAt = now.Add(time.Second)
	store.vehicles[vehicle.ID] = vehicle

	records, cursor, err := Feed(ctx, store, p, time.Time{}, 0)

	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, models.EntityTypeTrip, records[0].EntityType)
	assert.Equal(t, models.EntityTypeVehicle, records[1].EntityType)
	assert.True(t, cursor.Equal(vehicle.UpdatedAt))
}
