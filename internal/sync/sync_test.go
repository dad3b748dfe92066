package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triplog-app/triplog/internal/db"
	"github.com/triplog-app/triplog/internal/models"
)

// fakeSyncStore is an in-memory Store. Rows are copied on read, timestamps
// advance on write, matching the transactional store's behavior closely
// enough for protocol-level tests.
type fakeSyncStore struct {
	ledger    map[string]*models.LedgerEntry
	trips     map[uuid.UUID]*models.Trip
	vehicles  map[uuid.UUID]*models.Vehicle
	users     map[uuid.UUID]*models.User
	expenses  map[uuid.UUID]*models.Expense
	schedules map[uuid.UUID]*models.WorkSchedule
	settings  map[uuid.UUID]*models.TrackingSetting
	consents  map[uuid.UUID]*models.Consent

	// sharedTrips surface through the org-scoped visibility path.
	sharedTrips []*models.Trip

	// tripReadErr simulates an infrastructure failure on trip reads.
	tripReadErr error

	tripUpserts int
}

func newFakeSyncStore() *fakeSyncStore {
	return &fakeSyncStore{
		ledger:    make(map[string]*models.LedgerEntry),
		trips:     make(map[uuid.UUID]*models.Trip),
		vehicles:  make(map[uuid.UUID]*models.Vehicle),
		users:     make(map[uuid.UUID]*models.User),
		expenses:  make(map[uuid.UUID]*models.Expense),
		schedules: make(map[uuid.UUID]*models.WorkSchedule),
		settings:  make(map[uuid.UUID]*models.TrackingSetting),
		consents:  make(map[uuid.UUID]*models.Consent),
	}
}

func (f *fakeSyncStore) GetLedgerEntry(ctx context.Context, key string) (*models.LedgerEntry, error) {
	e, ok := f.ledger[key]
	if !ok {
		return nil, db.ErrNotFound
	}
	c := *e
	return &c, nil
}

func (f *fakeSyncStore) RecordLedgerEntry(ctx context.Context, e *models.LedgerEntry) (bool, error) {
	if _, ok := f.ledger[e.IdempotencyKey]; ok {
		return false, nil
	}
	c := *e
	f.ledger[e.IdempotencyKey] = &c
	return true, nil
}

func (f *fakeSyncStore) PruneLedger(ctx context.Context, olderThan time.Time) (int64, error) {
	var n int64
	for key, e := range f.ledger {
		if e.ProcessedAt.Before(olderThan) {
			delete(f.ledger, key)
			n++
		}
	}
	return n, nil
}

func (f *fakeSyncStore) GetTripByID(ctx context.Context, id uuid.UUID) (*models.Trip, error) {
	if f.tripReadErr != nil {
		return nil, f.tripReadErr
	}
	t, ok := f.trips[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	c := *t
	return &c, nil
}

func (f *fakeSyncStore) UpsertTrip(ctx context.Context, t *models.Trip) error {
	f.tripUpserts++
	c := *t
	c.UpdatedAt = time.Now().UTC()
	f.trips[t.ID] = &c
	return nil
}

func (f *fakeSyncStore) SoftDeleteTrip(ctx context.Context, id uuid.UUID, version int64, at time.Time) error {
	t, ok := f.trips[id]
	if !ok {
		return db.ErrNotFound
	}
	t.Version = version
	t.DeletedAt = &at
	t.UpdatedAt = at
	return nil
}

func (f *fakeSyncStore) GetVehicleByID(ctx context.Context, id uuid.UUID) (*models.Vehicle, error) {
	v, ok := f.vehicles[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	c := *v
	return &c, nil
}

func (f *fakeSyncStore) UpsertVehicle(ctx context.Context, v *models.Vehicle) error {
	c := *v
	c.UpdatedAt = time.Now().UTC()
	f.vehicles[v.ID] = &c
	return nil
}

func (f *fakeSyncStore) SoftDeleteVehicle(ctx context.Context, id uuid.UUID, version int64, at time.Time) error {
	v, ok := f.vehicles[id]
	if !ok {
		return db.ErrNotFound
	}
	v.Version = version
	v.DeletedAt = &at
	v.UpdatedAt = at
	return nil
}

func (f *fakeSyncStore) GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	u, ok := f.users[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	c := *u
	return &c, nil
}

func (f *fakeSyncStore) UpdateUserProfile(ctx context.Context, user *models.User) error {
	c := *user
	c.UpdatedAt = time.Now().UTC()
	f.users[user.ID] = &c
	return nil
}

func (f *fakeSyncStore) GetExpenseByID(ctx context.Context, id uuid.UUID) (*models.Expense, error) {
	e, ok := f.expenses[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	c := *e
	return &c, nil
}

func (f *fakeSyncStore) UpsertExpense(ctx context.Context, e *models.Expense) error {
	c := *e
	c.UpdatedAt = time.Now().UTC()
	f.expenses[e.ID] = &c
	return nil
}

func (f *fakeSyncStore) SoftDeleteExpense(ctx context.Context, id uuid.UUID, at time.Time) error {
	e, ok := f.expenses[id]
	if !ok {
		return db.ErrNotFound
	}
	e.DeletedAt = &at
	e.UpdatedAt = at
	return nil
}

func (f *fakeSyncStore) GetWorkScheduleByID(ctx context.Context, id uuid.UUID) (*models.WorkSchedule, error) {
	w, ok := f.schedules[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	c := *w
	return &c, nil
}

func (f *fakeSyncStore) UpsertWorkSchedule(ctx context.Context, w *models.WorkSchedule) error {
	c := *w
	c.UpdatedAt = time.Now().UTC()
	f.schedules[w.ID] = &c
	return nil
}

func (f *fakeSyncStore) SoftDeleteWorkSchedule(ctx context.Context, id uuid.UUID, at time.Time) error {
	w, ok := f.schedules[id]
	if !ok {
		return db.ErrNotFound
	}
	w.DeletedAt = &at
	w.UpdatedAt = at
	return nil
}

func (f *fakeSyncStore) GetTrackingSettingByID(ctx context.Context, id uuid.UUID) (*models.TrackingSetting, error) {
	t, ok := f.settings[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	c := *t
	return &c, nil
}

func (f *fakeSyncStore) UpsertTrackingSetting(ctx context.Context, t *models.TrackingSetting) error {
	c := *t
	c.UpdatedAt = time.Now().UTC()
	f.settings[t.ID] = &c
	return nil
}

func (f *fakeSyncStore) SoftDeleteTrackingSetting(ctx context.Context, id uuid.UUID, at time.Time) error {
	t, ok := f.settings[id]
	if !ok {
		return db.ErrNotFound
	}
	t.DeletedAt = &at
	t.UpdatedAt = at
	return nil
}

func (f *fakeSyncStore) GetConsentByID(ctx context.Context, id uuid.UUID) (*models.Consent, error) {
	c, ok := f.consents[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *fakeSyncStore) UpsertConsent(ctx context.Context, c *models.Consent) error {
	cp := *c
	cp.UpdatedAt = time.Now().UTC()
	f.consents[c.ID] = &cp
	return nil
}

func (f *fakeSyncStore) GetProAccountByID(ctx context.Context, id uuid.UUID) (*models.ProAccount, error) {
	return nil, db.ErrNotFound
}

func (f *fakeSyncStore) CreateProAccount(ctx context.Context, acct *models.ProAccount) error {
	return nil
}

func (f *fakeSyncStore) GetCompanyLinkByID(ctx context.Context, id uuid.UUID) (*models.CompanyLink, error) {
	return nil, db.ErrNotFound
}

func (f *fakeSyncStore) UpdateCompanyLink(ctx context.Context, l *models.CompanyLink) error {
	return nil
}

func (f *fakeSyncStore) GetLicenseByID(ctx context.Context, id uuid.UUID) (*models.License, error) {
	return nil, db.ErrNotFound
}

func (f *fakeSyncStore) CreateLicense(ctx context.Context, l *models.License) error { return nil }

func (f *fakeSyncStore) UpdateLicense(ctx context.Context, l *models.License) error { return nil }

func containsID(ids []uuid.UUID, id uuid.UUID) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

// clampPage mirrors the store's paging: ascending updated_at, limit rows,
// extended through ties on the boundary timestamp.
func clampPage[T any](rows []*T, updatedAt func(*T) time.Time, limit int) []*T {
	sort.SliceStable(rows, func(i, j int) bool {
		return updatedAt(rows[i]).Before(updatedAt(rows[j]))
	})
	if limit <= 0 || len(rows) <= limit {
		return rows
	}
	boundary := updatedAt(rows[limit-1])
	end := limit
	for end < len(rows) && updatedAt(rows[end]).Equal(boundary) {
		end++
	}
	return rows[:end]
}

func (f *fakeSyncStore) ListChangedTrips(ctx context.Context, userIDs []uuid.UUID, since time.Time, limit int) ([]*models.Trip, error) {
	var out []*models.Trip
	for _, t := range f.trips {
		if containsID(userIDs, t.UserID) && t.UpdatedAt.After(since) {
			c := *t
			out = append(out, &c)
		}
	}
	return clampPage(out, func(x *models.Trip) time.Time { return x.UpdatedAt }, limit), nil
}

func (f *fakeSyncStore) ListSharedChangedTrips(ctx context.Context, orgIDs []uuid.UUID, since time.Time, limit int) ([]*models.Trip, error) {
	var out []*models.Trip
	for _, t := range f.sharedTrips {
		if t.UpdatedAt.After(since) {
			c := *t
			out = append(out, &c)
		}
	}
	return clampPage(out, func(x *models.Trip) time.Time { return x.UpdatedAt }, limit), nil
}

func (f *fakeSyncStore) ListChangedVehicles(ctx context.Context, userIDs []uuid.UUID, since time.Time, limit int) ([]*models.Vehicle, error) {
	var out []*models.Vehicle
	for _, v := range f.vehicles {
		if containsID(userIDs, v.UserID) && v.UpdatedAt.After(since) {
			c := *v
			out = append(out, &c)
		}
	}
	return clampPage(out, func(x *models.Vehicle) time.Time { return x.UpdatedAt }, limit), nil
}

func (f *fakeSyncStore) ListChangedExpenses(ctx context.Context, userIDs []uuid.UUID, since time.Time, limit int) ([]*models.Expense, error) {
	var out []*models.Expense
	for _, e := range f.expenses {
		if containsID(userIDs, e.UserID) && e.UpdatedAt.After(since) {
			c := *e
			out = append(out, &c)
		}
	}
	return clampPage(out, func(x *models.Expense) time.Time { return x.UpdatedAt }, limit), nil
}

func (f *fakeSyncStore) ListSharedChangedExpenses(ctx context.Context, orgIDs []uuid.UUID, since time.Time, limit int) ([]*models.Expense, error) {
	return nil, nil
}

func (f *fakeSyncStore) ListChangedWorkSchedules(ctx context.Context, userIDs []uuid.UUID, since time.Time, limit int) ([]*models.WorkSchedule, error) {
	var out []*models.WorkSchedule
	for _, w := range f.schedules {
		if containsID(userIDs, w.UserID) && w.UpdatedAt.After(since) {
			c := *w
			out = append(out, &c)
		}
	}
	return clampPage(out, func(x *models.WorkSchedule) time.Time { return x.UpdatedAt }, limit), nil
}

func (f *fakeSyncStore) ListScheduleSharingUserIDs(ctx context.Context, orgIDs []uuid.UUID) ([]uuid.UUID, error) {
	return nil, nil
}

func (f *fakeSyncStore) ListChangedTrackingSettings(ctx context.Context, userIDs []uuid.UUID, since time.Time, limit int) ([]*models.TrackingSetting, error) {
	var out []*models.TrackingSetting
	for _, t := range f.settings {
		if containsID(userIDs, t.UserID) && t.UpdatedAt.After(since) {
			c := *t
			out = append(out, &c)
		}
	}
	return clampPage(out, func(x *models.TrackingSetting) time.Time { return x.UpdatedAt }, limit), nil
}

func (f *fakeSyncStore) ListChangedConsents(ctx context.Context, userIDs []uuid.UUID, since time.Time, limit int) ([]*models.Consent, error) {
	var out []*models.Consent
	for _, c := range f.consents {
		if containsID(userIDs, c.UserID) && c.UpdatedAt.After(since) {
			cp := *c
			out = append(out, &cp)
		}
	}
	return clampPage(out, func(x *models.Consent) time.Time { return x.UpdatedAt }, limit), nil
}

func (f *fakeSyncStore) ListChangedUsers(ctx context.Context, userIDs []uuid.UUID, since time.Time, limit int) ([]*models.User, error) {
	var out []*models.User
	for _, u := range f.users {
		if containsID(userIDs, u.ID) && u.UpdatedAt.After(since) {
			c := *u
			out = append(out, &c)
		}
	}
	return clampPage(out, func(x *models.User) time.Time { return x.UpdatedAt }, limit), nil
}

func (f *fakeSyncStore) ListChangedLicenses(ctx context.Context, userIDs, orgIDs []uuid.UUID, since time.Time, limit int) ([]*models.License, error) {
	return nil, nil
}

func (f *fakeSyncStore) ListChangedCompanyLinks(ctx context.Context, userIDs, orgIDs []uuid.UUID, since time.Time, limit int) ([]*models.CompanyLink, error) {
	return nil, nil
}

func (f *fakeSyncStore) ListChangedProAccounts(ctx context.Context, orgIDs []uuid.UUID, since time.Time, limit int) ([]*models.ProAccount, error) {
	return nil, nil
}

func (f *fakeSyncStore) ListLinkedOrgIDsByUser(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	return nil, nil
}

func (f *fakeSyncStore) ListLinkedUserIDsByOrgs(ctx context.Context, orgIDs []uuid.UUID) ([]uuid.UUID, error) {
	return nil, nil
}

// fakeSyncRunner runs the sync transaction directly against the fake store.
type fakeSyncRunner struct {
	store *fakeSyncStore
}

func (r fakeSyncRunner) InTx(ctx context.Context, fn func(Store) error) error {
	return fn(r.store)
}

type recordingNotifier struct {
	calls int
}

func (n *recordingNotifier) ChangesCommitted(userID, sourceDeviceID uuid.UUID) {
	n.calls++
}

func newTestService(store *fakeSyncStore, notifier Notifier) *Service {
	return NewService(fakeSyncRunner{store: store}, nil, notifier, zerolog.Nop())
}

func tripPayload(t *testing.T, trip *models.Trip) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(trip)
	require.NoError(t, err)
	return data
}

func createTripOp(t *testing.T, p Principal, trip *models.Trip) models.PendingOperation {
	t.Helper()
	return models.PendingOperation{
		IdempotencyKey: fmt.Sprintf("trip:%s:CREATE:1", trip.ID),
		EntityType:     models.EntityTypeTrip,
		EntityID:       trip.ID,
		Action:         models.SyncActionCreate,
		Payload:        tripPayload(t, trip),
		ClientVersion:  &trip.Version,
		CreatedAt:      time.Now().UTC(),
	}
}

func TestSync_CreateThenPullOwnWrite(t *testing.T) {
	ctx := context.Background()
	store := newFakeSyncStore()
	svc := newTestService(store, nil)
	p := Principal{UserID: uuid.New(), DeviceID: uuid.New()}

	trip := models.NewTrip(p.UserID, models.TripCategoryBusiness, time.Now().UTC())
	req := &models.SyncRequest{Operations: []models.PendingOperation{createTripOp(t, p, trip)}}

	resp, err := svc.Sync(ctx, p, req)

	require.NoError(t, err)
	require.Len(t, resp.PushResults, 1)
	assert.True(t, resp.PushResults[0].Success)
	assert.False(t, resp.PushResults[0].Conflict)

	// The pull half runs in the same transaction, so the just-pushed trip is
	// already in the feed.
	require.Len(t, resp.PullResults, 1)
	assert.Equal(t, models.EntityTypeTrip, resp.PullResults[0].EntityType)
	assert.Equal(t, trip.ID, resp.PullResults[0].EntityID)
	assert.True(t, resp.NextCursor.After(req.Since))
}

func TestSync_ReplayedKeyIsNotReapplied(t *testing.T) {
	ctx := context.Background()
	store := newFakeSyncStore()
	svc := newTestService(store, nil)
	p := Principal{UserID: uuid.New(), DeviceID: uuid.New()}

	trip := models.NewTrip(p.UserID, models.TripCategoryPrivate, time.Now().UTC())
	op := createTripOp(t, p, trip)

	first, err := svc.Sync(ctx, p, &models.SyncRequest{Operations: []models.PendingOperation{op}})
	require.NoError(t, err)
	require.True(t, first.PushResults[0].Success)
	require.Equal(t, 1, store.tripUpserts)

	second, err := svc.Sync(ctx, p, &models.SyncRequest{Operations: []models.PendingOperation{op}})
	require.NoError(t, err)

	res := second.PushResults[0]
	assert.True(t, res.AlreadyProcessed)
	assert.True(t, res.Success, "replay reports the original outcome")
	assert.Equal(t, 1, store.tripUpserts, "the write must not run again")
}

func TestSync_StaleVersionConflicts(t *testing.T) {
	ctx := context.Background()
	store := newFakeSyncStore()
	svc := newTestService(store, nil)
	p := Principal{UserID: uuid.New(), DeviceID: uuid.New()}

	existing := models.NewTrip(p.UserID, models.TripCategoryBusiness, time.Now().UTC())
	existing.Version = 4
	existing.Notes = "server copy"
	require.NoError(t, store.UpsertTrip(ctx, existing))
	store.tripUpserts = 0

	stale := *existing
	stale.Version = 3
	stale.Notes = "stale client copy"
	op := models.PendingOperation{
		IdempotencyKey: "trip:stale:UPDATE:1",
		EntityType:     models.EntityTypeTrip,
		EntityID:       existing.ID,
		Action:         models.SyncActionUpdate,
		Payload:        tripPayload(t, &stale),
		ClientVersion:  &stale.Version,
		CreatedAt:      time.Now().UTC(),
	}

	resp, err := svc.Sync(ctx, p, &models.SyncRequest{Operations: []models.PendingOperation{op}})

	require.NoError(t, err)
	res := resp.PushResults[0]
	assert.False(t, res.Success)
	assert.True(t, res.Conflict)
	require.NotNil(t, res.ServerVersion)
	assert.EqualValues(t, 4, *res.ServerVersion)
	assert.Empty(t, res.ErrorCode, "a conflict is a protocol outcome, not an error")
	assert.Zero(t, store.tripUpserts, "conflicting write must be discarded")
	assert.Equal(t, "server copy", store.trips[existing.ID].Notes)

	// The conflicting outcome is ledgered: a retry of the same key replays it.
	retry, err := svc.Sync(ctx, p, &models.SyncRequest{Operations: []models.PendingOperation{op}})
	require.NoError(t, err)
	assert.True(t, retry.PushResults[0].AlreadyProcessed)
	assert.True(t, retry.PushResults[0].Conflict)
}

func TestSync_EqualVersionWins(t *testing.T) {
	ctx := context.Background()
	store := newFakeSyncStore()
	svc := newTestService(store, nil)
	p := Principal{UserID: uuid.New(), DeviceID: uuid.New()}

	existing := models.NewTrip(p.UserID, models.TripCategoryCommute, time.Now().UTC())
	existing.Version = 2
	require.NoError(t, store.UpsertTrip(ctx, existing))

	update := *existing
	update.Notes = "same-version rewrite"
	op := models.PendingOperation{
		IdempotencyKey: "trip:equal:UPDATE:1",
		EntityType:     models.EntityTypeTrip,
		EntityID:       existing.ID,
		Action:         models.SyncActionUpdate,
		Payload:        tripPayload(t, &update),
		ClientVersion:  &update.Version,
		CreatedAt:      time.Now().UTC(),
	}

	resp, err := svc.Sync(ctx, p, &models.SyncRequest{Operations: []models.PendingOperation{op}})

	require.NoError(t, err)
	assert.True(t, resp.PushResults[0].Success)
	assert.Equal(t, "same-version rewrite", store.trips[existing.ID].Notes)
}

func TestSync_BatchTooLarge(t *testing.T) {
	store := newFakeSyncStore()
	svc := newTestService(store, nil)
	p := Principal{UserID: uuid.New()}

	req := &models.SyncRequest{Operations: make([]models.PendingOperation, models.MaxSyncBatchSize+1)}
	_, err := svc.Sync(context.Background(), p, req)

	assert.ErrorIs(t, err, ErrBatchTooLarge)
}

func TestSync_TransientFailureStaysOutOfLedger(t *testing.T) {
	ctx := context.Background()
	store := newFakeSyncStore()
	svc := newTestService(store, nil)
	p := Principal{UserID: uuid.New(), DeviceID: uuid.New()}

	trip := models.NewTrip(p.UserID, models.TripCategoryBusiness, time.Now().UTC())
	op := createTripOp(t, p, trip)

	store.tripReadErr = errors.New("connection reset")
	resp, err := svc.Sync(ctx, p, &models.SyncRequest{Operations: []models.PendingOperation{op}})
	require.NoError(t, err)
	assert.Equal(t, ErrCodeInternal, resp.PushResults[0].ErrorCode)
	assert.Empty(t, store.ledger)

	// Once the infrastructure recovers, the retry of the same key actually
	// re-runs the operation.
	store.tripReadErr = nil
	resp, err = svc.Sync(ctx, p, &models.SyncRequest{Operations: []models.PendingOperation{op}})
	require.NoError(t, err)
	assert.True(t, resp.PushResults[0].Success)
	assert.False(t, resp.PushResults[0].AlreadyProcessed)
}

func TestSync_RejectsForeignEntity(t *testing.T) {
	ctx := context.Background()
	store := newFakeSyncStore()
	svc := newTestService(store, nil)

	owner := uuid.New()
	trip := models.NewTrip(owner, models.TripCategoryBusiness, time.Now().UTC())
	require.NoError(t, store.UpsertTrip(ctx, trip))
	store.tripUpserts = 0

	intruder := Principal{UserID: uuid.New(), DeviceID: uuid.New()}
	op := models.PendingOperation{
		IdempotencyKey: "trip:foreign:UPDATE:1",
		EntityType:     models.EntityTypeTrip,
		EntityID:       trip.ID,
		Action:         models.SyncActionUpdate,
		Payload:        tripPayload(t, trip),
		ClientVersion:  &trip.Version,
		CreatedAt:      time.Now().UTC(),
	}

	resp, err := svc.Sync(ctx, intruder, &models.SyncRequest{Operations: []models.PendingOperation{op}})

	require.NoError(t, err)
	assert.Equal(t, ErrCodeUnauthorized, resp.PushResults[0].ErrorCode)
	assert.Zero(t, store.tripUpserts)
}

func TestSync_InvalidOperation(t *testing.T) {
	store := newFakeSyncStore()
	svc := newTestService(store, nil)
	p := Principal{UserID: uuid.New()}

	op := models.PendingOperation{
		IdempotencyKey: "bad:op:1",
		EntityType:     "teleporter",
		EntityID:       uuid.New(),
		Action:         models.SyncActionCreate,
	}

	resp, err := svc.Sync(context.Background(), p, &models.SyncRequest{Operations: []models.PendingOperation{op}})

	require.NoError(t, err)
	assert.Equal(t, ErrCodeInvalid, resp.PushResults[0].ErrorCode)
}

func TestSync_NotifierFiresOnlyForAcceptedWrites(t *testing.T) {
	ctx := context.Background()
	store := newFakeSyncStore()
	notifier := &recordingNotifier{}
	svc := newTestService(store, notifier)
	p := Principal{UserID: uuid.New(), DeviceID: uuid.New()}

	trip := models.NewTrip(p.UserID, models.TripCategoryBusiness, time.Now().UTC())
	op := createTripOp(t, p, trip)

	_, err := svc.Sync(ctx, p, &models.SyncRequest{Operations: []models.PendingOperation{op}})
	require.NoError(t, err)
	assert.Equal(t, 1, notifier.calls)

	// A pure replay commits nothing, so connected devices are not nudged.
	_, err = svc.Sync(ctx, p, &models.SyncRequest{Operations: []models.PendingOperation{op}})
	require.NoError(t, err)
	assert.Equal(t, 1, notifier.calls)

	// A pull-only call commits nothing either.
	_, err = svc.Sync(ctx, p, &models.SyncRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, notifier.calls)
}

func TestPruneLedger(t *testing.T) {
	ctx := context.Background()
	store := newFakeSyncStore()
	svc := newTestService(store, nil)

	old := &models.LedgerEntry{
		IdempotencyKey: "old",
		EntityType:     models.EntityTypeTrip,
		EntityID:       uuid.New(),
		Action:         models.SyncActionCreate,
		Success:        true,
		ProcessedAt:    time.Now().UTC().Add(-models.LedgerRetention - time.Hour),
	}
	fresh := &models.LedgerEntry{
		IdempotencyKey: "fresh",
		EntityType:     models.EntityTypeTrip,
		EntityID:       uuid.New(),
		Action:         models.SyncActionCreate,
		Success:        true,
		ProcessedAt:    time.Now().UTC(),
	}
	_, err := store.RecordLedgerEntry(ctx, old)
	require.NoError(t, err)
	_, err = store.RecordLedgerEntry(ctx, fresh)
	require.NoError(t, err)

	pruned, err := svc.PruneLedger(ctx)

	require.NoError(t, err)
	assert.EqualValues(t, 1, pruned)
	_, kept := store.ledger["fresh"]
	assert.True(t, kept)
}
