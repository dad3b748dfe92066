package agent

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/triplog-app/triplog/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "queue.db"), logger)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testOperation(priority int, createdAt time.Time) *QueuedOperation {
	version := int64(3)
	op := models.PendingOperation{
		EntityType:    models.EntityTypeTrip,
		EntityID:      uuid.New(),
		Action:        models.SyncActionUpdate,
		Payload:       json.RawMessage(`{"distance_meters":1200}`),
		ClientVersion: &version,
		Priority:      priority,
		CreatedAt:     createdAt,
	}
	op.IdempotencyKey = models.IdempotencyKey(op.EntityType, op.EntityID, op.Action, createdAt)
	return &QueuedOperation{Operation: op, Status: QueuedOperationStatusPending}
}

func TestSQLiteStore(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	op := testOperation(0, time.Now().UTC())
	if err := store.EnqueueOperation(ctx, op); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	retrieved, err := store.GetOperation(ctx, op.Operation.IdempotencyKey)
	if err != nil {
		t.Fatalf("get operation: %v", err)
	}
	if retrieved.Operation.EntityID != op.Operation.EntityID {
		t.Errorf("entity id mismatch: got %s, want %s", retrieved.Operation.EntityID, op.Operation.EntityID)
	}
	if retrieved.Operation.ClientVersion == nil || *retrieved.Operation.ClientVersion != 3 {
		t.Errorf("client version mismatch: got %v, want 3", retrieved.Operation.ClientVersion)
	}
	if retrieved.Status != QueuedOperationStatusPending {
		t.Errorf("status mismatch: got %s, want %s", retrieved.Status, QueuedOperationStatusPending)
	}

	count, err := store.CountPending(ctx)
	if err != nil {
		t.Fatalf("count pending: %v", err)
	}
	if count != 1 {
		t.Errorf("count mismatch: got %d, want 1", count)
	}

	// Update: mark permanently failed.
	now := time.Now().UTC()
	op.Status = QueuedOperationStatusFailed
	op.LastError = "UNAUTHORIZED: trip belongs to another user"
	op.Operation.LastAttemptAt = &now
	if err := store.UpdateOperation(ctx, op); err != nil {
		t.Fatalf("update operation: %v", err)
	}

	failed, err := store.ListFailedOperations(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 1 {
		t.Fatalf("failed count mismatch: got %d, want 1", len(failed))
	}
	if failed[0].LastError != op.LastError {
		t.Errorf("last error mismatch: got %q", failed[0].LastError)
	}
	if failed[0].Operation.LastAttemptAt == nil {
		t.Error("last attempt not persisted")
	}

	status, err := store.GetQueueStatus(ctx)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if status.FailedCount != 1 || status.PendingCount != 0 {
		t.Errorf("status counts mismatch: %+v", status)
	}

	if err := store.DeleteOperation(ctx, op.Operation.IdempotencyKey); err != nil {
		t.Fatalf("delete operation: %v", err)
	}
	if _, err := store.GetOperation(ctx, op.Operation.IdempotencyKey); err != ErrOperationNotFound {
		t.Errorf("expected ErrOperationNotFound, got %v", err)
	}
}

func TestSQLiteStore_ReopenRequeuesInterrupted(t *testing.T) {
	ctx := context.Background()
	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	path := filepath.Join(t.TempDir(), "queue.db")

	store, err := NewSQLiteStore(path, logger)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	op := testOperation(0, time.Now().UTC())
	if err := store.EnqueueOperation(ctx, op); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Simulate a crash between marking the batch in-flight and the server
	// response: the row is left in the syncing state on disk.
	op.Status = QueuedOperationStatusSyncing
	if err := store.UpdateOperation(ctx, op); err != nil {
		t.Fatalf("update operation: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	reopened, err := NewSQLiteStore(path, logger)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	t.Cleanup(func() { reopened.Close() })

	pending, err := reopened.ListPendingOperations(ctx)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending count mismatch: got %d, want 1", len(pending))
	}
	if pending[0].Operation.IdempotencyKey != op.Operation.IdempotencyKey {
		t.Errorf("idempotency key mismatch: got %s", pending[0].Operation.IdempotencyKey)
	}
	if pending[0].Status != QueuedOperationStatusPending {
		t.Errorf("status mismatch: got %s, want %s", pending[0].Status, QueuedOperationStatusPending)
	}

	count, err := reopened.CountPending(ctx)
	if err != nil {
		t.Fatalf("count pending: %v", err)
	}
	if count != 1 {
		t.Errorf("count mismatch: got %d, want 1", count)
	}
}

func TestSQLiteStore_DispatchOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	low := testOperation(0, base)
	high := testOperation(5, base.Add(time.Minute))
	lowLater := testOperation(0, base.Add(2*time.Minute))

	for _, op := range []*QueuedOperation{low, high, lowLater} {
		if err := store.EnqueueOperation(ctx, op); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	pending, err := store.ListPendingOperations(ctx)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("pending count mismatch: got %d, want 3", len(pending))
	}
	// Highest priority first, then oldest first.
	if pending[0].Operation.IdempotencyKey != high.Operation.IdempotencyKey {
		t.Errorf("expected high-priority operation first")
	}
	if pending[1].Operation.IdempotencyKey != low.Operation.IdempotencyKey {
		t.Errorf("expected older low-priority operation second")
	}
}

func TestSQLiteStore_Cursor(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cursor, err := store.GetCursor(ctx)
	if err != nil {
		t.Fatalf("get cursor: %v", err)
	}
	if !cursor.IsZero() {
		t.Errorf("expected zero cursor, got %v", cursor)
	}

	want := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	if err := store.SetCursor(ctx, want); err != nil {
		t.Fatalf("set cursor: %v", err)
	}
	got, err := store.GetCursor(ctx)
	if err != nil {
		t.Fatalf("get cursor: %v", err)
	}
	if !got.Equal(want) {
		t.Errorf("cursor mismatch: got %v, want %v", got, want)
	}

	if err := store.ResetCursor(ctx); err != nil {
		t.Fatalf("reset cursor: %v", err)
	}
	got, err = store.GetCursor(ctx)
	if err != nil {
		t.Fatalf("get cursor after reset: %v", err)
	}
	if !got.IsZero() {
		t.Errorf("expected zero cursor after reset, got %v", got)
	}
}

// fakeServerClient scripts per-operation verdicts for session tests.
type fakeServerClient struct {
	healthy  bool
	results  map[string]models.OperationResult
	pull     []models.ChangeRecord
	cursor   time.Time
	requests []*models.SyncRequest
}

func (f *fakeServerClient) CheckHealth(ctx context.Context) error {
	if !f.healthy {
		return ErrServerUnreachable
	}
	return nil
}

func (f *fakeServerClient) Sync(ctx context.Context, req *models.SyncRequest) (*models.SyncResponse, error) {
	if !f.healthy {
		return nil, ErrServerUnreachable
	}
	f.requests = append(f.requests, req)

	resp := &models.SyncResponse{NextCursor: req.Since}
	for _, op := range req.Operations {
		if res, ok := f.results[op.IdempotencyKey]; ok {
			resp.PushResults = append(resp.PushResults, res)
		} else {
			resp.PushResults = append(resp.PushResults, models.OperationResult{
				IdempotencyKey: op.IdempotencyKey,
				Success:        true,
			})
		}
	}
	if len(f.pull) > 0 {
		resp.PullResults = f.pull
		resp.NextCursor = f.cursor
		f.pull = nil
	}
	return resp, nil
}

func newTestSession(t *testing.T, client ServerClient) (*Session, *SQLiteStore) {
	t.Helper()
	store := newTestStore(t)
	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	return NewSession(store, client, nil, DefaultSessionConfig(), logger), store
}

func TestSession_DrainDeletesAcknowledged(t *testing.T) {
	client := &fakeServerClient{healthy: true}
	session, store := newTestSession(t, client)
	ctx := context.Background()

	if _, err := session.Enqueue(ctx, models.EntityTypeTrip, uuid.New(), models.SyncActionCreate, json.RawMessage(`{}`), nil, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	session.mu.Lock()
	session.serverReachable = true
	session.mu.Unlock()

	if err := session.SyncNow(ctx); err != nil {
		t.Fatalf("sync now: %v", err)
	}

	count, err := store.CountPending(ctx)
	if err != nil {
		t.Fatalf("count pending: %v", err)
	}
	if count != 0 {
		t.Errorf("expected drained queue, %d pending", count)
	}
}

func TestSession_ConflictSettlesOperation(t *testing.T) {
	client := &fakeServerClient{healthy: true, results: map[string]models.OperationResult{}}
	session, store := newTestSession(t, client)
	ctx := context.Background()

	version := int64(3)
	op, err := session.Enqueue(ctx, models.EntityTypeTrip, uuid.New(), models.SyncActionUpdate, json.RawMessage(`{}`), &version, 0)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	serverVersion := int64(4)
	client.results[op.Operation.IdempotencyKey] = models.OperationResult{
		IdempotencyKey: op.Operation.IdempotencyKey,
		Conflict:       true,
		ServerVersion:  &serverVersion,
	}
	session.mu.Lock()
	session.serverReachable = true
	session.mu.Unlock()

	if err := session.SyncNow(ctx); err != nil {
		t.Fatalf("sync now: %v", err)
	}

	// A lost conflict is settled, not retried.
	if _, err := store.GetOperation(ctx, op.Operation.IdempotencyKey); err != ErrOperationNotFound {
		t.Errorf("expected conflicted operation removed, got %v", err)
	}
}

func TestSession_PermanentRejectionSurfaced(t *testing.T) {
	client := &fakeServerClient{healthy: true, results: map[string]models.OperationResult{}}
	session, store := newTestSession(t, client)
	ctx := context.Background()

	op, err := session.Enqueue(ctx, models.EntityTypeTrip, uuid.New(), models.SyncActionDelete, nil, nil, 0)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	client.results[op.Operation.IdempotencyKey] = models.OperationResult{
		IdempotencyKey: op.Operation.IdempotencyKey,
		ErrorCode:      "NOT_FOUND",
		ErrorMessage:   "trip does not exist",
	}
	session.mu.Lock()
	session.serverReachable = true
	session.mu.Unlock()

	if err := session.SyncNow(ctx); err != nil {
		t.Fatalf("sync now: %v", err)
	}

	failed, err := session.FailedOperations(ctx)
	if err != nil {
		t.Fatalf("failed operations: %v", err)
	}
	if len(failed) != 1 {
		t.Fatalf("expected 1 failed operation, got %d", len(failed))
	}
	if failed[0].LastError != "NOT_FOUND: trip does not exist" {
		t.Errorf("last error mismatch: %q", failed[0].LastError)
	}

	// Failed operations never re-enter a push batch.
	pending, err := store.ListPendingOperations(ctx)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("expected no pending, got %d", len(pending))
	}

	if err := session.DiscardFailed(ctx, op.Operation.IdempotencyKey); err != nil {
		t.Fatalf("discard failed: %v", err)
	}
}

func TestSession_CursorAdvancesFromPull(t *testing.T) {
	next := time.Date(2026, 5, 2, 10, 0, 0, 0, time.UTC)
	client := &fakeServerClient{
		healthy: true,
		pull: []models.ChangeRecord{{
			EntityType: models.EntityTypeVehicle,
			EntityID:   uuid.New(),
			Action:     models.ChangeActionUpsert,
			UpdatedAt:  next,
		}},
		cursor: next,
	}
	session, store := newTestSession(t, client)
	ctx := context.Background()

	session.mu.Lock()
	session.serverReachable = true
	session.mu.Unlock()

	if err := session.SyncNow(ctx); err != nil {
		t.Fatalf("sync now: %v", err)
	}

	cursor, err := store.GetCursor(ctx)
	if err != nil {
		t.Fatalf("get cursor: %v", err)
	}
	if !cursor.Equal(next) {
		t.Errorf("cursor mismatch: got %v, want %v", cursor, next)
	}
}

func TestSession_Backoff(t *testing.T) {
	session, _ := newTestSession(t, &fakeServerClient{healthy: true})

	now := time.Now()
	recent := now.Add(-time.Second)
	op := testOperation(0, now.Add(-time.Hour))
	op.Operation.RetryCount = 3
	op.Operation.LastAttemptAt = &recent

	// Retry 3 needs 2^3 * 2s = 16s of quiet time.
	if session.due(op, now) {
		t.Error("operation due too early")
	}
	beforeBackoff := now.Add(-15 * time.Second)
	op.Operation.LastAttemptAt = &beforeBackoff
	if session.due(op, now) {
		t.Error("operation due one step early")
	}
	past := now.Add(-17 * time.Second)
	op.Operation.LastAttemptAt = &past
	if !session.due(op, now) {
		t.Error("operation not due after backoff elapsed")
	}

	// Cap at RetryBackoffMax.
	op.Operation.RetryCount = 40
	capped := now.Add(-session.config.RetryBackoffMax - time.Second)
	op.Operation.LastAttemptAt = &capped
	if !session.due(op, now) {
		t.Error("operation not due past capped backoff")
	}
}

func TestDefaultSessionConfig(t *testing.T) {
	cfg := DefaultSessionConfig()

	if cfg.MaxQueueSize != 1000 {
		t.Errorf("MaxQueueSize mismatch: got %d, want 1000", cfg.MaxQueueSize)
	}
	if cfg.SyncInterval != 30*time.Second {
		t.Errorf("SyncInterval mismatch: got %v, want 30s", cfg.SyncInterval)
	}
	if cfg.RetryBackoffMax != 5*time.Minute {
		t.Errorf("RetryBackoffMax mismatch: got %v, want 5m", cfg.RetryBackoffMax)
	}
}

func TestQueueDatabasePath(t *testing.T) {
	tmpDir := t.TempDir()
	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)

	dbPath := filepath.Join(tmpDir, "nested", "queue.db")
	store, err := NewSQLiteStore(dbPath, logger)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file not created")
	}
}
