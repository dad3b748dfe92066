// Package agent provides device-side functionality for the Triplog agent:
// the durable offline mutation queue, the sync session and the server client.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/triplog-app/triplog/internal/models"
)

// QueuedOperationStatus represents the local state of a queued operation.
type QueuedOperationStatus string

const (
	// QueuedOperationStatusPending indicates the operation is waiting to be pushed.
	QueuedOperationStatusPending QueuedOperationStatus = "pending"
	// QueuedOperationStatusSyncing indicates the operation is in an in-flight batch.
	QueuedOperationStatusSyncing QueuedOperationStatus = "syncing"
	// QueuedOperationStatusFailed indicates the server rejected the operation
	// permanently. It stays visible until the user resolves it.
	QueuedOperationStatusFailed QueuedOperationStatus = "failed"
)

// QueuedOperation wraps a pending mutation with its local queue state.
type QueuedOperation struct {
	Operation models.PendingOperation `json:"operation"`
	Status    QueuedOperationStatus   `json:"status"`
	LastError string                  `json:"last_error,omitempty"`
}

// QueueStatus represents the current state of the mutation queue.
type QueueStatus struct {
	TotalQueued     int        `json:"total_queued"`
	PendingCount    int        `json:"pending_count"`
	FailedCount     int        `json:"failed_count"`
	OldestPendingAt *time.Time `json:"oldest_pending_at,omitempty"`
	LastSyncAttempt *time.Time `json:"last_sync_attempt,omitempty"`
	LastSuccessSync *time.Time `json:"last_success_sync,omitempty"`
	Cursor          time.Time  `json:"cursor"`
	ServerReachable bool       `json:"server_reachable"`
	MaxQueueSize    int        `json:"max_queue_size"`
}

// QueueStore defines the interface for queue persistence operations.
type QueueStore interface {
	// EnqueueOperation stores a new pending operation.
	EnqueueOperation(ctx context.Context, op *QueuedOperation) error
	// GetOperation retrieves an operation by idempotency key.
	GetOperation(ctx context.Context, idempotencyKey string) (*QueuedOperation, error)
	// UpdateOperation persists status, retry bookkeeping and last error.
	UpdateOperation(ctx context.Context, op *QueuedOperation) error
	// DeleteOperation removes an acknowledged operation.
	DeleteOperation(ctx context.Context, idempotencyKey string) error
	// ListPendingOperations returns pending operations in dispatch order.
	ListPendingOperations(ctx context.Context) ([]*QueuedOperation, error)
	// ListFailedOperations returns permanently failed operations.
	ListFailedOperations(ctx context.Context) ([]*QueuedOperation, error)
	// CountPending returns the number of pending operations.
	CountPending(ctx context.Context) (int, error)
	// GetQueueStatus returns aggregate queue statistics.
	GetQueueStatus(ctx context.Context) (*QueueStatus, error)
	// GetCursor reads the persisted pull watermark.
	GetCursor(ctx context.Context) (time.Time, error)
	// SetCursor persists the pull watermark.
	SetCursor(ctx context.Context, cursor time.Time) error
	// ResetCursor clears the pull watermark.
	ResetCursor(ctx context.Context) error
	// Close closes the store connection.
	Close() error
}

// ServerClient defines the interface for server communication.
type ServerClient interface {
	// CheckHealth checks if the server is reachable.
	CheckHealth(ctx context.Context) error
	// Sync pushes a batch of operations and pulls changes past the cursor.
	Sync(ctx context.Context, req *models.SyncRequest) (*models.SyncResponse, error)
}

// ChangeApplier consumes pulled change records, typically the device's local
// data layer. Optional.
type ChangeApplier interface {
	ApplyChanges(ctx context.Context, records []models.ChangeRecord) error
}

// SessionConfig holds configuration for the sync session.
type SessionConfig struct {
	MaxQueueSize      int           `yaml:"max_queue_size"`
	SyncInterval      time.Duration `yaml:"sync_interval"`
	HealthCheckPeriod time.Duration `yaml:"health_check_period"`
	// RetryBackoffBase seeds the exponential per-operation backoff.
	RetryBackoffBase time.Duration `yaml:"retry_backoff_base"`
	// RetryBackoffMax caps the per-operation backoff.
	RetryBackoffMax time.Duration `yaml:"retry_backoff_max"`
	MaxRetries      int           `yaml:"max_retries"`
}

// DefaultSessionConfig returns sensible default configuration.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		MaxQueueSize:      1000,
		SyncInterval:      30 * time.Second,
		HealthCheckPeriod: 10 * time.Second,
		RetryBackoffBase:  2 * time.Second,
		RetryBackoffMax:   5 * time.Minute,
		MaxRetries:        10,
	}
}

// Session owns the device's sync state: the durable mutation queue, the pull
// cursor and the background drain loop. All sync traffic for one device goes
// through one session; nothing here is a process-wide singleton.
type Session struct {
	store  QueueStore
	client ServerClient
	apply  ChangeApplier
	config SessionConfig
	logger zerolog.Logger

	mu              sync.RWMutex
	serverReachable bool
	lastSyncAttempt time.Time
	lastSuccessSync time.Time

	syncMu sync.Mutex // serializes drains

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewSession creates a sync session. applier may be nil.
func NewSession(store QueueStore, client ServerClient, applier ChangeApplier, config SessionConfig, logger zerolog.Logger) *Session {
	return &Session{
		store:  store,
		client: client,
		apply:  applier,
		config: config,
		logger: logger.With().Str("component", "sync_session").Logger(),
		stopCh: make(chan struct{}),
	}
}

// Start begins the background drain loop and health monitoring.
func (s *Session) Start(ctx context.Context) error {
	if err := s.checkServerHealth(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("initial server health check failed, starting offline")
	}

	s.wg.Add(2)
	go s.healthCheckLoop()
	go s.syncLoop()

	s.logger.Info().
		Int("max_queue_size", s.config.MaxQueueSize).
		Dur("sync_interval", s.config.SyncInterval).
		Msg("sync session started")

	return nil
}

// Stop gracefully stops the session.
func (s *Session) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info().Msg("sync session stopped")
}

// Enqueue records a local mutation for eventual push. Works offline; the
// idempotency key is minted here and survives retries.
func (s *Session) Enqueue(ctx context.Context, entityType models.EntityType, entityID uuid.UUID, action models.SyncAction, payload json.RawMessage, clientVersion *int64, priority int) (*QueuedOperation, error) {
	count, err := s.store.CountPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("get queue count: %w", err)
	}
	if count >= s.config.MaxQueueSize {
		return nil, ErrQueueFull
	}

	pending := models.NewPendingOperation(entityType, entityID, action, payload, priority)
	pending.ClientVersion = clientVersion
	if err := pending.Validate(); err != nil {
		return nil, err
	}

	op := &QueuedOperation{
		Operation: *pending,
		Status:    QueuedOperationStatusPending,
	}
	if err := s.store.EnqueueOperation(ctx, op); err != nil {
		return nil, fmt.Errorf("enqueue operation: %w", err)
	}

	s.logger.Debug().
		Str("idempotency_key", op.Operation.IdempotencyKey).
		Str("entity_type", string(entityType)).
		Str("action", string(action)).
		Msg("mutation queued")

	// Opportunistic immediate drain when online.
	if s.IsServerReachable() {
		go func() {
			drainCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if err := s.SyncNow(drainCtx); err != nil {
				s.logger.Debug().Err(err).Msg("opportunistic drain failed")
			}
		}()
	}

	return op, nil
}

// IsServerReachable returns true if the server is currently reachable.
func (s *Session) IsServerReachable() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.serverReachable
}

// Status returns the current queue status including the cursor.
func (s *Session) Status(ctx context.Context) (*QueueStatus, error) {
	status, err := s.store.GetQueueStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("get queue status: %w", err)
	}
	cursor, err := s.store.GetCursor(ctx)
	if err != nil {
		return nil, fmt.Errorf("get cursor: %w", err)
	}
	status.Cursor = cursor

	s.mu.RLock()
	status.ServerReachable = s.serverReachable
	if !s.lastSyncAttempt.IsZero() {
		t := s.lastSyncAttempt
		status.LastSyncAttempt = &t
	}
	if !s.lastSuccessSync.IsZero() {
		t := s.lastSuccessSync
		status.LastSuccessSync = &t
	}
	s.mu.RUnlock()

	status.MaxQueueSize = s.config.MaxQueueSize
	return status, nil
}

// FailedOperations returns the permanently failed mutations awaiting user
// resolution.
func (s *Session) FailedOperations(ctx context.Context) ([]*QueuedOperation, error) {
	return s.store.ListFailedOperations(ctx)
}

// DiscardFailed drops a permanently failed operation after the user gave up
// on it.
func (s *Session) DiscardFailed(ctx context.Context, idempotencyKey string) error {
	op, err := s.store.GetOperation(ctx, idempotencyKey)
	if err != nil {
		return err
	}
	if op.Status != QueuedOperationStatusFailed {
		return fmt.Errorf("operation %s is %s, not failed", idempotencyKey, op.Status)
	}
	return s.store.DeleteOperation(ctx, idempotencyKey)
}

// ResetCursor clears the pull watermark so the next sync re-pulls everything.
func (s *Session) ResetCursor(ctx context.Context) error {
	return s.store.ResetCursor(ctx)
}

// SyncNow performs one full sync round: drain due pending operations in
// batches, then advance the cursor from the pull half.
func (s *Session) SyncNow(ctx context.Context) error {
	if !s.IsServerReachable() {
		if err := s.checkServerHealth(ctx); err != nil {
			return ErrServerUnreachable
		}
	}

	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	s.mu.Lock()
	s.lastSyncAttempt = time.Now()
	s.mu.Unlock()

	for {
		done, err := s.syncOnce(ctx)
		if err != nil {
			return err
		}
		if done {
			break
		}
	}

	s.mu.Lock()
	s.lastSuccessSync = time.Now()
	s.mu.Unlock()
	return nil
}

// syncOnce pushes one batch and applies the pull half. Returns done=true
// when no further batch is needed.
func (s *Session) syncOnce(ctx context.Context) (done bool, err error) {
	pending, err := s.store.ListPendingOperations(ctx)
	if err != nil {
		return false, fmt.Errorf("list pending operations: %w", err)
	}

	now := time.Now()
	batch := make([]*QueuedOperation, 0, len(pending))
	for _, op := range pending {
		if !s.due(op, now) {
			continue
		}
		batch = append(batch, op)
		if len(batch) == models.MaxSyncBatchSize {
			break
		}
	}

	cursor, err := s.store.GetCursor(ctx)
	if err != nil {
		return false, fmt.Errorf("get cursor: %w", err)
	}

	req := &models.SyncRequest{
		Operations: make([]models.PendingOperation, 0, len(batch)),
		Since:      cursor,
	}
	for _, op := range batch {
		op.Status = QueuedOperationStatusSyncing
		if err := s.store.UpdateOperation(ctx, op); err != nil {
			s.logger.Warn().Err(err).Str("idempotency_key", op.Operation.IdempotencyKey).Msg("failed to mark operation syncing")
		}
		req.Operations = append(req.Operations, op.Operation)
	}

	resp, err := s.client.Sync(ctx, req)
	if err != nil {
		s.markBatchTransientFailure(ctx, batch, err)
		s.markUnreachable()
		return false, fmt.Errorf("sync request: %w", err)
	}

	s.applyPushResults(ctx, batch, resp.PushResults)

	if s.apply != nil && len(resp.PullResults) > 0 {
		if err := s.apply.ApplyChanges(ctx, resp.PullResults); err != nil {
			// Cursor stays put so the next pull re-delivers these records.
			return false, fmt.Errorf("apply pulled changes: %w", err)
		}
	}
	cursorAdvanced := resp.NextCursor.After(cursor)
	if cursorAdvanced {
		if err := s.store.SetCursor(ctx, resp.NextCursor); err != nil {
			return false, fmt.Errorf("persist cursor: %w", err)
		}
	}

	if len(batch) > 0 || len(resp.PullResults) > 0 {
		s.logger.Debug().
			Int("pushed", len(batch)).
			Int("pulled", len(resp.PullResults)).
			Time("cursor", resp.NextCursor).
			Msg("sync round completed")
	}

	// Another round is needed after a full push batch, or while the pull
	// half is still delivering and moving the cursor forward.
	if len(batch) == models.MaxSyncBatchSize {
		return false, nil
	}
	if len(resp.PullResults) > 0 && cursorAdvanced {
		return false, nil
	}
	return true, nil
}

// due applies exponential backoff per operation: base*2^retries, capped.
// With the default 2s base that is 4s, 8s, 16s after each failed attempt.
func (s *Session) due(op *QueuedOperation, now time.Time) bool {
	if op.Operation.LastAttemptAt == nil || op.Operation.RetryCount == 0 {
		return true
	}
	backoff := s.config.RetryBackoffBase << uint(op.Operation.RetryCount)
	if backoff > s.config.RetryBackoffMax || backoff <= 0 {
		backoff = s.config.RetryBackoffMax
	}
	return now.Sub(*op.Operation.LastAttemptAt) >= backoff
}

// applyPushResults resolves each queued operation against the server's
// per-operation outcome.
func (s *Session) applyPushResults(ctx context.Context, batch []*QueuedOperation, results []models.OperationResult) {
	byKey := make(map[string]models.OperationResult, len(results))
	for _, res := range results {
		byKey[res.IdempotencyKey] = res
	}

	now := time.Now()
	for _, op := range batch {
		res, ok := byKey[op.Operation.IdempotencyKey]
		if !ok {
			// No verdict for this operation; retry next round.
			s.retryLater(ctx, op, now, "missing result")
			continue
		}

		switch {
		case res.Success, res.AlreadyProcessed:
			s.deleteAcked(ctx, op)

		case res.Conflict:
			// The server's copy is newer. The push is settled; the pull
			// half delivers the winning state.
			s.logger.Info().
				Str("idempotency_key", op.Operation.IdempotencyKey).
				Interface("server_version", res.ServerVersion).
				Msg("operation lost conflict, adopting server state")
			s.deleteAcked(ctx, op)

		case res.ErrorCode == "INTERNAL":
			s.retryLater(ctx, op, now, res.ErrorMessage)

		default:
			// Permanent rejection: surfaced, never retried.
			op.Status = QueuedOperationStatusFailed
			op.LastError = fmt.Sprintf("%s: %s", res.ErrorCode, res.ErrorMessage)
			op.Operation.LastAttemptAt = &now
			if err := s.store.UpdateOperation(ctx, op); err != nil {
				s.logger.Warn().Err(err).Str("idempotency_key", op.Operation.IdempotencyKey).Msg("failed to mark operation failed")
			}
			s.logger.Warn().
				Str("idempotency_key", op.Operation.IdempotencyKey).
				Str("error_code", res.ErrorCode).
				Str("error", res.ErrorMessage).
				Msg("operation permanently rejected")
		}
	}
}

func (s *Session) deleteAcked(ctx context.Context, op *QueuedOperation) {
	if err := s.store.DeleteOperation(ctx, op.Operation.IdempotencyKey); err != nil {
		s.logger.Warn().Err(err).Str("idempotency_key", op.Operation.IdempotencyKey).Msg("failed to delete acknowledged operation")
	}
}

func (s *Session) retryLater(ctx context.Context, op *QueuedOperation, now time.Time, reason string) {
	op.Operation.RetryCount++
	op.Operation.LastAttemptAt = &now
	op.LastError = reason
	if op.Operation.RetryCount >= s.config.MaxRetries {
		op.Status = QueuedOperationStatusFailed
		s.logger.Warn().
			Str("idempotency_key", op.Operation.IdempotencyKey).
			Int("retries", op.Operation.RetryCount).
			Msg("operation exhausted retries")
	} else {
		op.Status = QueuedOperationStatusPending
	}
	if err := s.store.UpdateOperation(ctx, op); err != nil {
		s.logger.Warn().Err(err).Str("idempotency_key", op.Operation.IdempotencyKey).Msg("failed to schedule retry")
	}
}

// markBatchTransientFailure returns a whole batch to pending after a
// transport-level failure.
func (s *Session) markBatchTransientFailure(ctx context.Context, batch []*QueuedOperation, cause error) {
	now := time.Now()
	for _, op := range batch {
		s.retryLater(ctx, op, now, cause.Error())
	}
}

// checkServerHealth probes the server and flips the reachability flag.
func (s *Session) checkServerHealth(ctx context.Context) error {
	err := s.client.CheckHealth(ctx)

	s.mu.Lock()
	wasReachable := s.serverReachable
	s.serverReachable = err == nil
	s.mu.Unlock()

	if err != nil {
		s.logger.Debug().Err(err).Msg("server health check failed")
		return err
	}

	if !wasReachable {
		s.handleReconnection(ctx)
	}
	return nil
}

func (s *Session) markUnreachable() {
	s.mu.Lock()
	s.serverReachable = false
	s.mu.Unlock()
}

// handleReconnection drains the queue as soon as connectivity returns.
func (s *Session) handleReconnection(ctx context.Context) {
	count, err := s.store.CountPending(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to get queue count on reconnection")
		return
	}

	s.logger.Info().Int("queued_count", count).Msg("server connection restored")
	if count == 0 {
		return
	}

	go func() {
		syncCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := s.SyncNow(syncCtx); err != nil {
			s.logger.Warn().Err(err).Msg("drain after reconnection failed")
		}
	}()
}

// healthCheckLoop periodically checks server health.
func (s *Session) healthCheckLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.HealthCheckPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			_ = s.checkServerHealth(ctx)
			cancel()
		}
	}
}

// syncLoop periodically drains the queue and pulls changes.
func (s *Session) syncLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if s.IsServerReachable() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
				if err := s.SyncNow(ctx); err != nil {
					s.logger.Debug().Err(err).Msg("periodic sync failed")
				}
				cancel()
			}
		}
	}
}

// Errors
var (
	// ErrQueueFull is returned when the queue has reached its maximum size.
	ErrQueueFull = errors.New("mutation queue is full")
	// ErrServerUnreachable is returned when the server cannot be contacted.
	ErrServerUnreachable = errors.New("server is unreachable")
	// ErrOperationNotFound is returned when a queued operation cannot be found.
	ErrOperationNotFound = errors.New("queued operation not found")
)
