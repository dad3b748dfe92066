package agent

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/triplog-app/triplog/internal/models"
)

const cursorKey = "sync_cursor"

// SQLiteStore implements QueueStore using SQLite for local persistence. The
// queue must survive process restarts; a mutation recorded offline is only
// forgotten once the server has acknowledged it.
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewSQLiteStore creates a new SQLite-based queue store at the given path.
func NewSQLiteStore(path string, logger zerolog.Logger) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create queue directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &SQLiteStore{
		db:     db,
		logger: logger.With().Str("component", "sqlite_store").Logger(),
	}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	if err := store.requeueInterrupted(); err != nil {
		db.Close()
		return nil, fmt.Errorf("requeue interrupted operations: %w", err)
	}

	store.logger.Info().Str("path", path).Msg("queue database initialized")

	return store, nil
}

// migrate creates the necessary tables.
func (s *SQLiteStore) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS pending_operations (
			idempotency_key TEXT PRIMARY KEY,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			action TEXT NOT NULL,
			payload TEXT,
			client_version INTEGER,
			priority INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'pending',
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			last_attempt_at TEXT,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_pending_operations_status ON pending_operations(status);
		CREATE INDEX IF NOT EXISTS idx_pending_operations_order ON pending_operations(priority DESC, created_at ASC);

		CREATE TABLE IF NOT EXISTS sync_metadata (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL DEFAULT (datetime('now'))
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// requeueInterrupted returns operations stranded mid-flight by a crash to the
// pending state. The server's idempotency ledger makes re-sending them safe.
func (s *SQLiteStore) requeueInterrupted() error {
	result, err := s.db.Exec(`UPDATE pending_operations SET status = 'pending' WHERE status = 'syncing'`)
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err == nil && n > 0 {
		s.logger.Warn().Int64("count", n).Msg("requeued operations interrupted by a previous run")
	}
	return nil
}

// EnqueueOperation stores a new pending operation.
func (s *SQLiteStore) EnqueueOperation(ctx context.Context, op *QueuedOperation) error {
	query := `
		INSERT INTO pending_operations (idempotency_key, entity_type, entity_id, action, payload, client_version, priority, status, retry_count, last_error, last_attempt_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var payload sql.NullString
	if len(op.Operation.Payload) > 0 {
		payload = sql.NullString{String: string(op.Operation.Payload), Valid: true}
	}
	var clientVersion sql.NullInt64
	if op.Operation.ClientVersion != nil {
		clientVersion = sql.NullInt64{Int64: *op.Operation.ClientVersion, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, query,
		op.Operation.IdempotencyKey,
		string(op.Operation.EntityType),
		op.Operation.EntityID.String(),
		string(op.Operation.Action),
		payload,
		clientVersion,
		op.Operation.Priority,
		string(op.Status),
		op.Operation.RetryCount,
		nullString(op.LastError),
		nullTime(op.Operation.LastAttemptAt),
		op.Operation.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert pending operation: %w", err)
	}
	return nil
}

// GetOperation retrieves an operation by idempotency key.
func (s *SQLiteStore) GetOperation(ctx context.Context, idempotencyKey string) (*QueuedOperation, error) {
	row := s.db.QueryRowContext(ctx, selectOperation+" WHERE idempotency_key = ?", idempotencyKey)
	op, err := scanOperation(row)
	if err == sql.ErrNoRows {
		return nil, ErrOperationNotFound
	}
	return op, err
}

// UpdateOperation persists status, retry bookkeeping and last error.
func (s *SQLiteStore) UpdateOperation(ctx context.Context, op *QueuedOperation) error {
	query := `
		UPDATE pending_operations
		SET status = ?, retry_count = ?, last_error = ?, last_attempt_at = ?
		WHERE idempotency_key = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		string(op.Status),
		op.Operation.RetryCount,
		nullString(op.LastError),
		nullTime(op.Operation.LastAttemptAt),
		op.Operation.IdempotencyKey,
	)
	if err != nil {
		return fmt.Errorf("update pending operation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrOperationNotFound
	}
	return nil
}

// DeleteOperation removes an acknowledged operation.
func (s *SQLiteStore) DeleteOperation(ctx context.Context, idempotencyKey string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM pending_operations WHERE idempotency_key = ?`, idempotencyKey)
	if err != nil {
		return fmt.Errorf("delete pending operation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrOperationNotFound
	}
	return nil
}

// ListPendingOperations returns pending operations, highest priority first,
// oldest first within a priority.
func (s *SQLiteStore) ListPendingOperations(ctx context.Context) ([]*QueuedOperation, error) {
	query := selectOperation + `
		WHERE status = 'pending'
		ORDER BY priority DESC, created_at ASC
	`
	return s.queryOperations(ctx, query)
}

// ListFailedOperations returns permanently failed operations for surfacing.
func (s *SQLiteStore) ListFailedOperations(ctx context.Context) ([]*QueuedOperation, error) {
	query := selectOperation + `
		WHERE status = 'failed'
		ORDER BY created_at ASC
	`
	return s.queryOperations(ctx, query)
}

// CountPending returns the number of pending operations.
func (s *SQLiteStore) CountPending(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM pending_operations WHERE status = 'pending'").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count pending operations: %w", err)
	}
	return count, nil
}

// GetQueueStatus returns aggregate queue statistics.
func (s *SQLiteStore) GetQueueStatus(ctx context.Context) (*QueueStatus, error) {
	status := &QueueStatus{}

	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM pending_operations GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("query status counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var statusStr string
		var count int
		if err := rows.Scan(&statusStr, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		switch QueuedOperationStatus(statusStr) {
		case QueuedOperationStatusPending, QueuedOperationStatusSyncing:
			status.PendingCount += count
		case QueuedOperationStatusFailed:
			status.FailedCount += count
		}
		status.TotalQueued += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}

	var oldestStr sql.NullString
	err = s.db.QueryRowContext(ctx, `
		SELECT MIN(created_at) FROM pending_operations WHERE status = 'pending'
	`).Scan(&oldestStr)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("query oldest pending: %w", err)
	}
	if oldestStr.Valid {
		if t, err := time.Parse(time.RFC3339Nano, oldestStr.String); err == nil {
			status.OldestPendingAt = &t
		}
	}

	return status, nil
}

// GetCursor reads the persisted pull watermark. Zero time when never synced.
func (s *SQLiteStore) GetCursor(ctx context.Context) (time.Time, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM sync_metadata WHERE key = ?", cursorKey).Scan(&value)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("read cursor: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cursor: %w", err)
	}
	return t, nil
}

// SetCursor persists the pull watermark.
func (s *SQLiteStore) SetCursor(ctx context.Context, cursor time.Time) error {
	query := `
		INSERT INTO sync_metadata (key, value, updated_at)
		VALUES (?, ?, datetime('now'))
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query, cursorKey, cursor.UTC().Format(time.RFC3339Nano))
	return err
}

// ResetCursor clears the pull watermark, forcing a full re-pull.
func (s *SQLiteStore) ResetCursor(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM sync_metadata WHERE key = ?", cursorKey)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const selectOperation = `
	SELECT idempotency_key, entity_type, entity_id, action, payload, client_version, priority, status, retry_count, last_error, last_attempt_at, created_at
	FROM pending_operations`

func (s *SQLiteStore) queryOperations(ctx context.Context, query string, args ...any) ([]*QueuedOperation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query operations: %w", err)
	}
	defer rows.Close()

	var ops []*QueuedOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan operation row: %w", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operations: %w", err)
	}
	return ops, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(row rowScanner) (*QueuedOperation, error) {
	var (
		key, entityType, entityIDStr, action, statusStr, createdAtStr string
		payload, lastError, lastAttemptStr                            sql.NullString
		clientVersion                                                 sql.NullInt64
		priority, retryCount                                          int
	)

	err := row.Scan(&key, &entityType, &entityIDStr, &action, &payload, &clientVersion, &priority, &statusStr, &retryCount, &lastError, &lastAttemptStr, &createdAtStr)
	if err != nil {
		return nil, err
	}

	entityID, err := uuid.Parse(entityIDStr)
	if err != nil {
		return nil, fmt.Errorf("parse entity id: %w", err)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}

	op := &QueuedOperation{
		Operation: models.PendingOperation{
			IdempotencyKey: key,
			EntityType:     models.EntityType(entityType),
			EntityID:       entityID,
			Action:         models.SyncAction(action),
			Priority:       priority,
			RetryCount:     retryCount,
			CreatedAt:      createdAt,
		},
		Status: QueuedOperationStatus(statusStr),
	}
	if payload.Valid {
		op.Operation.Payload = json.RawMessage(payload.String)
	}
	if clientVersion.Valid {
		v := clientVersion.Int64
		op.Operation.ClientVersion = &v
	}
	if lastError.Valid {
		op.LastError = lastError.String
	}
	if lastAttemptStr.Valid {
		if t, err := time.Parse(time.RFC3339Nano, lastAttemptStr.String); err == nil {
			op.Operation.LastAttemptAt = &t
		}
	}
	return op, nil
}

// nullString converts a string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullString in RFC 3339 form.
func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}
