package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MaxSyncBatchSize bounds the number of push operations accepted in a single
// sync call. Oversized batches are rejected outright, never truncated.
const MaxSyncBatchSize = 500

// LedgerRetention is how long accepted-mutation ledger entries are kept.
// Idempotency only needs to hold across realistic retry windows.
const LedgerRetention = 7 * 24 * time.Hour

// PendingOperation is a client-side mutation waiting to be acknowledged by the
// server. The idempotency key is stable across retries.
type PendingOperation struct {
	IdempotencyKey string          `json:"idempotency_key"`
	EntityType     EntityType      `json:"entity_type"`
	EntityID       uuid.UUID       `json:"entity_id"`
	Action         SyncAction      `json:"action"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	ClientVersion  *int64          `json:"client_version,omitempty"`
	Priority       int             `json:"priority"`
	RetryCount     int             `json:"retry_count"`
	LastAttemptAt  *time.Time      `json:"last_attempt_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// NewPendingOperation creates a pending operation with a freshly minted
// idempotency key.
func NewPendingOperation(entityType EntityType, entityID uuid.UUID, action SyncAction, payload json.RawMessage, priority int) *PendingOperation {
	now := time.Now().UTC()
	return &PendingOperation{
		IdempotencyKey: IdempotencyKey(entityType, entityID, action, now),
		EntityType:     entityType,
		EntityID:       entityID,
		Action:         action,
		Payload:        payload,
		Priority:       priority,
		CreatedAt:      now,
	}
}

// IdempotencyKey derives the stable key for a logical mutation. It excludes
// any per-attempt identifier so retries of the same mutation collide.
func IdempotencyKey(entityType EntityType, entityID uuid.UUID, action SyncAction, createdAt time.Time) string {
	return fmt.Sprintf("%s:%s:%s:%d", entityType, entityID, action, createdAt.UnixMilli())
}

// Validate checks the operation is structurally sound before dispatch.
func (op *PendingOperation) Validate() error {
	if op.IdempotencyKey == "" {
		return fmt.Errorf("missing idempotency key")
	}
	if !op.EntityType.IsValid() {
		return fmt.Errorf("unknown entity type %q", op.EntityType)
	}
	if op.EntityID == uuid.Nil {
		return fmt.Errorf("missing entity id")
	}
	if !op.Action.IsValid() {
		return fmt.Errorf("unknown action %q", op.Action)
	}
	return nil
}

// OperationResult is the per-operation outcome of a push.
type OperationResult struct {
	IdempotencyKey   string     `json:"idempotency_key"`
	EntityType       EntityType `json:"entity_type"`
	EntityID         uuid.UUID  `json:"entity_id"`
	Success          bool       `json:"success"`
	ErrorCode        string     `json:"error_code,omitempty"`
	ErrorMessage     string     `json:"error_message,omitempty"`
	Conflict         bool       `json:"conflict"`
	ServerVersion    *int64     `json:"server_version,omitempty"`
	AlreadyProcessed bool       `json:"already_processed"`
}

// ChangeRecord is one entry in the delta feed.
type ChangeRecord struct {
	EntityType EntityType      `json:"entity_type"`
	EntityID   uuid.UUID       `json:"entity_id"`
	Action     ChangeAction    `json:"action"`
	Data       json.RawMessage `json:"data,omitempty"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// SyncRequest is the body of a sync call: pending mutations plus the client's
// current watermark.
type SyncRequest struct {
	Operations []PendingOperation `json:"operations"`
	Since      time.Time          `json:"since"`
}

// SyncResponse carries push results, pull results and the advanced cursor.
type SyncResponse struct {
	PushResults []OperationResult `json:"push_results"`
	PullResults []ChangeRecord    `json:"pull_results"`
	NextCursor  time.Time         `json:"next_cursor"`
}

// LedgerEntry is a write-once record of an accepted push operation, keyed by
// idempotency key and used purely for replay detection.
type LedgerEntry struct {
	IdempotencyKey string     `json:"idempotency_key"`
	EntityType     EntityType `json:"entity_type"`
	EntityID       uuid.UUID  `json:"entity_id"`
	Action         SyncAction `json:"action"`
	Success        bool       `json:"success"`
	ErrorCode      string     `json:"error_code,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	Conflict       bool       `json:"conflict"`
	ServerVersion  *int64     `json:"server_version,omitempty"`
	ProcessedAt    time.Time  `json:"processed_at"`
}

// Result converts a ledger entry back into the operation result a replayed
// push should observe.
func (e *LedgerEntry) Result() OperationResult {
	return OperationResult{
		IdempotencyKey:   e.IdempotencyKey,
		EntityType:       e.EntityType,
		EntityID:         e.EntityID,
		Success:          e.Success,
		ErrorCode:        e.ErrorCode,
		ErrorMessage:     e.ErrorMessage,
		Conflict:         e.Conflict,
		ServerVersion:    e.ServerVersion,
		AlreadyProcessed: true,
	}
}
