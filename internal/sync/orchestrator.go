package sync

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

// ErrBatchTooLarge is returned when a sync request exceeds the batch cap.
// Oversized batches are rejected outright so clients split them, never
// silently truncated.
var ErrBatchTooLarge = fmt.Errorf("sync batch exceeds %d operations", models.MaxSyncBatchSize)

// Notifier is told after a sync commits changes, so connected devices can be
// nudged to pull. A nil notifier is fine.
type Notifier interface {
	ChangesCommitted(userID, sourceDeviceID uuid.UUID)
}

// Service runs sync calls: push application and pull assembly inside one
// transaction, so a device always reads its own just-pushed writes.
type Service struct {
	runner   TxRunner
	handlers map[models.EntityType]Handler
	metrics  *metrics.Registry
	notifier Notifier
	logger   zerolog.Logger
	now      func() time.Time
}

// NewService creates a sync service. metrics and notifier may be nil.
func NewService(runner TxRunner, reg *metrics.Registry, notifier Notifier, logger zerolog.Logger) *Service {
	return &Service{
		runner:   runner,
		handlers: NewHandlerRegistry(),
		metrics:  reg,
		notifier: notifier,
		logger:   logger.With().Str("component", "sync").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Sync applies the request's pending operations in order, then assembles the
// delta feed from the request's cursor. Both halves run in the same
// transaction. Per-operation failures become push results; only
// infrastructure errors abort the call.
func (svc *Service) Sync(ctx context.Context, p Principal, req *models.SyncRequest) (*models.SyncResponse, error) {
	if len(req.Operations) > models.MaxSyncBatchSize {
		return nil, ErrBatchTooLarge
	}
	if svc.metrics != nil {
		svc.metrics.IncSyncCall()
	}

	var resp *models.SyncResponse
	var accepted, conflicts, replayed, failed int
	err := svc.runner.InTx(ctx, func(s Store) error {
		pushResults := make([]models.OperationResult, 0, len(req.Operations))
		for i := range req.Operations {
			op := &req.Operations[i]
			res, err := svc.applyOne(ctx, s, p, op)
			if err != nil {
				return err
			}
			switch {
			case res.AlreadyProcessed:
				replayed++
			case res.Conflict:
				conflicts++
			case res.Success:
				accepted++
			default:
				failed++
			}
			pushResults = append(pushResults, res)
		}

		pullResults, cursor, err := Feed(ctx, s, p, req.Since, DefaultPullLimit)
		if err != nil {
			return err
		}
		resp = &models.SyncResponse{
			PushResults: pushResults,
			PullResults: pullResults,
			NextCursor:  cursor,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if svc.metrics != nil {
		svc.metrics.AddPushResults(accepted, conflicts, replayed, failed)
		svc.metrics.AddPullRecords(len(resp.PullResults))
	}
	svc.logger.Debug().
		Str("user_id", p.UserID.String()).
		Str("device_id", p.DeviceID.String()).
		Int("accepted", accepted).
		Int("conflicts", conflicts).
		Int("replayed", replayed).
		Int("failed", failed).
		Int("pulled", len(resp.PullResults)).
		Msg("sync call completed")

	if accepted > 0 && svc.notifier != nil {
		svc.notifier.ChangesCommitted(p.UserID, p.DeviceID)
	}
	return resp, nil
}

// applyOne resolves a single push operation: ledger replay first, then the
// type handler, then the terminal outcome is recorded so future retries of
// the same key observe the same result.
func (svc *Service) applyOne(ctx context.Context, s Store, p Principal, op *models.PendingOperation) (models.OperationResult, error) {
	if err := op.Validate(); err != nil {
		return failure(op, ErrCodeInvalid, err.Error()), nil
	}

	entry, err := s.GetLedgerEntry(ctx, op.IdempotencyKey)
	if err == nil {
		return entry.Result(), nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return models.OperationResult{}, fmt.Errorf("ledger lookup %s: %w", op.IdempotencyKey, err)
	}

	handler, ok := svc.handlers[op.EntityType]
	if !ok {
		return failure(op, ErrCodeInvalid, fmt.Sprintf("no handler for entity type %q", op.EntityType)), nil
	}
	res := handler.Apply(ctx, s, p, op)

	// Transient failures stay out of the ledger so the client retry can
	// actually re-run the operation.
	if res.ErrorCode == ErrCodeInternal {
		return res, nil
	}

	inserted, err := s.RecordLedgerEntry(ctx, &models.LedgerEntry{
		IdempotencyKey: op.IdempotencyKey,
		EntityType:     op.EntityType,
		EntityID:       op.EntityID,
		Action:         op.Action,
		Success:        res.Success,
		ErrorCode:      res.ErrorCode,
		ErrorMessage:   res.ErrorMessage,
		Conflict:       res.Conflict,
		ServerVersion:  res.ServerVersion,
		ProcessedAt:    svc.now(),
	})
	if err != nil {
		return models.OperationResult{}, fmt.Errorf("ledger record %s: %w", op.IdempotencyKey, err)
	}
	if !inserted {
		// Lost an insert race against a concurrent retry of the same key.
		// The committed entry wins.
		entry, err := s.GetLedgerEntry(ctx, op.IdempotencyKey)
		if err != nil {
			return models.OperationResult{}, fmt.Errorf("ledger reread %s: %w", op.IdempotencyKey, err)
		}
		return entry.Result(), nil
	}
	return res, nil
}

// PruneLedger drops ledger entries older than the retention window. Run
// periodically; replay protection only needs to span realistic retry windows.
func (svc *Service) PruneLedger(ctx context.Context) (int64, error) {
	cutoff := svc.now().Add(-models.LedgerRetention)
	var pruned int64
	err := svc.runner.InTx(ctx, func(s Store) error {
		n, err := s.PruneLedger(ctx, cutoff)
		if err != nil {
			return err
		}
		pruned = n
		return nil
	})
	if err != nil {
		return 0, err
	}
	if pruned > 0 {
		svc.logger.Info().Int64("pruned", pruned).Time("cutoff", cutoff).Msg("sync ledger pruned")
	}
	return pruned, nil
}
