// Package scheduler runs the periodic server-side passes: license renewal,
// consistency reconciliation and sync ledger garbage collection.
package scheduler

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/triplog-app/triplog/internal/license"
	"github.com/triplog-app/triplog/internal/reconcile"
)

// OrgLister enumerates the organizations a renewal pass must visit.
// *db.Store satisfies it.
type OrgLister interface {
	ListAllProAccountIDs(ctx context.Context) ([]uuid.UUID, error)
}

// LedgerPruner drops expired sync ledger entries. *sync.Service satisfies it.
type LedgerPruner interface {
	PruneLedger(ctx context.Context) (int64, error)
}

// Scheduler owns the cron wiring for the periodic passes.
type Scheduler struct {
	machine    *license.Machine
	reconciler *reconcile.Reconciler
	orgs       OrgLister
	pruner     LedgerPruner
	cron       *cron.Cron
	logger     zerolog.Logger
	mu         sync.Mutex
	running    bool
}

// New creates a scheduler over the given passes.
func New(machine *license.Machine, reconciler *reconcile.Reconciler, orgs OrgLister, pruner LedgerPruner, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		machine:    machine,
		reconciler: reconciler,
		orgs:       orgs,
		pruner:     pruner,
		cron:       cron.New(),
		logger:     logger.With().Str("component", "scheduler").Logger(),
	}
}

// Start schedules the renewal+reconcile pass every 5 minutes and ledger
// garbage collection daily at 03:30 UTC.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("scheduler already running")
	}

	if _, err := s.cron.AddFunc("*/5 * * * *", s.runMaintenancePass); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("30 3 * * *", s.runLedgerGC); err != nil {
		return err
	}

	s.cron.Start()
	s.running = true
	s.logger.Info().Msg("scheduler started (renewal/reconcile every 5m, ledger GC daily at 03:30 UTC)")
	return nil
}

// Stop stops the scheduler gracefully. The returned context is done when any
// in-flight job finishes.
func (s *Scheduler) Stop() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}

	s.running = false
	s.logger.Info().Msg("stopping scheduler")
	return s.cron.Stop()
}

// runMaintenancePass walks every org's license pool for due renewals and
// unlinks, then runs a reconciliation pass. One failing org never blocks the
// others.
func (s *Scheduler) runMaintenancePass() {
	ctx := context.Background()

	orgIDs, err := s.orgs.ListAllProAccountIDs(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("listing orgs for renewal pass failed")
		return
	}

	var reclaimed, deleted, unlinked int
	for _, orgID := range orgIDs {
		sum, err := s.machine.ProcessRenewal(ctx, orgID)
		if err != nil {
			s.logger.Error().Err(err).Str("org_id", orgID.String()).Msg("renewal pass failed for org")
			continue
		}
		reclaimed += sum.ReclaimedSeats
		deleted += sum.DeletedSeats
		unlinked += sum.UnlinkedSeats
	}
	if reclaimed+deleted+unlinked > 0 {
		s.logger.Info().
			Int("orgs", len(orgIDs)).
			Int("reclaimed", reclaimed).
			Int("deleted", deleted).
			Int("unlinked", unlinked).
			Msg("renewal pass completed")
	}

	if _, err := s.reconciler.Run(ctx); err != nil {
		s.logger.Error().Err(err).Msg("reconciliation pass failed")
	}
}

// runLedgerGC drops sync ledger entries past the retention window.
func (s *Scheduler) runLedgerGC() {
	ctx := context.Background()
	if _, err := s.pruner.PruneLedger(ctx); err != nil {
		s.logger.Error().Err(err).Msg("ledger garbage collection failed")
	}
}

// RunNow triggers an immediate maintenance pass (useful for testing and the
// admin endpoint).
func (s *Scheduler) RunNow() {
	s.runMaintenancePass()
}
