// Package metrics provides Prometheus metrics exposition for Triplog.
package metrics

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/triplog-app/triplog/internal/models"
)

// GaugeStore defines the interface for retrieving gauge data.
type GaugeStore interface {
	CountLicensesByStatus(ctx context.Context) (map[models.LicenseStatus]int64, error)
}

// Registry accumulates process-local counters and renders them, together
// with store-backed gauges, in the Prometheus text format.
type Registry struct {
	store  GaugeStore
	logger zerolog.Logger

	mu                 sync.Mutex
	syncCalls          int64
	pushAccepted       int64
	pushConflicts      int64
	pushReplayed       int64
	pushFailed         int64
	pullRecords        int64
	licenseTransitions map[string]int64
	reconcilerRepairs  int64

	cacheExpiry   time.Duration
	lastCollected time.Time
	cachedGauges  map[string]int64
}

// NewRegistry creates a metrics registry. store may be nil; gauges are then
// omitted from the exposition.
func NewRegistry(store GaugeStore, logger zerolog.Logger) *Registry {
	return &Registry{
		store:              store,
		logger:             logger.With().Str("component", "metrics").Logger(),
		licenseTransitions: make(map[string]int64),
		cacheExpiry:        15 * time.Second,
	}
}

// IncSyncCall counts one sync request.
func (r *Registry) IncSyncCall() {
	r.mu.Lock()
	r.syncCalls++
	r.mu.Unlock()
}

// AddPushResults counts push outcomes of one batch.
func (r *Registry) AddPushResults(accepted, conflicts, replayed, failed int) {
	r.mu.Lock()
	r.pushAccepted += int64(accepted)
	r.pushConflicts += int64(conflicts)
	r.pushReplayed += int64(replayed)
	r.pushFailed += int64(failed)
	r.mu.Unlock()
}

// AddPullRecords counts delta feed records delivered.
func (r *Registry) AddPullRecords(n int) {
	r.mu.Lock()
	r.pullRecords += int64(n)
	r.mu.Unlock()
}

// IncLicenseTransition counts one license transition attempt by trigger and
// outcome code.
func (r *Registry) IncLicenseTransition(trigger, code string) {
	r.mu.Lock()
	r.licenseTransitions[trigger+"|"+code]++
	r.mu.Unlock()
}

// AddReconcilerRepairs counts rows repaired by a reconciliation sweep.
func (r *Registry) AddReconcilerRepairs(n int) {
	r.mu.Lock()
	r.reconcilerRepairs += int64(n)
	r.mu.Unlock()
}

// Render produces the Prometheus text exposition.
func (r *Registry) Render(ctx context.Context) string {
	var b strings.Builder

	r.mu.Lock()
	writeCounter(&b, "triplog_sync_calls_total", "Total sync requests handled.", r.syncCalls)
	writeCounter(&b, "triplog_push_accepted_total", "Push operations accepted.", r.pushAccepted)
	writeCounter(&b, "triplog_push_conflicts_total", "Push operations rejected with a version conflict.", r.pushConflicts)
	writeCounter(&b, "triplog_push_replayed_total", "Push operations short-circuited by the change ledger.", r.pushReplayed)
	writeCounter(&b, "triplog_push_failed_total", "Push operations that failed.", r.pushFailed)
	writeCounter(&b, "triplog_pull_records_total", "Delta feed records delivered.", r.pullRecords)
	writeCounter(&b, "triplog_reconciler_repairs_total", "Rows repaired by reconciliation sweeps.", r.reconcilerRepairs)

	b.WriteString("# HELP triplog_license_transitions_total License transition attempts by trigger and code.\n")
	b.WriteString("# TYPE triplog_license_transitions_total counter\n")
	keys := make([]string, 0, len(r.licenseTransitions))
	for k := range r.licenseTransitions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts := strings.SplitN(k, "|", 2)
		fmt.Fprintf(&b, "triplog_license_transitions_total{trigger=%q,code=%q} %d\n", parts[0], parts[1], r.licenseTransitions[k])
	}
	r.mu.Unlock()

	gauges := r.collectGauges(ctx)
	if len(gauges) > 0 {
		b.WriteString("# HELP triplog_licenses License seats by status.\n")
		b.WriteString("# TYPE triplog_licenses gauge\n")
		statuses := make([]string, 0, len(gauges))
		for status := range gauges {
			statuses = append(statuses, status)
		}
		sort.Strings(statuses)
		for _, status := range statuses {
			fmt.Fprintf(&b, "triplog_licenses{status=%q} %d\n", status, gauges[status])
		}
	}

	return b.String()
}

// collectGauges refreshes the store-backed gauges, caching briefly so a
// scrape storm does not translate into query load.
func (r *Registry) collectGauges(ctx context.Context) map[string]int64 {
	if r.store == nil {
		return nil
	}

	r.mu.Lock()
	if time.Since(r.lastCollected) < r.cacheExpiry && r.cachedGauges != nil {
		cached := r.cachedGauges
		r.mu.Unlock()
		return cached
	}
	r.mu.Unlock()

	counts, err := r.store.CountLicensesByStatus(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to collect license gauges")
		return nil
	}

	gauges := make(map[string]int64, len(counts))
	for status, n := range counts {
		gauges[string(status)] = n
	}

	r.mu.Lock()
	r.cachedGauges = gauges
	r.lastCollected = time.Now()
	r.mu.Unlock()
	return gauges
}

func writeCounter(b *strings.Builder, name, help string, value int64) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s counter\n", name)
	fmt.Fprintf(b, "%s %d\n", name, value)
}
