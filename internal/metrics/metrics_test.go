package metrics

import (
	"context"
	"strings"
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/prometheus/common/model"
	"github.com/rs/zerolog"

	"github.com/triplog-app/triplog/internal/models"
)

type fakeGaugeStore struct {
	counts map[models.LicenseStatus]int64
	err    error
}

func (f *fakeGaugeStore) CountLicensesByStatus(ctx context.Context) (map[models.LicenseStatus]int64, error) {
	return f.counts, f.err
}

func parseExposition(t *testing.T, text string) map[string]*dto.MetricFamily {
	t.Helper()
	parser := expfmt.NewTextParser(model.LegacyValidation)
	families, err := parser.TextToMetricFamilies(strings.NewReader(text))
	if err != nil {
		t.Fatalf("exposition does not parse: %v", err)
	}
	return families
}

func counterValue(t *testing.T, families map[string]*dto.MetricFamily, name string) float64 {
	t.Helper()
	fam, ok := families[name]
	if !ok {
		t.Fatalf("metric family %s not found", name)
	}
	if len(fam.Metric) != 1 {
		t.Fatalf("expected 1 sample for %s, got %d", name, len(fam.Metric))
	}
	return fam.Metric[0].GetCounter().GetValue()
}

func TestRegistry_Counters(t *testing.T) {
	reg := NewRegistry(nil, zerolog.Nop())

	reg.IncSyncCall()
	reg.IncSyncCall()
	reg.AddPushResults(5, 2, 1, 1)
	reg.AddPullRecords(7)
	reg.AddReconcilerRepairs(3)

	families := parseExposition(t, reg.Render(context.Background()))

	if v := counterValue(t, families, "triplog_sync_calls_total"); v != 2 {
		t.Errorf("sync calls = %f, want 2", v)
	}
	if v := counterValue(t, families, "triplog_push_accepted_total"); v != 5 {
		t.Errorf("accepted = %f, want 5", v)
	}
	if v := counterValue(t, families, "triplog_push_conflicts_total"); v != 2 {
		t.Errorf("conflicts = %f, want 2", v)
	}
	if v := counterValue(t, families, "triplog_push_replayed_total"); v != 1 {
		t.Errorf("replayed = %f, want 1", v)
	}
	if v := counterValue(t, families, "triplog_pull_records_total"); v != 7 {
		t.Errorf("pull records = %f, want 7", v)
	}
	if v := counterValue(t, families, "triplog_reconciler_repairs_total"); v != 3 {
		t.Errorf("repairs = %f, want 3", v)
	}
}

func TestRegistry_LicenseTransitionLabels(t *testing.T) {
	reg := NewRegistry(nil, zerolog.Nop())

	reg.IncLicenseTransition("assign", "OK")
	reg.IncLicenseTransition("assign", "OK")
	reg.IncLicenseTransition("assign", "RACE_CONDITION")
	reg.IncLicenseTransition("unlink_request", "WRONG_STATE")

	families := parseExposition(t, reg.Render(context.Background()))

	fam, ok := families["triplog_license_transitions_total"]
	if !ok {
		t.Fatal("transition counter family not found")
	}
	if len(fam.Metric) != 3 {
		t.Fatalf("expected 3 labeled samples, got %d", len(fam.Metric))
	}

	want := map[string]float64{
		"assign|OK":                  2,
		"assign|RACE_CONDITION":      1,
		"unlink_request|WRONG_STATE": 1,
	}
	for _, m := range fam.Metric {
		var trigger, code string
		for _, lp := range m.Label {
			switch lp.GetName() {
			case "trigger":
				trigger = lp.GetValue()
			case "code":
				code = lp.GetValue()
			}
		}
		key := trigger + "|" + code
		if m.GetCounter().GetValue() != want[key] {
			t.Errorf("sample %s = %f, want %f", key, m.GetCounter().GetValue(), want[key])
		}
		delete(want, key)
	}
	if len(want) != 0 {
		t.Errorf("missing samples: %v", want)
	}
}

func TestRegistry_StoreGauges(t *testing.T) {
	store := &fakeGaugeStore{counts: map[models.LicenseStatus]int64{
		models.LicenseStatusAvailable: 4,
		models.LicenseStatusActive:    9,
	}}
	reg := NewRegistry(store, zerolog.Nop())

	families := parseExposition(t, reg.Render(context.Background()))

	fam, ok := families["triplog_licenses"]
	if !ok {
		t.Fatal("license gauge family not found")
	}
	if fam.GetType() != dto.MetricType_GAUGE {
		t.Errorf("family type = %v, want gauge", fam.GetType())
	}
	if len(fam.Metric) != 2 {
		t.Fatalf("expected 2 gauge samples, got %d", len(fam.Metric))
	}
}

func TestRegistry_NilStoreOmitsGauges(t *testing.T) {
	reg := NewRegistry(nil, zerolog.Nop())

	text := reg.Render(context.Background())
	if strings.Contains(text, "triplog_licenses{") {
		t.Error("gauges should be omitted without a store")
	}
	// Still a valid exposition.
	parseExposition(t, text)
}
