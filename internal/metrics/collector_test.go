package zonedmetrics_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	zonedmetrics "github.com/network-dmenu/zoned/internal/metrics"
)

func TestNewCollector(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := zonedmetrics.NewCollector(reg)

	if c.Scans == nil {
		t.Error("Scans is nil")
	}
	if c.VisibleNetworks == nil {
		t.Error("VisibleNetworks is nil")
	}
	if c.MatchScore == nil {
		t.Error("MatchScore is nil")
	}
	if c.Transitions == nil {
		t.Error("Transitions is nil")
	}
	if c.CurrentZone == nil {
		t.Error("CurrentZone is nil")
	}
	if c.ActionSteps == nil {
		t.Error("ActionSteps is nil")
	}
	if c.IPCRequests == nil {
		t.Error("IPCRequests is nil")
	}

	// Verify all metrics are registered by gathering them.
	if _, err := reg.Gather(); err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
}

func TestRecordScan(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := zonedmetrics.NewCollector(reg)

	c.RecordScan("", 7, 2)
	c.RecordScan("timeout", 0, 0)

	if got := counterValue(t, reg, "zoned_geofence_scans_total", "reason", "none"); got != 1 {
		t.Errorf("scans{reason=none} = %v, want 1", got)
	}
	if got := counterValue(t, reg, "zoned_geofence_scans_total", "reason", "timeout"); got != 1 {
		t.Errorf("scans{reason=timeout} = %v, want 1", got)
	}
	if got := gaugeValue(t, reg, "zoned_geofence_visible_wifi_networks"); got != 7 {
		t.Errorf("visible networks = %v, want 7 (failed scan must not reset it)", got)
	}
}

func TestSetCurrentZoneClearsPreviousLabel(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := zonedmetrics.NewCollector(reg)

	c.SetCurrentZone("home")
	c.SetCurrentZone("office")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}

	for _, mf := range families {
		if mf.GetName() != "zoned_geofence_current_zone" {
			continue
		}
		if len(mf.GetMetric()) != 1 {
			t.Fatalf("current_zone has %d series, want 1", len(mf.GetMetric()))
		}
		labels := mf.GetMetric()[0].GetLabel()
		if len(labels) != 1 || labels[0].GetValue() != "office" {
			t.Errorf("current_zone label = %v, want office", labels)
		}
	}

	// Unknown clears the gauge entirely.
	c.SetCurrentZone("")
	families, err = reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == "zoned_geofence_current_zone" && len(mf.GetMetric()) != 0 {
			t.Errorf("current_zone not cleared: %v", mf.GetMetric())
		}
	}
}

func TestRecordMatchAndInterval(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := zonedmetrics.NewCollector(reg)

	c.RecordMatch(0.93, false)
	if got := gaugeValue(t, reg, "zoned_geofence_match_score"); got != 0.93 {
		t.Errorf("match score = %v, want 0.93", got)
	}

	c.RecordMatch(0.42, true)
	if got := gaugeValue(t, reg, "zoned_geofence_match_score"); got != 0 {
		t.Errorf("unknown match score = %v, want 0", got)
	}

	c.SetScanInterval(45 * time.Second)
	if got := gaugeValue(t, reg, "zoned_geofence_scan_interval_seconds"); got != 45 {
		t.Errorf("scan interval = %v, want 45", got)
	}
}

func TestRecordTransitionAndSteps(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := zonedmetrics.NewCollector(reg)

	c.RecordTransition("unknown", "home")
	c.RecordActionStep("vpn", "ok")
	c.RecordActionStep("vpn", "failed")
	c.RecordIPCRequest("Status")

	if got := counterValue(t, reg, "zoned_geofence_transitions_total", "to", "home"); got != 1 {
		t.Errorf("transitions{to=home} = %v, want 1", got)
	}
	if got := counterValue(t, reg, "zoned_geofence_ipc_requests_total", "kind", "Status"); got != 1 {
		t.Errorf("ipc_requests{kind=Status} = %v, want 1", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	var stepSeries int
	for _, mf := range families {
		if mf.GetName() == "zoned_geofence_action_steps_total" {
			stepSeries = len(mf.GetMetric())
		}
	}
	if stepSeries != 2 {
		t.Errorf("action step series = %d, want 2 (ok + failed)", stepSeries)
	}
}

// counterValue fetches a counter value whose label matches.
func counterValue(t *testing.T, reg *prometheus.Registry, name, labelName, labelValue string) float64 {
	t.Helper()

	for _, mf := range gather(t, reg) {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == labelName && l.GetValue() == labelValue {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return -1
}

// gaugeValue fetches an unlabeled gauge value.
func gaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()

	for _, mf := range gather(t, reg) {
		if mf.GetName() == name {
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	return -1
}

func gather(t *testing.T, reg *prometheus.Registry) []*dto.MetricFamily {
	t.Helper()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	return families
}
