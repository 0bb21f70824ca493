package geofence_test

import (
	"io"
	"log/slog"
	"testing"

	"github.com/network-dmenu/zoned/internal/action"
	"github.com/network-dmenu/zoned/internal/fingerprint"
	"github.com/network-dmenu/zoned/internal/geofence"
	"github.com/network-dmenu/zoned/internal/match"
	"github.com/network-dmenu/zoned/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// controllerFixture wires a controller over temp stores and captures
// dispatched plans.
type controllerFixture struct {
	zones *store.ZoneStore
	ctrl  *geofence.Controller
	plans []geofence.PlanRequest
}

func newFixture(t *testing.T, cfg geofence.ControllerConfig) *controllerFixture {
	t.Helper()

	dir := t.TempDir()
	zones, err := store.Open(dir, discardLogger())
	if err != nil {
		t.Fatalf("open zone store: %v", err)
	}
	states, err := store.OpenState(dir, discardLogger())
	if err != nil {
		t.Fatalf("open state store: %v", err)
	}

	f := &controllerFixture{zones: zones}
	f.ctrl = geofence.NewController(cfg, zones, states,
		func(req geofence.PlanRequest) { f.plans = append(f.plans, req) },
		nil, discardLogger(),
	)
	return f
}

// addZone creates a zone with a VPN action so dispatch is observable.
func (f *controllerFixture) addZone(t *testing.T, name string) *store.Zone {
	t.Helper()

	fp := fingerprint.Fingerprint{
		Mode: fingerprint.ModeMedium,
		WiFi: []fingerprint.Entry{{ID: name + "-ap", SignalBucket: -5}},
	}
	z, err := f.zones.Create(name, action.Plan{VPN: "vpn-" + name},
		[]fingerprint.Fingerprint{fp}, 0.8)
	if err != nil {
		t.Fatalf("create zone %s: %v", name, err)
	}
	return z
}

// zoneResult builds a matcher result naming the zone.
func zoneResult(z *store.Zone) match.Result {
	return match.Result{
		ZoneID:   z.ID,
		ZoneName: z.Name,
		Score:    0.95,
		Candidates: []match.Candidate{
			{ZoneID: z.ID, ZoneName: z.Name, Score: 0.95, Threshold: 0.8},
		},
	}
}

func unknownResult() match.Result {
	return match.Result{Unknown: true}
}

func TestControllerEntryDispatchesPlanAndRecordsHistory(t *testing.T) {
	t.Parallel()

	f := newFixture(t, geofence.ControllerConfig{DebounceCount: 2})
	z := f.addZone(t, "home")

	d := f.ctrl.HandleMatch(zoneResult(z))
	if !d.Transition {
		t.Fatal("first match did not transition")
	}

	if len(f.plans) != 1 || f.plans[0].ZoneID != z.ID {
		t.Fatalf("plans = %+v, want one plan for home", f.plans)
	}
	if f.plans[0].Plan.VPN != "vpn-home" {
		t.Errorf("dispatched plan = %+v", f.plans[0].Plan)
	}

	snap := f.ctrl.Snapshot()
	if snap.CurrentZoneID != z.ID {
		t.Errorf("CurrentZoneID = %q, want %q", snap.CurrentZoneID, z.ID)
	}
	if len(snap.RecentHistory) != 1 || snap.RecentHistory[0].ZoneID != z.ID {
		t.Errorf("history = %+v", snap.RecentHistory)
	}
	if snap.RecentHistory[0].LeftAt != nil {
		t.Error("open history entry already stamped LeftAt")
	}

	// Entry count persisted on the zone.
	got, err := f.zones.Get(z.ID)
	if err != nil {
		t.Fatalf("get zone: %v", err)
	}
	if got.EnterCount != 1 {
		t.Errorf("EnterCount = %d, want 1", got.EnterCount)
	}
}

func TestControllerExitStampsHistory(t *testing.T) {
	t.Parallel()

	f := newFixture(t, geofence.ControllerConfig{DebounceCount: 2})
	z := f.addZone(t, "home")

	f.ctrl.HandleMatch(zoneResult(z))

	// Two consecutive Unknowns fire the debounced exit.
	f.ctrl.HandleMatch(unknownResult())
	d := f.ctrl.HandleMatch(unknownResult())
	if !d.Transition || d.To != store.ZoneIDUnknown {
		t.Fatalf("decision = %+v, want transition to unknown", d)
	}

	snap := f.ctrl.Snapshot()
	if snap.CurrentZoneID != store.ZoneIDUnknown {
		t.Errorf("CurrentZoneID = %q, want unknown", snap.CurrentZoneID)
	}
	if len(snap.RecentHistory) != 2 {
		t.Fatalf("history = %+v, want closed home entry plus open unknown entry", snap.RecentHistory)
	}
	if snap.RecentHistory[0].LeftAt == nil {
		t.Error("home history entry not stamped on exit")
	}
	if snap.RecentHistory[1].ZoneID != store.ZoneIDUnknown {
		t.Errorf("second entry = %+v, want unknown stay", snap.RecentHistory[1])
	}
}

func TestControllerReenterSuppressedByDefault(t *testing.T) {
	t.Parallel()

	f := newFixture(t, geofence.ControllerConfig{DebounceCount: 1})
	z := f.addZone(t, "home")

	f.ctrl.HandleMatch(zoneResult(z))
	f.ctrl.HandleMatch(unknownResult())
	f.ctrl.HandleMatch(zoneResult(z))

	// Entered home twice, but the plan ran only once.
	if len(f.plans) != 1 {
		t.Errorf("plans = %d, want re-entry suppressed to 1", len(f.plans))
	}
}

func TestControllerReenterRerunsWhenConfigured(t *testing.T) {
	t.Parallel()

	f := newFixture(t, geofence.ControllerConfig{DebounceCount: 1, RerunOnReenter: true})
	z := f.addZone(t, "home")

	f.ctrl.HandleMatch(zoneResult(z))
	f.ctrl.HandleMatch(unknownResult())
	f.ctrl.HandleMatch(zoneResult(z))

	if len(f.plans) != 2 {
		t.Errorf("plans = %d, want 2 with rerun_on_reenter", len(f.plans))
	}
}

func TestControllerUnknownHasNoActions(t *testing.T) {
	t.Parallel()

	f := newFixture(t, geofence.ControllerConfig{DebounceCount: 1})
	z := f.addZone(t, "home")

	f.ctrl.HandleMatch(zoneResult(z))
	f.ctrl.HandleMatch(unknownResult())

	if len(f.plans) != 1 {
		t.Errorf("plans = %d, entering unknown must not dispatch", len(f.plans))
	}
}

func TestControllerUnknownFallbackZone(t *testing.T) {
	t.Parallel()

	f := newFixture(t, geofence.ControllerConfig{
		DebounceCount:       1,
		UnknownFallbackZone: "lockdown",
	})
	z := f.addZone(t, "home")
	f.addZone(t, "lockdown")

	f.ctrl.HandleMatch(zoneResult(z))
	f.ctrl.HandleMatch(unknownResult())

	if len(f.plans) != 2 {
		t.Fatalf("plans = %d, want home plan plus lockdown fallback", len(f.plans))
	}
	if f.plans[1].Plan.VPN != "vpn-lockdown" {
		t.Errorf("fallback plan = %+v, want lockdown actions", f.plans[1].Plan)
	}
}

func TestControllerDeleteZoneGarbageCollectsHistory(t *testing.T) {
	t.Parallel()

	f := newFixture(t, geofence.ControllerConfig{DebounceCount: 1})
	z := f.addZone(t, "doomed")

	f.ctrl.HandleMatch(zoneResult(z))

	if err := f.ctrl.DeleteZone(z.ID); err != nil {
		t.Fatalf("DeleteZone() error: %v", err)
	}

	snap := f.ctrl.Snapshot()
	for _, e := range snap.RecentHistory {
		if e.ZoneID == z.ID {
			t.Errorf("history still references deleted zone: %+v", e)
		}
	}
	if snap.CurrentZoneID != store.ZoneIDUnknown {
		t.Errorf("CurrentZoneID = %q, want unknown after deleting occupied zone", snap.CurrentZoneID)
	}
}

func TestControllerRecordPlanReport(t *testing.T) {
	t.Parallel()

	f := newFixture(t, geofence.ControllerConfig{DebounceCount: 1})

	f.ctrl.RecordPlanReport(store.PlanReport{
		ZoneID:    "z",
		ZoneName:  "home",
		Completed: true,
		Steps: []store.StepRecord{
			{Tag: "vpn", Outcome: "ok"},
		},
	})

	snap := f.ctrl.Snapshot()
	if snap.LastPlan == nil || snap.LastPlan.ZoneName != "home" {
		t.Errorf("LastPlan = %+v", snap.LastPlan)
	}
}
