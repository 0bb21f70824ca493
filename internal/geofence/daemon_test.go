package geofence_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/network-dmenu/zoned/internal/action"
	"github.com/network-dmenu/zoned/internal/config"
	"github.com/network-dmenu/zoned/internal/geofence"
	"github.com/network-dmenu/zoned/internal/ipc"
	"github.com/network-dmenu/zoned/internal/scan"
	"github.com/network-dmenu/zoned/internal/store"
)

// fakeWiFi serves a fixed environment on every scan.
type fakeWiFi struct {
	mu       sync.Mutex
	networks []scan.WiFiNetwork
}

func (f *fakeWiFi) ScanWiFi(_ context.Context) ([]scan.WiFiNetwork, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]scan.WiFiNetwork(nil), f.networks...), nil
}

func (f *fakeWiFi) set(networks []scan.WiFiNetwork) {
	f.mu.Lock()
	f.networks = networks
	f.mu.Unlock()
}

// nopRunner satisfies action.Runner without spawning anything.
type nopRunner struct{}

func (nopRunner) Run(_ context.Context, _ []string) (string, error) { return "", nil }

// testConfig returns a config tuned for fast test ticks.
func testConfig(dir string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Data.Dir = dir
	cfg.Scan.Interval = 20 * time.Millisecond
	cfg.Scan.MinInterval = 10 * time.Millisecond
	cfg.Scan.MaxInterval = 50 * time.Millisecond
	cfg.Scan.Timeout = time.Second
	cfg.Transition.DebounceCount = 2
	cfg.Fingerprint.PrivacyMode = "low"
	return cfg
}

// homeNetworks is a stable three-AP environment.
func homeNetworks() []scan.WiFiNetwork {
	return []scan.WiFiNetwork{
		{BSSID: "AA:BB:CC:DD:EE:01", SSID: "home", SignalDBm: -45, Connected: true},
		{BSSID: "AA:BB:CC:DD:EE:02", SSID: "home-5g", SignalDBm: -52},
		{BSSID: "AA:BB:CC:DD:EE:03", SSID: "neighbor", SignalDBm: -78},
	}
}

// startDaemon wires a daemon over fakes and runs it.
func startDaemon(t *testing.T, cfg *config.Config, wifi *fakeWiFi) (*geofence.Daemon, *store.ZoneStore, func()) {
	t.Helper()

	zones, err := store.Open(cfg.DataDir(), discardLogger())
	if err != nil {
		t.Fatalf("open zone store: %v", err)
	}
	states, err := store.OpenState(cfg.DataDir(), discardLogger())
	if err != nil {
		t.Fatalf("open state store: %v", err)
	}

	scanner := scan.NewScanner(wifi, nil, cfg.Scan.Timeout, discardLogger())
	executor := action.NewExecutor(&action.Toolkit{}, nopRunner{}, nil, discardLogger())

	d := geofence.NewDaemon(cfg, scanner, zones, states, executor, nil, nil, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := d.Run(ctx); err != nil {
			t.Errorf("daemon Run() error: %v", err)
		}
	}()

	return d, zones, func() {
		cancel()
		<-done
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDaemonEntersZoneAfterDebounce(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t.TempDir())
	wifi := &fakeWiFi{}
	wifi.set(homeNetworks())

	d, zones, stop := startDaemon(t, cfg, wifi)
	defer stop()

	// Seed a zone matching the environment via the IPC handler, using a
	// captured fingerprint so the create path exercises the scheduler.
	resp := d.Handle(context.Background(), ipc.Request{
		Kind: ipc.KindCreateZone,
		Name: "home",
	})
	if resp.Kind != ipc.RespZone {
		t.Fatalf("CreateZone response = %+v", resp)
	}
	zoneID := resp.Zone.ID

	waitFor(t, "zone entry", func() bool {
		return d.Controller().Snapshot().CurrentZoneID == zoneID
	})

	// The zone's enter counter was bumped.
	z, err := zones.Get(zoneID)
	if err != nil {
		t.Fatalf("get zone: %v", err)
	}
	if z.EnterCount == 0 {
		t.Error("EnterCount not incremented on entry")
	}

	// Status reflects the occupied zone.
	status := d.Handle(context.Background(), ipc.Request{Kind: ipc.KindStatus})
	if status.Status == nil || status.Status.CurrentZoneID != zoneID {
		t.Errorf("status = %+v, want current zone %s", status.Status, zoneID)
	}
	if status.Status.CurrentZoneName != "home" {
		t.Errorf("status zone name = %q, want home", status.Status.CurrentZoneName)
	}
}

func TestDaemonFallsToUnknownWhenEnvironmentVanishes(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t.TempDir())
	wifi := &fakeWiFi{}
	wifi.set(homeNetworks())

	d, _, stop := startDaemon(t, cfg, wifi)
	defer stop()

	resp := d.Handle(context.Background(), ipc.Request{Kind: ipc.KindCreateZone, Name: "home"})
	if resp.Kind != ipc.RespZone {
		t.Fatalf("CreateZone response = %+v", resp)
	}

	waitFor(t, "zone entry", func() bool {
		return d.Controller().Snapshot().CurrentZoneID == resp.Zone.ID
	})

	// The environment disappears; after the debounce window the daemon
	// lands in Unknown.
	wifi.set(nil)
	waitFor(t, "unknown entry", func() bool {
		return d.Controller().Snapshot().CurrentZoneID == store.ZoneIDUnknown
	})

	current := d.Handle(context.Background(), ipc.Request{Kind: ipc.KindCurrentZone})
	if current.Kind != ipc.RespUnknown {
		t.Errorf("CurrentZone = %+v, want Unknown", current)
	}
}

func TestDaemonWhereAmI(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t.TempDir())
	wifi := &fakeWiFi{}
	wifi.set(homeNetworks())

	d, _, stop := startDaemon(t, cfg, wifi)
	defer stop()

	resp := d.Handle(context.Background(), ipc.Request{Kind: ipc.KindCreateZone, Name: "home"})
	if resp.Kind != ipc.RespZone {
		t.Fatalf("CreateZone response = %+v", resp)
	}

	where := d.Handle(context.Background(), ipc.Request{Kind: ipc.KindWhereAmI})
	if where.Kind != ipc.RespWhereAmI {
		t.Fatalf("WhereAmI response = %+v", where)
	}
	if len(where.WhereAmI.Fingerprint.WiFi) == 0 {
		t.Error("WhereAmI fingerprint empty")
	}
	if len(where.WhereAmI.Scores) != 1 || where.WhereAmI.Scores[0].ZoneName != "home" {
		t.Errorf("scores = %+v", where.WhereAmI.Scores)
	}
	if where.WhereAmI.Scores[0].Score < 0.99 {
		t.Errorf("score = %v, want ~1.0 for identical environment", where.WhereAmI.Scores[0].Score)
	}
}

func TestDaemonSampleZoneAndHistory(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t.TempDir())
	wifi := &fakeWiFi{}
	wifi.set(homeNetworks())

	d, _, stop := startDaemon(t, cfg, wifi)
	defer stop()

	resp := d.Handle(context.Background(), ipc.Request{Kind: ipc.KindCreateZone, Name: "home"})
	if resp.Kind != ipc.RespZone {
		t.Fatalf("CreateZone response = %+v", resp)
	}

	sampled := d.Handle(context.Background(), ipc.Request{Kind: ipc.KindSampleZone, ID: resp.Zone.ID})
	if sampled.Kind != ipc.RespZone {
		t.Fatalf("SampleZone response = %+v", sampled)
	}
	if len(sampled.Zone.FingerprintSamples) != 2 {
		t.Errorf("samples = %d, want 2", len(sampled.Zone.FingerprintSamples))
	}

	waitFor(t, "history entry", func() bool {
		hist := d.Handle(context.Background(), ipc.Request{Kind: ipc.KindHistory})
		return len(hist.History) > 0
	})
}

func TestDaemonUnknownRequestKind(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t.TempDir())
	wifi := &fakeWiFi{}

	d, _, stop := startDaemon(t, cfg, wifi)
	defer stop()

	resp := d.Handle(context.Background(), ipc.Request{Kind: "Bogus"})
	if resp.Kind != ipc.RespError || resp.Code != ipc.CodeInvalidRequest {
		t.Errorf("response = %+v, want InvalidRequest error", resp)
	}
}
