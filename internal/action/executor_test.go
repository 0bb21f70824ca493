package action

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeRunner records argv vectors and returns scripted results.
type fakeRunner struct {
	calls   [][]string
	outputs map[string]string // keyed by argv[0] basename behavior override
	failOn  map[string]error  // argv joined -> error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		outputs: make(map[string]string),
		failOn:  make(map[string]error),
	}
}

func (f *fakeRunner) Run(_ context.Context, argv []string) (string, error) {
	f.calls = append(f.calls, argv)

	key := strings.Join(argv, " ")
	if err, ok := f.failOn[key]; ok {
		return "", err
	}
	for prefix, out := range f.outputs {
		if strings.HasPrefix(key, prefix) {
			return out, nil
		}
	}
	return "", nil
}

// fullToolkit returns a toolkit with every collaborator present.
func fullToolkit() *Toolkit {
	return &Toolkit{
		Nmcli:        "/usr/bin/nmcli",
		Tailscale:    "/usr/bin/tailscale",
		Bluetoothctl: "/usr/bin/bluetoothctl",
		FirewallCmd:  "/usr/bin/firewall-cmd",
		Shell:        "/bin/sh",
		Escalate:     []string{"/usr/bin/sudo", "-n"},
	}
}

func testExecCtx() ExecutionContext {
	return ExecutionContext{StepTimeout: time.Second}
}

func TestExecuteRunsStepsInFixedOrder(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner()
	shields := true
	plan := Plan{
		WiFi:              "homenet",
		VPN:               "wg-home",
		TailscaleExitNode: "exit-host",
		TailscaleShields:  &shields,
		FirewallZone:      "home",
		CustomCommands:    []string{"echo one", "echo two"},
	}

	e := NewExecutor(fullToolkit(), runner, nil, discardLogger())
	results := e.Execute(context.Background(), "z1", "home", plan, testExecCtx())

	wantTags := []string{
		TagFirewall, TagWiFi, TagVPN,
		TagTailscaleShields, TagTailscaleExit,
		TagCustom, TagCustom,
	}
	if len(results) != len(wantTags) {
		t.Fatalf("got %d results, want %d: %+v", len(results), len(wantTags), results)
	}
	for i, tag := range wantTags {
		if results[i].Tag != tag {
			t.Errorf("step %d tag = %s, want %s", i, results[i].Tag, tag)
		}
		if results[i].Outcome != OutcomeOK {
			t.Errorf("step %d outcome = %s, want ok (%s)", i, results[i].Outcome, results[i].Detail)
		}
	}

	// The firewall step is the privileged one and must be wrapped.
	first := strings.Join(runner.calls[0], " ")
	if !strings.HasPrefix(first, "/usr/bin/sudo -n /usr/bin/firewall-cmd") {
		t.Errorf("firewall argv = %q, want sudo wrapper", first)
	}

	// Custom commands go through the shell, in declared order.
	last := runner.calls[len(runner.calls)-1]
	if last[0] != "/bin/sh" || last[1] != "-c" || last[2] != "echo two" {
		t.Errorf("custom argv = %q", last)
	}
}

func TestExecuteSkipsMissingCollaborators(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner()
	plan := Plan{
		WiFi:         "homenet",
		FirewallZone: "home",
	}

	// No collaborators at all.
	e := NewExecutor(&Toolkit{}, runner, nil, discardLogger())
	results := e.Execute(context.Background(), "z1", "home", plan, testExecCtx())

	for _, r := range results {
		if r.Outcome != OutcomeSkipped {
			t.Errorf("step %s outcome = %s, want skipped", r.Tag, r.Outcome)
		}
	}
	if len(runner.calls) != 0 {
		t.Errorf("runner invoked %d times for skipped steps", len(runner.calls))
	}
}

func TestExecuteFailureIsNonFatal(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner()
	runner.failOn["/usr/bin/nmcli connection up id wg-home"] = fmt.Errorf("exit status 4")

	plan := Plan{
		VPN:            "wg-home",
		CustomCommands: []string{"echo after"},
	}

	e := NewExecutor(fullToolkit(), runner, nil, discardLogger())
	results := e.Execute(context.Background(), "z1", "home", plan, testExecCtx())

	if results[0].Outcome != OutcomeFailed {
		t.Fatalf("vpn outcome = %s, want failed", results[0].Outcome)
	}
	// The custom command still ran.
	if results[1].Outcome != OutcomeOK {
		t.Errorf("later step outcome = %s, want ok", results[1].Outcome)
	}
}

func TestExecuteSpawnFailureAbortsPlan(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner()
	runner.failOn["/usr/bin/nmcli connection up id wg-home"] =
		fmt.Errorf("%w: exec: not found", ErrSpawnFailed)

	plan := Plan{
		VPN:            "wg-home",
		CustomCommands: []string{"echo never"},
	}

	e := NewExecutor(fullToolkit(), runner, nil, discardLogger())
	results := e.Execute(context.Background(), "z1", "home", plan, testExecCtx())

	if results[0].Outcome != OutcomeFailed {
		t.Fatalf("vpn outcome = %s, want failed", results[0].Outcome)
	}
	if results[1].Outcome != OutcomeSkipped || results[1].Detail != "plan aborted" {
		t.Errorf("post-abort step = %+v, want skipped/plan aborted", results[1])
	}
}

func TestExecuteWiFiSentinels(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner()
	e := NewExecutor(fullToolkit(), runner, nil, discardLogger())

	// "auto" only ensures the radio is on.
	e.Execute(context.Background(), "z1", "home", Plan{WiFi: Auto}, testExecCtx())
	if got := strings.Join(runner.calls[0], " "); got != "/usr/bin/nmcli radio wifi on" {
		t.Errorf("auto wifi argv = %q", got)
	}

	// A concrete SSID is passed as a bare argv token, never a shell line.
	runner.calls = nil
	ssid := `pwned"; rm -rf /`
	e.Execute(context.Background(), "z1", "home", Plan{WiFi: ssid},
		ExecutionContext{IfaceHint: "wlan0", StepTimeout: time.Second})
	call := runner.calls[0]
	if call[0] != "/usr/bin/nmcli" || call[4] != ssid || call[6] != "wlan0" {
		t.Errorf("wifi argv = %q", call)
	}
}

func TestExecuteTailscaleExitSentinels(t *testing.T) {
	t.Parallel()

	tests := []struct {
		node string
		want string
	}{
		{None, "/usr/bin/tailscale set --exit-node="},
		{Auto, "/usr/bin/tailscale set --auto-exit-node=any"},
		{"paris", "/usr/bin/tailscale set --exit-node=paris"},
	}

	for _, tt := range tests {
		runner := newFakeRunner()
		e := NewExecutor(fullToolkit(), runner, nil, discardLogger())
		e.Execute(context.Background(), "z1", "home",
			Plan{TailscaleExitNode: tt.node}, testExecCtx())

		if got := strings.Join(runner.calls[0], " "); got != tt.want {
			t.Errorf("exit node %q argv = %q, want %q", tt.node, got, tt.want)
		}
	}
}

func TestExecuteBluetoothResolvesNames(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner()
	runner.outputs["/usr/bin/bluetoothctl devices"] =
		"Device AA:BB:CC:DD:EE:FF WH-1000XM4\nDevice 11:22:33:44:55:66 Car Audio\n"

	plan := Plan{Bluetooth: []string{"Car Audio", "Missing Buds"}}

	e := NewExecutor(fullToolkit(), runner, nil, discardLogger())
	results := e.Execute(context.Background(), "z1", "home", plan, testExecCtx())

	if results[0].Outcome != OutcomeOK {
		t.Errorf("known device outcome = %s (%s)", results[0].Outcome, results[0].Detail)
	}
	if results[1].Outcome != OutcomeFailed {
		t.Errorf("unknown device outcome = %s, want failed", results[1].Outcome)
	}

	// The connect call used the resolved MAC.
	var connected bool
	for _, call := range runner.calls {
		if len(call) == 3 && call[1] == "connect" && call[2] == "11:22:33:44:55:66" {
			connected = true
		}
	}
	if !connected {
		t.Errorf("no connect call with resolved MAC: %+v", runner.calls)
	}
}

func TestExecuteEmptyPlan(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner()
	e := NewExecutor(fullToolkit(), runner, nil, discardLogger())
	results := e.Execute(context.Background(), "z1", "home", Plan{}, testExecCtx())

	if len(results) != 0 {
		t.Errorf("empty plan produced %d results", len(results))
	}
	if len(runner.calls) != 0 {
		t.Errorf("empty plan invoked runner %d times", len(runner.calls))
	}
}

func TestExecuteEmitsEvents(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner()
	events := NewEmitter(8)

	e := NewExecutor(fullToolkit(), runner, events, discardLogger())
	e.Execute(context.Background(), "z1", "home", Plan{VPN: "wg"}, testExecCtx())

	var kinds []string
	for len(events.Events()) > 0 {
		ev := <-events.Events()
		kinds = append(kinds, ev.Kind)
	}
	if len(kinds) != 2 || kinds[0] != EventActionCompleted || kinds[1] != EventZoneEntered {
		t.Errorf("event kinds = %v, want [action_completed zone_entered]", kinds)
	}
}

func TestResolveBluetoothMAC(t *testing.T) {
	t.Parallel()

	out := "Device AA:BB:CC:DD:EE:FF WH-1000XM4\nnot a device line\nDevice 11:22:33:44:55:66 Car Audio\n"

	if got := resolveBluetoothMAC(out, "wh-1000xm4"); got != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("case-insensitive lookup = %q", got)
	}
	if got := resolveBluetoothMAC(out, "nope"); got != "" {
		t.Errorf("missing device = %q, want empty", got)
	}
}

func TestPlanIsEmpty(t *testing.T) {
	t.Parallel()

	if !(Plan{}).IsEmpty() {
		t.Error("zero plan not empty")
	}

	shields := false
	nonEmpty := []Plan{
		{WiFi: "x"},
		{VPN: "x"},
		{TailscaleExitNode: None},
		{TailscaleShields: &shields},
		{Bluetooth: []string{"x"}},
		{FirewallZone: "x"},
		{CustomCommands: []string{"true"}},
	}
	for i, p := range nonEmpty {
		if p.IsEmpty() {
			t.Errorf("plan %d reported empty: %+v", i, p)
		}
	}
}

func TestDetectEscalationNone(t *testing.T) {
	t.Parallel()

	if got := detectEscalation("none", discardLogger()); got != nil {
		t.Errorf("escalation none = %v, want nil", got)
	}
}
