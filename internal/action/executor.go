package action

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Outcome classifies one executed step.
type Outcome string

const (
	// OutcomeOK means the step completed successfully.
	OutcomeOK Outcome = "ok"

	// OutcomeSkipped means the step did not run (collaborator missing, or
	// the plan was aborted by a spawn failure or by shutdown).
	OutcomeSkipped Outcome = "skipped"

	// OutcomeFailed means the step ran and failed. Non-fatal: the plan
	// continues unless the executor cannot spawn subprocesses at all.
	OutcomeFailed Outcome = "failed"
)

// Step tags, in execution order. Later steps observe the state set by
// earlier ones (the VPN comes up on the WiFi the plan just joined).
const (
	TagFirewall         = "firewall_zone"
	TagWiFi             = "wifi"
	TagVPN              = "vpn"
	TagTailscaleShields = "tailscale_shields"
	TagTailscaleExit    = "tailscale_exit_node"
	TagBluetooth        = "bluetooth"
	TagCustom           = "custom_command"
)

// StepResult is the outcome of one plan step.
type StepResult struct {
	// Tag names the step (TagWiFi, TagVPN, ...).
	Tag string `json:"tag"`

	// Outcome classifies what happened.
	Outcome Outcome `json:"outcome"`

	// Detail carries the failure reason or skip cause. Empty on success.
	Detail string `json:"detail,omitempty"`

	// Latency is how long the step took.
	Latency time.Duration `json:"latency"`
}

// Failed reports whether the step failed.
func (r StepResult) Failed() bool { return r.Outcome == OutcomeFailed }

// ExecutionContext carries per-execution parameters.
type ExecutionContext struct {
	// IfaceHint pins the wireless interface for WiFi steps. Empty lets
	// the connection manager choose.
	IfaceHint string

	// StepTimeout bounds each step of the plan. The daemon passes its
	// shorter shutdown timeout for plans that start during shutdown.
	StepTimeout time.Duration
}

// Executor runs action plans against the host's network subsystems.
type Executor struct {
	tk     *Toolkit
	runner Runner
	events *Emitter
	logger *slog.Logger
}

// NewExecutor creates an executor over the given toolkit and runner.
// events may be nil when no consumer subscribes.
func NewExecutor(tk *Toolkit, runner Runner, events *Emitter, logger *slog.Logger) *Executor {
	if events == nil {
		events = NewEmitter(0)
	}
	return &Executor{
		tk:     tk,
		runner: runner,
		events: events,
		logger: logger.With(slog.String("component", "action")),
	}
}

// Execute runs the plan's steps in fixed order and returns their results.
//
// Non-fatal failures do not abort the sequence. A spawn failure (the
// executor cannot start subprocesses at all) aborts: remaining steps are
// reported as skipped. Context cancellation (shutdown) likewise stops the
// plan, with remaining steps marked skipped.
func (e *Executor) Execute(ctx context.Context, zoneID, zoneName string, plan Plan, execCtx ExecutionContext) []StepResult {
	steps := e.buildSteps(plan, execCtx)
	results := make([]StepResult, 0, len(steps))

	aborted := false
	for _, st := range steps {
		if aborted || ctx.Err() != nil {
			results = append(results, StepResult{
				Tag:     st.tag,
				Outcome: OutcomeSkipped,
				Detail:  "plan aborted",
			})
			continue
		}

		res := e.runStep(ctx, st, execCtx.StepTimeout)
		results = append(results, res)
		e.events.Emit(Event{
			Kind:    EventActionCompleted,
			ZoneID:  zoneID,
			Tag:     res.Tag,
			Success: res.Outcome == OutcomeOK,
			Latency: res.Latency,
		})

		if res.Failed() && errors.Is(st.lastErr, ErrSpawnFailed) {
			aborted = true
		}
	}

	e.events.Emit(Event{
		Kind:    EventZoneEntered,
		ZoneID:  zoneID,
		Results: results,
	})

	e.logger.Info("action plan finished",
		slog.String("zone", zoneName),
		slog.Int("steps", len(results)),
		slog.Int("failed", countFailed(results)),
	)
	return results
}

// step is one resolved plan step: a tag, the argv to run, and whether the
// step was pre-skipped (missing collaborator).
type step struct {
	tag     string
	argv    []string
	skip    string // non-empty: skip reason
	lastErr error  // set by runStep for spawn-failure detection
}

// buildSteps expands a plan into the ordered step list.
func (e *Executor) buildSteps(plan Plan, execCtx ExecutionContext) []*step {
	var steps []*step

	if plan.FirewallZone != "" {
		steps = append(steps, e.firewallStep(plan.FirewallZone))
	}
	if plan.WiFi != "" {
		steps = append(steps, e.wifiStep(plan.WiFi, execCtx.IfaceHint))
	}
	if plan.VPN != "" {
		steps = append(steps, e.vpnStep(plan.VPN))
	}
	if plan.TailscaleShields != nil {
		steps = append(steps, e.tailscaleShieldsStep(*plan.TailscaleShields))
	}
	if plan.TailscaleExitNode != "" {
		steps = append(steps, e.tailscaleExitStep(plan.TailscaleExitNode))
	}
	for _, device := range plan.Bluetooth {
		steps = append(steps, &step{tag: TagBluetooth, argv: []string{device}})
	}
	for _, cmdline := range plan.CustomCommands {
		steps = append(steps, e.customStep(cmdline))
	}
	return steps
}

// runStep executes one step with a bounded timeout.
func (e *Executor) runStep(ctx context.Context, st *step, timeout time.Duration) StepResult {
	if st.skip != "" {
		return StepResult{Tag: st.tag, Outcome: OutcomeSkipped, Detail: st.skip}
	}

	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()

	var err error
	if st.tag == TagBluetooth {
		// Bluetooth steps carry the device name; resolution to a MAC
		// happens at execution time against the live device list.
		err = e.connectBluetooth(stepCtx, st.argv[0])
	} else {
		_, err = e.runner.Run(stepCtx, st.argv)
	}

	latency := time.Since(start)
	if err != nil {
		st.lastErr = err
		e.logger.Warn("action step failed",
			slog.String("tag", st.tag),
			slog.String("error", err.Error()),
		)
		return StepResult{Tag: st.tag, Outcome: OutcomeFailed, Detail: err.Error(), Latency: latency}
	}
	return StepResult{Tag: st.tag, Outcome: OutcomeOK, Latency: latency}
}

// -------------------------------------------------------------------------
// Step builders
// -------------------------------------------------------------------------

func (e *Executor) firewallStep(zone string) *step {
	if e.tk.FirewallCmd == "" {
		return &step{tag: TagFirewall, skip: ErrMissingDependency.Error()}
	}
	argv := append(append([]string{}, e.tk.Escalate...),
		e.tk.FirewallCmd, "--set-default-zone="+zone)
	return &step{tag: TagFirewall, argv: argv}
}

func (e *Executor) wifiStep(ssid, iface string) *step {
	if e.tk.Nmcli == "" {
		return &step{tag: TagWiFi, skip: ErrMissingDependency.Error()}
	}

	if ssid == Auto {
		// "auto": make sure the radio is up and let the connection
		// manager pick its preferred network.
		return &step{tag: TagWiFi, argv: []string{e.tk.Nmcli, "radio", "wifi", "on"}}
	}

	argv := []string{e.tk.Nmcli, "device", "wifi", "connect", ssid}
	if iface != "" {
		argv = append(argv, "ifname", iface)
	}
	return &step{tag: TagWiFi, argv: argv}
}

func (e *Executor) vpnStep(profile string) *step {
	if e.tk.Nmcli == "" {
		return &step{tag: TagVPN, skip: ErrMissingDependency.Error()}
	}
	return &step{tag: TagVPN, argv: []string{e.tk.Nmcli, "connection", "up", "id", profile}}
}

func (e *Executor) tailscaleShieldsStep(up bool) *step {
	if e.tk.Tailscale == "" {
		return &step{tag: TagTailscaleShields, skip: ErrMissingDependency.Error()}
	}
	return &step{
		tag:  TagTailscaleShields,
		argv: []string{e.tk.Tailscale, "set", fmt.Sprintf("--shields-up=%t", up)},
	}
}

func (e *Executor) tailscaleExitStep(node string) *step {
	if e.tk.Tailscale == "" {
		return &step{tag: TagTailscaleExit, skip: ErrMissingDependency.Error()}
	}

	switch node {
	case None:
		return &step{tag: TagTailscaleExit, argv: []string{e.tk.Tailscale, "set", "--exit-node="}}
	case Auto:
		return &step{tag: TagTailscaleExit, argv: []string{e.tk.Tailscale, "set", "--auto-exit-node=any"}}
	default:
		return &step{tag: TagTailscaleExit, argv: []string{e.tk.Tailscale, "set", "--exit-node=" + node}}
	}
}

func (e *Executor) customStep(cmdline string) *step {
	if e.tk.Shell == "" {
		return &step{tag: TagCustom, skip: ErrMissingDependency.Error()}
	}
	// custom_commands is the one sanctioned shell path: the strings are
	// authored by the user, for the user.
	return &step{tag: TagCustom, argv: []string{e.tk.Shell, "-c", cmdline}}
}

// -------------------------------------------------------------------------
// Bluetooth
// -------------------------------------------------------------------------

// connectBluetooth resolves a device name against "bluetoothctl devices"
// and connects it. Name resolution at execution time means a device paired
// after zone creation still connects.
func (e *Executor) connectBluetooth(ctx context.Context, name string) error {
	if e.tk.Bluetoothctl == "" {
		return ErrMissingDependency
	}

	out, err := e.runner.Run(ctx, []string{e.tk.Bluetoothctl, "devices"})
	if err != nil {
		return fmt.Errorf("list bluetooth devices: %w", err)
	}

	mac := resolveBluetoothMAC(out, name)
	if mac == "" {
		return fmt.Errorf("bluetooth device %q not paired", name)
	}

	if _, err := e.runner.Run(ctx, []string{e.tk.Bluetoothctl, "connect", mac}); err != nil {
		return fmt.Errorf("connect %q: %w", name, err)
	}
	return nil
}

// resolveBluetoothMAC finds the MAC for a device name in bluetoothctl
// "devices" output ("Device AA:BB:CC:DD:EE:FF Some Name").
func resolveBluetoothMAC(out, name string) string {
	for _, line := range strings.Split(out, "\n") {
		fields := strings.SplitN(strings.TrimSpace(line), " ", 3)
		if len(fields) != 3 || fields[0] != "Device" {
			continue
		}
		if strings.EqualFold(fields[2], name) {
			return fields[1]
		}
	}
	return ""
}

func countFailed(results []StepResult) int {
	n := 0
	for _, r := range results {
		if r.Failed() {
			n++
		}
	}
	return n
}
