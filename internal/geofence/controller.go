package geofence

import (
	"log/slog"
	"sync"
	"time"

	"github.com/network-dmenu/zoned/internal/action"
	"github.com/network-dmenu/zoned/internal/match"
	"github.com/network-dmenu/zoned/internal/store"
)

// PlanRequest is an action plan queued for the action runner.
type PlanRequest struct {
	// ZoneID and ZoneName identify the zone whose entry triggered the plan.
	ZoneID   string
	ZoneName string

	// Plan is the declarative action set to execute.
	Plan action.Plan
}

// MetricsReporter receives controller and scheduler observations.
// A no-op implementation is used when metrics are disabled, so callers
// never nil-check.
type MetricsReporter interface {
	// RecordScan counts one scan attempt; errReason is "" on success.
	RecordScan(errReason string, wifiCount, btCount int)

	// RecordMatch records the winning score; unknown is true when no zone
	// reached its threshold.
	RecordMatch(score float64, unknown bool)

	// RecordTransition counts a zone transition.
	RecordTransition(from, to string)

	// SetCurrentZone publishes the occupied zone name.
	SetCurrentZone(name string)

	// SetScanInterval publishes the current adaptive interval.
	SetScanInterval(d time.Duration)

	// RecordActionStep counts one executed action step.
	RecordActionStep(tag, outcome string)
}

// noopMetrics is the default MetricsReporter.
type noopMetrics struct{}

func (noopMetrics) RecordScan(string, int, int)     {}
func (noopMetrics) RecordMatch(float64, bool)       {}
func (noopMetrics) RecordTransition(string, string) {}
func (noopMetrics) SetCurrentZone(string)           {}
func (noopMetrics) SetScanInterval(time.Duration)   {}
func (noopMetrics) RecordActionStep(string, string) {}

// ControllerConfig carries the controller tunables.
type ControllerConfig struct {
	// DebounceCount is the consecutive-scan requirement k.
	DebounceCount int

	// RerunOnReenter re-executes a zone's plan when re-entering the zone
	// we most recently ran actions for.
	RerunOnReenter bool

	// UnknownFallbackZone names a zone whose plan runs on entering
	// Unknown. Empty disables the fallback.
	UnknownFallbackZone string
}

// Controller owns the transition state machine and the daemon state
// snapshot: it debounces matcher output, performs enter/exit bookkeeping,
// persists state and history, and queues action plans.
//
// The Controller holds zone ids, never zone pointers; zones are looked up
// in the store at the moment they are needed. All mutable state (daemon
// state snapshot and tracker) sits behind one mutex shared by the
// scheduler, the action runner's plan reports, and IPC reads.
type Controller struct {
	cfg    ControllerConfig
	zones  *store.ZoneStore
	states *store.StateStore

	mu      sync.Mutex
	state   *store.DaemonState
	tracker *Tracker

	dispatch func(PlanRequest)
	metrics  MetricsReporter
	logger   *slog.Logger

	// lastActionZoneID suppresses re-running a plan when the same zone is
	// re-entered (unless RerunOnReenter).
	lastActionZoneID string
}

// NewController builds a controller. dispatch enqueues plans for the
// action runner; metrics may be nil.
func NewController(
	cfg ControllerConfig,
	zones *store.ZoneStore,
	states *store.StateStore,
	dispatch func(PlanRequest),
	metrics MetricsReporter,
	logger *slog.Logger,
) *Controller {
	if metrics == nil {
		metrics = noopMetrics{}
	}

	c := &Controller{
		cfg:      cfg,
		zones:    zones,
		states:   states,
		state:    states.Load(),
		tracker:  NewTracker(cfg.DebounceCount),
		dispatch: dispatch,
		metrics:  metrics,
		logger:   logger.With(slog.String("component", "geofence")),
	}

	// A daemon restarting in place should not re-run the actions of the
	// zone it never left.
	c.lastActionZoneID = c.state.CurrentZoneID

	return c
}

// Snapshot is a consistent read-only view of the controller's state.
type Snapshot struct {
	State            State
	CurrentZoneID    string
	LastTransitionAt *time.Time
	ScanIntervalMS   int
	RecentHistory    []store.HistoryEntry
	LastPlan         *store.PlanReport
}

// Snapshot returns a copy of the current state for IPC reads. The view
// reflects the state after the most recent completed enter/exit.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		State:          c.tracker.State(),
		CurrentZoneID:  c.state.CurrentZoneID,
		ScanIntervalMS: c.state.ScanIntervalMS,
		RecentHistory:  append([]store.HistoryEntry(nil), c.state.RecentHistory...),
	}
	if c.state.LastTransitionAt != nil {
		t := *c.state.LastTransitionAt
		snap.LastTransitionAt = &t
	}
	if c.state.LastPlan != nil {
		report := *c.state.LastPlan
		snap.LastPlan = &report
	}
	return snap
}

// SetScanInterval records the adaptive interval in the persisted state.
// Saved on the next transition or shutdown; the interval is a hint, not
// precious.
func (c *Controller) SetScanInterval(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.ScanIntervalMS = int(d.Milliseconds())
}

// LastTransitionAt returns the most recent transition time (zero when
// none).
func (c *Controller) LastTransitionAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.LastTransitionAt == nil {
		return time.Time{}
	}
	return *c.state.LastTransitionAt
}

// HandleMatch feeds one matcher verdict through the debouncer and, on
// transition, performs exit/enter bookkeeping. Returns the decision.
func (c *Controller) HandleMatch(result match.Result) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()
	candidate := result.ZoneID
	if result.Unknown {
		candidate = store.ZoneIDUnknown
	}

	c.metrics.RecordMatch(result.Score, result.Unknown)

	d := c.tracker.Observe(candidate)
	if !d.Transition {
		return d
	}

	now := time.Now()
	c.exit(d.From, now)
	c.enter(d.To, result, now)

	c.metrics.RecordTransition(labelFor(d.From), labelFor(d.To))

	if err := c.states.Save(c.state); err != nil {
		c.logger.Error("persist daemon state failed",
			slog.String("error", err.Error()),
		)
	}
	return d
}

// exit stamps the close of the current history entry.
func (c *Controller) exit(zoneID string, now time.Time) {
	if zoneID == "" {
		return
	}

	c.logger.Info("zone exited", slog.String("zone_id", zoneID))

	if n := len(c.state.RecentHistory); n > 0 && c.state.RecentHistory[n-1].LeftAt == nil {
		left := now
		c.state.RecentHistory[n-1].LeftAt = &left
	}
}

// enter performs entry bookkeeping and queues the zone's action plan.
func (c *Controller) enter(zoneID string, result match.Result, now time.Time) {
	c.state.CurrentZoneID = zoneID
	c.state.LastTransitionAt = &now
	c.state.RecentHistory = append(c.state.RecentHistory, store.HistoryEntry{
		ZoneID:    zoneID,
		EnteredAt: now,
	})
	if len(c.state.RecentHistory) > store.MaxHistoryEntries {
		c.state.RecentHistory = c.state.RecentHistory[len(c.state.RecentHistory)-store.MaxHistoryEntries:]
	}

	if zoneID == store.ZoneIDUnknown {
		c.logger.Info("entered unknown zone")
		c.metrics.SetCurrentZone("")
		c.enterUnknown()
		return
	}

	zone, err := c.zones.Get(zoneID)
	if err != nil {
		// Zone deleted between match and enter; nothing to run.
		c.logger.Warn("entered zone no longer in store",
			slog.String("zone_id", zoneID),
		)
		return
	}

	c.logger.Info("zone entered",
		slog.String("zone_id", zoneID),
		slog.String("zone", zone.Name),
		slog.Float64("score", result.Score),
	)
	c.metrics.SetCurrentZone(zone.Name)

	if err := c.zones.RecordEntry(zoneID); err != nil {
		c.logger.Warn("record zone entry failed",
			slog.String("error", err.Error()),
		)
	}

	if zone.Actions.IsEmpty() {
		return
	}
	if zoneID == c.lastActionZoneID && !c.cfg.RerunOnReenter {
		c.logger.Debug("suppressing action re-run on re-entry",
			slog.String("zone", zone.Name),
		)
		return
	}

	c.lastActionZoneID = zoneID
	c.dispatch(PlanRequest{ZoneID: zoneID, ZoneName: zone.Name, Plan: zone.Actions})
}

// enterUnknown optionally queues the configured fallback zone's plan.
// The Unknown zone itself carries no actions.
func (c *Controller) enterUnknown() {
	if c.cfg.UnknownFallbackZone == "" {
		return
	}

	zone, err := c.zones.GetByName(c.cfg.UnknownFallbackZone)
	if err != nil {
		c.logger.Warn("unknown fallback zone not found",
			slog.String("zone", c.cfg.UnknownFallbackZone),
		)
		return
	}

	c.lastActionZoneID = store.ZoneIDUnknown
	c.dispatch(PlanRequest{ZoneID: zone.ID, ZoneName: zone.Name, Plan: zone.Actions})
}

// RecordPlanReport persists how far an action plan got. Called by the
// action runner after every plan, including one cut short by shutdown.
func (c *Controller) RecordPlanReport(report store.PlanReport) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state.LastPlan = &report
	if err := c.states.Save(c.state); err != nil {
		c.logger.Error("persist plan report failed",
			slog.String("error", err.Error()),
		)
	}
}

// DeleteZone removes a zone and garbage-collects its history entries.
func (c *Controller) DeleteZone(zoneID string) error {
	if err := c.zones.Delete(zoneID); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.state.RemoveZoneHistory(zoneID)
	if c.lastActionZoneID == zoneID {
		c.lastActionZoneID = ""
	}
	if err := c.states.Save(c.state); err != nil {
		c.logger.Error("persist daemon state failed",
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// Shutdown finalizes the state snapshot on daemon stop.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.tracker.Stop()
	if err := c.states.Save(c.state); err != nil {
		c.logger.Error("persist daemon state on shutdown failed",
			slog.String("error", err.Error()),
		)
	}
}

// labelFor maps a tracker zone id to a transition metric label.
func labelFor(zoneID string) string {
	switch zoneID {
	case "":
		return "init"
	case store.ZoneIDUnknown:
		return "unknown"
	default:
		return zoneID
	}
}
