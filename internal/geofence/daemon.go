package geofence

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/network-dmenu/zoned/internal/action"
	"github.com/network-dmenu/zoned/internal/config"
	"github.com/network-dmenu/zoned/internal/fingerprint"
	"github.com/network-dmenu/zoned/internal/match"
	"github.com/network-dmenu/zoned/internal/scan"
	"github.com/network-dmenu/zoned/internal/store"
)

// ErrStopping is returned to IPC handlers racing daemon shutdown.
var ErrStopping = errors.New("daemon stopping")

// Notifier is the user-visible notification surface; implemented by the
// notify package, no-op'd in tests.
type Notifier interface {
	// ZoneEntered summarizes the action outcomes of a zone entry.
	ZoneEntered(zoneName string, results []action.StepResult)

	// Failure reports a scan or action failure (policy-gated).
	Failure(subject, detail string)
}

// NoopNotifier discards all notifications.
type NoopNotifier struct{}

func (NoopNotifier) ZoneEntered(string, []action.StepResult) {}
func (NoopNotifier) Failure(string, string)                  {}

// Daemon is the long-lived scheduler: it runs scans at adaptive
// intervals, feeds the controller, and owns the action runner.
//
// Concurrency model: scans are strictly serial on the scheduler
// goroutine; IPC handlers that need a fresh fingerprint submit closures
// onto the scheduler's command channel; action plans run on a dedicated
// runner goroutine with a depth-1 newest-wins queue.
type Daemon struct {
	cfg      *config.Config
	scanner  *scan.Scanner
	matcher  *match.Matcher
	zones    *store.ZoneStore
	ctrl     *Controller
	executor *action.Executor
	notifier Notifier
	metrics  MetricsReporter
	logger   *slog.Logger

	fpOpts fingerprint.Options
	policy IntervalPolicy

	// Scheduler-owned; read by Status under statusMu.
	statusMu   sync.Mutex
	lastScanAt time.Time
	lastScore  float64
	startedAt  time.Time

	interval time.Duration
	failures int

	cmdCh  chan func()
	planCh chan PlanRequest

	// draining tightens action step timeouts during shutdown.
	draining  chan struct{}
	drainOnce sync.Once

	// stopped is closed when the scheduler loop exits.
	stopped chan struct{}
}

// NewDaemon wires the daemon from its parts. notifier and metrics may be
// nil (no-op).
func NewDaemon(
	cfg *config.Config,
	scanner *scan.Scanner,
	zones *store.ZoneStore,
	states *store.StateStore,
	executor *action.Executor,
	notifier Notifier,
	metrics MetricsReporter,
	logger *slog.Logger,
) *Daemon {
	if notifier == nil {
		notifier = NoopNotifier{}
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}

	d := &Daemon{
		cfg:     cfg,
		scanner: scanner,
		matcher: match.New(match.Weights{
			WiFi:      cfg.Match.WiFiWeight,
			Connected: cfg.Match.ConnectedWeight,
			Signal:    cfg.Match.SignalWeight,
			Bluetooth: cfg.Match.BluetoothWeight,
		}),
		zones:    zones,
		executor: executor,
		notifier: notifier,
		metrics:  metrics,
		logger:   logger.With(slog.String("component", "daemon")),
		fpOpts: fingerprint.Options{
			Mode:        fingerprint.ParseMode(cfg.Fingerprint.PrivacyMode),
			Salt:        cfg.Fingerprint.Salt,
			MaxNetworks: cfg.Fingerprint.MaxNetworks,
		},
		policy: IntervalPolicy{
			Base:             cfg.Scan.Interval,
			Min:              cfg.Scan.MinInterval,
			Max:              cfg.Scan.MaxInterval,
			CloseScoreMargin: cfg.Transition.CloseScoreMargin,
		},
		interval: cfg.Scan.Interval,
		cmdCh:    make(chan func()),
		planCh:   make(chan PlanRequest, 1),
		draining: make(chan struct{}),
		stopped:  make(chan struct{}),
	}

	d.ctrl = NewController(
		ControllerConfig{
			DebounceCount:       cfg.Transition.DebounceCount,
			RerunOnReenter:      cfg.Actions.RerunOnReenter,
			UnknownFallbackZone: cfg.Actions.UnknownFallbackZone,
		},
		zones, states, d.dispatchPlan, metrics, logger,
	)

	return d
}

// Controller exposes the transition controller (status, zone deletion).
func (d *Daemon) Controller() *Controller { return d.ctrl }

// Run executes the scheduler and action runner until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	d.statusMu.Lock()
	d.startedAt = time.Now()
	d.statusMu.Unlock()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return d.schedulerLoop(gCtx)
	})
	g.Go(func() error {
		return d.actionRunner(gCtx)
	})
	g.Go(func() error {
		// Mark the daemon as draining the moment shutdown begins; plans
		// started from then on use the shorter shutdown step timeout.
		<-gCtx.Done()
		d.drainOnce.Do(func() { close(d.draining) })
		return nil
	})

	err := g.Wait()
	d.ctrl.Shutdown()
	d.logger.Info("daemon stopped")
	return err
}

// schedulerLoop is the daemon tick loop. The first scan fires immediately.
func (d *Daemon) schedulerLoop(ctx context.Context) error {
	defer close(d.stopped)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case fn := <-d.cmdCh:
			fn()

		case <-timer.C:
			d.tick(ctx)
			timer.Reset(d.interval)
		}
	}
}

// tick performs one scan→fingerprint→match→transition cycle and adapts
// the scan interval.
func (d *Daemon) tick(ctx context.Context) {
	frame, err := d.scanner.Scan(ctx)
	if err != nil {
		d.failures++
		d.interval = d.policy.Backoff(d.failures)
		d.metrics.RecordScan(scanErrReason(err), 0, 0)
		d.metrics.SetScanInterval(d.interval)
		d.logger.Warn("scan failed, backing off",
			slog.String("error", err.Error()),
			slog.Duration("next_scan_in", d.interval),
			slog.Int("consecutive_failures", d.failures),
		)
		d.notifier.Failure("Signal scan failed", err.Error())
		return
	}
	d.failures = 0
	d.metrics.RecordScan("", len(frame.WiFi), len(frame.Bluetooth))

	fp := fingerprint.Compute(frame, d.fpOpts)
	result := d.matcher.Match(fp, d.zones.List())

	d.statusMu.Lock()
	d.lastScanAt = time.Now()
	d.lastScore = result.Score
	d.statusMu.Unlock()

	decision := d.ctrl.HandleMatch(result)
	if decision.Transition {
		d.logger.Info("zone transition",
			slog.String("from", labelFor(decision.From)),
			slog.String("to", labelFor(decision.To)),
		)
	}

	d.interval = d.policy.Next(d.interval, result, d.ctrl.LastTransitionAt(), time.Now())
	d.ctrl.SetScanInterval(d.interval)
	d.metrics.SetScanInterval(d.interval)
}

// scanErrReason maps a scan error to a metrics label.
func scanErrReason(err error) string {
	switch {
	case errors.Is(err, scan.ErrTimeout):
		return "timeout"
	case errors.Is(err, scan.ErrUnavailable):
		return "unavailable"
	case errors.Is(err, scan.ErrMalformed):
		return "malformed"
	default:
		return "other"
	}
}

// -------------------------------------------------------------------------
// Action Runner — one plan at a time, depth-1 newest-wins queue
// -------------------------------------------------------------------------

// dispatchPlan enqueues a plan for the runner. The queue has depth 1 and
// the newest plan wins: an older undelivered plan is dropped on arrival
// of a newer one (the zone it was for is already stale).
func (d *Daemon) dispatchPlan(req PlanRequest) {
	for {
		select {
		case d.planCh <- req:
			return
		default:
			select {
			case stale := <-d.planCh:
				d.logger.Debug("dropping superseded action plan",
					slog.String("zone", stale.ZoneName),
				)
			default:
			}
		}
	}
}

// actionRunner executes queued plans strictly serially. On shutdown it
// lets the in-flight plan run to its end, then exits.
func (d *Daemon) actionRunner(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case req := <-d.planCh:
			d.runPlan(ctx, req)
		}
	}
}

// runPlan executes one plan and records its report and notification.
func (d *Daemon) runPlan(ctx context.Context, req PlanRequest) {
	started := time.Now()

	// The plan itself runs on a detached context, so shutdown never tears
	// steps down mid-flight and the report below always says how far the
	// plan got. The step timeout is chosen once, here: a plan that starts
	// after shutdown begins uses the shutdown step timeout, while a plan
	// already running when shutdown begins keeps the normal one.
	execCtx := action.ExecutionContext{
		IfaceHint:   d.cfg.Scan.Interface,
		StepTimeout: d.stepTimeout(),
	}
	results := d.executor.Execute(
		context.WithoutCancel(ctx), req.ZoneID, req.ZoneName, req.Plan, execCtx,
	)

	report := store.PlanReport{
		ZoneID:     req.ZoneID,
		ZoneName:   req.ZoneName,
		StartedAt:  started,
		FinishedAt: time.Now(),
		Completed:  allRan(results),
		Steps:      make([]store.StepRecord, 0, len(results)),
	}
	for _, r := range results {
		report.Steps = append(report.Steps, store.StepRecord{
			Tag:     r.Tag,
			Outcome: string(r.Outcome),
			Detail:  r.Detail,
		})
		d.metrics.RecordActionStep(r.Tag, string(r.Outcome))
	}
	d.ctrl.RecordPlanReport(report)

	d.notifier.ZoneEntered(req.ZoneName, results)
}

// stepTimeout returns the per-step timeout, tightened while draining.
func (d *Daemon) stepTimeout() time.Duration {
	select {
	case <-d.draining:
		return d.cfg.Actions.ShutdownStepTimeout
	default:
		return d.cfg.Actions.StepTimeout
	}
}

// allRan reports whether no step was skipped by a plan abort.
func allRan(results []action.StepResult) bool {
	for _, r := range results {
		if r.Outcome == action.OutcomeSkipped && r.Detail == "plan aborted" {
			return false
		}
	}
	return true
}

// -------------------------------------------------------------------------
// Scheduler command channel — serialized on-demand work
// -------------------------------------------------------------------------

// runOnLoop executes fn on the scheduler goroutine, keeping on-demand
// scans strictly serial with scheduled ones. Blocks until fn completes,
// ctx is cancelled, or the daemon stops.
func (d *Daemon) runOnLoop(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		fn()
	}

	select {
	case d.cmdCh <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	case <-d.stopped:
		return ErrStopping
	}

	select {
	case <-done:
		return nil
	case <-d.stopped:
		return ErrStopping
	}
}

// CaptureFingerprint performs an immediate scan+fingerprint on the
// scheduler goroutine. Used by CreateZone/SampleZone/WhereAmI handlers.
func (d *Daemon) CaptureFingerprint(ctx context.Context) (fingerprint.Fingerprint, error) {
	var (
		fp      fingerprint.Fingerprint
		scanErr error
	)

	err := d.runOnLoop(ctx, func() {
		frame, err := d.scanner.Scan(ctx)
		if err != nil {
			scanErr = err
			return
		}
		fp = fingerprint.Compute(frame, d.fpOpts)
	})
	if err != nil {
		return fingerprint.Fingerprint{}, err
	}
	if scanErr != nil {
		return fingerprint.Fingerprint{}, scanErr
	}
	return fp, nil
}

// MatchNow scores a fingerprint against the current zone set.
func (d *Daemon) MatchNow(fp fingerprint.Fingerprint) match.Result {
	return d.matcher.Match(fp, d.zones.List())
}
