package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/network-dmenu/zoned/internal/action"
	"github.com/network-dmenu/zoned/internal/config"
	"github.com/network-dmenu/zoned/internal/fingerprint"
	"github.com/network-dmenu/zoned/internal/geofence"
	"github.com/network-dmenu/zoned/internal/ipc"
	zonedmetrics "github.com/network-dmenu/zoned/internal/metrics"
	"github.com/network-dmenu/zoned/internal/notify"
	"github.com/network-dmenu/zoned/internal/scan"
	"github.com/network-dmenu/zoned/internal/store"
	appversion "github.com/network-dmenu/zoned/internal/version"
)

// metricsShutdownTimeout bounds draining the metrics HTTP server.
const metricsShutdownTimeout = 5 * time.Second

// runDaemon starts the daemon in the foreground and blocks until a signal
// or an IPC Stop request.
func runDaemon(cfg *config.Config, configPath string) int {
	// 1. Set up logger with dynamic level support for SIGHUP reload.
	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("zoned starting",
		slog.String("version", appversion.Version),
		slog.String("data_dir", cfg.DataDir()),
		slog.String("socket", cfg.SocketPath()),
		slog.String("privacy_mode", cfg.Fingerprint.PrivacyMode),
	)

	// 2. Open stores. An unwritable data directory is fatal.
	zones, err := store.Open(cfg.DataDir(), logger)
	if err != nil {
		logger.Error("open zone store failed", slog.String("error", err.Error()))
		return exitFailure
	}
	states, err := store.OpenState(cfg.DataDir(), logger)
	if err != nil {
		logger.Error("open state store failed", slog.String("error", err.Error()))
		return exitFailure
	}

	// 3. Create the metrics collector when enabled.
	var (
		collector *zonedmetrics.Collector
		registry  *prometheus.Registry
	)
	if cfg.Metrics.Enabled {
		registry = prometheus.NewRegistry()
		collector = zonedmetrics.NewCollector(registry)
	}

	// 4. Build the scan pipeline. Bluetooth participates only when the
	// privacy mode allows it.
	scanner := buildScanner(cfg, logger)

	// 5. Build the action executor over the detected collaborator toolkit.
	toolkit := action.DetectToolkit(cfg.Actions.Escalation, logger)
	executor := action.NewExecutor(toolkit, action.NewRunner(logger), nil, logger)

	// 6. Wire the daemon.
	notifier := notify.New(cfg.Notify.Enabled, cfg.Notify.OnError, logger)
	var reporter geofence.MetricsReporter
	if collector != nil {
		reporter = collector
	}
	d := geofence.NewDaemon(cfg, scanner, zones, states, executor, notifier, reporter, logger)

	// 7. Run everything under a signal-aware errgroup.
	if err := runServers(cfg, d, collector, registry, configPath, logLevel, logger); err != nil {
		if errors.Is(err, ipc.ErrAlreadyRunning) {
			logger.Error("another zoned instance is already running")
			return exitFailure
		}
		logger.Error("zoned exited with error", slog.String("error", err.Error()))
		return exitFailure
	}

	logger.Info("zoned stopped")
	return exitOK
}

// runServers runs the scheduler, IPC server, and optional metrics server
// with graceful shutdown on SIGINT/SIGTERM or IPC Stop.
func runServers(
	cfg *config.Config,
	d *geofence.Daemon,
	collector *zonedmetrics.Collector,
	registry *prometheus.Registry,
	configPath string,
	logLevel *slog.LevelVar,
	logger *slog.Logger,
) error {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	// An IPC Stop request cancels the same context the signals do.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var observe ipc.RequestObserver
	if collector != nil {
		observe = collector.RecordIPCRequest
	}
	ipcSrv := ipc.NewServer(cfg.SocketPath(), d, cancel, observe, logger)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return d.Run(gCtx)
	})
	g.Go(func() error {
		return ipcSrv.Run(gCtx)
	})

	if registry != nil {
		g.Go(func() error {
			return runMetricsServer(gCtx, cfg.Metrics, registry, logger)
		})
	}

	g.Go(func() error {
		return runWatchdog(gCtx, logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(gCtx, sigHUP, configPath, logLevel, logger)
		return nil
	})

	notifyReady(logger)

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

// buildScanner assembles the composite scanner from the configured WiFi
// backend and, when the privacy mode includes Bluetooth, the BlueZ
// adapter.
func buildScanner(cfg *config.Config, logger *slog.Logger) *scan.Scanner {
	wifi := scan.DetectWiFiBackend(cfg.Scan.WiFiBackend, cfg.Scan.Interface, logger)

	var bt scan.BluetoothScanner
	if fingerprint.ParseMode(cfg.Fingerprint.PrivacyMode).IncludesBluetooth() {
		bt = scan.NewBlueZScanner(cfg.Scan.BluetoothWindow, logger)
	}

	return scan.NewScanner(wifi, bt, cfg.Scan.Timeout, logger)
}

// runMetricsServer serves the Prometheus endpoint until ctx is cancelled.
func runMetricsServer(
	ctx context.Context,
	cfg config.MetricsConfig,
	registry *prometheus.Registry,
	logger *slog.Logger,
) error {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Addr, err)
	}

	logger.Info("metrics server listening",
		slog.String("addr", cfg.Addr),
		slog.String("path", cfg.Path),
	)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(
			context.WithoutCancel(ctx), metricsShutdownTimeout,
		)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", cfg.Addr, err)
	}
	return nil
}

// -------------------------------------------------------------------------
// Systemd Integration — sd_notify + watchdog
// -------------------------------------------------------------------------

// notifyReady sends READY=1 to systemd, indicating the daemon has
// completed initialization and is ready to serve.
func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

// runWatchdog sends periodic watchdog keepalives to systemd. The interval
// is WatchdogSec/2 as recommended by the systemd documentation. If the
// watchdog is not configured, the goroutine exits immediately.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog",
			slog.String("error", err.Error()),
		)
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval),
		slog.Duration("keepalive_interval", tickInterval),
	)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, wdErr := daemon.SdNotify(false, daemon.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive",
					slog.String("error", wdErr.Error()),
				)
			}
		}
	}
}

// -------------------------------------------------------------------------
// SIGHUP Reload — log level
// -------------------------------------------------------------------------

// handleSIGHUP listens for SIGHUP and reloads the configuration. Only the
// log level is applied at runtime; scan and matcher tunables take effect
// on restart. Blocks until the context is cancelled.
func handleSIGHUP(
	ctx context.Context,
	sigHUP <-chan os.Signal,
	configPath string,
	logLevel *slog.LevelVar,
	logger *slog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			logger.Info("received SIGHUP, reloading configuration")
			newCfg, err := loadConfig(configPath)
			if err != nil {
				logger.Error("failed to reload configuration, keeping current settings",
					slog.String("error", err.Error()),
				)
				continue
			}

			oldLevel := logLevel.Level()
			newLevel := config.ParseLogLevel(newCfg.Log.Level)
			logLevel.Set(newLevel)

			logger.Info("configuration reloaded",
				slog.String("old_log_level", oldLevel.String()),
				slog.String("new_log_level", newLevel.String()),
			)
		}
	}
}

// newLoggerWithLevel creates a structured logger using a shared LevelVar
// for dynamic log level changes via SIGHUP reload.
func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
