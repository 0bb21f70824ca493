// Package config manages zoned daemon configuration using koanf/v2.
//
// Supports YAML files and environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete zoned configuration.
type Config struct {
	Metrics     MetricsConfig     `koanf:"metrics"`
	Log         LogConfig         `koanf:"log"`
	Data        DataConfig        `koanf:"data"`
	Scan        ScanConfig        `koanf:"scan"`
	Fingerprint FingerprintConfig `koanf:"fingerprint"`
	Match       MatchConfig       `koanf:"match"`
	Transition  TransitionConfig  `koanf:"transition"`
	Actions     ActionsConfig     `koanf:"actions"`
	Notify      NotifyConfig      `koanf:"notify"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
// The endpoint binds to localhost by default; nothing is pushed off-host.
type MetricsConfig struct {
	// Enabled toggles the metrics HTTP server.
	Enabled bool `koanf:"enabled"`
	// Addr is the HTTP listen address for the metrics endpoint.
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// DataConfig holds filesystem layout overrides.
type DataConfig struct {
	// Dir overrides the persistent state directory. Empty means
	// ${XDG_DATA_HOME:-~/.local/share}/network-dmenu.
	Dir string `koanf:"dir"`

	// SocketPath overrides the IPC socket path. Empty means
	// ${XDG_RUNTIME_DIR}/network-dmenu-daemon.sock, falling back to /tmp.
	SocketPath string `koanf:"socket_path"`
}

// ScanConfig holds the signal scanner configuration.
type ScanConfig struct {
	// Interval is the base scan interval. The daemon adapts between
	// MinInterval and MaxInterval around this value.
	Interval time.Duration `koanf:"interval"`

	// MinInterval is the floor for the adaptive scan interval.
	MinInterval time.Duration `koanf:"min_interval"`

	// MaxInterval is the ceiling for the adaptive scan interval.
	MaxInterval time.Duration `koanf:"max_interval"`

	// Timeout bounds a single WiFi scan invocation.
	Timeout time.Duration `koanf:"timeout"`

	// WiFiBackend selects the WiFi scan backend: "auto", "networkmanager",
	// or "iwd". "auto" probes for nmcli first, then iwctl.
	WiFiBackend string `koanf:"wifi_backend"`

	// Interface pins the wireless interface for the iwd backend.
	// Empty means the first station reported by iwctl.
	Interface string `koanf:"interface"`

	// BluetoothWindow bounds a single Bluetooth discovery. The discovery
	// never blocks the scheduler beyond this window.
	BluetoothWindow time.Duration `koanf:"bluetooth_window"`
}

// FingerprintConfig holds the fingerprinting policy.
type FingerprintConfig struct {
	// PrivacyMode is one of "low", "medium", "high".
	// Medium and high hash all radio identifiers; high additionally
	// drops Bluetooth from the fingerprint entirely.
	PrivacyMode string `koanf:"privacy_mode"`

	// Salt is mixed into identifier hashes. Changing it invalidates all
	// stored zone fingerprints.
	Salt string `koanf:"salt"`

	// MaxNetworks caps the number of WiFi entries kept per fingerprint.
	// Stronger signals are kept; they are the more stable ones.
	MaxNetworks int `koanf:"max_networks"`
}

// MatchConfig holds the zone matcher weights and the default threshold
// applied to newly created zones.
type MatchConfig struct {
	// WiFiWeight scales the Jaccard similarity of WiFi identifier sets.
	WiFiWeight float64 `koanf:"wifi_weight"`

	// ConnectedWeight scales the connected-AP equality term.
	ConnectedWeight float64 `koanf:"connected_weight"`

	// SignalWeight scales the signal bucket agreement term.
	SignalWeight float64 `koanf:"signal_weight"`

	// BluetoothWeight scales the Jaccard similarity of Bluetooth sets.
	// Redistributed into WiFiWeight when privacy mode disables Bluetooth.
	BluetoothWeight float64 `koanf:"bluetooth_weight"`

	// DefaultThreshold is the confidence threshold for new zones.
	DefaultThreshold float64 `koanf:"default_threshold"`
}

// TransitionConfig holds the transition controller tunables.
type TransitionConfig struct {
	// DebounceCount is the number of consecutive scans a candidate zone
	// must be observed before a transition fires.
	DebounceCount int `koanf:"debounce_count"`

	// CloseScoreMargin is the score gap below which the top two candidates
	// are considered ambiguous, keeping the scan interval at its floor.
	CloseScoreMargin float64 `koanf:"close_score_margin"`
}

// ActionsConfig holds the action executor configuration.
type ActionsConfig struct {
	// StepTimeout bounds each action step.
	StepTimeout time.Duration `koanf:"step_timeout"`

	// ShutdownStepTimeout replaces StepTimeout while the daemon is
	// draining its final action plan during shutdown.
	ShutdownStepTimeout time.Duration `koanf:"shutdown_step_timeout"`

	// Escalation selects the privilege escalation wrapper: "auto", "sudo",
	// "doas", "pkexec", or "none". "auto" probes in that order.
	Escalation string `koanf:"escalation"`

	// RerunOnReenter re-executes a zone's actions when the same zone is
	// re-entered after a pass through Unknown.
	RerunOnReenter bool `koanf:"rerun_on_reenter"`

	// UnknownFallbackZone names a stored zone whose actions run when the
	// daemon enters the Unknown state. Empty disables the fallback.
	UnknownFallbackZone string `koanf:"unknown_fallback_zone"`
}

// NotifyConfig holds the desktop notification policy.
type NotifyConfig struct {
	// Enabled toggles desktop notifications on zone entry.
	Enabled bool `koanf:"enabled"`

	// OnError also emits notifications for scan and action failures.
	OnError bool `koanf:"on_error"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// Default filesystem names under the data directory and runtime directory.
const (
	// DataDirName is the subdirectory under XDG_DATA_HOME holding state.
	DataDirName = "network-dmenu"

	// SocketFileName is the IPC socket filename under XDG_RUNTIME_DIR.
	SocketFileName = "network-dmenu-daemon.sock"
)

// DefaultConfig returns a Config populated with sensible defaults.
//
// The 30s base interval keeps the radio mostly idle while still reacting
// to a location change within roughly one debounce window (2 scans).
func DefaultConfig() *Config {
	return &Config{
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9811",
			Path:    "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Scan: ScanConfig{
			Interval:        30 * time.Second,
			MinInterval:     5 * time.Second,
			MaxInterval:     120 * time.Second,
			Timeout:         10 * time.Second,
			WiFiBackend:     "auto",
			BluetoothWindow: 2 * time.Second,
		},
		Fingerprint: FingerprintConfig{
			PrivacyMode: "medium",
			MaxNetworks: 16,
		},
		Match: MatchConfig{
			WiFiWeight:       0.55,
			ConnectedWeight:  0.20,
			SignalWeight:     0.15,
			BluetoothWeight:  0.10,
			DefaultThreshold: 0.8,
		},
		Transition: TransitionConfig{
			DebounceCount:    2,
			CloseScoreMargin: 0.1,
		},
		Actions: ActionsConfig{
			StepTimeout:         15 * time.Second,
			ShutdownStepTimeout: 2 * time.Second,
			Escalation:          "auto",
		},
		Notify: NotifyConfig{
			Enabled: true,
		},
	}
}

// DataDir resolves the persistent state directory, honoring the config
// override, then XDG_DATA_HOME, then ~/.local/share.
func (c *Config) DataDir() string {
	if c.Data.Dir != "" {
		return c.Data.Dir
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, DataDirName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		// Last resort: relative to cwd. The store surfaces the real error
		// when the directory cannot be created.
		return DataDirName
	}
	return filepath.Join(home, ".local", "share", DataDirName)
}

// SocketPath resolves the IPC socket path, honoring the config override,
// then XDG_RUNTIME_DIR, then /tmp.
func (c *Config) SocketPath() string {
	if c.Data.SocketPath != "" {
		return c.Data.SocketPath
	}
	if runDir := os.Getenv("XDG_RUNTIME_DIR"); runDir != "" {
		return filepath.Join(runDir, SocketFileName)
	}
	return filepath.Join(os.TempDir(), SocketFileName)
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for zoned configuration.
// Variables are named ZONED_<section>_<key>, e.g., ZONED_LOG_LEVEL.
const envPrefix = "ZONED_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (ZONED_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	ZONED_LOG_LEVEL              -> log.level
//	ZONED_METRICS_ADDR           -> metrics.addr
//	ZONED_DATA_DIR               -> data.dir
//	ZONED_FINGERPRINT_SALT       -> fingerprint.salt
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load defaults first.
	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	// Load YAML file on top of defaults.
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	// Load environment variable overrides on top of YAML.
	// ZONED_LOG_LEVEL -> log.level (strip prefix, lowercase, _ -> .).
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms ZONED_LOG_LEVEL -> log.level.
// Strips the ZONED_ prefix, lowercases, and replaces _ with .
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"metrics.enabled":               defaults.Metrics.Enabled,
		"metrics.addr":                  defaults.Metrics.Addr,
		"metrics.path":                  defaults.Metrics.Path,
		"log.level":                     defaults.Log.Level,
		"log.format":                    defaults.Log.Format,
		"scan.interval":                 defaults.Scan.Interval.String(),
		"scan.min_interval":             defaults.Scan.MinInterval.String(),
		"scan.max_interval":             defaults.Scan.MaxInterval.String(),
		"scan.timeout":                  defaults.Scan.Timeout.String(),
		"scan.wifi_backend":             defaults.Scan.WiFiBackend,
		"scan.bluetooth_window":         defaults.Scan.BluetoothWindow.String(),
		"fingerprint.privacy_mode":      defaults.Fingerprint.PrivacyMode,
		"fingerprint.max_networks":      defaults.Fingerprint.MaxNetworks,
		"match.wifi_weight":             defaults.Match.WiFiWeight,
		"match.connected_weight":        defaults.Match.ConnectedWeight,
		"match.signal_weight":           defaults.Match.SignalWeight,
		"match.bluetooth_weight":        defaults.Match.BluetoothWeight,
		"match.default_threshold":       defaults.Match.DefaultThreshold,
		"transition.debounce_count":     defaults.Transition.DebounceCount,
		"transition.close_score_margin": defaults.Transition.CloseScoreMargin,
		"actions.step_timeout":          defaults.Actions.StepTimeout.String(),
		"actions.shutdown_step_timeout": defaults.Actions.ShutdownStepTimeout.String(),
		"actions.escalation":            defaults.Actions.Escalation,
		"notify.enabled":                defaults.Notify.Enabled,
		"notify.on_error":               defaults.Notify.OnError,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrInvalidPrivacyMode indicates an unrecognized privacy mode string.
	ErrInvalidPrivacyMode = errors.New("fingerprint.privacy_mode must be low, medium, or high")

	// ErrInvalidThreshold indicates the default threshold is out of range.
	ErrInvalidThreshold = errors.New("match.default_threshold must be within [0, 1]")

	// ErrInvalidWeights indicates the matcher weights do not sum to 1.
	ErrInvalidWeights = errors.New("match weights must sum to 1")

	// ErrInvalidDebounce indicates the debounce count is below 1.
	ErrInvalidDebounce = errors.New("transition.debounce_count must be >= 1")

	// ErrInvalidInterval indicates a non-positive scan interval.
	ErrInvalidInterval = errors.New("scan intervals must be > 0")

	// ErrIntervalOrder indicates min/base/max intervals are not ordered.
	ErrIntervalOrder = errors.New("scan.min_interval <= scan.interval <= scan.max_interval required")

	// ErrInvalidWiFiBackend indicates an unrecognized scan backend.
	ErrInvalidWiFiBackend = errors.New("scan.wifi_backend must be auto, networkmanager, or iwd")

	// ErrInvalidEscalation indicates an unrecognized escalation wrapper.
	ErrInvalidEscalation = errors.New("actions.escalation must be auto, sudo, doas, pkexec, or none")

	// ErrInvalidMaxNetworks indicates a non-positive fingerprint cap.
	ErrInvalidMaxNetworks = errors.New("fingerprint.max_networks must be >= 1")
)

// weightSumTolerance absorbs float accumulation error when checking that
// the matcher weights sum to 1.
const weightSumTolerance = 1e-6

// ValidPrivacyModes lists the recognized privacy mode strings.
var ValidPrivacyModes = map[string]bool{
	"low":    true,
	"medium": true,
	"high":   true,
}

// ValidWiFiBackends lists the recognized WiFi backend strings.
var ValidWiFiBackends = map[string]bool{
	"auto":           true,
	"networkmanager": true,
	"iwd":            true,
}

// ValidEscalations lists the recognized privilege escalation strings.
var ValidEscalations = map[string]bool{
	"auto":   true,
	"sudo":   true,
	"doas":   true,
	"pkexec": true,
	"none":   true,
}

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if !ValidPrivacyModes[cfg.Fingerprint.PrivacyMode] {
		return fmt.Errorf("%w: got %q", ErrInvalidPrivacyMode, cfg.Fingerprint.PrivacyMode)
	}

	if cfg.Fingerprint.MaxNetworks < 1 {
		return ErrInvalidMaxNetworks
	}

	if cfg.Match.DefaultThreshold < 0 || cfg.Match.DefaultThreshold > 1 {
		return ErrInvalidThreshold
	}

	sum := cfg.Match.WiFiWeight + cfg.Match.ConnectedWeight +
		cfg.Match.SignalWeight + cfg.Match.BluetoothWeight
	if math.Abs(sum-1.0) > weightSumTolerance {
		return fmt.Errorf("%w: got %v", ErrInvalidWeights, sum)
	}

	if cfg.Transition.DebounceCount < 1 {
		return ErrInvalidDebounce
	}

	if cfg.Scan.Interval <= 0 || cfg.Scan.MinInterval <= 0 ||
		cfg.Scan.MaxInterval <= 0 || cfg.Scan.Timeout <= 0 {
		return ErrInvalidInterval
	}

	if cfg.Scan.MinInterval > cfg.Scan.Interval || cfg.Scan.Interval > cfg.Scan.MaxInterval {
		return ErrIntervalOrder
	}

	if !ValidWiFiBackends[cfg.Scan.WiFiBackend] {
		return fmt.Errorf("%w: got %q", ErrInvalidWiFiBackend, cfg.Scan.WiFiBackend)
	}

	if !ValidEscalations[cfg.Actions.Escalation] {
		return fmt.Errorf("%w: got %q", ErrInvalidEscalation, cfg.Actions.Escalation)
	}

	return nil
}

// ParseLogLevel converts a level string to slog.Level. Unknown strings
// fall back to Info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
