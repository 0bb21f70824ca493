package scan

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
)

// DetectWiFiBackend probes for a WiFi scan backend per the configured
// preference ("auto", "networkmanager", "iwd") and returns the scanner.
//
// "auto" prefers NetworkManager and falls back to iwd. When neither binary
// is on PATH the returned scanner reports ErrUnavailable on every scan --
// the daemon keeps running (and retrying with backoff) rather than exiting,
// since the backend may appear later.
func DetectWiFiBackend(backend, iface string, logger *slog.Logger) WiFiScanner {
	log := logger.With(slog.String("component", "scan.detect"))

	tryNM := backend == "auto" || backend == "networkmanager"
	tryIWD := backend == "auto" || backend == "iwd"

	if tryNM {
		if path, err := exec.LookPath("nmcli"); err == nil {
			log.Info("wifi backend selected",
				slog.String("backend", "networkmanager"),
				slog.String("path", path),
			)
			return NewNMCLIScanner(path, logger)
		}
	}

	if tryIWD {
		if path, err := exec.LookPath("iwctl"); err == nil {
			log.Info("wifi backend selected",
				slog.String("backend", "iwd"),
				slog.String("path", path),
			)
			return NewIWCTLScanner(path, iface, logger)
		}
	}

	log.Warn("no wifi backend found, scans will report unavailable",
		slog.String("preference", backend),
	)
	return unavailableScanner{}
}

// unavailableScanner is the null backend used when neither nmcli nor iwctl
// exists. Every scan fails with ErrUnavailable; the scheduler backs off.
type unavailableScanner struct{}

func (unavailableScanner) ScanWiFi(_ context.Context) ([]WiFiNetwork, error) {
	return nil, fmt.Errorf("%w: no backend binary found", ErrUnavailable)
}
