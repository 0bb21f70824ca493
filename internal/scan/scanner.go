package scan

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Sentinel errors for the scan package.
var (
	// ErrUnavailable indicates no WiFi backend could produce a scan
	// (binary missing, backend errored). Distinct from an empty scan.
	ErrUnavailable = errors.New("wifi scan unavailable")

	// ErrTimeout indicates the scan exceeded its deadline.
	ErrTimeout = errors.New("scan timed out")

	// ErrMalformed indicates the backend output could not be parsed at all.
	// Individual malformed rows are skipped without raising this.
	ErrMalformed = errors.New("scan output malformed")
)

// WiFiScanner produces the WiFi half of a SignalFrame.
type WiFiScanner interface {
	// ScanWiFi performs one WiFi scan. An empty result with a nil error
	// means no networks are visible (e.g., radio off) -- that is success.
	ScanWiFi(ctx context.Context) ([]WiFiNetwork, error)
}

// BluetoothScanner produces the Bluetooth half of a SignalFrame.
type BluetoothScanner interface {
	// ScanBluetooth performs one bounded Bluetooth discovery. An empty
	// result with a nil error means no controller or no devices.
	ScanBluetooth(ctx context.Context) ([]BluetoothDevice, error)
}

// Scanner combines the WiFi and Bluetooth backends into the single
// capability the daemon loop schedules.
type Scanner struct {
	wifi    WiFiScanner
	bt      BluetoothScanner // nil when Bluetooth is disabled by privacy mode
	timeout time.Duration
	logger  *slog.Logger
}

// NewScanner builds a Scanner from the given backends. bt may be nil to
// disable Bluetooth scanning entirely (privacy mode high, or no config).
func NewScanner(wifi WiFiScanner, bt BluetoothScanner, timeout time.Duration, logger *slog.Logger) *Scanner {
	return &Scanner{
		wifi:    wifi,
		bt:      bt,
		timeout: timeout,
		logger:  logger.With(slog.String("component", "scan")),
	}
}

// Scan performs one full scan and returns the resulting frame.
//
// Failure semantics: a WiFi failure fails the scan; a Bluetooth failure
// only empties the Bluetooth list (partial success). The whole scan is
// bounded by the configured timeout.
func (s *Scanner) Scan(ctx context.Context) (*SignalFrame, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	networks, err := s.wifi.ScanWiFi(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrTimeout
		}
		return nil, err
	}

	frame := &SignalFrame{WiFi: networks}

	if s.bt != nil {
		devices, btErr := s.bt.ScanBluetooth(ctx)
		if btErr != nil {
			// Partial failure: WiFi succeeded, so the frame stands with
			// an empty Bluetooth list.
			s.logger.Debug("bluetooth scan failed",
				slog.String("error", btErr.Error()),
			)
		} else {
			frame.Bluetooth = devices
		}
	}

	frame.CapturedAt = time.Now()
	return frame, nil
}
