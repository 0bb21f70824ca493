package scan

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
)

// IWCTLScanner scans WiFi via iwd's iwctl, used as the fallback when
// NetworkManager is absent.
//
// iwctl does not expose BSSIDs in its get-networks table, so entries carry
// an empty BSSID; the fingerprinter derives identifiers from the SSID in
// that case. Signal is reported either in dBm or as a 1-4 star rating
// depending on the iwd version.
type IWCTLScanner struct {
	path   string
	iface  string
	logger *slog.Logger
}

// NewIWCTLScanner creates an iwctl-backed scanner. iface may be empty, in
// which case the first station from "iwctl station list" is used.
func NewIWCTLScanner(path, iface string, logger *slog.Logger) *IWCTLScanner {
	return &IWCTLScanner{
		path:   path,
		iface:  iface,
		logger: logger.With(slog.String("component", "scan.iwctl")),
	}
}

// ansiEscapes strips terminal color/control sequences that iwctl emits
// even when not attached to a TTY.
var ansiEscapes = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// starSignal maps an iwctl star rating (number of '*') to approximate dBm.
// The thresholds mirror iwd's own display buckets.
var starSignal = map[int]int{
	4: -50,
	3: -60,
	2: -70,
	1: -85,
}

// ScanWiFi runs "iwctl station <iface> get-networks" and parses the table.
func (s *IWCTLScanner) ScanWiFi(ctx context.Context) ([]WiFiNetwork, error) {
	iface := s.iface
	if iface == "" {
		detected, err := s.detectStation(ctx)
		if err != nil {
			return nil, err
		}
		if detected == "" {
			// No station device: WiFi is simply not present. Empty scan.
			return nil, nil
		}
		iface = detected
	}

	cmd := exec.CommandContext(ctx, s.path, "station", iface, "get-networks")
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("%w: iwctl: %w", ErrUnavailable, err)
	}

	return s.parseNetworks(string(out)), nil
}

// detectStation returns the first station device name, or "" when iwd
// manages no wireless device.
func (s *IWCTLScanner) detectStation(ctx context.Context) (string, error) {
	cmd := exec.CommandContext(ctx, s.path, "station", "list")
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return "", ErrTimeout
		}
		return "", fmt.Errorf("%w: iwctl station list: %w", ErrUnavailable, err)
	}

	for _, line := range strings.Split(ansiEscapes.ReplaceAllString(string(out), ""), "\n") {
		fields := strings.Fields(line)
		// Station rows look like: "wlan0  connected  ..." -- skip the
		// header and rule lines.
		if len(fields) < 2 || !strings.HasPrefix(fields[0], "wl") {
			continue
		}
		return fields[0], nil
	}
	return "", nil
}

// parseNetworks parses the get-networks table. Rows that fail to parse are
// skipped individually.
func (s *IWCTLScanner) parseNetworks(out string) []WiFiNetwork {
	var networks []WiFiNetwork

	for _, raw := range strings.Split(out, "\n") {
		line := strings.TrimRight(ansiEscapes.ReplaceAllString(raw, ""), " \r")
		nw, ok := parseIWCTLLine(line)
		if !ok {
			continue
		}
		networks = append(networks, nw)
	}
	return networks
}

// parseIWCTLLine parses one network row:
//
//	      homenet             psk       ****
//	  >   coffeeshop          open      -62 dBm
//
// The '>' marker flags the connected network. Returns ok=false for the
// header, rule lines, and anything else that does not look like a row.
func parseIWCTLLine(line string) (WiFiNetwork, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" ||
		strings.HasPrefix(trimmed, "Network name") ||
		strings.HasPrefix(trimmed, "Available networks") ||
		strings.HasPrefix(trimmed, "-") {
		return WiFiNetwork{}, false
	}

	connected := false
	if strings.HasPrefix(trimmed, ">") {
		connected = true
		trimmed = strings.TrimSpace(strings.TrimPrefix(trimmed, ">"))
	}

	fields := strings.Fields(trimmed)
	if len(fields) < 3 {
		return WiFiNetwork{}, false
	}

	// Signal is the trailing column: either "****"-style stars or
	// "-62 dBm" (two fields). Security sits immediately before it.
	var dbm int
	var secIdx int
	last := fields[len(fields)-1]
	switch {
	case strings.Trim(last, "*") == "":
		stars := len(last)
		v, ok := starSignal[stars]
		if !ok {
			return WiFiNetwork{}, false
		}
		dbm = v
		secIdx = len(fields) - 2
	case last == "dBm" && len(fields) >= 4:
		v, err := strconv.Atoi(fields[len(fields)-2])
		if err != nil {
			return WiFiNetwork{}, false
		}
		dbm = ClampDBm(v)
		secIdx = len(fields) - 3
	default:
		return WiFiNetwork{}, false
	}

	if secIdx < 1 {
		return WiFiNetwork{}, false
	}

	return WiFiNetwork{
		SSID:      strings.Join(fields[:secIdx], " "),
		SignalDBm: dbm,
		Security:  ParseSecurity(fields[secIdx]),
		Connected: connected,
	}, true
}
