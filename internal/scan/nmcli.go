package scan

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
)

// nmcliFields is the terse field list requested from nmcli. The order here
// must match the positional parsing in parseNMCLILine.
const nmcliFields = "IN-USE,BSSID,SSID,SIGNAL,FREQ,CHAN,SECURITY"

// nmcliFieldCount is the number of fields in nmcliFields.
const nmcliFieldCount = 7

// NMCLIScanner scans WiFi via NetworkManager's nmcli in terse mode.
//
// Terse mode separates fields with ':' and escapes literal ':' and '\'
// inside field values with a backslash -- BSSIDs arrive as
// "AA\:BB\:CC\:DD\:EE\:FF". splitEscaped undoes that.
type NMCLIScanner struct {
	path   string
	logger *slog.Logger
}

// NewNMCLIScanner creates an nmcli-backed scanner. path is the resolved
// nmcli binary path.
func NewNMCLIScanner(path string, logger *slog.Logger) *NMCLIScanner {
	return &NMCLIScanner{
		path:   path,
		logger: logger.With(slog.String("component", "scan.nmcli")),
	}
}

// ScanWiFi runs "nmcli device wifi list --rescan yes" and parses the output.
//
// An exit status of 0 with no rows means no networks are visible (radio off
// or no interface) -- that is an empty, successful scan. A non-zero exit
// surfaces ErrUnavailable.
func (n *NMCLIScanner) ScanWiFi(ctx context.Context) ([]WiFiNetwork, error) {
	cmd := exec.CommandContext(ctx, n.path,
		"-t", "-f", nmcliFields,
		"device", "wifi", "list", "--rescan", "yes",
	)

	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("%w: nmcli: %w", ErrUnavailable, err)
	}

	return n.parseOutput(string(out)), nil
}

// parseOutput parses the full terse nmcli output. Rows that fail to parse
// are skipped individually; a single malformed row never aborts the scan.
func (n *NMCLIScanner) parseOutput(out string) []WiFiNetwork {
	var networks []WiFiNetwork
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		nw, err := parseNMCLILine(line)
		if err != nil {
			n.logger.Debug("skipping unparseable nmcli row",
				slog.String("error", err.Error()),
			)
			continue
		}
		networks = append(networks, nw)
	}
	return networks
}

// parseNMCLILine parses one terse row:
//
//	*:AA\:BB\:CC\:DD\:EE\:FF:homenet:72:2437 MHz:6:WPA2
func parseNMCLILine(line string) (WiFiNetwork, error) {
	fields := splitEscaped(line, ':')
	if len(fields) < nmcliFieldCount {
		return WiFiNetwork{}, fmt.Errorf("%w: %d fields, want %d", ErrMalformed, len(fields), nmcliFieldCount)
	}

	bssid := NormalizeMAC(fields[1])
	if bssid == "" {
		return WiFiNetwork{}, fmt.Errorf("%w: bad bssid %q", ErrMalformed, fields[1])
	}

	percent, err := strconv.Atoi(fields[3])
	if err != nil {
		return WiFiNetwork{}, fmt.Errorf("%w: bad signal %q", ErrMalformed, fields[3])
	}

	return WiFiNetwork{
		BSSID:        bssid,
		SSID:         fields[2],
		SignalDBm:    PercentToDBm(percent),
		FrequencyMHz: parseLeadingInt(fields[4]),
		Channel:      parseLeadingInt(fields[5]),
		Security:     ParseSecurity(fields[6]),
		Connected:    fields[0] == "*",
	}, nil
}

// splitEscaped splits s on sep, honoring backslash escapes: "\:" yields a
// literal separator inside a field and "\\" a literal backslash.
func splitEscaped(s string, sep byte) []string {
	var fields []string
	var cur strings.Builder

	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			cur.WriteByte(c)
			escaped = false
		case c == '\\':
			escaped = true
		case c == sep:
			fields = append(fields, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	fields = append(fields, cur.String())
	return fields
}

// parseLeadingInt extracts the leading integer from a string such as
// "2437 MHz". Returns 0 when no digits lead the string.
func parseLeadingInt(s string) int {
	s = strings.TrimSpace(s)
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0
	}
	v, err := strconv.Atoi(s[:end])
	if err != nil {
		return 0
	}
	return v
}
