// Package commands implements the zonectl CLI commands.
package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/network-dmenu/zoned/internal/ipc"
	"github.com/network-dmenu/zoned/internal/store"
)

const (
	formatJSON  = "json"
	formatTable = "table"
	formatYAML  = "yaml"
)

// errUnsupportedFormat is returned when the requested output format is
// not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// Process exit codes, one per error class.
const (
	exitFailure    = 1
	exitNotRunning = 2
	exitConflict   = 3
)

// responseError converts an Error response to a Go error carrying its code.
type responseError struct {
	code    string
	message string
}

func (e *responseError) Error() string { return e.message }

// asError converts an Error response to an error; nil otherwise.
func asError(resp ipc.Response) error {
	if resp.Kind != ipc.RespError {
		return nil
	}
	return &responseError{code: resp.Code, message: resp.Message}
}

// exitCode maps an error to the zonectl exit code convention.
func exitCode(err error) int {
	if errors.Is(err, ipc.ErrNotRunning) {
		return exitNotRunning
	}
	var re *responseError
	if errors.As(err, &re) {
		switch re.code {
		case ipc.CodeNotFound, ipc.CodeDuplicateName:
			return exitConflict
		}
	}
	return exitFailure
}

// renderStructured marshals v as JSON or YAML.
func renderStructured(v any, format string) (string, error) {
	switch format {
	case formatJSON:
		out, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshal json: %w", err)
		}
		return string(out), nil
	case formatYAML:
		out, err := yaml.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("marshal yaml: %w", err)
		}
		return strings.TrimRight(string(out), "\n"), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// --- Table formatters ---

// formatZones renders a zone slice in the requested format.
func formatZones(zones []*store.Zone, format string) (string, error) {
	if format != formatTable {
		return renderStructured(zones, format)
	}

	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSAMPLES\tTHRESHOLD\tENTERED\tUPDATED")

	for _, z := range zones {
		fmt.Fprintf(w, "%s\t%s\t%d\t%.2f\t%d\t%s\n",
			z.ID, z.Name, len(z.FingerprintSamples), z.ConfidenceThreshold,
			z.EnterCount, z.UpdatedAt.Format(time.RFC3339))
	}

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}
	return buf.String(), nil
}

// formatZone renders a single zone in the requested format.
func formatZone(z *store.Zone, format string) (string, error) {
	if format != formatTable {
		return renderStructured(z, format)
	}

	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	fmt.Fprintf(w, "ID:\t%s\n", z.ID)
	fmt.Fprintf(w, "Name:\t%s\n", z.Name)
	fmt.Fprintf(w, "Threshold:\t%.2f\n", z.ConfidenceThreshold)
	fmt.Fprintf(w, "Samples:\t%d\n", len(z.FingerprintSamples))
	fmt.Fprintf(w, "Entered:\t%d times\n", z.EnterCount)
	fmt.Fprintf(w, "Created:\t%s\n", z.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Updated:\t%s\n", z.UpdatedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Actions:\t%s\n", describePlan(z))

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}
	return buf.String(), nil
}

// describePlan renders a zone's action plan as a one-line summary.
func describePlan(z *store.Zone) string {
	p := z.Actions
	if p.IsEmpty() {
		return "none"
	}

	var parts []string
	if p.FirewallZone != "" {
		parts = append(parts, "firewall="+p.FirewallZone)
	}
	if p.WiFi != "" {
		parts = append(parts, "wifi="+p.WiFi)
	}
	if p.VPN != "" {
		parts = append(parts, "vpn="+p.VPN)
	}
	if p.TailscaleShields != nil {
		parts = append(parts, fmt.Sprintf("shields=%t", *p.TailscaleShields))
	}
	if p.TailscaleExitNode != "" {
		parts = append(parts, "exit-node="+p.TailscaleExitNode)
	}
	if len(p.Bluetooth) > 0 {
		parts = append(parts, "bluetooth="+strings.Join(p.Bluetooth, "+"))
	}
	if n := len(p.CustomCommands); n > 0 {
		parts = append(parts, fmt.Sprintf("%d custom command(s)", n))
	}
	return strings.Join(parts, ", ")
}

// formatStatus renders the daemon status in the requested format.
func formatStatus(st *ipc.DaemonStatus, format string) (string, error) {
	if format != formatTable {
		return renderStructured(st, format)
	}

	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	zone := st.CurrentZoneName
	if zone == "" {
		zone = "unknown"
		if st.CurrentZoneID == "" {
			zone = "initialising"
		}
	}

	fmt.Fprintf(w, "State:\t%s\n", st.State)
	fmt.Fprintf(w, "Current zone:\t%s\n", zone)
	fmt.Fprintf(w, "Zones:\t%d\n", st.ZoneCount)
	fmt.Fprintf(w, "Scan interval:\t%dms\n", st.ScanIntervalMS)
	fmt.Fprintf(w, "Last score:\t%.2f\n", st.LastScore)
	if st.LastScanAt != nil {
		fmt.Fprintf(w, "Last scan:\t%s\n", st.LastScanAt.Format(time.RFC3339))
	}
	if st.LastTransitionAt != nil {
		fmt.Fprintf(w, "Last transition:\t%s\n", st.LastTransitionAt.Format(time.RFC3339))
	}
	if st.LastPlan != nil {
		fmt.Fprintf(w, "Last plan:\t%s (%d steps, completed=%t)\n",
			st.LastPlan.ZoneName, len(st.LastPlan.Steps), st.LastPlan.Completed)
	}
	fmt.Fprintf(w, "Uptime:\t%ds\n", st.UptimeSeconds)
	fmt.Fprintf(w, "Version:\t%s\n", st.Version)

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}
	return buf.String(), nil
}

// formatWhereAmI renders the WhereAmI report in the requested format.
func formatWhereAmI(report *ipc.WhereAmIReport, format string) (string, error) {
	if format != formatTable {
		return renderStructured(report, format)
	}

	var buf strings.Builder
	fmt.Fprintf(&buf, "Observed %d WiFi / %d Bluetooth entries (privacy %s)\n",
		len(report.Fingerprint.WiFi), len(report.Fingerprint.Bluetooth), report.Fingerprint.Mode)

	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ZONE\tSCORE\tTHRESHOLD")
	for _, c := range report.Scores {
		fmt.Fprintf(w, "%s\t%.3f\t%.2f\n", c.ZoneName, c.Score, c.Threshold)
	}
	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}
	return buf.String(), nil
}

// formatHistory renders the transition history in the requested format.
func formatHistory(entries []store.HistoryEntry, format string) (string, error) {
	if format != formatTable {
		return renderStructured(entries, format)
	}

	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ZONE\tENTERED\tLEFT")
	for _, e := range entries {
		left := "-"
		if e.LeftAt != nil {
			left = e.LeftAt.Format(time.RFC3339)
		}
		zone := e.ZoneID
		if zone == store.ZoneIDUnknown {
			zone = "unknown"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", zone, e.EnteredAt.Format(time.RFC3339), left)
	}
	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}
	return buf.String(), nil
}
