package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/network-dmenu/zoned/internal/config"
	"github.com/network-dmenu/zoned/internal/ipc"
)

// scanRequestTimeout covers client requests that trigger a synchronous
// scan in the daemon (WhereAmI, CreateZone without samples).
const scanRequestTimeout = 30 * time.Second

// clientStatus prints the daemon status.
func clientStatus(client *ipc.Client) int {
	resp, err := client.Do(ipc.Request{Kind: ipc.KindStatus})
	if err != nil {
		return exitCodeFor(err)
	}
	if code := responseExitCode(resp); code != exitOK {
		return code
	}

	st := resp.Status
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "State:\t%s\n", st.State)
	fmt.Fprintf(w, "Current zone:\t%s\n", zoneLabel(st.CurrentZoneName, st.CurrentZoneID))
	fmt.Fprintf(w, "Zones:\t%d\n", st.ZoneCount)
	fmt.Fprintf(w, "Scan interval:\t%dms\n", st.ScanIntervalMS)
	fmt.Fprintf(w, "Last score:\t%.2f\n", st.LastScore)
	if st.LastScanAt != nil {
		fmt.Fprintf(w, "Last scan:\t%s\n", st.LastScanAt.Format(time.RFC3339))
	}
	if st.LastTransitionAt != nil {
		fmt.Fprintf(w, "Last transition:\t%s\n", st.LastTransitionAt.Format(time.RFC3339))
	}
	fmt.Fprintf(w, "Uptime:\t%ds\n", st.UptimeSeconds)
	fmt.Fprintf(w, "Version:\t%s\n", st.Version)
	w.Flush()
	return exitOK
}

// clientListZones prints the zone table.
func clientListZones(client *ipc.Client) int {
	resp, err := client.Do(ipc.Request{Kind: ipc.KindListZones})
	if err != nil {
		return exitCodeFor(err)
	}
	if code := responseExitCode(resp); code != exitOK {
		return code
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSAMPLES\tTHRESHOLD\tENTERED")
	for _, z := range resp.Zones {
		fmt.Fprintf(w, "%s\t%s\t%d\t%.2f\t%d\n",
			z.ID, z.Name, len(z.FingerprintSamples), z.ConfidenceThreshold, z.EnterCount)
	}
	w.Flush()
	return exitOK
}

// clientCurrentZone prints the current zone name, or "unknown".
func clientCurrentZone(client *ipc.Client) int {
	resp, err := client.Do(ipc.Request{Kind: ipc.KindCurrentZone})
	if err != nil {
		return exitCodeFor(err)
	}
	if code := responseExitCode(resp); code != exitOK {
		return code
	}

	if resp.Kind == ipc.RespUnknown {
		fmt.Println("unknown")
		return exitOK
	}
	fmt.Println(resp.Zone.Name)
	return exitOK
}

// clientWhereAmI triggers a fresh scan and prints the per-zone scores.
func clientWhereAmI(client *ipc.Client, _ *config.Config) int {
	resp, err := client.WithTimeout(scanRequestTimeout).Do(ipc.Request{Kind: ipc.KindWhereAmI})
	if err != nil {
		return exitCodeFor(err)
	}
	if code := responseExitCode(resp); code != exitOK {
		return code
	}

	report := resp.WhereAmI
	fmt.Printf("Observed %d WiFi / %d Bluetooth entries (privacy %s)\n",
		len(report.Fingerprint.WiFi), len(report.Fingerprint.Bluetooth), report.Fingerprint.Mode)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ZONE\tSCORE\tTHRESHOLD")
	for _, c := range report.Scores {
		fmt.Fprintf(w, "%s\t%.3f\t%.2f\n", c.ZoneName, c.Score, c.Threshold)
	}
	w.Flush()
	return exitOK
}

// clientStop asks the daemon to shut down gracefully.
func clientStop(client *ipc.Client) int {
	resp, err := client.Do(ipc.Request{Kind: ipc.KindStop})
	if err != nil {
		return exitCodeFor(err)
	}
	if code := responseExitCode(resp); code != exitOK {
		return code
	}
	fmt.Println("daemon stopping")
	return exitOK
}

// clientCreateZone captures the current fingerprint into a new zone.
func clientCreateZone(client *ipc.Client, cfg *config.Config, name string) int {
	threshold := cfg.Match.DefaultThreshold
	resp, err := client.WithTimeout(scanRequestTimeout).Do(ipc.Request{
		Kind:      ipc.KindCreateZone,
		Name:      name,
		Threshold: &threshold,
	})
	if err != nil {
		return exitCodeFor(err)
	}
	if code := responseExitCode(resp); code != exitOK {
		return code
	}

	z := resp.Zone
	fmt.Printf("created zone %q (%s) with %d sample(s)\n", z.Name, z.ID, len(z.FingerprintSamples))
	return exitOK
}

// zoneLabel renders the current zone for status output.
func zoneLabel(name, id string) string {
	switch {
	case name != "":
		return name
	case id == "":
		return "initialising"
	default:
		return "unknown"
	}
}
