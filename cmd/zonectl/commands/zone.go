package commands

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/network-dmenu/zoned/internal/action"
	"github.com/network-dmenu/zoned/internal/ipc"
	"github.com/network-dmenu/zoned/internal/store"
)

// scanRequestTimeout covers requests that trigger a synchronous scan in
// the daemon.
const scanRequestTimeout = 30 * time.Second

// errZoneNotFound is returned when a name lookup yields nothing.
var errZoneNotFound = errors.New("no zone with that name or id")

func zoneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "zone",
		Short: "Manage zones",
	}

	cmd.AddCommand(zoneListCmd())
	cmd.AddCommand(zoneShowCmd())
	cmd.AddCommand(zoneCreateCmd())
	cmd.AddCommand(zoneUpdateCmd())
	cmd.AddCommand(zoneDeleteCmd())
	cmd.AddCommand(zoneSampleCmd())

	return cmd
}

func zoneListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all zones",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := client.Do(ipc.Request{Kind: ipc.KindListZones})
			if err != nil {
				return err
			}
			if err := asError(resp); err != nil {
				return err
			}

			out, err := formatZones(resp.Zones, outputFormat)
			if err != nil {
				return err
			}
			cmd.Print(out)
			return nil
		},
	}
}

func zoneShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <name-or-id>",
		Short: "Show details of a zone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			zone, err := resolveZone(args[0])
			if err != nil {
				return err
			}

			out, err := formatZone(zone, outputFormat)
			if err != nil {
				return err
			}
			cmd.Print(out)
			return nil
		},
	}
}

func zoneCreateCmd() *cobra.Command {
	var (
		threshold  float64
		wifi       string
		vpn        string
		exitNode   string
		shieldsUp  bool
		shieldsSet bool
		firewall   string
		bluetooth  []string
		commands   []string
	)

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a zone from the current fingerprint",
		Long: "Captures the radio environment the daemon currently observes and " +
			"stores it as a new zone, optionally with an action plan.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			shieldsSet = cmd.Flags().Changed("shields-up")

			plan := action.Plan{
				WiFi:              wifi,
				VPN:               vpn,
				TailscaleExitNode: exitNode,
				Bluetooth:         bluetooth,
				FirewallZone:      firewall,
				CustomCommands:    commands,
			}
			if shieldsSet {
				plan.TailscaleShields = &shieldsUp
			}

			req := ipc.Request{
				Kind:    ipc.KindCreateZone,
				Name:    args[0],
				Actions: &plan,
			}
			if cmd.Flags().Changed("threshold") {
				req.Threshold = &threshold
			}

			resp, err := client.WithTimeout(scanRequestTimeout).Do(req)
			if err != nil {
				return err
			}
			if err := asError(resp); err != nil {
				return err
			}

			cmd.Printf("created zone %q (%s) with %d sample(s)\n",
				resp.Zone.Name, resp.Zone.ID, len(resp.Zone.FingerprintSamples))
			return nil
		},
	}

	cmd.Flags().Float64Var(&threshold, "threshold", 0.8, "confidence threshold [0,1]")
	cmd.Flags().StringVar(&wifi, "wifi", "", "SSID to join on entry, or 'auto'")
	cmd.Flags().StringVar(&vpn, "vpn", "", "VPN profile to bring up on entry")
	cmd.Flags().StringVar(&exitNode, "exit-node", "", "tailscale exit node, 'none', or 'auto'")
	cmd.Flags().BoolVar(&shieldsUp, "shields-up", false, "tailscale shields setting on entry")
	cmd.Flags().StringVar(&firewall, "firewall-zone", "", "firewalld zone to set on entry")
	cmd.Flags().StringSliceVar(&bluetooth, "bluetooth", nil, "bluetooth device names to connect")
	cmd.Flags().StringArrayVar(&commands, "run", nil, "custom shell command to run on entry (repeatable)")

	return cmd
}

func zoneUpdateCmd() *cobra.Command {
	var (
		name      string
		threshold float64
	)

	cmd := &cobra.Command{
		Use:   "update <name-or-id>",
		Short: "Update a zone's name or threshold",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			zone, err := resolveZone(args[0])
			if err != nil {
				return err
			}

			patch := ipc.Patch{}
			if cmd.Flags().Changed("name") {
				patch.Name = &name
			}
			if cmd.Flags().Changed("threshold") {
				patch.Threshold = &threshold
			}
			if patch.Name == nil && patch.Threshold == nil {
				return errors.New("nothing to update; pass --name or --threshold")
			}

			resp, err := client.Do(ipc.Request{
				Kind:  ipc.KindUpdateZone,
				ID:    zone.ID,
				Patch: &patch,
			})
			if err != nil {
				return err
			}
			if err := asError(resp); err != nil {
				return err
			}

			cmd.Printf("updated zone %q\n", resp.Zone.Name)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "new zone name")
	cmd.Flags().Float64Var(&threshold, "threshold", 0.8, "new confidence threshold [0,1]")

	return cmd
}

func zoneDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name-or-id>",
		Short: "Delete a zone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			zone, err := resolveZone(args[0])
			if err != nil {
				return err
			}

			resp, err := client.Do(ipc.Request{Kind: ipc.KindDeleteZone, ID: zone.ID})
			if err != nil {
				return err
			}
			if err := asError(resp); err != nil {
				return err
			}

			cmd.Printf("deleted zone %q\n", zone.Name)
			return nil
		},
	}
}

func zoneSampleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sample <name-or-id>",
		Short: "Append the current fingerprint to a zone",
		Long: "Captures the radio environment the daemon currently observes and " +
			"appends it to the zone's sample set, improving match robustness. " +
			"The oldest sample is evicted beyond the cap.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			zone, err := resolveZone(args[0])
			if err != nil {
				return err
			}

			resp, err := client.WithTimeout(scanRequestTimeout).Do(ipc.Request{
				Kind: ipc.KindSampleZone,
				ID:   zone.ID,
			})
			if err != nil {
				return err
			}
			if err := asError(resp); err != nil {
				return err
			}

			cmd.Printf("zone %q now holds %d sample(s)\n",
				resp.Zone.Name, len(resp.Zone.FingerprintSamples))
			return nil
		},
	}
}

// resolveZone finds a zone by name first, then by id. The returned error
// maps to the not-found exit code.
func resolveZone(nameOrID string) (*store.Zone, error) {
	resp, err := client.Do(ipc.Request{Kind: ipc.KindListZones})
	if err != nil {
		return nil, err
	}
	if err := asError(resp); err != nil {
		return nil, err
	}

	for _, z := range resp.Zones {
		if z.Name == nameOrID {
			return z, nil
		}
	}
	for _, z := range resp.Zones {
		if z.ID == nameOrID {
			return z, nil
		}
	}
	return nil, &responseError{
		code:    ipc.CodeNotFound,
		message: fmt.Sprintf("%s: %q", errZoneNotFound, nameOrID),
	}
}
