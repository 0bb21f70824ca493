package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/network-dmenu/zoned/internal/config"
	"github.com/network-dmenu/zoned/internal/ipc"
)

var (
	// client is the daemon IPC client, initialized in PersistentPreRunE.
	client *ipc.Client

	// outputFormat controls the output format for all commands
	// (table, json, or yaml).
	outputFormat string

	// socketPath overrides the daemon socket path. Empty resolves the
	// default (XDG_RUNTIME_DIR, then /tmp).
	socketPath string
)

// rootCmd is the top-level cobra command for zonectl.
var rootCmd = &cobra.Command{
	Use:   "zonectl",
	Short: "CLI client for the zoned geofencing daemon",
	Long:  "zonectl manages zones and inspects the zoned daemon over its unix socket.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		path := socketPath
		if path == "" {
			path = config.DefaultConfig().SocketPath()
		}
		client = ipc.NewClient(path)

		return nil
	},
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "",
		"daemon socket path (default: $XDG_RUNTIME_DIR/network-dmenu-daemon.sock)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table",
		"output format: table, json, yaml")

	rootCmd.AddCommand(zoneCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(whereAmICmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(stopCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(shellCmd())
}

// Execute runs the root command and exits with code 1 on error, 2 when
// the daemon is not running, and 3 on not-found/duplicate conflicts.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}
