// Zoned daemon -- location-aware network configuration for Linux desktops.
//
// zoned fingerprints the nearby radio environment, matches it against
// user-defined zones, and reconfigures the host's network subsystems on
// zone transitions. One binary serves both roles: --daemon runs the
// foreground daemon; the admin flags talk to a running daemon over its
// unix socket.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/network-dmenu/zoned/internal/config"
	"github.com/network-dmenu/zoned/internal/ipc"
	appversion "github.com/network-dmenu/zoned/internal/version"
)

// Exit codes of the CLI surface.
const (
	exitOK         = 0
	exitFailure    = 1
	exitNotRunning = 2
	exitConflict   = 3 // duplicate name / not found
)

func main() {
	os.Exit(run())
}

func run() int {
	// 1. Parse flags.
	var (
		configPath   = flag.String("config", "", "path to configuration file (YAML)")
		daemonMode   = flag.Bool("daemon", false, "run the daemon in the foreground")
		daemonStatus = flag.Bool("daemon-status", false, "print daemon status")
		listZones    = flag.Bool("list-zones", false, "list stored zones")
		currentZone  = flag.Bool("current-zone", false, "print the current zone")
		whereAmI     = flag.Bool("where-am-i", false, "fingerprint now and score all zones")
		stopDaemon   = flag.Bool("stop-daemon", false, "stop a running daemon")
		createZone   = flag.String("create-zone", "", "create a zone from the current fingerprint")
		showVersion  = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(appversion.Full("zoned"))
		return exitOK
	}

	// 2. Load config.
	cfg, err := loadConfig(*configPath)
	if err != nil {
		// Logger is not set up yet; use a temporary stderr logger.
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return exitFailure
	}

	// 3. Dispatch: daemon mode or one client request.
	if *daemonMode {
		return runDaemon(cfg, *configPath)
	}

	client := ipc.NewClient(cfg.SocketPath())
	switch {
	case *daemonStatus:
		return clientStatus(client)
	case *listZones:
		return clientListZones(client)
	case *currentZone:
		return clientCurrentZone(client)
	case *whereAmI:
		return clientWhereAmI(client, cfg)
	case *stopDaemon:
		return clientStop(client)
	case *createZone != "":
		return clientCreateZone(client, cfg, *createZone)
	default:
		flag.Usage()
		return exitFailure
	}
}

// loadConfig loads configuration from a file path or returns defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.DefaultConfig(), nil
}

// exitCodeFor maps a client-side error to the documented exit codes.
func exitCodeFor(err error) int {
	if errors.Is(err, ipc.ErrNotRunning) {
		fmt.Fprintln(os.Stderr, "Error: daemon not running")
		return exitNotRunning
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	return exitFailure
}

// responseExitCode maps an Error response to the documented exit codes.
func responseExitCode(resp ipc.Response) int {
	if resp.Kind != ipc.RespError {
		return exitOK
	}
	fmt.Fprintln(os.Stderr, "Error:", resp.Message)
	switch resp.Code {
	case ipc.CodeNotFound, ipc.CodeDuplicateName:
		return exitConflict
	default:
		return exitFailure
	}
}
