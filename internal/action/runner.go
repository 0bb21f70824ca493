package action

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// Sentinel errors for the action package.
var (
	// ErrMissingDependency indicates the collaborator binary for a step
	// was not found at startup.
	ErrMissingDependency = errors.New("collaborator binary not found")

	// ErrStepTimeout indicates a step exceeded its bounded timeout.
	ErrStepTimeout = errors.New("action step timed out")

	// ErrSpawnFailed indicates the executor could not spawn subprocesses
	// at all; this aborts the remaining plan.
	ErrSpawnFailed = errors.New("cannot spawn subprocess")
)

// Runner executes a single argv vector and returns its combined output.
// The context bounds the subprocess lifetime.
type Runner interface {
	Run(ctx context.Context, argv []string) (string, error)
}

// execRunner runs argv vectors via os/exec. Arguments are never joined
// into a shell line; shell interpretation happens only for the explicit
// "sh -c" vectors built for custom commands.
type execRunner struct {
	logger *slog.Logger
}

// NewRunner creates the default subprocess runner.
func NewRunner(logger *slog.Logger) Runner {
	return &execRunner{logger: logger.With(slog.String("component", "action.exec"))}
}

func (r *execRunner) Run(ctx context.Context, argv []string) (string, error) {
	if len(argv) == 0 {
		return "", fmt.Errorf("%w: empty argv", ErrSpawnFailed)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	r.logger.Debug("running command", slog.String("argv", strings.Join(argv, " ")))

	err := cmd.Run()
	if ctx.Err() != nil {
		return out.String(), ErrStepTimeout
	}
	if err != nil {
		var execErr *exec.Error
		if errors.As(err, &execErr) {
			return out.String(), fmt.Errorf("%w: %w", ErrSpawnFailed, err)
		}
		return out.String(), fmt.Errorf("%s: %w", argv[0], err)
	}
	return out.String(), nil
}

// Toolkit holds the resolved collaborator binaries. A nil/empty path means
// the collaborator is absent and its steps are skipped -- absence is
// "feature disabled", never an error.
type Toolkit struct {
	// Nmcli drives WiFi association and VPN profiles.
	Nmcli string

	// Tailscale drives exit node and shields settings.
	Tailscale string

	// Bluetoothctl resolves device names and connects devices.
	Bluetoothctl string

	// FirewallCmd sets the default firewalld zone.
	FirewallCmd string

	// Shell runs custom commands ("sh").
	Shell string

	// Escalate is the argv prefix wrapping privileged commands
	// (e.g., ["sudo", "-n"]). Empty means no escalation available.
	Escalate []string
}

// DetectToolkit resolves collaborator binaries from PATH. escalation is
// the configured wrapper name ("auto", "sudo", "doas", "pkexec", "none").
func DetectToolkit(escalation string, logger *slog.Logger) *Toolkit {
	log := logger.With(slog.String("component", "action.detect"))

	tk := &Toolkit{}
	tk.Nmcli = lookPath("nmcli", log)
	tk.Tailscale = lookPath("tailscale", log)
	tk.Bluetoothctl = lookPath("bluetoothctl", log)
	tk.FirewallCmd = lookPath("firewall-cmd", log)
	tk.Shell = lookPath("sh", log)
	tk.Escalate = detectEscalation(escalation, log)

	return tk
}

// lookPath resolves a binary, logging the outcome at debug level.
func lookPath(name string, logger *slog.Logger) string {
	path, err := exec.LookPath(name)
	if err != nil {
		logger.Debug("collaborator not found, feature disabled",
			slog.String("binary", name),
		)
		return ""
	}
	return path
}

// detectEscalation resolves the privilege escalation wrapper argv prefix.
func detectEscalation(escalation string, logger *slog.Logger) []string {
	candidates := []string{"sudo", "doas", "pkexec"}
	switch escalation {
	case "none":
		return nil
	case "auto":
	default:
		candidates = []string{escalation}
	}

	for _, name := range candidates {
		if path, err := exec.LookPath(name); err == nil {
			if name == "sudo" {
				// -n: never prompt; a daemon has no terminal to ask on.
				return []string{path, "-n"}
			}
			return []string{path}
		}
	}

	logger.Debug("no escalation wrapper found, privileged steps will run without one")
	return nil
}
