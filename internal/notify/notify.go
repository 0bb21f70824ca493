// Package notify emits desktop notifications via the freedesktop
// Notifications service on the D-Bus session bus.
//
// Notifications are strictly best-effort: a missing session bus (headless
// host, system service) downgrades every call to a debug log line.
package notify

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/network-dmenu/zoned/internal/action"
)

// D-Bus names for org.freedesktop.Notifications.
const (
	notifyService = "org.freedesktop.Notifications"
	notifyPath    = dbus.ObjectPath("/org/freedesktop/Notifications")
	notifyMethod  = notifyService + ".Notify"
)

// appName identifies the daemon in the notification server.
const appName = "network-dmenu"

// expireMS is the notification timeout passed to the server.
const expireMS = 5000

// Notifier sends desktop notifications per the configured policy.
type Notifier struct {
	enabled bool
	onError bool
	logger  *slog.Logger

	mu   sync.Mutex
	conn *dbus.Conn
}

// New creates a Notifier. enabled toggles zone-entry notifications;
// onError additionally enables scan/action failure notifications.
func New(enabled, onError bool, logger *slog.Logger) *Notifier {
	return &Notifier{
		enabled: enabled,
		onError: onError,
		logger:  logger.With(slog.String("component", "notify")),
	}
}

// ZoneEntered emits a single notification summarising the action outcomes
// of a zone entry.
func (n *Notifier) ZoneEntered(zoneName string, results []action.StepResult) {
	if !n.enabled {
		return
	}
	n.send("Entered zone "+zoneName, summarize(results))
}

// Failure emits an error notification when the policy allows it.
func (n *Notifier) Failure(subject, detail string) {
	if !n.enabled || !n.onError {
		return
	}
	n.send(subject, detail)
}

// send performs the D-Bus call, connecting lazily.
func (n *Notifier) send(summary, body string) {
	conn, err := n.sessionBus()
	if err != nil {
		n.logger.Debug("notification dropped, no session bus",
			slog.String("summary", summary),
		)
		return
	}

	call := conn.Object(notifyService, notifyPath).Call(notifyMethod, 0,
		appName,
		uint32(0), // replaces_id
		"", // app_icon
		summary,
		body,
		[]string{}, // actions
		map[string]dbus.Variant{}, // hints
		int32(expireMS),
	)
	if call.Err != nil {
		n.logger.Debug("notification failed",
			slog.String("error", call.Err.Error()),
		)
	}
}

// sessionBus returns the cached session bus connection, dialing on first
// use.
func (n *Notifier) sessionBus() (*dbus.Conn, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.conn != nil {
		return n.conn, nil
	}
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, err
	}
	n.conn = conn
	return conn, nil
}

// summarize renders per-step outcomes into a short notification body:
//
//	wifi ok, vpn ok, tailscale_exit_node failed (timeout)
func summarize(results []action.StepResult) string {
	if len(results) == 0 {
		return "no actions"
	}

	parts := make([]string, 0, len(results))
	for _, r := range results {
		switch r.Outcome {
		case action.OutcomeFailed:
			parts = append(parts, fmt.Sprintf("%s failed (%s)", r.Tag, r.Detail))
		default:
			parts = append(parts, fmt.Sprintf("%s %s", r.Tag, r.Outcome))
		}
	}
	return strings.Join(parts, ", ")
}
