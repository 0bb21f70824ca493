// Package action executes the declarative reconfiguration plan attached
// to a zone: firewall, WiFi association, VPN, Tailscale, Bluetooth, and
// user-defined shell commands.
//
// Collaborator binaries (nmcli, tailscale, bluetoothctl, firewall-cmd, ...)
// are looked up at startup; a missing binary disables the corresponding
// step rather than failing the daemon. All arguments are passed as argv
// vectors -- custom_commands is the only path through a shell, and the
// user owns its content.
package action

// Sentinels accepted by plan fields in place of a concrete name.
const (
	// Auto lets the underlying subsystem choose (connection manager picks
	// the WiFi network, Tailscale picks the suggested exit node).
	Auto = "auto"

	// None disables the subsystem feature (direct Tailscale routing).
	None = "none"
)

// Plan is the declarative action set attached to a zone. All fields are
// optional; an absent field means "leave that subsystem alone".
type Plan struct {
	// WiFi is an SSID to associate with, or Auto to let the connection
	// manager choose.
	WiFi string `json:"wifi,omitempty"`

	// VPN is a VPN profile name meaningful to the connection manager.
	VPN string `json:"vpn,omitempty"`

	// TailscaleExitNode is an exit node hostname, None for direct
	// routing, or Auto for the suggested node.
	TailscaleExitNode string `json:"tailscale_exit_node,omitempty"`

	// TailscaleShields toggles Tailscale shields-up. Nil leaves it alone.
	TailscaleShields *bool `json:"tailscale_shields,omitempty"`

	// Bluetooth lists device names to attempt to connect, in order.
	// Individual connection failures are non-fatal.
	Bluetooth []string `json:"bluetooth,omitempty"`

	// FirewallZone is the firewalld zone to set as default.
	FirewallZone string `json:"firewall_zone,omitempty"`

	// CustomCommands are shell command strings run in declared order,
	// after all subsystem steps.
	CustomCommands []string `json:"custom_commands,omitempty"`
}

// IsEmpty reports whether the plan declares no actions at all.
func (p Plan) IsEmpty() bool {
	return p.WiFi == "" &&
		p.VPN == "" &&
		p.TailscaleExitNode == "" &&
		p.TailscaleShields == nil &&
		len(p.Bluetooth) == 0 &&
		p.FirewallZone == "" &&
		len(p.CustomCommands) == 0
}
