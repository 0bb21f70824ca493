// Package fingerprint turns a raw signal frame into a stable,
// privacy-respecting location descriptor.
//
// Fingerprinting is a pure function: the same frame, privacy mode, and
// salt always produce a byte-identical fingerprint. Signal strengths are
// bucketed to 10 dB because raw dBm readings fluctuate several dB from
// thermal noise alone; bucketing keeps fingerprints stable across seconds
// without losing locality.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/network-dmenu/zoned/internal/scan"
)

// PrivacyMode governs which signals contribute to a fingerprint and
// whether radio identifiers are hashed.
type PrivacyMode string

const (
	// ModeLow keeps raw BSSIDs/MACs and includes Bluetooth.
	ModeLow PrivacyMode = "low"

	// ModeMedium hashes all identifiers and includes Bluetooth.
	ModeMedium PrivacyMode = "medium"

	// ModeHigh hashes all identifiers and drops Bluetooth entirely.
	ModeHigh PrivacyMode = "high"

	// ModeCustom is reserved for user-supplied policies; it currently
	// behaves like ModeMedium.
	ModeCustom PrivacyMode = "custom"
)

// HashesIdentifiers reports whether this mode replaces raw hardware
// addresses with salted hashes.
func (m PrivacyMode) HashesIdentifiers() bool {
	return m != ModeLow
}

// IncludesBluetooth reports whether Bluetooth observations contribute to
// fingerprints under this mode.
func (m PrivacyMode) IncludesBluetooth() bool {
	return m != ModeHigh
}

// Entry is one radio observation inside a fingerprint.
type Entry struct {
	// ID identifies the transmitter: the raw BSSID/MAC under ModeLow,
	// otherwise the first 16 hex chars of SHA-256(salt || address).
	ID string `json:"id"`

	// SignalBucket is the observed strength bucketed to 10 dB,
	// clamped to [-10, 0].
	SignalBucket int `json:"signal_bucket"`

	// Connected is true for the currently associated network.
	Connected bool `json:"is_connected"`
}

// Fingerprint is the privacy-respecting descriptor of one radio
// environment observation.
type Fingerprint struct {
	// WiFi entries, sorted by descending signal bucket then ID so equal
	// environments always serialize identically.
	WiFi []Entry `json:"wifi_entries"`

	// Bluetooth entries; present only when the mode includes Bluetooth.
	Bluetooth []Entry `json:"bt_entries,omitempty"`

	// ConnectedWiFiID is the ID of the currently associated AP, if any.
	ConnectedWiFiID string `json:"connected_wifi_id,omitempty"`

	// Mode records the privacy mode the fingerprint was computed under.
	Mode PrivacyMode `json:"privacy_mode"`

	// GeneratedAt is the wall-clock creation time.
	GeneratedAt time.Time `json:"generated_at"`
}

// Options parameterize fingerprint computation.
type Options struct {
	// Mode is the privacy mode.
	Mode PrivacyMode

	// Salt is mixed into identifier hashes.
	Salt string

	// MaxNetworks caps the WiFi (and Bluetooth) entry count. Stronger
	// signals survive the cap; they are the more stable ones. Zero or
	// negative means DefaultMaxNetworks.
	MaxNetworks int
}

// DefaultMaxNetworks is the default per-radio entry cap.
const DefaultMaxNetworks = 16

// idHexLen is the truncated length of hashed identifiers.
const idHexLen = 16

// Compute derives a fingerprint from a signal frame. Pure: no I/O, no
// randomness; the clock only stamps GeneratedAt, which is excluded from
// identity comparisons.
func Compute(frame *scan.SignalFrame, opts Options) Fingerprint {
	maxN := opts.MaxNetworks
	if maxN <= 0 {
		maxN = DefaultMaxNetworks
	}

	fp := Fingerprint{
		Mode:        opts.Mode,
		GeneratedAt: time.Now(),
	}

	for _, nw := range frame.WiFi {
		// Hidden networks churn too much to be useful landmarks, unless
		// they are the network we are actually on.
		if nw.SSID == "" && !nw.Connected {
			continue
		}

		id := wifiID(nw, opts)
		if id == "" {
			continue
		}

		entry := Entry{
			ID:           id,
			SignalBucket: Bucket(nw.SignalDBm),
			Connected:    nw.Connected,
		}
		fp.WiFi = append(fp.WiFi, entry)

		if nw.Connected {
			fp.ConnectedWiFiID = id
		}
	}
	fp.WiFi = sortAndCap(fp.WiFi, maxN)

	if opts.Mode.IncludesBluetooth() {
		for _, dev := range frame.Bluetooth {
			id := identifier(dev.MAC, opts)
			if id == "" {
				continue
			}
			// A device that advertised no RSSI is at the edge of range;
			// file it in the weakest bucket.
			dbm := -100
			if dev.RSSI != nil {
				dbm = int(*dev.RSSI)
			}
			fp.Bluetooth = append(fp.Bluetooth, Entry{
				ID:           id,
				SignalBucket: Bucket(dbm),
			})
		}
		fp.Bluetooth = sortAndCap(fp.Bluetooth, maxN)
	}

	return fp
}

// Bucket maps a dBm value to its 10 dB bucket, clamped to [-10, 0].
// -55 dBm lands in bucket -5.
func Bucket(dbm int) int {
	b := scan.ClampDBm(dbm) / 10
	if b < -10 {
		b = -10
	}
	return b
}

// wifiID derives the identifier for a WiFi observation. The BSSID is the
// preferred source; backends that withhold it (iwctl) fall back to the
// SSID so the entry remains stable, if coarser.
func wifiID(nw scan.WiFiNetwork, opts Options) string {
	if nw.BSSID != "" {
		return identifier(nw.BSSID, opts)
	}
	if nw.SSID == "" {
		return ""
	}
	if !opts.Mode.HashesIdentifiers() {
		return nw.SSID
	}
	return hashID(opts.Salt, nw.SSID)
}

// identifier derives the fingerprint ID for a hardware address: the raw
// normalized address under ModeLow, a salted truncated SHA-256 otherwise.
// The address is stripped of separators before hashing so the digest does
// not depend on formatting.
func identifier(mac string, opts Options) string {
	if mac == "" {
		return ""
	}
	if !opts.Mode.HashesIdentifiers() {
		return mac
	}
	return hashID(opts.Salt, strings.ReplaceAll(mac, ":", ""))
}

// hashID returns hex(SHA-256(salt || material))[0:16].
func hashID(salt, material string) string {
	sum := sha256.Sum256([]byte(salt + material))
	return hex.EncodeToString(sum[:])[:idHexLen]
}

// sortAndCap orders entries by (-SignalBucket, ID) and truncates to maxN.
// The ordering is total, so equal signal environments always yield equal
// serializations.
func sortAndCap(entries []Entry, maxN int) []Entry {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].SignalBucket != entries[j].SignalBucket {
			return entries[i].SignalBucket > entries[j].SignalBucket
		}
		return entries[i].ID < entries[j].ID
	})
	if len(entries) > maxN {
		entries = entries[:maxN]
	}
	return entries
}

// IDSet returns the entry IDs as a set.
func IDSet(entries []Entry) map[string]struct{} {
	set := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		set[e.ID] = struct{}{}
	}
	return set
}

// BucketByID returns a map from entry ID to signal bucket.
func BucketByID(entries []Entry) map[string]int {
	m := make(map[string]int, len(entries))
	for _, e := range entries {
		m[e.ID] = e.SignalBucket
	}
	return m
}

// ParseMode converts a config string to a PrivacyMode. Unknown strings
// fall back to ModeMedium, the conservative default.
func ParseMode(s string) PrivacyMode {
	switch PrivacyMode(strings.ToLower(s)) {
	case ModeLow:
		return ModeLow
	case ModeMedium:
		return ModeMedium
	case ModeHigh:
		return ModeHigh
	case ModeCustom:
		return ModeCustom
	default:
		return ModeMedium
	}
}
