// Package store persists zones and daemon state as JSON files under the
// network-dmenu data directory.
//
// All writes are atomic: serialize to a sibling temp file, fsync, rename
// over the target, fsync the directory. Concurrent daemon/CLI writers are
// serialized by an advisory flock on a dedicated lock file. Readers take
// no lock.
package store

import (
	"time"

	"github.com/network-dmenu/zoned/internal/action"
	"github.com/network-dmenu/zoned/internal/fingerprint"
)

// ZoneIDUnknown is the reserved id of the virtual Unknown zone. It appears
// in daemon state when no stored zone matches, is never persisted as a
// zone, and carries no actions.
const ZoneIDUnknown = "∅"

// MaxFingerprintSamples caps the remembered fingerprints per zone.
// Appends beyond the cap evict the oldest sample (FIFO).
const MaxFingerprintSamples = 20

// Zone is a named collection of fingerprint samples plus the declarative
// reconfiguration plan to run on entry.
type Zone struct {
	// ID is a stable opaque identifier generated at creation.
	ID string `json:"id"`

	// Name is the user-provided label, unique per store.
	Name string `json:"name"`

	// FingerprintSamples is the non-empty remembered fingerprint set.
	// A zone matches when any sample matches. All samples share the same
	// privacy mode.
	FingerprintSamples []fingerprint.Fingerprint `json:"fingerprint_samples"`

	// ConfidenceThreshold is the minimum match score, in [0, 1].
	ConfidenceThreshold float64 `json:"confidence_threshold"`

	// Actions is the reconfiguration plan executed on zone entry.
	Actions action.Plan `json:"actions"`

	// CreatedAt and UpdatedAt are wall-clock bookkeeping stamps.
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// EnterCount counts completed entries into this zone.
	EnterCount uint64 `json:"enter_count"`
}

// Clone returns a deep copy safe to hand outside the store's lock.
func (z *Zone) Clone() *Zone {
	cp := *z
	cp.FingerprintSamples = make([]fingerprint.Fingerprint, len(z.FingerprintSamples))
	copy(cp.FingerprintSamples, z.FingerprintSamples)
	cp.Actions.Bluetooth = append([]string(nil), z.Actions.Bluetooth...)
	cp.Actions.CustomCommands = append([]string(nil), z.Actions.CustomCommands...)
	if z.Actions.TailscaleShields != nil {
		v := *z.Actions.TailscaleShields
		cp.Actions.TailscaleShields = &v
	}
	return &cp
}

// Patch describes a partial zone update. Nil fields are left unchanged.
type Patch struct {
	// Name renames the zone; uniqueness is enforced.
	Name *string

	// ConfidenceThreshold replaces the match threshold.
	ConfidenceThreshold *float64

	// Actions replaces the whole action plan.
	Actions *action.Plan
}
