package geofence

// This file implements the zone transition state machine. Like any
// debounced detector, the automaton distinguishes the zone we are IN from
// the zone we merely SEE: a candidate must be observed on k consecutive
// scans before a transition fires, which absorbs transient signal
// dropouts. The tracker is a small mutable value with no side effects;
// enter/exit bookkeeping lives in the Controller.
//
// State diagram:
//
//	 Initialising ── first Zone(z) ──────────▶ InZone(z)
//	      │                                      ▲   │
//	      └─ first Unknown ──▶ InUnknown ────────┘   │
//	                              ▲    (k× Zone(z))  │
//	                              └──────────────────┘
//	                                  (k× Unknown)
//
//	 InZone(z) ── k× Zone(z'), z'≠z ──▶ InZone(z')
//	 any state ──────── Stop ─────────▶ Shutdown

import "github.com/network-dmenu/zoned/internal/store"

// State is the coarse tracker state.
type State uint8

const (
	// StateInitialising is the startup state before the first match.
	StateInitialising State = iota

	// StateInZone means a stored zone's match is currently held.
	StateInZone

	// StateInUnknown means no stored zone matches.
	StateInUnknown

	// StateShutdown is terminal; no further observations are accepted.
	StateShutdown
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateInitialising:
		return "initialising"
	case StateInZone:
		return "in_zone"
	case StateInUnknown:
		return "in_unknown"
	case StateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Decision is the outcome of feeding one matcher verdict to the tracker.
type Decision struct {
	// Transition is true when the observation completed a debounce window
	// and the current zone changed.
	Transition bool

	// From and To are zone ids (store.ZoneIDUnknown for the Unknown
	// zone). From is "" for the very first transition out of
	// Initialising.
	From string
	To   string

	// Pending reports the candidate currently being debounced, "" when
	// the observation confirmed the current zone.
	Pending string

	// PendingCount is the number of consecutive observations of Pending.
	PendingCount int
}

// Tracker debounces matcher output and owns the current-zone identity.
//
// Not safe for concurrent use; the scheduler is the only caller.
type Tracker struct {
	k       int
	state   State
	current string // zone id, or store.ZoneIDUnknown

	pending      string
	pendingCount int
}

// NewTracker creates a tracker requiring k consecutive observations for a
// transition. k below 1 is treated as 1.
func NewTracker(k int) *Tracker {
	if k < 1 {
		k = 1
	}
	return &Tracker{k: k, state: StateInitialising}
}

// State returns the current coarse state.
func (t *Tracker) State() State { return t.state }

// Current returns the occupied zone id (store.ZoneIDUnknown when in
// Unknown, "" while initialising).
func (t *Tracker) Current() string { return t.current }

// Observe feeds one matcher verdict (a zone id, or store.ZoneIDUnknown)
// to the tracker and returns the resulting decision.
//
// The first observation after startup transitions immediately: there is
// no previous zone to defend, so debouncing would only delay startup
// actions. Afterwards a differing candidate must be seen k times in a row;
// the counter resets whenever the candidate changes.
func (t *Tracker) Observe(candidate string) Decision {
	if t.state == StateShutdown {
		return Decision{}
	}

	if t.state == StateInitialising {
		return t.fire(candidate)
	}

	if candidate == t.current {
		t.pending = ""
		t.pendingCount = 0
		return Decision{}
	}

	if candidate == t.pending {
		t.pendingCount++
	} else {
		t.pending = candidate
		t.pendingCount = 1
	}

	if t.pendingCount >= t.k {
		return t.fire(candidate)
	}

	return Decision{Pending: t.pending, PendingCount: t.pendingCount}
}

// Stop moves the tracker to Shutdown.
func (t *Tracker) Stop() {
	t.state = StateShutdown
}

// fire commits a transition to candidate.
func (t *Tracker) fire(candidate string) Decision {
	d := Decision{
		Transition: true,
		From:       t.current,
		To:         candidate,
	}

	t.current = candidate
	t.pending = ""
	t.pendingCount = 0
	if candidate == store.ZoneIDUnknown {
		t.state = StateInUnknown
	} else {
		t.state = StateInZone
	}
	return d
}
