package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// stateFileName is the daemon state snapshot under the data directory.
const stateFileName = "daemon-state.json"

// stateFileVersion is the on-disk schema version.
const stateFileVersion = 1

// MaxHistoryEntries bounds the recent transition history ring.
const MaxHistoryEntries = 50

// HistoryEntry records one stay in a zone.
type HistoryEntry struct {
	// ZoneID is the entered zone, or ZoneIDUnknown.
	ZoneID string `json:"zone_id"`

	// EnteredAt is when the transition into the zone completed.
	EnteredAt time.Time `json:"entered_at"`

	// LeftAt is when the zone was exited. Nil while still inside.
	LeftAt *time.Time `json:"left_at,omitempty"`
}

// DaemonState is the persisted daemon snapshot: where we are, how fast we
// are scanning, and where we have recently been.
type DaemonState struct {
	Version int `json:"version"`

	// CurrentZoneID is the occupied zone, ZoneIDUnknown, or "" before the
	// first match.
	CurrentZoneID string `json:"current_zone_id,omitempty"`

	// LastTransitionAt stamps the most recent enter/exit.
	LastTransitionAt *time.Time `json:"last_transition_at,omitempty"`

	// ScanIntervalMS is the current adaptive scan interval.
	ScanIntervalMS int `json:"scan_interval_ms"`

	// RecentHistory is a bounded ring of recent stays, oldest first.
	RecentHistory []HistoryEntry `json:"recent_history"`

	// LastPlan records how far the most recent action plan got, so a
	// plan cut short by shutdown is never silently half-executed.
	LastPlan *PlanReport `json:"last_plan,omitempty"`
}

// StepRecord is the persisted outcome of one action step.
type StepRecord struct {
	Tag     string `json:"tag"`
	Outcome string `json:"outcome"`
	Detail  string `json:"detail,omitempty"`
}

// PlanReport records one action plan execution.
type PlanReport struct {
	ZoneID     string       `json:"zone_id"`
	ZoneName   string       `json:"zone_name"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Completed  bool         `json:"completed"`
	Steps      []StepRecord `json:"steps"`
}

// StateStore persists DaemonState in daemon-state.json. The daemon's
// transition controller is the single writer; CLI processes only read.
type StateStore struct {
	dir    string
	logger *slog.Logger
}

// OpenState creates a state store under dir.
func OpenState(dir string, logger *slog.Logger) (*StateStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", dir, err)
	}
	return &StateStore{
		dir:    dir,
		logger: logger.With(slog.String("component", "store.state")),
	}, nil
}

// Load reads the daemon state. A missing or corrupt file yields a fresh
// zero state -- daemon state is a cache of recent history, not precious.
func (s *StateStore) Load() *DaemonState {
	path := filepath.Join(s.dir, stateFileName)

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &DaemonState{Version: stateFileVersion}
	}
	if err != nil {
		s.logger.Warn("read daemon state failed, starting fresh",
			slog.String("error", err.Error()),
		)
		return &DaemonState{Version: stateFileVersion}
	}

	var st DaemonState
	if err := json.Unmarshal(data, &st); err != nil {
		s.logger.Warn("daemon state corrupt, starting fresh",
			slog.String("error", err.Error()),
		)
		return &DaemonState{Version: stateFileVersion}
	}
	st.Version = stateFileVersion
	return &st
}

// Save writes the daemon state atomically.
func (s *StateStore) Save(st *DaemonState) error {
	st.Version = stateFileVersion
	if len(st.RecentHistory) > MaxHistoryEntries {
		st.RecentHistory = st.RecentHistory[len(st.RecentHistory)-MaxHistoryEntries:]
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal daemon state: %w", err)
	}
	return writeFileAtomic(filepath.Join(s.dir, stateFileName), data)
}

// RemoveZoneHistory drops all history entries referencing zoneID, used
// when a zone is deleted.
func (st *DaemonState) RemoveZoneHistory(zoneID string) {
	kept := st.RecentHistory[:0]
	for _, e := range st.RecentHistory {
		if e.ZoneID != zoneID {
			kept = append(kept, e)
		}
	}
	st.RecentHistory = kept
	if st.CurrentZoneID == zoneID {
		st.CurrentZoneID = ZoneIDUnknown
	}
}
