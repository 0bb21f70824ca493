package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/network-dmenu/zoned/internal/action"
	"github.com/network-dmenu/zoned/internal/fingerprint"
)

// Sentinel errors for store operations.
var (
	// ErrNotFound indicates no zone exists with the given id.
	ErrNotFound = errors.New("zone not found")

	// ErrDuplicateName indicates a zone with the given name already exists.
	ErrDuplicateName = errors.New("zone name already exists")

	// ErrNoFingerprints indicates a zone was given an empty sample set.
	ErrNoFingerprints = errors.New("zone requires at least one fingerprint")

	// ErrInvalidThreshold indicates a confidence threshold outside [0, 1].
	ErrInvalidThreshold = errors.New("confidence threshold must be within [0, 1]")

	// ErrReservedName indicates an attempt to use the Unknown zone's
	// reserved identifier as a name.
	ErrReservedName = errors.New("zone name is reserved")
)

// File names under the data directory.
const (
	zonesFileName = "zones.json"
	lockFileName  = "zones.json.lock"
	tmpSuffix     = ".tmp"
)

// zonesFileVersion is the on-disk schema version.
const zonesFileVersion = 1

// zonesFile is the on-disk shape of zones.json.
type zonesFile struct {
	Version int     `json:"version"`
	Zones   []*Zone `json:"zones"`
}

// ZoneStore persists zones in zones.json under dir.
//
// The in-memory map is the source of truth between writes and is guarded
// by a single mutex. On-disk writers (this daemon, a concurrent CLI
// invocation) are serialized by the flock on zones.json.lock.
type ZoneStore struct {
	dir    string
	logger *slog.Logger

	mu    sync.Mutex
	zones map[string]*Zone
}

// Open loads (or initializes) the zone store under dir, creating the
// directory when missing.
//
// Corruption policy: when zones.json fails to parse it is renamed to
// zones.json.corrupt-<unix_ts> and the store starts empty. No silent
// recovery is attempted.
func Open(dir string, logger *slog.Logger) (*ZoneStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", dir, err)
	}

	s := &ZoneStore{
		dir:    dir,
		logger: logger.With(slog.String("component", "store")),
		zones:  make(map[string]*Zone),
	}

	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// load reads zones.json into memory, applying the corruption policy.
func (s *ZoneStore) load() error {
	path := filepath.Join(s.dir, zonesFileName)

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	var f zonesFile
	if err := json.Unmarshal(data, &f); err != nil {
		quarantine := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
		if renameErr := os.Rename(path, quarantine); renameErr != nil {
			return fmt.Errorf("quarantine corrupt %s: %w", path, renameErr)
		}
		s.logger.Error("zones file corrupt, starting empty",
			slog.String("quarantined", quarantine),
			slog.String("error", err.Error()),
		)
		return nil
	}

	for _, z := range f.Zones {
		s.zones[z.ID] = z
	}
	return nil
}

// List returns all zones sorted by name.
func (s *ZoneStore) List() []*Zone {
	s.mu.Lock()
	defer s.mu.Unlock()

	zones := make([]*Zone, 0, len(s.zones))
	for _, z := range s.zones {
		zones = append(zones, z.Clone())
	}
	sort.Slice(zones, func(i, j int) bool { return zones[i].Name < zones[j].Name })
	return zones
}

// Get returns the zone with the given id.
func (s *ZoneStore) Get(id string) (*Zone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	z, ok := s.zones[id]
	if !ok {
		return nil, fmt.Errorf("get zone %s: %w", id, ErrNotFound)
	}
	return z.Clone(), nil
}

// GetByName returns the zone with the given name.
func (s *ZoneStore) GetByName(name string) (*Zone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, z := range s.zones {
		if z.Name == name {
			return z.Clone(), nil
		}
	}
	return nil, fmt.Errorf("get zone by name %q: %w", name, ErrNotFound)
}

// Create adds a new zone. Fails with ErrDuplicateName when name is taken;
// the store is not mutated on failure.
func (s *ZoneStore) Create(
	name string,
	actions action.Plan,
	samples []fingerprint.Fingerprint,
	threshold float64,
) (*Zone, error) {
	if name == ZoneIDUnknown {
		return nil, fmt.Errorf("create zone %q: %w", name, ErrReservedName)
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("create zone %q: %w", name, ErrNoFingerprints)
	}
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("create zone %q: %w", name, ErrInvalidThreshold)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, z := range s.zones {
		if z.Name == name {
			return nil, fmt.Errorf("create zone %q: %w", name, ErrDuplicateName)
		}
	}

	now := time.Now()
	z := &Zone{
		ID:                  uuid.NewString(),
		Name:                name,
		FingerprintSamples:  capSamples(samples),
		ConfidenceThreshold: threshold,
		Actions:             actions,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	s.zones[z.ID] = z
	if err := s.persistLocked(); err != nil {
		delete(s.zones, z.ID)
		return nil, err
	}
	return z.Clone(), nil
}

// Update applies a partial patch to the zone with the given id and
// refreshes UpdatedAt.
func (s *ZoneStore) Update(id string, patch Patch) (*Zone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	z, ok := s.zones[id]
	if !ok {
		return nil, fmt.Errorf("update zone %s: %w", id, ErrNotFound)
	}

	if patch.Name != nil && *patch.Name != z.Name {
		if *patch.Name == ZoneIDUnknown {
			return nil, fmt.Errorf("update zone %s: %w", id, ErrReservedName)
		}
		for _, other := range s.zones {
			if other.ID != id && other.Name == *patch.Name {
				return nil, fmt.Errorf("update zone %s: %w", id, ErrDuplicateName)
			}
		}
	}
	if patch.ConfidenceThreshold != nil &&
		(*patch.ConfidenceThreshold < 0 || *patch.ConfidenceThreshold > 1) {
		return nil, fmt.Errorf("update zone %s: %w", id, ErrInvalidThreshold)
	}

	prev := *z
	if patch.Name != nil {
		z.Name = *patch.Name
	}
	if patch.ConfidenceThreshold != nil {
		z.ConfidenceThreshold = *patch.ConfidenceThreshold
	}
	if patch.Actions != nil {
		z.Actions = *patch.Actions
	}
	z.UpdatedAt = time.Now()

	if err := s.persistLocked(); err != nil {
		*z = prev
		return nil, err
	}
	return z.Clone(), nil
}

// Delete removes the zone with the given id.
func (s *ZoneStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	z, ok := s.zones[id]
	if !ok {
		return fmt.Errorf("delete zone %s: %w", id, ErrNotFound)
	}

	delete(s.zones, id)
	if err := s.persistLocked(); err != nil {
		s.zones[id] = z
		return err
	}
	return nil
}

// AppendFingerprint appends a sample to the zone, evicting the oldest
// beyond MaxFingerprintSamples (FIFO).
func (s *ZoneStore) AppendFingerprint(id string, fp fingerprint.Fingerprint) (*Zone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	z, ok := s.zones[id]
	if !ok {
		return nil, fmt.Errorf("append fingerprint to %s: %w", id, ErrNotFound)
	}

	prevSamples := z.FingerprintSamples
	prevUpdated := z.UpdatedAt

	z.FingerprintSamples = capSamples(append(z.FingerprintSamples, fp))
	z.UpdatedAt = time.Now()

	if err := s.persistLocked(); err != nil {
		z.FingerprintSamples = prevSamples
		z.UpdatedAt = prevUpdated
		return nil, err
	}
	return z.Clone(), nil
}

// RecordEntry increments the zone's enter counter. Best-effort: the zone
// transition stands even if the write fails.
func (s *ZoneStore) RecordEntry(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	z, ok := s.zones[id]
	if !ok {
		return fmt.Errorf("record entry for %s: %w", id, ErrNotFound)
	}

	z.EnterCount++
	if err := s.persistLocked(); err != nil {
		z.EnterCount--
		return err
	}
	return nil
}

// capSamples trims a sample slice to MaxFingerprintSamples, keeping the
// newest (FIFO eviction of the oldest).
func capSamples(samples []fingerprint.Fingerprint) []fingerprint.Fingerprint {
	if len(samples) > MaxFingerprintSamples {
		samples = samples[len(samples)-MaxFingerprintSamples:]
	}
	out := make([]fingerprint.Fingerprint, len(samples))
	copy(out, samples)
	return out
}

// persistLocked writes zones.json atomically. Caller holds s.mu.
func (s *ZoneStore) persistLocked() error {
	zones := make([]*Zone, 0, len(s.zones))
	for _, z := range s.zones {
		zones = append(zones, z)
	}
	sort.Slice(zones, func(i, j int) bool { return zones[i].Name < zones[j].Name })

	data, err := json.MarshalIndent(zonesFile{Version: zonesFileVersion, Zones: zones}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal zones: %w", err)
	}

	unlock, err := acquireFileLock(filepath.Join(s.dir, lockFileName))
	if err != nil {
		return err
	}
	defer unlock()

	return writeFileAtomic(filepath.Join(s.dir, zonesFileName), data)
}
