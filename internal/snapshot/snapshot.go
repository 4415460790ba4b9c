// Package snapshot persists point-in-time copies of the active sessions taken
// before a restart, plus the marker that stops a shift boundary from causing
// more than one restart.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goodtune/shiftkiosk/internal/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// ReasonAutoRestart marks snapshots written by the restart orchestrator.
	ReasonAutoRestart = "auto-restart"

	// ReasonForced marks snapshots written by an operator forced restart.
	ReasonForced = "forced-restart"

	filePrefix = "app-state-"
	fileSuffix = ".json"
)

// ErrNotFound is returned when no snapshot exists.
var ErrNotFound = errors.New("snapshot not found")

// ErrInvalidName is returned for names that are not snapshot file names.
var ErrInvalidName = errors.New("invalid snapshot name")

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

// Snapshot is the durable record written before a restart.
type Snapshot struct {
	ID             string                 `json:"id"`
	Timestamp      time.Time              `json:"timestamp"`
	ActiveSessions []storage.UsageSession `json:"activeSessions"`
	CurrentShift   string                 `json:"currentShift,omitempty"`
	Reason         string                 `json:"reason"`
}

// Info describes a snapshot file without its sessions.
type Info struct {
	Name         string    `json:"name"`
	Timestamp    time.Time `json:"timestamp"`
	Size         int64     `json:"size"`
	Reason       string    `json:"reason,omitempty"`
	CurrentShift string    `json:"currentShift,omitempty"`
	SessionCount int       `json:"sessionCount"`
	Corrupt      bool      `json:"corrupt,omitempty"`
}

// Manager reads and writes snapshot files in one directory.
type Manager struct {
	dir    string
	clock  Clock
	logger zerolog.Logger
}

// NewManager creates a manager for dir. The directory is created on first
// write.
func NewManager(dir string, clock Clock, logger zerolog.Logger) *Manager {
	return &Manager{
		dir:    dir,
		clock:  clock,
		logger: logger.With().Str("component", "snapshot").Logger(),
	}
}

// Dir returns the snapshot directory.
func (m *Manager) Dir() string {
	return m.dir
}

// Write stores snap and returns its file name. A missing id or timestamp is
// filled in.
func (m *Manager) Write(snap Snapshot) (string, error) {
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	if snap.Timestamp.IsZero() {
		snap.Timestamp = m.clock.Now()
	}
	snap.Timestamp = snap.Timestamp.UTC()
	if snap.ActiveSessions == nil {
		snap.ActiveSessions = []storage.UsageSession{}
	}

	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	name := fileName(snap.Timestamp)
	if err := writeFileAtomic(filepath.Join(m.dir, name), data); err != nil {
		return "", fmt.Errorf("failed to write snapshot: %w", err)
	}

	m.logger.Info().
		Str("file", name).
		Str("snapshot_id", snap.ID).
		Int("sessions", len(snap.ActiveSessions)).
		Str("reason", snap.Reason).
		Msg("Snapshot written")
	return name, nil
}

// Read loads a snapshot by file name.
func (m *Manager) Read(name string) (*Snapshot, error) {
	path, err := m.path(name)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot %s: %w", name, err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot %s: %w", name, err)
	}
	return &snap, nil
}

// Latest returns the newest snapshot by the timestamp embedded in its file
// name, or ErrNotFound.
func (m *Manager) Latest() (*Snapshot, string, error) {
	names, err := m.names()
	if err != nil {
		return nil, "", err
	}
	if len(names) == 0 {
		return nil, "", ErrNotFound
	}

	snap, err := m.Read(names[0])
	if err != nil {
		return nil, names[0], err
	}
	return snap, names[0], nil
}

// List describes every snapshot, newest first. Unreadable files are listed
// as corrupt.
func (m *Manager) List() ([]Info, error) {
	names, err := m.names()
	if err != nil {
		return nil, err
	}

	infos := make([]Info, 0, len(names))
	for _, name := range names {
		ts, _ := parseFileName(name)
		info := Info{Name: name, Timestamp: ts}

		if stat, err := os.Stat(filepath.Join(m.dir, name)); err == nil {
			info.Size = stat.Size()
		}

		snap, err := m.Read(name)
		if err != nil {
			m.logger.Warn().Err(err).Str("file", name).Msg("Unreadable snapshot")
			info.Corrupt = true
		} else {
			info.Reason = snap.Reason
			info.CurrentShift = snap.CurrentShift
			info.SessionCount = len(snap.ActiveSessions)
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// OlderThan lists snapshots whose embedded timestamp is more than age ago.
func (m *Manager) OlderThan(age time.Duration) ([]Info, error) {
	names, err := m.names()
	if err != nil {
		return nil, err
	}

	cutoff := m.clock.Now().Add(-age)
	var old []Info
	for _, name := range names {
		ts, _ := parseFileName(name)
		if ts.Before(cutoff) {
			old = append(old, Info{Name: name, Timestamp: ts})
		}
	}
	return old, nil
}

// Delete removes a snapshot by file name.
func (m *Manager) Delete(name string) error {
	path, err := m.path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to delete snapshot %s: %w", name, err)
	}
	m.logger.Info().Str("file", name).Msg("Snapshot deleted")
	return nil
}

// names returns snapshot file names, newest first.
func (m *Manager) names() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}

	type named struct {
		name string
		ts   time.Time
	}
	var found []named
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ts, ok := parseFileName(entry.Name())
		if !ok {
			continue
		}
		found = append(found, named{entry.Name(), ts})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].ts.After(found[j].ts) })

	names := make([]string, len(found))
	for i, f := range found {
		names[i] = f.name
	}
	return names, nil
}

func (m *Manager) path(name string) (string, error) {
	if _, ok := parseFileName(name); !ok || filepath.Base(name) != name {
		return "", fmt.Errorf("%w %q", ErrInvalidName, name)
	}
	return filepath.Join(m.dir, name), nil
}

func fileName(ts time.Time) string {
	return filePrefix + strconv.FormatInt(ts.UnixMilli(), 10) + fileSuffix
}

func parseFileName(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
		return time.Time{}, false
	}
	raw := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms).UTC(), true
}

// writeFileAtomic replaces path through a temporary file in the same
// directory.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path))
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
