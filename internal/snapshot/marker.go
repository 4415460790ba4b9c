package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const markerFile = "auto-restart-state.json"

// Marker records the last shift boundary a restart was performed for.
type Marker struct {
	LastShiftName string    `json:"lastShiftName"`
	LastShiftEnd  time.Time `json:"lastShiftEndUtc"`
	Timestamp     time.Time `json:"timestampUtc"`
}

// Covers reports whether the marker already handled the boundary of shift
// name ending at end.
func (m *Marker) Covers(name string, end time.Time, tolerance time.Duration) bool {
	if m == nil || m.LastShiftName != name {
		return false
	}
	diff := m.LastShiftEnd.Sub(end)
	if diff < 0 {
		diff = -diff
	}
	return diff <= tolerance
}

// MarkerStore keeps the restart marker in the data directory.
type MarkerStore struct {
	path string
}

// NewMarkerStore creates a marker store in dir.
func NewMarkerStore(dir string) *MarkerStore {
	return &MarkerStore{path: filepath.Join(dir, markerFile)}
}

// Path returns the marker file location.
func (s *MarkerStore) Path() string {
	return s.path
}

// Load returns the stored marker, or nil when none has been written.
func (s *MarkerStore) Load() (*Marker, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read restart marker: %w", err)
	}

	var marker Marker
	if err := json.Unmarshal(data, &marker); err != nil {
		return nil, fmt.Errorf("failed to parse restart marker: %w", err)
	}
	return &marker, nil
}

// Save overwrites the marker.
func (s *MarkerStore) Save(marker Marker) error {
	marker.LastShiftEnd = marker.LastShiftEnd.UTC()
	marker.Timestamp = marker.Timestamp.UTC()

	data, err := json.MarshalIndent(marker, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal restart marker: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create marker directory: %w", err)
	}
	if err := writeFileAtomic(s.path, data); err != nil {
		return fmt.Errorf("failed to write restart marker: %w", err)
	}
	return nil
}

// Clear removes the marker.
func (s *MarkerStore) Clear() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove restart marker: %w", err)
	}
	return nil
}
