package snapshot

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goodtune/shiftkiosk/internal/shift"
	"github.com/goodtune/shiftkiosk/internal/storage"
	"github.com/rs/zerolog"
)

func TestWriteAndLatest(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "backups")
	clock := shift.NewTestClock(time.Date(2024, 3, 12, 16, 31, 0, 0, time.UTC))
	m := NewManager(dir, clock, zerolog.Nop())

	if _, _, err := m.Latest(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on empty directory, got %v", err)
	}

	first, err := m.Write(Snapshot{Reason: ReasonAutoRestart, CurrentShift: "morning"})
	if err != nil {
		t.Fatalf("write snapshot: %v", err)
	}

	clock.Advance(5 * time.Second)
	second, err := m.Write(Snapshot{
		Reason:         ReasonAutoRestart,
		CurrentShift:   "morning",
		ActiveSessions: []storage.UsageSession{{ID: 3, UserID: 7, UnitID: 1, Status: storage.SessionActive, ShiftName: "morning"}},
	})
	if err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	if first == second {
		t.Fatalf("expected distinct file names, got %s twice", first)
	}

	snap, name, err := m.Latest()
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if name != second {
		t.Errorf("expected latest %s, got %s", second, name)
	}
	if snap.ID == "" {
		t.Error("expected snapshot id to be generated")
	}
	if len(snap.ActiveSessions) != 1 || snap.ActiveSessions[0].ID != 3 {
		t.Errorf("unexpected sessions %+v", snap.ActiveSessions)
	}
	if !snap.Timestamp.Equal(clock.Now()) {
		t.Errorf("expected timestamp %v, got %v", clock.Now(), snap.Timestamp)
	}

	infos, err := m.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(infos) != 2 || infos[0].Name != second || infos[0].SessionCount != 1 || infos[1].SessionCount != 0 {
		t.Errorf("unexpected listing %+v", infos)
	}

	if err := m.Delete(second); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := m.Delete(second); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound deleting twice, got %v", err)
	}
	_, name, err = m.Latest()
	if err != nil || name != first {
		t.Errorf("expected %s to be latest after delete, got %s %v", first, name, err)
	}
}

func TestOlderThanAndCorruptFiles(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2024, 3, 20, 3, 0, 0, 0, time.UTC)
	clock := shift.NewTestClock(now)
	m := NewManager(dir, clock, zerolog.Nop())

	for _, age := range []time.Duration{8 * 24 * time.Hour, 30 * 24 * time.Hour, time.Hour} {
		if _, err := m.Write(Snapshot{Timestamp: now.Add(-age), Reason: ReasonAutoRestart}); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, fileName(now.Add(-2*time.Hour))), []byte("{not json"), 0644); err != nil {
		t.Fatalf("write corrupt: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644); err != nil {
		t.Fatalf("write unrelated: %v", err)
	}

	old, err := m.OlderThan(7 * 24 * time.Hour)
	if err != nil {
		t.Fatalf("older than: %v", err)
	}
	if len(old) != 2 {
		t.Fatalf("expected 2 old snapshots, got %d", len(old))
	}

	infos, err := m.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(infos) != 4 {
		t.Fatalf("expected 4 snapshots listed, got %d", len(infos))
	}
	if !infos[1].Corrupt {
		t.Errorf("expected second newest to be flagged corrupt: %+v", infos[1])
	}
}

func TestReadRejectsForeignNames(t *testing.T) {
	m := NewManager(t.TempDir(), shift.RealClock{}, zerolog.Nop())

	for _, name := range []string{"../app-state-1.json", "passwd", "app-state-abc.json"} {
		if _, err := m.Read(name); err == nil {
			t.Errorf("expected %q to be rejected", name)
		}
	}
}

func TestMarker(t *testing.T) {
	store := NewMarkerStore(t.TempDir())

	marker, err := store.Load()
	if err != nil || marker != nil {
		t.Fatalf("expected no marker, got %v %v", marker, err)
	}

	end := time.Date(2024, 3, 12, 16, 30, 0, 0, time.UTC)
	if err := store.Save(Marker{LastShiftName: "morning", LastShiftEnd: end, Timestamp: end.Add(time.Minute)}); err != nil {
		t.Fatalf("save: %v", err)
	}
	marker, err = store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	tests := []struct {
		name  string
		shift string
		end   time.Time
		want  bool
	}{
		{"same boundary", "morning", end, true},
		{"within tolerance", "morning", end.Add(9 * time.Minute), true},
		{"outside tolerance", "morning", end.Add(11 * time.Minute), false},
		{"next day", "morning", end.AddDate(0, 0, 1), false},
		{"other shift", "night", end, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := marker.Covers(tt.shift, tt.end, 10*time.Minute); got != tt.want {
				t.Errorf("Covers() = %v, want %v", got, tt.want)
			}
		})
	}

	var none *Marker
	if none.Covers("morning", end, time.Hour) {
		t.Error("nil marker must not cover anything")
	}

	if err := store.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if marker, _ := store.Load(); marker != nil {
		t.Error("expected marker to be gone")
	}
}
