package recovery

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goodtune/shiftkiosk/internal/launcher/launchertest"
	"github.com/goodtune/shiftkiosk/internal/ledger"
	"github.com/goodtune/shiftkiosk/internal/scheduler"
	"github.com/goodtune/shiftkiosk/internal/shift"
	"github.com/goodtune/shiftkiosk/internal/shiftchange"
	"github.com/goodtune/shiftkiosk/internal/snapshot"
	"github.com/goodtune/shiftkiosk/internal/storage"
	"github.com/goodtune/shiftkiosk/internal/storage/bolt"
	"github.com/rs/zerolog"
)

const (
	morningPath = "/opt/simrs/morning/simrs"
	nightPath   = "/opt/simrs/night/simrs"
)

type fixture struct {
	store     storage.Store
	ledger    *ledger.Ledger
	launcher  *launchertest.Recorder
	clock     *shift.TestClock
	sched     *scheduler.Scheduler
	snapshots *snapshot.Manager
}

func newFixture(t *testing.T, now time.Time) *fixture {
	t.Helper()

	dir := t.TempDir()
	store, err := bolt.Open(filepath.Join(dir, "shiftkiosk.bolt"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	f := &fixture{
		store:    store,
		ledger:   ledger.New(store, ledger.Options{}, zerolog.Nop()),
		launcher: &launchertest.Recorder{},
		clock:    shift.NewTestClock(now),
	}
	f.snapshots = snapshot.NewManager(filepath.Join(dir, "backup"), f.clock, zerolog.Nop())
	f.sched = scheduler.New(f.clock, zerolog.Nop())
	t.Cleanup(f.sched.Stop)

	ctx := context.Background()
	if err := f.ledger.ReplaceShiftDefinitions(ctx, []storage.ShiftDefinition{
		{Name: "morning", Start: "08:00", End: "16:30"},
		{Name: "night", Start: "16:30", End: "08:00"},
	}); err != nil {
		t.Fatalf("seed shifts: %v", err)
	}
	if err := f.ledger.SaveUnit(ctx, storage.Unit{
		ID:              1,
		Name:            "ICU",
		UsesShiftSystem: true,
		ShiftEnabled:    true,
		ShiftPaths:      map[string]string{"morning": morningPath, "night": nightPath},
	}); err != nil {
		t.Fatalf("seed unit: %v", err)
	}
	if err := store.Users().Upsert(ctx, storage.User{ID: 7, Username: "nurse.ana", UnitID: 1}); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return f
}

func (f *fixture) coordinator(confirmer Confirmer) *Coordinator {
	return New(f.ledger, f.launcher, f.snapshots, confirmer, f.sched, f.clock, Options{FallbackShift: "night"}, zerolog.Nop())
}

func (f *fixture) writeSnapshot(t *testing.T, ts time.Time, reason string, sessions ...storage.UsageSession) string {
	t.Helper()
	name, err := f.snapshots.Write(snapshot.Snapshot{
		Timestamp:      ts,
		ActiveSessions: sessions,
		CurrentShift:   "night",
		Reason:         reason,
	})
	if err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	return name
}

// closeForRestart closes a session the way the restart sequence does.
func closeForRestart(t *testing.T, f *fixture, id int64) {
	t.Helper()
	unlock := f.ledger.LockUnit(1)
	defer unlock()
	if _, err := f.ledger.CloseSession(context.Background(), id, at(16, 31, 5), "Closed for application restart"); err != nil {
		t.Fatalf("close session %d: %v", id, err)
	}
}

func at(hour, minute, second int) time.Time {
	return time.Date(2024, 3, 12, hour, minute, second, 0, time.UTC)
}

func TestRunRecoversSessionsUnderLiveShift(t *testing.T) {
	f := newFixture(t, at(16, 32, 0))
	ctx := context.Background()

	original, err := f.ledger.CreateSession(ctx, storage.UsageSession{
		UserID: 7, UnitID: 1, IPAddress: "10.1.2.3", StartTime: at(8, 0, 0), ShiftName: "morning",
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	name := f.writeSnapshot(t, at(16, 31, 5), snapshot.ReasonAutoRestart, *original)
	closeForRestart(t, f, original.ID)

	report, err := f.coordinator(AutoConfirmer{Accept: true}).Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Outcome != OutcomeRecovered || len(report.Recovered) != 1 || !report.FileDeleted {
		t.Fatalf("unexpected report %+v", report)
	}
	rec := report.Recovered[0]
	if rec.OriginalID != original.ID || rec.Shift != "night" || !rec.Launched {
		t.Errorf("unexpected recovered session %+v", rec)
	}
	if paths := f.launcher.Paths(); len(paths) != 1 || paths[0] != nightPath {
		t.Errorf("expected night application launched, got %v", paths)
	}

	active, err := f.ledger.FindActiveSessionByUnit(ctx, 1)
	if err != nil {
		t.Fatalf("active session: %v", err)
	}
	if active.ID != rec.NewID || active.ShiftName != "night" || !active.AutoStarted || active.IPAddress != "10.1.2.3" {
		t.Errorf("unexpected new session %+v", active)
	}
	if !strings.Contains(active.Notes, fmt.Sprintf("original session %d", original.ID)) {
		t.Errorf("expected note to reference the original session, got %q", active.Notes)
	}

	history, err := f.ledger.ShiftHistory(ctx, 1, nil, nil, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].OldShift != "morning" || history[0].NewShift != "night" || !history[0].AutoSwitched {
		t.Errorf("unexpected history %+v", history)
	}
	if history[0].OldSessionID == nil || *history[0].OldSessionID != original.ID {
		t.Errorf("expected log to reference original session")
	}

	if _, err := f.snapshots.Read(name); !errors.Is(err, snapshot.ErrNotFound) {
		t.Errorf("expected snapshot consumed, got %v", err)
	}

	// A second run has nothing to replay
	again, err := f.coordinator(AutoConfirmer{Accept: true}).Run(ctx)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if again.Outcome != OutcomeSkipped {
		t.Errorf("expected skipped second run, got %+v", again)
	}
}

func TestRunRejectsSnapshots(t *testing.T) {
	session := storage.UsageSession{ID: 1, UserID: 7, UnitID: 1, ShiftName: "morning", Status: storage.SessionActive}

	tests := []struct {
		name     string
		ts       time.Time
		reason   string
		sessions []storage.UsageSession
	}{
		{name: "too old", ts: at(16, 20, 0), reason: snapshot.ReasonAutoRestart, sessions: []storage.UsageSession{session}},
		{name: "forced", ts: at(16, 31, 5), reason: snapshot.ReasonForced, sessions: []storage.UsageSession{session}},
		{name: "empty", ts: at(16, 31, 5), reason: snapshot.ReasonAutoRestart},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, at(16, 32, 0))
			name := f.writeSnapshot(t, tt.ts, tt.reason, tt.sessions...)

			report, err := f.coordinator(AutoConfirmer{Accept: true}).Run(context.Background())
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if report.Outcome != OutcomeSkipped || report.Reason == "" {
				t.Errorf("expected skipped with reason, got %+v", report)
			}
			if _, err := f.snapshots.Read(name); err != nil {
				t.Errorf("rejected snapshot must be kept: %v", err)
			}
			if len(f.launcher.Paths()) != 0 {
				t.Error("nothing should be launched")
			}
		})
	}
}

func TestRunWithoutSnapshot(t *testing.T) {
	f := newFixture(t, at(16, 32, 0))
	report, err := f.coordinator(nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Outcome != OutcomeSkipped {
		t.Errorf("expected skipped, got %+v", report)
	}
}

func TestRunDeclined(t *testing.T) {
	f := newFixture(t, at(16, 32, 0))
	ctx := context.Background()
	session := storage.UsageSession{ID: 42, UserID: 7, UnitID: 1, ShiftName: "morning", Status: storage.SessionActive}
	name := f.writeSnapshot(t, at(16, 31, 5), snapshot.ReasonAutoRestart, session)

	report, err := f.coordinator(AutoConfirmer{Accept: false}).Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Outcome != OutcomeDeclined {
		t.Errorf("expected declined, got %+v", report)
	}
	if _, err := f.ledger.FindActiveSessionByUnit(ctx, 1); !ledger.IsNotFound(err) {
		t.Errorf("declined recovery must not create sessions, got %v", err)
	}
	if _, err := f.snapshots.Read(name); err != nil {
		t.Errorf("declined snapshot must be kept: %v", err)
	}
}

func TestDeclinedRecoveryLeavesNothingToSwap(t *testing.T) {
	f := newFixture(t, at(16, 31, 5))
	ctx := context.Background()

	original, err := f.ledger.CreateSession(ctx, storage.UsageSession{
		UserID: 7, UnitID: 1, StartTime: at(8, 0, 0), ShiftName: "morning",
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	f.writeSnapshot(t, at(16, 31, 5), snapshot.ReasonAutoRestart, *original)
	closeForRestart(t, f, original.ID)

	f.clock.Set(at(16, 32, 0))
	report, err := f.coordinator(AutoConfirmer{Accept: false}).Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Outcome != OutcomeDeclined {
		t.Fatalf("expected declined, got %+v", report)
	}

	active, err := f.ledger.ListActiveSessions(ctx)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected no active sessions after a declined recovery, got %+v", active)
	}

	monitor := shiftchange.New(f.ledger, f.launcher, f.sched, f.clock, shiftchange.Options{FallbackShift: "night"}, zerolog.Nop())
	summary := monitor.Tick(ctx)
	if summary.Units != 1 || summary.Swapped != 0 || summary.Failed != 0 {
		t.Errorf("expected nothing to swap, got %+v", summary)
	}
	if paths := f.launcher.Paths(); len(paths) != 0 {
		t.Errorf("expected no application launched, got %v", paths)
	}
}

func TestRunSkipsSessionLeftOpen(t *testing.T) {
	f := newFixture(t, at(16, 32, 0))
	ctx := context.Background()

	original, err := f.ledger.CreateSession(ctx, storage.UsageSession{
		UserID: 7, UnitID: 1, StartTime: at(8, 0, 0), ShiftName: "morning",
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	f.writeSnapshot(t, at(16, 31, 5), snapshot.ReasonAutoRestart, *original)

	report, err := f.coordinator(AutoConfirmer{Accept: true}).Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.Skipped) != 1 || len(report.Recovered) != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	active, err := f.ledger.FindActiveSessionByUnit(ctx, 1)
	if err != nil || active.ID != original.ID {
		t.Errorf("expected the open session untouched, got %+v (err %v)", active, err)
	}
	if paths := f.launcher.Paths(); len(paths) != 0 {
		t.Errorf("expected no application launched, got %v", paths)
	}
}

func TestRunSkipsMissingUserAndUnit(t *testing.T) {
	f := newFixture(t, at(16, 32, 0))
	ctx := context.Background()
	f.writeSnapshot(t, at(16, 31, 5), snapshot.ReasonAutoRestart,
		storage.UsageSession{ID: 10, UserID: 99, UnitID: 1, ShiftName: "morning", Status: storage.SessionActive},
		storage.UsageSession{ID: 11, UserID: 7, UnitID: 55, ShiftName: "morning", Status: storage.SessionActive},
		storage.UsageSession{ID: 12, UserID: 7, UnitID: 1, ShiftName: "morning", Status: storage.SessionActive},
	)

	report, err := f.coordinator(nil).Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.Skipped) != 2 || len(report.Recovered) != 1 || len(report.Failed) != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	if !report.FileDeleted {
		t.Error("skipped sessions must not keep the snapshot")
	}
}

func TestRunSkipsUnitWithNewerSession(t *testing.T) {
	f := newFixture(t, at(16, 32, 0))
	ctx := context.Background()
	current, err := f.ledger.CreateSession(ctx, storage.UsageSession{
		UserID: 7, UnitID: 1, StartTime: at(16, 31, 50), ShiftName: "night",
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	f.writeSnapshot(t, at(16, 31, 5), snapshot.ReasonAutoRestart,
		storage.UsageSession{ID: 500, UserID: 7, UnitID: 1, ShiftName: "morning", Status: storage.SessionActive},
	)

	report, err := f.coordinator(nil).Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.Skipped) != 1 || len(report.Recovered) != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	active, err := f.ledger.FindActiveSessionByUnit(ctx, 1)
	if err != nil || active.ID != current.ID {
		t.Errorf("expected the newer session untouched, got %+v (err %v)", active, err)
	}
}

func TestManualRecovery(t *testing.T) {
	f := newFixture(t, at(16, 32, 0))
	ctx := context.Background()
	name := f.writeSnapshot(t, at(16, 32, 0).AddDate(0, 0, -2), snapshot.ReasonForced,
		storage.UsageSession{ID: 3, UserID: 7, UnitID: 1, ShiftName: "morning", Status: storage.SessionActive},
	)
	c := f.coordinator(nil)

	report, err := c.ManualRecovery(ctx, name)
	if err != nil {
		t.Fatalf("ManualRecovery: %v", err)
	}
	if report.Outcome != OutcomeRecovered || len(report.Recovered) != 1 {
		t.Errorf("unexpected report %+v", report)
	}

	if _, err := c.ManualRecovery(ctx, "app-state-1.json"); !errors.Is(err, ErrNoSnapshot) {
		t.Errorf("expected ErrNoSnapshot, got %v", err)
	}
}

func TestRecoveryInProgress(t *testing.T) {
	f := newFixture(t, at(16, 32, 0))
	c := f.coordinator(nil)

	if !c.begin() {
		t.Fatal("expected to begin")
	}
	if _, err := c.Run(context.Background()); !errors.Is(err, ErrRecoveryInProgress) {
		t.Errorf("expected ErrRecoveryInProgress, got %v", err)
	}
	c.end()
	if _, err := c.Run(context.Background()); err != nil {
		t.Errorf("expected run after end, got %v", err)
	}
}

func TestCleanupOldBackups(t *testing.T) {
	f := newFixture(t, at(16, 32, 0))
	now := f.clock.Now()
	f.writeSnapshot(t, now.AddDate(0, 0, -8), snapshot.ReasonAutoRestart)
	f.writeSnapshot(t, now.AddDate(0, 0, -9), snapshot.ReasonForced)
	kept := f.writeSnapshot(t, now.AddDate(0, 0, -2), snapshot.ReasonAutoRestart)
	c := f.coordinator(nil)

	deleted, err := c.CleanupOldBackups(7)
	if err != nil {
		t.Fatalf("CleanupOldBackups: %v", err)
	}
	if deleted != 2 {
		t.Errorf("expected 2 deleted, got %d", deleted)
	}

	backups, err := c.AvailableBackups()
	if err != nil {
		t.Fatalf("AvailableBackups: %v", err)
	}
	if len(backups) != 1 || backups[0].Name != kept {
		t.Errorf("expected only %s left, got %+v", kept, backups)
	}
}

func TestStartCleanup(t *testing.T) {
	f := newFixture(t, at(16, 32, 0))
	c := f.coordinator(nil)

	if err := c.StartCleanup(); err != nil {
		t.Fatalf("StartCleanup: %v", err)
	}
	if !f.sched.Has(CleanupTask) {
		t.Fatal("expected cleanup task registered")
	}
	c.StopCleanup()
	if f.sched.Has(CleanupTask) {
		t.Error("expected cleanup task cancelled")
	}
}
