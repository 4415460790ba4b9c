package shiftchange

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/goodtune/shiftkiosk/internal/launcher/launchertest"
	"github.com/goodtune/shiftkiosk/internal/ledger"
	"github.com/goodtune/shiftkiosk/internal/scheduler"
	"github.com/goodtune/shiftkiosk/internal/shift"
	"github.com/goodtune/shiftkiosk/internal/storage"
	"github.com/goodtune/shiftkiosk/internal/storage/bolt"
	"github.com/rs/zerolog"
)

const (
	morningPath = "/opt/simrs/morning/simrs"
	nightPath   = "/opt/simrs/night/simrs"
)

type fixture struct {
	ledger   *ledger.Ledger
	launcher *launchertest.Recorder
	clock    *shift.TestClock
	sched    *scheduler.Scheduler
	coord    *Coordinator
}

func newFixture(t *testing.T, now time.Time) *fixture {
	t.Helper()

	store, err := bolt.Open(filepath.Join(t.TempDir(), "shift.bolt"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	f := &fixture{
		ledger:   ledger.New(store, ledger.Options{}, zerolog.Nop()),
		launcher: &launchertest.Recorder{},
		clock:    shift.NewTestClock(now),
	}
	f.sched = scheduler.New(f.clock, zerolog.Nop())
	t.Cleanup(f.sched.Stop)
	f.coord = New(f.ledger, f.launcher, f.sched, f.clock, Options{FallbackShift: "night", CheckInterval: time.Hour}, zerolog.Nop())

	ctx := context.Background()
	if err := f.ledger.ReplaceShiftDefinitions(ctx, []storage.ShiftDefinition{
		{Name: "morning", Start: "08:00", End: "16:30"},
		{Name: "night", Start: "16:30", End: "08:00"},
	}); err != nil {
		t.Fatalf("seed shifts: %v", err)
	}
	return f
}

func (f *fixture) addUnit(t *testing.T, unit storage.Unit) {
	t.Helper()
	if err := f.ledger.SaveUnit(context.Background(), unit); err != nil {
		t.Fatalf("save unit: %v", err)
	}
}

func (f *fixture) openSession(t *testing.T, unitID, userID int64, shiftName string) *storage.UsageSession {
	t.Helper()
	session, err := f.ledger.CreateSession(context.Background(), storage.UsageSession{
		UserID:    userID,
		UnitID:    unitID,
		IPAddress: "10.1.2.3",
		StartTime: f.clock.Now().Add(-time.Hour),
		ShiftName: shiftName,
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return session
}

func (f *fixture) history(t *testing.T, unitID int64) []storage.ShiftLogEntry {
	t.Helper()
	entries, err := f.ledger.ShiftHistory(context.Background(), unitID, nil, nil, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	return entries
}

func icu() storage.Unit {
	return storage.Unit{
		ID:              1,
		Name:            "ICU",
		UsesShiftSystem: true,
		ShiftEnabled:    true,
		ShiftPaths:      map[string]string{"morning": morningPath, "night": nightPath},
	}
}

func TestTickSwapsStaleSessionOnce(t *testing.T) {
	f := newFixture(t, time.Date(2024, 3, 12, 17, 0, 0, 0, time.UTC))
	ctx := context.Background()
	f.addUnit(t, icu())
	old := f.openSession(t, 1, 7, "morning")

	summary := f.coord.Tick(ctx)
	if summary.Shift != "night" || summary.Swapped != 1 || summary.Failed != 0 {
		t.Fatalf("unexpected first tick %+v", summary)
	}

	closed, err := f.ledger.Store().Sessions().Get(ctx, old.ID)
	if err != nil {
		t.Fatalf("get old session: %v", err)
	}
	if closed.Active() || closed.EndTime == nil || closed.Notes != "Closed automatically for shift change to night" {
		t.Errorf("unexpected old session %+v", closed)
	}

	active, err := f.ledger.FindActiveSessionByUnit(ctx, 1)
	if err != nil {
		t.Fatalf("find new session: %v", err)
	}
	if active.ShiftName != "night" || !active.AutoStarted || active.UserID != 7 || active.IPAddress != "10.1.2.3" {
		t.Errorf("unexpected new session %+v", active)
	}

	entries := f.history(t, 1)
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}
	entry := entries[0]
	if !entry.AutoSwitched || entry.OldShift != "morning" || entry.NewShift != "night" ||
		entry.OldSessionID == nil || *entry.OldSessionID != old.ID ||
		entry.NewSessionID == nil || *entry.NewSessionID != active.ID {
		t.Errorf("unexpected log entry %+v", entry)
	}
	if paths := f.launcher.Paths(); len(paths) != 1 || paths[0] != nightPath {
		t.Errorf("expected night launch, got %v", paths)
	}

	// Same instant again: nothing to do
	summary = f.coord.Tick(ctx)
	if summary.Swapped != 0 || summary.Failed != 0 {
		t.Errorf("expected idle second tick, got %+v", summary)
	}
	if got := len(f.history(t, 1)); got != 1 {
		t.Errorf("expected log to stay at 1 entry, got %d", got)
	}
	if got := len(f.launcher.Paths()); got != 1 {
		t.Errorf("expected no further launches, got %d", got)
	}
	sessions, _ := f.ledger.ListActiveSessions(ctx)
	if len(sessions) != 1 || sessions[0].ID != active.ID {
		t.Errorf("expected only the new session active, got %+v", sessions)
	}
}

func TestTickMissingPathLeavesUnitWithoutSession(t *testing.T) {
	f := newFixture(t, time.Date(2024, 3, 12, 16, 30, 0, 0, time.UTC))
	ctx := context.Background()
	unit := icu()
	unit.ShiftPaths = map[string]string{"morning": morningPath}
	f.addUnit(t, unit)
	old := f.openSession(t, 1, 7, "morning")

	summary := f.coord.Tick(ctx)
	if summary.Swapped != 0 || summary.Failed != 0 {
		t.Errorf("expected a skipped unit, got %+v", summary)
	}

	closed, _ := f.ledger.Store().Sessions().Get(ctx, old.ID)
	if closed.Active() {
		t.Error("expected the old session to be closed")
	}
	if _, err := f.ledger.FindActiveSessionByUnit(ctx, 1); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected no active session, got %v", err)
	}
	if len(f.history(t, 1)) != 0 || len(f.launcher.Paths()) != 0 {
		t.Error("expected no log entry and no launch")
	}

	f.clock.Advance(time.Minute)
	f.coord.Tick(ctx)
	if _, err := f.ledger.FindActiveSessionByUnit(ctx, 1); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected no retry on the next tick, got %v", err)
	}
	if len(f.history(t, 1)) != 0 || len(f.launcher.Paths()) != 0 {
		t.Error("expected the second tick to do nothing")
	}
}

func TestTickIsolatesUnitFailures(t *testing.T) {
	f := newFixture(t, time.Date(2024, 3, 12, 9, 0, 0, 0, time.UTC))
	ctx := context.Background()
	f.addUnit(t, icu())
	er := icu()
	er.ID, er.Name = 2, "ER"
	er.ShiftPaths = map[string]string{"morning": "/opt/er/simrs", "night": nightPath}
	f.addUnit(t, er)
	f.openSession(t, 1, 7, "night")
	f.openSession(t, 2, 8, "night")

	f.launcher.Fail = map[string]bool{morningPath: true}
	f.launcher.Err = errors.New("exec format error")

	summary := f.coord.Tick(ctx)
	if summary.Swapped != 2 || summary.Failed != 1 {
		t.Errorf("expected both swapped and one launch failure, got %+v", summary)
	}

	// A failed launch keeps the new session visible
	session, err := f.ledger.FindActiveSessionByUnit(ctx, 1)
	if err != nil || session.ShiftName != "morning" {
		t.Errorf("expected morning session for unit 1, got %+v %v", session, err)
	}
	session, err = f.ledger.FindActiveSessionByUnit(ctx, 2)
	if err != nil || session.ShiftName != "morning" {
		t.Errorf("expected morning session for unit 2, got %+v %v", session, err)
	}
}

func TestManualShiftChange(t *testing.T) {
	f := newFixture(t, time.Date(2024, 3, 12, 10, 0, 0, 0, time.UTC))
	ctx := context.Background()

	f.addUnit(t, icu())
	f.addUnit(t, storage.Unit{ID: 2, Name: "Pharmacy", UsesShiftSystem: false})
	noNight := icu()
	noNight.ID, noNight.Name = 3, "Radiology"
	noNight.ShiftPaths = map[string]string{"morning": morningPath}
	f.addUnit(t, noNight)
	radiology := f.openSession(t, 3, 9, "morning")

	tests := []struct {
		name  string
		unit  int64
		shift string
		code  string
	}{
		{"unknown unit", 99, "night", CodeUnitNotFound},
		{"unit outside shift system", 2, "night", CodeShiftSystemDisabled},
		{"unknown shift", 1, "evening", CodeShiftNotFound},
		{"missing path", 3, "night", CodePathNotConfigured},
		{"no active session", 1, "night", CodeNoActiveSession},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := f.coord.ManualShiftChange(ctx, tt.unit, 5, tt.shift)
			if res.Success || res.Code != tt.code {
				t.Errorf("expected failure %s, got %+v", tt.code, res)
			}
		})
	}

	still, _ := f.ledger.Store().Sessions().Get(ctx, radiology.ID)
	if !still.Active() {
		t.Error("a rejected manual change must not close the session")
	}

	old := f.openSession(t, 1, 7, "morning")
	res := f.coord.ManualShiftChange(ctx, 1, 5, "night")
	if !res.Success || res.OldSessionID != old.ID || res.NewSessionID == 0 {
		t.Fatalf("expected success, got %+v", res)
	}
	created, err := f.ledger.Store().Sessions().Get(ctx, res.NewSessionID)
	if err != nil {
		t.Fatalf("get new session: %v", err)
	}
	if created.UserID != 5 || created.AutoStarted || created.ShiftName != "night" {
		t.Errorf("unexpected manual session %+v", created)
	}
	entries := f.history(t, 1)
	if len(entries) != 1 || entries[0].AutoSwitched || entries[0].UserID != 5 {
		t.Errorf("unexpected manual log %+v", entries)
	}

	f.launcher.Fail = map[string]bool{morningPath: true}
	f.launcher.Err = errors.New("access denied")
	res = f.coord.ManualShiftChange(ctx, 1, 0, "morning")
	if res.Success || res.Code != CodeLaunchFailed || res.NewSessionID == 0 {
		t.Errorf("expected launch failure with the session kept, got %+v", res)
	}
	kept, _ := f.ledger.Store().Sessions().Get(ctx, res.NewSessionID)
	if !kept.Active() || kept.UserID != 5 {
		t.Errorf("expected active session owned by the previous user, got %+v", kept)
	}
}

func TestUnitStatus(t *testing.T) {
	f := newFixture(t, time.Date(2024, 3, 12, 16, 27, 0, 0, time.UTC))
	ctx := context.Background()
	f.addUnit(t, icu())
	f.addUnit(t, storage.Unit{ID: 2, Name: "Pharmacy"})
	session := f.openSession(t, 1, 7, "morning")

	status, err := f.coord.UnitStatus(ctx, 1)
	if err != nil {
		t.Fatalf("unit status: %v", err)
	}
	if status.CurrentShift != "morning" || status.CurrentShiftPath != morningPath {
		t.Errorf("unexpected current shift %+v", status)
	}
	if status.NextShiftChange != "night" || status.MinutesUntilChange == nil || *status.MinutesUntilChange != 3 {
		t.Errorf("expected night in 3 minutes, got %+v", status)
	}
	if status.ActiveSession == nil || status.ActiveSession.ID != session.ID {
		t.Errorf("unexpected active session %+v", status.ActiveSession)
	}

	status, err = f.coord.UnitStatus(ctx, 2)
	if err != nil {
		t.Fatalf("unit status: %v", err)
	}
	if status.UsesShiftSystem || status.CurrentShift != "" {
		t.Errorf("expected bare status for unit outside the shift system, got %+v", status)
	}

	if _, err := f.coord.UnitStatus(ctx, 42); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStartRunsImmediatelyAndStopPreventsTicks(t *testing.T) {
	f := newFixture(t, time.Date(2024, 3, 12, 17, 0, 0, 0, time.UTC))
	ctx := context.Background()
	f.addUnit(t, icu())
	f.openSession(t, 1, 7, "morning")

	if err := f.coord.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(f.launcher.Paths()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if len(f.launcher.Paths()) != 1 {
		t.Fatalf("expected the immediate tick to swap the session")
	}
	if !f.coord.Running() || !f.sched.Has(TaskName) {
		t.Error("expected the monitor to be running")
	}

	f.coord.Stop()
	if f.coord.Running() || f.sched.Has(TaskName) {
		t.Error("expected the monitor to be stopped")
	}

	f.openSession(t, 1, 7, "morning")
	if summary := f.coord.Tick(ctx); summary.Units != 0 || summary.Swapped != 0 {
		t.Errorf("expected no work after Stop, got %+v", summary)
	}
}
