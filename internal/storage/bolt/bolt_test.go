package bolt

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/goodtune/shiftkiosk/internal/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "shiftkiosk.bolt")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return store
}

func TestSessionLifecycle(t *testing.T) {
	store := openTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	sessions := store.Sessions()
	start := time.Date(2024, 3, 12, 8, 0, 0, 0, time.UTC)

	first, err := sessions.Create(ctx, storage.UsageSession{UserID: 7, UnitID: 1, StartTime: start, ShiftName: "morning"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	second, err := sessions.Create(ctx, storage.UsageSession{UserID: 8, UnitID: 1, StartTime: start.Add(time.Hour), ShiftName: "morning"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if first.ID == 0 || second.ID <= first.ID {
		t.Fatalf("expected increasing ids, got %d and %d", first.ID, second.ID)
	}
	if first.Status != storage.SessionActive {
		t.Errorf("expected default status active, got %s", first.Status)
	}

	active, err := sessions.FindActiveByUnit(ctx, 1)
	if err != nil {
		t.Fatalf("find active: %v", err)
	}
	if active.ID != second.ID {
		t.Errorf("expected newest session %d, got %d", second.ID, active.ID)
	}

	end := start.Add(2 * time.Hour)
	closed, err := sessions.Close(ctx, second.ID, end, "closed for test")
	if err != nil {
		t.Fatalf("close session: %v", err)
	}
	if closed.Active() || closed.EndTime == nil || !closed.EndTime.Equal(end) || closed.Notes != "closed for test" {
		t.Errorf("unexpected closed session %+v", closed)
	}
	if _, err := sessions.Close(ctx, second.ID, end, ""); !errors.Is(err, storage.ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed, got %v", err)
	}

	active, err = sessions.FindActiveByUnit(ctx, 1)
	if err != nil {
		t.Fatalf("find active after close: %v", err)
	}
	if active.ID != first.ID {
		t.Errorf("expected remaining session %d, got %d", first.ID, active.ID)
	}

	all, err := sessions.ListActive(ctx)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(all) != 1 || all[0].ID != first.ID {
		t.Errorf("unexpected active list %+v", all)
	}

	if _, err := sessions.FindActiveByUnit(ctx, 99); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown unit, got %v", err)
	}
	if _, err := sessions.Close(ctx, 12345, end, ""); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound closing unknown session, got %v", err)
	}
}

func TestUnitStoreNormalizesShiftFlags(t *testing.T) {
	store := openTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	units := []storage.Unit{
		{ID: 1, Name: "ICU", UsesShiftSystem: true, ShiftEnabled: true, ShiftPaths: map[string]string{"morning": "/opt/simrs/am"}},
		{ID: 2, Name: "Pharmacy", UsesShiftSystem: false, ShiftEnabled: true},
		{ID: 3, Name: "Radiology", UsesShiftSystem: true, ShiftEnabled: false},
	}
	for _, unit := range units {
		if err := store.Units().Upsert(ctx, unit); err != nil {
			t.Fatalf("upsert unit: %v", err)
		}
	}

	pharmacy, err := store.Units().Get(ctx, 2)
	if err != nil {
		t.Fatalf("get unit: %v", err)
	}
	if pharmacy.ShiftEnabled {
		t.Error("expected shift_enabled forced off without the shift system")
	}

	enabled, err := store.Units().ListShiftEnabled(ctx)
	if err != nil {
		t.Fatalf("list shift enabled: %v", err)
	}
	if len(enabled) != 1 || enabled[0].ID != 1 {
		t.Fatalf("expected only unit 1 enabled, got %+v", enabled)
	}
	if path, ok := enabled[0].PathForShift("morning"); !ok || path != "/opt/simrs/am" {
		t.Errorf("unexpected morning path %q %v", path, ok)
	}
	if _, ok := enabled[0].PathForShift("night"); ok {
		t.Error("expected no night path")
	}

	if err := store.Units().Upsert(ctx, storage.Unit{Name: "no id"}); err == nil {
		t.Error("expected error for unit without id")
	}
	if err := store.Units().Delete(ctx, 3); err != nil {
		t.Fatalf("delete unit: %v", err)
	}
	if _, err := store.Units().Get(ctx, 3); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestShiftStoreReplaceAll(t *testing.T) {
	store := openTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	if err := store.Shifts().ReplaceAll(ctx, []storage.ShiftDefinition{
		{Name: "pagi", Start: "07:00", End: "14:00"},
		{Name: "sore", Start: "14:00", End: "21:00"},
		{Name: "malam", Start: "21:00", End: "07:00"},
	}); err != nil {
		t.Fatalf("replace shifts: %v", err)
	}

	if err := store.Shifts().ReplaceAll(ctx, []storage.ShiftDefinition{
		{Name: "night", Start: "16:30", End: "08:00", Overnight: true},
		{Name: "morning", Start: "08:00", End: "16:30"},
	}); err != nil {
		t.Fatalf("replace shifts: %v", err)
	}

	defs, err := store.Shifts().List(ctx)
	if err != nil {
		t.Fatalf("list shifts: %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("expected 2 shifts after replace, got %d", len(defs))
	}
	if defs[0].Name != "morning" || defs[1].Name != "night" {
		t.Errorf("expected shifts ordered by start, got %s, %s", defs[0].Name, defs[1].Name)
	}
	if defs[0].UpdatedAt.IsZero() {
		t.Error("expected updated_at to be stamped")
	}
	if _, err := store.Shifts().Get(ctx, "pagi"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected old shift to be gone, got %v", err)
	}
}

func TestShiftLogQuery(t *testing.T) {
	store := openTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	base := time.Date(2024, 3, 12, 16, 30, 0, 0, time.UTC)
	for i, unitID := range []int64{1, 2, 1, 1} {
		if _, err := store.ShiftLogs().Append(ctx, storage.ShiftLogEntry{
			UnitID:       unitID,
			UserID:       7,
			OldShift:     "morning",
			NewShift:     "night",
			ChangeTime:   base.Add(time.Duration(i) * time.Hour),
			AutoSwitched: true,
		}); err != nil {
			t.Fatalf("append log: %v", err)
		}
	}

	entries, err := store.ShiftLogs().Query(ctx, storage.ShiftLogFilter{UnitID: 1})
	if err != nil {
		t.Fatalf("query logs: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries for unit 1, got %d", len(entries))
	}
	if !entries[0].ChangeTime.After(entries[1].ChangeTime) {
		t.Error("expected newest entry first")
	}

	from := base.Add(90 * time.Minute)
	entries, err = store.ShiftLogs().Query(ctx, storage.ShiftLogFilter{UnitID: 1, StartTime: &from})
	if err != nil {
		t.Fatalf("query logs: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("expected 2 entries after %v, got %d", from, len(entries))
	}

	entries, err = store.ShiftLogs().Query(ctx, storage.ShiftLogFilter{Limit: 2})
	if err != nil {
		t.Fatalf("query logs: %v", err)
	}
	if len(entries) != 2 || entries[0].ID != 4 {
		t.Errorf("expected the two newest entries, got %+v", entries)
	}
}

func TestAdminUserStore(t *testing.T) {
	store := openTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	if err := store.AdminUsers().Upsert(ctx, storage.AdminUser{ID: "a1", Username: "admin", PasswordHash: "hash"}); err != nil {
		t.Fatalf("upsert admin: %v", err)
	}

	login := time.Now().UTC()
	if err := store.AdminUsers().UpdateLastLogin(ctx, "admin", login); err != nil {
		t.Fatalf("update last login: %v", err)
	}
	user, err := store.AdminUsers().Get(ctx, "admin")
	if err != nil {
		t.Fatalf("get admin: %v", err)
	}
	if user.LastLogin == nil || !user.LastLogin.Equal(login) {
		t.Errorf("expected last login %v, got %v", login, user.LastLogin)
	}
	if user.CreatedAt.IsZero() {
		t.Error("expected created_at to be set")
	}

	created := user.CreatedAt
	if err := store.AdminUsers().Upsert(ctx, storage.AdminUser{ID: "a1", Username: "admin", PasswordHash: "rehashed"}); err != nil {
		t.Fatalf("re-upsert admin: %v", err)
	}
	user, err = store.AdminUsers().Get(ctx, "admin")
	if err != nil {
		t.Fatalf("get admin: %v", err)
	}
	if user.PasswordHash != "rehashed" || !user.CreatedAt.Equal(created) || user.LastLogin == nil {
		t.Errorf("expected hash replaced with created_at and last login kept, got %+v", user)
	}

	if err := store.AdminUsers().UpdateLastLogin(ctx, "ghost", login); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := store.AdminUsers().Delete(ctx, "admin"); err != nil {
		t.Fatalf("delete admin: %v", err)
	}
	users, err := store.AdminUsers().List(ctx)
	if err != nil {
		t.Fatalf("list admins: %v", err)
	}
	if len(users) != 0 {
		t.Errorf("expected no admins, got %d", len(users))
	}
}

func TestUserStore(t *testing.T) {
	store := openTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	if err := store.Users().Upsert(ctx, storage.User{ID: 7, Username: "nurse.ani", UnitID: 1}); err != nil {
		t.Fatalf("upsert user: %v", err)
	}
	user, err := store.Users().Get(ctx, 7)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if user.Username != "nurse.ani" {
		t.Errorf("unexpected user %+v", user)
	}
	if _, err := store.Users().Get(ctx, 8); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
