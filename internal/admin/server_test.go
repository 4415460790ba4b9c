package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/goodtune/shiftkiosk/internal/launcher/launchertest"
	"github.com/goodtune/shiftkiosk/internal/ledger"
	"github.com/goodtune/shiftkiosk/internal/recovery"
	"github.com/goodtune/shiftkiosk/internal/restart"
	"github.com/goodtune/shiftkiosk/internal/scheduler"
	"github.com/goodtune/shiftkiosk/internal/shift"
	"github.com/goodtune/shiftkiosk/internal/shiftchange"
	"github.com/goodtune/shiftkiosk/internal/snapshot"
	"github.com/goodtune/shiftkiosk/internal/storage"
	"github.com/goodtune/shiftkiosk/internal/storage/bolt"
	"github.com/rs/zerolog"
)

const testPassword = "correct horse"

type stubRestart struct {
	status    restart.Status
	postponed int
}

func (s *stubRestart) Status() restart.Status           { return s.status }
func (s *stubRestart) Diagnostics() restart.Diagnostics { return restart.Diagnostics{Status: s.status} }
func (s *stubRestart) Postpone(minutes int) (time.Time, error) {
	s.postponed += minutes
	return time.Time{}, nil
}
func (s *stubRestart) Cancel() error                      { return restart.ErrNotPending }
func (s *stubRestart) Dismiss()                           {}
func (s *stubRestart) ForceRestart(context.Context) error { return nil }

type stubWarnings struct{}

func (stubWarnings) Current() (*restart.Warning, bool) { return nil, false }

type stubBackups struct{}

func (stubBackups) AvailableBackups() ([]snapshot.Info, error) { return nil, nil }
func (stubBackups) CleanupOldBackups(int) (int, error)         { return 0, nil }
func (stubBackups) ManualRecovery(context.Context, string) (*recovery.Report, error) {
	return nil, recovery.ErrNoSnapshot
}

func newTestServer(t *testing.T) (*Server, storage.Store) {
	t.Helper()
	return newTestServerWithConfig(t, Config{JWTSecret: "test-secret", FallbackShift: "night"})
}

func newTestServerWithConfig(t *testing.T, cfg Config) (*Server, storage.Store) {
	t.Helper()

	store, err := bolt.Open(filepath.Join(t.TempDir(), "admin.bolt"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	clock := shift.NewTestClock(time.Date(2024, 3, 12, 10, 0, 0, 0, time.UTC))
	sched := scheduler.New(clock, zerolog.Nop())
	t.Cleanup(sched.Stop)

	l := ledger.New(store, ledger.Options{}, zerolog.Nop())
	coord := shiftchange.New(l, &launchertest.Recorder{}, sched, clock, shiftchange.Options{FallbackShift: "night"}, zerolog.Nop())

	if _, err := CreateAdminUser(context.Background(), store.AdminUsers(), "charge-nurse", testPassword); err != nil {
		t.Fatalf("create admin user: %v", err)
	}

	srv := NewServer(cfg, Deps{
		Store:     store,
		Ledger:    l,
		Clock:     clock,
		Scheduler: sched,
		Shifts:    coord,
		Restart:   &stubRestart{status: restart.Status{State: restart.StateIdle}},
		Warnings:  stubWarnings{},
		Backups:   stubBackups{},
	}, zerolog.Nop())
	return srv, store
}

func doRequest(t *testing.T, h http.Handler, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func login(t *testing.T, h http.Handler) LoginResponse {
	t.Helper()

	rec := doRequest(t, h, http.MethodPost, "/api/auth/login", "", LoginRequest{Username: "charge-nurse", Password: testPassword})
	if rec.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp LoginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return resp
}

func TestLoginAndAuthenticatedRequest(t *testing.T) {
	srv, store := newTestServer(t)
	h := srv.Handler()

	resp := login(t, h)
	if resp.Token == "" || resp.User.Username != "charge-nurse" {
		t.Fatalf("unexpected login response %+v", resp)
	}

	user, err := store.AdminUsers().Get(context.Background(), "charge-nurse")
	if err != nil {
		t.Fatalf("get admin user: %v", err)
	}
	if user.LastLogin == nil {
		t.Error("expected last login to be recorded")
	}

	rec := doRequest(t, h, http.MethodGet, "/api/auth/me", resp.Token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("me: expected 200, got %d", rec.Code)
	}
	var me UserInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &me); err != nil {
		t.Fatalf("decode me: %v", err)
	}
	if me.Username != "charge-nurse" {
		t.Errorf("expected charge-nurse, got %q", me.Username)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	srv, _ := newTestServer(t)

	tests := []struct {
		name string
		req  LoginRequest
		want int
	}{
		{"wrong password", LoginRequest{Username: "charge-nurse", Password: "nope"}, http.StatusUnauthorized},
		{"unknown user", LoginRequest{Username: "ghost", Password: testPassword}, http.StatusUnauthorized},
		{"missing fields", LoginRequest{Username: "charge-nurse"}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, srv.Handler(), http.MethodPost, "/api/auth/login", "", tt.req)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, rec.Code)
			}
		})
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, path := range []string{"/api/shifts", "/api/restart/status", "/api/backups", "/api/units/1/shift-status"} {
		rec := doRequest(t, srv.Handler(), http.MethodGet, path, "", nil)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s: expected 401, got %d", path, rec.Code)
		}
		rec = doRequest(t, srv.Handler(), http.MethodGet, path, "not-a-jwt", nil)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s with bad token: expected 401, got %d", path, rec.Code)
		}
	}
}

func TestTokenCookieAuthenticates(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := login(t, srv.Handler())

	req := httptest.NewRequest(http.MethodGet, "/api/restart/status", nil)
	req.AddCookie(&http.Cookie{Name: "admin_token", Value: resp.Token})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with cookie, got %d", rec.Code)
	}
	var status restart.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.State != restart.StateIdle {
		t.Errorf("expected idle, got %q", status.State)
	}
}

func TestShiftRoutes(t *testing.T) {
	srv, _ := newTestServer(t)
	token := login(t, srv.Handler()).Token

	overlapping := map[string]interface{}{"shifts": []storage.ShiftDefinition{
		{Name: "morning", Start: "08:00", End: "17:00"},
		{Name: "night", Start: "16:30", End: "08:00"},
	}}
	rec := doRequest(t, srv.Handler(), http.MethodPut, "/api/shifts", token, overlapping)
	if rec.Code != http.StatusConflict {
		t.Fatalf("overlap: expected 409, got %d: %s", rec.Code, rec.Body.String())
	}

	valid := map[string]interface{}{"shifts": []storage.ShiftDefinition{
		{Name: "morning", Start: "08:00", End: "16:30"},
		{Name: "night", Start: "16:30", End: "08:00"},
	}}
	rec = doRequest(t, srv.Handler(), http.MethodPut, "/api/shifts", token, valid)
	if rec.Code != http.StatusOK {
		t.Fatalf("replace: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, srv.Handler(), http.MethodGet, "/api/shifts/current", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("current: expected 200, got %d", rec.Code)
	}
	var current struct {
		Shift storage.ShiftDefinition `json:"shift"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &current); err != nil {
		t.Fatalf("decode current: %v", err)
	}
	if current.Shift.Name != "morning" {
		t.Errorf("expected morning at 10:00, got %q", current.Shift.Name)
	}
}

func TestLogoutRevokesToken(t *testing.T) {
	srv, _ := newTestServer(t)
	token := login(t, srv.Handler()).Token
	if srv.Auth().ActiveSessions() != 1 {
		t.Fatalf("expected one session, got %d", srv.Auth().ActiveSessions())
	}

	rec := doRequest(t, srv.Handler(), http.MethodPost, "/api/auth/logout", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("logout: expected 200, got %d", rec.Code)
	}
	if srv.Auth().ActiveSessions() != 0 {
		t.Errorf("expected session removed, got %d", srv.Auth().ActiveSessions())
	}

	rec = doRequest(t, srv.Handler(), http.MethodGet, "/api/auth/me", token, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("token after logout: expected 401, got %d", rec.Code)
	}
}

func TestChangePassword(t *testing.T) {
	srv, store := newTestServer(t)
	token := login(t, srv.Handler()).Token

	rec := doRequest(t, srv.Handler(), http.MethodPost, "/api/auth/change-password", token,
		ChangePasswordRequest{OldPassword: "wrong", NewPassword: "new password"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong old password: expected 401, got %d", rec.Code)
	}

	rec = doRequest(t, srv.Handler(), http.MethodPost, "/api/auth/change-password", token,
		ChangePasswordRequest{OldPassword: testPassword, NewPassword: "short"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("short password: expected 400, got %d", rec.Code)
	}

	rec = doRequest(t, srv.Handler(), http.MethodPost, "/api/auth/change-password", token,
		ChangePasswordRequest{OldPassword: testPassword, NewPassword: "new password"})
	if rec.Code != http.StatusOK {
		t.Fatalf("change: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, srv.Handler(), http.MethodGet, "/api/auth/me", token, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("token after password change: expected 401, got %d", rec.Code)
	}

	user, err := store.AdminUsers().Get(context.Background(), "charge-nurse")
	if err != nil {
		t.Fatalf("get admin user: %v", err)
	}
	if err := VerifyPassword("new password", user.PasswordHash); err != nil {
		t.Error("expected new password to verify")
	}
}

func TestRateLimiter(t *testing.T) {
	clock := shift.NewTestClock(time.Date(2024, 3, 12, 10, 0, 0, 0, time.UTC))
	rl := NewRateLimiter(2, time.Minute, clock)

	if !rl.Allow("10.0.0.1") || !rl.Allow("10.0.0.1") {
		t.Fatal("expected first two requests allowed")
	}
	if rl.Allow("10.0.0.1") {
		t.Error("expected third request rejected")
	}
	if !rl.Allow("10.0.0.2") {
		t.Error("expected other client allowed")
	}

	clock.Advance(61 * time.Second)
	if !rl.Allow("10.0.0.1") {
		t.Error("expected a new window after a minute")
	}

	clock.Advance(2*time.Minute + time.Second)
	if dropped := rl.Sweep(); dropped != 2 {
		t.Errorf("expected 2 idle clients dropped, got %d", dropped)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	srv, _ := newTestServerWithConfig(t, Config{JWTSecret: "test-secret", RateLimit: 1})

	first := doRequest(t, srv.Handler(), http.MethodGet, "/health", "", nil)
	second := doRequest(t, srv.Handler(), http.MethodGet, "/health", "", nil)
	if first.Code != http.StatusOK || second.Code != http.StatusTooManyRequests {
		t.Errorf("expected 200 then 429, got %d then %d", first.Code, second.Code)
	}
}

func TestEnsureInitialAdminUser(t *testing.T) {
	store, err := bolt.Open(filepath.Join(t.TempDir(), "init.bolt"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	if err := EnsureInitialAdminUser(ctx, store.AdminUsers(), "", "", zerolog.Nop()); err == nil {
		t.Fatal("expected error for empty password")
	}
	if err := EnsureInitialAdminUser(ctx, store.AdminUsers(), "", "changeme", zerolog.Nop()); err != nil {
		t.Fatalf("EnsureInitialAdminUser: %v", err)
	}
	if _, err := store.AdminUsers().Get(ctx, "admin"); err != nil {
		t.Fatalf("expected default admin user: %v", err)
	}

	// A second call leaves the existing accounts alone
	if err := EnsureInitialAdminUser(ctx, store.AdminUsers(), "other", "changeme", zerolog.Nop()); err != nil {
		t.Fatalf("EnsureInitialAdminUser again: %v", err)
	}
	if _, err := store.AdminUsers().Get(ctx, "other"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected no second user, got %v", err)
	}

	if _, err := CreateAdminUser(ctx, store.AdminUsers(), "admin", "changeme"); !errors.Is(err, ErrUserExists) {
		t.Errorf("expected ErrUserExists, got %v", err)
	}
}
