package process

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestRelaunchSupervisor(t *testing.T) {
	r, err := NewRelauncher(ModeSupervisor, 0, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewRelauncher: %v", err)
	}

	var (
		exitCode = -1
		order    []string
	)
	r.Exit = func(code int) { exitCode = code }
	r.Start = func(string, []string) error {
		t.Fatal("supervisor mode must not spawn")
		return nil
	}
	r.OnExit(func() { order = append(order, "first") })
	r.OnExit(func() { order = append(order, "second") })

	if err := r.Relaunch(); err != nil {
		t.Fatalf("Relaunch: %v", err)
	}
	if exitCode != DefaultExitCode {
		t.Errorf("expected exit code %d, got %d", DefaultExitCode, exitCode)
	}
	if len(order) != 2 || order[0] != "second" || order[1] != "first" {
		t.Errorf("expected hooks in reverse order, got %v", order)
	}
}

func TestRelaunchSpawn(t *testing.T) {
	r, err := NewRelauncher(ModeSpawn, 75, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewRelauncher: %v", err)
	}

	exitCode := -1
	var started string
	r.Exit = func(code int) { exitCode = code }
	r.Start = func(path string, _ []string) error {
		started = path
		return nil
	}

	if err := r.Relaunch(); err != nil {
		t.Fatalf("Relaunch: %v", err)
	}
	self, _ := os.Executable()
	if started != self {
		t.Errorf("expected successor %s, got %s", self, started)
	}
	if exitCode != 0 {
		t.Errorf("expected clean exit after spawn, got %d", exitCode)
	}
}

func TestRelaunchSpawnFailureDoesNotExit(t *testing.T) {
	r, err := NewRelauncher(ModeSpawn, 75, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewRelauncher: %v", err)
	}

	exited := false
	hookRan := false
	r.Exit = func(int) { exited = true }
	r.Start = func(string, []string) error { return errors.New("no such file") }
	r.OnExit(func() { hookRan = true })

	if err := r.Relaunch(); err == nil {
		t.Fatal("expected error when the successor cannot start")
	}
	if exited || hookRan {
		t.Error("process must keep running when spawn fails")
	}
}

func TestPrepareStartsSuccessorOnce(t *testing.T) {
	r, err := NewRelauncher(ModeSpawn, 75, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewRelauncher: %v", err)
	}

	exitCode := -1
	starts := 0
	fail := true
	r.Exit = func(code int) { exitCode = code }
	r.Start = func(string, []string) error {
		starts++
		if fail {
			return errors.New("exec format error")
		}
		return nil
	}

	if err := r.Prepare(); err == nil {
		t.Fatal("expected Prepare to report the failed spawn")
	}
	if exitCode != -1 {
		t.Fatal("a failed Prepare must not exit")
	}

	fail = false
	if err := r.Prepare(); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := r.Prepare(); err != nil {
		t.Fatalf("second Prepare: %v", err)
	}
	if err := r.Relaunch(); err != nil {
		t.Fatalf("Relaunch: %v", err)
	}
	if starts != 2 {
		t.Errorf("expected one failed and one successful spawn, got %d starts", starts)
	}
	if exitCode != 0 {
		t.Errorf("expected clean exit after spawn, got %d", exitCode)
	}
}

func TestPrepareSupervisorDoesNothing(t *testing.T) {
	r, err := NewRelauncher(ModeSupervisor, 0, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewRelauncher: %v", err)
	}
	r.Start = func(string, []string) error {
		t.Fatal("supervisor mode must not spawn")
		return nil
	}
	if err := r.Prepare(); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
}

func TestNewRelauncherRejectsUnknownMode(t *testing.T) {
	if _, err := NewRelauncher("fork-bomb", 0, zerolog.Nop()); err == nil {
		t.Error("expected error for unknown mode")
	}
}

func TestInstanceLock(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first := NewInstanceLock(dir, 0)
	if err := first.Acquire(ctx); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}

	second := NewInstanceLock(dir, 300*time.Millisecond)
	start := time.Now()
	if err := second.Acquire(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	if waited := time.Since(start); waited < 250*time.Millisecond {
		t.Errorf("expected Acquire to retry for the wait period, returned after %v", waited)
	}

	// A successor waiting for its predecessor gets the lock once released
	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = first.Release()
	}()
	third := NewInstanceLock(dir, 2*time.Second)
	if err := third.Acquire(ctx); err != nil {
		t.Fatalf("expected lock after release, got %v", err)
	}
	_ = third.Release()
}
