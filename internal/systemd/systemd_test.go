package systemd

import (
	"errors"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/goodtune/shiftkiosk/internal/scheduler"
	"github.com/goodtune/shiftkiosk/internal/shift"
	"github.com/rs/zerolog"
)

func newTestNotifier(sent *[]string) *Notifier {
	n := NewNotifier(zerolog.Nop())
	n.send = func(state string) (bool, error) {
		*sent = append(*sent, state)
		return true, nil
	}
	return n
}

func TestNotifierStates(t *testing.T) {
	var sent []string
	n := newTestNotifier(&sent)

	if err := n.Ready(); err != nil {
		t.Fatalf("Ready: %v", err)
	}
	if err := n.Status("Monitoring shift night"); err != nil {
		t.Fatalf("Status: %v", err)
	}
	if err := n.Stopping(); err != nil {
		t.Fatalf("Stopping: %v", err)
	}

	want := []string{daemon.SdNotifyReady, "STATUS=Monitoring shift night", daemon.SdNotifyStopping}
	if len(sent) != len(want) {
		t.Fatalf("expected %v, got %v", want, sent)
	}
	for i := range want {
		if sent[i] != want[i] {
			t.Errorf("notification %d: expected %q, got %q", i, want[i], sent[i])
		}
	}
}

func TestNotifierError(t *testing.T) {
	n := NewNotifier(zerolog.Nop())
	n.send = func(string) (bool, error) { return false, errors.New("socket gone") }

	if err := n.Ready(); err == nil {
		t.Error("expected error from failed notification")
	}
}

func TestNotifierOutsideSystemd(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	n := NewNotifier(zerolog.Nop())

	if err := n.Ready(); err != nil {
		t.Errorf("expected no-op outside systemd, got %v", err)
	}
	if IsSystemdService() {
		t.Error("expected not to be a systemd service")
	}
}

func TestStartWatchdog(t *testing.T) {
	sched := scheduler.New(shift.RealClock{}, zerolog.Nop())
	defer sched.Stop()

	var sent []string
	n := newTestNotifier(&sent)

	n.watchdogInterval = func() (time.Duration, error) { return 0, nil }
	enabled, err := n.StartWatchdog(sched)
	if err != nil || enabled {
		t.Fatalf("expected watchdog disabled, got %v (err %v)", enabled, err)
	}
	if sched.Has(WatchdogTask) {
		t.Fatal("no task expected without a watchdog")
	}

	n.watchdogInterval = func() (time.Duration, error) { return time.Hour, nil }
	enabled, err = n.StartWatchdog(sched)
	if err != nil || !enabled {
		t.Fatalf("expected watchdog enabled, got %v (err %v)", enabled, err)
	}
	if !sched.Has(WatchdogTask) {
		t.Error("expected watchdog task registered")
	}
}

func TestGetListenersWithoutActivation(t *testing.T) {
	t.Setenv("LISTEN_PID", "")
	t.Setenv("LISTEN_FDS", "")

	listeners, err := GetListeners()
	if err != nil {
		t.Fatalf("GetListeners: %v", err)
	}
	if listeners.Activated || listeners.Admin != nil || listeners.Metrics != nil {
		t.Errorf("expected no activated listeners, got %+v", listeners)
	}
}
