// Package systemd integrates with the service manager: readiness and
// shutdown notifications, the watchdog and socket activation.
package systemd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/goodtune/shiftkiosk/internal/scheduler"
	"github.com/rs/zerolog"
)

// WatchdogTask is the scheduler task sending keep-alives.
const WatchdogTask = "systemd-watchdog"

// Notifier sends sd_notify messages. Outside systemd every call is a no-op.
type Notifier struct {
	logger zerolog.Logger

	// send delivers one notification. Replaced in tests.
	send func(state string) (bool, error)

	// watchdogInterval reports the configured watchdog period. Replaced in tests.
	watchdogInterval func() (time.Duration, error)
}

// NewNotifier creates a notifier.
func NewNotifier(logger zerolog.Logger) *Notifier {
	return &Notifier{
		logger: logger.With().Str("component", "systemd").Logger(),
		send: func(state string) (bool, error) {
			return daemon.SdNotify(false, state)
		},
		watchdogInterval: func() (time.Duration, error) {
			return daemon.SdWatchdogEnabled(false)
		},
	}
}

// Ready tells systemd the service finished starting up.
func (n *Notifier) Ready() error {
	return n.notify(daemon.SdNotifyReady)
}

// Stopping tells systemd the service is shutting down.
func (n *Notifier) Stopping() error {
	return n.notify(daemon.SdNotifyStopping)
}

// Watchdog sends a keep-alive.
func (n *Notifier) Watchdog() error {
	return n.notify(daemon.SdNotifyWatchdog)
}

// Status publishes a free-form status line shown by systemctl status.
func (n *Notifier) Status(msg string) error {
	return n.notify("STATUS=" + msg)
}

// StartWatchdog registers a keep-alive task at half the watchdog period. It
// reports false when the unit has no watchdog configured.
func (n *Notifier) StartWatchdog(sched *scheduler.Scheduler) (bool, error) {
	interval, err := n.watchdogInterval()
	if err != nil {
		return false, fmt.Errorf("failed to read watchdog settings: %w", err)
	}
	if interval <= 0 {
		return false, nil
	}

	period := interval / 2
	if err := sched.Every(WatchdogTask, period, func(context.Context) {
		if err := n.Watchdog(); err != nil {
			n.logger.Warn().Err(err).Msg("Watchdog notification failed")
		}
	}, true); err != nil {
		return false, err
	}

	n.logger.Info().Dur("interval", period).Msg("Systemd watchdog enabled")
	return true, nil
}

func (n *Notifier) notify(state string) error {
	sent, err := n.send(state)
	if err != nil {
		return fmt.Errorf("failed to send sd_notify %s: %w", state, err)
	}
	if !sent {
		n.logger.Debug().Str("state", state).Msg("Not running under systemd, notification skipped")
	}
	return nil
}

// IsSystemdService returns true if running as a systemd service
func IsSystemdService() bool {
	return os.Getenv("NOTIFY_SOCKET") != ""
}
