// Package shiftchange swaps usage sessions onto the current shift. A periodic
// tick compares every shift-managed unit's active session with the shift in
// force and, when they differ, closes the old session, opens a new one, logs
// the swap and launches the binary configured for the new shift.
package shiftchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goodtune/shiftkiosk/internal/launcher"
	"github.com/goodtune/shiftkiosk/internal/ledger"
	"github.com/goodtune/shiftkiosk/internal/metrics"
	"github.com/goodtune/shiftkiosk/internal/scheduler"
	"github.com/goodtune/shiftkiosk/internal/shift"
	"github.com/goodtune/shiftkiosk/internal/storage"
	"github.com/rs/zerolog"
)

// TaskName is the scheduler task running the monitor tick.
const TaskName = "shift-monitor"

const (
	modeAuto   = "auto"
	modeManual = "manual"
)

var errNoPath = errors.New("no path configured for shift")

// Options configures a Coordinator.
type Options struct {
	FallbackShift   string
	CheckInterval   time.Duration
	ChangeTolerance time.Duration
}

// Coordinator runs the shift monitor and manual shift changes.
type Coordinator struct {
	ledger    *ledger.Ledger
	launcher  launcher.Launcher
	scheduler *scheduler.Scheduler
	clock     shift.Clock
	opts      Options
	logger    zerolog.Logger

	tickMu  sync.Mutex
	stopped bool
	running bool
}

// TickSummary counts what one tick did.
type TickSummary struct {
	Shift   string
	Units   int
	Swapped int
	Failed  int
}

// New creates a coordinator. Start registers its tick with sched.
func New(l *ledger.Ledger, launch launcher.Launcher, sched *scheduler.Scheduler, clock shift.Clock, opts Options, logger zerolog.Logger) *Coordinator {
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = time.Minute
	}
	if opts.ChangeTolerance <= 0 {
		opts.ChangeTolerance = 5 * time.Minute
	}
	return &Coordinator{
		ledger:    l,
		launcher:  launch,
		scheduler: sched,
		clock:     clock,
		opts:      opts,
		logger:    logger.With().Str("component", "shift-change").Logger(),
	}
}

// Start begins monitoring. The first tick runs immediately.
func (c *Coordinator) Start() error {
	c.tickMu.Lock()
	c.stopped = false
	c.running = true
	c.tickMu.Unlock()

	if err := c.scheduler.Every(TaskName, c.opts.CheckInterval, func(ctx context.Context) {
		c.Tick(ctx)
	}, true); err != nil {
		return fmt.Errorf("start shift monitor: %w", err)
	}

	c.logger.Info().Dur("interval", c.opts.CheckInterval).Msg("Shift monitoring started")
	return nil
}

// Stop cancels the monitor and waits for an in-flight tick. No tick runs
// after Stop returns.
func (c *Coordinator) Stop() {
	c.scheduler.Cancel(TaskName)

	c.tickMu.Lock()
	wasRunning := c.running
	c.stopped = true
	c.running = false
	c.tickMu.Unlock()

	if wasRunning {
		c.logger.Info().Msg("Shift monitoring stopped")
	}
}

// Running reports whether the monitor is active.
func (c *Coordinator) Running() bool {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()
	return c.running
}

// Tick runs one pass over every shift-enabled unit. Errors for one unit are
// logged and never stop the others.
func (c *Coordinator) Tick(ctx context.Context) TickSummary {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()

	var summary TickSummary
	if c.stopped {
		return summary
	}

	start := time.Now()
	defer func() {
		metrics.ShiftTickDuration.Observe(time.Since(start).Seconds())
	}()

	current, err := c.CurrentShift(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Cannot determine current shift")
		return summary
	}
	summary.Shift = current.Name
	metrics.SetCurrentShift(current.Name)

	units, err := c.ledger.FindUnitsWithShiftEnabled(ctx)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to load shift-enabled units")
		return summary
	}
	summary.Units = len(units)

	for _, unit := range units {
		if ctx.Err() != nil {
			break
		}
		swapped, err := c.checkUnit(ctx, unit, current.Name)
		if swapped {
			summary.Swapped++
		}
		if err != nil {
			summary.Failed++
			c.logger.Error().
				Err(err).
				Int64("unit_id", unit.ID).
				Str("unit", unit.Name).
				Msg("Shift change failed for unit")
		}
	}

	c.logger.Debug().
		Str("shift", summary.Shift).
		Int("units", summary.Units).
		Int("swapped", summary.Swapped).
		Int("failed", summary.Failed).
		Msg("Shift tick complete")
	return summary
}

// CurrentShift resolves the shift in force now.
func (c *Coordinator) CurrentShift(ctx context.Context) (shift.Definition, error) {
	sched, err := c.ledger.Schedule(ctx, c.opts.FallbackShift)
	if err != nil {
		return shift.Definition{}, err
	}
	current, ok := sched.Current(c.clock.Now())
	if !ok {
		return shift.Definition{}, fmt.Errorf("no shifts defined")
	}
	return current, nil
}

func (c *Coordinator) checkUnit(ctx context.Context, unit storage.Unit, shiftName string) (bool, error) {
	unlock := c.ledger.LockUnit(unit.ID)
	defer unlock()

	session, err := c.ledger.FindActiveSessionByUnit(ctx, unit.ID)
	if ledger.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if session.ShiftName == shiftName {
		return false, nil
	}

	c.logger.Info().
		Int64("unit_id", unit.ID).
		Str("unit", unit.Name).
		Str("from", session.ShiftName).
		Str("to", shiftName).
		Msg("Shift change detected")

	result, err := c.swap(ctx, unit, *session, shiftName, session.UserID, modeAuto)
	if errors.Is(err, errNoPath) {
		// The old session stays closed with no successor until an operator acts
		c.logger.Warn().
			Int64("unit_id", unit.ID).
			Str("unit", unit.Name).
			Str("shift", shiftName).
			Msg("No application path for shift, unit left without a session")
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if result.launchErr != nil {
		return true, fmt.Errorf("launch for shift %s: %w", shiftName, result.launchErr)
	}
	return true, nil
}

type swapResult struct {
	oldSessionID int64
	newSessionID int64
	launchErr    error
}

// swap performs the close, open, log and launch steps for one unit. The
// caller holds the unit lock.
func (c *Coordinator) swap(ctx context.Context, unit storage.Unit, old storage.UsageSession, newShift string, userID int64, mode string) (swapResult, error) {
	result := swapResult{oldSessionID: old.ID}
	auto := mode == modeAuto
	now := c.clock.Now()

	closeNote := fmt.Sprintf("Closed automatically for shift change to %s", newShift)
	openNote := fmt.Sprintf("Started automatically after shift change from %s", old.ShiftName)
	logNote := fmt.Sprintf("Automatic change from %s to %s", old.ShiftName, newShift)
	if !auto {
		closeNote = fmt.Sprintf("Closed manually for shift change to %s", newShift)
		openNote = fmt.Sprintf("Started manually for shift %s", newShift)
		logNote = fmt.Sprintf("Manual change from %s to %s", old.ShiftName, newShift)
	}

	if _, err := c.ledger.CloseSession(ctx, old.ID, now, closeNote); err != nil {
		metrics.ShiftSwapsTotal.WithLabelValues(mode, "store_error").Inc()
		return result, err
	}

	path, ok := unit.PathForShift(newShift)
	if !ok {
		metrics.ShiftSwapsTotal.WithLabelValues(mode, "no_path").Inc()
		return result, errNoPath
	}

	created, err := c.ledger.CreateSession(ctx, storage.UsageSession{
		UserID:      userID,
		UnitID:      unit.ID,
		IPAddress:   old.IPAddress,
		StartTime:   now,
		Status:      storage.SessionActive,
		ShiftName:   newShift,
		AutoStarted: auto,
		Notes:       openNote,
	})
	if err != nil {
		metrics.ShiftSwapsTotal.WithLabelValues(mode, "store_error").Inc()
		return result, err
	}
	result.newSessionID = created.ID

	oldID, newID := old.ID, created.ID
	if _, err := c.ledger.AppendShiftLog(ctx, storage.ShiftLogEntry{
		UnitID:       unit.ID,
		UserID:       userID,
		OldShift:     old.ShiftName,
		NewShift:     newShift,
		OldSessionID: &oldID,
		NewSessionID: &newID,
		ChangeTime:   now,
		AutoSwitched: auto,
		Notes:        logNote,
	}); err != nil {
		// The new session exists; still launch so the unit is usable
		c.logger.Error().Err(err).Int64("unit_id", unit.ID).Msg("Failed to record shift change")
	}

	if err := c.launcher.Launch(ctx, path); err != nil {
		metrics.ShiftSwapsTotal.WithLabelValues(mode, "launch_failed").Inc()
		result.launchErr = err
		return result, nil
	}

	metrics.ShiftSwapsTotal.WithLabelValues(mode, "ok").Inc()
	c.logger.Info().
		Int64("unit_id", unit.ID).
		Str("unit", unit.Name).
		Str("from", old.ShiftName).
		Str("to", newShift).
		Int64("old_session_id", oldID).
		Int64("new_session_id", newID).
		Str("mode", mode).
		Msg("Shift change completed")
	return result, nil
}
