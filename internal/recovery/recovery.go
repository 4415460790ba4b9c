// Package recovery restores the sessions captured by a restart snapshot. It
// runs once at startup, before shift monitoring begins, and can be invoked
// again by an operator for a specific snapshot file.
package recovery

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
	"github.com/goodtune/shiftkiosk/internal/snapshot"
	"github.com/goodtune/shiftkiosk/internal/storage"
	"github.com/rs/zerolog"
)

// CleanupTask is the scheduler task deleting expired snapshots.
const CleanupTask = "backup-cleanup"

var (
	ErrRecoveryInProgress = errors.New("recovery already in progress")
	ErrNoSnapshot         = errors.New("snapshot not found")
)

// Outcomes of a recovery run.
const (
	OutcomeRecovered = "recovered"
	OutcomePartial   = "partial"
	OutcomeDeclined  = "declined"
	OutcomeSkipped   = "skipped"
)

// Options configures a Coordinator.
type Options struct {
	MaxAge        time.Duration
	RetentionDays int
	CleanupTime   string
	FallbackShift string
}

// RecoveredSession is one session re-created from a snapshot.
type RecoveredSession struct {
	OriginalID  int64  `json:"originalId"`
	NewID       int64  `json:"newId"`
	UnitID      int64  `json:"unitId"`
	Shift       string `json:"shift"`
	Launched    bool   `json:"launched"`
	LaunchError string `json:"launchError,omitempty"`
}

// SessionIssue is a snapshot session that was not recovered.
type SessionIssue struct {
	OriginalID int64  `json:"originalId"`
	UnitID     int64  `json:"unitId"`
	Reason     string `json:"reason"`
}

// Report is the result of a recovery attempt.
type Report struct {
	File        string             `json:"file,omitempty"`
	Outcome     string             `json:"outcome"`
	Reason      string             `json:"reason,omitempty"`
	Recovered   []RecoveredSession `json:"recovered,omitempty"`
	Skipped     []SessionIssue     `json:"skipped,omitempty"`
	Failed      []SessionIssue     `json:"failed,omitempty"`
	FileDeleted bool               `json:"fileDeleted"`
}

// Coordinator recovers sessions from snapshots and expires old ones.
type Coordinator struct {
	ledger    *ledger.Ledger
	launcher  launcher.Launcher
	snapshots *snapshot.Manager
	confirmer Confirmer
	scheduler *scheduler.Scheduler
	clock     shift.Clock
	opts      Options
	logger    zerolog.Logger

	mu         sync.Mutex
	inProgress bool
}

// New creates a recovery coordinator.
func New(l *ledger.Ledger, launch launcher.Launcher, snaps *snapshot.Manager, confirmer Confirmer, sched *scheduler.Scheduler, clock shift.Clock, opts Options, logger zerolog.Logger) *Coordinator {
	if opts.MaxAge <= 0 {
		opts.MaxAge = 10 * time.Minute
	}
	if opts.RetentionDays <= 0 {
		opts.RetentionDays = 7
	}
	if opts.CleanupTime == "" {
		opts.CleanupTime = "03:00"
	}
	if confirmer == nil {
		confirmer = AutoConfirmer{Accept: true}
	}
	return &Coordinator{
		ledger:    l,
		launcher:  launch,
		snapshots: snaps,
		confirmer: confirmer,
		scheduler: sched,
		clock:     clock,
		opts:      opts,
		logger:    logger.With().Str("component", "recovery").Logger(),
	}
}

// Run recovers the newest snapshot when it was written by an automatic
// restart within the maximum age and holds at least one session.
func (c *Coordinator) Run(ctx context.Context) (*Report, error) {
	if !c.begin() {
		return nil, ErrRecoveryInProgress
	}
	defer c.end()

	snap, name, err := c.snapshots.Latest()
	if errors.Is(err, snapshot.ErrNotFound) {
		c.logger.Debug().Msg("No snapshot to recover")
		return &Report{Outcome: OutcomeSkipped, Reason: "no snapshot"}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read latest snapshot: %w", err)
	}

	report := &Report{File: name, Outcome: OutcomeSkipped}
	age := c.clock.Now().Sub(snap.Timestamp)
	switch {
	case age > c.opts.MaxAge:
		report.Reason = fmt.Sprintf("snapshot is %s old", age.Round(time.Second))
	case snap.Reason != snapshot.ReasonAutoRestart:
		report.Reason = fmt.Sprintf("snapshot reason is %q", snap.Reason)
	case len(snap.ActiveSessions) == 0:
		report.Reason = "snapshot has no active sessions"
	default:
		return c.recover(ctx, name, snap)
	}

	c.logger.Info().Str("file", name).Str("reason", report.Reason).Msg("Skipping automatic recovery")
	return report, nil
}

// ManualRecovery recovers a named snapshot regardless of its age or reason.
// Confirmation is still required.
func (c *Coordinator) ManualRecovery(ctx context.Context, name string) (*Report, error) {
	if !c.begin() {
		return nil, ErrRecoveryInProgress
	}
	defer c.end()

	snap, err := c.snapshots.Read(name)
	if errors.Is(err, snapshot.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNoSnapshot, name)
	}
	if err != nil {
		return nil, err
	}
	if len(snap.ActiveSessions) == 0 {
		return &Report{File: name, Outcome: OutcomeSkipped, Reason: "snapshot has no active sessions"}, nil
	}
	return c.recover(ctx, name, snap)
}

// AvailableBackups lists snapshot files newest first.
func (c *Coordinator) AvailableBackups() ([]snapshot.Info, error) {
	return c.snapshots.List()
}

// CleanupOldBackups deletes snapshots older than retentionDays, or the
// configured retention when it is not positive. It returns how many files
// were removed.
func (c *Coordinator) CleanupOldBackups(retentionDays int) (int, error) {
	if retentionDays <= 0 {
		retentionDays = c.opts.RetentionDays
	}

	old, err := c.snapshots.OlderThan(time.Duration(retentionDays) * 24 * time.Hour)
	if err != nil {
		return 0, err
	}

	deleted := 0
	var errs []error
	for _, info := range old {
		if err := c.snapshots.Delete(info.Name); err != nil && !errors.Is(err, snapshot.ErrNotFound) {
			errs = append(errs, err)
			continue
		}
		deleted++
	}
	metrics.BackupsDeletedTotal.Add(float64(deleted))

	if deleted > 0 {
		c.logger.Info().Int("deleted", deleted).Int("retention_days", retentionDays).Msg("Old backups removed")
	}
	return deleted, errors.Join(errs...)
}

// StartCleanup schedules the daily retention pass.
func (c *Coordinator) StartCleanup() error {
	err := c.scheduler.Daily(CleanupTask, c.opts.CleanupTime, func(ctx context.Context) {
		if _, err := c.CleanupOldBackups(0); err != nil {
			c.logger.Error().Err(err).Msg("Backup cleanup failed")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule backup cleanup: %w", err)
	}
	c.logger.Info().Str("at", c.opts.CleanupTime).Int("retention_days", c.opts.RetentionDays).Msg("Backup cleanup scheduled")
	return nil
}

// StopCleanup cancels the daily retention pass.
func (c *Coordinator) StopCleanup() {
	c.scheduler.Cancel(CleanupTask)
}

func (c *Coordinator) begin() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inProgress {
		return false
	}
	c.inProgress = true
	return true
}

func (c *Coordinator) end() {
	c.mu.Lock()
	c.inProgress = false
	c.mu.Unlock()
}

func (c *Coordinator) recover(ctx context.Context, name string, snap *snapshot.Snapshot) (*Report, error) {
	report := &Report{File: name}

	ok, err := c.confirmer.Confirm(ctx, Summary{
		File:      name,
		Timestamp: snap.Timestamp,
		Reason:    snap.Reason,
		Shift:     snap.CurrentShift,
		Sessions:  len(snap.ActiveSessions),
	})
	if err != nil {
		return nil, fmt.Errorf("confirm recovery: %w", err)
	}
	if !ok {
		c.logger.Info().Str("file", name).Msg("Recovery declined")
		report.Outcome = OutcomeDeclined
		return report, nil
	}

	c.logger.Info().Str("file", name).Int("sessions", len(snap.ActiveSessions)).Msg("Recovering sessions")

	live := c.liveShift(ctx)
	for _, original := range snap.ActiveSessions {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.recoverSession(ctx, original, live, report)
	}

	switch {
	case len(report.Failed) > 0:
		report.Outcome = OutcomePartial
		c.logger.Warn().Str("file", name).Int("failed", len(report.Failed)).Msg("Recovery incomplete, snapshot kept")
	default:
		report.Outcome = OutcomeRecovered
		if err := c.snapshots.Delete(name); err != nil {
			c.logger.Error().Err(err).Str("file", name).Msg("Failed to delete recovered snapshot")
		} else {
			report.FileDeleted = true
		}
	}

	c.logger.Info().
		Str("file", name).
		Int("recovered", len(report.Recovered)).
		Int("skipped", len(report.Skipped)).
		Int("failed", len(report.Failed)).
		Msg("Recovery finished")
	return report, nil
}

func (c *Coordinator) recoverSession(ctx context.Context, original storage.UsageSession, live string, report *Report) {
	skip := func(reason string) {
		metrics.RecoveredSessionsTotal.WithLabelValues("skipped").Inc()
		c.logger.Warn().Int64("session_id", original.ID).Str("reason", reason).Msg("Session not recovered")
		report.Skipped = append(report.Skipped, SessionIssue{OriginalID: original.ID, UnitID: original.UnitID, Reason: reason})
	}
	fail := func(err error) {
		metrics.RecoveredSessionsTotal.WithLabelValues("failed").Inc()
		c.logger.Error().Err(err).Int64("session_id", original.ID).Msg("Session recovery failed")
		report.Failed = append(report.Failed, SessionIssue{OriginalID: original.ID, UnitID: original.UnitID, Reason: err.Error()})
	}

	if _, err := c.ledger.FindUser(ctx, original.UserID); err != nil {
		if ledger.IsNotFound(err) {
			skip(fmt.Sprintf("user %d no longer exists", original.UserID))
			return
		}
		fail(err)
		return
	}
	unit, err := c.ledger.FindUnit(ctx, original.UnitID)
	if err != nil {
		if ledger.IsNotFound(err) {
			skip(fmt.Sprintf("unit %d no longer exists", original.UnitID))
			return
		}
		fail(err)
		return
	}

	shiftName := live
	if shiftName == "" {
		shiftName = original.ShiftName
	}

	unlock := c.ledger.LockUnit(unit.ID)
	defer unlock()

	now := c.clock.Now()
	// The restart closed every snapshotted session, so an active one here
	// was opened since.
	current, err := c.ledger.FindActiveSessionByUnit(ctx, unit.ID)
	switch {
	case err == nil:
		skip(fmt.Sprintf("unit already has active session %d", current.ID))
		return
	case !ledger.IsNotFound(err):
		fail(err)
		return
	}

	created, err := c.ledger.CreateSession(ctx, storage.UsageSession{
		UserID:      original.UserID,
		UnitID:      unit.ID,
		IPAddress:   original.IPAddress,
		StartTime:   now,
		Status:      storage.SessionActive,
		ShiftName:   shiftName,
		AutoStarted: true,
		Notes:       fmt.Sprintf("Recovered from backup after automatic restart (original session %d)", original.ID),
	})
	if err != nil {
		fail(err)
		return
	}

	oldID, newID := original.ID, created.ID
	if _, err := c.ledger.AppendShiftLog(ctx, storage.ShiftLogEntry{
		UnitID:       unit.ID,
		UserID:       original.UserID,
		OldShift:     original.ShiftName,
		NewShift:     shiftName,
		OldSessionID: &oldID,
		NewSessionID: &newID,
		ChangeTime:   now,
		AutoSwitched: true,
		Notes:        "Session recovered after automatic restart",
	}); err != nil {
		fail(fmt.Errorf("record recovery of session %d: %w", original.ID, err))
		return
	}

	recovered := RecoveredSession{OriginalID: oldID, NewID: newID, UnitID: unit.ID, Shift: shiftName}
	if path, ok := unit.PathForShift(shiftName); ok {
		if err := c.launcher.Launch(ctx, path); err != nil {
			recovered.LaunchError = err.Error()
			c.logger.Error().Err(err).Str("path", path).Int64("unit_id", unit.ID).Msg("Failed to launch recovered session")
		} else {
			recovered.Launched = true
		}
	}

	metrics.RecoveredSessionsTotal.WithLabelValues("recovered").Inc()
	c.logger.Info().
		Int64("original_session_id", oldID).
		Int64("new_session_id", newID).
		Str("unit", unit.Name).
		Str("shift", shiftName).
		Bool("launched", recovered.Launched).
		Msg("Session recovered")
	report.Recovered = append(report.Recovered, recovered)
}

func (c *Coordinator) liveShift(ctx context.Context) string {
	sched, err := c.ledger.Schedule(ctx, c.opts.FallbackShift)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Cannot load shifts, keeping snapshot shifts")
		return ""
	}
	current, ok := sched.Current(c.clock.Now())
	if !ok {
		return ""
	}
	return current.Name
}
