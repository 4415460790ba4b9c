// Package restart restarts the whole service at the end of every shift. A
// monitor task watches the end of the shift in force, shows an early and a
// final warning, then counts down to a short grace period after the boundary.
// When the countdown runs out the active sessions are snapshotted, a marker is
// written so the boundary is never handled twice, the successor is prepared,
// the sessions are closed, monitoring stops and the process relaunches itself.
package restart

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/goodtune/shiftkiosk/internal/ledger"
	"github.com/goodtune/shiftkiosk/internal/metrics"
	"github.com/goodtune/shiftkiosk/internal/scheduler"
	"github.com/goodtune/shiftkiosk/internal/shift"
	"github.com/goodtune/shiftkiosk/internal/snapshot"
	"github.com/goodtune/shiftkiosk/internal/storage"
	"github.com/rs/zerolog"
)

// Scheduler task names.
const (
	MonitorTask   = "restart-monitor"
	CountdownTask = "restart-countdown"
)

// State is the orchestrator phase.
type State string

const (
	StateIdle           State = "idle"
	StateEarlyWarning   State = "early_warning"
	StateFinalWarning   State = "final_warning"
	StateRestartPending State = "restart_pending"
	StateRestarted      State = "restarted"
)

var (
	ErrNotPending         = errors.New("no restart is pending")
	ErrPostponeNotAllowed = errors.New("postponing restarts is disabled")
	ErrPostponeLimit      = errors.New("postpone limit reached")
	ErrInvalidPostpone    = errors.New("postpone minutes must be positive")
	ErrRestartInProgress  = errors.New("restart already in progress")
)

// Relauncher ends the process and starts the next one. Prepare does every
// step that can fail while the process is still fully running; Relaunch then
// runs exit hooks and ends the process.
type Relauncher interface {
	Prepare() error
	Relaunch() error
}

// Stopper is a component halted before the process restarts.
type Stopper interface {
	Stop()
}

// Notifier tells a service manager the process is going away.
type Notifier interface {
	Stopping() error
}

// Options configures the orchestrator.
type Options struct {
	Enabled             bool          `json:"enabled"`
	WarningMinutes      int           `json:"warningMinutes"`
	FinalWarningSeconds int           `json:"finalWarningSeconds"`
	CheckInterval       time.Duration `json:"checkInterval"`
	RestartDelay        time.Duration `json:"restartDelay"`
	AllowPostpone       bool          `json:"allowPostpone"`
	MaxPostponeMinutes  int           `json:"maxPostponeMinutes"`
	MarkerTolerance     time.Duration `json:"markerTolerance"`
	FallbackShift       string        `json:"fallbackShift,omitempty"`
}

// Deps are the collaborators of an orchestrator. Notifier is optional.
type Deps struct {
	Ledger     *ledger.Ledger
	Scheduler  *scheduler.Scheduler
	Clock      shift.Clock
	Snapshots  *snapshot.Manager
	Markers    *snapshot.MarkerStore
	Relauncher Relauncher
	Surface    Surface
	Notifier   Notifier
}

// Orchestrator is the end-of-shift restart state machine.
type Orchestrator struct {
	deps   Deps
	opts   Options
	logger zerolog.Logger

	// countdown task period
	tick time.Duration

	mu         sync.Mutex
	stoppers   []Stopper
	stopped    bool
	monitoring bool
	restarting bool
	restarted  bool

	pending      bool
	earlyShown   bool
	finalShown   bool
	pendingShift string
	pendingEnd   time.Time
	target       time.Time
	postponed    int
	countdown    int
	retryAt      time.Time
	lastError    string

	cancelledShift string
	cancelledEnd   time.Time

	lastCheck time.Time
	nextCheck time.Time
	current   *shift.Definition
}

// New creates an orchestrator. Zero options take the documented defaults.
func New(deps Deps, opts Options, logger zerolog.Logger) *Orchestrator {
	if opts.WarningMinutes <= 0 {
		opts.WarningMinutes = 5
	}
	if opts.FinalWarningSeconds <= 0 {
		opts.FinalWarningSeconds = 30
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = 30 * time.Second
	}
	if opts.RestartDelay < 0 {
		opts.RestartDelay = 0
	}
	if opts.MaxPostponeMinutes <= 0 {
		opts.MaxPostponeMinutes = 15
	}
	if opts.MarkerTolerance <= 0 {
		opts.MarkerTolerance = 10 * time.Minute
	}

	return &Orchestrator{
		deps:   deps,
		opts:   opts,
		logger: logger.With().Str("component", "auto-restart").Logger(),
		tick:   time.Second,
	}
}

// AddStopper registers a component to halt before relaunching.
func (o *Orchestrator) AddStopper(s Stopper) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stoppers = append(o.stoppers, s)
}

// Start begins monitoring. It does nothing when auto-restart is disabled.
func (o *Orchestrator) Start() error {
	if !o.opts.Enabled {
		o.logger.Info().Msg("Auto-restart disabled in configuration")
		return nil
	}

	o.mu.Lock()
	if o.monitoring {
		o.mu.Unlock()
		o.logger.Info().Msg("Auto-restart monitoring already running")
		return nil
	}
	o.stopped = false
	o.monitoring = true
	o.mu.Unlock()

	if err := o.deps.Scheduler.Every(MonitorTask, o.opts.CheckInterval, o.Check, true); err != nil {
		o.mu.Lock()
		o.monitoring = false
		o.mu.Unlock()
		return fmt.Errorf("start restart monitor: %w", err)
	}

	o.logger.Info().
		Dur("interval", o.opts.CheckInterval).
		Int("warning_minutes", o.opts.WarningMinutes).
		Dur("restart_delay", o.opts.RestartDelay).
		Msg("Auto-restart monitoring started")
	return nil
}

// Stop cancels monitoring and any pending countdown. No tick acts after Stop
// returns.
func (o *Orchestrator) Stop() {
	// stopped is set before cancelling so a Check already past the scheduler
	// cannot register the countdown again.
	o.mu.Lock()
	wasMonitoring := o.monitoring
	o.stopped = true
	o.monitoring = false
	o.clearPendingLocked()
	o.mu.Unlock()

	o.deps.Scheduler.Cancel(MonitorTask)
	o.deps.Scheduler.Cancel(CountdownTask)

	o.deps.Surface.Dismiss()
	metrics.RestartCountdownSeconds.Set(0)
	if wasMonitoring {
		o.logger.Info().Msg("Auto-restart monitoring stopped")
	}
}

// Check evaluates the end of the current shift once. It is the monitor task.
func (o *Orchestrator) Check(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.stopped || o.restarting || o.restarted {
		return
	}

	now := o.deps.Clock.Now()
	o.lastCheck = now
	o.nextCheck = now.Add(o.opts.CheckInterval)
	if o.pending {
		o.countdown = max(secondsUntil(now, o.target), 0)
	}

	current, err := o.currentShift(ctx)
	if err != nil {
		o.logger.Warn().Err(err).Msg("Cannot determine current shift")
		return
	}
	o.current = &current

	end := shift.EndOf(current, now)
	remaining := secondsUntil(now, end)
	metrics.SecondsUntilShiftEnd.Set(float64(remaining))

	o.logger.Debug().
		Str("shift", current.Name).
		Time("shift_end", end).
		Int("seconds_until_end", remaining).
		Msg("Checked shift end")

	if remaining > o.opts.WarningMinutes*60 {
		o.earlyShown = false
		o.finalShown = false
	}

	if o.handledLocked(current.Name, end) {
		o.logger.Debug().Str("shift", current.Name).Msg("Restart already performed for this shift end")
		return
	}
	if o.cancelledShift == current.Name && o.cancelledEnd.Equal(end) {
		return
	}

	switch {
	case remaining <= 0 && !o.pending:
		o.logger.Info().Str("shift", current.Name).Msg("Shift already ended, starting restart countdown")
		o.beginLocked(PhaseOverdue, current.Name, end, now)

	case remaining <= o.opts.FinalWarningSeconds && !o.finalShown:
		o.finalShown = true
		switch {
		case !o.pending:
			o.beginLocked(PhaseFinal, current.Name, end, now)
		case !o.deps.Surface.IsOpen():
			o.showLocked(PhaseFinal, now)
		default:
			o.logger.Info().Msg("Final warning reached, warning already open")
		}

	case remaining <= o.opts.WarningMinutes*60 && !o.earlyShown && !o.pending:
		o.earlyShown = true
		o.beginLocked(PhaseEarly, current.Name, end, now)
	}
}

// countdownTick recomputes the time left from the wall clock and restarts
// when it runs out.
func (o *Orchestrator) countdownTick(ctx context.Context) {
	o.mu.Lock()
	if o.stopped || o.restarting || o.restarted || !o.pending {
		o.mu.Unlock()
		return
	}

	now := o.deps.Clock.Now()
	o.countdown = max(secondsUntil(now, o.target), 0)
	metrics.RestartCountdownSeconds.Set(float64(o.countdown))

	if o.countdown > 0 || (!o.retryAt.IsZero() && now.Before(o.retryAt)) {
		o.mu.Unlock()
		return
	}

	plan := o.planLocked(true)
	o.restarting = true
	o.mu.Unlock()

	_ = o.run(ctx, plan)
}

// Postpone moves a pending restart back by minutes and dismisses the warning.
// It returns the new restart time.
func (o *Orchestrator) Postpone(minutes int) (time.Time, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch {
	case o.restarting || o.restarted:
		return time.Time{}, ErrRestartInProgress
	case !o.pending:
		return time.Time{}, ErrNotPending
	case !o.opts.AllowPostpone:
		return time.Time{}, ErrPostponeNotAllowed
	case minutes <= 0:
		return time.Time{}, ErrInvalidPostpone
	case o.postponed+minutes > o.opts.MaxPostponeMinutes:
		return time.Time{}, fmt.Errorf("%w: %d of %d minutes used", ErrPostponeLimit, o.postponed, o.opts.MaxPostponeMinutes)
	}

	o.postponed += minutes
	o.target = o.target.Add(time.Duration(minutes) * time.Minute)
	o.countdown = max(secondsUntil(o.deps.Clock.Now(), o.target), 0)
	o.retryAt = time.Time{}
	o.deps.Surface.Dismiss()

	o.logger.Info().
		Int("minutes", minutes).
		Int("postponed_total", o.postponed).
		Time("restart_at", o.target).
		Msg("Restart postponed")
	return o.target, nil
}

// Cancel drops the pending restart. The boundary it was counting towards is
// not warned about again; the next shift end is evaluated from scratch.
func (o *Orchestrator) Cancel() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.restarting || o.restarted {
		return ErrRestartInProgress
	}
	if !o.pending {
		return ErrNotPending
	}

	o.cancelledShift = o.pendingShift
	o.cancelledEnd = o.pendingEnd
	o.clearPendingLocked()
	o.deps.Scheduler.Cancel(CountdownTask)
	o.deps.Surface.Dismiss()
	metrics.RestartCountdownSeconds.Set(0)

	o.logger.Info().Str("shift", o.cancelledShift).Msg("Restart cancelled, monitoring continues")
	return nil
}

// Dismiss closes the warning without touching the pending restart.
func (o *Orchestrator) Dismiss() {
	o.deps.Surface.Dismiss()
}

// ForceRestart runs the restart sequence now. A pending restart is handled
// as if its countdown ran out; otherwise the snapshot is marked as forced and
// no marker is written.
func (o *Orchestrator) ForceRestart(ctx context.Context) error {
	o.mu.Lock()
	if o.restarting || o.restarted {
		o.mu.Unlock()
		return ErrRestartInProgress
	}
	plan := o.planLocked(o.pending)
	o.restarting = true
	o.mu.Unlock()

	o.logger.Warn().Str("reason", plan.reason).Msg("Forced restart requested")
	return o.run(ctx, plan)
}

type restartPlan struct {
	reason      string
	shiftName   string
	shiftEnd    time.Time
	writeMarker bool
}

func (o *Orchestrator) planLocked(boundary bool) restartPlan {
	if !boundary {
		return restartPlan{reason: snapshot.ReasonForced}
	}
	return restartPlan{
		reason:      snapshot.ReasonAutoRestart,
		shiftName:   o.pendingShift,
		shiftEnd:    o.pendingEnd,
		writeMarker: true,
	}
}

// run performs snapshot, marker, prepare, close, stop and relaunch in that
// order, stopping at the first failure. Nothing is stopped or closed until
// the successor is prepared, so a failed attempt leaves the kiosk running
// and the countdown retries it. The caller has set restarting.
func (o *Orchestrator) run(ctx context.Context, plan restartPlan) error {
	o.logger.Info().
		Str("reason", plan.reason).
		Str("shift", plan.shiftName).
		Time("shift_end", plan.shiftEnd).
		Msg("Starting restart")

	sessions, err := o.deps.Ledger.ListActiveSessions(ctx)
	if err != nil {
		return o.fail("backup_failed", fmt.Errorf("load active sessions: %w", err))
	}
	name, err := o.deps.Snapshots.Write(snapshot.Snapshot{
		ActiveSessions: sessions,
		CurrentShift:   o.liveShiftName(ctx),
		Reason:         plan.reason,
	})
	if err != nil {
		return o.fail("backup_failed", fmt.Errorf("backup application state: %w", err))
	}

	if plan.writeMarker {
		if err := o.deps.Markers.Save(snapshot.Marker{
			LastShiftName: plan.shiftName,
			LastShiftEnd:  plan.shiftEnd,
			Timestamp:     o.deps.Clock.Now(),
		}); err != nil {
			return o.fail("marker_failed", fmt.Errorf("write restart marker: %w", err))
		}
	}

	if err := o.deps.Relauncher.Prepare(); err != nil {
		return o.fail("relaunch_failed", fmt.Errorf("prepare relaunch: %w", err))
	}

	closed := o.closeSessions(ctx, sessions)

	o.mu.Lock()
	o.restarted = true
	o.mu.Unlock()

	wasMonitoring := o.halt()

	if o.deps.Notifier != nil {
		if err := o.deps.Notifier.Stopping(); err != nil {
			o.logger.Warn().Err(err).Msg("Failed to notify service manager")
		}
	}

	metrics.RestartsTotal.WithLabelValues("initiated").Inc()
	o.logger.Info().
		Str("snapshot", name).
		Int("sessions", len(sessions)).
		Int("closed", closed).
		Msg("Relaunching application")

	if err := o.deps.Relauncher.Relaunch(); err != nil {
		o.resume(wasMonitoring)
		return o.fail("relaunch_failed", fmt.Errorf("relaunch: %w", err))
	}
	return nil
}

// closeSessions ends every snapshotted session so no application stays
// tracked as running across the restart. Recovery reopens them from the
// snapshot. It returns how many were closed.
func (o *Orchestrator) closeSessions(ctx context.Context, sessions []storage.UsageSession) int {
	closed := 0
	now := o.deps.Clock.Now()
	for _, s := range sessions {
		unlock := o.deps.Ledger.LockUnit(s.UnitID)
		_, err := o.deps.Ledger.CloseSession(ctx, s.ID, now, "Closed for application restart")
		unlock()
		switch {
		case err == nil:
			closed++
		case ledger.IsNotFound(err), errors.Is(err, storage.ErrSessionClosed):
		default:
			o.logger.Warn().Err(err).Int64("session_id", s.ID).Int64("unit_id", s.UnitID).Msg("Failed to close session for restart")
		}
	}
	return closed
}

// resume re-registers the orchestrator's own tasks after a relaunch that
// failed past halt. Components already stopped stay stopped.
func (o *Orchestrator) resume(monitor bool) {
	o.mu.Lock()
	o.stopped = false
	o.restarted = false
	o.monitoring = monitor
	pending := o.pending
	o.mu.Unlock()

	if monitor {
		if err := o.deps.Scheduler.Every(MonitorTask, o.opts.CheckInterval, o.Check, false); err != nil {
			o.logger.Error().Err(err).Msg("Failed to resume restart monitor")
		}
	}
	if pending {
		if err := o.deps.Scheduler.Every(CountdownTask, o.tick, o.countdownTick, false); err != nil {
			o.logger.Error().Err(err).Msg("Failed to resume restart countdown")
		}
	}
	o.logger.Warn().Bool("monitoring", monitor).Bool("pending", pending).Msg("Restart monitoring resumed after failed relaunch")
}

// fail records a failed restart attempt. The restart stays pending and is
// retried after one check interval.
func (o *Orchestrator) fail(result string, err error) error {
	metrics.RestartsTotal.WithLabelValues(result).Inc()
	o.logger.Error().Err(err).Str("result", result).Msg("Restart failed")

	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.deps.Clock.Now()
	o.restarting = false
	o.lastError = err.Error()
	o.retryAt = now.Add(o.opts.CheckInterval)

	w := o.warningLocked(PhaseError, now)
	w.Message = "The application could not restart. Sessions are still running."
	w.Error = err.Error()
	o.deps.Surface.Show(w)
	return err
}

// halt stops every timer and registered component without waiting on the
// scheduler, since it may run inside the countdown task. It reports whether
// monitoring was running.
func (o *Orchestrator) halt() bool {
	o.mu.Lock()
	wasMonitoring := o.monitoring
	o.stopped = true
	o.monitoring = false
	stoppers := append([]Stopper(nil), o.stoppers...)
	o.mu.Unlock()

	o.deps.Scheduler.Cancel(MonitorTask)
	o.deps.Scheduler.Cancel(CountdownTask)

	o.deps.Surface.Dismiss()
	for _, s := range stoppers {
		s.Stop()
	}
	o.logger.Info().Int("components", len(stoppers)).Msg("Monitoring stopped for restart")
	return wasMonitoring
}

func (o *Orchestrator) beginLocked(phase, shiftName string, end, now time.Time) {
	o.pending = true
	o.pendingShift = shiftName
	o.pendingEnd = end
	o.target = end.Add(o.opts.RestartDelay)
	o.postponed = 0
	o.retryAt = time.Time{}
	o.lastError = ""
	o.cancelledShift = ""
	o.cancelledEnd = time.Time{}
	o.countdown = max(secondsUntil(now, o.target), 0)
	metrics.RestartCountdownSeconds.Set(float64(o.countdown))

	o.showLocked(phase, now)

	if o.stopped {
		return
	}
	if err := o.deps.Scheduler.Every(CountdownTask, o.tick, o.countdownTick, false); err != nil {
		o.logger.Error().Err(err).Msg("Failed to start restart countdown")
	}
}

func (o *Orchestrator) showLocked(phase string, now time.Time) {
	w := o.warningLocked(phase, now)
	o.deps.Surface.Show(w)
	metrics.RestartWarningsTotal.WithLabelValues(phase).Inc()
}

func (o *Orchestrator) warningLocked(phase string, now time.Time) Warning {
	return Warning{
		Phase:            phase,
		Shift:            o.pendingShift,
		ShiftEnd:         o.pendingEnd,
		RestartAt:        o.target,
		MinutesUntilEnd:  int(math.Floor(o.pendingEnd.Sub(now).Minutes())),
		CountdownSeconds: o.countdown,
		Message:          warningMessage(o.countdown),
		ShownAt:          now,
	}
}

func (o *Orchestrator) clearPendingLocked() {
	o.pending = false
	o.earlyShown = false
	o.finalShown = false
	o.pendingShift = ""
	o.pendingEnd = time.Time{}
	o.target = time.Time{}
	o.postponed = 0
	o.countdown = 0
	o.retryAt = time.Time{}
	o.lastError = ""
}

// handledLocked reports whether the persisted marker covers this boundary.
func (o *Orchestrator) handledLocked(shiftName string, end time.Time) bool {
	marker, err := o.deps.Markers.Load()
	if err != nil {
		o.logger.Warn().Err(err).Msg("Failed to read restart marker")
		return false
	}
	return marker.Covers(shiftName, end, o.opts.MarkerTolerance)
}

func (o *Orchestrator) currentShift(ctx context.Context) (shift.Definition, error) {
	sched, err := o.deps.Ledger.Schedule(ctx, o.opts.FallbackShift)
	if err != nil {
		return shift.Definition{}, err
	}
	current, ok := sched.Current(o.deps.Clock.Now())
	if !ok {
		return shift.Definition{}, errors.New("no shifts defined")
	}
	return current, nil
}

func (o *Orchestrator) liveShiftName(ctx context.Context) string {
	current, err := o.currentShift(ctx)
	if err != nil {
		o.logger.Warn().Err(err).Msg("Snapshot taken without current shift")
		return ""
	}
	return current.Name
}

// secondsUntil rounds up to whole seconds.
func secondsUntil(now, t time.Time) int {
	d := t.Sub(now)
	s := int(d / time.Second)
	if d%time.Second > 0 {
		s++
	}
	return s
}
