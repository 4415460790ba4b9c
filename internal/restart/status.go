package restart

import (
	"time"

	"github.com/goodtune/shiftkiosk/internal/shift"
)

// Status is the operator view of the orchestrator.
type Status struct {
	State            State      `json:"state"`
	Monitoring       bool       `json:"isMonitoring"`
	PendingRestart   bool       `json:"pendingRestart"`
	CountdownSeconds int        `json:"countdownSeconds"`
	RestartAt        *time.Time `json:"restartAt,omitempty"`
	PendingShift     string     `json:"pendingShift,omitempty"`
	PostponedMinutes int        `json:"postponedMinutes"`
	LastError        string     `json:"lastError,omitempty"`
	Config           Options    `json:"config"`
}

// Remaining splits a duration for display.
type Remaining struct {
	Minutes int `json:"minutes"`
	Seconds int `json:"seconds"`
}

// Timers reports which scheduler tasks are registered.
type Timers struct {
	Monitor   bool `json:"monitoringInterval"`
	Countdown bool `json:"countdownTimer"`
}

// Diagnostics is Status plus the monitor internals.
type Diagnostics struct {
	Status
	LastCheck         *time.Time `json:"lastCheck,omitempty"`
	NextCheck         *time.Time `json:"nextCheck,omitempty"`
	CurrentShift      string     `json:"currentShift,omitempty"`
	ShiftEndTime      *time.Time `json:"shiftEndTime,omitempty"`
	TimeUntilEnd      *Remaining `json:"timeUntilEnd,omitempty"`
	ShownEarlyWarning bool       `json:"shownEarlyWarning"`
	ShownFinalWarning bool       `json:"shownFinalWarning"`
	WarningOpen       bool       `json:"warningWindowOpen"`
	Timers            Timers     `json:"timers"`
}

// State returns the current phase.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stateLocked()
}

func (o *Orchestrator) stateLocked() State {
	switch {
	case o.restarted:
		return StateRestarted
	case o.stopped, !o.pending:
		return StateIdle
	case o.finalShown:
		return StateFinalWarning
	case o.earlyShown:
		return StateEarlyWarning
	default:
		return StateRestartPending
	}
}

// Status reports whether a restart is pending and when it will happen.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.statusLocked()
}

func (o *Orchestrator) statusLocked() Status {
	status := Status{
		State:            o.stateLocked(),
		Monitoring:       o.monitoring,
		PendingRestart:   o.pending,
		CountdownSeconds: o.countdown,
		PendingShift:     o.pendingShift,
		PostponedMinutes: o.postponed,
		LastError:        o.lastError,
		Config:           o.opts,
	}
	if o.pending {
		status.RestartAt = timePtr(o.target)
	}
	return status
}

// Diagnostics reports the full monitor state for troubleshooting.
func (o *Orchestrator) Diagnostics() Diagnostics {
	o.mu.Lock()
	diag := Diagnostics{
		Status:            o.statusLocked(),
		ShownEarlyWarning: o.earlyShown,
		ShownFinalWarning: o.finalShown,
	}
	if !o.lastCheck.IsZero() {
		diag.LastCheck = timePtr(o.lastCheck)
		diag.NextCheck = timePtr(o.nextCheck)
	}
	var current *shift.Definition
	if o.current != nil {
		def := *o.current
		current = &def
	}
	o.mu.Unlock()

	if current != nil {
		now := o.deps.Clock.Now()
		end := shift.EndOf(*current, now)
		diff := end.Sub(now)
		diag.CurrentShift = current.Name
		diag.ShiftEndTime = timePtr(end)
		diag.TimeUntilEnd = &Remaining{
			Minutes: int(diff / time.Minute),
			Seconds: int(diff % time.Minute / time.Second),
		}
	}
	diag.WarningOpen = o.deps.Surface.IsOpen()
	diag.Timers = Timers{
		Monitor:   o.deps.Scheduler.Has(MonitorTask),
		Countdown: o.deps.Scheduler.Has(CountdownTask),
	}
	return diag
}

func timePtr(t time.Time) *time.Time {
	return &t
}
