package shiftchange

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/shiftkiosk/internal/ledger"
	"github.com/goodtune/shiftkiosk/internal/storage"
)

// Result codes returned by ManualShiftChange.
const (
	CodeUnitNotFound        = "unit_not_found"
	CodeShiftSystemDisabled = "shift_system_disabled"
	CodeShiftNotFound       = "shift_not_found"
	CodeNoActiveSession     = "no_active_session"
	CodePathNotConfigured   = "path_not_configured"
	CodeStoreError          = "store_error"
	CodeLaunchFailed        = "launch_failed"
)

// Result is the outcome of a manual shift change.
type Result struct {
	Success      bool   `json:"success"`
	Message      string `json:"message"`
	Code         string `json:"code,omitempty"`
	OldSessionID int64  `json:"oldSessionId,omitempty"`
	NewSessionID int64  `json:"newSessionId,omitempty"`
}

func failure(code, format string, args ...any) Result {
	return Result{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ManualShiftChange moves a unit's active session onto shiftName at an
// operator's request. Unlike the monitor it checks everything up front and
// reports a failure instead of leaving the unit without a session. userID
// owns the new session; zero keeps the current owner.
func (c *Coordinator) ManualShiftChange(ctx context.Context, unitID, userID int64, shiftName string) Result {
	unit, err := c.ledger.FindUnit(ctx, unitID)
	if ledger.IsNotFound(err) {
		return failure(CodeUnitNotFound, "unit %d not found", unitID)
	}
	if err != nil {
		return failure(CodeStoreError, "load unit %d: %v", unitID, err)
	}
	if !unit.ShiftActive() {
		return failure(CodeShiftSystemDisabled, "unit %s does not use the shift system", unit.Name)
	}

	sched, err := c.ledger.Schedule(ctx, c.opts.FallbackShift)
	if err != nil {
		return failure(CodeStoreError, "load shift schedule: %v", err)
	}
	if _, ok := sched.Lookup(shiftName); !ok {
		return failure(CodeShiftNotFound, "shift %q not found", shiftName)
	}
	if _, ok := unit.PathForShift(shiftName); !ok {
		return failure(CodePathNotConfigured, "no application path configured for shift %s in unit %s", shiftName, unit.Name)
	}

	unlock := c.ledger.LockUnit(unit.ID)
	defer unlock()

	session, err := c.ledger.FindActiveSessionByUnit(ctx, unit.ID)
	if ledger.IsNotFound(err) {
		return failure(CodeNoActiveSession, "unit %s has no active session", unit.Name)
	}
	if err != nil {
		return failure(CodeStoreError, "load active session: %v", err)
	}
	if userID == 0 {
		userID = session.UserID
	}

	c.logger.Info().
		Int64("unit_id", unit.ID).
		Int64("user_id", userID).
		Str("from", session.ShiftName).
		Str("to", shiftName).
		Msg("Manual shift change requested")

	swapped, err := c.swap(ctx, *unit, *session, shiftName, userID, modeManual)
	if err != nil {
		res := failure(CodeStoreError, "shift change failed: %v", err)
		res.OldSessionID = swapped.oldSessionID
		return res
	}

	res := Result{
		Success:      true,
		Message:      fmt.Sprintf("Shift changed to %s", shiftName),
		OldSessionID: swapped.oldSessionID,
		NewSessionID: swapped.newSessionID,
	}
	if swapped.launchErr != nil {
		res.Success = false
		res.Code = CodeLaunchFailed
		res.Message = fmt.Sprintf("Shift changed to %s but the application failed to start: %v", shiftName, swapped.launchErr)
	}
	return res
}

// SessionSummary is the part of an active session shown in a unit status.
type SessionSummary struct {
	ID          int64     `json:"id"`
	Shift       string    `json:"shift"`
	StartTime   time.Time `json:"startTime"`
	AutoStarted bool      `json:"autoStarted"`
}

// UnitStatus describes a unit's shift state.
type UnitStatus struct {
	UnitID             int64           `json:"unitId"`
	UsesShiftSystem    bool            `json:"usesShiftSystem"`
	ShiftEnabled       bool            `json:"shiftEnabled"`
	CurrentShift       string          `json:"currentShift,omitempty"`
	CurrentShiftPath   string          `json:"currentShiftPath,omitempty"`
	NextShiftChange    string          `json:"nextShiftChange,omitempty"`
	MinutesUntilChange *float64        `json:"minutesUntilChange,omitempty"`
	ActiveSession      *SessionSummary `json:"activeSession,omitempty"`
}

// UnitStatus reports the unit's current shift, its path and active session.
// It returns storage.ErrNotFound for an unknown unit.
func (c *Coordinator) UnitStatus(ctx context.Context, unitID int64) (*UnitStatus, error) {
	unit, err := c.ledger.FindUnit(ctx, unitID)
	if err != nil {
		return nil, err
	}

	status := &UnitStatus{
		UnitID:          unit.ID,
		UsesShiftSystem: unit.UsesShiftSystem,
		ShiftEnabled:    unit.ShiftEnabled,
	}
	if !unit.UsesShiftSystem {
		return status, nil
	}

	sched, err := c.ledger.Schedule(ctx, c.opts.FallbackShift)
	if err != nil {
		return nil, err
	}
	now := c.clock.Now()
	if current, ok := sched.Current(now); ok {
		status.CurrentShift = current.Name
		status.CurrentShiftPath, _ = unit.PathForShift(current.Name)
	}
	if window := sched.NearChange(now, c.opts.ChangeTolerance); window.IsChangeTime {
		minutes := window.MinutesUntil
		status.NextShiftChange = window.ShiftName
		status.MinutesUntilChange = &minutes
	}

	session, err := c.ledger.FindActiveSessionByUnit(ctx, unit.ID)
	switch {
	case err == nil:
		status.ActiveSession = &SessionSummary{
			ID:          session.ID,
			Shift:       session.ShiftName,
			StartTime:   session.StartTime,
			AutoStarted: session.AutoStarted,
		}
	case !ledger.IsNotFound(err):
		return nil, err
	}
	return status, nil
}

// History returns a unit's shift changes newest first, optionally bounded.
func (c *Coordinator) History(ctx context.Context, unitID int64, from, to *time.Time) ([]storage.ShiftLogEntry, error) {
	return c.ledger.ShiftHistory(ctx, unitID, from, to, 0)
}
