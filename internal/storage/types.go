package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// SessionStatus is the lifecycle state of a usage session.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionClosed SessionStatus = "closed"
)

// UnmarshalJSON implements json.Unmarshaler to normalize status to lowercase.
func (s *SessionStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	normalized := SessionStatus(strings.ToLower(raw))

	switch normalized {
	case SessionActive, SessionClosed:
		*s = normalized
		return nil
	default:
		return fmt.Errorf("invalid session status: %s (must be active or closed)", raw)
	}
}

// ShiftDefinition is a named recurring time-of-day window as stored.
// Start and End are "HH:MM" or "HH:MM:SS". Overnight is a display hint only;
// the shift package derives the real value from Start and End.
type ShiftDefinition struct {
	Name      string    `json:"name" yaml:"name"`
	Start     string    `json:"start" yaml:"start"`
	End       string    `json:"end" yaml:"end"`
	Overnight bool      `json:"overnight,omitempty" yaml:"overnight,omitempty"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// Unit is an organizational unit with its shift configuration.
type Unit struct {
	ID              int64             `json:"id" yaml:"id"`
	Name            string            `json:"name" yaml:"name"`
	Description     string            `json:"description,omitempty" yaml:"description,omitempty"`
	UsesShiftSystem bool              `json:"uses_shift_system" yaml:"uses_shift_system"`
	ShiftEnabled    bool              `json:"shift_enabled" yaml:"shift_enabled"`
	ShiftPaths      map[string]string `json:"shift_paths,omitempty" yaml:"shift_paths,omitempty"`
}

// Normalize forces ShiftEnabled off for units outside the shift system.
func (u *Unit) Normalize() {
	if !u.UsesShiftSystem {
		u.ShiftEnabled = false
	}
}

// ShiftActive reports whether the coordinator should manage this unit.
func (u Unit) ShiftActive() bool {
	return u.UsesShiftSystem && u.ShiftEnabled
}

// PathForShift returns the binary configured for a shift. It returns false when
// the unit is not shift-managed or no path is set for that shift.
func (u Unit) PathForShift(shiftName string) (string, bool) {
	if !u.ShiftActive() {
		return "", false
	}
	path := strings.TrimSpace(u.ShiftPaths[shiftName])
	if path == "" {
		return "", false
	}
	return path, true
}

// UsageSession records one user's run of the clinical application for a unit.
type UsageSession struct {
	ID          int64         `json:"id"`
	UserID      int64         `json:"user_id"`
	UnitID      int64         `json:"unit_id"`
	IPAddress   string        `json:"ip_address"`
	StartTime   time.Time     `json:"start_time"`
	EndTime     *time.Time    `json:"end_time,omitempty"`
	Status      SessionStatus `json:"status"`
	ShiftName   string        `json:"shift_name,omitempty"`
	AutoStarted bool          `json:"auto_started"`
	Notes       string        `json:"notes,omitempty"`
}

// Active reports whether the session is still open.
func (s UsageSession) Active() bool {
	return s.Status == SessionActive
}

// ShiftLogEntry is an append-only audit record of one shift swap.
type ShiftLogEntry struct {
	ID           int64     `json:"id"`
	UnitID       int64     `json:"unit_id"`
	UserID       int64     `json:"user_id"`
	OldShift     string    `json:"old_shift,omitempty"`
	NewShift     string    `json:"new_shift"`
	OldSessionID *int64    `json:"old_session_id,omitempty"`
	NewSessionID *int64    `json:"new_session_id,omitempty"`
	ChangeTime   time.Time `json:"change_time"`
	AutoSwitched bool      `json:"auto_switched"`
	Notes        string    `json:"notes,omitempty"`
}

// ShiftLogFilter defines criteria for querying the shift log.
type ShiftLogFilter struct {
	UnitID    int64
	StartTime *time.Time
	EndTime   *time.Time
	Limit     int
}

// User is a staff member who can own usage sessions.
type User struct {
	ID       int64  `json:"id" yaml:"id"`
	Username string `json:"username" yaml:"username"`
	FullName string `json:"full_name,omitempty" yaml:"full_name,omitempty"`
	UnitID   int64  `json:"unit_id,omitempty" yaml:"unit_id,omitempty"`
}

// AdminUser represents an admin account for the admin API.
type AdminUser struct {
	ID           string     `json:"id"`
	Username     string     `json:"username"`
	PasswordHash string     `json:"password_hash"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	LastLogin    *time.Time `json:"last_login,omitempty"`
}
