package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// ErrSessionClosed is returned when closing a session that is no longer active.
var ErrSessionClosed = errors.New("storage: session already closed")

// Store represents the root storage interface.
type Store interface {
	Close() error
	Sessions() SessionStore
	Units() UnitStore
	Shifts() ShiftStore
	ShiftLogs() ShiftLogStore
	Users() UserStore
	AdminUsers() AdminUserStore
}

// SessionStore manages usage sessions. Each call is atomic at the
// single-record level.
type SessionStore interface {
	// Create assigns a new ID and stores the session as given.
	Create(ctx context.Context, session UsageSession) (*UsageSession, error)
	Get(ctx context.Context, id int64) (*UsageSession, error)
	// Close marks an active session closed, stamping endTime and notes.
	Close(ctx context.Context, id int64, endTime time.Time, notes string) (*UsageSession, error)
	// FindActiveByUnit returns the most recently started active session for
	// a unit, or ErrNotFound.
	FindActiveByUnit(ctx context.Context, unitID int64) (*UsageSession, error)
	ListActive(ctx context.Context) ([]UsageSession, error)
}

// UnitStore manages organizational units and their shift configuration.
type UnitStore interface {
	Get(ctx context.Context, id int64) (*Unit, error)
	List(ctx context.Context) ([]Unit, error)
	ListShiftEnabled(ctx context.Context) ([]Unit, error)
	Upsert(ctx context.Context, unit Unit) error
	Delete(ctx context.Context, id int64) error
}

// ShiftStore manages the shift schedule table.
type ShiftStore interface {
	List(ctx context.Context) ([]ShiftDefinition, error)
	Get(ctx context.Context, name string) (*ShiftDefinition, error)
	// ReplaceAll swaps the whole table in one write.
	ReplaceAll(ctx context.Context, defs []ShiftDefinition) error
}

// ShiftLogStore manages the append-only shift change audit trail.
type ShiftLogStore interface {
	Append(ctx context.Context, entry ShiftLogEntry) (*ShiftLogEntry, error)
	// Query returns matching entries newest first.
	Query(ctx context.Context, filter ShiftLogFilter) ([]ShiftLogEntry, error)
}

// UserStore manages staff records.
type UserStore interface {
	Get(ctx context.Context, id int64) (*User, error)
	List(ctx context.Context) ([]User, error)
	Upsert(ctx context.Context, user User) error
}

// AdminUserStore manages admin user accounts. Upsert keeps the stored
// CreatedAt and LastLogin when the caller leaves them empty.
type AdminUserStore interface {
	Get(ctx context.Context, username string) (*AdminUser, error)
	List(ctx context.Context) ([]AdminUser, error)
	Upsert(ctx context.Context, user AdminUser) error
	Delete(ctx context.Context, username string) error
	UpdateLastLogin(ctx context.Context, username string, loginTime time.Time) error
}
