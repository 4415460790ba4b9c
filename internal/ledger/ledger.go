// Package ledger is the session ledger used by the shift coordinators. It
// wraps a storage.Store with per-unit write serialization and a short-lived
// cache of the shift catalog.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/goodtune/shiftkiosk/internal/metrics"
	"github.com/goodtune/shiftkiosk/internal/shift"
	"github.com/goodtune/shiftkiosk/internal/storage"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
)

const (
	// DefaultCacheSize is used when Options.CacheSize is zero
	DefaultCacheSize = 256

	// DefaultCacheTTL is used when Options.CacheTTL is zero
	DefaultCacheTTL = 30 * time.Second

	keyShifts       = "shifts"
	keyEnabledUnits = "units:enabled"
)

// Options configures a Ledger.
type Options struct {
	CacheSize int
	CacheTTL  time.Duration
}

// Ledger gives coordinators access to sessions, units, shifts and the shift
// log. Reads of the catalog (shift table and units) are cached until the TTL
// expires or InvalidateCatalog is called.
type Ledger struct {
	store  storage.Store
	logger zerolog.Logger

	catalog *expirable.LRU[string, any]

	mu    sync.Mutex
	locks map[int64]*unitLock
}

type unitLock struct {
	mu   sync.Mutex
	refs int
}

// New creates a ledger over store.
func New(store storage.Store, opts Options, logger zerolog.Logger) *Ledger {
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}

	return &Ledger{
		store:   store,
		logger:  logger.With().Str("component", "ledger").Logger(),
		catalog: expirable.NewLRU[string, any](opts.CacheSize, nil, opts.CacheTTL),
		locks:   make(map[int64]*unitLock),
	}
}

// Store returns the underlying store.
func (l *Ledger) Store() storage.Store {
	return l.store
}

// LockUnit serializes ledger mutations for one unit. The returned function
// releases the lock and must be called exactly once.
func (l *Ledger) LockUnit(unitID int64) func() {
	l.mu.Lock()
	lock, ok := l.locks[unitID]
	if !ok {
		lock = &unitLock{}
		l.locks[unitID] = lock
	}
	lock.refs++
	l.mu.Unlock()

	lock.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			lock.mu.Unlock()

			l.mu.Lock()
			lock.refs--
			if lock.refs == 0 {
				delete(l.locks, unitID)
			}
			l.mu.Unlock()
		})
	}
}

// InvalidateCatalog drops every cached shift table and unit record.
func (l *Ledger) InvalidateCatalog() {
	l.catalog.Purge()
	l.logger.Debug().Msg("Catalog cache invalidated")
}

// FindActiveSessionByUnit returns the unit's most recent active session or
// storage.ErrNotFound.
func (l *Ledger) FindActiveSessionByUnit(ctx context.Context, unitID int64) (*storage.UsageSession, error) {
	return l.store.Sessions().FindActiveByUnit(ctx, unitID)
}

// ListActiveSessions returns every active session.
func (l *Ledger) ListActiveSessions(ctx context.Context) ([]storage.UsageSession, error) {
	sessions, err := l.store.Sessions().ListActive(ctx)
	if err != nil {
		return nil, err
	}
	metrics.ActiveSessions.Set(float64(len(sessions)))
	return sessions, nil
}

// CreateSession stores a new session and returns it with its id.
func (l *Ledger) CreateSession(ctx context.Context, session storage.UsageSession) (*storage.UsageSession, error) {
	created, err := l.store.Sessions().Create(ctx, session)
	if err != nil {
		return nil, fmt.Errorf("create session for unit %d: %w", session.UnitID, err)
	}
	if created.Active() {
		metrics.ActiveSessions.Inc()
	}
	l.logger.Debug().
		Int64("session_id", created.ID).
		Int64("unit_id", created.UnitID).
		Str("shift", created.ShiftName).
		Msg("Session created")
	return created, nil
}

// CloseSession closes an active session with the given notes.
func (l *Ledger) CloseSession(ctx context.Context, sessionID int64, endTime time.Time, notes string) (*storage.UsageSession, error) {
	closed, err := l.store.Sessions().Close(ctx, sessionID, endTime, notes)
	if err != nil {
		return nil, fmt.Errorf("close session %d: %w", sessionID, err)
	}
	metrics.ActiveSessions.Dec()
	l.logger.Debug().
		Int64("session_id", closed.ID).
		Int64("unit_id", closed.UnitID).
		Msg("Session closed")
	return closed, nil
}

// FindShiftDefinitions returns the stored shift table ordered by start.
func (l *Ledger) FindShiftDefinitions(ctx context.Context) ([]storage.ShiftDefinition, error) {
	if cached, ok := l.cached(keyShifts); ok {
		return cached.([]storage.ShiftDefinition), nil
	}

	defs, err := l.store.Shifts().List(ctx)
	if err != nil {
		return nil, fmt.Errorf("load shift definitions: %w", err)
	}
	l.catalog.Add(keyShifts, defs)
	return defs, nil
}

// Schedule parses the stored shift table into a resolvable schedule.
func (l *Ledger) Schedule(ctx context.Context, fallback string) (*shift.Schedule, error) {
	records, err := l.FindShiftDefinitions(ctx)
	if err != nil {
		return nil, err
	}
	defs, err := shift.FromRecords(records)
	if err != nil {
		return nil, err
	}
	return shift.NewSchedule(defs, fallback), nil
}

// ReplaceShiftDefinitions validates and stores a new shift table.
func (l *Ledger) ReplaceShiftDefinitions(ctx context.Context, records []storage.ShiftDefinition) error {
	defs, err := shift.FromRecords(records)
	if err != nil {
		return err
	}
	if err := shift.NewSchedule(defs, "").Validate(); err != nil {
		return err
	}

	// Store the derived overnight flag rather than whatever the caller sent
	normalized := make([]storage.ShiftDefinition, 0, len(defs))
	for _, def := range defs {
		normalized = append(normalized, def.Record())
	}
	if err := l.store.Shifts().ReplaceAll(ctx, normalized); err != nil {
		return fmt.Errorf("replace shift definitions: %w", err)
	}
	l.InvalidateCatalog()
	l.logger.Info().Int("shifts", len(normalized)).Msg("Shift table replaced")
	return nil
}

// FindUnitsWithShiftEnabled returns units that use the shift system and have
// it switched on.
func (l *Ledger) FindUnitsWithShiftEnabled(ctx context.Context) ([]storage.Unit, error) {
	if cached, ok := l.cached(keyEnabledUnits); ok {
		return cached.([]storage.Unit), nil
	}

	units, err := l.store.Units().ListShiftEnabled(ctx)
	if err != nil {
		return nil, fmt.Errorf("load shift-enabled units: %w", err)
	}
	l.catalog.Add(keyEnabledUnits, units)
	return units, nil
}

// FindUnit returns a unit by id or storage.ErrNotFound.
func (l *Ledger) FindUnit(ctx context.Context, unitID int64) (*storage.Unit, error) {
	key := unitCacheKey(unitID)
	if cached, ok := l.cached(key); ok {
		unit := cached.(storage.Unit)
		return &unit, nil
	}

	unit, err := l.store.Units().Get(ctx, unitID)
	if err != nil {
		return nil, err
	}
	l.catalog.Add(key, *unit)
	return unit, nil
}

// SaveUnit writes a unit and drops cached catalog entries.
func (l *Ledger) SaveUnit(ctx context.Context, unit storage.Unit) error {
	if err := l.store.Units().Upsert(ctx, unit); err != nil {
		return fmt.Errorf("save unit %d: %w", unit.ID, err)
	}
	l.InvalidateCatalog()
	return nil
}

// FindUser returns a staff user by id or storage.ErrNotFound.
func (l *Ledger) FindUser(ctx context.Context, userID int64) (*storage.User, error) {
	return l.store.Users().Get(ctx, userID)
}

// AppendShiftLog records one shift swap.
func (l *Ledger) AppendShiftLog(ctx context.Context, entry storage.ShiftLogEntry) (*storage.ShiftLogEntry, error) {
	appended, err := l.store.ShiftLogs().Append(ctx, entry)
	if err != nil {
		return nil, fmt.Errorf("append shift log for unit %d: %w", entry.UnitID, err)
	}
	return appended, nil
}

// ShiftHistory returns a unit's shift log newest first, optionally bounded by
// from and to.
func (l *Ledger) ShiftHistory(ctx context.Context, unitID int64, from, to *time.Time, limit int) ([]storage.ShiftLogEntry, error) {
	return l.store.ShiftLogs().Query(ctx, storage.ShiftLogFilter{
		UnitID:    unitID,
		StartTime: from,
		EndTime:   to,
		Limit:     limit,
	})
}

func (l *Ledger) cached(key string) (any, bool) {
	value, ok := l.catalog.Get(key)
	if ok {
		metrics.CatalogCacheHits.Inc()
	} else {
		metrics.CatalogCacheMisses.Inc()
	}
	return value, ok
}

func unitCacheKey(id int64) string {
	return "unit:" + strconv.FormatInt(id, 10)
}

// IsNotFound reports whether err means a record does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}
