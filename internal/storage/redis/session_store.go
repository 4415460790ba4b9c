package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/goodtune/shiftkiosk/internal/storage"
	"github.com/redis/go-redis/v9"
)

type sessionStore struct {
	client *redis.Client
}

// Create allocates an id from the session counter and stores the session
func (s *sessionStore) Create(ctx context.Context, session storage.UsageSession) (*storage.UsageSession, error) {
	if session.Status == "" {
		session.Status = storage.SessionActive
	}
	if session.StartTime.IsZero() {
		session.StartTime = time.Now()
	}

	id, err := s.client.Incr(ctx, keySessionSeq).Result()
	if err != nil {
		return nil, fmt.Errorf("next session id: %w", err)
	}
	session.ID = id

	script := redis.NewScript(createSessionScript)
	keys := []string{sessionKey(id), keySessionsActive, unitActiveKey(session.UnitID)}
	args := []interface{}{
		id,
		session.UserID,
		session.UnitID,
		session.IPAddress,
		session.StartTime.Format(time.RFC3339Nano),
		string(session.Status),
		session.ShiftName,
		formatBool(session.AutoStarted),
		session.Notes,
	}

	if err := script.Run(ctx, s.client, keys, args...).Err(); err != nil {
		return nil, err
	}
	return &session, nil
}

// Get retrieves a session by ID
func (s *sessionStore) Get(ctx context.Context, id int64) (*storage.UsageSession, error) {
	data, err := s.client.HGetAll(ctx, sessionKey(id)).Result()
	if err != nil {
		return nil, err
	}
	return parseUsageSession(data)
}

// Close marks an active session closed
func (s *sessionStore) Close(ctx context.Context, id int64, endTime time.Time, notes string) (*storage.UsageSession, error) {
	rawUnit, err := s.client.HGet(ctx, sessionKey(id), "unit_id").Result()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	unitID, err := strconv.ParseInt(rawUnit, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse unit_id: %w", err)
	}

	script := redis.NewScript(closeSessionScript)
	keys := []string{sessionKey(id), keySessionsActive, unitActiveKey(unitID)}
	result, err := script.Run(ctx, s.client, keys, id, endTime.Format(time.RFC3339Nano), notes).Int()
	if err != nil {
		return nil, err
	}

	switch result {
	case -1:
		return nil, storage.ErrNotFound
	case 0:
		return nil, storage.ErrSessionClosed
	}
	return s.Get(ctx, id)
}

// FindActiveByUnit returns the most recently started active session of a unit
func (s *sessionStore) FindActiveByUnit(ctx context.Context, unitID int64) (*storage.UsageSession, error) {
	sessions, err := s.loadMembers(ctx, unitActiveKey(unitID))
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, storage.ErrNotFound
	}

	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].StartTime.Equal(sessions[j].StartTime) {
			return sessions[i].ID > sessions[j].ID
		}
		return sessions[i].StartTime.After(sessions[j].StartTime)
	})
	return &sessions[0], nil
}

// ListActive returns all active sessions ordered by id
func (s *sessionStore) ListActive(ctx context.Context) ([]storage.UsageSession, error) {
	sessions, err := s.loadMembers(ctx, keySessionsActive)
	if err != nil {
		return nil, err
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })
	return sessions, nil
}

// loadMembers fetches every active session whose id is in the given set
func (s *sessionStore) loadMembers(ctx context.Context, setKey string) ([]storage.UsageSession, error) {
	ids, err := s.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, err
	}

	sessions := make([]storage.UsageSession, 0, len(ids))
	if len(ids) == 0 {
		return sessions, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, raw := range ids {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid session id %q in %s", raw, setKey)
		}
		cmds[i] = pipe.HGetAll(ctx, sessionKey(id))
	}

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			continue
		}
		session, err := parseUsageSession(data)
		if err != nil {
			return nil, err
		}
		if session.Active() {
			sessions = append(sessions, *session)
		}
	}
	return sessions, nil
}
