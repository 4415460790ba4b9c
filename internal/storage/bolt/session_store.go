package bolt

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/goodtune/shiftkiosk/internal/storage"
	"go.etcd.io/bbolt"
)

type sessionStore struct {
	db *bbolt.DB
}

// Create assigns the next sequence id and stores the session, indexing it by
// unit while it is active.
func (s *sessionStore) Create(ctx context.Context, session storage.UsageSession) (*storage.UsageSession, error) {
	if session.Status == "" {
		session.Status = storage.SessionActive
	}
	if session.StartTime.IsZero() {
		session.StartTime = time.Now()
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketSessions))
		if b == nil {
			return fmt.Errorf("session bucket missing")
		}
		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("next session id: %w", err)
		}
		session.ID = int64(seq)

		data, err := marshal(session)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(idKey(session.ID)), data); err != nil {
			return err
		}
		if !session.Active() {
			return nil
		}
		idx, err := indexBucket(tx, bucketIndexActive, idKey(session.UnitID), true)
		if err != nil {
			return err
		}
		return idx.Put([]byte(idKey(session.ID)), []byte{})
	})
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *sessionStore) Get(ctx context.Context, id int64) (*storage.UsageSession, error) {
	return getBucketValue[storage.UsageSession](ctx, s.db, bucketSessions, idKey(id))
}

// Close marks an active session closed in a single transaction.
func (s *sessionStore) Close(ctx context.Context, id int64, endTime time.Time, notes string) (*storage.UsageSession, error) {
	var closed storage.UsageSession
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketSessions))
		value := b.Get([]byte(idKey(id)))
		if value == nil {
			return storage.ErrNotFound
		}
		if err := unmarshal(value, &closed); err != nil {
			return err
		}
		if !closed.Active() {
			return storage.ErrSessionClosed
		}

		closed.Status = storage.SessionClosed
		closed.EndTime = &endTime
		if notes != "" {
			closed.Notes = notes
		}
		data, err := marshal(closed)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(idKey(id)), data); err != nil {
			return err
		}

		idx, err := indexBucket(tx, bucketIndexActive, idKey(closed.UnitID), false)
		if err != nil || idx == nil {
			return err
		}
		return idx.Delete([]byte(idKey(id)))
	})
	if err != nil {
		return nil, err
	}
	return &closed, nil
}

// FindActiveByUnit returns the most recently started active session of a unit.
func (s *sessionStore) FindActiveByUnit(ctx context.Context, unitID int64) (*storage.UsageSession, error) {
	var sessions []storage.UsageSession
	err := s.db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		idx, err := indexBucket(tx, bucketIndexActive, idKey(unitID), false)
		if err != nil || idx == nil {
			return err
		}
		b := tx.Bucket([]byte(bucketSessions))
		return idx.ForEach(func(k, _ []byte) error {
			value := b.Get(k)
			if value == nil {
				return nil
			}
			var session storage.UsageSession
			if err := unmarshal(value, &session); err != nil {
				return err
			}
			sessions = append(sessions, session)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, storage.ErrNotFound
	}

	sortNewestFirst(sessions)
	return &sessions[0], nil
}

func (s *sessionStore) ListActive(ctx context.Context) ([]storage.UsageSession, error) {
	sessions := make([]storage.UsageSession, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		root := tx.Bucket([]byte(bucketIndexes)).Bucket([]byte(bucketIndexActive))
		b := tx.Bucket([]byte(bucketSessions))
		return root.ForEachBucket(func(unitKey []byte) error {
			return root.Bucket(unitKey).ForEach(func(k, _ []byte) error {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				value := b.Get(k)
				if value == nil {
					return nil
				}
				var session storage.UsageSession
				if err := unmarshal(value, &session); err != nil {
					return err
				}
				sessions = append(sessions, session)
				return nil
			})
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })
	return sessions, nil
}

func sortNewestFirst(sessions []storage.UsageSession) {
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].StartTime.Equal(sessions[j].StartTime) {
			return sessions[i].ID > sessions[j].ID
		}
		return sessions[i].StartTime.After(sessions[j].StartTime)
	})
}
