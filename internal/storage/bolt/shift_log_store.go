package bolt

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/goodtune/shiftkiosk/internal/storage"
	"go.etcd.io/bbolt"
)

type shiftLogStore struct {
	db *bbolt.DB
}

func (s *shiftLogStore) Append(ctx context.Context, entry storage.ShiftLogEntry) (*storage.ShiftLogEntry, error) {
	if entry.ChangeTime.IsZero() {
		entry.ChangeTime = time.Now()
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketShiftLogs))
		if b == nil {
			return fmt.Errorf("shift log bucket missing")
		}
		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("next shift log id: %w", err)
		}
		entry.ID = int64(seq)

		data, err := marshal(entry)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(idKey(entry.ID)), data); err != nil {
			return err
		}
		idx, err := indexBucket(tx, bucketIndexLogUnit, idKey(entry.UnitID), true)
		if err != nil {
			return err
		}
		return idx.Put([]byte(idKey(entry.ID)), []byte{})
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// Query returns matching entries newest first.
func (s *shiftLogStore) Query(ctx context.Context, filter storage.ShiftLogFilter) ([]storage.ShiftLogEntry, error) {
	entries := make([]storage.ShiftLogEntry, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketShiftLogs))
		collect := func(value []byte) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var entry storage.ShiftLogEntry
			if err := unmarshal(value, &entry); err != nil {
				return err
			}
			if matchesLogFilter(entry, filter) {
				entries = append(entries, entry)
			}
			return nil
		}

		if filter.UnitID == 0 {
			return b.ForEach(func(_, v []byte) error { return collect(v) })
		}

		idx, err := indexBucket(tx, bucketIndexLogUnit, idKey(filter.UnitID), false)
		if err != nil || idx == nil {
			return err
		}
		return idx.ForEach(func(k, _ []byte) error {
			if value := b.Get(k); value != nil {
				return collect(value)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].ChangeTime.Equal(entries[j].ChangeTime) {
			return entries[i].ID > entries[j].ID
		}
		return entries[i].ChangeTime.After(entries[j].ChangeTime)
	})
	if filter.Limit > 0 && len(entries) > filter.Limit {
		entries = entries[:filter.Limit]
	}
	return entries, nil
}

func matchesLogFilter(entry storage.ShiftLogEntry, filter storage.ShiftLogFilter) bool {
	if filter.UnitID != 0 && entry.UnitID != filter.UnitID {
		return false
	}
	if filter.StartTime != nil && entry.ChangeTime.Before(*filter.StartTime) {
		return false
	}
	if filter.EndTime != nil && entry.ChangeTime.After(*filter.EndTime) {
		return false
	}
	return true
}
