package bolt

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/goodtune/shiftkiosk/internal/storage"
	"go.etcd.io/bbolt"
)

type unitStore struct {
	db *bbolt.DB
}

func (s *unitStore) Get(ctx context.Context, id int64) (*storage.Unit, error) {
	return getBucketValue[storage.Unit](ctx, s.db, bucketUnits, idKey(id))
}

func (s *unitStore) List(ctx context.Context) ([]storage.Unit, error) {
	return listBucket[storage.Unit](ctx, s.db, bucketUnits)
}

func (s *unitStore) ListShiftEnabled(ctx context.Context) ([]storage.Unit, error) {
	units, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	enabled := make([]storage.Unit, 0, len(units))
	for _, unit := range units {
		if unit.ShiftActive() {
			enabled = append(enabled, unit)
		}
	}
	return enabled, nil
}

func (s *unitStore) Upsert(ctx context.Context, unit storage.Unit) error {
	if unit.ID <= 0 {
		return fmt.Errorf("unit id must be positive")
	}
	unit.Normalize()
	return putBucketValue(ctx, s.db, bucketUnits, idKey(unit.ID), unit)
}

func (s *unitStore) Delete(ctx context.Context, id int64) error {
	return deleteBucketValue(ctx, s.db, bucketUnits, idKey(id))
}

type shiftStore struct {
	db *bbolt.DB
}

// List returns shift definitions ordered by start time.
func (s *shiftStore) List(ctx context.Context) ([]storage.ShiftDefinition, error) {
	defs, err := listBucket[storage.ShiftDefinition](ctx, s.db, bucketShifts)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(defs, func(i, j int) bool { return defs[i].Start < defs[j].Start })
	return defs, nil
}

func (s *shiftStore) Get(ctx context.Context, name string) (*storage.ShiftDefinition, error) {
	return getBucketValue[storage.ShiftDefinition](ctx, s.db, bucketShifts, name)
}

// ReplaceAll drops and rewrites the schedule bucket in one transaction.
func (s *shiftStore) ReplaceAll(ctx context.Context, defs []storage.ShiftDefinition) error {
	now := time.Now()
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := tx.DeleteBucket([]byte(bucketShifts)); err != nil && err != bbolt.ErrBucketNotFound {
			return fmt.Errorf("clear shift schedules: %w", err)
		}
		b, err := tx.CreateBucket([]byte(bucketShifts))
		if err != nil {
			return fmt.Errorf("create shift schedules: %w", err)
		}
		for _, def := range defs {
			def.UpdatedAt = now
			data, err := marshal(def)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(def.Name), data); err != nil {
				return err
			}
		}
		return nil
	})
}

type userStore struct {
	db *bbolt.DB
}

func (s *userStore) Get(ctx context.Context, id int64) (*storage.User, error) {
	return getBucketValue[storage.User](ctx, s.db, bucketUsers, idKey(id))
}

func (s *userStore) List(ctx context.Context) ([]storage.User, error) {
	return listBucket[storage.User](ctx, s.db, bucketUsers)
}

func (s *userStore) Upsert(ctx context.Context, user storage.User) error {
	if user.ID <= 0 {
		return fmt.Errorf("user id must be positive")
	}
	return putBucketValue(ctx, s.db, bucketUsers, idKey(user.ID), user)
}
