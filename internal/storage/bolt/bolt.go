package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/goodtune/shiftkiosk/internal/storage"
	"go.etcd.io/bbolt"
)

const (
	bucketSessions     = "usage_sessions"
	bucketUnits        = "units"
	bucketShifts       = "shift_schedules"
	bucketShiftLogs    = "shift_logs"
	bucketUsers        = "users"
	bucketAdminUsers   = "admin_users"
	bucketIndexes      = "indexes"
	bucketIndexActive  = "active_by_unit"
	bucketIndexLogUnit = "logs_by_unit"
)

// Store implements the storage.Store interface using bbolt.
type Store struct {
	db *bbolt.DB
}

// Open opens a BoltDB-backed store.
func Open(path string) (*Store, error) {
	if err := storage.EnsureParentDir(path); err != nil {
		return nil, err
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	store := &Store{db: db}
	if err := store.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *Store) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		buckets := []string{
			bucketSessions,
			bucketUnits,
			bucketShifts,
			bucketShiftLogs,
			bucketUsers,
			bucketAdminUsers,
			bucketIndexes,
		}

		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}

		indexes := tx.Bucket([]byte(bucketIndexes))
		for _, name := range []string{bucketIndexActive, bucketIndexLogUnit} {
			if _, err := indexes.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create index %s: %w", name, err)
			}
		}

		return nil
	})
}

// Close closes the underlying store database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Sessions returns the usage session store.
func (s *Store) Sessions() storage.SessionStore { return &sessionStore{db: s.db} }

// Units returns the unit store.
func (s *Store) Units() storage.UnitStore { return &unitStore{db: s.db} }

// Shifts returns the shift schedule store.
func (s *Store) Shifts() storage.ShiftStore { return &shiftStore{db: s.db} }

// ShiftLogs returns the shift change log store.
func (s *Store) ShiftLogs() storage.ShiftLogStore { return &shiftLogStore{db: s.db} }

// Users returns the staff user store.
func (s *Store) Users() storage.UserStore { return &userStore{db: s.db} }

// AdminUsers returns the admin user store.
func (s *Store) AdminUsers() storage.AdminUserStore { return &adminUserStore{db: s.db} }

func marshal(value any) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal value: %w", err)
	}
	return data, nil
}

func unmarshal(data []byte, out any) error {
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal value: %w", err)
	}
	return nil
}

// idKey renders numeric ids zero-padded so cursor order is id order.
func idKey(id int64) string {
	return fmt.Sprintf("%020d", id)
}

func listBucket[T any](ctx context.Context, db *bbolt.DB, bucket string) ([]T, error) {
	items := make([]T, 0)
	err := db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var item T
			if err := unmarshal(v, &item); err != nil {
				return err
			}
			items = append(items, item)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

func getBucketValue[T any](ctx context.Context, db *bbolt.DB, bucket string, key string) (*T, error) {
	var item *T
	err := db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return storage.ErrNotFound
		}
		value := b.Get([]byte(key))
		if value == nil {
			return storage.ErrNotFound
		}
		var result T
		if err := unmarshal(value, &result); err != nil {
			return err
		}
		item = &result
		return nil
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

func putBucketValue(ctx context.Context, db *bbolt.DB, bucket string, key string, value any) error {
	data, err := marshal(value)
	if err != nil {
		return err
	}
	return db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket missing: %s", bucket)
		}
		return b.Put([]byte(key), data)
	})
}

// updateBucketValue runs a read-modify-write of one key in a single
// transaction. fn sees nil when the key is absent; returning nil stores nothing.
func updateBucketValue[T any](ctx context.Context, db *bbolt.DB, bucket, key string, fn func(current *T) (*T, error)) error {
	return db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket missing: %s", bucket)
		}

		var current *T
		if raw := b.Get([]byte(key)); raw != nil {
			current = new(T)
			if err := unmarshal(raw, current); err != nil {
				return err
			}
		}

		next, err := fn(current)
		if err != nil || next == nil {
			return err
		}
		data, err := marshal(next)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

func deleteBucketValue(ctx context.Context, db *bbolt.DB, bucket string, key string) error {
	return db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return storage.ErrNotFound
		}
		if b.Get([]byte(key)) == nil {
			return storage.ErrNotFound
		}
		return b.Delete([]byte(key))
	})
}

// indexBucket returns indexes/<name>/<sub>, creating the leaf when asked.
func indexBucket(tx *bbolt.Tx, name, sub string, create bool) (*bbolt.Bucket, error) {
	root := tx.Bucket([]byte(bucketIndexes))
	if root == nil {
		return nil, fmt.Errorf("indexes bucket missing")
	}
	parent := root.Bucket([]byte(name))
	if parent == nil {
		return nil, fmt.Errorf("index %s missing", name)
	}
	if !create {
		return parent.Bucket([]byte(sub)), nil
	}
	return parent.CreateBucketIfNotExists([]byte(sub))
}
