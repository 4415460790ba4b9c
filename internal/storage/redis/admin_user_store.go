package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/goodtune/shiftkiosk/internal/storage"
	"github.com/redis/go-redis/v9"
)

// adminUserStore keeps one JSON document per admin plus a set of usernames.
type adminUserStore struct {
	client *redis.Client
}

func (s *adminUserStore) Get(ctx context.Context, username string) (*storage.AdminUser, error) {
	return getJSON[storage.AdminUser](ctx, s.client, adminUserKey(username))
}

func (s *adminUserStore) List(ctx context.Context) ([]storage.AdminUser, error) {
	names, err := s.client.SMembers(ctx, keyAdminUsers).Result()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(names))
	for _, name := range names {
		keys = append(keys, adminUserKey(name))
	}

	admins, err := getJSONBatch[storage.AdminUser](ctx, s.client, keys)
	if err != nil {
		return nil, err
	}
	sort.Slice(admins, func(i, j int) bool { return admins[i].Username < admins[j].Username })
	return admins, nil
}

// Upsert keeps the stored creation time and last login when the caller
// leaves them empty.
func (s *adminUserStore) Upsert(ctx context.Context, admin storage.AdminUser) error {
	return s.modify(ctx, admin.Username, func(stored *storage.AdminUser) (*storage.AdminUser, error) {
		if stored != nil {
			if admin.CreatedAt.IsZero() {
				admin.CreatedAt = stored.CreatedAt
			}
			if admin.LastLogin == nil {
				admin.LastLogin = stored.LastLogin
			}
		}
		if admin.CreatedAt.IsZero() {
			admin.CreatedAt = time.Now()
		}
		if admin.UpdatedAt.IsZero() {
			admin.UpdatedAt = time.Now()
		}
		return &admin, nil
	})
}

func (s *adminUserStore) Delete(ctx context.Context, username string) error {
	removed, err := s.client.Del(ctx, adminUserKey(username)).Result()
	if err != nil {
		return err
	}
	if removed == 0 {
		return storage.ErrNotFound
	}
	return s.client.SRem(ctx, keyAdminUsers, username).Err()
}

func (s *adminUserStore) UpdateLastLogin(ctx context.Context, username string, at time.Time) error {
	return s.modify(ctx, username, func(stored *storage.AdminUser) (*storage.AdminUser, error) {
		if stored == nil {
			return nil, storage.ErrNotFound
		}
		stored.LastLogin = &at
		return stored, nil
	})
}

// modify is an optimistic read-modify-write of one admin document. A
// concurrent writer makes EXEC fail and the whole step is retried.
func (s *adminUserStore) modify(ctx context.Context, username string, fn func(stored *storage.AdminUser) (*storage.AdminUser, error)) error {
	key := adminUserKey(username)
	txf := func(tx *redis.Tx) error {
		var stored *storage.AdminUser
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			stored = new(storage.AdminUser)
			if err := json.Unmarshal(raw, stored); err != nil {
				return fmt.Errorf("unmarshal %s: %w", key, err)
			}
		}

		next, err := fn(stored)
		if err != nil || next == nil {
			return err
		}
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("marshal admin user: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.SAdd(ctx, keyAdminUsers, next.Username)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < 3; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("update admin user %s: too much contention", username)
}
