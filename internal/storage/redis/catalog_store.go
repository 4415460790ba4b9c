package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/goodtune/shiftkiosk/internal/storage"
	"github.com/redis/go-redis/v9"
)

type unitStore struct {
	client *redis.Client
}

func (s *unitStore) Get(ctx context.Context, id int64) (*storage.Unit, error) {
	return getJSON[storage.Unit](ctx, s.client, unitKey(id))
}

func (s *unitStore) List(ctx context.Context) ([]storage.Unit, error) {
	keys, err := memberKeys(ctx, s.client, keyUnits, unitKey)
	if err != nil {
		return nil, err
	}
	units, err := getJSONBatch[storage.Unit](ctx, s.client, keys)
	if err != nil {
		return nil, err
	}
	sort.Slice(units, func(i, j int) bool { return units[i].ID < units[j].ID })
	return units, nil
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

	data, err := json.Marshal(unit)
	if err != nil {
		return fmt.Errorf("marshal unit: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, unitKey(unit.ID), data, 0)
		pipe.SAdd(ctx, keyUnits, unit.ID)
		return nil
	})
	return err
}

func (s *unitStore) Delete(ctx context.Context, id int64) error {
	removed, err := s.client.Del(ctx, unitKey(id)).Result()
	if err != nil {
		return err
	}
	if removed == 0 {
		return storage.ErrNotFound
	}
	return s.client.SRem(ctx, keyUnits, id).Err()
}

type shiftStore struct {
	client *redis.Client
}

// List returns shift definitions ordered by start time
func (s *shiftStore) List(ctx context.Context) ([]storage.ShiftDefinition, error) {
	values, err := s.client.HGetAll(ctx, keyShifts).Result()
	if err != nil {
		return nil, err
	}

	defs := make([]storage.ShiftDefinition, 0, len(values))
	for name, raw := range values {
		var def storage.ShiftDefinition
		if err := json.Unmarshal([]byte(raw), &def); err != nil {
			return nil, fmt.Errorf("unmarshal shift %s: %w", name, err)
		}
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool {
		if defs[i].Start == defs[j].Start {
			return defs[i].Name < defs[j].Name
		}
		return defs[i].Start < defs[j].Start
	})
	return defs, nil
}

func (s *shiftStore) Get(ctx context.Context, name string) (*storage.ShiftDefinition, error) {
	raw, err := s.client.HGet(ctx, keyShifts, name).Result()
	if err == redis.Nil {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var def storage.ShiftDefinition
	if err := json.Unmarshal([]byte(raw), &def); err != nil {
		return nil, fmt.Errorf("unmarshal shift %s: %w", name, err)
	}
	return &def, nil
}

// ReplaceAll swaps the schedule hash inside MULTI/EXEC
func (s *shiftStore) ReplaceAll(ctx context.Context, defs []storage.ShiftDefinition) error {
	now := time.Now()
	fields := make([]interface{}, 0, len(defs)*2)
	for _, def := range defs {
		def.UpdatedAt = now
		data, err := json.Marshal(def)
		if err != nil {
			return fmt.Errorf("marshal shift %s: %w", def.Name, err)
		}
		fields = append(fields, def.Name, string(data))
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keyShifts)
		if len(fields) > 0 {
			pipe.HSet(ctx, keyShifts, fields...)
		}
		return nil
	})
	return err
}

type userStore struct {
	client *redis.Client
}

func (s *userStore) Get(ctx context.Context, id int64) (*storage.User, error) {
	return getJSON[storage.User](ctx, s.client, userKey(id))
}

func (s *userStore) List(ctx context.Context) ([]storage.User, error) {
	keys, err := memberKeys(ctx, s.client, keyUsers, userKey)
	if err != nil {
		return nil, err
	}
	users, err := getJSONBatch[storage.User](ctx, s.client, keys)
	if err != nil {
		return nil, err
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

func (s *userStore) Upsert(ctx context.Context, user storage.User) error {
	if user.ID <= 0 {
		return fmt.Errorf("user id must be positive")
	}

	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("marshal user: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, userKey(user.ID), data, 0)
		pipe.SAdd(ctx, keyUsers, user.ID)
		return nil
	})
	return err
}

// memberKeys expands a set of numeric ids into record keys
func memberKeys(ctx context.Context, client *redis.Client, setKey string, keyFn func(int64) string) ([]string, error) {
	members, err := client.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(members))
	for _, raw := range members {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q in %s", raw, setKey)
		}
		keys = append(keys, keyFn(id))
	}
	return keys, nil
}
