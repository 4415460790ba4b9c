package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/goodtune/shiftkiosk/internal/storage"
	"github.com/redis/go-redis/v9"
)

type shiftLogStore struct {
	client *redis.Client
}

// Append stores an entry and indexes it by change time
func (s *shiftLogStore) Append(ctx context.Context, entry storage.ShiftLogEntry) (*storage.ShiftLogEntry, error) {
	if entry.ChangeTime.IsZero() {
		entry.ChangeTime = time.Now()
	}

	id, err := s.client.Incr(ctx, keyShiftLogSeq).Result()
	if err != nil {
		return nil, fmt.Errorf("next shift log id: %w", err)
	}
	entry.ID = id

	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("marshal shift log: %w", err)
	}

	script := redis.NewScript(appendShiftLogScript)
	keys := []string{shiftLogKey(id), keyShiftLogsAll, unitShiftLogsKey(entry.UnitID)}
	if err := script.Run(ctx, s.client, keys, logMember(id), string(data), entry.ChangeTime.UnixMilli()).Err(); err != nil {
		return nil, err
	}
	return &entry, nil
}

// Query returns matching entries newest first
func (s *shiftLogStore) Query(ctx context.Context, filter storage.ShiftLogFilter) ([]storage.ShiftLogEntry, error) {
	index := keyShiftLogsAll
	if filter.UnitID != 0 {
		index = unitShiftLogsKey(filter.UnitID)
	}

	rangeBy := &redis.ZRangeBy{Min: "-inf", Max: "+inf"}
	if filter.StartTime != nil {
		rangeBy.Min = strconv.FormatInt(filter.StartTime.UnixMilli(), 10)
	}
	if filter.EndTime != nil {
		rangeBy.Max = strconv.FormatInt(filter.EndTime.UnixMilli(), 10)
	}
	if filter.Limit > 0 {
		rangeBy.Count = int64(filter.Limit)
	}

	members, err := s.client.ZRevRangeByScore(ctx, index, rangeBy).Result()
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(members))
	for _, member := range members {
		id, err := strconv.ParseInt(member, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid shift log member %q", member)
		}
		keys = append(keys, shiftLogKey(id))
	}
	return getJSONBatch[storage.ShiftLogEntry](ctx, s.client, keys)
}
