package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/goodtune/shiftkiosk/internal/storage"
	"github.com/redis/go-redis/v9"
)

// parseUsageSession converts a Redis hash to UsageSession
func parseUsageSession(data map[string]string) (*storage.UsageSession, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	id, err := strconv.ParseInt(data["id"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse id: %w", err)
	}

	userID, err := strconv.ParseInt(data["user_id"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse user_id: %w", err)
	}

	unitID, err := strconv.ParseInt(data["unit_id"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse unit_id: %w", err)
	}

	startTime, err := time.Parse(time.RFC3339Nano, data["start_time"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse start_time: %w", err)
	}

	var endTime *time.Time
	if raw := data["end_time"]; raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse end_time: %w", err)
		}
		endTime = &parsed
	}

	autoStarted, err := strconv.ParseBool(data["auto_started"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse auto_started: %w", err)
	}

	return &storage.UsageSession{
		ID:          id,
		UserID:      userID,
		UnitID:      unitID,
		IPAddress:   data["ip_address"],
		StartTime:   startTime,
		EndTime:     endTime,
		Status:      storage.SessionStatus(data["status"]),
		ShiftName:   data["shift_name"],
		AutoStarted: autoStarted,
		Notes:       data["notes"],
	}, nil
}

func formatBool(value bool) string {
	if value {
		return "1"
	}
	return "0"
}

// getJSON loads a JSON document stored under key.
func getJSON[T any](ctx context.Context, client *redis.Client, key string) (*T, error) {
	data, err := client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var item T
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return &item, nil
}

// getJSONBatch loads JSON documents with a pipeline, skipping missing keys.
func getJSONBatch[T any](ctx context.Context, client *redis.Client, keys []string) ([]T, error) {
	items := make([]T, 0, len(keys))
	if len(keys) == 0 {
		return items, nil
	}

	pipe := client.Pipeline()
	cmds := make([]*redis.StringCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.Get(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	for i, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			continue
		}
		var item T
		if err := json.Unmarshal(data, &item); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", keys[i], err)
		}
		items = append(items, item)
	}
	return items, nil
}
