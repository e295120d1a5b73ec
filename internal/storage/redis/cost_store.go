package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/goodtune/pricefleet/internal/storage"
	"github.com/redis/go-redis/v9"
)

type costStore struct {
	client       *redis.Client
	append       *redis.Script
	deleteBefore *redis.Script
}

const (
	costIndexKey       = keyPrefix + ":costs"
	costPlatformPrefix = keyPrefix + ":costs:platform:"
	costRecordPrefix   = keyPrefix + ":cost:"
)

// Append writes an immutable cost record. Appending an existing id is a no-op.
func (s *costStore) Append(ctx context.Context, rec storage.CostRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("cost record id is required")
	}

	keys := []string{
		costRecordPrefix + rec.ID,
		costIndexKey,
		costPlatformPrefix + rec.Platform,
	}
	args := append([]interface{}{rec.ID, scoreArg(rec.Timestamp)}, costRecordFields(rec)...)

	return s.append.Run(ctx, s.client, keys, args...).Err()
}

// List returns cost records matching the filter, oldest first
func (s *costStore) List(ctx context.Context, filter storage.CostFilter) ([]storage.CostRecord, error) {
	index := costIndexKey
	if filter.Platform != "" {
		index = costPlatformPrefix + filter.Platform
	}

	ids, err := s.client.ZRangeByScore(ctx, index, scoreRange(filter.Since, filter.Until)).Result()
	if err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		return []storage.CostRecord{}, nil
	}

	// Use pipeline for efficient batch retrieval
	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, costRecordPrefix+id)
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	records := make([]storage.CostRecord, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			continue
		}

		rec, err := parseCostRecord(data)
		if err != nil || !filter.Matches(*rec) {
			continue
		}
		records = append(records, *rec)
	}

	if filter.Limit > 0 && len(records) > filter.Limit {
		records = records[len(records)-filter.Limit:]
	}

	return records, nil
}

// DeleteBefore removes cost records older than cutoff
func (s *costStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	n, err := s.deleteBefore.Run(ctx, s.client,
		[]string{costIndexKey},
		scoreArg(cutoff), costRecordPrefix, costPlatformPrefix, "platform",
	).Int()
	if err != nil {
		return 0, err
	}
	return n, nil
}

// scoreRange converts an optional [since, until) window into a ZRANGEBYSCORE range.
func scoreRange(since, until time.Time) *redis.ZRangeBy {
	r := &redis.ZRangeBy{Min: "-inf", Max: "+inf"}
	if !since.IsZero() {
		r.Min = strconv.FormatInt(since.UnixMicro(), 10)
	}
	if !until.IsZero() {
		r.Max = "(" + strconv.FormatInt(until.UnixMicro(), 10)
	}
	return r
}
