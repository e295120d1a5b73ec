package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/goodtune/pricefleet/internal/storage"
	"github.com/redis/go-redis/v9"
)

type searchStore struct {
	client       *redis.Client
	append       *redis.Script
	deleteBefore *redis.Script
	putResult    *redis.Script
}

const (
	searchIndexKey       = keyPrefix + ":searches"
	searchPlatformPrefix = keyPrefix + ":searches:platform:"
	searchRecordPrefix   = keyPrefix + ":search:"
	resultPrefix         = keyPrefix + ":result:"
)

// RecordSearch stores the metadata of one executed extraction
func (s *searchStore) RecordSearch(ctx context.Context, rec storage.SearchRecord) error {
	if rec.Key == "" {
		return fmt.Errorf("search key is required")
	}

	id := rec.Key + "@" + scoreArg(rec.Timestamp)
	keys := []string{
		searchRecordPrefix + id,
		searchIndexKey,
		searchPlatformPrefix + rec.Platform,
	}
	args := append([]interface{}{id, scoreArg(rec.Timestamp)}, searchRecordFields(rec)...)

	return s.append.Run(ctx, s.client, keys, args...).Err()
}

// RecentSearches returns searches for a platform since the given time, newest first
func (s *searchStore) RecentSearches(ctx context.Context, platform string, since time.Time, limit int) ([]storage.SearchRecord, error) {
	index := searchIndexKey
	if platform != "" {
		index = searchPlatformPrefix + platform
	}

	by := &redis.ZRangeBy{Min: "-inf", Max: "+inf"}
	if !since.IsZero() {
		by.Min = strconv.FormatInt(since.UnixMicro(), 10)
	}
	if limit > 0 {
		by.Count = int64(limit)
	}

	ids, err := s.client.ZRevRangeByScore(ctx, index, by).Result()
	if err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		return []storage.SearchRecord{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, searchRecordPrefix+id)
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	records := make([]storage.SearchRecord, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			continue
		}

		rec, err := parseSearchRecord(data)
		if err == nil {
			records = append(records, *rec)
		}
	}

	return records, nil
}

// GetResult returns a cached extraction payload
func (s *searchStore) GetResult(ctx context.Context, key string) (*storage.CachedResult, error) {
	data, err := s.client.HGetAll(ctx, resultPrefix+key).Result()
	if err != nil {
		return nil, err
	}

	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	return parseCachedResult(data)
}

// PutResult caches an extraction payload; Redis expires it after ttl
func (s *searchStore) PutResult(ctx context.Context, res storage.CachedResult, ttl time.Duration) error {
	if res.Key == "" {
		return fmt.Errorf("result key is required")
	}

	args := []interface{}{
		strconv.FormatInt(ttl.Milliseconds(), 10),
		"key", res.Key,
		"platform", res.Platform,
		"payload", string(res.Payload),
		"result_count", strconv.Itoa(res.ResultCount),
		"stored_at", formatTime(res.StoredAt),
	}

	return s.putResult.Run(ctx, s.client, []string{resultPrefix + res.Key}, args...).Err()
}

// DeleteSearchesBefore removes search metadata older than cutoff
func (s *searchStore) DeleteSearchesBefore(ctx context.Context, cutoff time.Time) (int, error) {
	return s.deleteBefore.Run(ctx, s.client,
		[]string{searchIndexKey},
		scoreArg(cutoff), searchRecordPrefix, searchPlatformPrefix, "platform",
	).Int()
}
