package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/pricefleet/internal/storage"
	"github.com/redis/go-redis/v9"
)

type lifecycleStore struct {
	client       *redis.Client
	append       *redis.Script
	deleteBefore *redis.Script
}

const (
	eventIndexKey      = keyPrefix + ":events"
	eventSessionPrefix = keyPrefix + ":events:session:"
	eventRecordPrefix  = keyPrefix + ":event:"
)

// AddEvent records a lifecycle transition
func (s *lifecycleStore) AddEvent(ctx context.Context, ev storage.LifecycleEvent) error {
	if ev.ID == "" {
		return fmt.Errorf("lifecycle event id is required")
	}

	keys := []string{
		eventRecordPrefix + ev.ID,
		eventIndexKey,
		eventSessionPrefix + ev.SessionID,
	}
	args := append([]interface{}{ev.ID, scoreArg(ev.Timestamp)}, lifecycleEventFields(ev)...)

	return s.append.Run(ctx, s.client, keys, args...).Err()
}

// ListEvents returns the most recent events, optionally for one session, oldest first
func (s *lifecycleStore) ListEvents(ctx context.Context, sessionID string, limit int) ([]storage.LifecycleEvent, error) {
	index := eventIndexKey
	if sessionID != "" {
		index = eventSessionPrefix + sessionID
	}

	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}

	ids, err := s.client.ZRevRange(ctx, index, 0, stop).Result()
	if err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		return []storage.LifecycleEvent{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, eventRecordPrefix+id)
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	events := make([]storage.LifecycleEvent, 0, len(ids))
	for i := len(cmds) - 1; i >= 0; i-- {
		data, err := cmds[i].Result()
		if err != nil || len(data) == 0 {
			continue
		}

		ev, err := parseLifecycleEvent(data)
		if err == nil {
			events = append(events, *ev)
		}
	}

	return events, nil
}

// DeleteEventsBefore removes lifecycle events older than cutoff
func (s *lifecycleStore) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	return s.deleteBefore.Run(ctx, s.client,
		[]string{eventIndexKey},
		scoreArg(cutoff), eventRecordPrefix, eventSessionPrefix, "session_id",
	).Int()
}
