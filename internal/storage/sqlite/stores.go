package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/goodtune/pricefleet/internal/storage"
)

type costStore struct {
	db *sql.DB
}

// Append writes an immutable cost record. Appending an existing id is a no-op.
func (s *costStore) Append(ctx context.Context, rec storage.CostRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("cost record id is required")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO cost_records
			(id, session_id, platform, kind, duration_ns, cost, result_count, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SessionID, rec.Platform, string(rec.Kind),
		int64(rec.Duration), rec.Cost, rec.ResultCount, toMicros(rec.Timestamp),
	)
	return err
}

// List returns cost records matching the filter, oldest first
func (s *costStore) List(ctx context.Context, filter storage.CostFilter) ([]storage.CostRecord, error) {
	var (
		where []string
		args  []any
	)
	if filter.Platform != "" {
		where = append(where, "platform = ?")
		args = append(args, filter.Platform)
	}
	if filter.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if !filter.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, toMicros(filter.Since))
	}
	if !filter.Until.IsZero() {
		where = append(where, "ts < ?")
		args = append(args, toMicros(filter.Until))
	}

	query := "SELECT id, session_id, platform, kind, duration_ns, cost, result_count, ts FROM cost_records"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts DESC, rowid DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	records := []storage.CostRecord{}
	for rows.Next() {
		var (
			rec        storage.CostRecord
			kind       string
			durationNS int64
			ts         int64
		)
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.Platform, &kind, &durationNS, &rec.Cost, &rec.ResultCount, &ts); err != nil {
			return nil, err
		}
		rec.Kind = storage.CostKind(kind)
		rec.Duration = time.Duration(durationNS)
		rec.Timestamp = fromMicros(ts)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	slices.Reverse(records)
	return records, nil
}

// DeleteBefore removes cost records older than cutoff
func (s *costStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	return execCount(ctx, s.db, "DELETE FROM cost_records WHERE ts < ?", toMicros(cutoff))
}

type lifecycleStore struct {
	db *sql.DB
}

// AddEvent records a lifecycle transition
func (s *lifecycleStore) AddEvent(ctx context.Context, ev storage.LifecycleEvent) error {
	if ev.ID == "" {
		return fmt.Errorf("lifecycle event id is required")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO lifecycle_events
			(id, session_id, platform, event, reason, age_ns, usage_count, cost, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.SessionID, ev.Platform, string(ev.Event), ev.Reason,
		int64(ev.Age), ev.UsageCount, ev.Cost, toMicros(ev.Timestamp),
	)
	return err
}

// ListEvents returns the most recent events, optionally for one session, oldest first
func (s *lifecycleStore) ListEvents(ctx context.Context, sessionID string, limit int) ([]storage.LifecycleEvent, error) {
	query := "SELECT id, session_id, platform, event, reason, age_ns, usage_count, cost, ts FROM lifecycle_events"
	var args []any
	if sessionID != "" {
		query += " WHERE session_id = ?"
		args = append(args, sessionID)
	}
	query += " ORDER BY ts DESC, rowid DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	events := []storage.LifecycleEvent{}
	for rows.Next() {
		var (
			ev    storage.LifecycleEvent
			event string
			ageNS int64
			ts    int64
		)
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.Platform, &event, &ev.Reason, &ageNS, &ev.UsageCount, &ev.Cost, &ts); err != nil {
			return nil, err
		}
		ev.Event = storage.LifecycleEventType(event)
		ev.Age = time.Duration(ageNS)
		ev.Timestamp = fromMicros(ts)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	slices.Reverse(events)
	return events, nil
}

// DeleteEventsBefore removes lifecycle events older than cutoff
func (s *lifecycleStore) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	return execCount(ctx, s.db, "DELETE FROM lifecycle_events WHERE ts < ?", toMicros(cutoff))
}

type searchStore struct {
	db  *sql.DB
	now func() time.Time
}

// RecordSearch stores the metadata of one executed extraction
func (s *searchStore) RecordSearch(ctx context.Context, rec storage.SearchRecord) error {
	if rec.Key == "" {
		return fmt.Errorf("search key is required")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO searches
			(cache_key, platform, destination, check_in, check_out, guests, result_count, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Key, rec.Platform, rec.Destination, toMicros(rec.CheckIn), toMicros(rec.CheckOut),
		rec.Guests, rec.ResultCount, toMicros(rec.Timestamp),
	)
	return err
}

// RecentSearches returns searches for a platform since the given time, newest first
func (s *searchStore) RecentSearches(ctx context.Context, platform string, since time.Time, limit int) ([]storage.SearchRecord, error) {
	query := "SELECT cache_key, platform, destination, check_in, check_out, guests, result_count, ts FROM searches WHERE ts >= ?"
	args := []any{toMicros(since)}
	if platform != "" {
		query += " AND platform = ?"
		args = append(args, platform)
	}
	query += " ORDER BY ts DESC, id DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	records := []storage.SearchRecord{}
	for rows.Next() {
		var (
			rec                   storage.SearchRecord
			checkIn, checkOut, ts int64
		)
		if err := rows.Scan(&rec.Key, &rec.Platform, &rec.Destination, &checkIn, &checkOut, &rec.Guests, &rec.ResultCount, &ts); err != nil {
			return nil, err
		}
		rec.CheckIn = fromMicros(checkIn)
		rec.CheckOut = fromMicros(checkOut)
		rec.Timestamp = fromMicros(ts)
		records = append(records, rec)
	}

	return records, rows.Err()
}

// GetResult returns a cached extraction payload that has not expired
func (s *searchStore) GetResult(ctx context.Context, key string) (*storage.CachedResult, error) {
	var (
		res      storage.CachedResult
		storedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT cache_key, platform, payload, result_count, stored_at FROM results
		WHERE cache_key = ? AND (expires_at = 0 OR expires_at > ?)`,
		key, toMicros(s.now()),
	).Scan(&res.Key, &res.Platform, &res.Payload, &res.ResultCount, &storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	res.StoredAt = fromMicros(storedAt)
	return &res, nil
}

// PutResult caches an extraction payload until ttl elapses
func (s *searchStore) PutResult(ctx context.Context, res storage.CachedResult, ttl time.Duration) error {
	if res.Key == "" {
		return fmt.Errorf("result key is required")
	}

	payload := res.Payload
	if payload == nil {
		payload = []byte{}
	}

	var expiresAt int64
	if ttl > 0 {
		expiresAt = toMicros(s.now().Add(ttl))
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO results (cache_key, platform, payload, result_count, stored_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET
			platform = excluded.platform,
			payload = excluded.payload,
			result_count = excluded.result_count,
			stored_at = excluded.stored_at,
			expires_at = excluded.expires_at`,
		res.Key, res.Platform, payload, res.ResultCount, toMicros(res.StoredAt), expiresAt,
	)
	return err
}

// DeleteSearchesBefore removes search metadata older than cutoff along
// with expired results
func (s *searchStore) DeleteSearchesBefore(ctx context.Context, cutoff time.Time) (int, error) {
	n, err := execCount(ctx, s.db, "DELETE FROM searches WHERE ts < ?", toMicros(cutoff))
	if err != nil {
		return n, err
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM results WHERE expires_at > 0 AND expires_at <= ?", toMicros(s.now())); err != nil {
		return n, err
	}
	return n, nil
}

func execCount(ctx context.Context, db *sql.DB, query string, args ...any) (int, error) {
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
