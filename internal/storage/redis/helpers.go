package redis

import (
	"fmt"
	"strconv"
	"time"

	"github.com/goodtune/pricefleet/internal/storage"
)

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// costRecordFields flattens a CostRecord into HSET field/value pairs
func costRecordFields(rec storage.CostRecord) []interface{} {
	return []interface{}{
		"id", rec.ID,
		"session_id", rec.SessionID,
		"platform", rec.Platform,
		"kind", string(rec.Kind),
		"duration_ns", strconv.FormatInt(int64(rec.Duration), 10),
		"cost", formatFloat(rec.Cost),
		"result_count", strconv.Itoa(rec.ResultCount),
		"timestamp", formatTime(rec.Timestamp),
	}
}

// parseCostRecord converts a Redis hash to CostRecord
func parseCostRecord(data map[string]string) (*storage.CostRecord, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	durationNS, err := strconv.ParseInt(data["duration_ns"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse duration_ns: %w", err)
	}

	cost, err := strconv.ParseFloat(data["cost"], 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse cost: %w", err)
	}

	resultCount, err := strconv.Atoi(data["result_count"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse result_count: %w", err)
	}

	timestamp, err := time.Parse(time.RFC3339Nano, data["timestamp"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse timestamp: %w", err)
	}

	return &storage.CostRecord{
		ID:          data["id"],
		SessionID:   data["session_id"],
		Platform:    data["platform"],
		Kind:        storage.CostKind(data["kind"]),
		Duration:    time.Duration(durationNS),
		Cost:        cost,
		ResultCount: resultCount,
		Timestamp:   timestamp,
	}, nil
}

func lifecycleEventFields(ev storage.LifecycleEvent) []interface{} {
	return []interface{}{
		"id", ev.ID,
		"session_id", ev.SessionID,
		"platform", ev.Platform,
		"event", string(ev.Event),
		"reason", ev.Reason,
		"age_ns", strconv.FormatInt(int64(ev.Age), 10),
		"usage_count", strconv.FormatInt(ev.UsageCount, 10),
		"cost", formatFloat(ev.Cost),
		"timestamp", formatTime(ev.Timestamp),
	}
}

// parseLifecycleEvent converts a Redis hash to LifecycleEvent
func parseLifecycleEvent(data map[string]string) (*storage.LifecycleEvent, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	ageNS, err := strconv.ParseInt(data["age_ns"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse age_ns: %w", err)
	}

	usageCount, err := strconv.ParseInt(data["usage_count"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse usage_count: %w", err)
	}

	cost, err := strconv.ParseFloat(data["cost"], 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse cost: %w", err)
	}

	timestamp, err := time.Parse(time.RFC3339Nano, data["timestamp"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse timestamp: %w", err)
	}

	return &storage.LifecycleEvent{
		ID:         data["id"],
		SessionID:  data["session_id"],
		Platform:   data["platform"],
		Event:      storage.LifecycleEventType(data["event"]),
		Reason:     data["reason"],
		Age:        time.Duration(ageNS),
		UsageCount: usageCount,
		Cost:       cost,
		Timestamp:  timestamp,
	}, nil
}

func searchRecordFields(rec storage.SearchRecord) []interface{} {
	return []interface{}{
		"key", rec.Key,
		"platform", rec.Platform,
		"destination", rec.Destination,
		"check_in", formatTime(rec.CheckIn),
		"check_out", formatTime(rec.CheckOut),
		"guests", strconv.Itoa(rec.Guests),
		"result_count", strconv.Itoa(rec.ResultCount),
		"timestamp", formatTime(rec.Timestamp),
	}
}

// parseSearchRecord converts a Redis hash to SearchRecord
func parseSearchRecord(data map[string]string) (*storage.SearchRecord, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	checkIn, err := time.Parse(time.RFC3339Nano, data["check_in"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse check_in: %w", err)
	}

	checkOut, err := time.Parse(time.RFC3339Nano, data["check_out"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse check_out: %w", err)
	}

	guests, err := strconv.Atoi(data["guests"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse guests: %w", err)
	}

	resultCount, err := strconv.Atoi(data["result_count"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse result_count: %w", err)
	}

	timestamp, err := time.Parse(time.RFC3339Nano, data["timestamp"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse timestamp: %w", err)
	}

	return &storage.SearchRecord{
		Key:         data["key"],
		Platform:    data["platform"],
		Destination: data["destination"],
		CheckIn:     checkIn,
		CheckOut:    checkOut,
		Guests:      guests,
		ResultCount: resultCount,
		Timestamp:   timestamp,
	}, nil
}

// parseCachedResult converts a Redis hash to CachedResult
func parseCachedResult(data map[string]string) (*storage.CachedResult, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	resultCount, err := strconv.Atoi(data["result_count"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse result_count: %w", err)
	}

	storedAt, err := time.Parse(time.RFC3339Nano, data["stored_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse stored_at: %w", err)
	}

	return &storage.CachedResult{
		Key:         data["key"],
		Platform:    data["platform"],
		Payload:     []byte(data["payload"]),
		ResultCount: resultCount,
		StoredAt:    storedAt,
	}, nil
}
