package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// CostKind classifies a billable event.
type CostKind string

const (
	CostCreation  CostKind = "creation"
	CostUsage     CostKind = "usage"
	CostLifecycle CostKind = "lifecycle"
)

// UnmarshalJSON implements json.Unmarshaler to normalize kind to lowercase.
func (k *CostKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	normalized := CostKind(strings.ToLower(s))

	switch normalized {
	case CostCreation, CostUsage, CostLifecycle:
		*k = normalized
		return nil
	default:
		return fmt.Errorf("invalid cost kind: %s (must be creation, usage, or lifecycle)", s)
	}
}

// CostRecord is an immutable ledger entry for one billable event.
type CostRecord struct {
	ID          string        `json:"id"`
	SessionID   string        `json:"session_id"`
	Platform    string        `json:"platform"`
	Kind        CostKind      `json:"kind"`
	Duration    time.Duration `json:"duration"`
	Cost        float64       `json:"cost"`
	ResultCount int           `json:"result_count"`
	Timestamp   time.Time     `json:"timestamp"`
}

// LifecycleEventType names a session lifecycle transition.
type LifecycleEventType string

const (
	EventCreated   LifecycleEventType = "created"
	EventRecovered LifecycleEventType = "recovered"
	EventUnhealthy LifecycleEventType = "unhealthy"
	EventRetired   LifecycleEventType = "retired"
)

// LifecycleEvent records one session lifecycle transition.
type LifecycleEvent struct {
	ID         string             `json:"id"`
	SessionID  string             `json:"session_id"`
	Platform   string             `json:"platform"`
	Event      LifecycleEventType `json:"event"`
	Reason     string             `json:"reason,omitempty"`
	Age        time.Duration      `json:"age"`
	UsageCount int64              `json:"usage_count"`
	Cost       float64            `json:"cost"`
	Timestamp  time.Time          `json:"timestamp"`
}

// SearchRecord is the metadata of one executed extraction, used to estimate
// how likely a later request can be served from cache.
type SearchRecord struct {
	Key         string    `json:"key"`
	Platform    string    `json:"platform"`
	Destination string    `json:"destination"`
	CheckIn     time.Time `json:"check_in"`
	CheckOut    time.Time `json:"check_out"`
	Guests      int       `json:"guests"`
	ResultCount int       `json:"result_count"`
	Timestamp   time.Time `json:"timestamp"`
}

// CachedResult is an extraction payload kept for cache-first serving.
type CachedResult struct {
	Key         string    `json:"key"`
	Platform    string    `json:"platform"`
	Payload     []byte    `json:"payload"`
	ResultCount int       `json:"result_count"`
	StoredAt    time.Time `json:"stored_at"`
}
