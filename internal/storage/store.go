package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// Store represents the root storage interface.
type Store interface {
	Close() error
	Costs() CostStore
	Lifecycle() LifecycleStore
	Searches() SearchStore
}

// CostStore persists the append-only cost ledger.
type CostStore interface {
	Append(ctx context.Context, rec CostRecord) error
	List(ctx context.Context, filter CostFilter) ([]CostRecord, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// CostFilter defines criteria for listing cost records. Zero values match all.
type CostFilter struct {
	Platform  string
	SessionID string
	Kind      CostKind
	Since     time.Time
	Until     time.Time
	Limit     int // keep only the most recent N
}

// Matches reports whether rec satisfies the filter.
func (f CostFilter) Matches(rec CostRecord) bool {
	if f.Platform != "" && rec.Platform != f.Platform {
		return false
	}
	if f.SessionID != "" && rec.SessionID != f.SessionID {
		return false
	}
	if f.Kind != "" && rec.Kind != f.Kind {
		return false
	}
	if !f.Since.IsZero() && rec.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !rec.Timestamp.Before(f.Until) {
		return false
	}
	return true
}

// LifecycleStore records session lifecycle events for audit.
type LifecycleStore interface {
	AddEvent(ctx context.Context, ev LifecycleEvent) error
	ListEvents(ctx context.Context, sessionID string, limit int) ([]LifecycleEvent, error)
	DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// SearchStore holds search metadata and cached extraction results.
type SearchStore interface {
	RecordSearch(ctx context.Context, rec SearchRecord) error
	RecentSearches(ctx context.Context, platform string, since time.Time, limit int) ([]SearchRecord, error)
	GetResult(ctx context.Context, key string) (*CachedResult, error)
	PutResult(ctx context.Context, res CachedResult, ttl time.Duration) error
	DeleteSearchesBefore(ctx context.Context, cutoff time.Time) (int, error)
}
