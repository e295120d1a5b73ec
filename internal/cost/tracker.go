// Package cost keeps the append-only ledger of billable events and derives
// windowed spend aggregates from it.
package cost

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/goodtune/pricefleet/internal/clock"
	"github.com/goodtune/pricefleet/internal/metrics"
	"github.com/goodtune/pricefleet/internal/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// DefaultAnomalyMultiplier flags events costing more than this multiple
	// of the platform's trailing average.
	DefaultAnomalyMultiplier = 2.0

	// DefaultAnomalyWindow is how many trailing records form the average.
	DefaultAnomalyWindow = 20

	// minAnomalySamples is the least history needed before flagging.
	minAnomalySamples = 3
)

// Entry describes one billable event to record.
type Entry struct {
	SessionID   string
	Platform    string
	Kind        storage.CostKind
	Duration    time.Duration
	Cost        float64
	ResultCount int
	Timestamp   time.Time // defaults to now
}

// Anomaly is raised when an event costs well above the platform's norm.
type Anomaly struct {
	Record     storage.CostRecord
	Average    float64
	Multiplier float64
}

// Config holds tracker configuration
type Config struct {
	AnomalyMultiplier float64
	AnomalyWindow     int
	Location          *time.Location // calendar for day/week/month windows
}

// Tracker is the in-memory cost ledger backed by a CostStore.
type Tracker struct {
	store  storage.CostStore
	clock  clock.Clock
	config Config
	logger zerolog.Logger

	mu          sync.RWMutex
	records     []storage.CostRecord
	subscribers []func(Anomaly)
}

// NewTracker creates a new cost tracker
func NewTracker(store storage.CostStore, config Config, clk clock.Clock, logger zerolog.Logger) *Tracker {
	if config.AnomalyMultiplier <= 1 {
		config.AnomalyMultiplier = DefaultAnomalyMultiplier
	}
	if config.AnomalyWindow <= 0 {
		config.AnomalyWindow = DefaultAnomalyWindow
	}
	if config.Location == nil {
		config.Location = time.UTC
	}
	if clk == nil {
		clk = clock.Real{}
	}

	return &Tracker{
		store:  store,
		clock:  clk,
		config: config,
		logger: logger.With().Str("component", "cost-tracker").Logger(),
	}
}

// Subscribe registers fn to receive anomalies. fn runs on the recording
// goroutine and must not block.
func (t *Tracker) Subscribe(fn func(Anomaly)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subscribers = append(t.subscribers, fn)
}

// Record appends a billable event to the ledger. Store failures are logged;
// the in-memory ledger stays authoritative.
func (t *Tracker) Record(ctx context.Context, e Entry) (storage.CostRecord, error) {
	if e.Cost < 0 {
		return storage.CostRecord{}, fmt.Errorf("negative cost %f", e.Cost)
	}
	if e.Platform == "" {
		return storage.CostRecord{}, fmt.Errorf("platform is required")
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = t.clock.Now()
	}

	rec := storage.CostRecord{
		ID:          uuid.NewString(),
		SessionID:   e.SessionID,
		Platform:    e.Platform,
		Kind:        e.Kind,
		Duration:    e.Duration,
		Cost:        e.Cost,
		ResultCount: e.ResultCount,
		Timestamp:   e.Timestamp,
	}

	t.mu.Lock()
	anomaly, flagged := t.checkAnomalyLocked(rec)
	t.records = append(t.records, rec)
	subscribers := t.subscribers
	t.mu.Unlock()

	metrics.SpendTotal.WithLabelValues(rec.Platform, string(rec.Kind)).Add(rec.Cost)

	if t.store != nil {
		if err := t.store.Append(ctx, rec); err != nil {
			t.logger.Error().
				Err(err).
				Str("session_id", rec.SessionID).
				Float64("cost", rec.Cost).
				Msg("Failed to persist cost record")
		}
	}

	if flagged {
		metrics.CostAnomalies.WithLabelValues(rec.Platform).Inc()
		t.logger.Warn().
			Str("platform", rec.Platform).
			Str("session_id", rec.SessionID).
			Str("kind", string(rec.Kind)).
			Float64("cost", rec.Cost).
			Float64("average", anomaly.Average).
			Msg("Cost anomaly detected")
		for _, fn := range subscribers {
			fn(anomaly)
		}
	}

	t.logger.Debug().
		Str("platform", rec.Platform).
		Str("session_id", rec.SessionID).
		Str("kind", string(rec.Kind)).
		Float64("cost", rec.Cost).
		Msg("Cost recorded")

	return rec, nil
}

// checkAnomalyLocked compares rec against the trailing average of the
// platform's records of the same kind.
func (t *Tracker) checkAnomalyLocked(rec storage.CostRecord) (Anomaly, bool) {
	var (
		sum float64
		n   int
	)
	for i := len(t.records) - 1; i >= 0 && n < t.config.AnomalyWindow; i-- {
		r := t.records[i]
		if r.Platform != rec.Platform || r.Kind != rec.Kind {
			continue
		}
		sum += r.Cost
		n++
	}
	if n < minAnomalySamples || sum == 0 {
		return Anomaly{}, false
	}

	avg := sum / float64(n)
	if rec.Cost <= avg*t.config.AnomalyMultiplier {
		return Anomaly{}, false
	}
	return Anomaly{Record: rec, Average: avg, Multiplier: rec.Cost / avg}, true
}

// Load hydrates the ledger with the current month's records from the store.
func (t *Tracker) Load(ctx context.Context) error {
	if t.store == nil {
		return nil
	}

	since := t.windowStart(WindowMonth)
	week := t.windowStart(WindowWeek)
	if week.Before(since) {
		since = week
	}

	records, err := t.store.List(ctx, storage.CostFilter{Since: since})
	if err != nil {
		return fmt.Errorf("load cost records: %w", err)
	}

	t.mu.Lock()
	seen := make(map[string]struct{}, len(t.records))
	for _, r := range t.records {
		seen[r.ID] = struct{}{}
	}
	for _, r := range records {
		if _, ok := seen[r.ID]; !ok {
			t.records = append(t.records, r)
		}
	}
	sort.SliceStable(t.records, func(i, j int) bool {
		return t.records[i].Timestamp.Before(t.records[j].Timestamp)
	})
	t.mu.Unlock()

	t.logger.Info().
		Int("records", len(records)).
		Time("since", since).
		Msg("Cost ledger loaded")

	return nil
}

// DailySpend returns spend since the start of the current calendar day.
func (t *Tracker) DailySpend() float64 {
	return t.SpendSince(t.windowStart(WindowDay))
}

// MonthlySpend returns spend since the start of the current calendar month.
func (t *Tracker) MonthlySpend() float64 {
	return t.SpendSince(t.windowStart(WindowMonth))
}

// SpendSince returns total spend recorded at or after since.
func (t *Tracker) SpendSince(since time.Time) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var total float64
	for i := len(t.records) - 1; i >= 0; i-- {
		r := t.records[i]
		if r.Timestamp.Before(since) {
			continue
		}
		total += r.Cost
	}
	return total
}

// BreakdownByPlatform returns spend per platform within the window.
func (t *Tracker) BreakdownByPlatform(w Window) map[string]float64 {
	since := t.windowStart(w)

	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]float64)
	for _, r := range t.records {
		if r.Timestamp.Before(since) {
			continue
		}
		out[r.Platform] += r.Cost
	}
	return out
}

// Records returns a copy of the ledger entries matching filter.
func (t *Tracker) Records(filter storage.CostFilter) []storage.CostRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []storage.CostRecord
	for _, r := range t.records {
		if filter.Matches(r) {
			out = append(out, r)
		}
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out
}

// Prune drops in-memory records older than cutoff. Records still inside
// the current month are always kept.
func (t *Tracker) Prune(cutoff time.Time) int {
	month := t.windowStart(WindowMonth)
	if cutoff.After(month) {
		cutoff = month
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	kept := t.records[:0]
	for _, r := range t.records {
		if !r.Timestamp.Before(cutoff) {
			kept = append(kept, r)
		}
	}
	dropped := len(t.records) - len(kept)
	t.records = kept
	return dropped
}

func (t *Tracker) windowStart(w Window) time.Time {
	now := t.clock.Now().In(t.config.Location)
	switch w {
	case WindowDay:
		return clock.StartOfDay(now)
	case WindowWeek:
		return clock.StartOfWeek(now)
	case WindowMonth:
		return clock.StartOfMonth(now)
	default:
		return time.Time{}
	}
}
