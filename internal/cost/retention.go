package cost

import (
	"context"
	"time"

	"github.com/goodtune/pricefleet/internal/storage"
	"github.com/rs/zerolog"
)

// RetentionScheduler deletes ledger, lifecycle and search history older
// than the retention period once a day.
type RetentionScheduler struct {
	store         storage.Store
	tracker       *Tracker
	runAt         time.Time // Time of day to run (only hour and minute are used)
	retentionDays int
	logger        zerolog.Logger
	stopChan      chan struct{}
	doneChan      chan struct{}
}

// NewRetentionScheduler creates a new retention scheduler
func NewRetentionScheduler(store storage.Store, tracker *Tracker, runAt string, retentionDays int, logger zerolog.Logger) (*RetentionScheduler, error) {
	// Parse run time (HH:MM format)
	parsedTime, err := time.Parse("15:04", runAt)
	if err != nil {
		return nil, err
	}
	if retentionDays <= 0 {
		retentionDays = 90
	}

	return &RetentionScheduler{
		store:         store,
		tracker:       tracker,
		runAt:         parsedTime,
		retentionDays: retentionDays,
		logger:        logger.With().Str("component", "retention-scheduler").Logger(),
		stopChan:      make(chan struct{}),
		doneChan:      make(chan struct{}),
	}, nil
}

// Start begins the retention scheduler
func (rs *RetentionScheduler) Start() {
	go rs.run()
	rs.logger.Info().
		Str("run_at", rs.runAt.Format("15:04")).
		Int("retention_days", rs.retentionDays).
		Msg("Retention scheduler started")
}

// Stop stops the retention scheduler and waits for an in-flight purge
func (rs *RetentionScheduler) Stop() {
	close(rs.stopChan)
	<-rs.doneChan
	rs.logger.Info().Msg("Retention scheduler stopped")
}

func (rs *RetentionScheduler) run() {
	defer close(rs.doneChan)

	for {
		next := rs.nextRun(time.Now())
		wait := time.Until(next)

		rs.logger.Debug().
			Time("next_run", next).
			Dur("wait_duration", wait).
			Msg("Scheduled next retention purge")

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			rs.Purge(ctx, time.Now())
			cancel()
		case <-rs.stopChan:
			timer.Stop()
			return
		}
	}
}

// nextRun calculates the next run time after now
func (rs *RetentionScheduler) nextRun(now time.Time) time.Time {
	today := time.Date(
		now.Year(), now.Month(), now.Day(),
		rs.runAt.Hour(), rs.runAt.Minute(), 0, 0,
		now.Location(),
	)

	// If we've already passed today's run time, schedule for tomorrow
	if now.After(today) {
		return today.AddDate(0, 0, 1)
	}

	return today
}

// PurgeResult reports how many records a purge removed.
type PurgeResult struct {
	Costs    int
	Events   int
	Searches int
	InMemory int
}

// Purge removes history older than the retention period relative to now.
func (rs *RetentionScheduler) Purge(ctx context.Context, now time.Time) PurgeResult {
	cutoff := now.AddDate(0, 0, -rs.retentionDays)
	var res PurgeResult
	var err error

	if res.Costs, err = rs.store.Costs().DeleteBefore(ctx, cutoff); err != nil {
		rs.logger.Error().Err(err).Msg("Failed to purge cost records")
	}
	if res.Events, err = rs.store.Lifecycle().DeleteEventsBefore(ctx, cutoff); err != nil {
		rs.logger.Error().Err(err).Msg("Failed to purge lifecycle events")
	}
	if res.Searches, err = rs.store.Searches().DeleteSearchesBefore(ctx, cutoff); err != nil {
		rs.logger.Error().Err(err).Msg("Failed to purge search history")
	}
	if rs.tracker != nil {
		res.InMemory = rs.tracker.Prune(cutoff)
	}

	rs.logger.Info().
		Time("cutoff", cutoff).
		Int("costs_deleted", res.Costs).
		Int("events_deleted", res.Events).
		Int("searches_deleted", res.Searches).
		Msg("Retention purge complete")

	return res
}
