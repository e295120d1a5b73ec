// Package optimizer chooses how each extraction request is served so the
// fleet stays within budget: from cache, on a reused session, deferred into
// a batch, or immediately. It also applies time-bounded interventions when
// the budget reaches the critical or emergency tier.
package optimizer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goodtune/pricefleet/internal/budget"
	"github.com/goodtune/pricefleet/internal/clock"
	"github.com/goodtune/pricefleet/internal/metrics"
	"github.com/goodtune/pricefleet/internal/pool"
	"github.com/goodtune/pricefleet/internal/provider"
	"github.com/goodtune/pricefleet/internal/session"
	"github.com/goodtune/pricefleet/internal/storage"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultCacheTTL             = 6 * time.Hour
	DefaultCacheSize            = 1000
	DefaultCacheThreshold       = 0.7
	DefaultSearchWindow         = 24 * time.Hour
	DefaultDateToleranceDays    = 2
	DefaultBurnWindow           = time.Hour
	DefaultBatchWindow          = 2 * time.Minute
	DefaultMaxDelay             = time.Hour
	DefaultModerateUtilization  = 0.5
	DefaultInterventionDuration = 15 * time.Minute
	DefaultCriticalTimeout      = 45 * time.Second
	DefaultEmergencyTimeout     = 20 * time.Second

	searchLimit = 200
)

// SessionPool is the part of pool.Pool the engine drives.
type SessionPool interface {
	Acquire(ctx context.Context, platform string, priority int, opts ...pool.AcquireOption) (*session.Session, error)
	Release(s *session.Session)
	HasIdle(platform string) bool
	PlatformTimeout(platform string) time.Duration
	Pricing() provider.Pricing
	SetTimeoutOverride(d time.Duration, until time.Time)
}

// Budget is the part of budget.Manager the engine consults.
type Budget interface {
	Status() budget.Status
	Reserve(est budget.Estimate) (*budget.Reservation, error)
	Subscribe(fn func(budget.Status))
}

// SpendLedger exposes recent cost records. cost.Tracker implements it.
type SpendLedger interface {
	Records(filter storage.CostFilter) []storage.CostRecord
}

// Config holds engine configuration
type Config struct {
	CacheTTL             time.Duration
	CacheSize            int
	CacheThreshold       float64
	SearchWindow         time.Duration
	DateToleranceDays    int
	BurnWindow           time.Duration
	BatchWindow          time.Duration
	MaxDelay             time.Duration
	ModerateUtilization  float64
	InterventionDuration time.Duration
	CriticalTimeout      time.Duration
	EmergencyTimeout     time.Duration
	Location             *time.Location
}

// Deps are the engine's collaborators. Pool and Budget are required.
type Deps struct {
	Pool     SessionPool
	Budget   Budget
	Ledger   SpendLedger
	Searches storage.SearchStore
	Clock    clock.Clock
}

// Engine is the single entry point for cost-aware request execution.
type Engine struct {
	config   Config
	pool     SessionPool
	budget   Budget
	ledger   SpendLedger
	searches storage.SearchStore
	clock    clock.Clock
	logger   zerolog.Logger

	cache   *expirable.LRU[string, storage.CachedResult]
	flights singleflight.Group
	batcher *batcher

	mu            sync.Mutex
	interventions map[budget.Tier]Intervention
	applied       Intervention // last one pushed to the pool
	closed        bool
}

// NewEngine creates a new optimization engine
func NewEngine(config Config, deps Deps, logger zerolog.Logger) (*Engine, error) {
	if deps.Pool == nil {
		return nil, fmt.Errorf("optimizer: pool is required")
	}
	if deps.Budget == nil {
		return nil, fmt.Errorf("optimizer: budget is required")
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = DefaultCacheTTL
	}
	if config.CacheSize <= 0 {
		config.CacheSize = DefaultCacheSize
	}
	if config.CacheThreshold <= 0 {
		config.CacheThreshold = DefaultCacheThreshold
	}
	if config.SearchWindow <= 0 {
		config.SearchWindow = DefaultSearchWindow
	}
	if config.DateToleranceDays < 0 {
		config.DateToleranceDays = DefaultDateToleranceDays
	}
	if config.BurnWindow <= 0 {
		config.BurnWindow = DefaultBurnWindow
	}
	if config.BatchWindow <= 0 {
		config.BatchWindow = DefaultBatchWindow
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = DefaultMaxDelay
	}
	if config.ModerateUtilization <= 0 {
		config.ModerateUtilization = DefaultModerateUtilization
	}
	if config.InterventionDuration <= 0 {
		config.InterventionDuration = DefaultInterventionDuration
	}
	if config.CriticalTimeout <= 0 {
		config.CriticalTimeout = DefaultCriticalTimeout
	}
	if config.EmergencyTimeout <= 0 {
		config.EmergencyTimeout = DefaultEmergencyTimeout
	}
	if config.Location == nil {
		config.Location = time.UTC
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}

	e := &Engine{
		config:        config,
		pool:          deps.Pool,
		budget:        deps.Budget,
		ledger:        deps.Ledger,
		searches:      deps.Searches,
		clock:         deps.Clock,
		logger:        logger.With().Str("component", "optimizer").Logger(),
		cache:         expirable.NewLRU[string, storage.CachedResult](config.CacheSize, nil, config.CacheTTL),
		interventions: make(map[budget.Tier]Intervention),
	}
	e.batcher = newBatcher(e)
	deps.Budget.Subscribe(e.onBudgetStatus)

	return e, nil
}

// Plan returns the strategy OptimizeAndExecute would pick for req right
// now, along with the inputs it was picked from.
func (e *Engine) Plan(ctx context.Context, req Request) (Strategy, Context) {
	c := e.snapshot(ctx, req)
	return Optimize(req, c), c
}

// OptimizeAndExecute selects a strategy for req and serves it accordingly.
func (e *Engine) OptimizeAndExecute(ctx context.Context, req Request) (Outcome, error) {
	if req.Platform == "" {
		return Outcome{}, fmt.Errorf("platform is required")
	}
	if req.Operation == nil {
		return Outcome{}, fmt.Errorf("operation is required")
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Urgency == "" {
		req.Urgency = UrgencyNormal
	}

	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return Outcome{}, ErrClosed
	}

	start := time.Now()
	strategy, _ := e.Plan(ctx, req)

	metrics.StrategySelections.WithLabelValues(string(strategy.Name)).Inc()
	if strategy.EstimatedSavings > 0 {
		metrics.EstimatedSavings.WithLabelValues(string(strategy.Name)).Add(strategy.EstimatedSavings)
	}

	e.logger.Debug().
		Str("request_id", req.ID).
		Str("platform", req.Platform).
		Str("strategy", string(strategy.Name)).
		Str("reason", strategy.Reason).
		Float64("estimated_savings", strategy.EstimatedSavings).
		Float64("confidence", strategy.Confidence).
		Msg("Strategy selected")

	out, err := e.apply(ctx, req, strategy)
	out.RequestID = req.ID
	out.Strategy = strategy
	out.Duration = time.Since(start)
	return out, err
}

func (e *Engine) apply(ctx context.Context, req Request, strategy Strategy) (Outcome, error) {
	switch strategy.Name {
	case StrategyCacheFirst:
		if cached, ok := e.lookup(ctx, req.Key()); ok {
			return Outcome{
				Result: session.Result{Data: cached.Payload, ResultCount: cached.ResultCount},
				Source: SourceCache,
			}, nil
		}
		if strategy.CacheOnly {
			return Outcome{}, fmt.Errorf("%s: %w", strategy.Reason, ErrCacheMiss)
		}
		return e.run(ctx, req, strategy)

	case StrategyDelayBatch:
		return e.batcher.submit(ctx, req, strategy)

	default:
		return e.run(ctx, req, strategy)
	}
}

// run executes req, sharing one execution among identical concurrent
// requests.
func (e *Engine) run(ctx context.Context, req Request, strategy Strategy) (Outcome, error) {
	ch := e.flights.DoChan(req.Key(), func() (any, error) {
		return e.execute(context.WithoutCancel(ctx), req, strategy)
	})

	select {
	case r := <-ch:
		out, _ := r.Val.(Outcome)
		out.Shared = r.Shared
		return out, r.Err
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// execute reserves the request's whole estimated cost, including the
// creation fee when it was planned without an idle session, and runs it.
func (e *Engine) execute(ctx context.Context, req Request, strategy Strategy) (Outcome, error) {
	est, opts := e.estimate(req.Platform, strategy.Timeout, strategy.NewSession)
	est.MaxResults = req.MaxResults

	reservation, err := e.budget.Reserve(est)
	if err != nil {
		return Outcome{}, err
	}
	defer reservation.Release()

	if strategy.ReuseBias {
		opts = append(opts, pool.WithReuseBias())
	}
	s, err := e.pool.Acquire(ctx, req.Platform, req.Priority, opts...)
	if err != nil {
		return Outcome{}, err
	}
	defer e.pool.Release(s)

	return e.runOn(ctx, s, req, strategy.Timeout)
}

// estimate prices work on platform. A planned creation is folded into the
// estimate and the pool is told not to admit it again.
func (e *Engine) estimate(platform string, timeout time.Duration, newSession bool) (budget.Estimate, []pool.AcquireOption) {
	pricing := e.pool.Pricing()
	est := budget.Estimate{
		Platform:           platform,
		RuntimeRatePerHour: pricing.RuntimeRatePerHour,
		Timeout:            timeout,
	}
	if !newSession {
		return est, nil
	}
	est.CreationCost = pricing.CreationCost
	return est, []pool.AcquireOption{pool.WithCreationReserved()}
}

// runOn runs req on a borrowed session and caches a successful result.
func (e *Engine) runOn(ctx context.Context, s *session.Session, req Request, timeout time.Duration) (Outcome, error) {
	before := s.Cost()
	result, err := s.Use(ctx, req.Operation, session.WithTimeout(timeout))
	out := Outcome{
		Result:    result,
		Source:    SourceSession,
		SessionID: s.ID(),
		Cost:      s.Cost() - before,
	}
	if err != nil {
		return out, err
	}
	e.remember(ctx, req, result)
	return out, nil
}

func (e *Engine) lookup(ctx context.Context, key string) (storage.CachedResult, bool) {
	if res, ok := e.cache.Get(key); ok {
		metrics.ResultCacheHits.Inc()
		return res, true
	}

	if e.searches != nil {
		res, err := e.searches.GetResult(ctx, key)
		switch {
		case err == nil:
			e.cache.Add(key, *res)
			metrics.ResultCacheHits.Inc()
			return *res, true
		case !errors.Is(err, storage.ErrNotFound):
			e.logger.Warn().Err(err).Str("key", key).Msg("Failed to read cached result")
		}
	}

	metrics.ResultCacheMisses.Inc()
	return storage.CachedResult{}, false
}

// remember caches a result and records the search for later likelihood
// estimates.
func (e *Engine) remember(ctx context.Context, req Request, result session.Result) {
	now := e.clock.Now()
	key := req.Key()
	cached := storage.CachedResult{
		Key:         key,
		Platform:    req.Platform,
		Payload:     result.Data,
		ResultCount: result.ResultCount,
		StoredAt:    now,
	}
	e.cache.Add(key, cached)

	if e.searches == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := e.searches.PutResult(ctx, cached, e.config.CacheTTL); err != nil {
		e.logger.Warn().Err(err).Str("key", key).Msg("Failed to store cached result")
	}
	err := e.searches.RecordSearch(ctx, storage.SearchRecord{
		Key:         key,
		Platform:    req.Platform,
		Destination: req.Destination,
		CheckIn:     req.CheckIn,
		CheckOut:    req.CheckOut,
		Guests:      req.Guests,
		ResultCount: result.ResultCount,
		Timestamp:   now,
	})
	if err != nil {
		e.logger.Warn().Err(err).Str("key", key).Msg("Failed to record search")
	}
}

func (e *Engine) snapshot(ctx context.Context, req Request) Context {
	now := e.clock.Now()
	e.applyOverride(now)
	policy, tolerance := e.policy(now)

	c := Context{
		Now:     now,
		Budget:  e.budget.Status(),
		Pricing: e.pool.Pricing(),
		Policy:  policy,
		Timeout: e.pool.PlatformTimeout(req.Platform),
		HasIdle: e.pool.HasIdle(req.Platform),
	}
	c.TargetBurnRate = targetBurnRate(c.Budget, now.In(e.config.Location))

	if e.ledger != nil {
		records := e.ledger.Records(storage.CostFilter{Since: now.Add(-policy.BurnWindow)})
		var spend float64
		for _, rec := range records {
			spend += rec.Cost
		}
		c.History = len(records)
		c.BurnRate = spend / policy.BurnWindow.Hours()
	}

	if e.searches != nil {
		records, err := e.searches.RecentSearches(ctx, req.Platform, now.Add(-e.config.SearchWindow), searchLimit)
		if err != nil {
			e.logger.Warn().Err(err).Str("platform", req.Platform).Msg("Failed to read recent searches")
		} else {
			c.CacheLikelihood, c.CacheSupport = CacheLikelihood(req, records, now, e.config.SearchWindow, tolerance)
		}
	}
	return c
}

// targetBurnRate spreads the remaining daily budget, or the monthly one
// when there is no daily limit, over the time left in its window.
func targetBurnRate(st budget.Status, now time.Time) float64 {
	switch {
	case st.DailyLimit > 0:
		left := clock.StartOfDay(now).AddDate(0, 0, 1).Sub(now).Hours()
		return max(0, st.DailyRemaining) / left
	case st.MonthlyLimit > 0:
		left := clock.StartOfMonth(now).AddDate(0, 1, 0).Sub(now).Hours()
		return max(0, st.MonthlyRemaining) / left
	default:
		return 0
	}
}

// Close rejects pending batches and waits for running ones.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	return e.batcher.close(ctx)
}
