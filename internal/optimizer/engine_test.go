package optimizer

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goodtune/pricefleet/internal/budget"
	"github.com/goodtune/pricefleet/internal/clock"
	"github.com/goodtune/pricefleet/internal/cost"
	"github.com/goodtune/pricefleet/internal/pool"
	"github.com/goodtune/pricefleet/internal/provider"
	"github.com/goodtune/pricefleet/internal/provider/providertest"
	"github.com/goodtune/pricefleet/internal/session"
	"github.com/goodtune/pricefleet/internal/storage"
	"github.com/goodtune/pricefleet/internal/storage/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type engineFixture struct {
	engine   *Engine
	pool     *pool.Pool
	budget   *budget.Manager
	tracker  *cost.Tracker
	provider *providertest.Provider
	searches storage.SearchStore
	clock    *clock.Test
}

func newEngineFixture(t *testing.T, poolConfig pool.Config, budgetConfig budget.Config, config Config) *engineFixture {
	t.Helper()

	db, err := sqlite.Open(filepath.Join(t.TempDir(), "optimizer.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	clk := clock.NewTest(testNow)
	f := &engineFixture{
		provider: providertest.New(testPricing),
		tracker:  cost.NewTracker(nil, cost.Config{}, clk, zerolog.Nop()),
		searches: db.Searches(),
		clock:    clk,
	}
	f.budget = budget.NewManager(f.tracker, budgetConfig, clk, zerolog.Nop())

	f.pool, err = pool.New(poolConfig, pool.Deps{
		Provider: f.provider,
		Recorder: f.tracker,
		Admitter: f.budget,
		Clock:    clk,
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.pool.Close(context.Background()) })

	f.engine, err = NewEngine(config, Deps{
		Pool:     f.pool,
		Budget:   f.budget,
		Ledger:   f.tracker,
		Searches: f.searches,
		Clock:    clk,
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.engine.Close(context.Background()) })
	return f
}

func (f *engineFixture) spend(t *testing.T, amount float64) {
	t.Helper()
	_, err := f.tracker.Record(context.Background(), cost.Entry{
		Platform: "siteA",
		Kind:     storage.CostUsage,
		Cost:     amount,
	})
	require.NoError(t, err)
}

func lisbon(op session.Operation) Request {
	return Request{
		Platform:    "siteA",
		Destination: "Lisbon",
		CheckIn:     time.Date(2026, 4, 10, 0, 0, 0, 0, time.UTC),
		CheckOut:    time.Date(2026, 4, 12, 0, 0, 0, 0, time.UTC),
		Guests:      2,
		Operation:   op,
	}
}

func counting(calls *atomic.Int32, payload string, n int) session.Operation {
	return func(ctx context.Context, _ *provider.Handle) (session.Result, error) {
		calls.Add(1)
		return session.Result{Data: []byte(payload), ResultCount: n}, nil
	}
}

func TestOptimizeAndExecute_Immediate(t *testing.T) {
	f := newEngineFixture(t, pool.Config{}, budget.Config{Enabled: true, DailyLimit: 10}, Config{})

	var calls atomic.Int32
	out, err := f.engine.OptimizeAndExecute(context.Background(), lisbon(counting(&calls, "rooms", 7)))
	require.NoError(t, err)

	assert.Equal(t, StrategyImmediate, out.Strategy.Name)
	assert.Equal(t, SourceSession, out.Source)
	assert.Equal(t, 7, out.Result.ResultCount)
	assert.Equal(t, "rooms", string(out.Result.Data))
	assert.NotEmpty(t, out.RequestID)
	assert.NotEmpty(t, out.SessionID)
	assert.GreaterOrEqual(t, out.Cost, 0.0)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, f.provider.Created())
	assert.InDelta(t, 0, f.budget.Status().Reserved, 1e-12)

	recent, err := f.searches.RecentSearches(context.Background(), "siteA", testNow.Add(-time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "Lisbon", recent[0].Destination)
	assert.Equal(t, 7, recent[0].ResultCount)
}

func TestOptimizeAndExecute_ServesRepeatFromCache(t *testing.T) {
	f := newEngineFixture(t, pool.Config{}, budget.Config{Enabled: true, DailyLimit: 10}, Config{})

	var calls atomic.Int32
	_, err := f.engine.OptimizeAndExecute(context.Background(), lisbon(counting(&calls, "rooms", 7)))
	require.NoError(t, err)

	out, err := f.engine.OptimizeAndExecute(context.Background(), lisbon(counting(&calls, "other", 1)))
	require.NoError(t, err)
	assert.Equal(t, StrategyCacheFirst, out.Strategy.Name)
	assert.Equal(t, SourceCache, out.Source)
	assert.Equal(t, "rooms", string(out.Result.Data))
	assert.Equal(t, 7, out.Result.ResultCount)
	assert.Equal(t, int32(1), calls.Load())
}

func TestOptimizeAndExecute_FallsBackToStoreCache(t *testing.T) {
	f := newEngineFixture(t, pool.Config{}, budget.Config{Enabled: true, DailyLimit: 10}, Config{})

	req := lisbon(nil)
	require.NoError(t, f.searches.PutResult(context.Background(), storage.CachedResult{
		Key:         req.Key(),
		Platform:    "siteA",
		Payload:     []byte("stored"),
		ResultCount: 3,
		StoredAt:    testNow,
	}, time.Hour))
	require.NoError(t, f.searches.RecordSearch(context.Background(), storage.SearchRecord{
		Key:         req.Key(),
		Platform:    "siteA",
		Destination: "Lisbon",
		CheckIn:     req.CheckIn,
		CheckOut:    req.CheckOut,
		Guests:      2,
		ResultCount: 3,
		Timestamp:   testNow,
	}))

	var calls atomic.Int32
	out, err := f.engine.OptimizeAndExecute(context.Background(), lisbon(counting(&calls, "fresh", 9)))
	require.NoError(t, err)
	assert.Equal(t, SourceCache, out.Source)
	assert.Equal(t, "stored", string(out.Result.Data))
	assert.Zero(t, calls.Load())
	assert.Zero(t, f.provider.Created())
}

func TestOptimizeAndExecute_SharesIdenticalRequests(t *testing.T) {
	f := newEngineFixture(t, pool.Config{}, budget.Config{Enabled: true, DailyLimit: 10}, Config{})

	var calls atomic.Int32
	gate := make(chan struct{})
	op := func(ctx context.Context, _ *provider.Handle) (session.Result, error) {
		calls.Add(1)
		select {
		case <-gate:
		case <-ctx.Done():
			return session.Result{}, ctx.Err()
		}
		return session.Result{Data: []byte("rooms"), ResultCount: 4}, nil
	}

	outs := make([]Outcome, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	start := func(i int) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outs[i], errs[i] = f.engine.OptimizeAndExecute(context.Background(), lisbon(op))
		}()
	}

	start(0)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	start(1)
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, f.provider.Created())
	assert.Equal(t, outs[0].SessionID, outs[1].SessionID)
	assert.True(t, outs[0].Shared || outs[1].Shared)
}

func TestOptimizeAndExecute_EmergencyServesCacheOnly(t *testing.T) {
	f := newEngineFixture(t, pool.Config{}, budget.Config{Enabled: true, DailyLimit: 1}, Config{})
	f.spend(t, 1)

	var calls atomic.Int32
	_, err := f.engine.OptimizeAndExecute(context.Background(), lisbon(counting(&calls, "rooms", 1)))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCacheMiss)
	assert.Zero(t, calls.Load())
	assert.Zero(t, f.provider.Created())

	f.engine.remember(context.Background(), lisbon(nil), session.Result{Data: []byte("cached"), ResultCount: 2})

	out, err := f.engine.OptimizeAndExecute(context.Background(), lisbon(counting(&calls, "rooms", 1)))
	require.NoError(t, err)
	assert.True(t, out.Strategy.CacheOnly)
	assert.Equal(t, SourceCache, out.Source)
	assert.Equal(t, "cached", string(out.Result.Data))
	assert.Zero(t, calls.Load())
}

func TestOptimizeAndExecute_BudgetDenialCarriesAlternative(t *testing.T) {
	f := newEngineFixture(t,
		pool.Config{OperationTimeout: 24 * time.Hour},
		budget.Config{Enabled: true, DailyLimit: 0.5},
		Config{},
	)

	var calls atomic.Int32
	_, err := f.engine.OptimizeAndExecute(context.Background(), lisbon(counting(&calls, "rooms", 1)))
	require.Error(t, err)
	assert.ErrorIs(t, err, budget.ErrBudgetExceeded)

	var exceeded *budget.ExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, budget.ReasonDailyLimit, exceeded.Reason)
	require.NotNil(t, exceeded.Alternative)
	assert.Equal(t, budget.AltReducedTimeout, exceeded.Alternative.Kind)
	assert.Zero(t, calls.Load())
	assert.Zero(t, f.provider.Created())
}

func TestOptimizeAndExecute_SuggestedAlternativeIsAdmissible(t *testing.T) {
	f := newEngineFixture(t,
		pool.Config{OperationTimeout: time.Hour},
		budget.Config{Enabled: true, DailyLimit: 1},
		Config{},
	)
	f.spend(t, 0.96)

	var calls atomic.Int32
	req := lisbon(counting(&calls, "rooms", 3))
	req.Urgency = UrgencyUrgent

	_, err := f.engine.OptimizeAndExecute(context.Background(), req)
	var exceeded *budget.ExceededError
	require.ErrorAs(t, err, &exceeded)
	// A new session is needed, so the creation fee is part of the request.
	assert.InDelta(t, 0.06, exceeded.Requested, 1e-9)
	assert.InDelta(t, 0.04, exceeded.Remaining, 1e-9)
	require.NotNil(t, exceeded.Alternative)
	require.Equal(t, budget.AltReducedTimeout, exceeded.Alternative.Kind)
	assert.Equal(t, 36*time.Minute, exceeded.Alternative.Timeout)
	assert.LessOrEqual(t, exceeded.Alternative.EstimatedCost, exceeded.Remaining+1e-9)
	assert.Zero(t, f.provider.Created())

	req.Timeout = exceeded.Alternative.Timeout
	out, err := f.engine.OptimizeAndExecute(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, out.Strategy.NewSession)
	assert.Equal(t, 36*time.Minute, out.Strategy.Timeout)
	assert.Equal(t, SourceSession, out.Source)
	assert.Equal(t, 1, f.provider.Created())
	assert.Equal(t, int32(1), calls.Load())
	assert.InDelta(t, 0, f.budget.Status().Reserved, 1e-12)
}

func TestOptimizeAndExecute_BatchesDeferredRequests(t *testing.T) {
	f := newEngineFixture(t,
		pool.Config{},
		budget.Config{Enabled: true, DailyLimit: 10},
		Config{BatchWindow: 100 * time.Millisecond, MaxDelay: 100 * time.Millisecond},
	)
	// Two dollars in the last hour against eight left over twelve hours.
	f.spend(t, 2)

	var calls atomic.Int32
	var wg sync.WaitGroup
	outs := make([]Outcome, 2)
	errs := make([]error, 2)
	for i, dest := range []string{"Lisbon", "Porto"} {
		req := lisbon(counting(&calls, dest, 1))
		req.Destination = dest
		req.Urgency = UrgencyLow
		req.Batchable = true

		wg.Add(1)
		go func() {
			defer wg.Done()
			outs[i], errs[i] = f.engine.OptimizeAndExecute(context.Background(), req)
		}()
	}
	wg.Wait()

	for i := range outs {
		require.NoError(t, errs[i])
		assert.Equal(t, StrategyDelayBatch, outs[i].Strategy.Name)
		assert.Equal(t, SourceBatch, outs[i].Source)
	}
	assert.Equal(t, outs[0].SessionID, outs[1].SessionID)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 1, f.provider.Created())
	assert.InDelta(t, 0, f.budget.Status().Reserved, 1e-12)
}

func TestOptimizeAndExecute_UrgentRequestIsNotDeferred(t *testing.T) {
	f := newEngineFixture(t, pool.Config{}, budget.Config{Enabled: true, DailyLimit: 10}, Config{})
	f.spend(t, 2)

	req := lisbon(func(ctx context.Context, _ *provider.Handle) (session.Result, error) {
		return session.Result{ResultCount: 1}, nil
	})
	req.Urgency = UrgencyUrgent
	req.Batchable = true

	out, err := f.engine.OptimizeAndExecute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, StrategyImmediate, out.Strategy.Name)
	assert.Equal(t, SourceSession, out.Source)
}

func TestOptimizeAndExecute_Validation(t *testing.T) {
	f := newEngineFixture(t, pool.Config{}, budget.Config{}, Config{})

	_, err := f.engine.OptimizeAndExecute(context.Background(), Request{Operation: counting(new(atomic.Int32), "", 0)})
	assert.Error(t, err)

	_, err = f.engine.OptimizeAndExecute(context.Background(), Request{Platform: "siteA"})
	assert.Error(t, err)
}

func TestInterventions(t *testing.T) {
	f := newEngineFixture(t,
		pool.Config{OperationTimeout: 90 * time.Second},
		budget.Config{Enabled: true, DailyLimit: 1},
		Config{CacheThreshold: 0.7, DateToleranceDays: 2},
	)
	assert.Empty(t, f.engine.Interventions())

	f.spend(t, 0.96)
	status := f.budget.Refresh()
	require.Equal(t, budget.TierCritical, status.Tier)

	ivs := f.engine.Interventions()
	require.Len(t, ivs, 1)
	assert.Equal(t, budget.TierCritical, ivs[0].Tier)
	assert.Equal(t, DefaultCriticalTimeout, ivs[0].Timeout)
	assert.InDelta(t, 0.49, ivs[0].CacheThreshold, 1e-9)
	assert.Equal(t, 4, ivs[0].DateToleranceDays)
	assert.Equal(t, DefaultCriticalTimeout, f.pool.PlatformTimeout("siteA"))

	strategy, c := f.engine.Plan(context.Background(), lisbon(nil))
	assert.InDelta(t, 0.49, c.Policy.CacheThreshold, 1e-9)
	assert.Equal(t, StrategyMaximizeReuse, strategy.Name)

	f.spend(t, 0.05)
	status = f.budget.Refresh()
	require.Equal(t, budget.TierEmergency, status.Tier)

	ivs = f.engine.Interventions()
	require.Len(t, ivs, 2)
	assert.Equal(t, budget.TierEmergency, ivs[0].Tier)
	assert.Equal(t, DefaultEmergencyTimeout, f.pool.PlatformTimeout("siteA"))

	f.clock.Advance(DefaultInterventionDuration + time.Second)
	assert.Empty(t, f.engine.Interventions())
	assert.Equal(t, 90*time.Second, f.pool.PlatformTimeout("siteA"))
}

func TestInterventions_MostSevereTimeoutWins(t *testing.T) {
	f := newEngineFixture(t,
		pool.Config{OperationTimeout: 90 * time.Second},
		budget.Config{Enabled: true, DailyLimit: 1},
		Config{},
	)
	start := f.clock.Now()

	f.engine.onBudgetStatus(budget.Status{Tier: budget.TierEmergency})
	require.Equal(t, DefaultEmergencyTimeout, f.pool.PlatformTimeout("siteA"))

	// Spend stays high enough for critical while emergency is still active.
	f.clock.Advance(5 * time.Minute)
	f.engine.onBudgetStatus(budget.Status{Tier: budget.TierCritical})
	assert.Equal(t, DefaultEmergencyTimeout, f.pool.PlatformTimeout("siteA"))

	policy, tolerance := f.engine.policy(f.clock.Now())
	assert.Zero(t, policy.CacheThreshold)
	assert.Equal(t, maxDateToleranceDays, tolerance)

	// Once emergency lapses the later critical intervention takes over.
	f.clock.Set(start.Add(DefaultInterventionDuration + time.Second))
	_, c := f.engine.Plan(context.Background(), lisbon(nil))
	assert.Equal(t, DefaultCriticalTimeout, c.Timeout)
	assert.Equal(t, DefaultCriticalTimeout, f.pool.PlatformTimeout("siteA"))

	f.clock.Advance(5 * time.Minute)
	assert.Equal(t, 90*time.Second, f.pool.PlatformTimeout("siteA"))
}

func TestClose_RejectsPendingBatches(t *testing.T) {
	f := newEngineFixture(t, pool.Config{}, budget.Config{Enabled: true, DailyLimit: 10}, Config{})
	f.spend(t, 2)

	req := lisbon(counting(new(atomic.Int32), "rooms", 1))
	req.Batchable = true

	done := make(chan error, 1)
	go func() {
		_, err := f.engine.OptimizeAndExecute(context.Background(), req)
		done <- err
	}()

	require.Eventually(t, func() bool {
		f.engine.batcher.mu.Lock()
		defer f.engine.batcher.mu.Unlock()
		return len(f.engine.batcher.batches) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, f.engine.Close(context.Background()))

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, ErrClosed))
	case <-time.After(2 * time.Second):
		t.Fatal("deferred request was not rejected")
	}

	_, err := f.engine.OptimizeAndExecute(context.Background(), req)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Zero(t, f.provider.Created())
}
