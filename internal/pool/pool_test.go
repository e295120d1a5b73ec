package pool

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goodtune/pricefleet/internal/budget"
	"github.com/goodtune/pricefleet/internal/clock"
	"github.com/goodtune/pricefleet/internal/cost"
	"github.com/goodtune/pricefleet/internal/provider"
	"github.com/goodtune/pricefleet/internal/provider/providertest"
	"github.com/goodtune/pricefleet/internal/session"
	"github.com/goodtune/pricefleet/internal/storage"
	"github.com/goodtune/pricefleet/internal/storage/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPricing = provider.Pricing{CreationCost: 0.01, RuntimeRatePerHour: 0.05}

type fixture struct {
	pool     *Pool
	provider *providertest.Provider
	tracker  *cost.Tracker
	events   storage.LifecycleStore
	clock    *clock.Test
}

func newFixture(t *testing.T, config Config, admitter func(*cost.Tracker, clock.Clock) Admitter) *fixture {
	t.Helper()

	db, err := sqlite.Open(filepath.Join(t.TempDir(), "pool.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	clk := clock.NewTest(time.Date(2026, 3, 18, 12, 0, 0, 0, time.UTC))
	f := &fixture{
		provider: providertest.New(testPricing),
		tracker:  cost.NewTracker(nil, cost.Config{}, clk, zerolog.Nop()),
		events:   db.Lifecycle(),
		clock:    clk,
	}

	deps := Deps{
		Provider: f.provider,
		Recorder: f.tracker,
		Events:   f.events,
		Clock:    clk,
	}
	if admitter != nil {
		deps.Admitter = admitter(f.tracker, clk)
	}

	f.pool, err = New(config, deps, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.pool.Close(context.Background()) })
	return f
}

func (f *fixture) acquire(t *testing.T, platform string) *session.Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := f.pool.Acquire(ctx, platform, 0)
	require.NoError(t, err)
	require.Equal(t, session.StatusActive, s.Status())
	return s
}

func (f *fixture) waitQueued(t *testing.T, platform string, depth int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.pool.Metrics().Platforms[platform].QueueDepth == depth
	}, 2*time.Second, 5*time.Millisecond)
}

func (f *fixture) eventCount(t *testing.T, sessionID string, event storage.LifecycleEventType) int {
	t.Helper()
	events, err := f.events.ListEvents(context.Background(), sessionID, 0)
	require.NoError(t, err)
	n := 0
	for _, ev := range events {
		if ev.Event == event {
			n++
		}
	}
	return n
}

type acquired struct {
	session *session.Session
	err     error
}

func TestAcquire_ReleasedSessionServesQueuedRequest(t *testing.T) {
	f := newFixture(t, Config{MaxSessions: 10, DefaultPlatformCap: 2, QueueTimeout: 5 * time.Second}, nil)

	first := f.acquire(t, "siteA")
	second := f.acquire(t, "siteA")
	assert.NotEqual(t, first.ID(), second.ID())
	assert.Equal(t, 2, f.provider.Created())

	third := make(chan acquired, 1)
	go func() {
		s, err := f.pool.Acquire(context.Background(), "siteA", 0)
		third <- acquired{s, err}
	}()
	f.waitQueued(t, "siteA", 1)

	f.pool.Release(first)

	select {
	case got := <-third:
		require.NoError(t, got.err)
		assert.Equal(t, first.ID(), got.session.ID())
		assert.Equal(t, session.StatusActive, got.session.Status())
	case <-time.After(2 * time.Second):
		t.Fatal("queued request was not served")
	}
	assert.Equal(t, 2, f.provider.Created())
	assert.Equal(t, 0, f.pool.Metrics().QueueDepth)
}

func TestAcquire_ReusesIdleSession(t *testing.T) {
	f := newFixture(t, Config{}, nil)

	s := f.acquire(t, "siteA")
	f.pool.Release(s)
	assert.Equal(t, session.StatusIdle, s.Status())
	assert.True(t, f.pool.HasIdle("siteA"))

	again := f.acquire(t, "siteA")
	assert.Equal(t, s.ID(), again.ID())
	assert.Equal(t, 1, f.provider.Created())
	assert.False(t, f.pool.HasIdle("siteA"))
}

func TestAcquire_PriorityThenArrivalOrder(t *testing.T) {
	f := newFixture(t, Config{DefaultPlatformCap: 1, QueueTimeout: 5 * time.Second}, nil)
	held := f.acquire(t, "siteA")

	order := make(chan string, 3)
	var wg sync.WaitGroup
	enqueue := func(name string, priority, depth int) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := f.pool.Acquire(context.Background(), "siteA", priority)
			if !assert.NoError(t, err) {
				return
			}
			order <- name
			f.pool.Release(s)
		}()
		f.waitQueued(t, "siteA", depth)
	}

	enqueue("low", 0, 1)
	enqueue("high-1", 5, 2)
	enqueue("high-2", 5, 3)

	f.pool.Release(held)
	wg.Wait()
	close(order)

	var got []string
	for name := range order {
		got = append(got, name)
	}
	assert.Equal(t, []string{"high-1", "high-2", "low"}, got)
	assert.Equal(t, 1, f.provider.Created())
}

func TestAcquire_QueueTimeoutIsFinal(t *testing.T) {
	f := newFixture(t, Config{DefaultPlatformCap: 1, QueueTimeout: 50 * time.Millisecond}, nil)
	held := f.acquire(t, "siteA")

	s, err := f.pool.Acquire(context.Background(), "siteA", 3)
	require.Error(t, err)
	assert.Nil(t, s)
	assert.ErrorIs(t, err, ErrRequestTimeout)

	var timeout *RequestTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, "siteA", timeout.Platform)
	assert.Equal(t, 3, timeout.Priority)
	assert.GreaterOrEqual(t, timeout.Waited, 50*time.Millisecond)

	// The release after the timeout must not go to the expired request.
	f.pool.Release(held)
	m := f.pool.Metrics()
	assert.Equal(t, 1, m.Idle)
	assert.Equal(t, 0, m.QueueDepth)
	assert.Equal(t, session.StatusIdle, held.Status())
}

func TestAcquire_CancelWhileQueued(t *testing.T) {
	f := newFixture(t, Config{DefaultPlatformCap: 1, QueueTimeout: 5 * time.Second}, nil)
	held := f.acquire(t, "siteA")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.pool.Acquire(ctx, "siteA", 0)
		done <- err
	}()
	f.waitQueued(t, "siteA", 1)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("canceled request did not return")
	}
	assert.Equal(t, 0, f.pool.Metrics().QueueDepth)

	f.pool.Release(held)
	assert.Equal(t, session.StatusIdle, held.Status())
}

func TestAcquire_CapacityNeverExceeded(t *testing.T) {
	f := newFixture(t, Config{MaxSessions: 3, DefaultPlatformCap: 2, QueueTimeout: 10 * time.Second}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		platform := "siteA"
		if i%2 == 1 {
			platform = "siteB"
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				s, err := f.pool.Acquire(context.Background(), platform, j%3)
				if !assert.NoError(t, err) {
					return
				}
				m := f.pool.Metrics()
				assert.LessOrEqual(t, m.Total+m.Pending, 3)
				assert.LessOrEqual(t, m.Platforms[platform].Sessions+m.Platforms[platform].Pending, 2)

				_, err = s.Use(context.Background(), func(ctx context.Context, _ *provider.Handle) (session.Result, error) {
					time.Sleep(time.Millisecond)
					return session.Result{ResultCount: 1}, nil
				})
				assert.NoError(t, err)
				f.pool.Release(s)
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, f.provider.Created(), 3)
	assert.LessOrEqual(t, f.provider.Live(), 3)
	assert.Equal(t, 0, f.pool.Metrics().InUse)
}

func TestAcquire_UnknownPlatform(t *testing.T) {
	f := newFixture(t, Config{
		Platforms: map[string]provider.PlatformConfig{
			"siteA": {MaxConcurrent: 1},
		},
	}, nil)

	_, err := f.pool.Acquire(context.Background(), "siteZ", 0)
	assert.ErrorIs(t, err, ErrUnknownPlatform)
	assert.Equal(t, 0, f.provider.Created())

	s := f.acquire(t, "siteA")
	assert.Equal(t, "siteA", s.Platform())
}

func TestAcquire_CreationFailure(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.provider.FailNextCreate(errors.New("quota exhausted"))

	_, err := f.pool.Acquire(context.Background(), "siteA", 0)
	var createErr *SessionCreationError
	require.ErrorAs(t, err, &createErr)
	assert.Equal(t, "siteA", createErr.Platform)

	m := f.pool.Metrics()
	assert.Equal(t, 0, m.Total)
	assert.Equal(t, 0, m.Pending)

	// Capacity is returned after the failure.
	s := f.acquire(t, "siteA")
	assert.NotNil(t, s)
}

func TestAcquire_QueuedWaiterGetsCreationError(t *testing.T) {
	f := newFixture(t, Config{DefaultPlatformCap: 1, QueueTimeout: 5 * time.Second}, nil)
	held := f.acquire(t, "siteA")

	done := make(chan error, 1)
	go func() {
		_, err := f.pool.Acquire(context.Background(), "siteA", 0)
		done <- err
	}()
	f.waitQueued(t, "siteA", 1)

	// Retiring the held session frees capacity; the replacement fails.
	f.provider.FailNextCreate(errors.New("provider down"))
	held.MarkExpired()
	f.pool.Release(held)

	select {
	case err := <-done:
		var createErr *SessionCreationError
		assert.ErrorAs(t, err, &createErr)
	case <-time.After(2 * time.Second):
		t.Fatal("queued request was not rejected")
	}
}

func TestCreate_BudgetCapsConcurrentCreations(t *testing.T) {
	var manager *budget.Manager
	f := newFixture(t, Config{MaxSessions: 20, DefaultPlatformCap: 20}, func(tr *cost.Tracker, clk clock.Clock) Admitter {
		manager = budget.NewManager(tr, budget.Config{Enabled: true, DailyLimit: 0.035}, clk, zerolog.Nop())
		return manager
	})

	var wg sync.WaitGroup
	var mu sync.Mutex
	var admitted, denied int
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.pool.Acquire(context.Background(), "siteA", 0)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				assert.ErrorIs(t, err, budget.ErrBudgetExceeded)
				denied++
				return
			}
			admitted++
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, admitted+denied)
	assert.GreaterOrEqual(t, admitted, 1)
	assert.LessOrEqual(t, admitted, 3)
	assert.Equal(t, admitted, f.provider.Created())
	assert.LessOrEqual(t, f.tracker.DailySpend(), 0.035)
	assert.InDelta(t, 0, manager.Status().Reserved, 1e-9)
}

func TestAcquire_CreationReservedSkipsAdmission(t *testing.T) {
	f := newFixture(t, Config{}, func(tr *cost.Tracker, clk clock.Clock) Admitter {
		return budget.NewManager(tr, budget.Config{Enabled: true, DailyLimit: 0.005}, clk, zerolog.Nop())
	})

	_, err := f.pool.Acquire(context.Background(), "siteA", 0)
	assert.ErrorIs(t, err, budget.ErrBudgetExceeded)
	assert.Zero(t, f.provider.Created())

	s, err := f.pool.Acquire(context.Background(), "siteA", 0, WithCreationReserved())
	require.NoError(t, err)
	assert.Equal(t, session.StatusActive, s.Status())
	assert.Equal(t, 1, f.provider.Created())
}

func TestRelease_BusySessionServesWaiterOnceOperationReturns(t *testing.T) {
	f := newFixture(t, Config{
		MaxSessions:        1,
		DefaultPlatformCap: 1,
		OperationTimeout:   30 * time.Millisecond,
		QueueTimeout:       5 * time.Second,
	}, nil)
	s := f.acquire(t, "siteA")

	var finished atomic.Bool
	_, err := s.Use(context.Background(), func(context.Context, *provider.Handle) (session.Result, error) {
		time.Sleep(300 * time.Millisecond)
		finished.Store(true)
		return session.Result{}, nil
	})
	require.ErrorIs(t, err, session.ErrTimeout)
	require.True(t, s.InUse())

	f.pool.Release(s)
	assert.False(t, f.pool.HasIdle("siteA"))

	done := make(chan acquired, 1)
	go func() {
		got, err := f.pool.Acquire(context.Background(), "siteA", 0)
		done <- acquired{got, err}
	}()

	select {
	case got := <-done:
		require.NoError(t, got.err)
		assert.True(t, finished.Load())
		assert.Equal(t, s.ID(), got.session.ID())
		assert.False(t, got.session.InUse())
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not served after the operation returned")
	}
	assert.Equal(t, 1, f.provider.Created())
}

func TestRelease_ExpiredSessionRetired(t *testing.T) {
	f := newFixture(t, Config{SessionTTL: 10 * time.Minute}, nil)
	s := f.acquire(t, "siteA")

	f.clock.Advance(11 * time.Minute)
	f.pool.Release(s)

	assert.Equal(t, session.StatusTerminated, s.Status())
	assert.Equal(t, 0, f.provider.Live())
	assert.Equal(t, 0, f.pool.Metrics().Total)
	assert.Equal(t, 1, f.eventCount(t, s.ID(), storage.EventRetired))
}

func TestRelease_UnhealthySessionRecovers(t *testing.T) {
	f := newFixture(t, Config{MaxRecoveryAttempts: 2}, nil)
	s := f.acquire(t, "siteA")

	lost := func(ctx context.Context, _ *provider.Handle) (session.Result, error) {
		return session.Result{}, session.ErrConnectionLost
	}
	_, err := s.Use(context.Background(), lost)
	require.Error(t, err)
	_, err = s.Use(context.Background(), lost)
	require.Error(t, err)
	require.Equal(t, session.StatusUnhealthy, s.Status())

	f.pool.Release(s)

	require.Eventually(t, func() bool {
		return s.Status() == session.StatusIdle
	}, 2*time.Second, 5*time.Millisecond)
	assert.InDelta(t, 0.7, s.Health(), 1e-9)
	assert.Equal(t, 1, s.RecoveryAttempts())
	require.Eventually(t, func() bool {
		return f.eventCount(t, s.ID(), storage.EventRecovered) == 1
	}, 2*time.Second, 5*time.Millisecond)

	again := f.acquire(t, "siteA")
	assert.Equal(t, s.ID(), again.ID())
	assert.Equal(t, 1, f.provider.Created())
}

func TestRelease_UnhealthySessionOutOfAttemptsRetired(t *testing.T) {
	f := newFixture(t, Config{MaxRecoveryAttempts: 1}, nil)
	s := f.acquire(t, "siteA")

	f.provider.SetProbeFor(s.Handle().ID, provider.ProbeResult{Healthy: false}, nil)
	lost := func(ctx context.Context, _ *provider.Handle) (session.Result, error) {
		return session.Result{}, session.ErrConnectionLost
	}
	_, _ = s.Use(context.Background(), lost)
	_, _ = s.Use(context.Background(), lost)
	require.Equal(t, session.StatusUnhealthy, s.Status())

	f.pool.Release(s)

	require.Eventually(t, func() bool {
		return s.Status() == session.StatusTerminated
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, s.RecoveryAttempts())
	assert.Equal(t, 0, f.provider.Live())
	require.Eventually(t, func() bool {
		return f.eventCount(t, s.ID(), storage.EventRetired) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCheckHealth_RetiresSessionThatCannotRecover(t *testing.T) {
	f := newFixture(t, Config{MaxRecoveryAttempts: 1}, nil)
	s := f.acquire(t, "siteA")
	f.pool.Release(s)

	f.provider.SetProbeFor(s.Handle().ID, provider.ProbeResult{Healthy: false}, nil)
	f.pool.checkHealth(context.Background())

	assert.Equal(t, session.StatusTerminated, s.Status())
	assert.Equal(t, 1, f.eventCount(t, s.ID(), storage.EventUnhealthy))
	assert.Equal(t, 1, f.eventCount(t, s.ID(), storage.EventRetired))
	assert.Equal(t, 0, f.pool.Metrics().Total)
}

func TestCheckHealth_RecoversOnLaterProbe(t *testing.T) {
	f := newFixture(t, Config{MaxRecoveryAttempts: 3}, nil)
	s := f.acquire(t, "siteA")
	f.pool.Release(s)

	f.provider.SetProbeFor(s.Handle().ID, provider.ProbeResult{}, errors.New("no response"))
	f.pool.checkHealth(context.Background())
	require.Equal(t, session.StatusUnhealthy, s.Status())
	assert.Equal(t, 1, s.RecoveryAttempts())
	assert.False(t, f.pool.HasIdle("siteA"))

	f.provider.SetProbeFor(s.Handle().ID, provider.ProbeResult{Healthy: true, Latency: time.Millisecond}, nil)
	f.pool.checkHealth(context.Background())

	assert.Equal(t, session.StatusIdle, s.Status())
	assert.Equal(t, 2, s.RecoveryAttempts())
	assert.Equal(t, 1, f.eventCount(t, s.ID(), storage.EventRecovered))
	assert.True(t, f.pool.HasIdle("siteA"))
}

func TestCheckHealth_SkipsBorrowedSessions(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	s := f.acquire(t, "siteA")

	f.provider.SetProbeFor(s.Handle().ID, provider.ProbeResult{Healthy: false}, nil)
	f.pool.checkHealth(context.Background())

	assert.Equal(t, session.StatusActive, s.Status())
	assert.Equal(t, 0, f.eventCount(t, s.ID(), storage.EventUnhealthy))
}

func TestCleanup_RetiresExpiredSessionOnce(t *testing.T) {
	f := newFixture(t, Config{SessionTTL: 10 * time.Minute}, nil)
	s := f.acquire(t, "siteA")
	f.pool.Release(s)
	f.clock.Advance(11 * time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.pool.cleanup(context.Background())
		}()
	}
	wg.Wait()
	f.pool.cleanup(context.Background())

	assert.Equal(t, session.StatusTerminated, s.Status())
	assert.Equal(t, 1, f.provider.CloseCalls(s.Handle().ID))
	assert.Equal(t, 1, f.eventCount(t, s.ID(), storage.EventRetired))
	assert.Len(t, f.tracker.Records(storage.CostFilter{SessionID: s.ID(), Kind: storage.CostLifecycle}), 1)
	assert.Equal(t, 0, f.pool.Metrics().Total)
}

func TestCleanup_RetiresStaleIdleSession(t *testing.T) {
	f := newFixture(t, Config{SessionTTL: 30 * time.Minute}, nil)
	stale := f.acquire(t, "siteA")
	fresh := f.acquire(t, "siteA")
	f.pool.Release(stale)

	f.clock.Advance(16 * time.Minute)
	_, err := fresh.Use(context.Background(), func(ctx context.Context, _ *provider.Handle) (session.Result, error) {
		return session.Result{ResultCount: 3}, nil
	})
	require.NoError(t, err)
	f.pool.Release(fresh)
	f.pool.cleanup(context.Background())

	assert.Equal(t, session.StatusTerminated, stale.Status())
	assert.Equal(t, session.StatusIdle, fresh.Status())
	assert.Equal(t, 1, f.pool.Metrics().Total)

	events, err := f.events.ListEvents(context.Background(), stale.ID(), 0)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, "stale", events[len(events)-1].Reason)
}

func TestCleanup_RetiresUnhealthySessionPastTTL(t *testing.T) {
	f := newFixture(t, Config{SessionTTL: 10 * time.Minute, MaxRecoveryAttempts: 3}, nil)
	s := f.acquire(t, "siteA")
	f.pool.Release(s)

	f.provider.SetProbeFor(s.Handle().ID, provider.ProbeResult{}, errors.New("no response"))
	f.pool.checkHealth(context.Background())
	require.Equal(t, session.StatusUnhealthy, s.Status())
	require.Equal(t, 1, s.RecoveryAttempts())

	f.pool.cleanup(context.Background())
	assert.Equal(t, session.StatusUnhealthy, s.Status())

	f.clock.Advance(11 * time.Minute)
	f.pool.cleanup(context.Background())

	assert.Equal(t, session.StatusTerminated, s.Status())
	assert.Equal(t, 0, f.provider.Live())
	assert.Equal(t, 0, f.pool.Metrics().Total)
	assert.Equal(t, 1, f.eventCount(t, s.ID(), storage.EventRetired))
}

func TestCleanup_LeavesBorrowedSessions(t *testing.T) {
	f := newFixture(t, Config{SessionTTL: 10 * time.Minute}, nil)
	s := f.acquire(t, "siteA")
	f.clock.Advance(time.Hour)

	f.pool.cleanup(context.Background())
	assert.Equal(t, session.StatusActive, s.Status())
	assert.Equal(t, 1, f.provider.Live())
}

func TestCleanup_FreedCapacityServesWaiter(t *testing.T) {
	f := newFixture(t, Config{MaxSessions: 1, DefaultPlatformCap: 1, SessionTTL: 10 * time.Minute, QueueTimeout: 5 * time.Second}, nil)
	a := f.acquire(t, "siteA")
	f.pool.Release(a)

	// siteA's idle session holds the only global slot.
	done := make(chan acquired, 1)
	go func() {
		s, err := f.pool.Acquire(context.Background(), "siteB", 0)
		done <- acquired{s, err}
	}()
	f.waitQueued(t, "siteB", 1)

	f.clock.Advance(11 * time.Minute)
	f.pool.cleanup(context.Background())

	select {
	case got := <-done:
		require.NoError(t, got.err)
		assert.Equal(t, "siteB", got.session.Platform())
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not served after cleanup")
	}
	assert.Equal(t, 2, f.provider.Created())
	assert.Equal(t, 1, f.provider.Live())
}

func TestTimeoutOverride(t *testing.T) {
	f := newFixture(t, Config{
		OperationTimeout: 90 * time.Second,
		Platforms: map[string]provider.PlatformConfig{
			"siteA": {},
			"siteB": {OperationTimeout: 5 * time.Second},
		},
	}, nil)

	f.pool.SetTimeoutOverride(20*time.Second, f.clock.Now().Add(time.Minute))
	assert.Equal(t, 20*time.Second, f.pool.PlatformTimeout("siteA"))
	assert.Equal(t, 5*time.Second, f.pool.PlatformTimeout("siteB"))
	assert.Equal(t, 20*time.Second, f.pool.Metrics().TimeoutOverride)

	s := f.acquire(t, "siteA")
	assert.Equal(t, 20*time.Second, s.Timeout())

	f.clock.Advance(2 * time.Minute)
	assert.Equal(t, 90*time.Second, f.pool.PlatformTimeout("siteA"))
	assert.Equal(t, 90*time.Second, s.Timeout())
	assert.Zero(t, f.pool.Metrics().TimeoutOverride)
}

func TestMetricsAndSessions(t *testing.T) {
	f := newFixture(t, Config{DefaultPlatformCap: 3}, nil)
	a := f.acquire(t, "siteA")
	_ = f.acquire(t, "siteA")
	c := f.acquire(t, "siteB")
	f.pool.Release(a)
	f.pool.Release(c)

	m := f.pool.Metrics()
	assert.Equal(t, 3, m.Total)
	assert.Equal(t, 1, m.Active)
	assert.Equal(t, 2, m.Idle)
	assert.Equal(t, 2, m.Platforms["siteA"].Sessions)
	assert.Equal(t, 3, m.Platforms["siteA"].Cap)
	assert.InDelta(t, 0.03, m.TotalCost, 1e-9)

	infos := f.pool.Sessions()
	require.Len(t, infos, 3)
	assert.Equal(t, "siteA", infos[0].Platform)
	assert.Equal(t, "siteB", infos[2].Platform)

	f.pool.publishMetrics(context.Background())
}

func TestClose_RejectsWaitersAndRetiresSessions(t *testing.T) {
	f := newFixture(t, Config{DefaultPlatformCap: 1, QueueTimeout: 5 * time.Second}, nil)
	held := f.acquire(t, "siteA")
	idle := f.acquire(t, "siteB")
	f.pool.Release(idle)

	done := make(chan error, 1)
	go func() {
		_, err := f.pool.Acquire(context.Background(), "siteA", 0)
		done <- err
	}()
	f.waitQueued(t, "siteA", 1)

	require.NoError(t, f.pool.Close(context.Background()))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not rejected on close")
	}
	assert.Equal(t, 0, f.provider.Live())
	assert.Equal(t, session.StatusTerminated, held.Status())
	assert.Equal(t, session.StatusTerminated, idle.Status())

	_, err := f.pool.Acquire(context.Background(), "siteA", 0)
	assert.ErrorIs(t, err, ErrClosed)

	// Returning a session after close is harmless.
	f.pool.Release(held)
	assert.Equal(t, 1, f.provider.CloseCalls(held.Handle().ID))
	require.NoError(t, f.pool.Close(context.Background()))
}

func TestStart_LoopsStopOnClose(t *testing.T) {
	f := newFixture(t, Config{
		HealthInterval:  5 * time.Millisecond,
		CleanupInterval: 5 * time.Millisecond,
		MetricsInterval: 5 * time.Millisecond,
	}, nil)
	f.pool.Start(context.Background())

	s := f.acquire(t, "siteA")
	f.pool.Release(s)
	time.Sleep(30 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.pool.Close(ctx))
	assert.Equal(t, 0, f.provider.Live())
}

func ExamplePool_Acquire() {
	p, _ := New(Config{DefaultPlatformCap: 1}, Deps{Provider: providertest.New(testPricing)}, zerolog.Nop())
	defer func() { _ = p.Close(context.Background()) }()

	s, err := p.Acquire(context.Background(), "siteA", 0)
	if err != nil {
		fmt.Println(err)
		return
	}
	res, _ := s.Use(context.Background(), func(ctx context.Context, h *provider.Handle) (session.Result, error) {
		return session.Result{ResultCount: 12}, nil
	})
	p.Release(s)
	fmt.Println(res.ResultCount, s.Status())
	// Output: 12 idle
}
