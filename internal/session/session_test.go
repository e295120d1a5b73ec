package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goodtune/pricefleet/internal/clock"
	"github.com/goodtune/pricefleet/internal/cost"
	"github.com/goodtune/pricefleet/internal/provider"
	"github.com/goodtune/pricefleet/internal/provider/providertest"
	"github.com/goodtune/pricefleet/internal/storage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPricing = provider.Pricing{CreationCost: 0.01, RuntimeRatePerHour: 0.05}

type fixture struct {
	provider *providertest.Provider
	tracker  *cost.Tracker
	clock    *clock.Test
}

func newFixture(t *testing.T, pricing provider.Pricing) *fixture {
	t.Helper()
	clk := clock.NewTest(time.Date(2026, 3, 18, 12, 0, 0, 0, time.UTC))
	return &fixture{
		provider: providertest.New(pricing),
		tracker:  cost.NewTracker(nil, cost.Config{}, clk, zerolog.Nop()),
		clock:    clk,
	}
}

func (f *fixture) session(t *testing.T, timeout time.Duration) *Session {
	t.Helper()
	s, err := New(context.Background(), Config{
		Provider: f.provider,
		Platform: provider.PlatformConfig{Name: "siteA"},
		Recorder: f.tracker,
		Clock:    f.clock,
		Logger:   zerolog.Nop(),
		Timeout:  timeout,
	})
	require.NoError(t, err)
	return s
}

func borrowed(t *testing.T, f *fixture, timeout time.Duration) *Session {
	t.Helper()
	s := f.session(t, timeout)
	require.True(t, s.MarkActive())
	return s
}

func ok(n int) Operation {
	return func(ctx context.Context, _ *provider.Handle) (Result, error) {
		return Result{ResultCount: n}, nil
	}
}

func fails(err error) Operation {
	return func(ctx context.Context, _ *provider.Handle) (Result, error) {
		return Result{}, err
	}
}

func blocks(ctx context.Context, _ *provider.Handle) (Result, error) {
	<-ctx.Done()
	return Result{}, ctx.Err()
}

func TestNew_ChargesCreationOnce(t *testing.T) {
	f := newFixture(t, testPricing)
	s := f.session(t, time.Second)

	assert.Equal(t, StatusIdle, s.Status())
	assert.InDelta(t, 1.0, s.Health(), 1e-9)
	assert.InDelta(t, 0.01, s.Cost(), 1e-9)

	creations := f.tracker.Records(storage.CostFilter{Kind: storage.CostCreation})
	require.Len(t, creations, 1)
	assert.Equal(t, s.ID(), creations[0].SessionID)
}

func TestNew_ProviderFailure(t *testing.T) {
	f := newFixture(t, testPricing)
	f.provider.FailNextCreate(errors.New("quota exhausted"))

	_, err := New(context.Background(), Config{Provider: f.provider, Platform: provider.PlatformConfig{Name: "siteA"}})
	assert.EqualError(t, err, "quota exhausted")
	assert.Zero(t, f.tracker.DailySpend())
}

func TestUse_RequiresActive(t *testing.T) {
	f := newFixture(t, testPricing)
	s := f.session(t, time.Second)

	_, err := s.Use(context.Background(), ok(1))
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Zero(t, s.UsageCount())
}

func TestUse_Success(t *testing.T) {
	f := newFixture(t, testPricing)
	s := borrowed(t, f, time.Second)

	res, err := s.Use(context.Background(), ok(12))
	require.NoError(t, err)
	assert.Equal(t, 12, res.ResultCount)
	assert.Equal(t, int64(1), s.UsageCount())
	assert.False(t, s.InUse())
	assert.InDelta(t, 1.0, s.Health(), 1e-9)

	usage := f.tracker.Records(storage.CostFilter{Kind: storage.CostUsage})
	require.Len(t, usage, 1)
	assert.Equal(t, 12, usage[0].ResultCount)
}

func TestUse_Exclusive(t *testing.T) {
	f := newFixture(t, testPricing)
	s := borrowed(t, f, 5*time.Second)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := s.Use(context.Background(), func(ctx context.Context, _ *provider.Handle) (Result, error) {
			close(started)
			<-release
			return Result{}, nil
		})
		done <- err
	}()
	<-started

	_, err := s.Use(context.Background(), ok(1))
	var inUse *InUseError
	require.ErrorAs(t, err, &inUse)
	assert.ErrorIs(t, err, ErrInUse)
	assert.True(t, s.InUse())

	close(release)
	require.NoError(t, <-done)
	assert.False(t, s.InUse())
}

func TestUse_NeverConcurrent(t *testing.T) {
	f := newFixture(t, testPricing)
	s := borrowed(t, f, 5*time.Second)

	var (
		holders  atomic.Int32
		maxSeen  atomic.Int32
		wg       sync.WaitGroup
		accepted atomic.Int32
	)
	op := func(ctx context.Context, _ *provider.Handle) (Result, error) {
		n := holders.Add(1)
		if n > maxSeen.Load() {
			maxSeen.Store(n)
		}
		time.Sleep(time.Millisecond)
		holders.Add(-1)
		return Result{}, nil
	}

	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if _, err := s.Use(context.Background(), op); err == nil {
					accepted.Add(1)
				} else if !errors.Is(err, ErrInUse) {
					t.Errorf("unexpected error: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxSeen.Load())
	assert.Positive(t, accepted.Load())
}

func TestUse_TimeoutDegradesHealth(t *testing.T) {
	f := newFixture(t, testPricing)
	s := borrowed(t, f, 20*time.Millisecond)

	_, err := s.Use(context.Background(), blocks)
	var timeout *TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 20*time.Millisecond, timeout.Timeout)
	assert.InDelta(t, 0.8, s.Health(), 1e-9)
	assert.Equal(t, StatusActive, s.Status())
	assert.False(t, s.InUse())

	_, _ = s.Use(context.Background(), blocks)
	assert.InDelta(t, 0.6, s.Health(), 1e-9)
	assert.Equal(t, StatusActive, s.Status())

	_, _ = s.Use(context.Background(), blocks)
	assert.InDelta(t, 0.4, s.Health(), 1e-9)
	assert.Equal(t, StatusUnhealthy, s.Status())

	_, err = s.Use(context.Background(), ok(1))
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestUse_OperationIgnoringContextStillTimesOut(t *testing.T) {
	f := newFixture(t, testPricing)
	s := borrowed(t, f, 20*time.Millisecond)

	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	_, err := s.Use(context.Background(), func(context.Context, *provider.Handle) (Result, error) {
		<-release
		return Result{}, nil
	})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestUse_AbandonedOperationKeepsSessionBusy(t *testing.T) {
	f := newFixture(t, testPricing)
	settled := make(chan *Session, 1)
	s, err := New(context.Background(), Config{
		Provider: f.provider,
		Platform: provider.PlatformConfig{Name: "siteA"},
		Recorder: f.tracker,
		Clock:    f.clock,
		Logger:   zerolog.Nop(),
		Timeout:  30 * time.Millisecond,
		OnSettle: func(s *Session) { settled <- s },
	})
	require.NoError(t, err)
	require.True(t, s.MarkActive())

	var running, maxSeen atomic.Int32
	stuck := func(context.Context, *provider.Handle) (Result, error) {
		n := running.Add(1)
		for {
			seen := maxSeen.Load()
			if n <= seen || maxSeen.CompareAndSwap(seen, n) {
				break
			}
		}
		time.Sleep(300 * time.Millisecond)
		running.Add(-1)
		return Result{ResultCount: 1}, nil
	}

	_, err = s.Use(context.Background(), stuck)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.True(t, s.InUse())
	assert.Equal(t, StatusActive, s.Status())

	_, err = s.Use(context.Background(), stuck)
	assert.ErrorIs(t, err, ErrInUse)

	require.True(t, s.MarkIdle())
	assert.False(t, s.MarkActive())

	select {
	case got := <-settled:
		assert.Same(t, s, got)
	case <-time.After(2 * time.Second):
		t.Fatal("abandoned operation never settled")
	}
	assert.False(t, s.InUse())
	assert.Equal(t, int32(1), maxSeen.Load())

	usage := f.tracker.Records(storage.CostFilter{SessionID: s.ID(), Kind: storage.CostUsage})
	require.Len(t, usage, 2)
	var billed time.Duration
	for _, rec := range usage {
		billed += rec.Duration
	}
	assert.GreaterOrEqual(t, billed, 300*time.Millisecond)

	assert.True(t, s.MarkActive())
}

func TestUse_ErrorPenalties(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantHealth float64
	}{
		{"generic error", errors.New("parse failed"), 0.9},
		{"connection lost", ErrConnectionLost, 0.7},
		{"provider closed", provider.ErrClosed, 0.7},
		{"blocked", ErrBlocked, 0.8},
		{"wrapped blocked", errors.Join(errors.New("captcha"), ErrBlocked), 0.8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, testPricing)
			s := borrowed(t, f, time.Second)

			_, err := s.Use(context.Background(), fails(tt.err))
			assert.ErrorIs(t, err, tt.err)
			assert.InDelta(t, tt.wantHealth, s.Health(), 1e-9)
			assert.Equal(t, StatusActive, s.Status())
		})
	}
}

func TestUse_CallerCancellationDoesNotDegrade(t *testing.T) {
	f := newFixture(t, testPricing)
	s := borrowed(t, f, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := s.Use(ctx, blocks)
	assert.ErrorIs(t, err, context.Canceled)
	assert.InDelta(t, 1.0, s.Health(), 1e-9)
}

func TestUse_PanicIsContained(t *testing.T) {
	f := newFixture(t, testPricing)
	s := borrowed(t, f, time.Second)

	_, err := s.Use(context.Background(), func(context.Context, *provider.Handle) (Result, error) {
		panic("boom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.False(t, s.InUse())
	assert.InDelta(t, 0.9, s.Health(), 1e-9)
}

func TestUse_TimeoutOverrideAndOption(t *testing.T) {
	f := newFixture(t, testPricing)
	var override atomic.Int64

	s, err := New(context.Background(), Config{
		Provider:        f.provider,
		Platform:        provider.PlatformConfig{Name: "siteA"},
		Clock:           f.clock,
		Logger:          zerolog.Nop(),
		Timeout:         time.Minute,
		TimeoutOverride: func() time.Duration { return time.Duration(override.Load()) },
	})
	require.NoError(t, err)

	assert.Equal(t, time.Minute, s.Timeout())

	override.Store(int64(10 * time.Second))
	assert.Equal(t, 10*time.Second, s.Timeout())

	override.Store(int64(2 * time.Minute)) // overrides never lengthen
	assert.Equal(t, time.Minute, s.Timeout())

	require.True(t, s.MarkActive())
	_, err = s.Use(context.Background(), blocks, WithTimeout(10*time.Millisecond))
	var timeout *TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, 10*time.Millisecond, timeout.Timeout)
}

func TestAttemptRecovery(t *testing.T) {
	f := newFixture(t, testPricing)
	s := borrowed(t, f, 10*time.Millisecond)
	for i := 0; i < 3; i++ {
		_, _ = s.Use(context.Background(), blocks)
	}
	require.Equal(t, StatusUnhealthy, s.Status())

	f.provider.SetProbeFor(s.Handle().ID, provider.ProbeResult{}, errors.New("no route"))
	require.Error(t, s.AttemptRecovery(context.Background()))
	assert.Equal(t, StatusUnhealthy, s.Status())
	assert.Equal(t, 1, s.RecoveryAttempts())

	f.provider.SetProbeFor(s.Handle().ID, provider.ProbeResult{Healthy: true}, nil)
	require.NoError(t, s.AttemptRecovery(context.Background()))
	assert.Equal(t, StatusIdle, s.Status())
	assert.InDelta(t, 0.7, s.Health(), 1e-9)
	assert.Equal(t, 2, s.RecoveryAttempts())

	// recovered sessions can be lent again
	assert.True(t, s.MarkActive())
}

func TestAttemptRecovery_CapsHealth(t *testing.T) {
	f := newFixture(t, testPricing)
	s := f.session(t, time.Second)
	require.True(t, s.MarkUnhealthy("probe failed"))

	require.NoError(t, s.AttemptRecovery(context.Background()))
	assert.InDelta(t, 1.0, s.Health(), 1e-9)

	// healthy sessions need no recovery
	require.NoError(t, s.AttemptRecovery(context.Background()))
	assert.Equal(t, 1, s.RecoveryAttempts())
}

func TestAttemptRecovery_TerminatedSession(t *testing.T) {
	f := newFixture(t, testPricing)
	s := f.session(t, time.Second)
	_, err := s.Terminate(context.Background(), "test")
	require.NoError(t, err)

	assert.ErrorIs(t, s.AttemptRecovery(context.Background()), ErrUnavailable)
}

func TestMarkUnhealthyAndProbe(t *testing.T) {
	f := newFixture(t, testPricing)
	s := borrowed(t, f, time.Second)
	_, _ = s.Use(context.Background(), fails(errors.New("x")))

	s.ObserveProbe()
	assert.InDelta(t, 0.95, s.Health(), 1e-9)

	s.ObserveProbe()
	assert.InDelta(t, 1.0, s.Health(), 1e-9)

	assert.False(t, s.MarkUnhealthy("probe failed"), "borrowed sessions are left to their caller")
	require.True(t, s.MarkIdle())
	require.True(t, s.MarkUnhealthy("probe failed"))
	assert.Equal(t, StatusUnhealthy, s.Status())
	assert.False(t, s.MarkActive())
	assert.False(t, s.MarkIdle())
}

func TestTerminate_Idempotent(t *testing.T) {
	f := newFixture(t, provider.Pricing{CreationCost: 0.01, RuntimeRatePerHour: 6})
	s := f.session(t, time.Second)

	f.clock.Advance(10 * time.Minute)
	assert.InDelta(t, 1.0, s.IdleCost(f.clock.Now()), 1e-6)

	closed, err := s.Terminate(context.Background(), "expired")
	require.NoError(t, err)
	assert.True(t, closed)

	closed, err = s.Terminate(context.Background(), "expired")
	require.NoError(t, err)
	assert.False(t, closed)

	assert.Equal(t, StatusTerminated, s.Status())
	assert.Equal(t, 1, f.provider.CloseCalls(s.Handle().ID))

	lifecycle := f.tracker.Records(storage.CostFilter{Kind: storage.CostLifecycle})
	require.Len(t, lifecycle, 1)
	assert.InDelta(t, 1.0, lifecycle[0].Cost, 1e-6)
	assert.Equal(t, 10*time.Minute, lifecycle[0].Duration)
	assert.InDelta(t, 1.01, s.Cost(), 1e-6)

	_, err = s.Probe(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestInfo(t *testing.T) {
	f := newFixture(t, testPricing)
	s := f.session(t, time.Second)
	f.clock.Advance(90 * time.Second)

	info := s.Info(f.clock.Now())
	assert.Equal(t, s.ID(), info.ID)
	assert.Equal(t, "siteA", info.Platform)
	assert.Equal(t, StatusIdle, info.Status)
	assert.Equal(t, "1m30s", info.Age)
}
