// Package session wraps one billable remote browser session, enforcing
// exclusive use and per-operation timeouts while tracking its cost and
// health.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goodtune/pricefleet/internal/clock"
	"github.com/goodtune/pricefleet/internal/cost"
	"github.com/goodtune/pricefleet/internal/metrics"
	"github.com/goodtune/pricefleet/internal/provider"
	"github.com/goodtune/pricefleet/internal/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive     Status = "active" // borrowed by a caller
	StatusIdle       Status = "idle"   // parked in the pool
	StatusUnhealthy  Status = "unhealthy"
	StatusExpired    Status = "expired"
	StatusTerminated Status = "terminated"
)

// Health scoring.
const (
	HealthyThreshold = 0.5

	TimeoutPenalty        = 0.2
	ConnectionLostPenalty = 0.3
	BlockedPenalty        = 0.2
	ErrorPenalty          = 0.1

	RecoveryBoost = 0.3
	ProbeBoost    = 0.05
)

// DefaultTimeout bounds an operation when no timeout is configured.
const DefaultTimeout = 90 * time.Second

// settleGrace is how long Use waits for an operation to notice its context
// is done before leaving it running in the background.
const settleGrace = 100 * time.Millisecond

// Result is what an operation extracted.
type Result struct {
	Data        []byte
	ResultCount int
}

// Operation is caller-supplied work run against the remote session.
type Operation func(ctx context.Context, h *provider.Handle) (Result, error)

// Recorder receives billable events. cost.Tracker implements it.
type Recorder interface {
	Record(ctx context.Context, e cost.Entry) (storage.CostRecord, error)
}

// Config describes a session to create.
type Config struct {
	Provider provider.Provider
	Platform provider.PlatformConfig
	Recorder Recorder
	Clock    clock.Clock
	Logger   zerolog.Logger

	// Timeout bounds each operation. TimeoutOverride, when set and
	// returning a positive duration, can only shorten it.
	Timeout         time.Duration
	TimeoutOverride func() time.Duration

	// OnSettle is called once an operation Use gave up on has returned
	// and the session can be lent again.
	OnSettle func(*Session)
}

// Session is one managed remote session. Exactly one operation may hold it
// at a time.
type Session struct {
	id       string
	platform string
	handle   *provider.Handle
	provider provider.Provider
	pricing  provider.Pricing
	recorder Recorder
	clock    clock.Clock
	logger   zerolog.Logger

	timeout         time.Duration
	timeoutOverride func() time.Duration
	onSettle        func(*Session)

	inUse atomic.Bool

	mu               sync.Mutex
	status           Status
	createdAt        time.Time
	lastUsed         time.Time
	usageCount       int64
	cost             float64
	runtimeBilled    time.Duration
	health           float64
	recoveryAttempts int
	closed           bool
}

// New creates a remote session and charges its creation fee.
func New(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.Provider == nil {
		return nil, errors.New("session: provider is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	handle, err := cfg.Provider.Create(ctx, cfg.Platform)
	if err != nil {
		return nil, err
	}

	now := cfg.Clock.Now()
	s := &Session{
		id:              uuid.NewString(),
		platform:        cfg.Platform.Name,
		handle:          handle,
		provider:        cfg.Provider,
		pricing:         cfg.Provider.Pricing(),
		recorder:        cfg.Recorder,
		clock:           cfg.Clock,
		timeout:         cfg.Timeout,
		timeoutOverride: cfg.TimeoutOverride,
		onSettle:        cfg.OnSettle,
		status:          StatusIdle,
		createdAt:       now,
		lastUsed:        now,
		health:          1.0,
	}
	s.logger = cfg.Logger.With().
		Str("component", "session").
		Str("session_id", s.id).
		Str("platform", s.platform).
		Logger()

	s.cost = s.pricing.CreationCost
	s.record(ctx, storage.CostCreation, 0, s.pricing.CreationCost, 0)

	s.logger.Info().
		Str("handle_id", handle.ID).
		Float64("cost", s.pricing.CreationCost).
		Msg("Session created")

	return s, nil
}

func (s *Session) ID() string               { return s.id }
func (s *Session) Platform() string         { return s.platform }
func (s *Session) Handle() *provider.Handle { return s.handle }
func (s *Session) InUse() bool              { return s.inUse.Load() }

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) Health() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.health
}

func (s *Session) Cost() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cost
}

func (s *Session) UsageCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usageCount
}

func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

func (s *Session) LastUsed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

func (s *Session) RecoveryAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recoveryAttempts
}

// Age returns how long the session has existed as of now.
func (s *Session) Age(now time.Time) time.Duration {
	return now.Sub(s.createdAt)
}

// IdleFor returns how long the session has gone unused as of now.
func (s *Session) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastUsed())
}

// MarkActive lends an idle session to a caller. It fails unless the
// session is idle, healthy and not still running an operation.
func (s *Session) MarkActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusIdle || s.health < HealthyThreshold || s.inUse.Load() {
		return false
	}
	s.status = StatusActive
	return true
}

// MarkIdle parks a returned session. Sessions that became unhealthy,
// expired or terminated while borrowed keep that status.
func (s *Session) MarkIdle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusActive && s.status != StatusIdle {
		return false
	}
	s.status = StatusIdle
	return true
}

// MarkExpired flags the session for retirement.
func (s *Session) MarkExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusTerminated {
		s.status = StatusExpired
	}
}

// MarkUnhealthy flags an idle session that failed a health check. It
// reports whether the status changed.
func (s *Session) MarkUnhealthy(reason string) bool {
	s.mu.Lock()
	changed := s.status == StatusIdle
	if changed {
		s.status = StatusUnhealthy
	}
	s.mu.Unlock()

	if changed {
		s.logger.Warn().Str("reason", reason).Msg("Session marked unhealthy")
	}
	return changed
}

// ObserveProbe nudges the health score up after a successful probe.
func (s *Session) ObserveProbe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusIdle || s.status == StatusActive {
		s.health = min(1.0, s.health+ProbeBoost)
	}
}

type options struct {
	timeout time.Duration
}

// UseOption customizes one Use call.
type UseOption func(*options)

// WithTimeout shortens the operation bound for one call.
func WithTimeout(d time.Duration) UseOption {
	return func(o *options) { o.timeout = d }
}

// Timeout returns the bound the next operation would run under.
func (s *Session) Timeout() time.Duration {
	return s.effectiveTimeout(0)
}

func (s *Session) effectiveTimeout(requested time.Duration) time.Duration {
	d := s.timeout
	if s.timeoutOverride != nil {
		if o := s.timeoutOverride(); o > 0 && o < d {
			d = o
		}
	}
	if requested > 0 && requested < d {
		d = requested
	}
	return d
}

type opOutcome struct {
	result Result
	err    error
}

// Use runs op against the remote session under the operation timeout.
// The session must be active and not already in use. If op outlives its
// timeout or ctx, Use returns at once but the session stays in use until op
// returns, and the extra runtime is billed then.
func (s *Session) Use(ctx context.Context, op Operation, opts ...UseOption) (Result, error) {
	if !s.inUse.CompareAndSwap(false, true) {
		return Result{}, &InUseError{SessionID: s.id}
	}

	if st := s.Status(); st != StatusActive {
		s.inUse.Store(false)
		return Result{}, fmt.Errorf("session %s is %s: %w", s.id, st, ErrUnavailable)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	timeout := s.effectiveTimeout(o.timeout)

	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	done := make(chan opOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- opOutcome{err: fmt.Errorf("operation panicked: %v", r)}
			}
		}()
		res, err := op(opCtx, s.handle)
		done <- opOutcome{result: res, err: err}
	}()

	var out opOutcome
	abandoned := false
	select {
	case out = <-done:
	case <-opCtx.Done():
		select {
		case out = <-done:
		case <-time.After(settleGrace):
			out = opOutcome{err: opCtx.Err()}
			abandoned = true
		}
	}
	elapsed := time.Since(start)
	if abandoned {
		go s.reap(done, start, elapsed)
	} else {
		defer s.inUse.Store(false)
	}

	penalty, outcome, err := s.classify(ctx, opCtx, out.err, timeout)
	runtime := s.pricing.RuntimeCost(elapsed)

	s.mu.Lock()
	s.lastUsed = s.clock.Now()
	s.usageCount++
	s.cost += runtime
	s.runtimeBilled += elapsed
	prev := s.health
	if penalty > 0 {
		s.health = max(0, s.health-penalty)
		if s.health < HealthyThreshold && (s.status == StatusActive || s.status == StatusIdle) {
			s.status = StatusUnhealthy
		}
	}
	health, status := s.health, s.status
	s.mu.Unlock()

	s.record(context.WithoutCancel(ctx), storage.CostUsage, elapsed, runtime, out.result.ResultCount)

	metrics.OperationsTotal.WithLabelValues(s.platform, outcome).Inc()
	metrics.OperationDuration.WithLabelValues(s.platform).Observe(elapsed.Seconds())

	if err != nil {
		event := s.logger.Debug()
		if penalty > 0 {
			event = s.logger.Warn()
		}
		event.
			Err(err).
			Dur("elapsed", elapsed).
			Float64("health", health).
			Float64("previous_health", prev).
			Str("status", string(status)).
			Msg("Session operation failed")
		return out.result, err
	}

	s.logger.Debug().
		Dur("elapsed", elapsed).
		Int("results", out.result.ResultCount).
		Float64("cost", runtime).
		Msg("Session operation complete")

	return out.result, nil
}

// reap waits for an operation Use stopped waiting for, bills the time it
// ran past billed and frees the session.
func (s *Session) reap(done <-chan opOutcome, start time.Time, billed time.Duration) {
	<-done
	overrun := time.Since(start) - billed

	s.mu.Lock()
	charge := overrun > 0 && !s.closed
	var runtime float64
	if charge {
		runtime = s.pricing.RuntimeCost(overrun)
		s.cost += runtime
		s.runtimeBilled += overrun
	}
	s.mu.Unlock()

	if charge {
		s.record(context.Background(), storage.CostUsage, overrun, runtime, 0)
	}
	s.inUse.Store(false)

	s.logger.Debug().
		Dur("overrun", overrun).
		Float64("cost", runtime).
		Msg("Abandoned operation returned")

	if s.onSettle != nil {
		s.onSettle(s)
	}
}

// classify maps an operation error to a health penalty, a metrics outcome
// label and the error the caller sees.
func (s *Session) classify(ctx, opCtx context.Context, err error, timeout time.Duration) (float64, string, error) {
	switch {
	case err == nil:
		return 0, "success", nil
	case ctx.Err() != nil:
		return 0, "canceled", err
	case errors.Is(err, ErrTimeout),
		errors.Is(opCtx.Err(), context.DeadlineExceeded) && errors.Is(err, context.DeadlineExceeded):
		return TimeoutPenalty, "timeout", &TimeoutError{SessionID: s.id, Platform: s.platform, Timeout: timeout}
	case errors.Is(err, ErrConnectionLost), errors.Is(err, provider.ErrClosed):
		return ConnectionLostPenalty, "connection_lost", err
	case errors.Is(err, ErrBlocked):
		return BlockedPenalty, "blocked", err
	default:
		return ErrorPenalty, "error", err
	}
}

// Probe runs the provider's lightweight status probe.
func (s *Session) Probe(ctx context.Context) (provider.ProbeResult, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return provider.ProbeResult{}, ErrUnavailable
	}
	return s.provider.Probe(ctx, s.handle)
}

// AttemptRecovery probes an unhealthy session. On success its health is
// partially restored and it returns to idle.
func (s *Session) AttemptRecovery(ctx context.Context) error {
	s.mu.Lock()
	if s.status != StatusUnhealthy {
		st := s.status
		s.mu.Unlock()
		if st == StatusIdle || st == StatusActive {
			return nil
		}
		return fmt.Errorf("session %s is %s: %w", s.id, st, ErrUnavailable)
	}
	s.recoveryAttempts++
	attempt := s.recoveryAttempts
	s.mu.Unlock()

	probe, err := s.Probe(ctx)
	if err == nil && !probe.Healthy {
		err = errors.New("probe reported unhealthy")
	}
	if err != nil {
		s.logger.Warn().Err(err).Int("attempt", attempt).Msg("Session recovery failed")
		return fmt.Errorf("recover session %s: %w", s.id, err)
	}

	s.mu.Lock()
	if s.status != StatusUnhealthy {
		st := s.status
		s.mu.Unlock()
		return fmt.Errorf("session %s is %s: %w", s.id, st, ErrUnavailable)
	}
	s.health = min(1.0, max(HealthyThreshold, s.health+RecoveryBoost))
	s.status = StatusIdle
	health := s.health
	s.mu.Unlock()

	s.logger.Info().
		Int("attempt", attempt).
		Float64("health", health).
		Msg("Session recovered")
	return nil
}

// IdleCost returns the runtime accrued as of now that no operation has
// billed yet.
func (s *Session) IdleCost(now time.Time) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idleCostLocked(now)
}

func (s *Session) idleCostLocked(now time.Time) float64 {
	unbilled := now.Sub(s.createdAt) - s.runtimeBilled
	return s.pricing.RuntimeCost(unbilled)
}

// Terminate closes the remote session and charges its unbilled runtime as a
// lifecycle cost. Only the first call does anything; it reports whether it
// was that call. Close errors are returned for logging.
func (s *Session) Terminate(ctx context.Context, reason string) (bool, error) {
	now := s.clock.Now()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, nil
	}
	s.closed = true
	s.status = StatusTerminated
	idle := s.idleCostLocked(now)
	s.cost += idle
	age := now.Sub(s.createdAt)
	total, uses := s.cost, s.usageCount
	s.mu.Unlock()

	s.record(ctx, storage.CostLifecycle, age, idle, 0)

	err := s.provider.Close(ctx, s.handle)

	s.logger.Info().
		Str("reason", reason).
		Dur("age", age).
		Int64("usage_count", uses).
		Float64("cost", total).
		Msg("Session terminated")

	return true, err
}

func (s *Session) record(ctx context.Context, kind storage.CostKind, d time.Duration, amount float64, results int) {
	if s.recorder == nil {
		return
	}
	if _, err := s.recorder.Record(ctx, cost.Entry{
		SessionID:   s.id,
		Platform:    s.platform,
		Kind:        kind,
		Duration:    d,
		Cost:        amount,
		ResultCount: results,
	}); err != nil {
		s.logger.Error().Err(err).Str("kind", string(kind)).Msg("Failed to record cost")
	}
}

// Info is a snapshot of a session for reporting.
type Info struct {
	ID               string    `json:"id"`
	Platform         string    `json:"platform"`
	HandleID         string    `json:"handle_id"`
	Status           Status    `json:"status"`
	InUse            bool      `json:"in_use"`
	Health           float64   `json:"health"`
	UsageCount       int64     `json:"usage_count"`
	Cost             float64   `json:"cost"`
	RecoveryAttempts int       `json:"recovery_attempts"`
	CreatedAt        time.Time `json:"created_at"`
	LastUsed         time.Time `json:"last_used"`
	Age              string    `json:"age"`
}

// Info returns a snapshot of the session as of now.
func (s *Session) Info(now time.Time) Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:               s.id,
		Platform:         s.platform,
		HandleID:         s.handle.ID,
		Status:           s.status,
		InUse:            s.inUse.Load(),
		Health:           s.health,
		UsageCount:       s.usageCount,
		Cost:             s.cost,
		RecoveryAttempts: s.recoveryAttempts,
		CreatedAt:        s.createdAt,
		LastUsed:         s.lastUsed,
		Age:              now.Sub(s.createdAt).Truncate(time.Second).String(),
	}
}
