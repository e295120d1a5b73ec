// Package pool multiplexes callers over a capacity-capped set of managed
// sessions per platform. It reuses idle sessions, creates new ones within
// the global and per-platform caps, and queues callers by priority when
// neither is possible.
package pool

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goodtune/pricefleet/internal/budget"
	"github.com/goodtune/pricefleet/internal/clock"
	"github.com/goodtune/pricefleet/internal/health"
	"github.com/goodtune/pricefleet/internal/metrics"
	"github.com/goodtune/pricefleet/internal/provider"
	"github.com/goodtune/pricefleet/internal/session"
	"github.com/goodtune/pricefleet/internal/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	DefaultMaxSessions         = 10
	DefaultPlatformCap         = 2
	DefaultSessionTTL          = 30 * time.Minute
	DefaultQueueTimeout        = 30 * time.Second
	DefaultOperationTimeout    = 90 * time.Second
	DefaultHealthInterval      = 30 * time.Second
	DefaultCleanupInterval     = time.Minute
	DefaultMetricsInterval     = 15 * time.Second
	DefaultMaxRecoveryAttempts = 1

	// reuseAgeLimit is the fraction of the TTL after which idle sessions are
	// only reused by callers asking for reuse bias.
	reuseAgeLimit = 0.9
)

// Admitter gates session creation on budget. budget.Manager implements it.
type Admitter interface {
	Reserve(est budget.Estimate) (*budget.Reservation, error)
}

// Config holds pool configuration
type Config struct {
	MaxSessions         int
	DefaultPlatformCap  int
	SessionTTL          time.Duration
	QueueTimeout        time.Duration
	OperationTimeout    time.Duration
	HealthInterval      time.Duration
	CleanupInterval     time.Duration
	MetricsInterval     time.Duration
	MaxRecoveryAttempts int

	// CreateRate limits session creations per second; zero is unlimited.
	CreateRate  float64
	CreateBurst int

	// Platforms lists the known platforms. When empty any platform name is
	// accepted with the default cap and timeout.
	Platforms map[string]provider.PlatformConfig
}

// Deps are the collaborators a pool needs. Only Provider is required.
type Deps struct {
	Provider provider.Provider
	Recorder session.Recorder
	Admitter Admitter
	Monitor  *health.Monitor
	Events   storage.LifecycleStore
	Clock    clock.Clock
}

// bucket holds one platform's sessions and waiters.
type bucket struct {
	name     string
	config   provider.PlatformConfig
	sessions map[string]*session.Session
	pending  int // creations in flight
	queue    requestQueue
}

func (b *bucket) size() int {
	return len(b.sessions) + b.pending
}

// Pool owns all managed sessions.
type Pool struct {
	config   Config
	provider provider.Provider
	recorder session.Recorder
	admitter Admitter
	monitor  *health.Monitor
	events   storage.LifecycleStore
	clock    clock.Clock
	limiter  *rate.Limiter
	logger   zerolog.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc
	workers    sync.WaitGroup

	loopCancel context.CancelFunc
	loops      *errgroup.Group

	mu            sync.Mutex
	buckets       map[string]*bucket
	lent          map[string]struct{} // borrowed and not yet released
	recovering    map[string]struct{}
	total         int // sessions plus creations in flight
	seq           uint64
	closed        bool
	override      time.Duration
	overrideUntil time.Time
}

// New creates a new session pool
func New(config Config, deps Deps, logger zerolog.Logger) (*Pool, error) {
	if deps.Provider == nil {
		return nil, fmt.Errorf("pool: provider is required")
	}
	if config.MaxSessions <= 0 {
		config.MaxSessions = DefaultMaxSessions
	}
	if config.DefaultPlatformCap <= 0 {
		config.DefaultPlatformCap = DefaultPlatformCap
	}
	if config.SessionTTL <= 0 {
		config.SessionTTL = DefaultSessionTTL
	}
	if config.QueueTimeout <= 0 {
		config.QueueTimeout = DefaultQueueTimeout
	}
	if config.OperationTimeout <= 0 {
		config.OperationTimeout = DefaultOperationTimeout
	}
	if config.HealthInterval <= 0 {
		config.HealthInterval = DefaultHealthInterval
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = DefaultCleanupInterval
	}
	if config.MetricsInterval <= 0 {
		config.MetricsInterval = DefaultMetricsInterval
	}
	if config.MaxRecoveryAttempts <= 0 {
		config.MaxRecoveryAttempts = DefaultMaxRecoveryAttempts
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Monitor == nil {
		deps.Monitor = health.NewMonitor(health.Config{}, logger)
	}

	limit := rate.Inf
	burst := config.CreateBurst
	if config.CreateRate > 0 {
		limit = rate.Limit(config.CreateRate)
		if burst <= 0 {
			burst = 1
		}
	}

	baseCtx, cancel := context.WithCancel(context.Background())

	return &Pool{
		config:     config,
		provider:   deps.Provider,
		recorder:   deps.Recorder,
		admitter:   deps.Admitter,
		monitor:    deps.Monitor,
		events:     deps.Events,
		clock:      deps.Clock,
		limiter:    rate.NewLimiter(limit, burst),
		logger:     logger.With().Str("component", "session-pool").Logger(),
		baseCtx:    baseCtx,
		baseCancel: cancel,
		buckets:    make(map[string]*bucket),
		lent:       make(map[string]struct{}),
		recovering: make(map[string]struct{}),
	}, nil
}

type acquireOptions struct {
	reuseBias        bool
	creationReserved bool
}

// AcquireOption customizes one Acquire call.
type AcquireOption func(*acquireOptions)

// WithReuseBias lets the caller take idle sessions close to their TTL
// rather than paying for a new one.
func WithReuseBias() AcquireOption {
	return func(o *acquireOptions) { o.reuseBias = true }
}

// WithCreationReserved tells the pool the caller's own budget reservation
// already covers the creation fee. A session created directly for the call
// is then not admitted a second time.
func WithCreationReserved() AcquireOption {
	return func(o *acquireOptions) { o.creationReserved = true }
}

// Acquire returns an active session for platform. It reuses an idle healthy
// session, creates one if both caps allow, or waits in the platform's queue
// until a session is released or the queue timeout passes.
func (p *Pool) Acquire(ctx context.Context, platform string, priority int, opts ...AcquireOption) (*session.Session, error) {
	var o acquireOptions
	for _, opt := range opts {
		opt(&o)
	}
	start := time.Now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	b, err := p.bucketLocked(platform)
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}

	if s := p.pickIdleLocked(b, o.reuseBias); s != nil {
		p.mu.Unlock()
		p.observeAcquire(platform, "reused", start)
		p.logger.Debug().
			Str("platform", platform).
			Str("session_id", s.ID()).
			Int("priority", priority).
			Msg("Reused idle session")
		return s, nil
	}

	if p.canCreateLocked(b) {
		b.pending++
		p.total++
		p.mu.Unlock()

		s, err := p.create(ctx, b, !o.creationReserved, func(s *session.Session) bool { return p.lendLocked(s) })
		if err != nil {
			p.mu.Lock()
			p.dispatchLocked()
			p.mu.Unlock()
			p.observeAcquire(platform, "error", start)
			return nil, err
		}
		p.observeAcquire(platform, "created", start)
		return s, nil
	}

	req := &request{
		platform: platform,
		priority: priority,
		seq:      p.seq,
		enqueued: time.Now(),
		ch:       make(chan acquireResult, 1),
	}
	p.seq++
	heap.Push(&b.queue, req)
	req.timer = time.AfterFunc(p.config.QueueTimeout, func() { p.expire(b, req) })
	depth := b.queue.Len()
	p.mu.Unlock()

	metrics.PoolQueueDepth.WithLabelValues(platform).Set(float64(depth))
	p.logger.Debug().
		Str("platform", platform).
		Int("priority", priority).
		Int("queue_depth", depth).
		Msg("Request queued")

	select {
	case res := <-req.ch:
		if res.err != nil {
			outcome := "error"
			switch {
			case errors.Is(res.err, ErrClosed):
				outcome = "closed"
			case errors.Is(res.err, ErrRequestTimeout):
				outcome = "timeout"
			}
			p.observeAcquire(platform, outcome, start)
			return nil, res.err
		}
		p.observeAcquire(platform, "queued", start)
		return res.session, nil

	case <-ctx.Done():
		p.mu.Lock()
		if !req.done {
			b.queue.remove(req)
			req.done = true
			req.timer.Stop()
			p.mu.Unlock()
			p.observeAcquire(platform, "canceled", start)
			return nil, ctx.Err()
		}
		p.mu.Unlock()

		// Resolved concurrently with cancellation; hand the session back.
		if res := <-req.ch; res.session != nil {
			p.Release(res.session)
		}
		p.observeAcquire(platform, "canceled", start)
		return nil, ctx.Err()
	}
}

func (p *Pool) observeAcquire(platform, outcome string, start time.Time) {
	metrics.AcquireTotal.WithLabelValues(platform, outcome).Inc()
	metrics.AcquireWait.WithLabelValues(platform).Observe(time.Since(start).Seconds())
}

// expire rejects a waiter whose queue timeout passed. A request that was
// already resolved is left alone, so no session is handed out afterwards.
func (p *Pool) expire(b *bucket, req *request) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if req.done {
		return
	}
	b.queue.remove(req)
	waited := time.Since(req.enqueued)
	req.finish(nil, &RequestTimeoutError{Platform: req.platform, Priority: req.priority, Waited: waited})

	p.logger.Warn().
		Str("platform", req.platform).
		Int("priority", req.priority).
		Dur("waited", waited).
		Msg("Queued request timed out")
}

func (p *Pool) bucketLocked(platform string) (*bucket, error) {
	if b, ok := p.buckets[platform]; ok {
		return b, nil
	}

	cfg, known := p.config.Platforms[platform]
	if !known && len(p.config.Platforms) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlatform, platform)
	}
	cfg.Name = platform
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = p.config.DefaultPlatformCap
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = p.config.OperationTimeout
	}

	b := &bucket{
		name:     platform,
		config:   cfg,
		sessions: make(map[string]*session.Session),
	}
	p.buckets[platform] = b
	return b, nil
}

func (p *Pool) canCreateLocked(b *bucket) bool {
	return p.total < p.config.MaxSessions && b.size() < b.config.MaxConcurrent
}

// pickIdleLocked lends the healthiest idle session of b, if any.
func (p *Pool) pickIdleLocked(b *bucket, reuseBias bool) *session.Session {
	now := p.clock.Now()
	maxAge := time.Duration(float64(p.config.SessionTTL) * reuseAgeLimit)

	var best *session.Session
	var bestHealth float64
	for _, s := range b.sessions {
		if s.InUse() || s.Status() != session.StatusIdle {
			continue
		}
		if s.Age(now) >= p.config.SessionTTL {
			continue
		}
		if !reuseBias && s.Age(now) > maxAge {
			continue
		}
		if h := s.Health(); h >= session.HealthyThreshold && (best == nil || h > bestHealth) {
			best, bestHealth = s, h
		}
	}
	if best != nil && p.lendLocked(best) {
		return best
	}
	return nil
}

// lendLocked marks s active on behalf of a caller.
func (p *Pool) lendLocked(s *session.Session) bool {
	if !s.MarkActive() {
		return false
	}
	p.lent[s.ID()] = struct{}{}
	return true
}

// create builds a session for b. The caller has already counted it as
// pending against both caps. The creation fee goes through the admitter
// when admit is set. place runs under the pool lock as the session joins
// the bucket; it decides who gets the new session first.
func (p *Pool) create(ctx context.Context, b *bucket, admit bool, place func(*session.Session) bool) (*session.Session, error) {
	undo := func() {
		p.mu.Lock()
		b.pending--
		p.total--
		p.mu.Unlock()
	}

	pricing := p.provider.Pricing()
	if admit && p.admitter != nil {
		res, err := p.admitter.Reserve(budget.Estimate{
			Platform:     b.name,
			CreationCost: pricing.CreationCost,
		})
		if err != nil {
			undo()
			return nil, err
		}
		defer res.Release()
	}

	if err := p.limiter.Wait(ctx); err != nil {
		undo()
		return nil, &SessionCreationError{Platform: b.name, Err: err}
	}

	s, err := session.New(ctx, session.Config{
		Provider:        p.provider,
		Platform:        b.config,
		Recorder:        p.recorder,
		Clock:           p.clock,
		Logger:          p.logger,
		Timeout:         b.config.OperationTimeout,
		TimeoutOverride: p.timeoutOverride,
		OnSettle:        p.settled,
	})
	if err != nil {
		undo()
		metrics.SessionCreateErrors.WithLabelValues(b.name).Inc()
		p.logger.Error().Err(err).Str("platform", b.name).Msg("Failed to create session")
		return nil, &SessionCreationError{Platform: b.name, Err: err}
	}
	metrics.SessionsCreated.WithLabelValues(b.name).Inc()

	p.mu.Lock()
	b.pending--
	if p.closed {
		p.total--
		p.mu.Unlock()
		p.retire(context.Background(), s, "pool closed")
		return nil, ErrClosed
	}
	b.sessions[s.ID()] = s
	placed := place(s)
	p.mu.Unlock()

	p.recordEvent(s, storage.EventCreated, "")
	if !placed {
		p.logger.Debug().
			Str("platform", b.name).
			Str("session_id", s.ID()).
			Msg("Nobody waiting for new session, parking it")
	}
	return s, nil
}

// dispatchLocked starts creations on behalf of queued waiters wherever
// capacity allows.
func (p *Pool) dispatchLocked() {
	if p.closed {
		return
	}
	for _, b := range p.buckets {
		for b.queue.Len() > b.pending && p.canCreateLocked(b) {
			b.pending++
			p.total++
			p.workers.Add(1)
			go p.createForQueue(b)
		}
	}
}

func (p *Pool) createForQueue(b *bucket) {
	defer p.workers.Done()

	_, err := p.create(p.baseCtx, b, true, func(s *session.Session) bool { return p.offerLocked(b, s) })
	if err == nil {
		return
	}

	p.mu.Lock()
	if head := b.queue.head(); head != nil {
		heap.Pop(&b.queue)
		head.finish(nil, err)
	}
	p.dispatchLocked()
	p.mu.Unlock()
}

// offerLocked hands an idle session to the head of b's queue.
func (p *Pool) offerLocked(b *bucket, s *session.Session) bool {
	for b.queue.Len() > 0 {
		head := b.queue.head()
		if head.done {
			heap.Pop(&b.queue)
			continue
		}
		if !p.lendLocked(s) {
			return false
		}
		heap.Pop(&b.queue)
		head.finish(s, nil)
		metrics.PoolQueueDepth.WithLabelValues(b.name).Set(float64(b.queue.Len()))
		return true
	}
	return false
}

// Release returns a borrowed session. A healthy session goes straight to
// the head of its platform's queue, or becomes idle if nobody is waiting.
func (p *Pool) Release(s *session.Session) {
	if s == nil {
		return
	}

	p.mu.Lock()
	b, ok := p.buckets[s.Platform()]
	if !ok || b.sessions[s.ID()] != s {
		p.mu.Unlock()
		p.logger.Warn().Str("session_id", s.ID()).Msg("Release of session not owned by pool")
		return
	}
	delete(p.lent, s.ID())

	if p.closed {
		p.removeLocked(b, s)
		p.mu.Unlock()
		p.retire(context.Background(), s, "pool closed")
		return
	}

	switch st := s.Status(); st {
	case session.StatusActive, session.StatusIdle:
		if s.Age(p.clock.Now()) >= p.config.SessionTTL {
			s.MarkExpired()
			p.removeLocked(b, s)
			p.dispatchLocked()
			p.mu.Unlock()
			p.retire(p.baseCtx, s, "expired")
			return
		}
		s.MarkIdle()
		p.offerLocked(b, s)
		p.mu.Unlock()

	case session.StatusUnhealthy:
		if s.RecoveryAttempts() >= p.config.MaxRecoveryAttempts {
			p.removeLocked(b, s)
			p.dispatchLocked()
			p.mu.Unlock()
			p.retire(p.baseCtx, s, "unrecoverable")
			return
		}
		p.workers.Add(1)
		p.mu.Unlock()
		go func() {
			defer p.workers.Done()
			p.tryRecover(p.baseCtx, s)
		}()

	default:
		p.removeLocked(b, s)
		p.dispatchLocked()
		p.mu.Unlock()
		p.retire(p.baseCtx, s, string(st))
	}
}

// settled offers a session whose abandoned operation just returned to the
// head of its platform's queue.
func (p *Pool) settled(s *session.Session) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	b, ok := p.buckets[s.Platform()]
	if !ok || b.sessions[s.ID()] != s {
		return
	}
	if _, borrowed := p.lent[s.ID()]; borrowed {
		return
	}
	p.offerLocked(b, s)
}

// tryRecover gives an unhealthy session its recovery attempt. Recovered
// sessions serve waiters; others are retired once out of attempts.
func (p *Pool) tryRecover(ctx context.Context, s *session.Session) {
	p.mu.Lock()
	if _, busy := p.recovering[s.ID()]; busy {
		p.mu.Unlock()
		return
	}
	p.recovering[s.ID()] = struct{}{}
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.recovering, s.ID())
		p.mu.Unlock()
	}()

	err := s.AttemptRecovery(ctx)
	if err == nil {
		p.recordEvent(s, storage.EventRecovered, "")
		p.mu.Lock()
		if b, ok := p.buckets[s.Platform()]; ok && b.sessions[s.ID()] == s {
			p.offerLocked(b, s)
		}
		p.mu.Unlock()
		return
	}

	if s.RecoveryAttempts() < p.config.MaxRecoveryAttempts && s.Status() == session.StatusUnhealthy {
		return
	}

	p.mu.Lock()
	b, ok := p.buckets[s.Platform()]
	owned := ok && p.removeLocked(b, s)
	if owned {
		p.dispatchLocked()
	}
	p.mu.Unlock()

	if owned {
		p.retire(ctx, s, "unrecoverable")
	}
}

func (p *Pool) removeLocked(b *bucket, s *session.Session) bool {
	if b.sessions[s.ID()] != s {
		return false
	}
	delete(b.sessions, s.ID())
	delete(p.lent, s.ID())
	p.total--
	return true
}

// retire closes a session that has left the pool. Close failures are
// logged; only the call that actually terminates the session records the
// lifecycle event.
func (p *Pool) retire(ctx context.Context, s *session.Session, reason string) {
	closed, err := s.Terminate(context.WithoutCancel(ctx), reason)
	if err != nil {
		p.logger.Warn().
			Err(err).
			Str("session_id", s.ID()).
			Str("platform", s.Platform()).
			Msg("Failed to close remote session")
	}
	if !closed {
		return
	}
	metrics.SessionsRetired.WithLabelValues(s.Platform(), reason).Inc()
	p.recordEvent(s, storage.EventRetired, reason)
}

func (p *Pool) recordEvent(s *session.Session, event storage.LifecycleEventType, reason string) {
	if p.events == nil {
		return
	}
	now := p.clock.Now()
	ev := storage.LifecycleEvent{
		ID:         uuid.NewString(),
		SessionID:  s.ID(),
		Platform:   s.Platform(),
		Event:      event,
		Reason:     reason,
		Age:        s.Age(now),
		UsageCount: s.UsageCount(),
		Cost:       s.Cost(),
		Timestamp:  now,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.events.AddEvent(ctx, ev); err != nil {
		p.logger.Error().Err(err).Str("session_id", s.ID()).Str("event", string(event)).Msg("Failed to record lifecycle event")
	}
}

// SetTimeoutOverride lowers every session's operation timeout to d until
// the given time. A zero d clears the override.
func (p *Pool) SetTimeoutOverride(d time.Duration, until time.Time) {
	p.mu.Lock()
	p.override = d
	p.overrideUntil = until
	p.mu.Unlock()

	if d > 0 {
		p.logger.Info().Dur("timeout", d).Time("until", until).Msg("Operation timeout override set")
	} else {
		p.logger.Info().Msg("Operation timeout override cleared")
	}
}

func (p *Pool) timeoutOverride() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.overrideLocked(p.clock.Now())
}

func (p *Pool) overrideLocked(now time.Time) time.Duration {
	if p.override <= 0 || !now.Before(p.overrideUntil) {
		return 0
	}
	return p.override
}

// PlatformTimeout returns the operation timeout sessions of platform run
// under right now.
func (p *Pool) PlatformTimeout(platform string) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	d := p.config.OperationTimeout
	if cfg, ok := p.config.Platforms[platform]; ok && cfg.OperationTimeout > 0 {
		d = cfg.OperationTimeout
	}
	if o := p.overrideLocked(p.clock.Now()); o > 0 && o < d {
		d = o
	}
	return d
}

// Pricing returns the provider's billing model.
func (p *Pool) Pricing() provider.Pricing {
	return p.provider.Pricing()
}

// HasIdle reports whether platform has a session that could be lent
// without creating one.
func (p *Pool) HasIdle(platform string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.buckets[platform]
	if !ok {
		return false
	}
	for _, s := range b.sessions {
		if !s.InUse() && s.Status() == session.StatusIdle {
			return true
		}
	}
	return false
}

// Start launches the health, cleanup and metrics loops. They stop when ctx
// is done or the pool is closed.
func (p *Pool) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return p.every(gctx, p.config.HealthInterval, p.checkHealth) })
	g.Go(func() error { return p.every(gctx, p.config.CleanupInterval, p.cleanup) })
	g.Go(func() error { return p.every(gctx, p.config.MetricsInterval, p.publishMetrics) })

	p.mu.Lock()
	p.loopCancel = cancel
	p.loops = g
	p.mu.Unlock()

	p.logger.Info().
		Int("max_sessions", p.config.MaxSessions).
		Dur("session_ttl", p.config.SessionTTL).
		Dur("queue_timeout", p.config.QueueTimeout).
		Msg("Session pool started")
}

func (p *Pool) every(ctx context.Context, interval time.Duration, fn func(context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// Close stops the background loops, rejects every waiter and retires all
// sessions.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true

	var sessions []*session.Session
	for _, b := range p.buckets {
		for b.queue.Len() > 0 {
			heap.Pop(&b.queue).(*request).finish(nil, ErrClosed)
		}
		for _, s := range b.sessions {
			sessions = append(sessions, s)
		}
		p.total -= len(b.sessions)
		b.sessions = make(map[string]*session.Session)
	}
	p.lent = make(map[string]struct{})
	cancel, loops := p.loopCancel, p.loops
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		_ = loops.Wait()
	}
	p.baseCancel()
	p.workers.Wait()

	for _, s := range sessions {
		p.retire(ctx, s, "pool closed")
	}

	p.logger.Info().Int("sessions_closed", len(sessions)).Msg("Session pool closed")
	return ctx.Err()
}
