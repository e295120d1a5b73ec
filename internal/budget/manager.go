// Package budget enforces daily, monthly and per-operation spend limits and
// escalates through warning, critical and emergency tiers as spend grows.
package budget

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/goodtune/pricefleet/internal/clock"
	"github.com/goodtune/pricefleet/internal/metrics"
	"github.com/rs/zerolog"
)

const (
	DefaultWarningThreshold   = 0.80
	DefaultCriticalThreshold  = 0.95
	DefaultEmergencyThreshold = 1.00
	DefaultStatusInterval     = 30 * time.Second

	// MinUsefulTimeout is the shortest operation worth suggesting as a
	// reduced-timeout alternative.
	MinUsefulTimeout = 30 * time.Second

	// epsilon absorbs float rounding when comparing dollar amounts.
	epsilon = 1e-9
)

// Ledger reports spend already incurred. cost.Tracker implements it.
type Ledger interface {
	DailySpend() float64
	MonthlySpend() float64
}

// Config holds budget manager configuration
type Config struct {
	Enabled            bool
	DailyLimit         float64 // zero disables the daily limit
	MonthlyLimit       float64 // zero disables the monthly limit
	PerOperationLimit  float64 // zero disables the per-operation limit
	WarningThreshold   float64
	CriticalThreshold  float64
	EmergencyThreshold float64
	StatusInterval     time.Duration
	Location           *time.Location
}

// Manager decides whether new spend is admissible. Reservations are
// checked and committed under one lock so concurrent callers cannot both
// claim the last of the headroom.
type Manager struct {
	ledger Ledger
	config Config
	clock  clock.Clock
	logger zerolog.Logger

	mu          sync.Mutex
	reserved    float64
	lastTier    Tier
	subscribers []func(Status)
}

// NewManager creates a new budget manager
func NewManager(ledger Ledger, config Config, clk clock.Clock, logger zerolog.Logger) *Manager {
	if config.WarningThreshold <= 0 {
		config.WarningThreshold = DefaultWarningThreshold
	}
	if config.CriticalThreshold <= 0 {
		config.CriticalThreshold = DefaultCriticalThreshold
	}
	if config.EmergencyThreshold <= 0 {
		config.EmergencyThreshold = DefaultEmergencyThreshold
	}
	if config.StatusInterval <= 0 {
		config.StatusInterval = DefaultStatusInterval
	}
	if config.Location == nil {
		config.Location = time.UTC
	}
	if clk == nil {
		clk = clock.Real{}
	}

	return &Manager{
		ledger: ledger,
		config: config,
		clock:  clk,
		logger: logger.With().Str("component", "budget-manager").Logger(),
	}
}

// Status returns current spend against the configured limits.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

func (m *Manager) statusLocked() Status {
	daily := m.ledger.DailySpend()
	monthly := m.ledger.MonthlySpend()

	s := Status{
		DailySpend:   daily,
		MonthlySpend: monthly,
		DailyLimit:   m.config.DailyLimit,
		MonthlyLimit: m.config.MonthlyLimit,
		Reserved:     m.reserved,
		Timestamp:    m.clock.Now(),
	}
	if m.config.DailyLimit > 0 {
		s.DailyRemaining = math.Max(0, m.config.DailyLimit-daily)
		s.DailyUtilization = daily / m.config.DailyLimit
	}
	if m.config.MonthlyLimit > 0 {
		s.MonthlyRemaining = math.Max(0, m.config.MonthlyLimit-monthly)
		s.MonthlyUtilization = monthly / m.config.MonthlyLimit
	}
	s.Utilization = math.Max(s.DailyUtilization, s.MonthlyUtilization)

	if m.config.Enabled {
		s.Tier = m.tierFor(s.Utilization)
	}
	s.Intervention = s.Tier >= TierCritical
	return s
}

func (m *Manager) tierFor(utilization float64) Tier {
	switch {
	case utilization >= m.config.EmergencyThreshold:
		return TierEmergency
	case utilization >= m.config.CriticalThreshold:
		return TierCritical
	case utilization >= m.config.WarningThreshold:
		return TierWarning
	default:
		return TierNormal
	}
}

// CheckAdmission reports whether est would currently be admitted without
// reserving anything.
func (m *Manager) CheckAdmission(est Estimate) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evaluateLocked(est)
}

func (m *Manager) evaluateLocked(est Estimate) (d Decision) {
	status := m.statusLocked()
	d = Decision{Allowed: true, Status: status}
	if !m.config.Enabled {
		return d
	}
	defer func() { d.Remaining = math.Max(0, d.Remaining) }()

	cost := est.Total()
	now := status.Timestamp.In(m.config.Location)

	if m.config.PerOperationLimit > 0 && cost > m.config.PerOperationLimit+epsilon {
		d.Allowed = false
		d.Reason = ReasonOperationLimit
		d.Remaining = m.config.PerOperationLimit
		d.Alternative = suggest(est, m.config.PerOperationLimit, time.Time{})
		return d
	}

	if status.Tier == TierEmergency {
		d.Allowed = false
		d.Reason = ReasonEmergency
		d.Remaining = 0
		d.Alternative = &Alternative{
			Kind:        AltCacheOnly,
			Description: "budget emergency: serve cached results only",
		}
		return d
	}

	if m.config.DailyLimit > 0 {
		headroom := m.config.DailyLimit - status.DailySpend - m.reserved
		d.Remaining = headroom
		if cost > headroom+epsilon {
			d.Allowed = false
			d.Reason = ReasonDailyLimit
			d.Alternative = suggest(est, headroom, clock.StartOfDay(now).AddDate(0, 0, 1))
			return d
		}
	}

	if m.config.MonthlyLimit > 0 {
		headroom := m.config.MonthlyLimit - status.MonthlySpend - m.reserved
		if m.config.DailyLimit <= 0 || headroom < d.Remaining {
			d.Remaining = headroom
		}
		if cost > headroom+epsilon {
			d.Allowed = false
			d.Reason = ReasonMonthlyLimit
			d.Alternative = suggest(est, headroom, clock.StartOfMonth(now).AddDate(0, 1, 0))
			return d
		}
	}

	return d
}

// suggest proposes the least degrading way to fit est into headroom.
// retryAt is when the exhausted window resets, zero if it never does.
func suggest(est Estimate, headroom float64, retryAt time.Time) *Alternative {
	if fit := headroom - est.CreationCost; fit > 0 && est.RuntimeRatePerHour > 0 && est.Timeout > 0 {
		timeout := time.Duration(fit / est.RuntimeRatePerHour * float64(time.Hour)).Truncate(time.Second)
		if timeout > est.Timeout {
			timeout = est.Timeout
		}
		if timeout >= MinUsefulTimeout {
			alt := &Alternative{
				Kind:          AltReducedTimeout,
				Timeout:       timeout,
				EstimatedCost: est.CreationCost + est.RuntimeRatePerHour*timeout.Hours(),
				Description:   fmt.Sprintf("reduce operation timeout to %s", timeout),
			}
			if est.MaxResults > 0 {
				alt.MaxResults = max(1, int(float64(est.MaxResults)*timeout.Seconds()/est.Timeout.Seconds()))
			}
			return alt
		}
	}

	if cost := est.Total(); headroom > 0 && cost > 0 && est.MaxResults > 1 {
		if n := int(float64(est.MaxResults) * headroom / cost); n >= 1 {
			return &Alternative{
				Kind:          AltReducedResults,
				MaxResults:    n,
				EstimatedCost: cost * float64(n) / float64(est.MaxResults),
				Description:   fmt.Sprintf("limit results to %d", n),
			}
		}
	}

	if headroom <= 0 && !retryAt.IsZero() {
		return &Alternative{
			Kind:        AltDelay,
			RetryAt:     retryAt,
			Description: fmt.Sprintf("retry after budget resets at %s", retryAt.Format(time.RFC3339)),
		}
	}

	return &Alternative{
		Kind:        AltCacheOnly,
		Description: "serve cached results only",
	}
}

// Reservation holds admitted spend until the caller releases it.
type Reservation struct {
	m        *Manager
	amount   float64
	once     sync.Once
	Platform string
}

// Amount returns the reserved spend.
func (r *Reservation) Amount() float64 {
	return r.amount
}

// Release returns the reserved amount to the headroom. Call it once the
// actual cost has been recorded in the ledger or the work was abandoned.
// Calling Release more than once has no further effect.
func (r *Reservation) Release() {
	if r == nil {
		return
	}
	r.once.Do(func() {
		r.m.mu.Lock()
		r.m.reserved -= r.amount
		if r.m.reserved < 1e-12 {
			r.m.reserved = 0
		}
		reserved := r.m.reserved
		r.m.mu.Unlock()
		metrics.BudgetReserved.Set(reserved)
	})
}

// Reserve atomically admits est and holds its cost against the limits.
// A denial is returned as *ExceededError.
func (m *Manager) Reserve(est Estimate) (*Reservation, error) {
	m.mu.Lock()
	d := m.evaluateLocked(est)
	if !d.Allowed {
		m.mu.Unlock()
		metrics.BudgetRejections.WithLabelValues(string(d.Reason)).Inc()
		m.logger.Warn().
			Str("platform", est.Platform).
			Str("reason", string(d.Reason)).
			Float64("cost", est.Total()).
			Float64("remaining", d.Remaining).
			Msg("Budget admission denied")
		return nil, &ExceededError{
			Reason:      d.Reason,
			Requested:   est.Total(),
			Remaining:   d.Remaining,
			Alternative: d.Alternative,
		}
	}

	amount := 0.0
	if m.config.Enabled {
		amount = est.Total()
	}
	m.reserved += amount
	reserved := m.reserved
	m.mu.Unlock()

	metrics.BudgetReserved.Set(reserved)
	return &Reservation{m: m, amount: amount, Platform: est.Platform}, nil
}

// Subscribe registers fn to receive the status whenever the tier changes.
func (m *Manager) Subscribe(fn func(Status)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

// Refresh recomputes the status, updates gauges and notifies subscribers
// on a tier transition.
func (m *Manager) Refresh() Status {
	m.mu.Lock()
	s := m.statusLocked()
	prev := m.lastTier
	m.lastTier = s.Tier
	subscribers := m.subscribers
	m.mu.Unlock()

	metrics.BudgetUtilization.WithLabelValues("daily").Set(s.DailyUtilization)
	metrics.BudgetUtilization.WithLabelValues("monthly").Set(s.MonthlyUtilization)
	metrics.BudgetTier.Set(float64(s.Tier))
	metrics.BudgetReserved.Set(s.Reserved)

	if s.Tier == prev {
		return s
	}

	event := m.logger.Info()
	switch s.Tier {
	case TierWarning:
		event = m.logger.Warn()
	case TierCritical, TierEmergency:
		event = m.logger.Error()
	}
	event.
		Str("tier", s.Tier.String()).
		Str("previous_tier", prev.String()).
		Float64("daily_spend", s.DailySpend).
		Float64("monthly_spend", s.MonthlySpend).
		Float64("utilization", s.Utilization).
		Msg("Budget tier changed")

	for _, fn := range subscribers {
		fn(s)
	}
	return s
}

// Run refreshes the status every StatusInterval until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.config.StatusInterval)
	defer ticker.Stop()

	m.Refresh()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Refresh()
		}
	}
}
