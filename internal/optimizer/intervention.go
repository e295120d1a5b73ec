package optimizer

import (
	"sort"
	"time"

	"github.com/goodtune/pricefleet/internal/budget"
	"github.com/goodtune/pricefleet/internal/metrics"
)

const (
	criticalThresholdFactor = 0.7
	criticalExtraDays       = 2
	maxDateToleranceDays    = 7
)

// Intervention is a process-wide, time-bounded override applied when the
// budget enters the critical or emergency tier.
type Intervention struct {
	Tier              budget.Tier   `json:"tier"`
	Timeout           time.Duration `json:"timeout"`
	CacheThreshold    float64       `json:"cache_threshold"`
	DateToleranceDays int           `json:"date_tolerance_days"`
	Started           time.Time     `json:"started"`
	Expires           time.Time     `json:"expires"`
}

func (e *Engine) onBudgetStatus(st budget.Status) {
	if st.Tier < budget.TierCritical {
		return
	}

	now := e.clock.Now()
	iv := Intervention{
		Tier:    st.Tier,
		Started: now,
		Expires: now.Add(e.config.InterventionDuration),
	}
	if st.Tier == budget.TierEmergency {
		iv.Timeout = e.config.EmergencyTimeout
		iv.CacheThreshold = 0
		iv.DateToleranceDays = maxDateToleranceDays
	} else {
		iv.Timeout = e.config.CriticalTimeout
		iv.CacheThreshold = e.config.CacheThreshold * criticalThresholdFactor
		iv.DateToleranceDays = min(maxDateToleranceDays, e.config.DateToleranceDays+criticalExtraDays)
	}

	e.mu.Lock()
	e.interventions[st.Tier] = iv
	e.mu.Unlock()

	e.applyOverride(now)
	metrics.Interventions.WithLabelValues(st.Tier.String()).Inc()

	e.logger.Warn().
		Str("tier", st.Tier.String()).
		Float64("utilization", st.Utilization).
		Dur("timeout", iv.Timeout).
		Float64("cache_threshold", iv.CacheThreshold).
		Int("date_tolerance_days", iv.DateToleranceDays).
		Time("expires", iv.Expires).
		Msg("Budget intervention applied")
}

// Interventions returns the interventions still in effect, most severe
// first.
func (e *Engine) Interventions() []Intervention {
	now := e.clock.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Intervention, 0, len(e.interventions))
	for tier, iv := range e.interventions {
		if !now.Before(iv.Expires) {
			delete(e.interventions, tier)
			continue
		}
		out = append(out, iv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tier > out[j].Tier })
	return out
}

// activeLocked returns the most severe intervention in effect at now.
func (e *Engine) activeLocked(now time.Time) (Intervention, bool) {
	var active Intervention
	found := false
	for _, iv := range e.interventions {
		if !now.Before(iv.Expires) {
			continue
		}
		if !found || iv.Tier > active.Tier {
			active, found = iv, true
		}
	}
	return active, found
}

// applyOverride points the pool's timeout override at the most severe
// active intervention. An override that merely lapses needs no call; the
// pool stops applying it at its expiry.
func (e *Engine) applyOverride(now time.Time) {
	e.mu.Lock()
	active, ok := e.activeLocked(now)
	if !ok || active == e.applied {
		e.mu.Unlock()
		return
	}
	e.applied = active
	e.mu.Unlock()

	e.pool.SetTimeoutOverride(active.Timeout, active.Expires)
}

// policy returns the selection thresholds in effect at now, with the most
// severe active intervention applied.
func (e *Engine) policy(now time.Time) (Policy, int) {
	p := Policy{
		CacheThreshold:      e.config.CacheThreshold,
		ModerateUtilization: e.config.ModerateUtilization,
		BurnWindow:          e.config.BurnWindow,
		BatchWindow:         e.config.BatchWindow,
		MaxDelay:            e.config.MaxDelay,
	}
	tolerance := e.config.DateToleranceDays

	e.mu.Lock()
	defer e.mu.Unlock()

	if active, ok := e.activeLocked(now); ok {
		p.CacheThreshold = active.CacheThreshold
		tolerance = active.DateToleranceDays
	}
	return p, tolerance
}
