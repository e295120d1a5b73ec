package optimizer

import (
	"math"
	"strings"
	"time"

	"github.com/goodtune/pricefleet/internal/budget"
	"github.com/goodtune/pricefleet/internal/storage"
)

const (
	// minReuseTimeout is the floor maximize-reuse shrinks timeouts to.
	minReuseTimeout = 30 * time.Second

	// supportHalf is the number of supporting records at which confidence
	// reaches one half.
	supportHalf = 2
)

// Optimize picks the strategy for req. It has no side effects.
func Optimize(req Request, c Context) Strategy {
	s := choose(req, c)
	s.NewSession = !c.HasIdle
	return s
}

func choose(req Request, c Context) Strategy {
	timeout := c.Timeout
	if req.Timeout > 0 && req.Timeout < timeout {
		timeout = req.Timeout
	}
	full := c.Pricing.Estimate(timeout, !c.HasIdle)

	switch {
	case c.Budget.Tier == budget.TierEmergency:
		return Strategy{
			Name:             StrategyCacheFirst,
			Actions:          []string{"serve_cached_only"},
			Reason:           "budget emergency",
			EstimatedSavings: full,
			QualityImpact:    0.5,
			Confidence:       confidence(c.CacheSupport),
			Timeout:          timeout,
			CacheOnly:        true,
		}

	case c.CacheLikelihood > 0 && c.CacheLikelihood >= c.Policy.CacheThreshold:
		return Strategy{
			Name:             StrategyCacheFirst,
			Actions:          []string{"check_cache", "fallback_execute"},
			Reason:           "similar recent search",
			EstimatedSavings: c.CacheLikelihood * full,
			QualityImpact:    0.1,
			Confidence:       confidence(c.CacheSupport),
			Timeout:          timeout,
		}

	case c.TargetBurnRate > 0 && c.BurnRate > c.TargetBurnRate &&
		req.Urgency != UrgencyUrgent && req.Batchable:
		delay := batchDelay(c)
		return Strategy{
			Name:             StrategyDelayBatch,
			Actions:          []string{"defer", "batch_by_platform"},
			Reason:           "burn rate above target",
			EstimatedSavings: c.Pricing.CreationCost,
			QualityImpact:    0.2,
			Confidence:       confidence(c.History),
			Timeout:          timeout,
			ExecuteAt:        c.Now.Add(delay),
		}

	case req.Urgency != UrgencyUrgent && (c.Budget.Utilization >= c.Policy.ModerateUtilization ||
		c.Budget.Tier >= budget.TierWarning):
		reduced := reuseTimeout(timeout, c.Budget.Tier)
		savings := c.Pricing.RuntimeCost(timeout - reduced)
		if c.HasIdle {
			savings += c.Pricing.CreationCost
		}
		return Strategy{
			Name:             StrategyMaximizeReuse,
			Actions:          []string{"prefer_idle_sessions", "reduce_timeout"},
			Reason:           "budget pressure",
			EstimatedSavings: savings,
			QualityImpact:    0.15,
			Confidence:       confidence(c.History),
			Timeout:          reduced,
			ReuseBias:        true,
		}

	default:
		return Strategy{
			Name:       StrategyImmediate,
			Actions:    []string{"execute"},
			Reason:     "no pressure",
			Confidence: 1,
			Timeout:    timeout,
		}
	}
}

// batchDelay is how long to wait for the trailing burn window to shed
// enough spend to get back under target, within the batch bounds.
func batchDelay(c Context) time.Duration {
	ratio := 1 - c.TargetBurnRate/c.BurnRate
	d := time.Duration(float64(c.Policy.BurnWindow) * ratio).Truncate(time.Second)
	if d < c.Policy.BatchWindow {
		d = c.Policy.BatchWindow
	}
	if c.Policy.MaxDelay > 0 && d > c.Policy.MaxDelay {
		d = c.Policy.MaxDelay
	}
	return d
}

func reuseTimeout(timeout time.Duration, tier budget.Tier) time.Duration {
	factor := 0.75
	if tier >= budget.TierCritical {
		factor = 0.5
	}
	reduced := time.Duration(float64(timeout) * factor).Truncate(time.Second)
	if reduced < minReuseTimeout {
		reduced = min(timeout, minReuseTimeout)
	}
	return reduced
}

// confidence grows with the number of supporting records.
func confidence(n int) float64 {
	if n <= 0 {
		return 0
	}
	return float64(n) / float64(n+supportHalf)
}

// CacheLikelihood scores how likely a recent search can answer req. Each
// record scores recency × destination match × date proximity × guest
// match; the best score wins and support counts records scoring above zero.
func CacheLikelihood(req Request, records []storage.SearchRecord, now time.Time, window time.Duration, toleranceDays int) (float64, int) {
	dest := strings.ToLower(strings.TrimSpace(req.Destination))

	best, support := 0.0, 0
	for _, rec := range records {
		if rec.Platform != req.Platform {
			continue
		}
		if strings.ToLower(strings.TrimSpace(rec.Destination)) != dest {
			continue
		}

		age := now.Sub(rec.Timestamp)
		if age < 0 {
			age = 0
		}
		if window <= 0 || age >= window {
			continue
		}
		recency := 1 - float64(age)/float64(window)

		days := math.Abs(dayDiff(req.CheckIn, rec.CheckIn))
		if days > float64(toleranceDays) {
			continue
		}
		proximity := 1 - days/float64(toleranceDays+1)

		guests := 1.0
		if req.Guests != rec.Guests {
			guests = 0.5
		}

		score := recency * proximity * guests
		if score <= 0 {
			continue
		}
		support++
		if score > best {
			best = score
		}
	}
	return best, support
}

func dayDiff(a, b time.Time) float64 {
	ad := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	bd := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	return math.Round(ad.Sub(bd).Hours() / 24)
}
