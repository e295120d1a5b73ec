package optimizer

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goodtune/pricefleet/internal/budget"
	"github.com/goodtune/pricefleet/internal/provider"
	"github.com/goodtune/pricefleet/internal/session"
)

var (
	// ErrCacheMiss is returned when a request may only be served from cache
	// and nothing suitable is cached.
	ErrCacheMiss = errors.New("no cached result")

	// ErrClosed is returned for requests submitted after Close.
	ErrClosed = errors.New("optimizer closed")
)

// Urgency says how long a caller is willing to wait.
type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyNormal Urgency = "normal"
	UrgencyUrgent Urgency = "urgent"
)

// ParseUrgency parses an urgency name, defaulting to normal.
func ParseUrgency(s string) (Urgency, error) {
	switch u := Urgency(strings.ToLower(strings.TrimSpace(s))); u {
	case "":
		return UrgencyNormal, nil
	case UrgencyLow, UrgencyNormal, UrgencyUrgent:
		return u, nil
	default:
		return "", fmt.Errorf("unknown urgency %q", s)
	}
}

// Request is one extraction to run against a platform.
type Request struct {
	ID          string
	Platform    string
	Destination string
	CheckIn     time.Time
	CheckOut    time.Time
	Guests      int
	Priority    int
	Urgency     Urgency
	Batchable   bool
	MaxResults  int

	// Timeout caps the operation below the platform timeout when set.
	Timeout   time.Duration
	Operation session.Operation
}

// Key identifies requests that would return the same results.
func (r Request) Key() string {
	return fmt.Sprintf("%s|%s|%s|%s|%d",
		r.Platform,
		strings.ToLower(strings.TrimSpace(r.Destination)),
		r.CheckIn.Format(time.DateOnly),
		r.CheckOut.Format(time.DateOnly),
		r.Guests,
	)
}

// StrategyName names a selection of the engine.
type StrategyName string

const (
	StrategyImmediate     StrategyName = "immediate"
	StrategyCacheFirst    StrategyName = "cache_first"
	StrategyMaximizeReuse StrategyName = "maximize_reuse"
	StrategyDelayBatch    StrategyName = "delay_batch"
)

// Strategy is the engine's decision for one request.
type Strategy struct {
	Name             StrategyName `json:"name"`
	Actions          []string     `json:"actions"`
	Reason           string       `json:"reason"`
	EstimatedSavings float64      `json:"estimated_savings"`
	QualityImpact    float64      `json:"quality_impact"` // 0 none, 1 severe
	Confidence       float64      `json:"confidence"`

	Timeout   time.Duration `json:"timeout"`
	ExecuteAt time.Time     `json:"execute_at,omitzero"`
	ReuseBias bool          `json:"reuse_bias"`
	CacheOnly bool          `json:"cache_only"`

	// NewSession is set when no idle session was available at planning
	// time, so executing will pay a creation fee.
	NewSession bool `json:"new_session"`
}

// Policy holds the thresholds selection runs against.
type Policy struct {
	CacheThreshold      float64
	ModerateUtilization float64
	BurnWindow          time.Duration
	BatchWindow         time.Duration
	MaxDelay            time.Duration
}

// Context is everything Optimize needs to know about the world.
type Context struct {
	Now     time.Time
	Budget  budget.Status
	Pricing provider.Pricing
	Policy  Policy

	// Timeout is the operation timeout the platform currently runs under.
	Timeout time.Duration
	HasIdle bool

	// BurnRate is recent spend in dollars per hour. TargetBurnRate is the
	// rate the remaining budget allows; zero means no target.
	BurnRate       float64
	TargetBurnRate float64
	History        int // cost records behind BurnRate

	CacheLikelihood float64
	CacheSupport    int
}

// Source says where an outcome's result came from.
type Source string

const (
	SourceCache   Source = "cache"
	SourceSession Source = "session"
	SourceBatch   Source = "batch"
)

// Outcome is the result of OptimizeAndExecute.
type Outcome struct {
	RequestID string         `json:"request_id"`
	Strategy  Strategy       `json:"strategy"`
	Result    session.Result `json:"result"`
	Source    Source         `json:"source"`
	SessionID string         `json:"session_id,omitempty"`
	Cost      float64        `json:"cost"`
	Shared    bool           `json:"shared"`
	Duration  time.Duration  `json:"duration"`
}
