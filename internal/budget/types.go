package budget

import (
	"errors"
	"fmt"
	"time"
)

// ErrBudgetExceeded is matched by every admission denial.
var ErrBudgetExceeded = errors.New("budget exceeded")

// Tier is the escalation level derived from budget utilization.
type Tier int

const (
	TierNormal Tier = iota
	TierWarning
	TierCritical
	TierEmergency
)

func (t Tier) String() string {
	switch t {
	case TierWarning:
		return "warning"
	case TierCritical:
		return "critical"
	case TierEmergency:
		return "emergency"
	default:
		return "normal"
	}
}

// MarshalText renders the tier by name in JSON and logs.
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Reason explains why an admission was denied.
type Reason string

const (
	ReasonDailyLimit     Reason = "daily_limit"
	ReasonMonthlyLimit   Reason = "monthly_limit"
	ReasonOperationLimit Reason = "operation_limit"
	ReasonEmergency      Reason = "emergency"
)

// AlternativeKind names a cheaper way to run a denied request.
type AlternativeKind string

const (
	AltReducedTimeout AlternativeKind = "reduced_timeout"
	AltReducedResults AlternativeKind = "reduced_results"
	AltCacheOnly      AlternativeKind = "cache_only"
	AltDelay          AlternativeKind = "delay"
)

// Alternative is a structured suggestion a denied caller may retry with.
type Alternative struct {
	Kind          AlternativeKind `json:"kind"`
	Timeout       time.Duration   `json:"timeout,omitempty"`
	MaxResults    int             `json:"max_results,omitempty"`
	RetryAt       time.Time       `json:"retry_at,omitempty"`
	EstimatedCost float64         `json:"estimated_cost"`
	Description   string          `json:"description"`
}

// Estimate describes the spend a request is expected to incur.
type Estimate struct {
	Platform           string
	Cost               float64 // total; derived from the fields below when zero
	CreationCost       float64 // zero when an existing session is reused
	RuntimeRatePerHour float64
	Timeout            time.Duration
	MaxResults         int
}

// Total returns the estimated cost of the request.
func (e Estimate) Total() float64 {
	if e.Cost > 0 {
		return e.Cost
	}
	return e.CreationCost + e.RuntimeRatePerHour*e.Timeout.Hours()
}

// Status is a point-in-time view of spend against the configured limits.
type Status struct {
	DailySpend         float64   `json:"daily_spend"`
	MonthlySpend       float64   `json:"monthly_spend"`
	DailyLimit         float64   `json:"daily_limit"`
	MonthlyLimit       float64   `json:"monthly_limit"`
	DailyRemaining     float64   `json:"daily_remaining"`
	MonthlyRemaining   float64   `json:"monthly_remaining"`
	DailyUtilization   float64   `json:"daily_utilization"`
	MonthlyUtilization float64   `json:"monthly_utilization"`
	Utilization        float64   `json:"utilization"`
	Reserved           float64   `json:"reserved"`
	Tier               Tier      `json:"tier"`
	Intervention       bool      `json:"intervention"`
	Timestamp          time.Time `json:"timestamp"`
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed     bool         `json:"allowed"`
	Reason      Reason       `json:"reason,omitempty"`
	Remaining   float64      `json:"remaining"`
	Alternative *Alternative `json:"alternative,omitempty"`
	Status      Status       `json:"status"`
}

// ExceededError is returned when a reservation would overrun a limit.
type ExceededError struct {
	Reason      Reason
	Requested   float64
	Remaining   float64
	Alternative *Alternative
}

func (e *ExceededError) Error() string {
	msg := fmt.Sprintf("budget exceeded (%s): requested $%.4f, remaining $%.4f", e.Reason, e.Requested, e.Remaining)
	if e.Alternative != nil {
		msg += fmt.Sprintf("; try %s", e.Alternative.Kind)
	}
	return msg
}

func (e *ExceededError) Is(target error) bool {
	return target == ErrBudgetExceeded
}
