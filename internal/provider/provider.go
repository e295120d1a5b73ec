// Package provider defines the contract with the remote browser-session
// provider that creates, probes and destroys billable sessions.
package provider

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned when operating on a handle that was already closed.
var ErrClosed = errors.New("provider: session closed")

// PlatformConfig describes how sessions for one target platform are created.
type PlatformConfig struct {
	Name             string
	MaxConcurrent    int
	OperationTimeout time.Duration
	Region           string
	Options          map[string]string
}

// Handle identifies one remote session owned by the provider.
type Handle struct {
	ID         string
	Platform   string
	ConnectURL string
	CreatedAt  time.Time

	// Native carries the implementation's own session object.
	Native any
}

// ResourceUsage is reported by providers that expose session resource data.
type ResourceUsage struct {
	MemoryMB   float64
	CPUPercent float64
}

// ProbeResult is the outcome of a lightweight status probe.
type ProbeResult struct {
	Healthy   bool
	Latency   time.Duration
	Resources *ResourceUsage
}

// Pricing holds the provider's billing model.
type Pricing struct {
	CreationCost       float64 // fixed fee per created session (USD)
	RuntimeRatePerHour float64 // USD per hour of session runtime
}

// RuntimeCost returns the runtime fee for d.
func (p Pricing) RuntimeCost(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return p.RuntimeRatePerHour * d.Hours()
}

// Estimate returns the expected cost of running for d, including the
// creation fee when a new session would be needed.
func (p Pricing) Estimate(d time.Duration, includeCreation bool) float64 {
	cost := p.RuntimeCost(d)
	if includeCreation {
		cost += p.CreationCost
	}
	return cost
}

// AffordableDuration returns the longest runtime that costs at most budget.
func (p Pricing) AffordableDuration(budget float64) time.Duration {
	if budget <= 0 {
		return 0
	}
	if p.RuntimeRatePerHour <= 0 {
		return time.Duration(1<<63 - 1)
	}
	return time.Duration(budget / p.RuntimeRatePerHour * float64(time.Hour))
}

// Provider creates and destroys billable remote sessions.
type Provider interface {
	Create(ctx context.Context, cfg PlatformConfig) (*Handle, error)
	Close(ctx context.Context, h *Handle) error
	Probe(ctx context.Context, h *Handle) (ProbeResult, error)
	Pricing() Pricing
}
