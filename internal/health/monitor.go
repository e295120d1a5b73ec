// Package health probes remote sessions and judges whether they are fit
// for further use.
package health

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/pricefleet/internal/metrics"
	"github.com/goodtune/pricefleet/internal/provider"
	"github.com/rs/zerolog"
)

const (
	DefaultProbeTimeout     = 15 * time.Second
	DefaultLatencyThreshold = 10 * time.Second
)

// Target is anything that can be probed. session.Session implements it.
type Target interface {
	ID() string
	Platform() string
	Probe(ctx context.Context) (provider.ProbeResult, error)
}

// Config holds monitor thresholds. Zero resource ceilings are not checked.
type Config struct {
	ProbeTimeout     time.Duration
	LatencyThreshold time.Duration
	MaxMemoryMB      float64
	MaxCPUPercent    float64
}

// Result is the verdict of one health check.
type Result struct {
	Healthy   bool
	Latency   time.Duration
	Resources *provider.ResourceUsage
	Reasons   []string
}

// Monitor checks session health against configured thresholds.
type Monitor struct {
	config Config
	logger zerolog.Logger
}

// NewMonitor creates a new health monitor
func NewMonitor(config Config, logger zerolog.Logger) *Monitor {
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = DefaultProbeTimeout
	}
	if config.LatencyThreshold <= 0 {
		config.LatencyThreshold = DefaultLatencyThreshold
	}
	return &Monitor{
		config: config,
		logger: logger.With().Str("component", "health-monitor").Logger(),
	}
}

// CheckSession probes target once. Any failing check marks it unhealthy.
func (m *Monitor) CheckSession(ctx context.Context, target Target) Result {
	ctx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
	defer cancel()

	start := time.Now()
	probe, err := target.Probe(ctx)
	latency := probe.Latency
	if latency == 0 {
		latency = time.Since(start)
	}

	res := Result{Healthy: true, Latency: latency, Resources: probe.Resources}
	fail := func(reason string) {
		res.Healthy = false
		res.Reasons = append(res.Reasons, reason)
	}

	if err != nil {
		fail(fmt.Sprintf("probe failed: %v", err))
	} else {
		metrics.ProbeLatency.WithLabelValues(target.Platform()).Observe(latency.Seconds())
		if !probe.Healthy {
			fail("probe reported unhealthy")
		}
		if latency > m.config.LatencyThreshold {
			fail(fmt.Sprintf("latency %s above %s", latency, m.config.LatencyThreshold))
		}
		if r := probe.Resources; r != nil {
			if m.config.MaxMemoryMB > 0 && r.MemoryMB > m.config.MaxMemoryMB {
				fail(fmt.Sprintf("memory %.0fMB above %.0fMB", r.MemoryMB, m.config.MaxMemoryMB))
			}
			if m.config.MaxCPUPercent > 0 && r.CPUPercent > m.config.MaxCPUPercent {
				fail(fmt.Sprintf("cpu %.0f%% above %.0f%%", r.CPUPercent, m.config.MaxCPUPercent))
			}
		}
	}

	if !res.Healthy {
		m.logger.Warn().
			Str("session_id", target.ID()).
			Str("platform", target.Platform()).
			Dur("latency", latency).
			Strs("reasons", res.Reasons).
			Msg("Session failed health check")
	} else {
		m.logger.Debug().
			Str("session_id", target.ID()).
			Str("platform", target.Platform()).
			Dur("latency", latency).
			Msg("Session healthy")
	}

	return res
}
