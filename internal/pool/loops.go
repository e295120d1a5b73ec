package pool

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/goodtune/pricefleet/internal/metrics"
	"github.com/goodtune/pricefleet/internal/session"
	"github.com/goodtune/pricefleet/internal/storage"
)

// snapshot returns the pool's sessions in a stable order.
func (p *Pool) snapshot() []*session.Session {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []*session.Session
	for _, b := range p.buckets {
		for _, s := range b.sessions {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Platform() != out[j].Platform() {
			return out[i].Platform() < out[j].Platform()
		}
		return out[i].CreatedAt().Before(out[j].CreatedAt())
	})
	return out
}

// checkHealth probes idle sessions and gives unhealthy ones their recovery
// attempt. Borrowed sessions are left to their operations.
func (p *Pool) checkHealth(ctx context.Context) {
	for _, s := range p.snapshot() {
		if ctx.Err() != nil {
			return
		}
		if s.InUse() {
			continue
		}

		switch s.Status() {
		case session.StatusIdle:
			res := p.monitor.CheckSession(ctx, s)
			if res.Healthy {
				s.ObserveProbe()
				continue
			}
			reason := strings.Join(res.Reasons, "; ")
			if !s.MarkUnhealthy(reason) {
				continue
			}
			p.recordEvent(s, storage.EventUnhealthy, reason)
			p.tryRecover(ctx, s)

		case session.StatusUnhealthy:
			p.tryRecover(ctx, s)
		}
	}
}

// cleanup retires sessions past their TTL and idle sessions unused for
// more than half of it. Borrowed sessions and those mid-recovery are left
// alone; an unhealthy session waiting for another attempt is not.
func (p *Pool) cleanup(ctx context.Context) {
	now := p.clock.Now()
	stale := p.config.SessionTTL / 2

	type victim struct {
		s      *session.Session
		reason string
	}
	var victims []victim

	p.mu.Lock()
	for _, b := range p.buckets {
		for _, s := range b.sessions {
			if _, borrowed := p.lent[s.ID()]; borrowed {
				continue
			}
			if _, busy := p.recovering[s.ID()]; busy {
				continue
			}
			var reason string
			switch st := s.Status(); {
			case st == session.StatusTerminated || st == session.StatusExpired:
				reason = string(st)
			case st != session.StatusIdle && st != session.StatusUnhealthy:
				continue
			case s.Age(now) >= p.config.SessionTTL:
				reason = "expired"
			case st == session.StatusIdle && !s.InUse() && s.IdleFor(now) > stale:
				reason = "stale"
			default:
				continue
			}
			s.MarkExpired()
			p.removeLocked(b, s)
			victims = append(victims, victim{s: s, reason: reason})
		}
	}
	if len(victims) > 0 {
		p.dispatchLocked()
	}
	p.mu.Unlock()

	for _, v := range victims {
		p.retire(ctx, v.s, v.reason)
	}
	if len(victims) > 0 {
		p.logger.Info().Int("retired", len(victims)).Msg("Cleanup retired sessions")
	}
}

// PlatformMetrics are one platform's counts.
type PlatformMetrics struct {
	Sessions   int     `json:"sessions"`
	Active     int     `json:"active"`
	Idle       int     `json:"idle"`
	Unhealthy  int     `json:"unhealthy"`
	InUse      int     `json:"in_use"`
	Pending    int     `json:"pending"`
	QueueDepth int     `json:"queue_depth"`
	Cap        int     `json:"cap"`
	Cost       float64 `json:"cost"`
}

// PoolMetrics is a point-in-time view of the pool.
type PoolMetrics struct {
	Total           int                        `json:"total"`
	MaxSessions     int                        `json:"max_sessions"`
	Active          int                        `json:"active"`
	Idle            int                        `json:"idle"`
	Unhealthy       int                        `json:"unhealthy"`
	InUse           int                        `json:"in_use"`
	Pending         int                        `json:"pending"`
	QueueDepth      int                        `json:"queue_depth"`
	TotalCost       float64                    `json:"total_cost"`
	TimeoutOverride time.Duration              `json:"timeout_override"`
	Platforms       map[string]PlatformMetrics `json:"platforms"`
	Timestamp       time.Time                  `json:"timestamp"`
}

// Metrics returns current pool counts.
func (p *Pool) Metrics() PoolMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	m := PoolMetrics{
		MaxSessions:     p.config.MaxSessions,
		TimeoutOverride: p.overrideLocked(now),
		Platforms:       make(map[string]PlatformMetrics, len(p.buckets)),
		Timestamp:       now,
	}

	for name, b := range p.buckets {
		pm := PlatformMetrics{
			Sessions:   len(b.sessions),
			Pending:    b.pending,
			QueueDepth: b.queue.Len(),
			Cap:        b.config.MaxConcurrent,
		}
		for _, s := range b.sessions {
			switch s.Status() {
			case session.StatusActive:
				pm.Active++
			case session.StatusIdle:
				pm.Idle++
			case session.StatusUnhealthy:
				pm.Unhealthy++
			}
			if s.InUse() {
				pm.InUse++
			}
			pm.Cost += s.Cost()
		}
		m.Platforms[name] = pm

		m.Total += pm.Sessions
		m.Active += pm.Active
		m.Idle += pm.Idle
		m.Unhealthy += pm.Unhealthy
		m.InUse += pm.InUse
		m.Pending += pm.Pending
		m.QueueDepth += pm.QueueDepth
		m.TotalCost += pm.Cost
	}
	return m
}

// Sessions returns a snapshot of every session in the pool.
func (p *Pool) Sessions() []session.Info {
	now := p.clock.Now()
	sessions := p.snapshot()
	out := make([]session.Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info(now))
	}
	return out
}

func (p *Pool) publishMetrics(context.Context) {
	m := p.Metrics()
	for name, pm := range m.Platforms {
		metrics.PoolSessions.WithLabelValues(name, string(session.StatusActive)).Set(float64(pm.Active))
		metrics.PoolSessions.WithLabelValues(name, string(session.StatusIdle)).Set(float64(pm.Idle))
		metrics.PoolSessions.WithLabelValues(name, string(session.StatusUnhealthy)).Set(float64(pm.Unhealthy))
		metrics.PoolQueueDepth.WithLabelValues(name).Set(float64(pm.QueueDepth))
	}

	p.logger.Debug().
		Int("total", m.Total).
		Int("active", m.Active).
		Int("idle", m.Idle).
		Int("unhealthy", m.Unhealthy).
		Int("queue_depth", m.QueueDepth).
		Float64("total_cost", m.TotalCost).
		Msg("Pool metrics")
}
