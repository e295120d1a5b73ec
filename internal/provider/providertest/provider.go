// Package providertest provides a scriptable in-memory provider.Provider.
package providertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goodtune/pricefleet/internal/provider"
	"github.com/google/uuid"
)

// Provider is a fake remote session provider. The zero value is not usable;
// call New.
type Provider struct {
	mu sync.Mutex

	pricing     provider.Pricing
	createErrs  []error
	createDelay time.Duration
	probe       provider.ProbeResult
	probeErr    error
	probeFor    map[string]probeScript

	created    int
	closeCalls map[string]int
	live       map[string]*provider.Handle
	configs    []provider.PlatformConfig
}

type probeScript struct {
	result provider.ProbeResult
	err    error
}

// New returns a fake provider with the given pricing and healthy probes.
func New(pricing provider.Pricing) *Provider {
	return &Provider{
		pricing:    pricing,
		probe:      provider.ProbeResult{Healthy: true, Latency: time.Millisecond},
		probeFor:   make(map[string]probeScript),
		closeCalls: make(map[string]int),
		live:       make(map[string]*provider.Handle),
	}
}

// FailNextCreate makes the next Create call return err. Calls queue up.
func (p *Provider) FailNextCreate(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.createErrs = append(p.createErrs, err)
}

// SetCreateDelay makes Create block for d (or until ctx is done).
func (p *Provider) SetCreateDelay(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.createDelay = d
}

// SetProbe sets the default probe outcome.
func (p *Provider) SetProbe(res provider.ProbeResult, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probe = res
	p.probeErr = err
}

// SetProbeFor sets the probe outcome for one session.
func (p *Provider) SetProbeFor(id string, res provider.ProbeResult, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probeFor[id] = probeScript{result: res, err: err}
}

// Created returns how many sessions were created.
func (p *Provider) Created() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created
}

// Live returns how many sessions are open.
func (p *Provider) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live)
}

// CloseCalls returns how many times Close was called for id.
func (p *Provider) CloseCalls(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeCalls[id]
}

// Configs returns the platform configs passed to Create, in order.
func (p *Provider) Configs() []provider.PlatformConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]provider.PlatformConfig(nil), p.configs...)
}

func (p *Provider) Pricing() provider.Pricing {
	return p.pricing
}

func (p *Provider) Create(ctx context.Context, cfg provider.PlatformConfig) (*provider.Handle, error) {
	p.mu.Lock()
	delay := p.createDelay
	var err error
	if len(p.createErrs) > 0 {
		err = p.createErrs[0]
		p.createErrs = p.createErrs[1:]
	}
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	h := &provider.Handle{
		ID:        uuid.NewString(),
		Platform:  cfg.Name,
		CreatedAt: time.Now(),
	}

	p.mu.Lock()
	p.created++
	p.live[h.ID] = h
	p.configs = append(p.configs, cfg)
	p.mu.Unlock()

	return h, nil
}

func (p *Provider) Close(_ context.Context, h *provider.Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closeCalls[h.ID]++
	if _, ok := p.live[h.ID]; !ok {
		return fmt.Errorf("close %s: %w", h.ID, provider.ErrClosed)
	}
	delete(p.live, h.ID)
	return nil
}

func (p *Provider) Probe(ctx context.Context, h *provider.Handle) (provider.ProbeResult, error) {
	if err := ctx.Err(); err != nil {
		return provider.ProbeResult{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.live[h.ID]; !ok {
		return provider.ProbeResult{}, provider.ErrClosed
	}
	if s, ok := p.probeFor[h.ID]; ok {
		return s.result, s.err
	}
	return p.probe, p.probeErr
}
