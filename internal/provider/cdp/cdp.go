// Package cdp implements provider.Provider against a hosted browser service
// that exposes Chrome DevTools Protocol websocket endpoints.
package cdp

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/go-rod/rod"
	"github.com/goodtune/pricefleet/internal/provider"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Config holds the remote endpoint settings.
type Config struct {
	Endpoint           string // wss://host/path
	APIKey             string
	CreationCost       float64
	RuntimeRatePerHour float64
	ConnectTimeout     time.Duration
}

// Provider connects one rod.Browser per session.
type Provider struct {
	config Config
	logger zerolog.Logger
}

// New creates a CDP provider.
func New(cfg Config, logger zerolog.Logger) (*Provider, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("cdp endpoint is required")
	}
	if _, err := url.Parse(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("invalid cdp endpoint: %w", err)
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}

	return &Provider{
		config: cfg,
		logger: logger.With().Str("component", "cdp-provider").Logger(),
	}, nil
}

// Pricing returns the configured billing model.
func (p *Provider) Pricing() provider.Pricing {
	return provider.Pricing{
		CreationCost:       p.config.CreationCost,
		RuntimeRatePerHour: p.config.RuntimeRatePerHour,
	}
}

// Create opens a new remote browser dedicated to the platform.
func (p *Provider) Create(ctx context.Context, cfg provider.PlatformConfig) (*provider.Handle, error) {
	id := uuid.NewString()
	controlURL, err := p.controlURL(id, cfg)
	if err != nil {
		return nil, err
	}

	connectCtx, cancel := context.WithTimeout(ctx, p.config.ConnectTimeout)
	defer cancel()

	browser := rod.New().ControlURL(controlURL).Context(connectCtx)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect to remote browser: %w", err)
	}

	// Detach from the connect deadline; the pool owns the lifetime from here.
	browser = browser.Context(context.Background())

	p.logger.Debug().
		Str("session_id", id).
		Str("platform", cfg.Name).
		Msg("Remote browser connected")

	return &provider.Handle{
		ID:         id,
		Platform:   cfg.Name,
		ConnectURL: redact(controlURL),
		CreatedAt:  time.Now(),
		Native:     browser,
	}, nil
}

// Close disconnects and releases the remote browser.
func (p *Provider) Close(ctx context.Context, h *provider.Handle) error {
	browser, err := asBrowser(h)
	if err != nil {
		return err
	}
	if err := browser.Context(ctx).Close(); err != nil {
		return fmt.Errorf("close remote browser %s: %w", h.ID, err)
	}
	return nil
}

// Probe asks the browser for its version and times the round trip.
func (p *Provider) Probe(ctx context.Context, h *provider.Handle) (provider.ProbeResult, error) {
	browser, err := asBrowser(h)
	if err != nil {
		return provider.ProbeResult{}, err
	}

	start := time.Now()
	if _, err := browser.Context(ctx).Version(); err != nil {
		return provider.ProbeResult{Healthy: false, Latency: time.Since(start)}, fmt.Errorf("probe %s: %w", h.ID, err)
	}

	return provider.ProbeResult{Healthy: true, Latency: time.Since(start)}, nil
}

func (p *Provider) controlURL(sessionID string, cfg provider.PlatformConfig) (string, error) {
	u, err := url.Parse(p.config.Endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid cdp endpoint: %w", err)
	}

	q := u.Query()
	if p.config.APIKey != "" {
		q.Set("apiKey", p.config.APIKey)
	}
	q.Set("sessionId", sessionID)
	q.Set("platform", cfg.Name)
	if cfg.Region != "" {
		q.Set("region", cfg.Region)
	}
	for k, v := range cfg.Options {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

func asBrowser(h *provider.Handle) (*rod.Browser, error) {
	if h == nil {
		return nil, provider.ErrClosed
	}
	browser, ok := h.Native.(*rod.Browser)
	if !ok || browser == nil {
		return nil, fmt.Errorf("handle %s is not a cdp session", h.ID)
	}
	return browser, nil
}

// redact strips credentials from a control URL before it is exposed.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	q := u.Query()
	if q.Has("apiKey") {
		q.Set("apiKey", "REDACTED")
	}
	u.RawQuery = q.Encode()
	return u.String()
}
