// Package admin serves the operator JSON API over pool, cost and budget
// state.
package admin

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/goodtune/pricefleet/internal/admin/api"
	"github.com/goodtune/pricefleet/internal/provider"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

const (
	defaultRateLimit    = 100 // requests per minute
	defaultWriteTimeout = 15 * time.Second
	shutdownTimeout     = 10 * time.Second
)

// Deps are the components the API reads from.
type Deps struct {
	Pool          api.PoolSource
	Costs         api.CostReporter
	Budget        api.BudgetSource
	Interventions api.InterventionSource // optional
	Pricing       provider.Pricing

	// Searcher and Fetch enable POST /api/search when both are set.
	Searcher api.Searcher
	Fetch    api.OperationFactory
}

// Server represents the admin HTTP server.
type Server struct {
	config      Config
	deps        Deps
	rateLimiter *RateLimiter
	server      *http.Server
	router      *mux.Router
	listener    net.Listener
	started     time.Time
	cancel      context.CancelFunc
	logger      zerolog.Logger
}

// NewServer creates a new admin server.
func NewServer(cfg Config, deps Deps, logger zerolog.Logger) *Server {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}

	s := &Server{
		config:      cfg,
		deps:        deps,
		rateLimiter: NewRateLimiter(cfg.RateLimit, cfg.RateLimitWindow),
		router:      mux.NewRouter(),
		started:     time.Now(),
		logger:      logger.With().Str("component", "admin").Logger(),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Use(RequestIDMiddleware)
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(RateLimitMiddleware(s.rateLimiter))

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	authRouter := s.router.PathPrefix("/api").Subrouter()
	if s.config.APIToken != "" {
		authRouter.Use(TokenAuthMiddleware(s.config.APIToken))
	} else {
		s.logger.Warn().Msg("Admin API token not set; API is unauthenticated")
	}

	poolHandler := api.NewPoolHandler(s.deps.Pool, s.logger)
	authRouter.HandleFunc("/pool", poolHandler.Metrics).Methods("GET")
	authRouter.HandleFunc("/pool/sessions", poolHandler.Sessions).Methods("GET")

	costsHandler := api.NewCostsHandler(s.deps.Costs, s.logger)
	authRouter.HandleFunc("/costs", costsHandler.Report).Methods("GET")

	budgetHandler := api.NewBudgetHandler(s.deps.Budget, s.deps.Interventions, s.deps.Pricing, s.logger)
	authRouter.HandleFunc("/budget", budgetHandler.Status).Methods("GET")
	authRouter.HandleFunc("/budget/check", budgetHandler.Check).Methods("POST")
	authRouter.HandleFunc("/interventions", budgetHandler.Interventions).Methods("GET")

	if s.deps.Searcher != nil && s.deps.Fetch != nil {
		searchHandler := api.NewSearchHandler(s.deps.Searcher, s.deps.Fetch, s.logger)
		authRouter.HandleFunc("/search", searchHandler.Search).Methods("POST")
	}
}

// Handler returns the routed handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetListener sets a pre-created listener for systemd socket activation.
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the admin HTTP server.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.rateLimiter.run(ctx, 2*s.config.RateLimitWindow)

	s.logger.Info().
		Str("addr", s.config.ListenAddr).
		Bool("auth", s.config.APIToken != "").
		Int("rate_limit", s.config.RateLimit).
		Msg("Starting admin server")

	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated admin listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Admin server error")
		}
	}()

	return nil
}

// Stop gracefully stops the admin HTTP server.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping admin server")
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("admin server shutdown: %w", err)
	}

	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status: "ok",
		Uptime: time.Since(s.started).Round(time.Second).String(),
	}
	if s.deps.Budget != nil {
		resp.Tier = s.deps.Budget.Status().Tier
	}
	if s.deps.Pool != nil {
		resp.Sessions = s.deps.Pool.Metrics().Total
	}
	WriteJSON(w, http.StatusOK, resp)
}
