package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Pool metrics
	PoolSessions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pricefleet_pool_sessions",
			Help: "Sessions in the pool by platform and status",
		},
		[]string{"platform", "status"},
	)

	PoolQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pricefleet_pool_queue_depth",
			Help: "Requests waiting for a session",
		},
		[]string{"platform"},
	)

	SessionsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricefleet_sessions_created_total",
			Help: "Total remote sessions created",
		},
		[]string{"platform"},
	)

	SessionCreateErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricefleet_session_create_errors_total",
			Help: "Remote session creation failures",
		},
		[]string{"platform"},
	)

	SessionsRetired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricefleet_sessions_retired_total",
			Help: "Total sessions retired from the pool",
		},
		[]string{"platform", "reason"},
	)

	AcquireTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricefleet_acquire_total",
			Help: "Session acquisitions by outcome (reused, created, queued, timeout, rejected)",
		},
		[]string{"platform", "outcome"},
	)

	AcquireWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pricefleet_acquire_wait_seconds",
			Help:    "Time spent waiting for a session",
			Buckets: []float64{.001, .01, .1, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"platform"},
	)

	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricefleet_operations_total",
			Help: "Guarded session operations by outcome",
		},
		[]string{"platform", "outcome"},
	)

	OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pricefleet_operation_duration_seconds",
			Help:    "Guarded session operation duration",
			Buckets: []float64{.5, 1, 5, 10, 30, 60, 90, 120, 300},
		},
		[]string{"platform"},
	)

	ProbeLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pricefleet_probe_latency_seconds",
			Help:    "Health probe latency",
			Buckets: []float64{.01, .05, .1, .5, 1, 2.5, 5, 10, 20},
		},
		[]string{"platform"},
	)

	// Cost metrics
	SpendTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricefleet_spend_dollars_total",
			Help: "Total recorded spend in USD",
		},
		[]string{"platform", "kind"},
	)

	CostAnomalies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricefleet_cost_anomalies_total",
			Help: "Cost events exceeding the trailing average threshold",
		},
		[]string{"platform"},
	)

	// Budget metrics
	BudgetUtilization = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pricefleet_budget_utilization_ratio",
			Help: "Spend as a fraction of the limit",
		},
		[]string{"window"},
	)

	BudgetTier = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pricefleet_budget_tier",
			Help: "Budget tier (0 normal, 1 warning, 2 critical, 3 emergency)",
		},
	)

	BudgetReserved = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pricefleet_budget_reserved_dollars",
			Help: "Spend reserved by admitted work not yet recorded",
		},
	)

	BudgetRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricefleet_budget_rejections_total",
			Help: "Reservations denied by the budget",
		},
		[]string{"reason"},
	)

	// Optimizer metrics
	StrategySelections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricefleet_strategy_selections_total",
			Help: "Optimization strategies selected",
		},
		[]string{"strategy"},
	)

	EstimatedSavings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricefleet_estimated_savings_dollars_total",
			Help: "Estimated savings of selected strategies",
		},
		[]string{"strategy"},
	)

	ResultCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pricefleet_result_cache_hits_total",
			Help: "Result cache hits",
		},
	)

	ResultCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pricefleet_result_cache_misses_total",
			Help: "Result cache misses",
		},
	)

	Interventions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricefleet_interventions_total",
			Help: "Automatic interventions triggered",
		},
		[]string{"tier"},
	)
)

func init() {
	prometheus.MustRegister(
		PoolSessions,
		PoolQueueDepth,
		SessionsCreated,
		SessionCreateErrors,
		SessionsRetired,
		AcquireTotal,
		AcquireWait,
		OperationsTotal,
		OperationDuration,
		ProbeLatency,
		SpendTotal,
		CostAnomalies,
		BudgetUtilization,
		BudgetTier,
		BudgetReserved,
		BudgetRejections,
		StrategySelections,
		EstimatedSavings,
		ResultCacheHits,
		ResultCacheMisses,
		Interventions,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
	ready    func() error
}

// NewServer creates a new metrics server. ready, when non-nil, backs /health.
func NewServer(addr string, ready func() error, logger zerolog.Logger) *Server {
	s := &Server{
		logger: logger.With().Str("component", "metrics").Logger(),
		ready:  ready,
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	return s
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(err.Error()))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// Handler returns the HTTP handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
