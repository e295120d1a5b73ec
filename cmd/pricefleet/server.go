package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/goodtune/pricefleet/internal/admin"
	"github.com/goodtune/pricefleet/internal/budget"
	"github.com/goodtune/pricefleet/internal/clock"
	"github.com/goodtune/pricefleet/internal/config"
	"github.com/goodtune/pricefleet/internal/cost"
	"github.com/goodtune/pricefleet/internal/health"
	"github.com/goodtune/pricefleet/internal/metrics"
	"github.com/goodtune/pricefleet/internal/optimizer"
	"github.com/goodtune/pricefleet/internal/pool"
	"github.com/goodtune/pricefleet/internal/provider/cdp"
	"github.com/goodtune/pricefleet/internal/systemd"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start PriceFleet server",
	Long:  `Start the session pool, the cost optimizer, the admin API and the metrics endpoint.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting PriceFleet")

	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize storage
	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().Str("type", cfg.Storage.Type).Msg("Storage initialized")

	clk := clock.Real{}

	// Cost ledger
	tracker := cost.NewTracker(store.Costs(), costConfig(cfg), clk, logger)
	if err := tracker.Load(ctx); err != nil {
		return fmt.Errorf("failed to load cost ledger: %w", err)
	}
	retention, err := cost.NewRetentionScheduler(store, tracker, cfg.Cost.RetentionTime, cfg.Cost.RetentionDays, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize retention scheduler: %w", err)
	}
	retention.Start()

	// Budget
	manager := budget.NewManager(tracker, budgetConfig(cfg), clk, logger)
	manager.Subscribe(func(s budget.Status) {
		_ = systemd.NotifyStatus(statusLine(s))
	})
	// Anomalous charges refresh the tier without waiting for the next tick.
	tracker.Subscribe(func(cost.Anomaly) { manager.Refresh() })

	logger.Info().
		Bool("enabled", cfg.Budget.Enabled).
		Float64("daily_limit", cfg.Budget.DailyLimit).
		Float64("monthly_limit", cfg.Budget.MonthlyLimit).
		Msg("Budget manager initialized")

	// Session pool
	prov, err := cdp.New(providerConfig(cfg), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize provider: %w", err)
	}

	var admitter pool.Admitter
	if cfg.Budget.Enabled {
		admitter = manager
	}

	sessionPool, err := pool.New(poolConfig(cfg), pool.Deps{
		Provider: prov,
		Recorder: tracker,
		Admitter: admitter,
		Monitor:  health.NewMonitor(healthConfig(cfg), logger),
		Events:   store.Lifecycle(),
		Clock:    clk,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize session pool: %w", err)
	}
	sessionPool.Start(ctx)

	// Optimizer
	engine, err := optimizer.NewEngine(optimizerConfig(cfg), optimizer.Deps{
		Pool:     sessionPool,
		Budget:   manager,
		Ledger:   tracker,
		Searches: store.Searches(),
		Clock:    clk,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize optimizer: %w", err)
	}

	var stopping atomic.Bool
	ready := func() error {
		if stopping.Load() {
			return errors.New("shutting down")
		}
		return nil
	}

	background, bgctx := errgroup.WithContext(ctx)
	background.Go(func() error { return manager.Run(bgctx) })
	background.Go(func() error { return systemd.RunWatchdog(bgctx, ready, logger) })

	// Metrics server
	metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
	metricsServer := metrics.NewServer(metricsAddr, ready, logger)
	if sdListeners.Metrics != nil {
		metricsServer.SetListener(sdListeners.Metrics)
	}
	if err := metricsServer.Start(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	// Admin server
	var adminServer *admin.Server
	if cfg.Admin.Enabled {
		adminAddr := fmt.Sprintf("%s:%d", cfg.Admin.BindAddress, cfg.Admin.Port)
		adminServer = admin.NewServer(admin.Config{
			ListenAddr:   adminAddr,
			APIToken:     cfg.Admin.APIToken,
			RateLimit:    cfg.Admin.RateLimit,
			WriteTimeout: searchWriteTimeout(cfg),
		}, admin.Deps{
			Pool:          sessionPool,
			Costs:         tracker,
			Budget:        manager,
			Interventions: engine,
			Pricing:       prov.Pricing(),
			Searcher:      engine,
			Fetch:         prov.FetchPage,
		}, logger)
		if sdListeners.Admin != nil {
			adminServer.SetListener(sdListeners.Admin)
		}
		if err := adminServer.Start(); err != nil {
			return fmt.Errorf("failed to start admin server: %w", err)
		}
	}

	logger.Info().Msg("PriceFleet startup complete")
	logger.Info().Msgf("Metrics: http://%s/metrics", metricsAddr)
	if cfg.Admin.Enabled {
		logger.Info().Msgf("Admin API: http://%s:%d/api", cfg.Admin.BindAddress, cfg.Admin.Port)
	}

	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	} else {
		logger.Debug().Msg("Sent systemd ready notification")
	}
	_ = systemd.NotifyStatus(statusLine(manager.Status()))

	// Wait for signals (shutdown or reload)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan
		if sig == syscall.SIGHUP {
			logger.Info().Msg("SIGHUP received, reloading cost ledger...")
			if err := tracker.Load(ctx); err != nil {
				logger.Error().Err(err).Msg("Failed to reload cost ledger")
				continue
			}
			status := manager.Refresh()
			logger.Info().
				Str("tier", status.Tier.String()).
				Float64("daily_spend", status.DailySpend).
				Msg("Cost ledger reloaded")
			continue
		}

		logger.Info().Msg("Shutdown signal received, gracefully stopping...")
		break
	}

	stopping.Store(true)
	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	if adminServer != nil {
		if err := adminServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping admin server")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := engine.Close(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error closing optimizer")
	}
	if err := sessionPool.Close(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error closing session pool")
	}

	cancel()
	if err := background.Wait(); err != nil {
		logger.Error().Err(err).Msg("Background task failed")
	}
	retention.Stop()

	if err := metricsServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping metrics server")
	}

	status := manager.Status()
	logger.Info().
		Float64("daily_spend", status.DailySpend).
		Float64("monthly_spend", status.MonthlySpend).
		Msg("PriceFleet stopped")

	return nil
}

func statusLine(s budget.Status) string {
	return fmt.Sprintf("budget %s: $%.2f today, $%.2f this month", s.Tier, s.DailySpend, s.MonthlySpend)
}
