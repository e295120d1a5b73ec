package main

import (
	"time"

	"github.com/goodtune/pricefleet/internal/budget"
	"github.com/goodtune/pricefleet/internal/config"
	"github.com/goodtune/pricefleet/internal/cost"
	"github.com/goodtune/pricefleet/internal/health"
	"github.com/goodtune/pricefleet/internal/optimizer"
	"github.com/goodtune/pricefleet/internal/pool"
	"github.com/goodtune/pricefleet/internal/provider"
	"github.com/goodtune/pricefleet/internal/provider/cdp"
)

func costConfig(cfg *config.Config) cost.Config {
	return cost.Config{
		AnomalyMultiplier: cfg.Cost.AnomalyMultiplier,
		AnomalyWindow:     cfg.Cost.AnomalyWindow,
		Location:          cfg.Server.Location(),
	}
}

func budgetConfig(cfg *config.Config) budget.Config {
	return budget.Config{
		Enabled:            cfg.Budget.Enabled,
		DailyLimit:         cfg.Budget.DailyLimit,
		MonthlyLimit:       cfg.Budget.MonthlyLimit,
		PerOperationLimit:  cfg.Budget.PerOperationLimit,
		WarningThreshold:   cfg.Budget.WarningThreshold,
		CriticalThreshold:  cfg.Budget.CriticalThreshold,
		EmergencyThreshold: cfg.Budget.EmergencyThreshold,
		StatusInterval:     cfg.Budget.StatusInterval,
		Location:           cfg.Server.Location(),
	}
}

func providerConfig(cfg *config.Config) cdp.Config {
	return cdp.Config{
		Endpoint:           cfg.Provider.Endpoint,
		APIKey:             cfg.Provider.APIKey,
		CreationCost:       cfg.Provider.CreationCost,
		RuntimeRatePerHour: cfg.Provider.RuntimeRatePerHour,
		ConnectTimeout:     cfg.Provider.ConnectTimeout,
	}
}

func pricing(cfg *config.Config) provider.Pricing {
	return provider.Pricing{
		CreationCost:       cfg.Provider.CreationCost,
		RuntimeRatePerHour: cfg.Provider.RuntimeRatePerHour,
	}
}

func healthConfig(cfg *config.Config) health.Config {
	return health.Config{
		ProbeTimeout:     cfg.Provider.ProbeTimeout,
		LatencyThreshold: cfg.Health.LatencyThreshold,
		MaxMemoryMB:      cfg.Health.MaxMemoryMB,
		MaxCPUPercent:    cfg.Health.MaxCPUPercent,
	}
}

func poolConfig(cfg *config.Config) pool.Config {
	platforms := make(map[string]provider.PlatformConfig, len(cfg.Pool.Platforms))
	for name, p := range cfg.Pool.Platforms {
		platforms[name] = provider.PlatformConfig{
			Name:             name,
			MaxConcurrent:    cfg.Pool.PlatformCap(name),
			OperationTimeout: cfg.Pool.PlatformTimeout(name),
			Region:           p.Region,
			Options:          p.Options,
		}
	}

	return pool.Config{
		MaxSessions:         cfg.Pool.MaxSessions,
		DefaultPlatformCap:  cfg.Pool.DefaultPlatformCap,
		SessionTTL:          cfg.Pool.SessionTTL,
		QueueTimeout:        cfg.Pool.QueueTimeout,
		OperationTimeout:    cfg.Pool.OperationTimeout,
		HealthInterval:      cfg.Pool.HealthInterval,
		CleanupInterval:     cfg.Pool.CleanupInterval,
		MetricsInterval:     cfg.Pool.MetricsInterval,
		MaxRecoveryAttempts: cfg.Pool.MaxRecoveryAttempts,
		CreateRate:          cfg.Provider.CreateRate,
		CreateBurst:         cfg.Provider.CreateBurst,
		Platforms:           platforms,
	}
}

func optimizerConfig(cfg *config.Config) optimizer.Config {
	o := cfg.Optimizer
	return optimizer.Config{
		CacheTTL:             o.CacheTTL,
		CacheSize:            o.CacheSize,
		CacheThreshold:       o.CacheThreshold,
		SearchWindow:         o.SearchWindow,
		DateToleranceDays:    o.DateToleranceDays,
		BurnWindow:           o.BurnWindow,
		BatchWindow:          o.BatchWindow,
		MaxDelay:             o.MaxDelay,
		ModerateUtilization:  o.ModerateUtilization,
		InterventionDuration: o.InterventionDuration,
		CriticalTimeout:      o.CriticalTimeout,
		EmergencyTimeout:     o.EmergencyTimeout,
		Location:             cfg.Server.Location(),
	}
}

// searchWriteTimeout bounds an admin search response: the longest batch
// deferral plus queueing plus the slowest platform's operation.
func searchWriteTimeout(cfg *config.Config) time.Duration {
	longest := cfg.Pool.OperationTimeout
	for name := range cfg.Pool.Platforms {
		if d := cfg.Pool.PlatformTimeout(name); d > longest {
			longest = d
		}
	}
	return cfg.Optimizer.MaxDelay + cfg.Pool.QueueTimeout + longest + 15*time.Second
}
