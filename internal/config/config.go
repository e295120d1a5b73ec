package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Provider  ProviderConfig  `mapstructure:"provider"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Health    HealthConfig    `mapstructure:"health"`
	Budget    BudgetConfig    `mapstructure:"budget"`
	Cost      CostConfig      `mapstructure:"cost"`
	Optimizer OptimizerConfig `mapstructure:"optimizer"`
	Admin     AdminConfig     `mapstructure:"admin"`
}

// ServerConfig defines listener and process settings
type ServerConfig struct {
	MetricsPort     int           `mapstructure:"metrics_port"`
	BindAddress     string        `mapstructure:"bind_address"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	Timezone        string        `mapstructure:"timezone"` // budget day/month boundaries
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Type   string       `mapstructure:"type"` // "redis" or "sqlite"
	Redis  RedisConfig  `mapstructure:"redis"`
	SQLite SQLiteConfig `mapstructure:"sqlite"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// SQLiteConfig defines the single-node database file
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// ProviderConfig defines the remote session provider
type ProviderConfig struct {
	Type               string        `mapstructure:"type"`
	Endpoint           string        `mapstructure:"endpoint"`
	APIKey             string        `mapstructure:"api_key"`
	CreationCost       float64       `mapstructure:"creation_cost"`
	RuntimeRatePerHour float64       `mapstructure:"runtime_rate_per_hour"`
	CreateRate         float64       `mapstructure:"create_rate"` // creations per second
	CreateBurst        int           `mapstructure:"create_burst"`
	ConnectTimeout     time.Duration `mapstructure:"connect_timeout"`
	ProbeTimeout       time.Duration `mapstructure:"probe_timeout"`
}

// PoolConfig defines session pool capacity and background loops
type PoolConfig struct {
	MaxSessions         int                       `mapstructure:"max_sessions"`
	DefaultPlatformCap  int                       `mapstructure:"default_platform_cap"`
	SessionTTL          time.Duration             `mapstructure:"session_ttl"`
	QueueTimeout        time.Duration             `mapstructure:"queue_timeout"`
	OperationTimeout    time.Duration             `mapstructure:"operation_timeout"`
	HealthInterval      time.Duration             `mapstructure:"health_interval"`
	CleanupInterval     time.Duration             `mapstructure:"cleanup_interval"`
	MetricsInterval     time.Duration             `mapstructure:"metrics_interval"`
	MaxRecoveryAttempts int                       `mapstructure:"max_recovery_attempts"`
	Platforms           map[string]PlatformConfig `mapstructure:"platforms"`
}

// PlatformConfig overrides pool settings for one target platform
type PlatformConfig struct {
	MaxConcurrent    int               `mapstructure:"max_concurrent"`
	OperationTimeout time.Duration     `mapstructure:"operation_timeout"`
	Region           string            `mapstructure:"region"`
	Options          map[string]string `mapstructure:"options"`
}

// HealthConfig defines health probe thresholds
type HealthConfig struct {
	LatencyThreshold time.Duration `mapstructure:"latency_threshold"`
	MaxMemoryMB      float64       `mapstructure:"max_memory_mb"`
	MaxCPUPercent    float64       `mapstructure:"max_cpu_percent"`
}

// BudgetConfig defines spend limits and threshold tiers
type BudgetConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	DailyLimit         float64       `mapstructure:"daily_limit"`
	MonthlyLimit       float64       `mapstructure:"monthly_limit"`
	PerOperationLimit  float64       `mapstructure:"per_operation_limit"`
	WarningThreshold   float64       `mapstructure:"warning_threshold"`
	CriticalThreshold  float64       `mapstructure:"critical_threshold"`
	EmergencyThreshold float64       `mapstructure:"emergency_threshold"`
	StatusInterval     time.Duration `mapstructure:"status_interval"`
}

// CostConfig defines ledger anomaly detection and retention
type CostConfig struct {
	AnomalyMultiplier float64 `mapstructure:"anomaly_multiplier"`
	AnomalyWindow     int     `mapstructure:"anomaly_window"`
	RetentionDays     int     `mapstructure:"retention_days"`
	RetentionTime     string  `mapstructure:"retention_time"` // HH:MM
}

// OptimizerConfig defines strategy selection and intervention settings
type OptimizerConfig struct {
	CacheTTL             time.Duration `mapstructure:"cache_ttl"`
	CacheSize            int           `mapstructure:"cache_size"`
	CacheThreshold       float64       `mapstructure:"cache_threshold"`
	SearchWindow         time.Duration `mapstructure:"search_window"`
	DateToleranceDays    int           `mapstructure:"date_tolerance_days"`
	BurnWindow           time.Duration `mapstructure:"burn_window"`
	BatchWindow          time.Duration `mapstructure:"batch_window"`
	MaxDelay             time.Duration `mapstructure:"max_delay"`
	ModerateUtilization  float64       `mapstructure:"moderate_utilization"`
	InterventionDuration time.Duration `mapstructure:"intervention_duration"`
	CriticalTimeout      time.Duration `mapstructure:"critical_timeout"`
	EmergencyTimeout     time.Duration `mapstructure:"emergency_timeout"`
}

// AdminConfig defines admin API settings
type AdminConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Port        int    `mapstructure:"port"`
	BindAddress string `mapstructure:"bind_address"`
	APIToken    string `mapstructure:"api_token"`
	RateLimit   int    `mapstructure:"rate_limit"` // requests per minute
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v, err := newViper(configPath)
	if err != nil {
		return nil, err
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Settings returns the effective settings tree (file, environment and
// defaults merged) keyed by configuration key.
func Settings(configPath string) (map[string]any, error) {
	v, err := newViper(configPath)
	if err != nil {
		return nil, err
	}
	return v.AllSettings(), nil
}

func newViper(configPath string) (*viper.Viper, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetEnvPrefix("PRICEFLEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	return v, nil
}

// UnknownKeys returns the keys in the config file that no setting uses,
// sorted. Keys under pool.platforms are free-form and never reported.
func UnknownKeys(configPath string) ([]string, error) {
	file := viper.New()
	file.SetConfigFile(configPath)
	if err := file.ReadInConfig(); err != nil {
		return nil, err
	}

	known := viper.New()
	setDefaults(known)
	valid := make(map[string]bool)
	for _, key := range known.AllKeys() {
		valid[key] = true
	}

	unknown := []string{}
	for _, key := range file.AllKeys() {
		if valid[key] || strings.HasPrefix(key, "pool.platforms.") {
			continue
		}
		unknown = append(unknown, key)
	}
	sort.Strings(unknown)
	return unknown, nil
}

// Defaults returns the configuration produced by defaults alone.
func Defaults() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// DefaultSettings returns the settings tree produced by defaults alone.
func DefaultSettings() map[string]any {
	v := viper.New()
	setDefaults(v)
	return v.AllSettings()
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.bind_address", "0.0.0.0")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.timezone", "UTC")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Storage defaults
	v.SetDefault("storage.type", "redis")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 5)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")
	v.SetDefault("storage.sqlite.path", "/var/lib/pricefleet/pricefleet.db")

	// Provider defaults
	v.SetDefault("provider.type", "cdp")
	v.SetDefault("provider.endpoint", "")
	v.SetDefault("provider.api_key", "")
	v.SetDefault("provider.creation_cost", 0.01)
	v.SetDefault("provider.runtime_rate_per_hour", 0.05)
	v.SetDefault("provider.create_rate", 1.0)
	v.SetDefault("provider.create_burst", 2)
	v.SetDefault("provider.connect_timeout", "30s")
	v.SetDefault("provider.probe_timeout", "15s")

	// Pool defaults
	v.SetDefault("pool.max_sessions", 10)
	v.SetDefault("pool.default_platform_cap", 2)
	v.SetDefault("pool.session_ttl", "30m")
	v.SetDefault("pool.queue_timeout", "30s")
	v.SetDefault("pool.operation_timeout", "90s")
	v.SetDefault("pool.health_interval", "30s")
	v.SetDefault("pool.cleanup_interval", "1m")
	v.SetDefault("pool.metrics_interval", "15s")
	v.SetDefault("pool.max_recovery_attempts", 1)

	// Health defaults
	v.SetDefault("health.latency_threshold", "10s")
	v.SetDefault("health.max_memory_mb", 2048)
	v.SetDefault("health.max_cpu_percent", 90)

	// Budget defaults
	v.SetDefault("budget.enabled", true)
	v.SetDefault("budget.daily_limit", 10.0)
	v.SetDefault("budget.monthly_limit", 200.0)
	v.SetDefault("budget.per_operation_limit", 0.5)
	v.SetDefault("budget.warning_threshold", 0.8)
	v.SetDefault("budget.critical_threshold", 0.95)
	v.SetDefault("budget.emergency_threshold", 1.0)
	v.SetDefault("budget.status_interval", "30s")

	// Cost defaults
	v.SetDefault("cost.anomaly_multiplier", 2.0)
	v.SetDefault("cost.anomaly_window", 20)
	v.SetDefault("cost.retention_days", 90)
	v.SetDefault("cost.retention_time", "03:00")

	// Optimizer defaults
	v.SetDefault("optimizer.cache_ttl", "6h")
	v.SetDefault("optimizer.cache_size", 1000)
	v.SetDefault("optimizer.cache_threshold", 0.7)
	v.SetDefault("optimizer.search_window", "24h")
	v.SetDefault("optimizer.date_tolerance_days", 2)
	v.SetDefault("optimizer.burn_window", "1h")
	v.SetDefault("optimizer.batch_window", "2m")
	v.SetDefault("optimizer.max_delay", "1h")
	v.SetDefault("optimizer.moderate_utilization", 0.5)
	v.SetDefault("optimizer.intervention_duration", "15m")
	v.SetDefault("optimizer.critical_timeout", "45s")
	v.SetDefault("optimizer.emergency_timeout", "20s")

	// Admin defaults
	v.SetDefault("admin.enabled", true)
	v.SetDefault("admin.port", 8080)
	v.SetDefault("admin.bind_address", "127.0.0.1")
	v.SetDefault("admin.api_token", "")
	v.SetDefault("admin.rate_limit", 100)
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Server.MetricsPort <= 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Server.MetricsPort)
	}
	if _, err := time.LoadLocation(cfg.Server.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", cfg.Server.Timezone, err)
	}

	switch cfg.Storage.Type {
	case "redis":
		if cfg.Storage.Redis.Host == "" {
			return fmt.Errorf("storage.redis.host is required")
		}
	case "sqlite":
		if cfg.Storage.SQLite.Path == "" {
			return fmt.Errorf("storage.sqlite.path is required")
		}
		// Ensure storage directory exists
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.SQLite.Path), 0755); err != nil {
			return fmt.Errorf("failed to create storage directory: %w", err)
		}
	default:
		return fmt.Errorf("unsupported storage type: %q", cfg.Storage.Type)
	}

	if cfg.Provider.Type != "cdp" {
		return fmt.Errorf("unsupported provider type: %q", cfg.Provider.Type)
	}
	if cfg.Provider.CreationCost < 0 || cfg.Provider.RuntimeRatePerHour < 0 {
		return fmt.Errorf("provider costs must not be negative")
	}
	if cfg.Provider.CreateRate <= 0 {
		return fmt.Errorf("provider.create_rate must be positive")
	}

	if cfg.Pool.MaxSessions <= 0 {
		return fmt.Errorf("pool.max_sessions must be positive")
	}
	if cfg.Pool.DefaultPlatformCap <= 0 {
		return fmt.Errorf("pool.default_platform_cap must be positive")
	}
	for name, p := range cfg.Pool.Platforms {
		if p.MaxConcurrent < 0 {
			return fmt.Errorf("pool.platforms.%s.max_concurrent must not be negative", name)
		}
	}
	if cfg.Pool.SessionTTL <= 0 || cfg.Pool.QueueTimeout <= 0 || cfg.Pool.OperationTimeout <= 0 {
		return fmt.Errorf("pool session_ttl, queue_timeout and operation_timeout must be positive")
	}
	if cfg.Pool.MaxRecoveryAttempts < 0 {
		return fmt.Errorf("pool.max_recovery_attempts must not be negative")
	}

	b := cfg.Budget
	if b.Enabled {
		if b.DailyLimit <= 0 && b.MonthlyLimit <= 0 {
			return fmt.Errorf("budget requires a daily or monthly limit")
		}
		if !(b.WarningThreshold < b.CriticalThreshold && b.CriticalThreshold <= b.EmergencyThreshold) {
			return fmt.Errorf("budget thresholds must satisfy warning < critical <= emergency")
		}
	}

	if _, err := time.Parse("15:04", cfg.Cost.RetentionTime); err != nil {
		return fmt.Errorf("invalid cost.retention_time %q: %w", cfg.Cost.RetentionTime, err)
	}
	if cfg.Cost.AnomalyMultiplier <= 1 {
		return fmt.Errorf("cost.anomaly_multiplier must be greater than 1")
	}

	if cfg.Optimizer.CacheThreshold < 0 || cfg.Optimizer.CacheThreshold > 1 {
		return fmt.Errorf("optimizer.cache_threshold must be within [0,1]")
	}
	if cfg.Optimizer.MaxDelay < cfg.Optimizer.BatchWindow {
		return fmt.Errorf("optimizer.max_delay must be at least batch_window")
	}

	if cfg.Admin.Enabled && (cfg.Admin.Port <= 0 || cfg.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", cfg.Admin.Port)
	}

	return nil
}

// PlatformCap returns the per-platform concurrency cap.
func (p PoolConfig) PlatformCap(platform string) int {
	if pc, ok := p.Platforms[platform]; ok && pc.MaxConcurrent > 0 {
		return pc.MaxConcurrent
	}
	return p.DefaultPlatformCap
}

// PlatformTimeout returns the per-operation timeout for a platform.
func (p PoolConfig) PlatformTimeout(platform string) time.Duration {
	if pc, ok := p.Platforms[platform]; ok && pc.OperationTimeout > 0 {
		return pc.OperationTimeout
	}
	return p.OperationTimeout
}

// Location returns the timezone used for budget windows.
func (s ServerConfig) Location() *time.Location {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
