package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/hostplane/pkg/audit"
	"github.com/platinummonkey/hostplane/pkg/store/postgres"
	"github.com/platinummonkey/hostplane/pkg/tiers"
)

// Storage backends
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Storage       StorageConfig
	Redis         RedisConfig
	Billing       BillingConfig
	Usage         UsageConfig
	Instances     InstancesConfig
	Audit         AuditConfig
	Sweeper       SweeperConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string

	// Per-account limit on tenant API calls. Zero disables limiting.
	RateLimitPerMinute int
	RateLimitBurst     int
	MaxBodyBytes       int64
}

// StorageConfig selects and sizes the repository
type StorageConfig struct {
	Type     string
	Postgres postgres.Config
	// TierFile optionally overrides the built-in tier table
	TierFile string
}

// RedisConfig configures the sweeper lease lock. An empty URL runs sweeps
// without a lock.
type RedisConfig struct {
	URL string
}

// BillingConfig holds webhook settings
type BillingConfig struct {
	WebhookSecret    string
	SignatureMaxAge  time.Duration
	Prices           tiers.PriceMap
	MaxAttempts      int
	Workers          int
	QueueSize        int
	ProcessedCache   int
	ProcessedTTL     time.Duration
	ReconcileBatch   int
	ProcessTimeout   time.Duration
	AllowUnsignedDev bool
}

// UsageConfig holds metering settings
type UsageConfig struct {
	Retention time.Duration
}

// InstancesConfig holds lifecycle settings
type InstancesConfig struct {
	AutoPauseAfter time.Duration
}

// AuditConfig holds audit retention and archive settings. Archiving is
// enabled when S3.Bucket is set.
type AuditConfig struct {
	Retention     time.Duration
	ArchivePrefix string
	Async         bool
	// MirrorToLog also writes every entry to the process log
	MirrorToLog bool
	S3          audit.S3Config
}

// SweeperConfig holds cron schedules
type SweeperConfig struct {
	Enabled            bool
	AutoPauseSchedule  string
	UptimeSchedule     string
	UsagePurgeSchedule string
	AuditPurgeSchedule string
	ReconcileSchedule  string
	LockTTL            time.Duration
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel string
	LogJSON  bool

	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	billing, err := loadBillingConfig()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server:        loadServerConfig(),
		Storage:       loadStorageConfig(),
		Redis:         RedisConfig{URL: getEnv("HOSTPLANE_REDIS_URL", "")},
		Billing:       billing,
		Usage:         UsageConfig{Retention: getEnvDays("HOSTPLANE_USAGE_RETENTION_DAYS", 365)},
		Instances:     InstancesConfig{AutoPauseAfter: getEnvDuration("HOSTPLANE_AUTO_PAUSE_AFTER", 7*24*time.Hour)},
		Audit:         loadAuditConfig(),
		Sweeper:       loadSweeperConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("HOSTPLANE_HOST", "0.0.0.0"),
		Port:            getEnv("HOSTPLANE_PORT", "8080"),
		ReadTimeout:     getEnvDuration("HOSTPLANE_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("HOSTPLANE_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("HOSTPLANE_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("HOSTPLANE_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("HOSTPLANE_HEALTH_PORT", "9090"),

		RateLimitPerMinute: getEnvInt("HOSTPLANE_RATE_LIMIT_PER_MINUTE", 600),
		RateLimitBurst:     getEnvInt("HOSTPLANE_RATE_LIMIT_BURST", 60),
		MaxBodyBytes:       int64(getEnvInt("HOSTPLANE_MAX_BODY_BYTES", 1<<20)),
	}
}

func loadStorageConfig() StorageConfig {
	return StorageConfig{
		Type: strings.ToLower(getEnv("HOSTPLANE_STORAGE_TYPE", StorageMemory)),
		Postgres: postgres.Config{
			URL:             getEnv("HOSTPLANE_POSTGRES_URL", ""),
			MaxOpenConns:    getEnvInt("HOSTPLANE_POSTGRES_MAX_CONNS", 20),
			MaxIdleConns:    getEnvInt("HOSTPLANE_POSTGRES_MIN_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("HOSTPLANE_POSTGRES_CONN_LIFETIME", 30*time.Minute),
			ConnectTimeout:  getEnvDuration("HOSTPLANE_POSTGRES_TIMEOUT", 10*time.Second),
		},
		TierFile: getEnv("HOSTPLANE_TIER_FILE", ""),
	}
}

func loadBillingConfig() (BillingConfig, error) {
	prices, err := tiers.ParsePriceMap(getEnv("HOSTPLANE_PRICE_TIERS", ""))
	if err != nil {
		return BillingConfig{}, fmt.Errorf("invalid HOSTPLANE_PRICE_TIERS: %w", err)
	}
	return BillingConfig{
		WebhookSecret:    getEnv("HOSTPLANE_WEBHOOK_SECRET", ""),
		SignatureMaxAge:  getEnvDuration("HOSTPLANE_WEBHOOK_TOLERANCE", 5*time.Minute),
		Prices:           prices,
		MaxAttempts:      getEnvInt("HOSTPLANE_WEBHOOK_MAX_ATTEMPTS", 5),
		Workers:          getEnvInt("HOSTPLANE_WEBHOOK_WORKERS", 4),
		QueueSize:        getEnvInt("HOSTPLANE_WEBHOOK_QUEUE_SIZE", 256),
		ProcessedCache:   getEnvInt("HOSTPLANE_WEBHOOK_CACHE_SIZE", 10000),
		ProcessedTTL:     getEnvDuration("HOSTPLANE_WEBHOOK_CACHE_TTL", time.Hour),
		ReconcileBatch:   getEnvInt("HOSTPLANE_WEBHOOK_RECONCILE_BATCH", 100),
		ProcessTimeout:   getEnvDuration("HOSTPLANE_WEBHOOK_TIMEOUT", 30*time.Second),
		AllowUnsignedDev: getEnvBool("HOSTPLANE_WEBHOOK_ALLOW_UNSIGNED", false),
	}, nil
}

func loadAuditConfig() AuditConfig {
	return AuditConfig{
		Retention:     getEnvDays("HOSTPLANE_AUDIT_RETENTION_DAYS", 730),
		ArchivePrefix: getEnv("HOSTPLANE_AUDIT_ARCHIVE_PREFIX", "audit"),
		Async:         getEnvBool("HOSTPLANE_AUDIT_ASYNC", true),
		MirrorToLog:   getEnvBool("HOSTPLANE_AUDIT_LOG", false),
		S3: audit.S3Config{
			Bucket:       getEnv("HOSTPLANE_AUDIT_S3_BUCKET", ""),
			Region:       getEnv("HOSTPLANE_AUDIT_S3_REGION", "us-east-1"),
			Endpoint:     getEnv("HOSTPLANE_AUDIT_S3_ENDPOINT", ""),
			AccessKey:    getEnv("HOSTPLANE_AUDIT_S3_ACCESS_KEY", ""),
			SecretKey:    getEnv("HOSTPLANE_AUDIT_S3_SECRET_KEY", ""),
			UsePathStyle: getEnvBool("HOSTPLANE_AUDIT_S3_USE_PATH_STYLE", false),
		},
	}
}

func loadSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Enabled:            getEnvBool("HOSTPLANE_SWEEPER_ENABLED", true),
		AutoPauseSchedule:  getEnv("HOSTPLANE_SWEEP_AUTO_PAUSE", "@every 1h"),
		UptimeSchedule:     getEnv("HOSTPLANE_SWEEP_UPTIME", "*/5 * * * *"),
		UsagePurgeSchedule: getEnv("HOSTPLANE_SWEEP_USAGE_PURGE", "@daily"),
		AuditPurgeSchedule: getEnv("HOSTPLANE_SWEEP_AUDIT_PURGE", "@daily"),
		ReconcileSchedule:  getEnv("HOSTPLANE_SWEEP_RECONCILE", "@every 1m"),
		LockTTL:            getEnvDuration("HOSTPLANE_SWEEP_LOCK_TTL", 10*time.Minute),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           strings.ToLower(getEnv("HOSTPLANE_LOG_LEVEL", "info")),
		LogJSON:            getEnvBool("HOSTPLANE_LOG_JSON", true),
		MetricsEnabled:     getEnvBool("HOSTPLANE_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("HOSTPLANE_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("HOSTPLANE_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("HOSTPLANE_OTEL_SERVICE_NAME", "hostplane"),
		OTelServiceVersion: getEnv("HOSTPLANE_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("HOSTPLANE_OTEL_INSECURE", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}
	if c.Server.RateLimitPerMinute < 0 || c.Server.RateLimitBurst < 0 {
		return fmt.Errorf("rate limits must not be negative")
	}
	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("max body bytes must be positive")
	}

	switch c.Storage.Type {
	case StorageMemory:
	case StoragePostgres:
		if c.Storage.Postgres.URL == "" {
			return fmt.Errorf("postgres URL is required for postgres storage")
		}
	default:
		return fmt.Errorf("invalid storage type: %s (must be memory or postgres)", c.Storage.Type)
	}

	if c.Billing.WebhookSecret == "" && !c.Billing.AllowUnsignedDev {
		return fmt.Errorf("webhook secret is required")
	}
	if c.Billing.MaxAttempts < 1 {
		return fmt.Errorf("webhook max attempts must be at least 1")
	}
	if c.Billing.Workers < 1 || c.Billing.QueueSize < 1 {
		return fmt.Errorf("webhook workers and queue size must be positive")
	}

	if c.Usage.Retention <= 0 {
		return fmt.Errorf("usage retention must be positive")
	}
	if c.Audit.Retention <= 0 {
		return fmt.Errorf("audit retention must be positive")
	}
	if c.Instances.AutoPauseAfter <= 0 {
		return fmt.Errorf("auto-pause window must be positive")
	}

	if c.Sweeper.Enabled {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		for name, spec := range c.Sweeper.Schedules() {
			if _, err := parser.Parse(spec); err != nil {
				return fmt.Errorf("invalid %s schedule %q: %w", name, spec, err)
			}
		}
		if c.Sweeper.LockTTL <= 0 {
			return fmt.Errorf("sweeper lock TTL must be positive")
		}
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// Schedules returns the cron spec of every sweep job by job name
func (s SweeperConfig) Schedules() map[string]string {
	return map[string]string{
		"auto_pause":  s.AutoPauseSchedule,
		"uptime":      s.UptimeSchedule,
		"usage_purge": s.UsagePurgeSchedule,
		"audit_purge": s.AuditPurgeSchedule,
		"reconcile":   s.ReconcileSchedule,
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvDays reads a whole number of days
func getEnvDays(key string, defaultDays int) time.Duration {
	return time.Duration(getEnvInt(key, defaultDays)) * 24 * time.Hour
}
