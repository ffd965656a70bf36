package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete configuration for the crisis monitoring service
type Config struct {
	Environment   string              `mapstructure:"environment"`
	Debug         bool                `mapstructure:"debug"`
	Server        ServerConfig        `mapstructure:"server"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Detector      DetectorConfig      `mapstructure:"detector"`
	Crisis        CrisisConfig        `mapstructure:"crisis"`
	Metrics       MetricsConfig       `mapstructure:"metrics"`
	Analytics     AnalyticsConfig     `mapstructure:"analytics"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Scheduler     SchedulerConfig     `mapstructure:"scheduler"`
	Dashboard     DashboardConfig     `mapstructure:"dashboard"`
	Logging       LoggingConfig       `mapstructure:"logging"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	HTTPPort        int           `mapstructure:"http_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// RedisConfig contains Redis configuration for the archive store
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// DetectorConfig contains crisis indicator detector configuration
type DetectorConfig struct {
	ConfidenceThreshold float64 `mapstructure:"confidence_threshold"`
	DistressThreshold   float64 `mapstructure:"distress_threshold"`
}

// CrisisConfig contains crisis workflow configuration
type CrisisConfig struct {
	CriticalAckDeadline time.Duration `mapstructure:"critical_ack_deadline"`
	HighAckDeadline     time.Duration `mapstructure:"high_ack_deadline"`
	ModerateAckDeadline time.Duration `mapstructure:"moderate_ack_deadline"`
	MaxEscalationLevel  int           `mapstructure:"max_escalation_level"`
	HistoryLimit        int           `mapstructure:"history_limit"`
	RetiredRetention    time.Duration `mapstructure:"retired_retention"`
}

// MetricsConfig contains the metric store retention configuration
type MetricsConfig struct {
	RetentionHorizon time.Duration `mapstructure:"retention_horizon"`
	MaxPointsPerKey  int           `mapstructure:"max_points_per_key"`
}

// AnalyticsConfig contains analytics engine configuration
type AnalyticsConfig struct {
	ReportCacheTTL  time.Duration `mapstructure:"report_cache_ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	TrendEpsilon    float64       `mapstructure:"trend_epsilon"`
}

// NotificationsConfig contains practitioner notification dispatch configuration
type NotificationsConfig struct {
	WebhookURL      string        `mapstructure:"webhook_url"`
	WorkerCount     int           `mapstructure:"worker_count"`
	QueueSize       int           `mapstructure:"queue_size"`
	MaxRetries      int           `mapstructure:"max_retries"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	RateLimitPerMin int           `mapstructure:"rate_limit_per_min"`
}

// SchedulerConfig contains background sweep configuration
type SchedulerConfig struct {
	Enabled             bool   `mapstructure:"enabled"`
	EscalationSchedule  string `mapstructure:"escalation_schedule"`
	RetentionSchedule   string `mapstructure:"retention_schedule"`
	HealthCheckSchedule string `mapstructure:"health_check_schedule"`
}

// DashboardConfig contains dashboard aggregation configuration
type DashboardConfig struct {
	SnapshotInterval  time.Duration `mapstructure:"snapshot_interval"`
	ObserverQueueSize int           `mapstructure:"observer_queue_size"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables
func Load() (*Config, error) {
	setDefaults()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/crisis-sentinel")

	viper.SetEnvPrefix("CRISIS_SENTINEL")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// Config file is optional; defaults plus env vars are enough
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration consistency
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid http port: %d", c.Server.HTTPPort)
	}
	if c.Detector.ConfidenceThreshold <= 0 || c.Detector.ConfidenceThreshold > 1 {
		return fmt.Errorf("detector confidence threshold must be in (0,1]: %f", c.Detector.ConfidenceThreshold)
	}
	if c.Detector.DistressThreshold < 0 || c.Detector.DistressThreshold > 1 {
		return fmt.Errorf("detector distress threshold must be in [0,1]: %f", c.Detector.DistressThreshold)
	}
	if c.Crisis.CriticalAckDeadline <= 0 {
		return fmt.Errorf("critical ack deadline must be positive")
	}
	if c.Crisis.CriticalAckDeadline > c.Crisis.HighAckDeadline {
		return fmt.Errorf("critical ack deadline must not exceed high ack deadline")
	}
	if c.Crisis.RetiredRetention <= 0 {
		return fmt.Errorf("crisis retired retention must be positive")
	}
	if c.Metrics.RetentionHorizon <= 0 {
		return fmt.Errorf("metrics retention horizon must be positive")
	}
	if c.Analytics.ReportCacheTTL <= 0 {
		return fmt.Errorf("analytics report cache ttl must be positive")
	}
	if c.Notifications.WorkerCount <= 0 {
		return fmt.Errorf("notification worker count must be positive")
	}
	if c.Notifications.QueueSize <= 0 {
		return fmt.Errorf("notification queue size must be positive")
	}
	return nil
}

func setDefaults() {
	// General
	viper.SetDefault("environment", "development")
	viper.SetDefault("debug", false)

	// Server
	viper.SetDefault("server.http_port", 8087)
	viper.SetDefault("server.read_timeout", "15s")
	viper.SetDefault("server.write_timeout", "15s")
	viper.SetDefault("server.shutdown_timeout", "30s")

	// Redis
	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 10)

	// Detector
	viper.SetDefault("detector.confidence_threshold", 0.3)
	viper.SetDefault("detector.distress_threshold", 0.8)

	// Crisis workflow
	viper.SetDefault("crisis.critical_ack_deadline", "5m")
	viper.SetDefault("crisis.high_ack_deadline", "30m")
	viper.SetDefault("crisis.moderate_ack_deadline", "4h")
	viper.SetDefault("crisis.max_escalation_level", 3)
	viper.SetDefault("crisis.history_limit", 1000)
	viper.SetDefault("crisis.retired_retention", "24h")

	// Metric store
	viper.SetDefault("metrics.retention_horizon", "24h")
	viper.SetDefault("metrics.max_points_per_key", 10000)

	// Analytics
	viper.SetDefault("analytics.report_cache_ttl", "5m")
	viper.SetDefault("analytics.cleanup_interval", "10m")
	viper.SetDefault("analytics.trend_epsilon", 0.05)

	// Notifications
	viper.SetDefault("notifications.webhook_url", "")
	viper.SetDefault("notifications.worker_count", 4)
	viper.SetDefault("notifications.queue_size", 256)
	viper.SetDefault("notifications.max_retries", 3)
	viper.SetDefault("notifications.retry_delay", "5s")
	viper.SetDefault("notifications.request_timeout", "10s")
	viper.SetDefault("notifications.rate_limit_per_min", 120)

	// Scheduler
	viper.SetDefault("scheduler.enabled", true)
	viper.SetDefault("scheduler.escalation_schedule", "*/10 * * * * *")
	viper.SetDefault("scheduler.retention_schedule", "0 */5 * * * *")
	viper.SetDefault("scheduler.health_check_schedule", "0 * * * * *")

	// Dashboard
	viper.SetDefault("dashboard.snapshot_interval", "15s")
	viper.SetDefault("dashboard.observer_queue_size", 64)

	// Logging
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "text")
}
