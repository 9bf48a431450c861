package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/sarathsp06/orderhook/internal/signature"
)

const envPrefix = "ORDERHOOK"

// Storage drivers
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

// StorageConfig selects where webhook events live
type StorageConfig struct {
	Driver      string `mapstructure:"driver"`
	DatabaseURL string `mapstructure:"database_url"`
	// MigrateOnStart applies pending migrations before serving.
	MigrateOnStart bool `mapstructure:"migrate_on_start"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
}

// Addr returns host:port
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ProcessingConfig tunes the engine's attempts and worker pool
type ProcessingConfig struct {
	MaxRetries    int           `mapstructure:"max_retries"`
	RetryBase     time.Duration `mapstructure:"retry_base"`
	RetryMaxDelay time.Duration `mapstructure:"retry_max_delay"`
	Timeout       time.Duration `mapstructure:"timeout"`
	LeaseGrace    time.Duration `mapstructure:"lease_grace"`
	PoolSize      int           `mapstructure:"pool_size"`
	QueueSize     int           `mapstructure:"queue_size"`
}

// QueueConfig holds River settings used with postgres storage
type QueueConfig struct {
	Name       string `mapstructure:"name"`
	MaxWorkers int    `mapstructure:"max_workers"`
}

// RetentionConfig drives the background cleanup of completed events
type RetentionConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	AgeHours int           `mapstructure:"age_hours"`
}

// TelemetryConfig holds OpenTelemetry exporter settings
type TelemetryConfig struct {
	ServiceName    string        `mapstructure:"service_name"`
	Environment    string        `mapstructure:"environment"`
	OTLPEndpoint   string        `mapstructure:"otlp_endpoint"`
	Insecure       bool          `mapstructure:"insecure"`
	EnableTracing  bool          `mapstructure:"enable_tracing"`
	EnableMetrics  bool          `mapstructure:"enable_metrics"`
	SampleRate     float64       `mapstructure:"sample_rate"`
	MetricInterval time.Duration `mapstructure:"metric_interval"`
}

// Config holds the application configuration
type Config struct {
	Debug      bool                       `mapstructure:"debug"`
	LogLevel   string                     `mapstructure:"log_level"`
	Storage    StorageConfig              `mapstructure:"storage"`
	Server     ServerConfig               `mapstructure:"server"`
	Processing ProcessingConfig           `mapstructure:"processing"`
	Queue      QueueConfig                `mapstructure:"queue"`
	Retention  RetentionConfig            `mapstructure:"retention"`
	Telemetry  TelemetryConfig            `mapstructure:"telemetry"`
	Platforms  []signature.PlatformConfig `mapstructure:"platforms"`
}

// Load reads config.yaml (or configFile), .env overlays from envPath and
// ORDERHOOK_* environment variables, in increasing precedence. The result is
// not validated; servers call Validate, tools that only need storage do not.
func Load(configFile string, envPath string) (*Config, error) {
	v := configureViper(configFile, envPath)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	applySecretOverrides(&cfg)
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("debug", false)
	v.SetDefault("log_level", "info")
	v.SetDefault("storage.driver", StorageMemory)
	v.SetDefault("storage.database_url", "postgres://localhost/orderhook?sslmode=disable")
	v.SetDefault("storage.migrate_on_start", false)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.max_body_bytes", 1<<20)
	v.SetDefault("processing.max_retries", 3)
	v.SetDefault("processing.retry_base", "1s")
	v.SetDefault("processing.retry_max_delay", "0s")
	v.SetDefault("processing.timeout", "30s")
	v.SetDefault("processing.lease_grace", "5s")
	v.SetDefault("processing.pool_size", 10)
	v.SetDefault("processing.queue_size", 1024)
	v.SetDefault("queue.name", "webhook_events")
	v.SetDefault("queue.max_workers", 10)
	v.SetDefault("retention.enabled", true)
	v.SetDefault("retention.interval", "1h")
	v.SetDefault("retention.age_hours", 72)
	v.SetDefault("telemetry.service_name", "orderhook")
	v.SetDefault("telemetry.environment", "development")
	v.SetDefault("telemetry.otlp_endpoint", "localhost:4318")
	v.SetDefault("telemetry.insecure", true)
	v.SetDefault("telemetry.enable_tracing", false)
	v.SetDefault("telemetry.enable_metrics", false)
	v.SetDefault("telemetry.sample_rate", 1.0)
	v.SetDefault("telemetry.metric_interval", "30s")
}

// Validate reports the first unusable setting
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case StorageMemory:
	case StoragePostgres:
		if c.Storage.DatabaseURL == "" {
			return errors.New("storage.database_url is required for postgres storage")
		}
	default:
		return fmt.Errorf("storage.driver must be %q or %q, got %q", StorageMemory, StoragePostgres, c.Storage.Driver)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", c.Server.Port)
	}
	if c.Processing.MaxRetries < 0 {
		return errors.New("processing.max_retries must not be negative")
	}
	if c.Processing.RetryBase <= 0 {
		return errors.New("processing.retry_base must be positive")
	}
	if c.Processing.Timeout <= 0 {
		return errors.New("processing.timeout must be positive")
	}
	if c.Retention.Enabled {
		if c.Retention.Interval <= 0 {
			return errors.New("retention.interval must be positive")
		}
		if c.Retention.AgeHours < 0 {
			return errors.New("retention.age_hours must not be negative")
		}
	}
	if len(c.Platforms) == 0 {
		return errors.New("at least one platform must be configured")
	}
	if _, err := c.Registry(); err != nil {
		return err
	}
	return nil
}

// Registry builds the signature registry from the platform list
func (c *Config) Registry() (*signature.Registry, error) {
	return signature.NewRegistry(c.Platforms...)
}

// applySecretOverrides lets ORDERHOOK_PLATFORM_<NAME>_SECRET_KEY replace a
// platform secret so secrets can stay out of config files.
func applySecretOverrides(cfg *Config) {
	for i := range cfg.Platforms {
		name := strings.ToUpper(strings.TrimSpace(cfg.Platforms[i].Platform))
		if name == "" {
			continue
		}
		key := fmt.Sprintf("%s_PLATFORM_%s_SECRET_KEY", envPrefix, strings.ReplaceAll(name, "-", "_"))
		if secret, ok := os.LookupEnv(key); ok && secret != "" {
			cfg.Platforms[i].SecretKey = secret
		}
	}
}

// configureViper returns a viper instance with the config file and environment variables set
func configureViper(configFile string, envPath string) *viper.Viper {
	v := viper.New()

	loadEnv(envPath)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("config/")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindAllEnvVars(v)
	return v
}

// bindAllEnvVars binds every scalar key so env-only deployments unmarshal
func bindAllEnvVars(v *viper.Viper) {
	keys := []string{
		"debug",
		"log_level",
		"storage.driver",
		"storage.database_url",
		"storage.migrate_on_start",
		"server.host",
		"server.port",
		"server.read_timeout",
		"server.write_timeout",
		"server.idle_timeout",
		"server.shutdown_timeout",
		"server.max_body_bytes",
		"processing.max_retries",
		"processing.retry_base",
		"processing.retry_max_delay",
		"processing.timeout",
		"processing.lease_grace",
		"processing.pool_size",
		"processing.queue_size",
		"queue.name",
		"queue.max_workers",
		"retention.enabled",
		"retention.interval",
		"retention.age_hours",
		"telemetry.service_name",
		"telemetry.environment",
		"telemetry.otlp_endpoint",
		"telemetry.insecure",
		"telemetry.enable_tracing",
		"telemetry.enable_metrics",
		"telemetry.sample_rate",
		"telemetry.metric_interval",
	}
	for _, key := range keys {
		_ = v.BindEnv(key)
	}
}

// loadEnv loads .env then .env.local from envPath, later files winning
func loadEnv(envPath string) {
	if envPath == "" {
		envPath = "config/"
	}
	for _, envFile := range []string{".env", ".env.local"} {
		_ = godotenv.Overload(filepath.Join(envPath, envFile))
	}
}
