package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds the application configuration
type Config struct {
	Server     ServerConfig     `json:"server"`
	Redis      RedisConfig      `json:"redis"`
	Logging    LoggingConfig    `json:"logging"`
	Metrics    MetricsConfig    `json:"metrics"`
	Tracing    TracingConfig    `json:"tracing"`
	Container  ContainerConfig  `json:"container"`
	Recovery   RecoveryConfig   `json:"recovery"`
	Monitoring MonitoringConfig `json:"monitoring"`
}

// ServerConfig contains the ops HTTP server configuration
type ServerConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port" validate:"min=1,max=65535"`
	ReadTimeout  time.Duration `json:"read_timeout" validate:"gt=0"`
	WriteTimeout time.Duration `json:"write_timeout" validate:"gt=0"`
	IdleTimeout  time.Duration `json:"idle_timeout" validate:"gt=0"`

	// AllowedOrigins lists the browser origins allowed to call the ops API
	AllowedOrigins []string `json:"allowed_origins" validate:"dive,required"`
}

// RedisConfig contains Redis connection configuration
type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port" validate:"min=1,max=65535"`
	Password string `json:"password"`
	DB       int    `json:"db" validate:"min=0"`
	PoolSize int    `json:"pool_size" validate:"min=1"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level" validate:"oneof=trace debug info warn warning error fatal panic"`
	Format string `json:"format" validate:"oneof=json text"`
	Output string `json:"output" validate:"required"`
}

// MetricsConfig controls the prometheus registry
type MetricsConfig struct {
	Enabled   bool   `json:"enabled"`
	Namespace string `json:"namespace" validate:"required"`
}

// TracingConfig controls OpenTelemetry export
type TracingConfig struct {
	Enabled        bool    `json:"enabled"`
	ServiceName    string  `json:"service_name" validate:"required"`
	JaegerEndpoint string  `json:"jaeger_endpoint"`
	SampleRate     float64 `json:"sample_rate" validate:"min=0,max=1"`
}

// ContainerConfig describes how per-project containers are provisioned
type ContainerConfig struct {
	Binary         string        `json:"binary" validate:"required"`
	Image          string        `json:"image" validate:"required"`
	NamePrefix     string        `json:"name_prefix" validate:"required"`
	WorkDir        string        `json:"work_dir" validate:"required,startswith=/"`
	DefaultTimeout time.Duration `json:"default_timeout" validate:"gt=0"`
	MemoryLimit    string        `json:"memory_limit"`
	CPULimit       string        `json:"cpu_limit"`
}

// RecoveryConfig holds the default retry, breaker and fallback policy
type RecoveryConfig struct {
	MaxAttempts      int           `json:"max_attempts" validate:"min=1"`
	BaseDelay        time.Duration `json:"base_delay" validate:"min=0"`
	MaxDelay         time.Duration `json:"max_delay" validate:"gtefield=BaseDelay"`
	Multiplier       float64       `json:"multiplier" validate:"gte=1"`
	Jitter           bool          `json:"jitter"`
	Strategy         string        `json:"strategy" validate:"oneof=exponential linear fixed immediate"`
	FailureThreshold int           `json:"failure_threshold" validate:"min=1"`
	RecoveryTimeout  time.Duration `json:"recovery_timeout" validate:"gt=0"`
	SuccessThreshold int           `json:"success_threshold" validate:"min=1"`
	CallTimeout      time.Duration `json:"call_timeout" validate:"min=0"`
	FallbackBackend  string        `json:"fallback_backend" validate:"oneof=memory redis"`
	FallbackCacheTTL time.Duration `json:"fallback_cache_ttl" validate:"gt=0"`
}

// MonitoringConfig controls metric windows and alert dispatch
type MonitoringConfig struct {
	WindowDuration  time.Duration `json:"window_duration" validate:"gt=0"`
	MaxSamples      int           `json:"max_samples" validate:"min=1"`
	HistoryLimit    int           `json:"history_limit" validate:"min=1"`
	CollectInterval time.Duration `json:"collect_interval" validate:"gt=0"`
	AlertRateLimit  time.Duration `json:"alert_rate_limit" validate:"min=0"`

	// Optional alert destinations besides the log
	AlertWebhookURL string `json:"alert_webhook_url" validate:"omitempty,url"`
	SlackWebhookURL string `json:"slack_webhook_url" validate:"omitempty,url"`
	SlackChannel    string `json:"slack_channel"`
}

// Load reads an optional .env file and then the environment.
func Load() (*Config, error) {
	return LoadFiles(".env")
}

// LoadFiles loads the given dotenv files (missing files are ignored) and
// builds the configuration from environment variables with defaults.
// Variables already present in the environment are never overwritten.
func LoadFiles(files ...string) (*Config, error) {
	for _, file := range files {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", file, err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Host:         getEnvString("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8090),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 120*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),

			AllowedOrigins: getEnvStringSlice("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		},
		Redis: RedisConfig{
			Host:     getEnvString("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnvString("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 10),
		},
		Logging: LoggingConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "json"),
			Output: getEnvString("LOG_OUTPUT", "stdout"),
		},
		Metrics: MetricsConfig{
			Enabled:   getEnvBool("METRICS_ENABLED", true),
			Namespace: getEnvString("METRICS_NAMESPACE", "clarity"),
		},
		Tracing: TracingConfig{
			Enabled:        getEnvBool("TRACING_ENABLED", false),
			ServiceName:    getEnvString("TRACING_SERVICE_NAME", "clarity-runner"),
			JaegerEndpoint: getEnvString("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
			SampleRate:     getEnvFloat("TRACING_SAMPLE_RATE", 0.1),
		},
		Container: ContainerConfig{
			Binary:         getEnvString("CONTAINER_BINARY", "docker"),
			Image:          getEnvString("CONTAINER_IMAGE", "node:20-bookworm"),
			NamePrefix:     getEnvString("CONTAINER_NAME_PREFIX", "clarity"),
			WorkDir:        getEnvString("CONTAINER_WORK_DIR", "/workspace"),
			DefaultTimeout: getEnvDuration("CONTAINER_DEFAULT_TIMEOUT", 30*time.Second),
			MemoryLimit:    getEnvString("CONTAINER_MEMORY_LIMIT", "2g"),
			CPULimit:       getEnvString("CONTAINER_CPU_LIMIT", "2"),
		},
		Recovery: RecoveryConfig{
			MaxAttempts:      getEnvInt("RECOVERY_MAX_ATTEMPTS", 3),
			BaseDelay:        getEnvDuration("RECOVERY_BASE_DELAY", time.Second),
			MaxDelay:         getEnvDuration("RECOVERY_MAX_DELAY", 60*time.Second),
			Multiplier:       getEnvFloat("RECOVERY_MULTIPLIER", 2.0),
			Jitter:           getEnvBool("RECOVERY_JITTER", true),
			Strategy:         strings.ToLower(getEnvString("RECOVERY_STRATEGY", "exponential")),
			FailureThreshold: getEnvInt("CIRCUIT_FAILURE_THRESHOLD", 5),
			RecoveryTimeout:  getEnvDuration("CIRCUIT_RECOVERY_TIMEOUT", 60*time.Second),
			SuccessThreshold: getEnvInt("CIRCUIT_SUCCESS_THRESHOLD", 3),
			CallTimeout:      getEnvDuration("CIRCUIT_CALL_TIMEOUT", 30*time.Second),
			FallbackBackend:  strings.ToLower(getEnvString("FALLBACK_BACKEND", "memory")),
			FallbackCacheTTL: getEnvDuration("FALLBACK_CACHE_TTL", 5*time.Minute),
		},
		Monitoring: MonitoringConfig{
			WindowDuration:  getEnvDuration("MONITORING_WINDOW", 300*time.Second),
			MaxSamples:      getEnvInt("MONITORING_MAX_SAMPLES", 1000),
			HistoryLimit:    getEnvInt("MONITORING_HISTORY_LIMIT", 1000),
			CollectInterval: getEnvDuration("MONITORING_COLLECT_INTERVAL", 30*time.Second),
			AlertRateLimit:  getEnvDuration("MONITORING_ALERT_RATE_LIMIT", 5*time.Minute),

			AlertWebhookURL: getEnvString("ALERT_WEBHOOK_URL", ""),
			SlackWebhookURL: getEnvString("SLACK_WEBHOOK_URL", ""),
			SlackChannel:    getEnvString("SLACK_CHANNEL", ""),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

var validate = validator.New()

// An execution request holds its response open for container setup plus
// two attempts at the default timeout.
const (
	executionAttempts = 2
	setupMargin       = 30 * time.Second
)

// MinWriteTimeout is the shortest server write timeout that still lets a
// bounded execution at the default container timeout send its result.
func (c *Config) MinWriteTimeout() time.Duration {
	return executionAttempts*c.Container.DefaultTimeout + setupMargin
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Tracing.Enabled && c.Tracing.JaegerEndpoint == "" {
		return fmt.Errorf("jaeger endpoint is required when tracing is enabled")
	}
	if need := c.MinWriteTimeout(); c.Server.WriteTimeout < need {
		return fmt.Errorf("server write timeout %s is shorter than %s needed for a bounded execution", c.Server.WriteTimeout, need)
	}
	return nil
}

// RedisAddr returns the host:port pair for the Redis client
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// ServerAddr returns the listen address for the ops server
func (c *Config) ServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
