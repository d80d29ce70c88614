// Package config loads orchestrator configuration from environment
// variables with a CHAINHOOK_ prefix.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/chainhook/chainhook/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Broker configuration
	Broker BrokerConfig

	// Storage configuration
	Storage StorageConfig

	// Delivery configuration
	Delivery DeliveryConfig

	// Observability configuration
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
}

// BrokerConfig holds AMQP connection configuration
type BrokerConfig struct {
	URL            string
	ConnectRetries int
	ConnectDelay   time.Duration
}

// StorageConfig holds subscription store and cache configuration
type StorageConfig struct {
	PostgresURL      string
	PostgresMaxConns int
	RedisURL         string
	CacheTTL         time.Duration
}

// DeliveryConfig holds webhook delivery retry configuration
type DeliveryConfig struct {
	MaxRetries  int
	BackoffBase int
	Timeout     time.Duration
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel observability.LogLevel

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("CHAINHOOK_HOST", "0.0.0.0"),
			Port:            getEnv("CHAINHOOK_PORT", "8080"),
			ReadTimeout:     getEnvDuration("CHAINHOOK_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("CHAINHOOK_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("CHAINHOOK_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("CHAINHOOK_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Broker: BrokerConfig{
			URL:            getEnv("CHAINHOOK_AMQP_URL", ""),
			ConnectRetries: getEnvInt("CHAINHOOK_CONNECT_RETRIES", 15),
			ConnectDelay:   getEnvDuration("CHAINHOOK_CONNECT_DELAY", 3*time.Second),
		},
		Storage: StorageConfig{
			PostgresURL:      getEnv("CHAINHOOK_POSTGRES_URL", ""),
			PostgresMaxConns: getEnvInt("CHAINHOOK_POSTGRES_MAX_CONNS", 10),
			RedisURL:         getEnv("CHAINHOOK_REDIS_URL", ""),
			CacheTTL:         getEnvDuration("CHAINHOOK_CACHE_TTL", time.Hour),
		},
		Delivery: DeliveryConfig{
			MaxRetries:  getEnvInt("CHAINHOOK_MAX_RETRY_ATTEMPTS", 5),
			BackoffBase: getEnvInt("CHAINHOOK_RETRY_BACKOFF_BASE", 2),
			Timeout:     getEnvDuration("CHAINHOOK_WEBHOOK_TIMEOUT", 30*time.Second),
		},
		Observability: ObservabilityConfig{
			LogLevel:           parseLogLevel(getEnv("CHAINHOOK_LOG_LEVEL", "info")),
			OTelEnabled:        getEnvBool("CHAINHOOK_OTEL_ENABLED", false),
			OTelEndpoint:       getEnv("CHAINHOOK_OTEL_ENDPOINT", "localhost:4317"),
			OTelServiceName:    getEnv("CHAINHOOK_OTEL_SERVICE_NAME", "chainhook-orchestrator"),
			OTelServiceVersion: getEnv("CHAINHOOK_OTEL_SERVICE_VERSION", "1.0.0"),
			OTelInsecure:       getEnvBool("CHAINHOOK_OTEL_INSECURE", true),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Broker.URL == "" {
		return fmt.Errorf("AMQP URL is required")
	}
	if c.Broker.ConnectRetries <= 0 {
		return fmt.Errorf("broker connect retries must be positive")
	}
	if c.Storage.PostgresURL == "" {
		return fmt.Errorf("postgres URL is required")
	}
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Delivery.MaxRetries <= 0 {
		return fmt.Errorf("delivery max retries must be positive")
	}
	if c.Delivery.BackoffBase < 1 {
		return fmt.Errorf("delivery backoff base must be at least 1")
	}
	if c.Delivery.Timeout <= 0 {
		return fmt.Errorf("delivery timeout must be positive")
	}
	if c.Observability.OTelEnabled && c.Observability.OTelEndpoint == "" {
		return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
	}
	return nil
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
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
