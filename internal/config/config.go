package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config represents the application configuration.
type Config struct {
	Server    ServerConfig
	Coord     CoordinatorConfig
	Log       LogConfig
	RateLimit RateLimitConfig
	Tracing   TracingConfig
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Host string
	Port int
}

// CoordinatorConfig carries the spec's own knobs: whether to run against a
// working copy already checked out at RootDir ("useRootDir"), the root
// directory itself, and the interval of each background loop.
type CoordinatorConfig struct {
	UseRootDir           bool
	RootDir              string
	SnapshotPollInterval time.Duration
	WeightsInterval      time.Duration
	ReportInterval       time.Duration
	AutosaveInterval     time.Duration
	LocalIdleSleep       time.Duration
	MaxSnapshots         int
	MaxSnapshotAge       time.Duration
	CheckpointPath       string
}

// LogConfig contains logging configuration.
type LogConfig struct {
	Level  string
	Format string
}

// RateLimitConfig contains rate limiting configuration. IP-only: there are
// no authenticated reporting clients in this coordinator.
type RateLimitConfig struct {
	Enabled         bool
	RequestsPerSec  float64
	Burst           int
	CleanupInterval time.Duration
}

// TracingConfig contains OpenTelemetry tracing configuration.
type TracingConfig struct {
	Enabled        bool
	Endpoint       string
	ServiceName    string
	ServiceVersion string
	Environment    string
	SamplingRatio  float64
	InsecureConn   bool
}

// Load loads configuration from environment variables with defaults.
func Load() (*Config, error) {
	config := &Config{
		Server: ServerConfig{
			Host: getEnvString("CT_HOST", ""),
			Port: getEnvInt("CT_PORT", 45366),
		},
		Coord: CoordinatorConfig{
			UseRootDir:           getEnvBool("CT_USE_ROOT_DIR", false),
			RootDir:              getEnvString("CT_ROOT_DIR", "."),
			SnapshotPollInterval: getEnvDuration("CT_SNAPSHOT_POLL_INTERVAL", time.Second),
			WeightsInterval:      getEnvDuration("CT_WEIGHTS_INTERVAL", 30*time.Second),
			ReportInterval:       getEnvDuration("CT_REPORT_INTERVAL", 5*time.Second),
			AutosaveInterval:     getEnvDuration("CT_AUTOSAVE_INTERVAL", 5*time.Minute),
			LocalIdleSleep:       getEnvDuration("CT_LOCAL_IDLE_SLEEP", time.Second),
			MaxSnapshots:         getEnvInt("CT_MAX_SNAPSHOTS", 70),
			MaxSnapshotAge:       getEnvDuration("CT_MAX_SNAPSHOT_AGE", 48*time.Hour),
			CheckpointPath:       getEnvString("CT_CHECKPOINT_PATH", "./ct-checkpoint.json"),
		},
		Log: LogConfig{
			Level:  getEnvString("CT_LOG_LEVEL", "info"),
			Format: getEnvString("CT_LOG_FORMAT", "text"),
		},
		RateLimit: RateLimitConfig{
			Enabled:         getEnvBool("CT_RATE_LIMIT_ENABLED", true),
			RequestsPerSec:  getEnvFloat("CT_RATE_LIMIT_REQUESTS_PER_SEC", 50.0),
			Burst:           getEnvInt("CT_RATE_LIMIT_BURST", 20),
			CleanupInterval: getEnvDuration("CT_RATE_LIMIT_CLEANUP", 5*time.Minute),
		},
		Tracing: TracingConfig{
			Enabled:        getEnvBool("CT_TRACING_ENABLED", false),
			Endpoint:       getEnvString("CT_TRACING_ENDPOINT", "otel-collector:4318"),
			ServiceName:    getEnvString("CT_TRACING_SERVICE_NAME", "aquaserver"),
			ServiceVersion: getEnvString("CT_TRACING_SERVICE_VERSION", "1.0.0"),
			Environment:    getEnvString("CT_TRACING_ENVIRONMENT", "development"),
			SamplingRatio:  getEnvFloat("CT_TRACING_SAMPLING_RATIO", 1.0),
			InsecureConn:   getEnvBool("CT_TRACING_INSECURE", true),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", c.Server.Port)
	}

	if c.Coord.RootDir == "" {
		return fmt.Errorf("root directory must be specified")
	}

	if c.Coord.SnapshotPollInterval <= 0 {
		return fmt.Errorf("invalid snapshot poll interval: %v (must be positive)", c.Coord.SnapshotPollInterval)
	}

	if c.Coord.WeightsInterval <= 0 {
		return fmt.Errorf("invalid weights interval: %v (must be positive)", c.Coord.WeightsInterval)
	}

	if c.Coord.ReportInterval <= 0 {
		return fmt.Errorf("invalid report interval: %v (must be positive)", c.Coord.ReportInterval)
	}

	if c.Coord.AutosaveInterval <= 0 {
		return fmt.Errorf("invalid autosave interval: %v (must be positive)", c.Coord.AutosaveInterval)
	}

	if c.Coord.LocalIdleSleep <= 0 {
		return fmt.Errorf("invalid local idle sleep: %v (must be positive)", c.Coord.LocalIdleSleep)
	}

	if c.Coord.MaxSnapshots <= 0 {
		return fmt.Errorf("invalid max snapshots: %d (must be positive)", c.Coord.MaxSnapshots)
	}

	if c.Coord.CheckpointPath == "" {
		return fmt.Errorf("checkpoint path must be specified")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Log.Level)
	}

	validLogFormats := map[string]bool{
		"text": true,
		"json": true,
	}
	if !validLogFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Log.Format)
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.RequestsPerSec <= 0 {
			return fmt.Errorf("rate limit requests per second must be positive")
		}
		if c.RateLimit.Burst <= 0 {
			return fmt.Errorf("rate limit burst must be positive")
		}
	}

	if c.Tracing.Enabled {
		if c.Tracing.Endpoint == "" {
			return fmt.Errorf("tracing endpoint must be specified when tracing is enabled")
		}
		if c.Tracing.SamplingRatio < 0 || c.Tracing.SamplingRatio > 1 {
			return fmt.Errorf("tracing sampling ratio must be between 0 and 1")
		}
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *Config) Address() string {
	if c.Server.Host == "" {
		return fmt.Sprintf(":%d", c.Server.Port)
	}
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// getEnvString gets a string environment variable with a default value.
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer environment variable with a default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvDuration gets a duration environment variable with a default value.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvBool gets a boolean environment variable with a default value.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvFloat gets a float environment variable with a default value.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}
