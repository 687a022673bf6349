package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aoindustries/aoserv-master-sub002/pkg/database"
)

// Config holds all master server configuration.
type Config struct {
	// Database configuration
	Database database.Config

	// Daemon configuration
	Daemon DaemonConfig

	// Invalidation relay configuration
	Relay RelayConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// DaemonConfig holds per-host daemon client settings.
type DaemonConfig struct {
	// DownCooldown is how long a host stays marked down after a
	// connectivity failure before a redial is attempted.
	DownCooldown time.Duration `yaml:"down_cooldown"`

	// ReportLockTimeout bounds waits for per-host exclusive report locks.
	ReportLockTimeout time.Duration `yaml:"report_lock_timeout"`
}

// RelayConfig holds the optional cross-process invalidation relay settings.
// An empty RedisAddr disables the relay.
type RelayConfig struct {
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	Channel       string `yaml:"channel"`
}

// ObservabilityConfig holds logging and health server settings.
type ObservabilityConfig struct {
	LogLevel   string `yaml:"log_level"`
	HealthPort string `yaml:"health_port"`
}

// fileConfig is the optional YAML overlay; only set fields override the
// environment.
type fileConfig struct {
	DatabaseURL   string              `yaml:"database_url"`
	Daemon        DaemonConfig        `yaml:"daemon"`
	Relay         RelayConfig         `yaml:"relay"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// LoadConfig loads configuration from environment variables, applying the
// YAML file named by AOMASTER_CONFIG_FILE (when set) on top.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Database: database.Config{
			URL:            getEnv("AOMASTER_DB_URL", ""),
			MaxConns:       getEnvInt("AOMASTER_DB_MAX_CONNS", 25),
			MinConns:       getEnvInt("AOMASTER_DB_MIN_CONNS", 5),
			ConnectTimeout: getEnvDuration("AOMASTER_DB_CONNECT_TIMEOUT", 10*time.Second),
			MaxLifetime:    getEnvDuration("AOMASTER_DB_MAX_LIFETIME", time.Hour),
			MaxIdleTime:    getEnvDuration("AOMASTER_DB_MAX_IDLE_TIME", 15*time.Minute),
		},
		Daemon: DaemonConfig{
			DownCooldown:      getEnvDuration("AOMASTER_DAEMON_DOWN_COOLDOWN", time.Minute),
			ReportLockTimeout: getEnvDuration("AOMASTER_REPORT_LOCK_TIMEOUT", 15*time.Second),
		},
		Relay: RelayConfig{
			RedisAddr:     getEnv("AOMASTER_RELAY_REDIS_ADDR", ""),
			RedisPassword: getEnv("AOMASTER_RELAY_REDIS_PASSWORD", ""),
			Channel:       getEnv("AOMASTER_RELAY_CHANNEL", "aomaster.invalidate"),
		},
		Observability: ObservabilityConfig{
			LogLevel:   getEnv("AOMASTER_LOG_LEVEL", "info"),
			HealthPort: getEnv("AOMASTER_HEALTH_PORT", "9090"),
		},
	}

	if path := getEnv("AOMASTER_CONFIG_FILE", ""); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	if fc.DatabaseURL != "" {
		c.Database.URL = fc.DatabaseURL
	}
	if fc.Daemon.DownCooldown > 0 {
		c.Daemon.DownCooldown = fc.Daemon.DownCooldown
	}
	if fc.Daemon.ReportLockTimeout > 0 {
		c.Daemon.ReportLockTimeout = fc.Daemon.ReportLockTimeout
	}
	if fc.Relay.RedisAddr != "" {
		c.Relay.RedisAddr = fc.Relay.RedisAddr
	}
	if fc.Relay.RedisPassword != "" {
		c.Relay.RedisPassword = fc.Relay.RedisPassword
	}
	if fc.Relay.Channel != "" {
		c.Relay.Channel = fc.Relay.Channel
	}
	if fc.Observability.LogLevel != "" {
		c.Observability.LogLevel = fc.Observability.LogLevel
	}
	if fc.Observability.HealthPort != "" {
		c.Observability.HealthPort = fc.Observability.HealthPort
	}
	return nil
}

// Validate checks the configuration is usable.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database URL is required (AOMASTER_DB_URL)")
	}
	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("database max conns (%d) must be >= min conns (%d)",
			c.Database.MaxConns, c.Database.MinConns)
	}
	if c.Daemon.ReportLockTimeout <= 0 {
		return fmt.Errorf("report lock timeout must be positive")
	}
	if c.Observability.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Relay.RedisAddr != "" && c.Relay.Channel == "" {
		return fmt.Errorf("relay channel is required when a redis address is set")
	}
	return nil
}

// getEnv gets an environment variable with a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer environment variable with a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return n
		}
	}
	return defaultValue
}

// getEnvDuration gets a duration environment variable with a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(value)); err == nil {
			return d
		}
	}
	return defaultValue
}
