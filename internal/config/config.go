// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port           string
	DBPath         string
	WADBDir        string // directory for per-session protocol device databases
	AuthSecret     string
	AllowedOrigins []string
	QRTerminal     bool
	Reconnect      ReconnectConfig
}

// ReconnectConfig bounds automatic reconnection after transient drops.
type ReconnectConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		DBPath:         getEnv("DB_PATH", "./data/gateway.db"),
		WADBDir:        getEnv("WA_DB_DIR", "./data/devices"),
		AuthSecret:     getEnv("AUTH_SECRET", ""),
		AllowedOrigins: splitOrigins(getEnv("ALLOWED_ORIGINS", "*")),
		QRTerminal:     getEnvBool("QR_TERMINAL", false),
		Reconnect: ReconnectConfig{
			MaxAttempts: getEnvInt("RECONNECT_MAX_ATTEMPTS", 5),
			BaseDelay:   getEnvDuration("RECONNECT_BASE_DELAY", 2*time.Second),
			MaxDelay:    getEnvDuration("RECONNECT_MAX_DELAY", 30*time.Second),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.WADBDir == "" {
		return fmt.Errorf("WA_DB_DIR cannot be empty")
	}
	if c.AuthSecret == "" {
		return fmt.Errorf("AUTH_SECRET cannot be empty")
	}
	if c.Reconnect.MaxAttempts <= 0 {
		return fmt.Errorf("RECONNECT_MAX_ATTEMPTS must be > 0")
	}
	if c.Reconnect.BaseDelay <= 0 {
		return fmt.Errorf("RECONNECT_BASE_DELAY must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	if env := os.Getenv("APP_ENV"); env != "" {
		return env == "development"
	}
	for _, o := range c.AllowedOrigins {
		if strings.Contains(o, "localhost") || strings.Contains(o, "127.0.0.1") {
			return true
		}
	}
	return false
}

func splitOrigins(value string) []string {
	parts := strings.Split(value, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
