// Package config handles loading and validating configuration from
// environment variables.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/joho/godotenv"
)

// Flush strategies for the event batcher.
const (
	StrategyAtomic     = "atomic"
	StrategyBestEffort = "best-effort"
)

// Config holds all configuration values for the engine.
type Config struct {
	// Transaction feed
	FeedWSURL      string
	ProgramAddress string
	ReconnectDelay time.Duration

	// Persistence
	DatabaseURL   string
	FlushInterval time.Duration
	FlushStrategy string

	// BufferThreshold is the pending-event count that triggers an immediate
	// out-of-band flush ahead of the timer.
	BufferThreshold int

	// Price cache
	PriceEndpoint        string
	PriceRefreshInterval time.Duration

	// Ranking
	LeaderboardInterval time.Duration
	LeaderboardSize     int

	// Logging
	LogLevel string
}

// Load reads configuration from environment variables with fallback to a
// .env file. Priority order: environment variables > .env file > defaults.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		FeedWSURL:      getEnv("FEED_WS_URL", ""),
		ProgramAddress: getEnv("PROGRAM_ADDRESS", "6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwF6P"),
		ReconnectDelay: time.Duration(getEnvInt("RECONNECT_DELAY_SECONDS", 5)) * time.Second,

		DatabaseURL:   getEnv("DATABASE_URL", ""),
		FlushInterval: time.Duration(getEnvInt("FLUSH_INTERVAL_SECONDS", 5)) * time.Second,
		FlushStrategy: getEnv("FLUSH_STRATEGY", StrategyAtomic),

		BufferThreshold: getEnvInt("BUFFER_THRESHOLD", 100),

		PriceEndpoint:        getEnv("PRICE_ENDPOINT", ""),
		PriceRefreshInterval: time.Duration(getEnvInt("PRICE_REFRESH_SECONDS", 30)) * time.Second,

		LeaderboardInterval: time.Duration(getEnvInt("LEADERBOARD_INTERVAL_MINUTES", 5)) * time.Minute,
		LeaderboardSize:     getEnvInt("LEADERBOARD_SIZE", 10),

		LogLevel: getEnv("LOG_LEVEL", "INFO"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that required configuration values are set and valid.
func (c *Config) Validate() error {
	if c.FeedWSURL == "" {
		return fmt.Errorf("FEED_WS_URL is required")
	}

	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if _, err := solana.PublicKeyFromBase58(c.ProgramAddress); err != nil {
		return fmt.Errorf("PROGRAM_ADDRESS is not a valid address: %w", err)
	}

	if c.FlushStrategy != StrategyAtomic && c.FlushStrategy != StrategyBestEffort {
		return fmt.Errorf("FLUSH_STRATEGY must be %q or %q", StrategyAtomic, StrategyBestEffort)
	}

	if c.FlushInterval <= 0 {
		return fmt.Errorf("FLUSH_INTERVAL_SECONDS must be positive")
	}

	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("RECONNECT_DELAY_SECONDS must be positive")
	}

	if c.BufferThreshold < 1 {
		return fmt.Errorf("BUFFER_THRESHOLD must be at least 1")
	}

	if c.LeaderboardSize < 1 {
		return fmt.Errorf("LEADERBOARD_SIZE must be at least 1")
	}

	return nil
}

// MaskedDatabaseURL returns the database URL with credentials hidden for
// logging.
func (c *Config) MaskedDatabaseURL() string {
	u, err := url.Parse(c.DatabaseURL)
	if err != nil || u.User == nil {
		return c.DatabaseURL
	}
	u.User = url.User("***")
	return u.String()
}

// getEnv retrieves an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an environment variable as an integer or returns a
// default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
