package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application
type Config struct {
	Port           string
	AllowedOrigins []string
	WSReadTimeout  time.Duration
	WSWriteTimeout time.Duration
	LogLevel       string
	PingPeriod     time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64

	// Presence persistence; empty keeps presence in memory only
	RedisURL string

	// Lifecycle events; no brokers disables publishing
	KafkaBrokers []string
	KafkaTopic   string

	// Routing
	ExpiryWindow   time.Duration
	SweepInterval  time.Duration
	BroadcastRate  float64
	BroadcastBurst int
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	config := &Config{
		Port:           getEnv("PORT", "8080"),
		AllowedOrigins: splitList(getEnv("ALLOWED_ORIGINS", "http://localhost:5173")),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		RedisURL:       getEnv("REDIS_URL", ""),
		KafkaBrokers:   splitList(getEnv("KAFKA_BROKERS", "")),
		KafkaTopic:     getEnv("KAFKA_TOPIC", "casedesk.query-events"),
	}

	// Parse WebSocket timeouts
	wsReadTimeout, err := strconv.Atoi(getEnv("WS_READ_TIMEOUT", "60"))
	if err != nil {
		return nil, fmt.Errorf("invalid WS_READ_TIMEOUT: %w", err)
	}
	config.WSReadTimeout = time.Duration(wsReadTimeout) * time.Second

	wsWriteTimeout, err := strconv.Atoi(getEnv("WS_WRITE_TIMEOUT", "10"))
	if err != nil {
		return nil, fmt.Errorf("invalid WS_WRITE_TIMEOUT: %w", err)
	}
	config.WSWriteTimeout = time.Duration(wsWriteTimeout) * time.Second

	// Calculate WebSocket constants
	config.PongWait = config.WSReadTimeout
	config.PingPeriod = (config.PongWait * 9) / 10 // Must be less than pongWait
	config.WriteWait = config.WSWriteTimeout
	config.MaxMessageSize = 4096

	config.ExpiryWindow, err = time.ParseDuration(getEnv("QUERY_EXPIRY_WINDOW", "24h"))
	if err != nil || config.ExpiryWindow <= 0 {
		return nil, fmt.Errorf("invalid QUERY_EXPIRY_WINDOW: %q", os.Getenv("QUERY_EXPIRY_WINDOW"))
	}

	config.SweepInterval, err = time.ParseDuration(getEnv("SWEEP_INTERVAL", "1m"))
	if err != nil || config.SweepInterval <= 0 {
		return nil, fmt.Errorf("invalid SWEEP_INTERVAL: %q", os.Getenv("SWEEP_INTERVAL"))
	}

	config.BroadcastRate, err = strconv.ParseFloat(getEnv("BROADCAST_RATE", "5"), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid BROADCAST_RATE: %w", err)
	}

	config.BroadcastBurst, err = strconv.Atoi(getEnv("BROADCAST_BURST", "10"))
	if err != nil {
		return nil, fmt.Errorf("invalid BROADCAST_BURST: %w", err)
	}

	return config, nil
}

// splitList splits a comma separated value and drops empty entries
func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getEnv gets an environment variable with a fallback default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
