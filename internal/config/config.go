// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Quote source kinds
const (
	QuoteSourceMock = "mock"
	QuoteSourceHTTP = "http"
)

// Config holds application configuration
type Config struct {
	DataDir  string // Base directory for all databases (always absolute)
	LogLevel string
	Port     int
	DevMode  bool

	// Authentication
	JWTSecret            string
	JWTIssuer            string // Empty disables the issuer check
	AllowAnonymousUserID bool   // Accept ?userId=<id> without a token

	// Browser origins allowed for CORS and the WebSocket handshake
	AllowedOrigins []string

	// Hub
	Hub HubConfig

	// Quote source
	QuoteSource      string // mock or http
	QuoteAPIURL      string
	QuoteAPIKey      string
	QuoteConcurrency int

	// Paper execution safety limits, zero means unbounded
	PaperMinNotional decimal.Decimal
	PaperMaxNotional decimal.Decimal
}

// HubConfig holds the broadcast hub tuning knobs
type HubConfig struct {
	BroadcastInterval time.Duration // One tick per interval
	QuoteTimeout      time.Duration // Per-fetch bound, must be shorter than BroadcastInterval
	AuthTimeout       time.Duration // Bound on token verification at connect time
	SendTimeout       time.Duration // Bound on a single outbound frame write
	SendQueueSize     int           // Per-connection outbound buffer
	SweepSchedule     string        // Cron spec for reclaiming empty channels
	InboundRate       float64       // Control messages per second per connection
	InboundBurst      int
	ReadLimit         int64 // Max inbound frame size in bytes
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("FOLIO_DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	devMode := getEnvAsBool("DEV_MODE", false)

	cfg := &Config{
		DataDir:              absDataDir,
		Port:                 getEnvAsInt("GO_PORT", 8001),
		DevMode:              devMode,
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		JWTSecret:            getEnv("JWT_SECRET", ""),
		JWTIssuer:            getEnv("JWT_ISSUER", ""),
		AllowAnonymousUserID: getEnvAsBool("ALLOW_ANONYMOUS_USER_ID", devMode),
		AllowedOrigins:       getEnvAsList("ALLOWED_ORIGINS", []string{"*"}),
		Hub: HubConfig{
			BroadcastInterval: getEnvAsDuration("BROADCAST_INTERVAL", time.Second),
			QuoteTimeout:      getEnvAsDuration("QUOTE_TIMEOUT", 750*time.Millisecond),
			AuthTimeout:       getEnvAsDuration("AUTH_TIMEOUT", 5*time.Second),
			SendTimeout:       getEnvAsDuration("SEND_TIMEOUT", 2*time.Second),
			SendQueueSize:     getEnvAsInt("SEND_QUEUE_SIZE", 64),
			SweepSchedule:     getEnv("SWEEP_SCHEDULE", "@every 30s"),
			InboundRate:       getEnvAsFloat("INBOUND_RATE", 10),
			InboundBurst:      getEnvAsInt("INBOUND_BURST", 20),
			ReadLimit:         int64(getEnvAsInt("WS_READ_LIMIT", 4096)),
		},
		QuoteSource:      strings.ToLower(getEnv("QUOTE_SOURCE", QuoteSourceMock)),
		QuoteAPIURL:      getEnv("QUOTE_API_URL", ""),
		QuoteAPIKey:      getEnv("QUOTE_API_KEY", ""),
		QuoteConcurrency: getEnvAsInt("QUOTE_CONCURRENCY", 8),
		PaperMinNotional: getEnvAsDecimal("PAPER_MIN_NOTIONAL", decimal.Zero),
		PaperMaxNotional: getEnvAsDecimal("PAPER_MAX_NOTIONAL", decimal.Zero),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present and consistent
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}

	if c.JWTSecret == "" && !c.AllowAnonymousUserID {
		return fmt.Errorf("JWT_SECRET is required unless ALLOW_ANONYMOUS_USER_ID is enabled")
	}

	// cron's @every cannot schedule faster than once a second
	if c.Hub.BroadcastInterval < time.Second {
		return fmt.Errorf("BROADCAST_INTERVAL must be at least 1s, got %s", c.Hub.BroadcastInterval)
	}
	if c.Hub.QuoteTimeout <= 0 || c.Hub.QuoteTimeout >= c.Hub.BroadcastInterval {
		return fmt.Errorf("QUOTE_TIMEOUT (%s) must be positive and shorter than BROADCAST_INTERVAL (%s)",
			c.Hub.QuoteTimeout, c.Hub.BroadcastInterval)
	}
	if c.Hub.AuthTimeout <= 0 {
		return fmt.Errorf("AUTH_TIMEOUT must be positive")
	}
	if c.Hub.SendTimeout <= 0 {
		return fmt.Errorf("SEND_TIMEOUT must be positive")
	}
	if c.Hub.SendQueueSize <= 0 {
		return fmt.Errorf("SEND_QUEUE_SIZE must be positive")
	}
	if c.Hub.InboundRate <= 0 || c.Hub.InboundBurst <= 0 {
		return fmt.Errorf("INBOUND_RATE and INBOUND_BURST must be positive")
	}
	if c.QuoteConcurrency <= 0 {
		return fmt.Errorf("QUOTE_CONCURRENCY must be positive")
	}

	if c.PaperMinNotional.IsNegative() || c.PaperMaxNotional.IsNegative() {
		return fmt.Errorf("PAPER_MIN_NOTIONAL and PAPER_MAX_NOTIONAL must not be negative")
	}
	if !c.PaperMaxNotional.IsZero() && c.PaperMaxNotional.LessThan(c.PaperMinNotional) {
		return fmt.Errorf("PAPER_MAX_NOTIONAL (%s) is below PAPER_MIN_NOTIONAL (%s)", c.PaperMaxNotional, c.PaperMinNotional)
	}

	switch c.QuoteSource {
	case QuoteSourceMock:
	case QuoteSourceHTTP:
		if c.QuoteAPIURL == "" {
			return fmt.Errorf("QUOTE_API_URL is required when QUOTE_SOURCE=http")
		}
	default:
		return fmt.Errorf("unknown QUOTE_SOURCE %q", c.QuoteSource)
	}

	return nil
}

// TickSpec returns the cron spec for the broadcast tick
func (h HubConfig) TickSpec() string {
	return "@every " + h.BroadcastInterval.String()
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
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
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

func getEnvAsDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
