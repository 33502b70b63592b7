package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds all configuration for the engine
type Config struct {
	// Stores
	DatabaseURL string
	RedisURL    string // optional; empty disables the fast cache

	// Fyers credentials
	FyersAppID        string
	FyersSecretID     string
	FyersAccessToken  string
	FyersRefreshToken string
	FyersPIN          string
	FyersAPIURL       string
	FyersWSURL        string

	// Telegram
	TelegramToken  string
	TelegramChatID int64

	// HTTP control surface
	APIAddr string

	// Mode
	DryRun bool
	Debug  bool

	// Session risk limits (snapshotted onto each day's session row)
	MaxDailyLoss     decimal.Decimal
	MaxPositionSize  int
	MaxOpenPositions int
	MaxMarginPct     float64
	MaxLotSize       int
	MarginFactor     decimal.Decimal // estimated margin = qty * price * factor

	// Workers
	ReconcileInterval   time.Duration
	ControlPollInterval time.Duration
	TickBufferSize      int
	FeedSymbols         []string
	LotSize             int // contract lot size for order quantities
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		// Stores
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),

		// Fyers
		FyersAppID:        os.Getenv("FYERS_APP_ID"),
		FyersSecretID:     os.Getenv("FYERS_SECRET_ID"),
		FyersAccessToken:  os.Getenv("FYERS_ACCESS_TOKEN"),
		FyersRefreshToken: os.Getenv("FYERS_REFRESH_TOKEN"),
		FyersPIN:          os.Getenv("FYERS_PIN"),
		FyersAPIURL:       getEnv("FYERS_API_URL", "https://api-t1.fyers.in/api/v3"),
		FyersWSURL:        getEnv("FYERS_WS_URL", "wss://socket.fyers.in/hsm/v1-5/prod"),

		// Telegram
		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		// HTTP
		APIAddr: getEnv("API_ADDR", ":8000"),

		// Mode
		DryRun: getEnvBool("DRY_RUN", true),
		Debug:  getEnvBool("DEBUG", false),

		// Risk limits
		MaxDailyLoss:     getEnvDecimal("MAX_DAILY_LOSS", decimal.NewFromInt(10000)),
		MaxPositionSize:  getEnvInt("MAX_POSITION_SIZE", 10),
		MaxOpenPositions: getEnvInt("MAX_OPEN_POSITIONS", 5),
		MaxMarginPct:     getEnvFloat("MAX_MARGIN_PCT", 80.0),
		MaxLotSize:       getEnvInt("MAX_LOT_SIZE", 10),
		MarginFactor:     getEnvDecimal("MARGIN_FACTOR", decimal.NewFromFloat(0.15)),

		// Workers
		ReconcileInterval:   getEnvDuration("RECONCILE_INTERVAL", 15*time.Second),
		ControlPollInterval: getEnvDuration("CONTROL_POLL_INTERVAL", 200*time.Millisecond),
		TickBufferSize:      getEnvInt("TICK_BUFFER_SIZE", 500),
		FeedSymbols:         getEnvList("FEED_SYMBOLS", "NSE:NIFTY50-INDEX"),
		LotSize:             getEnvInt("LOT_SIZE", 50),
	}

	// Parse chat ID
	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	// Validate required fields
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if !cfg.DryRun && (cfg.FyersAppID == "" || cfg.FyersAccessToken == "") {
		return nil, fmt.Errorf("FYERS_APP_ID and FYERS_ACCESS_TOKEN are required for live mode")
	}

	return cfg, nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key, defaultValue string) []string {
	raw := getEnv(key, defaultValue)
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
