// Package config loads runtime configuration from the environment,
// with optional .env support for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds everything the server needs to start.
type Config struct {
	Port        string
	DatabaseURL string // empty → in-memory store
	RedisURL    string // empty → no cache layer

	// FeeBps is the trading fee in basis points, applied on top of the
	// raw LMSR cost for buys and deducted from refunds for sells.
	FeeBps int64

	// PayoutPerShare is the amount paid per winning share at resolution.
	PayoutPerShare decimal.Decimal

	CacheTTL        time.Duration
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
}

// Load reads configuration from the environment. A .env file in the
// working directory is loaded first if present; real env vars win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:            getEnv("PORT", "8080"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RedisURL:        os.Getenv("REDIS_URL"),
		CacheTTL:        getDuration("CACHE_TTL", 30*time.Second),
		RequestTimeout:  getDuration("REQUEST_TIMEOUT", 30*time.Second),
		ShutdownTimeout: getDuration("SHUTDOWN_TIMEOUT", 5*time.Second),
	}

	feeBps, err := strconv.ParseInt(getEnv("FEE_BPS", "200"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid FEE_BPS: %w", err)
	}
	if feeBps < 0 || feeBps >= 10000 {
		return nil, fmt.Errorf("FEE_BPS must be in [0, 10000), got %d", feeBps)
	}
	cfg.FeeBps = feeBps

	payout, err := decimal.NewFromString(getEnv("PAYOUT_PER_SHARE", "1"))
	if err != nil {
		return nil, fmt.Errorf("invalid PAYOUT_PER_SHARE: %w", err)
	}
	if payout.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("PAYOUT_PER_SHARE must be positive, got %s", payout)
	}
	cfg.PayoutPerShare = payout

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
