// Package config loads runtime settings from the environment through viper.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/chipflip/chip-ledger/internal/chain"
	"github.com/chipflip/chip-ledger/internal/ledger"
	"github.com/chipflip/chip-ledger/internal/price"
)

// Config is the resolved server configuration.
type Config struct {
	Port        string
	LogLevel    string
	DatabaseURL string
	RedisURL    string
	AppName     string

	SessionSecret string
	SessionTTL    time.Duration
	CookieSecure  bool

	MinWagerBalance       int64
	RequiredConfirmations uint64
	ChipUSDRate           decimal.Decimal
	PlatformAddress       string
	TolerancePct          decimal.Decimal
	DepositIntentTTL      time.Duration
	DemoCreditEnabled     bool
	DemoCreditAmount      int64
	NetworkName           string

	ChainRPCURL string
	ChainID     int64

	PayoutPrivateKey  string
	PayoutInterval    time.Duration
	PayoutMaxAttempts int
	PayoutBatchSize   int

	PriceURL     string
	PriceTimeout time.Duration
}

// env maps viper keys to environment variable names.
var env = map[string]string{
	"port":                   "PORT",
	"log.level":              "LOG_LEVEL",
	"database.url":           "DATABASE_URL",
	"redis.url":              "REDIS_URL",
	"app.name":               "APP_NAME",
	"session.secret":         "SESSION_SECRET",
	"session.ttl":            "SESSION_TTL",
	"session.cookie_secure":  "COOKIE_SECURE",
	"chips.min_wager":        "MIN_WAGER_BALANCE",
	"chips.confirmations":    "REQUIRED_CONFIRMATIONS",
	"chips.usd_rate":         "CHIP_USD_RATE",
	"chips.platform_address": "PLATFORM_WALLET_ADDRESS",
	"chips.tolerance_pct":    "TOLERANCE_PCT",
	"chips.intent_ttl":       "DEPOSIT_INTENT_TTL",
	"chips.demo_enabled":     "DEMO_CREDIT_ENABLED",
	"chips.demo_amount":      "DEMO_CREDIT_AMOUNT",
	"chips.network":          "NETWORK_NAME",
	"chain.rpc_url":          "CHAIN_RPC_URL",
	"chain.id":               "CHAIN_ID",
	"payout.private_key":     "PAYOUT_PRIVATE_KEY",
	"payout.interval":        "PAYOUT_INTERVAL",
	"payout.max_attempts":    "PAYOUT_MAX_ATTEMPTS",
	"payout.batch_size":      "PAYOUT_BATCH_SIZE",
	"price.url":              "PRICE_URL",
	"price.timeout":          "PRICE_TIMEOUT",
}

func setDefaults(v *viper.Viper) {
	p := ledger.DefaultPolicy()
	v.SetDefault("port", "8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("app.name", "chip-ledger")
	v.SetDefault("session.ttl", 30*24*time.Hour)
	v.SetDefault("session.cookie_secure", true)
	v.SetDefault("chips.min_wager", p.MinWagerBalance)
	v.SetDefault("chips.confirmations", p.RequiredConfirmations)
	v.SetDefault("chips.usd_rate", p.ChipUSDRate.String())
	v.SetDefault("chips.platform_address", p.PlatformAddress)
	v.SetDefault("chips.tolerance_pct", "0")
	v.SetDefault("chips.intent_ttl", p.IntentTTL)
	v.SetDefault("chips.demo_enabled", p.DemoCreditEnabled)
	v.SetDefault("chips.demo_amount", p.DemoCredit)
	v.SetDefault("chips.network", p.Network)
	v.SetDefault("chain.id", 8453)
	v.SetDefault("payout.interval", 15*time.Second)
	v.SetDefault("payout.max_attempts", 5)
	v.SetDefault("payout.batch_size", 20)
	v.SetDefault("price.url", price.DefaultCoinbaseURL)
	v.SetDefault("price.timeout", 5*time.Second)
}

// Load reads the environment. Unset variables fall back to the defaults
// above; malformed ones are an error.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	for key, name := range env {
		if err := v.BindEnv(key, name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", name, err)
		}
	}
	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Port:              v.GetString("port"),
		LogLevel:          v.GetString("log.level"),
		DatabaseURL:       v.GetString("database.url"),
		RedisURL:          v.GetString("redis.url"),
		AppName:           v.GetString("app.name"),
		SessionSecret:     v.GetString("session.secret"),
		SessionTTL:        v.GetDuration("session.ttl"),
		CookieSecure:      v.GetBool("session.cookie_secure"),
		MinWagerBalance:   v.GetInt64("chips.min_wager"),
		DepositIntentTTL:  v.GetDuration("chips.intent_ttl"),
		DemoCreditEnabled: v.GetBool("chips.demo_enabled"),
		DemoCreditAmount:  v.GetInt64("chips.demo_amount"),
		NetworkName:       v.GetString("chips.network"),
		ChainRPCURL:       v.GetString("chain.rpc_url"),
		ChainID:           v.GetInt64("chain.id"),
		PayoutPrivateKey:  v.GetString("payout.private_key"),
		PayoutInterval:    v.GetDuration("payout.interval"),
		PayoutMaxAttempts: v.GetInt("payout.max_attempts"),
		PayoutBatchSize:   v.GetInt("payout.batch_size"),
		PriceURL:          v.GetString("price.url"),
		PriceTimeout:      v.GetDuration("price.timeout"),
	}

	confirmations := v.GetInt64("chips.confirmations")
	if confirmations < 1 {
		return nil, fmt.Errorf("REQUIRED_CONFIRMATIONS must be at least 1, got %d", confirmations)
	}
	cfg.RequiredConfirmations = uint64(confirmations)

	var err error
	if cfg.ChipUSDRate, err = decimal.NewFromString(v.GetString("chips.usd_rate")); err != nil || !cfg.ChipUSDRate.IsPositive() {
		return nil, fmt.Errorf("CHIP_USD_RATE must be a positive decimal, got %q", v.GetString("chips.usd_rate"))
	}
	if cfg.TolerancePct, err = decimal.NewFromString(v.GetString("chips.tolerance_pct")); err != nil || cfg.TolerancePct.IsNegative() {
		return nil, fmt.Errorf("TOLERANCE_PCT must be a non-negative decimal, got %q", v.GetString("chips.tolerance_pct"))
	}

	cfg.PlatformAddress = v.GetString("chips.platform_address")
	if _, err := chain.ParseAddress(cfg.PlatformAddress); err != nil {
		return nil, fmt.Errorf("PLATFORM_WALLET_ADDRESS: %w", err)
	}

	switch {
	case cfg.MinWagerBalance < 0:
		return nil, fmt.Errorf("MIN_WAGER_BALANCE must not be negative")
	case cfg.DemoCreditEnabled && cfg.DemoCreditAmount <= 0:
		return nil, fmt.Errorf("DEMO_CREDIT_AMOUNT must be positive when demo credit is enabled")
	case cfg.PayoutMaxAttempts < 1:
		return nil, fmt.Errorf("PAYOUT_MAX_ATTEMPTS must be at least 1")
	case cfg.PayoutBatchSize < 1:
		return nil, fmt.Errorf("PAYOUT_BATCH_SIZE must be at least 1")
	case cfg.PayoutInterval <= 0:
		return nil, fmt.Errorf("PAYOUT_INTERVAL must be positive")
	}
	return cfg, nil
}

// Policy converts the chip settings into the ledger's policy.
func (c *Config) Policy() ledger.Policy {
	return ledger.Policy{
		MinWagerBalance:       c.MinWagerBalance,
		RequiredConfirmations: c.RequiredConfirmations,
		ChipUSDRate:           c.ChipUSDRate,
		PlatformAddress:       c.PlatformAddress,
		Network:               c.NetworkName,
		TolerancePct:          c.TolerancePct,
		IntentTTL:             c.DepositIntentTTL,
		DemoCreditEnabled:     c.DemoCreditEnabled,
		DemoCredit:            c.DemoCreditAmount,
	}
}

// SlogLevel parses LogLevel, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// PayoutsEnabled reports whether the payout worker can sign transfers.
func (c *Config) PayoutsEnabled() bool {
	return c.PayoutPrivateKey != "" && c.ChainRPCURL != ""
}
