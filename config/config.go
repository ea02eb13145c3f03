// Package config loads runtime settings from the environment (and an
// optional .env file via godotenv): getEnv* helpers with defaults, no
// flags, no config framework.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Session is a trading-session window applied by the safety gate.
type Session string

const (
	SessionTokyo Session = "TOKYO"
	SessionLdnNY Session = "LDN_NY"
	SessionAny   Session = "ANY"
)

// BrokerKind selects which broker.Gateway adapter is constructed.
type BrokerKind string

const (
	BrokerMT5   BrokerKind = "mt5"
	BrokerPaper BrokerKind = "paper"
)

// Config is every option recognized by the engine.
type Config struct {
	BrokerKind     BrokerKind
	BrokerEndpoint string

	Symbol        string
	TimeframeMin  int
	Session       Session

	RiskPct      decimal.Decimal
	SLMult       decimal.Decimal
	TPMult       decimal.Decimal
	MinATR       decimal.Decimal
	CooldownMult decimal.Decimal

	MaxTradesPerDay  int
	MaxOpenPositions int
	MaxDailyLossPct  decimal.Decimal
	LimitsEnabled    bool

	NettingMode string // NETTING | HEDGING
	ReduceRule  string // FIFO | LIFO | PROPORTIONAL

	TickSize        decimal.Decimal
	TickValuePerLot decimal.Decimal
	VolumeMin       decimal.Decimal
	VolumeMax       decimal.Decimal
	VolumeStep      decimal.Decimal

	GovernorSessionLimit        int
	GovernorLossStreakThreshold int
	GovernorCooldownMinutes     int

	NewsEnabled   bool
	NewsWindowMin int
	NewsFeedURL   string

	IdempotencyDBPath        string
	IdempotencyRetentionDays int
	OrderBookDBPath          string
	GovernorStatePath        string
	LimitsStatePath          string

	ReconcilerPollSec        float64
	ReconcilerFillTimeoutSec float64

	DryRun bool

	AccountEquity decimal.Decimal

	TelegramToken  string
	TelegramChatID int64
}

// Load reads .env (if present, ignored if missing) then the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		BrokerKind:     BrokerKind(getEnv("BROKER_KIND", string(BrokerPaper))),
		BrokerEndpoint: getEnv("BROKER_ENDPOINT", ""),

		Symbol:       getEnv("SYMBOL", "XAUUSD"),
		TimeframeMin: getEnvInt("TIMEFRAME_MIN", 15),
		Session:      Session(getEnv("SESSION", string(SessionAny))),

		RiskPct:      getEnvDecimal("RISK_PCT", decimal.NewFromFloat(0.01)),
		SLMult:       getEnvDecimal("SL_MULT", decimal.NewFromFloat(1.5)),
		TPMult:       getEnvDecimal("TP_MULT", decimal.NewFromFloat(2.5)),
		MinATR:       getEnvDecimal("MIN_ATR", decimal.NewFromFloat(0.1)),
		CooldownMult: getEnvDecimal("COOLDOWN_MULT", decimal.NewFromFloat(2)),

		MaxTradesPerDay:  getEnvInt("MAX_TRADES_PER_DAY", 10),
		MaxOpenPositions: getEnvInt("MAX_OPEN_POSITIONS", 3),
		MaxDailyLossPct:  getEnvDecimal("MAX_DAILY_LOSS_PCT", decimal.NewFromFloat(0.03)),
		LimitsEnabled:    getEnvBool("LIMITS_ENABLED", true),

		NettingMode: getEnv("NETTING_MODE", "NETTING"),
		ReduceRule:  getEnv("REDUCE_RULE", "FIFO"),

		TickSize:        getEnvDecimal("TICK_SIZE", decimal.NewFromFloat(0.01)),
		TickValuePerLot: getEnvDecimal("TICK_VALUE_PER_LOT", decimal.NewFromFloat(1)),
		VolumeMin:       getEnvDecimal("VOLUME_MIN", decimal.NewFromFloat(0.01)),
		VolumeMax:       getEnvDecimal("VOLUME_MAX", decimal.NewFromFloat(50)),
		VolumeStep:      getEnvDecimal("VOLUME_STEP", decimal.NewFromFloat(0.01)),

		GovernorSessionLimit:        getEnvInt("GOVERNOR_SESSION_LIMIT", 10),
		GovernorLossStreakThreshold: getEnvInt("GOVERNOR_LOSS_STREAK_THRESHOLD", 3),
		GovernorCooldownMinutes:     getEnvInt("GOVERNOR_COOLDOWN_MINUTES", 60),

		NewsEnabled:   getEnvBool("NEWS_ENABLED", false),
		NewsWindowMin: getEnvInt("NEWS_WINDOW_MIN", 30),
		NewsFeedURL:   getEnv("NEWS_FEED_URL", ""),

		IdempotencyDBPath:        getEnv("IDEMPOTENCY_DB_PATH", "data/tradecore.db"),
		IdempotencyRetentionDays: getEnvInt("IDEMPOTENCY_RETENTION_DAYS", 30),
		OrderBookDBPath:          getEnv("ORDER_BOOK_DB_PATH", "data/order_book.db"),
		GovernorStatePath:        getEnv("GOVERNOR_STATE_PATH", "data/governor_state.json"),
		LimitsStatePath:          getEnv("LIMITS_STATE_PATH", "data/limits_state.json"),

		ReconcilerPollSec:        getEnvFloat("RECONCILER_POLL_SEC", 2.0),
		ReconcilerFillTimeoutSec: getEnvFloat("RECONCILER_FILL_TIMEOUT_SEC", 3.0),

		DryRun: getEnvBool("DRY_RUN", true),

		AccountEquity: getEnvDecimal("ACCOUNT_EQUITY_USD", decimal.NewFromFloat(10000)),

		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
	}

	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	if cfg.RiskPct.LessThanOrEqual(decimal.Zero) || cfg.RiskPct.GreaterThan(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("RISK_PCT must be in (0,1], got %s", cfg.RiskPct)
	}

	return cfg, nil
}

// PollInterval is ReconcilerPollSec as a time.Duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.ReconcilerPollSec * float64(time.Second))
}

// FillTimeout is ReconcilerFillTimeoutSec as a time.Duration.
func (c *Config) FillTimeout() time.Duration {
	return time.Duration(c.ReconcilerFillTimeoutSec * float64(time.Second))
}

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

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}
