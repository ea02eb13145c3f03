// Package safety implements the safety gate: the ordered daily limits /
// session / cooldown / news / signal-validation filter that turns a raw
// signal plus market and account state into BUY/SELL/HOLD.
package safety

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ulaanbaatar defines the trading day: the rollover for daily limits. Session
// windows are read in this zone too.
var ulaanbaatar = func() *time.Location {
	loc, err := time.LoadLocation("Asia/Ulaanbaatar")
	if err != nil {
		log.Warn().Err(err).Msg("safety: Asia/Ulaanbaatar zoneinfo unavailable, falling back to fixed UTC+8")
		return time.FixedZone("Asia/Ulaanbaatar", 8*60*60)
	}
	return loc
}()

// LimitsConfig holds the thresholds the limits manager enforces.
type LimitsConfig struct {
	MaxOpenPositions int
	MaxTradesPerDay  int
	MaxDailyLossPct  decimal.Decimal
	Enabled          bool
}

// dayLimits is the persisted per-(day,symbol) row: trade count, baseline
// equity, and the blocked flag.
type dayLimits struct {
	Trades         int             `json:"trades"`
	BaselineEquity decimal.Decimal `json:"baseline_equity"`
	Blocked        bool            `json:"blocked"`
}

// LimitsManager tracks per-symbol daily trade counts and the drawdown
// trigger that blocks the rest of the trading day. Backed by one JSON
// file keyed by "yyyy-mm-dd:symbol".
type LimitsManager struct {
	mu   sync.Mutex
	cfg  LimitsConfig
	path string

	rows map[string]*dayLimits
}

// NewLimitsManager loads (or initializes) the keyed limits file at path.
func NewLimitsManager(cfg LimitsConfig, path string) (*LimitsManager, error) {
	lm := &LimitsManager{cfg: cfg, path: path, rows: make(map[string]*dayLimits)}
	if path == "" {
		return lm, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return lm, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &lm.rows); err != nil {
		return nil, err
	}
	return lm, nil
}

func tradingDay(at time.Time) string {
	return at.In(ulaanbaatar).Format("2006-01-02")
}

func (lm *LimitsManager) key(symbol string, at time.Time) string {
	return tradingDay(at) + ":" + symbol
}

func (lm *LimitsManager) row(symbol string, at time.Time, equity decimal.Decimal) *dayLimits {
	k := lm.key(symbol, at)
	r, ok := lm.rows[k]
	if !ok {
		r = &dayLimits{BaselineEquity: equity}
		lm.rows[k] = r
	}
	return r
}

func (lm *LimitsManager) persist() {
	if lm.path == "" {
		return
	}
	if dir := filepath.Dir(lm.path); dir != "." {
		_ = os.MkdirAll(dir, 0o755)
	}
	data, err := json.MarshalIndent(lm.rows, "", "  ")
	if err != nil {
		log.Error().Err(err).Msg("safety: marshal limits state failed")
		return
	}
	if err := os.WriteFile(lm.path, data, 0o644); err != nil {
		log.Error().Err(err).Msg("safety: persist limits state failed")
	}
}

// Check runs the four daily-limit sub-checks (blocked flag, open-position
// cap, trade-count cap, drawdown from the day's baseline equity) and
// returns (ok, reason). openPositions is the caller's current open-position
// count (from the order book / broker), equity is current account equity.
func (lm *LimitsManager) Check(symbol string, openPositions int, equity decimal.Decimal, at time.Time) (bool, string) {
	if !lm.cfg.Enabled {
		return true, ""
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()

	r := lm.row(symbol, at, equity)

	if r.Blocked {
		return false, "daily_blocked"
	}
	if openPositions >= lm.cfg.MaxOpenPositions {
		return false, "max_open_positions"
	}
	if r.Trades >= lm.cfg.MaxTradesPerDay {
		return false, "max_trades_per_day"
	}

	if !r.BaselineEquity.IsZero() {
		drawdown := r.BaselineEquity.Sub(equity).Div(r.BaselineEquity)
		if drawdown.GreaterThanOrEqual(lm.cfg.MaxDailyLossPct) {
			r.Blocked = true
			lm.persist()
			return false, "max_daily_loss_pct"
		}
	}

	return true, ""
}

// RecordTrade increments the trade counter for symbol's trading day.
func (lm *LimitsManager) RecordTrade(symbol string, equity decimal.Decimal, at time.Time) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	r := lm.row(symbol, at, equity)
	r.Trades++
	lm.persist()
}
