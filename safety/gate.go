package safety

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/marrowfx/tradecore/events"
	"github.com/marrowfx/tradecore/sizing"
)

// NewsFeed is the bounded news-blackout lookup the gate consults. A feed
// error is treated as "no news": a dead calendar feed must not silently
// halt trading.
type NewsFeed interface {
	HasHighImpact(ctx context.Context, countries []string, from, to time.Time) (bool, error)
}

// newsFeedTimeout bounds the single attempt at the news feed.
const newsFeedTimeout = 8 * time.Second

// Decision is the safety gate's verdict for one signal.
type Decision struct {
	Side    events.Side // only meaningful when Action != Hold
	Action  Action
	Reason  string
	SLPts   decimal.Decimal
	TPPts   decimal.Decimal
	Lot     decimal.Decimal
}

// Action is the gate's BUY/SELL/HOLD verdict.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// MarketState is the market data the gate needs for one evaluation.
type MarketState struct {
	ATR     decimal.Decimal
	MAFast  decimal.Decimal
	MASlow  decimal.Decimal
	RSI     decimal.Decimal
	Close   decimal.Decimal
	Spread  decimal.Decimal
}

// AccountState is the account data the gate needs for one evaluation.
type AccountState struct {
	Equity        decimal.Decimal
	OpenPositions int
	LastTradeTS   *time.Time
}

// Config is the gate's tunable thresholds.
type Config struct {
	Session          SessionWindow
	SLMult           decimal.Decimal
	TPMult           decimal.Decimal
	MinATR           decimal.Decimal
	CooldownMult     decimal.Decimal
	RiskPct          decimal.Decimal
	TimeframeMinutes int
	NewsEnabled      bool
	NewsWindowMin    int
	Countries        []string // country set driving the news lookup for this symbol
}

// Gate is the stateless-per-call safety gate: daily limits, session,
// cooldown, news blackout, then signal validation, in that order.
type Gate struct {
	cfg    Config
	limits *LimitsManager
	news   NewsFeed
	sizer  sizing.SymbolInfo
}

// New creates a Gate. news may be nil when NewsEnabled is false.
func New(cfg Config, limits *LimitsManager, news NewsFeed, symInfo sizing.SymbolInfo) *Gate {
	return &Gate{cfg: cfg, limits: limits, news: news, sizer: symInfo}
}

// Evaluate runs the ordered checks (daily limits, session, cooldown, news,
// signal validation) and returns a Decision.
func (g *Gate) Evaluate(ctx context.Context, signal events.SignalDetected, market MarketState, account AccountState, now time.Time) Decision {
	if ok, reason := g.limits.Check(signal.Symbol, account.OpenPositions, account.Equity, now); !ok {
		return hold(reason)
	}

	if !g.cfg.Session.Contains(now) {
		return hold("session_window")
	}

	if account.LastTradeTS != nil {
		cooldown := time.Duration(g.cfg.TimeframeMinutes) * time.Minute
		cooldown = time.Duration(float64(cooldown) * g.cfg.CooldownMult.InexactFloat64())
		if now.Sub(*account.LastTradeTS) < cooldown {
			return hold("cooldown")
		}
	}

	if g.cfg.NewsEnabled && g.news != nil {
		if g.hasNewsBlackout(ctx, signal.Symbol, now) {
			return hold("news_blackout")
		}
	}

	action, reason := g.validateSignal(signal, market)
	if action == ActionHold {
		return hold(reason)
	}

	sl, _ := sizing.SLTPByATR(signal.Side, market.Close, market.ATR, g.cfg.SLMult, g.cfg.TPMult)
	lot := sizing.LotByRisk(g.sizer, market.Close, sl, account.Equity, g.cfg.RiskPct)

	return Decision{
		Side:   signal.Side,
		Action: action,
		SLPts:  market.ATR.Mul(g.cfg.SLMult),
		TPPts:  market.ATR.Mul(g.cfg.TPMult),
		Lot:    lot,
	}
}

// RecordTrade counts an accepted order against the symbol's daily limits, so
// max_trades_per_day reflects orders actually forwarded rather than signals
// merely evaluated.
func (g *Gate) RecordTrade(symbol string, equity decimal.Decimal, at time.Time) {
	g.limits.RecordTrade(symbol, equity, at)
}

func (g *Gate) hasNewsBlackout(ctx context.Context, symbol string, now time.Time) bool {
	ctx, cancel := context.WithTimeout(ctx, newsFeedTimeout)
	defer cancel()

	window := time.Duration(g.cfg.NewsWindowMin) * time.Minute
	has, err := g.news.HasHighImpact(ctx, g.cfg.Countries, now.Add(-window), now.Add(window))
	if err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("safety: news feed error, treating as no news")
		return false
	}
	return has
}

// validateSignal runs min-ATR, then the MA/RSI/close confirmation,
// symmetric for BUY and SELL.
func (g *Gate) validateSignal(signal events.SignalDetected, market MarketState) (Action, string) {
	if market.ATR.LessThan(g.cfg.MinATR) {
		return ActionHold, "min_atr"
	}

	switch signal.Side {
	case events.Buy:
		if !market.MAFast.GreaterThan(market.MASlow) {
			return ActionHold, "ma_cross"
		}
		if market.RSI.LessThan(decimal.NewFromInt(49)) {
			return ActionHold, "rsi"
		}
		threshold := market.MAFast.Sub(market.ATR.Mul(decimal.NewFromFloat(0.2)))
		if market.Close.LessThan(threshold) {
			return ActionHold, "close_confirmation"
		}
		return ActionBuy, ""
	case events.Sell:
		if !market.MAFast.LessThan(market.MASlow) {
			return ActionHold, "ma_cross"
		}
		if market.RSI.GreaterThan(decimal.NewFromInt(51)) {
			return ActionHold, "rsi"
		}
		threshold := market.MAFast.Add(market.ATR.Mul(decimal.NewFromFloat(0.2)))
		if market.Close.GreaterThan(threshold) {
			return ActionHold, "close_confirmation"
		}
		return ActionSell, ""
	default:
		return ActionHold, "unknown_side"
	}
}

func hold(reason string) Decision {
	return Decision{Action: ActionHold, Reason: reason}
}
