// Package governor implements the risk governor: a state machine with
// three cumulative sub-states (session budget, loss-streak cooldown, news
// blackout) that independently block trading. State is persisted as a
// single JSON document so it survives restart.
package governor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/marrowfx/tradecore/events"
)

// blackoutMinutesByImpact maps a news impact level to a blackout duration.
var blackoutMinutesByImpact = map[string]int{
	"high":   30,
	"medium": 10,
	"low":    0,
}

// Config is the governor's tunable thresholds.
type Config struct {
	SessionLimit         int
	LossStreakThreshold  int
	CooldownMinutes      int
}

// Governor is the session/loss-streak/news-blackout state machine.
type Governor struct {
	mu   sync.Mutex
	cfg  Config
	path string

	state events.GovernorState
}

// New creates a Governor backed by the JSON file at path. If the file
// exists it is loaded; otherwise a fresh state is started for today (the
// calendar date in Asia/Ulaanbaatar, the same trading-day boundary the daily
// limits store uses).
func New(cfg Config, path string) (*Governor, error) {
	g := &Governor{cfg: cfg, path: path}

	if path != "" {
		if err := g.load(); err != nil {
			return nil, err
		}
	}

	if g.state.SessionDate == "" {
		g.state.SessionDate = today()
	}

	return g, nil
}

// ulaanbaatar is the zone whose calendar date keys the session-budget rollover.
var ulaanbaatar = func() *time.Location {
	loc, err := time.LoadLocation("Asia/Ulaanbaatar")
	if err != nil {
		return time.FixedZone("Asia/Ulaanbaatar", 8*60*60)
	}
	return loc
}()

func today() string { return time.Now().In(ulaanbaatar).Format("2006-01-02") }

func (g *Governor) load() error {
	data, err := os.ReadFile(g.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("governor: reading state file: %w", err)
	}
	if err := json.Unmarshal(data, &g.state); err != nil {
		return fmt.Errorf("governor: parsing state file: %w", err)
	}
	return nil
}

// persist writes the current state to disk. Failures are logged, not
// propagated: governor state loss degrades to "trades a bit more freely
// after a crash", not a hard stop.
func (g *Governor) persist() {
	if g.path == "" {
		return
	}
	if dir := filepath.Dir(g.path); dir != "." {
		_ = os.MkdirAll(dir, 0o755)
	}
	data, err := json.MarshalIndent(g.state, "", "  ")
	if err != nil {
		log.Error().Err(err).Msg("governor: marshal state failed")
		return
	}
	if err := os.WriteFile(g.path, data, 0o644); err != nil {
		log.Error().Err(err).Msg("governor: persist state failed")
	}
}

// rolloverIfNewDay resets the session-budget counter (and nothing else)
// when session_date has changed.
func (g *Governor) rolloverIfNewDay() {
	d := today()
	if g.state.SessionDate != d {
		g.state.SessionDate = d
		g.state.TradesToday = 0
	}
}

// CanTrade reports whether any sub-state currently blocks trading at now.
// The reason names the first failing sub-state, checked in a fixed order:
// session budget, loss-streak cooldown, news blackout.
func (g *Governor) CanTrade(now time.Time) (bool, string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.rolloverIfNewDay()

	if g.state.TradesToday >= g.cfg.SessionLimit {
		return false, "session_limit"
	}
	if g.state.CooldownUntil != nil && now.Before(*g.state.CooldownUntil) {
		return false, "loss_streak"
	}
	if g.state.BlackoutUntil != nil && now.Before(*g.state.BlackoutUntil) {
		return false, "news_blackout"
	}
	return true, ""
}

// RecordTrade increments the session trade counter and last-trade timestamp.
// Called by the pipeline orchestrator once the executor has accepted the
// order.
func (g *Governor) RecordTrade(at time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.rolloverIfNewDay()
	g.state.TradesToday++
	t := at.UTC()
	g.state.LastTradeTS = &t
	g.persist()
}

// OnTradeClosed updates the consecutive-loss streak on TradeClosed: a losing
// trade increments the streak (and, once it reaches the threshold, opens a
// cooldown window); a winning trade resets it to zero.
func (g *Governor) OnTradeClosed(ev events.TradeClosed) {
	g.mu.Lock()
	defer g.mu.Unlock()

	at := ev.At()
	if at.IsZero() {
		at = time.Now().UTC()
	}

	if ev.PnL.IsNegative() {
		g.state.ConsecutiveLosses++
		if g.state.ConsecutiveLosses >= g.cfg.LossStreakThreshold {
			until := at.Add(time.Duration(g.cfg.CooldownMinutes) * time.Minute)
			g.state.CooldownUntil = &until
			log.Warn().
				Int("consecutive_losses", g.state.ConsecutiveLosses).
				Time("cooldown_until", until).
				Msg("governor: loss-streak cooldown engaged")
		}
	} else if ev.PnL.IsPositive() {
		g.state.ConsecutiveLosses = 0
	}
	g.persist()
}

// ApplyNewsBlackout opens (or extends) a news blackout window from at,
// sized by impact: high 30 minutes, medium 10, low none. An unrecognized
// impact string is treated as "low" (no blackout) rather than guessed at.
func (g *Governor) ApplyNewsBlackout(impact string, at time.Time) {
	minutes, ok := blackoutMinutesByImpact[impact]
	if !ok {
		minutes = 0
	}
	if minutes == 0 {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	until := at.Add(time.Duration(minutes) * time.Minute)
	g.state.BlackoutUntil = &until
	g.persist()
}

// State returns a copy of the current persisted state, for status reporting.
func (g *Governor) State() events.GovernorState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}
