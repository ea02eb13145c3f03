// Package account adapts broker.Gateway and the event bus into the
// pipeline.AccountProvider port: open-position counts come straight from
// the gateway, and equity and the per-symbol last-trade timestamp are
// derived from the event stream rather than polled — equity starts at the
// configured account size and accumulates realized PnL from every
// TradeClosed, so the daily-drawdown limit tracks the account as it
// actually moves.
package account

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/marrowfx/tradecore/broker"
	"github.com/marrowfx/tradecore/bus"
	"github.com/marrowfx/tradecore/events"
)

// Tracker implements pipeline.AccountProvider.
type Tracker struct {
	gw broker.Gateway

	mu        sync.Mutex
	equity    decimal.Decimal
	lastTrade map[string]time.Time
}

// NewTracker wires a Tracker over gw and subscribes it to b. equity is the
// account size at startup; every TradeClosed adjusts it by the realized
// PnL, and every Filled stamps the symbol's last-trade time.
func NewTracker(gw broker.Gateway, b *bus.Bus, equity decimal.Decimal) *Tracker {
	t := &Tracker{gw: gw, equity: equity, lastTrade: make(map[string]time.Time)}
	b.Subscribe(events.Filled{}, func(e events.Event) {
		f := e.(events.Filled)
		t.mu.Lock()
		t.lastTrade[f.Symbol] = f.At()
		t.mu.Unlock()
	})
	b.Subscribe(events.TradeClosed{}, func(e events.Event) {
		closed := e.(events.TradeClosed)
		t.mu.Lock()
		t.equity = t.equity.Add(closed.PnL)
		t.mu.Unlock()
	})
	return t
}

func (t *Tracker) Equity(ctx context.Context) (decimal.Decimal, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.equity, nil
}

func (t *Tracker) OpenPositionsCount(ctx context.Context, symbol string) (int, error) {
	positions, err := t.gw.PositionsFor(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return len(positions), nil
}

func (t *Tracker) LastTradeTimestamp(symbol string) *time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, ok := t.lastTrade[symbol]
	if !ok {
		return nil
	}
	return &ts
}
