package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/marrowfx/tradecore/events"
)

// Paper is a simulated broker: fills are generated locally instead of sent
// to a venue. Quotes come from an optional external websocket tick feed;
// absent a feed URL, Paper serves the last quote with a small synthetic
// spread so place_order always has a price to fill against.
type Paper struct {
	mu sync.RWMutex

	wsURL   string
	conn    *websocket.Conn
	stopCh  chan struct{}
	running bool

	ticks     map[string]events.Tick
	positions map[string][]events.Position // symbol -> open positions
	deals     []events.Deal
	connected bool
}

// NewPaper creates a paper adapter. wsURL may be empty, in which case
// SymbolInfoTick falls back to a flat synthetic quote seeded on first call.
func NewPaper(wsURL string) *Paper {
	return &Paper{
		wsURL:     wsURL,
		stopCh:    make(chan struct{}),
		ticks:     make(map[string]events.Tick),
		positions: make(map[string][]events.Position),
	}
}

func (p *Paper) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connected {
		return nil
	}
	p.connected = true

	if p.wsURL == "" {
		log.Info().Msg("paper broker connected (no tick feed configured, using synthetic quotes)")
		return nil
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, p.wsURL, nil)
	if err != nil {
		p.connected = false
		return fmt.Errorf("paper broker: tick feed dial failed: %w", err)
	}
	p.conn = conn
	p.running = true
	go p.readLoop()
	log.Info().Str("url", p.wsURL).Msg("paper broker connected to tick feed")
	return nil
}

func (p *Paper) readLoop() {
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}
		_, msg, err := p.conn.ReadMessage()
		if err != nil {
			log.Warn().Err(err).Msg("paper broker tick feed read failed, reconnecting")
			p.reconnect()
			continue
		}
		p.handleTickMessage(msg)
	}
}

// tickFrame is one quote message from the feed; decimals travel as strings,
// the same convention the MT5 bridge uses.
type tickFrame struct {
	Symbol string `json:"symbol"`
	Bid    string `json:"bid"`
	Ask    string `json:"ask"`
}

// handleTickMessage parses one feed frame into the quote map. A malformed
// message is dropped rather than crashing the feed goroutine.
func (p *Paper) handleTickMessage(msg []byte) {
	var frame tickFrame
	if err := json.Unmarshal(msg, &frame); err != nil {
		log.Debug().Err(err).Msg("paper broker: dropping malformed tick frame")
		return
	}
	if frame.Symbol == "" {
		return
	}
	bid, errBid := decimal.NewFromString(frame.Bid)
	ask, errAsk := decimal.NewFromString(frame.Ask)
	if errBid != nil || errAsk != nil {
		return
	}

	p.mu.Lock()
	p.ticks[frame.Symbol] = events.Tick{Bid: bid, Ask: ask}
	p.mu.Unlock()
}

func (p *Paper) reconnect() {
	time.Sleep(time.Second)
	conn, _, err := websocket.DefaultDialer.Dial(p.wsURL, nil)
	if err != nil {
		log.Warn().Err(err).Msg("paper broker tick feed reconnect failed, will retry")
		return
	}
	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()
}

func (p *Paper) IsConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

func (p *Paper) PlaceOrder(ctx context.Context, req events.OrderRequest) (events.OrderResult, error) {
	if !req.Valid() {
		return events.OrderResult{Accepted: false, Reason: "invalid order request"}, nil
	}

	tick, _ := p.SymbolInfoTick(ctx, req.Symbol)
	fillPrice := tick.Ask
	if req.Side == events.Sell {
		fillPrice = tick.Bid
	}

	brokerOrderID := "PAPER_" + uuid.NewString()

	p.mu.Lock()
	defer p.mu.Unlock()

	p.deals = append(p.deals, events.Deal{
		Ticket:  brokerOrderID,
		Comment: req.ClientOrderID,
		Symbol:  req.Symbol,
		Side:    req.Side,
		Volume:  req.Qty,
		Price:   fillPrice,
		Time:    time.Now().UTC(),
	})

	p.positions[req.Symbol] = append(p.positions[req.Symbol], events.Position{
		Ticket:     brokerOrderID,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Volume:     req.Qty,
		EntryPrice: fillPrice,
		OpenTime:   time.Now().UTC(),
		SL:         req.SL,
		TP:         req.TP,
	})

	return events.OrderResult{Accepted: true, BrokerOrderID: brokerOrderID}, nil
}

func (p *Paper) Cancel(ctx context.Context, brokerOrderID string) (bool, error) {
	// Paper fills are synchronous in PlaceOrder, so there is nothing pending
	// to cancel by the time a caller could reach this.
	return false, nil
}

func (p *Paper) Positions(ctx context.Context) ([]events.Position, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var all []events.Position
	for _, ps := range p.positions {
		all = append(all, ps...)
	}
	return all, nil
}

func (p *Paper) PositionsFor(ctx context.Context, symbol string) ([]events.Position, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]events.Position, len(p.positions[symbol]))
	copy(out, p.positions[symbol])
	return out, nil
}

func (p *Paper) ClosePosition(ctx context.Context, ticket string, volume decimal.Decimal) (events.OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for symbol, ps := range p.positions {
		for i, pos := range ps {
			if pos.Ticket != ticket {
				continue
			}
			tick := p.ticks[symbol]
			closePrice := tick.Bid
			if pos.Side == events.Sell {
				closePrice = tick.Ask
			}

			remaining := pos.Volume.Sub(volume)
			if remaining.LessThanOrEqual(decimal.Zero) {
				p.positions[symbol] = append(ps[:i], ps[i+1:]...)
			} else {
				p.positions[symbol][i].Volume = remaining
			}

			brokerOrderID := "PAPER_CLOSE_" + uuid.NewString()
			p.deals = append(p.deals, events.Deal{
				Ticket:  brokerOrderID,
				Comment: "CLOSE_" + ticket,
				Symbol:  symbol,
				Side:    pos.Side.Opposite(),
				Volume:  volume,
				Price:   closePrice,
				Time:    time.Now().UTC(),
			})
			return events.OrderResult{Accepted: true, BrokerOrderID: brokerOrderID}, nil
		}
	}
	return events.OrderResult{Accepted: false, Reason: "position ticket not found"}, nil
}

func (p *Paper) HistoryDeals(ctx context.Context, since, until time.Time, symbol string) ([]events.Deal, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []events.Deal
	for _, d := range p.deals {
		if d.Symbol != symbol {
			continue
		}
		if d.Time.Before(since) || d.Time.After(until) {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// SymbolInfoTick returns the last known quote, seeding a flat synthetic one
// on first use so a paper session always has a price to trade against.
func (p *Paper) SymbolInfoTick(ctx context.Context, symbol string) (events.Tick, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tick, ok := p.ticks[symbol]
	if !ok {
		mid := decimal.NewFromFloat(100)
		spread := decimal.NewFromFloat(0.02)
		tick = events.Tick{Bid: mid.Sub(spread), Ask: mid.Add(spread)}
		p.ticks[symbol] = tick
	}
	return tick, nil
}

// SetTick lets the pipeline or a test inject a quote, e.g. from a strategy's
// own market-data subscription rather than the optional websocket feed.
func (p *Paper) SetTick(symbol string, tick events.Tick) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ticks[symbol] = tick
}

// Close tears down the tick-feed connection, if any.
func (p *Paper) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		close(p.stopCh)
		p.running = false
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
}
