package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/marrowfx/tradecore/events"
)

// callTimeout bounds one bridge round-trip when the caller's context carries
// no deadline of its own.
const callTimeout = 5 * time.Second

// ErrUnreachable is returned when the MT5 terminal bridge cannot be reached.
var ErrUnreachable = fmt.Errorf("mt5: terminal bridge unreachable")

// MT5 talks to an MT5 terminal bridge (a sidecar process attached to the
// terminal) over a websocket carrying JSON request/response frames: each call
// sends {id, method, params} and blocks for the matching {id, result|error}.
// One request is in flight at a time; the executor and reconciler are the
// only callers and each serializes its own calls, so a single connection
// mutex is enough. A transport error tears the connection down and the next
// call redials, so a bridge restart heals without restarting the engine.
type MT5 struct {
	endpoint string

	mu     sync.Mutex
	conn   *websocket.Conn
	nextID int64
}

// NewMT5 creates an adapter pointed at a bridge endpoint: either a full
// ws:// / wss:// URL or a bare host:port.
func NewMT5(endpoint string) *MT5 {
	return &MT5{endpoint: endpoint}
}

func (m *MT5) url() string {
	if strings.HasPrefix(m.endpoint, "ws://") || strings.HasPrefix(m.endpoint, "wss://") {
		return m.endpoint
	}
	return "ws://" + m.endpoint
}

func (m *MT5) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dialLocked(ctx)
}

func (m *MT5) dialLocked(ctx context.Context) error {
	if m.conn != nil {
		return nil
	}
	if m.endpoint == "" {
		return fmt.Errorf("%w: no endpoint configured", ErrUnreachable)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, m.url(), nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	m.conn = conn
	log.Info().Str("url", m.url()).Msg("mt5 bridge connected")
	return nil
}

func (m *MT5) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

type bridgeRequest struct {
	ID     int64       `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params,omitempty"`
}

type bridgeResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error,omitempty"`
}

// call performs one request/response round-trip, redialing first if needed.
// out may be nil for calls whose result payload is irrelevant.
func (m *MT5) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.dialLocked(ctx); err != nil {
		return err
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(callTimeout)
	}

	m.nextID++
	req := bridgeRequest{ID: m.nextID, Method: method, Params: params}

	_ = m.conn.SetWriteDeadline(deadline)
	if err := m.conn.WriteJSON(req); err != nil {
		m.dropLocked()
		return fmt.Errorf("%w: write %s: %v", ErrUnreachable, method, err)
	}

	_ = m.conn.SetReadDeadline(deadline)
	for {
		var resp bridgeResponse
		if err := m.conn.ReadJSON(&resp); err != nil {
			m.dropLocked()
			return fmt.Errorf("%w: read %s: %v", ErrUnreachable, method, err)
		}
		if resp.ID != req.ID {
			// stale frame from a timed-out predecessor; skip it
			continue
		}
		if resp.Error != "" {
			return fmt.Errorf("mt5 bridge: %s: %s", method, resp.Error)
		}
		if out == nil {
			return nil
		}
		return json.Unmarshal(resp.Result, out)
	}
}

func (m *MT5) dropLocked() {
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
}

// Wire shapes. Decimals travel as strings, matching the terminal bridge's
// own formatting, and times as unix seconds.

type wireOrder struct {
	ClientOrderID string `json:"client_order_id"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Qty           string `json:"qty"`
	OrderType     string `json:"order_type"`
	SL            string `json:"sl,omitempty"`
	TP            string `json:"tp,omitempty"`
	Price         string `json:"price,omitempty"`
	Comment       string `json:"comment"`
}

type wireOrderResult struct {
	Accepted      bool   `json:"accepted"`
	BrokerOrderID string `json:"broker_order_id"`
	Reason        string `json:"reason"`
}

type wirePosition struct {
	Ticket     string `json:"ticket"`
	Symbol     string `json:"symbol"`
	Side       string `json:"side"`
	Volume     string `json:"volume"`
	EntryPrice string `json:"entry_price"`
	OpenTime   int64  `json:"open_time"`
	SL         string `json:"sl,omitempty"`
	TP         string `json:"tp,omitempty"`
}

type wireDeal struct {
	Ticket  string `json:"ticket"`
	Comment string `json:"comment"`
	Symbol  string `json:"symbol"`
	Side    string `json:"side"`
	Volume  string `json:"volume"`
	Price   string `json:"price"`
	Time    int64  `json:"time"`
}

type wireTick struct {
	Bid string `json:"bid"`
	Ask string `json:"ask"`
}

func (m *MT5) PlaceOrder(ctx context.Context, req events.OrderRequest) (events.OrderResult, error) {
	w := wireOrder{
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          string(req.Side),
		Qty:           req.Qty.String(),
		OrderType:     string(req.OrderType),
		Comment:       req.ClientOrderID, // deal comments carry the coid for reconciliation
	}
	if req.SL != nil {
		w.SL = req.SL.String()
	}
	if req.TP != nil {
		w.TP = req.TP.String()
	}
	if req.Price != nil {
		w.Price = req.Price.String()
	}

	var res wireOrderResult
	if err := m.call(ctx, "place_order", w, &res); err != nil {
		return events.OrderResult{}, err
	}
	return events.OrderResult{Accepted: res.Accepted, BrokerOrderID: res.BrokerOrderID, Reason: res.Reason}, nil
}

func (m *MT5) Cancel(ctx context.Context, brokerOrderID string) (bool, error) {
	var res struct {
		Cancelled bool `json:"cancelled"`
	}
	if err := m.call(ctx, "cancel", map[string]string{"broker_order_id": brokerOrderID}, &res); err != nil {
		return false, err
	}
	return res.Cancelled, nil
}

func (m *MT5) Positions(ctx context.Context) ([]events.Position, error) {
	var res []wirePosition
	if err := m.call(ctx, "positions", nil, &res); err != nil {
		return nil, err
	}
	return toPositions(res), nil
}

func (m *MT5) PositionsFor(ctx context.Context, symbol string) ([]events.Position, error) {
	var res []wirePosition
	if err := m.call(ctx, "positions_for", map[string]string{"symbol": symbol}, &res); err != nil {
		return nil, err
	}
	return toPositions(res), nil
}

func (m *MT5) ClosePosition(ctx context.Context, ticket string, volume decimal.Decimal) (events.OrderResult, error) {
	var res wireOrderResult
	params := map[string]string{"ticket": ticket, "volume": volume.String()}
	if err := m.call(ctx, "close_position", params, &res); err != nil {
		return events.OrderResult{}, err
	}
	return events.OrderResult{Accepted: res.Accepted, BrokerOrderID: res.BrokerOrderID, Reason: res.Reason}, nil
}

func (m *MT5) HistoryDeals(ctx context.Context, since, until time.Time, symbol string) ([]events.Deal, error) {
	params := map[string]interface{}{
		"since":  since.UTC().Unix(),
		"until":  until.UTC().Unix(),
		"symbol": symbol,
	}
	var res []wireDeal
	if err := m.call(ctx, "history_deals", params, &res); err != nil {
		return nil, err
	}
	deals := make([]events.Deal, 0, len(res))
	for _, d := range res {
		deals = append(deals, events.Deal{
			Ticket:  d.Ticket,
			Comment: d.Comment,
			Symbol:  d.Symbol,
			Side:    events.Side(d.Side),
			Volume:  parseWireDecimal(d.Volume),
			Price:   parseWireDecimal(d.Price),
			Time:    time.Unix(d.Time, 0).UTC(),
		})
	}
	return deals, nil
}

func (m *MT5) SymbolInfoTick(ctx context.Context, symbol string) (events.Tick, error) {
	var res wireTick
	if err := m.call(ctx, "symbol_info_tick", map[string]string{"symbol": symbol}, &res); err != nil {
		return events.Tick{}, err
	}
	return events.Tick{Bid: parseWireDecimal(res.Bid), Ask: parseWireDecimal(res.Ask)}, nil
}

func toPositions(in []wirePosition) []events.Position {
	out := make([]events.Position, 0, len(in))
	for _, p := range in {
		pos := events.Position{
			Ticket:     p.Ticket,
			Symbol:     p.Symbol,
			Side:       events.Side(p.Side),
			Volume:     parseWireDecimal(p.Volume),
			EntryPrice: parseWireDecimal(p.EntryPrice),
			OpenTime:   time.Unix(p.OpenTime, 0).UTC(),
		}
		if p.SL != "" {
			v := parseWireDecimal(p.SL)
			pos.SL = &v
		}
		if p.TP != "" {
			v := parseWireDecimal(p.TP)
			pos.TP = &v
		}
		out = append(out, pos)
	}
	return out
}

func parseWireDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return v
}
