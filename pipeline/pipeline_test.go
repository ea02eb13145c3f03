package pipeline

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/marrowfx/tradecore/account"
	"github.com/marrowfx/tradecore/aggregator"
	"github.com/marrowfx/tradecore/broker"
	"github.com/marrowfx/tradecore/bus"
	"github.com/marrowfx/tradecore/config"
	"github.com/marrowfx/tradecore/events"
	"github.com/marrowfx/tradecore/executor"
	"github.com/marrowfx/tradecore/governor"
	"github.com/marrowfx/tradecore/idempotency"
	"github.com/marrowfx/tradecore/notify"
	"github.com/marrowfx/tradecore/orderbook"
	"github.com/marrowfx/tradecore/reconciler"
	"github.com/marrowfx/tradecore/safety"
	"github.com/marrowfx/tradecore/sizing"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

type captureSink struct {
	mu     sync.Mutex
	alerts []notify.Alert
}

func (s *captureSink) Notify(a notify.Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alerts)
}

type harness struct {
	bus      *bus.Bus
	governor *governor.Governor
	book     *orderbook.Book
	sink     *captureSink
	runtime  *Runtime
	cancel   context.CancelFunc
}

// newHarness wires a full runtime over gw with fast fill/poll settings.
func newHarness(t *testing.T, gw broker.Gateway, govCfg governor.Config) *harness {
	t.Helper()

	b := bus.New()

	store, err := idempotency.Open(":memory:")
	if err != nil {
		t.Fatalf("idempotency.Open failed: %v", err)
	}
	book, err := orderbook.Open(filepath.Join(t.TempDir(), "book.db"))
	if err != nil {
		t.Fatalf("orderbook.Open failed: %v", err)
	}

	gov, err := governor.New(govCfg, "")
	if err != nil {
		t.Fatalf("governor.New failed: %v", err)
	}

	limits, err := safety.NewLimitsManager(safety.LimitsConfig{
		MaxOpenPositions: 5,
		MaxTradesPerDay:  10,
		MaxDailyLossPct:  d("0.03"),
		Enabled:          true,
	}, "")
	if err != nil {
		t.Fatalf("NewLimitsManager failed: %v", err)
	}

	gate := safety.New(safety.Config{
		Session:          safety.SessionWindow{Session: config.SessionAny},
		SLMult:           d("1.5"),
		TPMult:           d("2.5"),
		MinATR:           d("0.1"),
		CooldownMult:     d("2"),
		RiskPct:          d("0.01"),
		TimeframeMinutes: 15,
	}, limits, nil, sizing.SymbolInfo{
		TickSize:        d("0.01"),
		TickValuePerLot: d("1"),
		VolumeMin:       d("0.01"),
		VolumeMax:       d("10"),
		VolumeStep:      d("0.01"),
	})

	agg := aggregator.New(aggregator.Netting, aggregator.FIFO)
	exec := executor.New(gw, store, book, agg, executor.Config{})

	reconCfg := reconciler.DefaultConfig()
	reconCfg.PollInterval = 30 * time.Millisecond
	recon := reconciler.New(gw, book, b, reconCfg)

	sink := &captureSink{}
	acct := account.NewTracker(gw, b, d("10000"))

	pcfg := DefaultConfig()
	pcfg.FillTimeout = 2 * time.Second
	pcfg.FillPoll = 20 * time.Millisecond
	pcfg.ReconciliationTimeoutAlertThreshold = 1

	rt := New(b, gov, gate, exec, book, recon, sink, acct, pcfg)

	ctx, cancel := context.WithCancel(context.Background())
	rt.Start(ctx)
	t.Cleanup(func() {
		cancel()
		rt.Shutdown()
	})

	return &harness{bus: b, governor: gov, book: book, sink: sink, runtime: rt, cancel: cancel}
}

func bullishSignal() events.SignalDetected {
	s := events.NewSignalDetected("XAUUSD", events.Buy, 0.85, "ma_cross")
	s.ATR = d("2")
	s.MAFast = d("2501")
	s.MASlow = d("2498")
	s.RSI = d("55")
	s.Close = d("2502")
	return s
}

func TestSignalFlowsThroughToFilled(t *testing.T) {
	paper := broker.NewPaper("")
	if err := paper.Connect(context.Background()); err != nil {
		t.Fatalf("paper.Connect failed: %v", err)
	}
	paper.SetTick("XAUUSD", events.Tick{Bid: d("2500"), Ask: d("2500.5")})

	h := newHarness(t, paper, governor.Config{SessionLimit: 10, LossStreakThreshold: 3, CooldownMinutes: 30})

	filledCh := make(chan events.Filled, 4)
	h.bus.Subscribe(events.Filled{}, func(e events.Event) {
		select {
		case filledCh <- e.(events.Filled):
		default:
		}
	})

	h.bus.Publish(bullishSignal())

	var filled events.Filled
	select {
	case filled = <-filledCh:
	case <-time.After(3 * time.Second):
		t.Fatal("expected a Filled event within the fill timeout")
	}

	if filled.Symbol != "XAUUSD" || !filled.Price.Equal(d("2500.5")) {
		t.Fatalf("unexpected Filled payload: %+v", filled)
	}

	rec, found, err := h.book.Get(filled.ClientOrderID)
	if err != nil || !found {
		t.Fatalf("expected an order book record, found=%v err=%v", found, err)
	}
	if rec.Status != events.StatusFilled {
		t.Fatalf("expected FILLED, got %s", rec.Status)
	}

	if got := h.governor.State().TradesToday; got != 1 {
		t.Fatalf("expected trades_today=1 after an accepted order, got %d", got)
	}
}

func TestDuplicateOrderPlacedIsDroppedWithoutRejection(t *testing.T) {
	paper := broker.NewPaper("")
	if err := paper.Connect(context.Background()); err != nil {
		t.Fatalf("paper.Connect failed: %v", err)
	}
	paper.SetTick("XAUUSD", events.Tick{Bid: d("2500"), Ask: d("2500.5")})

	h := newHarness(t, paper, governor.Config{SessionLimit: 10, LossStreakThreshold: 3, CooldownMinutes: 30})

	rejectedCh := make(chan events.Rejected, 4)
	h.bus.Subscribe(events.Rejected{}, func(e events.Event) {
		select {
		case rejectedCh <- e.(events.Rejected):
		default:
		}
	})

	req := events.OrderRequest{
		ClientOrderID: "coid_pipeline_dup",
		Symbol:        "XAUUSD",
		Side:          events.Buy,
		Qty:           d("0.10"),
		OrderType:     events.Market,
	}
	h.bus.Publish(events.OrderPlaced{Base: events.NewBase(), Req: req})
	h.bus.Publish(events.OrderPlaced{Base: events.NewBase(), Req: req})

	select {
	case r := <-rejectedCh:
		t.Fatalf("expected the duplicate to be dropped silently, got Rejected %+v", r)
	case <-time.After(200 * time.Millisecond):
	}

	positions, err := paper.PositionsFor(context.Background(), "XAUUSD")
	if err != nil {
		t.Fatalf("PositionsFor failed: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("expected exactly one broker position for the duplicated coid, got %d", len(positions))
	}
}

func TestBlockedGovernorPublishesTradeBlockedAndAlerts(t *testing.T) {
	paper := broker.NewPaper("")
	if err := paper.Connect(context.Background()); err != nil {
		t.Fatalf("paper.Connect failed: %v", err)
	}

	h := newHarness(t, paper, governor.Config{SessionLimit: 0, LossStreakThreshold: 3, CooldownMinutes: 30})

	var blocked *events.TradeBlocked
	h.bus.Subscribe(events.TradeBlocked{}, func(e events.Event) {
		tb := e.(events.TradeBlocked)
		blocked = &tb
	})

	h.bus.Publish(bullishSignal())

	if blocked == nil {
		t.Fatal("expected TradeBlocked when the governor's session budget is exhausted")
	}
	if blocked.Reason != "session_limit" {
		t.Fatalf("expected reason session_limit, got %s", blocked.Reason)
	}

	deadline := time.Now().Add(time.Second)
	for h.sink.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if h.sink.count() == 0 {
		t.Fatal("expected an operator alert for the blocked trade")
	}
}

// neverFillGateway accepts orders but never reports deals, so reconciliation
// can only time out.
type neverFillGateway struct{}

func (neverFillGateway) Connect(ctx context.Context) error { return nil }
func (neverFillGateway) IsConnected() bool                 { return true }
func (neverFillGateway) PlaceOrder(ctx context.Context, req events.OrderRequest) (events.OrderResult, error) {
	return events.OrderResult{Accepted: true, BrokerOrderID: "BRK_" + req.ClientOrderID}, nil
}
func (neverFillGateway) Cancel(ctx context.Context, brokerOrderID string) (bool, error) {
	return false, nil
}
func (neverFillGateway) Positions(ctx context.Context) ([]events.Position, error) { return nil, nil }
func (neverFillGateway) PositionsFor(ctx context.Context, symbol string) ([]events.Position, error) {
	return nil, nil
}
func (neverFillGateway) ClosePosition(ctx context.Context, ticket string, volume decimal.Decimal) (events.OrderResult, error) {
	return events.OrderResult{}, broker.ErrClosePositionUnsupported
}
func (neverFillGateway) HistoryDeals(ctx context.Context, since, until time.Time, symbol string) ([]events.Deal, error) {
	return nil, nil
}
func (neverFillGateway) SymbolInfoTick(ctx context.Context, symbol string) (events.Tick, error) {
	return events.Tick{Bid: d("2500"), Ask: d("2500.5")}, nil
}

func TestFillTimeoutPublishesReconciliationTimeout(t *testing.T) {
	h := newHarness(t, neverFillGateway{}, governor.Config{SessionLimit: 10, LossStreakThreshold: 3, CooldownMinutes: 30})
	h.runtime.cfg.FillTimeout = 150 * time.Millisecond

	rejectedCh := make(chan events.Rejected, 4)
	h.bus.Subscribe(events.Rejected{}, func(e events.Event) {
		select {
		case rejectedCh <- e.(events.Rejected):
		default:
		}
	})

	req := events.OrderRequest{
		ClientOrderID: "coid_never_fills",
		Symbol:        "XAUUSD",
		Side:          events.Buy,
		Qty:           d("0.10"),
		OrderType:     events.Market,
	}
	h.bus.Publish(events.OrderPlaced{Base: events.NewBase(), Req: req})

	select {
	case r := <-rejectedCh:
		if r.Reason != "RECONCILIATION_TIMEOUT" {
			t.Fatalf("expected RECONCILIATION_TIMEOUT, got %s", r.Reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected a Rejected event after the fill timeout")
	}
}
