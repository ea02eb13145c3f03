// Package pipeline implements the orchestrator: it wires the event bus
// subscribers that carry a signal from SignalDetected through to
// Filled/Rejected, owns the reconciler goroutine and the sink work queue,
// and bounds shutdown.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/marrowfx/tradecore/bus"
	"github.com/marrowfx/tradecore/events"
	"github.com/marrowfx/tradecore/executor"
	"github.com/marrowfx/tradecore/governor"
	"github.com/marrowfx/tradecore/notify"
	"github.com/marrowfx/tradecore/orderbook"
	"github.com/marrowfx/tradecore/reconciler"
	"github.com/marrowfx/tradecore/safety"
)

// AccountProvider supplies the account-level facts the Validated step needs:
// current equity, the symbol's open-position count, and the timestamp of
// its last trade (for the cooldown check).
type AccountProvider interface {
	Equity(ctx context.Context) (decimal.Decimal, error)
	OpenPositionsCount(ctx context.Context, symbol string) (int, error)
	LastTradeTimestamp(symbol string) *time.Time
}

// Config holds the orchestrator's tunables.
type Config struct {
	FillTimeout     time.Duration // default 3s
	FillPoll        time.Duration // default 250ms
	Workers         int           // work-queue worker count, default 2
	QueueSize       int           // work-queue buffer size, default 64
	ShutdownTimeout time.Duration // bounded reconciler/worker shutdown wait, default 5s

	// ReconciliationTimeoutAlertThreshold is the number of consecutive
	// RECONCILIATION_TIMEOUT rejections for one symbol before an operator
	// alert fires.
	ReconciliationTimeoutAlertThreshold int
}

// DefaultConfig returns the recommended defaults.
func DefaultConfig() Config {
	return Config{
		FillTimeout:                         3 * time.Second,
		FillPoll:                            250 * time.Millisecond,
		Workers:                             2,
		QueueSize:                           64,
		ShutdownTimeout:                     5 * time.Second,
		ReconciliationTimeoutAlertThreshold: 3,
	}
}

// Runtime owns the main pipeline thread's subscriptions, the reconciler
// goroutine, and the worker pool draining the sink work queue: one place
// holding the cancellation token and the shutdown timeout.
type Runtime struct {
	bus       *bus.Bus
	governor  *governor.Governor
	gate      *safety.Gate
	executor  *executor.Executor
	book      *orderbook.Book
	recon     *reconciler.Reconciler
	sink      notify.Sink
	account   AccountProvider
	cfg       Config

	workQueue chan func()
	workersWG sync.WaitGroup
	reconDone chan struct{}

	mu                  sync.Mutex
	consecutiveTimeouts map[string]int
}

// New wires a Runtime over its already-constructed components.
func New(b *bus.Bus, gov *governor.Governor, gate *safety.Gate, exec *executor.Executor, book *orderbook.Book, recon *reconciler.Reconciler, sink notify.Sink, account AccountProvider, cfg Config) *Runtime {
	return &Runtime{
		bus:                 b,
		governor:            gov,
		gate:                gate,
		executor:            exec,
		book:                book,
		recon:               recon,
		sink:                sink,
		account:             account,
		cfg:                 cfg,
		workQueue:           make(chan func(), cfg.QueueSize),
		reconDone:           make(chan struct{}),
		consecutiveTimeouts: make(map[string]int),
	}
}

// Start registers every subscriber before any publish can happen, then
// launches the reconciler goroutine and the work-queue workers.
func (rt *Runtime) Start(ctx context.Context) {
	rt.bus.Subscribe(events.SignalDetected{}, func(e events.Event) { rt.onSignalDetected(ctx, e.(events.SignalDetected)) })
	rt.bus.Subscribe(events.Validated{}, func(e events.Event) { rt.onValidated(e.(events.Validated)) })
	rt.bus.Subscribe(events.RiskApproved{}, func(e events.Event) { rt.onRiskApproved(e.(events.RiskApproved)) })
	rt.bus.Subscribe(events.OrderPlaced{}, func(e events.Event) { rt.onOrderPlaced(ctx, e.(events.OrderPlaced)) })
	rt.bus.Subscribe(events.TradeClosed{}, func(e events.Event) { rt.onTradeClosed(e.(events.TradeClosed)) })
	rt.bus.Subscribe(events.TradeBlocked{}, func(e events.Event) { rt.onTradeBlocked(e.(events.TradeBlocked)) })

	for i := 0; i < rt.cfg.Workers; i++ {
		rt.workersWG.Add(1)
		go rt.worker()
	}

	go func() {
		rt.recon.Run(ctx)
		close(rt.reconDone)
	}()
}

// Shutdown waits for the reconciler and worker pool to drain, bounded by
// cfg.ShutdownTimeout; in-flight broker calls finish. Callers must have
// already cancelled the context passed to Start.
func (rt *Runtime) Shutdown() {
	close(rt.workQueue)

	done := make(chan struct{})
	go func() {
		rt.workersWG.Wait()
		<-rt.reconDone
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(rt.cfg.ShutdownTimeout):
		log.Warn().Dur("timeout", rt.cfg.ShutdownTimeout).Msg("pipeline: shutdown timed out waiting for workers/reconciler")
	}
}

func (rt *Runtime) worker() {
	defer rt.workersWG.Done()
	for fn := range rt.workQueue {
		fn()
	}
}

// submit enqueues fn onto the work queue without blocking the calling
// handler; a full queue drops the work and logs.
func (rt *Runtime) submit(fn func()) {
	select {
	case rt.workQueue <- fn:
	default:
		log.Warn().Msg("pipeline: work queue full, dropping queued work")
	}
}

func (rt *Runtime) notify(alert notify.Alert) {
	rt.submit(func() { rt.sink.Notify(alert) })
}

// onSignalDetected runs the governor check, then the safety gate (which
// also performs sizing behind its single Evaluate call), then publishes
// Validated.
func (rt *Runtime) onSignalDetected(ctx context.Context, signal events.SignalDetected) {
	now := time.Now()

	if ok, reason := rt.governor.CanTrade(now); !ok {
		rt.bus.Publish(events.TradeBlocked{Base: events.NewBase(), Symbol: signal.Symbol, Reason: reason})
		return
	}

	equity, err := rt.account.Equity(ctx)
	if err != nil {
		log.Error().Err(err).Str("symbol", signal.Symbol).Msg("pipeline: equity lookup failed, treating as zero equity")
		equity = decimal.Zero
	}
	openPositions, err := rt.account.OpenPositionsCount(ctx, signal.Symbol)
	if err != nil {
		log.Error().Err(err).Str("symbol", signal.Symbol).Msg("pipeline: open-position count lookup failed, assuming none")
		openPositions = 0
	}

	market := safety.MarketState{
		ATR:    signal.ATR,
		MAFast: signal.MAFast,
		MASlow: signal.MASlow,
		RSI:    signal.RSI,
		Close:  signal.Close,
	}
	account := safety.AccountState{
		Equity:        equity,
		OpenPositions: openPositions,
		LastTradeTS:   rt.account.LastTradeTimestamp(signal.Symbol),
	}

	decision := rt.gate.Evaluate(ctx, signal, market, account, now)
	isValid := decision.Action != safety.ActionHold

	rt.bus.Publish(events.Validated{
		Base:    events.NewBase(),
		Signal:  signal,
		IsValid: isValid,
		Reason:  decision.Reason,
		SLPts:   decision.SLPts,
		TPPts:   decision.TPPts,
		Lot:     decision.Lot,
	})
}

// onValidated mints the absolute SL/TP levels and the order request, then
// publishes RiskApproved.
func (rt *Runtime) onValidated(validated events.Validated) {
	if !validated.IsValid {
		return
	}

	signal := validated.Signal
	sl, tp := slTpPrices(signal.Side, signal.Close, validated.SLPts, validated.TPPts)

	req := events.OrderRequest{
		Symbol:    signal.Symbol,
		Side:      signal.Side,
		Qty:       validated.Lot,
		OrderType: events.Market,
		SL:        &sl,
		TP:        &tp,
	}

	rt.bus.Publish(events.RiskApproved{
		Base:   events.NewBase(),
		Signal: events.Signal{Symbol: signal.Symbol, Side: signal.Side, Strategy: signal.Strategy},
		Req:    req,
	})
}

func slTpPrices(side events.Side, close, slPts, tpPts decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	if side == events.Sell {
		return close.Add(slPts), close.Sub(tpPts)
	}
	return close.Sub(slPts), close.Add(tpPts)
}

// onRiskApproved mints the deterministic coid and publishes OrderPlaced.
func (rt *Runtime) onRiskApproved(approved events.RiskApproved) {
	coid := events.MakeCOID(approved.Signal.Symbol, approved.Signal.Side, approved.Signal.Strategy, time.Now())
	req := approved.Req
	req.ClientOrderID = coid
	rt.bus.Publish(events.OrderPlaced{Base: events.NewBase(), Req: req})
}

// onOrderPlaced forwards the order to the executor, then waits for the
// reconciler to observe a fill. The reconciler is the sole publisher of
// Filled/PartiallyFilled; this handler only emits Rejected, either
// immediately on a broker-level rejection or after the fill-wait boundary
// times out.
func (rt *Runtime) onOrderPlaced(ctx context.Context, placed events.OrderPlaced) {
	req := placed.Req
	result := rt.executor.Place(ctx, req)

	if !result.Accepted {
		if result.Reason == "DUPLICATE_COID" {
			log.Warn().Str("coid", req.ClientOrderID).Msg("pipeline: duplicate coid, dropping")
			return
		}
		rt.bus.Publish(events.Rejected{Base: events.NewBase(), ClientOrderID: req.ClientOrderID, Symbol: req.Symbol, Reason: result.Reason})
		rt.notify(notify.Alert{Kind: notify.KindBrokerUnreachable, Symbol: req.Symbol, Reason: result.Reason, At: time.Now()})
		return
	}

	now := time.Now()
	rt.governor.RecordTrade(now)
	equity, err := rt.account.Equity(ctx)
	if err != nil {
		equity = decimal.Zero
	}
	rt.gate.RecordTrade(req.Symbol, equity, now)

	ok, _ := reconciler.WaitForFill(ctx, rt.book, req.ClientOrderID, rt.cfg.FillTimeout, rt.cfg.FillPoll)
	if ok {
		rt.resetTimeoutStreak(req.Symbol)
		return
	}

	rt.bus.Publish(events.Rejected{Base: events.NewBase(), ClientOrderID: req.ClientOrderID, Symbol: req.Symbol, Reason: "RECONCILIATION_TIMEOUT"})
	rt.recordTimeoutAndMaybeAlert(req.Symbol)
}

func (rt *Runtime) recordTimeoutAndMaybeAlert(symbol string) {
	rt.mu.Lock()
	rt.consecutiveTimeouts[symbol]++
	count := rt.consecutiveTimeouts[symbol]
	rt.mu.Unlock()

	if count >= rt.cfg.ReconciliationTimeoutAlertThreshold {
		rt.notify(notify.Alert{
			Kind:   notify.KindReconciliationTimeout,
			Symbol: symbol,
			Reason: fmt.Sprintf("%d consecutive reconciliation timeouts", count),
			At:     time.Now(),
		})
		rt.mu.Lock()
		rt.consecutiveTimeouts[symbol] = 0
		rt.mu.Unlock()
	}
}

func (rt *Runtime) resetTimeoutStreak(symbol string) {
	rt.mu.Lock()
	rt.consecutiveTimeouts[symbol] = 0
	rt.mu.Unlock()
}

func (rt *Runtime) onTradeClosed(closed events.TradeClosed) {
	rt.governor.OnTradeClosed(closed)
}

func (rt *Runtime) onTradeBlocked(blocked events.TradeBlocked) {
	rt.notify(notify.Alert{Kind: notify.KindRiskBlocked, Symbol: blocked.Symbol, Reason: blocked.Reason, At: time.Now()})
}
