// Package executor implements the idempotent executor: it wraps the broker
// port with dedup against the idempotency ledger and netting against the
// position aggregator. A coid is forwarded to the broker at most once;
// reduce legs run before the residual; a broker failure on the residual
// leaves the coid unrecorded so the order can be retried.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/marrowfx/tradecore/aggregator"
	"github.com/marrowfx/tradecore/broker"
	"github.com/marrowfx/tradecore/events"
	"github.com/marrowfx/tradecore/idempotency"
	"github.com/marrowfx/tradecore/orderbook"
)

// Config holds the executor's runtime switches.
type Config struct {
	// DryRun, when true, short-circuits the broker entirely: no positions
	// are fetched, no netting is computed, and a synthetic acceptance is
	// recorded against the coid.
	DryRun bool
}

// Executor is the idempotent, netting-aware order forwarder.
type Executor struct {
	gw    broker.Gateway
	store *idempotency.Store
	book  *orderbook.Book
	agg   *aggregator.Aggregator
	cfg   Config
}

// New builds an Executor over the given broker, ledger, order book and
// aggregator.
func New(gw broker.Gateway, store *idempotency.Store, book *orderbook.Book, agg *aggregator.Aggregator, cfg Config) *Executor {
	return &Executor{gw: gw, store: store, book: book, agg: agg, cfg: cfg}
}

// Place runs the ordered steps: already-sent check, netting against current
// positions, reduce-actions, then a residual order (if any) under req's own
// coid.
func (e *Executor) Place(ctx context.Context, req events.OrderRequest) events.OrderResult {
	if e.store.AlreadySent(req.ClientOrderID) {
		return events.OrderResult{Accepted: false, Reason: "DUPLICATE_COID"}
	}

	if e.cfg.DryRun {
		return e.placeDryRun(req)
	}

	positions, err := e.gw.PositionsFor(ctx, req.Symbol)
	if err != nil {
		log.Warn().Err(err).Str("symbol", req.Symbol).Msg("executor: positions lookup failed, proceeding with no known positions")
		positions = nil
	}

	incomingPrice := decimal.Zero
	if req.Price != nil {
		incomingPrice = *req.Price
	}
	nr := e.agg.Process(req.Side, req.Qty, incomingPrice, positions)

	e.dispatchReduceActions(ctx, req.Symbol, req.Side, nr.ReduceActions)

	if nr.RemainingVolume.GreaterThan(decimal.Zero) {
		return e.placeResidual(ctx, req, nr.RemainingVolume)
	}

	return e.recordNetted(req)
}

func (e *Executor) placeDryRun(req events.OrderRequest) events.OrderResult {
	brokerID := "DRYRUN_" + req.ClientOrderID
	if err := e.store.Record(events.SentOrderRow{
		ClientOrderID: req.ClientOrderID,
		BrokerOrderID: brokerID,
		CreatedAt:     time.Now().UTC(),
		Symbol:        req.Symbol,
		Side:          req.Side,
		Qty:           req.Qty,
	}); err != nil {
		log.Error().Err(err).Str("coid", req.ClientOrderID).Msg("executor: dry-run record failed")
	}
	return events.OrderResult{Accepted: true, BrokerOrderID: brokerID}
}

// dispatchReduceActions sends one broker call per reduce-action; a failure
// on one action is logged and does not abort the remaining ones.
func (e *Executor) dispatchReduceActions(ctx context.Context, symbol string, incomingSide events.Side, actions []events.ReduceAction) {
	for _, action := range actions {
		coid := events.MakeReduceCOID(action.PositionTicket, time.Now())
		result, err := e.gw.ClosePosition(ctx, action.PositionTicket, action.ReduceVolume)
		if err == broker.ErrClosePositionUnsupported {
			result, err = e.gw.PlaceOrder(ctx, events.OrderRequest{
				ClientOrderID: coid,
				Symbol:        symbol,
				Side:          incomingSide,
				Qty:           action.ReduceVolume,
				OrderType:     events.Market,
			})
		}
		if err != nil {
			log.Error().Err(err).Str("ticket", action.PositionTicket).Str("reduce_coid", coid).Msg("executor: reduce-action failed, continuing with remaining actions")
			continue
		}
		if !result.Accepted {
			log.Warn().Str("ticket", action.PositionTicket).Str("reduce_coid", coid).Str("reason", result.Reason).Msg("executor: reduce-action rejected by broker")
			continue
		}
		log.Info().Str("ticket", action.PositionTicket).Str("volume", action.ReduceVolume.String()).Str("broker_order_id", result.BrokerOrderID).Msg("executor: reduce-action accepted")
	}
}

// placeResidual forwards the leftover volume under req's own coid. On a
// broker error the coid is deliberately left unrecorded so a retry under the
// same coid remains possible.
func (e *Executor) placeResidual(ctx context.Context, req events.OrderRequest, remaining decimal.Decimal) events.OrderResult {
	residual := req
	residual.Qty = remaining

	result, err := e.gw.PlaceOrder(ctx, residual)
	if err != nil {
		return events.OrderResult{Accepted: false, Reason: fmt.Sprintf("broker error: %v", err)}
	}
	if !result.Accepted {
		return result
	}

	if err := e.store.Record(events.SentOrderRow{
		ClientOrderID: req.ClientOrderID,
		BrokerOrderID: result.BrokerOrderID,
		CreatedAt:     time.Now().UTC(),
		Symbol:        req.Symbol,
		Side:          req.Side,
		Qty:           remaining,
	}); err != nil {
		log.Error().Err(err).Str("coid", req.ClientOrderID).Msg("executor: record failed after accepted residual")
	}

	rec := events.OrderRecord{
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Qty:           remaining,
		RemainingQty:  remaining,
		Status:        events.StatusPending,
		BrokerOrderID: result.BrokerOrderID,
		SL:            req.SL,
		TP:            req.TP,
	}
	if err := e.book.UpsertOnAccept(rec); err != nil {
		log.Error().Err(err).Str("coid", req.ClientOrderID).Msg("executor: order book upsert failed")
	}

	return result
}

// recordNetted handles the fully-absorbed case: nothing is sent to the
// broker, but the coid is still recorded with a synthetic broker_order_id
// so a later retry with the same coid is still blocked.
func (e *Executor) recordNetted(req events.OrderRequest) events.OrderResult {
	brokerID := events.NettedBrokerID(req.ClientOrderID)
	if err := e.store.Record(events.SentOrderRow{
		ClientOrderID: req.ClientOrderID,
		BrokerOrderID: brokerID,
		CreatedAt:     time.Now().UTC(),
		Symbol:        req.Symbol,
		Side:          req.Side,
		Qty:           decimal.Zero,
	}); err != nil {
		log.Error().Err(err).Str("coid", req.ClientOrderID).Msg("executor: record failed for netted order")
	}
	return events.OrderResult{Accepted: true, BrokerOrderID: brokerID}
}
