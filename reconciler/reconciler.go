// Package reconciler implements the background deal-history poller: a
// dedicated goroutine that replays the broker's deal history, matches deals
// to coids, and brings the order book's view back in line with what the
// venue actually did.
package reconciler

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/marrowfx/tradecore/broker"
	"github.com/marrowfx/tradecore/bus"
	"github.com/marrowfx/tradecore/events"
	"github.com/marrowfx/tradecore/orderbook"
)

// processedDealsCap is the soft cap on the deduplication set; the oldest
// entries are evicted above it to bound memory.
const processedDealsCap = 10_000

// Config holds the reconciler's polling and retention settings.
type Config struct {
	PollInterval    time.Duration // default 2s
	HistoryLookback time.Duration // default 2h
	CancelGrace     time.Duration // grace period before a vanished broker order is cancelled
	CleanupInterval time.Duration // how often the retention sweep runs
	CleanupMaxAge   time.Duration // default 24h
}

// DefaultConfig returns the recommended polling defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:    2 * time.Second,
		HistoryLookback: 2 * time.Hour,
		CancelGrace:     10 * time.Second,
		CleanupInterval: 10 * time.Minute,
		CleanupMaxAge:   24 * time.Hour,
	}
}

// Reconciler is the background deal-history poller.
type Reconciler struct {
	gw   broker.Gateway
	book *orderbook.Book
	bus  *bus.Bus
	cfg  Config

	// processed is the reconciler's private dedup state (never exposed): a
	// set plus an insertion-ordered queue so the soft cap can be enforced by
	// evicting the oldest entries.
	processed     map[string]struct{}
	processedList []string

	lastCleanup time.Time
}

// New builds a Reconciler over the given broker, order book and event bus.
func New(gw broker.Gateway, book *orderbook.Book, b *bus.Bus, cfg Config) *Reconciler {
	return &Reconciler{
		gw:        gw,
		book:      book,
		bus:       b,
		cfg:       cfg,
		processed: make(map[string]struct{}),
	}
}

// Run drives the poll loop until ctx is cancelled. It returns once the
// in-flight tick finishes, so shutdown stays bounded as long as
// PollInterval and one broker round-trip stay well under the runtime's
// shutdown timeout.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	r.lastCleanup = time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Reconciler) tick(ctx context.Context) {
	active, err := r.book.GetActiveOrders()
	if err != nil {
		log.Error().Err(err).Msg("reconciler: failed to load active orders, skipping tick")
		return
	}

	r.activatePending(active)
	r.pollDeals(ctx, active)
	r.cancelVanished(ctx, active)

	if time.Since(r.lastCleanup) >= r.cfg.CleanupInterval {
		r.lastCleanup = time.Now()
		removed, err := r.book.CleanupOldOrders(r.cfg.CleanupMaxAge)
		if err != nil {
			log.Error().Err(err).Msg("reconciler: cleanup sweep failed")
		} else if removed > 0 {
			log.Info().Int64("removed", removed).Msg("reconciler: retention sweep removed terminal orders")
		}
	}
}

// activatePending transitions PENDING orders that already carry a broker
// order id to ACCEPTED. Our broker adapters acknowledge synchronously
// (PlaceOrder returns the broker_order_id before the executor records the
// order), so "a broker id is found" reduces to "the record already has
// one"; there is no separate open-orders listing in the broker port to
// poll for pending-limit-order activation.
func (r *Reconciler) activatePending(active []events.OrderRecord) {
	for _, rec := range active {
		if rec.Status != events.StatusPending || rec.BrokerOrderID == "" {
			continue
		}
		if err := r.book.UpsertOnAccept(setStatus(rec, events.StatusAccepted)); err != nil {
			log.Error().Err(err).Str("coid", rec.ClientOrderID).Msg("reconciler: activation upsert failed")
			continue
		}
		r.bus.Publish(events.PendingActivated{Base: events.NewBase(), ClientOrderID: rec.ClientOrderID, BrokerOrderID: rec.BrokerOrderID})
	}
}

// pollDeals fetches history_deals per distinct symbol and applies each
// unseen, matching deal as a fill.
func (r *Reconciler) pollDeals(ctx context.Context, active []events.OrderRecord) {
	bySymbol := make(map[string][]events.OrderRecord)
	for _, rec := range active {
		bySymbol[rec.Symbol] = append(bySymbol[rec.Symbol], rec)
	}

	since := time.Now().Add(-r.cfg.HistoryLookback)
	until := time.Now()

	for symbol, orders := range bySymbol {
		deals, err := r.gw.HistoryDeals(ctx, since, until, symbol)
		if err != nil {
			log.Error().Err(err).Str("symbol", symbol).Msg("reconciler: history_deals failed, continuing to next tick")
			continue
		}
		for _, deal := range deals {
			if r.isProcessed(deal.Ticket) {
				continue
			}
			rec, matched := matchDeal(deal, orders)
			if !matched {
				continue
			}
			r.applyFill(rec.ClientOrderID, deal)
			r.markProcessed(deal.Ticket)
		}
	}
}

// matchDeal applies the exact-then-prefix coid matching rule; first match
// wins in iteration order of active orders.
func matchDeal(deal events.Deal, orders []events.OrderRecord) (events.OrderRecord, bool) {
	for _, rec := range orders {
		if deal.Comment == rec.ClientOrderID {
			return rec, true
		}
	}
	for _, rec := range orders {
		if len(deal.Comment) >= len(rec.ClientOrderID) && deal.Comment[:len(rec.ClientOrderID)] == rec.ClientOrderID {
			return rec, true
		}
	}
	return events.OrderRecord{}, false
}

func (r *Reconciler) applyFill(coid string, deal events.Deal) {
	updated, completed, err := r.book.MarkPartial(coid, deal.Volume, deal.Price)
	if err != nil {
		log.Error().Err(err).Str("coid", coid).Str("deal_ticket", deal.Ticket).Msg("reconciler: mark_partial failed")
		return
	}

	if completed {
		r.bus.Publish(events.Filled{
			Base:          events.NewBase(),
			ClientOrderID: coid,
			Symbol:        updated.Symbol,
			Qty:           updated.FilledQty,
			Price:         updated.AvgFillPrice,
			BrokerOrderID: updated.BrokerOrderID,
		})
		return
	}

	r.bus.Publish(events.PartiallyFilled{
		Base:          events.NewBase(),
		ClientOrderID: coid,
		FillQty:       deal.Volume,
		FillPrice:     deal.Price,
		FilledQty:     updated.FilledQty,
		RemainingQty:  updated.RemainingQty,
	})
}

// cancelVanished marks ACCEPTED/PARTIAL orders CANCELLED when their broker
// order no longer appears open at the venue. The
// broker port exposes positions rather than a distinct open-orders listing,
// so "still open" is approximated as "the symbol still carries at least one
// open position"; CancelGrace avoids cancelling an order in the window
// between acceptance and the position actually registering at the venue.
func (r *Reconciler) cancelVanished(ctx context.Context, active []events.OrderRecord) {
	positionsBySymbol := make(map[string][]events.Position)
	now := time.Now()

	for _, rec := range active {
		if rec.Status != events.StatusAccepted && rec.Status != events.StatusPartial {
			continue
		}
		if now.Sub(rec.UpdatedAt) < r.cfg.CancelGrace {
			continue
		}

		positions, ok := positionsBySymbol[rec.Symbol]
		if !ok {
			fetched, err := r.gw.PositionsFor(ctx, rec.Symbol)
			if err != nil {
				log.Error().Err(err).Str("symbol", rec.Symbol).Msg("reconciler: positions lookup failed, skipping cancellation check")
				continue
			}
			positions = fetched
			positionsBySymbol[rec.Symbol] = positions
		}

		if len(positions) > 0 {
			continue
		}

		if err := r.book.MarkCancelled(rec.ClientOrderID); err != nil {
			log.Error().Err(err).Str("coid", rec.ClientOrderID).Msg("reconciler: mark_cancelled failed")
			continue
		}
		r.bus.Publish(events.Cancelled{Base: events.NewBase(), ClientOrderID: rec.ClientOrderID, Reason: "broker position vanished"})
	}
}

func (r *Reconciler) isProcessed(ticket string) bool {
	_, ok := r.processed[ticket]
	return ok
}

func (r *Reconciler) markProcessed(ticket string) {
	r.processed[ticket] = struct{}{}
	r.processedList = append(r.processedList, ticket)
	if len(r.processedList) > processedDealsCap {
		evict := r.processedList[0]
		r.processedList = r.processedList[1:]
		delete(r.processed, evict)
	}
}

func setStatus(rec events.OrderRecord, status events.OrderStatus) events.OrderRecord {
	rec.Status = status
	rec.UpdatedAt = time.Now().UTC()
	return rec
}

// WaitForFill is the pipeline's per-order reconciliation helper: it polls
// the order book for coid to reach a terminal state, returning
// (true, *Filled) on success or (false, nil) on
// timeout. It does not itself talk to the broker; it observes the order
// book the Reconciler's Run loop is concurrently updating.
func WaitForFill(ctx context.Context, book *orderbook.Book, coid string, timeout, poll time.Duration) (bool, *events.Filled) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		rec, found, err := book.Get(coid)
		if err == nil && found {
			switch rec.Status {
			case events.StatusFilled:
				f := &events.Filled{
					Base:          events.NewBase(),
					ClientOrderID: coid,
					Symbol:        rec.Symbol,
					Qty:           rec.FilledQty,
					Price:         rec.AvgFillPrice,
					BrokerOrderID: rec.BrokerOrderID,
				}
				return true, f
			case events.StatusCancelled, events.StatusRejected:
				return false, nil
			}
		}

		if time.Now().After(deadline) {
			return false, nil
		}

		select {
		case <-ctx.Done():
			return false, nil
		case <-ticker.C:
		}
	}
}
