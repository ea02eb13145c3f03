// Package events defines the value types and event sum type that flow
// through the pipeline: orders, positions, and the immutable lifecycle
// events published on the bus.
package events

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order or position.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderType selects how an order is routed at the venue.
type OrderType string

const (
	Market OrderType = "MARKET"
	Limit  OrderType = "LIMIT"
	Stop   OrderType = "STOP"
)

// OrderStatus is the lifecycle state of an OrderRecord.
type OrderStatus string

const (
	StatusPending   OrderStatus = "PENDING"
	StatusAccepted  OrderStatus = "ACCEPTED"
	StatusPartial   OrderStatus = "PARTIAL"
	StatusFilled    OrderStatus = "FILLED"
	StatusCancelled OrderStatus = "CANCELLED"
	StatusRejected  OrderStatus = "REJECTED"
	StatusExpired   OrderStatus = "EXPIRED"
)

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected, StatusExpired:
		return true
	default:
		return false
	}
}

// OrderRequest is what the pipeline asks the executor to place.
//
// Invariant: OrderType != Market implies Price is present and positive.
type OrderRequest struct {
	ClientOrderID string // 24-char deterministic hash, the coid
	Symbol        string
	Side          Side
	Qty           decimal.Decimal
	OrderType     OrderType
	SL            *decimal.Decimal
	TP            *decimal.Decimal
	Price         *decimal.Decimal
}

// Valid reports whether the request is well formed: positive quantity, and
// a positive price for non-market orders.
func (r OrderRequest) Valid() bool {
	if r.Qty.LessThanOrEqual(decimal.Zero) {
		return false
	}
	if r.OrderType != Market {
		return r.Price != nil && r.Price.GreaterThan(decimal.Zero)
	}
	return true
}

// OrderResult is the broker's (or executor's) answer to a place/close call.
//
// Invariant: Accepted implies BrokerOrderID is present.
type OrderResult struct {
	Accepted      bool
	BrokerOrderID string
	Reason        string
}

// Position is a broker-reported open position.
type Position struct {
	Ticket     string
	Symbol     string
	Side       Side
	Volume     decimal.Decimal
	EntryPrice decimal.Decimal
	OpenTime   time.Time
	SL         *decimal.Decimal
	TP         *decimal.Decimal
}

// SignedQty returns the signed representation used by broker-facing lists:
// positive for long, negative for short, identical magnitude.
func (p Position) SignedQty() decimal.Decimal {
	if p.Side == Sell {
		return p.Volume.Neg()
	}
	return p.Volume
}

// Deal is a single execution report from the venue.
type Deal struct {
	Ticket  string
	Comment string
	Symbol  string
	Side    Side
	Volume  decimal.Decimal
	Price   decimal.Decimal
	Time    time.Time
}

// Tick is a current bid/ask quote.
type Tick struct {
	Bid decimal.Decimal
	Ask decimal.Decimal
}

// OrderRecord is the order book's entry for one coid.
//
// Invariants: FilledQty + RemainingQty == Qty at all times; Status == FILLED
// iff RemainingQty <= tolerance and FilledQty > 0; Status == PARTIAL iff
// 0 < FilledQty < Qty.
type OrderRecord struct {
	ClientOrderID string
	Symbol        string
	Side          Side
	Qty           decimal.Decimal
	FilledQty     decimal.Decimal
	RemainingQty  decimal.Decimal
	AvgFillPrice  decimal.Decimal
	Status        OrderStatus
	BrokerOrderID string
	SL            *decimal.Decimal
	TP            *decimal.Decimal
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// SentOrderRow is one row of the idempotency ledger.
type SentOrderRow struct {
	ClientOrderID string
	BrokerOrderID string
	CreatedAt     time.Time
	Symbol        string
	Side          Side
	Qty           decimal.Decimal
}

// ReduceAction closes or reduces one existing position as part of netting.
type ReduceAction struct {
	PositionTicket string
	ReduceVolume   decimal.Decimal
	ClosePrice     decimal.Decimal
	Reason         string
}

// NettingResult is the pure output of the position aggregator.
type NettingResult struct {
	ReduceActions     []ReduceAction
	RemainingVolume   decimal.Decimal
	AverageClosePrice decimal.Decimal
	NetPositionSide   *Side
	Summary           string
}

// GovernorState is the risk governor's persisted, restart-surviving state.
type GovernorState struct {
	TradesToday       int
	ConsecutiveLosses int
	LastTradeTS       *time.Time
	CooldownUntil     *time.Time
	BlackoutUntil     *time.Time
	SessionDate       string // YYYY-MM-DD in Asia/Ulaanbaatar
}
