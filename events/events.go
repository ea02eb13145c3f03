package events

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event is implemented by every member of the lifecycle sum type. Each event
// is immutable once constructed and carries a UTC timestamp.
type Event interface {
	At() time.Time
}

// Base carries the UTC timestamp every event embeds.
type Base struct {
	Timestamp time.Time
}

func (b Base) At() time.Time { return b.Timestamp }

// NewBase stamps a new event with the current UTC time.
func NewBase() Base { return Base{Timestamp: time.Now().UTC()} }

// SignalDetected is published by a strategy; it is the only event strategies
// are required to produce.
type SignalDetected struct {
	Base
	Symbol     string
	Side       Side
	Strength   float64
	Strategy   string
	ATR        decimal.Decimal
	MAFast     decimal.Decimal
	MASlow     decimal.Decimal
	RSI        decimal.Decimal
	Close      decimal.Decimal
}

func NewSignalDetected(symbol string, side Side, strength float64, strategy string) SignalDetected {
	return SignalDetected{Base: NewBase(), Symbol: symbol, Side: side, Strength: strength, Strategy: strategy}
}

// Validated carries the safety gate's verdict.
type Validated struct {
	Base
	Signal  SignalDetected
	IsValid bool
	Reason  string
	SLPts   decimal.Decimal
	TPPts   decimal.Decimal
	Lot     decimal.Decimal
}

// RiskApproved is published once sizing has computed final order parameters.
type RiskApproved struct {
	Base
	Signal Signal
	Req    OrderRequest
}

// Signal is the minimal carrier threaded from Validated into RiskApproved;
// it exists so RiskApproved does not need to re-embed the full Validated event.
type Signal struct {
	Symbol   string
	Side     Side
	Strategy string
}

// TradeBlocked is published when the risk governor blocks a signal.
type TradeBlocked struct {
	Base
	Symbol string
	Reason string
}

// OrderPlaced is published once a coid has been minted for a RiskApproved signal.
type OrderPlaced struct {
	Base
	Req OrderRequest
}

// Rejected covers BROKER_REJECTED, BROKER_UNREACHABLE and RECONCILIATION_TIMEOUT.
type Rejected struct {
	Base
	ClientOrderID string
	Symbol        string
	Reason        string
}

// PendingActivated is published when a pending order is acknowledged by the broker.
type PendingActivated struct {
	Base
	ClientOrderID string
	BrokerOrderID string
}

// PartiallyFilled is published on every partial fill that does not complete the order.
type PartiallyFilled struct {
	Base
	ClientOrderID string
	FillQty       decimal.Decimal
	FillPrice     decimal.Decimal
	FilledQty     decimal.Decimal
	RemainingQty  decimal.Decimal
}

// Filled is published exactly once per order, when RemainingQty reaches zero.
type Filled struct {
	Base
	ClientOrderID string
	Symbol        string
	Qty           decimal.Decimal
	Price         decimal.Decimal
	BrokerOrderID string
	PriceFallback bool // never set by the reconciler: Filled is only published with a matched deal price
}

// Cancelled is published when a broker order disappears from the open list.
type Cancelled struct {
	Base
	ClientOrderID string
	Reason        string
}

// StopUpdateRequested/StopUpdated carry SL/TP modification requests and confirmations.
type StopUpdateRequested struct {
	Base
	ClientOrderID string
	SL            *decimal.Decimal
	TP            *decimal.Decimal
}

type StopUpdated struct {
	Base
	ClientOrderID string
	SL            *decimal.Decimal
	TP            *decimal.Decimal
}

// CancelRequested carries an operator- or pipeline-initiated cancel.
type CancelRequested struct {
	Base
	ClientOrderID string
	Reason        string
}

// TradeClosed is published on position close with realized PnL; consumed by
// the risk governor to update its loss streak.
type TradeClosed struct {
	Base
	Symbol string
	PnL    decimal.Decimal
}

// ChartRequested asks the (out-of-scope) chart renderer sink to draw a chart.
type ChartRequested struct {
	Base
	Symbol string
	Reason string
}
