// Package broker defines the Gateway port consumed by the executor and
// reconciler, plus the mt5 and paper adapters that implement it. Expected
// failures are returned as values on OrderResult, not as errors; only
// infrastructure failures (connection, serialization) return a Go error.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/marrowfx/tradecore/events"
)

// ErrClosePositionUnsupported is returned by adapters that do not implement
// a native close-position call. The executor emulates it with an offsetting
// MARKET order via PlaceOrder.
var ErrClosePositionUnsupported = errors.New("broker: close_position not supported, emulate via offsetting order")

// Gateway is the broker port. Implementations must be safe for concurrent
// use by the executor and reconciler.
type Gateway interface {
	Connect(ctx context.Context) error
	IsConnected() bool
	PlaceOrder(ctx context.Context, req events.OrderRequest) (events.OrderResult, error)
	Cancel(ctx context.Context, brokerOrderID string) (bool, error)
	Positions(ctx context.Context) ([]events.Position, error)
	PositionsFor(ctx context.Context, symbol string) ([]events.Position, error)
	ClosePosition(ctx context.Context, ticket string, volume decimal.Decimal) (events.OrderResult, error)
	HistoryDeals(ctx context.Context, since, until time.Time, symbol string) ([]events.Deal, error)
	SymbolInfoTick(ctx context.Context, symbol string) (events.Tick, error)
}
