package aggregator

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/marrowfx/tradecore/events"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func pos(ticket string, side events.Side, volume, entry string, age time.Duration) events.Position {
	return events.Position{
		Ticket:     ticket,
		Side:       side,
		Volume:     dec(volume),
		EntryPrice: dec(entry),
		OpenTime:   time.Now().Add(-age),
	}
}

func TestHedgingModeNeverReduces(t *testing.T) {
	a := New(Hedging, FIFO)
	positions := []events.Position{pos("t1", events.Buy, "0.4", "2500", time.Hour)}

	r := a.Process(events.Sell, dec("0.3"), dec("2500"), positions)

	if len(r.ReduceActions) != 0 {
		t.Fatalf("expected no reduce actions in hedging mode, got %v", r.ReduceActions)
	}
	if !r.RemainingVolume.Equal(dec("0.3")) {
		t.Fatalf("expected remaining volume 0.3, got %s", r.RemainingVolume)
	}
}

func TestNettingNoOpposingPositions(t *testing.T) {
	a := New(Netting, FIFO)
	positions := []events.Position{pos("t1", events.Buy, "0.4", "2500", time.Hour)}

	r := a.Process(events.Buy, dec("0.3"), dec("2500"), positions)

	if len(r.ReduceActions) != 0 {
		t.Fatalf("expected no reduce actions when no opposing stock, got %v", r.ReduceActions)
	}
	if !r.RemainingVolume.Equal(dec("0.3")) {
		t.Fatalf("expected remaining volume 0.3, got %s", r.RemainingVolume)
	}
}

// A 0.5 SELL against 1.0 of BUY stock splits proportionally across three positions.
func TestProportionalReduction(t *testing.T) {
	a := New(Netting, Proportional)
	positions := []events.Position{
		pos("t1", events.Buy, "0.4", "2500", 3*time.Hour),
		pos("t2", events.Buy, "0.4", "2505", 2*time.Hour),
		pos("t3", events.Buy, "0.2", "2510", time.Hour),
	}

	r := a.Process(events.Sell, dec("0.5"), dec("0"), positions)

	want := map[string]string{"t1": "0.2", "t2": "0.2", "t3": "0.1"}
	if len(r.ReduceActions) != 3 {
		t.Fatalf("expected 3 reduce actions, got %d", len(r.ReduceActions))
	}
	for _, act := range r.ReduceActions {
		expected := dec(want[act.PositionTicket])
		if act.ReduceVolume.Sub(expected).Abs().GreaterThan(dec("0.000001")) {
			t.Fatalf("ticket %s: expected reduce %s, got %s", act.PositionTicket, expected, act.ReduceVolume)
		}
	}
	if !r.RemainingVolume.IsZero() {
		t.Fatalf("expected remaining volume 0, got %s", r.RemainingVolume)
	}
	if r.NetPositionSide == nil || *r.NetPositionSide != events.Buy {
		t.Fatalf("expected net side BUY (unchanged), got %v", r.NetPositionSide)
	}
	if r.AverageClosePrice.Sub(dec("2504.0")).Abs().GreaterThan(dec("0.000001")) {
		t.Fatalf("expected average close price 2504.0, got %s", r.AverageClosePrice)
	}
}

// FIFO full closure of all opposing stock, residual carried to the incoming side.
func TestFIFOFullClosurePlusResidual(t *testing.T) {
	a := New(Netting, FIFO)
	positions := []events.Position{
		pos("t1", events.Buy, "0.5", "2490", 30*time.Minute),
		pos("t2", events.Buy, "0.3", "2495", 20*time.Minute),
	}

	r := a.Process(events.Sell, dec("1.2"), dec("0"), positions)

	if len(r.ReduceActions) != 2 {
		t.Fatalf("expected 2 reduce actions, got %d", len(r.ReduceActions))
	}
	if !r.ReduceActions[0].ReduceVolume.Equal(dec("0.5")) || r.ReduceActions[0].PositionTicket != "t1" {
		t.Fatalf("expected t1 reduced by 0.5 first (FIFO), got %+v", r.ReduceActions[0])
	}
	if !r.ReduceActions[1].ReduceVolume.Equal(dec("0.3")) || r.ReduceActions[1].PositionTicket != "t2" {
		t.Fatalf("expected t2 reduced by 0.3 second (FIFO), got %+v", r.ReduceActions[1])
	}
	if !r.RemainingVolume.Equal(dec("0.4")) {
		t.Fatalf("expected remaining volume 0.4, got %s", r.RemainingVolume)
	}
	if r.NetPositionSide == nil || *r.NetPositionSide != events.Sell {
		t.Fatalf("expected net side SELL, got %v", r.NetPositionSide)
	}
}

func TestLIFOOrdersByMostRecentFirst(t *testing.T) {
	a := New(Netting, LIFO)
	positions := []events.Position{
		pos("older", events.Buy, "0.3", "2490", 30*time.Minute),
		pos("newer", events.Buy, "0.3", "2495", 5*time.Minute),
	}

	r := a.Process(events.Sell, dec("0.3"), dec("0"), positions)

	if len(r.ReduceActions) != 1 || r.ReduceActions[0].PositionTicket != "newer" {
		t.Fatalf("expected LIFO to consume the newer position first, got %+v", r.ReduceActions)
	}
}

func TestReduceActionsPlusRemainingEqualsIncomingVolume(t *testing.T) {
	a := New(Netting, FIFO)
	positions := []events.Position{pos("t1", events.Buy, "0.6", "2500", time.Hour)}

	r := a.Process(events.Sell, dec("1.0"), dec("0"), positions)

	sum := decimal.Zero
	for _, act := range r.ReduceActions {
		sum = sum.Add(act.ReduceVolume)
	}
	total := sum.Add(r.RemainingVolume)
	if !total.Equal(dec("1.0")) {
		t.Fatalf("expected reduce+remaining == incoming volume, got %s", total)
	}
}
