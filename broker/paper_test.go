package broker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/marrowfx/tradecore/events"
)

// fakeTickFeed serves a websocket that repeats one quote frame.
func fakeTickFeed(t *testing.T, frame string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
			time.Sleep(20 * time.Millisecond)
		}
	}))
}

func TestPaperPlaceOrderFillsImmediately(t *testing.T) {
	p := NewPaper("")
	ctx := context.Background()
	if err := p.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	req := events.OrderRequest{
		ClientOrderID: "coid1",
		Symbol:        "XAUUSD",
		Side:          events.Buy,
		Qty:           decimal.NewFromFloat(0.1),
		OrderType:     events.Market,
	}

	res, err := p.PlaceOrder(ctx, req)
	if err != nil {
		t.Fatalf("PlaceOrder failed: %v", err)
	}
	if !res.Accepted || res.BrokerOrderID == "" {
		t.Fatalf("expected accepted order with a broker id, got %+v", res)
	}

	positions, err := p.PositionsFor(ctx, "XAUUSD")
	if err != nil {
		t.Fatalf("PositionsFor failed: %v", err)
	}
	if len(positions) != 1 || !positions[0].Volume.Equal(req.Qty) {
		t.Fatalf("expected one 0.1-lot position, got %+v", positions)
	}
}

func TestPaperHandleTickMessageUpdatesQuotes(t *testing.T) {
	p := NewPaper("")

	p.handleTickMessage([]byte(`{"symbol":"XAUUSD","bid":"2500.10","ask":"2500.60"}`))

	tick, err := p.SymbolInfoTick(context.Background(), "XAUUSD")
	if err != nil {
		t.Fatalf("SymbolInfoTick failed: %v", err)
	}
	if !tick.Bid.Equal(decimal.NewFromFloat(2500.10)) || !tick.Ask.Equal(decimal.NewFromFloat(2500.60)) {
		t.Fatalf("expected the feed frame to update the quote, got %+v", tick)
	}

	// malformed and incomplete frames are dropped without clobbering state
	p.handleTickMessage([]byte(`not-json`))
	p.handleTickMessage([]byte(`{"symbol":"XAUUSD","bid":"oops","ask":"2501"}`))
	tick, _ = p.SymbolInfoTick(context.Background(), "XAUUSD")
	if !tick.Bid.Equal(decimal.NewFromFloat(2500.10)) {
		t.Fatalf("expected bad frames to be ignored, got %+v", tick)
	}
}

func TestPaperConnectConsumesTickFeed(t *testing.T) {
	srv := fakeTickFeed(t, `{"symbol":"EURUSD","bid":"1.0940","ask":"1.0942"}`)
	defer srv.Close()

	p := NewPaper(wsURL(srv))
	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer p.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		tick, err := p.SymbolInfoTick(context.Background(), "EURUSD")
		if err == nil && tick.Bid.Equal(decimal.NewFromFloat(1.0940)) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected the websocket feed to populate the EURUSD quote")
}

func TestPaperPlaceOrderRejectsInvalidRequest(t *testing.T) {
	p := NewPaper("")
	res, err := p.PlaceOrder(context.Background(), events.OrderRequest{
		ClientOrderID: "coid2",
		Symbol:        "XAUUSD",
		Side:          events.Buy,
		Qty:           decimal.Zero,
		OrderType:     events.Market,
	})
	if err != nil {
		t.Fatalf("PlaceOrder returned an error instead of a rejection: %v", err)
	}
	if res.Accepted {
		t.Fatal("expected a zero-quantity order to be rejected")
	}
}

func TestPaperHistoryDealsFiltersBySymbolAndWindow(t *testing.T) {
	p := NewPaper("")
	ctx := context.Background()

	if _, err := p.PlaceOrder(ctx, events.OrderRequest{
		ClientOrderID: "coid3", Symbol: "XAUUSD", Side: events.Buy,
		Qty: decimal.NewFromFloat(0.1), OrderType: events.Market,
	}); err != nil {
		t.Fatalf("PlaceOrder failed: %v", err)
	}

	deals, err := p.HistoryDeals(ctx, time.Now().Add(-time.Minute), time.Now().Add(time.Minute), "XAUUSD")
	if err != nil {
		t.Fatalf("HistoryDeals failed: %v", err)
	}
	if len(deals) != 1 || deals[0].Comment != "coid3" {
		t.Fatalf("expected one deal matching coid3, got %+v", deals)
	}

	none, err := p.HistoryDeals(ctx, time.Now().Add(-time.Minute), time.Now().Add(time.Minute), "EURUSD")
	if err != nil {
		t.Fatalf("HistoryDeals failed: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected no deals for a different symbol, got %+v", none)
	}
}

func TestPaperClosePositionPartial(t *testing.T) {
	p := NewPaper("")
	ctx := context.Background()

	res, err := p.PlaceOrder(ctx, events.OrderRequest{
		ClientOrderID: "coid4", Symbol: "XAUUSD", Side: events.Buy,
		Qty: decimal.NewFromFloat(1.0), OrderType: events.Market,
	})
	if err != nil {
		t.Fatalf("PlaceOrder failed: %v", err)
	}

	closeRes, err := p.ClosePosition(ctx, res.BrokerOrderID, decimal.NewFromFloat(0.4))
	if err != nil {
		t.Fatalf("ClosePosition failed: %v", err)
	}
	if !closeRes.Accepted {
		t.Fatalf("expected ClosePosition to be accepted, got %+v", closeRes)
	}

	positions, err := p.PositionsFor(ctx, "XAUUSD")
	if err != nil {
		t.Fatalf("PositionsFor failed: %v", err)
	}
	if len(positions) != 1 || !positions[0].Volume.Equal(decimal.NewFromFloat(0.6)) {
		t.Fatalf("expected remaining volume 0.6, got %+v", positions)
	}
}
