package events

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestMakeCOIDIsDeterministicWithinMinuteBucket(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 30, 5, 0, time.UTC)
	sameMinute := base.Add(40 * time.Second)
	nextMinute := base.Add(time.Minute)

	a := MakeCOID("XAUUSD", Buy, "ma_cross", base)
	b := MakeCOID("XAUUSD", Buy, "ma_cross", sameMinute)
	c := MakeCOID("XAUUSD", Buy, "ma_cross", nextMinute)

	if a != b {
		t.Fatalf("expected identical coids within one minute bucket, got %s vs %s", a, b)
	}
	if a == c {
		t.Fatal("expected a different coid in the next minute bucket")
	}
	if len(a) != 24 {
		t.Fatalf("expected a 24-char coid, got %d chars (%s)", len(a), a)
	}
	for _, r := range a {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')) {
			t.Fatalf("expected lowercase hex, got %q in %s", r, a)
		}
	}
}

func TestMakeCOIDVariesByInputs(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	base := MakeCOID("XAUUSD", Buy, "ma_cross", at)

	if MakeCOID("EURUSD", Buy, "ma_cross", at) == base {
		t.Fatal("expected symbol to affect the coid")
	}
	if MakeCOID("XAUUSD", Sell, "ma_cross", at) == base {
		t.Fatal("expected side to affect the coid")
	}
	if MakeCOID("XAUUSD", Buy, "breakout", at) == base {
		t.Fatal("expected strategy to affect the coid")
	}
}

func TestOrderRequestValid(t *testing.T) {
	price := dec("2500")
	cases := []struct {
		name string
		req  OrderRequest
		want bool
	}{
		{"market with positive qty", OrderRequest{Side: Buy, Qty: dec("0.1"), OrderType: Market}, true},
		{"zero qty", OrderRequest{Side: Buy, Qty: dec("0"), OrderType: Market}, false},
		{"limit without price", OrderRequest{Side: Buy, Qty: dec("0.1"), OrderType: Limit}, false},
		{"limit with price", OrderRequest{Side: Buy, Qty: dec("0.1"), OrderType: Limit, Price: &price}, true},
	}
	for _, tc := range cases {
		if got := tc.req.Valid(); got != tc.want {
			t.Errorf("%s: Valid() = %v, want %v", tc.name, got, tc.want)
		}
	}
}
