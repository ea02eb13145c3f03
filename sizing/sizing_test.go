package sizing

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/marrowfx/tradecore/events"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestSLTPByATRBuy(t *testing.T) {
	sl, tp := SLTPByATR(events.Buy, d("2500"), d("2"), d("1.5"), d("2.5"))
	if !sl.Equal(d("2497")) {
		t.Fatalf("expected sl 2497, got %s", sl)
	}
	if !tp.Equal(d("2505")) {
		t.Fatalf("expected tp 2505, got %s", tp)
	}
}

func TestSLTPByATRSellMirrored(t *testing.T) {
	sl, tp := SLTPByATR(events.Sell, d("2500"), d("2"), d("1.5"), d("2.5"))
	if !sl.Equal(d("2503")) {
		t.Fatalf("expected sl 2503, got %s", sl)
	}
	if !tp.Equal(d("2495")) {
		t.Fatalf("expected tp 2495, got %s", tp)
	}
}

func TestLotByRiskFloorsToStep(t *testing.T) {
	info := SymbolInfo{
		TickSize:        d("0.01"),
		TickValuePerLot: d("1"),
		VolumeMin:       d("0.01"),
		VolumeMax:       d("10"),
		VolumeStep:      d("0.01"),
	}
	// risk_usd = 10000*0.01 = 100; ticks = |2500-2497|/0.01 = 300; lot = 100/300 = 0.333...
	lot := LotByRisk(info, d("2500"), d("2497"), d("10000"), d("0.01"))
	if !lot.Equal(d("0.33")) {
		t.Fatalf("expected lot 0.33, got %s", lot)
	}
}

func TestLotByRiskClampsToMinimum(t *testing.T) {
	info := SymbolInfo{
		TickSize:        d("0.01"),
		TickValuePerLot: d("1"),
		VolumeMin:       d("0.1"),
		VolumeMax:       d("10"),
		VolumeStep:      d("0.01"),
	}
	// tiny risk budget produces a lot far below volume_min
	lot := LotByRisk(info, d("2500"), d("2400"), d("10"), d("0.001"))
	if !lot.Equal(d("0.1")) {
		t.Fatalf("expected floor to volume_min 0.1, got %s", lot)
	}
}

func TestLotByRiskClampsToMaximum(t *testing.T) {
	info := SymbolInfo{
		TickSize:        d("0.01"),
		TickValuePerLot: d("0.01"),
		VolumeMin:       d("0.01"),
		VolumeMax:       d("1"),
		VolumeStep:      d("0.01"),
	}
	lot := LotByRisk(info, d("2500"), d("2499"), d("1000000"), d("0.5"))
	if !lot.Equal(d("1")) {
		t.Fatalf("expected clamp to volume_max 1, got %s", lot)
	}
}
