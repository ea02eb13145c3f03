// Package sizing implements the ATR-based stop/target and lot-size
// calculator: percent-of-equity risk spread over the tick distance to the
// stop, floored to the symbol's volume step.
package sizing

import (
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/marrowfx/tradecore/events"
)

// SymbolInfo carries the broker's lot-step and tick metadata for one symbol,
// the pieces lot_by_risk needs beyond price/stop/equity/risk.
type SymbolInfo struct {
	TickSize        decimal.Decimal
	TickValuePerLot decimal.Decimal
	VolumeMin       decimal.Decimal
	VolumeMax       decimal.Decimal
	VolumeStep      decimal.Decimal
}

// SLTPByATR computes stop-loss and take-profit prices as ATR multiples
// from the entry price, mirrored for SELL.
func SLTPByATR(side events.Side, price, atr, slMult, tpMult decimal.Decimal) (sl, tp decimal.Decimal) {
	offset := atr
	slDist := offset.Mul(slMult)
	tpDist := offset.Mul(tpMult)

	if side == events.Buy {
		return price.Sub(slDist), price.Add(tpDist)
	}
	return price.Add(slDist), price.Sub(tpDist)
}

// LotByRisk computes the lot size that risks exactly equity*riskPct across
// the distance from price to sl, floored to the symbol's volume_step and
// clamped to [volume_min, volume_max]. If the risk-sized lot would fall
// below volume_min, volume_min is returned and a "minimum-lot floor" warning
// is logged — this never blocks the trade.
func LotByRisk(info SymbolInfo, price, sl, equity, riskPct decimal.Decimal) decimal.Decimal {
	riskUSD := equity.Mul(riskPct)

	priceDistance := price.Sub(sl).Abs()
	if info.TickSize.IsZero() || priceDistance.IsZero() || info.TickValuePerLot.IsZero() {
		return info.VolumeMin
	}

	ticks := priceDistance.Div(info.TickSize)
	lot := riskUSD.Div(ticks.Mul(info.TickValuePerLot))

	lot = floorToStep(lot, info.VolumeStep)

	if lot.LessThan(info.VolumeMin) {
		log.Warn().
			Str("computed_lot", lot.StringFixed(5)).
			Str("volume_min", info.VolumeMin.StringFixed(5)).
			Msg("sizing: risk-based lot below volume_min, flooring to minimum lot")
		return info.VolumeMin
	}
	if lot.GreaterThan(info.VolumeMax) {
		return info.VolumeMax
	}
	return lot
}

// floorToStep rounds lot down to the nearest multiple of step. A zero step
// is treated as "no stepping" (returns lot unchanged).
func floorToStep(lot, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return lot
	}
	units := lot.Div(step).Floor()
	return units.Mul(step)
}
