// Package aggregator implements the position aggregator: a pure
// function that nets an incoming order against a symbol's existing
// positions under a netting/hedging mode and a FIFO/LIFO/PROPORTIONAL
// reduction rule. No I/O, deterministic given identical inputs.
package aggregator

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/marrowfx/tradecore/events"
)

// Mode selects whether opposing orders net against existing positions or
// coexist.
type Mode string

const (
	Netting Mode = "NETTING"
	Hedging Mode = "HEDGING"
)

// Rule selects which existing positions absorb a partial reduction.
type Rule string

const (
	FIFO         Rule = "FIFO"
	LIFO         Rule = "LIFO"
	Proportional Rule = "PROPORTIONAL"
)

// tolerance is the absolute lot tolerance used for equality/zero checks:
// 1e-6 of a lot.
var tolerance = decimal.New(1, -6)

// Aggregator holds the configured mode and reduction rule.
type Aggregator struct {
	Mode Mode
	Rule Rule
}

// New creates an Aggregator for the given mode and rule.
func New(mode Mode, rule Rule) *Aggregator {
	return &Aggregator{Mode: mode, Rule: rule}
}

// Process nets an incoming (side, volume, price) against positions, which
// must all share one symbol. It is a pure function: positions is read only.
func (a *Aggregator) Process(side events.Side, volume, price decimal.Decimal, positions []events.Position) events.NettingResult {
	if a.Mode == Hedging {
		s := side
		return events.NettingResult{
			ReduceActions:   nil,
			RemainingVolume: volume,
			NetPositionSide: &s,
			Summary:         "HEDGING mode",
		}
	}

	opposite := side.Opposite()
	var opposing []events.Position
	for _, p := range positions {
		if p.Side == opposite {
			opposing = append(opposing, p)
		}
	}

	if len(opposing) == 0 {
		s := side
		return events.NettingResult{
			RemainingVolume: volume,
			NetPositionSide: &s,
			Summary:         "no opposing positions",
		}
	}

	total := sumVolume(opposing)

	if volume.GreaterThanOrEqual(total) {
		return a.closeAllAndCarry(side, volume, opposing, total)
	}

	return a.partialReduce(side, volume, opposing, total)
}

func sumVolume(positions []events.Position) decimal.Decimal {
	total := decimal.Zero
	for _, p := range positions {
		total = total.Add(p.Volume)
	}
	return total
}

func (a *Aggregator) closeAllAndCarry(side events.Side, volume decimal.Decimal, opposing []events.Position, total decimal.Decimal) events.NettingResult {
	actions := make([]events.ReduceAction, 0, len(opposing))
	weighted := decimal.Zero
	for _, p := range opposing {
		actions = append(actions, events.ReduceAction{
			PositionTicket: p.Ticket,
			ReduceVolume:   p.Volume,
			ClosePrice:     p.EntryPrice,
			Reason:         "full close: incoming volume covers opposing stock",
		})
		weighted = weighted.Add(p.EntryPrice.Mul(p.Volume))
	}

	remaining := volume.Sub(total)
	avgClose := decimal.Zero
	if !total.IsZero() {
		avgClose = weighted.Div(total)
	}

	var netSide *events.Side
	if remaining.GreaterThan(tolerance) {
		s := side
		netSide = &s
	}

	return events.NettingResult{
		ReduceActions:     actions,
		RemainingVolume:   clampNonNegative(remaining),
		AverageClosePrice: avgClose,
		NetPositionSide:   netSide,
		Summary:           fmt.Sprintf("closed %d opposing position(s), remaining %s carried as %v", len(opposing), remaining.StringFixed(5), netSide),
	}
}

func (a *Aggregator) partialReduce(side events.Side, volume decimal.Decimal, opposing []events.Position, total decimal.Decimal) events.NettingResult {
	ordered := make([]events.Position, len(opposing))
	copy(ordered, opposing)

	switch a.Rule {
	case FIFO:
		sort.Slice(ordered, func(i, j int) bool { return ordered[i].OpenTime.Before(ordered[j].OpenTime) })
	case LIFO:
		sort.Slice(ordered, func(i, j int) bool { return ordered[i].OpenTime.After(ordered[j].OpenTime) })
	case Proportional:
		// order is irrelevant; reduction is computed per-position below
	}

	var actions []events.ReduceAction
	weighted := decimal.Zero

	switch a.Rule {
	case Proportional:
		consumed := decimal.Zero
		for i, p := range ordered {
			var reduce decimal.Decimal
			if i == len(ordered)-1 {
				// last position absorbs the rounding residual
				reduce = volume.Sub(consumed)
			} else {
				reduce = volume.Mul(p.Volume).Div(total)
			}
			if reduce.GreaterThan(p.Volume) {
				reduce = p.Volume // never synthesize volume that wasn't there
			}
			if reduce.LessThan(decimal.Zero) {
				reduce = decimal.Zero
			}
			consumed = consumed.Add(reduce)
			actions = append(actions, events.ReduceAction{
				PositionTicket: p.Ticket,
				ReduceVolume:   reduce,
				ClosePrice:     p.EntryPrice,
				Reason:         "proportional reduction",
			})
			weighted = weighted.Add(p.EntryPrice.Mul(reduce))
		}
	default: // FIFO / LIFO: consume sequentially
		remaining := volume
		for _, p := range ordered {
			if remaining.LessThanOrEqual(tolerance) {
				break
			}
			reduce := p.Volume
			if reduce.GreaterThan(remaining) {
				reduce = remaining
			}
			remaining = remaining.Sub(reduce)
			actions = append(actions, events.ReduceAction{
				PositionTicket: p.Ticket,
				ReduceVolume:   reduce,
				ClosePrice:     p.EntryPrice,
				Reason:         fmt.Sprintf("%s reduction", a.Rule),
			})
			weighted = weighted.Add(p.EntryPrice.Mul(reduce))
		}
	}

	avgClose := decimal.Zero
	if !volume.IsZero() {
		avgClose = weighted.Div(volume)
	}

	netSide := side.Opposite() // unchanged: the opposing book still dominates
	return events.NettingResult{
		ReduceActions:     actions,
		RemainingVolume:   decimal.Zero,
		AverageClosePrice: avgClose,
		NetPositionSide:   &netSide,
		Summary:           fmt.Sprintf("%s partial reduction across %d position(s)", a.Rule, len(actions)),
	}
}

func clampNonNegative(d decimal.Decimal) decimal.Decimal {
	if d.LessThan(decimal.Zero) {
		return decimal.Zero
	}
	return d
}
