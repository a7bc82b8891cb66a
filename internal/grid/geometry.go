// Package grid owns the control loop: level geometry, trade gates,
// reconciliation against the exchange, and order placement.
package grid

import (
	"gridbot-go/internal/exchange"
)

// Geometry are the level-construction knobs. Zero values take the
// conventional defaults.
type Geometry struct {
	LevelsN       int     `yaml:"levels_n"`
	LevelsBelow   int     `yaml:"levels_below"`
	ATRMultiplier float64 `yaml:"atr_multiplier"`
	MinSpacingPct float64 `yaml:"min_spacing_pct"`
}

func (g Geometry) withDefaults() Geometry {
	if g.LevelsN <= 0 {
		g.LevelsN = 20
	}
	if g.LevelsBelow <= 0 {
		g.LevelsBelow = 5
	}
	if g.ATRMultiplier <= 0 {
		g.ATRMultiplier = 2.0
	}
	if g.MinSpacingPct <= 0 {
		g.MinSpacingPct = 0.012
	}
	return g
}

// Spacing is the level distance: the ATR multiple, floored at the minimum
// percentage of price.
func Spacing(price, atr float64, g Geometry) float64 {
	g = g.withDefaults()
	s := g.ATRMultiplier * atr
	if floor := g.MinSpacingPct * price; floor > s {
		s = floor
	}
	return s
}

// Levels builds the ascending level set around price: LevelsBelow rungs
// under the current price, the price rung itself, and the remainder above.
// Every level is quantized to the venue tick; when two rungs collapse onto
// the same tick the lower one wins. Deterministic for fixed inputs.
func Levels(price, atr float64, g Geometry, f exchange.SymbolFilters) []float64 {
	g = g.withDefaults()
	if price <= 0 {
		return nil
	}
	s := Spacing(price, atr, g)
	if s <= 0 {
		return nil
	}

	out := make([]float64, 0, g.LevelsN)
	for i := 0; i < g.LevelsN; i++ {
		lv := f.QuantizePrice(price + float64(i-g.LevelsBelow)*s)
		if lv <= 0 {
			continue
		}
		if n := len(out); n > 0 && f.SamePrice(out[n-1], lv) {
			continue
		}
		out = append(out, lv)
	}
	return out
}

// NextLevelAbove returns the lowest grid level strictly above lv, or 0 when
// lv already tops the grid.
func NextLevelAbove(grid []float64, lv float64) float64 {
	for _, g := range grid {
		if g > lv {
			return g
		}
	}
	return 0
}
