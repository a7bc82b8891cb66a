package grid

import "gridbot-go/internal/exchange"

// Sizing controls how much quote capital each level order commits.
type Sizing struct {
	NotionalFraction float64 `yaml:"notional_fraction"`
	LevelsN          int     `yaml:"levels_n"`
}

func (s Sizing) withDefaults() Sizing {
	if s.NotionalFraction <= 0 {
		s.NotionalFraction = 0.75
	}
	if s.LevelsN <= 0 {
		s.LevelsN = 20
	}
	return s
}

// OrderValue is the per-order quote notional: the configured fraction of
// deployable capital (open buy value plus free quote balance) split across
// the full level count. In-flight capital counts as deployable by design of
// the sizing formula.
func OrderValue(openBuyValue, quoteBalance float64, s Sizing) float64 {
	s = s.withDefaults()
	total := openBuyValue + quoteBalance
	if total <= 0 {
		return 0
	}
	return s.NotionalFraction * total / float64(s.LevelsN)
}

// QuantityFor converts a quote notional into a lot-quantized base quantity
// at the given level. Returns false when the order would be undersized for
// the venue.
func QuantityFor(value, level float64, f exchange.SymbolFilters) (float64, bool) {
	if value <= 0 || level <= 0 {
		return 0, false
	}
	qty := f.QuantizeQty(value / level)
	if qty <= 0 {
		return 0, false
	}
	if !f.MeetsMinNotional(level, qty) {
		return 0, false
	}
	return qty, true
}
