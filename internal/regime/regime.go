// Package regime maps indicator tuples to a discrete market state per
// timeframe.
package regime

import (
	"gridbot-go/internal/indicator"
	"gridbot-go/internal/market"
	"gridbot-go/internal/metrics"
)

// State labels the classified market regime for one timeframe.
type State string

const (
	Uptrend   State = "uptrend"
	Downtrend State = "downtrend"
	Sideways  State = "sideways"
	Unknown   State = "unknown"
)

// gaugeValue flattens a State for the prometheus regime gauge.
func gaugeValue(s State) float64 {
	switch s {
	case Sideways:
		return 1
	case Uptrend:
		return 2
	case Downtrend:
		return 3
	}
	return 0
}

// Thresholds are the classification boundaries. Zero values take the
// conventional defaults (ADX 20, RSI 70/30).
type Thresholds struct {
	ADX      float64 `yaml:"adx_threshold"`
	RSIUpper float64 `yaml:"rsi_upper"`
	RSILower float64 `yaml:"rsi_lower"`
}

func (t Thresholds) withDefaults() Thresholds {
	if t.ADX <= 0 {
		t.ADX = 20
	}
	if t.RSIUpper <= 0 {
		t.RSIUpper = 70
	}
	if t.RSILower <= 0 {
		t.RSILower = 30
	}
	return t
}

// FromSet applies the classification rule to one indicator set. The mapping
// is total: every defined set yields a non-unknown state.
func FromSet(set indicator.Set, th Thresholds) State {
	if !set.Valid {
		return Unknown
	}
	th = th.withDefaults()
	if set.ADX14 < th.ADX {
		return Sideways
	}
	if set.EMA12 > set.EMA26 && set.RSI14 < th.RSIUpper {
		return Uptrend
	}
	if set.EMA12 < set.EMA26 && set.RSI14 > th.RSILower {
		return Downtrend
	}
	return Sideways
}

// Classifier evaluates regimes from live buffers.
type Classifier struct {
	buffers *market.Buffers
	th      Thresholds
}

// NewClassifier wires a classifier over the shared buffers with the
// configured thresholds.
func NewClassifier(buffers *market.Buffers, th Thresholds) *Classifier {
	return &Classifier{buffers: buffers, th: th.withDefaults()}
}

// Classify computes the state for one (symbol, timeframe) from the current
// buffer snapshot.
func (c *Classifier) Classify(sym market.Symbol, tf market.Timeframe) State {
	set := indicator.Compute(c.buffers.Candles(sym, tf))
	state := FromSet(set, c.th)
	metrics.RegimeState.WithLabelValues(string(sym), string(tf)).Set(gaugeValue(state))
	return state
}

// ClassifyAll returns states for the core timeframes (1h, 1d) always, and
// for 15m/6h when their buffers hold enough rows to classify.
func (c *Classifier) ClassifyAll(sym market.Symbol) map[market.Timeframe]State {
	out := map[market.Timeframe]State{
		market.TF1h: c.Classify(sym, market.TF1h),
		market.TF1d: c.Classify(sym, market.TF1d),
	}
	for _, tf := range []market.Timeframe{market.TF15m, market.TF6h} {
		if state := c.Classify(sym, tf); state != Unknown {
			out[tf] = state
		}
	}
	return out
}
