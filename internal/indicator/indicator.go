// Package indicator computes technical indicators as pure functions over
// buffer snapshots. Insufficient input is a value, not an error: candle
// indicators come back with Valid=false, microstructure metrics fall back to
// their documented defaults.
package indicator

import (
	"math"

	"gridbot-go/internal/market"
)

const (
	emaFast      = 12
	emaSlow      = 26
	signalPeriod = 9
	wilderPeriod = 14

	// minRows is the smallest candle window that yields a fully defined set:
	// the MACD signal line needs emaSlow+signalPeriod-1 closes, which also
	// covers the 2*wilderPeriod+1 rows the first ADX value needs.
	minRows = emaSlow + signalPeriod - 1
)

// Set is the candle-derived indicator tuple for one (symbol, timeframe).
// When Valid is false every field is zero and the set must not be consumed.
type Set struct {
	EMA12      float64
	EMA26      float64
	RSI14      float64
	ADX14      float64
	ATR14      float64
	MACD       float64
	MACDSignal float64
	MACDHist   float64
	Valid      bool
}

// Compute derives the full Set from a candle window. Windows shorter than
// minRows (34) rows, or containing non-positive prices, yield the empty set.
func Compute(rows []market.Candle) Set {
	if len(rows) < minRows {
		return Set{}
	}
	closes := make([]float64, len(rows))
	for i, c := range rows {
		if c.Open <= 0 || c.High <= 0 || c.Low <= 0 || c.Close <= 0 || c.Volume < 0 {
			return Set{}
		}
		closes[i] = c.Close
	}

	ema12 := emaSeries(closes, emaFast)
	ema26 := emaSeries(closes, emaSlow)
	macdSeries := make([]float64, 0, len(closes)-emaSlow+1)
	for i := emaSlow - 1; i < len(closes); i++ {
		macdSeries = append(macdSeries, ema12[i]-ema26[i])
	}
	macd := macdSeries[len(macdSeries)-1]
	var macdSignal float64
	if len(macdSeries) >= signalPeriod {
		sig := emaSeries(macdSeries, signalPeriod)
		macdSignal = sig[len(sig)-1]
	}

	return Set{
		EMA12:      ema12[len(ema12)-1],
		EMA26:      ema26[len(ema26)-1],
		RSI14:      rsi(closes, wilderPeriod),
		ADX14:      adx(rows, wilderPeriod),
		ATR14:      atr(rows, wilderPeriod),
		MACD:       macd,
		MACDSignal: macdSignal,
		MACDHist:   macd - macdSignal,
		Valid:      true,
	}
}

// emaSeries returns the EMA(n) series aligned with values: entries up to
// index n-1 hold the running SMA (index n-1 is the SMA(n) seed), from n on
// the conventional k=2/(n+1) recursion applies.
func emaSeries(values []float64, n int) []float64 {
	out := make([]float64, len(values))
	if len(values) == 0 {
		return out
	}
	if len(values) < n {
		n = len(values)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += values[i]
		out[i] = sum / float64(i+1)
	}
	k := 2.0 / (float64(n) + 1.0)
	for i := n; i < len(values); i++ {
		out[i] = values[i]*k + out[i-1]*(1.0-k)
	}
	return out
}

// rsi implements Wilder's RSI: SMA seed over the first period deltas, then
// Wilder smoothing of gains and losses.
func rsi(closes []float64, period int) float64 {
	if len(closes) < period+1 {
		return 50.0
	}
	var gain, loss float64
	for i := 1; i <= period; i++ {
		d := closes[i] - closes[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	avgGain := gain / float64(period)
	avgLoss := loss / float64(period)
	for i := period + 1; i < len(closes); i++ {
		d := closes[i] - closes[i-1]
		var g, l float64
		if d > 0 {
			g = d
		} else {
			l = -d
		}
		avgGain = (avgGain*float64(period-1) + g) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + l) / float64(period)
	}
	if avgLoss == 0 {
		return 100.0
	}
	rs := avgGain / avgLoss
	return 100.0 - 100.0/(1.0+rs)
}

// trueRanges returns the TR series (length len(rows)-1).
func trueRanges(rows []market.Candle) []float64 {
	tr := make([]float64, 0, len(rows)-1)
	for i := 1; i < len(rows); i++ {
		hl := rows[i].High - rows[i].Low
		hc := math.Abs(rows[i].High - rows[i-1].Close)
		lc := math.Abs(rows[i].Low - rows[i-1].Close)
		tr = append(tr, math.Max(hl, math.Max(hc, lc)))
	}
	return tr
}

// atr is Wilder's ATR seeded with the SMA of the first period true ranges.
func atr(rows []market.Candle, period int) float64 {
	tr := trueRanges(rows)
	if len(tr) < period {
		return 0
	}
	var sum float64
	for i := 0; i < period; i++ {
		sum += tr[i]
	}
	v := sum / float64(period)
	for i := period; i < len(tr); i++ {
		v = (v*float64(period-1) + tr[i]) / float64(period)
	}
	return v
}

// adx follows the conventional Wilder construction: smoothed +DM/-DM and TR
// produce the DI lines, DX is their normalized spread, and ADX is the Wilder
// smoothing of DX.
func adx(rows []market.Candle, period int) float64 {
	tr := trueRanges(rows)
	if len(tr) < 2*period {
		return 0
	}
	plusDM := make([]float64, len(tr))
	minusDM := make([]float64, len(tr))
	for i := 1; i < len(rows); i++ {
		up := rows[i].High - rows[i-1].High
		down := rows[i-1].Low - rows[i].Low
		if up > down && up > 0 {
			plusDM[i-1] = up
		}
		if down > up && down > 0 {
			minusDM[i-1] = down
		}
	}

	var trS, plusS, minusS float64
	for i := 0; i < period; i++ {
		trS += tr[i]
		plusS += plusDM[i]
		minusS += minusDM[i]
	}

	dx := make([]float64, 0, len(tr)-period+1)
	appendDX := func() {
		if trS == 0 {
			dx = append(dx, 0)
			return
		}
		pdi := 100 * plusS / trS
		mdi := 100 * minusS / trS
		if pdi+mdi == 0 {
			dx = append(dx, 0)
			return
		}
		dx = append(dx, 100*math.Abs(pdi-mdi)/(pdi+mdi))
	}
	appendDX()
	for i := period; i < len(tr); i++ {
		trS = trS - trS/float64(period) + tr[i]
		plusS = plusS - plusS/float64(period) + plusDM[i]
		minusS = minusS - minusS/float64(period) + minusDM[i]
		appendDX()
	}

	if len(dx) < period {
		return 0
	}
	var sum float64
	for i := 0; i < period; i++ {
		sum += dx[i]
	}
	v := sum / float64(period)
	for i := period; i < len(dx); i++ {
		v = (v*float64(period-1) + dx[i]) / float64(period)
	}
	return v
}
