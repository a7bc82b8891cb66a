package indicator

import (
	"math"

	"gridbot-go/internal/market"
)

const (
	microMinTicks = 14
	imbalanceTopN = 10
	surgeWindow   = 20
)

// Micro is the microstructure metric set derived from ticker and depth
// buffers. Missing inputs yield DefaultMicro, never a partial set.
type Micro struct {
	BidAskSpread       float64
	OrderBookImbalance float64
	EMA5               float64
	ATR14              float64
	VolumeSurgeRatio   float64
	BestAsk            float64
}

// DefaultMicro is the sentinel returned when ticker or depth data is too
// thin to compute real metrics.
func DefaultMicro() Micro {
	return Micro{
		BidAskSpread:       0,
		OrderBookImbalance: 0.5,
		EMA5:               0,
		ATR14:              0.0001,
		VolumeSurgeRatio:   1.0,
		BestAsk:            0,
	}
}

// ComputeMicro derives the microstructure set from ticker ticks and depth
// snapshots. Requires at least 14 ticks; depth is optional (the spread falls
// back to top-of-book depth only when the ticker carries no quotes).
func ComputeMicro(ticks []market.TickerTick, depth []market.DepthSnapshot) Micro {
	if len(ticks) < microMinTicks {
		return DefaultMicro()
	}
	latest := ticks[len(ticks)-1]

	m := Micro{OrderBookImbalance: 0.5, VolumeSurgeRatio: 1.0, BestAsk: latest.BestAsk}

	bid, ask := latest.BestBid, latest.BestAsk
	if (bid <= 0 || ask <= 0) && len(depth) > 0 {
		book := depth[len(depth)-1]
		if len(book.Bids) > 0 {
			bid = book.Bids[0].Price
		}
		if len(book.Asks) > 0 {
			ask = book.Asks[0].Price
			if m.BestAsk <= 0 {
				m.BestAsk = ask
			}
		}
	}
	if bid > 0 && ask > 0 {
		m.BidAskSpread = (ask - bid) / bid
	}

	if len(depth) > 0 {
		book := depth[len(depth)-1]
		var bidQty, askQty float64
		for i, lv := range book.Bids {
			if i >= imbalanceTopN {
				break
			}
			bidQty += lv.Qty
		}
		for i, lv := range book.Asks {
			if i >= imbalanceTopN {
				break
			}
			askQty += lv.Qty
		}
		if total := bidQty + askQty; total > 0 {
			m.OrderBookImbalance = bidQty / total
		}
	}

	prices := make([]float64, len(ticks))
	for i, t := range ticks {
		prices[i] = t.LastPrice
	}
	ema5 := emaSeries(prices, 5)
	m.EMA5 = ema5[len(ema5)-1]

	m.ATR14 = tickRangeMean(prices, wilderPeriod)

	if n := len(ticks); n > 1 {
		var sum float64
		count := 0
		for i := n - 2; i >= 0 && count < surgeWindow; i-- {
			sum += ticks[i].Volume24h
			count++
		}
		if count > 0 {
			if mean := sum / float64(count); mean > 0 {
				m.VolumeSurgeRatio = latest.Volume24h / mean
			}
		}
	}
	return m
}

// tickRangeMean is the mean absolute tick-to-tick move over the trailing
// window, the ticker-level analogue of ATR.
func tickRangeMean(prices []float64, window int) float64 {
	if len(prices) < 2 {
		return 0.0001
	}
	start := len(prices) - window - 1
	if start < 0 {
		start = 0
	}
	var sum float64
	count := 0
	for i := start + 1; i < len(prices); i++ {
		sum += math.Abs(prices[i] - prices[i-1])
		count++
	}
	if count == 0 {
		return 0.0001
	}
	v := sum / float64(count)
	if v <= 0 {
		return 0.0001
	}
	return v
}
