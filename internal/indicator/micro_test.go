package indicator

import (
	"math"
	"testing"

	"gridbot-go/internal/market"
)

func tickSeries(n int, price float64) []market.TickerTick {
	ticks := make([]market.TickerTick, n)
	for i := range ticks {
		ticks[i] = market.TickerTick{
			Ts:        int64(i + 1),
			LastPrice: price,
			BestBid:   price - 0.0001,
			BestAsk:   price + 0.0001,
			Volume24h: 1000,
		}
	}
	return ticks
}

func TestComputeMicroDefaultsOnThinTicker(t *testing.T) {
	got := ComputeMicro(tickSeries(5, 0.1), nil)
	if got != DefaultMicro() {
		t.Fatalf("thin ticker must yield defaults, got %+v", got)
	}
}

func TestComputeMicroSpreadAndEMA(t *testing.T) {
	m := ComputeMicro(tickSeries(30, 0.1), nil)
	wantSpread := 0.0002 / 0.0999
	if math.Abs(m.BidAskSpread-wantSpread) > 1e-9 {
		t.Fatalf("spread = %.8f, want %.8f", m.BidAskSpread, wantSpread)
	}
	if math.Abs(m.EMA5-0.1) > 1e-9 {
		t.Fatalf("constant prices should pin ema5 at 0.1, got %.6f", m.EMA5)
	}
	if m.BestAsk != 0.1001 {
		t.Fatalf("best ask not carried: %.6f", m.BestAsk)
	}
	if math.Abs(m.VolumeSurgeRatio-1.0) > 1e-9 {
		t.Fatalf("flat volume should give surge 1.0, got %.4f", m.VolumeSurgeRatio)
	}
	// constant prices: no tick-to-tick movement, floor applies
	if m.ATR14 != 0.0001 {
		t.Fatalf("expected atr floor, got %.6f", m.ATR14)
	}
}

func TestComputeMicroImbalance(t *testing.T) {
	depth := []market.DepthSnapshot{{
		Ts: 1,
		Bids: []market.PriceLevel{
			{Price: 0.0999, Qty: 300},
			{Price: 0.0998, Qty: 100},
		},
		Asks: []market.PriceLevel{
			{Price: 0.1001, Qty: 100},
		},
	}}
	m := ComputeMicro(tickSeries(20, 0.1), depth)
	if math.Abs(m.OrderBookImbalance-0.8) > 1e-9 {
		t.Fatalf("imbalance = %.4f, want 0.8", m.OrderBookImbalance)
	}
}

func TestComputeMicroSpreadFallsBackToDepth(t *testing.T) {
	ticks := tickSeries(20, 0.1)
	for i := range ticks {
		ticks[i].BestBid = 0
		ticks[i].BestAsk = 0
	}
	depth := []market.DepthSnapshot{{
		Ts:   1,
		Bids: []market.PriceLevel{{Price: 0.0990, Qty: 10}},
		Asks: []market.PriceLevel{{Price: 0.1010, Qty: 10}},
	}}
	m := ComputeMicro(ticks, depth)
	want := (0.1010 - 0.0990) / 0.0990
	if math.Abs(m.BidAskSpread-want) > 1e-9 {
		t.Fatalf("depth fallback spread = %.6f, want %.6f", m.BidAskSpread, want)
	}
}

func TestComputeMicroVolumeSurge(t *testing.T) {
	ticks := tickSeries(30, 0.1)
	ticks[len(ticks)-1].Volume24h = 3000
	m := ComputeMicro(ticks, nil)
	if math.Abs(m.VolumeSurgeRatio-3.0) > 1e-9 {
		t.Fatalf("surge = %.4f, want 3.0", m.VolumeSurgeRatio)
	}
}
