package integration

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"gridbot-go/internal/exchange"
	"gridbot-go/internal/grid"
	"gridbot-go/internal/market"
	"gridbot-go/internal/regime"
)

// Full harvest cycle against the dry-run gateway with the real classifier:
// cold start places the buy ladder, a fill produces the paired sell, the
// sell fill recycles the level.
func TestGridHarvestCycle(t *testing.T) {
	ctx := context.Background()
	sym := market.Symbol("HBAR-USDT")
	log := zerolog.Nop()

	gw := exchange.NewDryRun(nil, map[string]float64{"USDT": 1000, "HBAR": 0}, log)
	buf := market.NewBuffers(market.DefaultRetention())

	// flat 1h and 1d histories: adx ~0 classifies sideways on both frames
	for i := 1; i <= 72; i++ {
		buf.AppendCandle(sym, market.TF1h, market.Candle{
			Ts: int64(i) * market.TF1h.Millis(),
			Open: 0.1, High: 0.101, Low: 0.099, Close: 0.1, Volume: 100,
		})
	}
	for i := 1; i <= 60; i++ {
		buf.AppendCandle(sym, market.TF1d, market.Candle{
			Ts: int64(i) * market.TF1d.Millis(),
			Open: 0.1, High: 0.101, Low: 0.099, Close: 0.1, Volume: 100,
		})
	}
	buf.AppendTicker(sym, market.TickerTick{Ts: 1, LastPrice: 0.1})

	cls := regime.NewClassifier(buf, regime.Thresholds{})
	if got := cls.Classify(sym, market.TF1d); got != regime.Sideways {
		t.Fatalf("flat history should classify sideways, got %s", got)
	}

	coord := grid.NewCoordinator(grid.Config{Symbol: sym}, gw, buf, cls, log)
	if err := coord.Tick(ctx); err != nil {
		t.Fatalf("cold start tick failed: %v", err)
	}

	open, _ := gw.FetchOpenOrders(ctx, sym)
	var buys []exchange.Order
	for _, o := range open {
		if o.Side == exchange.Buy {
			buys = append(buys, o)
		} else {
			t.Fatalf("sell placed before any buy filled")
		}
	}
	if len(buys) != 5 {
		t.Fatalf("expected 5 ladder buys, got %d", len(buys))
	}

	// counterparty fills the top buy
	var fillID string
	var fillPrice, fillQty float64
	for _, o := range buys {
		if o.Price > fillPrice {
			fillID, fillPrice, fillQty = o.ID, o.Price, o.Quantity
		}
	}
	gw.Fill(fillID)

	if err := coord.Tick(ctx); err != nil {
		t.Fatalf("tick after fill failed: %v", err)
	}
	open, _ = gw.FetchOpenOrders(ctx, sym)
	var sell exchange.Order
	for _, o := range open {
		if o.Side == exchange.Sell {
			if sell.ID != "" {
				t.Fatalf("more than one paired sell")
			}
			sell = o
		}
	}
	if sell.ID == "" {
		t.Fatalf("paired sell missing after buy fill")
	}
	if sell.Price <= fillPrice {
		t.Fatalf("paired sell at %.4f not above buy level %.4f", sell.Price, fillPrice)
	}
	if sell.Quantity != fillQty {
		t.Fatalf("paired sell qty %.8f differs from fill %.8f", sell.Quantity, fillQty)
	}

	// exit fills too: the level recycles and hosts a fresh buy
	gw.Fill(sell.ID)
	if err := coord.Tick(ctx); err != nil {
		t.Fatalf("tick after exit failed: %v", err)
	}
	if err := coord.Tick(ctx); err != nil {
		t.Fatalf("follow-up tick failed: %v", err)
	}
	open, _ = gw.FetchOpenOrders(ctx, sym)
	count := 0
	for _, o := range open {
		if o.Side == exchange.Buy {
			count++
		}
	}
	if count != 5 {
		t.Fatalf("level did not recycle after harvest, %d buys resting", count)
	}
}
