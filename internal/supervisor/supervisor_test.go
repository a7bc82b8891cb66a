package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"gridbot-go/internal/exchange"
	"gridbot-go/internal/market"
	"gridbot-go/internal/regime"
)

var sym = market.Symbol("HBAR-USDT")

func prefill(buf *market.Buffers) {
	for i := 1; i <= 72; i++ {
		buf.AppendCandle(sym, market.TF1h, market.Candle{
			Ts:     int64(i) * market.TF1h.Millis(),
			Open:   0.1, High: 0.101, Low: 0.099, Close: 0.1, Volume: 100,
		})
	}
	for i := 1; i <= 60; i++ {
		buf.AppendCandle(sym, market.TF1d, market.Candle{
			Ts:     int64(i) * market.TF1d.Millis(),
			Open:   0.1, High: 0.101, Low: 0.099, Close: 0.1, Volume: 100,
		})
	}
	buf.AppendTicker(sym, market.TickerTick{Ts: 1, LastPrice: 0.1})
}

func TestRunTicksAndShutsDown(t *testing.T) {
	gw := exchange.NewDryRun(nil, map[string]float64{"USDT": 1000}, zerolog.Nop())
	sup := New(Config{
		Symbols:    []market.Symbol{sym},
		TickPeriod: 50 * time.Millisecond,
		DryRun:     true,
		Thresholds: regime.Thresholds{},
		Retention:  market.DefaultRetention(),
	}, gw, zerolog.Nop())

	// offline gateway: seed the buffers the streams would normally fill
	prefill(sup.Buffers())

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := sup.Run(ctx); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	coord := sup.Coordinator(sym)
	if coord == nil {
		t.Fatalf("coordinator missing after run")
	}
	if len(coord.Grid()) == 0 {
		t.Fatalf("coordinator never built a grid")
	}

	// dry-run shutdown leaves simulated orders resting
	open, err := gw.FetchOpenOrders(context.Background(), sym)
	if err != nil {
		t.Fatalf("FetchOpenOrders: %v", err)
	}
	if len(open) == 0 {
		t.Fatalf("expected resting dry-run orders after shutdown")
	}

	// a second shutdown coalesces
	sup.Shutdown(context.Background())
}

func TestShutdownCancelsRestingOrdersWhenLive(t *testing.T) {
	gw := exchange.NewDryRun(nil, map[string]float64{"USDT": 1000}, zerolog.Nop())
	gw.CreateLimitBuy(context.Background(), sym, 0.096, 100)
	gw.CreateLimitSell(context.Background(), sym, 0.104, 100)

	sup := New(Config{
		Symbols:   []market.Symbol{sym},
		DryRun:    false, // treat the simulated venue as live for shutdown
		Retention: market.DefaultRetention(),
	}, gw, zerolog.Nop())

	sup.Shutdown(context.Background())
	open, _ := gw.FetchOpenOrders(context.Background(), sym)
	if len(open) != 0 {
		t.Fatalf("shutdown left %d orders resting", len(open))
	}
}
