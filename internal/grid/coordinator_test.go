package grid

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"gridbot-go/internal/exchange"
	"gridbot-go/internal/ledger"
	"gridbot-go/internal/market"
	"gridbot-go/internal/regime"
)

var testSym = market.Symbol("HBAR-USDT")

type stubRegime struct {
	lt, st regime.State
}

func (s *stubRegime) Classify(sym market.Symbol, tf market.Timeframe) regime.State {
	switch tf {
	case market.TF1d:
		return s.lt
	case market.TF1h:
		return s.st
	}
	return regime.Unknown
}

// flatHourlies fills the 1h buffer with candles whose true range is exactly
// rng, pinning atr14 at rng.
func flatHourlies(buf *market.Buffers, close, rng float64) {
	for i := 1; i <= 72; i++ {
		buf.AppendCandle(testSym, market.TF1h, market.Candle{
			Ts:     int64(i) * market.TF1h.Millis(),
			Open:   close,
			High:   close + rng/2,
			Low:    close - rng/2,
			Close:  close,
			Volume: 100,
		})
	}
}

func setPrice(buf *market.Buffers, ts int64, px float64) {
	buf.AppendTicker(testSym, market.TickerTick{Ts: ts, LastPrice: px})
}

func newRig() (*Coordinator, *exchange.DryRun, *market.Buffers, *stubRegime) {
	gw := exchange.NewDryRun(nil, map[string]float64{"USDT": 1000, "HBAR": 500}, zerolog.Nop())
	buf := market.NewBuffers(market.DefaultRetention())
	flatHourlies(buf, 0.1, 0.002)
	setPrice(buf, 1, 0.10)
	st := &stubRegime{lt: regime.Sideways, st: regime.Sideways}
	coord := NewCoordinator(Config{Symbol: testSym}, gw, buf, st, zerolog.Nop())
	return coord, gw, buf, st
}

func openOrders(t *testing.T, gw *exchange.DryRun) (buys, sells []exchange.Order) {
	t.Helper()
	open, err := gw.FetchOpenOrders(context.Background(), testSym)
	if err != nil {
		t.Fatalf("FetchOpenOrders: %v", err)
	}
	for _, o := range open {
		if o.Side == exchange.Buy {
			buys = append(buys, o)
		} else {
			sells = append(sells, o)
		}
	}
	return buys, sells
}

func TestColdStartPlacesFiveBuysNoSell(t *testing.T) {
	coord, gw, _, _ := newRig()
	if err := coord.Tick(context.Background()); err != nil {
		t.Fatalf("tick failed: %v", err)
	}

	buys, sells := openOrders(t, gw)
	if len(buys) != 5 {
		t.Fatalf("expected 5 buys, got %d", len(buys))
	}
	if len(sells) != 0 {
		t.Fatalf("buy-first dependency violated: %d sells placed", len(sells))
	}

	want := map[float64]bool{0.096: false, 0.092: false, 0.088: false, 0.084: false, 0.080: false}
	for _, o := range buys {
		if _, ok := want[o.Price]; !ok {
			t.Fatalf("unexpected buy level %.4f", o.Price)
		}
		want[o.Price] = true
	}
	for lv, found := range want {
		if !found {
			t.Fatalf("missing buy at %.4f", lv)
		}
	}
}

func TestTickIsIdempotent(t *testing.T) {
	coord, gw, _, _ := newRig()
	ctx := context.Background()
	coord.Tick(ctx)
	buysBefore, _ := openOrders(t, gw)

	if err := coord.Tick(ctx); err != nil {
		t.Fatalf("second tick failed: %v", err)
	}
	buysAfter, sells := openOrders(t, gw)
	if len(buysAfter) != len(buysBefore) {
		t.Fatalf("unchanged exchange state grew placements: %d -> %d", len(buysBefore), len(buysAfter))
	}
	if len(sells) != 0 {
		t.Fatalf("unexpected sells: %d", len(sells))
	}
}

func TestBuyFillProducesPairedSell(t *testing.T) {
	coord, gw, _, _ := newRig()
	ctx := context.Background()
	coord.Tick(ctx)

	buys, _ := openOrders(t, gw)
	var fillID string
	var fillQty float64
	for _, o := range buys {
		if o.Price == 0.096 {
			fillID = o.ID
			fillQty = o.Quantity
		}
	}
	if fillID == "" {
		t.Fatalf("no buy at 0.096")
	}
	gw.Fill(fillID)

	coord.Tick(ctx)
	buys, sells := openOrders(t, gw)
	if len(sells) != 1 {
		t.Fatalf("expected exactly one paired sell, got %d", len(sells))
	}
	if sells[0].Price != 0.100 {
		t.Fatalf("paired sell at %.4f, want next level 0.1000", sells[0].Price)
	}
	if sells[0].Quantity != fillQty {
		t.Fatalf("sell qty %.8f differs from buy fill %.8f", sells[0].Quantity, fillQty)
	}
	// the filled level stays reserved until its pair completes
	if len(buys) != 4 {
		t.Fatalf("expected 4 resting buys, got %d", len(buys))
	}
}

func TestShortTermDowntrendCancelsBuysKeepsSells(t *testing.T) {
	coord, gw, _, st := newRig()
	ctx := context.Background()
	coord.Tick(ctx)

	buys, _ := openOrders(t, gw)
	gw.Fill(buys[0].ID)
	coord.Tick(ctx) // paired sell appears

	st.st = regime.Downtrend
	coord.Tick(ctx)
	buys, sells := openOrders(t, gw)
	if len(buys) != 0 {
		t.Fatalf("short-term downtrend left %d buys resting", len(buys))
	}
	if len(sells) != 1 {
		t.Fatalf("sells must survive a short-term downtrend, got %d", len(sells))
	}
	if lt, stg := coord.Gates(); !lt || stg {
		t.Fatalf("expected gates lt=true st=false, got %v %v", lt, stg)
	}

	// recovery tick re-opens the gate but places nothing
	st.st = regime.Sideways
	coord.Tick(ctx)
	if _, stg := coord.Gates(); !stg {
		t.Fatalf("gate should recover on non-downtrend")
	}
	buys, _ = openOrders(t, gw)
	if len(buys) != 0 {
		t.Fatalf("recovery tick must not place, got %d buys", len(buys))
	}

	// the tick after recovery replaces missing levels
	coord.Tick(ctx)
	buys, _ = openOrders(t, gw)
	if len(buys) == 0 {
		t.Fatalf("expected buy placements after recovery settles")
	}
}

func TestLongTermDowntrendLiquidates(t *testing.T) {
	coord, gw, _, st := newRig()
	ctx := context.Background()
	coord.Tick(ctx)

	st.lt = regime.Downtrend
	coord.Tick(ctx)

	buys, sells := openOrders(t, gw)
	if len(buys) != 0 || len(sells) != 0 {
		t.Fatalf("liquidation left orders resting: %d buys %d sells", len(buys), len(sells))
	}
	if bal, _ := gw.Balance(ctx, "HBAR"); bal != 0 {
		t.Fatalf("base balance not liquidated: %.2f", bal)
	}
	if len(coord.Ledger().Snapshot()) != 0 {
		t.Fatalf("ledger not cleared")
	}
	if lt, _ := coord.Gates(); lt {
		t.Fatalf("long-term gate should be closed")
	}

	// no placements while the gate stays down
	coord.Tick(ctx)
	if buys, _ := openOrders(t, gw); len(buys) != 0 {
		t.Fatalf("placements happened with long-term gate closed")
	}

	// recovery tick, then trading resumes
	st.lt = regime.Uptrend
	coord.Tick(ctx)
	if buys, _ := openOrders(t, gw); len(buys) != 0 {
		t.Fatalf("recovery tick must not place")
	}
	coord.Tick(ctx)
	if buys, _ := openOrders(t, gw); len(buys) == 0 {
		t.Fatalf("trading did not resume after recovery")
	}
}

func TestUnknownRegimePreservesGates(t *testing.T) {
	coord, gw, _, st := newRig()
	ctx := context.Background()
	coord.Tick(ctx)

	st.lt = regime.Unknown
	st.st = regime.Unknown
	coord.Tick(ctx)
	if lt, stg := coord.Gates(); !lt || !stg {
		t.Fatalf("unknown regime flipped gates: %v %v", lt, stg)
	}
	if buys, _ := openOrders(t, gw); len(buys) != 5 {
		t.Fatalf("expected grid maintenance to continue, got %d buys", len(buys))
	}
}

func TestBreakoutResetAfterThirtyTicks(t *testing.T) {
	coord, _, buf, _ := newRig()
	ctx := context.Background()
	coord.Tick(ctx)

	gridBefore := coord.Grid()
	top := gridBefore[len(gridBefore)-1]
	setPrice(buf, 2, top+0.001)

	for i := 0; i < 29; i++ {
		coord.Tick(ctx)
		g := coord.Grid()
		if g[len(g)-1] != top {
			t.Fatalf("grid rebuilt early on tick %d", i+1)
		}
	}

	coord.Tick(ctx) // 30th consecutive tick above the top
	g := coord.Grid()
	if len(g) == 0 || g[len(g)-1] == top {
		t.Fatalf("grid not rebuilt on tick 30")
	}

	// counter must restart: another 29 elevated ticks leave the new grid alone
	newTop := g[len(g)-1]
	setPrice(buf, 3, newTop+0.001)
	for i := 0; i < 29; i++ {
		coord.Tick(ctx)
	}
	g = coord.Grid()
	if g[len(g)-1] != newTop {
		t.Fatalf("counter did not reset after rebuild")
	}
}

func TestBreakoutCounterResetsInsideGrid(t *testing.T) {
	coord, _, buf, _ := newRig()
	ctx := context.Background()
	coord.Tick(ctx)

	grid := coord.Grid()
	top := grid[len(grid)-1]

	setPrice(buf, 2, top+0.001)
	for i := 0; i < 15; i++ {
		coord.Tick(ctx)
	}
	// dip back inside: counter restarts
	setPrice(buf, 3, top-0.001)
	coord.Tick(ctx)
	setPrice(buf, 4, top+0.001)
	for i := 0; i < 29; i++ {
		coord.Tick(ctx)
	}
	g := coord.Grid()
	if g[len(g)-1] != top {
		t.Fatalf("grid rebuilt despite counter reset mid-run")
	}
}

func TestStrayBuyCancelledStraySellKept(t *testing.T) {
	coord, gw, _, _ := newRig()
	ctx := context.Background()
	coord.Tick(ctx)

	gw.Inject(exchange.Order{
		ID: "stray-buy", Symbol: testSym, Side: exchange.Buy,
		Price: 0.097, Quantity: 50, State: exchange.StateOpen, Ts: 1,
	})
	gw.Inject(exchange.Order{
		ID: "stray-sell", Symbol: testSym, Side: exchange.Sell,
		Price: 0.120, Quantity: 25, State: exchange.StateOpen, Ts: 1,
	})

	coord.Tick(ctx)

	all, _ := gw.FetchOrdersSince(ctx, testSym, 0)
	var strayBuy, straySell exchange.Order
	for _, o := range all {
		switch o.ID {
		case "stray-buy":
			strayBuy = o
		case "stray-sell":
			straySell = o
		}
	}
	if strayBuy.State != exchange.StateCancelled {
		t.Fatalf("stray buy not cancelled: %s", strayBuy.State)
	}
	if straySell.State != exchange.StateOpen {
		t.Fatalf("stray sell should be left resting: %s", straySell.State)
	}
}

func TestEmptyBuffersSkipTick(t *testing.T) {
	gw := exchange.NewDryRun(nil, map[string]float64{"USDT": 1000}, zerolog.Nop())
	buf := market.NewBuffers(market.DefaultRetention())
	st := &stubRegime{lt: regime.Sideways, st: regime.Sideways}
	coord := NewCoordinator(Config{Symbol: testSym}, gw, buf, st, zerolog.Nop())

	if err := coord.Tick(context.Background()); err != nil {
		t.Fatalf("price-less tick must be skipped, not failed: %v", err)
	}
	if buys, _ := openOrders(t, gw); len(buys) != 0 {
		t.Fatalf("placements without a price")
	}
	if len(coord.Grid()) != 0 {
		t.Fatalf("grid built without a price")
	}
}

func TestMissingATRDefersGeometry(t *testing.T) {
	gw := exchange.NewDryRun(nil, map[string]float64{"USDT": 1000}, zerolog.Nop())
	buf := market.NewBuffers(market.DefaultRetention())
	setPrice(buf, 1, 0.10)
	st := &stubRegime{lt: regime.Sideways, st: regime.Sideways}
	coord := NewCoordinator(Config{Symbol: testSym}, gw, buf, st, zerolog.Nop())

	coord.Tick(context.Background())
	if len(coord.Grid()) != 0 {
		t.Fatalf("grid built without atr")
	}

	// candles arrive, next tick builds
	flatHourlies(buf, 0.1, 0.002)
	coord.Tick(context.Background())
	if len(coord.Grid()) == 0 {
		t.Fatalf("grid not built once atr became available")
	}
}

func TestZeroATRUsesFloorSpacing(t *testing.T) {
	gw := exchange.NewDryRun(nil, map[string]float64{"USDT": 1000}, zerolog.Nop())
	buf := market.NewBuffers(market.DefaultRetention())
	flatHourlies(buf, 0.1, 0) // zero range candles -> atr 0
	setPrice(buf, 1, 0.10)
	st := &stubRegime{lt: regime.Sideways, st: regime.Sideways}
	coord := NewCoordinator(Config{Symbol: testSym}, gw, buf, st, zerolog.Nop())

	coord.Tick(context.Background())
	g := coord.Grid()
	if len(g) < 2 {
		t.Fatalf("grid not built: %v", g)
	}
	// floor spacing 0.012*0.1 = 0.0012
	step := g[1] - g[0]
	if step < 0.0011 || step > 0.0013 {
		t.Fatalf("expected floor spacing ~0.0012, got %v", step)
	}
}

func TestDesiredLevelsMatchLedgerView(t *testing.T) {
	coord, _, _, _ := newRig()
	coord.Tick(context.Background())
	d := ledger.ComputeDesired(0.10, coord.Grid(), 5)
	for _, lv := range d.Buys {
		if !coord.Ledger().HasLiveBuy(lv) {
			t.Fatalf("desired level %.4f has no live buy", lv)
		}
	}
}
