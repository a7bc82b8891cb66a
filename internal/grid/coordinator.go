package grid

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"gridbot-go/internal/exchange"
	"gridbot-go/internal/indicator"
	"gridbot-go/internal/ledger"
	"gridbot-go/internal/market"
	"gridbot-go/internal/metrics"
	"gridbot-go/internal/regime"
)

const (
	priceAttempts   = 3
	priceRetryDelay = 500 * time.Millisecond

	// reconcile lookback margin so slow venue clocks never hide an order
	observeSkewMs = 5 * 60 * 1000
)

// RegimeSource yields the classified state per timeframe. Satisfied by
// *regime.Classifier.
type RegimeSource interface {
	Classify(sym market.Symbol, tf market.Timeframe) regime.State
}

// Config bundles the per-symbol coordinator knobs.
type Config struct {
	Symbol             market.Symbol
	Geometry           Geometry
	Sizing             Sizing
	ResetTicksAboveTop int
}

func (c Config) withDefaults() Config {
	c.Geometry = c.Geometry.withDefaults()
	c.Sizing = c.Sizing.withDefaults()
	if c.ResetTicksAboveTop <= 0 {
		c.ResetTicksAboveTop = 30
	}
	return c
}

// Coordinator runs the per-symbol control loop. One tick executes the fixed
// step sequence: snapshot, regime refresh, downtrend reactions, gate
// recovery, breakout reset, reconcile, geometry, sizing, placement. Ticks
// for one symbol never overlap.
type Coordinator struct {
	cfg     Config
	sym     market.Symbol
	gw      exchange.Gateway
	buf     *market.Buffers
	cls     RegimeSource
	led     *ledger.Ledger
	filters exchange.SymbolFilters
	log     zerolog.Logger

	ltGate        bool
	stGate        bool
	grid          []float64
	ticksAboveTop int
	sinceMs       int64
}

// NewCoordinator wires a coordinator for one symbol. Both trade gates start
// open.
func NewCoordinator(cfg Config, gw exchange.Gateway, buf *market.Buffers, cls RegimeSource, log zerolog.Logger) *Coordinator {
	cfg = cfg.withDefaults()
	filters := gw.Filters(cfg.Symbol)
	return &Coordinator{
		cfg:     cfg,
		sym:     cfg.Symbol,
		gw:      gw,
		buf:     buf,
		cls:     cls,
		led:     ledger.New(filters, log),
		filters: filters,
		log:     log.With().Str("symbol", string(cfg.Symbol)).Logger(),
		ltGate:  true,
		stGate:  true,
	}
}

// Gates returns the (long-term, short-term) trade gate values.
func (c *Coordinator) Gates() (bool, bool) { return c.ltGate, c.stGate }

// Grid returns the current level set.
func (c *Coordinator) Grid() []float64 {
	out := make([]float64, len(c.grid))
	copy(out, c.grid)
	return out
}

// Ledger exposes the order mirror for snapshots.
func (c *Coordinator) Ledger() *ledger.Ledger { return c.led }

// StartupSweep cancels buy orders left resting by a previous process so the
// first reconciliation starts clean.
func (c *Coordinator) StartupSweep(ctx context.Context) {
	ids, err := c.gw.CancelAll(ctx, c.sym, exchange.Buy)
	if err != nil {
		c.log.Warn().Err(err).Msg("startup buy sweep failed")
		return
	}
	if len(ids) > 0 {
		c.log.Info().Int("count", len(ids)).Msg("cancelled stale buy orders at startup")
	}
}

// Tick runs one pass of the control loop. Recoverable conditions defer work
// to the next tick; only authentication failures propagate.
func (c *Coordinator) Tick(ctx context.Context) error {
	started := time.Now()
	defer func() {
		metrics.TickDuration.WithLabelValues(string(c.sym)).Observe(time.Since(started).Seconds())
	}()

	// Step 1: price snapshot
	price, ok := c.awaitPrice(ctx)
	if !ok {
		c.log.Warn().Msg("no price available, skipping tick")
		return nil
	}

	// Step 2: regime refresh; unknown preserves gates
	lt := c.cls.Classify(c.sym, market.TF1d)
	st := c.cls.Classify(c.sym, market.TF1h)
	c.log.Debug().Str("lt", string(lt)).Str("st", string(st)).Float64("price", price).Msg("tick")

	// Steps 3-4: downtrend reactions
	if c.ltGate && lt == regime.Downtrend {
		c.handleLongTermDowntrend(ctx)
	} else if c.stGate && st == regime.Downtrend {
		c.log.Info().Msg("short-term downtrend: cancelling buys, keeping sells")
		c.cancelAllSide(ctx, exchange.Buy)
		c.stGate = false
	}

	// Step 5: gate recovery; placement stays off for this tick
	recovered := false
	if !c.ltGate && (lt == regime.Uptrend || lt == regime.Sideways) {
		c.log.Info().Str("state", string(lt)).Msg("long-term gate re-enabled")
		c.ltGate = true
		recovered = true
	}
	if !c.stGate && (st == regime.Uptrend || st == regime.Sideways) {
		c.log.Info().Str("state", string(st)).Msg("short-term gate re-enabled")
		c.stGate = true
		recovered = true
	}

	// Step 6: breakout reset counter
	if n := len(c.grid); n > 0 {
		if price > c.grid[n-1] {
			c.ticksAboveTop++
		} else {
			c.ticksAboveTop = 0
		}
		if c.ticksAboveTop >= c.cfg.ResetTicksAboveTop {
			c.log.Info().Int("ticks", c.ticksAboveTop).Float64("top", c.grid[n-1]).
				Msg("price broke out above grid, rebuilding")
			c.cancelAllSide(ctx, exchange.Buy)
			c.grid = nil
			c.ticksAboveTop = 0
		}
	}

	// Step 7: reconcile against exchange truth
	if c.ltGate && c.stGate {
		if err := c.reconcile(ctx, price); err != nil {
			if errors.Is(err, ledger.ErrInvariant) {
				c.log.Error().Err(err).Msg("ledger invariant violated, resetting symbol state")
				c.cancelAllSide(ctx, exchange.Buy)
				c.led.Clear()
				c.grid = nil
				return nil
			}
			return err
		}
	}

	// Step 8: geometry
	if len(c.grid) == 0 {
		set := indicator.Compute(c.buf.Candles(c.sym, market.TF1h))
		if !set.Valid {
			c.log.Warn().Msg("atr unavailable, deferring grid build")
			return nil
		}
		c.grid = Levels(price, set.ATR14, c.cfg.Geometry, c.filters)
		c.log.Info().Int("levels", len(c.grid)).Float64("atr", set.ATR14).
			Float64("spacing", Spacing(price, set.ATR14, c.cfg.Geometry)).
			Msg("grid built")
	}

	// Steps 9-10: sizing and placement
	if c.ltGate && c.stGate && !recovered && len(c.grid) > 0 {
		c.place(ctx, price)
	}
	return nil
}

// awaitPrice reads the latest price with a few bounded retries; a tick
// without a price is skipped, not failed.
func (c *Coordinator) awaitPrice(ctx context.Context) (float64, bool) {
	for attempt := 0; attempt < priceAttempts; attempt++ {
		if px, ok := c.buf.LastPrice(c.sym); ok {
			return px, true
		}
		select {
		case <-time.After(priceRetryDelay):
		case <-ctx.Done():
			return 0, false
		}
	}
	return 0, false
}

// handleLongTermDowntrend liquidates: cancel buys, cancel sells, market-sell
// the base balance, clear the ledger, close the gate. Best-effort in order;
// the exchange remains authoritative over partial failures.
func (c *Coordinator) handleLongTermDowntrend(ctx context.Context) {
	c.log.Info().Msg("long-term downtrend: liquidating")
	c.cancelAllSide(ctx, exchange.Buy)
	c.cancelAllSide(ctx, exchange.Sell)

	bal, err := c.gw.Balance(ctx, c.sym.Base())
	if err != nil {
		c.log.Error().Err(err).Msg("base balance fetch failed during liquidation")
	} else if qty := c.filters.QuantizeQty(bal); qty > 0 {
		if _, err := c.gw.CreateMarketSell(ctx, c.sym, qty); err != nil {
			c.log.Error().Err(err).Float64("qty", qty).Msg("liquidation market sell failed")
		} else {
			c.log.Info().Float64("qty", qty).Msg("liquidated base balance")
		}
	}

	c.led.Clear()
	c.ltGate = false
}

func (c *Coordinator) cancelAllSide(ctx context.Context, side exchange.Side) {
	ids, err := c.gw.CancelAll(ctx, c.sym, side)
	if err != nil {
		c.log.Error().Err(err).Str("side", string(side)).Msg("cancel all failed")
		return
	}
	for range ids {
		metrics.CancelsTotal.WithLabelValues(string(c.sym), string(side)).Inc()
	}
	if len(ids) > 0 {
		c.log.Info().Int("count", len(ids)).Str("side", string(side)).Msg("cancelled open orders")
	}
}

// reconcile merges recent exchange orders into the ledger, cancels stray
// buys, and recycles settled levels. Transport failures defer to next tick.
func (c *Coordinator) reconcile(ctx context.Context, price float64) error {
	open, err := c.gw.FetchOpenOrders(ctx, c.sym)
	if err != nil {
		c.log.Warn().Err(err).Msg("open order fetch failed, deferring reconcile")
		return c.passthroughAuth(err)
	}
	merged := make(map[string]exchange.Order)
	if recent, err := c.gw.FetchOrdersSince(ctx, c.sym, c.sinceMs); err != nil {
		c.log.Warn().Err(err).Msg("recent order fetch failed, reconciling from open orders only")
	} else {
		for _, o := range recent {
			merged[o.ID] = o
		}
	}
	for _, o := range open {
		merged[o.ID] = o
	}
	orders := make([]exchange.Order, 0, len(merged))
	for _, o := range merged {
		orders = append(orders, o)
	}

	strays, err := c.led.Observe(orders)
	if err != nil {
		return err
	}
	c.sinceMs = time.Now().UnixMilli() - observeSkewMs

	for _, o := range strays {
		if o.Side != exchange.Buy {
			// stray sells may be live exits; leave them resting
			continue
		}
		c.log.Warn().Str("order_id", o.ID).Float64("price", o.Price).Msg("cancelling stray buy order")
		if err := c.gw.CancelOrder(ctx, c.sym, o.ID); err != nil {
			c.log.Error().Err(err).Str("order_id", o.ID).Msg("stray cancel failed")
			continue
		}
		metrics.CancelsTotal.WithLabelValues(string(c.sym), string(exchange.Buy)).Inc()
	}

	desired := ledger.ComputeDesired(price, c.grid, c.cfg.Geometry.LevelsBelow)
	c.led.Recycle(desired)
	c.led.PruneInactive(desired)
	return nil
}

// place issues missing buys for desired levels, then paired sells for filled
// buys. Locked levels are skipped until a reconciliation resolves them.
func (c *Coordinator) place(ctx context.Context, price float64) {
	quote, err := c.gw.Balance(ctx, c.sym.Quote())
	if err != nil {
		c.log.Warn().Err(err).Msg("quote balance fetch failed, deferring placement")
		return
	}
	value := OrderValue(c.led.OpenBuyValue(), quote, c.cfg.Sizing)
	desired := ledger.ComputeDesired(price, c.grid, c.cfg.Geometry.LevelsBelow)

	for _, lv := range desired.Buys {
		if !c.led.CanPlaceBuy(lv) {
			continue
		}
		qty, ok := QuantityFor(value, lv, c.filters)
		if !ok {
			metrics.PlacementErrors.WithLabelValues(string(c.sym), "min_notional").Inc()
			c.log.Debug().Float64("level", lv).Float64("value", value).Msg("undersized order dropped")
			continue
		}
		id, err := c.gw.CreateLimitBuy(ctx, c.sym, lv, qty)
		if err != nil {
			if !c.notePlacementError(err, exchange.Buy, lv) {
				return
			}
			continue
		}
		if err := c.led.RegisterBuy(lv, NextLevelAbove(c.grid, lv), id, qty); err != nil {
			c.log.Error().Err(err).Float64("level", lv).Msg("buy registration failed")
			continue
		}
		metrics.OrdersTotal.WithLabelValues(string(c.sym), string(exchange.Buy)).Inc()
		c.log.Info().Float64("level", lv).Float64("qty", qty).Str("order_id", id).Msg("buy placed")
	}

	for _, e := range c.led.PendingSells() {
		target := e.SellLevel
		if target <= 0 {
			target = NextLevelAbove(c.grid, e.Level)
		}
		if target <= 0 {
			c.log.Warn().Float64("level", e.Level).Msg("no level above filled buy, sell deferred")
			continue
		}
		qty := c.filters.QuantizeQty(e.Buy.FilledQty)
		if qty <= 0 {
			continue
		}
		id, err := c.gw.CreateLimitSell(ctx, c.sym, target, qty)
		if err != nil {
			if !c.notePlacementError(err, exchange.Sell, target) {
				return
			}
			continue
		}
		if err := c.led.RegisterSell(e.Level, id, qty); err != nil {
			c.log.Error().Err(err).Float64("level", e.Level).Msg("sell registration failed")
			continue
		}
		metrics.OrdersTotal.WithLabelValues(string(c.sym), string(exchange.Sell)).Inc()
		c.log.Info().Float64("level", target).Float64("qty", qty).Str("order_id", id).Msg("paired sell placed")
	}
}

// notePlacementError logs one failed placement and reports whether the
// placement pass should continue with further levels.
func (c *Coordinator) notePlacementError(err error, side exchange.Side, level float64) bool {
	switch {
	case errors.Is(err, exchange.ErrInsufficientFunds):
		metrics.PlacementErrors.WithLabelValues(string(c.sym), "insufficient_funds").Inc()
		c.log.Warn().Float64("level", level).Msg("insufficient funds, sizing recomputes next tick")
		return false
	case errors.Is(err, exchange.ErrRejected):
		metrics.PlacementErrors.WithLabelValues(string(c.sym), "rejected").Inc()
		c.log.Error().Err(err).Str("side", string(side)).Float64("level", level).Msg("placement rejected")
		return true
	default:
		metrics.PlacementErrors.WithLabelValues(string(c.sym), "transport").Inc()
		c.log.Warn().Err(err).Str("side", string(side)).Float64("level", level).Msg("placement failed, retrying next tick")
		return true
	}
}

// passthroughAuth lets authentication failures escalate to the supervisor
// while downgrading everything else to a deferred tick.
func (c *Coordinator) passthroughAuth(err error) error {
	if errors.Is(err, exchange.ErrAuth) {
		return err
	}
	return nil
}
