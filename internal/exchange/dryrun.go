package exchange

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"gridbot-go/internal/market"
)

// DryRun decorates a gateway so that order-mutating calls never reach the
// venue: placements land in an internal simulated book with deterministic
// ids and are reflected back by the fetch methods. Market data passes
// through to the inner gateway when one is present.
type DryRun struct {
	inner Gateway
	log   zerolog.Logger

	mu       sync.Mutex
	book     map[string]Order
	balances map[string]float64
	filters  map[market.Symbol]SymbolFilters
}

// NewDryRun builds the decorator. inner may be nil for offline use (tests);
// stream and candle calls then fail. balances are the configured fixtures.
func NewDryRun(inner Gateway, balances map[string]float64, log zerolog.Logger) *DryRun {
	fixtures := make(map[string]float64, len(balances))
	for k, v := range balances {
		fixtures[k] = v
	}
	return &DryRun{
		inner:    inner,
		log:      log,
		book:     make(map[string]Order),
		balances: fixtures,
		filters:  make(map[market.Symbol]SymbolFilters),
	}
}

// SetFilters pins trading filters for a symbol, for offline use without an
// inner gateway.
func (d *DryRun) SetFilters(sym market.Symbol, f SymbolFilters) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.filters[sym] = f
}

func dryRunID(side Side, price, qty float64) string {
	return fmt.Sprintf("dryrun:%s:%s:%s",
		side,
		strconv.FormatFloat(price, 'f', -1, 64),
		strconv.FormatFloat(qty, 'f', -1, 64))
}

func (d *DryRun) place(sym market.Symbol, side Side, price, qty float64, state OrderState) string {
	id := dryRunID(side, price, qty)

	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.book[id]; ok && existing.State.Live() {
		// re-placement of a live simulated order is idempotent
		return id
	}
	filled := 0.0
	if state == StateFilled {
		filled = qty
	}
	d.book[id] = Order{
		ID:       id,
		Symbol:   sym,
		Side:     side,
		Price:    price,
		Quantity: qty,
		Filled:   filled,
		State:    state,
		Ts:       time.Now().UnixMilli(),
	}
	d.log.Info().Str("symbol", string(sym)).Str("side", string(side)).
		Float64("price", price).Float64("qty", qty).Str("order_id", id).
		Msg("dry-run order recorded")
	return id
}

func (d *DryRun) CreateLimitBuy(ctx context.Context, sym market.Symbol, price, qty float64) (string, error) {
	return d.place(sym, Buy, price, qty, StateOpen), nil
}

func (d *DryRun) CreateLimitSell(ctx context.Context, sym market.Symbol, price, qty float64) (string, error) {
	return d.place(sym, Sell, price, qty, StateOpen), nil
}

// CreateMarketSell fills immediately and zeroes the base-asset fixture, so
// liquidation flows observe the balance they expect.
func (d *DryRun) CreateMarketSell(ctx context.Context, sym market.Symbol, qty float64) (string, error) {
	id := d.place(sym, Sell, 0, qty, StateFilled)
	d.mu.Lock()
	d.balances[sym.Base()] = 0
	d.mu.Unlock()
	return id, nil
}

func (d *DryRun) CancelOrder(ctx context.Context, sym market.Symbol, orderID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, ok := d.book[orderID]
	if !ok || o.State.Terminal() {
		// unknown or already terminal: benign
		return nil
	}
	o.State = StateCancelled
	d.book[orderID] = o
	return nil
}

func (d *DryRun) CancelAll(ctx context.Context, sym market.Symbol, side Side) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var cancelled []string
	for id, o := range d.book {
		if o.Symbol != sym || o.Side != side || !o.State.Live() {
			continue
		}
		o.State = StateCancelled
		d.book[id] = o
		cancelled = append(cancelled, id)
	}
	return cancelled, nil
}

func (d *DryRun) FetchOpenOrders(ctx context.Context, sym market.Symbol) ([]Order, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Order
	for _, o := range d.book {
		if o.Symbol == sym && o.State == StateOpen {
			out = append(out, o)
		}
	}
	return out, nil
}

func (d *DryRun) FetchOrdersSince(ctx context.Context, sym market.Symbol, sinceMs int64) ([]Order, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Order
	for _, o := range d.book {
		if o.Symbol == sym && o.Ts >= sinceMs {
			out = append(out, o)
		}
	}
	return out, nil
}

func (d *DryRun) Balance(ctx context.Context, asset string) (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.balances[asset], nil
}

// Fill transitions a simulated order to filled, for tests and offline
// simulation of counterparty activity.
func (d *DryRun) Fill(orderID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, ok := d.book[orderID]
	if !ok || !o.State.Live() {
		return false
	}
	o.State = StateFilled
	o.Filled = o.Quantity
	d.book[orderID] = o
	return true
}

// Inject places an arbitrary order into the simulated book, for tests that
// need stray exchange-side orders.
func (d *DryRun) Inject(o Order) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.book[o.ID] = o
}

func (d *DryRun) FetchCandles(ctx context.Context, sym market.Symbol, tf market.Timeframe, limit int) ([]market.Candle, error) {
	if d.inner == nil {
		return nil, errors.New("dry-run gateway has no market data source")
	}
	return d.inner.FetchCandles(ctx, sym, tf, limit)
}

func (d *DryRun) SubscribeTicker(ctx context.Context, sym market.Symbol) (<-chan market.TickerTick, error) {
	if d.inner == nil {
		return nil, errors.New("dry-run gateway has no market data source")
	}
	return d.inner.SubscribeTicker(ctx, sym)
}

func (d *DryRun) SubscribeDepth(ctx context.Context, sym market.Symbol) (<-chan market.DepthSnapshot, error) {
	if d.inner == nil {
		return nil, errors.New("dry-run gateway has no market data source")
	}
	return d.inner.SubscribeDepth(ctx, sym)
}

func (d *DryRun) SubscribeCandles(ctx context.Context, sym market.Symbol, tf market.Timeframe) (<-chan market.Candle, error) {
	if d.inner == nil {
		return nil, errors.New("dry-run gateway has no market data source")
	}
	return d.inner.SubscribeCandles(ctx, sym, tf)
}

func (d *DryRun) Filters(sym market.Symbol) SymbolFilters {
	d.mu.Lock()
	if f, ok := d.filters[sym]; ok {
		d.mu.Unlock()
		return f
	}
	d.mu.Unlock()
	if d.inner != nil {
		return d.inner.Filters(sym)
	}
	return DefaultFilters()
}

func (d *DryRun) Close() error {
	if d.inner != nil {
		return d.inner.Close()
	}
	return nil
}
