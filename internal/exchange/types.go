// Package exchange hosts the venue gateway: a narrow, capability-typed
// boundary over REST order management and websocket market data, plus the
// dry-run decorator that simulates the order-mutating half.
package exchange

import (
	"github.com/shopspring/decimal"

	"gridbot-go/internal/market"
)

// Side is an order direction.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// OrderState is the lifecycle state mirrored from the venue.
type OrderState string

const (
	StatePending   OrderState = "pending"
	StateOpen      OrderState = "open"
	StateFilled    OrderState = "filled"
	StateCancelled OrderState = "cancelled"
	StateRejected  OrderState = "rejected"
	StateUnknown   OrderState = "unknown"
)

// Terminal reports whether the state can no longer change.
func (s OrderState) Terminal() bool {
	return s == StateFilled || s == StateCancelled || s == StateRejected
}

// Live reports whether the order may still rest on or reach the book.
func (s OrderState) Live() bool {
	return s == StatePending || s == StateOpen || s == StateUnknown
}

// Order is the exchange view of one order.
type Order struct {
	ID       string
	Symbol   market.Symbol
	Side     Side
	Price    float64
	Quantity float64
	Filled   float64
	State    OrderState
	Ts       int64
}

// Credentials is the opaque key material handed to the transport. The core
// never reads files or the environment itself.
type Credentials struct {
	APIKey    string
	APISecret string
}

// SymbolFilters carries the venue's price/size constraints for one pair.
type SymbolFilters struct {
	TickSize    decimal.Decimal
	LotStep     decimal.Decimal
	MinNotional decimal.Decimal
}

// DefaultFilters is permissive enough for tests and venues that expose no
// metadata: 4 decimal places on price, 8 on quantity, no notional floor.
func DefaultFilters() SymbolFilters {
	return SymbolFilters{
		TickSize: decimal.New(1, -4),
		LotStep:  decimal.New(1, -8),
	}
}

// QuantizePrice snaps a price onto the nearest tick.
func (f SymbolFilters) QuantizePrice(p float64) float64 {
	if f.TickSize.IsZero() {
		return p
	}
	d := decimal.NewFromFloat(p)
	out, _ := d.Div(f.TickSize).Round(0).Mul(f.TickSize).Float64()
	return out
}

// QuantizeQty floors a quantity onto the lot grid; flooring never commits
// more than the sized amount.
func (f SymbolFilters) QuantizeQty(q float64) float64 {
	return quantize(q, f.LotStep)
}

// PriceKey renders a price quantized to the tick grid as a stable string,
// usable as a map key where float equality would betray.
func (f SymbolFilters) PriceKey(p float64) string {
	step := f.TickSize
	if step.IsZero() {
		return decimal.NewFromFloat(p).String()
	}
	d := decimal.NewFromFloat(p)
	return d.Div(step).Round(0).Mul(step).String()
}

// SamePrice reports price equality up to one tick.
func (f SymbolFilters) SamePrice(a, b float64) bool {
	return f.PriceKey(a) == f.PriceKey(b)
}

// MeetsMinNotional reports whether price*qty clears the venue floor.
func (f SymbolFilters) MeetsMinNotional(price, qty float64) bool {
	if f.MinNotional.IsZero() {
		return true
	}
	notional := decimal.NewFromFloat(price).Mul(decimal.NewFromFloat(qty))
	return notional.GreaterThanOrEqual(f.MinNotional)
}

func quantize(v float64, step decimal.Decimal) float64 {
	if step.IsZero() {
		return v
	}
	d := decimal.NewFromFloat(v)
	out, _ := d.Div(step).Floor().Mul(step).Float64()
	return out
}
