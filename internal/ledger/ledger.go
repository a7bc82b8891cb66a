// Package ledger mirrors intended and observed orders per grid level. The
// exchange stays authoritative; the ledger only remembers what the
// coordinator asked for and what the last reconciliation reported back.
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"gridbot-go/internal/exchange"
)

// ErrInvariant flags a state the ledger cannot hold, e.g. two live buys
// resolving to one level. The symbol loop treats it as fatal and rebuilds.
var ErrInvariant = errors.New("ledger invariant violated")

// SideOrder is one side of a level entry. A zero State means no order has
// ever been intended for that side.
type SideOrder struct {
	ID        string
	State     exchange.OrderState
	Locked    bool
	Quantity  float64
	FilledQty float64
}

// Live reports whether this side currently holds a non-terminal order.
func (s SideOrder) Live() bool {
	return s.State != "" && s.State.Live()
}

// Entry tracks the order pair anchored at one buy level. The paired sell
// rests one grid level above, recorded in SellLevel.
type Entry struct {
	Level     float64
	SellLevel float64
	Buy       SideOrder
	Sell      SideOrder
}

// Desired is the slot set the coordinator wants live: buy levels strictly
// below the current price and the nearest level strictly above for the sell
// side. SellSlot is 0 when the grid has no level above.
type Desired struct {
	Buys     []float64
	SellSlot float64
}

// ComputeDesired picks the `below` nearest levels strictly below price
// (descending) and the nearest level strictly above.
func ComputeDesired(price float64, grid []float64, below int) Desired {
	var d Desired
	under := make([]float64, 0, len(grid))
	for _, lv := range grid {
		switch {
		case lv < price:
			under = append(under, lv)
		case lv > price && d.SellSlot == 0:
			d.SellSlot = lv
		}
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(under)))
	if len(under) > below {
		under = under[:below]
	}
	d.Buys = under
	return d
}

// Ledger is the per-symbol level map. Owned by the coordinator task;
// external readers use Snapshot.
type Ledger struct {
	mu      sync.Mutex
	filters exchange.SymbolFilters
	entries map[string]*Entry
	log     zerolog.Logger
}

// New builds an empty ledger with the venue filters that define price
// equality.
func New(filters exchange.SymbolFilters, log zerolog.Logger) *Ledger {
	return &Ledger{
		filters: filters,
		entries: make(map[string]*Entry),
		log:     log,
	}
}

func (l *Ledger) key(level float64) string { return l.filters.PriceKey(level) }

// RegisterBuy records an intended buy at level, paired with a sell slot at
// sellLevel. The side enters pending+locked until the next reconciliation
// resolves it. Registering over a live buy is an invariant violation.
func (l *Ledger) RegisterBuy(level, sellLevel float64, orderID string, qty float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entries[l.key(level)]
	if e == nil {
		e = &Entry{Level: level, SellLevel: sellLevel}
		l.entries[l.key(level)] = e
	}
	if e.Buy.Live() {
		return fmt.Errorf("%w: live buy already at %v", ErrInvariant, level)
	}
	e.SellLevel = sellLevel
	e.Buy = SideOrder{ID: orderID, State: exchange.StatePending, Locked: true, Quantity: qty}
	return nil
}

// RegisterSell records the paired sell for the level whose buy has filled.
// The buy-first dependency is enforced here.
func (l *Ledger) RegisterSell(level float64, orderID string, qty float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entries[l.key(level)]
	if e == nil || e.Buy.State != exchange.StateFilled {
		return fmt.Errorf("%w: sell registered before buy fill at %v", ErrInvariant, level)
	}
	if e.Sell.Live() {
		return fmt.Errorf("%w: live sell already at %v", ErrInvariant, level)
	}
	e.Sell = SideOrder{ID: orderID, State: exchange.StatePending, Locked: true, Quantity: qty}
	return nil
}

// Observe merges the exchange view into the ledger: states update by order
// id first, then by (side, price) for orders the ledger intended but never
// got an id for. Exchange-visible open orders matching nothing are returned
// as strays. Registered orders the exchange no longer reports resolve to
// unknown; a later full fetch settles them.
func (l *Ledger) Observe(orders []exchange.Order) ([]exchange.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	byID := make(map[string]exchange.Order, len(orders))
	for _, o := range orders {
		byID[o.ID] = o
	}

	seen := make(map[string]bool, len(orders))
	liveBuyAt := make(map[string]string)

	for _, e := range l.entries {
		if e.Buy.ID != "" {
			if o, ok := byID[e.Buy.ID]; ok {
				seen[o.ID] = true
				l.applyBuy(e, o)
			} else if e.Buy.Live() {
				// intended but not reported: unknown once, settled on the
				// second consecutive miss
				if e.Buy.State == exchange.StateUnknown {
					e.Buy.State = exchange.StateCancelled
				} else {
					e.Buy.State = exchange.StateUnknown
				}
				e.Buy.Locked = false
			}
		}
		if e.Sell.ID != "" {
			if o, ok := byID[e.Sell.ID]; ok {
				seen[o.ID] = true
				l.applySell(e, o)
			} else if e.Sell.Live() {
				if e.Sell.State == exchange.StateUnknown {
					e.Sell.State = exchange.StateCancelled
				} else {
					e.Sell.State = exchange.StateUnknown
				}
				e.Sell.Locked = false
			}
		}
	}

	var strays []exchange.Order
	for _, o := range orders {
		if seen[o.ID] {
			continue
		}
		if o.State != exchange.StateOpen {
			continue
		}
		if e := l.adopt(o); e != nil {
			continue
		}
		strays = append(strays, o)
	}

	// one live buy per level, counting exchange-side truth
	for _, o := range orders {
		if o.Side != exchange.Buy || !o.State.Live() {
			continue
		}
		k := l.filters.PriceKey(o.Price)
		if prev, dup := liveBuyAt[k]; dup && prev != o.ID {
			return strays, fmt.Errorf("%w: two live buys at price %v", ErrInvariant, o.Price)
		}
		liveBuyAt[k] = o.ID
	}
	return strays, nil
}

// adopt attaches an exchange-side open order to the entry that intended it
// (matched by side and quantized price) when the ledger lost the id, e.g.
// after a restart. Returns nil when no entry claims the order.
func (l *Ledger) adopt(o exchange.Order) *Entry {
	switch o.Side {
	case exchange.Buy:
		e := l.entries[l.filters.PriceKey(o.Price)]
		if e != nil && !e.Buy.Live() && !e.Buy.State.Terminal() {
			e.Buy = SideOrder{ID: o.ID, State: o.State, Quantity: o.Quantity}
			l.log.Info().Str("order_id", o.ID).Float64("level", e.Level).Msg("adopted exchange buy order")
			return e
		}
	case exchange.Sell:
		for _, e := range l.entries {
			if l.filters.SamePrice(e.SellLevel, o.Price) && e.Buy.State == exchange.StateFilled && !e.Sell.Live() && !e.Sell.State.Terminal() {
				e.Sell = SideOrder{ID: o.ID, State: o.State, Quantity: o.Quantity}
				l.log.Info().Str("order_id", o.ID).Float64("level", e.SellLevel).Msg("adopted exchange sell order")
				return e
			}
		}
	}
	return nil
}

func (l *Ledger) applyBuy(e *Entry, o exchange.Order) {
	prev := e.Buy.State
	e.Buy.State = o.State
	e.Buy.Locked = false
	if o.State == exchange.StateFilled {
		qty := o.Filled
		if qty <= 0 {
			qty = o.Quantity
		}
		e.Buy.FilledQty = qty
	}
	if prev != o.State {
		l.log.Debug().Float64("level", e.Level).Str("from", string(prev)).Str("to", string(o.State)).Msg("buy state updated")
	}
}

func (l *Ledger) applySell(e *Entry, o exchange.Order) {
	prev := e.Sell.State
	e.Sell.State = o.State
	e.Sell.Locked = false
	if prev != o.State {
		l.log.Debug().Float64("level", e.SellLevel).Str("from", string(prev)).Str("to", string(o.State)).Msg("sell state updated")
	}
}

// Recycle resets sides that ended in cancelled/rejected and completed pairs
// whose level is still desired, so the level can host a fresh buy.
func (l *Ledger) Recycle(desired Desired) {
	l.mu.Lock()
	defer l.mu.Unlock()
	wanted := make(map[string]bool, len(desired.Buys))
	for _, lv := range desired.Buys {
		wanted[l.key(lv)] = true
	}
	for k, e := range l.entries {
		if e.Buy.State == exchange.StateCancelled || e.Buy.State == exchange.StateRejected {
			e.Buy = SideOrder{}
		}
		if e.Sell.State == exchange.StateCancelled || e.Sell.State == exchange.StateRejected {
			e.Sell = SideOrder{}
		}
		if e.Buy.State == exchange.StateFilled && e.Sell.State == exchange.StateFilled && wanted[k] {
			l.log.Info().Float64("level", e.Level).Msg("recycling completed pair")
			e.Buy = SideOrder{}
			e.Sell = SideOrder{}
		}
	}
}

// PruneInactive drops entries whose sides are both settled and whose level
// is no longer desired.
func (l *Ledger) PruneInactive(desired Desired) {
	l.mu.Lock()
	defer l.mu.Unlock()
	wanted := make(map[string]bool, len(desired.Buys))
	for _, lv := range desired.Buys {
		wanted[l.key(lv)] = true
	}
	for k, e := range l.entries {
		if wanted[k] {
			continue
		}
		buyDone := e.Buy.State == "" || e.Buy.State.Terminal()
		sellDone := e.Sell.State == "" || e.Sell.State.Terminal()
		// a filled buy still awaiting its paired sell stays
		if e.Buy.State == exchange.StateFilled && e.Sell.State != exchange.StateFilled {
			continue
		}
		if buyDone && sellDone {
			delete(l.entries, k)
		}
	}
}

// HasLiveBuy reports whether a non-terminal (or locked) buy occupies level.
func (l *Ledger) HasLiveBuy(level float64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entries[l.key(level)]
	return e != nil && (e.Buy.Live() || e.Buy.Locked)
}

// CanPlaceBuy reports whether the level is free to host a fresh buy: no
// entry yet, or an entry whose buy side has been reset. A filled buy still
// waiting on its paired sell keeps the slot occupied until the pair
// recycles.
func (l *Ledger) CanPlaceBuy(level float64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entries[l.key(level)]
	if e == nil {
		return true
	}
	return e.Buy.State == "" && !e.Buy.Locked
}

// OpenBuyValue sums price*quantity over live buys, the in-flight capital
// term of the sizing formula.
func (l *Ledger) OpenBuyValue() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var total float64
	for _, e := range l.entries {
		if e.Buy.Live() {
			total += e.Level * e.Buy.Quantity
		}
	}
	return total
}

// PendingSells returns entries whose buy has filled and whose sell side is
// absent, i.e. paired sells waiting to be placed.
func (l *Ledger) PendingSells() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Entry
	for _, e := range l.entries {
		if e.Buy.State == exchange.StateFilled && e.Sell.State == "" && !e.Sell.Locked {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Level < out[j].Level })
	return out
}

// Snapshot returns a copy of every entry ordered by level.
func (l *Ledger) Snapshot() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Level < out[j].Level })
	return out
}

// Clear empties the ledger.
func (l *Ledger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make(map[string]*Entry)
}
