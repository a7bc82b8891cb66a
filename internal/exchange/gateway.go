package exchange

import (
	"context"

	"gridbot-go/internal/market"
)

// Gateway is the uniform boundary the engine trades and reads market data
// through. Implementations own retry pacing; callers only see terminal
// outcomes or exhausted transports.
type Gateway interface {
	CreateLimitBuy(ctx context.Context, sym market.Symbol, price, qty float64) (string, error)
	CreateLimitSell(ctx context.Context, sym market.Symbol, price, qty float64) (string, error)
	CreateMarketSell(ctx context.Context, sym market.Symbol, qty float64) (string, error)
	CancelOrder(ctx context.Context, sym market.Symbol, orderID string) error
	CancelAll(ctx context.Context, sym market.Symbol, side Side) ([]string, error)

	FetchOpenOrders(ctx context.Context, sym market.Symbol) ([]Order, error)
	FetchOrdersSince(ctx context.Context, sym market.Symbol, sinceMs int64) ([]Order, error)
	Balance(ctx context.Context, asset string) (float64, error)
	FetchCandles(ctx context.Context, sym market.Symbol, tf market.Timeframe, limit int) ([]market.Candle, error)

	SubscribeTicker(ctx context.Context, sym market.Symbol) (<-chan market.TickerTick, error)
	SubscribeDepth(ctx context.Context, sym market.Symbol) (<-chan market.DepthSnapshot, error)
	SubscribeCandles(ctx context.Context, sym market.Symbol, tf market.Timeframe) (<-chan market.Candle, error)

	Filters(sym market.Symbol) SymbolFilters
	Close() error
}
