package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"gridbot-go/internal/market"
)

const (
	defaultRESTURL = "https://api.binance.com"
	defaultWSURL   = "wss://stream.binance.com:9443"

	restMaxRetries = 4
	rateLimitPause = 2 * time.Second
)

// Venue is the live Gateway over a Binance-style REST+websocket API.
type Venue struct {
	transport Transport
	wsURL     string
	log       zerolog.Logger

	mu      sync.RWMutex
	filters map[market.Symbol]SymbolFilters
}

// VenueOption configures Venue construction.
type VenueOption func(*Venue)

// WithWSURL overrides the websocket endpoint (testnet, mocks).
func WithWSURL(u string) VenueOption {
	return func(v *Venue) {
		if u != "" {
			v.wsURL = strings.TrimSuffix(u, "/")
		}
	}
}

// NewVenue wraps a transport into the live gateway.
func NewVenue(t Transport, log zerolog.Logger, opts ...VenueOption) *Venue {
	v := &Venue{
		transport: t,
		wsURL:     defaultWSURL,
		log:       log,
		filters:   make(map[market.Symbol]SymbolFilters),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// venueSymbol translates the canonical BASE-QUOTE form to the venue spelling.
func venueSymbol(sym market.Symbol) string {
	return strings.ReplaceAll(string(sym), "-", "")
}

// Connect fetches per-symbol trading filters (tick size, lot step, minimum
// notional) from venue metadata. Symbols without metadata fall back to
// permissive defaults.
func (v *Venue) Connect(ctx context.Context, symbols []market.Symbol) error {
	names := make([]string, len(symbols))
	for i, s := range symbols {
		names[i] = `"` + venueSymbol(s) + `"`
	}
	params := url.Values{}
	params.Set("symbols", "["+strings.Join(names, ",")+"]")

	payload, err := v.withRetry(ctx, func() ([]byte, error) {
		return v.transport.Do(ctx, http.MethodGet, "/api/v3/exchangeInfo", params, false)
	})
	if err != nil {
		return fmt.Errorf("exchange info: %w", err)
	}

	var info struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Filters []struct {
				FilterType  string `json:"filterType"`
				TickSize    string `json:"tickSize"`
				StepSize    string `json:"stepSize"`
				MinNotional string `json:"minNotional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(payload, &info); err != nil {
		return fmt.Errorf("decode exchange info: %w", err)
	}

	byVenue := make(map[string]market.Symbol, len(symbols))
	for _, s := range symbols {
		byVenue[venueSymbol(s)] = s
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	for _, entry := range info.Symbols {
		sym, ok := byVenue[entry.Symbol]
		if !ok {
			continue
		}
		f := DefaultFilters()
		for _, flt := range entry.Filters {
			switch flt.FilterType {
			case "PRICE_FILTER":
				if d, err := decimal.NewFromString(flt.TickSize); err == nil && !d.IsZero() {
					f.TickSize = d
				}
			case "LOT_SIZE":
				if d, err := decimal.NewFromString(flt.StepSize); err == nil && !d.IsZero() {
					f.LotStep = d
				}
			case "NOTIONAL", "MIN_NOTIONAL":
				if d, err := decimal.NewFromString(flt.MinNotional); err == nil {
					f.MinNotional = d
				}
			}
		}
		v.filters[sym] = f
		v.log.Info().Str("symbol", string(sym)).
			Str("tick", f.TickSize.String()).Str("lot", f.LotStep.String()).
			Msg("loaded symbol filters")
	}
	return nil
}

// Filters returns the trading constraints for sym, defaulting when the venue
// exposed none.
func (v *Venue) Filters(sym market.Symbol) SymbolFilters {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if f, ok := v.filters[sym]; ok {
		return f
	}
	return DefaultFilters()
}

// withRetry runs op under bounded exponential backoff. Rate limits get a
// respectful fixed pause; terminal venue answers abort immediately.
func (v *Venue) withRetry(ctx context.Context, op func() ([]byte, error)) ([]byte, error) {
	var payload []byte
	attempt := func() error {
		var err error
		payload, err = op()
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrRateLimited):
			v.log.Warn().Msg("rate limited, pausing")
			select {
			case <-time.After(rateLimitPause):
			case <-ctx.Done():
				return backoff.Permanent(ctx.Err())
			}
			return err
		case IsTransport(err):
			return err
		default:
			return backoff.Permanent(err)
		}
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), restMaxRetries), ctx)
	if err := backoff.Retry(attempt, policy); err != nil {
		return nil, err
	}
	return payload, nil
}

type venueOrder struct {
	OrderID  int64  `json:"orderId"`
	Symbol   string `json:"symbol"`
	Side     string `json:"side"`
	Status   string `json:"status"`
	Price    string `json:"price"`
	OrigQty  string `json:"origQty"`
	Executed string `json:"executedQty"`
	Time     int64  `json:"time"`
}

func mapState(status string) OrderState {
	switch status {
	case "NEW":
		return StateOpen
	case "PARTIALLY_FILLED":
		return StateOpen
	case "FILLED":
		return StateFilled
	case "CANCELED", "EXPIRED", "EXPIRED_IN_MATCH":
		return StateCancelled
	case "REJECTED":
		return StateRejected
	}
	return StateUnknown
}

func (o venueOrder) toOrder(sym market.Symbol) Order {
	price, _ := strconv.ParseFloat(o.Price, 64)
	qty, _ := strconv.ParseFloat(o.OrigQty, 64)
	filled, _ := strconv.ParseFloat(o.Executed, 64)
	return Order{
		ID:       strconv.FormatInt(o.OrderID, 10),
		Symbol:   sym,
		Side:     Side(strings.ToLower(o.Side)),
		Price:    price,
		Quantity: qty,
		Filled:   filled,
		State:    mapState(o.Status),
		Ts:       o.Time,
	}
}

func (v *Venue) placeOrder(ctx context.Context, sym market.Symbol, side Side, typ string, price, qty float64) (string, error) {
	params := url.Values{}
	params.Set("symbol", venueSymbol(sym))
	params.Set("side", strings.ToUpper(string(side)))
	params.Set("type", typ)
	params.Set("quantity", strconv.FormatFloat(qty, 'f', -1, 64))
	if typ == "LIMIT" {
		params.Set("timeInForce", "GTC")
		params.Set("price", strconv.FormatFloat(price, 'f', -1, 64))
	}

	payload, err := v.withRetry(ctx, func() ([]byte, error) {
		return v.transport.Do(ctx, http.MethodPost, "/api/v3/order", params, true)
	})
	if err != nil {
		return "", err
	}
	var resp struct {
		OrderID int64 `json:"orderId"`
	}
	if err := json.Unmarshal(payload, &resp); err != nil {
		return "", &TransportError{Err: fmt.Errorf("decode order response: %w", err)}
	}
	return strconv.FormatInt(resp.OrderID, 10), nil
}

func (v *Venue) CreateLimitBuy(ctx context.Context, sym market.Symbol, price, qty float64) (string, error) {
	return v.placeOrder(ctx, sym, Buy, "LIMIT", price, qty)
}

func (v *Venue) CreateLimitSell(ctx context.Context, sym market.Symbol, price, qty float64) (string, error) {
	return v.placeOrder(ctx, sym, Sell, "LIMIT", price, qty)
}

func (v *Venue) CreateMarketSell(ctx context.Context, sym market.Symbol, qty float64) (string, error) {
	return v.placeOrder(ctx, sym, Sell, "MARKET", 0, qty)
}

// CancelOrder cancels one order. An unknown order is treated as already
// cancelled and reported as success.
func (v *Venue) CancelOrder(ctx context.Context, sym market.Symbol, orderID string) error {
	params := url.Values{}
	params.Set("symbol", venueSymbol(sym))
	params.Set("orderId", orderID)
	_, err := v.withRetry(ctx, func() ([]byte, error) {
		return v.transport.Do(ctx, http.MethodDelete, "/api/v3/order", params, true)
	})
	if errors.Is(err, ErrUnknownOrder) {
		return nil
	}
	return err
}

// CancelAll cancels every open order on one side and returns the cancelled ids.
func (v *Venue) CancelAll(ctx context.Context, sym market.Symbol, side Side) ([]string, error) {
	open, err := v.FetchOpenOrders(ctx, sym)
	if err != nil {
		return nil, err
	}
	var cancelled []string
	for _, o := range open {
		if o.Side != side {
			continue
		}
		if err := v.CancelOrder(ctx, sym, o.ID); err != nil {
			v.log.Error().Err(err).Str("symbol", string(sym)).Str("order_id", o.ID).Msg("cancel failed")
			continue
		}
		cancelled = append(cancelled, o.ID)
	}
	return cancelled, nil
}

func (v *Venue) FetchOpenOrders(ctx context.Context, sym market.Symbol) ([]Order, error) {
	params := url.Values{}
	params.Set("symbol", venueSymbol(sym))
	payload, err := v.withRetry(ctx, func() ([]byte, error) {
		return v.transport.Do(ctx, http.MethodGet, "/api/v3/openOrders", params, true)
	})
	if err != nil {
		return nil, err
	}
	return decodeOrders(payload, sym)
}

func (v *Venue) FetchOrdersSince(ctx context.Context, sym market.Symbol, sinceMs int64) ([]Order, error) {
	params := url.Values{}
	params.Set("symbol", venueSymbol(sym))
	if sinceMs > 0 {
		params.Set("startTime", strconv.FormatInt(sinceMs, 10))
	}
	payload, err := v.withRetry(ctx, func() ([]byte, error) {
		return v.transport.Do(ctx, http.MethodGet, "/api/v3/allOrders", params, true)
	})
	if err != nil {
		return nil, err
	}
	return decodeOrders(payload, sym)
}

func decodeOrders(payload []byte, sym market.Symbol) ([]Order, error) {
	var raw []venueOrder
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, &TransportError{Err: fmt.Errorf("decode orders: %w", err)}
	}
	out := make([]Order, 0, len(raw))
	for _, o := range raw {
		out = append(out, o.toOrder(sym))
	}
	return out, nil
}

func (v *Venue) Balance(ctx context.Context, asset string) (float64, error) {
	payload, err := v.withRetry(ctx, func() ([]byte, error) {
		return v.transport.Do(ctx, http.MethodGet, "/api/v3/account", url.Values{}, true)
	})
	if err != nil {
		return 0, err
	}
	var acct struct {
		Balances []struct {
			Asset string `json:"asset"`
			Free  string `json:"free"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(payload, &acct); err != nil {
		return 0, &TransportError{Err: fmt.Errorf("decode account: %w", err)}
	}
	for _, b := range acct.Balances {
		if b.Asset == asset {
			free, _ := strconv.ParseFloat(b.Free, 64)
			return free, nil
		}
	}
	return 0, nil
}

// FetchCandles pulls up to limit most recent closed candles over REST.
func (v *Venue) FetchCandles(ctx context.Context, sym market.Symbol, tf market.Timeframe, limit int) ([]market.Candle, error) {
	params := url.Values{}
	params.Set("symbol", venueSymbol(sym))
	params.Set("interval", string(tf))
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	payload, err := v.withRetry(ctx, func() ([]byte, error) {
		return v.transport.Do(ctx, http.MethodGet, "/api/v3/klines", params, false)
	})
	if err != nil {
		return nil, err
	}

	var rows [][]json.RawMessage
	if err := json.Unmarshal(payload, &rows); err != nil {
		return nil, &TransportError{Err: fmt.Errorf("decode klines: %w", err)}
	}
	out := make([]market.Candle, 0, len(rows))
	now := time.Now().UnixMilli()
	for _, row := range rows {
		if len(row) < 7 {
			continue
		}
		var ts, closeTs int64
		if err := json.Unmarshal(row[0], &ts); err != nil {
			continue
		}
		_ = json.Unmarshal(row[6], &closeTs)
		if closeTs >= now {
			// still-forming candle
			continue
		}
		c := market.Candle{Ts: ts}
		fields := []*float64{&c.Open, &c.High, &c.Low, &c.Close, &c.Volume}
		ok := true
		for i, dst := range fields {
			var s string
			if err := json.Unmarshal(row[i+1], &s); err != nil {
				ok = false
				break
			}
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				ok = false
				break
			}
			*dst = f
		}
		if ok {
			out = append(out, c)
		}
	}
	return out, nil
}

// Close releases gateway resources. Stream goroutines terminate with their
// contexts; the shared HTTP client needs no teardown.
func (v *Venue) Close() error { return nil }
