package exchange

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"gridbot-go/internal/market"
)

const (
	wsHandshakeTimeout = 10 * time.Second
	wsReadDeadline     = 30 * time.Second
	wsPingInterval     = 15 * time.Second
	wsReadLimit        = 1 << 20

	reconnectInitial = 5 * time.Second
	reconnectMax     = 60 * time.Second
)

func streamName(sym market.Symbol, suffix string) string {
	return strings.ToLower(venueSymbol(sym)) + suffix
}

// SubscribeTicker streams 24h rolling ticker events. The returned channel
// stays open across reconnects and closes only when ctx is canceled.
func (v *Venue) SubscribeTicker(ctx context.Context, sym market.Symbol) (<-chan market.TickerTick, error) {
	out := make(chan market.TickerTick, 256)
	go v.runStream(ctx, streamName(sym, "@ticker"), func(msg []byte) {
		var ev struct {
			EventTime  int64  `json:"E"`
			LastPrice  string `json:"c"`
			BestBid    string `json:"b"`
			BestBidQty string `json:"B"`
			BestAsk    string `json:"a"`
			BestAskQty string `json:"A"`
			Volume     string `json:"v"`
		}
		if err := json.Unmarshal(msg, &ev); err != nil || ev.EventTime == 0 {
			return
		}
		tick := market.TickerTick{Ts: ev.EventTime}
		for _, f := range []struct {
			src string
			dst *float64
		}{
			{ev.LastPrice, &tick.LastPrice},
			{ev.BestBid, &tick.BestBid},
			{ev.BestBidQty, &tick.BestBidQty},
			{ev.BestAsk, &tick.BestAsk},
			{ev.BestAskQty, &tick.BestAskQty},
			{ev.Volume, &tick.Volume24h},
		} {
			*f.dst, _ = strconv.ParseFloat(f.src, 64)
		}
		select {
		case out <- tick:
		case <-ctx.Done():
		}
	}, func() { close(out) })
	return out, nil
}

// SubscribeDepth streams top-20 partial book snapshots.
func (v *Venue) SubscribeDepth(ctx context.Context, sym market.Symbol) (<-chan market.DepthSnapshot, error) {
	out := make(chan market.DepthSnapshot, 64)
	go v.runStream(ctx, streamName(sym, "@depth20@1000ms"), func(msg []byte) {
		var ev struct {
			Bids [][2]string `json:"bids"`
			Asks [][2]string `json:"asks"`
		}
		if err := json.Unmarshal(msg, &ev); err != nil {
			return
		}
		snap := market.DepthSnapshot{
			Ts:   time.Now().UnixMilli(),
			Bids: parseLevels(ev.Bids),
			Asks: parseLevels(ev.Asks),
		}
		if len(snap.Bids) == 0 && len(snap.Asks) == 0 {
			return
		}
		select {
		case out <- snap:
		case <-ctx.Done():
		}
	}, func() { close(out) })
	return out, nil
}

// SubscribeCandles streams closed candles for one timeframe; forming candles
// are dropped at the boundary.
func (v *Venue) SubscribeCandles(ctx context.Context, sym market.Symbol, tf market.Timeframe) (<-chan market.Candle, error) {
	out := make(chan market.Candle, 64)
	go v.runStream(ctx, streamName(sym, "@kline_"+string(tf)), func(msg []byte) {
		var ev struct {
			Kline struct {
				Start  int64  `json:"t"`
				Open   string `json:"o"`
				High   string `json:"h"`
				Low    string `json:"l"`
				Close  string `json:"c"`
				Volume string `json:"v"`
				Closed bool   `json:"x"`
			} `json:"k"`
		}
		if err := json.Unmarshal(msg, &ev); err != nil || !ev.Kline.Closed {
			return
		}
		c := market.Candle{Ts: ev.Kline.Start}
		for _, f := range []struct {
			src string
			dst *float64
		}{
			{ev.Kline.Open, &c.Open},
			{ev.Kline.High, &c.High},
			{ev.Kline.Low, &c.Low},
			{ev.Kline.Close, &c.Close},
			{ev.Kline.Volume, &c.Volume},
		} {
			*f.dst, _ = strconv.ParseFloat(f.src, 64)
		}
		select {
		case out <- c:
		case <-ctx.Done():
		}
	}, func() { close(out) })
	return out, nil
}

func parseLevels(raw [][2]string) []market.PriceLevel {
	out := make([]market.PriceLevel, 0, len(raw))
	for _, lv := range raw {
		price, err1 := strconv.ParseFloat(lv[0], 64)
		qty, err2 := strconv.ParseFloat(lv[1], 64)
		if err1 != nil || err2 != nil {
			continue
		}
		out = append(out, market.PriceLevel{Price: price, Qty: qty})
	}
	return out
}

// runStream keeps one websocket subscription alive until ctx is canceled,
// reconnecting with bounded backoff and invoking handle for every raw
// message.
func (v *Venue) runStream(ctx context.Context, stream string, handle func([]byte), done func()) {
	defer done()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = reconnectInitial
	policy.MaxInterval = reconnectMax
	policy.MaxElapsedTime = 0

	url := v.wsURL + "/ws/" + stream
	for {
		if ctx.Err() != nil {
			return
		}
		err := v.consumeStream(ctx, url, handle)
		if ctx.Err() != nil {
			return
		}
		wait := policy.NextBackOff()
		v.log.Warn().Err(err).Str("stream", stream).Dur("retry_in", wait).Msg("stream disconnected, retrying")
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

func (v *Venue) consumeStream(ctx context.Context, url string, handle func([]byte)) error {
	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	v.log.Info().Str("url", url).Msg("connected market data stream")

	conn.SetReadLimit(wsReadLimit)
	conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
		return nil
	})

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-pingCtx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		handle(message)
	}
}
