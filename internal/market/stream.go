package market

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"gridbot-go/internal/metrics"
)

// CandleSource is the slice of the exchange gateway the refresh tasks need.
type CandleSource interface {
	FetchCandles(ctx context.Context, sym Symbol, tf Timeframe, limit int) ([]Candle, error)
}

// PumpTicker drains a ticker subscription into the buffer until the channel
// closes or the context is canceled.
func PumpTicker(ctx context.Context, buf *Buffers, sym Symbol, in <-chan TickerTick, log zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-in:
			if !ok {
				log.Warn().Str("symbol", string(sym)).Msg("ticker stream closed")
				return
			}
			if buf.AppendTicker(sym, t) {
				metrics.TicksTotal.WithLabelValues(string(sym), "ticker").Inc()
			}
		}
	}
}

// PumpDepth drains a depth subscription into the buffer.
func PumpDepth(ctx context.Context, buf *Buffers, sym Symbol, in <-chan DepthSnapshot, log zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-in:
			if !ok {
				log.Warn().Str("symbol", string(sym)).Msg("depth stream closed")
				return
			}
			if buf.AppendDepth(sym, d) {
				metrics.TicksTotal.WithLabelValues(string(sym), "depth").Inc()
			}
		}
	}
}

// PumpCandles drains a closed-candle subscription into the buffer.
func PumpCandles(ctx context.Context, buf *Buffers, sym Symbol, tf Timeframe, in <-chan Candle, log zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-in:
			if !ok {
				log.Warn().Str("symbol", string(sym)).Str("tf", string(tf)).Msg("candle stream closed")
				return
			}
			if buf.AppendCandle(sym, tf, c) {
				metrics.TicksTotal.WithLabelValues(string(sym), "candle_"+string(tf)).Inc()
			}
		}
	}
}

// RefreshCandles polls the REST candle endpoint on a fixed interval and
// appends any candle newer than the buffer head. Used for the slower
// timeframes where stream delivery is unreliable.
func RefreshCandles(ctx context.Context, src CandleSource, buf *Buffers, sym Symbol, tf Timeframe, interval time.Duration, log zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rows, err := src.FetchCandles(ctx, sym, tf, 2)
			if err != nil {
				log.Warn().Err(err).Str("symbol", string(sym)).Str("tf", string(tf)).Msg("candle refresh failed")
				continue
			}
			last := buf.LastCandleTs(sym, tf)
			for _, c := range rows {
				if c.Ts > last && buf.AppendCandle(sym, tf, c) {
					metrics.TicksTotal.WithLabelValues(string(sym), "candle_"+string(tf)).Inc()
					log.Debug().Str("symbol", string(sym)).Str("tf", string(tf)).Int64("ts", c.Ts).Msg("appended refreshed candle")
				}
			}
		}
	}
}
