package market

import "testing"

const sym = Symbol("HBAR-USDT")

func TestNormalizeSymbol(t *testing.T) {
	cases := map[string]Symbol{
		"hbar/usdt":  "HBAR-USDT",
		"HBAR-USDT":  "HBAR-USDT",
		" btc_usdt ": "BTC-USDT",
	}
	for in, want := range cases {
		if got := NormalizeSymbol(in); got != want {
			t.Fatalf("NormalizeSymbol(%q) = %q, want %q", in, got, want)
		}
	}
	if sym.Base() != "HBAR" || sym.Quote() != "USDT" {
		t.Fatalf("base/quote split broken: %s/%s", sym.Base(), sym.Quote())
	}
}

func TestAppendCandleIdempotent(t *testing.T) {
	buf := NewBuffers(DefaultRetention())
	step := TF1h.Millis()

	if !buf.AppendCandle(sym, TF1h, Candle{Ts: step, Close: 1}) {
		t.Fatalf("first append rejected")
	}
	if buf.AppendCandle(sym, TF1h, Candle{Ts: step, Close: 2}) {
		t.Fatalf("duplicate timestamp admitted")
	}
	if buf.AppendCandle(sym, TF1h, Candle{Ts: 0, Close: 2}) {
		t.Fatalf("stale timestamp admitted")
	}
	if buf.AppendCandle(sym, TF1h, Candle{Ts: step + 1, Close: 2}) {
		t.Fatalf("unaligned timestamp admitted")
	}
	if got := len(buf.Candles(sym, TF1h)); got != 1 {
		t.Fatalf("expected 1 candle, got %d", got)
	}
}

func TestCandleRetentionEviction(t *testing.T) {
	buf := NewBuffers(Retention{Candles1h: 5})
	step := TF1h.Millis()
	for i := 1; i <= 10; i++ {
		buf.AppendCandle(sym, TF1h, Candle{Ts: int64(i) * step, Close: float64(i)})
	}
	rows := buf.Candles(sym, TF1h)
	if len(rows) != 5 {
		t.Fatalf("expected 5 rows after eviction, got %d", len(rows))
	}
	if rows[0].Ts != 6*step || rows[4].Ts != 10*step {
		t.Fatalf("wrong window kept: %d..%d", rows[0].Ts, rows[4].Ts)
	}
}

func TestPreloadReplacesAndFilters(t *testing.T) {
	buf := NewBuffers(DefaultRetention())
	step := TF1d.Millis()
	buf.AppendCandle(sym, TF1d, Candle{Ts: step, Close: 1})

	rows := []Candle{
		{Ts: 2 * step, Close: 2},
		{Ts: 2 * step, Close: 2}, // duplicate
		{Ts: 3*step + 7, Close: 3}, // unaligned
		{Ts: 4 * step, Close: 4},
	}
	if n := buf.PreloadCandles(sym, TF1d, rows); n != 2 {
		t.Fatalf("expected 2 admitted rows, got %d", n)
	}
	got := buf.Candles(sym, TF1d)
	if len(got) != 2 || got[0].Ts != 2*step || got[1].Ts != 4*step {
		t.Fatalf("preload did not replace cleanly: %+v", got)
	}
}

func TestTickerRetentionAndStaleDrop(t *testing.T) {
	buf := NewBuffers(Retention{Ticker: 3})
	for i := 1; i <= 5; i++ {
		buf.AppendTicker(sym, TickerTick{Ts: int64(i), LastPrice: float64(i)})
	}
	if buf.AppendTicker(sym, TickerTick{Ts: 1, LastPrice: 9}) {
		t.Fatalf("stale tick admitted")
	}
	ticks := buf.Ticker(sym)
	if len(ticks) != 3 || ticks[2].LastPrice != 5 {
		t.Fatalf("unexpected ticker window: %+v", ticks)
	}
}

func TestLastPriceFallsBackToMinuteClose(t *testing.T) {
	buf := NewBuffers(DefaultRetention())
	if _, ok := buf.LastPrice(sym); ok {
		t.Fatalf("expected no price on empty buffers")
	}

	buf.AppendCandle(sym, TF1m, Candle{Ts: TF1m.Millis(), Close: 0.1})
	px, ok := buf.LastPrice(sym)
	if !ok || px != 0.1 {
		t.Fatalf("expected 1m close fallback, got %.4f ok=%v", px, ok)
	}

	buf.AppendTicker(sym, TickerTick{Ts: 1, LastPrice: 0.2})
	px, _ = buf.LastPrice(sym)
	if px != 0.2 {
		t.Fatalf("expected ticker price to win, got %.4f", px)
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	buf := NewBuffers(DefaultRetention())
	buf.AppendTicker(sym, TickerTick{Ts: 1, LastPrice: 1})
	snap := buf.Ticker(sym)
	snap[0].LastPrice = 99
	if buf.Ticker(sym)[0].LastPrice != 1 {
		t.Fatalf("snapshot aliased buffer storage")
	}
}
