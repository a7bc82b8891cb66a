// Package supervisor owns process lifecycle: startup ordering, periodic
// coordinator ticks, and graceful shutdown.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"gridbot-go/internal/exchange"
	"gridbot-go/internal/grid"
	"gridbot-go/internal/market"
	"gridbot-go/internal/regime"
)

const (
	tickerReadyAttempts = 6
	tickerReadyDelay    = 5 * time.Second
)

// Preload horizons per timeframe.
var preloadHorizons = map[market.Timeframe]int{
	market.TF1m:  60,
	market.TF15m: 100,
	market.TF1h:  72,
	market.TF6h:  100,
	market.TF1d:  60,
}

// streamed timeframes get candles over websocket; the rest refresh via REST.
var streamedTimeframes = map[market.Timeframe]bool{
	market.TF1m:  true,
	market.TF15m: true,
	market.TF6h:  true,
}

// Config bundles the supervisor knobs.
type Config struct {
	Symbols    []market.Symbol
	TickPeriod time.Duration
	DryRun     bool
	Grid       grid.Config // Symbol is filled per coordinator
	Thresholds regime.Thresholds
	Retention  market.Retention
}

// Supervisor drives one coordinator per symbol over shared buffers and a
// shared gateway.
type Supervisor struct {
	cfg    Config
	gw     exchange.Gateway
	buf    *market.Buffers
	cls    *regime.Classifier
	coords map[market.Symbol]*grid.Coordinator
	log    zerolog.Logger

	shutdownOnce sync.Once
}

// New wires the supervisor. Coordinators are created lazily in Run, after
// the gateway has loaded symbol filters.
func New(cfg Config, gw exchange.Gateway, log zerolog.Logger) *Supervisor {
	if cfg.TickPeriod <= 0 {
		cfg.TickPeriod = 60 * time.Second
	}
	buf := market.NewBuffers(cfg.Retention)
	return &Supervisor{
		cfg:    cfg,
		gw:     gw,
		buf:    buf,
		cls:    regime.NewClassifier(buf, cfg.Thresholds),
		coords: make(map[market.Symbol]*grid.Coordinator),
		log:    log,
	}
}

// Buffers exposes the shared market data store.
func (s *Supervisor) Buffers() *market.Buffers { return s.buf }

// Coordinator returns the live coordinator for sym, or nil before Run.
func (s *Supervisor) Coordinator(sym market.Symbol) *grid.Coordinator {
	return s.coords[sym]
}

// Run executes the full lifecycle: preload buffers, subscribe streams, sweep
// stale orders, reconcile, then tick every period until ctx is canceled.
// Shutdown runs before Run returns.
func (s *Supervisor) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup

	for _, sym := range s.cfg.Symbols {
		if err := s.preload(runCtx, sym); err != nil {
			s.log.Warn().Err(err).Str("symbol", string(sym)).Msg("preload incomplete, streams will fill in")
		}
		s.subscribe(runCtx, &wg, sym)
	}

	errCh := make(chan error, len(s.cfg.Symbols))
	for _, sym := range s.cfg.Symbols {
		cfg := s.cfg.Grid
		cfg.Symbol = sym
		coord := grid.NewCoordinator(cfg, s.gw, s.buf, s.cls, s.log)
		s.coords[sym] = coord

		wg.Add(1)
		go func(sym market.Symbol, coord *grid.Coordinator) {
			defer wg.Done()
			if err := s.runSymbol(runCtx, sym, coord); err != nil {
				errCh <- err
				cancel()
			}
		}(sym, coord)
	}

	var runErr error
	select {
	case <-runCtx.Done():
		select {
		case runErr = <-errCh:
		default:
		}
	case runErr = <-errCh:
	}
	if runErr != nil {
		s.log.Error().Err(runErr).Msg("symbol loop escalated, shutting down")
	}

	s.Shutdown(context.Background())
	cancel()
	wg.Wait()
	return runErr
}

// runSymbol performs the per-symbol startup sequence and then ticks until
// the context ends. Only escalated errors (authentication) return non-nil.
func (s *Supervisor) runSymbol(ctx context.Context, sym market.Symbol, coord *grid.Coordinator) error {
	s.awaitTicker(ctx, sym)
	coord.StartupSweep(ctx)

	ticker := time.NewTicker(s.cfg.TickPeriod)
	defer ticker.Stop()

	tick := func() error {
		tickCtx, cancel := context.WithTimeout(ctx, 2*s.cfg.TickPeriod)
		defer cancel()
		return coord.Tick(tickCtx)
	}

	// initial reconcile + first tick
	if err := tick(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := tick(); err != nil {
				return err
			}
		}
	}
}

// awaitTicker blocks until the ticker buffer holds a price, giving up after
// the bounded startup retries.
func (s *Supervisor) awaitTicker(ctx context.Context, sym market.Symbol) {
	for attempt := 1; attempt <= tickerReadyAttempts; attempt++ {
		if _, ok := s.buf.LastPrice(sym); ok {
			return
		}
		s.log.Debug().Str("symbol", string(sym)).Int("attempt", attempt).Msg("waiting for ticker data")
		select {
		case <-time.After(tickerReadyDelay):
		case <-ctx.Done():
			return
		}
	}
	s.log.Warn().Str("symbol", string(sym)).Msg("ticker buffer still empty after startup wait")
}

func (s *Supervisor) preload(ctx context.Context, sym market.Symbol) error {
	var firstErr error
	for tf, horizon := range preloadHorizons {
		rows, err := s.gw.FetchCandles(ctx, sym, tf, horizon)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		n := s.buf.PreloadCandles(sym, tf, rows)
		s.log.Info().Str("symbol", string(sym)).Str("tf", string(tf)).Int("rows", n).Msg("preloaded candles")
	}
	return firstErr
}

func (s *Supervisor) subscribe(ctx context.Context, wg *sync.WaitGroup, sym market.Symbol) {
	if ch, err := s.gw.SubscribeTicker(ctx, sym); err == nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			market.PumpTicker(ctx, s.buf, sym, ch, s.log)
		}()
	} else {
		s.log.Error().Err(err).Str("symbol", string(sym)).Msg("ticker subscription failed")
	}

	if ch, err := s.gw.SubscribeDepth(ctx, sym); err == nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			market.PumpDepth(ctx, s.buf, sym, ch, s.log)
		}()
	} else {
		s.log.Error().Err(err).Str("symbol", string(sym)).Msg("depth subscription failed")
	}

	for _, tf := range market.Timeframes {
		tf := tf
		if streamedTimeframes[tf] {
			ch, err := s.gw.SubscribeCandles(ctx, sym, tf)
			if err != nil {
				s.log.Error().Err(err).Str("symbol", string(sym)).Str("tf", string(tf)).Msg("candle subscription failed")
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				market.PumpCandles(ctx, s.buf, sym, tf, ch, s.log)
			}()
		} else {
			// slower timeframes poll REST; streams have proven flaky there
			interval := time.Duration(tf.Millis()/10) * time.Millisecond
			if interval < time.Minute {
				interval = time.Minute
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				market.RefreshCandles(ctx, s.gw, s.buf, sym, tf, interval, s.log)
			}()
		}
	}
}

// Shutdown cancels resting orders (unless dry-run) and releases the gateway.
// Stream subscriptions end when Run cancels its context around this call.
// Safe to call more than once; later calls coalesce.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.shutdownOnce.Do(func() {
		s.log.Info().Msg("shutting down")
		if !s.cfg.DryRun {
			for _, sym := range s.cfg.Symbols {
				for _, side := range []exchange.Side{exchange.Buy, exchange.Sell} {
					if ids, err := s.gw.CancelAll(ctx, sym, side); err != nil {
						s.log.Error().Err(err).Str("symbol", string(sym)).Str("side", string(side)).Msg("shutdown cancel failed")
					} else if len(ids) > 0 {
						s.log.Info().Str("symbol", string(sym)).Str("side", string(side)).Int("count", len(ids)).Msg("cancelled resting orders")
					}
				}
			}
		}
		if err := s.gw.Close(); err != nil {
			s.log.Error().Err(err).Msg("gateway close failed")
		}
		s.log.Info().Msg("shutdown complete")
	})
}
