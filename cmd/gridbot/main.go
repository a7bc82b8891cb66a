// Binary gridbot runs the grid trading engine against a single venue.
package main

import (
	"context"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"gridbot-go/internal/config"
	"gridbot-go/internal/exchange"
	"gridbot-go/internal/grid"
	"gridbot-go/internal/metrics"
	"gridbot-go/internal/regime"
	"gridbot-go/internal/supervisor"
	"gridbot-go/internal/util"
)

func main() {
	_ = godotenv.Load()

	cfgPath := os.Getenv("GRIDBOT_CONFIG")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		bootLog := util.NewLogger("info")
		bootLog.Fatal().Err(err).Str("path", cfgPath).Msg("load config")
	}

	log := util.NewLogger(cfg.App.LogLevel)

	_ = metrics.Serve(cfg.App.MetricsAddr)
	log.Info().Str("addr", cfg.App.MetricsAddr).Msg("metrics up")

	ctx, cancel := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	creds := exchange.Credentials{
		APIKey:    os.Getenv("EXCHANGE_API_KEY"),
		APISecret: os.Getenv("EXCHANGE_API_SECRET"),
	}
	restURL := cfg.Exchange.RESTURL
	if restURL == "" {
		restURL = "https://api.binance.com"
	}
	venue := exchange.NewVenue(
		exchange.NewRESTTransport(restURL, creds),
		log,
		exchange.WithWSURL(cfg.Exchange.WSURL),
	)

	symbols := cfg.SymbolList()
	if err := venue.Connect(ctx, symbols); err != nil {
		log.Fatal().Err(err).Msg("gateway connect")
	}

	var gw exchange.Gateway = venue
	if cfg.Exchange.DryRun {
		log.Info().Msg("dry-run mode: venue mutations suppressed")
		gw = exchange.NewDryRun(venue, cfg.DryRun.Balances, log)
	}

	sup := supervisor.New(supervisor.Config{
		Symbols:    symbols,
		TickPeriod: time.Duration(cfg.Grid.TickPeriodSecs) * time.Second,
		DryRun:     cfg.Exchange.DryRun,
		Grid: grid.Config{
			Geometry: grid.Geometry{
				LevelsN:       cfg.Grid.LevelsN,
				LevelsBelow:   cfg.Grid.LevelsBelow,
				ATRMultiplier: cfg.Grid.ATRMultiplier,
				MinSpacingPct: cfg.Grid.MinSpacingPct,
			},
			Sizing: grid.Sizing{
				NotionalFraction: cfg.Grid.NotionalFraction,
				LevelsN:          cfg.Grid.LevelsN,
			},
			ResetTicksAboveTop: cfg.Grid.ResetTicksAboveTop,
		},
		Thresholds: regime.Thresholds{
			ADX:      cfg.Regime.ADXThreshold,
			RSIUpper: cfg.Regime.RSIUpper,
			RSILower: cfg.Regime.RSILower,
		},
		Retention: cfg.Retention,
	}, gw, log)

	log.Info().Str("name", cfg.App.Name).Int("symbols", len(symbols)).Msg("grid engine started")
	if err := sup.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("engine stopped")
	}
	log.Info().Msg("engine stopped")
}
