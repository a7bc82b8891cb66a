// Package config exposes strongly typed application configuration structs loaded from YAML.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"gridbot-go/internal/market"
)

// App captures process-wide runtime settings such as name, environment, metrics, and logging levels.
type App struct {
	Name        string `yaml:"name"`
	Env         string `yaml:"env"`
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
}

// Exchange describes venue connectivity. Credentials are not configuration;
// they arrive from the environment at process start.
type Exchange struct {
	Name    string   `yaml:"name"`
	Symbols []string `yaml:"symbols"`
	RESTURL string   `yaml:"rest_url"`
	WSURL   string   `yaml:"ws_url"`
	DryRun  bool     `yaml:"dry_run"`
}

// Grid groups the level geometry, sizing, and reset knobs.
type Grid struct {
	TickPeriodSecs     int     `yaml:"tick_period_s"`
	LevelsN            int     `yaml:"grid_levels_n"`
	LevelsBelow        int     `yaml:"levels_below"`
	LevelsAbove        int     `yaml:"levels_above"`
	ATRMultiplier      float64 `yaml:"atr_multiplier"`
	MinSpacingPct      float64 `yaml:"min_spacing_pct"`
	NotionalFraction   float64 `yaml:"notional_fraction"`
	ResetTicksAboveTop int     `yaml:"reset_ticks_above_top"`
}

// Regime holds the classifier thresholds.
type Regime struct {
	ADXThreshold float64 `yaml:"adx_threshold"`
	RSIUpper     float64 `yaml:"rsi_upper"`
	RSILower     float64 `yaml:"rsi_lower"`
}

// DryRunFixtures configures the simulated balances used in dry-run mode.
type DryRunFixtures struct {
	Balances map[string]float64 `yaml:"balances"`
}

// Config collects every configuration leaf for easy marshaling from YAML.
type Config struct {
	App       App              `yaml:"app"`
	Exchange  Exchange         `yaml:"exchange"`
	Grid      Grid             `yaml:"grid"`
	Regime    Regime           `yaml:"regime"`
	Retention market.Retention `yaml:"retention"`
	DryRun    DryRunFixtures   `yaml:"dryrun"`
}

// Load reads a YAML file from disk and hydrates a Config struct with
// defaults applied.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	var config Config
	if err := yaml.NewDecoder(file).Decode(&config); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	config.applyDefaults()
	return &config, nil
}

// Save persists a Config struct to disk as YAML.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal yaml: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.App.MetricsAddr == "" {
		c.App.MetricsAddr = ":9090"
	}
	if c.Grid.TickPeriodSecs <= 0 {
		c.Grid.TickPeriodSecs = 60
	}
	if c.Grid.LevelsN <= 0 {
		c.Grid.LevelsN = 20
	}
	if c.Grid.LevelsBelow <= 0 {
		c.Grid.LevelsBelow = 5
	}
	if c.Grid.LevelsAbove <= 0 {
		c.Grid.LevelsAbove = 1
	}
	if c.Grid.ATRMultiplier <= 0 {
		c.Grid.ATRMultiplier = 2.0
	}
	if c.Grid.MinSpacingPct <= 0 {
		c.Grid.MinSpacingPct = 0.012
	}
	if c.Grid.NotionalFraction <= 0 {
		c.Grid.NotionalFraction = 0.75
	}
	if c.Grid.ResetTicksAboveTop <= 0 {
		c.Grid.ResetTicksAboveTop = 30
	}
	if c.Regime.ADXThreshold <= 0 {
		c.Regime.ADXThreshold = 20
	}
	if c.Regime.RSIUpper <= 0 {
		c.Regime.RSIUpper = 70
	}
	if c.Regime.RSILower <= 0 {
		c.Regime.RSILower = 30
	}
	if c.Retention == (market.Retention{}) {
		c.Retention = market.DefaultRetention()
	}
}

// SymbolList returns the configured pairs in canonical form.
func (c *Config) SymbolList() []market.Symbol {
	out := make([]market.Symbol, 0, len(c.Exchange.Symbols))
	for _, s := range c.Exchange.Symbols {
		out = append(out, market.NormalizeSymbol(s))
	}
	return out
}
