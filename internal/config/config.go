package config

import (
	"fmt"
	"path/filepath"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Risk defaults used when a bot leaves a gate unset.
const (
	DefaultDecisionMinScore       = 0.5
	DefaultMaxConcurrentPositions = 3
	DefaultMaxPositionsPerSymbol  = 1
	DefaultMaxTradesPerDay        = 10
	DefaultKillSwitchThresholdPct = 2.0
	DefaultQty                    = 0.01
	DefaultStopATRMult            = 1.5
	DefaultTakeProfitATRMult      = 3.0
)

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	v := viper.New()
	v.SetConfigFile(abs)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file failed (%s): %w", abs, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "yaml"
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}
	cfg.applyDefaults()
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Database.PipelinePath == "" {
		c.Database.PipelinePath = "data/tradeflow.db"
	}
	if c.Database.AuditPath == "" {
		c.Database.AuditPath = "data/audit.db"
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = ":9180"
	}
	if c.Market.Provider == "" {
		c.Market.Provider = "binance"
	}
	if c.Engine.CandleLookback <= 0 {
		c.Engine.CandleLookback = 120
	}
	if c.Engine.KillSwitchConfirmTicks <= 0 {
		c.Engine.KillSwitchConfirmTicks = 2
	}
	if c.Engine.TrailingActivationATR <= 0 {
		c.Engine.TrailingActivationATR = 1.0
	}
	if c.Engine.TrailingDistanceATR <= 0 {
		c.Engine.TrailingDistanceATR = 1.5
	}
	if c.Engine.ATRPeriod <= 0 {
		c.Engine.ATRPeriod = 14
	}
	if c.Engine.DispatchMaxAttempts <= 0 {
		c.Engine.DispatchMaxAttempts = 5
	}
	if c.Engine.BreakerThreshold <= 0 {
		c.Engine.BreakerThreshold = 5
	}
	for i := range c.Accounts {
		if c.Accounts[i].Leverage <= 0 {
			c.Accounts[i].Leverage = 1
		}
	}
	for i := range c.Bots {
		bot := &c.Bots[i]
		if bot.EngineMode == "" {
			bot.EngineMode = "scalper"
		}
		if bot.DefaultTimeframe == "" {
			bot.DefaultTimeframe = "5m"
		}
		if bot.Status == "" {
			bot.Status = "active"
		}
		risk := &bot.Risk
		if risk.DecisionMinScore <= 0 {
			risk.DecisionMinScore = DefaultDecisionMinScore
		}
		if risk.MaxConcurrentPositions <= 0 {
			risk.MaxConcurrentPositions = DefaultMaxConcurrentPositions
		}
		if risk.MaxPositionsPerSymbol <= 0 {
			risk.MaxPositionsPerSymbol = DefaultMaxPositionsPerSymbol
		}
		if risk.MaxTradesPerDay <= 0 {
			risk.MaxTradesPerDay = DefaultMaxTradesPerDay
		}
		if risk.KillSwitchThresholdPct <= 0 {
			risk.KillSwitchThresholdPct = DefaultKillSwitchThresholdPct
		}
		if risk.DefaultQty <= 0 {
			risk.DefaultQty = DefaultQty
		}
		if risk.StopATRMult <= 0 {
			risk.StopATRMult = DefaultStopATRMult
		}
		if risk.TakeProfitATRMult <= 0 {
			risk.TakeProfitATRMult = DefaultTakeProfitATRMult
		}
	}
}

func validate(c *Config) error {
	seenAccounts := make(map[string]bool)
	for _, acct := range c.Accounts {
		if acct.ID == "" {
			return fmt.Errorf("account id cannot be empty")
		}
		if seenAccounts[acct.ID] {
			return fmt.Errorf("duplicate account id %q", acct.ID)
		}
		seenAccounts[acct.ID] = true
	}
	seenBots := make(map[string]bool)
	for _, bot := range c.Bots {
		if bot.ID == "" {
			return fmt.Errorf("bot id cannot be empty")
		}
		if seenBots[bot.ID] {
			return fmt.Errorf("duplicate bot id %q", bot.ID)
		}
		seenBots[bot.ID] = true
		if bot.Symbol == "" {
			return fmt.Errorf("bot %q: symbol is required", bot.ID)
		}
		for _, id := range bot.AccountIDs {
			if !seenAccounts[id] {
				return fmt.Errorf("bot %q references unknown account %q", bot.ID, id)
			}
		}
	}
	return nil
}
