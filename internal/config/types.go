package config

import (
	"time"
)

// Config is the root of the YAML configuration. The core treats bots and
// accounts as read-only input refreshed each scheduling tick.
type Config struct {
	LogLevel string `yaml:"log_level"`

	Database DatabaseConfig `yaml:"database"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Market   MarketConfig   `yaml:"market"`
	Engine   EngineConfig   `yaml:"engine"`

	Accounts []AccountConfig `yaml:"accounts"`
	Bots     []BotConfig     `yaml:"bots"`

	// CorrelationGroups lists symbols whose exposure is treated as shared
	// for the correlation risk gate.
	CorrelationGroups [][]string `yaml:"correlation_groups"`
}

type DatabaseConfig struct {
	PipelinePath string `yaml:"pipeline_path"`
	AuditPath    string `yaml:"audit_path"`
}

type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

type MarketConfig struct {
	Provider       string `yaml:"provider"` // binance | static
	RESTBaseURL    string `yaml:"rest_base_url"`
	HTTPTimeoutSec int    `yaml:"http_timeout_sec"`
}

// EngineConfig holds the pipeline intervals and dispatch policy. Durations
// are strings so the YAML reads like "45s", "3m".
type EngineConfig struct {
	ScanInterval           string  `yaml:"scan_interval"`
	GuardInterval          string  `yaml:"guard_interval"`
	StaleOrderTimeout      string  `yaml:"stale_order_timeout"`
	CandleLookback         int     `yaml:"candle_lookback"`
	KillSwitchConfirmTicks int     `yaml:"kill_switch_confirm_ticks"`
	TrailingActivationATR  float64 `yaml:"trailing_activation_atr"`
	TrailingDistanceATR    float64 `yaml:"trailing_distance_atr"`
	ATRPeriod              int     `yaml:"atr_period"`
	DispatchMaxAttempts    int     `yaml:"dispatch_max_attempts"`
	DispatchBackoffMin     string  `yaml:"dispatch_backoff_min"`
	DispatchBackoffMax     string  `yaml:"dispatch_backoff_max"`
	BreakerThreshold       int     `yaml:"breaker_threshold"`
	BreakerTimeout         string  `yaml:"breaker_timeout"`
}

func (e EngineConfig) ScanIntervalDuration() time.Duration {
	return parseDurationOr(e.ScanInterval, 45*time.Second)
}

func (e EngineConfig) GuardIntervalDuration() time.Duration {
	return parseDurationOr(e.GuardInterval, 60*time.Second)
}

func (e EngineConfig) StaleOrderTimeoutDuration() time.Duration {
	return parseDurationOr(e.StaleOrderTimeout, 180*time.Second)
}

func (e EngineConfig) DispatchBackoffMinDuration() time.Duration {
	return parseDurationOr(e.DispatchBackoffMin, 500*time.Millisecond)
}

func (e EngineConfig) DispatchBackoffMaxDuration() time.Duration {
	return parseDurationOr(e.DispatchBackoffMax, 30*time.Second)
}

func (e EngineConfig) BreakerTimeoutDuration() time.Duration {
	return parseDurationOr(e.BreakerTimeout, 60*time.Second)
}

func parseDurationOr(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// AccountConfig identifies one brokerage connection.
type AccountConfig struct {
	ID       string  `yaml:"id"`
	Broker   string  `yaml:"broker"` // paper | binance
	Active   bool    `yaml:"active"`
	Equity   float64 `yaml:"equity"`
	Leverage float64 `yaml:"leverage"`
}

// BotConfig is one trading bot. Status and AutoTrade gate scheduling; risk
// fields gate decisioning.
type BotConfig struct {
	ID                string     `yaml:"id"`
	AccountIDs        []string   `yaml:"account_ids"`
	EngineMode        string     `yaml:"engine_mode"`
	Symbol            string     `yaml:"symbol"`
	DefaultTimeframe  string     `yaml:"default_timeframe"`
	EnabledStrategies []string   `yaml:"enabled_strategies"`
	AutoTrade         bool       `yaml:"auto_trade"`
	Status            string     `yaml:"status"` // active | inactive
	Risk              RiskConfig `yaml:"risk"`
}

// Active reports whether the bot should be scheduled at all.
func (b BotConfig) Active() bool {
	return b.Status == "active" && b.AutoTrade
}

// RiskConfig carries the per-bot risk gates. Zero values fall back to the
// global defaults at load time.
type RiskConfig struct {
	DecisionMinScore       float64 `yaml:"decision_min_score"`
	MaxConcurrentPositions int     `yaml:"max_concurrent_positions"`
	MaxPositionsPerSymbol  int     `yaml:"max_positions_per_symbol"`
	MaxTradesPerDay        int     `yaml:"max_trades_per_day"`
	KillSwitchThresholdPct float64 `yaml:"kill_switch_threshold_pct"`
	DefaultQty             float64 `yaml:"default_qty"`
	StopATRMult            float64 `yaml:"stop_atr_mult"`
	TakeProfitATRMult      float64 `yaml:"take_profit_atr_mult"`
}

// Account looks up one account by id.
func (c *Config) Account(id string) (AccountConfig, bool) {
	for _, acct := range c.Accounts {
		if acct.ID == id {
			return acct, true
		}
	}
	return AccountConfig{}, false
}

// Bot looks up one bot by id.
func (c *Config) Bot(id string) (BotConfig, bool) {
	for _, bot := range c.Bots {
		if bot.ID == id {
			return bot, true
		}
	}
	return BotConfig{}, false
}

// ActiveAccountsFor returns the bot's active broker accounts in config
// order.
func (c *Config) ActiveAccountsFor(bot BotConfig) []AccountConfig {
	out := make([]AccountConfig, 0, len(bot.AccountIDs))
	for _, id := range bot.AccountIDs {
		if acct, ok := c.Account(id); ok && acct.Active {
			out = append(out, acct)
		}
	}
	return out
}

// CorrelatedSymbols returns the other symbols sharing a correlation group
// with symbol.
func (c *Config) CorrelatedSymbols(symbol string) []string {
	var out []string
	for _, group := range c.CorrelationGroups {
		inGroup := false
		for _, s := range group {
			if s == symbol {
				inGroup = true
				break
			}
		}
		if !inGroup {
			continue
		}
		for _, s := range group {
			if s != symbol {
				out = append(out, s)
			}
		}
	}
	return out
}
