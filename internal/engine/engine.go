package engine

import (
	"encoding/json"
	"time"

	"github.com/tidwall/gjson"
	"gorm.io/datatypes"

	"tradeflow/internal/config"
)

// ConfigSource hands out the latest configuration snapshot; each tick reads
// a fresh one so hot reloads take effect without a restart.
type ConfigSource interface {
	Current() *config.Config
}

// Decision reason codes. Fixed strings: the audit trail and metrics key off
// them.
const (
	ReasonAccepted             = "accepted"
	ReasonScoreBelowThreshold  = "score_below_threshold"
	ReasonMaxPositions         = "risk_max_positions_exceeded"
	ReasonMaxPositionsSymbol   = "risk_max_positions_per_symbol_exceeded"
	ReasonCorrelationBlock     = "risk_correlation_block"
	ReasonBalanceInsufficient  = "risk_balance_insufficient"
	ReasonDailyTradeCap        = "risk_daily_trade_cap_exceeded"
	ReasonCloseRequested       = "close_requested"
	ReasonConfigurationInvalid = "configuration_error"
)

// Synthetic strategy ids used by the guards when they emit close signals.
const (
	StrategyKillSwitch = "kill_switch"
	GuardTimeframe     = "guard"
)

func marshalPayload(payload map[string]any) datatypes.JSON {
	if len(payload) == 0 {
		return datatypes.JSON([]byte("{}"))
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return datatypes.JSON([]byte("{}"))
	}
	return datatypes.JSON(raw)
}

func payloadFloat(raw datatypes.JSON, key string) (float64, bool) {
	res := gjson.GetBytes(raw, key)
	if !res.Exists() || res.Float() <= 0 {
		return 0, false
	}
	return res.Float(), true
}

func payloadString(raw datatypes.JSON, key string) string {
	return gjson.GetBytes(raw, key).String()
}

// dayUTC formats the UTC day bucket used by the daily accumulators.
func dayUTC(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func startOfDayUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
