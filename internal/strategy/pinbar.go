package strategy

import (
	"math"

	talib "github.com/markcheno/go-talib"

	"tradeflow/internal/market"
)

// PinBarConfig tunes the pin-bar detector. Zero values fall back to defaults.
type PinBarConfig struct {
	EMAPeriod          int
	LookbackForLevels  int
	WickLevelTolerance float64
	RiskReward         float64
	EntryBufferFactor  float64
	SLBufferFactor     float64
	MinRange           float64
	ATRPeriod          int
	MinATRPoints       float64
}

func (c PinBarConfig) withDefaults() PinBarConfig {
	if c.EMAPeriod <= 0 {
		c.EMAPeriod = 20
	}
	if c.LookbackForLevels <= 0 {
		c.LookbackForLevels = 80
	}
	if c.WickLevelTolerance <= 0 {
		c.WickLevelTolerance = 0.0005
	}
	if c.RiskReward <= 0 {
		c.RiskReward = 2.0
	}
	if c.EntryBufferFactor <= 0 {
		c.EntryBufferFactor = 0.1
	}
	if c.SLBufferFactor <= 0 {
		c.SLBufferFactor = 0.1
	}
	if c.MinRange <= 0 {
		c.MinRange = 0.00001
	}
	if c.ATRPeriod <= 0 {
		c.ATRPeriod = 12
	}
	if c.MinATRPoints <= 0 {
		c.MinATRPoints = 0.3
	}
	return c
}

// PinBarDetector finds rejection bars at clustered wick levels, filtered by
// EMA trend and minimum volatility.
type PinBarDetector struct {
	cfg PinBarConfig
}

func NewPinBarDetector(cfg PinBarConfig) *PinBarDetector {
	return &PinBarDetector{cfg: cfg.withDefaults()}
}

func (d *PinBarDetector) ID() string { return "price_action_pinbar" }

func (d *PinBarDetector) MinBars() int {
	need := d.cfg.EMAPeriod + 5
	if lv := d.cfg.LookbackForLevels + 5; lv > need {
		need = lv
	}
	return need
}

func (d *PinBarDetector) Detect(symbol string, candles []market.Candle) (*Candidate, error) {
	if len(candles) < d.MinBars() {
		return nil, insufficientData(d.ID(), len(candles), d.MinBars())
	}

	atr := lastATR(candles, d.cfg.ATRPeriod)
	if atr < d.cfg.MinATRPoints {
		return nil, nil
	}

	last := candles[len(candles)-1]
	pin, ok := classifyPinBar(last, d.cfg.MinRange)
	if !ok {
		return nil, nil
	}

	ema := talib.Ema(market.Closes(candles), d.cfg.EMAPeriod)
	if !trendAligned(pin, ema, len(candles)-1, last.Close) {
		return nil, nil
	}

	levels := collectWickLevels(candles[:len(candles)-1], d.cfg.LookbackForLevels, d.cfg.MinRange, d.cfg.WickLevelTolerance)
	if !wickTouchesLevel(pin, last, levels, d.cfg.WickLevelTolerance) {
		return nil, nil
	}

	_, sl, tp := pinBarLevels(pin, last, d.cfg)
	wick := math.Abs(last.High - last.Low)
	score := clampScore(wick/(atr*2), 0.4)

	direction := "buy"
	if pin == pinBearish {
		direction = "sell"
	}
	return &Candidate{
		Direction:  direction,
		Score:      score,
		StopLoss:   sl,
		TakeProfit: tp,
		Payload: map[string]any{
			"wick_range":  wick,
			"atr_points":  atr,
			"level_count": len(levels),
		},
	}, nil
}

type pinType int

const (
	pinBullish pinType = iota
	pinBearish
)

func classifyPinBar(c market.Candle, minRange float64) (pinType, bool) {
	totalRange := c.High - c.Low
	if totalRange <= minRange {
		return 0, false
	}
	body := math.Abs(c.Close - c.Open)
	upperWick := c.High - math.Max(c.Open, c.Close)
	lowerWick := math.Min(c.Open, c.Close) - c.Low

	if body > totalRange/3 {
		return 0, false
	}
	longWick := math.Max(upperWick, lowerWick)
	shortWick := math.Min(upperWick, lowerWick)
	if longWick < totalRange*2/3 {
		return 0, false
	}
	if shortWick > 0 && shortWick > longWick*0.25 {
		return 0, false
	}
	if lowerWick == longWick && c.Close > c.Open {
		return pinBullish, true
	}
	if upperWick == longWick && c.Close < c.Open {
		return pinBearish, true
	}
	return 0, false
}

func trendAligned(pin pinType, ema []float64, idx int, close float64) bool {
	if idx < 1 || idx >= len(ema) {
		return false
	}
	now, prev := ema[idx], ema[idx-1]
	if now == 0 || prev == 0 {
		return false
	}
	if pin == pinBullish {
		return close > now && now > prev
	}
	return close < now && now < prev
}

// collectWickLevels clusters the extremes of long-wicked bars into support/
// resistance levels.
func collectWickLevels(candles []market.Candle, lookback int, minRange, tolerance float64) []float64 {
	if len(candles) > lookback {
		candles = candles[len(candles)-lookback:]
	}
	var raw []float64
	for _, c := range candles {
		totalRange := c.High - c.Low
		if totalRange <= minRange {
			continue
		}
		upperWick := c.High - math.Max(c.Open, c.Close)
		lowerWick := math.Min(c.Open, c.Close) - c.Low
		if upperWick >= totalRange*2/3 {
			raw = append(raw, c.High)
		}
		if lowerWick >= totalRange*2/3 {
			raw = append(raw, c.Low)
		}
	}
	var clustered []float64
	for _, lvl := range raw {
		distinct := true
		for _, existing := range clustered {
			if math.Abs(lvl-existing) <= tolerance {
				distinct = false
				break
			}
		}
		if distinct {
			clustered = append(clustered, lvl)
		}
	}
	return clustered
}

func wickTouchesLevel(pin pinType, c market.Candle, levels []float64, tolerance float64) bool {
	if len(levels) == 0 {
		return false
	}
	wickPrice := c.Low
	if pin == pinBearish {
		wickPrice = c.High
	}
	for _, lvl := range levels {
		if math.Abs(wickPrice-lvl) <= tolerance {
			return true
		}
	}
	return false
}

func pinBarLevels(pin pinType, c market.Candle, cfg PinBarConfig) (entry, sl, tp float64) {
	totalRange := c.High - c.Low
	if pin == pinBullish {
		nose := math.Max(c.Open, c.Close)
		entry = nose + cfg.EntryBufferFactor*totalRange
		sl = c.Low - cfg.SLBufferFactor*totalRange
		tp = entry + cfg.RiskReward*math.Abs(entry-sl)
		return entry, sl, tp
	}
	nose := math.Min(c.Open, c.Close)
	entry = nose - cfg.EntryBufferFactor*totalRange
	sl = c.High + cfg.SLBufferFactor*totalRange
	tp = entry - cfg.RiskReward*math.Abs(entry-sl)
	return entry, sl, tp
}

func lastATR(candles []market.Candle, period int) float64 {
	if len(candles) <= period {
		return 0
	}
	atr := talib.Atr(market.Highs(candles), market.Lows(candles), market.Closes(candles), period)
	if len(atr) == 0 {
		return 0
	}
	v := atr[len(atr)-1]
	if math.IsNaN(v) {
		return 0
	}
	return v
}
