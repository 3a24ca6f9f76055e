package strategy

import (
	"math"

	talib "github.com/markcheno/go-talib"

	"tradeflow/internal/market"
)

// DojiBreakoutConfig tunes the doji breakout detector.
type DojiBreakoutConfig struct {
	EMAPeriod          int
	LookbackForLevels  int
	WickLevelTolerance float64
	BreakoutBuffer     float64
	RiskReward         float64
	MinRange           float64
	BodyRatioMax       float64 // doji body as a fraction of range
	WickDomRatio       float64 // short wick as a fraction of the long wick
}

func (c DojiBreakoutConfig) withDefaults() DojiBreakoutConfig {
	if c.EMAPeriod <= 0 {
		c.EMAPeriod = 20
	}
	if c.LookbackForLevels <= 0 {
		c.LookbackForLevels = 80
	}
	if c.WickLevelTolerance <= 0 {
		c.WickLevelTolerance = 0.0005
	}
	if c.BreakoutBuffer <= 0 {
		c.BreakoutBuffer = 0.0001
	}
	if c.RiskReward <= 0 {
		c.RiskReward = 1.8
	}
	if c.MinRange <= 0 {
		c.MinRange = 0.00001
	}
	if c.BodyRatioMax <= 0 {
		c.BodyRatioMax = 0.2
	}
	if c.WickDomRatio <= 0 {
		c.WickDomRatio = 0.4
	}
	return c
}

// DojiBreakoutDetector requires the penultimate bar to be a doji at a wick
// level in trend, with the last bar breaking its extreme.
type DojiBreakoutDetector struct {
	cfg DojiBreakoutConfig
}

func NewDojiBreakoutDetector(cfg DojiBreakoutConfig) *DojiBreakoutDetector {
	return &DojiBreakoutDetector{cfg: cfg.withDefaults()}
}

func (d *DojiBreakoutDetector) ID() string { return "doji_breakout" }

func (d *DojiBreakoutDetector) MinBars() int {
	need := d.cfg.EMAPeriod + 2
	if lv := d.cfg.LookbackForLevels + 2; lv > need {
		need = lv
	}
	return need
}

func (d *DojiBreakoutDetector) Detect(symbol string, candles []market.Candle) (*Candidate, error) {
	if len(candles) < d.MinBars() {
		return nil, insufficientData(d.ID(), len(candles), d.MinBars())
	}

	doji := candles[len(candles)-2]
	last := candles[len(candles)-1]

	dojiType, ok := d.classifyDoji(doji)
	if !ok {
		return nil, nil
	}

	ema := talib.Ema(market.Closes(candles), d.cfg.EMAPeriod)
	if !trendAligned(dojiType, ema, len(candles)-2, doji.Close) {
		return nil, nil
	}

	levels := collectWickLevels(candles[:len(candles)-2], d.cfg.LookbackForLevels, d.cfg.MinRange, d.cfg.WickLevelTolerance)
	if !wickTouchesLevel(dojiType, doji, levels, d.cfg.WickLevelTolerance) {
		return nil, nil
	}

	buffer := d.cfg.BreakoutBuffer
	if dojiType == pinBullish {
		if last.Close <= doji.High+buffer {
			return nil, nil
		}
		entry := last.Close
		sl := doji.Low - buffer
		return &Candidate{
			Direction:  "buy",
			Score:      0.6,
			StopLoss:   sl,
			TakeProfit: entry + d.cfg.RiskReward*(entry-sl),
			Payload:    map[string]any{"doji_high": doji.High, "doji_low": doji.Low},
		}, nil
	}
	if last.Close >= doji.Low-buffer {
		return nil, nil
	}
	entry := last.Close
	sl := doji.High + buffer
	return &Candidate{
		Direction:  "sell",
		Score:      0.6,
		StopLoss:   sl,
		TakeProfit: entry - d.cfg.RiskReward*(sl-entry),
		Payload:    map[string]any{"doji_high": doji.High, "doji_low": doji.Low},
	}, nil
}

func (d *DojiBreakoutDetector) classifyDoji(c market.Candle) (pinType, bool) {
	rng := c.High - c.Low
	if rng <= d.cfg.MinRange {
		return 0, false
	}
	body := math.Abs(c.Close - c.Open)
	if body > rng*d.cfg.BodyRatioMax {
		return 0, false
	}
	upperWick := c.High - math.Max(c.Open, c.Close)
	lowerWick := math.Min(c.Open, c.Close) - c.Low
	longWick := math.Max(upperWick, lowerWick)
	shortWick := math.Min(upperWick, lowerWick)
	if longWick <= 0 {
		return 0, false
	}
	if shortWick > longWick*d.cfg.WickDomRatio {
		return 0, false
	}
	if lowerWick == longWick {
		return pinBullish, true
	}
	return pinBearish, true
}
