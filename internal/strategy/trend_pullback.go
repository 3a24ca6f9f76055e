package strategy

import (
	"math"

	talib "github.com/markcheno/go-talib"

	"tradeflow/internal/market"
)

// TrendPullbackConfig tunes the EMA pullback detector.
type TrendPullbackConfig struct {
	EMAPeriod         int
	MinTrendSlope     float64 // absolute EMA change over the slope window
	PullbackTolerance float64 // max distance from EMA as a fraction of close
	RiskReward        float64
}

func (c TrendPullbackConfig) withDefaults() TrendPullbackConfig {
	if c.EMAPeriod <= 0 {
		c.EMAPeriod = 20
	}
	if c.MinTrendSlope <= 0 {
		c.MinTrendSlope = 0.0001
	}
	if c.PullbackTolerance <= 0 {
		c.PullbackTolerance = 0.001
	}
	if c.RiskReward <= 0 {
		c.RiskReward = 2.0
	}
	return c
}

// TrendPullbackDetector buys pullbacks to a rising EMA and sells rallies to a
// falling one.
type TrendPullbackDetector struct {
	cfg TrendPullbackConfig
}

func NewTrendPullbackDetector(cfg TrendPullbackConfig) *TrendPullbackDetector {
	return &TrendPullbackDetector{cfg: cfg.withDefaults()}
}

func (d *TrendPullbackDetector) ID() string { return "trend_pullback" }

func (d *TrendPullbackDetector) MinBars() int { return d.cfg.EMAPeriod + 2 }

func (d *TrendPullbackDetector) Detect(symbol string, candles []market.Candle) (*Candidate, error) {
	if len(candles) < d.MinBars() {
		return nil, insufficientData(d.ID(), len(candles), d.MinBars())
	}

	ema := talib.Ema(market.Closes(candles), d.cfg.EMAPeriod)
	last := candles[len(candles)-1]
	emaNow := ema[len(ema)-1]
	if emaNow == 0 || math.IsNaN(emaNow) {
		return nil, nil
	}

	// Slope over the last five bars.
	lookback := 5
	if lookback > len(ema)-1 {
		lookback = len(ema) - 1
	}
	slope := emaNow - ema[len(ema)-lookback]

	bullTrend := slope > d.cfg.MinTrendSlope && last.Close > emaNow
	bearTrend := slope < -d.cfg.MinTrendSlope && last.Close < emaNow
	if !bullTrend && !bearTrend {
		return nil, nil
	}

	if last.Close == 0 {
		return nil, nil
	}
	distPct := math.Abs(last.Close-emaNow) / last.Close
	if distPct > d.cfg.PullbackTolerance {
		return nil, nil
	}

	// Scale the slope relative to price so the score lands in [0, 1]
	// regardless of the instrument's tick size.
	slopePct := math.Abs(slope) / emaNow
	score := clampScore(0.5+slopePct*100, 0.5)

	if bullTrend {
		sl := last.Low
		risk := last.Close - sl
		if risk <= 0 {
			return nil, nil
		}
		return &Candidate{
			Direction:  "buy",
			Score:      score,
			StopLoss:   sl,
			TakeProfit: last.Close + risk*d.cfg.RiskReward,
			Payload:    map[string]any{"ema": emaNow, "slope": slope},
		}, nil
	}
	sl := last.High
	risk := sl - last.Close
	if risk <= 0 {
		return nil, nil
	}
	return &Candidate{
		Direction:  "sell",
		Score:      score,
		StopLoss:   sl,
		TakeProfit: last.Close - risk*d.cfg.RiskReward,
		Payload:    map[string]any{"ema": emaNow, "slope": slope},
	}, nil
}
