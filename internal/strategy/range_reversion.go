package strategy

import (
	"tradeflow/internal/market"
)

// RangeReversionConfig tunes the range-fade detector.
type RangeReversionConfig struct {
	Lookback    int
	BandFactor  float64 // fraction of the range width near each extreme
	MinRangePct float64
	RiskReward  float64
}

func (c RangeReversionConfig) withDefaults() RangeReversionConfig {
	if c.Lookback <= 0 {
		c.Lookback = 50
	}
	if c.BandFactor <= 0 {
		c.BandFactor = 0.25
	}
	if c.MinRangePct <= 0 {
		c.MinRangePct = 0.0008
	}
	if c.RiskReward <= 0 {
		c.RiskReward = 1.8
	}
	return c
}

// RangeReversionDetector fades moves into the extremes of an established
// range back toward the middle.
type RangeReversionDetector struct {
	cfg RangeReversionConfig
}

func NewRangeReversionDetector(cfg RangeReversionConfig) *RangeReversionDetector {
	return &RangeReversionDetector{cfg: cfg.withDefaults()}
}

func (d *RangeReversionDetector) ID() string { return "range_reversion" }

func (d *RangeReversionDetector) MinBars() int { return d.cfg.Lookback + 1 }

func (d *RangeReversionDetector) Detect(symbol string, candles []market.Candle) (*Candidate, error) {
	if len(candles) < d.MinBars() {
		return nil, insufficientData(d.ID(), len(candles), d.MinBars())
	}

	window := candles[len(candles)-d.cfg.Lookback:]
	rangeHigh, rangeLow := window[0].High, window[0].Low
	for _, c := range window[1:] {
		if c.High > rangeHigh {
			rangeHigh = c.High
		}
		if c.Low < rangeLow {
			rangeLow = c.Low
		}
	}
	width := rangeHigh - rangeLow
	if rangeLow == 0 || width <= rangeLow*d.cfg.MinRangePct {
		return nil, nil
	}

	last := candles[len(candles)-1]
	upperBand := rangeHigh - width*d.cfg.BandFactor
	lowerBand := rangeLow + width*d.cfg.BandFactor
	band := width * d.cfg.BandFactor

	if last.Close >= upperBand {
		sl := rangeHigh
		risk := sl - last.Close
		if risk <= 0 {
			return nil, nil
		}
		// Deeper into the band scores higher.
		score := clampScore(0.5+0.5*(last.Close-upperBand)/band, 0.5)
		return &Candidate{
			Direction:  "sell",
			Score:      score,
			StopLoss:   sl,
			TakeProfit: last.Close - risk*d.cfg.RiskReward,
			Payload:    map[string]any{"range_high": rangeHigh, "range_low": rangeLow},
		}, nil
	}
	if last.Close <= lowerBand {
		sl := rangeLow
		risk := last.Close - sl
		if risk <= 0 {
			return nil, nil
		}
		score := clampScore(0.5+0.5*(lowerBand-last.Close)/band, 0.5)
		return &Candidate{
			Direction:  "buy",
			Score:      score,
			StopLoss:   sl,
			TakeProfit: last.Close + risk*d.cfg.RiskReward,
			Payload:    map[string]any{"range_high": rangeHigh, "range_low": rangeLow},
		}, nil
	}
	return nil, nil
}
