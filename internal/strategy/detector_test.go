package strategy

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeflow/internal/market"
)

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := DefaultRegistry()
	ids := r.IDs()
	assert.Contains(t, ids, "price_action_pinbar")
	assert.Contains(t, ids, "trend_pullback")
	assert.Contains(t, ids, "doji_breakout")
	assert.Contains(t, ids, "range_reversion")

	_, ok := r.Get("price_action_pinbar")
	assert.True(t, ok)
	_, ok = r.Get("does_not_exist")
	assert.False(t, ok)

	err := r.Register(NewRangeReversionDetector(RangeReversionConfig{}))
	assert.Error(t, err, "duplicate registration must fail")
}

func TestDetectorsSkipOnShortWindow(t *testing.T) {
	short := flatCandles(3, 100)
	for _, d := range []Detector{
		NewPinBarDetector(PinBarConfig{}),
		NewTrendPullbackDetector(TrendPullbackConfig{}),
		NewDojiBreakoutDetector(DojiBreakoutConfig{}),
		NewRangeReversionDetector(RangeReversionConfig{}),
	} {
		candidate, err := d.Detect("ETHUSDT", short)
		assert.Nil(t, candidate, d.ID())
		require.Error(t, err, d.ID())
		assert.True(t, errors.Is(err, market.ErrDataUnavailable), d.ID())
	}
}

func TestClassifyPinBar(t *testing.T) {
	// Long lower wick, small body near the top, closing up: bullish pin.
	bullish := market.Candle{Open: 100.0, High: 100.5, Low: 97.0, Close: 100.3}
	pin, ok := classifyPinBar(bullish, 0.00001)
	require.True(t, ok)
	assert.Equal(t, pinBullish, pin)

	// Mirror image: bearish pin.
	bearish := market.Candle{Open: 100.3, High: 103.5, Low: 100.0, Close: 100.1}
	pin, ok = classifyPinBar(bearish, 0.00001)
	require.True(t, ok)
	assert.Equal(t, pinBearish, pin)

	// Fat body is not a pin.
	fat := market.Candle{Open: 100, High: 103, Low: 99, Close: 102.5}
	_, ok = classifyPinBar(fat, 0.00001)
	assert.False(t, ok)
}

func TestRangeReversionFadesExtremes(t *testing.T) {
	d := NewRangeReversionDetector(RangeReversionConfig{Lookback: 50})

	// A clean 100..110 range with the last close pinned at the top.
	candles := make([]market.Candle, 60)
	for i := range candles {
		base := 100.0
		if i%2 == 0 {
			base = 110.0
		}
		candles[i] = market.Candle{
			Open: base, High: base + 0.2, Low: base - 0.2, Close: base,
			CloseTime: int64(i+1) * 60_000,
		}
	}
	candles[len(candles)-1].Close = 110.0

	candidate, err := d.Detect("BTCUSDT", candles)
	require.NoError(t, err)
	require.NotNil(t, candidate)
	assert.Equal(t, "sell", candidate.Direction)
	assert.GreaterOrEqual(t, candidate.Score, 0.5)
	assert.Greater(t, candidate.StopLoss, candidate.TakeProfit)

	// Mid-range close produces no candidate.
	candles[len(candles)-1].Close = 105.0
	candidate, err = d.Detect("BTCUSDT", candles)
	require.NoError(t, err)
	assert.Nil(t, candidate)
}

func TestTrendPullbackRequiresTrend(t *testing.T) {
	d := NewTrendPullbackDetector(TrendPullbackConfig{})

	// Perfectly flat series: no trend, no candidate.
	candidate, err := d.Detect("ETHUSDT", flatCandles(40, 100))
	require.NoError(t, err)
	assert.Nil(t, candidate)
}

func TestDetectDeterministic(t *testing.T) {
	d := NewRangeReversionDetector(RangeReversionConfig{Lookback: 50})
	candles := make([]market.Candle, 60)
	for i := range candles {
		base := 100.0
		if i%2 == 0 {
			base = 110.0
		}
		candles[i] = market.Candle{Open: base, High: base + 0.2, Low: base - 0.2, Close: base}
	}
	candles[len(candles)-1].Close = 110.0

	first, err := d.Detect("BTCUSDT", candles)
	require.NoError(t, err)
	second, err := d.Detect("BTCUSDT", candles)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func flatCandles(n int, price float64) []market.Candle {
	out := make([]market.Candle, n)
	for i := range out {
		out[i] = market.Candle{
			Open: price, High: price, Low: price, Close: price,
			CloseTime: int64(i+1) * 60_000,
		}
	}
	return out
}
