package market

import (
	"context"
	"fmt"
	"sync"
)

// StaticSource serves pre-loaded candle windows, used in tests and dry runs.
type StaticSource struct {
	mu      sync.RWMutex
	candles map[string][]Candle
	prices  map[string]float64
}

func NewStaticSource() *StaticSource {
	return &StaticSource{
		candles: make(map[string][]Candle),
		prices:  make(map[string]float64),
	}
}

func (s *StaticSource) SetCandles(symbol, timeframe string, candles []Candle) {
	s.mu.Lock()
	s.candles[staticKey(symbol, timeframe)] = candles
	s.mu.Unlock()
}

func (s *StaticSource) SetPrice(symbol string, price float64) {
	s.mu.Lock()
	s.prices[cleanSymbol(symbol)] = price
	s.mu.Unlock()
}

func (s *StaticSource) FetchCandles(_ context.Context, symbol, timeframe string, lookback int) ([]Candle, error) {
	s.mu.RLock()
	candles := s.candles[staticKey(symbol, timeframe)]
	s.mu.RUnlock()
	if len(candles) < lookback {
		return nil, fmt.Errorf("%s %s: got %d of %d bars: %w", symbol, timeframe, len(candles), lookback, ErrDataUnavailable)
	}
	out := make([]Candle, lookback)
	copy(out, candles[len(candles)-lookback:])
	return out, nil
}

func (s *StaticSource) LatestPrice(_ context.Context, symbol string) (float64, error) {
	s.mu.RLock()
	price, ok := s.prices[cleanSymbol(symbol)]
	s.mu.RUnlock()
	if !ok || price <= 0 {
		return 0, fmt.Errorf("%s: no price loaded: %w", symbol, ErrDataUnavailable)
	}
	return price, nil
}

func staticKey(symbol, timeframe string) string {
	return cleanSymbol(symbol) + "|" + timeframe
}
