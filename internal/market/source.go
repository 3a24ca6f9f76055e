package market

import (
	"context"
	"errors"
)

// ErrDataUnavailable indicates the source returned fewer bars than requested.
// Callers treat this as "skip this evaluation", not as a fatal error.
var ErrDataUnavailable = errors.New("market data unavailable")

// Source provides OHLC history for a symbol/timeframe pair.
type Source interface {
	// FetchCandles returns up to lookback closed bars in ascending time
	// order. Implementations return ErrDataUnavailable (possibly wrapped)
	// when the window is shorter than lookback.
	FetchCandles(ctx context.Context, symbol, timeframe string, lookback int) ([]Candle, error)

	// LatestPrice returns the most recent traded price for symbol.
	LatestPrice(ctx context.Context, symbol string) (float64, error)
}
