package market

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/futures"
)

const maxKlineLimit = 1500

// BinanceSource implements Source over the Binance futures REST API.
type BinanceSource struct {
	client *futures.Client
}

// BinanceConfig carries the optional REST overrides.
type BinanceConfig struct {
	RESTBaseURL string
	HTTPTimeout time.Duration
}

func NewBinanceSource(cfg BinanceConfig) *BinanceSource {
	client := futures.NewClient("", "")
	if base := strings.TrimSpace(cfg.RESTBaseURL); base != "" {
		client.BaseURL = base
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client.HTTPClient = &http.Client{Timeout: timeout}
	return &BinanceSource{client: client}
}

func (s *BinanceSource) FetchCandles(ctx context.Context, symbol, timeframe string, lookback int) ([]Candle, error) {
	symbol = cleanSymbol(symbol)
	if symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	timeframe = strings.ToLower(strings.TrimSpace(timeframe))
	if timeframe == "" {
		return nil, fmt.Errorf("timeframe is required")
	}
	if lookback <= 0 {
		lookback = 100
	}
	if lookback > maxKlineLimit {
		lookback = maxKlineLimit
	}
	// Fetch one extra bar so the still-open bar can be dropped while keeping
	// lookback closed bars.
	kls, err := s.client.NewKlinesService().
		Symbol(symbol).
		Interval(timeframe).
		Limit(lookback + 1).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch klines %s %s: %w", symbol, timeframe, err)
	}
	now := time.Now().UnixMilli()
	out := make([]Candle, 0, len(kls))
	for _, kl := range kls {
		if kl == nil || kl.CloseTime > now {
			continue
		}
		out = append(out, Candle{
			OpenTime:  kl.OpenTime,
			CloseTime: kl.CloseTime,
			Open:      parseFloat(kl.Open),
			High:      parseFloat(kl.High),
			Low:       parseFloat(kl.Low),
			Close:     parseFloat(kl.Close),
			Volume:    parseFloat(kl.Volume),
			Trades:    kl.TradeNum,
		})
	}
	if len(out) < lookback {
		return out, fmt.Errorf("%s %s: got %d of %d bars: %w", symbol, timeframe, len(out), lookback, ErrDataUnavailable)
	}
	if len(out) > lookback {
		out = out[len(out)-lookback:]
	}
	return out, nil
}

func (s *BinanceSource) LatestPrice(ctx context.Context, symbol string) (float64, error) {
	symbol = cleanSymbol(symbol)
	if symbol == "" {
		return 0, fmt.Errorf("symbol is required")
	}
	prices, err := s.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch price %s: %w", symbol, err)
	}
	for _, p := range prices {
		if p == nil {
			continue
		}
		price := parseFloat(p.Price)
		if price > 0 {
			return price, nil
		}
	}
	return 0, fmt.Errorf("%s: no price returned: %w", symbol, ErrDataUnavailable)
}

// cleanSymbol strips the slash from pair notation, e.g. ETH/USDT -> ETHUSDT.
func cleanSymbol(symbol string) string {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	return strings.ReplaceAll(symbol, "/", "")
}

func parseFloat(v string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(v), 64)
	return f
}
