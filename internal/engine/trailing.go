package engine

import (
	"context"
	"errors"
	"time"

	talib "github.com/markcheno/go-talib"
	"github.com/shopspring/decimal"

	"tradeflow/internal/broker"
	"tradeflow/internal/logger"
	"tradeflow/internal/market"
	"tradeflow/internal/metrics"
	"tradeflow/internal/store/gormstore"
	"tradeflow/internal/store/model"
)

// TrailingStopManager tightens stops on positions in profit. The candidate
// trails the market price by an ATR-scaled distance and is only applied when
// it tightens the existing stop; a stop never loosens.
type TrailingStopManager struct {
	store     *gormstore.Store
	tracker   *Tracker
	source    market.Source
	connector broker.Connector
	cfg       ConfigSource
}

func NewTrailingStopManager(store *gormstore.Store, tracker *Tracker, source market.Source, connector broker.Connector, cfg ConfigSource) *TrailingStopManager {
	return &TrailingStopManager{
		store:     store,
		tracker:   tracker,
		source:    source,
		connector: connector,
		cfg:       cfg,
	}
}

func (t *TrailingStopManager) Tick(ctx context.Context, _ time.Time) {
	positions, err := t.store.ListOpenPositions(ctx)
	if err != nil {
		metrics.TaskFailures.WithLabelValues("trailing_stop").Inc()
		logger.Errorf("trailing stop: list positions: %v", err)
		return
	}
	for i := range positions {
		if err := t.adjust(ctx, &positions[i]); err != nil {
			metrics.TaskFailures.WithLabelValues("trailing_stop").Inc()
			logger.Warnf("trailing stop: %s/%s: %v", positions[i].AccountID, positions[i].Symbol, err)
		}
	}
}

func (t *TrailingStopManager) adjust(ctx context.Context, pos *model.PositionModel) error {
	cfg := t.cfg.Current()
	bot, ok := cfg.Bot(pos.BotID)
	if !ok {
		return nil
	}
	price, err := t.source.LatestPrice(ctx, pos.Symbol)
	if err != nil {
		if errors.Is(err, market.ErrDataUnavailable) {
			return nil
		}
		return err
	}

	atr, err := t.currentATR(ctx, pos.Symbol, bot.DefaultTimeframe, cfg.Engine.ATRPeriod)
	if err != nil {
		if errors.Is(err, market.ErrDataUnavailable) {
			return nil
		}
		return err
	}
	if atr <= 0 {
		return nil
	}

	entry, _ := pos.AvgEntryPrice.Float64()
	long := !pos.NetQty.IsNegative()

	// Activation: the position must be in profit by at least the
	// activation multiple of ATR before any trailing happens.
	activation := cfg.Engine.TrailingActivationATR * atr
	profit := price - entry
	if !long {
		profit = entry - price
	}
	if profit < activation {
		return nil
	}

	distance := cfg.Engine.TrailingDistanceATR * atr
	var candidate float64
	if long {
		candidate = price - distance
	} else {
		candidate = price + distance
	}

	if !tightens(long, candidate, pos.CurrentStop) {
		return nil
	}

	newStop := decimal.NewFromFloat(candidate)
	if err := t.connector.ModifyStop(ctx, pos.AccountID, pos.Symbol, newStop); err != nil {
		return err
	}
	if err := t.tracker.UpdateStop(ctx, pos, newStop); err != nil {
		return err
	}
	logger.Infof("trailing stop: %s %s stop -> %s (price=%.4f atr=%.4f)",
		pos.AccountID, pos.Symbol, newStop, price, atr)
	return nil
}

// tightens reports whether candidate improves on the current stop: higher
// for longs, lower for shorts. A missing stop is always improved on.
func tightens(long bool, candidate float64, current decimal.NullDecimal) bool {
	if !current.Valid {
		return true
	}
	cur, _ := current.Decimal.Float64()
	if long {
		return candidate > cur
	}
	return candidate < cur
}

func (t *TrailingStopManager) currentATR(ctx context.Context, symbol, timeframe string, period int) (float64, error) {
	lookback := period * 3
	candles, err := t.source.FetchCandles(ctx, symbol, timeframe, lookback)
	if err != nil {
		return 0, err
	}
	if len(candles) <= period {
		return 0, market.ErrDataUnavailable
	}
	series := talib.Atr(market.Highs(candles), market.Lows(candles), market.Closes(candles), period)
	if len(series) == 0 {
		return 0, nil
	}
	return series[len(series)-1], nil
}
