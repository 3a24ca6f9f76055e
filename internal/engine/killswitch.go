package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradeflow/internal/logger"
	"tradeflow/internal/market"
	"tradeflow/internal/metrics"
	"tradeflow/internal/store/gormstore"
	"tradeflow/internal/store/model"
)

// KillSwitchMonitor force-closes positions whose loss breaches the bot's
// threshold. A breach must hold for a configurable number of consecutive
// ticks before it triggers, so one noisy price tick cannot flatten a book.
type KillSwitchMonitor struct {
	store    *gormstore.Store
	tracker  *Tracker
	source   market.Source
	decision *DecisionEngine
	fanout   *Fanout
	cfg      ConfigSource

	mu      sync.Mutex
	streaks map[string]int // accountID|symbol -> consecutive breaching ticks
}

func NewKillSwitchMonitor(store *gormstore.Store, tracker *Tracker, source market.Source, decision *DecisionEngine, fanout *Fanout, cfg ConfigSource) *KillSwitchMonitor {
	return &KillSwitchMonitor{
		store:    store,
		tracker:  tracker,
		source:   source,
		decision: decision,
		fanout:   fanout,
		cfg:      cfg,
		streaks:  make(map[string]int),
	}
}

// Tick inspects every open position once. The tick timestamp is truncated
// to the guard interval by the scheduler, so a retried tick dedupes onto
// the same synthetic close signal.
func (m *KillSwitchMonitor) Tick(ctx context.Context, tick time.Time) {
	positions, err := m.store.ListOpenPositions(ctx)
	if err != nil {
		metrics.TaskFailures.WithLabelValues("kill_switch").Inc()
		logger.Errorf("kill switch: list positions: %v", err)
		return
	}
	cfg := m.cfg.Current()
	confirmTicks := cfg.Engine.KillSwitchConfirmTicks

	for i := range positions {
		pos := positions[i]
		bot, ok := cfg.Bot(pos.BotID)
		if !ok {
			continue
		}
		price, err := m.source.LatestPrice(ctx, pos.Symbol)
		if err != nil {
			logger.Warnf("kill switch: price for %s: %v", pos.Symbol, err)
			continue
		}
		unrealized, err := m.tracker.RefreshUnrealized(ctx, &pos, decimal.NewFromFloat(price))
		if err != nil {
			logger.Warnf("kill switch: refresh %s/%s: %v", pos.AccountID, pos.Symbol, err)
			continue
		}

		key := pos.AccountID + "|" + pos.Symbol
		if unrealized > -bot.Risk.KillSwitchThresholdPct {
			m.resetStreak(key)
			continue
		}
		streak := m.bumpStreak(key)
		logger.Warnf("kill switch: %s %s unrealized=%.2f%% threshold=-%.2f%% streak=%d/%d",
			pos.AccountID, pos.Symbol, unrealized, bot.Risk.KillSwitchThresholdPct, streak, confirmTicks)
		if streak < confirmTicks {
			continue
		}
		if err := m.trigger(ctx, pos, bot.ID, unrealized, tick); err != nil {
			metrics.TaskFailures.WithLabelValues("kill_switch").Inc()
			logger.Errorf("kill switch: close %s/%s: %v", pos.AccountID, pos.Symbol, err)
			continue
		}
		m.resetStreak(key)
	}
}

// trigger routes a synthetic close signal through the normal decision and
// fan-out path. The dedup key is derived from the position and the guard
// tick, so monitor retries cannot double-close.
func (m *KillSwitchMonitor) trigger(ctx context.Context, pos model.PositionModel, botID string, unrealized float64, tick time.Time) error {
	sig := model.SignalModel{
		BotID:      botID,
		Symbol:     pos.Symbol,
		StrategyID: StrategyKillSwitch,
		Timeframe:  GuardTimeframe,
		BarTS:      tick.UnixMilli(),
		Kind:       model.SignalKindClose,
		Direction:  closeDirection(pos),
		Source:     StrategyKillSwitch,
		Payload: marshalPayload(map[string]any{
			"reason":         "kill_switch",
			"account_id":     pos.AccountID,
			"position_id":    pos.ID,
			"unrealized_pct": unrealized,
		}),
	}
	persisted, created, err := m.store.GetOrCreateSignal(ctx, sig)
	if err != nil {
		return err
	}
	if created {
		metrics.SignalsCreated.WithLabelValues(StrategyKillSwitch, StrategyKillSwitch).Inc()
	}
	cfg := m.cfg.Current()
	bot, ok := cfg.Bot(botID)
	if !ok {
		return fmt.Errorf("unknown bot %q", botID)
	}
	decision, _, err := m.decision.Evaluate(ctx, persisted)
	if err != nil {
		return err
	}
	_, err = m.fanout.Dispatch(ctx, decision, persisted, bot)
	return err
}

func (m *KillSwitchMonitor) bumpStreak(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streaks[key]++
	return m.streaks[key]
}

func (m *KillSwitchMonitor) resetStreak(key string) {
	m.mu.Lock()
	delete(m.streaks, key)
	m.mu.Unlock()
}

func closeDirection(pos model.PositionModel) string {
	if pos.NetQty.IsNegative() {
		return "buy"
	}
	return "sell"
}
