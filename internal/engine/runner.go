package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"tradeflow/internal/config"
	"tradeflow/internal/logger"
	"tradeflow/internal/market"
	"tradeflow/internal/metrics"
	"tradeflow/internal/store/auditlog"
	"tradeflow/internal/store/gormstore"
	"tradeflow/internal/store/model"
	"tradeflow/internal/strategy"
)

// StrategyRunner is the per-tick signal producer: for every active bot it
// fetches a candle window and runs the bot's enabled detectors, feeding any
// candidate into the signal store. Bot tasks are independent units of
// concurrency; one slow or failing bot never delays the others.
type StrategyRunner struct {
	store    *gormstore.Store
	audit    *auditlog.Store
	source   market.Source
	registry *strategy.Registry
	decision *DecisionEngine
	fanout   *Fanout
	cfg      ConfigSource

	// EngineMode filters which bots this runner drives.
	EngineMode string
}

func NewStrategyRunner(store *gormstore.Store, audit *auditlog.Store, source market.Source, registry *strategy.Registry, decision *DecisionEngine, fanout *Fanout, cfg ConfigSource) *StrategyRunner {
	return &StrategyRunner{
		store:      store,
		audit:      audit,
		source:     source,
		registry:   registry,
		decision:   decision,
		fanout:     fanout,
		cfg:        cfg,
		EngineMode: "scalper",
	}
}

// RunTick dispatches one task per active bot and waits for all of them.
// Task failures are contained: they log, count, and never abort siblings.
func (r *StrategyRunner) RunTick(ctx context.Context, tick time.Time) {
	cfg := r.cfg.Current()
	g, gctx := errgroup.WithContext(ctx)
	for _, bot := range cfg.Bots {
		if !bot.Active() || bot.EngineMode != r.EngineMode {
			continue
		}
		bot := bot
		g.Go(func() error {
			defer func() {
				if rec := recover(); rec != nil {
					metrics.TaskFailures.WithLabelValues("bot_task").Inc()
					logger.Errorf("bot %s: tick panic: %v", bot.ID, rec)
				}
			}()
			if err := r.runBot(gctx, bot, cfg); err != nil {
				metrics.TaskFailures.WithLabelValues("bot_task").Inc()
				logger.Errorf("bot %s: tick failed: %v", bot.ID, err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (r *StrategyRunner) runBot(ctx context.Context, bot config.BotConfig, cfg *config.Config) error {
	if len(cfg.ActiveAccountsFor(bot)) == 0 {
		r.auditBotSkip(ctx, bot.ID, "no active broker accounts")
		return nil
	}

	lookback := cfg.Engine.CandleLookback
	candles, err := r.source.FetchCandles(ctx, bot.Symbol, bot.DefaultTimeframe, lookback)
	if err != nil {
		if errors.Is(err, market.ErrDataUnavailable) {
			logger.Debugf("bot %s: %s %s: insufficient candles, skip tick",
				bot.ID, bot.Symbol, bot.DefaultTimeframe)
			return nil
		}
		return fmt.Errorf("fetch candles: %w", err)
	}
	if len(candles) == 0 {
		return nil
	}
	// The last closed bar anchors every dedup key this tick can produce:
	// retries see the same bar, a new bar makes a new key.
	barTS := candles[len(candles)-1].CloseTime

	for _, strategyID := range bot.EnabledStrategies {
		detector, ok := r.registry.Get(strategyID)
		if !ok {
			logger.Warnf("bot %s: unknown strategy %q, skipping", bot.ID, strategyID)
			continue
		}
		candidate, err := detector.Detect(bot.Symbol, candles)
		if err != nil {
			if errors.Is(err, market.ErrDataUnavailable) {
				logger.Debugf("bot %s: %s: insufficient data, skip", bot.ID, strategyID)
				continue
			}
			logger.Warnf("bot %s: %s: detect failed: %v", bot.ID, strategyID, err)
			continue
		}
		if candidate == nil {
			continue
		}
		if err := r.processCandidate(ctx, bot, strategyID, barTS, candidate); err != nil {
			logger.Errorf("bot %s: %s: %v", bot.ID, strategyID, err)
		}
	}
	return nil
}

// processCandidate runs a candidate through the full pipeline: dedup,
// decision, fan-out.
func (r *StrategyRunner) processCandidate(ctx context.Context, bot config.BotConfig, strategyID string, barTS int64, candidate *strategy.Candidate) error {
	payload := map[string]any{}
	for k, v := range candidate.Payload {
		payload[k] = v
	}
	if candidate.StopLoss > 0 {
		payload["stop_loss"] = candidate.StopLoss
	}
	if candidate.TakeProfit > 0 {
		payload["take_profit"] = candidate.TakeProfit
	}

	sig := model.SignalModel{
		BotID:      bot.ID,
		Symbol:     bot.Symbol,
		StrategyID: strategyID,
		Timeframe:  bot.DefaultTimeframe,
		BarTS:      barTS,
		Kind:       model.SignalKindEntry,
		Direction:  candidate.Direction,
		Score:      candidate.Score,
		Source:     "detector",
		Payload:    marshalPayload(payload),
	}
	persisted, created, err := r.store.GetOrCreateSignal(ctx, sig)
	if err != nil {
		return fmt.Errorf("persist signal: %w", err)
	}
	if created {
		metrics.SignalsCreated.WithLabelValues("detector", strategyID).Inc()
		logger.Infof("signal %d: bot=%s %s %s %s score=%.2f bar=%d",
			persisted.ID, bot.ID, bot.Symbol, strategyID, candidate.Direction, candidate.Score, barTS)
	}

	decision, _, err := r.decision.Evaluate(ctx, persisted)
	if err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	if decision.Action != model.ActionOpen {
		return nil
	}
	if _, err := r.fanout.Dispatch(ctx, decision, persisted, bot); err != nil {
		if errors.Is(err, ErrNoActiveAccounts) {
			r.auditBotSkip(ctx, bot.ID, "no active broker accounts at dispatch")
			return nil
		}
		return fmt.Errorf("dispatch: %w", err)
	}
	return nil
}

func (r *StrategyRunner) auditBotSkip(ctx context.Context, botID, cause string) {
	if err := r.audit.Append(ctx, auditlog.Entry{
		Kind:   "task",
		RefID:  botID,
		BotID:  botID,
		Reason: ReasonConfigurationInvalid,
		Detail: map[string]any{"cause": cause},
	}); err != nil {
		logger.Warnf("audit bot skip %s: %v", botID, err)
	}
	logger.Warnf("bot %s: skipped this tick: %s", botID, cause)
}
