package engine

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"tradeflow/internal/config"
	"tradeflow/internal/logger"
	"tradeflow/internal/market"
	"tradeflow/internal/metrics"
	"tradeflow/internal/store/auditlog"
	"tradeflow/internal/store/gormstore"
	"tradeflow/internal/store/model"
)

// DecisionEngine turns persisted signals into decisions. Evaluate is
// idempotent by signal id: the unique index makes a retried evaluation
// return the original decision unchanged.
type DecisionEngine struct {
	store  *gormstore.Store
	audit  *auditlog.Store
	source market.Source
	cfg    ConfigSource
}

func NewDecisionEngine(store *gormstore.Store, audit *auditlog.Store, source market.Source, cfg ConfigSource) *DecisionEngine {
	return &DecisionEngine{store: store, audit: audit, source: source, cfg: cfg}
}

// Evaluate risk-gates sig and persists the outcome. The returned bool is
// true when this call created the decision.
func (e *DecisionEngine) Evaluate(ctx context.Context, sig model.SignalModel) (model.DecisionModel, bool, error) {
	bot, ok := e.cfg.Current().Bot(sig.BotID)
	if !ok {
		return model.DecisionModel{}, false, fmt.Errorf("evaluate signal %d: unknown bot %q", sig.ID, sig.BotID)
	}

	action, reason := e.gate(ctx, sig, bot)
	rec := model.DecisionModel{
		SignalID:  sig.ID,
		BotID:     sig.BotID,
		Symbol:    sig.Symbol,
		Direction: sig.Direction,
		Action:    action,
		Reason:    reason,
		Score:     sig.Score,
	}
	decision, created, err := e.store.GetOrCreateDecision(ctx, rec)
	if err != nil {
		return model.DecisionModel{}, false, err
	}
	if created {
		metrics.Decisions.WithLabelValues(decision.Action).Inc()
		e.auditDecision(ctx, decision)
		logger.Debugf("decision %d: signal=%d bot=%s action=%s reason=%s",
			decision.ID, sig.ID, sig.BotID, decision.Action, decision.Reason)
	}
	return decision, created, nil
}

// gate runs the risk checks in order and returns the first rejection.
// Close-type signals react to existing exposure and bypass gating entirely.
func (e *DecisionEngine) gate(ctx context.Context, sig model.SignalModel, bot config.BotConfig) (action, reason string) {
	if sig.Kind == model.SignalKindClose {
		reason = payloadString(sig.Payload, "reason")
		if reason == "" {
			reason = ReasonCloseRequested
		}
		return model.ActionClose, reason
	}

	risk := bot.Risk

	if sig.Score < risk.DecisionMinScore {
		return model.ActionIgnore, ReasonScoreBelowThreshold
	}

	openCount, err := e.store.CountOpenPositionsByBot(ctx, bot.ID)
	if err != nil {
		logger.Warnf("decision gate: count positions for bot %s: %v", bot.ID, err)
	}
	if openCount >= int64(risk.MaxConcurrentPositions) {
		return model.ActionIgnore, ReasonMaxPositions
	}

	symbolCount, err := e.store.CountOpenPositionsByBotSymbol(ctx, bot.ID, sig.Symbol)
	if err != nil {
		logger.Warnf("decision gate: count symbol positions for bot %s: %v", bot.ID, err)
	}
	if symbolCount >= int64(risk.MaxPositionsPerSymbol) {
		return model.ActionIgnore, ReasonMaxPositionsSymbol
	}

	for _, corr := range e.cfg.Current().CorrelatedSymbols(sig.Symbol) {
		blocked, err := e.store.HasOpenPositionInDirection(ctx, bot.ID, corr, sig.Direction)
		if err != nil {
			logger.Warnf("decision gate: correlation check %s/%s: %v", bot.ID, corr, err)
			continue
		}
		if blocked {
			return model.ActionIgnore, ReasonCorrelationBlock
		}
	}

	if !e.balanceSupports(ctx, sig, bot) {
		return model.ActionIgnore, ReasonBalanceInsufficient
	}

	since := startOfDayUTC(time.Now())
	filled, err := e.store.CountFilledOrdersSince(ctx, bot.ID, since)
	if err != nil {
		logger.Warnf("decision gate: count filled orders for bot %s: %v", bot.ID, err)
	}
	if filled >= int64(risk.MaxTradesPerDay) {
		return model.ActionIgnore, ReasonDailyTradeCap
	}

	return model.ActionOpen, ReasonAccepted
}

// balanceSupports reports whether at least one active account can carry the
// bot's default quantity at the current price with its configured leverage.
func (e *DecisionEngine) balanceSupports(ctx context.Context, sig model.SignalModel, bot config.BotConfig) bool {
	accounts := e.cfg.Current().ActiveAccountsFor(bot)
	if len(accounts) == 0 {
		return false
	}
	price, err := e.source.LatestPrice(ctx, sig.Symbol)
	if err != nil {
		// Price unavailable: let the signal through rather than silently
		// rejecting on a transient data gap; dispatch re-checks price.
		logger.Warnf("decision gate: price for %s: %v", sig.Symbol, err)
		return true
	}
	required := bot.Risk.DefaultQty * price
	for _, acct := range accounts {
		if acct.Equity*acct.Leverage >= required {
			return true
		}
	}
	return false
}

func (e *DecisionEngine) auditDecision(ctx context.Context, d model.DecisionModel) {
	err := e.audit.Append(ctx, auditlog.Entry{
		Kind:  "decision",
		RefID: strconv.FormatInt(d.ID, 10),
		BotID: d.BotID,
		Reason: fmt.Sprintf("%s:%s", d.Action, d.Reason),
		Detail: map[string]any{
			"signal_id": d.SignalID,
			"symbol":    d.Symbol,
			"direction": d.Direction,
			"score":     d.Score,
		},
	})
	if err != nil {
		logger.Warnf("audit decision %d: %v", d.ID, err)
	}
}
