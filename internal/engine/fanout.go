package engine

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"

	"tradeflow/internal/broker"
	"tradeflow/internal/config"
	"tradeflow/internal/logger"
	"tradeflow/internal/market"
	"tradeflow/internal/metrics"
	"tradeflow/internal/pkg/circuit"
	"tradeflow/internal/store/auditlog"
	"tradeflow/internal/store/gormstore"
	"tradeflow/internal/store/model"
)

// ErrNoActiveAccounts marks a bot with no usable brokerage connection; the
// runner skips the bot for the tick and moves on.
var ErrNoActiveAccounts = fmt.Errorf("no active broker accounts")

// Fanout expands one open decision into one order per active account and
// drives each order through the connector with bounded retries behind a
// circuit breaker.
type Fanout struct {
	store     *gormstore.Store
	audit     *auditlog.Store
	connector broker.Connector
	breaker   *circuit.CircuitBreaker
	source    market.Source
	cfg       ConfigSource
}

func NewFanout(store *gormstore.Store, audit *auditlog.Store, connector broker.Connector, breaker *circuit.CircuitBreaker, source market.Source, cfg ConfigSource) *Fanout {
	return &Fanout{
		store:     store,
		audit:     audit,
		connector: connector,
		breaker:   breaker,
		source:    source,
		cfg:       cfg,
	}
}

// Dispatch creates and sends the orders for decision. Idempotent per
// (decision, account): re-dispatching an already-created order is a no-op
// unless it is still in status new.
func (f *Fanout) Dispatch(ctx context.Context, decision model.DecisionModel, sig model.SignalModel, bot config.BotConfig) ([]model.OrderModel, error) {
	switch decision.Action {
	case model.ActionOpen:
		return f.dispatchOpen(ctx, decision, sig, bot)
	case model.ActionClose:
		return f.dispatchClose(ctx, decision, sig, bot)
	default:
		return nil, nil
	}
}

func (f *Fanout) dispatchOpen(ctx context.Context, decision model.DecisionModel, sig model.SignalModel, bot config.BotConfig) ([]model.OrderModel, error) {
	accounts := f.cfg.Current().ActiveAccountsFor(bot)
	if len(accounts) == 0 {
		f.auditOrderEvent(ctx, decision, "", ReasonConfigurationInvalid, map[string]any{"bot": bot.ID})
		return nil, fmt.Errorf("bot %s: %w", bot.ID, ErrNoActiveAccounts)
	}

	stopLoss, takeProfit := f.protectionLevels(ctx, decision, sig, bot)
	qty := decimal.NewFromFloat(bot.Risk.DefaultQty)

	out := make([]model.OrderModel, 0, len(accounts))
	for _, acct := range accounts {
		rec := model.OrderModel{
			DecisionID:    decision.ID,
			AccountID:     acct.ID,
			ClientOrderID: clientOrderID(decision.ID, acct.ID),
			BotID:         bot.ID,
			Symbol:        decision.Symbol,
			Side:          decision.Direction,
			Quantity:      qty,
			StopLoss:      stopLoss,
			TakeProfit:    takeProfit,
			Status:        model.OrderStatusNew,
		}
		ord, created, err := f.store.GetOrCreateOrder(ctx, rec)
		if err != nil {
			return out, err
		}
		if created {
			metrics.OrdersCreated.WithLabelValues(acct.ID, ord.Side).Inc()
		}
		if ord.Status == model.OrderStatusNew {
			f.send(ctx, &ord)
		}
		out = append(out, ord)
	}
	return out, nil
}

// dispatchClose emits one reduce-only market order against the account that
// holds the position. Null stop loss and take profit are valid here and only
// here.
func (f *Fanout) dispatchClose(ctx context.Context, decision model.DecisionModel, sig model.SignalModel, bot config.BotConfig) ([]model.OrderModel, error) {
	accountID := payloadString(sig.Payload, "account_id")
	if accountID == "" {
		return nil, fmt.Errorf("close decision %d: payload missing account_id", decision.ID)
	}
	pos, found, err := f.store.GetOpenPosition(ctx, accountID, decision.Symbol)
	if err != nil {
		return nil, err
	}
	if !found || pos.NetQty.IsZero() {
		logger.Infof("close decision %d: no open position for %s/%s, nothing to do",
			decision.ID, accountID, decision.Symbol)
		return nil, nil
	}

	side := "sell"
	if pos.NetQty.IsNegative() {
		side = "buy"
	}
	rec := model.OrderModel{
		DecisionID:    decision.ID,
		AccountID:     accountID,
		ClientOrderID: clientOrderID(decision.ID, accountID),
		BotID:         bot.ID,
		Symbol:        decision.Symbol,
		Side:          side,
		Quantity:      pos.NetQty.Abs(),
		ReduceOnly:    true,
		Status:        model.OrderStatusNew,
	}
	ord, created, err := f.store.GetOrCreateOrder(ctx, rec)
	if err != nil {
		return nil, err
	}
	if created {
		metrics.OrdersCreated.WithLabelValues(accountID, side).Inc()
	}
	if ord.Status == model.OrderStatusNew {
		f.send(ctx, &ord)
	}
	return []model.OrderModel{ord}, nil
}

// protectionLevels picks the stop/take-profit pair for an open order:
// detector-provided levels win, otherwise they are derived from the current
// price and the signal's ATR with the bot's multipliers.
func (f *Fanout) protectionLevels(ctx context.Context, decision model.DecisionModel, sig model.SignalModel, bot config.BotConfig) (decimal.NullDecimal, decimal.NullDecimal) {
	if sl, okSL := payloadFloat(sig.Payload, "stop_loss"); okSL {
		if tp, okTP := payloadFloat(sig.Payload, "take_profit"); okTP {
			return nullDecimal(sl), nullDecimal(tp)
		}
	}

	price, err := f.source.LatestPrice(ctx, decision.Symbol)
	if err != nil || price <= 0 {
		logger.Warnf("fanout: price for %s: %v", decision.Symbol, err)
		return decimal.NullDecimal{}, decimal.NullDecimal{}
	}
	atr, ok := payloadFloat(sig.Payload, "atr_points")
	if !ok {
		// No volatility estimate on the signal; fall back to half a
		// percent of price per ATR unit.
		atr = price * 0.005
	}
	slDist := bot.Risk.StopATRMult * atr
	tpDist := bot.Risk.TakeProfitATRMult * atr
	if decision.Direction == "buy" {
		return nullDecimal(price - slDist), nullDecimal(price + tpDist)
	}
	return nullDecimal(price + slDist), nullDecimal(price - tpDist)
}

// send drives one order through the connector with bounded backoff.
// Transient failures retry; anything else marks the order error and audits
// the cause. The order is never silently dropped.
func (f *Fanout) send(ctx context.Context, ord *model.OrderModel) {
	engineCfg := f.cfg.Current().Engine
	req := broker.OrderRequest{
		ClientOrderID: ord.ClientOrderID,
		AccountID:     ord.AccountID,
		Symbol:        ord.Symbol,
		Side:          ord.Side,
		Quantity:      ord.Quantity,
		StopLoss:      ord.StopLoss,
		TakeProfit:    ord.TakeProfit,
		ReduceOnly:    ord.ReduceOnly,
	}
	if err := broker.ValidateRiskParameters(req); err != nil {
		f.failOrder(ctx, ord, err)
		return
	}

	bo := &backoff.Backoff{
		Min:    engineCfg.DispatchBackoffMinDuration(),
		Max:    engineCfg.DispatchBackoffMaxDuration(),
		Factor: 2,
		Jitter: true,
	}
	maxAttempts := engineCfg.DispatchMaxAttempts

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
		if !f.breaker.Allow() {
			lastErr = broker.Retryable(fmt.Errorf("dispatch breaker open"))
			if !sleepCtx(ctx, bo.Duration()) {
				break
			}
			continue
		}
		if err := f.store.IncrementDispatchAttempts(ctx, ord.ID); err != nil {
			logger.Warnf("order %d: increment attempts: %v", ord.ID, err)
		}
		_, err := f.connector.PlaceOrder(ctx, req)
		if err == nil {
			f.breaker.RecordSuccess()
			f.ack(ctx, ord)
			return
		}
		lastErr = err
		f.breaker.RecordFailure()
		if !broker.IsRetryable(err) {
			break
		}
		metrics.DispatchRetries.Inc()
		logger.Warnf("order %d: dispatch attempt %d/%d failed: %v", ord.ID, attempt, maxAttempts, err)
		if !sleepCtx(ctx, bo.Duration()) {
			break
		}
	}
	f.failOrder(ctx, ord, lastErr)
}

// ack acknowledges a placed order. A connector that fills synchronously may
// have advanced the order already; the conditional update keeps that final.
func (f *Fanout) ack(ctx context.Context, ord *model.OrderModel) {
	acked, err := f.store.AckOrder(ctx, ord.ID)
	if err != nil {
		logger.Errorf("order %d: ack: %v", ord.ID, err)
		return
	}
	if !acked {
		if current, err := f.store.GetOrder(ctx, ord.ID); err == nil {
			ord.Status = current.Status
		}
		return
	}
	ord.Status = model.OrderStatusAck
	metrics.OrderStatus.WithLabelValues(string(model.OrderStatusAck)).Inc()
}

func (f *Fanout) failOrder(ctx context.Context, ord *model.OrderModel, cause error) {
	msg := "dispatch failed"
	if cause != nil {
		msg = cause.Error()
	}
	f.transition(ctx, ord, model.OrderStatusError, msg)
	f.auditOrderEvent(ctx, model.DecisionModel{ID: ord.DecisionID, BotID: ord.BotID}, strconv.FormatInt(ord.ID, 10), "dispatch_failed", map[string]any{
		"cause":    msg,
		"attempts": ord.DispatchAttempts,
		"symbol":   ord.Symbol,
		"account":  ord.AccountID,
	})
}

func (f *Fanout) transition(ctx context.Context, ord *model.OrderModel, to model.OrderStatus, lastError string) {
	if err := f.store.UpdateOrderStatus(ctx, ord.ID, to, lastError); err != nil {
		logger.Errorf("order %d: status %s -> %s: %v", ord.ID, ord.Status, to, err)
		return
	}
	ord.Status = to
	metrics.OrderStatus.WithLabelValues(string(to)).Inc()
}

func (f *Fanout) auditOrderEvent(ctx context.Context, decision model.DecisionModel, refID, reason string, detail map[string]any) {
	if refID == "" {
		refID = strconv.FormatInt(decision.ID, 10)
	}
	if err := f.audit.Append(ctx, auditlog.Entry{
		Kind:   "order",
		RefID:  refID,
		BotID:  decision.BotID,
		Reason: reason,
		Detail: detail,
	}); err != nil {
		logger.Warnf("audit order event %s: %v", reason, err)
	}
}

// clientOrderID derives a deterministic broker id from the (decision,
// account) pair so a re-dispatch reuses the same id.
func clientOrderID(decisionID int64, accountID string) string {
	sum := sha1.Sum([]byte(fmt.Sprintf("%d|%s", decisionID, accountID)))
	return "tf-" + hex.EncodeToString(sum[:])[:20]
}

func nullDecimal(v float64) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: decimal.NewFromFloat(v), Valid: true}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
