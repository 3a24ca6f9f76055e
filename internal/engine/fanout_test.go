package engine

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeflow/internal/broker"
	"tradeflow/internal/config"
	"tradeflow/internal/store/model"
)

func openDecision(t *testing.T, env *testEnv, sig model.SignalModel) model.DecisionModel {
	t.Helper()
	decision, _, err := env.decision.Evaluate(context.Background(), sig)
	require.NoError(t, err)
	require.Equal(t, model.ActionOpen, decision.Action)
	return decision
}

func TestDispatchFanoutPerAccount(t *testing.T) {
	cfg := testConfig()
	cfg.Accounts = append(cfg.Accounts, config.AccountConfig{
		ID: "acct-2", Broker: "paper", Active: true, Equity: 100000, Leverage: 1,
	})
	cfg.Bots[0].AccountIDs = []string{"acct-1", "acct-2"}
	env := newTestEnv(t, cfg)
	ctx := context.Background()

	sig := env.newSignal(t, 1000, 0.6)
	decision := openDecision(t, env, sig)
	bot := cfg.Bots[0]

	orders, err := env.fanout.Dispatch(ctx, decision, sig, bot)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	for _, ord := range orders {
		assert.Equal(t, model.OrderStatusAck, ord.Status)
		assert.True(t, ord.StopLoss.Valid)
		assert.True(t, ord.TakeProfit.Valid)
	}
	assert.Equal(t, 2, env.connector.placedCount())

	// Re-dispatch: same rows, nothing re-sent.
	again, err := env.fanout.Dispatch(ctx, decision, sig, bot)
	require.NoError(t, err)
	require.Len(t, again, 2)
	assert.Equal(t, orders[0].ID, again[0].ID)
	assert.Equal(t, 2, env.connector.placedCount())
}

func TestClientOrderIDDeterministic(t *testing.T) {
	a := clientOrderID(42, "acct-1")
	b := clientOrderID(42, "acct-1")
	c := clientOrderID(42, "acct-2")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 23) // "tf-" + 20 hex chars
}

func TestDispatchRetriesThenMarksError(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()

	// Every attempt fails transiently; retries must stop at the bound.
	env.connector.placeErrs = []error{
		broker.Retryable(errors.New("network down")),
		broker.Retryable(errors.New("network down")),
		broker.Retryable(errors.New("network down")),
		broker.Retryable(errors.New("network down")),
	}

	sig := env.newSignal(t, 1000, 0.6)
	decision := openDecision(t, env, sig)

	orders, err := env.fanout.Dispatch(ctx, decision, sig, env.cfg.Bots[0])
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, model.OrderStatusError, orders[0].Status)
	assert.Equal(t, 0, env.connector.placedCount())

	loaded, err := env.store.GetOrder(ctx, orders[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusError, loaded.Status)
	assert.Equal(t, 3, loaded.DispatchAttempts)
	assert.Contains(t, loaded.LastError, "network down")

	// The failure is audited, never silently dropped.
	entries, err := env.audit.ListByRef(ctx, "order", strconv.FormatInt(orders[0].ID, 10))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "dispatch_failed", entries[0].Reason)
}

func TestDispatchFatalErrorDoesNotRetry(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()

	env.connector.placeErrs = []error{errors.New("rejected by venue")}

	sig := env.newSignal(t, 1000, 0.6)
	decision := openDecision(t, env, sig)

	orders, err := env.fanout.Dispatch(ctx, decision, sig, env.cfg.Bots[0])
	require.NoError(t, err)
	require.Len(t, orders, 1)

	loaded, err := env.store.GetOrder(ctx, orders[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusError, loaded.Status)
	assert.Equal(t, 1, loaded.DispatchAttempts, "fatal errors are not retried")
}

func TestDispatchMissingRiskParametersIsFatal(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()

	// Signal without protective levels and no price available to derive
	// them from: the order must fail validation before reaching the
	// connector.
	sig, _, err := env.store.GetOrCreateSignal(ctx, model.SignalModel{
		BotID: "bot-1", Symbol: "NOPRICE", StrategyID: "stub",
		Timeframe: "5m", BarTS: 1000, Kind: model.SignalKindEntry,
		Direction: "buy", Score: 0.6, Source: "detector",
		Payload: marshalPayload(nil),
	})
	require.NoError(t, err)
	decision, _, err := env.store.GetOrCreateDecision(ctx, model.DecisionModel{
		SignalID: sig.ID, BotID: "bot-1", Symbol: "NOPRICE",
		Direction: "buy", Action: model.ActionOpen, Reason: ReasonAccepted, Score: 0.6,
	})
	require.NoError(t, err)

	orders, err := env.fanout.Dispatch(ctx, decision, sig, env.cfg.Bots[0])
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, model.OrderStatusError, orders[0].Status)
	assert.Equal(t, 0, env.connector.placedCount(), "never reached the connector")

	loaded, err := env.store.GetOrder(ctx, orders[0].ID)
	require.NoError(t, err)
	assert.Contains(t, loaded.LastError, "stop loss or take profit")
}

func TestDispatchCloseReduceOnly(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()

	env.openPosition(t, "acct-1", "ETHUSDT", 0.05, 2000)

	sig, _, err := env.store.GetOrCreateSignal(ctx, model.SignalModel{
		BotID: "bot-1", Symbol: "ETHUSDT", StrategyID: StrategyKillSwitch,
		Timeframe: GuardTimeframe, BarTS: 7000,
		Kind: model.SignalKindClose, Direction: "sell", Source: StrategyKillSwitch,
		Payload: marshalPayload(map[string]any{
			"reason": "kill_switch", "account_id": "acct-1",
		}),
	})
	require.NoError(t, err)
	decision, _, err := env.decision.Evaluate(ctx, sig)
	require.NoError(t, err)
	require.Equal(t, model.ActionClose, decision.Action)

	orders, err := env.fanout.Dispatch(ctx, decision, sig, env.cfg.Bots[0])
	require.NoError(t, err)
	require.Len(t, orders, 1)

	ord := orders[0]
	assert.True(t, ord.ReduceOnly)
	assert.Equal(t, "sell", ord.Side)
	assert.True(t, ord.Quantity.Equal(decimal.NewFromFloat(0.05)))
	assert.False(t, ord.StopLoss.Valid, "close orders carry null stop loss")
	assert.False(t, ord.TakeProfit.Valid, "close orders carry null take profit")
	assert.Equal(t, model.OrderStatusAck, ord.Status)
}

func TestDispatchCloseWithoutPositionIsNoop(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()

	sig, _, err := env.store.GetOrCreateSignal(ctx, model.SignalModel{
		BotID: "bot-1", Symbol: "ETHUSDT", StrategyID: StrategyKillSwitch,
		Timeframe: GuardTimeframe, BarTS: 8000,
		Kind: model.SignalKindClose, Direction: "sell", Source: StrategyKillSwitch,
		Payload: marshalPayload(map[string]any{
			"reason": "kill_switch", "account_id": "acct-1",
		}),
	})
	require.NoError(t, err)
	decision, _, err := env.decision.Evaluate(ctx, sig)
	require.NoError(t, err)

	orders, err := env.fanout.Dispatch(ctx, decision, sig, env.cfg.Bots[0])
	require.NoError(t, err)
	assert.Empty(t, orders)
	assert.Equal(t, 0, env.connector.placedCount())
}

func TestDispatchNoActiveAccounts(t *testing.T) {
	cfg := testConfig()
	env := newTestEnv(t, cfg)
	ctx := context.Background()

	sig := env.newSignal(t, 1000, 0.6)
	decision := openDecision(t, env, sig)

	cfg.Accounts[0].Active = false
	_, err := env.fanout.Dispatch(ctx, decision, sig, cfg.Bots[0])
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoActiveAccounts))
}
