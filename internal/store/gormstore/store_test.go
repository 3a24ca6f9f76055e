package gormstore

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeflow/internal/store/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testSignal(barTS int64) model.SignalModel {
	return model.SignalModel{
		BotID:      "bot-1",
		Symbol:     "ETHUSDT",
		StrategyID: "price_action_pinbar",
		Timeframe:  "5m",
		BarTS:      barTS,
		Kind:       model.SignalKindEntry,
		Direction:  "buy",
		Score:      0.6,
		Source:     "detector",
	}
}

func TestGetOrCreateSignalDedup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, created, err := s.GetOrCreateSignal(ctx, testSignal(1000))
	require.NoError(t, err)
	assert.True(t, created)
	require.NotZero(t, first.ID)

	// Replaying the same dedup key returns the persisted row.
	for i := 0; i < 3; i++ {
		again, created, err := s.GetOrCreateSignal(ctx, testSignal(1000))
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, first.ID, again.ID)
	}

	// A new bar is a new key.
	_, created, err = s.GetOrCreateSignal(ctx, testSignal(2000))
	require.NoError(t, err)
	assert.True(t, created)
}

func TestGetOrCreateSignalConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const callers = 8
	var wg sync.WaitGroup
	createdCount := make(chan bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, created, err := s.GetOrCreateSignal(ctx, testSignal(5000))
			assert.NoError(t, err)
			createdCount <- created
		}()
	}
	wg.Wait()
	close(createdCount)

	winners := 0
	for created := range createdCount {
		if created {
			winners++
		}
	}
	assert.Equal(t, 1, winners, "exactly one caller observes created=true")
}

func TestGetOrCreateDecisionIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sig, _, err := s.GetOrCreateSignal(ctx, testSignal(1000))
	require.NoError(t, err)

	first, created, err := s.GetOrCreateDecision(ctx, model.DecisionModel{
		SignalID: sig.ID, BotID: "bot-1", Symbol: "ETHUSDT",
		Direction: "buy", Action: model.ActionOpen, Reason: "accepted", Score: 0.6,
	})
	require.NoError(t, err)
	assert.True(t, created)

	// A retried evaluation with a different proposed outcome still gets the
	// original decision back.
	again, created, err := s.GetOrCreateDecision(ctx, model.DecisionModel{
		SignalID: sig.ID, BotID: "bot-1", Symbol: "ETHUSDT",
		Direction: "buy", Action: model.ActionIgnore, Reason: "score_below_threshold", Score: 0.6,
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, model.ActionOpen, again.Action)
}

func TestGetOrCreateOrderIdempotentPerAccount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := model.OrderModel{
		DecisionID:    42,
		AccountID:     "acct-1",
		ClientOrderID: "tf-abc",
		BotID:         "bot-1",
		Symbol:        "ETHUSDT",
		Side:          "buy",
		Quantity:      decimal.NewFromFloat(0.05),
	}
	first, created, err := s.GetOrCreateOrder(ctx, base)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, model.OrderStatusNew, first.Status)

	again, created, err := s.GetOrCreateOrder(ctx, base)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)

	other := base
	other.AccountID = "acct-2"
	other.ClientOrderID = "tf-def"
	_, created, err = s.GetOrCreateOrder(ctx, other)
	require.NoError(t, err)
	assert.True(t, created)

	orders, err := s.OrdersByDecision(ctx, 42)
	require.NoError(t, err)
	assert.Len(t, orders, 2)
}

func TestUpdateOrderStatusTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ord, _, err := s.GetOrCreateOrder(ctx, model.OrderModel{
		DecisionID: 1, AccountID: "acct-1", ClientOrderID: "tf-1",
		BotID: "bot-1", Symbol: "ETHUSDT", Side: "buy",
		Quantity: decimal.NewFromFloat(1),
	})
	require.NoError(t, err)

	require.NoError(t, s.UpdateOrderStatus(ctx, ord.ID, model.OrderStatusAck, ""))
	require.NoError(t, s.UpdateOrderStatus(ctx, ord.ID, model.OrderStatusFilled, ""))

	// filled is terminal.
	err = s.UpdateOrderStatus(ctx, ord.ID, model.OrderStatusCanceled, "")
	assert.Error(t, err)

	// Unknown status is rejected outright.
	err = s.UpdateOrderStatus(ctx, ord.ID, model.OrderStatus("weird"), "")
	assert.Error(t, err)

	loaded, err := s.GetOrder(ctx, ord.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusFilled, loaded.Status)
}

func TestAckOrderYieldsToAdvancedStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ord, _, err := s.GetOrCreateOrder(ctx, model.OrderModel{
		DecisionID: 1, AccountID: "acct-1", ClientOrderID: "tf-1",
		BotID: "bot-1", Symbol: "ETHUSDT", Side: "buy",
		Quantity: decimal.NewFromFloat(1),
	})
	require.NoError(t, err)

	acked, err := s.AckOrder(ctx, ord.ID)
	require.NoError(t, err)
	assert.True(t, acked)

	// A synchronous fill can land before the ack; the late ack must not
	// roll the status back.
	require.NoError(t, s.UpdateOrderStatus(ctx, ord.ID, model.OrderStatusFilled, ""))
	acked, err = s.AckOrder(ctx, ord.ID)
	require.NoError(t, err)
	assert.False(t, acked)

	loaded, err := s.GetOrder(ctx, ord.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusFilled, loaded.Status)
}

func TestListStaleOrders(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := model.OrderModel{
		DecisionID: 1, AccountID: "acct-1", ClientOrderID: "tf-old",
		BotID: "bot-1", Symbol: "ETHUSDT", Side: "buy",
		Quantity: decimal.NewFromFloat(1),
		CreatedAt: time.Now().Add(-10 * time.Minute).Unix(),
	}
	_, _, err := s.GetOrCreateOrder(ctx, old)
	require.NoError(t, err)

	fresh := old
	fresh.DecisionID = 2
	fresh.ClientOrderID = "tf-new"
	fresh.CreatedAt = time.Now().Unix()
	_, _, err = s.GetOrCreateOrder(ctx, fresh)
	require.NoError(t, err)

	stale, err := s.ListStaleOrders(ctx, time.Now().Add(-3*time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "tf-old", stale[0].ClientOrderID)
}

func TestInsertExecutionIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	exec := model.ExecutionModel{
		ExecID: "exec-1", OrderID: 7, AccountID: "acct-1", BotID: "bot-1",
		Symbol: "ETHUSDT", Side: "buy",
		FilledQty:   decimal.NewFromFloat(0.05),
		FilledPrice: decimal.NewFromFloat(2000),
	}
	created, err := s.InsertExecution(ctx, exec)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.InsertExecution(ctx, exec)
	require.NoError(t, err)
	assert.False(t, created, "replayed exec id is a no-op")
}

func TestPositionQueries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	open := model.PositionModel{
		AccountID: "acct-1", Symbol: "ETHUSDT", BotID: "bot-1",
		NetQty:        decimal.NewFromFloat(0.05),
		AvgEntryPrice: decimal.NewFromFloat(2000),
		OpenedAt:      time.Now().Unix(),
	}
	require.NoError(t, s.SavePosition(ctx, &open))

	closed := model.PositionModel{
		AccountID: "acct-1", Symbol: "BTCUSDT", BotID: "bot-1",
		NetQty:        decimal.Zero,
		AvgEntryPrice: decimal.NewFromFloat(50000),
		OpenedAt:      time.Now().Add(-time.Hour).Unix(),
		ClosedAt:      time.Now().Unix(),
	}
	require.NoError(t, s.SavePosition(ctx, &closed))

	got, found, err := s.GetOpenPosition(ctx, "acct-1", "ETHUSDT")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, open.ID, got.ID)

	_, found, err = s.GetOpenPosition(ctx, "acct-1", "BTCUSDT")
	require.NoError(t, err)
	assert.False(t, found, "closed positions are out of the open set")

	n, err := s.CountOpenPositionsByBot(ctx, "bot-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = s.CountOpenPositionsByBotSymbol(ctx, "bot-1", "ETHUSDT")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	blocked, err := s.HasOpenPositionInDirection(ctx, "bot-1", "ETHUSDT", "buy")
	require.NoError(t, err)
	assert.True(t, blocked)

	blocked, err = s.HasOpenPositionInDirection(ctx, "bot-1", "ETHUSDT", "sell")
	require.NoError(t, err)
	assert.False(t, blocked)
}

func TestAddRealizedPnLAccumulates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddRealizedPnL(ctx, "bot-1", "2026-08-31", decimal.NewFromFloat(12.5)))
	require.NoError(t, s.AddRealizedPnL(ctx, "bot-1", "2026-08-31", decimal.NewFromFloat(-2.5)))

	rec, found, err := s.GetDailyPnL(ctx, "bot-1", "2026-08-31")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, rec.Realized.Equal(decimal.NewFromFloat(10)), "got %s", rec.Realized)
	assert.Equal(t, 2, rec.ClosedCount)

	_, found, err = s.GetDailyPnL(ctx, "bot-1", "2026-09-01")
	require.NoError(t, err)
	assert.False(t, found)
}
