package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"tradeflow/internal/broker"
	"tradeflow/internal/config"
	"tradeflow/internal/market"
	"tradeflow/internal/pkg/circuit"
	"tradeflow/internal/store/auditlog"
	"tradeflow/internal/store/gormstore"
	"tradeflow/internal/store/model"
)

// stubConnector records calls and can fail a configurable number of times
// before succeeding.
type stubConnector struct {
	mu          sync.Mutex
	placeErrs   []error
	placed      []broker.OrderRequest
	modified    []stopChange
	canceled    []string
	handlers    []broker.FillHandler
	fillOnPlace bool
	fillPrice   decimal.Decimal
}

type stopChange struct {
	AccountID string
	Symbol    string
	Stop      decimal.Decimal
}

func (c *stubConnector) OnFill(h broker.FillHandler) {
	c.mu.Lock()
	c.handlers = append(c.handlers, h)
	c.mu.Unlock()
}

func (c *stubConnector) PlaceOrder(_ context.Context, req broker.OrderRequest) (broker.Ack, error) {
	c.mu.Lock()
	if len(c.placeErrs) > 0 {
		err := c.placeErrs[0]
		c.placeErrs = c.placeErrs[1:]
		c.mu.Unlock()
		return broker.Ack{}, err
	}
	c.placed = append(c.placed, req)
	fill := c.fillOnPlace
	price := c.fillPrice
	handlers := append([]broker.FillHandler(nil), c.handlers...)
	c.mu.Unlock()

	if fill {
		f := broker.Fill{
			ExecID:        uuid.NewString(),
			ClientOrderID: req.ClientOrderID,
			AccountID:     req.AccountID,
			Symbol:        req.Symbol,
			Side:          req.Side,
			Quantity:      req.Quantity,
			Price:         price,
			At:            time.Now(),
		}
		for _, h := range handlers {
			h(f)
		}
	}
	return broker.Ack{BrokerOrderID: "stub-" + req.ClientOrderID}, nil
}

func (c *stubConnector) ModifyStop(_ context.Context, accountID, symbol string, newStop decimal.Decimal) error {
	c.mu.Lock()
	c.modified = append(c.modified, stopChange{accountID, symbol, newStop})
	c.mu.Unlock()
	return nil
}

func (c *stubConnector) CancelOrder(_ context.Context, _, clientOrderID string) error {
	c.mu.Lock()
	c.canceled = append(c.canceled, clientOrderID)
	c.mu.Unlock()
	return nil
}

func (c *stubConnector) placedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.placed)
}

func testConfig() *config.Config {
	return &config.Config{
		LogLevel: "error",
		Engine: config.EngineConfig{
			ScanInterval:           "45s",
			GuardInterval:          "60s",
			StaleOrderTimeout:      "3m",
			CandleLookback:         60,
			KillSwitchConfirmTicks: 2,
			TrailingActivationATR:  1.0,
			TrailingDistanceATR:    1.5,
			ATRPeriod:              3,
			DispatchMaxAttempts:    3,
			DispatchBackoffMin:     "1ms",
			DispatchBackoffMax:     "2ms",
			BreakerThreshold:       100,
			BreakerTimeout:         "1s",
		},
		Accounts: []config.AccountConfig{
			{ID: "acct-1", Broker: "paper", Active: true, Equity: 100000, Leverage: 1},
		},
		Bots: []config.BotConfig{
			{
				ID:                "bot-1",
				AccountIDs:        []string{"acct-1"},
				EngineMode:        "scalper",
				Symbol:            "ETHUSDT",
				DefaultTimeframe:  "5m",
				EnabledStrategies: []string{"stub"},
				AutoTrade:         true,
				Status:            "active",
				Risk: config.RiskConfig{
					DecisionMinScore:       0.5,
					MaxConcurrentPositions: 2,
					MaxPositionsPerSymbol:  1,
					MaxTradesPerDay:        10,
					KillSwitchThresholdPct: 2,
					DefaultQty:             0.05,
					StopATRMult:            1.5,
					TakeProfitATRMult:      3,
				},
			},
		},
	}
}

type testEnv struct {
	cfg       *config.Config
	watcher   *config.Watcher
	store     *gormstore.Store
	audit     *auditlog.Store
	source    *market.StaticSource
	connector *stubConnector
	tracker   *Tracker
	decision  *DecisionEngine
	fanout    *Fanout
}

func newTestEnv(t *testing.T, cfg *config.Config) *testEnv {
	t.Helper()
	dir := t.TempDir()
	store, err := gormstore.New(filepath.Join(dir, "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	audit, err := auditlog.New(filepath.Join(dir, "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { audit.Close() })

	source := market.NewStaticSource()
	source.SetPrice("ETHUSDT", 2000)
	watcher := config.NewWatcher("", cfg)
	connector := &stubConnector{fillPrice: decimal.NewFromInt(2000)}
	breaker := circuit.NewCircuitBreaker("test", cfg.Engine.BreakerThreshold, cfg.Engine.BreakerTimeoutDuration())

	tracker := NewTracker(store, audit)
	connector.OnFill(func(f broker.Fill) {
		_ = tracker.RecordFill(context.Background(), f)
	})

	env := &testEnv{
		cfg:       cfg,
		watcher:   watcher,
		store:     store,
		audit:     audit,
		source:    source,
		connector: connector,
		tracker:   tracker,
	}
	env.decision = NewDecisionEngine(store, audit, source, watcher)
	env.fanout = NewFanout(store, audit, connector, breaker, source, watcher)
	return env
}

func (e *testEnv) newSignal(t *testing.T, barTS int64, score float64) model.SignalModel {
	t.Helper()
	sig, _, err := e.store.GetOrCreateSignal(context.Background(), model.SignalModel{
		BotID:      "bot-1",
		Symbol:     "ETHUSDT",
		StrategyID: "stub",
		Timeframe:  "5m",
		BarTS:      barTS,
		Kind:       model.SignalKindEntry,
		Direction:  "buy",
		Score:      score,
		Source:     "detector",
		Payload: marshalPayload(map[string]any{
			"stop_loss":   1950.0,
			"take_profit": 2100.0,
		}),
	})
	require.NoError(t, err)
	return sig
}

func (e *testEnv) openPosition(t *testing.T, accountID, symbol string, qty, entry float64) model.PositionModel {
	t.Helper()
	pos := model.PositionModel{
		AccountID:     accountID,
		Symbol:        symbol,
		BotID:         "bot-1",
		NetQty:        decimal.NewFromFloat(qty),
		AvgEntryPrice: decimal.NewFromFloat(entry),
		OpenedAt:      time.Now().Unix(),
	}
	require.NoError(t, e.store.SavePosition(context.Background(), &pos))
	return pos
}
