package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradeflow/internal/logger"
	"tradeflow/internal/market"
)

// PaperConnector simulates a brokerage: it acks every valid order and fills
// it in full at the latest market price. Stops are tracked in memory so
// ModifyStop behaves like a real venue.
type PaperConnector struct {
	source market.Source

	mu       sync.Mutex
	handlers []FillHandler
	stops    map[string]decimal.Decimal // accountID|symbol -> stop
	acked    map[string]Ack             // clientOrderID -> ack
}

func NewPaperConnector(source market.Source) *PaperConnector {
	return &PaperConnector{
		source: source,
		stops:  make(map[string]decimal.Decimal),
		acked:  make(map[string]Ack),
	}
}

func (p *PaperConnector) OnFill(handler FillHandler) {
	if handler == nil {
		return
	}
	p.mu.Lock()
	p.handlers = append(p.handlers, handler)
	p.mu.Unlock()
}

func (p *PaperConnector) PlaceOrder(ctx context.Context, req OrderRequest) (Ack, error) {
	if err := ValidateRiskParameters(req); err != nil {
		return Ack{}, err
	}
	if req.Quantity.LessThanOrEqual(decimal.Zero) {
		return Ack{}, fmt.Errorf("paper: quantity must be positive, got %s", req.Quantity)
	}

	// Re-sending the same client order id returns the original ack instead
	// of filling twice.
	p.mu.Lock()
	if ack, ok := p.acked[req.ClientOrderID]; ok {
		p.mu.Unlock()
		return ack, nil
	}
	p.mu.Unlock()

	price, err := p.source.LatestPrice(ctx, req.Symbol)
	if err != nil {
		return Ack{}, Retryable(fmt.Errorf("paper: price for %s: %w", req.Symbol, err))
	}

	ack := Ack{BrokerOrderID: "paper-" + uuid.NewString()}
	p.mu.Lock()
	p.acked[req.ClientOrderID] = ack
	if req.StopLoss.Valid {
		p.stops[stopKey(req.AccountID, req.Symbol)] = req.StopLoss.Decimal
	}
	handlers := append([]FillHandler(nil), p.handlers...)
	p.mu.Unlock()

	fill := Fill{
		ExecID:        uuid.NewString(),
		ClientOrderID: req.ClientOrderID,
		AccountID:     req.AccountID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Quantity:      req.Quantity,
		Price:         decimal.NewFromFloat(price),
		At:            time.Now(),
	}
	for _, h := range handlers {
		h(fill)
	}
	logger.Debugf("paper: filled %s %s %s @ %s", req.Side, req.Quantity, req.Symbol, fill.Price)
	return ack, nil
}

func (p *PaperConnector) ModifyStop(_ context.Context, accountID, symbol string, newStop decimal.Decimal) error {
	if newStop.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("paper: stop must be positive, got %s", newStop)
	}
	p.mu.Lock()
	p.stops[stopKey(accountID, symbol)] = newStop
	p.mu.Unlock()
	return nil
}

func (p *PaperConnector) CancelOrder(_ context.Context, accountID, clientOrderID string) error {
	p.mu.Lock()
	delete(p.acked, clientOrderID)
	p.mu.Unlock()
	logger.Debugf("paper: canceled %s for account %s", clientOrderID, accountID)
	return nil
}

// Stop returns the tracked stop for (account, symbol), for tests.
func (p *PaperConnector) Stop(accountID, symbol string) (decimal.Decimal, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	stop, ok := p.stops[stopKey(accountID, symbol)]
	return stop, ok
}

func stopKey(accountID, symbol string) string {
	return accountID + "|" + symbol
}
