package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// OrderRequest is the narrow order surface handed to a connector.
type OrderRequest struct {
	ClientOrderID string
	AccountID     string
	Symbol        string
	Side          string // buy | sell
	Quantity      decimal.Decimal
	StopLoss      decimal.NullDecimal
	TakeProfit    decimal.NullDecimal
	// ReduceOnly marks a close order; it is the single case allowed to
	// omit both stop loss and take profit.
	ReduceOnly bool
}

// Ack is the broker's acceptance of an order.
type Ack struct {
	BrokerOrderID string
}

// Fill is an inbound execution report.
type Fill struct {
	ExecID        string
	ClientOrderID string
	AccountID     string
	Symbol        string
	Side          string
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	Partial       bool
	At            time.Time
}

// FillHandler receives execution reports. Handlers must be fast; slow
// consumers fan out on their own goroutines.
type FillHandler func(Fill)

// Connector is one brokerage connection. Implementations must reject
// non-reduce-only orders missing stop loss or take profit with
// ErrMissingRiskParameters.
type Connector interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (Ack, error)
	ModifyStop(ctx context.Context, accountID, symbol string, newStop decimal.Decimal) error
	CancelOrder(ctx context.Context, accountID, clientOrderID string) error
	OnFill(handler FillHandler)
}

// ValidateRiskParameters applies the SL/TP presence rule shared by every
// connector: reduce-only (close) orders may carry null/null, everything else
// must carry both.
func ValidateRiskParameters(req OrderRequest) error {
	if req.ReduceOnly {
		return nil
	}
	if !req.StopLoss.Valid || !req.TakeProfit.Valid {
		return ErrMissingRiskParameters
	}
	return nil
}
