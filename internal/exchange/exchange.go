// Package exchange provides the Binance USDT-M futures client and the
// shared request gate. All exchange I/O in the agent goes through the
// Exchange interface so the core logic never touches HTTP directly.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rrychs1/paisajes-de-poincare/pkg/types"
)

// Exchange is the trading surface consumed by the executor, the transition
// coordinator, the risk engine and the data engine.
type Exchange interface {
	FetchOpenOrders(ctx context.Context, symbol string) ([]*types.Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	CreateOrder(ctx context.Context, req *OrderRequest) (*types.Order, error)
	FetchPositions(ctx context.Context, symbol string) ([]*types.Position, error)
	FetchBalance(ctx context.Context) (map[string]types.Balance, error)
	FetchMyTrades(ctx context.Context, symbol string, since time.Time, limit int) ([]*types.Trade, error)
	FetchCandles(ctx context.Context, symbol, timeframe string, since time.Time, limit int) ([]types.Candle, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetMarginType(ctx context.Context, symbol string, marginType types.MarginType) error
	PriceToPrecision(symbol string, price decimal.Decimal) decimal.Decimal
	QuantityToPrecision(symbol string, qty decimal.Decimal) decimal.Decimal
}

// OrderRequest describes an order to be placed.
type OrderRequest struct {
	Symbol        string
	Side          types.OrderSide
	Type          types.OrderType
	Quantity      decimal.Decimal
	Price         decimal.Decimal // limit orders
	StopPrice     decimal.Decimal // stop and take-profit orders
	CallbackRate  decimal.Decimal // trailing stops, percent in [0.1, 5]
	ReduceOnly    bool
	TimeInForce   string
	ClientOrderID string
}

// APIError is an error response from the exchange.
type APIError struct {
	Status  int    // HTTP status
	Code    int    // exchange error code, zero when absent
	Message string
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("exchange: status %d code %d: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("exchange: status %d: %s", e.Status, e.Message)
}

// Exchange error codes that indicate a retryable condition.
const (
	codeDisconnected   = -1001
	codeTooManyRequest = -1003
	codeTimeout        = -1007
	codeNoNeedToChange = -4046 // margin type already set
)

// IsTransient reports whether an error is worth retrying: network failures,
// timeouts, rate limiting and server-side errors. Validation and permission
// errors are not transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Status == 408 || apiErr.Status == 418 || apiErr.Status == 429:
			return true
		case apiErr.Status >= 500:
			return true
		case apiErr.Code == codeDisconnected || apiErr.Code == codeTooManyRequest || apiErr.Code == codeTimeout:
			return true
		}
		return false
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
