// Package types contains the shared domain types for the trading agent.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide represents the direction of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Opposite returns the other side.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderType represents the type of an order.
type OrderType string

const (
	OrderTypeMarket             OrderType = "market"
	OrderTypeLimit              OrderType = "limit"
	OrderTypeStopMarket         OrderType = "stop_market"
	OrderTypeTakeProfitMarket   OrderType = "take_profit_market"
	OrderTypeTrailingStopMarket OrderType = "trailing_stop_market"
)

// OrderStatus represents the status of an order.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "new"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCanceled        OrderStatus = "canceled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusExpired         OrderStatus = "expired"
)

// PositionSide represents the direction of a position.
type PositionSide string

const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
)

// Candle represents a single OHLCV candle.
type Candle struct {
	OpenTime time.Time       `json:"openTime"`
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	Volume   decimal.Decimal `json:"volume"`
}

// Strategy tags carried on signals and stored orders.
const (
	StrategyGrid     = "grid"
	StrategyTrend    = "trend"
	StrategyTrendDCA = "trend_dca"
)

// Signal represents an actionable order intent produced by a strategy.
type Signal struct {
	Symbol      string          `json:"symbol"`
	Side        OrderSide       `json:"side"`
	EntryPrice  decimal.Decimal `json:"entryPrice"`
	StopLoss    decimal.Decimal `json:"stopLoss"`
	TakeProfit  decimal.Decimal `json:"takeProfit,omitempty"` // zero means no target
	Quantity    decimal.Decimal `json:"quantity"`             // zero until sized
	Strategy    string          `json:"strategy,omitempty"`
	Type        OrderType       `json:"type"`
	TimeInForce string          `json:"timeInForce,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// NewSignal returns a limit GTC signal, the default produced by strategies.
func NewSignal(symbol string, side OrderSide, entry, stop decimal.Decimal) *Signal {
	return &Signal{
		Symbol:      symbol,
		Side:        side,
		EntryPrice:  entry,
		StopLoss:    stop,
		Type:        OrderTypeLimit,
		TimeInForce: "GTC",
		CreatedAt:   time.Now().UTC(),
	}
}

// Order represents an order as known to the exchange.
type Order struct {
	ID            string          `json:"id"`
	ClientOrderID string          `json:"clientOrderId,omitempty"`
	Symbol        string          `json:"symbol"`
	Side          OrderSide       `json:"side"`
	Type          OrderType       `json:"type"`
	Status        OrderStatus     `json:"status"`
	Price         decimal.Decimal `json:"price"`
	StopPrice     decimal.Decimal `json:"stopPrice,omitempty"`
	Quantity      decimal.Decimal `json:"quantity"`
	FilledQty     decimal.Decimal `json:"filledQty"`
	ReduceOnly    bool            `json:"reduceOnly"`
	TimeInForce   string          `json:"timeInForce,omitempty"`
	Strategy      string          `json:"strategy,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Age returns how long the order has been open relative to now.
// Orders without a creation timestamp report zero age.
func (o *Order) Age(now time.Time) time.Duration {
	if o.CreatedAt.IsZero() {
		return 0
	}
	return now.Sub(o.CreatedAt)
}

// Position represents an open futures position.
type Position struct {
	Symbol        string          `json:"symbol"`
	Side          PositionSide    `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"` // always positive
	EntryPrice    decimal.Decimal `json:"entryPrice"`
	MarkPrice     decimal.Decimal `json:"markPrice"`
	UnrealizedPnL decimal.Decimal `json:"unrealizedPnl"`
	Leverage      int             `json:"leverage,omitempty"`
	OpenedAt      time.Time       `json:"openedAt,omitempty"`
}

// IsFlat reports whether the position has no size.
func (p *Position) IsFlat() bool {
	return p == nil || p.Quantity.IsZero()
}

// CloseSide returns the order side that reduces the position.
func (p *Position) CloseSide() OrderSide {
	if p.Side == PositionSideLong {
		return OrderSideSell
	}
	return OrderSideBuy
}

// ReferencePrice returns the mark price when available, else the entry price.
func (p *Position) ReferencePrice() decimal.Decimal {
	if p.MarkPrice.IsPositive() {
		return p.MarkPrice
	}
	return p.EntryPrice
}

// Trade represents an executed fill reported by the exchange.
type Trade struct {
	ID          string          `json:"id"`
	OrderID     string          `json:"orderId,omitempty"`
	Symbol      string          `json:"symbol"`
	Side        OrderSide       `json:"side"`
	Price       decimal.Decimal `json:"price"`
	Quantity    decimal.Decimal `json:"quantity"`
	RealizedPnL decimal.Decimal `json:"realizedPnl"`
	Commission  decimal.Decimal `json:"commission"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Balance represents the account balance for a single asset.
type Balance struct {
	Asset     string          `json:"asset"`
	Total     decimal.Decimal `json:"total"`
	Available decimal.Decimal `json:"available"`
}

// MarginType represents the futures margin mode for a symbol.
type MarginType string

const (
	MarginTypeIsolated MarginType = "isolated"
	MarginTypeCrossed  MarginType = "crossed"
)
