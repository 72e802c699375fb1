package exchange

import (
	"context"
	"time"
)

// Side represents order direction, using the venue wire values
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the closing side for a position opened with s
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType represents the venue order type
type OrderType string

const (
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeStopMarket OrderType = "STOP_MARKET"
	OrderTypeTakeProfit OrderType = "TAKE_PROFIT_MARKET"
)

// OrderStatus mirrors the venue lifecycle states
type OrderStatus string

const (
	OrderStatusNew            OrderStatus = "NEW"
	OrderStatusPartial        OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled         OrderStatus = "FILLED"
	OrderStatusCanceled       OrderStatus = "CANCELED"
	OrderStatusExpired        OrderStatus = "EXPIRED"
	OrderStatusRejected       OrderStatus = "REJECTED"
	OrderStatusExpiredInMatch OrderStatus = "EXPIRED_IN_MATCH"
)

// Terminal reports whether no further fills can arrive for this status
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusExpired, OrderStatusRejected, OrderStatusExpiredInMatch:
		return true
	}
	return false
}

// OrderRequest is a venue-agnostic order
type OrderRequest struct {
	Symbol        string    `json:"symbol"`
	Side          Side      `json:"side"`
	Type          OrderType `json:"type"`
	Quantity      float64   `json:"quantity"`
	Price         float64   `json:"price,omitempty"`
	StopPrice     float64   `json:"stop_price,omitempty"`
	ReduceOnly    bool      `json:"reduce_only,omitempty"`
	ClientOrderID string    `json:"client_order_id,omitempty"`
	Leverage      int       `json:"leverage,omitempty"`
}

// OrderAck is the venue's view of an order after placement or query
type OrderAck struct {
	OrderID     string      `json:"order_id"`
	Status      OrderStatus `json:"status"`
	ExecutedQty float64     `json:"executed_qty"`
	AvgPrice    float64     `json:"avg_price"`
}

// TradeResult is the outcome of a complete trade attempt
type TradeResult struct {
	Success        bool           `json:"success"`
	OrderID        string         `json:"order_id,omitempty"`
	FilledQuantity float64        `json:"filled_quantity"`
	AvgPrice       float64        `json:"avg_price"`
	Venue          string         `json:"venue"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// VenuePosition is a position as reported by the venue, used for reconciliation
type VenuePosition struct {
	Symbol     string  `json:"symbol"`
	Side       Side    `json:"side"`
	Quantity   float64 `json:"quantity"`
	EntryPrice float64 `json:"entry_price"`
}

// Adapter is the standard venue interface. One implementation per venue;
// the Router picks among them by universe membership.
type Adapter interface {
	Name() string
	ExecuteTrade(ctx context.Context, req OrderRequest) (*TradeResult, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderAck, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	QueryOrder(ctx context.Context, symbol, orderID string) (*OrderAck, error)
	GetBalance(ctx context.Context) (map[string]float64, error)
	GetPositions(ctx context.Context) ([]VenuePosition, error)
	Close() error
}

// Trade is a single trade-stream tick
type Trade struct {
	Symbol    string
	Price     float64
	Quantity  float64
	Timestamp time.Time
}
