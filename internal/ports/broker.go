package ports

import (
	"context"
	"time"

	"orderpilot/internal/domain"
)

// OrderStatus is the broker-reported lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "new"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCanceled        OrderStatus = "canceled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusExpired         OrderStatus = "expired"
)

// Terminal reports whether the status ends an order's lifecycle.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// TimeInForce bounds how long a resting order stays live at the venue.
type TimeInForce string

const (
	TIFDay TimeInForce = "DAY"
	TIFGTC TimeInForce = "GTC"
	TIFIOC TimeInForce = "IOC"
)

// Order is the broker's view of a submitted order.
type Order struct {
	ID             string
	Symbol         string
	Side           domain.OrderSide
	Status         OrderStatus
	Quantity       int64   // Original quantity requested
	FilledQty      int64   // Quantity filled so far
	FilledAvgPrice float64 // Average fill price (0 until first fill)
	LimitPrice     float64 // Resting price for limit orders
	SubmittedAt    time.Time
}

// Quote is the latest bid/ask for a symbol.
type Quote struct {
	Bid float64
	Ask float64
}

// TickHandler receives live price updates for a symbol.
type TickHandler func(symbol string, price float64)

// BrokerGateway defines the single synchronous order operations executed
// against the remote venue. Implementations translate venue errors into the
// sentinel errors of this package at the boundary.
type BrokerGateway interface {
	// PlaceMarketOrder submits a market order.
	PlaceMarketOrder(ctx context.Context, symbol string, qty int64, side domain.OrderSide, tif TimeInForce) (*Order, error)

	// PlaceLimitOrder submits a limit order at the given price.
	PlaceLimitOrder(ctx context.Context, symbol string, qty int64, side domain.OrderSide, price float64, tif TimeInForce) (*Order, error)

	// CancelOrder cancels an open order by its ID.
	CancelOrder(ctx context.Context, symbol, orderID string) error

	// GetOrder fetches the current status and fill progress of an order.
	GetOrder(ctx context.Context, symbol, orderID string) (*Order, error)

	// GetLatestQuote fetches the current bid/ask for a symbol.
	GetLatestQuote(ctx context.Context, symbol string) (*Quote, error)

	// StreamTicks starts live price streams for the given symbols.
	// Returns channels to observe and stop the stream, mirroring the
	// lifecycle of a reconnecting WebSocket session.
	StreamTicks(ctx context.Context, symbols []string, handler TickHandler, errHandler func(error)) (doneCh chan struct{}, stopCh chan struct{}, err error)
}
