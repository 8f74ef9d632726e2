package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OrderSide represents the side of an order (BUY or SELL).
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// Opposite returns the closing side for a position opened on this side.
func (s OrderSide) Opposite() OrderSide {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderStyle selects how an intent is turned into a broker order.
// StyleAuto lets the router decide between market and limit.
type OrderStyle string

const (
	StyleAuto   OrderStyle = "auto"
	StyleMarket OrderStyle = "market"
	StyleLimit  OrderStyle = "limit"
)

// Priority orders intents inside the queue. High-priority intents are
// inserted at the front and considered first within a symbol group.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// String returns the string representation of the Priority.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// OrderIntent is a caller's request to trade a quantity of a symbol.
// It is not yet a broker order and is immutable once created.
type OrderIntent struct {
	ID            string        // Generated intent id
	Symbol        string        // Trading symbol (equity or derivative contract)
	Quantity      int64         // Units to trade, always positive
	Side          OrderSide     // BUY or SELL
	Style         OrderStyle    // Desired order style (auto, market, limit)
	ExpectedPrice float64       // Optional, used for slippage accounting only
	Priority      Priority      // Queue priority
	MaxWait       time.Duration // Ceiling on how long the intent may wait/poll
}

// NewOrderIntent builds a validated intent with a generated id.
func NewOrderIntent(symbol string, quantity int64, side OrderSide, style OrderStyle, expectedPrice float64, priority Priority, maxWait time.Duration) (OrderIntent, error) {
	if symbol == "" {
		return OrderIntent{}, fmt.Errorf("intent symbol must not be empty")
	}
	if quantity <= 0 {
		return OrderIntent{}, fmt.Errorf("intent quantity must be positive, got %d", quantity)
	}
	if side != Buy && side != Sell {
		return OrderIntent{}, fmt.Errorf("invalid order side %q", side)
	}
	switch style {
	case StyleAuto, StyleMarket, StyleLimit:
	default:
		return OrderIntent{}, fmt.Errorf("invalid order style %q", style)
	}
	if maxWait <= 0 {
		return OrderIntent{}, fmt.Errorf("intent max wait must be positive")
	}
	return OrderIntent{
		ID:            uuid.NewString(),
		Symbol:        symbol,
		Quantity:      quantity,
		Side:          side,
		Style:         style,
		ExpectedPrice: expectedPrice,
		Priority:      priority,
		MaxWait:       maxWait,
	}, nil
}

// ExecutionResult is produced once per intent (or once per retained
// partial fill) and then discarded. It is not persisted.
type ExecutionResult struct {
	Success        bool
	IntentID       string
	Symbol         string
	Side           OrderSide
	OrderID        string
	FillPrice      float64
	FilledQuantity int64
	RequestedQty   int64
	Style          OrderStyle // Style actually used, regardless of the desired one
	SpreadPct      float64    // Spread percent observed at routing time
	MidPrice       float64    // Mid price observed at routing time
	Partial        bool       // Accepted fill covered less than the full quantity
	Err            error      // Set on failure
}

// FillPercent reports how much of the requested quantity executed.
func (r ExecutionResult) FillPercent() float64 {
	if r.RequestedQty == 0 {
		return 0
	}
	return float64(r.FilledQuantity) / float64(r.RequestedQty) * 100
}

// QueuedStatus tracks the lifecycle of an intent inside the order queue.
type QueuedStatus string

const (
	StatusQueued    QueuedStatus = "queued"
	StatusExecuting QueuedStatus = "executing"
	StatusCompleted QueuedStatus = "completed"
	StatusFailed    QueuedStatus = "failed"
	StatusExpired   QueuedStatus = "expired"
)

// QueuedOrder is an OrderIntent owned by the queue for its lifetime.
type QueuedOrder struct {
	Intent     OrderIntent
	EnqueuedAt time.Time
	Status     QueuedStatus
	LastError  string // Set when a batch execution attempt failed
}

// ExpiredAt reports whether the order has outlived its own max wait.
func (q *QueuedOrder) ExpiredAt(now time.Time) bool {
	return now.Sub(q.EnqueuedAt) > q.Intent.MaxWait
}
