package execution

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"orderpilot/internal/domain"
	"orderpilot/internal/ports"
)

// Mock implementations

type mockLogger struct {
	mu        sync.Mutex
	debugMsgs []string
	infoMsgs  []string
	warnMsgs  []string
	errorMsgs []string
}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.debugMsgs = append(m.debugMsgs, msg)
}

func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.infoMsgs = append(m.infoMsgs, msg)
}

func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warnMsgs = append(m.warnMsgs, msg)
}

func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorMsgs = append(m.errorMsgs, msg)
}

type placedOrder struct {
	symbol string
	qty    int64
	side   domain.OrderSide
	price  float64
}

// mockBroker records calls and delegates behavior to overridable function
// fields. Unset functions fall back to simple defaults: placed orders are
// remembered and reported fully filled at 100.05 on the next status poll.
type mockBroker struct {
	mu          sync.Mutex
	marketCalls []placedOrder
	limitCalls  []placedOrder
	cancelCalls []string
	nextID      int
	orders      map[string]*ports.Order

	quoteFn       func(symbol string) (*ports.Quote, error)
	placeMarketFn func(symbol string, qty int64, side domain.OrderSide) (*ports.Order, error)
	placeLimitFn  func(symbol string, qty int64, side domain.OrderSide, price float64) (*ports.Order, error)
	getOrderFn    func(symbol, orderID string) (*ports.Order, error)
	cancelFn      func(symbol, orderID string) error
}

func (m *mockBroker) newID() string {
	m.nextID++
	return fmt.Sprintf("order-%d", m.nextID)
}

// storeLocked remembers a default-placed order so GetOrder can report a
// consistent fill for it. Callers must hold m.mu.
func (m *mockBroker) storeLocked(order *ports.Order) *ports.Order {
	if m.orders == nil {
		m.orders = make(map[string]*ports.Order)
	}
	m.orders[order.ID] = order
	return order
}

func (m *mockBroker) GetLatestQuote(ctx context.Context, symbol string) (*ports.Quote, error) {
	m.mu.Lock()
	fn := m.quoteFn
	m.mu.Unlock()
	if fn != nil {
		return fn(symbol)
	}
	return &ports.Quote{Bid: 100.0, Ask: 100.1}, nil
}

func (m *mockBroker) PlaceMarketOrder(ctx context.Context, symbol string, qty int64, side domain.OrderSide, tif ports.TimeInForce) (*ports.Order, error) {
	m.mu.Lock()
	m.marketCalls = append(m.marketCalls, placedOrder{symbol: symbol, qty: qty, side: side})
	fn := m.placeMarketFn
	if fn != nil {
		m.mu.Unlock()
		return fn(symbol, qty, side)
	}
	order := m.storeLocked(&ports.Order{ID: m.newID(), Symbol: symbol, Side: side, Status: ports.OrderStatusNew, Quantity: qty})
	m.mu.Unlock()
	return order, nil
}

func (m *mockBroker) PlaceLimitOrder(ctx context.Context, symbol string, qty int64, side domain.OrderSide, price float64, tif ports.TimeInForce) (*ports.Order, error) {
	m.mu.Lock()
	m.limitCalls = append(m.limitCalls, placedOrder{symbol: symbol, qty: qty, side: side, price: price})
	fn := m.placeLimitFn
	if fn != nil {
		m.mu.Unlock()
		return fn(symbol, qty, side, price)
	}
	order := m.storeLocked(&ports.Order{ID: m.newID(), Symbol: symbol, Side: side, Status: ports.OrderStatusNew, Quantity: qty, LimitPrice: price})
	m.mu.Unlock()
	return order, nil
}

func (m *mockBroker) CancelOrder(ctx context.Context, symbol, orderID string) error {
	m.mu.Lock()
	m.cancelCalls = append(m.cancelCalls, orderID)
	fn := m.cancelFn
	m.mu.Unlock()
	if fn != nil {
		return fn(symbol, orderID)
	}
	return nil
}

func (m *mockBroker) GetOrder(ctx context.Context, symbol, orderID string) (*ports.Order, error) {
	m.mu.Lock()
	fn := m.getOrderFn
	stored := m.orders[orderID]
	m.mu.Unlock()
	if fn != nil {
		return fn(symbol, orderID)
	}
	if stored != nil {
		filled := *stored
		filled.Status = ports.OrderStatusFilled
		filled.FilledQty = filled.Quantity
		filled.FilledAvgPrice = 100.05
		return &filled, nil
	}
	return &ports.Order{ID: orderID, Symbol: symbol, Status: ports.OrderStatusFilled}, nil
}

func (m *mockBroker) StreamTicks(ctx context.Context, symbols []string, handler ports.TickHandler, errHandler func(error)) (chan struct{}, chan struct{}, error) {
	return make(chan struct{}), make(chan struct{}, 1), nil
}

func (m *mockBroker) marketCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.marketCalls)
}

func (m *mockBroker) limitCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.limitCalls)
}

func (m *mockBroker) cancelCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cancelCalls)
}

// Shared test helpers

func testRetry(t *testing.T) *Coordinator {
	t.Helper()
	c, err := NewCoordinator(RetryConfig{
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
		Factor:     2,
	}, &mockLogger{})
	if err != nil {
		t.Fatalf("failed to build retry coordinator: %v", err)
	}
	return c
}
