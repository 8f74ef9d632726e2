package execution

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderpilot/internal/domain"
	"orderpilot/internal/ports"
)

func testRouter(t *testing.T, broker *mockBroker, cfg RouterConfig) *Router {
	t.Helper()
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Millisecond
	}
	if cfg.MarketFillTimeout == 0 {
		cfg.MarketFillTimeout = 100 * time.Millisecond
	}
	r, err := NewRouter(broker, testRetry(t), nil, &mockLogger{}, cfg)
	require.NoError(t, err)
	return r
}

func testIntent(t *testing.T, qty int64, side domain.OrderSide, style domain.OrderStyle) domain.OrderIntent {
	t.Helper()
	intent, err := domain.NewOrderIntent("ETHUSDT", qty, side, style, 0, domain.PriorityNormal, 100*time.Millisecond)
	require.NoError(t, err)
	return intent
}

func TestDecideStyle(t *testing.T) {
	r := testRouter(t, &mockBroker{}, RouterConfig{})

	tests := []struct {
		name      string
		symbol    string
		qty       int64
		style     domain.OrderStyle
		spreadPct float64
		want      domain.OrderStyle
	}{
		{name: "wide spread forces limit", symbol: "ETHUSDT", qty: 10, style: domain.StyleAuto, spreadPct: 0.8, want: domain.StyleLimit},
		{name: "large order forces limit", symbol: "ETHUSDT", qty: 150, style: domain.StyleAuto, spreadPct: 0.1, want: domain.StyleLimit},
		{name: "small tight equity order goes market", symbol: "ETHUSDT", qty: 50, style: domain.StyleAuto, spreadPct: 0.1, want: domain.StyleMarket},
		{name: "derivative contract forces limit", symbol: "AAPL260320C00190000", qty: 5, style: domain.StyleAuto, spreadPct: 0.1, want: domain.StyleLimit},
		{name: "explicit market wins over wide spread", symbol: "ETHUSDT", qty: 10, style: domain.StyleMarket, spreadPct: 2.0, want: domain.StyleMarket},
		{name: "explicit limit is honored", symbol: "ETHUSDT", qty: 10, style: domain.StyleLimit, spreadPct: 0.01, want: domain.StyleLimit},
		{name: "boundary spread stays market", symbol: "ETHUSDT", qty: 10, style: domain.StyleAuto, spreadPct: 0.5, want: domain.StyleMarket},
		{name: "boundary quantity stays market", symbol: "ETHUSDT", qty: 100, style: domain.StyleAuto, spreadPct: 0.1, want: domain.StyleMarket},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			intent := domain.OrderIntent{Symbol: tt.symbol, Quantity: tt.qty, Style: tt.style}
			assert.Equal(t, tt.want, r.decideStyle(intent, tt.spreadPct))
		})
	}
}

func TestLimitPrice_BiasStaysInsideSpread(t *testing.T) {
	r := testRouter(t, &mockBroker{}, RouterConfig{})
	quote := &ports.Quote{Bid: 100.0, Ask: 101.0}
	mid := 100.5

	buy := r.limitPrice(domain.Buy, quote, mid)
	assert.InDelta(t, 100.8, buy, 1e-9, "buy biased 30%% of the spread above mid")
	assert.LessOrEqual(t, buy, quote.Ask)

	sell := r.limitPrice(domain.Sell, quote, mid)
	assert.InDelta(t, 100.2, sell, 1e-9)
	assert.GreaterOrEqual(t, sell, quote.Bid)
}

func TestRoute_MarketHappyPath(t *testing.T) {
	broker := &mockBroker{}
	broker.getOrderFn = func(symbol, orderID string) (*ports.Order, error) {
		return &ports.Order{ID: orderID, Symbol: symbol, Status: ports.OrderStatusFilled, Quantity: 50, FilledQty: 50, FilledAvgPrice: 100.05}, nil
	}
	r := testRouter(t, broker, RouterConfig{})

	result := r.Route(context.Background(), testIntent(t, 50, domain.Buy, domain.StyleAuto))

	require.True(t, result.Success)
	assert.Equal(t, domain.StyleMarket, result.Style)
	assert.Equal(t, int64(50), result.FilledQuantity)
	assert.Equal(t, 100.05, result.FillPrice)
	assert.False(t, result.Partial)
	assert.Equal(t, "ETHUSDT", result.Symbol)
	assert.Equal(t, 1, broker.marketCallCount())
	assert.Equal(t, 0, broker.limitCallCount())
}

func TestRoute_QuoteFailurePropagates(t *testing.T) {
	broker := &mockBroker{}
	broker.quoteFn = func(symbol string) (*ports.Quote, error) {
		return nil, fmt.Errorf("GetLatestQuote failed: %w", ports.ErrInvalidSymbol)
	}
	r := testRouter(t, broker, RouterConfig{})

	result := r.Route(context.Background(), testIntent(t, 10, domain.Buy, domain.StyleAuto))

	assert.False(t, result.Success)
	assert.True(t, errors.Is(result.Err, ports.ErrInvalidSymbol))
	assert.Equal(t, 0, broker.marketCallCount())
}

func TestRoute_TransientQuoteErrorIsRetried(t *testing.T) {
	broker := &mockBroker{}
	quoteCalls := 0
	broker.quoteFn = func(symbol string) (*ports.Quote, error) {
		quoteCalls++
		if quoteCalls == 1 {
			return nil, fmt.Errorf("GetLatestQuote failed: %w", ports.ErrRateLimited)
		}
		return &ports.Quote{Bid: 100.0, Ask: 100.1}, nil
	}
	r := testRouter(t, broker, RouterConfig{})

	result := r.Route(context.Background(), testIntent(t, 10, domain.Buy, domain.StyleAuto))

	require.True(t, result.Success)
	assert.Equal(t, 2, quoteCalls)
}

func TestRoute_TerminalFillWithoutQuantityCountsAsFull(t *testing.T) {
	broker := &mockBroker{}
	broker.getOrderFn = func(symbol, orderID string) (*ports.Order, error) {
		// The venue reports the order filled but omits the executed quantity.
		return &ports.Order{ID: orderID, Symbol: symbol, Status: ports.OrderStatusFilled, FilledAvgPrice: 100.05}, nil
	}
	r := testRouter(t, broker, RouterConfig{})

	result := r.Route(context.Background(), testIntent(t, 50, domain.Buy, domain.StyleAuto))

	require.True(t, result.Success)
	assert.Equal(t, int64(50), result.FilledQuantity)
	assert.False(t, result.Partial)
}

func TestRoute_PartialFillAcceptedAtThreshold(t *testing.T) {
	broker := &mockBroker{}
	broker.getOrderFn = func(symbol, orderID string) (*ports.Order, error) {
		return &ports.Order{ID: orderID, Symbol: symbol, Status: ports.OrderStatusPartiallyFilled, Quantity: 100, FilledQty: 85, FilledAvgPrice: 100.02}, nil
	}
	r := testRouter(t, broker, RouterConfig{})

	result := r.Route(context.Background(), testIntent(t, 100, domain.Buy, domain.StyleMarket))

	require.True(t, result.Success)
	assert.True(t, result.Partial)
	assert.Equal(t, int64(85), result.FilledQuantity)
	assert.InDelta(t, 85.0, result.FillPercent(), 1e-9)
	// The remainder must not be left resting.
	assert.Equal(t, 1, broker.cancelCount())
}

func TestRoute_LimitUnfilledFallsBackToMarket(t *testing.T) {
	broker := &mockBroker{}
	broker.quoteFn = func(symbol string) (*ports.Quote, error) {
		// 1% spread forces the limit path for auto styles.
		return &ports.Quote{Bid: 100.0, Ask: 101.0}, nil
	}
	broker.getOrderFn = func(symbol, orderID string) (*ports.Order, error) {
		if orderID == "order-1" {
			// The resting limit order never fills.
			return &ports.Order{ID: orderID, Symbol: symbol, Status: ports.OrderStatusNew, Quantity: 10}, nil
		}
		return &ports.Order{ID: orderID, Symbol: symbol, Status: ports.OrderStatusFilled, Quantity: 10, FilledQty: 10, FilledAvgPrice: 100.6}, nil
	}
	r := testRouter(t, broker, RouterConfig{})

	intent, err := domain.NewOrderIntent("ETHUSDT", 10, domain.Buy, domain.StyleAuto, 0, domain.PriorityNormal, 20*time.Millisecond)
	require.NoError(t, err)

	result := r.Route(context.Background(), intent)

	require.True(t, result.Success)
	assert.Equal(t, domain.StyleMarket, result.Style, "fallback path decides the final style")
	assert.Equal(t, 1, broker.limitCallCount())
	assert.Equal(t, 1, broker.marketCallCount())
	// The unfilled limit order was cancelled before falling back.
	assert.GreaterOrEqual(t, broker.cancelCount(), 1)
}

func TestRoute_MarketZeroFillFailsStructured(t *testing.T) {
	broker := &mockBroker{}
	broker.getOrderFn = func(symbol, orderID string) (*ports.Order, error) {
		return &ports.Order{ID: orderID, Symbol: symbol, Status: ports.OrderStatusNew, Quantity: 10}, nil
	}
	r := testRouter(t, broker, RouterConfig{MarketFillTimeout: 15 * time.Millisecond})

	result := r.Route(context.Background(), testIntent(t, 10, domain.Sell, domain.StyleMarket))

	assert.False(t, result.Success)
	require.Error(t, result.Err)
	assert.Contains(t, result.Err.Error(), "not filled within")
}

func TestRoute_PollErrorsAreReCheckedUntilFill(t *testing.T) {
	broker := &mockBroker{}
	polls := 0
	broker.getOrderFn = func(symbol, orderID string) (*ports.Order, error) {
		polls++
		if polls < 3 {
			return nil, fmt.Errorf("GetOrder failed: %w", ports.ErrConnectionFailed)
		}
		return &ports.Order{ID: orderID, Symbol: symbol, Status: ports.OrderStatusFilled, Quantity: 10, FilledQty: 10, FilledAvgPrice: 100.0}, nil
	}
	r := testRouter(t, broker, RouterConfig{})

	result := r.Route(context.Background(), testIntent(t, 10, domain.Buy, domain.StyleMarket))

	require.True(t, result.Success)
	assert.GreaterOrEqual(t, polls, 3)
}

func TestRoute_ForwardsCostRecord(t *testing.T) {
	broker := &mockBroker{}
	broker.getOrderFn = func(symbol, orderID string) (*ports.Order, error) {
		return &ports.Order{ID: orderID, Symbol: symbol, Status: ports.OrderStatusFilled, Quantity: 10, FilledQty: 10, FilledAvgPrice: 101.0}, nil
	}
	recorder := &mockCostRecorder{}
	r, err := NewRouter(broker, testRetry(t), recorder, &mockLogger{}, RouterConfig{PollInterval: time.Millisecond})
	require.NoError(t, err)

	intent, err := domain.NewOrderIntent("ETHUSDT", 10, domain.Buy, domain.StyleMarket, 100.0, domain.PriorityNormal, 100*time.Millisecond)
	require.NoError(t, err)

	result := r.Route(context.Background(), intent)
	require.True(t, result.Success)

	require.Len(t, recorder.records, 1)
	rec := recorder.records[0]
	assert.Equal(t, intent.ID, rec.IntentID)
	assert.Equal(t, 100.0, rec.ExpectedPrice)
	assert.Equal(t, 101.0, rec.FillPrice)
	assert.InDelta(t, 1.0, rec.SlippagePct, 1e-9)
}

type mockCostRecorder struct {
	records []*ports.CostRecord
	err     error
}

func (m *mockCostRecorder) Record(ctx context.Context, rec *ports.CostRecord) error {
	if m.err != nil {
		return m.err
	}
	m.records = append(m.records, rec)
	return nil
}
