package execution

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderpilot/internal/domain"
	"orderpilot/internal/ports"
)

// filledBroker relies on the mock defaults: every placed order reports
// fully filled on the first status poll.
func filledBroker() *mockBroker {
	return &mockBroker{}
}

func testQueue(t *testing.T, broker *mockBroker, cfg QueueConfig, onDone ExecutionCallback) *Queue {
	t.Helper()
	router := testRouter(t, broker, RouterConfig{})
	if cfg.DrainInterval == 0 {
		cfg.DrainInterval = time.Millisecond
	}
	if cfg.OrderPacing == 0 {
		cfg.OrderPacing = time.Microsecond
	}
	q, err := NewQueue(router, &mockLogger{}, cfg, onDone)
	require.NoError(t, err)
	return q
}

func queuedIntent(t *testing.T, symbol string, qty int64, side domain.OrderSide, priority domain.Priority) domain.OrderIntent {
	t.Helper()
	intent, err := domain.NewOrderIntent(symbol, qty, side, domain.StyleAuto, 0, priority, time.Minute)
	require.NoError(t, err)
	return intent
}

func TestEnqueue_PriorityGoesToFront(t *testing.T) {
	q := testQueue(t, filledBroker(), QueueConfig{}, nil)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, queuedIntent(t, "ETHUSDT", 10, domain.Buy, domain.PriorityNormal))
	require.NoError(t, err)
	assert.Equal(t, 1, first.Position)

	second, err := q.Enqueue(ctx, queuedIntent(t, "BTCUSDT", 10, domain.Buy, domain.PriorityNormal))
	require.NoError(t, err)
	assert.Equal(t, 2, second.Position)

	urgent, err := q.Enqueue(ctx, queuedIntent(t, "SOLUSDT", 10, domain.Sell, domain.PriorityHigh))
	require.NoError(t, err)
	assert.Equal(t, 1, urgent.Position, "high priority inserts at the front")
	assert.Equal(t, 3, q.Len())
}

func TestEnqueue_RejectsNonPositiveQuantity(t *testing.T) {
	q := testQueue(t, filledBroker(), QueueConfig{}, nil)
	_, err := q.Enqueue(context.Background(), domain.OrderIntent{Symbol: "ETHUSDT", Quantity: 0})
	assert.Error(t, err)
}

func TestDrain_NetsOpposingIntents(t *testing.T) {
	broker := filledBroker()
	var results []domain.ExecutionResult
	q := testQueue(t, broker, QueueConfig{}, func(r domain.ExecutionResult) {
		results = append(results, r)
	})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, queuedIntent(t, "ETHUSDT", 100, domain.Buy, domain.PriorityNormal))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, queuedIntent(t, "ETHUSDT", 80, domain.Sell, domain.PriorityNormal))
	require.NoError(t, err)

	q.Drain(ctx)

	// |100-80| = 20 < 0.8*80, so one netted BUY 20 goes out.
	require.Equal(t, 1, broker.marketCallCount())
	broker.mu.Lock()
	call := broker.marketCalls[0]
	broker.mu.Unlock()
	assert.Equal(t, domain.Buy, call.side)
	assert.Equal(t, int64(20), call.qty)

	assert.Equal(t, 0, q.Len())
	require.Len(t, results, 2, "both source intents complete")
	for _, r := range results {
		assert.True(t, r.Success)
	}
}

func TestDrain_NettingAttributesFilledQuantity(t *testing.T) {
	broker := filledBroker()
	results := make(map[domain.OrderSide]domain.ExecutionResult)
	q := testQueue(t, broker, QueueConfig{}, func(r domain.ExecutionResult) {
		results[r.Side] = r
	})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, queuedIntent(t, "ETHUSDT", 100, domain.Buy, domain.PriorityNormal))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, queuedIntent(t, "ETHUSDT", 80, domain.Sell, domain.PriorityNormal))
	require.NoError(t, err)

	q.Drain(ctx)

	require.Len(t, results, 2)

	// Only the 20-lot net order reached the venue, so the buy must not be
	// credited with its full requested quantity.
	buy := results[domain.Buy]
	assert.True(t, buy.Success)
	assert.Equal(t, int64(20), buy.FilledQuantity)
	assert.Equal(t, int64(100), buy.RequestedQty)

	sell := results[domain.Sell]
	assert.True(t, sell.Success)
	assert.Zero(t, sell.FilledQuantity, "the netted-away side acquired nothing")
}

func TestDrain_PerfectNetSkipsBroker(t *testing.T) {
	broker := filledBroker()
	var results []domain.ExecutionResult
	q := testQueue(t, broker, QueueConfig{}, func(r domain.ExecutionResult) {
		results = append(results, r)
	})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, queuedIntent(t, "ETHUSDT", 100, domain.Buy, domain.PriorityNormal))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, queuedIntent(t, "ETHUSDT", 100, domain.Sell, domain.PriorityNormal))
	require.NoError(t, err)

	q.Drain(ctx)

	assert.Equal(t, 0, broker.marketCallCount(), "perfectly offsetting intents never reach the venue")
	assert.Equal(t, 0, broker.limitCallCount())
	assert.Equal(t, 0, q.Len())
	require.Len(t, results, 2)
	for _, r := range results {
		assert.True(t, r.Success)
		assert.Empty(t, r.OrderID)
	}
}

func TestDrain_LargeImbalanceExecutesIndividually(t *testing.T) {
	broker := filledBroker()
	q := testQueue(t, broker, QueueConfig{}, nil)
	ctx := context.Background()

	// Net 140 vs smaller gross 10: 140 >= 0.8*10, no netting.
	_, err := q.Enqueue(ctx, queuedIntent(t, "ETHUSDT", 150, domain.Buy, domain.PriorityNormal))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, queuedIntent(t, "ETHUSDT", 10, domain.Sell, domain.PriorityNormal))
	require.NoError(t, err)

	q.Drain(ctx)

	assert.Equal(t, 1, broker.marketCallCount(), "10-lot sell goes market")
	assert.Equal(t, 1, broker.limitCallCount(), "150-lot buy is large enough for the limit path")
	assert.Equal(t, 0, q.Len())
}

func TestDrain_SameSideOrdersNeverNet(t *testing.T) {
	broker := filledBroker()
	q := testQueue(t, broker, QueueConfig{}, nil)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, queuedIntent(t, "ETHUSDT", 10, domain.Buy, domain.PriorityNormal))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, queuedIntent(t, "ETHUSDT", 20, domain.Buy, domain.PriorityNormal))
	require.NoError(t, err)

	q.Drain(ctx)

	assert.Equal(t, 2, broker.marketCallCount())
}

func TestDrain_ExpiredOrdersAreDroppedUnexecuted(t *testing.T) {
	broker := filledBroker()
	q := testQueue(t, broker, QueueConfig{}, nil)
	ctx := context.Background()

	intent, err := domain.NewOrderIntent("ETHUSDT", 10, domain.Buy, domain.StyleAuto, 0, domain.PriorityNormal, time.Minute)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, intent)
	require.NoError(t, err)

	// Move the clock past the intent's max wait.
	q.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	q.Drain(ctx)

	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 0, broker.marketCallCount(), "expired orders are never executed")
	assert.Equal(t, 0, broker.limitCallCount())
}

func TestDrain_SmallBatchDefersUntilTimeout(t *testing.T) {
	broker := filledBroker()
	q := testQueue(t, broker, QueueConfig{MinBatchSize: 2, BatchTimeout: time.Hour}, nil)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, queuedIntent(t, "ETHUSDT", 10, domain.Buy, domain.PriorityNormal))
	require.NoError(t, err)

	q.Drain(ctx)
	assert.Equal(t, 1, q.Len(), "lone fresh order waits for more")
	assert.Equal(t, 0, broker.marketCallCount())

	// Once the oldest order has aged past the batch timeout it goes out
	// alone. Re-stamp so the order is old but not expired.
	q.mu.Lock()
	q.orders[0].EnqueuedAt = time.Now().Add(-90 * time.Minute)
	q.orders[0].Intent.MaxWait = 5 * time.Hour
	q.mu.Unlock()

	q.Drain(ctx)
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 1, broker.marketCallCount())
}

func TestDrain_FailedOrdersRequeueAtFront(t *testing.T) {
	broker := &mockBroker{}
	broker.quoteFn = func(symbol string) (*ports.Quote, error) {
		return nil, ports.ErrInsufficientFunds
	}
	q := testQueue(t, broker, QueueConfig{}, nil)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, queuedIntent(t, "ETHUSDT", 10, domain.Buy, domain.PriorityNormal))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, queuedIntent(t, "ETHUSDT", 15, domain.Buy, domain.PriorityNormal))
	require.NoError(t, err)

	q.Drain(ctx)

	assert.Equal(t, 2, q.Len(), "failed orders return to the queue")
	q.mu.Lock()
	for _, o := range q.orders {
		assert.Equal(t, domain.StatusFailed, o.Status)
		assert.NotEmpty(t, o.LastError)
	}
	q.mu.Unlock()
}

func TestDrain_RespectsMaxBatchSize(t *testing.T) {
	broker := filledBroker()
	q := testQueue(t, broker, QueueConfig{MaxBatchSize: 3}, nil)
	ctx := context.Background()

	symbols := []string{"AAAUSDT", "BBBUSDT", "CCCUSDT", "DDDUSDT", "EEEUSDT"}
	for _, s := range symbols {
		_, err := q.Enqueue(ctx, queuedIntent(t, s, 10, domain.Buy, domain.PriorityNormal))
		require.NoError(t, err)
	}

	q.Drain(ctx)
	assert.Equal(t, 2, q.Len(), "one cycle takes at most MaxBatchSize orders")

	q.Drain(ctx)
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 5, broker.marketCallCount())
}

func TestStart_DrainLoopStopsOnCancel(t *testing.T) {
	broker := filledBroker()
	q := testQueue(t, broker, QueueConfig{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx)

	_, err := q.Enqueue(ctx, queuedIntent(t, "ETHUSDT", 10, domain.Buy, domain.PriorityNormal))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, queuedIntent(t, "ETHUSDT", 12, domain.Buy, domain.PriorityNormal))
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return q.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
}
