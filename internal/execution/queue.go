package execution

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"orderpilot/internal/domain"
	"orderpilot/internal/metrics"
	"orderpilot/internal/ports"
)

// QueueConfig holds parameters for the order queue and batch processor.
type QueueConfig struct {
	MinBatchSize    int           // Below this, drain defers until the batch timeout
	MaxBatchSize    int           // Upper bound on orders taken per drain cycle
	BatchTimeout    time.Duration // Oldest-order age that forces a small batch through
	DrainInterval   time.Duration // Drain tick cadence
	NetThreshold    float64       // Net/min-gross ratio below which opposing intents net (default 0.8)
	OrderPacing     time.Duration // Minimum spacing between individual orders in a group
	NettedPriority  domain.Priority
}

func (c *QueueConfig) applyDefaults() {
	if c.MinBatchSize <= 0 {
		c.MinBatchSize = 2
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 10
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 5 * time.Second
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = time.Second
	}
	if c.NetThreshold <= 0 {
		c.NetThreshold = 0.8
	}
	if c.OrderPacing <= 0 {
		c.OrderPacing = 250 * time.Millisecond
	}
	if c.NettedPriority == 0 {
		c.NettedPriority = domain.PriorityHigh
	}
}

// EnqueueReceipt tells the caller where its intent landed.
type EnqueueReceipt struct {
	IntentID      string
	Position      int
	EstimatedWait time.Duration
}

// ExecutionCallback receives the result of every intent the queue
// dispatched, including netted_zero completions (Success with no order id).
type ExecutionCallback func(result domain.ExecutionResult)

// Queue accepts order intents, periodically drains, nets opposing intents
// per symbol, and dispatches the remainder to the router. It exclusively
// owns its QueuedOrder entries for their lifetime.
type Queue struct {
	router  *Router
	logger  ports.Logger
	cfg     QueueConfig
	limiter *rate.Limiter
	onDone  ExecutionCallback // Optional

	mu         sync.Mutex
	orders     []*domain.QueuedOrder
	processing bool

	now func() time.Time
}

// NewQueue creates an order queue. onDone may be nil.
func NewQueue(router *Router, logger ports.Logger, cfg QueueConfig, onDone ExecutionCallback) (*Queue, error) {
	if router == nil || logger == nil {
		return nil, fmt.Errorf("missing required dependencies for queue")
	}
	cfg.applyDefaults()
	return &Queue{
		router:  router,
		logger:  logger,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(cfg.OrderPacing), 1),
		onDone:  onDone,
		now:     time.Now,
	}, nil
}

// Enqueue inserts an intent: high-priority at the front, others at the back.
func (q *Queue) Enqueue(ctx context.Context, intent domain.OrderIntent) (*EnqueueReceipt, error) {
	if intent.Quantity <= 0 {
		return nil, fmt.Errorf("cannot enqueue intent with quantity %d", intent.Quantity)
	}

	entry := &domain.QueuedOrder{
		Intent:     intent,
		EnqueuedAt: q.now(),
		Status:     domain.StatusQueued,
	}

	q.mu.Lock()
	var position int
	if intent.Priority == domain.PriorityHigh {
		q.orders = append([]*domain.QueuedOrder{entry}, q.orders...)
		position = 1
	} else {
		q.orders = append(q.orders, entry)
		position = len(q.orders)
	}
	depth := len(q.orders)
	q.mu.Unlock()

	metrics.SetQueueDepth(depth)

	// Rough estimate: one drain cycle per MaxBatchSize orders ahead of us.
	cyclesAhead := (position-1)/q.cfg.MaxBatchSize + 1
	wait := time.Duration(cyclesAhead) * q.cfg.DrainInterval

	q.logger.Debug(ctx, "intent enqueued", map[string]interface{}{
		"intentID": intent.ID,
		"symbol":   intent.Symbol,
		"priority": intent.Priority.String(),
		"position": position,
	})
	return &EnqueueReceipt{IntentID: intent.ID, Position: position, EstimatedWait: wait}, nil
}

// Len returns the number of orders currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.orders)
}

// Start runs the drain loop until the context is cancelled.
func (q *Queue) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(q.cfg.DrainInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				q.logger.Info(ctx, "queue drain loop stopped")
				return
			case <-ticker.C:
				q.Drain(ctx)
			}
		}
	}()
}

// Drain runs one cycle: expiry, batch selection, grouping, netting, and
// dispatch. It is a no-op while a previous cycle is still processing.
func (q *Queue) Drain(ctx context.Context) {
	q.mu.Lock()
	if q.processing {
		q.mu.Unlock()
		return
	}

	now := q.now()
	q.expireLocked(ctx, now)

	if len(q.orders) == 0 {
		metrics.SetQueueDepth(0)
		q.mu.Unlock()
		return
	}

	// Defer small batches until the oldest order has waited long enough.
	if len(q.orders) < q.cfg.MinBatchSize && now.Sub(q.oldestLocked()) < q.cfg.BatchTimeout {
		q.mu.Unlock()
		return
	}

	take := q.cfg.MaxBatchSize
	if take > len(q.orders) {
		take = len(q.orders)
	}
	batch := q.orders[:take]
	q.orders = q.orders[take:]
	for _, o := range batch {
		o.Status = domain.StatusExecuting
	}
	q.processing = true
	depth := len(q.orders)
	q.mu.Unlock()

	metrics.SetQueueDepth(depth)
	q.processBatch(ctx, batch)

	q.mu.Lock()
	q.processing = false
	q.mu.Unlock()
}

// expireLocked discards (without execution) orders older than their own
// max wait. Callers must hold q.mu.
func (q *Queue) expireLocked(ctx context.Context, now time.Time) {
	kept := q.orders[:0]
	for _, o := range q.orders {
		if o.ExpiredAt(now) {
			o.Status = domain.StatusExpired
			metrics.IncExpired()
			q.logger.Info(ctx, "queued order expired", map[string]interface{}{
				"intentID": o.Intent.ID,
				"symbol":   o.Intent.Symbol,
				"waited":   now.Sub(o.EnqueuedAt).String(),
				"maxWait":  o.Intent.MaxWait.String(),
			})
			continue
		}
		kept = append(kept, o)
	}
	q.orders = kept
}

func (q *Queue) oldestLocked() time.Time {
	oldest := q.orders[0].EnqueuedAt
	for _, o := range q.orders[1:] {
		if o.EnqueuedAt.Before(oldest) {
			oldest = o.EnqueuedAt
		}
	}
	return oldest
}

// processBatch groups the batch by symbol and executes groups with
// overlapping I/O. Execution inside a single symbol group stays sequential
// to avoid order races on the same symbol.
func (q *Queue) processBatch(ctx context.Context, batch []*domain.QueuedOrder) {
	groups := make(map[string][]*domain.QueuedOrder)
	for _, o := range batch {
		groups[o.Intent.Symbol] = append(groups[o.Intent.Symbol], o)
	}

	var wg sync.WaitGroup
	for symbol, group := range groups {
		sortGroup(group)
		wg.Add(1)
		go func(symbol string, group []*domain.QueuedOrder) {
			defer wg.Done()
			q.executeGroup(ctx, symbol, group)
		}(symbol, group)
	}
	wg.Wait()
}

// sortGroup orders a symbol group by (priority, side) so high-priority
// intents and buys are considered first.
func sortGroup(group []*domain.QueuedOrder) {
	sort.SliceStable(group, func(i, j int) bool {
		a, b := group[i].Intent, group[j].Intent
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.Side == domain.Buy && b.Side == domain.Sell
	})
}

// executeGroup nets opposing intents when the 80% rule holds, otherwise
// executes each intent individually with pacing between orders.
func (q *Queue) executeGroup(ctx context.Context, symbol string, group []*domain.QueuedOrder) {
	if len(group) >= 2 {
		var grossBuy, grossSell int64
		for _, o := range group {
			if o.Intent.Side == domain.Buy {
				grossBuy += o.Intent.Quantity
			} else {
				grossSell += o.Intent.Quantity
			}
		}

		if grossBuy > 0 && grossSell > 0 {
			net := grossBuy - grossSell
			if net < 0 {
				net = -net
			}
			smaller := grossBuy
			if grossSell < smaller {
				smaller = grossSell
			}

			if float64(net) < q.cfg.NetThreshold*float64(smaller) {
				q.executeNetted(ctx, symbol, group, grossBuy, grossSell)
				return
			}
		}
	}

	metrics.IncNetting("individual")
	for _, o := range group {
		if err := q.limiter.Wait(ctx); err != nil {
			q.requeueFront(ctx, []*domain.QueuedOrder{o}, err)
			continue
		}
		result := q.router.Route(ctx, o.Intent)
		q.complete(ctx, o, result)
	}
}

// executeNetted submits one order for the net quantity, or nothing at all
// for a perfectly balanced group.
func (q *Queue) executeNetted(ctx context.Context, symbol string, group []*domain.QueuedOrder, grossBuy, grossSell int64) {
	net := grossBuy - grossSell
	if net == 0 {
		metrics.IncNetting("netted_zero")
		q.logger.Info(ctx, "symbol group netted to zero, no broker call", map[string]interface{}{
			"symbol": symbol,
			"orders": len(group),
		})
		for _, o := range group {
			o.Status = domain.StatusCompleted
			if q.onDone != nil {
				q.onDone(domain.ExecutionResult{
					Success:      true,
					IntentID:     o.Intent.ID,
					Symbol:       o.Intent.Symbol,
					Side:         o.Intent.Side,
					RequestedQty: o.Intent.Quantity,
				})
			}
		}
		return
	}

	side := domain.Buy
	if net < 0 {
		side = domain.Sell
		net = -net
	}

	// Averaged expected price across the group; an approximation used for
	// slippage accounting only, not for the net quantity itself.
	var sum float64
	var priced int
	var maxWait time.Duration
	for _, o := range group {
		if o.Intent.ExpectedPrice > 0 {
			sum += o.Intent.ExpectedPrice
			priced++
		}
		if o.Intent.MaxWait > maxWait {
			maxWait = o.Intent.MaxWait
		}
	}
	var avgExpected float64
	if priced > 0 {
		avgExpected = sum / float64(priced)
	}

	intent, err := domain.NewOrderIntent(symbol, net, side, domain.StyleAuto, avgExpected, q.cfg.NettedPriority, maxWait)
	if err != nil {
		q.requeueFront(ctx, group, err)
		return
	}

	metrics.IncNetting("netted")
	q.logger.Info(ctx, "symbol group netted", map[string]interface{}{
		"symbol":    symbol,
		"orders":    len(group),
		"grossBuy":  grossBuy,
		"grossSell": grossSell,
		"netSide":   side,
		"netQty":    net,
	})

	result := q.router.Route(ctx, intent)
	if !result.Success {
		q.requeueFront(ctx, group, result.Err)
		return
	}

	// Attribute the net order's fill to the intents on the net side, in
	// group order. The netted-away side acquired nothing at the venue and
	// completes with a zero filled quantity.
	pool := result.FilledQuantity
	for _, o := range group {
		var filled int64
		if o.Intent.Side == side && pool > 0 {
			filled = o.Intent.Quantity
			if filled > pool {
				filled = pool
			}
			pool -= filled
		}
		q.complete(ctx, o, domain.ExecutionResult{
			Success:        true,
			IntentID:       o.Intent.ID,
			Symbol:         o.Intent.Symbol,
			Side:           o.Intent.Side,
			OrderID:        result.OrderID,
			FillPrice:      result.FillPrice,
			FilledQuantity: filled,
			RequestedQty:   o.Intent.Quantity,
			Style:          result.Style,
			SpreadPct:      result.SpreadPct,
			MidPrice:       result.MidPrice,
		})
	}
}

// complete finalizes one queued order: failures go back to the front of the
// queue with an error status instead of being dropped.
func (q *Queue) complete(ctx context.Context, o *domain.QueuedOrder, result domain.ExecutionResult) {
	if !result.Success {
		q.requeueFront(ctx, []*domain.QueuedOrder{o}, result.Err)
		return
	}
	o.Status = domain.StatusCompleted
	if q.onDone != nil {
		q.onDone(result)
	}
}

// requeueFront returns failed orders to the front of the queue for
// reconsideration on the next cycle.
func (q *Queue) requeueFront(ctx context.Context, orders []*domain.QueuedOrder, cause error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	for _, o := range orders {
		o.Status = domain.StatusFailed
		o.LastError = msg
	}

	q.mu.Lock()
	q.orders = append(append([]*domain.QueuedOrder{}, orders...), q.orders...)
	depth := len(q.orders)
	q.mu.Unlock()

	metrics.SetQueueDepth(depth)
	q.logger.Warn(ctx, "batch execution failed, orders returned to queue", map[string]interface{}{
		"orders": len(orders),
		"error":  msg,
	})
}
