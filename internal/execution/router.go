package execution

import (
	"context"
	"fmt"
	"time"

	"orderpilot/internal/domain"
	"orderpilot/internal/metrics"
	"orderpilot/internal/ports"
)

// RouterConfig holds the routing policy knobs.
type RouterConfig struct {
	SpreadLimitPct      float64       // Above this spread percent, auto picks limit (default 0.5)
	LargeOrderQty       int64         // Above this quantity, auto picks limit (default 100)
	DerivativeSymbolLen int           // Symbols at least this long are derivative contracts (default 15)
	LimitBias           float64       // Fraction of the spread added toward aggression (default 0.3)
	PollInterval        time.Duration // Fill-wait poll cadence (default 1s)
	MarketFillTimeout   time.Duration // Fill-wait ceiling on the market path (default 10s)
	PartialGraceWindow  time.Duration // Secondary timer from the first partial fill (default 15s)
	AcceptPartialPct    float64       // Fill percent that accepts immediately (default 80)
	GracePartialPct     float64       // Fill percent accepted once the grace window elapses (default 50)
	LimitTimeInForce    ports.TimeInForce
}

func (c *RouterConfig) applyDefaults() {
	if c.SpreadLimitPct <= 0 {
		c.SpreadLimitPct = 0.5
	}
	if c.LargeOrderQty <= 0 {
		c.LargeOrderQty = 100
	}
	if c.DerivativeSymbolLen <= 0 {
		c.DerivativeSymbolLen = 15
	}
	if c.LimitBias <= 0 {
		c.LimitBias = 0.3
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.MarketFillTimeout <= 0 {
		c.MarketFillTimeout = 10 * time.Second
	}
	if c.PartialGraceWindow <= 0 {
		c.PartialGraceWindow = 15 * time.Second
	}
	if c.AcceptPartialPct <= 0 {
		c.AcceptPartialPct = 80
	}
	if c.GracePartialPct <= 0 {
		c.GracePartialPct = 50
	}
	if c.LimitTimeInForce == "" {
		c.LimitTimeInForce = ports.TIFDay
	}
}

// Router turns an OrderIntent into one or more broker orders. It holds no
// per-intent state between calls.
type Router struct {
	broker ports.BrokerGateway
	retry  *Coordinator
	costs  ports.CostRecorder // Optional; nil disables cost forwarding
	logger ports.Logger
	cfg    RouterConfig
}

// NewRouter creates an order router.
func NewRouter(broker ports.BrokerGateway, retry *Coordinator, costs ports.CostRecorder, logger ports.Logger, cfg RouterConfig) (*Router, error) {
	if broker == nil || retry == nil || logger == nil {
		return nil, fmt.Errorf("missing required dependencies for router")
	}
	cfg.applyDefaults()
	return &Router{broker: broker, retry: retry, costs: costs, logger: logger, cfg: cfg}, nil
}

// isDerivative reports whether the symbol encoding indicates a derivative
// contract (OCC-style option symbols carry an expiry and strike and are
// much longer than equity tickers).
func (r *Router) isDerivative(symbol string) bool {
	return len(symbol) >= r.cfg.DerivativeSymbolLen
}

// decideStyle resolves StyleAuto against spread, size, and symbol encoding.
func (r *Router) decideStyle(intent domain.OrderIntent, spreadPct float64) domain.OrderStyle {
	if intent.Style != domain.StyleAuto {
		return intent.Style
	}
	if spreadPct > r.cfg.SpreadLimitPct || intent.Quantity > r.cfg.LargeOrderQty || r.isDerivative(intent.Symbol) {
		return domain.StyleLimit
	}
	return domain.StyleMarket
}

// limitPrice biases toward aggression without crossing the full spread.
func (r *Router) limitPrice(side domain.OrderSide, quote *ports.Quote, mid float64) float64 {
	spread := quote.Ask - quote.Bid
	if side == domain.Buy {
		price := mid + r.cfg.LimitBias*spread
		if price > quote.Ask {
			price = quote.Ask
		}
		return price
	}
	price := mid - r.cfg.LimitBias*spread
	if price < quote.Bid {
		price = quote.Bid
	}
	return price
}

// Route executes an intent: quote, style decision, limit path with market
// fallback, fill-wait with the partial-fill policy, and cost forwarding.
// Failures come back as structured results, never panics.
func (r *Router) Route(ctx context.Context, intent domain.OrderIntent) domain.ExecutionResult {
	op := "Route"
	result := domain.ExecutionResult{
		IntentID:     intent.ID,
		Symbol:       intent.Symbol,
		Side:         intent.Side,
		RequestedQty: intent.Quantity,
	}

	var quote *ports.Quote
	res := r.retry.Do(ctx, "GetLatestQuote", func(ctx context.Context) error {
		q, err := r.broker.GetLatestQuote(ctx, intent.Symbol)
		if err != nil {
			return err
		}
		quote = q
		return nil
	})
	if !res.Success {
		result.Err = res.Err
		metrics.IncOrderFailure()
		return result
	}

	mid := (quote.Bid + quote.Ask) / 2
	if mid <= 0 {
		result.Err = fmt.Errorf("%s: no usable quote for %s (bid=%.4f ask=%.4f)", op, intent.Symbol, quote.Bid, quote.Ask)
		metrics.IncOrderFailure()
		return result
	}
	spreadPct := (quote.Ask - quote.Bid) / mid * 100
	result.SpreadPct = spreadPct
	result.MidPrice = mid

	style := r.decideStyle(intent, spreadPct)
	r.logger.Debug(ctx, op+": style decided", map[string]interface{}{
		"intentID":  intent.ID,
		"symbol":    intent.Symbol,
		"style":     style,
		"spreadPct": spreadPct,
		"quantity":  intent.Quantity,
	})

	if style == domain.StyleLimit {
		price := r.limitPrice(intent.Side, quote, mid)
		order, err := r.submitLimit(ctx, intent, price)
		if err != nil {
			result.Style = domain.StyleLimit
			result.Err = err
			metrics.IncOrderFailure()
			return result
		}

		final, filled, accepted := r.waitForFill(ctx, intent, order, intent.MaxWait)
		if accepted {
			result.Style = domain.StyleLimit
			r.finishFill(ctx, &result, intent, final, filled)
			return result
		}

		// Zero fill within the window: the wait loop has already cancelled
		// the resting order; fall back to the market path.
		r.logger.Info(ctx, op+": limit order unfilled, falling back to market", map[string]interface{}{
			"intentID": intent.ID,
			"symbol":   intent.Symbol,
			"orderID":  order.ID,
		})
	}

	order, err := r.submitMarket(ctx, intent)
	if err != nil {
		result.Style = domain.StyleMarket
		result.Err = err
		metrics.IncOrderFailure()
		return result
	}

	final, filled, accepted := r.waitForFill(ctx, intent, order, r.cfg.MarketFillTimeout)
	result.Style = domain.StyleMarket
	if !accepted {
		result.Err = fmt.Errorf("%s: market order %s for %s not filled within %s", op, order.ID, intent.Symbol, r.cfg.MarketFillTimeout)
		metrics.IncOrderFailure()
		return result
	}
	r.finishFill(ctx, &result, intent, final, filled)
	return result
}

func (r *Router) submitLimit(ctx context.Context, intent domain.OrderIntent, price float64) (*ports.Order, error) {
	var order *ports.Order
	res := r.retry.Do(ctx, "PlaceLimitOrder", func(ctx context.Context) error {
		o, err := r.broker.PlaceLimitOrder(ctx, intent.Symbol, intent.Quantity, intent.Side, price, r.cfg.LimitTimeInForce)
		if err != nil {
			return err
		}
		order = o
		return nil
	})
	if !res.Success {
		return nil, res.Err
	}
	return order, nil
}

func (r *Router) submitMarket(ctx context.Context, intent domain.OrderIntent) (*ports.Order, error) {
	var order *ports.Order
	res := r.retry.Do(ctx, "PlaceMarketOrder", func(ctx context.Context) error {
		o, err := r.broker.PlaceMarketOrder(ctx, intent.Symbol, intent.Quantity, intent.Side, ports.TIFDay)
		if err != nil {
			return err
		}
		order = o
		return nil
	})
	if !res.Success {
		return nil, res.Err
	}
	return order, nil
}

// waitForFill polls the order until it fills, is accepted as a partial, or
// the timeout elapses. Any accepted outcome leaves no resting remainder.
// Poll errors are treated as transient and re-polled until the deadline.
func (r *Router) waitForFill(ctx context.Context, intent domain.OrderIntent, order *ports.Order, timeout time.Duration) (final *ports.Order, filledQty int64, accepted bool) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	final = order
	var lastFilled int64
	var firstPartialAt time.Time

	for {
		select {
		case <-ctx.Done():
			r.drainRemainder(ctx, intent.Symbol, final)
			return final, lastFilled, lastFilled > 0
		case now := <-ticker.C:
			current, err := r.broker.GetOrder(ctx, intent.Symbol, order.ID)
			if err != nil {
				// Transient condition at the poll layer: log and re-check.
				r.logger.Warn(ctx, "fill-wait poll failed, re-checking", map[string]interface{}{
					"orderID": order.ID,
					"symbol":  intent.Symbol,
					"error":   err.Error(),
				})
				if now.After(deadline) {
					r.drainRemainder(ctx, intent.Symbol, final)
					return final, lastFilled, lastFilled > 0
				}
				continue
			}
			final = current

			if current.Status.Terminal() {
				filled := current.FilledQty
				if filled == 0 && current.Status == ports.OrderStatusFilled {
					// Some venues report a filled order without echoing the
					// executed quantity; a filled order covers the full size.
					filled = current.Quantity
					if filled == 0 {
						filled = intent.Quantity
					}
				}
				return current, filled, filled > 0
			}

			if current.FilledQty > lastFilled {
				if lastFilled == 0 {
					firstPartialAt = now
				}
				lastFilled = current.FilledQty
				fillPct := float64(current.FilledQty) / float64(intent.Quantity) * 100

				if fillPct >= r.cfg.AcceptPartialPct {
					r.cancelQuiet(ctx, intent.Symbol, current.ID)
					return current, current.FilledQty, true
				}
				r.logger.Debug(ctx, "partial fill below accept threshold, waiting", map[string]interface{}{
					"orderID": current.ID,
					"fillPct": fillPct,
				})
			}

			if lastFilled > 0 && now.Sub(firstPartialAt) >= r.cfg.PartialGraceWindow {
				fillPct := float64(lastFilled) / float64(intent.Quantity) * 100
				if fillPct >= r.cfg.GracePartialPct {
					r.cancelQuiet(ctx, intent.Symbol, current.ID)
					return current, lastFilled, true
				}
			}

			if now.After(deadline) {
				r.drainRemainder(ctx, intent.Symbol, current)
				return current, lastFilled, lastFilled > 0
			}
		}
	}
}

// drainRemainder cancels whatever is still resting when a wait ends with a
// partial (or zero) fill, so no order is left live behind the caller's back.
func (r *Router) drainRemainder(ctx context.Context, symbol string, order *ports.Order) {
	if order == nil || order.Status.Terminal() {
		return
	}
	r.cancelQuiet(ctx, symbol, order.ID)
}

// cancelQuiet cancels an order, tolerating it being already gone.
func (r *Router) cancelQuiet(ctx context.Context, symbol, orderID string) {
	res := r.retry.Do(ctx, "CancelOrder", func(ctx context.Context) error {
		return r.broker.CancelOrder(ctx, symbol, orderID)
	})
	if !res.Success {
		r.logger.Warn(ctx, "failed to cancel order remainder", map[string]interface{}{
			"symbol":  symbol,
			"orderID": orderID,
			"error":   res.Err.Error(),
		})
	}
}

// finishFill populates the success fields and forwards the cost record.
func (r *Router) finishFill(ctx context.Context, result *domain.ExecutionResult, intent domain.OrderIntent, order *ports.Order, filledQty int64) {
	result.Success = true
	result.OrderID = order.ID
	result.FilledQuantity = filledQty
	result.FillPrice = order.FilledAvgPrice
	result.Partial = filledQty < intent.Quantity

	metrics.IncOrderRouted(string(result.Style), string(intent.Side))
	if result.Partial {
		metrics.IncPartialFill()
	}

	r.logger.Info(ctx, "intent executed", map[string]interface{}{
		"intentID":  intent.ID,
		"symbol":    intent.Symbol,
		"side":      intent.Side,
		"style":     result.Style,
		"filledQty": filledQty,
		"fillPrice": result.FillPrice,
		"partial":   result.Partial,
		"spreadPct": result.SpreadPct,
	})

	if r.costs != nil && intent.ExpectedPrice > 0 {
		rec := &ports.CostRecord{
			IntentID:      intent.ID,
			Symbol:        intent.Symbol,
			Side:          intent.Side,
			Quantity:      filledQty,
			ExpectedPrice: intent.ExpectedPrice,
			FillPrice:     result.FillPrice,
			SlippagePct:   (result.FillPrice - intent.ExpectedPrice) / intent.ExpectedPrice * 100,
			SpreadPct:     result.SpreadPct,
			MidPrice:      result.MidPrice,
			Style:         result.Style,
			ExecutedAt:    time.Now().UTC(),
		}
		if err := r.costs.Record(ctx, rec); err != nil {
			// Cost accounting is advisory, never fails the execution.
			r.logger.Warn(ctx, "failed to forward cost record", map[string]interface{}{
				"intentID": intent.ID,
				"error":    err.Error(),
			})
		}
	}
}
