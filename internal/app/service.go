// Package app wires the execution engine together and runs its main loop.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"orderpilot/config"
	"orderpilot/internal/domain"
	"orderpilot/internal/execution"
	"orderpilot/internal/exits"
	"orderpilot/internal/ports"
)

// EngineService orchestrates the execution engine: it feeds live prices into
// the exit state machine, routes the resulting sell intents, and runs the
// order queue drain loop.
type EngineService struct {
	cfg    *config.Config
	logger ports.Logger
	broker ports.BrokerGateway
	router *execution.Router
	queue  *execution.Queue
	exits  *exits.Manager

	// Per-symbol locks serialize tick handling so exit decisions and
	// routing for one symbol never interleave, while one symbol's in-flight
	// exit never stalls evaluation for the others.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewEngineService creates the application service instance.
func NewEngineService(
	cfg *config.Config,
	logger ports.Logger,
	broker ports.BrokerGateway,
	router *execution.Router,
	queue *execution.Queue,
	exitMgr *exits.Manager,
) (*EngineService, error) {
	if cfg == nil || logger == nil || broker == nil || router == nil || queue == nil || exitMgr == nil {
		return nil, fmt.Errorf("missing required dependencies for EngineService")
	}
	if len(cfg.Trading.Symbols) == 0 {
		return nil, fmt.Errorf("at least one trading symbol is required")
	}
	if cfg.Trading.DefaultQuantity <= 0 {
		return nil, fmt.Errorf("configuration default quantity must be positive")
	}

	return &EngineService{
		cfg:    cfg,
		logger: logger,
		broker: broker,
		router: router,
		queue:  queue,
		exits:  exitMgr,
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

// symbolLock returns the mutex guarding tick handling for one symbol.
func (s *EngineService) symbolLock(symbol string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[symbol]
	if !ok {
		l = &sync.Mutex{}
		s.locks[symbol] = l
	}
	return l
}

// Start runs the engine until the context is cancelled, a shutdown signal
// arrives, or the price stream dies.
func (s *EngineService) Start(ctx context.Context) error {
	s.logger.Info(ctx, "Starting execution engine...")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		s.logger.Info(ctx, "Received shutdown signal", map[string]interface{}{"signal": sig.String()})
		cancel()
	}()

	// The queue drain loop runs for the lifetime of the context.
	s.queue.Start(ctx)
	s.logger.Info(ctx, "Order queue drain loop started")

	// --- Start price stream ---
	wsDoneCh, wsStopCh, err := s.broker.StreamTicks(ctx, s.cfg.Trading.Symbols, s.handleTick, s.handleStreamError)
	if err != nil {
		s.logger.Error(ctx, err, "Failed to start price stream")
		return fmt.Errorf("failed to start price stream: %w", err)
	}
	s.logger.Info(ctx, "Price stream started", map[string]interface{}{"symbols": s.cfg.Trading.Symbols})

	// The work happens in handleTick. Wait for cancellation or for the
	// stream to give up.
	select {
	case <-ctx.Done():
		s.logger.Info(ctx, "Main context cancelled, initiating shutdown...")
		select {
		case wsStopCh <- struct{}{}:
			s.logger.Info(ctx, "Stop signal sent to price stream")
		default:
			s.logger.Warn(ctx, "Failed to send stop signal to price stream (already closed?)")
		}
		select {
		case <-wsDoneCh:
			s.logger.Info(ctx, "Price stream shut down gracefully")
		case <-time.After(5 * time.Second):
			s.logger.Warn(ctx, "Timeout waiting for price stream to shut down")
		}
	case <-wsDoneCh:
		s.logger.Error(ctx, fmt.Errorf("price stream closed unexpectedly"), "Price stream stopped")
		return fmt.Errorf("price stream stopped unexpectedly")
	}

	s.logger.Info(ctx, "Execution engine stopped.")
	return nil
}

// handleTick processes one live price update. It asks the exit state
// machine for a decision and routes the resulting order immediately,
// bypassing the queue so exits are never delayed by batching.
func (s *EngineService) handleTick(symbol string, price float64) {
	ctx := context.Background()

	lock := s.symbolLock(symbol)
	lock.Lock()
	defer lock.Unlock()

	decision := s.exits.Check(symbol, price)
	if decision.Action == domain.ActionNone {
		return
	}

	s.logger.Info(ctx, "Exit decision emitted", map[string]interface{}{
		"symbol":   symbol,
		"action":   string(decision.Action),
		"trigger":  string(decision.ExitType),
		"reason":   decision.Reason,
		"quantity": decision.Quantity,
		"price":    decision.Price,
	})

	if err := s.routeExit(ctx, symbol, decision); err != nil {
		s.logger.Error(ctx, err, "Failed to route exit order", map[string]interface{}{
			"symbol":  symbol,
			"trigger": string(decision.ExitType),
		})
	}

	// The plan's remaining quantity was already consumed by the decision.
	// Once a full exit has been routed the plan is finished either way.
	if decision.Action == domain.ActionExitAll {
		s.exits.Remove(symbol)
	}
}

// routeExit converts an exit decision into a sell intent and routes it.
func (s *EngineService) routeExit(ctx context.Context, symbol string, decision domain.ExitDecision) error {
	if decision.Quantity <= 0 {
		return fmt.Errorf("exit decision for %s carries no quantity", symbol)
	}

	intent, err := domain.NewOrderIntent(
		symbol,
		decision.Quantity,
		domain.Sell,
		domain.StyleAuto,
		decision.Price,
		domain.PriorityHigh,
		s.cfg.Trading.MaxWait(),
	)
	if err != nil {
		return fmt.Errorf("failed to build exit intent: %w", err)
	}

	result := s.router.Route(ctx, intent)
	if !result.Success {
		return fmt.Errorf("exit order for %s failed: %w", symbol, result.Err)
	}

	s.logger.Info(ctx, "Exit order executed", map[string]interface{}{
		"symbol":    symbol,
		"intentID":  result.IntentID,
		"orderID":   result.OrderID,
		"filled":    result.FilledQuantity,
		"fillPrice": result.FillPrice,
		"style":     string(result.Style),
		"partial":   result.Partial,
	})
	return nil
}

// handleStreamError handles errors reported by the price stream. Reconnects
// are handled inside the broker adapter; this sees only persistent failures.
func (s *EngineService) handleStreamError(err error) {
	s.logger.Error(context.Background(), err, "Price stream error reported")
}

// OpenPosition routes an entry buy and registers an exit plan for the fill.
// When queue_entry_orders is set the intent goes through the batching queue
// instead and the exit plan is created by the completion callback.
func (s *EngineService) OpenPosition(ctx context.Context, symbol string, quantity int64, opts ...exits.PlanOption) error {
	if quantity <= 0 {
		quantity = s.cfg.Trading.DefaultQuantity
	}

	intent, err := domain.NewOrderIntent(
		symbol,
		quantity,
		domain.Buy,
		domain.StyleAuto,
		0,
		domain.PriorityNormal,
		s.cfg.Trading.MaxWait(),
	)
	if err != nil {
		return fmt.Errorf("failed to build entry intent: %w", err)
	}

	if s.cfg.Trading.QueueEntryOrders {
		receipt, err := s.queue.Enqueue(ctx, intent)
		if err != nil {
			return fmt.Errorf("failed to enqueue entry order for %s: %w", symbol, err)
		}
		s.logger.Info(ctx, "Entry order queued", map[string]interface{}{
			"symbol":        symbol,
			"intentID":      intent.ID,
			"queuePosition": receipt.Position,
			"estimatedWait": receipt.EstimatedWait.String(),
		})
		return nil
	}

	result := s.router.Route(ctx, intent)
	if !result.Success {
		return fmt.Errorf("entry order for %s failed: %w", symbol, result.Err)
	}

	return s.registerExitPlan(ctx, symbol, result, opts...)
}

// HandleQueuedFill is the queue completion callback. It creates exit plans
// for filled entry buys that do not have one yet.
func (s *EngineService) HandleQueuedFill(result domain.ExecutionResult) {
	ctx := context.Background()
	if !result.Success || result.Side != domain.Buy {
		return
	}
	if result.FillPrice <= 0 {
		// Netted-to-zero completions carry no market fill; there is no
		// entry price to anchor an exit plan on.
		s.logger.Debug(ctx, "Queued buy completed without a fill price, no exit plan created", map[string]interface{}{
			"intentID": result.IntentID,
			"symbol":   result.Symbol,
		})
		return
	}
	if result.FilledQuantity <= 0 {
		// The buy was netted away against opposing sells inside the queue;
		// no shares were acquired, so there is nothing to exit.
		s.logger.Debug(ctx, "Queued buy netted away, no exit plan created", map[string]interface{}{
			"intentID":     result.IntentID,
			"symbol":       result.Symbol,
			"requestedQty": result.RequestedQty,
		})
		return
	}
	if _, exists := s.exits.Plan(result.Symbol); exists {
		return
	}
	if err := s.registerExitPlan(ctx, result.Symbol, result); err != nil {
		s.logger.Error(ctx, err, "Failed to register exit plan for queued fill", map[string]interface{}{
			"intentID": result.IntentID,
			"symbol":   result.Symbol,
		})
	}
}

// registerExitPlan sets up the configured exit strategy for a fill.
func (s *EngineService) registerExitPlan(ctx context.Context, symbol string, result domain.ExecutionResult, opts ...exits.PlanOption) error {
	strategy := domain.ExitStrategy(s.cfg.Trading.ExitStrategy)
	plan, err := s.exits.Setup(symbol, result.FillPrice, result.FilledQuantity, strategy, opts...)
	if err != nil {
		return fmt.Errorf("failed to set up exit plan for %s: %w", symbol, err)
	}

	s.logger.Info(ctx, "Position opened, exit plan active", map[string]interface{}{
		"symbol":     symbol,
		"entryPrice": plan.EntryPrice,
		"quantity":   plan.OriginalQuantity,
		"strategy":   string(plan.Strategy),
		"stopPrice":  plan.StopPrice,
	})
	return nil
}
