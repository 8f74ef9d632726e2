// Package exits implements the staged position-exit state machine: one
// plan per open symbol, evaluated against live price ticks.
package exits

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"orderpilot/internal/domain"
	"orderpilot/internal/metrics"
	"orderpilot/internal/ports"
)

// ErrPlanExists enforces the one-plan-per-symbol invariant.
var ErrPlanExists = errors.New("an exit plan is already active for this symbol")

// ErrNoPlan is returned when mutating a symbol with no active plan.
var ErrNoPlan = errors.New("no active exit plan for this symbol")

// Config holds the staged-exit policy. Percent values are whole percents
// (3 means 3%).
type Config struct {
	// multi_target strategy
	Target1Pct      float64 // default 3
	Target2Pct      float64 // default 6
	Target3Pct      float64 // default 12
	TargetFraction  float64 // quantity fraction for targets 1 and 2, default 0.33
	StopLossPct     float64 // default 3
	TrailingStopPct float64 // default 2, armed after target1
	BreakevenPct    float64 // profit percent that relocates the stop, default 1.5
	BreakevenOffset float64 // percent above entry for the relocated stop, default 0.1
	MaxHold         time.Duration // multi_target/trailing time-exit threshold, default 48h

	// time_based strategy
	TimeBasedTarget float64       // single target percent, default 4
	TimeBasedStop   float64       // single stop percent, default 2
	TimeBasedHold   time.Duration // short time exit, default 4h

	MinProfitPct float64 // below this, the time exit flattens, default 1

	// Expiring derivative contracts
	DTEThresholdDays int // exit everything at or under this many days to expiry, default 2
}

func (c *Config) applyDefaults() {
	if c.Target1Pct <= 0 {
		c.Target1Pct = 3
	}
	if c.Target2Pct <= 0 {
		c.Target2Pct = 6
	}
	if c.Target3Pct <= 0 {
		c.Target3Pct = 12
	}
	if c.TargetFraction <= 0 {
		c.TargetFraction = 0.33
	}
	if c.StopLossPct <= 0 {
		c.StopLossPct = 3
	}
	if c.TrailingStopPct <= 0 {
		c.TrailingStopPct = 2
	}
	if c.BreakevenPct <= 0 {
		c.BreakevenPct = 1.5
	}
	if c.BreakevenOffset <= 0 {
		c.BreakevenOffset = 0.1
	}
	if c.MaxHold <= 0 {
		c.MaxHold = 48 * time.Hour
	}
	if c.TimeBasedTarget <= 0 {
		c.TimeBasedTarget = 4
	}
	if c.TimeBasedStop <= 0 {
		c.TimeBasedStop = 2
	}
	if c.TimeBasedHold <= 0 {
		c.TimeBasedHold = 4 * time.Hour
	}
	if c.MinProfitPct <= 0 {
		c.MinProfitPct = 1
	}
	if c.DTEThresholdDays <= 0 {
		c.DTEThresholdDays = 2
	}
}

// Manager owns the per-symbol exit plans. Check may run concurrently for
// different symbols; callers must serialize ticks for the same symbol since
// step firing is not idempotent under interleaving.
type Manager struct {
	logger ports.Logger
	cfg    Config

	mu    sync.Mutex
	plans map[string]*domain.PositionExitPlan

	now func() time.Time
}

// PlanOption customizes a plan at setup time.
type PlanOption func(*domain.PositionExitPlan)

// WithExpiry marks the position as an expiring derivative contract.
func WithExpiry(expiry time.Time) PlanOption {
	return func(p *domain.PositionExitPlan) {
		p.Expiry = expiry
	}
}

// NewManager creates an exit-plan manager.
func NewManager(logger ports.Logger, cfg Config) (*Manager, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required for exit manager")
	}
	cfg.applyDefaults()
	return &Manager{
		logger: logger,
		cfg:    cfg,
		plans:  make(map[string]*domain.PositionExitPlan),
		now:    time.Now,
	}, nil
}

// Setup builds and registers the exit plan for a freshly opened position.
func (m *Manager) Setup(symbol string, entryPrice float64, quantity int64, strategy domain.ExitStrategy, opts ...PlanOption) (*domain.PositionExitPlan, error) {
	if symbol == "" {
		return nil, fmt.Errorf("symbol must not be empty")
	}
	if entryPrice <= 0 {
		return nil, fmt.Errorf("entry price must be positive, got %.4f", entryPrice)
	}
	if quantity <= 0 {
		return nil, fmt.Errorf("quantity must be positive, got %d", quantity)
	}

	plan := &domain.PositionExitPlan{
		Symbol:            symbol,
		EntryPrice:        entryPrice,
		OriginalQuantity:  quantity,
		RemainingQuantity: quantity,
		Strategy:          strategy,
		Fired:             make(map[int]bool),
		EntryTime:         m.now(),
		LastPrice:         entryPrice,
		TrailingStopPct:   m.cfg.TrailingStopPct,
		MinProfitPct:      m.cfg.MinProfitPct,
	}

	switch strategy {
	case domain.StrategyMultiTarget:
		plan.StopPrice = entryPrice * (1 - m.cfg.StopLossPct/100)
		plan.MaxHold = m.cfg.MaxHold
		plan.Steps = []domain.ExitStep{
			{Index: 0, Kind: domain.TriggerTarget, Price: entryPrice * (1 + m.cfg.Target1Pct/100), Fraction: m.cfg.TargetFraction},
			{Index: 1, Kind: domain.TriggerTarget, Price: entryPrice * (1 + m.cfg.Target2Pct/100), Fraction: m.cfg.TargetFraction},
			{Index: 2, Kind: domain.TriggerTarget, Price: entryPrice * (1 + m.cfg.Target3Pct/100)}, // remainder
		}
	case domain.StrategyTrailing:
		// Hard stop protects the position until price first exceeds entry
		// and the trailing stop takes over.
		plan.StopPrice = entryPrice * (1 - m.cfg.StopLossPct/100)
		plan.MaxHold = m.cfg.MaxHold
	case domain.StrategyTimeBased:
		plan.StopPrice = entryPrice * (1 - m.cfg.TimeBasedStop/100)
		plan.MaxHold = m.cfg.TimeBasedHold
		plan.Steps = []domain.ExitStep{
			{Index: 0, Kind: domain.TriggerTarget, Price: entryPrice * (1 + m.cfg.TimeBasedTarget/100)}, // full exit
		}
	default:
		return nil, fmt.Errorf("unknown exit strategy %q", strategy)
	}

	for _, opt := range opts {
		opt(plan)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.plans[symbol]; exists {
		return nil, fmt.Errorf("setup %s: %w", symbol, ErrPlanExists)
	}
	m.plans[symbol] = plan

	m.logger.Info(context.Background(), "exit plan created", map[string]interface{}{
		"symbol":     symbol,
		"strategy":   strategy,
		"entryPrice": entryPrice,
		"quantity":   quantity,
		"stopPrice":  plan.StopPrice,
		"steps":      len(plan.Steps),
	})
	return plan, nil
}

// Remove drops the plan for a symbol (position fully closed or strategy
// cancelled by the owner).
func (m *Manager) Remove(symbol string) {
	m.mu.Lock()
	delete(m.plans, symbol)
	m.mu.Unlock()
}

// Plan returns the active plan for a symbol, if any.
func (m *Manager) Plan(symbol string) (*domain.PositionExitPlan, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[symbol]
	return p, ok
}

// ActiveSymbols lists symbols with a live plan.
func (m *Manager) ActiveSymbols() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.plans))
	for s := range m.plans {
		out = append(out, s)
	}
	return out
}

// Check evaluates the plan for a symbol against the current price and
// returns at most one decision. Firing steps and relocating stops mutate
// the plan; the caller owns routing the resulting intent and removing the
// plan once remaining quantity reaches zero.
func (m *Manager) Check(symbol string, price float64) domain.ExitDecision {
	m.mu.Lock()
	defer m.mu.Unlock()

	plan, ok := m.plans[symbol]
	if !ok || plan.RemainingQuantity <= 0 || price <= 0 {
		return domain.ExitDecision{Action: domain.ActionNone}
	}

	plan.LastPrice = price
	profit := plan.ProfitPct(price)
	prevHigh := plan.HighWaterPrice()
	if profit > plan.MaxProfitPct {
		plan.MaxProfitPct = profit
	}

	decision := m.evaluate(plan, price, profit, prevHigh)

	// The trailing stop ratchets toward the new high after evaluation, so
	// a fresh high on this tick cannot hide a breach of the prior level.
	if plan.TrailingArmed && price > prevHigh {
		candidate := price * (1 - plan.TrailingStopPct/100)
		if candidate > plan.TrailingStopPrice {
			plan.TrailingStopPrice = candidate
		}
	}

	if decision.Action != domain.ActionNone {
		metrics.IncExit(string(decision.ExitType), string(plan.Strategy))
	}
	return decision
}

// evaluate applies the fixed evaluation order: hard stop, time exit, DTE
// exit, breakeven relocation, targets, trailing breach.
func (m *Manager) evaluate(plan *domain.PositionExitPlan, price, profit, prevHigh float64) domain.ExitDecision {
	now := m.now()

	// (a) Hard stop-loss: unconditional full exit.
	if plan.StopPrice > 0 && price <= plan.StopPrice {
		return m.exitAll(plan, price, domain.TriggerStopLoss,
			fmt.Sprintf("price %.4f at or below stop %.4f", price, plan.StopPrice))
	}

	// (b) Time exit: held too long with too little to show for it.
	if plan.MaxHold > 0 && now.Sub(plan.EntryTime) > plan.MaxHold && profit < plan.MinProfitPct {
		return m.exitAll(plan, price, domain.TriggerTimeExit,
			fmt.Sprintf("held %s with profit %.2f%% below %.2f%%", now.Sub(plan.EntryTime).Round(time.Minute), profit, plan.MinProfitPct))
	}

	// (c) Expiring contracts: flatten at the DTE threshold.
	if !plan.Expiry.IsZero() {
		dte := int(plan.Expiry.Sub(now).Hours() / 24)
		if dte <= m.cfg.DTEThresholdDays {
			return m.exitAll(plan, price, domain.TriggerTimeExit,
				fmt.Sprintf("%d days to expiration at or below threshold %d", dte, m.cfg.DTEThresholdDays))
		}
	}

	// (d) One-time breakeven relocation; mutates the plan, emits nothing.
	if !plan.BreakevenMoved && profit >= m.cfg.BreakevenPct {
		plan.StopPrice = plan.EntryPrice * (1 + m.cfg.BreakevenOffset/100)
		plan.BreakevenMoved = true
		m.logger.Info(context.Background(), "stop moved to breakeven", map[string]interface{}{
			"symbol":    plan.Symbol,
			"stopPrice": plan.StopPrice,
			"profitPct": profit,
		})
	}

	// (e) Target steps in ascending order, each firing at most once.
	for i := range plan.Steps {
		step := &plan.Steps[i]
		if step.Kind != domain.TriggerTarget || plan.Fired[step.Index] || price < step.Price {
			continue
		}
		plan.Fired[step.Index] = true

		qty := plan.RemainingQuantity
		if step.Fraction > 0 {
			qty = int64(float64(plan.OriginalQuantity) * step.Fraction)
			if qty > plan.RemainingQuantity {
				qty = plan.RemainingQuantity
			}
		}
		plan.RemainingQuantity -= qty

		// Firing a target arms (or tightens) the trailing stop.
		plan.TrailingArmed = true
		candidate := price * (1 - plan.TrailingStopPct/100)
		if candidate > plan.TrailingStopPrice {
			plan.TrailingStopPrice = candidate
		}

		reason := fmt.Sprintf("target %d reached at %.4f", step.Index+1, step.Price)
		if plan.RemainingQuantity == 0 {
			return domain.ExitDecision{
				Action:   domain.ActionExitAll,
				Reason:   reason,
				Quantity: qty,
				Price:    price,
				ExitType: domain.TriggerTarget,
			}
		}
		return domain.ExitDecision{
			Action:   domain.ActionPartialExit,
			Reason:   reason,
			Quantity: qty,
			Price:    price,
			ExitType: domain.TriggerTarget,
		}
	}

	// Trailing strategy arms itself once price first exceeds entry.
	if plan.Strategy == domain.StrategyTrailing && !plan.TrailingArmed && price > plan.EntryPrice {
		plan.TrailingArmed = true
		plan.TrailingStopPrice = price * (1 - plan.TrailingStopPct/100)
	}

	// (f) Trailing-stop breach for whatever quantity remains.
	if plan.TrailingArmed && plan.TrailingStopPrice > 0 && price <= plan.TrailingStopPrice {
		return m.exitAll(plan, price, domain.TriggerTrailingStop,
			fmt.Sprintf("price %.4f at or below trailing stop %.4f", price, plan.TrailingStopPrice))
	}

	return domain.ExitDecision{Action: domain.ActionNone}
}

// exitAll zeroes the plan's remaining quantity and returns the decision.
func (m *Manager) exitAll(plan *domain.PositionExitPlan, price float64, kind domain.TriggerKind, reason string) domain.ExitDecision {
	qty := plan.RemainingQuantity
	plan.RemainingQuantity = 0
	return domain.ExitDecision{
		Action:   domain.ActionExitAll,
		Reason:   reason,
		Quantity: qty,
		Price:    price,
		ExitType: kind,
	}
}
